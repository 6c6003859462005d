package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/health"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the application routes on the router.
	APIRoutes func(chi.Router)

	// WriteTimeout must exceed the longest fetch or slow upstreams are cut
	// off mid-response. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}
