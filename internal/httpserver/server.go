package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/health"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// GET-only service, nobody has a reason to send a body
const maxRequestBody = 1024

// NewHandler builds the public handler. main owns the *http.Server so it can
// shut down gracefully.
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// fetched bytes are passed through untouched, only error bodies compress
	r.Use(middleware.Compress(5, "application/json", "text/plain"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog("/-/healthy", "/-/ready"))
	r.Use(httpmw.MaxBody(maxRequestBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	// outermost last
	var h http.Handler = r
	h = httpmw.WithLogger(opts.Logger)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames it to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}
	h = httpmw.SecurityHeaders(h)
	return h
}

func shouldTrace(p string) bool {
	switch p {
	case "/-/healthy", "/-/ready", "/favicon.ico", "/robots.txt":
		return false
	}
	return true
}

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 35 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start serves the public handler and returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts), opts.WriteTimeout)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr, "write_timeout", srv.WriteTimeout.String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			// in-flight fetches get their full budget to finish
			c, cancel := context.WithTimeout(sctx, srv.WriteTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
