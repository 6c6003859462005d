package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
)

// Recover turns a handler panic into a 500 and a logged error. onPanic, when
// set, runs for every recovered panic. http.ErrAbortHandler is re-raised so
// net/http can abort the connection as intended.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}
				ctx := r.Context()
				logger.Error(ctx, fmt.Errorf("panic: %v", rec), "httpserver panic recovered",
					"request_id", RequestIDFromContext(ctx),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
