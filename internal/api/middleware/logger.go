package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ruleforge-lab/pkg/logger"
)

// Logger returns a middleware that logs completed requests. Server errors log at error
// level, client errors at warn, health checks at debug.
func Logger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			reqLog := log
			if id := middleware.GetReqID(r.Context()); id != "" {
				reqLog = log.WithRequestID(id)
			}

			defer func() {
				var event *zerolog.Event
				switch status := ww.Status(); {
				case status >= 500:
					event = reqLog.Error()
				case status >= 400:
					event = reqLog.Warn()
				case r.URL.Path == "/health" || r.URL.Path == "/ready":
					event = reqLog.Debug()
				default:
					event = reqLog.Info()
				}

				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
