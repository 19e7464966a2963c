package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/balance-ledger/auth"
	"github.com/warp/balance-ledger/logger"
)

// requestLogger attaches the chi request ID to the logging context and
// writes one line per request once it completes.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			ctx = log.WithFields(ctx, map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			log.Info(ctx, "http.request")
		})
	}
}

// accountLogger tags the logging context with the verified account. It
// must run after auth.Middleware.
func accountLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := auth.IdentityFrom(r.Context()); ok {
				r = r.WithContext(log.WithAccountID(r.Context(), string(id.AccountID)))
			}
			next.ServeHTTP(w, r)
		})
	}
}
