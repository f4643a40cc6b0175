package serve

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// requestLogger logs each request with its status, size and duration. Segment
// traffic is logged at debug level; everything else at info.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("size", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if r.Method == http.MethodGet && isSegmentPath(r.URL.Path) {
				logger.Debug("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

func isSegmentPath(p string) bool {
	const prefix = "/v1/segments/"
	return len(p) > len(prefix) && p[:len(prefix)] == prefix
}
