package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"recall/internal/logging"
)

// LoggingMiddleware logs HTTP requests with structured logging and tags
// each response with an X-Request-ID.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		rw.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rw, r)

		logging.RequestLogger(requestID, r.Method, r.URL.Path).Info("HTTP Request",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("status_code", rw.statusCode),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}