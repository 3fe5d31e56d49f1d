package middleware

import (
	"net/http"

	"github.com/a2agate/a2agate/internal/metrics"
)

// Metrics counts served requests by method and status class.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)
		metrics.RequestsTotal.WithLabelValues(r.Method, metrics.StatusClass(rw.statusCode)).Inc()
	})
}
