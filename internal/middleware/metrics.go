package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nyotabank/backend/internal/metrics"
)

// Metrics records request counts and latencies per method and route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		metrics.RecordHTTPRequest(
			r.Method,
			r.URL.Path,
			strconv.Itoa(ww.Status()),
			time.Since(start).Seconds(),
		)
	})
}
