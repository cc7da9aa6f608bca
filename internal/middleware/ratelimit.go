package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/aaronlmathis/kmon/internal/metrics"
	"github.com/aaronlmathis/kmon/internal/model"
	"golang.org/x/time/rate"
)

// RateLimit returns a middleware that bounds the request rate of the
// wrapped endpoints with a shared token bucket. The serving API has a
// single external consumer, so one bucket per process is enough.
func RateLimit(perSecond, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		// Disabled: pass requests through unchanged.
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}

	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.RecordRateLimitedRequest(r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(model.ErrorResponse{
					Error:   "RateLimited",
					Message: "request rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
