package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per client IP. Buckets that sit
// at full capacity are dropped on the next sweep.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPLimiters(requestsPerSecond float64, burstSize int) *ipLimiters {
	return &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burstSize,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = limiter
	}

	// Opportunistic cleanup once the map grows; an idle bucket refills
	// to its burst and can be recreated on demand.
	if len(l.limiters) > 10000 {
		for key, lim := range l.limiters {
			if key != ip && lim.Tokens() == float64(lim.Burst()) {
				delete(l.limiters, key)
			}
		}
	}
	return limiter
}

// PerIPRateLimitMiddleware rejects clients that exceed their per-IP
// request budget with a 429.
func PerIPRateLimitMiddleware(requestsPerSecond float64, burstSize int) func(http.Handler) http.Handler {
	limiters := newIPLimiters(requestsPerSecond, burstSize)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(getClientIP(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error": "Rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIRateLimitMiddleware applies the default per-IP budget for API
// endpoints.
func APIRateLimitMiddleware() func(http.Handler) http.Handler {
	return PerIPRateLimitMiddleware(10, 20)
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
