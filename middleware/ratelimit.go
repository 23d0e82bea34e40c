package middleware

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-remote-address token bucket guarding the HTTP
// surface from abusive callers. This is ambient protection, not a domain
// feature, so it defaults to generous limits that don't interfere with
// legitimate tunnel-server traffic.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	rps     float64
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(logger zerolog.Logger, enabled bool, rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		logger:   logger,
		enabled:  enabled,
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		if !rl.limiterFor(key).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"code":429,"msg":"rate limit exceeded"}`, http.StatusTooManyRequests)
			rl.logger.Warn().Str("remote_addr", key).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Cleanup drops all per-key limiters once the map grows past maxKeys,
// bounding memory from long-running processes seeing many remote addresses.
func (rl *RateLimiter) Cleanup(maxKeys int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) <= maxKeys {
		return
	}
	rl.limiters = make(map[string]*rate.Limiter)
}
