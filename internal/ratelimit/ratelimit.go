package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"templateshop.app/api/internal/logger"
)

type Limiter interface {
	Allow(key string) bool
}

type window struct {
	count int
	start time.Time
}

// FixedWindowLimiter allows maxRequests per key in each window. A limit of
// zero denies everything.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		now:         time.Now,
		windows:     make(map[string]*window),
	}
}

func (rl *FixedWindowLimiter) Window() time.Duration {
	return rl.window
}

func (rl *FixedWindowLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	w := rl.windows[key]
	if w == nil || now.Sub(w.start) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}

	if w.count >= rl.maxRequests {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows at most once per window so idle clients do
// not accumulate.
func (rl *FixedWindowLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for key, w := range rl.windows {
		if now.Sub(w.start) > rl.window {
			delete(rl.windows, key)
		}
	}
	rl.lastSweep = now
}

func (rl *FixedWindowLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// ClientIP is the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and a JSON body.
func Middleware(limiter Limiter, retryAfter time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Rate limit exceeded", logger.Fields{
				"client_ip": ip,
				"path":      r.URL.Path,
			})

			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"valid":   false,
				"message": "Too many requests. Please try again later.",
			})
		})
	}
}
