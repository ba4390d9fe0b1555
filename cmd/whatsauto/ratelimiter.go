package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
	"whatsauto/internal/httputil"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// RateLimiter gives every client IP a token bucket holding limit requests
// that refills over window.
type RateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	clients   map[string]*clientLimiter
	idleTTL   time.Duration
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limit:     limit,
		window:    window,
		clients:   make(map[string]*clientLimiter),
		idleTTL:   constants.RateLimiterIdleTTLMin * time.Minute,
		lastSweep: time.Now(),
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > rl.idleTTL {
		rl.sweep(now)
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than idleTTL; they would be full again.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, ip)
		}
	}
	rl.lastSweep = now
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware answers 429 once a client IP runs out of tokens
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(httputil.GetClientIP(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.window/time.Second)))
				httputil.WriteError(w, r, errors.New(errors.ErrCodeRateLimit, "rate limit exceeded").
					WithUserMessage("Too many requests, slow down"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
