package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-IP token bucket for the mutating routes.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	rate         int           // requests per window
	window       time.Duration // refill period for a full bucket
	maxCacheSize int
	now          func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter allows rate requests per window for each client IP.
// Stale buckets are dropped until ctx is done.
func NewRateLimiter(ctx context.Context, rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets:      make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow takes one token for ip, refilling continuously at rate/window.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxCacheSize {
			rl.evictStale(now)
		}
		b = &bucket{tokens: float64(rl.rate), lastSeen: now}
		rl.buckets[ip] = b
	} else {
		refill := now.Sub(b.lastSeen).Seconds() / rl.window.Seconds() * float64(rl.rate)
		b.tokens = min(float64(rl.rate), b.tokens+refill)
		b.lastSeen = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictStale drops buckets idle for two windows, then an arbitrary tenth
// if the table is still full.
func (rl *RateLimiter) evictStale(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.window*2 {
			delete(rl.buckets, ip)
		}
	}
	if len(rl.buckets) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.buckets) / 10
	for ip := range rl.buckets {
		if toRemove <= 0 {
			break
		}
		delete(rl.buckets, ip)
		toRemove--
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// clientIP uses the TCP peer only; X-Forwarded-For is client controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.evictStale(rl.now())
			rl.mu.Unlock()
		}
	}
}
