package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	potel "github.com/parleyhq/parley/internal/adapter/otel"
)

// RateLimiter applies a per-client token bucket to the autocomplete routes,
// which browsers hit on every keystroke. Buckets are keyed by the connection
// address; proxy headers are not part of the key because a client could spoof
// them to mint fresh buckets.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64 // tokens per second
	burst      int     // bucket capacity
	maxBuckets int     // cap on tracked clients

	metrics *potel.Metrics
}

type bucket struct {
	tokens    float64
	lastSeen  time.Time
	updatedAt time.Time
}

// NewRateLimiter creates a limiter sustaining rate requests per second per
// client, with bursts up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      burst,
		maxBuckets: 100000,
	}
}

// SetMetrics attaches telemetry instruments. A nil receiver field disables
// recording.
func (rl *RateLimiter) SetMetrics(m *potel.Metrics) { rl.metrics = m }

// Handler enforces the limit and annotates every response with rate headers.
// X-RateLimit-Reset carries the time the bucket is full again; on rejection
// Retry-After carries the wait for the next single token.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, allowed := rl.allow(clientAddr(r))

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(wait*float64(time.Second))).Unix(), 10))

		if !allowed {
			if rl.metrics != nil {
				rl.metrics.RequestsThrottled.Add(r.Context(), 1)
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(wait)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow spends one token from the client's bucket. It reports the tokens
// left and a wait in seconds: until the bucket refills completely when
// allowed, until the next token when rejected.
func (rl *RateLimiter) allow(key string) (remaining int, wait float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[key]
	if !exists {
		if len(rl.buckets) >= rl.maxBuckets {
			// At capacity new clients are rejected outright rather than
			// evicting someone else's bucket.
			return 0, 1.0 / rl.rate, false
		}
		b = &bucket{
			tokens:    float64(rl.burst) - 1,
			updatedAt: now,
			lastSeen:  now,
		}
		rl.buckets[key] = b
		return int(b.tokens), 1.0 / rl.rate, true
	}

	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.updatedAt = now
	b.lastSeen = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}

	b.tokens--
	return int(b.tokens), (float64(rl.burst) - b.tokens) / rl.rate, true
}

// StartCleanup spawns a goroutine that evicts idle buckets every interval.
// A bucket is idle once it has not been seen for maxIdle. The returned
// function stops the goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter evicted idle buckets", "evicted", evicted, "tracked", len(rl.buckets))
	}
}

// Len returns the number of tracked client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientAddr extracts the client IP from RemoteAddr. Forwarding headers
// (X-Forwarded-For, X-Real-Ip) are deliberately ignored here: they are
// client-controlled and would let a caller bypass the limit.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
