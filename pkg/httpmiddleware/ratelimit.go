package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const rateLimitedBody = `{"success":false,"error":"rate limit exceeded"}`

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures the rate limit middleware.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max int
	// Window is the counting window.
	Window time.Duration
	// Limiter overrides the in-process sliding window, e.g. with a store
	// shared between replicas.
	Limiter Limiter
	// KeyFunc extracts the rate limit key from a request. Defaults to the
	// client IP address.
	KeyFunc func(*http.Request) string
	// Skip exempts matching requests from the limit.
	Skip func(*http.Request) bool
}

type windowEntry struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

// SlidingWindow is an in-process Limiter approximating a sliding window
// from the counts of the current and previous fixed windows.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*windowEntry
}

// NewSlidingWindow creates a SlidingWindow allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, entries: make(map[string]*windowEntry)}
}

// Allow records a request for key unless the key is over its limit.
func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &windowEntry{currStart: now}
		s.entries[key] = e
	}
	if now.Sub(e.currStart) >= s.window {
		e.prevCount, e.prevStart = e.currCount, e.currStart
		e.currCount, e.currStart = 0, now.Truncate(s.window)
		if now.Sub(e.prevStart) >= 2*s.window {
			e.prevCount = 0
		}
	}

	// The previous window counts in proportion to its overlap with the
	// sliding window ending now.
	overlap := math.Max(0, 1-now.Sub(e.currStart).Seconds()/s.window.Seconds())
	count := e.prevCount*overlap + e.currCount
	d := Decision{ResetAt: e.currStart.Add(s.window)}
	if count >= float64(s.limit) {
		return d, nil
	}

	e.currCount++
	d.Allowed = true
	d.Remaining = max(0, int(float64(s.limit)-count-1))
	return d, nil
}

// Cleanup drops keys whose windows have both expired.
func (s *SlidingWindow) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if now.Sub(e.currStart) >= 2*s.window {
			delete(s.entries, key)
		}
	}
}

// RunCleanup calls Cleanup every two windows until ctx is done.
func (s *SlidingWindow) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(2 * s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

// RateLimit returns a middleware that enforces cfg. Every counted response
// carries X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset;
// rejected requests get 429 with Retry-After. When the limiter fails the
// request is let through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		cfg.Limiter = NewSlidingWindow(cfg.Max, cfg.Window)
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			d, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				retry := max(0, d.ResetAt.Sub(now))
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(rateLimitedBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitWithCleanup is RateLimit over an in-process sliding window whose
// stale keys are evicted in the background until ctx is done. A configured
// Limiter is used as is.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		sw := NewSlidingWindow(cfg.Max, cfg.Window)
		go sw.RunCleanup(ctx)
		cfg.Limiter = sw
	}
	return RateLimit(cfg)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
