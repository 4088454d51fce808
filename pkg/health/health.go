// Package health serves the /livez and /readyz probes of the storefront API.
//
// Registered checks run on a ticker in the background and the endpoints
// only report their last known state. A check turns unhealthy after three
// consecutive failures and healthy again after one success.
package health

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc reports whether a component works. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Kind decides how a failing check affects the probes.
type Kind uint8

const (
	// Liveness checks fail /livez.
	Liveness Kind = iota
	// Readiness checks fail /readyz.
	Readiness
	// Dependency checks show up in /readyz as degraded without failing it.
	Dependency
)

const (
	failAfter    = 3
	recoverAfter = 1
)

type check struct {
	name    string
	kind    Kind
	timeout time.Duration
	fn      CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the goroutine calling observe.
	fails, passes int
}

// observe runs the check once and moves it across the thresholds.
func (c *check) observe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.passes = 0
		if c.fails++; c.fails >= failAfter {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	if c.passes++; c.passes >= recoverAfter {
		c.healthy.Store(true)
	}
}

func (c *check) err() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// failure returns the message to report while c is unhealthy.
func (c *check) failure() (string, bool) {
	if c.healthy.Load() {
		return "", false
	}
	if err := c.err(); err != nil {
		return err.Error(), true
	}
	return "check is unhealthy", true
}

func (c *check) loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	c.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.observe(ctx)
		}
	}
}

// Health holds the registered checks and the manual readiness flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	stop   context.CancelFunc
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Add registers a check of the given kind. Checks start healthy.
func (h *Health) Add(kind Kind, name string, timeout time.Duration, fn CheckFunc) {
	c := &check{name: name, kind: kind, timeout: timeout, fn: fn}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// AddLivenessCheck registers a check that fails /livez, e.g. a goroutine leak.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Liveness, name, timeout, fn)
}

// AddReadinessCheck registers a check that fails /readyz, e.g. the database.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Readiness, name, timeout, fn)
}

// AddDependencyCheck registers a check for an optional dependency such as the
// status cache or the event broker.
func (h *Health) AddDependencyCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Dependency, name, timeout, fn)
}

// Start runs every registered check every interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.stop = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, c := range checks {
		go c.loop(ctx, interval)
	}
}

// Stop cancels the background checks. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// SetReady flips the manual readiness flag: true once wiring is done, false
// when shutdown starts draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and no readiness check
// is failing.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, c := range h.checks {
		if c.kind != kind {
			continue
		}
		if msg, failed := c.failure(); failed {
			out[c.name] = msg
		}
	}
	return out
}

// LiveEndpoint serves /livez: 200 {"status":"ok"} or 503 with the failing
// liveness checks under "checks".
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.failures(Liveness), nil)
}

// ReadyEndpoint serves /readyz. Failing readiness checks and the manual flag
// give 503; failing dependencies only turn the status into "degraded".
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := h.failures(Readiness)
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeReport(w, failed, h.failures(Dependency))
}

func writeReport(w http.ResponseWriter, failed, degraded map[string]string) {
	status, code := "ok", http.StatusOK
	switch {
	case len(failed) > 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case len(degraded) > 0:
		status = "degraded"
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(status) })
		writeSet(e, "checks", failed)
		writeSet(e, "degraded", degraded)
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

func writeSet(e *jx.Encoder, field string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	e.Field(field, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			for _, name := range slices.Sorted(maps.Keys(m)) {
				e.Field(name, func(e *jx.Encoder) { e.Str(m[name]) })
			}
		})
	})
}
