// Package healthz exposes liveness/readiness endpoints for the daemon
// process. Adapted from pkg/health/health.go's HealthChecker (an atomic
// ready flag, /healthz and /readyz handlers), repurposed from an MCP
// server's SSE-mode health port into kftrayd's always-on status surface:
// liveness now also reports how long the daemon has been up, and readiness
// how many forwards the supervisor is running.
package healthz

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// StatusSource is the subset of *supervisor.Supervisor the readiness
// handler reports on. An interface here keeps healthz ignorant of the
// supervisor package, matching the Observer/TLSWrapper seam pattern
// tcpforward uses to stay ignorant of httplog/tlsterm.
type StatusSource interface {
	Handles() []int64
}

// Checker tracks whether the daemon has finished starting every stored
// configuration's forward, and surfaces live status for monitoring.
type Checker struct {
	ready     atomic.Bool
	startedAt time.Time
	source    StatusSource
}

// NewChecker returns a Checker that starts out not ready. source may be nil
// if readiness reporting shouldn't include running-forward counts.
func NewChecker(source StatusSource) *Checker {
	return &Checker{startedAt: time.Now(), source: source}
}

// SetReady flips the readiness state, called once StartMany returns.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// IsReady reports the current readiness state.
func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

func (c *Checker) livenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok uptime=%s\n", time.Since(c.startedAt).Round(time.Second))
	})
}

func (c *Checker) readinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready\n"))
			return
		}
		running := 0
		if c.source != nil {
			running = len(c.source.Handles())
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok running=%d\n", running)
	})
}

// Attach registers /healthz and /readyz on mux.
func (c *Checker) Attach(mux *http.ServeMux) {
	mux.Handle("/healthz", c.livenessHandler())
	mux.Handle("/readyz", c.readinessHandler())
}
