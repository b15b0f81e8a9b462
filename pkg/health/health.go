// Package health tracks daemon readiness and serves the health, readiness
// and status endpoints of the diagnostics listener.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// CheckFunc reports a dependency failure. A nil result means healthy.
type CheckFunc func() error

// Checker tracks readiness of the platform. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// AddCheck registers a named dependency check consulted by readiness.
func (c *Checker) AddCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready and every check passes.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady && len(c.failing()) == 0
}

// State returns the lifecycle state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// failing runs every check and returns the failures keyed by name.
func (c *Checker) failing() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out map[string]string
	for name, fn := range c.checks {
		if err := fn(); err != nil {
			if out == nil {
				out = make(map[string]string)
			}
			out[name] = err.Error()
		}
	}
	return out
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler always responds 200 OK (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 when ready and every check passes, and 503
// otherwise, naming the failing checks (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state := c.State()
		if state != "ready" {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: state})
			return
		}
		if failed := c.failing(); len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Checks: failed})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: state})
	}
}

// StatusHandler renders the value returned by status as JSON, alongside the
// readiness state and check names (/status).
func (c *Checker) StatusHandler(status func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c.mu.RLock()
		names := make([]string, 0, len(c.checks))
		for name := range c.checks {
			names = append(names, name)
		}
		c.mu.RUnlock()
		sort.Strings(names)

		writeJSON(w, http.StatusOK, struct {
			State  string   `json:"state"`
			Checks []string `json:"checks"`
			Status any      `json:"status"`
		}{State: c.State(), Checks: names, Status: status()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
