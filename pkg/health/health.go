// Package health provides readiness state tracking and HTTP health check
// handlers for the session service, including transport occupancy stats.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Stats reports transport occupancy alongside readiness.
type Stats struct {
	// LiveSessions is the number of sessions with a connected transport
	// in this process.
	LiveSessions int `json:"live_sessions"`

	// OpenStreams is the number of logical streams open across those
	// sessions.
	OpenStreams int `json:"open_streams"`
}

// StatsFunc supplies current occupancy numbers for the readiness body.
type StatsFunc func() Stats

// Checker tracks the readiness state of the service.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32
	stats atomic.Pointer[StatsFunc]
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
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

// SetStats installs the occupancy source reported by the readiness
// endpoint.
func (c *Checker) SetStats(fn StatsFunc) {
	c.stats.Store(&fn)
}

// Snapshot returns the current occupancy, zeros when no StatsFunc is
// installed.
func (c *Checker) Snapshot() Stats {
	fn := c.stats.Load()
	if fn == nil || *fn == nil {
		return Stats{}
	}
	return (*fn)()
}

// healthResponse is the JSON body returned by the liveness endpoint.
type healthResponse struct {
	Status string `json:"status"`
}

// readyResponse is the JSON body returned by the readiness endpoint.
type readyResponse struct {
	Status string `json:"status"`
	Stats  Stats  `json:"stats"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and 503 when starting or draining, with occupancy stats in either case.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !c.IsReady() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readyResponse{Status: c.State(), Stats: c.Snapshot()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
