// Package health tracks agent liveness signals and serves /healthz.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	// eventGrace is how long after startup (or after the last event) the
	// checker merely warns about silence; silence can be a correct empty
	// filter, so it never marks the agent unhealthy.
	eventGrace = 5 * time.Minute
	// reportGrace is how long a report-write stall is tolerated before the
	// agent is unhealthy. Reports should land every reporting interval.
	reportGrace = 2 * time.Minute
)

// Checker aggregates component liveness into one status. Safe for
// concurrent use.
type Checker struct {
	mu          sync.RWMutex
	probeLoaded bool
	lastEvent   time.Time
	lastReport  time.Time
	started     time.Time
}

// New returns a checker anchored at the current time.
func New() *Checker {
	return &Checker{started: time.Now()}
}

// SetProbeLoaded marks the kernel probe as attached.
func (c *Checker) SetProbeLoaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeLoaded = true
}

// RecordEvent notes that a capture record arrived.
func (c *Checker) RecordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEvent = time.Now()
}

// RecordReport notes a successful report write.
func (c *Checker) RecordReport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReport = time.Now()
}

// Status is the JSON document served on /healthz.
type Status struct {
	Healthy            bool    `json:"healthy"`
	Uptime             string  `json:"uptime"`
	ProbeLoaded        bool    `json:"probe_loaded"`
	LastEvent          string  `json:"last_event,omitempty"`
	LastReport         string  `json:"last_report,omitempty"`
	SecondsSinceEvent  float64 `json:"seconds_since_event,omitempty"`
	SecondsSinceReport float64 `json:"seconds_since_report,omitempty"`
	Message            string  `json:"message,omitempty"`
}

// Check evaluates the current status. The probe must be loaded; report
// writes must not stall past their grace period. Missing events only produce
// a warning message since an empty trace filter is legitimate.
func (c *Checker) Check() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	status := Status{
		Healthy:     true,
		Uptime:      now.Sub(c.started).Round(time.Second).String(),
		ProbeLoaded: c.probeLoaded,
	}

	if !c.probeLoaded {
		status.Healthy = false
		status.Message = "kernel probe not loaded"
		return status
	}

	if !c.lastEvent.IsZero() {
		since := now.Sub(c.lastEvent)
		status.SecondsSinceEvent = since.Seconds()
		status.LastEvent = c.lastEvent.Format(time.RFC3339)
		if since > eventGrace {
			status.Message = "no events received recently (check cgroup filter)"
		}
	} else if now.Sub(c.started) > eventGrace {
		status.Message = "no events received yet (check cgroup filter)"
	}

	appendMsg := func(msg string) {
		if status.Message != "" {
			status.Message += "; "
		}
		status.Message += msg
	}

	if !c.lastReport.IsZero() {
		since := now.Sub(c.lastReport)
		status.SecondsSinceReport = since.Seconds()
		status.LastReport = c.lastReport.Format(time.RFC3339)
		if since > reportGrace {
			status.Healthy = false
			appendMsg("report write stalled")
		}
	} else if now.Sub(c.started) > reportGrace {
		status.Healthy = false
		appendMsg("no reports written yet")
	}

	return status
}

// Handler serves /healthz: 200 when healthy, 503 otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := c.Check()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
