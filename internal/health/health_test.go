package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUnloadedProbeIsUnhealthy(t *testing.T) {
	c := New()
	status := c.Check()
	if status.Healthy {
		t.Error("healthy before probe load")
	}
	if status.Message != "kernel probe not loaded" {
		t.Errorf("message = %q", status.Message)
	}
}

func TestHealthyAfterProbeLoad(t *testing.T) {
	c := New()
	c.SetProbeLoaded()
	c.RecordEvent()
	c.RecordReport()

	status := c.Check()
	if !status.Healthy {
		t.Errorf("unhealthy: %+v", status)
	}
	if status.LastEvent == "" || status.LastReport == "" {
		t.Errorf("timestamps missing: %+v", status)
	}
}

func TestReportStallIsUnhealthy(t *testing.T) {
	c := New()
	c.SetProbeLoaded()
	c.RecordEvent()
	// Simulate a stalled reporter by backdating the last write.
	c.mu.Lock()
	c.lastReport = time.Now().Add(-3 * time.Minute)
	c.mu.Unlock()

	status := c.Check()
	if status.Healthy {
		t.Error("healthy despite stalled report writes")
	}
	if status.Message != "report write stalled" {
		t.Errorf("message = %q", status.Message)
	}
}

func TestEventSilenceOnlyWarns(t *testing.T) {
	c := New()
	c.SetProbeLoaded()
	c.RecordReport()
	c.mu.Lock()
	c.lastEvent = time.Now().Add(-10 * time.Minute)
	c.mu.Unlock()

	status := c.Check()
	if !status.Healthy {
		t.Error("event silence must not be unhealthy on its own")
	}
	if status.Message == "" {
		t.Error("expected a warning message for event silence")
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	c := New()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}

	c.SetProbeLoaded()
	c.RecordEvent()
	c.RecordReport()
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Errorf("healthy status = %d, want 200", rec.Code)
	}
	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !status.Healthy || !status.ProbeLoaded {
		t.Errorf("body = %+v", status)
	}
}
