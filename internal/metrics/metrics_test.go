package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.EventsReceived.Add(5)
	m.EventsDropped.Add(2)
	m.UniqueFiles.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"filetrace_events_received_total 5",
		"filetrace_events_dropped_total 2",
		"filetrace_unique_files 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide (no global default registry use).
	a := New()
	b := New()
	a.EventsReceived.Inc()
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "filetrace_events_received_total 1") {
		t.Error("registries are shared between instances")
	}
}
