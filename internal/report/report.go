// Package report renders the per-container trace results to a JSON file.
// Writes are atomic (temp file + rename) so a consumer polling the report
// path never observes a partial document.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/filetrace/agent/internal/apk"
)

// ContainerReport is the per-container section of a report.
type ContainerReport struct {
	Name       string `json:"name"`
	CgroupID   uint64 `json:"cgroup_id"`
	CgroupPath string `json:"cgroup_path"`

	Files    []string           `json:"files"`
	Packages []apk.PackageStats `json:"packages,omitempty"`

	EventsReceived  uint64 `json:"events_received"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsExcluded  uint64 `json:"events_excluded"`
	EventsDuplicate uint64 `json:"events_duplicate"`
	EventsEvicted   uint64 `json:"events_evicted,omitempty"`
}

// Report is the full document written on every report tick.
type Report struct {
	Hostname  string    `json:"hostname,omitempty"`
	PodName   string    `json:"pod_name,omitempty"`
	Namespace string    `json:"namespace,omitempty"`

	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`

	Containers []ContainerReport `json:"containers"`

	TotalEvents   uint64 `json:"total_events"`
	DroppedEvents uint64 `json:"dropped_events"`
	UnknownEvents uint64 `json:"unknown_events,omitempty"`
}

// Writer persists reports to a fixed path.
type Writer struct {
	path string
}

// NewWriter returns a writer for the given report path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the report destination.
func (w *Writer) Path() string { return w.path }

// Write renders the report and atomically replaces the report file. File
// lists are sorted and the update timestamp stamped here so callers can pass
// their snapshots as-is.
func (w *Writer) Write(r *Report) error {
	out := *r
	out.LastUpdatedAt = time.Now().UTC()
	out.Containers = make([]ContainerReport, len(r.Containers))
	copy(out.Containers, r.Containers)
	for i := range out.Containers {
		files := make([]string, len(out.Containers[i].Files))
		copy(files, out.Containers[i].Files)
		sort.Strings(files)
		out.Containers[i].Files = files
	}
	sort.Slice(out.Containers, func(i, j int) bool {
		return out.Containers[i].Name < out.Containers[j].Name
	})

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("report: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("report: rename into place: %w", err)
	}
	tmpPath = ""
	return nil
}
