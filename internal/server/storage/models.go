// Package storage provides the PostgreSQL-backed persistence layer for the
// filetrace collector. It exposes typed model structs for the hosts and
// file_events tables and a Store that wraps a pgxpool connection pool with a
// batched event-insert path.
package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// HostStatus represents the liveness state of a monitored host as seen by
// the collector.
type HostStatus string

const (
	HostStatusOnline  HostStatus = "ONLINE"
	HostStatusOffline HostStatus = "OFFLINE"
)

// Host maps to the `hosts` table.
//
// LastSeen is nil when the host has never registered.
type Host struct {
	HostID       string     `json:"host_id"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform,omitempty"`
	AgentVersion string     `json:"agent_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Status       HostStatus `json:"status"`
}

// FileEvent maps to the `file_events` table: one unique file access observed
// by an agent.
//
// CgroupID is stored as an int64 bit-cast of the kernel's u64 so it fits a
// BIGINT column; JSON encoding carries it as a decimal string (see
// MarshalJSON).
type FileEvent struct {
	EventID    string    `json:"event_id"`
	HostID     string    `json:"host_id"`
	Container  string    `json:"container"`
	CgroupID   int64     `json:"cgroup_id"`
	PID        int64     `json:"pid"`
	Syscall    string    `json:"syscall"`
	Path       string    `json:"path"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// MarshalJSON encodes CgroupID as a decimal string. Kernfs node ids exceed
// 2^53 and would lose precision as JSON numbers; the gRPC and WebSocket wires
// already carry them as strings, and the REST wire must match.
func (e FileEvent) MarshalJSON() ([]byte, error) {
	type plain FileEvent
	return json.Marshal(struct {
		plain
		CgroupID string `json:"cgroup_id"`
	}{plain(e), strconv.FormatUint(uint64(e.CgroupID), 10)})
}

// UnmarshalJSON accepts the decimal-string form produced by MarshalJSON.
func (e *FileEvent) UnmarshalJSON(data []byte) error {
	type plain FileEvent
	var aux struct {
		plain
		CgroupID string `json:"cgroup_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = FileEvent(aux.plain)
	if aux.CgroupID != "" {
		n, err := strconv.ParseUint(aux.CgroupID, 10, 64)
		if err != nil {
			return fmt.Errorf("storage: parse cgroup_id %q: %w", aux.CgroupID, err)
		}
		e.CgroupID = int64(n)
	}
	return nil
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To are mandatory and bracket the received_at column. Limit
// defaults to 100 when ≤ 0. Empty HostID, Container, or Syscall match all
// values.
type EventQuery struct {
	HostID    string
	Container string
	Syscall   string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ContainerSummary aggregates the unique-file footprint of one container on
// one host.
type ContainerSummary struct {
	HostID      string    `json:"host_id"`
	Container   string    `json:"container"`
	UniqueFiles int64     `json:"unique_files"`
	LastEventAt time.Time `json:"last_event_at"`
}
