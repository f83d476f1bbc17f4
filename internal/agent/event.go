package agent

import (
	"context"
	"time"
)

// FileEvent is a newly-observed unique file access: the unit shipped to the
// collector and spooled in the local queue. Duplicate accesses never reach
// this type; the processor collapses them first.
type FileEvent struct {
	// Container is the short container name the access was attributed to.
	Container string
	// CgroupID is the kernel cgroup id of the accessing task.
	CgroupID uint64
	// PID is the thread-group id of the accessing task.
	PID uint32
	// Syscall is the name of the intercepted syscall (e.g. "openat").
	Syscall string
	// Path is the normalized absolute file path.
	Path string
	// Timestamp is when the agent first saw this path.
	Timestamp time.Time
}

// Queue is the interface for the local SQLite-backed event spool.
type Queue interface {
	// Enqueue persists an event for at-least-once delivery.
	Enqueue(ctx context.Context, evt FileEvent) error
	// Depth returns the number of pending (unacknowledged) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Transport is the interface for the gRPC transport client that streams
// events to the collector.
type Transport interface {
	// Start dials the collector and begins the bidirectional stream.
	Start(ctx context.Context) error
	// Send forwards an event to the collector. It may block if the stream
	// is congested or reconnecting.
	Send(ctx context.Context, evt FileEvent) error
	// Stop gracefully closes the stream and underlying connection.
	Stop()
}
