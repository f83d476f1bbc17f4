package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrRingClosed is returned by Read once the ring is closed and drained.
var ErrRingClosed = errors.New("capture: ring closed")

// DropCounter counts records that could not be delivered because the
// transport ring was saturated. It only ever increases; readers compute
// deltas themselves. The counter is injected into the ring rather than
// owned by it so that the same cell can back both the kernel and user-space
// pipelines' accounting.
type DropCounter struct {
	n atomic.Uint64
}

// Inc adds one failed submission.
func (c *DropCounter) Inc() { c.n.Add(1) }

// Load returns the raw monotonic value.
func (c *DropCounter) Load() uint64 { return c.n.Load() }

// Ring is the bounded, lossy transport channel between the capture path and
// the consumer. Multiple producers submit concurrently; one consumer drains.
// A full ring fails the submission immediately — no retry, no back-pressure,
// no overwrite — and the drop counter is incremented instead. Tracing
// saturation must never perturb the traced workload.
type Ring struct {
	ch        chan Event
	drops     *DropCounter
	closeOnce sync.Once
	closed    chan struct{}
}

// NewRing creates a ring holding up to capBytes of outstanding records
// (rounded down to whole records; pass RingCapBytes for the standard
// quarter-megabyte channel). drops may be nil, in which case the ring
// allocates its own counter.
func NewRing(capBytes int, drops *DropCounter) *Ring {
	n := capBytes / EventWireSize
	if n < 1 {
		n = 1
	}
	if drops == nil {
		drops = &DropCounter{}
	}
	return &Ring{
		ch:     make(chan Event, n),
		drops:  drops,
		closed: make(chan struct{}),
	}
}

// Cap returns the ring capacity in records.
func (r *Ring) Cap() int { return cap(r.ch) }

// Submit enqueues a copy of ev without blocking. It reports whether the
// record was accepted; on a full ring the drop counter is incremented and
// the record is discarded. Events pass through the channel by value, so a
// delivered record is always complete — partial writes cannot be observed.
func (r *Ring) Submit(ev Event) bool {
	select {
	case <-r.closed:
		r.drops.Inc()
		return false
	default:
	}
	select {
	case r.ch <- ev:
		return true
	default:
		r.drops.Inc()
		return false
	}
}

// Read blocks until a record is available, the ring is closed (and drained),
// or ctx is done.
func (r *Ring) Read(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-r.ch:
		if !ok {
			return Event{}, ErrRingClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Events exposes the consumer end of the ring for callers that prefer to
// range over a channel. The channel is closed by Close after the outstanding
// records have been drained by the consumer.
func (r *Ring) Events() <-chan Event { return r.ch }

// Drops returns the raw monotonic drop count.
func (r *Ring) Drops() uint64 { return r.drops.Load() }

// Close marks the ring closed. Submissions after Close are dropped (and
// counted); records already enqueued remain readable. Close is idempotent.
// Producers must have quiesced before Close is called; the owning pipeline
// detaches its hooks first.
func (r *Ring) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		close(r.ch)
	})
}
