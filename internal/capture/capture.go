// Package capture implements the syscall capture pipeline in user space: a
// fixed-layout event record, a bounded cgroup filter set, a lossy bounded
// transport ring with drop accounting, and a single parameterized
// syscall-entry routine driven by a static hook table.
//
// The kernel-resident form of the same pipeline lives in capture/ebpf; both
// share the wire format defined here. The kernel form is unrolled (one
// handler per tracepoint, as the verifier requires); this package collapses
// the per-syscall duplication into Pipeline.HandleSysEnter plus the Hooks
// table, which is the natural shape outside the verifier's constraints.
package capture

import (
	"encoding/binary"
	"fmt"
)

const (
	// PathCap is the fixed capacity of the path field in bytes, including
	// the terminating NUL. Longer paths are truncated, never rejected.
	PathCap = 256

	// FilterCap is the capacity of the cgroup filter set.
	FilterCap = 64

	// RingCapBytes is the default transport ring capacity: a quarter
	// megabyte of outstanding records, sized to absorb bursts without the
	// producer ever blocking.
	RingCapBytes = 256 * 1024

	// EventWireSize is the fixed stride of one encoded record:
	// u64 cgroup_id, u32 pid, u32 syscall_nr, char path[256].
	EventWireSize = 8 + 4 + 4 + PathCap // 272
)

// Event is the unit of capture and transport. Every emitted record has all
// four fields populated from a single, temporally-coherent capture; partial
// records are never submitted.
type Event struct {
	// CgroupID is the 64-bit identifier of the triggering task's default
	// cgroup at capture time.
	CgroupID uint64
	// PID is the thread-group leader's PID (not the kernel thread id).
	PID uint32
	// SyscallNr is the syscall number as observed at entry.
	SyscallNr uint32
	// Path holds the NUL-terminated pathname argument. Bytes after the NUL
	// are not guaranteed to be zero.
	Path [PathCap]byte
}

// PathString returns the path field up to (and excluding) the first NUL.
func (e *Event) PathString() string {
	for i, b := range e.Path {
		if b == 0 {
			return string(e.Path[:i])
		}
	}
	return string(e.Path[:])
}

// SetPath copies s into the path field, truncating to PathCap-1 bytes and
// always writing a terminating NUL. It mirrors a bounded NUL-terminated
// user-memory read: never overruns the field, truncates instead of failing.
func (e *Event) SetPath(s string) {
	n := copy(e.Path[:PathCap-1], s)
	e.Path[n] = 0
}

// AppendWire appends the fixed-stride little-endian encoding of e to b and
// returns the extended slice. Consumers read records at EventWireSize stride;
// there is no framing beyond the record boundary.
func (e *Event) AppendWire(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, e.CgroupID)
	b = binary.LittleEndian.AppendUint32(b, e.PID)
	b = binary.LittleEndian.AppendUint32(b, e.SyscallNr)
	return append(b, e.Path[:]...)
}

// DecodeEvent parses one fixed-stride record from b. Records shorter than
// EventWireSize are rejected; the caller decides whether that is fatal (it is
// not on the ring-buffer pump, which counts and skips short records).
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < EventWireSize {
		return Event{}, fmt.Errorf("capture: short record: %d bytes, want %d", len(b), EventWireSize)
	}
	var e Event
	e.CgroupID = binary.LittleEndian.Uint64(b[0:8])
	e.PID = binary.LittleEndian.Uint32(b[8:12])
	e.SyscallNr = binary.LittleEndian.Uint32(b[12:16])
	copy(e.Path[:], b[16:16+PathCap])
	return e, nil
}
