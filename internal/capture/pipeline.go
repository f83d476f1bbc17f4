package capture

import "sync"

// TaskInfo is the capture-time view of the invoking thread. CgroupID is the
// task's default-hierarchy cgroup identifier; when resolution fails the
// caller passes Resolved=false and the task is simply never traced (not an
// error). PIDTGID packs the thread-group id in the high 32 bits and the
// thread id in the low 32, matching the kernel's combined value.
type TaskInfo struct {
	CgroupID uint64
	PIDTGID  uint64
	Resolved bool
}

// Pipeline is the capture path: filter check, record acquisition, field
// population, submit. Filter and ring are injected shared state — created at
// startup, mutated by the policy side, read here — rather than package
// globals.
//
// One call to HandleSysEnter is the whole unit of work: it never blocks,
// never retries, and returns promptly so the traced syscall proceeds
// unperturbed. It is safe to call concurrently from any number of
// goroutines.
type Pipeline struct {
	filter *Filter
	ring   *Ring
	// scratch replaces the kernel form's per-CPU slot. Records are pooled
	// and fully repopulated on every use so stale fields from a prior
	// invocation can never leak into a submitted record.
	scratch sync.Pool
}

// NewPipeline wires a capture pipeline to its filter set and transport ring.
func NewPipeline(filter *Filter, ring *Ring) *Pipeline {
	return &Pipeline{
		filter:  filter,
		ring:    ring,
		scratch: sync.Pool{New: func() any { return new(Event) }},
	}
}

// HandleSysEnter runs the capture sequence for one syscall entry. It is the
// parameterized form of the kernel's per-tracepoint handlers: hook supplies
// the syscall identity and pathname-argument position, args the syscall's
// string arguments as observed at entry.
//
// Exactly two early-outs exist, both side-effect free: the task's cgroup is
// not in the filter set (or could not be resolved), or no record could be
// acquired. On the normal path every field of the record is populated before
// submission; the path read is bounded and truncating (an absent or
// unreadable argument yields an empty path, never a failure). A full ring
// drops the record and bumps the drop counter; nothing propagates back to
// the caller.
func (p *Pipeline) HandleSysEnter(task TaskInfo, hook Hook, args []string) {
	if !task.Resolved || !p.filter.Contains(task.CgroupID) {
		return
	}

	rec, ok := p.scratch.Get().(*Event)
	if !ok {
		return
	}

	rec.CgroupID = task.CgroupID
	rec.PID = uint32(task.PIDTGID >> 32)
	rec.SyscallNr = hook.NR
	if hook.PathArg < len(args) {
		rec.SetPath(args[hook.PathArg])
	} else {
		rec.SetPath("")
	}

	p.ring.Submit(*rec)
	p.scratch.Put(rec)
}
