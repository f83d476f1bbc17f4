package capture

// Hook describes one monitored syscall entry point: the tracepoint it
// attaches to, the position of its pathname argument, and whether the
// tracepoint may be absent on older kernels.
type Hook struct {
	// Syscall is the syscall name; the tracepoint is
	// "syscalls/sys_enter_<Syscall>".
	Syscall string
	// NR tags records produced by the user-space pipeline. It is the x86-64
	// syscall number; the kernel pipeline instead stamps the entry-point
	// identifier observed at runtime, so consumers must not assume a fixed
	// mapping across kernels or architectures.
	NR uint32
	// PathArg is the index of the pathname argument at sys_enter. The
	// dirfd-relative calls carry it at position 1; legacy execve at 0.
	PathArg int
	// Optional marks tracepoints introduced after Linux 5.6 that the loader
	// skips gracefully when absent.
	Optional bool
}

// Tracepoint returns the sys_enter tracepoint name for the hook.
func (h Hook) Tracepoint() string { return "sys_enter_" + h.Syscall }

// Program returns the BPF program name attached to the hook's tracepoint.
func (h Hook) Program() string { return "trace_" + h.Syscall }

// Hooks is the static table of monitored syscalls: the path-accepting
// open/execute/stat/access/readlink variants, legacy and *at-style. It
// drives both the user-space pipeline and the loader's tracepoint
// attachment.
var Hooks = []Hook{
	{Syscall: "openat", NR: 257, PathArg: 1},
	{Syscall: "openat2", NR: 437, PathArg: 1, Optional: true},
	{Syscall: "execve", NR: 59, PathArg: 0},
	{Syscall: "execveat", NR: 322, PathArg: 1, Optional: true},
	{Syscall: "statx", NR: 332, PathArg: 1, Optional: true},
	{Syscall: "newfstatat", NR: 262, PathArg: 1},
	{Syscall: "faccessat", NR: 269, PathArg: 1},
	{Syscall: "faccessat2", NR: 439, PathArg: 1, Optional: true},
	{Syscall: "readlinkat", NR: 267, PathArg: 1},
}

// HookByName returns the hook for a syscall name, if monitored.
func HookByName(name string) (Hook, bool) {
	for _, h := range Hooks {
		if h.Syscall == name {
			return h, true
		}
	}
	return Hook{}, false
}

// SyscallName maps a record's syscall number back to its name for display.
// Unknown numbers render as "unknown".
func SyscallName(nr uint32) string {
	for _, h := range Hooks {
		if h.NR == nr {
			return h.Syscall
		}
	}
	return "unknown"
}
