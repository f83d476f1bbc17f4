// SPDX-License-Identifier: Apache-2.0
//
// probe_linux.go — userspace loader and event pump for the kernel capture
// pipeline in bpf/snoop.bpf.c. It:
//  1. Embeds the pre-compiled BPF object (snoop.bpf.o).
//  2. Checks that the running kernel is ≥ 5.8 (BPF ring buffer minimum).
//  3. Loads the collection and attaches the per-syscall tracepoint programs
//     (required set fails loudly, optional set is skipped when a tracepoint
//     does not exist on the running kernel).
//  4. Pumps ring-buffer records to a buffered channel in a goroutine.
//
// Build the BPF object before using this package:
//
//	apt-get install -y clang llvm libbpf-dev
//	bpftool btf dump file /sys/kernel/btf/vmlinux format c \
//	    > internal/capture/ebpf/bpf/vmlinux.h
//	make -C internal/capture/ebpf
//
// The placeholder snoop.bpf.o checked into the repository makes Load return
// an error until the real object is compiled; callers should treat that the
// same way as ErrNotSupported.
//
//go:generate make -C . snoop.bpf.o

//go:build linux

package ebpf

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ciliumebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/filetrace/agent/internal/capture"
)

// snoopObjBytes holds the compiled BPF object embedded at build time.
// Replace internal/capture/ebpf/snoop.bpf.o with the output of
// 'make -C internal/capture/ebpf' before shipping.
//
//go:embed snoop.bpf.o
var snoopObjBytes []byte

// ErrNotSupported is returned by NewProbe when the running kernel does not
// meet the minimum requirements for the capture pipeline:
//   - Linux ≥ 5.8 (BPF_MAP_TYPE_RINGBUF)
//   - CONFIG_BPF_SYSCALL=y, CONFIG_DEBUG_INFO_BTF=y
//   - CAP_BPF or CAP_SYS_ADMIN
var ErrNotSupported = errors.New("ebpf: kernel ≥ 5.8 required for syscall capture")

// Probe owns the kernel side of the capture pipeline: the loaded collection,
// the tracepoint links, and the ring-buffer pump. Records are delivered as
// capture.Event values on a buffered channel; the channel buffer plus the
// kernel ring are the only queueing between the tracepoints and the agent.
//
// Lifecycle:
//
//  1. Create with NewProbe; the constructor checks the kernel version.
//  2. Call Load(ctx) to attach the programs and start the pump goroutine.
//  3. Populate the cgroup filter with AddCgroup; read Events().
//  4. Call Close() to detach and free all kernel objects.
//
// Probe is safe for concurrent use after Load returns.
type Probe struct {
	events chan capture.Event
	logger *slog.Logger

	short atomic.Uint64 // records rejected for being under the wire stride

	mu       sync.Mutex
	coll     *ciliumebpf.Collection
	links    []link.Link
	rd       *ringbuf.Reader
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProbe creates a Probe after verifying the running kernel supports BPF
// ring buffers. The caller must call Close when done, even if Load is never
// called.
func NewProbe(logger *slog.Logger) (*Probe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := requireKernelVersion(5, 8); err != nil {
		return nil, err
	}
	return &Probe{
		events: make(chan capture.Event, 1024),
		logger: logger,
	}, nil
}

// Load parses the embedded BPF object, loads programs and maps into the
// kernel, attaches the tracepoints from the capture hook table, and starts
// the ring-buffer pump.
//
// The context bounds the pump goroutine: cancelling ctx stops it within one
// second (the ring read deadline). Load must be called at most once.
func (p *Probe) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.coll != nil {
		return errors.New("ebpf probe: already loaded")
	}

	spec, err := ciliumebpf.LoadCollectionSpecFromReader(bytes.NewReader(snoopObjBytes))
	if err != nil {
		return fmt.Errorf("ebpf probe: parse BPF object: %w "+
			"(compile with 'make -C internal/capture/ebpf')", err)
	}

	coll, err := ciliumebpf.NewCollection(spec)
	if err != nil {
		var ve *ciliumebpf.VerifierError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: BPF verifier: %v", ErrNotSupported, ve)
		}
		return fmt.Errorf("ebpf probe: load BPF collection: %w", err)
	}
	p.coll = coll

	if err := p.attach(coll); err != nil {
		p.detachLocked()
		return err
	}

	rd, err := ringbuf.NewReader(coll.Maps["events"])
	if err != nil {
		p.detachLocked()
		return fmt.Errorf("ebpf probe: open ring buffer: %w", err)
	}
	p.rd = rd

	p.wg.Add(1)
	go p.readLoop(ctx)

	p.logger.Info("ebpf probe: syscall capture active",
		slog.Int("tracepoints", len(p.links)),
	)
	return nil
}

// attach walks the hook table and attaches each program to its tracepoint.
// Required hooks abort the load on failure; optional ones (tracepoints that
// only exist on newer kernels) are skipped with a debug log.
func (p *Probe) attach(coll *ciliumebpf.Collection) error {
	for _, h := range capture.Hooks {
		prog := coll.Programs[h.Program()]
		if prog == nil {
			return fmt.Errorf("ebpf probe: program %q missing from BPF object", h.Program())
		}
		ln, err := link.Tracepoint("syscalls", h.Tracepoint(), prog, nil)
		if err != nil {
			if h.Optional {
				p.logger.Debug("ebpf probe: optional tracepoint unavailable",
					slog.String("tracepoint", h.Tracepoint()),
					slog.Any("error", err),
				)
				continue
			}
			return fmt.Errorf("ebpf probe: attach %s: %w", h.Tracepoint(), err)
		}
		p.links = append(p.links, ln)
	}
	return nil
}

// AddCgroup inserts a cgroup ID into the kernel filter set. The map holds at
// most capture.FilterCap entries; insertion into a full map returns the
// kernel's error to the caller.
func (p *Probe) AddCgroup(id uint64) error {
	m, err := p.filterMap()
	if err != nil {
		return err
	}
	var present uint8 = 1
	if err := m.Put(&id, &present); err != nil {
		return fmt.Errorf("ebpf probe: add cgroup %d: %w", id, err)
	}
	return nil
}

// RemoveCgroup deletes a cgroup ID from the kernel filter set.
func (p *Probe) RemoveCgroup(id uint64) error {
	m, err := p.filterMap()
	if err != nil {
		return err
	}
	if err := m.Delete(&id); err != nil && !errors.Is(err, ciliumebpf.ErrKeyNotExist) {
		return fmt.Errorf("ebpf probe: remove cgroup %d: %w", id, err)
	}
	return nil
}

func (p *Probe) filterMap() (*ciliumebpf.Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coll == nil {
		return nil, errors.New("ebpf probe: not loaded")
	}
	return p.coll.Maps["traced_cgroups"], nil
}

// Drops reads the kernel drop counter: the number of records lost to ring
// saturation since load. The value is monotonic and never reset; callers
// compute deltas.
func (p *Probe) Drops() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coll == nil {
		return 0, errors.New("ebpf probe: not loaded")
	}
	var key uint32
	var n uint64
	if err := p.coll.Maps["drop_count"].Lookup(&key, &n); err != nil {
		return 0, fmt.Errorf("ebpf probe: read drop counter: %w", err)
	}
	return n, nil
}

// ShortRecords returns how many ring-buffer records were skipped for being
// shorter than the fixed wire stride. Nonzero values indicate a BPF object /
// userspace version mismatch.
func (p *Probe) ShortRecords() uint64 { return p.short.Load() }

// Events returns the channel on which decoded records are delivered. It is
// closed when Close has been called and the pump has exited.
func (p *Probe) Events() <-chan capture.Event { return p.events }

// Close detaches the tracepoints, waits for the pump goroutine, frees all
// kernel objects, and closes the Events channel. Idempotent.
func (p *Probe) Close() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		rd := p.rd
		p.mu.Unlock()

		// Closing the reader unblocks a pending Read with ringbuf.ErrClosed
		// so the pump exits cleanly.
		if rd != nil {
			_ = rd.Close()
		}
		p.wg.Wait()

		p.mu.Lock()
		p.detachLocked()
		p.mu.Unlock()

		close(p.events)
		p.logger.Info("ebpf probe: stopped")
	})
}

func (p *Probe) detachLocked() {
	for _, ln := range p.links {
		_ = ln.Close()
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
}

// ─── Event pump ──────────────────────────────────────────────────────────────

// readLoop reads raw ring-buffer records, decodes them at the fixed wire
// stride, and sends them on the events channel without blocking. It exits
// when Close is called or ctx is cancelled.
func (p *Probe) readLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		// Short read deadline so context cancellation is noticed even when
		// the ring is quiet.
		p.rd.SetDeadline(time.Now().Add(time.Second))

		rec, err := p.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			p.logger.Warn("ebpf probe: ring buffer read error", slog.Any("error", err))
			return
		}

		ev, err := capture.DecodeEvent(rec.RawSample)
		if err != nil {
			p.short.Add(1)
			p.logger.Warn("ebpf probe: short ring-buffer record",
				slog.Int("got", len(rec.RawSample)),
				slog.Int("want", capture.EventWireSize),
			)
			continue
		}

		select {
		case p.events <- ev:
		default:
			// The kernel already accounts for ring saturation; a full
			// userspace channel is the consumer falling behind.
			p.logger.Warn("ebpf probe: event channel full, dropping record",
				slog.String("path", ev.PathString()),
				slog.Uint64("pid", uint64(ev.PID)),
			)
		}
	}
}

// ─── Kernel version check ────────────────────────────────────────────────────

// requireKernelVersion reads /proc/sys/kernel/osrelease and returns
// ErrNotSupported when the running kernel is older than major.minor.
func requireKernelVersion(major, minor int) error {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return fmt.Errorf("ebpf: read kernel version: %w", err)
	}
	return checkKernelRelease(strings.TrimSpace(string(b)), major, minor)
}

// checkKernelRelease parses a kernel release string ("6.1.0-13-amd64") and
// compares it against the required major.minor.
func checkKernelRelease(release string, major, minor int) error {
	var maj, min int
	if _, err := fmt.Sscanf(release, "%d.%d", &maj, &min); err != nil {
		return fmt.Errorf("ebpf: parse kernel release %q: %w", release, err)
	}
	if maj < major || (maj == major && min < minor) {
		return fmt.Errorf("%w: running kernel %d.%d < required %d.%d",
			ErrNotSupported, maj, min, major, minor)
	}
	return nil
}
