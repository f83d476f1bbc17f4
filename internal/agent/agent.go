// Package agent contains the filetrace agent orchestrator. It wires together
// the kernel capture probe, the event processor, the APK package mapper, the
// report writer, the tamper-evident journal, the local spool queue, and the
// gRPC transport client, managing their lifecycle through a shared context.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/filetrace/agent/internal/apk"
	"github.com/filetrace/agent/internal/capture"
	"github.com/filetrace/agent/internal/config"
	"github.com/filetrace/agent/internal/health"
	"github.com/filetrace/agent/internal/journal"
	"github.com/filetrace/agent/internal/metrics"
	"github.com/filetrace/agent/internal/processor"
	"github.com/filetrace/agent/internal/report"
)

// Probe is the kernel capture source. The eBPF implementation satisfies this
// interface on Linux; tests substitute a channel-backed fake.
type Probe interface {
	// Load verifies kernel support, loads the capture programs, and starts
	// the event read loop.
	Load(ctx context.Context) error
	// AddCgroup admits a cgroup ID to the kernel-side trace filter.
	AddCgroup(id uint64) error
	// Drops returns the kernel-side cumulative dropped-record count.
	Drops() (uint64, error)
	// Events returns the channel of decoded capture records.
	Events() <-chan capture.Event
	// Close detaches the capture programs and closes the event channel.
	Close()
}

// Agent is the central orchestrator of the filetrace agent. It starts and
// supervises the capture, processing, reporting, and shipping components.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	probe     Probe
	proc      *processor.Processor
	mappers   map[uint64]*apk.Mapper
	reporter  *report.Writer
	journal   *journal.Journal
	queue     Queue
	transport Transport
	metrics   *metrics.Metrics
	health    *health.Checker

	hostname  string
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.Mutex
	running     bool
	knownDrops  uint64
	lastDrops   uint64
	lastEvicted uint64
	lastShipped int64
}

// shipCounter is implemented by transports that track collector-acknowledged
// events; the report loop folds the count into the metrics when available.
type shipCounter interface {
	EventsSentTotal() int64
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithProbe registers the kernel capture probe.
func WithProbe(p Probe) Option {
	return func(a *Agent) { a.probe = p }
}

// WithProcessor registers the event processor.
func WithProcessor(p *processor.Processor) Option {
	return func(a *Agent) { a.proc = p }
}

// WithMappers registers the per-container APK package mappers, keyed by
// cgroup ID. Containers without a parsed APK database are simply absent.
func WithMappers(m map[uint64]*apk.Mapper) Option {
	return func(a *Agent) { a.mappers = m }
}

// WithReporter registers the report writer.
func WithReporter(w *report.Writer) Option {
	return func(a *Agent) { a.reporter = w }
}

// WithJournal registers the tamper-evident event journal.
func WithJournal(j *journal.Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithQueue registers the local event spool.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithTransport registers the gRPC transport client.
func WithTransport(t Transport) Option {
	return func(a *Agent) { a.transport = t }
}

// WithMetrics registers a Metrics instance. When omitted, New creates a
// private one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithHealth registers a health checker. When omitted, New creates one.
func WithHealth(h *health.Checker) Option {
	return func(a *Agent) { a.health = h }
}

// New creates a new Agent from the provided configuration and logger.
// Provide components via the With* functional options. Every component is
// optional — the agent runs with whatever subset is wired, which is what
// tests rely on — but a useful deployment wires at least the probe,
// processor, and reporter.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.health == nil {
		a.health = health.New()
	}
	a.hostname, _ = os.Hostname()
	return a
}

// Metrics returns the agent's metrics instance for HTTP exposition.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Health returns the agent's health checker for HTTP exposition.
func (a *Agent) Health() *health.Checker { return a.health }

// Start initialises and starts all registered components using the provided
// context. It returns a non-nil error if any component fails to initialise.
// On success, internal goroutines handle event processing and periodic
// reporting until Stop is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting filetrace agent",
		slog.String("report_path", a.cfg.ReportPath),
		slog.Duration("report_interval", a.cfg.ReportInterval),
		slog.String("collector_addr", a.cfg.CollectorAddr),
		slog.String("log_level", a.cfg.LogLevel),
	)

	// Start transport first so captured events can ship immediately.
	if a.transport != nil {
		if err := a.transport.Start(ctx); err != nil {
			cancel()
			a.setStopped()
			return fmt.Errorf("agent: transport failed to start: %w", err)
		}
	}

	if a.probe != nil {
		if err := a.probe.Load(ctx); err != nil {
			if a.transport != nil {
				a.transport.Stop()
			}
			cancel()
			a.setStopped()
			return fmt.Errorf("agent: probe failed to load: %w", err)
		}
		a.health.SetProbeLoaded()

		a.wg.Add(1)
		go a.eventLoop(ctx)
	}

	if a.reporter != nil && a.proc != nil {
		a.wg.Add(1)
		go a.reportLoop(ctx)
	}

	a.logger.Info("filetrace agent started")
	return nil
}

func (a *Agent) setStopped() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Stop signals all components to shut down, waits for internal goroutines to
// exit, and writes a final report. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	if a.probe != nil {
		// Capture the final drop count while the probe can still be read;
		// after Close the counter maps are gone and the final report would
		// lose it.
		if d, err := a.probe.Drops(); err == nil {
			a.mu.Lock()
			a.knownDrops = d
			a.mu.Unlock()
		}
		// Closing the probe closes its event channel, letting the event
		// loop drain in-flight records before exiting.
		a.probe.Close()
	}

	a.wg.Wait()

	// Final report so a consumer sees the complete trace result even after
	// a short run.
	if a.reporter != nil && a.proc != nil {
		a.writeReport(context.Background())
	}

	if a.transport != nil {
		a.transport.Stop()
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing event queue", slog.Any("error", err))
		}
	}

	a.logger.Info("filetrace agent stopped")
}

// eventLoop drains the probe's event channel until it is closed or ctx is
// cancelled.
func (a *Agent) eventLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.probe.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

// handleEvent runs one capture record through the processing pipeline:
// classify, record package usage, journal, spool, and ship. Errors on the
// durable/ship side are logged but never stop the agent; the report keeps
// accumulating regardless.
func (a *Agent) handleEvent(ctx context.Context, ev capture.Event) {
	a.health.RecordEvent()
	a.metrics.EventsReceived.Inc()

	if a.proc == nil {
		return
	}

	path, res := a.proc.Process(&ev)
	switch res {
	case processor.ResultDuplicate:
		a.metrics.EventsDuplicate.Inc()
		return
	case processor.ResultExcluded:
		a.metrics.EventsExcluded.Inc()
		return
	case processor.ResultEmpty, processor.ResultUnknownContainer:
		return
	case processor.ResultNew:
		// fall through
	}

	a.metrics.EventsProcessed.Inc()

	containerName := ""
	if info, ok := a.proc.Container(ev.CgroupID); ok {
		containerName = info.Name
	}

	if m, ok := a.mappers[ev.CgroupID]; ok {
		m.RecordAccess(path)
	}

	syscallName := capture.SyscallName(ev.SyscallNr)

	if a.journal != nil {
		_, err := a.journal.Append(journal.Observation{
			Container: containerName,
			CgroupID:  ev.CgroupID,
			PID:       ev.PID,
			Syscall:   syscallName,
			Path:      path,
		})
		if err != nil {
			a.logger.Warn("journal append failed", slog.Any("error", err))
		}
	}

	evt := FileEvent{
		Container: containerName,
		CgroupID:  ev.CgroupID,
		PID:       ev.PID,
		Syscall:   syscallName,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to spool event", slog.Any("error", err))
		} else {
			a.metrics.EventsEnqueued.Inc()
		}
	}

	if a.transport != nil {
		if err := a.transport.Send(ctx, evt); err != nil {
			a.logger.Warn("failed to send event via transport", slog.Any("error", err))
		}
	}

	a.logger.Debug("new unique file recorded",
		slog.String("container", containerName),
		slog.String("syscall", syscallName),
		slog.String("path", path),
	)
}

// reportLoop writes the report every cfg.ReportInterval until ctx is
// cancelled. The final report is written by Stop.
func (a *Agent) reportLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeReport(ctx)
		}
	}
}

// writeReport snapshots the processor state and renders the report file,
// folding kernel drop and dedup eviction counters into the metrics as deltas
// since the previous report.
func (a *Agent) writeReport(_ context.Context) {
	var drops uint64
	var dropsOK bool
	if a.probe != nil {
		d, err := a.probe.Drops()
		if err != nil {
			a.logger.Debug("reading drop counter failed", slog.Any("error", err))
		} else {
			drops, dropsOK = d, true
		}
	}

	agg := a.proc.Aggregate()

	var shipped int64
	if sc, ok := a.transport.(shipCounter); ok {
		shipped = sc.EventsSentTotal()
	}

	// Drop, eviction, and shipped counters are cumulative at their source;
	// export only the growth since the last report. When the probe is
	// unreadable (closed during shutdown) fall back to the last value it
	// returned so the delta never goes backwards.
	a.mu.Lock()
	if dropsOK {
		a.knownDrops = drops
	} else {
		drops = a.knownDrops
	}
	dropDelta := drops - a.lastDrops
	evictDelta := agg.EventsEvicted - a.lastEvicted
	shipDelta := shipped - a.lastShipped
	a.lastDrops = drops
	a.lastEvicted = agg.EventsEvicted
	a.lastShipped = shipped
	a.mu.Unlock()

	a.metrics.EventsDropped.Add(float64(dropDelta))
	a.metrics.EventsEvicted.Add(float64(evictDelta))
	a.metrics.EventsShipped.Add(float64(shipDelta))
	a.metrics.UniqueFiles.Set(float64(agg.UniqueFiles))
	if a.queue != nil {
		a.metrics.QueueDepth.Set(float64(a.queue.Depth()))
	}

	stats := a.proc.Stats()
	files := a.proc.Files()

	doc := &report.Report{
		Hostname:      a.hostname,
		PodName:       os.Getenv("POD_NAME"),
		Namespace:     os.Getenv("POD_NAMESPACE"),
		StartedAt:     a.startTime.UTC(),
		Containers:    make([]report.ContainerReport, 0, len(stats)),
		TotalEvents:   agg.EventsReceived,
		DroppedEvents: drops,
		UnknownEvents: agg.UnknownEvents,
	}

	for id, st := range stats {
		cr := report.ContainerReport{
			Name:            st.Name,
			CgroupID:        id,
			CgroupPath:      st.CgroupPath,
			Files:           files[id],
			EventsReceived:  st.EventsReceived,
			EventsProcessed: st.EventsProcessed,
			EventsExcluded:  st.EventsExcluded,
			EventsDuplicate: st.EventsDuplicate,
			EventsEvicted:   st.EventsEvicted,
		}
		if m, ok := a.mappers[id]; ok {
			cr.Packages = m.Stats()
		}
		doc.Containers = append(doc.Containers, cr)
	}

	if err := a.reporter.Write(doc); err != nil {
		a.metrics.ReportWriteErrors.Inc()
		a.logger.Error("report write failed",
			slog.String("path", a.reporter.Path()),
			slog.Any("error", err),
		)
		return
	}
	a.metrics.ReportWrites.Inc()
	a.health.RecordReport()

	a.logger.Debug("report written",
		slog.String("path", a.reporter.Path()),
		slog.Int("containers", len(doc.Containers)),
		slog.Uint64("total_events", doc.TotalEvents),
		slog.Uint64("dropped_events", doc.DroppedEvents),
	)
}
