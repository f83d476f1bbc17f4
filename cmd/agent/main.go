// Command agent is the filetrace tracer binary. It loads a YAML configuration
// file, discovers sibling containers from the cgroup hierarchy, attaches the
// eBPF capture probe, and records every unique file each container touches.
// Reports are written locally; when a collector address is configured, events
// are also spooled and streamed over mTLS gRPC. The process exposes /healthz
// and /metrics endpoints and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/filetrace/agent/internal/agent"
	"github.com/filetrace/agent/internal/apk"
	"github.com/filetrace/agent/internal/capture/ebpf"
	"github.com/filetrace/agent/internal/cgroup"
	"github.com/filetrace/agent/internal/config"
	"github.com/filetrace/agent/internal/journal"
	"github.com/filetrace/agent/internal/processor"
	"github.com/filetrace/agent/internal/queue"
	"github.com/filetrace/agent/internal/report"
	"github.com/filetrace/agent/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/filetrace/config.yaml", "path to the filetrace agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filetrace-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("report_path", cfg.ReportPath),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	// Discover sibling containers in the pod's cgroup subtree. An empty
	// result is valid: the probe filter is default-deny, so the agent idles
	// until containers appear in a future discovery pass.
	discovery := cgroup.NewDiscovery(logger)
	containers, err := discovery.DiscoverSiblings()
	if err != nil {
		logger.Error("container discovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(containers) == 0 {
		logger.Warn("no sibling containers discovered; nothing will be traced")
	}

	proc, err := processor.New(containers, cfg.ExcludePrefixes, cfg.DedupCacheSize, logger)
	if err != nil {
		logger.Error("failed to create processor", slog.Any("error", err))
		os.Exit(1)
	}

	// Parse each container's APK installed-package database where present so
	// file accesses can be attributed to the owning package.
	mappers := make(map[uint64]*apk.Mapper)
	for id, info := range containers {
		if info.APKDBPath == "" {
			continue
		}
		db, err := apk.ParseDatabase(info.APKDBPath)
		if err != nil {
			logger.Warn("skipping APK database",
				slog.String("container", info.Name),
				slog.String("path", info.APKDBPath),
				slog.Any("error", err),
			)
			continue
		}
		mappers[id] = apk.NewMapper(db)
	}

	probe, err := ebpf.NewProbe(logger)
	if err != nil {
		logger.Error("failed to create capture probe", slog.Any("error", err))
		os.Exit(1)
	}

	opts := []agent.Option{
		agent.WithProbe(probe),
		agent.WithProcessor(proc),
		agent.WithMappers(mappers),
		agent.WithReporter(report.NewWriter(cfg.ReportPath)),
	}

	if cfg.JournalPath != "" {
		jr, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open event journal",
				slog.String("path", cfg.JournalPath),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
		defer jr.Close()
		opts = append(opts, agent.WithJournal(jr))
	}

	if cfg.CollectorAddr != "" {
		spool, err := queue.New(cfg.QueuePath)
		if err != nil {
			logger.Error("failed to open event spool",
				slog.String("path", cfg.QueuePath),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
		client := transport.New(transport.Config{
			Addr:         cfg.CollectorAddr,
			CertPath:     cfg.TLS.CertPath,
			KeyPath:      cfg.TLS.KeyPath,
			CAPath:       cfg.TLS.CAPath,
			AgentVersion: cfg.AgentVersion,
			Platform:     runtime.GOOS,
		}, spool, logger)
		opts = append(opts, agent.WithQueue(spool), agent.WithTransport(client))
	}

	ag := agent.New(cfg, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// The filter map exists only after the probe is loaded, so containers
	// are admitted after Start.
	for id, info := range containers {
		if err := probe.AddCgroup(id); err != nil {
			logger.Error("failed to admit cgroup to trace filter",
				slog.String("container", info.Name),
				slog.Uint64("cgroup_id", id),
				slog.Any("error", err),
			)
			continue
		}
		logger.Info("tracing container",
			slog.String("container", info.Name),
			slog.Uint64("cgroup_id", id),
			slog.String("cgroup_path", info.CgroupPath),
		)
	}

	// Liveness and metrics HTTP server.
	mux := http.NewServeMux()
	mux.Handle("/healthz", ag.Health().Handler())
	mux.Handle("/metrics", ag.Metrics().Handler())

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the agent first (writes the final report),
	// then the HTTP server.
	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.Any("error", err))
	}

	logger.Info("filetrace agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
