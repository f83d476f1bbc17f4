package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/filetrace/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
report_path: "/var/lib/filetrace/report.json"
report_interval: 10s
journal_path: "/var/lib/filetrace/journal.log"
exclude_prefixes:
  - "/proc/"
  - "/tmp/"
dedup_cache_size: 1024
collector_addr: "collector.example.com:4443"
queue_path: "/var/lib/filetrace/queue.db"
tls:
  cert_path: "/etc/filetrace/agent.crt"
  key_path:  "/etc/filetrace/agent.key"
  ca_path:   "/etc/filetrace/ca.crt"
log_level: debug
health_addr: "127.0.0.1:9001"
agent_version: "v0.1.0"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ReportPath != "/var/lib/filetrace/report.json" {
		t.Errorf("ReportPath = %q", cfg.ReportPath)
	}
	if cfg.ReportInterval != 10*time.Second {
		t.Errorf("ReportInterval = %s, want 10s", cfg.ReportInterval)
	}
	if cfg.JournalPath != "/var/lib/filetrace/journal.log" {
		t.Errorf("JournalPath = %q", cfg.JournalPath)
	}
	if len(cfg.ExcludePrefixes) != 2 || cfg.ExcludePrefixes[1] != "/tmp/" {
		t.Errorf("ExcludePrefixes = %v", cfg.ExcludePrefixes)
	}
	if cfg.DedupCacheSize != 1024 {
		t.Errorf("DedupCacheSize = %d, want 1024", cfg.DedupCacheSize)
	}
	if cfg.CollectorAddr != "collector.example.com:4443" {
		t.Errorf("CollectorAddr = %q", cfg.CollectorAddr)
	}
	if cfg.QueuePath != "/var/lib/filetrace/queue.db" {
		t.Errorf("QueuePath = %q", cfg.QueuePath)
	}
	if cfg.TLS.CertPath != "/etc/filetrace/agent.crt" {
		t.Errorf("TLS.CertPath = %q", cfg.TLS.CertPath)
	}
	if cfg.TLS.KeyPath != "/etc/filetrace/agent.key" {
		t.Errorf("TLS.KeyPath = %q", cfg.TLS.KeyPath)
	}
	if cfg.TLS.CAPath != "/etc/filetrace/ca.crt" {
		t.Errorf("TLS.CAPath = %q", cfg.TLS.CAPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if cfg.AgentVersion != "v0.1.0" {
		t.Errorf("AgentVersion = %q", cfg.AgentVersion)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Only report_path is set; everything optional takes its default.
	yaml := `
report_path: "/var/lib/filetrace/report.json"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReportInterval != 30*time.Second {
		t.Errorf("default ReportInterval = %s, want 30s", cfg.ReportInterval)
	}
	want := []string{"/proc/", "/sys/", "/dev/"}
	if len(cfg.ExcludePrefixes) != len(want) {
		t.Errorf("default ExcludePrefixes = %v, want %v", cfg.ExcludePrefixes, want)
	}
	if cfg.DedupCacheSize != 65536 {
		t.Errorf("default DedupCacheSize = %d, want 65536", cfg.DedupCacheSize)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9102" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9102")
	}
}

func TestLoadConfig_ExplicitEmptyExclusions(t *testing.T) {
	yaml := `
report_path: "/var/lib/filetrace/report.json"
exclude_prefixes: []
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExcludePrefixes == nil || len(cfg.ExcludePrefixes) != 0 {
		t.Errorf("ExcludePrefixes = %v, want explicit empty list", cfg.ExcludePrefixes)
	}
}

func TestLoadConfig_MissingReportPath(t *testing.T) {
	path := writeTemp(t, `log_level: info`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing report_path, got nil")
	}
	if !strings.Contains(err.Error(), "report_path") {
		t.Errorf("error %q does not mention report_path", err.Error())
	}
}

func TestLoadConfig_CollectorRequiresQueueAndTLS(t *testing.T) {
	yaml := `
report_path: "/var/lib/filetrace/report.json"
collector_addr: "collector.example.com:4443"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for collector without queue/tls, got nil")
	}
	for _, want := range []string{"queue_path", "cert_path", "key_path", "ca_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoadConfig_StandaloneNeedsNoTLS(t *testing.T) {
	yaml := `
report_path: "/var/lib/filetrace/report.json"
`
	path := writeTemp(t, yaml)
	if _, err := config.LoadConfig(path); err != nil {
		t.Fatalf("standalone config rejected: %v", err)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
report_path: "/var/lib/filetrace/report.json"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_SubSecondInterval(t *testing.T) {
	yaml := `
report_path: "/var/lib/filetrace/report.json"
report_interval: 100ms
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for sub-second report_interval, got nil")
	}
	if !strings.Contains(err.Error(), "report_interval") {
		t.Errorf("error %q does not mention report_interval", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
