// Package config provides YAML configuration loading and validation for the
// filetrace agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the filetrace agent.
type Config struct {
	// ReportPath is where the JSON usage report is written
	// (e.g. "/var/lib/filetrace/report.json"). Required.
	ReportPath string `yaml:"report_path"`

	// ReportInterval is how often the report file is rewritten. Defaults to
	// 30s when omitted.
	ReportInterval time.Duration `yaml:"report_interval"`

	// JournalPath, when set, enables the tamper-evident event journal at the
	// given path.
	JournalPath string `yaml:"journal_path"`

	// ExcludePrefixes are path prefixes whose accesses are ignored. Defaults
	// to /proc/, /sys/ and /dev/ when omitted entirely; an explicit empty
	// list disables exclusion.
	ExcludePrefixes []string `yaml:"exclude_prefixes"`

	// DedupCacheSize bounds the per-container seen-path cache. Defaults to
	// 65536 entries when omitted.
	DedupCacheSize int `yaml:"dedup_cache_size"`

	// CollectorAddr is the gRPC endpoint of the filetrace collector
	// (e.g. "collector.example.com:4443"). Optional: when empty the agent
	// runs standalone and only writes local reports.
	CollectorAddr string `yaml:"collector_addr"`

	// QueuePath is the SQLite spool used to buffer events while the
	// collector is unreachable. Required when collector_addr is set.
	QueuePath string `yaml:"queue_path"`

	// TLS holds the paths to the agent certificate, private key, and CA
	// certificate used for mTLS. Required when collector_addr is set.
	TLS TLSConfig `yaml:"tls"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server. Defaults to "127.0.0.1:9102" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AgentVersion is an optional human-readable version string sent to the
	// collector during registration (e.g. "v0.1.0").
	AgentVersion string `yaml:"agent_version"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the agent's PEM-encoded client certificate.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the agent's PEM-encoded private key.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's certificate.
	CAPath string `yaml:"ca_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.ReportInterval == 0 {
		cfg.ReportInterval = 30 * time.Second
	}
	if cfg.ExcludePrefixes == nil {
		cfg.ExcludePrefixes = []string{"/proc/", "/sys/", "/dev/"}
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = 65536
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9102"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ReportPath == "" {
		errs = append(errs, errors.New("report_path is required"))
	}
	if cfg.ReportInterval < time.Second {
		errs = append(errs, fmt.Errorf("report_interval %s must be at least 1s", cfg.ReportInterval))
	}
	if cfg.DedupCacheSize < 0 {
		errs = append(errs, fmt.Errorf("dedup_cache_size %d must not be negative", cfg.DedupCacheSize))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.CollectorAddr != "" {
		if cfg.QueuePath == "" {
			errs = append(errs, errors.New("queue_path is required when collector_addr is set"))
		}
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required when collector_addr is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required when collector_addr is set"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required when collector_addr is set"))
		}
	}

	return errors.Join(errs...)
}
