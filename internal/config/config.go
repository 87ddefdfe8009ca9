// Package config provides the kernel bootstrap configuration: typed views
// of kernel.yaml, compiled defaults, and the commented template written on
// first run. The settings.json and modules.json documents are owned by the
// state package; this file covers kernel tunables only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/scheduler"
	"github.com/ordo-sh/ordo/internal/supervisor"
	"github.com/ordo-sh/ordo/internal/tracing"
)

// Config holds all kernel.yaml options.
type Config struct {
	Log     LogConfig       `mapstructure:"log"`
	Queue   QueueConfig     `mapstructure:"queue"`
	Workers WorkersConfig   `mapstructure:"workers"`
	Gateway GatewayConfig   `mapstructure:"gateway"`
	Flags   map[string]bool `mapstructure:"flags"`
	Tracing tracing.Config  `mapstructure:"tracing"`
}

// LogConfig holds logging options.
type LogConfig struct {
	// File overrides the log destination. Empty means ordo.log in the
	// ordo home.
	File string `mapstructure:"file"`
	// Level is the minimum severity written: debug, info, warn, or error.
	Level string `mapstructure:"level"`
}

// QueueConfig bounds the scheduler.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// WorkersConfig holds the worker lifecycle deadlines.
type WorkersConfig struct {
	// ReadyTimeout bounds the wait for a worker's ready announcement.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// SendTimeout bounds one command round-trip.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// ShutdownGrace bounds the wait between SHUTDOWN and the forced kill.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// GatewayConfig holds request screening overrides.
type GatewayConfig struct {
	// DenyList replaces the built-in system-directory glob patterns
	// when non-empty.
	DenyList []string `mapstructure:"deny_list"`
}

// Defaults returns a Config with the compiled default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.Exporter = tracing.ExporterNone
	return Config{
		Log:   LogConfig{Level: "info"},
		Queue: QueueConfig{Capacity: scheduler.DefaultQueueCapacity},
		Workers: WorkersConfig{
			ReadyTimeout:  supervisor.DefaultReadyTimeout,
			SendTimeout:   supervisor.DefaultSendTimeout,
			ShutdownGrace: supervisor.DefaultShutdownGrace,
		},
		Gateway: GatewayConfig{DenyList: []string{}},
		Flags:   flags.Defaults(),
		Tracing: tc,
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults elsewhere and are valid here.
func (c Config) Validate() error {
	if c.Log.Level != "" {
		if _, ok := log.ParseLevel(c.Log.Level); !ok {
			return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
		}
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Workers.ReadyTimeout <= 0 {
		return fmt.Errorf("workers.ready_timeout must be positive, got %v", c.Workers.ReadyTimeout)
	}
	if c.Workers.SendTimeout <= 0 {
		return fmt.Errorf("workers.send_timeout must be positive, got %v", c.Workers.SendTimeout)
	}
	if c.Workers.ShutdownGrace <= 0 {
		return fmt.Errorf("workers.shutdown_grace must be positive, got %v", c.Workers.ShutdownGrace)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors. An empty file
// path is valid even for the file exporter; the kernel fills in a path
// inside the ordo home.
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	switch tc.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
	}

	if tc.Enabled && tc.Exporter == tracing.ExporterOTLP && tc.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// DefaultConfigTemplate returns the default kernel.yaml as a YAML string
// with comments. Every value is commented out, so the compiled defaults
// stay authoritative until a line is uncommented.
func DefaultConfigTemplate() string {
	return `# ordo kernel configuration.
#
# Every setting is optional; the commented values are the compiled defaults.
# settings.json and modules.json next to this file carry the front-end facing
# configuration. This file holds kernel tunables only.

# Logging
# log:
#   file: ""                # log file override (default: ordo.log in the ordo home)
#   level: info             # debug | info | warn | error

# Scheduler queue
# queue:
#   capacity: 1000          # queue bound; requests past it get QUEUE_FULL

# Worker lifecycle deadlines
# workers:
#   ready_timeout: 10s      # READY handshake deadline per worker
#   send_timeout: 30s       # per-command round-trip deadline
#   shutdown_grace: 10s     # SHUTDOWN grace before the process is killed

# Request screening
# gateway:
#   deny_list: []           # glob patterns replacing the built-in system-directory deny list

# Feature flags
# flags:
#   approval-timeout-enforcement: false
#   worker-auto-restart: true
#   advisor-enabled: true

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: none          # none | file | stdout | otlp
#   file_path: ""           # file exporter target (default: traces.jsonl in the ordo home)
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0        # 0.0 to 1.0
#
# Example: write spans to a file
# tracing:
#   enabled: true
#   exporter: file
#
# Example: send spans to a collector, sampling 10%
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
