// Copyright 2025 Casey Koons
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ckoons/argod/pkg/constants"
)

// Duration is a time.Duration that round-trips through YAML as a Go
// duration string ("5s", "1h30m"). A plain integer is accepted on input
// and interpreted as seconds.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)

		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// FullConfig is the daemon configuration as stored in config.yaml.
//
// The file is written with complete defaults on first start, so every knob
// is visible and documented by its own value. Operational knobs (ports,
// intervals, rotation thresholds) fall back to their defaults when zero;
// the two workflow policy fields treat zero as a meaningful setting and
// keep it.
type FullConfig struct {
	// BaseDir records the state root the daemon resolved at startup from
	// --root or ARGO_ROOT. The value in the file is informational; a running
	// daemon always uses the directory its config was loaded from.
	BaseDir string `yaml:"baseDir,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`

	Server    ServerConfig      `yaml:"server,omitempty"`
	Scheduler SchedulerConfig   `yaml:"scheduler,omitempty"`
	Workflow  WorkflowConfig    `yaml:"workflow,omitempty"`
	Logs      LogRotationConfig `yaml:"logs,omitempty"`
}

// ServerConfig holds the listen ports of the control plane and the
// metrics endpoint. The control plane binds to localhost only.
type ServerConfig struct {
	Port        int `yaml:"port,omitempty"`
	MetricsPort int `yaml:"metricsPort,omitempty"`
}

// SchedulerConfig holds the tick of the control loop and the intervals of
// its registered tasks.
type SchedulerConfig struct {
	TickInterval       Duration `yaml:"tickInterval,omitempty"`
	CompletionInterval Duration `yaml:"completionInterval,omitempty"`
	TimeoutInterval    Duration `yaml:"timeoutInterval,omitempty"`
	RotationInterval   Duration `yaml:"rotationInterval,omitempty"`
	SnapshotInterval   Duration `yaml:"snapshotInterval,omitempty"`
}

// WorkflowConfig holds the retry and timeout policy applied to start
// requests that do not carry their own values.
type WorkflowConfig struct {
	// DefaultTimeout applies to start requests without a timeout.
	// Zero disables timeout enforcement for such workflows.
	DefaultTimeout Duration `yaml:"defaultTimeout"`

	// DefaultMaxRetries applies to start requests without a retry budget.
	// Zero disables automatic retries for such workflows.
	DefaultMaxRetries int `yaml:"defaultMaxRetries"`

	// RetryDelayBase is the first retry delay; each further retry doubles
	// it, capped at five minutes.
	RetryDelayBase Duration `yaml:"retryDelayBase,omitempty"`

	// HistoryTTL is how long finished workflows stay queryable.
	HistoryTTL Duration `yaml:"historyTTL,omitempty"`

	// QueueCapacity sizes the exit event ring buffer. Must be a power of two.
	QueueCapacity int `yaml:"queueCapacity,omitempty"`
}

// LogRotationConfig holds the thresholds of the hourly log rotation pass.
type LogRotationConfig struct {
	MaxAge    Duration `yaml:"maxAge,omitempty"`
	MaxSize   int64    `yaml:"maxSize,omitempty"`
	KeepCount int      `yaml:"keepCount,omitempty"`

	// Compression gzips rotated archives. Absent means enabled.
	Compression *bool `yaml:"compression,omitempty"`
}

// CompressionEnabled resolves the compression toggle with its default.
func (l LogRotationConfig) CompressionEnabled() bool {
	if l.Compression == nil {
		return true
	}

	return *l.Compression
}

// DefaultConfig returns a fully populated configuration. This is what gets
// written to disk on first start.
func DefaultConfig() FullConfig {
	compression := true

	return FullConfig{
		LogLevel: "info",
		Server: ServerConfig{
			Port:        constants.DefaultDaemonPort,
			MetricsPort: constants.DefaultMetricsPort,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       Duration(constants.DefaultTickerTime),
			CompletionInterval: Duration(constants.CompletionCheckInterval),
			TimeoutInterval:    Duration(constants.TimeoutCheckInterval),
			RotationInterval:   Duration(constants.LogRotationCheckInterval),
			SnapshotInterval:   Duration(constants.SnapshotInterval),
		},
		Workflow: WorkflowConfig{
			DefaultTimeout:    Duration(constants.DefaultWorkflowTimeout),
			DefaultMaxRetries: constants.DefaultMaxRetries,
			RetryDelayBase:    Duration(constants.RetryDelayBase),
			HistoryTTL:        Duration(constants.HistoryTTL),
			QueueCapacity:     constants.ExitQueueCapacity,
		},
		Logs: LogRotationConfig{
			MaxAge:      Duration(constants.LogMaxAge),
			MaxSize:     constants.LogMaxSize,
			KeepCount:   constants.LogRotationKeepCount,
			Compression: &compression,
		},
	}
}

// applyDefaults fills operational knobs that are unset or nonsensical.
// DefaultTimeout and DefaultMaxRetries are left alone: zero is a valid
// setting for both.
func applyDefaults(cfg *FullConfig) {
	def := DefaultConfig()

	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.MetricsPort <= 0 {
		cfg.Server.MetricsPort = def.Server.MetricsPort
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if cfg.Scheduler.CompletionInterval <= 0 {
		cfg.Scheduler.CompletionInterval = def.Scheduler.CompletionInterval
	}
	if cfg.Scheduler.TimeoutInterval <= 0 {
		cfg.Scheduler.TimeoutInterval = def.Scheduler.TimeoutInterval
	}
	if cfg.Scheduler.RotationInterval <= 0 {
		cfg.Scheduler.RotationInterval = def.Scheduler.RotationInterval
	}
	if cfg.Scheduler.SnapshotInterval <= 0 {
		cfg.Scheduler.SnapshotInterval = def.Scheduler.SnapshotInterval
	}
	if cfg.Workflow.DefaultTimeout < 0 {
		cfg.Workflow.DefaultTimeout = def.Workflow.DefaultTimeout
	}
	if cfg.Workflow.DefaultMaxRetries < 0 {
		cfg.Workflow.DefaultMaxRetries = def.Workflow.DefaultMaxRetries
	}
	if cfg.Workflow.RetryDelayBase <= 0 {
		cfg.Workflow.RetryDelayBase = def.Workflow.RetryDelayBase
	}
	if cfg.Workflow.HistoryTTL <= 0 {
		cfg.Workflow.HistoryTTL = def.Workflow.HistoryTTL
	}
	if cfg.Workflow.QueueCapacity <= 0 {
		cfg.Workflow.QueueCapacity = def.Workflow.QueueCapacity
	}
	if cfg.Logs.MaxAge <= 0 {
		cfg.Logs.MaxAge = def.Logs.MaxAge
	}
	if cfg.Logs.MaxSize <= 0 {
		cfg.Logs.MaxSize = def.Logs.MaxSize
	}
	if cfg.Logs.KeepCount <= 0 {
		cfg.Logs.KeepCount = def.Logs.KeepCount
	}
}

// validate rejects values that applyDefaults cannot repair.
func validate(cfg FullConfig) error {
	if cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", cfg.Server.MetricsPort)
	}
	if cfg.Server.Port == cfg.Server.MetricsPort {
		return fmt.Errorf("server port and metrics port are both %d", cfg.Server.Port)
	}
	if c := cfg.Workflow.QueueCapacity; c&(c-1) != 0 {
		return fmt.Errorf("queue capacity %d is not a power of two", c)
	}

	// The logger spells its levels in upper case, the file convention is
	// lower case. Accept both.
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error", "production":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	return nil
}
