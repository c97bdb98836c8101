// Package config provides configuration types, defaults, and persistence for installrelay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/paths"
	"github.com/zjrosen/installrelay/internal/tracing"
)

// Config holds all installrelay configuration.
type Config struct {
	// WorkDir is the mailbox directory shared by supervisor and client.
	WorkDir    string           `mapstructure:"work_dir"`
	Installer  InstallerConfig  `mapstructure:"installer"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Client     ClientConfig     `mapstructure:"client"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// InstallerConfig describes the wrapped installer process.
type InstallerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"` // Working directory; empty inherits the supervisor's
	Env     []string `mapstructure:"env"` // Extra KEY=VALUE pairs
}

// Argv returns the full installer command line.
func (i InstallerConfig) Argv() []string {
	return append([]string{i.Command}, i.Args...)
}

// SupervisorConfig holds the supervisor's timers.
type SupervisorConfig struct {
	InputPoll        time.Duration `mapstructure:"input_poll"`
	ControlPoll      time.Duration `mapstructure:"control_poll"`
	TimeoutCheck     time.Duration `mapstructure:"timeout_check"`
	Quiescence       time.Duration `mapstructure:"quiescence"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	TailWidth        int           `mapstructure:"tail_width"`
	UseFsnotify      bool          `mapstructure:"use_fsnotify"`
}

// ClientConfig holds the settling waits after each client write.
type ClientConfig struct {
	StartSettle  time.Duration `mapstructure:"start_settle"`
	AnswerSettle time.Duration `mapstructure:"answer_settle"`
	StopSettle   time.Duration `mapstructure:"stop_settle"`
	// AbandonAfter is how stale a heartbeat must be before start replaces a
	// supervisor whose pid still exists.
	AbandonAfter time.Duration `mapstructure:"abandon_after"`
}

// DetectorConfig configures prompt detection.
type DetectorConfig struct {
	// RulesFile is an optional YAML file with rules appended after the built-ins.
	RulesFile string `mapstructure:"rules_file"`
}

// TracingConfig holds OpenTelemetry configuration for the supervisor.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: traces.jsonl in the work dir
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ProviderConfig converts to the tracing package's config. An empty file
// path resolves inside workDir.
func (t TracingConfig) ProviderConfig(workDir string) tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = t.Enabled
	if t.Exporter != "" {
		cfg.Exporter = t.Exporter
	}
	cfg.FilePath = t.FilePath
	if cfg.FilePath == "" {
		cfg.FilePath = filepath.Join(workDir, mailbox.TraceFile)
	}
	if t.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = t.OTLPEndpoint
	}
	if t.SampleRate > 0 {
		cfg.SampleRate = t.SampleRate
	}
	return cfg
}

// DefaultWorkDir returns $TMPDIR/installrelay.
func DefaultWorkDir() string {
	return paths.ResolveWorkDir("")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		WorkDir: DefaultWorkDir(),
		Installer: InstallerConfig{
			Command: "baidu-ccc-dev",
			Args:    []string{"install"},
		},
		Supervisor: SupervisorConfig{
			InputPoll:        200 * time.Millisecond,
			ControlPoll:      500 * time.Millisecond,
			TimeoutCheck:     time.Second,
			Quiescence:       2 * time.Second,
			HeartbeatTimeout: 5 * time.Second,
			TailWidth:        500,
			UseFsnotify:      true,
		},
		Client: ClientConfig{
			StartSettle:  time.Second,
			AnswerSettle: 500 * time.Millisecond,
			StopSettle:   time.Second,
			AbandonAfter: time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     tracing.ExporterFile,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the whole configuration and reports every problem found.
func (c Config) Validate() error {
	var errs []error
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.Installer.Command == "" {
		errs = append(errs, errors.New("installer.command is required"))
	}
	errs = append(errs, ValidateSupervisor(c.Supervisor), ValidateClient(c.Client), ValidateTracing(c.Tracing))
	if c.Client.AbandonAfter <= c.Supervisor.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("client.abandon_after (%s) must be longer than supervisor.heartbeat_timeout (%s)", c.Client.AbandonAfter, c.Supervisor.HeartbeatTimeout))
	}
	return errors.Join(errs...)
}

// ValidateSupervisor checks the supervisor timers.
func ValidateSupervisor(s SupervisorConfig) error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"input_poll", s.InputPoll},
		{"control_poll", s.ControlPoll},
		{"timeout_check", s.TimeoutCheck},
		{"quiescence", s.Quiescence},
		{"heartbeat_timeout", s.HeartbeatTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("supervisor.%s must be positive, got %s", d.key, d.val))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if s.Quiescence < s.TimeoutCheck {
		errs = append(errs, fmt.Errorf("supervisor.quiescence (%s) must not be shorter than supervisor.timeout_check (%s)", s.Quiescence, s.TimeoutCheck))
	}
	// The heartbeat is refreshed on the timeout tick.
	if s.HeartbeatTimeout <= s.TimeoutCheck {
		errs = append(errs, fmt.Errorf("supervisor.heartbeat_timeout (%s) must be longer than supervisor.timeout_check (%s)", s.HeartbeatTimeout, s.TimeoutCheck))
	}
	if s.TailWidth < 0 {
		errs = append(errs, fmt.Errorf("supervisor.tail_width must not be negative, got %d", s.TailWidth))
	}
	return errors.Join(errs...)
}

// ValidateClient checks the settling waits.
func ValidateClient(c ClientConfig) error {
	if c.StartSettle < 0 || c.AnswerSettle < 0 || c.StopSettle < 0 {
		return errors.New("client settle intervals must not be negative")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	if !tracing.ValidExporter(t.Exporter) {
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# installrelay configuration

# Mailbox directory shared by the supervisor and the client
# (default: $TMPDIR/installrelay)
# work_dir: /tmp/installrelay

# The interactive installer to wrap
installer:
  command: baidu-ccc-dev
  args: [install]
  # dir: /path/to/project   # Working directory for the installer
  # env:                    # Extra environment variables
  #   - CI=1

# Supervisor timers
supervisor:
  input_poll: 200ms         # How often a pending answer is looked for while waiting
  control_poll: 500ms       # How often the stop slot is checked
  timeout_check: 1s         # Timeout heuristic and heartbeat period
  quiescence: 2s            # Silence required before re-running detection
  heartbeat_timeout: 5s     # Client treats an older heartbeat as a dead supervisor
  tail_width: 500           # Columns of output kept in buffer_tail
  use_fsnotify: true        # Wake pollers on slot writes instead of waiting a tick

# Client settling waits after each mailbox write
client:
  start_settle: 1s
  answer_settle: 500ms
  stop_settle: 1s
  abandon_after: 1m         # start replaces a live pid only after this much heartbeat silence

# Prompt detection
# detector:
#   rules_file: ~/.config/installrelay/rules.yaml
#
# Rules file format (rules run after the built-in ones, first match wins):
#   rules:
#     - name: overwrite
#       kind: yesno          # question, choice, yesno or prompt
#       pattern: '(Overwrite \S+\?)\s*\[y/N\]'
#       group: 1             # capture group used as the question text
#       scope: buffer        # buffer (default) or last_line
#       whole_line: false    # report the whole matching line instead

# Supervisor tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: /tmp/installrelay/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
