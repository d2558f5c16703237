// Package config provides layered configuration for klyve.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db/driver"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/escalation"
	"github.com/randalmurphal/klyve/internal/impact"
	"github.com/randalmurphal/klyve/internal/scan"
	"github.com/randalmurphal/klyve/internal/sprint"
	"github.com/randalmurphal/klyve/internal/telemetry"
)

const (
	// ConfigFileName is the config file name inside a klyve directory.
	ConfigFileName = "config.yaml"
	// KlyveDir is the per-project and per-user klyve directory.
	KlyveDir = ".klyve"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KLYVE"
)

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Dialect is sqlite (default) or postgres.
	Dialect string `mapstructure:"dialect" yaml:"dialect"`
	// DSN is a file path for sqlite (relative paths resolve against the
	// project root) or a connection string for postgres.
	DSN            string `mapstructure:"dsn" yaml:"dsn"`
	ConnectRetries int    `mapstructure:"connect_retries" yaml:"connect_retries"`
}

// DebugConfig bounds automated debug retries before escalation.
type DebugConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// SprintConfig holds the sprint gate thresholds.
type SprintConfig struct {
	ScopeCeiling  string `mapstructure:"scope_ceiling" yaml:"scope_ceiling"`
	RiskThreshold string `mapstructure:"risk_threshold" yaml:"risk_threshold"`
}

// RunnerConfig sizes the background task runner.
type RunnerConfig struct {
	Workers        int `mapstructure:"workers" yaml:"workers"`
	ProgressBuffer int `mapstructure:"progress_buffer" yaml:"progress_buffer"`
}

// ScanConfig selects files for the directory scan.
type ScanConfig struct {
	Include      []string `mapstructure:"include" yaml:"include"`
	Exclude      []string `mapstructure:"exclude" yaml:"exclude"`
	MaxFileBytes int64    `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
}

// AgentConfig configures the external agent command.
type AgentConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// JiraConfig configures issue import.
type JiraConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Email    string `mapstructure:"email" yaml:"email"`
	APIToken string `mapstructure:"api_token" yaml:"api_token"`
	JQL      string `mapstructure:"jql" yaml:"jql"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Stdout       bool   `mapstructure:"stdout" yaml:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// LockConfig configures the store lock.
type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Config represents the klyve configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Sprint    SprintConfig    `mapstructure:"sprint" yaml:"sprint"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	Scan      ScanConfig      `mapstructure:"scan" yaml:"scan"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Jira      JiraConfig      `mapstructure:"jira" yaml:"jira"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Lock      LockConfig      `mapstructure:"lock" yaml:"lock"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := scan.DefaultConfig()
	gate := sprint.DefaultGateConfig()
	return &Config{
		Database: DatabaseConfig{
			Dialect:        string(driver.DialectSQLite),
			DSN:            filepath.Join(KlyveDir, "klyve.db"),
			ConnectRetries: 5,
		},
		Debug:  DebugConfig{MaxAttempts: escalation.DefaultMaxAttempts},
		Sprint: SprintConfig{ScopeCeiling: string(gate.ScopeCeiling), RiskThreshold: string(gate.RiskThreshold)},
		Runner: RunnerConfig{Workers: 2, ProgressBuffer: 64},
		Scan: ScanConfig{
			Include:      sc.Include,
			Exclude:      sc.Exclude,
			MaxFileBytes: sc.MaxFileBytes,
		},
		Agent: AgentConfig{Args: []string{}, Timeout: 10 * time.Minute},
		Log:   LogConfig{Level: "info", Format: "text"},
		Lock:  LockConfig{TTL: 60 * time.Second},
	}
}

// Validate reports the first invalid setting as a CONFIG_INVALID error.
func (c *Config) Validate() error {
	switch driver.Dialect(c.Database.Dialect) {
	case driver.DialectSQLite, driver.DialectPostgres:
	default:
		return kerrors.ErrConfigInvalid("database.dialect", fmt.Sprintf("unknown dialect %q", c.Database.Dialect))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return kerrors.ErrConfigInvalid("database.dsn", "must not be empty")
	}
	if c.Database.ConnectRetries < 0 {
		return kerrors.ErrConfigInvalid("database.connect_retries", "must not be negative")
	}
	if c.Debug.MaxAttempts < 1 {
		return kerrors.ErrConfigInvalid("debug.max_attempts", "must be at least 1")
	}
	if err := c.Gate().Validate(); err != nil {
		return err
	}
	if c.Runner.Workers < 1 {
		return kerrors.ErrConfigInvalid("runner.workers", "must be at least 1")
	}
	if c.Runner.ProgressBuffer < 1 {
		return kerrors.ErrConfigInvalid("runner.progress_buffer", "must be at least 1")
	}
	if err := c.ScanConfig().Validate(); err != nil {
		return err
	}
	if c.Agent.Timeout <= 0 {
		return kerrors.ErrConfigInvalid("agent.timeout", "must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return kerrors.ErrConfigInvalid("log.format", fmt.Sprintf("unknown format %q (want text or json)", c.Log.Format))
	}
	if c.Lock.TTL <= 0 {
		return kerrors.ErrConfigInvalid("lock.ttl", "must be positive")
	}
	return nil
}

// Gate returns the sprint gate thresholds.
func (c *Config) Gate() sprint.GateConfig {
	return sprint.GateConfig{
		ScopeCeiling:  backlog.Complexity(c.Sprint.ScopeCeiling),
		RiskThreshold: impact.Rating(c.Sprint.RiskThreshold),
	}
}

// ScanConfig returns the scan file selection.
func (c *Config) ScanConfig() scan.Config {
	return scan.Config{Include: c.Scan.Include, Exclude: c.Scan.Exclude, MaxFileBytes: c.Scan.MaxFileBytes}
}

// DriverConfig returns the store driver settings, resolving a relative
// sqlite path against projectDir.
func (c *Config) DriverConfig(projectDir string) driver.Config {
	dsn := c.Database.DSN
	if driver.Dialect(c.Database.Dialect) == driver.DialectSQLite && dsn != ":memory:" && !filepath.IsAbs(dsn) {
		dsn = filepath.Join(projectDir, dsn)
	}
	return driver.Config{
		Dialect:        driver.Dialect(c.Database.Dialect),
		DSN:            dsn,
		ConnectRetries: c.Database.ConnectRetries,
	}
}

// TelemetryConfig returns the exporter selection.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Telemetry.Enabled,
		Stdout:       c.Telemetry.Stdout,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
	}
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, kerrors.ErrConfigInvalid("log.level", fmt.Sprintf("unknown level %q", s))
}

// YAML renders the configuration with API tokens redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Jira.APIToken != "" {
		out.Jira.APIToken = "********"
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
