package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db/driver"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/impact"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, KlyveDir, ConfigFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newLoader(t *testing.T, project string, opts ...LoaderOption) *Loader {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	return NewLoader(project, append([]LoaderOption{WithHomeDir(home)}, opts...)...)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Debug.MaxAttempts)
	assert.Equal(t, backlog.Complexity("large"), cfg.Gate().ScopeCeiling)
	assert.Equal(t, impact.Rating("medium"), cfg.Gate().RiskThreshold)
	assert.Equal(t, 60*time.Second, cfg.Lock.TTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"dialect", func(c *Config) { c.Database.Dialect = "mysql" }, "database.dialect"},
		{"dsn", func(c *Config) { c.Database.DSN = " " }, "database.dsn"},
		{"retries", func(c *Config) { c.Database.ConnectRetries = -1 }, "database.connect_retries"},
		{"attempts", func(c *Config) { c.Debug.MaxAttempts = 0 }, "debug.max_attempts"},
		{"ceiling", func(c *Config) { c.Sprint.ScopeCeiling = "huge" }, "sprint.scope_ceiling"},
		{"threshold", func(c *Config) { c.Sprint.RiskThreshold = "extreme" }, "sprint.risk_threshold"},
		{"workers", func(c *Config) { c.Runner.Workers = 0 }, "runner.workers"},
		{"buffer", func(c *Config) { c.Runner.ProgressBuffer = 0 }, "runner.progress_buffer"},
		{"glob", func(c *Config) { c.Scan.Include = []string{"[bad"} }, "scan"},
		{"scan size", func(c *Config) { c.Scan.MaxFileBytes = 0 }, "scan.max_file_bytes"},
		{"agent timeout", func(c *Config) { c.Agent.Timeout = 0 }, "agent.timeout"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"lock ttl", func(c *Config) { c.Lock.TTL = 0 }, "lock.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDriverConfig(t *testing.T) {
	cfg := Default()
	dc := cfg.DriverConfig("/work/app")
	assert.Equal(t, driver.DialectSQLite, dc.Dialect)
	assert.Equal(t, filepath.Join("/work/app", ".klyve", "klyve.db"), dc.DSN)

	cfg.Database.Dialect = "postgres"
	cfg.Database.DSN = "postgres://klyve@db/klyve"
	dc = cfg.DriverConfig("/work/app")
	assert.Equal(t, "postgres://klyve@db/klyve", dc.DSN)
	assert.Equal(t, 5, dc.ConnectRetries)
}

func TestYAMLRedactsToken(t *testing.T) {
	cfg := Default()
	cfg.Jira.APIToken = "secret"
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "secret", cfg.Jira.APIToken)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	tc, err := newLoader(t, t.TempDir()).Load()
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Database, tc.Config.Database)
	assert.Equal(t, def.Sprint, tc.Config.Sprint)
	assert.Equal(t, def.Scan.Include, tc.Config.Scan.Include)
	assert.Equal(t, def.Agent.Timeout, tc.Config.Agent.Timeout)
	assert.Equal(t, def.Lock, tc.Config.Lock)
	assert.Equal(t, SourceDefault, tc.GetSource("sprint.scope_ceiling"))
	assert.Empty(t, tc.Files)
}

func TestLoad_Layering(t *testing.T) {
	project := t.TempDir()
	home := t.TempDir()
	writeConfig(t, home, "sprint:\n  scope_ceiling: medium\nrunner:\n  workers: 4\nlog:\n  level: debug\n")
	projectPath := writeConfig(t, project, "runner:\n  workers: 8\nagent:\n  timeout: 30s\n")
	explicit := filepath.Join(t.TempDir(), "ci.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("log:\n  level: warn\n"), 0o644))
	t.Setenv("KLYVE_DEBUG_MAX_ATTEMPTS", "3")
	t.Setenv("KLYVE_SCAN_EXCLUDE", "**/gen/**,**/dist/**")

	tc, err := NewLoader(project, WithHomeDir(home), WithConfigFile(explicit)).Load()
	require.NoError(t, err)
	cfg := tc.Config

	assert.Equal(t, "medium", cfg.Sprint.ScopeCeiling)
	assert.Equal(t, SourceUser, tc.GetSource("sprint.scope_ceiling"))

	assert.Equal(t, 8, cfg.Runner.Workers, "project overrides user")
	assert.Equal(t, TrackedSource{Source: SourceProject, Path: projectPath}, tc.GetTrackedSource("runner.workers"))
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)

	assert.Equal(t, "warn", cfg.Log.Level, "explicit file overrides user")
	assert.Equal(t, SourceFile, tc.GetSource("log.level"))

	assert.Equal(t, 3, cfg.Debug.MaxAttempts)
	assert.Equal(t, TrackedSource{Source: SourceEnv, Path: "KLYVE_DEBUG_MAX_ATTEMPTS"}, tc.GetTrackedSource("debug.max_attempts"))
	assert.Equal(t, []string{"**/gen/**", "**/dist/**"}, cfg.Scan.Exclude)

	assert.Equal(t, Default().Scan.Include, cfg.Scan.Include)
	assert.Equal(t, SourceDefault, tc.GetSource("scan.include"))
	assert.Len(t, tc.Files, 3)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("malformed project config", func(t *testing.T) {
		project := t.TempDir()
		writeConfig(t, project, "runner: [unclosed\n")
		_, err := newLoader(t, project).Load()
		assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
	})
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := newLoader(t, t.TempDir(), WithConfigFile("/nonexistent/klyve.yaml")).Load()
		assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
	})
	t.Run("invalid value", func(t *testing.T) {
		project := t.TempDir()
		writeConfig(t, project, "database:\n  dialect: oracle\n")
		tc, err := newLoader(t, project).Load()
		require.Error(t, err)
		assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
		require.NotNil(t, tc, "sources are still reported")
		assert.Equal(t, SourceProject, tc.GetSource("database.dialect"))
	})
	t.Run("malformed user config is ignored", func(t *testing.T) {
		home := t.TempDir()
		writeConfig(t, home, "runner: [unclosed\n")
		tc, err := NewLoader(t.TempDir(), WithHomeDir(home)).Load()
		require.NoError(t, err)
		assert.Equal(t, Default().Runner, tc.Config.Runner)
	})
}

func TestKeysAndEnvNames(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "database.dsn")
	assert.Contains(t, keys, "lock.ttl")
	assert.Contains(t, keys, "jira.api_token")
	assert.Equal(t, "KLYVE_SPRINT_RISK_THRESHOLD", EnvVarName("sprint.risk_threshold"))
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "warn", "error", ""} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
