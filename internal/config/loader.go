package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// Loader loads configuration with source tracking.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. User config (~/.klyve/config.yaml) - optional
//  3. Project config (<project>/.klyve/config.yaml) - optional
//  4. Explicit config file (--config) - must exist
//  5. Environment variables (KLYVE_*)
type Loader struct {
	projectDir string
	homeDir    string
	configFile string
	logger     *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the directory searched for the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// WithConfigFile adds an explicit config file above the project layer.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// WithLogger sets the logger used for warnings about ignored files and keys.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader for the project rooted at projectDir.
func NewLoader(projectDir string, opts ...LoaderOption) *Loader {
	l := &Loader{projectDir: projectDir}
	if home, err := os.UserHomeDir(); err == nil {
		l.homeDir = home
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// UserConfigPath returns ~/.klyve/config.yaml, or "" without a home dir.
func (l *Loader) UserConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, KlyveDir, ConfigFileName)
}

// ProjectConfigPath returns <project>/.klyve/config.yaml.
func (l *Loader) ProjectConfigPath() string {
	return filepath.Join(l.projectDir, KlyveDir, ConfigFileName)
}

// Load merges every layer, records where each key came from, and
// validates the result.
func (l *Loader) Load() (*TrackedConfig, error) {
	tc := NewTrackedConfig()

	v := viper.New()
	defaults, err := flatten(tc.Config)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(defaults))
	for k, val := range defaults {
		v.SetDefault(k, val)
		known[k] = true
	}

	// A broken user file should not block every project.
	if p := l.UserConfigPath(); p != "" {
		if err := l.mergeFile(v, tc, known, p, SourceUser, false); err != nil {
			l.logger.Warn("ignoring user config", "path", p, "error", err)
		}
	}
	if err := l.mergeFile(v, tc, known, l.ProjectConfigPath(), SourceProject, false); err != nil {
		return nil, err
	}
	if l.configFile != "" {
		if err := l.mergeFile(v, tc, known, l.configFile, SourceFile, true); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k := range known {
		name := EnvVarName(k)
		if _, ok := os.LookupEnv(name); ok {
			tc.SetSource(k, SourceEnv, name)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, kerrors.ErrConfigInvalid("config", err.Error())
	}
	tc.Config = cfg
	if err := cfg.Validate(); err != nil {
		return tc, err
	}
	return tc, nil
}

// mergeFile reads one YAML layer into v. Missing files are skipped unless
// required.
func (l *Loader) mergeFile(v *viper.Viper, tc *TrackedConfig, known map[string]bool, path string, source ConfigSource, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return kerrors.ErrConfigInvalid("config", fmt.Sprintf("read %s: %v", path, err))
	}

	layer := viper.New()
	layer.SetConfigFile(path)
	layer.SetConfigType("yaml")
	if err := layer.ReadInConfig(); err != nil {
		return kerrors.ErrConfigInvalid("config", fmt.Sprintf("parse %s: %v", path, err))
	}
	if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
		return kerrors.ErrConfigInvalid("config", fmt.Sprintf("merge %s: %v", path, err))
	}
	for _, k := range layer.AllKeys() {
		if !known[k] {
			l.logger.Warn("unknown config key", "key", k, "path", path)
			continue
		}
		tc.SetSource(k, source, path)
	}
	tc.Files = append(tc.Files, path)
	return nil
}

// Load is a convenience wrapper for NewLoader(projectDir).Load().
func Load(projectDir, configFile string) (*TrackedConfig, error) {
	return NewLoader(projectDir, WithConfigFile(configFile)).Load()
}

// EnvVarName returns the environment variable that overrides key.
func EnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Keys returns every known dotted key in sorted order.
func Keys() []string {
	flat, _ := flatten(Default())
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// flatten renders cfg as dotted-key leaves using its yaml tags.
func flatten(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out[key] = val
		}
	}
	walk("", tree)
	return out, nil
}
