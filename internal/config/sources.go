package config

import "fmt"

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates a built-in default value.
	SourceDefault ConfigSource = "default"
	// SourceUser indicates ~/.klyve/config.yaml.
	SourceUser ConfigSource = "user"
	// SourceProject indicates <project>/.klyve/config.yaml.
	SourceProject ConfigSource = "project"
	// SourceFile indicates an explicit --config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates a KLYVE_* environment variable.
	SourceEnv ConfigSource = "env"
)

// Precedence orders sources from lowest to highest priority.
var Precedence = []ConfigSource{SourceDefault, SourceUser, SourceProject, SourceFile, SourceEnv}

// TrackedSource contains both the source type and the file path or
// variable name it came from.
type TrackedSource struct {
	Source ConfigSource
	Path   string
}

// String returns a human-readable source description.
func (ts TrackedSource) String() string {
	if ts.Path == "" {
		return string(ts.Source)
	}
	return fmt.Sprintf("%s: %s", ts.Source, ts.Path)
}

// TrackedConfig wraps a Config with per-key source tracking.
type TrackedConfig struct {
	// Config is the merged configuration.
	Config *Config

	// Sources maps dotted keys ("sprint.scope_ceiling") to where their
	// effective value came from.
	Sources map[string]TrackedSource

	// Files lists the config files that were read, in load order.
	Files []string
}

// NewTrackedConfig creates a new TrackedConfig with defaults.
func NewTrackedConfig() *TrackedConfig {
	return &TrackedConfig{
		Config:  Default(),
		Sources: make(map[string]TrackedSource),
	}
}

// SetSource records the source and file path for a key.
func (tc *TrackedConfig) SetSource(key string, source ConfigSource, path string) {
	tc.Sources[key] = TrackedSource{Source: source, Path: path}
}

// GetSource returns the source for a key, SourceDefault when unrecorded.
func (tc *TrackedConfig) GetSource(key string) ConfigSource {
	return tc.GetTrackedSource(key).Source
}

// GetTrackedSource returns the full source info for a key.
func (tc *TrackedConfig) GetTrackedSource(key string) TrackedSource {
	if ts, ok := tc.Sources[key]; ok {
		return ts
	}
	return TrackedSource{Source: SourceDefault}
}
