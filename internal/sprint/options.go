package sprint

import (
	"log/slog"

	"github.com/randalmurphal/klyve/internal/events"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPublisher sets the publisher that receives sprint events.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.events = events.NewPublishHelper(p)
	}
}

// WithGate overrides the gate thresholds.
func WithGate(cfg GateConfig) Option {
	return func(m *Manager) {
		m.gate = cfg
	}
}
