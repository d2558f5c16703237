package events

import (
	"fmt"
	"io"
	"sync"
)

// CLIPublisher writes human-readable event lines to an io.Writer, usually
// stderr.
type CLIPublisher struct {
	out     io.Writer
	mu      sync.Mutex
	verbose bool // also print progress ticks
}

// CLIPublisherOption configures a CLIPublisher.
type CLIPublisherOption func(*CLIPublisher)

// WithVerbose enables printing of every progress event.
func WithVerbose(enabled bool) CLIPublisherOption {
	return func(c *CLIPublisher) {
		c.verbose = enabled
	}
}

// NewCLIPublisher creates a publisher that writes events to the given writer.
func NewCLIPublisher(out io.Writer, opts ...CLIPublisherOption) *CLIPublisher {
	p := &CLIPublisher{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes the event's line, if it has one.
func (p *CLIPublisher) Publish(event Event) {
	line := p.format(event)
	if line == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *CLIPublisher) format(event Event) string {
	switch d := event.Data.(type) {
	case PhaseUpdate:
		return fmt.Sprintf("phase: %s -> %s", d.From, d.To)
	case SprintUpdate:
		return fmt.Sprintf("sprint %s: %s", d.SprintID, d.Status)
	case EscalationUpdate:
		if d.Decision != "" {
			return fmt.Sprintf("escalation: %s (decision %s)", d.State, d.Decision)
		}
		return fmt.Sprintf("escalation: %s (%d/%d)", d.State, d.Attempts, d.Max)
	case TaskResult:
		switch {
		case d.Cancelled:
			return fmt.Sprintf("task %s cancelled", d.Name)
		case d.Error != "":
			return fmt.Sprintf("task %s failed: %s", d.Name, d.Error)
		}
		return fmt.Sprintf("task %s done", d.Name)
	case ProgressUpdate:
		if !p.verbose && d.Tag != "error" {
			return ""
		}
		if d.Payload == nil {
			return fmt.Sprintf("  [%s]", d.Tag)
		}
		return fmt.Sprintf("  [%s] %v", d.Tag, d.Payload)
	}
	return ""
}
