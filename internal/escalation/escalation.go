// Package escalation implements the bounded debug-retry protocol: failed
// build/test cycles are retried automatically until a configured bound, then
// handed to a human decision.
package escalation

import (
	"fmt"
	"strings"
	"time"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// DefaultMaxAttempts is the number of consecutive failures that forces a
// human decision.
const DefaultMaxAttempts = 5

// State is the controller's position in the retry protocol.
type State string

const (
	StateRunning      State = "running"
	StateAutoRetry    State = "auto_retry"
	StatePmEscalation State = "pm_escalation"
	StateManualPause  State = "manual_pause"
)

// Decision is the human response to an escalation.
type Decision string

const (
	DecisionRetry       Decision = "retry"
	DecisionManualPause Decision = "manual_pause"
	DecisionIgnore      Decision = "ignore"
)

// ValidDecisions returns every decision.
func ValidDecisions() []Decision {
	return []Decision{DecisionRetry, DecisionManualPause, DecisionIgnore}
}

// ParseDecision validates a decision name.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range ValidDecisions() {
		if v == d {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown escalation decision %q", s)
}

// Failure describes one failed cycle.
type Failure struct {
	Attempt int       `json:"attempt" yaml:"attempt"`
	Reason  string    `json:"reason" yaml:"reason"`
	Output  string    `json:"output,omitempty" yaml:"output,omitempty"`
	At      time.Time `json:"at" yaml:"at"`
}

// Controller tracks consecutive failures of one unit of work. It holds no
// references and serializes into the orchestration checkpoint as-is.
type Controller struct {
	State    State    `json:"state" yaml:"state"`
	Attempts int      `json:"attempts" yaml:"attempts"`
	Max      int      `json:"max" yaml:"max"`
	Last     *Failure `json:"last,omitempty" yaml:"last,omitempty"`
}

// New returns a running controller. A max below 1 uses DefaultMaxAttempts.
func New(max int) *Controller {
	if max < 1 {
		max = DefaultMaxAttempts
	}
	return &Controller{State: StateRunning, Max: max}
}

var timeNow = time.Now

// Escalated reports whether a human decision is pending.
func (c *Controller) Escalated() bool {
	return c.State == StatePmEscalation
}

// Remaining returns how many automatic retries are left.
func (c *Controller) Remaining() int {
	if n := c.Max - c.Attempts; n > 0 {
		return n
	}
	return 0
}

// ReportFailure records a failed cycle. Once attempts reach the bound the
// controller escalates; it never gives up on its own.
func (c *Controller) ReportFailure(reason, output string) State {
	if c.State == StatePmEscalation {
		c.Last = &Failure{Attempt: c.Attempts, Reason: reason, Output: output, At: timeNow()}
		return c.State
	}
	c.Attempts++
	c.Last = &Failure{Attempt: c.Attempts, Reason: reason, Output: output, At: timeNow()}
	if c.Attempts >= c.Max {
		c.State = StatePmEscalation
	} else {
		c.State = StateAutoRetry
	}
	return c.State
}

// ReportSuccess clears the failure count and returns to running.
func (c *Controller) ReportSuccess() {
	c.State = StateRunning
	c.Attempts = 0
	c.Last = nil
}

// BeginRetry moves an automatic retry back to running, keeping the count.
func (c *Controller) BeginRetry() {
	if c.State == StateAutoRetry {
		c.State = StateRunning
	}
}

// Decide applies a human decision to a pending escalation. Retry and Ignore
// reset the counter and resume running; ManualPause parks the controller
// until Resume.
func (c *Controller) Decide(d Decision) error {
	if c.State != StatePmEscalation {
		return kerrors.ErrPrecondition(fmt.Sprintf("apply escalation decision %s", d),
			fmt.Sprintf("no escalation is pending (state %s)", c.State))
	}
	switch d {
	case DecisionRetry, DecisionIgnore:
		c.State = StateRunning
		c.Attempts = 0
	case DecisionManualPause:
		c.State = StateManualPause
	default:
		return kerrors.ErrPrecondition(fmt.Sprintf("apply escalation decision %q", d), "unknown decision")
	}
	return nil
}

// Resume restarts work after a manual pause with a fresh counter.
func (c *Controller) Resume() error {
	if c.State != StateManualPause {
		return kerrors.ErrPrecondition("resume after manual pause", fmt.Sprintf("controller is %s", c.State))
	}
	c.State = StateRunning
	c.Attempts = 0
	c.Last = nil
	return nil
}

// RetryContext renders the last failure for injection into the next
// attempt's prompt. It is empty when there is nothing to retry.
func (c *Controller) RetryContext(task string) string {
	if c.Last == nil || c.Attempts == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Retry Context\n\n")
	fmt.Fprintf(&sb, "Task %q failed on the previous attempt. This is attempt %d of %d.\n\n", task, c.Attempts+1, c.Max)
	if c.Last.Reason != "" {
		fmt.Fprintf(&sb, "**Reason:** %s\n\n", c.Last.Reason)
	}
	if c.Last.Output != "" {
		sb.WriteString("**Failure output:**\n\n---\n")
		sb.WriteString(tail(c.Last.Output, 8000))
		sb.WriteString("\n---\n\n")
	}
	sb.WriteString("Fix the root cause before producing new output.\n")
	return sb.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
