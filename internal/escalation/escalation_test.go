package escalation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func TestEscalatesOnFifthFailure(t *testing.T) {
	c := New(0)
	require.Equal(t, DefaultMaxAttempts, c.Max)

	for i := 1; i <= 4; i++ {
		st := c.ReportFailure("tests failed", "")
		assert.Equal(t, StateAutoRetry, st, "failure %d", i)
		c.BeginRetry()
		assert.Equal(t, StateRunning, c.State)
	}
	assert.Equal(t, 1, c.Remaining())

	assert.Equal(t, StatePmEscalation, c.ReportFailure("tests failed", ""))
	assert.Equal(t, 5, c.Attempts)
	assert.True(t, c.Escalated())

	// further failures while escalated do not advance the count
	c.ReportFailure("again", "")
	assert.Equal(t, 5, c.Attempts)
	assert.Equal(t, "again", c.Last.Reason)
}

func TestDecide(t *testing.T) {
	escalated := func() *Controller {
		c := New(2)
		c.ReportFailure("a", "")
		c.ReportFailure("b", "")
		require.True(t, c.Escalated())
		return c
	}

	c := escalated()
	require.NoError(t, c.Decide(DecisionRetry))
	assert.Equal(t, StateRunning, c.State)
	assert.Zero(t, c.Attempts)

	c = escalated()
	require.NoError(t, c.Decide(DecisionIgnore))
	assert.Equal(t, StateRunning, c.State)
	assert.Zero(t, c.Attempts)

	c = escalated()
	require.NoError(t, c.Decide(DecisionManualPause))
	assert.Equal(t, StateManualPause, c.State)
	require.NoError(t, c.Resume())
	assert.Equal(t, StateRunning, c.State)
	assert.Zero(t, c.Attempts)

	err := New(5).Decide(DecisionRetry)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)
	assert.ErrorIs(t, escalated().Decide("shrug"), kerrors.ErrPreconditionFailed)
	assert.ErrorIs(t, New(5).Resume(), kerrors.ErrPreconditionFailed)
}

func TestReportSuccessResets(t *testing.T) {
	c := New(3)
	c.ReportFailure("x", "out")
	c.ReportSuccess()
	assert.Equal(t, StateRunning, c.State)
	assert.Zero(t, c.Attempts)
	assert.Nil(t, c.Last)
	assert.Empty(t, c.RetryContext("t"))
}

func TestRetryContext(t *testing.T) {
	c := New(5)
	c.ReportFailure("compile error", strings.Repeat("x", 9000)+"END")
	ctx := c.RetryContext("MS-1")
	assert.Contains(t, ctx, "attempt 2 of 5")
	assert.Contains(t, ctx, "compile error")
	assert.Contains(t, ctx, "END")
	assert.Less(t, len(ctx), 9000)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Ignore ")
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnore, d)
	_, err = ParseDecision("give_up")
	assert.Error(t, err)
}
