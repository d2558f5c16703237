package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, Config{}, "klyve", "test"))
	assert.False(t, Enabled())

	_, span := Tracer("").Start(ctx, "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitStdoutExportsSpans(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	require.NoError(t, Init(ctx, Config{Enabled: true, Stdout: true, Writer: &buf}, "klyve", "test"))
	assert.True(t, Enabled())

	_, span := Tracer("test").Start(ctx, "phase.transition")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	counter, err := Meter("test").Int64Counter("klyve.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	Shutdown(ctx)
	assert.False(t, Enabled())
	assert.Contains(t, buf.String(), "phase.transition")

	require.NoError(t, Init(ctx, Config{}, "klyve", "test"))
}
