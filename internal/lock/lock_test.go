package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func writeForeign(t *testing.T, dir string, lk Lock) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := yaml.Marshal(lk)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644))
}

func liveForeign() Lock {
	host, _ := os.Hostname()
	return Lock{
		Owner:     "bob@other",
		Acquired:  time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
		TTL:       "1m",
		PID:       os.Getppid(),
		Host:      host,
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".klyve")
	l := New(dir, "alice@laptop", 0)

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
	_, err := os.Stat(l.Path())
	require.NoError(t, err)

	h, err := l.Holder()
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "alice@laptop", h.Owner)
	assert.Equal(t, os.Getpid(), h.PID)
	assert.Equal(t, DefaultTTL, h.TTLDuration())

	// re-acquiring our own lock refreshes it
	require.NoError(t, l.Acquire())

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, l.Release(), "release without a lock is a no-op")
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	writeForeign(t, dir, liveForeign())

	err := New(dir, "alice@laptop", 0).Acquire()
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeStoreLocked))
	assert.Contains(t, err.Error(), "bob@other")
}

func TestAcquire_ClaimsStaleLocks(t *testing.T) {
	t.Run("expired heartbeat", func(t *testing.T) {
		dir := t.TempDir()
		lk := liveForeign()
		lk.Heartbeat = time.Now().Add(-2 * time.Minute)
		writeForeign(t, dir, lk)
		require.NoError(t, New(dir, "alice@laptop", 0).Acquire())
	})
	t.Run("dead process", func(t *testing.T) {
		dir := t.TempDir()
		lk := liveForeign()
		lk.PID = 0
		writeForeign(t, dir, lk)
		require.NoError(t, New(dir, "alice@laptop", 0).Acquire())
	})
}

func TestReleaseAndHeartbeat_RefuseForeignLock(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "alice@laptop", 0)
	require.NoError(t, l.Acquire())
	writeForeign(t, dir, liveForeign())

	assert.True(t, kerrors.HasCode(l.Heartbeat(), kerrors.CodeStoreLocked))
	assert.True(t, kerrors.HasCode(l.Release(), kerrors.CodeStoreLocked))
	_, err := os.Stat(l.Path())
	assert.NoError(t, err, "foreign lock left in place")
}

func TestStartHeartbeat(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "alice@laptop", time.Minute)
	require.NoError(t, l.Acquire())
	first, err := l.Holder()
	require.NoError(t, err)

	stop := l.StartHeartbeat(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		h, err := l.Holder()
		return err == nil && h != nil && h.Heartbeat.After(first.Heartbeat)
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	stop()
}
