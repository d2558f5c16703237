// Package lock enforces a single writer per store directory. The holder
// writes a YAML lock file with its owner, PID and heartbeat; another process
// may claim the lock only after the heartbeat goes stale or the holder's
// process is gone.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// LockFileName is the name of the lock file in the store directory.
const LockFileName = "lock.yaml"

// DefaultTTL is the default time-to-live for locks.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// Lock represents the on-disk lock state.
type Lock struct {
	Owner     string    `yaml:"owner"`     // user@machine identifier
	Acquired  time.Time `yaml:"acquired"`  // when lock was acquired
	Heartbeat time.Time `yaml:"heartbeat"` // last heartbeat update
	TTL       string    `yaml:"ttl"`       // time-to-live as duration string
	PID       int       `yaml:"pid"`       // process ID of lock holder
	Host      string    `yaml:"host"`
}

// TTLDuration parses the TTL string and returns a time.Duration.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale returns true if the heartbeat is older than the TTL, or if the
// holder ran on this host and its process no longer exists.
func (l *Lock) IsStale() bool {
	if timeNow().Sub(l.Heartbeat) > l.TTLDuration() {
		return true
	}
	if host, _ := os.Hostname(); host != "" && host == l.Host {
		return !processExists(l.PID)
	}
	return false
}

var timeNow = time.Now

// StoreLock guards one store directory.
type StoreLock struct {
	dir   string
	owner string
	ttl   time.Duration
	mu    sync.Mutex
	held  bool
}

// New creates a StoreLock for dir. A non-positive ttl uses DefaultTTL.
func New(dir, owner string, ttl time.Duration) *StoreLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if owner == "" {
		owner = DefaultOwner()
	}
	return &StoreLock{dir: dir, owner: owner, ttl: ttl}
}

// DefaultOwner returns user@host for the current process.
func DefaultOwner() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

// Path returns the lock file path.
func (l *StoreLock) Path() string {
	return filepath.Join(l.dir, LockFileName)
}

func (l *StoreLock) read() (*Lock, error) {
	data, err := os.ReadFile(l.Path())
	if err != nil {
		return nil, err
	}
	var lk Lock
	if err := yaml.Unmarshal(data, &lk); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lk, nil
}

// write replaces the lock file atomically.
func (l *StoreLock) write(lk *Lock) error {
	data, err := yaml.Marshal(lk)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	tmp := l.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmp, l.Path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

func (l *StoreLock) mine(lk *Lock) bool {
	return lk.Owner == l.owner && lk.PID == os.Getpid()
}

// Acquire takes the lock, claiming it if the previous holder is stale.
// A live lock held by another process returns a STORE_LOCKED error.
func (l *StoreLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	existing, err := l.read()
	switch {
	case err == nil:
		if !existing.IsStale() && !l.mine(existing) {
			return kerrors.ErrStoreLocked(existing.Owner, existing.PID)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read lock: %w", err)
	}

	now := timeNow().UTC()
	host, _ := os.Hostname()
	lk := &Lock{
		Owner:     l.owner,
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
		PID:       os.Getpid(),
		Host:      host,
	}
	if err := l.write(lk); err != nil {
		return err
	}
	l.held = true
	return nil
}

// Release removes the lock if this process holds it.
func (l *StoreLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		l.held = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !l.mine(existing) {
		l.held = false
		return kerrors.ErrStoreLocked(existing.Owner, existing.PID)
	}
	if err := os.Remove(l.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.held = false
	return nil
}

// Heartbeat refreshes the heartbeat of a held lock.
func (l *StoreLock) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !l.mine(existing) {
		l.held = false
		return kerrors.ErrStoreLocked(existing.Owner, existing.PID)
	}
	existing.Heartbeat = timeNow().UTC()
	return l.write(existing)
}

// Holder returns the current live holder, or nil when the lock is free or
// stale.
func (l *StoreLock) Holder() (*Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if lk.IsStale() {
		return nil, nil
	}
	return lk, nil
}

// Held reports whether this StoreLock believes it holds the lock.
func (l *StoreLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// StartHeartbeat refreshes the lock every interval until ctx is done or the
// returned stop function is called. Heartbeat errors are ignored; the lock
// goes stale if they persist.
func (l *StoreLock) StartHeartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_ = l.Heartbeat()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
		wg.Wait()
	}
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. We need to send signal 0 to check.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
