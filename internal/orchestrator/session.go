package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/randalmurphal/klyve/internal/config"
	"github.com/randalmurphal/klyve/internal/db"
	"github.com/randalmurphal/klyve/internal/lock"
	"github.com/randalmurphal/klyve/internal/runner"
)

// Session is an orchestrator bound to a locked store directory. It owns
// the store connection, the lock heartbeat and, unless one was supplied,
// the background runner.
type Session struct {
	*Orchestrator

	store     *db.ProjectDB
	lock      *lock.StoreLock
	stopHB    func()
	ownRunner bool
}

// Open locks projectDir/.klyve, opens the configured store and builds an
// orchestrator over it. A store held by a live process fails with
// STORE_LOCKED.
func Open(ctx context.Context, projectDir string, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	storeDir := filepath.Join(projectDir, config.KlyveDir)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Session{lock: lock.New(storeDir, lock.DefaultOwner(), cfg.Lock.TTL)}
	if err := s.lock.Acquire(); err != nil {
		return nil, err
	}
	s.stopHB = s.lock.StartHeartbeat(context.WithoutCancel(ctx), cfg.Lock.TTL/3)

	store, err := db.OpenProjectWithConfig(ctx, cfg.DriverConfig(projectDir))
	if err != nil {
		_ = s.release()
		return nil, err
	}
	s.store = store

	o, err := New(ctx, Context{Store: store, Config: cfg, StoreDir: storeDir}, opts...)
	if err != nil {
		_ = store.Close()
		_ = s.release()
		return nil, err
	}
	if o.runner == nil {
		o.runner = runner.New(
			runner.WithWorkers(cfg.Runner.Workers),
			runner.WithProgressBuffer(cfg.Runner.ProgressBuffer),
			runner.WithLogger(o.logger),
			runner.WithPublisher(o.publisher),
		)
		s.ownRunner = true
	}
	s.Orchestrator = o
	o.logger.Debug("session opened", "store", storeDir, "dialect", cfg.Database.Dialect)
	return s, nil
}

// Close stops background work, closes the store and releases the lock.
// Running tasks get until ctx expires to finish their current step.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.ownRunner {
		if err := s.runner.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop runner: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) release() error {
	if s.stopHB != nil {
		s.stopHB()
		s.stopHB = nil
	}
	return s.lock.Release()
}
