// Package scheduler runs housekeeping jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/proddelta/internal/concurrency"

	pderrors "github.com/harunnryd/proddelta/internal/errors"

	"github.com/robfig/cron/v3"
)

// Pruner drops expired state and reports how much went.
type Pruner interface {
	Prune() (int, error)
}

// Sweeper prunes a store each time its schedule fires.
type Sweeper struct {
	name     string
	pruner   Pruner
	spec     string
	schedule cron.Schedule
	now      func() time.Time

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
	lastErr error
	removed int
}

// NewSweeper parses spec with the standard cron grammar, descriptors such
// as "@every 10m" included.
func NewSweeper(name string, pruner Pruner, spec string) (*Sweeper, error) {
	if pruner == nil {
		return nil, fmt.Errorf("sweeper %s requires a pruner", name)
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return &Sweeper{
		name:     name,
		pruner:   pruner,
		spec:     spec,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	concurrency.Go("sweeper-"+s.name, func() {
		defer close(done)
		s.run(ctx)
	}, nil)

	slog.Debug("Sweeper started", "sweeper", s.name, "schedule", s.spec)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) Health(ctx context.Context) error {
	if !s.IsRunning() {
		return pderrors.Internal("sweeper " + s.name + " not running")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr != nil {
		return fmt.Errorf("last sweep: %v: %w", s.lastErr, pderrors.ErrTransient)
	}
	return nil
}

func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Next is when the schedule fires after now.
func (s *Sweeper) Next() time.Time {
	return s.schedule.Next(s.now())
}

// RunOnce prunes immediately.
func (s *Sweeper) RunOnce() (int, error) {
	removed, err := s.pruner.Prune()

	s.mu.Lock()
	s.lastRun = s.now()
	s.lastErr = err
	s.removed += removed
	s.mu.Unlock()

	if err != nil {
		slog.Warn("Sweep failed", "sweeper", s.name, "error", err)
		return removed, err
	}
	if removed > 0 {
		slog.Debug("Swept expired entries", "sweeper", s.name, "removed", removed)
	}
	return removed, nil
}

// Removed counts entries pruned since the sweeper was built.
func (s *Sweeper) Removed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		wait := s.Next().Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce()
		}
	}
}
