// Package scheduler runs ingestion cycles on a fixed interval. Cycles execute
// on the scheduler goroutine, one at a time, and can also be requested on
// demand with Trigger.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/coordinator"
)

// State describes what the scheduler is doing.
type State string

// Scheduler states.
const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// CycleRunner executes one ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (coordinator.Report, error)
}

// Config controls the loop.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Status is a snapshot for the status API.
type Status struct {
	State       State      `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	NextCycleAt *time.Time `json:"next_cycle_at,omitempty"`
	Cycles      int64      `json:"cycles"`
	Failures    int64      `json:"failures"`
	LastError   string     `json:"last_error,omitempty"`
}

// Scheduler owns the periodic loop.
type Scheduler struct {
	runner     CycleRunner
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
	now        func() time.Time
	trigger    chan struct{}

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler. A non-positive interval defaults to one hour.
func New(runner CycleRunner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		status:     Status{State: StateStopped},
	}
}

// Trigger requests a cycle as soon as the loop is free. It returns false when
// a request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	started := s.now()
	s.mu.Lock()
	s.status.State = StateIdle
	s.status.StartedAt = &started
	s.mu.Unlock()
	defer s.setState(StateStopped)

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("run_on_start", s.runOnStart),
	)
	if s.runOnStart {
		s.runOnce(ctx, "startup")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.setNext(s.now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, "interval")
			s.setNext(s.now().Add(s.interval))
		case <-s.trigger:
			s.runOnce(ctx, "manual")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	s.setState(StateRunning)
	report, err := s.runner.RunCycle(ctx)
	at := s.now()

	s.mu.Lock()
	s.status.State = StateIdle
	s.status.LastCycleAt = &at
	s.status.Cycles++
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Info("scheduled cycle finished",
			zap.String("reason", reason),
			zap.String("cycle_id", report.CycleID),
			zap.Int("new_items", report.NewItems),
		)
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduled cycle cancelled", zap.String("reason", reason))
	default:
		s.logger.Warn("scheduled cycle failed",
			zap.String("reason", reason),
			zap.String("kind", coordinator.FailureKind(err)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	if state == StateStopped {
		s.status.NextCycleAt = nil
	}
}

func (s *Scheduler) setNext(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.NextCycleAt = &at
}
