// Package scheduler drives periodic evaluation of every stored vault so that
// time-based transitions happen without any request traffic.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/guardian-recovery-vault/vault"
)

// DefaultInterval is how often vaults are evaluated when none is configured.
const DefaultInterval = time.Minute

// Evaluator evaluates every stored vault once.
type Evaluator interface {
	EvaluateAll(ctx context.Context) (vault.EvaluateSummary, error)
}

// Scheduler calls Evaluator.EvaluateAll on a fixed interval. A pass that
// is still running when the next tick fires makes that tick a no-op.
type Scheduler struct {
	evaluator Evaluator
	interval  time.Duration
	log       *slog.Logger

	running  atomic.Bool
	passes   atomic.Uint64
	lastPass atomic.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(evaluator Evaluator, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		evaluator: evaluator,
		interval:  interval,
		log:       log,
	}
}

// Start launches the evaluation loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.log.Info("Evaluation scheduler started", "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("Evaluation scheduler stopped", "passes", s.passes.Load())
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single evaluation pass. It reports false when another
// pass was already running.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("Skipping evaluation, previous pass still running")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()
	summary, err := s.evaluator.EvaluateAll(ctx)
	s.passes.Inc()
	s.lastPass.Store(start)

	switch {
	case err != nil && ctx.Err() != nil:
		s.log.Debug("Evaluation pass interrupted", "evaluated", summary.Evaluated)
	case err != nil:
		s.log.Error("Evaluation pass failed", "err", err)
	case summary.Failed > 0:
		s.log.Warn("Evaluation pass finished with failures", "evaluated", summary.Evaluated, "failed", summary.Failed, "duration", time.Since(start))
	default:
		s.log.Debug("Evaluation pass finished", "evaluated", summary.Evaluated, "duration", time.Since(start))
	}
	return true
}

// Passes returns the number of completed passes.
func (s *Scheduler) Passes() uint64 {
	return s.passes.Load()
}

// LastPass returns the start time of the most recent pass, or the zero time.
func (s *Scheduler) LastPass() time.Time {
	return s.lastPass.Load()
}
