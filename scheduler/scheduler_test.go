package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ruteri/guardian-recovery-vault/vault"
)

type evaluatorFunc func(ctx context.Context) (vault.EvaluateSummary, error)

func (f evaluatorFunc) EvaluateAll(ctx context.Context) (vault.EvaluateSummary, error) {
	return f(ctx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	var calls atomic.Int64
	s := New(evaluatorFunc(func(ctx context.Context) (vault.EvaluateSummary, error) {
		calls.Inc()
		return vault.EvaluateSummary{Evaluated: 1}, nil
	}), 10*time.Millisecond, testLogger())

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
	assert.Equal(t, uint64(stopped), s.Passes())
	assert.False(t, s.LastPass().IsZero())

	// Stop is idempotent and the scheduler can be restarted.
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestRunOnceSkipsOverlappingPass(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s := New(evaluatorFunc(func(ctx context.Context) (vault.EvaluateSummary, error) {
		close(entered)
		<-release
		return vault.EvaluateSummary{}, nil
	}), time.Hour, testLogger())

	result := make(chan bool)
	go func() { result <- s.RunOnce(context.Background()) }()
	<-entered

	assert.False(t, s.RunOnce(context.Background()))
	close(release)
	assert.True(t, <-result)
	assert.Equal(t, uint64(1), s.Passes())
}

func TestRunOnceSurvivesErrors(t *testing.T) {
	s := New(evaluatorFunc(func(ctx context.Context) (vault.EvaluateSummary, error) {
		return vault.EvaluateSummary{}, errors.New("store unavailable")
	}), 0, testLogger())

	assert.Equal(t, DefaultInterval, s.interval)
	assert.True(t, s.RunOnce(context.Background()))
	assert.True(t, s.RunOnce(context.Background()))
	assert.Equal(t, uint64(2), s.Passes())
}

func TestStopCancelsInFlightPass(t *testing.T) {
	entered := make(chan struct{}, 1)
	s := New(evaluatorFunc(func(ctx context.Context) (vault.EvaluateSummary, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return vault.EvaluateSummary{}, ctx.Err()
	}), time.Hour, testLogger())

	require.NoError(t, s.Start(context.Background()))
	<-entered
	s.Stop()
	assert.Equal(t, uint64(1), s.Passes())
}
