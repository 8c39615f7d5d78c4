package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dive_service/internal/vault"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingJob struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Start(ctx context.Context) {
	j.started.Add(1)
	<-ctx.Done()
	j.stopped.Add(1)
}

func TestManagerRunsJobsUntilCancelled(t *testing.T) {
	m := New()
	a, b := &countingJob{}, &countingJob{}
	m.Register(a)
	m.Register(b)
	require.Len(t, m.Jobs(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.started.Load() == 1 && b.started.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, int32(1), a.stopped.Load())
	assert.Equal(t, int32(1), b.stopped.Load())
}

type fakeExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (f *fakeExpirer) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestExpirySweeperUsesClock(t *testing.T) {
	exp := &fakeExpirer{n: 3}
	s := NewExpirySweeper(exp, time.Minute, zap.NewNop())
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	assert.Equal(t, 3, s.RunOnce(context.Background()))
	require.Len(t, exp.calls, 1)
	assert.Equal(t, fixed, exp.calls[0])

	exp.err = errors.New("db down")
	exp.n = 0
	assert.Equal(t, 0, s.RunOnce(context.Background()))
}

func TestExpirySweeperTicks(t *testing.T) {
	exp := &fakeExpirer{}
	s := NewExpirySweeper(exp, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool { return exp.count() >= 2 }, time.Second, 5*time.Millisecond)
}

type fakeDrift struct {
	drift      decimal.Decimal
	reconciled int
}

func (f *fakeDrift) Drift(ctx context.Context) (decimal.Decimal, error) {
	return f.drift, nil
}

func (f *fakeDrift) Reconcile(ctx context.Context) (*vault.ReconcileReport, error) {
	f.reconciled++
	f.drift = decimal.Zero
	return &vault.ReconcileReport{}, nil
}

func TestDriftMonitorRepairsWhenEnabled(t *testing.T) {
	checker := &fakeDrift{drift: decimal.NewFromInt(300)}
	observeOnly := NewDriftMonitor(checker, time.Minute, false, zap.NewNop())
	assert.True(t, decimal.NewFromInt(300).Equal(observeOnly.RunOnce(context.Background())))
	assert.Equal(t, 0, checker.reconciled)

	repairing := NewDriftMonitor(checker, time.Minute, true, zap.NewNop())
	repairing.RunOnce(context.Background())
	assert.Equal(t, 1, checker.reconciled)

	assert.True(t, repairing.RunOnce(context.Background()).IsZero())
	assert.Equal(t, 1, checker.reconciled)
}
