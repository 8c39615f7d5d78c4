package jobs

import (
	"context"
	"time"

	"dive_service/internal/vault"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SessionExpirer is the part of the session manager the sweeper drives.
type SessionExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// ExpirySweeper periodically expires idle sessions so their reservations go
// back to the vault.
type ExpirySweeper struct {
	sessions SessionExpirer
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewExpirySweeper(sessions SessionExpirer, interval time.Duration, log *zap.Logger) *ExpirySweeper {
	return &ExpirySweeper{sessions: sessions, interval: interval, log: log, now: time.Now}
}

func (s *ExpirySweeper) Name() string { return "expiry_sweeper" }

func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) RunOnce(ctx context.Context) int {
	n, err := s.sessions.ExpireStale(ctx, s.now())
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Error(err))
	}
	if n > 0 {
		s.log.Info("expired idle sessions", zap.Int("count", n))
	}
	return n
}

// DriftChecker reports the difference between the vault's stored reservation
// total and the live sessions' sum.
type DriftChecker interface {
	Drift(ctx context.Context) (decimal.Decimal, error)
	Reconcile(ctx context.Context) (*vault.ReconcileReport, error)
}

// DriftMonitor watches reservation drift. With autoRepair set a non-zero
// drift triggers a reconcile.
type DriftMonitor struct {
	checker    DriftChecker
	interval   time.Duration
	autoRepair bool
	log        *zap.Logger
}

func NewDriftMonitor(checker DriftChecker, interval time.Duration, autoRepair bool, log *zap.Logger) *DriftMonitor {
	return &DriftMonitor{checker: checker, interval: interval, autoRepair: autoRepair, log: log}
}

func (d *DriftMonitor) Name() string { return "drift_monitor" }

func (d *DriftMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

func (d *DriftMonitor) RunOnce(ctx context.Context) decimal.Decimal {
	drift, err := d.checker.Drift(ctx)
	if err != nil {
		d.log.Error("drift check failed", zap.Error(err))
		return decimal.Zero
	}
	if drift.IsZero() {
		return drift
	}

	d.log.Warn("vault reservation drift", zap.String("drift", drift.String()))
	if !d.autoRepair {
		return drift
	}
	if _, err := d.checker.Reconcile(ctx); err != nil {
		d.log.Error("reconcile failed", zap.Error(err))
	}
	return drift
}
