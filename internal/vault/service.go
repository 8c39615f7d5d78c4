package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dive_service/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientVaultFunds = errors.New("insufficient vault funds")
	ErrVaultLocked            = errors.New("vault is locked")
	ErrReservationExceeded    = errors.New("payout exceeds reservation")
	ErrVaultInvariantViolated = errors.New("vault accounting invariant violated")
	ErrOverflow               = errors.New("amount overflows ledger")
)

// IsIntegrityError reports errors that mean the ledger itself can no longer
// be trusted.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrReservationExceeded) || errors.Is(err, ErrVaultInvariantViolated)
}

// ReservationSource sums the reservations of every live session on a vault.
type ReservationSource interface {
	LiveReserved(ctx context.Context, tx *gorm.DB, vaultID string) (decimal.Decimal, error)
}

// Ledger serializes every mutation of a vault row. Methods taking a tx run
// inside the caller's transaction when tx is non-nil, so a session can reserve,
// debit and insert atomically; with a nil tx they open their own.
type Ledger struct {
	db      *gorm.DB
	repo    VaultRepository
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLedger(db *gorm.DB, repo VaultRepository, log *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{db: db, repo: repo, log: log, metrics: m}
}

// CreateVault opens an empty, unlocked vault.
func (l *Ledger) CreateVault(ctx context.Context, vaultID string) (*Vault, error) {
	v := &Vault{VaultID: vaultID, Balance: decimal.Zero, TotalReserved: decimal.Zero}
	if err := l.repo.Create(ctx, v); err != nil {
		return nil, err
	}
	l.log.Info("vault created", zap.String("vault_id", vaultID))
	l.observe(v)
	return v, nil
}

// EnsureVault returns the vault, creating it when missing.
func (l *Ledger) EnsureVault(ctx context.Context, vaultID string) (*Vault, error) {
	v, err := l.repo.Get(ctx, vaultID)
	if err == nil {
		l.observe(v)
		return v, nil
	}
	if !errors.Is(err, ErrVaultNotFound) {
		return nil, err
	}
	v, err = l.CreateVault(ctx, vaultID)
	if errors.Is(err, ErrVaultExists) {
		return l.repo.Get(ctx, vaultID)
	}
	return v, err
}

func (l *Ledger) Status(ctx context.Context, vaultID string) (*Status, error) {
	v, err := l.repo.Get(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	available, err := v.Available()
	if err != nil {
		l.integrity(vaultID, "status", err)
		available = decimal.Zero
	}
	return &Status{
		VaultID:       v.VaultID,
		Balance:       v.Balance,
		TotalReserved: v.TotalReserved,
		Available:     available,
		Locked:        v.Locked,
	}, nil
}

func (l *Ledger) Entries(ctx context.Context, vaultID string, limit int) ([]Entry, error) {
	return l.repo.ListEntries(ctx, vaultID, limit)
}

// Acquire takes the vault row lock inside tx ahead of a composite operation
// and refuses a locked vault.
func (l *Ledger) Acquire(ctx context.Context, tx *gorm.DB, vaultID string) (*Vault, error) {
	v, err := l.repo.GetForUpdate(ctx, tx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.Locked {
		return nil, ErrVaultLocked
	}
	return v, nil
}

// Reserve earmarks amount against the unreserved balance.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, vaultID, sessionID string, amount decimal.Decimal) (*Vault, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, tx, vaultID, func(v *Vault) (*Entry, error) {
		if v.Locked {
			return nil, ErrVaultLocked
		}
		available, err := v.Available()
		if err != nil {
			return nil, err
		}
		if available.LessThan(amount) {
			return nil, ErrInsufficientVaultFunds
		}
		reserved, err := checkedAdd(v.TotalReserved, amount)
		if err != nil {
			return nil, err
		}
		v.TotalReserved = reserved
		return &Entry{SessionID: sessionID, EntryType: EntryReserve, Amount: amount}, nil
	})
}

// Release drops a reservation. Releasing more than is reserved clamps at zero
// and is logged as an integrity problem rather than failing.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, vaultID, sessionID string, amount decimal.Decimal) (*Vault, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, tx, vaultID, func(v *Vault) (*Entry, error) {
		v.TotalReserved = l.release(v, sessionID, amount)
		return &Entry{SessionID: sessionID, EntryType: EntryRelease, Amount: amount}, nil
	})
}

// Settle releases a session's reservation and pays out of the balance in one
// step. payout may be zero (a loss) but never more than reserved.
func (l *Ledger) Settle(ctx context.Context, tx *gorm.DB, vaultID, sessionID string, reserved, payout decimal.Decimal) (*Vault, error) {
	if reserved.IsNegative() || payout.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if payout.GreaterThan(reserved) {
		l.integrity(vaultID, "reservation_exceeded", ErrReservationExceeded,
			zap.String("session_id", sessionID),
			zap.String("reserved", reserved.String()),
			zap.String("payout", payout.String()))
		if tx == nil {
			return nil, l.Guard(ctx, vaultID, ErrReservationExceeded)
		}
		return nil, ErrReservationExceeded
	}
	return l.mutate(ctx, tx, vaultID, func(v *Vault) (*Entry, error) {
		if payout.GreaterThan(v.Balance) {
			return nil, ErrInsufficientVaultFunds
		}
		v.TotalReserved = l.release(v, sessionID, reserved)
		v.Balance = v.Balance.Sub(payout)
		return &Entry{SessionID: sessionID, EntryType: EntrySettle, Amount: payout}, nil
	})
}

// Deposit adds funds. Bets are deposited with the session id set.
func (l *Ledger) Deposit(ctx context.Context, tx *gorm.DB, vaultID, sessionID string, amount decimal.Decimal) (*Vault, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entryType := EntryDeposit
	if sessionID != "" {
		entryType = EntryBet
	}
	return l.mutate(ctx, tx, vaultID, func(v *Vault) (*Entry, error) {
		balance, err := checkedAdd(v.Balance, amount)
		if err != nil {
			return nil, err
		}
		v.Balance = balance
		return &Entry{SessionID: sessionID, EntryType: entryType, Amount: amount}, nil
	})
}

// Withdraw removes funds that are not reserved.
func (l *Ledger) Withdraw(ctx context.Context, tx *gorm.DB, vaultID string, amount decimal.Decimal) (*Vault, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, tx, vaultID, func(v *Vault) (*Entry, error) {
		available, err := v.Available()
		if err != nil {
			return nil, err
		}
		if available.LessThan(amount) {
			return nil, ErrInsufficientVaultFunds
		}
		v.Balance = v.Balance.Sub(amount)
		return &Entry{EntryType: EntryWithdrawal, Amount: amount}, nil
	})
}

// SetLocked toggles the house lock. It skips the invariant check so that an
// already inconsistent vault can still be locked.
func (l *Ledger) SetLocked(ctx context.Context, vaultID string, locked bool) (*Vault, error) {
	var v *Vault
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		v, err = l.repo.GetForUpdate(ctx, tx, vaultID)
		if err != nil {
			return err
		}
		v.Locked = locked
		if err := l.repo.Save(ctx, tx, v); err != nil {
			return err
		}
		return l.repo.CreateEntry(ctx, tx, &Entry{
			VaultID:       vaultID,
			EntryType:     EntryLock,
			Amount:        decimal.Zero,
			BalanceAfter:  v.Balance,
			ReservedAfter: v.TotalReserved,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set vault lock: %w", err)
	}
	l.log.Warn("vault lock changed", zap.String("vault_id", vaultID), zap.Bool("locked", locked))
	return v, nil
}

// Guard locks the vault when err is an integrity error and returns err
// unchanged. It opens its own transaction, so call it only after the
// transaction that produced err has finished.
func (l *Ledger) Guard(ctx context.Context, vaultID string, err error) error {
	if !IsIntegrityError(err) {
		return err
	}
	if _, lockErr := l.SetLocked(ctx, vaultID, true); lockErr != nil {
		l.log.Error("failed to lock vault after integrity error",
			zap.String("vault_id", vaultID), zap.Error(lockErr))
	}
	return err
}

// Drift compares the stored reservation total with the live sessions' sum.
func (l *Ledger) Drift(ctx context.Context, vaultID string, src ReservationSource) (decimal.Decimal, error) {
	v, err := l.repo.Get(ctx, vaultID)
	if err != nil {
		return decimal.Zero, err
	}
	live, err := src.LiveReserved(ctx, l.db.WithContext(ctx), vaultID)
	if err != nil {
		return decimal.Zero, err
	}
	drift := v.TotalReserved.Sub(live)
	if l.metrics != nil {
		l.metrics.ReservedDrift.WithLabelValues(vaultID).Set(drift.InexactFloat64())
	}
	return drift, nil
}

// Reconcile overwrites TotalReserved with the sum of the live sessions'
// reservations. When that sum exceeds the balance the stored value is left
// alone, the vault is locked and ErrVaultInvariantViolated is returned.
func (l *Ledger) Reconcile(ctx context.Context, vaultID string, src ReservationSource) (*ReconcileReport, error) {
	var report ReconcileReport
	var insolvent bool

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := l.repo.GetForUpdate(ctx, tx, vaultID)
		if err != nil {
			return err
		}
		live, err := src.LiveReserved(ctx, tx, vaultID)
		if err != nil {
			return err
		}

		report = ReconcileReport{
			VaultID:    vaultID,
			Previous:   v.TotalReserved,
			Recomputed: live,
			Drift:      v.TotalReserved.Sub(live),
			Balance:    v.Balance,
		}

		entry := &Entry{VaultID: vaultID, EntryType: EntryReconcile, Amount: live}
		if live.GreaterThan(v.Balance) {
			insolvent = true
			v.Locked = true
		} else {
			v.TotalReserved = live
		}
		report.Locked = v.Locked

		if err := l.repo.Save(ctx, tx, v); err != nil {
			return err
		}
		entry.BalanceAfter = v.Balance
		entry.ReservedAfter = v.TotalReserved
		if err := l.repo.CreateEntry(ctx, tx, entry); err != nil {
			return err
		}
		l.observe(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile vault: %w", err)
	}

	if insolvent {
		l.integrity(vaultID, "reconcile_insolvent", ErrVaultInvariantViolated,
			zap.String("live_reserved", report.Recomputed.String()),
			zap.String("balance", report.Balance.String()))
		return &report, ErrVaultInvariantViolated
	}

	if !report.Drift.IsZero() {
		l.log.Warn("vault reservation drift repaired",
			zap.String("vault_id", vaultID),
			zap.String("previous", report.Previous.String()),
			zap.String("recomputed", report.Recomputed.String()))
	}
	return &report, nil
}

// release subtracts amount from the reservation, clamping at zero.
func (l *Ledger) release(v *Vault, sessionID string, amount decimal.Decimal) decimal.Decimal {
	next, clamped := saturatingSub(v.TotalReserved, amount)
	if clamped {
		l.integrity(v.VaultID, "over_release", errors.New("release exceeds reservation"),
			zap.String("session_id", sessionID),
			zap.String("reserved", v.TotalReserved.String()),
			zap.String("amount", amount.String()))
	}
	return next
}

// mutate locks the vault row, applies fn, checks the invariant, saves and
// appends the audit entry. Optimistic lock conflicts are retried only when the
// ledger owns the transaction.
func (l *Ledger) mutate(ctx context.Context, tx *gorm.DB, vaultID string, fn func(v *Vault) (*Entry, error)) (*Vault, error) {
	var out *Vault
	apply := func(tx *gorm.DB) error {
		v, err := l.repo.GetForUpdate(ctx, tx, vaultID)
		if err != nil {
			return err
		}
		entry, err := fn(v)
		if err != nil {
			return err
		}
		if v.TotalReserved.GreaterThan(v.Balance) || v.TotalReserved.IsNegative() {
			l.integrity(vaultID, "invariant", ErrVaultInvariantViolated,
				zap.String("balance", v.Balance.String()),
				zap.String("total_reserved", v.TotalReserved.String()))
			return ErrVaultInvariantViolated
		}
		if err := l.repo.Save(ctx, tx, v); err != nil {
			return err
		}
		entry.VaultID = vaultID
		entry.BalanceAfter = v.Balance
		entry.ReservedAfter = v.TotalReserved
		if err := l.repo.CreateEntry(ctx, tx, entry); err != nil {
			return err
		}
		out = v
		return nil
	}

	if tx != nil {
		if err := apply(tx); err != nil {
			return nil, err
		}
		l.observe(out)
		return out, nil
	}

	var err error
	for i := 0; i < MaxRetries; i++ {
		err = l.db.WithContext(ctx).Transaction(apply)
		if err == nil {
			l.observe(out)
			return out, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		break
	}
	return nil, l.Guard(ctx, vaultID, err)
}

func (l *Ledger) integrity(vaultID, kind string, err error, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("vault_id", vaultID), zap.String("kind", kind), zap.Error(err)}, fields...)
	l.log.Error("vault integrity error", fields...)
	if l.metrics != nil {
		l.metrics.IntegrityErrors.WithLabelValues(kind).Inc()
	}
}

func (l *Ledger) observe(v *Vault) {
	if l.metrics == nil || v == nil {
		return
	}
	l.metrics.VaultBalance.WithLabelValues(v.VaultID).Set(v.Balance.InexactFloat64())
	l.metrics.VaultReserved.WithLabelValues(v.VaultID).Set(v.TotalReserved.InexactFloat64())
}
