package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dive_service/internal/events"
	"dive_service/internal/game"
	"dive_service/internal/metrics"
	"dive_service/internal/rng"
	"dive_service/internal/store"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testVault = "house"

type fixture struct {
	m       *Manager
	db      *gorm.DB
	ledger  *vault.Ledger
	wallets *wallet.Service
	configs game.ConfigRepository
	cfg     game.GameConfig
	src     *rng.Scripted
	hub     *events.Hub
	metrics *metrics.Metrics
	clock   time.Time
}

func setUp(t *testing.T, cfg game.GameConfig, vaultBalance int64) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenMemory(
		&game.GameConfig{},
		&vault.Vault{}, &vault.Entry{},
		&wallet.Wallet{}, &wallet.Transaction{},
		&GameSession{},
	)
	require.NoError(t, err)

	configs := game.NewConfigRepository(db)
	published, err := configs.Publish(ctx, cfg)
	require.NoError(t, err)

	mtr := metrics.New()
	ledger := vault.NewLedger(db, vault.NewVaultRepository(db), zap.NewNop(), mtr)
	_, err = ledger.CreateVault(ctx, testVault)
	require.NoError(t, err)
	if vaultBalance > 0 {
		_, err = ledger.Deposit(ctx, nil, testVault, "", decimal.NewFromInt(vaultBalance))
		require.NoError(t, err)
	}

	f := &fixture{
		db:      db,
		ledger:  ledger,
		wallets: wallet.NewService(wallet.NewWalletRepositoryImpl(db), zap.NewNop()),
		configs: configs,
		cfg:     *published,
		src:     rng.NewScripted(),
		hub:     events.NewHub(),
		metrics: mtr,
		clock:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.m = NewManager(Deps{
		DB:      db,
		Repo:    NewSessionRepository(db),
		Configs: configs,
		Vault:   ledger,
		Wallets: f.wallets,
		Source:  f.src,
		Events:  f.hub,
		Log:     zap.NewNop(),
		Metrics: mtr,
		VaultID: testVault,
		Now:     func() time.Time { return f.clock },
	})
	return f
}

// withSource returns a manager over the fixture's stores drawing from src.
func (f *fixture) withSource(src rng.Source) *Manager {
	return NewManager(Deps{
		DB:      f.db,
		Repo:    NewSessionRepository(f.db),
		Configs: f.configs,
		Vault:   f.ledger,
		Wallets: f.wallets,
		Source:  src,
		Events:  f.hub,
		Log:     zap.NewNop(),
		Metrics: f.metrics,
		VaultID: testVault,
		Now:     func() time.Time { return f.clock },
	})
}

func (f *fixture) fund(t *testing.T, playerID string, amount int64) {
	t.Helper()
	_, err := f.wallets.ProcessTransaction(context.Background(), wallet.TransactionRequest{
		PlayerID:        playerID,
		TransactionType: wallet.TypeDeposit,
		Amount:          decimal.NewFromInt(amount),
		ReferenceID:     uuid.NewString(),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, playerID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetBalance(context.Background(), playerID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) vaultStatus(t *testing.T) *vault.Status {
	t.Helper()
	st, err := f.ledger.Status(context.Background(), testVault)
	require.NoError(t, err)
	return st
}

func flatConfig() game.GameConfig {
	cfg := game.DefaultConfig()
	cfg.BaseSurvivalProbability = 0.95
	cfg.TreasureMultiplierNum = 1
	cfg.TreasureMultiplierDen = 1
	return cfg
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStartSessionReservesAndDebits(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "alice", 100)
	updates := f.hub.Subscribe("alice")

	s, err := f.m.StartSession(context.Background(), "alice", dec("10"))
	require.NoError(t, err)

	reserve := game.ReserveFor(dec("10"), f.cfg)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, 0, s.RoundNumber)
	assert.Equal(t, f.cfg.Version, s.ConfigVersion)
	assert.True(t, dec("10").Equal(s.CurrentStake))
	assert.True(t, reserve.Equal(s.ReservedAmount))
	assert.True(t, s.ReservedAmount.GreaterThan(s.BetAmount))

	assert.True(t, dec("90").Equal(f.balance(t, "alice")))
	st := f.vaultStatus(t)
	assert.True(t, dec("10010").Equal(st.Balance), "bet is deposited into the vault")
	assert.True(t, reserve.Equal(st.TotalReserved))

	select {
	case e := <-updates:
		assert.Equal(t, events.SessionStarted, e.Type)
		assert.Equal(t, s.SessionID, e.SessionID)
	default:
		t.Fatal("no session.started event")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsStarted))
}

func TestStartSessionValidation(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	ctx := context.Background()

	_, err := f.m.StartSession(ctx, "", dec("10"))
	assert.ErrorIs(t, err, ErrInvalidPlayer)
	_, err = f.m.StartSession(ctx, "nobody", dec("10"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)

	f.fund(t, "bob", 50)
	_, err = f.m.StartSession(ctx, "bob", dec("0.5"))
	assert.ErrorIs(t, err, wallet.ErrBetTooSmall)
	_, err = f.m.StartSession(ctx, "bob", dec("1000.01"))
	assert.ErrorIs(t, err, wallet.ErrBetTooLarge)
	_, err = f.m.StartSession(ctx, "bob", dec("51"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)

	st := f.vaultStatus(t)
	assert.True(t, dec("10000").Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())
	assert.True(t, dec("50").Equal(f.balance(t, "bob")))
}

func TestStartSessionNeedsVaultCover(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 100)
	f.fund(t, "carol", 100)

	_, err := f.m.StartSession(context.Background(), "carol", dec("10"))
	require.ErrorIs(t, err, vault.ErrInsufficientVaultFunds)

	assert.True(t, dec("100").Equal(f.balance(t, "carol")), "wallet debit rolled back")
	st := f.vaultStatus(t)
	assert.True(t, dec("100").Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())
}

func TestLockedVaultBlocksNewSessionsOnly(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "dave", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "dave", dec("10"))
	require.NoError(t, err)

	_, err = f.ledger.SetLocked(ctx, testVault, true)
	require.NoError(t, err)

	f.fund(t, "erin", 100)
	_, err = f.m.StartSession(ctx, "erin", dec("10"))
	assert.ErrorIs(t, err, vault.ErrVaultLocked)

	res, err := f.m.CashOut(ctx, s.SessionID, s.CurrentStake)
	require.NoError(t, err, "cash-out stays open while the house is locked")
	assert.True(t, dec("10").Equal(res.SettledAmount))
}

func TestOneActiveSessionPerPlayer(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 100000)
	f.fund(t, "frank", 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0
	failCount := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.StartSession(context.Background(), "frank", dec("10"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrSessionAlreadyActive)
				failCount++
			} else {
				successCount++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successCount, "successCount")
	require.Equal(t, 9, failCount, "failCount")
	assert.True(t, dec("990").Equal(f.balance(t, "frank")))

	active, err := f.m.ActiveFor(context.Background(), "frank")
	require.NoError(t, err)
	live, err := f.m.LiveReservations(context.Background())
	require.NoError(t, err)
	assert.True(t, active.ReservedAmount.Equal(live))
	assert.True(t, live.Equal(f.vaultStatus(t).TotalReserved))
}

func TestWinThenCashOut(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "grace", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "grace", dec("10"))
	require.NoError(t, err)

	f.src.Push(0, 0.5)
	first, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, first.Survived)
	assert.Equal(t, 1, first.RoundNumber)
	assert.InDelta(t, 0.90, first.Probability, 1e-12)
	assert.Greater(t, first.Multiplier, 1.0)
	assert.InDelta(t, 0.95, first.Probability*first.Multiplier, 1e-12)
	assert.True(t, dec("10.55").Equal(first.NewStake))

	second, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, second.Survived)
	assert.Equal(t, 2, second.RoundNumber)
	assert.Less(t, second.Probability, first.Probability)
	expected := game.Grow(first.NewStake, second.Multiplier, s.ReservedAmount)
	assert.True(t, expected.Equal(second.NewStake))

	res, err := f.m.CashOut(ctx, s.SessionID, second.NewStake)
	require.NoError(t, err)
	assert.True(t, expected.Equal(res.SettledAmount))
	assert.True(t, expected.Sub(dec("10")).Equal(res.Profit))

	assert.True(t, dec("90").Add(expected).Equal(f.balance(t, "grace")))
	st := f.vaultStatus(t)
	assert.True(t, dec("10010").Sub(expected).Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())

	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCashedOut, got.Status)
	assert.True(t, expected.Equal(got.PayoutAmount))
	assert.NotNil(t, got.SettledAt)

	_, err = f.m.Dive(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = f.m.CashOut(ctx, s.SessionID, expected)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestLossSettlesWithZeroPayout(t *testing.T) {
	f := setUp(t, flatConfig(), 10000)
	f.fund(t, "heidi", 100)
	ctx := context.Background()
	updates := f.hub.Subscribe("heidi")

	s, err := f.m.StartSession(ctx, "heidi", dec("10"))
	require.NoError(t, err)
	<-updates

	// a draw equal to the survival probability fails
	f.src.Push(0.95)
	res, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	assert.False(t, res.Survived)
	assert.Equal(t, StatusLost, res.Status)
	assert.True(t, res.NewStake.IsZero())
	assert.InDelta(t, 1.0, res.Multiplier, 1e-12)

	assert.True(t, dec("90").Equal(f.balance(t, "heidi")))
	st := f.vaultStatus(t)
	assert.True(t, dec("10010").Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())

	assert.Equal(t, events.RoundResolved, (<-updates).Type)
	settled := <-updates
	assert.Equal(t, events.SessionSettled, settled.Type)
	assert.Equal(t, StatusLost, settled.Status)

	_, err = f.m.CashOut(ctx, s.SessionID, decimal.Zero)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsClosed.WithLabelValues(StatusLost)))
}

func TestCashOutAtRoundZero(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "ivan", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "ivan", dec("25"))
	require.NoError(t, err)
	res, err := f.m.CashOut(ctx, s.SessionID, dec("25.00"))
	require.NoError(t, err)
	assert.True(t, res.Profit.IsZero())
	assert.True(t, dec("100").Equal(f.balance(t, "ivan")))
	assert.True(t, dec("10000").Equal(f.vaultStatus(t).Balance))
}

func TestTamperedClaimIsRejected(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "judy", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "judy", dec("10"))
	require.NoError(t, err)
	f.src.Push(0)
	dive, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)

	before := f.vaultStatus(t)
	for _, claim := range []decimal.Decimal{dive.NewStake.Add(dec("0.01")), dec("1000"), decimal.Zero, dec("-10.55")} {
		_, err = f.m.CashOut(ctx, s.SessionID, claim)
		assert.ErrorIs(t, err, ErrStakeMismatch, "claim %s", claim)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.IntegrityErrors.WithLabelValues("stake_mismatch")))

	after := f.vaultStatus(t)
	assert.True(t, before.Balance.Equal(after.Balance))
	assert.True(t, before.TotalReserved.Equal(after.TotalReserved))
	assert.True(t, dec("90").Equal(f.balance(t, "judy")))

	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "a rejected claim leaves the session playable")

	_, err = f.m.CashOut(ctx, s.SessionID, dive.NewStake)
	assert.NoError(t, err)
}

func TestNoDoubleSettlement(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "kate", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "kate", dec("10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.CashOut(ctx, s.SessionID, dec("10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successCount++
				return
			}
			assert.True(t, errorIsAny(err, ErrSessionBusy, ErrSessionNotActive), "unexpected %v", err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successCount)
	assert.True(t, dec("100").Equal(f.balance(t, "kate")))
	st := f.vaultStatus(t)
	assert.True(t, dec("10000").Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())
}

func TestBusySessionIsRejected(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "leo", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "leo", dec("10"))
	require.NoError(t, err)

	require.True(t, f.m.busy.acquire(s.SessionID))
	_, err = f.m.Dive(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = f.m.CashOut(ctx, s.SessionID, dec("10"))
	assert.ErrorIs(t, err, ErrSessionBusy)
	f.m.busy.release(s.SessionID)

	f.src.Push(0)
	_, err = f.m.Dive(ctx, s.SessionID)
	assert.NoError(t, err)
}

func TestSurvivingFinalRoundEndsSession(t *testing.T) {
	cfg := game.DefaultConfig()
	cfg.MaxRounds = 2
	f := setUp(t, cfg, 10000)
	f.fund(t, "mia", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "mia", dec("10"))
	require.NoError(t, err)
	f.src.Push(0, 0, 0)
	first, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, first.Status)

	last, err := f.m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, last.Survived)
	assert.Equal(t, 2, last.RoundNumber)
	assert.Equal(t, StatusLost, last.Status)
	assert.True(t, last.NewStake.IsZero())

	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusLost, got.Status)
	assert.True(t, got.PayoutAmount.IsZero())
	assert.NotNil(t, got.SettledAt)

	_, err = f.m.Dive(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = f.m.CashOut(ctx, s.SessionID, first.NewStake)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	assert.True(t, dec("90").Equal(f.balance(t, "mia")))
	st := f.vaultStatus(t)
	assert.True(t, st.TotalReserved.IsZero())
	assert.True(t, dec("10010").Equal(st.Balance))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsClosed.WithLabelValues(StatusLost)))
}

// cancellingSource cancels the caller's context while drawing.
type cancellingSource struct {
	cancel context.CancelFunc
	draw   float64
}

func (c cancellingSource) Draw() (float64, error) {
	c.cancel()
	return c.draw, nil
}

func TestDrawnOutcomeSurvivesCancelledCaller(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "nora", 100)

	s, err := f.m.StartSession(context.Background(), "nora", dec("10"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := f.withSource(cancellingSource{cancel: cancel, draw: 0.999})

	res, err := m.Dive(ctx, s.SessionID)
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, res.Survived)
	assert.Equal(t, StatusLost, res.Status)

	got, err := f.m.Get(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusLost, got.Status)
	assert.Equal(t, 1, got.RoundNumber)

	f.src.Push(0)
	_, err = f.m.Dive(context.Background(), s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.True(t, f.vaultStatus(t).TotalReserved.IsZero())
}

func TestTransactRetriesOptimisticLock(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 0)
	ctx := context.Background()

	attempts := 0
	err := f.m.transact(ctx, func(tx *gorm.DB) error {
		attempts++
		if attempts < MaxRetries {
			return vault.ErrOptimisticLock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, MaxRetries, attempts)

	attempts = 0
	err = f.m.transact(ctx, func(tx *gorm.DB) error {
		attempts++
		return wallet.ErrOptimisticLock
	})
	assert.ErrorIs(t, err, wallet.ErrOptimisticLock)
	assert.Equal(t, MaxRetries, attempts)

	attempts = 0
	err = f.m.transact(ctx, func(tx *gorm.DB) error {
		attempts++
		return ErrSessionBusy
	})
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, 1, attempts)
}

func TestStakeNeverExceedsReservation(t *testing.T) {
	cfg := game.DefaultConfig()
	cfg.ReservationRounds = 1
	cfg.MaxRounds = 5
	f := setUp(t, cfg, 10000)
	f.fund(t, "nick", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "nick", dec("10"))
	require.NoError(t, err)
	f.src.Push(0, 0, 0)
	for i := 0; i < 3; i++ {
		res, err := f.m.Dive(ctx, s.SessionID)
		require.NoError(t, err)
		assert.True(t, res.NewStake.LessThanOrEqual(s.ReservedAmount))
	}
	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, s.ReservedAmount.Equal(got.CurrentStake))
}

func TestDrawFailureLeavesSessionUntouched(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "olga", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "olga", dec("10"))
	require.NoError(t, err)

	_, err = f.m.Dive(ctx, s.SessionID)
	require.ErrorIs(t, err, rng.ErrExhausted)

	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RoundNumber)
	assert.True(t, dec("10").Equal(got.CurrentStake))
}

func TestExpireStaleReleasesReservation(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "paul", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "paul", dec("10"))
	require.NoError(t, err)

	n, err := f.m.ExpireStale(ctx, f.clock.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.m.ExpireStale(ctx, f.clock.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.True(t, got.PayoutAmount.IsZero())

	st := f.vaultStatus(t)
	assert.True(t, dec("10010").Equal(st.Balance))
	assert.True(t, st.TotalReserved.IsZero())

	_, err = f.m.Dive(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// the player can start again once the old session is gone
	_, err = f.m.StartSession(ctx, "paul", dec("10"))
	assert.NoError(t, err)
}

func TestAdministrativeExpire(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "quinn", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "quinn", dec("10"))
	require.NoError(t, err)

	got, err := f.m.Expire(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = f.m.Expire(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = f.m.Expire(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "rita", 100)
	f.fund(t, "sam", 100)
	ctx := context.Background()

	a, err := f.m.StartSession(ctx, "rita", dec("10"))
	require.NoError(t, err)
	b, err := f.m.StartSession(ctx, "sam", dec("5"))
	require.NoError(t, err)
	live := a.ReservedAmount.Add(b.ReservedAmount)

	require.NoError(t, f.db.Model(&vault.Vault{}).Where("vault_id = ?", testVault).
		Update("total_reserved", live.Add(dec("300"))).Error)

	drift, err := f.m.Drift(ctx)
	require.NoError(t, err)
	assert.True(t, dec("300").Equal(drift))

	report, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, live.Equal(report.Recomputed))
	assert.True(t, live.Equal(f.vaultStatus(t).TotalReserved))

	drift, err = f.m.Drift(ctx)
	require.NoError(t, err)
	assert.True(t, drift.IsZero())
}

func TestPayoutAboveReservationLocksVault(t *testing.T) {
	f := setUp(t, game.DefaultConfig(), 10000)
	f.fund(t, "tina", 100)
	ctx := context.Background()

	s, err := f.m.StartSession(ctx, "tina", dec("10"))
	require.NoError(t, err)

	inflated := s.ReservedAmount.Add(dec("1"))
	require.NoError(t, f.db.Model(&GameSession{}).Where("session_id = ?", s.SessionID).
		Update("current_stake", inflated).Error)

	_, err = f.m.CashOut(ctx, s.SessionID, inflated)
	require.ErrorIs(t, err, vault.ErrReservationExceeded)

	assert.True(t, f.vaultStatus(t).Locked)
	assert.True(t, dec("90").Equal(f.balance(t, "tina")))
	got, err := f.m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
