package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dive_service/internal/events"
	"dive_service/internal/game"
	"dive_service/internal/metrics"
	"dive_service/internal/rng"
	"dive_service/internal/vault"
	"dive_service/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session is not active")
	ErrSessionAlreadyActive = errors.New("player already has an active session")
	ErrSessionBusy          = errors.New("session is busy")
	ErrStakeMismatch        = errors.New("claimed amount does not match stake")
	ErrMaxRoundsReached     = errors.New("maximum rounds reached")
	ErrInvalidPlayer        = errors.New("player id is required")
)

type Deps struct {
	DB      *gorm.DB
	Repo    SessionRepository
	Configs game.ConfigRepository
	Vault   *vault.Ledger
	Wallets wallet.WalletService
	Source  rng.Source
	Events  events.Publisher
	Log     *zap.Logger
	Metrics *metrics.Metrics
	VaultID string
	Now     func() time.Time
}

// Manager runs the session state machine. Every transition commits the
// session row, the vault and the wallet in one database transaction, locking
// them in that order.
type Manager struct {
	db      *gorm.DB
	repo    SessionRepository
	configs game.ConfigRepository
	vault   *vault.Ledger
	wallets wallet.WalletService
	source  rng.Source
	events  events.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	vaultID string
	now     func() time.Time

	busy busyGuard
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		db:      d.DB,
		repo:    d.Repo,
		configs: d.Configs,
		vault:   d.Vault,
		wallets: d.Wallets,
		source:  d.Source,
		events:  d.Events,
		log:     d.Log,
		metrics: d.Metrics,
		vaultID: d.VaultID,
		now:     d.Now,
		busy:    busyGuard{held: make(map[string]struct{})},
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) VaultID() string {
	return m.vaultID
}

// StartSession takes the bet from the wallet, deposits it into the vault and
// reserves the worst-case payout against it.
func (m *Manager) StartSession(ctx context.Context, playerID string, bet decimal.Decimal) (*GameSession, error) {
	if playerID == "" {
		return nil, ErrInvalidPlayer
	}
	cfg, err := m.configs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	bet = game.Money(bet)
	if err := wallet.ValidateBet(bet, *cfg); err != nil {
		return nil, err
	}
	reserve := game.ReserveFor(bet, *cfg)

	var s *GameSession
	for i := 0; i < MaxRetries; i++ {
		now := m.now()
		s = &GameSession{
			SessionID:      uuid.NewString(),
			PlayerID:       playerID,
			VaultID:        m.vaultID,
			ConfigVersion:  cfg.Version,
			BetAmount:      bet,
			ReservedAmount: reserve,
			RoundNumber:    0,
			CurrentStake:   bet,
			Status:         StatusActive,
			PayoutAmount:   decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := m.vault.Acquire(ctx, tx, m.vaultID); err != nil {
				return err
			}
			if _, err := m.wallets.Lock(ctx, tx, playerID); err != nil {
				return err
			}
			if _, err := m.repo.ActiveFor(ctx, tx, playerID); err == nil {
				return ErrSessionAlreadyActive
			} else if !errors.Is(err, ErrSessionNotFound) {
				return err
			}
			if _, err := m.vault.Deposit(ctx, tx, m.vaultID, s.SessionID, bet); err != nil {
				return err
			}
			if _, err := m.vault.Reserve(ctx, tx, m.vaultID, s.SessionID, reserve); err != nil {
				return err
			}
			if _, err := m.wallets.ValidateAndDebit(ctx, tx, playerID, bet, *cfg, s.SessionID); err != nil {
				return err
			}
			return m.repo.Create(ctx, tx, s)
		})
		if err == nil || !retryable(err) {
			break
		}
		time.Sleep(RetryDelay)
	}
	if err != nil {
		return nil, m.vault.Guard(ctx, m.vaultID, err)
	}

	m.log.Info("session started",
		zap.String("session_id", s.SessionID),
		zap.String("player_id", playerID),
		zap.String("bet", bet.String()),
		zap.String("reserved", reserve.String()),
		zap.Int("config_version", cfg.Version))
	if m.metrics != nil {
		m.metrics.SessionsStarted.Inc()
	}
	m.publish(ctx, events.SessionStarted, s, nil)
	return s, nil
}

// Dive plays the next round. A failed round loses the stake and settles the
// session with a zero payout in the same transaction. Surviving the round
// that reaches MaxRounds ends the session the same way.
func (m *Manager) Dive(ctx context.Context, sessionID string) (*DiveResult, error) {
	if !m.busy.acquire(sessionID) {
		return nil, ErrSessionBusy
	}
	defer m.busy.release(sessionID)

	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, ErrSessionNotActive
	}
	cfg, err := m.configs.Get(ctx, s.ConfigVersion)
	if err != nil {
		return nil, err
	}
	if s.RoundNumber >= cfg.MaxRounds {
		return nil, ErrMaxRoundsReached
	}

	odds := game.OddsFor(s.RoundNumber+1, *cfg)
	x, err := m.source.Draw()
	if err != nil {
		return nil, fmt.Errorf("failed to draw round outcome: %w", err)
	}
	survived := rng.Survives(x, odds.Probability)

	// The drawn outcome commits even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	prevRound := s.RoundNumber
	now := m.now()
	s.RoundNumber = odds.Round
	s.UpdatedAt = now
	capped := false
	if survived {
		s.CurrentStake = game.Grow(s.CurrentStake, odds.Multiplier, s.ReservedAmount)
		capped = s.RoundNumber >= cfg.MaxRounds
	}
	if !survived || capped {
		s.CurrentStake = decimal.Zero
		s.Status = StatusLost
		s.PayoutAmount = decimal.Zero
		s.SettledAt = &now
	}

	err = m.transact(ctx, func(tx *gorm.DB) error {
		if err := m.lockActive(ctx, tx, sessionID, prevRound); err != nil {
			return err
		}
		if !s.Active() {
			if _, err := m.vault.Settle(ctx, tx, s.VaultID, s.SessionID, s.ReservedAmount, decimal.Zero); err != nil {
				return err
			}
		}
		return m.update(ctx, tx, s, prevRound)
	})
	if err != nil {
		return nil, m.vault.Guard(ctx, s.VaultID, err)
	}

	outcome := "survived"
	if !survived {
		outcome = "failed"
	}
	m.log.Info("round resolved",
		zap.String("session_id", s.SessionID),
		zap.String("player_id", s.PlayerID),
		zap.Int("round", s.RoundNumber),
		zap.String("outcome", outcome),
		zap.Float64("probability", odds.Probability),
		zap.String("stake", s.CurrentStake.String()))
	if capped {
		m.log.Info("round cap reached, stake forfeited",
			zap.String("session_id", s.SessionID),
			zap.Int("max_rounds", cfg.MaxRounds))
	}
	if m.metrics != nil {
		m.metrics.RoundsPlayed.WithLabelValues(outcome).Inc()
		if !s.Active() {
			m.metrics.SessionsClosed.WithLabelValues(StatusLost).Inc()
		}
	}
	m.publish(ctx, events.RoundResolved, s, &survived)
	if !s.Active() {
		m.publish(ctx, events.SessionSettled, s, nil)
	}

	return &DiveResult{
		SessionID:   s.SessionID,
		Survived:    survived,
		NewStake:    s.CurrentStake,
		RoundNumber: s.RoundNumber,
		Probability: odds.Probability,
		Multiplier:  odds.Multiplier,
		Status:      s.Status,
	}, nil
}

// CashOut pays the current stake. The claim has to match the server-held
// stake exactly; a mismatch leaves the session active.
func (m *Manager) CashOut(ctx context.Context, sessionID string, claimed decimal.Decimal) (*CashOutResult, error) {
	if !m.busy.acquire(sessionID) {
		return nil, ErrSessionBusy
	}
	defer m.busy.release(sessionID)

	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, ErrSessionNotActive
	}
	if !claimed.Equal(s.CurrentStake) {
		m.log.Error("cash-out claim does not match stake",
			zap.String("session_id", s.SessionID),
			zap.String("player_id", s.PlayerID),
			zap.String("claimed", claimed.String()),
			zap.String("stake", s.CurrentStake.String()))
		if m.metrics != nil {
			m.metrics.IntegrityErrors.WithLabelValues("stake_mismatch").Inc()
		}
		return nil, ErrStakeMismatch
	}

	payout := s.CurrentStake
	prevRound := s.RoundNumber
	now := m.now()
	s.Status = StatusCashedOut
	s.PayoutAmount = payout
	s.UpdatedAt = now
	s.SettledAt = &now

	err = m.transact(ctx, func(tx *gorm.DB) error {
		locked, err := m.repo.GetForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !locked.Active() {
			return ErrSessionNotActive
		}
		if locked.RoundNumber != prevRound || !locked.CurrentStake.Equal(payout) {
			return ErrSessionBusy
		}
		if _, err := m.vault.Settle(ctx, tx, s.VaultID, s.SessionID, s.ReservedAmount, payout); err != nil {
			return err
		}
		if payout.IsPositive() {
			if _, err := m.wallets.Credit(ctx, tx, s.PlayerID, payout, s.SessionID+":cashout"); err != nil {
				return err
			}
		}
		return m.update(ctx, tx, s, prevRound)
	})
	if err != nil {
		return nil, m.vault.Guard(ctx, s.VaultID, err)
	}

	profit := payout.Sub(s.BetAmount)
	m.log.Info("session cashed out",
		zap.String("session_id", s.SessionID),
		zap.String("player_id", s.PlayerID),
		zap.Int("round", s.RoundNumber),
		zap.String("payout", payout.String()),
		zap.String("profit", profit.String()))
	if m.metrics != nil {
		m.metrics.SessionsClosed.WithLabelValues(StatusCashedOut).Inc()
	}
	m.publish(ctx, events.SessionSettled, s, nil)

	return &CashOutResult{
		SessionID:     s.SessionID,
		SettledAmount: payout,
		Profit:        profit,
	}, nil
}

// Expire ends an active session with a zero payout.
func (m *Manager) Expire(ctx context.Context, sessionID string) (*GameSession, error) {
	if !m.busy.acquire(sessionID) {
		return nil, ErrSessionBusy
	}
	defer m.busy.release(sessionID)
	return m.expire(ctx, sessionID)
}

// ExpireStale expires every active session idle for longer than its
// config's SessionTimeout as of now. Sessions busy with a dive or cash-out
// are left for the next sweep.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range active {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		cfg, err := m.configs.Get(ctx, s.ConfigVersion)
		if err != nil {
			m.log.Error("failed to load session config",
				zap.String("session_id", s.SessionID),
				zap.Int("config_version", s.ConfigVersion),
				zap.Error(err))
			continue
		}
		if !s.UpdatedAt.Add(cfg.SessionTimeout).Before(now) {
			continue
		}
		if !m.busy.acquire(s.SessionID) {
			continue
		}
		_, err = m.expire(ctx, s.SessionID)
		m.busy.release(s.SessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotActive) {
				continue
			}
			m.log.Error("failed to expire session", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, sessionID string) (*GameSession, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, ErrSessionNotActive
	}

	prevRound := s.RoundNumber
	now := m.now()
	s.Status = StatusExpired
	s.CurrentStake = decimal.Zero
	s.PayoutAmount = decimal.Zero
	s.UpdatedAt = now
	s.SettledAt = &now

	err = m.transact(ctx, func(tx *gorm.DB) error {
		if err := m.lockActive(ctx, tx, sessionID, prevRound); err != nil {
			return err
		}
		if _, err := m.vault.Settle(ctx, tx, s.VaultID, s.SessionID, s.ReservedAmount, decimal.Zero); err != nil {
			return err
		}
		return m.update(ctx, tx, s, prevRound)
	})
	if err != nil {
		return nil, m.vault.Guard(ctx, s.VaultID, err)
	}

	m.log.Info("session expired",
		zap.String("session_id", s.SessionID),
		zap.String("player_id", s.PlayerID),
		zap.Int("round", s.RoundNumber))
	if m.metrics != nil {
		m.metrics.SessionsClosed.WithLabelValues(StatusExpired).Inc()
	}
	m.publish(ctx, events.SessionSettled, s, nil)
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*GameSession, error) {
	return m.repo.Get(ctx, sessionID)
}

func (m *Manager) ActiveFor(ctx context.Context, playerID string) (*GameSession, error) {
	return m.repo.ActiveFor(ctx, nil, playerID)
}

// LiveReservations sums the reservations held by the vault's active sessions.
func (m *Manager) LiveReservations(ctx context.Context) (decimal.Decimal, error) {
	return m.repo.LiveReserved(ctx, nil, m.vaultID)
}

func (m *Manager) Drift(ctx context.Context) (decimal.Decimal, error) {
	return m.vault.Drift(ctx, m.vaultID, m.repo)
}

func (m *Manager) Reconcile(ctx context.Context) (*vault.ReconcileReport, error) {
	return m.vault.Reconcile(ctx, m.vaultID, m.repo)
}

// lockActive re-reads the session under its row lock and checks nobody
// moved it since it was loaded.
func (m *Manager) lockActive(ctx context.Context, tx *gorm.DB, sessionID string, prevRound int) error {
	locked, err := m.repo.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !locked.Active() {
		return ErrSessionNotActive
	}
	if locked.RoundNumber != prevRound {
		return ErrSessionBusy
	}
	return nil
}

func (m *Manager) update(ctx context.Context, tx *gorm.DB, s *GameSession, prevRound int) error {
	if err := m.repo.Update(ctx, tx, s, prevRound); err != nil {
		if errors.Is(err, errStaleSession) {
			return ErrSessionBusy
		}
		return err
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, eventType string, s *GameSession, survived *bool) {
	m.events.Publish(ctx, events.Event{
		Type:        eventType,
		SessionID:   s.SessionID,
		PlayerID:    s.PlayerID,
		Status:      s.Status,
		RoundNumber: s.RoundNumber,
		Stake:       s.CurrentStake,
		Survived:    survived,
		Payout:      s.PayoutAmount,
		At:          s.UpdatedAt,
	})
}

// transact runs fn in a transaction, retrying optimistic lock conflicts.
func (m *Manager) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for i := 0; i < MaxRetries; i++ {
		err = m.db.WithContext(ctx).Transaction(fn)
		if err == nil || !retryable(err) {
			return err
		}
		time.Sleep(RetryDelay)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, vault.ErrOptimisticLock) || errors.Is(err, wallet.ErrOptimisticLock)
}

// busyGuard rejects a second in-flight call on the same session inside this
// process. The session row lock covers other processes.
type busyGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (g *busyGuard) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; ok {
		return false
	}
	g.held[id] = struct{}{}
	return true
}

func (g *busyGuard) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, id)
}
