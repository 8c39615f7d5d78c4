package session

import (
	"context"
	"errors"
	"fmt"

	"dive_service/internal/game"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errStaleSession = errors.New("session changed underneath")

type SessionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, s *GameSession) error
	Get(ctx context.Context, sessionID string) (*GameSession, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*GameSession, error)
	ActiveFor(ctx context.Context, tx *gorm.DB, playerID string) (*GameSession, error)
	ListActive(ctx context.Context) ([]GameSession, error)
	Update(ctx context.Context, tx *gorm.DB, s *GameSession, prevRound int) error
	LiveReserved(ctx context.Context, tx *gorm.DB, vaultID string) (decimal.Decimal, error)
}

type SessionRepositoryImpl struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

func (r *SessionRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, s *GameSession) error {
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSessionAlreadyActive
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepositoryImpl) Get(ctx context.Context, sessionID string) (*GameSession, error) {
	var s GameSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*GameSession, error) {
	var s GameSession
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	return &s, nil
}

// ActiveFor returns the player's active session or ErrSessionNotFound. tx may
// be nil.
func (r *SessionRepositoryImpl) ActiveFor(ctx context.Context, tx *gorm.DB, playerID string) (*GameSession, error) {
	if tx == nil {
		tx = r.db
	}
	var s GameSession
	err := tx.WithContext(ctx).Where("player_id = ? AND status = ?", playerID, StatusActive).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &s, nil
}

// ListActive returns active sessions, least recently touched first.
func (r *SessionRepositoryImpl) ListActive(ctx context.Context) ([]GameSession, error) {
	var sessions []GameSession
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("updated_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// Update writes the mutable fields only if the row is still active at
// prevRound.
func (r *SessionRepositoryImpl) Update(ctx context.Context, tx *gorm.DB, s *GameSession, prevRound int) error {
	result := tx.WithContext(ctx).Model(&GameSession{}).
		Where("session_id = ? AND status = ? AND round_number = ?", s.SessionID, StatusActive, prevRound).
		Updates(map[string]interface{}{
			"round_number":  s.RoundNumber,
			"current_stake": s.CurrentStake,
			"status":        s.Status,
			"payout_amount": s.PayoutAmount,
			"settled_at":    s.SettledAt,
			"updated_at":    s.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errStaleSession
	}
	return nil
}

// LiveReserved sums the reservations of the vault's active sessions.
func (r *SessionRepositoryImpl) LiveReserved(ctx context.Context, tx *gorm.DB, vaultID string) (decimal.Decimal, error) {
	if tx == nil {
		tx = r.db
	}
	total := decimal.Zero
	row := tx.WithContext(ctx).Model(&GameSession{}).
		Select("COALESCE(SUM(reserved_amount), 0)").
		Where("vault_id = ? AND status = ?", vaultID, StatusActive).
		Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum live reservations: %w", err)
	}
	// sqlite sums numeric columns as floats
	return total.Round(game.MoneyScale), nil
}
