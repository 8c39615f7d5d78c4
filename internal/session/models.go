package session

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusActive    = "active"
	StatusLost      = "lost"
	StatusCashedOut = "cashed_out"
	StatusExpired   = "expired"
)

// GameSession is one bet. ReservedAmount is fixed at creation and
// CurrentStake never exceeds it.
type GameSession struct {
	SessionID      string          `gorm:"column:session_id;primaryKey;type:varchar(36)" json:"session_id"`
	PlayerID       string          `gorm:"column:player_id;type:varchar(64);not null;uniqueIndex:idx_one_active_session,where:status = 'active'" json:"player_id"`
	VaultID        string          `gorm:"column:vault_id;type:varchar(64);not null;index:idx_vault_status" json:"vault_id"`
	ConfigVersion  int             `gorm:"column:config_version;not null" json:"config_version"`
	BetAmount      decimal.Decimal `gorm:"column:bet_amount;type:numeric(20,2);not null" json:"bet_amount"`
	ReservedAmount decimal.Decimal `gorm:"column:reserved_amount;type:numeric(20,2);not null" json:"reserved_amount"`
	RoundNumber    int             `gorm:"column:round_number;not null;default:0" json:"round_number"`
	CurrentStake   decimal.Decimal `gorm:"column:current_stake;type:numeric(20,2);not null" json:"current_stake"`
	Status         string          `gorm:"column:status;type:varchar(20);not null;index:idx_vault_status" json:"status"`
	PayoutAmount   decimal.Decimal `gorm:"column:payout_amount;type:numeric(20,2);not null;default:0" json:"payout_amount"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
	SettledAt      *time.Time      `gorm:"column:settled_at" json:"settled_at,omitempty"`
}

func (GameSession) TableName() string {
	return "game_sessions"
}

func (s *GameSession) Active() bool {
	return s.Status == StatusActive
}

type StartRequest struct {
	PlayerID  string          `json:"player_id" binding:"required"`
	BetAmount decimal.Decimal `json:"bet_amount"`
}

type CashOutRequest struct {
	ClaimedAmount decimal.Decimal `json:"claimed_amount"`
}

type DiveResult struct {
	SessionID   string          `json:"session_id"`
	Survived    bool            `json:"survived"`
	NewStake    decimal.Decimal `json:"new_stake"`
	RoundNumber int             `json:"round_number"`
	Probability float64         `json:"probability"`
	Multiplier  float64         `json:"multiplier"`
	Status      string          `json:"status"`
}

type CashOutResult struct {
	SessionID     string          `json:"session_id"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	Profit        decimal.Decimal `json:"profit"`
}
