package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	WalletID  string          `gorm:"column:wallet_id;primaryKey;type:varchar(36)" json:"wallet_id"`
	PlayerID  string          `gorm:"column:player_id;type:varchar(64);not null;uniqueIndex" json:"player_id"`
	Currency  string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0" json:"balance"`
	Version   int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

type Transaction struct {
	TransactionID   string          `gorm:"column:transaction_id;primaryKey;type:varchar(36)"`
	WalletID        string          `gorm:"column:wallet_id;type:varchar(36);not null;index"`
	PlayerID        string          `gorm:"column:player_id;type:varchar(64);not null"`
	TransactionType string          `gorm:"column:transaction_type;type:varchar(20);not null;uniqueIndex:idx_tx_reference"` // "deposit", "withdrawal", "bet", "win"
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceBefore   decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null"`
	BalanceAfter    decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	ReferenceID     string          `gorm:"column:reference_id;type:varchar(255);not null;uniqueIndex:idx_tx_reference"` // payment id, or session id for bets and wins
	Status          string          `gorm:"column:status;type:varchar(20);not null"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
	CompletedAt     *time.Time      `gorm:"column:completed_at"`
}

type TransactionRequest struct {
	PlayerID        string          `json:"player_id" binding:"required"`
	TransactionType string          `json:"transaction_type" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceID     string          `json:"reference_id" binding:"required"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
}

const (
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
	TypeBet        = "bet"
	TypeWin        = "win"

	StatusCompleted = "completed"
)
