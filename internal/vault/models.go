package vault

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is the house pool. TotalReserved never exceeds Balance.
type Vault struct {
	VaultID       string          `gorm:"column:vault_id;primaryKey;type:varchar(64)"`
	Balance       decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0"`
	TotalReserved decimal.Decimal `gorm:"column:total_reserved;type:numeric(20,2);not null;default:0"`
	Locked        bool            `gorm:"column:locked;not null;default:false"`
	Version       int             `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;not null"`
}

func (Vault) TableName() string {
	return "vaults"
}

// Available is the unreserved part of the balance, or an error when the
// stored reservation already exceeds it.
func (v *Vault) Available() (decimal.Decimal, error) {
	return checkedSub(v.Balance, v.TotalReserved)
}

// Entry is an append-only audit row written by every vault mutation.
type Entry struct {
	EntryID       string          `gorm:"column:entry_id;primaryKey;type:varchar(36)"`
	VaultID       string          `gorm:"column:vault_id;type:varchar(64);not null;index"`
	SessionID     string          `gorm:"column:session_id;type:varchar(36);index"`
	EntryType     string          `gorm:"column:entry_type;type:varchar(20);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	ReservedAfter decimal.Decimal `gorm:"column:reserved_after;type:numeric(20,2);not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
}

func (Entry) TableName() string {
	return "vault_entries"
}

const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryBet        = "bet"
	EntryReserve    = "reserve"
	EntryRelease    = "release"
	EntrySettle     = "settle"
	EntryReconcile  = "reconcile"
	EntryLock       = "lock"
)

type Status struct {
	VaultID       string          `json:"vault_id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalReserved decimal.Decimal `json:"total_reserved"`
	Available     decimal.Decimal `json:"available"`
	Locked        bool            `json:"locked"`
}

type ReconcileReport struct {
	VaultID    string          `json:"vault_id"`
	Previous   decimal.Decimal `json:"previous"`
	Recomputed decimal.Decimal `json:"recomputed"`
	Drift      decimal.Decimal `json:"drift"`
	Balance    decimal.Decimal `json:"balance"`
	Locked     bool            `json:"locked"`
}
