package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrOptimisticLock      = errors.New("optimistic lock error")
	ErrDuplicateReference  = errors.New("transaction reference already used")
)

type WalletRepository interface {
	GetBalance(ctx context.Context, playerId string) (*Wallet, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, playerId string) (*Wallet, error)
	GetTransactionByReference(ctx context.Context, referenceId string, transactionType string) (*Transaction, error)
	ListTransactions(ctx context.Context, playerId string, limit int) ([]Transaction, error)
	CreateWallet(ctx context.Context, playerId string, currency string) (*Wallet, error)
	Credit(ctx context.Context, tx *gorm.DB, transaction *Transaction) error
	Debit(ctx context.Context, tx *gorm.DB, transaction *Transaction) error
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepositoryImpl(db *gorm.DB) WalletRepository {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) GetBalance(ctx context.Context, playerId string) (*Wallet, error) {
	var w Wallet
	err := r.db.WithContext(ctx).Where("player_id = ?", playerId).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, playerId string) (*Wallet, error) {
	var w Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ?", playerId).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetTransactionByReference(ctx context.Context, referenceId string, transactionType string) (*Transaction, error) {
	var t Transaction
	err := r.db.WithContext(ctx).Where("reference_id = ? AND transaction_type = ?", referenceId, transactionType).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *WalletRepositoryImpl) ListTransactions(ctx context.Context, playerId string, limit int) ([]Transaction, error) {
	var txs []Transaction
	q := r.db.WithContext(ctx).Where("player_id = ?", playerId).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *WalletRepositoryImpl) CreateWallet(ctx context.Context, playerId string, currency string) (*Wallet, error) {
	now := time.Now()
	w := Wallet{
		WalletID:  uuid.New().String(),
		PlayerID:  playerId,
		Currency:  currency,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.WithContext(ctx).Create(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Debit runs inside tx when given, otherwise in its own transaction.
func (r *WalletRepositoryImpl) Debit(ctx context.Context, tx *gorm.DB, transaction *Transaction) error {
	return r.within(ctx, tx, func(dbtx *gorm.DB) error {
		var w Wallet
		if err := dbtx.Where("wallet_id = ?", transaction.WalletID).First(&w).Error; err != nil {
			return err
		}

		if w.Balance.LessThan(transaction.Amount) {
			return ErrInsufficientBalance
		}

		return r.apply(dbtx, &w, w.Balance.Sub(transaction.Amount), transaction)
	})
}

func (r *WalletRepositoryImpl) Credit(ctx context.Context, tx *gorm.DB, transaction *Transaction) error {
	return r.within(ctx, tx, func(dbtx *gorm.DB) error {
		var w Wallet
		if err := dbtx.Where("wallet_id = ?", transaction.WalletID).First(&w).Error; err != nil {
			return err
		}
		return r.apply(dbtx, &w, w.Balance.Add(transaction.Amount), transaction)
	})
}

func (r *WalletRepositoryImpl) within(ctx context.Context, tx *gorm.DB, fn func(dbtx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx.WithContext(ctx))
	}
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *WalletRepositoryImpl) apply(dbtx *gorm.DB, w *Wallet, newBalance decimal.Decimal, transaction *Transaction) error {
	result := dbtx.Model(&Wallet{}).Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	transaction.TransactionID = uuid.New().String()
	transaction.PlayerID = w.PlayerID
	transaction.BalanceBefore = w.Balance
	transaction.BalanceAfter = newBalance
	transaction.Status = StatusCompleted
	now := time.Now()
	transaction.CreatedAt = now
	transaction.CompletedAt = &now

	if err := dbtx.Create(transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}
