package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrVaultNotFound  = errors.New("vault not found")
	ErrVaultExists    = errors.New("vault already exists")
	ErrOptimisticLock = errors.New("optimistic lock error")
)

type VaultRepository interface {
	Create(ctx context.Context, v *Vault) error
	Get(ctx context.Context, vaultID string) (*Vault, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, vaultID string) (*Vault, error)
	Save(ctx context.Context, tx *gorm.DB, v *Vault) error
	CreateEntry(ctx context.Context, tx *gorm.DB, e *Entry) error
	ListEntries(ctx context.Context, vaultID string, limit int) ([]Entry, error)
}

type VaultRepositoryImpl struct {
	db *gorm.DB
}

func NewVaultRepository(db *gorm.DB) *VaultRepositoryImpl {
	return &VaultRepositoryImpl{db: db}
}

func (r *VaultRepositoryImpl) Create(ctx context.Context, v *Vault) error {
	now := time.Now()
	v.Version = 1
	v.CreatedAt = now
	v.UpdatedAt = now
	err := r.db.WithContext(ctx).Create(v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrVaultExists
		}
		return fmt.Errorf("failed to create vault: %w", err)
	}
	return nil
}

func (r *VaultRepositoryImpl) Get(ctx context.Context, vaultID string) (*Vault, error) {
	var v Vault
	err := r.db.WithContext(ctx).Where("vault_id = ?", vaultID).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return &v, nil
}

func (r *VaultRepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, vaultID string) (*Vault, error) {
	var v Vault
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("vault_id = ?", vaultID).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("failed to lock vault: %w", err)
	}
	return &v, nil
}

// Save writes balance, reservation and lock state if the row still carries
// v.Version, then bumps the version on v.
func (r *VaultRepositoryImpl) Save(ctx context.Context, tx *gorm.DB, v *Vault) error {
	now := time.Now()
	result := tx.WithContext(ctx).Model(&Vault{}).
		Where("vault_id = ? AND version = ?", v.VaultID, v.Version).
		Updates(map[string]interface{}{
			"balance":        v.Balance,
			"total_reserved": v.TotalReserved,
			"locked":         v.Locked,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update vault: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	v.Version++
	v.UpdatedAt = now
	return nil
}

func (r *VaultRepositoryImpl) CreateEntry(ctx context.Context, tx *gorm.DB, e *Entry) error {
	e.EntryID = uuid.NewString()
	e.CreatedAt = time.Now()
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to create vault entry: %w", err)
	}
	return nil
}

func (r *VaultRepositoryImpl) ListEntries(ctx context.Context, vaultID string, limit int) ([]Entry, error) {
	var entries []Entry
	q := r.db.WithContext(ctx).Where("vault_id = ?", vaultID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list vault entries: %w", err)
	}
	return entries, nil
}
