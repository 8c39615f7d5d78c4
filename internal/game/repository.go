package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

type ConfigRepository interface {
	Latest(ctx context.Context) (*GameConfig, error)
	Get(ctx context.Context, version int) (*GameConfig, error)
	Publish(ctx context.Context, cfg GameConfig) (*GameConfig, error)
}

// ConfigRepositoryImpl stores configs in the database and caches them by
// version. Rows are immutable so cached entries never go stale.
type ConfigRepositoryImpl struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[int]GameConfig
}

func NewConfigRepository(db *gorm.DB) *ConfigRepositoryImpl {
	return &ConfigRepositoryImpl{db: db, cache: make(map[int]GameConfig)}
}

func (r *ConfigRepositoryImpl) Latest(ctx context.Context) (*GameConfig, error) {
	var cfg GameConfig
	err := r.db.WithContext(ctx).Order("version DESC").First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get latest config: %w", err)
	}
	r.remember(cfg)
	return &cfg, nil
}

func (r *ConfigRepositoryImpl) Get(ctx context.Context, version int) (*GameConfig, error) {
	r.mu.RLock()
	cached, ok := r.cache[version]
	r.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	var cfg GameConfig
	err := r.db.WithContext(ctx).Where("version = ?", version).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get config version %d: %w", version, err)
	}
	r.remember(cfg)
	return &cfg, nil
}

// Publish validates cfg and stores it as the next version. The Version field
// of the argument is ignored.
func (r *ConfigRepositoryImpl) Publish(ctx context.Context, cfg GameConfig) (*GameConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&GameConfig{}).Select("COALESCE(MAX(version), 0)").Scan(&latest).Error; err != nil {
			return err
		}
		cfg.Version = latest + 1
		cfg.CreatedAt = time.Now()
		return tx.Create(&cfg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish config: %w", err)
	}
	r.remember(cfg)
	return &cfg, nil
}

func (r *ConfigRepositoryImpl) remember(cfg GameConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[cfg.Version] = cfg
}
