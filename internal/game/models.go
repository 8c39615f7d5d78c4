package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig  = errors.New("invalid game configuration")
	ErrConfigNotFound = errors.New("game configuration not found")
)

// MoneyScale is the number of decimal places every stored amount carries.
const MoneyScale int32 = 2

// GameConfig is an immutable, versioned set of odds and limits. Rows are only
// ever inserted; a session keeps the version it started with.
type GameConfig struct {
	Version                 int             `gorm:"column:version;primaryKey;autoIncrement:false" json:"version"`
	HouseEdge               float64         `gorm:"column:house_edge;not null" json:"house_edge"`
	BaseSurvivalProbability float64         `gorm:"column:base_survival_probability;not null" json:"base_survival_probability"`
	DecayConstant           float64         `gorm:"column:decay_constant;not null" json:"decay_constant"`
	MinSurvivalProbability  float64         `gorm:"column:min_survival_probability;not null" json:"min_survival_probability"`
	TreasureMultiplierNum   int             `gorm:"column:treasure_multiplier_num;not null" json:"treasure_multiplier_num"`
	TreasureMultiplierDen   int             `gorm:"column:treasure_multiplier_den;not null" json:"treasure_multiplier_den"`
	MaxPayoutMultiplier     float64         `gorm:"column:max_payout_multiplier;not null" json:"max_payout_multiplier"`
	MaxRounds               int             `gorm:"column:max_rounds;not null" json:"max_rounds"`
	ReservationRounds       int             `gorm:"column:reservation_rounds;not null" json:"reservation_rounds"`
	MinBet                  decimal.Decimal `gorm:"column:min_bet;type:numeric(20,2);not null" json:"min_bet"`
	MaxBet                  decimal.Decimal `gorm:"column:max_bet;type:numeric(20,2);not null" json:"max_bet"`
	SessionTimeout          time.Duration   `gorm:"column:session_timeout;not null" json:"session_timeout"`
	CreatedAt               time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (GameConfig) TableName() string {
	return "game_configs"
}

// DefaultConfig returns a playable configuration: 5% edge, 90% survival on the
// first dive decaying towards a 10% floor, reservations sized for 10 rounds.
func DefaultConfig() GameConfig {
	return GameConfig{
		Version:                 1,
		HouseEdge:               0.05,
		BaseSurvivalProbability: 0.90,
		DecayConstant:           0.08,
		MinSurvivalProbability:  0.10,
		TreasureMultiplierNum:   21,
		TreasureMultiplierDen:   20,
		MaxPayoutMultiplier:     100,
		MaxRounds:               25,
		ReservationRounds:       10,
		MinBet:                  decimal.NewFromInt(1),
		MaxBet:                  decimal.NewFromInt(1000),
		SessionTimeout:          time.Hour,
	}
}

// BaselineMultiplier is the per-round payout ratio the first dive must reach.
func (c GameConfig) BaselineMultiplier() float64 {
	if c.TreasureMultiplierDen == 0 {
		return 0
	}
	return float64(c.TreasureMultiplierNum) / float64(c.TreasureMultiplierDen)
}

func (c GameConfig) Validate() error {
	switch {
	case !(c.HouseEdge > 0 && c.HouseEdge < 1):
		return fmt.Errorf("%w: house edge %v outside (0,1)", ErrInvalidConfig, c.HouseEdge)
	case !(c.BaseSurvivalProbability > 0 && c.BaseSurvivalProbability <= 1):
		return fmt.Errorf("%w: base survival probability %v outside (0,1]", ErrInvalidConfig, c.BaseSurvivalProbability)
	case !(c.MinSurvivalProbability > 0 && c.MinSurvivalProbability <= c.BaseSurvivalProbability):
		return fmt.Errorf("%w: min survival probability %v outside (0,base]", ErrInvalidConfig, c.MinSurvivalProbability)
	case c.DecayConstant < 0:
		return fmt.Errorf("%w: negative decay constant", ErrInvalidConfig)
	case c.TreasureMultiplierNum <= 0 || c.TreasureMultiplierDen <= 0:
		return fmt.Errorf("%w: treasure multiplier must be a positive ratio", ErrInvalidConfig)
	case c.MaxPayoutMultiplier <= 0:
		return fmt.Errorf("%w: max payout multiplier must be positive", ErrInvalidConfig)
	case c.MaxRounds <= 0 || c.ReservationRounds <= 0:
		return fmt.Errorf("%w: round limits must be positive", ErrInvalidConfig)
	case !c.MinBet.IsPositive():
		return fmt.Errorf("%w: min bet must be positive", ErrInvalidConfig)
	case c.MaxBet.LessThan(c.MinBet):
		return fmt.Errorf("%w: max bet below min bet", ErrInvalidConfig)
	case c.SessionTimeout <= 0:
		return fmt.Errorf("%w: session timeout must be positive", ErrInvalidConfig)
	}

	if m1 := PayoutMultiplier(1, c); m1 < c.BaselineMultiplier() {
		return fmt.Errorf("%w: first dive pays %.4fx, below baseline %d/%d",
			ErrInvalidConfig, m1, c.TreasureMultiplierNum, c.TreasureMultiplierDen)
	}
	if c.ReservationMultiplier() < 1 {
		return fmt.Errorf("%w: reservation would not cover the bet", ErrInvalidConfig)
	}
	return nil
}

// Money truncates an amount to MoneyScale. Truncation always rounds in the
// house's favour for payouts.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(MoneyScale)
}
