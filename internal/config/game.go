package config

import (
	"fmt"
	"os"
	"time"

	"dive_service/internal/game"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// gameConfigFile mirrors game.GameConfig in YAML. Missing keys keep the
// defaults.
type gameConfigFile struct {
	HouseEdge               *float64 `yaml:"house_edge"`
	BaseSurvivalProbability *float64 `yaml:"base_survival_probability"`
	DecayConstant           *float64 `yaml:"decay_constant"`
	MinSurvivalProbability  *float64 `yaml:"min_survival_probability"`
	TreasureMultiplierNum   *int     `yaml:"treasure_multiplier_num"`
	TreasureMultiplierDen   *int     `yaml:"treasure_multiplier_den"`
	MaxPayoutMultiplier     *float64 `yaml:"max_payout_multiplier"`
	MaxRounds               *int     `yaml:"max_rounds"`
	ReservationRounds       *int     `yaml:"reservation_rounds"`
	MinBet                  *string  `yaml:"min_bet"`
	MaxBet                  *string  `yaml:"max_bet"`
	SessionTimeout          *string  `yaml:"session_timeout"`
}

// NewGameConfigFromYAML reads a game config file. An empty path yields the
// defaults.
func NewGameConfigFromYAML(path string) (game.GameConfig, error) {
	if path == "" {
		return game.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return game.GameConfig{}, fmt.Errorf("read game config: %w", err)
	}
	return ParseGameConfig(data)
}

func ParseGameConfig(data []byte) (game.GameConfig, error) {
	return OverlayGameConfig(game.DefaultConfig(), data)
}

// OverlayGameConfig applies the keys present in data on top of base and
// validates the result.
func OverlayGameConfig(base game.GameConfig, data []byte) (game.GameConfig, error) {
	var f gameConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return game.GameConfig{}, fmt.Errorf("decode game config: %w", err)
	}

	cfg := base
	cfg.Version = 0
	cfg.CreatedAt = time.Time{}
	setFloat(&cfg.HouseEdge, f.HouseEdge)
	setFloat(&cfg.BaseSurvivalProbability, f.BaseSurvivalProbability)
	setFloat(&cfg.DecayConstant, f.DecayConstant)
	setFloat(&cfg.MinSurvivalProbability, f.MinSurvivalProbability)
	setFloat(&cfg.MaxPayoutMultiplier, f.MaxPayoutMultiplier)
	setInt(&cfg.TreasureMultiplierNum, f.TreasureMultiplierNum)
	setInt(&cfg.TreasureMultiplierDen, f.TreasureMultiplierDen)
	setInt(&cfg.MaxRounds, f.MaxRounds)
	setInt(&cfg.ReservationRounds, f.ReservationRounds)

	if f.MinBet != nil {
		d, err := decimal.NewFromString(*f.MinBet)
		if err != nil {
			return game.GameConfig{}, fmt.Errorf("%w: min_bet: %v", game.ErrInvalidConfig, err)
		}
		cfg.MinBet = game.Money(d)
	}
	if f.MaxBet != nil {
		d, err := decimal.NewFromString(*f.MaxBet)
		if err != nil {
			return game.GameConfig{}, fmt.Errorf("%w: max_bet: %v", game.ErrInvalidConfig, err)
		}
		cfg.MaxBet = game.Money(d)
	}
	if f.SessionTimeout != nil {
		d, err := time.ParseDuration(*f.SessionTimeout)
		if err != nil {
			return game.GameConfig{}, fmt.Errorf("%w: session_timeout: %v", game.ErrInvalidConfig, err)
		}
		cfg.SessionTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return game.GameConfig{}, err
	}
	return cfg, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
