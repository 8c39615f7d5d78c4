package game

import (
	"math"

	"github.com/shopspring/decimal"
)

// Odds describes a single round.
type Odds struct {
	Round       int     `json:"round"`
	Probability float64 `json:"probability"`
	Multiplier  float64 `json:"multiplier"`
}

// SurvivalProbability returns the chance of surviving the given round.
// Rounds below 1 are treated as round 1.
func SurvivalProbability(round int, cfg GameConfig) float64 {
	if round < 1 {
		round = 1
	}
	p := cfg.BaseSurvivalProbability * math.Exp(-cfg.DecayConstant*float64(round-1))
	return math.Max(cfg.MinSurvivalProbability, p)
}

// PayoutMultiplier keeps SurvivalProbability * PayoutMultiplier equal to
// 1 - HouseEdge for every round.
func PayoutMultiplier(round int, cfg GameConfig) float64 {
	return (1 - cfg.HouseEdge) / SurvivalProbability(round, cfg)
}

func OddsFor(round int, cfg GameConfig) Odds {
	return Odds{
		Round:       round,
		Probability: SurvivalProbability(round, cfg),
		Multiplier:  PayoutMultiplier(round, cfg),
	}
}

// ReservationMultiplier is the worst-case stake growth the house reserves for:
// the compound multiplier over ReservationRounds, capped at MaxPayoutMultiplier.
func (c GameConfig) ReservationMultiplier() float64 {
	m := 1.0
	for round := 1; round <= c.ReservationRounds; round++ {
		m *= PayoutMultiplier(round, c)
		if m >= c.MaxPayoutMultiplier {
			return c.MaxPayoutMultiplier
		}
	}
	return m
}

// ReserveFor sizes the vault reservation for a bet.
func ReserveFor(bet decimal.Decimal, cfg GameConfig) decimal.Decimal {
	return Money(bet.Mul(decimal.NewFromFloat(cfg.ReservationMultiplier())))
}

// Grow applies a survived round to the stake, never exceeding the reservation.
func Grow(stake decimal.Decimal, multiplier float64, reserved decimal.Decimal) decimal.Decimal {
	next := Money(stake.Mul(decimal.NewFromFloat(multiplier)))
	if next.GreaterThan(reserved) {
		return reserved
	}
	return next
}
