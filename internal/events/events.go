// Package events fans out session lifecycle notifications. Delivery is best
// effort: a slow or missing subscriber never blocks a settlement.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SessionStarted = "session.started"
	RoundResolved  = "round.resolved"
	SessionSettled = "session.settled"
)

type Event struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	PlayerID    string          `json:"player_id"`
	Status      string          `json:"status"`
	RoundNumber int             `json:"round_number"`
	Stake       decimal.Decimal `json:"stake"`
	Survived    *bool           `json:"survived,omitempty"`
	Payout      decimal.Decimal `json:"payout"`
	At          time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
