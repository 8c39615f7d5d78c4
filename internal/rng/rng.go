// Package rng provides the per-round randomness draws.
//
// Production code must use Crypto. The seeded and scripted sources exist for
// simulations and tests; a predictable source in front of real money defeats
// the whole payout model.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

var ErrExhausted = errors.New("scripted source exhausted")

// Source draws a uniform value in [0,1).
type Source interface {
	Draw() (float64, error)
}

// Survives reports whether draw x survives a round with probability p.
// x == p is a failure.
func Survives(x, p float64) bool {
	return x < p
}

type cryptoSource struct{}

// Crypto returns a Source backed by crypto/rand.
func Crypto() Source { return cryptoSource{} }

func (cryptoSource) Draw() (float64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random draw: %w", err)
	}
	// top 53 bits fill the float64 mantissa exactly
	u := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(u) / (1 << 53), nil
}

type seededSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeeded returns a reproducible Source for simulations.
func NewSeeded(seed uint64) Source {
	return &seededSource{r: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededSource) Draw() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64(), nil
}

// Scripted replays fixed draws in order. Used by tests to force outcomes.
type Scripted struct {
	mu    sync.Mutex
	draws []float64
}

func NewScripted(draws ...float64) *Scripted {
	return &Scripted{draws: draws}
}

func (s *Scripted) Push(draws ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, draws...)
}

func (s *Scripted) Draw() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.draws) == 0 {
		return 0, ErrExhausted
	}
	x := s.draws[0]
	s.draws = s.draws[1:]
	return x, nil
}
