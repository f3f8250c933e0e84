// Package risk holds the engine's volume circuit breakers and the delayed
// approval windows behind emergency withdrawals and refunds.
package risk

import (
	"time"

	"VeilTrade/internal/apperr"
)

const secondsPerDay = 86400

// DayIndex buckets t into UTC days since the epoch.
func DayIndex(t time.Time) int64 {
	return t.Unix() / secondsPerDay
}

// CircuitBreaker caps the public volume estimate accepted per UTC day.
// The counter resets implicitly on the first call in a new day.
type CircuitBreaker struct {
	scope  string
	limit  uint64
	day    int64
	volume uint64
}

func NewCircuitBreaker(scope string, limit uint64) *CircuitBreaker {
	return &CircuitBreaker{scope: scope, limit: limit}
}

func (b *CircuitBreaker) Scope() string { return b.scope }
func (b *CircuitBreaker) Max() uint64   { return b.limit }

// Volume returns the volume recorded for the day containing now.
func (b *CircuitBreaker) Volume(now time.Time) uint64 {
	if DayIndex(now) != b.day {
		return 0
	}
	return b.volume
}

// Check reports whether amount more volume fits in today's budget without
// recording it.
func (b *CircuitBreaker) Check(amount uint64, now time.Time) error {
	current := b.Volume(now)
	if amount > b.limit || current > b.limit-amount {
		return apperr.ErrCircuitBreaker.With("%s: %d + %d exceeds daily cap %d", b.scope, current, amount, b.limit)
	}
	return nil
}

// Add records amount for today. A rejected Add leaves the counter unchanged.
func (b *CircuitBreaker) Add(amount uint64, now time.Time) (uint64, error) {
	if err := b.Check(amount, now); err != nil {
		return 0, err
	}
	day := DayIndex(now)
	if day != b.day {
		b.day = day
		b.volume = 0
	}
	b.volume += amount
	return b.volume, nil
}

// State exposes the raw counter for state digests.
func (b *CircuitBreaker) State() (day int64, volume uint64) { return b.day, b.volume }
