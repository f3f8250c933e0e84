package core

import (
	"time"

	"VeilTrade/internal/apperr"
)

// ClockValidator enforces that command timestamps never run backwards. The
// core has no clock of its own; every deadline check uses the timestamp of
// the command being applied, so a regression would let a caller reopen a
// window that already closed.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type ClockValidator struct {
	last        time.Time
	regressions int64
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{}
}

// Validate checks at against the last applied timestamp without advancing.
func (cv *ClockValidator) Validate(at time.Time) error {
	if at.IsZero() {
		return apperr.ErrClockRegression.With("command carries no timestamp")
	}
	if at.Before(cv.last) {
		cv.regressions++
		return apperr.ErrClockRegression.With("timestamp %s precedes last applied %s", at.Format(time.RFC3339Nano), cv.last.Format(time.RFC3339Nano))
	}
	return nil
}

// Advance records at as the latest applied timestamp.
func (cv *ClockValidator) Advance(at time.Time) {
	if at.After(cv.last) {
		cv.last = at
	}
}

// Last returns the latest applied timestamp.
func (cv *ClockValidator) Last() time.Time { return cv.last }

// Regressions counts rejected timestamps.
func (cv *ClockValidator) Regressions() int64 { return cv.regressions }
