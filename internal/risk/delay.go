package risk

import (
	"time"

	"VeilTrade/internal/apperr"
)

// DefaultEmergencyDelay separates an emergency request from its approval.
const DefaultEmergencyDelay = 7 * 24 * time.Hour

// DelayedApprovals tracks request timestamps for flows that may only be
// approved once a fixed delay has elapsed.
type DelayedApprovals struct {
	delay     time.Duration
	requested map[uint64]time.Time
}

func NewDelayedApprovals(delay time.Duration) *DelayedApprovals {
	return &DelayedApprovals{delay: delay, requested: make(map[uint64]time.Time)}
}

func (d *DelayedApprovals) Delay() time.Duration { return d.delay }

// Request opens the window for id and returns when it can be approved.
func (d *DelayedApprovals) Request(id uint64, now time.Time) (time.Time, error) {
	if at, ok := d.requested[id]; ok {
		return time.Time{}, apperr.ErrPendingRequest.With("request %d already open since %s", id, at)
	}
	d.requested[id] = now
	return now.Add(d.delay), nil
}

// Ready checks that id was requested and its delay has elapsed at now.
func (d *DelayedApprovals) Ready(id uint64, now time.Time) error {
	at, ok := d.requested[id]
	if !ok {
		return apperr.ErrNotFound.With("no emergency request for %d", id)
	}
	if now.Before(at.Add(d.delay)) {
		return apperr.ErrDelayNotElapsed.With("request %d executable at %s", id, at.Add(d.delay))
	}
	return nil
}

// Clear closes the window after approval or when the subject settles.
func (d *DelayedApprovals) Clear(id uint64) { delete(d.requested, id) }

// RequestedAt returns when id was requested.
func (d *DelayedApprovals) RequestedAt(id uint64) (time.Time, bool) {
	at, ok := d.requested[id]
	return at, ok
}
