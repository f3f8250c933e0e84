package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"VeilTrade/internal/event"

	"github.com/google/uuid"
)

// Outcome is the core's answer to one submission.
type Outcome struct {
	Result Result
	Err    error
}

// Submission is one unit of work for the core goroutine: either a command
// to apply or a read to run against the engines between commands.
type Submission struct {
	Command event.Command
	Read    func(c *DeterministicCore)
	Reply   chan<- Outcome
}

// Inbox serializes producers (NATS, gRPC, the oracle feed) onto the core.
// Commands that arrive without a key or timestamp are stamped under the
// inbox lock immediately before they are queued, so stamped timestamps are
// non-decreasing in queue order.
type Inbox struct {
	mu  sync.Mutex
	ch  chan Submission
	now func() time.Time
}

func NewInbox(size int, now func() time.Time) *Inbox {
	if now == nil {
		now = time.Now
	}
	return &Inbox{ch: make(chan Submission, size), now: now}
}

// C is the channel the core drains.
func (in *Inbox) C() <-chan Submission { return in.ch }

// Len and Cap feed channel metrics.
func (in *Inbox) Len() int { return len(in.ch) }
func (in *Inbox) Cap() int { return cap(in.ch) }

func (in *Inbox) enqueue(ctx context.Context, s Submission) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.Command != nil {
		s.Command.Stamp(uuid.NewString(), in.now().UTC())
	}
	select {
	case in.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues cmd without waiting for it to apply. Ingestion acks its
// source after Enqueue returns.
func (in *Inbox) Enqueue(ctx context.Context, cmd event.Command) error {
	return in.enqueue(ctx, Submission{Command: cmd})
}

// Submit queues cmd and waits for the core's outcome.
func (in *Inbox) Submit(ctx context.Context, cmd event.Command) (Result, error) {
	reply := make(chan Outcome, 1)
	if err := in.enqueue(ctx, Submission{Command: cmd, Reply: reply}); err != nil {
		return Result{}, err
	}
	select {
	case out := <-reply:
		return out.Result, out.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Read runs fn on the core goroutine between commands and waits for it.
func (in *Inbox) Read(ctx context.Context, fn func(c *DeterministicCore)) error {
	reply := make(chan Outcome, 1)
	if err := in.enqueue(ctx, Submission{Read: fn, Reply: reply}); err != nil {
		return err
	}
	select {
	case out := <-reply:
		return out.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains submissions until ctx is cancelled or in is closed. It is the
// only goroutine that touches engine state.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return nil
			}
			out := c.handle(s)
			if s.Reply != nil {
				s.Reply <- out
			}
		}
	}
}

func (c *DeterministicCore) handle(s Submission) (out Outcome) {
	switch {
	case s.Command != nil:
		out.Result, out.Err = c.Apply(s.Command)
	case s.Read != nil:
		s.Read(c)
	default:
		out.Err = fmt.Errorf("core: empty submission")
	}
	return out
}
