package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VeilTrade/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// SubmitFunc hands a command to the engine.
type SubmitFunc func(ctx context.Context, cmd event.Command) error

// Feed polls a Source and submits an UpdatePrice command whenever a symbol's
// observation timestamp advances.
type Feed struct {
	source   Source
	symbols  []string
	interval time.Duration
	caller   common.Address
	submit   SubmitFunc
	logger   zerolog.Logger
	now      func() time.Time

	lastSeen map[string]time.Time
}

func NewFeed(source Source, symbols []string, interval time.Duration, caller common.Address, submit SubmitFunc, logger zerolog.Logger) *Feed {
	return &Feed{
		source:   source,
		symbols:  symbols,
		interval: interval,
		caller:   caller,
		submit:   submit,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[string]time.Time, len(symbols)),
	}
}

// Run polls until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Msg("price poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one pass over all symbols.
func (f *Feed) Poll(ctx context.Context) error {
	var errs []error
	for _, sym := range f.symbols {
		p, err := f.source.Latest(ctx, sym)
		if errors.Is(err, ErrNoPrice) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !p.Valid || !p.Timestamp.After(f.lastSeen[sym]) {
			continue
		}
		cmd := &event.UpdatePrice{
			Meta: event.Meta{
				Key:    fmt.Sprintf("price:%s:%d", sym, p.Timestamp.UnixNano()),
				Caller: f.caller,
				At:     f.now().UTC(),
			},
			Symbol:      sym,
			Price:       p.Value,
			PublishedAt: p.Timestamp,
		}
		if err := f.submit(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", sym, err))
			continue
		}
		f.lastSeen[sym] = p.Timestamp
	}
	return errors.Join(errs...)
}
