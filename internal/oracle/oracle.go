// Package oracle supplies underlying prices to the engine. The engine reads
// from an in-memory Book that is only ever updated by UpdatePrice commands,
// so replaying the command log reproduces every price decision. Feed pulls
// observations from an external Source and turns them into those commands.
package oracle

import (
	"sort"
	"time"

	"VeilTrade/internal/apperr"
)

// Price is one oracle observation in engine price units.
type Price struct {
	Symbol    string    `json:"symbol"`
	Value     uint64    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// Oracle is the price capability the engines consume.
type Oracle interface {
	GetPrice(symbol string) (Price, error)
	Current(symbol string, now time.Time) (uint64, error)
	Supported(symbol string) bool
}

// Book holds the latest accepted price per supported symbol.
// Not thread-safe: driven only from the serialized command path.
type Book struct {
	maxAge  time.Duration
	symbols map[string]struct{}
	prices  map[string]Price
}

func NewBook(symbols []string, maxAge time.Duration) *Book {
	b := &Book{
		maxAge:  maxAge,
		symbols: make(map[string]struct{}, len(symbols)),
		prices:  make(map[string]Price, len(symbols)),
	}
	for _, s := range symbols {
		b.symbols[s] = struct{}{}
	}
	return b
}

func (b *Book) Supported(symbol string) bool {
	_, ok := b.symbols[symbol]
	return ok
}

// Symbols lists supported symbols, sorted.
func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Update accepts a new observation. Observations must not go back in time.
func (b *Book) Update(symbol string, value uint64, publishedAt time.Time) error {
	if !b.Supported(symbol) {
		return apperr.ErrUnsupportedAsset.With("symbol %q", symbol)
	}
	if value == 0 {
		return apperr.ErrInvalidPrice.With("zero price for %s", symbol)
	}
	if prev, ok := b.prices[symbol]; ok && publishedAt.Before(prev.Timestamp) {
		return apperr.ErrStalePrice.With("%s observation at %s predates %s", symbol, publishedAt, prev.Timestamp)
	}
	b.prices[symbol] = Price{Symbol: symbol, Value: value, Timestamp: publishedAt, Valid: true}
	return nil
}

// GetPrice returns the latest observation; Valid is false when none exists.
func (b *Book) GetPrice(symbol string) (Price, error) {
	if !b.Supported(symbol) {
		return Price{}, apperr.ErrUnsupportedAsset.With("symbol %q", symbol)
	}
	p, ok := b.prices[symbol]
	if !ok {
		return Price{Symbol: symbol}, nil
	}
	return p, nil
}

// Current returns a price usable at now: valid and no older than the
// staleness bound.
func (b *Book) Current(symbol string, now time.Time) (uint64, error) {
	p, err := b.GetPrice(symbol)
	if err != nil {
		return 0, err
	}
	if !p.Valid {
		return 0, apperr.ErrInvalidPrice.With("no price for %s", symbol)
	}
	if b.maxAge > 0 && now.Sub(p.Timestamp) > b.maxAge {
		return 0, apperr.ErrStalePrice.With("%s price is %s old", symbol, now.Sub(p.Timestamp))
	}
	return p.Value, nil
}

// Snapshot copies every accepted price, sorted by symbol.
func (b *Book) Snapshot() []Price {
	out := make([]Price, 0, len(b.prices))
	for _, p := range b.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

var _ Oracle = (*Book)(nil)
