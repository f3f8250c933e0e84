package oracle_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_CurrentRequiresFreshValidPrice(t *testing.T) {
	b := oracle.NewBook([]string{"XAU", "WTI"}, 5*time.Minute)

	if _, err := b.Current("XAU", t0); !errors.Is(err, apperr.ErrInvalidPrice) {
		t.Fatalf("got %v, want %v before any update", err, apperr.ErrInvalidPrice)
	}
	if err := b.Update("XAU", 2_000, t0); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := b.Current("XAU", t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("current at bound: %v", err)
	}
	if got != 2_000 {
		t.Fatalf("got %d, want 2000", got)
	}
	if _, err := b.Current("XAU", t0.Add(5*time.Minute+time.Second)); !errors.Is(err, apperr.ErrStalePrice) {
		t.Fatalf("got %v, want %v", err, apperr.ErrStalePrice)
	}
}

func TestBook_UpdateRejections(t *testing.T) {
	b := oracle.NewBook([]string{"XAU"}, time.Minute)
	if err := b.Update("XAU", 10, t0); err != nil {
		t.Fatalf("update: %v", err)
	}

	tests := []struct {
		name   string
		symbol string
		value  uint64
		at     time.Time
		want   error
	}{
		{"unsupported", "DOGE", 1, t0, apperr.ErrUnsupportedAsset},
		{"zero", "XAU", 0, t0, apperr.ErrInvalidPrice},
		{"older observation", "XAU", 11, t0.Add(-time.Second), apperr.ErrStalePrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Update(tt.symbol, tt.value, tt.at); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	p, _ := b.GetPrice("XAU")
	if p.Value != 10 {
		t.Fatalf("rejected updates changed price: %d", p.Value)
	}
}

// ============================================================================
// Test: Normalize
// ============================================================================

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw      string
		decimals int32
		want     uint64
		wantErr  bool
	}{
		{"2431.55", 2, 243155, false},
		{"2431.559", 2, 243155, false},
		{"75", 0, 75, false},
		{"0.004", 2, 0, true},
		{"-1", 2, 0, true},
		{"abc", 2, 0, true},
		{"99999999999999999999999", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := oracle.Normalize(tt.raw, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
	if s := oracle.ToDecimal(243155, 2).String(); s != "2431.55" {
		t.Fatalf("ToDecimal: got %s", s)
	}
}

// ============================================================================
// Test: Feed
// ============================================================================

type stubSource map[string]oracle.Price

func (s stubSource) Latest(_ context.Context, symbol string) (oracle.Price, error) {
	p, ok := s[symbol]
	if !ok {
		return oracle.Price{}, oracle.ErrNoPrice
	}
	return p, nil
}

func TestFeed_SubmitsOnlyAdvancingObservations(t *testing.T) {
	src := stubSource{
		"XAU": {Symbol: "XAU", Value: 2_000, Timestamp: t0, Valid: true},
		"WTI": {Symbol: "WTI", Value: 75, Timestamp: t0, Valid: false},
	}
	var got []*event.UpdatePrice
	submit := func(_ context.Context, cmd event.Command) error {
		got = append(got, cmd.(*event.UpdatePrice))
		return nil
	}
	oracleAddr := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	f := oracle.NewFeed(src, []string{"XAU", "WTI", "SPX"}, time.Second, oracleAddr, submit, zerolog.Nop())

	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d submissions, want 1", len(got))
	}
	if got[0].Symbol != "XAU" || got[0].Price != 2_000 || got[0].Sender() != oracleAddr {
		t.Fatalf("unexpected command: %+v", got[0])
	}

	src["XAU"] = oracle.Price{Symbol: "XAU", Value: 2_010, Timestamp: t0.Add(time.Second), Valid: true}
	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 2 || got[1].IdempotencyKey() == got[0].IdempotencyKey() {
		t.Fatalf("expected a second, distinct submission: %+v", got)
	}
}

func TestFeed_RetriesAfterSubmitFailure(t *testing.T) {
	src := stubSource{"XAU": {Symbol: "XAU", Value: 1, Timestamp: t0, Valid: true}}
	calls := 0
	submit := func(context.Context, event.Command) error {
		calls++
		if calls == 1 {
			return errors.New("engine busy")
		}
		return nil
	}
	f := oracle.NewFeed(src, []string{"XAU"}, time.Second, common.Address{}, submit, zerolog.Nop())

	if err := f.Poll(context.Background()); err == nil {
		t.Fatal("expected submit error to surface")
	}
	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if calls != 2 {
		t.Fatalf("got %d submit calls, want 2", calls)
	}
}

// ============================================================================
// Test: RedisSource (integration)
// ============================================================================

func TestRedisSource_PublishLatest(t *testing.T) {
	testutil.RequireIntegration(t)
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6380"
	}
	ctx := context.Background()
	src, err := oracle.NewRedisSource(ctx, oracle.RedisConfig{Addr: addr}, 2)
	if err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	defer src.Close()

	if err := src.Publish(ctx, "TEST:XAU", decimal.RequireFromString("2431.55"), t0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p, err := src.Latest(ctx, "TEST:XAU")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if p.Value != 243155 || !p.Timestamp.Equal(t0) || !p.Valid {
		t.Fatalf("unexpected price: %+v", p)
	}
	if _, err := src.Latest(ctx, "TEST:NONE"); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("got %v, want %v", err, oracle.ErrNoPrice)
	}
}
