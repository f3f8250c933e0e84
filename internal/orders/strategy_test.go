package orders_test

import (
	"errors"
	"testing"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/orders"
)

// ============================================================================
// Test: CreateStrategy
// ============================================================================

func TestEngine_BullCallSpread(t *testing.T) {
	f := newOrders(t)
	legs := []event.OrderParams{
		f.leg(t, alice, "CALL", 10, 150, 5, 300),
		f.leg(t, alice, "CALL", 10, 160, 3, 320),
	}
	st, err := f.engine.CreateStrategy(alice, "BULL_CALL_SPREAD", "XAU", legs, f.clock.Now())
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	if len(st.LegIDs) != 2 || st.IsCredit || st.Status != orders.StrategyStatusActive {
		t.Fatalf("unexpected strategy: %+v", st)
	}
	for _, id := range st.LegIDs {
		if o := f.engine.GetOrder(id); o == nil || o.StrategyID != st.ID {
			t.Fatalf("leg %d not linked to strategy %d", id, st.ID)
		}
	}
	if got := f.cp.Reveal(t, st.MaxLoss); got != 620 {
		t.Fatalf("max loss: got %d, want 620", got)
	}
	if got := f.cp.Reveal(t, st.NetPremium); got != 8 {
		t.Fatalf("net premium: got %d, want 8", got)
	}
	if got := f.cp.Reveal(t, st.MaxProfit); got != 612 {
		t.Fatalf("max profit: got %d, want 612", got)
	}
	if !f.cp.X.IsAllowed(st.MaxProfit, alice) {
		t.Fatal("owner cannot read max profit")
	}
	if got := f.balance(t, alice); got != aliceFund-620 {
		t.Fatalf("alice: got %d, want %d", got, aliceFund-620)
	}
	// 10*150 + 10*160
	if got := f.engine.Breaker().Volume(f.clock.Now()); got != 3_100 {
		t.Fatalf("breaker volume: got %d, want 3100", got)
	}
	f.conserved(t)
}

func TestEngine_CreditStrategyMaxProfitIsPremium(t *testing.T) {
	f := newOrders(t)
	legs := []event.OrderParams{
		f.leg(t, alice, "CALL", 10, 150, 5, 300),
		f.leg(t, alice, "CALL", 10, 160, 3, 320),
	}
	st, err := f.engine.CreateStrategy(alice, "bear_call_spread", "XAU", legs, f.clock.Now())
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if !st.IsCredit {
		t.Fatal("bear call spread should be a credit strategy")
	}
	if got := f.cp.Reveal(t, st.MaxProfit); got != 8 {
		t.Fatalf("max profit: got %d, want 8", got)
	}
}

func TestEngine_StrategyShapeRejections(t *testing.T) {
	f := newOrders(t)
	call := func() event.OrderParams { return f.leg(t, alice, "CALL", 1, 150, 1, 1_000) }
	put := func() event.OrderParams { return f.leg(t, alice, "PUT", 1, 150, 1, 1_000) }

	tests := []struct {
		name       string
		kind       string
		underlying string
		legs       func() []event.OrderParams
	}{
		{"unknown type", "BUTTERFLY_SPREAD", "XAU", func() []event.OrderParams { return []event.OrderParams{call(), call()} }},
		{"single leg", "STRANGLE", "XAU", func() []event.OrderParams { return []event.OrderParams{call()} }},
		{"spread mixed types", "BULL_CALL_SPREAD", "XAU", func() []event.OrderParams { return []event.OrderParams{call(), put()} }},
		{"spread three legs", "BEAR_PUT_SPREAD", "XAU", func() []event.OrderParams { return []event.OrderParams{put(), put(), put()} }},
		{"spread expirations differ", "BULL_PUT_SPREAD", "XAU", func() []event.OrderParams {
			second := put()
			second.Expiration = second.Expiration.Add(time.Hour)
			return []event.OrderParams{put(), second}
		}},
		{"condor order", "IRON_CONDOR", "XAU", func() []event.OrderParams { return []event.OrderParams{call(), call(), put(), put()} }},
		{"straddle order", "STRADDLE", "XAU", func() []event.OrderParams { return []event.OrderParams{put(), call()} }},
		{"collar four legs", "COLLAR", "XAU", func() []event.OrderParams { return []event.OrderParams{put(), call(), put(), call()} }},
		{"leg on other underlying", "STRANGLE", "SPY", func() []event.OrderParams { return []event.OrderParams{call(), put()} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateStrategy(alice, tt.kind, tt.underlying, tt.legs(), f.clock.Now())
			if !errors.Is(err, apperr.ErrBadStrategyShape) {
				t.Fatalf("got %v, want %v", err, apperr.ErrBadStrategyShape)
			}
		})
	}
	if n := len(f.engine.GetAllOrders()); n != 0 {
		t.Fatalf("rejected strategies stored %d legs", n)
	}
	if got := f.balance(t, alice); got != aliceFund {
		t.Fatalf("rejected strategies moved funds: %d", got)
	}
}

func TestEngine_StrategyLegFailureRejectsAll(t *testing.T) {
	f := newOrders(t)
	bad := f.leg(t, alice, "PUT", 10, 150, 1, 100)
	legs := []event.OrderParams{
		f.leg(t, alice, "PUT", 10, 150, 1, 1_500),
		f.leg(t, alice, "PUT", 10, 150, 1, 1_500),
		f.leg(t, alice, "CALL", 10, 150, 1, 300),
		f.leg(t, alice, "CALL", 10, 150, 1, 300),
	}
	legs[1] = bad

	if _, err := f.engine.CreateStrategy(alice, "IRON_CONDOR", "XAU", legs, f.clock.Now()); !errors.Is(err, apperr.ErrInsufficientCollat) {
		t.Fatalf("got %v, want %v", err, apperr.ErrInsufficientCollat)
	}
	if n := len(f.engine.GetAllOrders()); n != 0 {
		t.Fatalf("partial strategy stored %d legs", n)
	}
	if got := f.engine.Breaker().Volume(f.clock.Now()); got != 0 {
		t.Fatalf("rejected strategy recorded volume %d", got)
	}
}

// ============================================================================
// Test: Strategy lifecycle
// ============================================================================

func TestEngine_CancelStrategyReleasesLegs(t *testing.T) {
	f := newOrders(t)
	legs := []event.OrderParams{
		f.leg(t, alice, "CALL", 10, 150, 5, 300),
		f.leg(t, alice, "PUT", 10, 150, 5, 1_500),
	}
	st, err := f.engine.CreateStrategy(alice, "STRADDLE", "XAU", legs, f.clock.Now())
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if err := f.engine.ExecuteOrder(matcher, st.LegIDs[0], 5, 100, f.clock.Now()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := f.engine.CancelStrategy(bob, st.ID, f.clock.Now()); !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("stranger cancel: got %v, want %v", err, apperr.ErrNotOwner)
	}
	if err := f.engine.CancelStrategy(alice, st.ID, f.clock.Now()); err != nil {
		t.Fatalf("cancel strategy: %v", err)
	}
	for _, id := range st.LegIDs {
		if o := f.engine.GetOrder(id); o.Status != orders.OrderStatusCancelled {
			t.Fatalf("leg %d: got %s, want CANCELLED", id, o.Status)
		}
	}
	// half of the call leg's 300 went to the position
	if got := f.balance(t, alice); got != aliceFund-150 {
		t.Fatalf("alice: got %d, want %d", got, aliceFund-150)
	}
	if err := f.engine.CancelStrategy(alice, st.ID, f.clock.Now()); !errors.Is(err, apperr.ErrWrongStatus) {
		t.Fatalf("double cancel: got %v, want %v", err, apperr.ErrWrongStatus)
	}
	f.conserved(t)
}

func TestEngine_StrategyFilledWhenAllLegsFill(t *testing.T) {
	f := newOrders(t)
	legs := []event.OrderParams{
		f.leg(t, alice, "CALL", 2, 150, 5, 60),
		f.leg(t, alice, "PUT", 2, 150, 5, 300),
	}
	st, err := f.engine.CreateStrategy(alice, "STRANGLE", "XAU", legs, f.clock.Now())
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	for i, id := range st.LegIDs {
		if err := f.engine.ExecuteOrder(matcher, id, 2, 100, f.clock.Now()); err != nil {
			t.Fatalf("execute leg %d: %v", i, err)
		}
		want := orders.StrategyStatusActive
		if i == len(st.LegIDs)-1 {
			want = orders.StrategyStatusFilled
		}
		if st.Status != want {
			t.Fatalf("after leg %d: got %s, want %s", i, st.Status, want)
		}
	}
}
