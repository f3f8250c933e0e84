package state_test

import (
	"errors"
	"testing"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/state"
	"VeilTrade/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	admin = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type positionsFixture struct {
	cp    *testutil.Coprocessor
	clock *testutil.Clock
	book  *oracle.Book
	l     *ledger.Confidential
	pm    *state.PositionManager
	buf   *event.Buffer
}

func newPositions(t *testing.T) *positionsFixture {
	t.Helper()
	cp := testutil.NewCoprocessor(t)
	clock := testutil.NewClock()
	acl := access.NewTable(admin)
	acl.Grant(state.Address, access.CapLedgerTransfer)
	buf := &event.Buffer{}

	l, err := ledger.NewConfidential(ledger.Config{Asset: "USDC", Scale: 1}, cp.X, acl, cp.Gateway, cp.Inputs, buf, zerolog.Nop())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	book := oracle.NewBook([]string{"XAU"}, time.Hour)
	pm := state.NewPositionManager(cp.X, l, book, cp.Inputs, buf, zerolog.Nop())

	f := &positionsFixture{cp: cp, clock: clock, book: book, l: l, pm: pm, buf: buf}
	f.fund(t, alice, 1_000)
	f.fund(t, admin, 10_000)
	if err := l.Transfer(admin, admin, state.PoolAddress, cp.X.As(admin).Encrypt(5_000)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	f.price(t, 100)
	return f
}

func (f *positionsFixture) fund(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	now := f.clock.Now()
	if err := f.l.Deposit("dep-"+who.Hex(), admin, who, "USDC", amount, now); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.l.Mint("mint-"+who.Hex(), who, who, amount, now); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *positionsFixture) price(t *testing.T, p uint64) {
	t.Helper()
	if err := f.book.Update("XAU", p, f.clock.Now()); err != nil {
		t.Fatalf("price update: %v", err)
	}
}

func (f *positionsFixture) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	h := f.l.BalanceOf(who)
	if h.IsZero() {
		return 0
	}
	return f.cp.Reveal(t, h)
}

func (f *positionsFixture) open(t *testing.T, typ string, qty, strike, premium, collateral uint64) *state.Position {
	t.Helper()
	in := state.OpenInput{
		Underlying:   "XAU",
		PositionType: typ,
		Quantity:     f.cp.Input(t, qty, alice, state.Address),
		Strike:       f.cp.Input(t, strike, alice, state.Address),
		Premium:      f.cp.Input(t, premium, alice, state.Address),
		Collateral:   f.cp.Input(t, collateral, alice, state.Address),
		Expiration:   f.clock.Now().Add(24 * time.Hour),
	}
	p, err := f.pm.Open(alice, in, f.clock.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return p
}

// ============================================================================
// Test: Open
// ============================================================================

func TestPositionManager_OpenLocksCollateral(t *testing.T) {
	f := newPositions(t)
	p := f.open(t, "CALL", 10, 100, 50, 200)

	if p.Status != state.PositionStatusOpen || p.ID != 1 {
		t.Fatalf("unexpected position: id=%d status=%s", p.ID, p.Status)
	}
	if got := f.balance(t, alice); got != 800 {
		t.Fatalf("alice: got %d, want 800", got)
	}
	if got := f.balance(t, state.Address); got != 200 {
		t.Fatalf("positions account: got %d, want 200", got)
	}
	if err := f.l.Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestPositionManager_OpenRejections(t *testing.T) {
	f := newPositions(t)
	now := f.clock.Now()
	base := func() state.OpenInput {
		return state.OpenInput{
			Underlying:   "XAU",
			PositionType: "CALL",
			Quantity:     f.cp.Input(t, 1, alice, state.Address),
			Strike:       f.cp.Input(t, 1, alice, state.Address),
			Premium:      f.cp.Input(t, 1, alice, state.Address),
			Collateral:   f.cp.Input(t, 1, alice, state.Address),
			Expiration:   now.Add(time.Hour),
		}
	}

	tests := []struct {
		name   string
		mutate func(*state.OpenInput)
		want   error
	}{
		{"unsupported asset", func(in *state.OpenInput) { in.Underlying = "DOGE" }, apperr.ErrUnsupportedAsset},
		{"unknown type", func(in *state.OpenInput) { in.PositionType = "BINARY" }, apperr.ErrInvalidType},
		{"expiration now", func(in *state.OpenInput) { in.Expiration = now }, apperr.ErrExpirationTooSoon},
		{"proof for other module", func(in *state.OpenInput) {
			in.Collateral = f.cp.Input(t, 1, alice, ledger.Address)
		}, apperr.ErrInvalidProof},
		{"collateral exceeds balance", func(in *state.OpenInput) {
			in.Collateral = f.cp.Input(t, 5_000, alice, state.Address)
		}, apperr.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base()
			tt.mutate(&in)
			if _, err := f.pm.Open(alice, in, now); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(f.pm.GetAllPositions()); n != 0 {
		t.Fatalf("rejected opens stored %d positions", n)
	}
	if got := f.balance(t, alice); got != 1_000 {
		t.Fatalf("rejected opens moved funds: %d", got)
	}
}

// ============================================================================
// Test: Close payoff
// ============================================================================

func TestPositionManager_ClosePayoffs(t *testing.T) {
	tests := []struct {
		name       string
		typ        string
		strike     uint64
		closePrice uint64
		wantAlice  uint64
		wantPool   uint64
	}{
		// CALL in the money: payoff (120-100)*10 = 200, pnl = 150.
		{"call itm", "CALL", 100, 120, 800 + 200 + 150, 5_000 - 150},
		// CALL out of the money: pnl = -50 comes out of collateral.
		{"call otm", "CALL", 100, 90, 800 + 150, 5_000 + 50},
		// PUT in the money: payoff (100-80)*10 = 200.
		{"put itm", "PUT", 100, 80, 800 + 200 + 150, 5_000 - 150},
		// FUTURE settles at zero pnl.
		{"future", "FUTURE", 100, 500, 1_000, 5_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPositions(t)
			p := f.open(t, tt.typ, 10, tt.strike, 50, 200)

			f.clock.Advance(time.Minute)
			f.price(t, tt.closePrice)
			if err := f.pm.Close(alice, p.ID, f.clock.Now()); err != nil {
				t.Fatalf("close: %v", err)
			}
			if got := f.balance(t, alice); got != tt.wantAlice {
				t.Errorf("alice: got %d, want %d", got, tt.wantAlice)
			}
			if got := f.balance(t, state.PoolAddress); got != tt.wantPool {
				t.Errorf("pool: got %d, want %d", got, tt.wantPool)
			}
			if got := f.balance(t, state.Address); got != 0 {
				t.Errorf("positions account: got %d, want 0", got)
			}
			if p.Status != state.PositionStatusClosed {
				t.Errorf("status: got %s, want CLOSED", p.Status)
			}
			if err := f.l.Audit(); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestPositionManager_LossCappedAtCollateral(t *testing.T) {
	f := newPositions(t)
	p := f.open(t, "CALL", 10, 100, 500, 200)

	f.price(t, 50)
	if err := f.pm.Close(alice, p.ID, f.clock.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(t, alice); got != 800 {
		t.Fatalf("alice: got %d, want 800", got)
	}
	if got := f.balance(t, state.PoolAddress); got != 5_200 {
		t.Fatalf("pool: got %d, want 5200", got)
	}
}

func TestPositionManager_GainCappedAtPool(t *testing.T) {
	f := newPositions(t)
	p := f.open(t, "CALL", 10, 100, 50, 200)

	// payoff (1000-100)*10 = 9000, gain 8950 against a 5000 pool
	f.price(t, 1_000)
	if err := f.pm.Close(alice, p.ID, f.clock.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(t, alice); got != 800+200+5_000 {
		t.Fatalf("alice: got %d, want %d", got, 800+200+5_000)
	}
	if got := f.balance(t, state.PoolAddress); got != 0 {
		t.Fatalf("pool: got %d, want 0", got)
	}
	if err := f.l.Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestPositionManager_CloseGuards(t *testing.T) {
	f := newPositions(t)
	p := f.open(t, "CALL", 1, 100, 1, 10)

	if err := f.pm.Close(bob, p.ID, f.clock.Now()); !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("got %v, want %v", err, apperr.ErrNotOwner)
	}
	if err := f.pm.Close(alice, 99, f.clock.Now()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want %v", err, apperr.ErrNotFound)
	}

	stale := f.clock.Advance(2 * time.Hour)
	if err := f.pm.Close(alice, p.ID, stale); !errors.Is(err, apperr.ErrStalePrice) {
		t.Fatalf("got %v, want %v", err, apperr.ErrStalePrice)
	}
	if p.Status != state.PositionStatusOpen {
		t.Fatal("stale price rejection changed status")
	}

	late := f.clock.Advance(24 * time.Hour)
	if err := f.pm.Close(alice, p.ID, late); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("got %v, want %v", err, apperr.ErrExpired)
	}
}

// ============================================================================
// Test: Expire
// ============================================================================

func TestPositionManager_ExpireByAnyoneAfterExpiry(t *testing.T) {
	f := newPositions(t)
	p := f.open(t, "PUT", 10, 100, 50, 200)

	if err := f.pm.Expire(p.ID, f.clock.Now()); !errors.Is(err, apperr.ErrNotYetExpired) {
		t.Fatalf("got %v, want %v", err, apperr.ErrNotYetExpired)
	}

	f.clock.Advance(24 * time.Hour)
	f.price(t, 100)
	if err := f.pm.Expire(p.ID, f.clock.Now()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if p.Status != state.PositionStatusExpired {
		t.Fatalf("status: got %s, want EXPIRED", p.Status)
	}
	if got := f.balance(t, alice); got != 950 {
		t.Fatalf("alice: got %d, want 950", got)
	}
	if err := f.pm.Expire(p.ID, f.clock.Now()); !errors.Is(err, apperr.ErrWrongStatus) {
		t.Fatalf("got %v, want %v", err, apperr.ErrWrongStatus)
	}
}

// ============================================================================
// Test: Portfolio valuation
// ============================================================================

func TestPositionManager_PortfolioValue(t *testing.T) {
	f := newPositions(t)
	f.open(t, "CALL", 10, 100, 50, 200)
	f.open(t, "FUTURE", 1, 1, 1, 100)
	f.price(t, 120)

	total, err := f.pm.PortfolioValue(alice, alice, f.clock.Now())
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	// CALL: 200 + 150, FUTURE: 100.
	if got := f.cp.Reveal(t, total); got != 450 {
		t.Fatalf("portfolio: got %d, want 450", got)
	}
	if !f.cp.X.IsAllowed(total, alice) || f.cp.X.IsAllowed(total, bob) {
		t.Fatal("portfolio handle must be allowed to its user only")
	}
	if _, err := f.pm.PortfolioValue(bob, alice, f.clock.Now()); !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("got %v, want %v", err, apperr.ErrNotOwner)
	}
}

func TestPositionStatus_Transitions(t *testing.T) {
	if !state.PositionStatusOpen.CanTransitionTo(state.PositionStatusClosed) {
		t.Error("OPEN -> CLOSED should be allowed")
	}
	if state.PositionStatusClosed.CanTransitionTo(state.PositionStatusExpired) {
		t.Error("CLOSED -> EXPIRED should be rejected")
	}
}
