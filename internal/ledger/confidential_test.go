package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"pgregory.net/rapid"
)

var (
	admin  = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	module = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

type ledgerFixture struct {
	cp  *testutil.Coprocessor
	acl *access.Table
	buf *event.Buffer
	l   *ledger.Confidential
	now time.Time
}

func newLedger(t *testing.T, scale uint64) *ledgerFixture {
	t.Helper()
	cp := testutil.NewCoprocessor(t)
	acl := access.NewTable(admin)
	buf := &event.Buffer{}
	l, err := ledger.NewConfidential(ledger.Config{Asset: "USDC", Scale: scale}, cp.X, acl, cp.Gateway, cp.Inputs, buf, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &ledgerFixture{cp: cp, acl: acl, buf: buf, l: l, now: testutil.NewClock().Now()}
}

// fund deposits and wraps amount public units for owner.
func (f *ledgerFixture) fund(t *testing.T, owner common.Address, amount uint64) {
	t.Helper()
	ref := fmt.Sprintf("fund-%s-%d", owner.Hex(), amount)
	if err := f.l.Deposit(ref, admin, owner, "USDC", amount, f.now); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.l.Mint(ref, owner, owner, amount, f.now); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *ledgerFixture) balance(t *testing.T, owner common.Address) uint64 {
	t.Helper()
	h := f.l.BalanceOf(owner)
	if h.IsZero() {
		return 0
	}
	return f.cp.Reveal(t, h)
}

func (f *ledgerFixture) audit(t *testing.T) {
	t.Helper()
	if err := f.l.Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

// ============================================================================
// Test: Mint
// ============================================================================

func TestConfidential_MintCreditsBalanceAndVault(t *testing.T) {
	f := newLedger(t, 100)
	f.fund(t, alice, 5_000)

	if got := f.balance(t, alice); got != 50 {
		t.Fatalf("confidential balance: got %d, want 50", got)
	}
	if got := f.l.Public().VaultBalance(f.l.AssetID()); got != 5_000 {
		t.Fatalf("vault: got %d, want 5000", got)
	}
	if !f.cp.X.IsAllowed(f.l.BalanceOf(alice), alice) {
		t.Fatal("balance handle should be allowed to its owner")
	}
	if len(f.l.DrainBatches()) != 2 {
		t.Fatal("expected deposit and wrap batches")
	}
	f.audit(t)
}

func TestConfidential_MintRejections(t *testing.T) {
	f := newLedger(t, 100)
	if err := f.l.Deposit("d", admin, alice, "USDC", 1_000, f.now); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	tests := []struct {
		name   string
		amount uint64
		want   error
	}{
		{"zero", 0, apperr.ErrZeroAmount},
		{"not multiple of scale", 150, apperr.ErrInvalidAmount},
		{"exceeds wallet", 2_000, apperr.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.l.Mint("m", alice, alice, tt.amount, f.now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if minted, _ := f.l.Supply(); minted != 0 {
		t.Fatalf("rejected mints changed supply: %d", minted)
	}
}

func TestConfidential_DepositRequiresAdmin(t *testing.T) {
	f := newLedger(t, 1)
	err := f.l.Deposit("d", bob, alice, "USDC", 10, f.now)
	if apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("got %v, want authorization error", err)
	}
	if err := f.l.Deposit("d", admin, alice, "DOGE", 10, f.now); !errors.Is(err, apperr.ErrUnsupportedAsset) {
		t.Fatalf("got %v, want unsupported asset", err)
	}
}

// ============================================================================
// Test: Transfer
// ============================================================================

func TestConfidential_OwnerTransferWithInput(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 1_000)

	amount, err := f.l.ImportInput(f.cp.Input(t, 300, alice, ledger.Address), alice)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := f.l.Transfer(alice, alice, bob, amount); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := f.balance(t, alice); got != 700 {
		t.Errorf("alice: got %d, want 700", got)
	}
	if got := f.balance(t, bob); got != 300 {
		t.Errorf("bob: got %d, want 300", got)
	}
	f.audit(t)
}

func TestConfidential_ModuleTransferNeedsCapability(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 1_000)
	amount := f.cp.X.As(module).Encrypt(100)

	if err := f.l.Transfer(module, alice, bob, amount); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("got %v, want authorization error", err)
	}
	f.acl.Grant(module, access.CapLedgerTransfer)
	if err := f.l.Transfer(module, alice, bob, amount); err != nil {
		t.Fatalf("transfer with capability: %v", err)
	}
	if got := f.balance(t, bob); got != 100 {
		t.Fatalf("bob: got %d, want 100", got)
	}
}

func TestConfidential_TransferRejectsForeignHandle(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 1_000)
	f.acl.Grant(module, access.CapLedgerTransfer)

	// Bob's ciphertext is not allowed to the module.
	foreign := f.cp.X.As(bob).Encrypt(10)
	err := f.l.Transfer(module, alice, bob, foreign)
	if !errors.Is(err, apperr.ErrNotAllowed) {
		t.Fatalf("got %v, want %v", err, apperr.ErrNotAllowed)
	}
}

func TestConfidential_OverdraftLeavesStateUntouched(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 100)
	before := f.l.BalanceOf(alice)
	accounts := len(f.l.Accounts())

	amount := f.cp.X.As(alice).Encrypt(101)
	err := f.l.Transfer(alice, alice, bob, amount)
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("got %v, want %v", err, apperr.ErrInsufficientFunds)
	}
	if f.l.BalanceOf(alice) != before {
		t.Fatal("rejected transfer replaced alice's balance handle")
	}
	if len(f.l.Accounts()) != accounts {
		t.Fatal("rejected transfer created an account")
	}
	f.audit(t)
}

func TestConfidential_SelfTransferRejected(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 100)
	amount := f.cp.X.As(alice).Encrypt(1)
	if err := f.l.Transfer(alice, alice, alice, amount); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Fatalf("got %v, want %v", err, apperr.ErrInvalidAmount)
	}
}

// ============================================================================
// Test: Burn + decryption callback
// ============================================================================

func TestConfidential_BurnPaysOutOnFinalize(t *testing.T) {
	f := newLedger(t, 100)
	f.fund(t, alice, 10_000)
	amount := f.cp.X.As(alice).Encrypt(40)

	id, err := f.l.Burn(alice, alice, bob, amount, f.now)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if f.l.PendingBurns() != 1 || !f.cp.Gateway.IsPending(id) {
		t.Fatal("burn should park a decryption request")
	}
	// Conservation holds while the burn is in flight.
	f.audit(t)
	if got := f.l.Public().WalletBalance(bob, f.l.AssetID()); got != 0 {
		t.Fatalf("bob paid before finalize: %d", got)
	}

	f.cp.FinalizeAll(t, f.now.Add(time.Minute))

	if got := f.l.Public().WalletBalance(bob, f.l.AssetID()); got != 4_000 {
		t.Fatalf("bob wallet: got %d, want 4000", got)
	}
	if got := f.balance(t, alice); got != 60 {
		t.Fatalf("alice: got %d, want 60", got)
	}
	if _, burned := f.l.Supply(); burned != 40 {
		t.Fatalf("burned: got %d, want 40", burned)
	}
	f.audit(t)
}

func TestConfidential_FinalizeReplayRejected(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 100)
	id, err := f.l.Burn(alice, alice, alice, f.cp.X.As(alice).Encrypt(10), f.now)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	req := f.cp.Gateway.Pending()[0]
	plaintexts, sigs, err := f.cp.Relayer.Decrypt(req)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := f.cp.Gateway.Finalize(id, plaintexts, sigs, f.now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err = f.cp.Gateway.Finalize(id, plaintexts, sigs, f.now)
	if !errors.Is(err, apperr.ErrReplayedRequest) {
		t.Fatalf("got %v, want %v", err, apperr.ErrReplayedRequest)
	}
	if got := f.l.Public().WalletBalance(alice, f.l.AssetID()); got != 10 {
		t.Fatalf("replay paid twice: wallet %d", got)
	}
}

func TestConfidential_BurnOfOthersNeedsCapability(t *testing.T) {
	f := newLedger(t, 1)
	f.fund(t, alice, 100)
	amount := f.cp.X.As(bob).Encrypt(10)
	_, err := f.l.Burn(bob, alice, bob, amount, f.now)
	if apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("got %v, want authorization error", err)
	}
}

// ============================================================================
// Test: conservation property
// ============================================================================

func TestConfidential_ConservationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newLedger(t, 1)
		users := []common.Address{alice, bob, admin}
		for _, u := range users {
			if err := f.l.Deposit("seed-"+u.Hex(), admin, u, "USDC", 1_000, f.now); err != nil {
				rt.Fatalf("deposit: %v", err)
			}
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			from := users[rapid.IntRange(0, len(users)-1).Draw(rt, "from")]
			to := users[rapid.IntRange(0, len(users)-1).Draw(rt, "to")]
			amt := rapid.Uint64Range(1, 400).Draw(rt, "amount")

			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, _ = f.l.Mint(fmt.Sprintf("m%d", i), from, to, amt, f.now)
			case 1:
				_ = f.l.Transfer(from, from, to, f.cp.X.As(from).Encrypt(amt))
			case 2:
				_, _ = f.l.Burn(from, from, to, f.cp.X.As(from).Encrypt(amt), f.now)
			case 3:
				f.cp.FinalizeAll(t, f.now)
			}
			if err := f.l.Audit(); err != nil {
				rt.Fatalf("step %d: %v", i, err)
			}
		}
	})
}

var _ fhe.Consumer = (*ledger.Confidential)(nil)
