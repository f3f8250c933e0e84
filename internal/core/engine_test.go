package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/orders"
	"VeilTrade/internal/settlement"
	"VeilTrade/internal/state"
	"VeilTrade/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	admin   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	matcher = common.HexToAddress("0x000000000000000000000000000000000000f111")
	feeder  = common.HexToAddress("0x000000000000000000000000000000000000fee0")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// --- Test helpers ---

type coreFixture struct {
	cp      *testutil.Coprocessor
	clock   *testutil.Clock
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	n       int
}

func testConfig() core.Config {
	return core.Config{
		Ledger:      ledger.Config{Asset: "USDC", Scale: 1},
		Orders:      orders.DefaultParams(),
		Settlement:  settlement.DefaultParams(),
		Symbols:     []string{"XAU", "SPY"},
		PriceMaxAge: time.Hour,
		Chains:      []uint64{42161},
	}
}

// newTestCore creates a core with buffered channels and no DB checker.
func newTestCore(t *testing.T, projSize int) *coreFixture {
	t.Helper()
	return newTestCoreWith(t, testutil.NewCoprocessor(t), projSize)
}

func newTestCoreWith(t *testing.T, cp *testutil.Coprocessor, projSize int) *coreFixture {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, projSize)
	c, err := core.NewDeterministicCore(testConfig(), admin, core.Coprocessor{
		Executor: cp.X,
		Gateway:  cp.Gateway,
		Inputs:   cp.Inputs,
	}, 0, persist, proj, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	c.ACL().Grant(matcher, access.CapMatcher)
	c.ACL().Grant(feeder, access.CapOracle)
	return &coreFixture{cp: cp, clock: testutil.NewClock(), core: c, persist: persist, proj: proj}
}

// restart builds a second core over a restarted coprocessor and replays
// every envelope f has emitted so far into it.
func (f *coreFixture) restart(t *testing.T) *coreFixture {
	t.Helper()
	g := newTestCoreWith(t, f.cp.Restart(), 16)
	g.clock = f.clock
	g.n = f.n
	for _, out := range drainOutputs(f.persist) {
		env := out.Envelope
		err := g.core.Replay(core.LoggedCommand{
			Sequence:    env.Sequence,
			CommandType: env.CommandType.String(),
			Payload:     env.Payload,
			StateHash:   env.StateHash,
		})
		if err != nil {
			t.Fatalf("replay %d: %v", env.Sequence, err)
		}
	}
	return g
}

// meta stamps a unique key at the fixture clock.
func (f *coreFixture) meta(caller common.Address) event.Meta {
	f.n++
	return event.Meta{Key: fmt.Sprintf("cmd-%d", f.n), Caller: caller, At: f.clock.Now()}
}

func (f *coreFixture) apply(t *testing.T, cmd event.Command) core.Result {
	t.Helper()
	res, err := f.core.Apply(cmd)
	if err != nil {
		t.Fatalf("apply %s: %v", cmd.CommandType(), err)
	}
	return res
}

func (f *coreFixture) fund(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	f.apply(t, &event.Deposit{Meta: f.meta(admin), Account: who, Asset: "USDC", Amount: amount})
	f.apply(t, &event.Mint{Meta: f.meta(who), To: who, Amount: amount})
}

func (f *coreFixture) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	h := f.core.Ledger().BalanceOf(who)
	if h.IsZero() {
		return 0
	}
	return f.cp.Reveal(t, h)
}

// orderParams is a 10-lot XAU call at strike 150 posting collateral.
func (f *coreFixture) orderParams(t *testing.T, owner common.Address, collateral uint64) event.OrderParams {
	t.Helper()
	now := f.clock.Now()
	return event.OrderParams{
		Underlying:         "XAU",
		PositionType:       "CALL",
		Quantity:           f.cp.Input(t, 10, owner, orders.Address),
		Strike:             f.cp.Input(t, 150, owner, orders.Address),
		LimitPrice:         f.cp.Input(t, 5, owner, orders.Address),
		StopPrice:          f.cp.Input(t, 0, owner, orders.Address),
		Collateral:         f.cp.Input(t, collateral, owner, orders.Address),
		Expiration:         now.Add(48 * time.Hour),
		OrderDeadline:      now.Add(24 * time.Hour),
		EstimateQuantity:   10,
		EstimateStrike:     150,
		EstimateLimitPrice: 5,
		EstimateCollateral: collateral,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Ledger commands
// ============================================================================

func TestApply_DepositAndMint(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 5_000)

	outputs := drainOutputs(f.persist)
	if len(outputs) != 2 {
		t.Fatalf("outputs: got %d, want 2", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Fatalf("output %d sequence: got %d, want %d", i, o.Envelope.Sequence, i)
		}
		if len(o.Batches) != 1 {
			t.Fatalf("output %d batches: got %d, want 1", i, len(o.Batches))
		}
	}
	if outputs[0].Envelope.CommandType != event.CommandTypeDeposit {
		t.Fatalf("first command: got %s, want Deposit", outputs[0].Envelope.CommandType)
	}
	if got := f.balance(t, alice); got != 5_000 {
		t.Fatalf("alice: got %d, want 5000", got)
	}
	if err := f.core.Ledger().Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestApply_TransferWithBalanceHandle(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 700)

	whole := f.core.Ledger().BalanceOf(alice)
	f.apply(t, &event.Transfer{Meta: f.meta(alice), To: bob, Amount: whole})

	if got := f.balance(t, bob); got != 700 {
		t.Fatalf("bob: got %d, want 700", got)
	}
	if got := f.balance(t, alice); got != 0 {
		t.Fatalf("alice: got %d, want 0", got)
	}
}

func TestApply_BurnAndFinalize(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 1_000)

	in := f.cp.Input(t, 300, alice, ledger.Address)
	res := f.apply(t, &event.Burn{Meta: f.meta(alice), Input: &in, Recipient: alice})

	pending := f.cp.Gateway.Pending()
	if len(pending) != 1 || pending[0].ID != res.ID {
		t.Fatalf("pending requests: got %+v, want request %d", pending, res.ID)
	}
	plaintexts, sigs, err := f.cp.Relayer.Decrypt(pending[0])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	f.apply(t, &event.FinalizeDecryption{Meta: f.meta(bob), RequestID: res.ID, Plaintexts: plaintexts, Signatures: sigs})

	if got := f.core.Ledger().Public().WalletBalance(alice, 1); got != 300 {
		t.Fatalf("alice public wallet: got %d, want 300", got)
	}
	_, err = f.core.Apply(&event.FinalizeDecryption{Meta: f.meta(bob), RequestID: res.ID, Plaintexts: plaintexts, Signatures: sigs})
	if !errors.Is(err, apperr.ErrReplayedRequest) {
		t.Fatalf("replayed finalize: got %v, want %v", err, apperr.ErrReplayedRequest)
	}
	if err := f.core.Ledger().Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

// ============================================================================
// Test: Rejections leave state untouched
// ============================================================================

func TestApply_RejectionLeavesNoTrace(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 500)
	drainOutputs(f.persist)
	seq, hash := f.core.GetSequence(), f.core.GetStateHash()

	in := f.cp.Input(t, 900, alice, ledger.Address)
	cmd := &event.Transfer{Meta: f.meta(alice), To: bob, Input: &in}
	if _, err := f.core.Apply(cmd); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("overdraft: got %v, want %v", err, apperr.ErrInsufficientFunds)
	}

	if got := f.core.GetSequence(); got != seq {
		t.Fatalf("sequence: got %d, want %d", got, seq)
	}
	if f.core.GetStateHash() != hash {
		t.Fatalf("state hash moved on rejection")
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 0 {
		t.Fatalf("rejected command produced %d outputs", len(outputs))
	}
	if f.cp.X.IsAllowed(in.Handle, ledger.Address) || f.cp.X.IsAllowed(in.Handle, alice) {
		t.Fatalf("import grants survived rejection")
	}

	// The key was not consumed: the same command applies once funds exist.
	f.fund(t, alice, 400)
	if _, err := f.core.Apply(cmd); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	if got := f.balance(t, bob); got != 900 {
		t.Fatalf("bob: got %d, want 900", got)
	}
}

func TestApply_CreateOrderRejectionRollsBackImports(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 100)
	f.apply(t, &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150})

	now := f.clock.Now()
	p := f.orderParams(t, alice, 1_000)
	_, err := f.core.Apply(&event.CreateOrder{Meta: f.meta(alice), Order: p})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("create without funds: got %v, want %v", err, apperr.ErrInsufficientFunds)
	}
	if f.cp.X.IsAllowed(p.Collateral.Handle, orders.Address) {
		t.Fatalf("collateral input still allowed to orders module")
	}
	if len(f.core.Orders().GetAllOrders()) != 0 {
		t.Fatalf("order recorded despite rejection")
	}
	if got := f.core.Orders().Breaker().Volume(now); got != 0 {
		t.Fatalf("breaker volume: got %d, want 0", got)
	}
}

func TestApply_Validation(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 100)

	tests := []struct {
		name string
		cmd  event.Command
		want error
	}{
		{"missing key", &event.Withdraw{Meta: event.Meta{Caller: alice, At: f.clock.Now()}, Asset: "USDC", Amount: 1}, apperr.ErrMissingKey},
		{"no timestamp", &event.Withdraw{Meta: event.Meta{Key: "no-ts", Caller: alice}, Asset: "USDC", Amount: 1}, apperr.ErrClockRegression},
		{"clock regression", &event.Withdraw{Meta: event.Meta{Key: "past", Caller: alice, At: f.clock.Now().Add(-time.Second)}, Asset: "USDC", Amount: 1}, apperr.ErrClockRegression},
		{"transfer without amount", &event.Transfer{Meta: f.meta(alice), To: bob}, apperr.ErrInvalidAmount},
		{"price without role", &event.UpdatePrice{Meta: f.meta(alice), Symbol: "XAU", Price: 150}, apperr.ErrUnauthorized},
		{"price from the future", &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150, PublishedAt: f.clock.Now().Add(time.Minute)}, apperr.ErrInvalidPrice},
		{"grant without admin", &event.SetAuthorized{Meta: f.meta(alice), Principal: bob, Capability: "matcher", Granted: true}, apperr.ErrUnauthorized},
		{"unknown capability", &event.SetAuthorized{Meta: f.meta(admin), Principal: bob, Capability: "root", Granted: true}, apperr.ErrUnknownCapability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.core.Apply(tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDepositIgnored(t *testing.T) {
	f := newTestCore(t, 16)
	dep := &event.Deposit{Meta: f.meta(admin), Account: alice, Asset: "USDC", Amount: 250}

	f.apply(t, dep)
	res := f.apply(t, dep)
	if !res.Duplicate {
		t.Fatalf("second apply not flagged duplicate")
	}
	if outputs := drainOutputs(f.persist); len(outputs) != 1 {
		t.Fatalf("outputs: got %d, want 1", len(outputs))
	}
	if got := f.core.Ledger().Public().WalletBalance(alice, 1); got != 250 {
		t.Fatalf("wallet: got %d, want 250", got)
	}
}

type dbStub map[string]bool

func (d dbStub) IsDuplicate(commandType, key string) (bool, error) {
	return d[commandType+":"+key], nil
}

func TestIdempotency_PostgresTier(t *testing.T) {
	checker := core.NewIdempotencyChecker(2, dbStub{"Deposit:old": true}, nil)
	if !checker.IsDuplicate("Deposit", "old") {
		t.Fatalf("postgres hit not reported as duplicate")
	}
	if checker.IsDuplicate("Withdraw", "old") {
		t.Fatalf("key is scoped by command type")
	}
	checker.MarkProcessed("Deposit", "a")
	checker.MarkProcessed("Deposit", "b")
	checker.MarkProcessed("Deposit", "c")
	if checker.IsDuplicate("Deposit", "a") {
		t.Fatalf("evicted key still reported as duplicate")
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() []core.CoreOutput {
		f := newTestCore(t, 16)
		f.fund(t, alice, 1_000)
		f.apply(t, &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150})
		f.apply(t, &event.SetAuthorized{Meta: f.meta(admin), Principal: bob, Capability: "arbiter", Granted: true})
		f.apply(t, &event.Transfer{Meta: f.meta(alice), To: bob, Amount: f.core.Ledger().BalanceOf(alice)})
		return drainOutputs(f.persist)
	}

	a, b := run(), run()
	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("outputs: got %d and %d, want 5", len(a), len(b))
	}
	prev := core.GenesisHash()
	for i := range a {
		if a[i].Envelope.StateHash != b[i].Envelope.StateHash {
			t.Fatalf("hash %d differs: %x vs %x", i, a[i].Envelope.StateHash, b[i].Envelope.StateHash)
		}
		if a[i].Envelope.PrevHash != prev {
			t.Fatalf("envelope %d prev hash does not link to %x", i, prev)
		}
		prev = a[i].Envelope.StateHash
	}
}

// ============================================================================
// Test: Orders through the core
// ============================================================================

func TestFullLifecycle_PartialFillThenCancel(t *testing.T) {
	f := newTestCore(t, 64)
	f.fund(t, alice, 10_000)
	f.apply(t, &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150})

	res := f.apply(t, &event.CreateOrder{Meta: f.meta(alice), Order: f.orderParams(t, alice, 1_000)})
	if res.ID != 1 {
		t.Fatalf("order id: got %d, want 1", res.ID)
	}

	f.clock.Advance(time.Minute)
	f.apply(t, &event.ExecuteOrder{Meta: f.meta(matcher), OrderID: res.ID, FillQuantity: 4, Price: 160})
	f.clock.Advance(time.Minute)
	f.apply(t, &event.CancelOrder{Meta: f.meta(alice), OrderID: res.ID})

	if got := f.balance(t, alice); got != 9_600 {
		t.Fatalf("alice: got %d, want 9600", got)
	}
	if got := f.balance(t, ledger.Treasury) + f.balance(t, state.Address); got != 400 {
		t.Fatalf("treasury+positions: got %d, want 400", got)
	}
	if err := f.core.Ledger().Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

type reentrantConsumer struct {
	core *core.DeterministicCore
	at   time.Time
	err  error
}

func (r *reentrantConsumer) OnDecrypted(req fhe.DecryptRequest, plaintexts []uint64, now time.Time) error {
	_, r.err = r.core.Apply(&event.Withdraw{Meta: event.Meta{Key: "nested", Caller: alice, At: r.at}, Asset: "USDC", Amount: 1})
	return nil
}

func TestApply_RejectsNestedCommand(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 10)

	nested := &reentrantConsumer{core: f.core, at: f.clock.Now()}
	f.cp.Gateway.Register("nested", nested)
	req := f.cp.Gateway.RequestDecrypt([]fhe.Handle{f.core.Ledger().BalanceOf(alice)}, "nested", f.clock.Now())
	plaintexts, sigs, err := f.cp.Relayer.Decrypt(req)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	f.apply(t, &event.FinalizeDecryption{Meta: f.meta(bob), RequestID: req.ID, Plaintexts: plaintexts, Signatures: sigs})
	if !errors.Is(nested.err, apperr.ErrReentrant) {
		t.Fatalf("nested apply: got %v, want %v", nested.err, apperr.ErrReentrant)
	}
}

// ============================================================================
// Test: Output channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	f := newTestCore(t, 1)
	for i := 0; i < 5; i++ {
		f.apply(t, &event.Deposit{Meta: f.meta(admin), Account: alice, Asset: "USDC", Amount: 100})
	}

	if got := len(drainOutputs(f.persist)); got != 5 {
		t.Fatalf("persist outputs: got %d, want 5", got)
	}
	if got := len(drainOutputs(f.proj)); got != 1 {
		t.Fatalf("projection outputs: got %d, want 1", got)
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_RebuildsEngineState(t *testing.T) {
	carol := common.HexToAddress("0x00000000000000000000000000000000000ca401")
	f := newTestCore(t, 64)
	f.fund(t, alice, 10_000)
	f.fund(t, bob, 5_000)
	f.fund(t, carol, 100)
	f.apply(t, &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150})

	order := f.apply(t, &event.CreateOrder{Meta: f.meta(alice), Order: f.orderParams(t, alice, 1_000)})
	f.clock.Advance(time.Minute)
	f.apply(t, &event.ExecuteOrder{Meta: f.meta(matcher), OrderID: order.ID, FillQuantity: 4, Price: 160})

	// A rejected command between applied ones must not shift later handles.
	if _, err := f.core.Apply(&event.CreateOrder{Meta: f.meta(carol), Order: f.orderParams(t, carol, 1_000)}); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("underfunded order: got %v, want %v", err, apperr.ErrInsufficientFunds)
	}

	burnIn := f.cp.Input(t, 300, alice, ledger.Address)
	burn := f.apply(t, &event.Burn{Meta: f.meta(alice), Input: &burnIn, Recipient: alice})
	f.apply(t, &event.RegisterResolver{Meta: f.meta(bob), Bond: 2_000})
	st := f.apply(t, &event.InitiateSettlement{
		Meta:             f.meta(alice),
		DestinationChain: 42161,
		Amount:           f.cp.Input(t, 500, alice, settlement.Address),
		EstimateAmount:   500,
		SecretHash:       common.HexToHash("0x5ec7e7"),
		TimelockSeconds:  7200,
	})
	f.apply(t, &event.LockSettlement{Meta: f.meta(bob), SettlementID: st.ID, Bond: 1_000})

	g := f.restart(t)

	if got, want := g.core.GetSequence(), f.core.GetSequence(); got != want {
		t.Fatalf("sequence: got %d, want %d", got, want)
	}
	if g.core.GetStateHash() != f.core.GetStateHash() {
		t.Fatal("replayed chain tip differs")
	}
	if g.core.EntityDigest() != f.core.EntityDigest() {
		t.Fatal("replayed entities differ")
	}
	for _, who := range []common.Address{alice, bob, orders.Address, settlement.Address} {
		if got, want := g.balance(t, who), f.balance(t, who); got != want {
			t.Fatalf("balance of %s: got %d, want %d", who.Hex(), got, want)
		}
	}
	if o := g.core.Orders().GetOrder(order.ID); o == nil || o.FilledQuantity != 4 {
		t.Fatalf("order %d not rebuilt: %+v", order.ID, o)
	}
	if s := g.core.Settlement().GetSettlement(st.ID); s == nil || s.Status != settlement.StatusLocked {
		t.Fatalf("settlement %d not rebuilt: %+v", st.ID, s)
	}
	if r := g.core.Settlement().GetResolver(bob); r == nil || r.Reserved != 1_000 {
		t.Fatalf("resolver not rebuilt: %+v", r)
	}
	if !g.cp.Gateway.IsPending(burn.ID) {
		t.Fatalf("burn request %d not pending after replay", burn.ID)
	}
	if err := g.core.Ledger().Audit(); err != nil {
		t.Fatalf("audit after replay: %v", err)
	}

	// Both cores continue identically, including new ids.
	next := &event.CreateOrder{Meta: f.meta(alice), Order: f.orderParams(t, alice, 500)}
	fr := f.apply(t, next)
	gr := g.apply(t, next)
	if fr.ID != order.ID+1 || gr.ID != fr.ID {
		t.Fatalf("next order id: got %d and %d, want %d", fr.ID, gr.ID, order.ID+1)
	}
	if g.core.GetStateHash() != f.core.GetStateHash() {
		t.Fatal("chains diverge after replay")
	}

	// The restarted relayer can answer the request parked before the restart.
	req := g.cp.Gateway.Pending()[0]
	plaintexts, sigs, err := g.cp.Relayer.Decrypt(req)
	if err != nil {
		t.Fatalf("decrypt after restart: %v", err)
	}
	g.apply(t, &event.FinalizeDecryption{Meta: f.meta(bob), RequestID: req.ID, Plaintexts: plaintexts, Signatures: sigs})
	if got := g.core.Ledger().Public().WalletBalance(alice, 1); got != 300 {
		t.Fatalf("alice public wallet: got %d, want 300", got)
	}
}

func TestReplay_DuplicateAfterRestart(t *testing.T) {
	f := newTestCore(t, 16)
	dep := &event.Deposit{Meta: f.meta(admin), Account: alice, Asset: "USDC", Amount: 250}
	f.apply(t, dep)

	g := f.restart(t)
	if res := g.apply(t, dep); !res.Duplicate {
		t.Fatal("command applied before restart was not flagged duplicate")
	}
	if got := g.core.Ledger().Public().WalletBalance(alice, 1); got != 250 {
		t.Fatalf("wallet: got %d, want 250", got)
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	f := newTestCore(t, 16)
	f.fund(t, alice, 100)
	outputs := drainOutputs(f.persist)

	tests := []struct {
		name   string
		mutate func(lc *core.LoggedCommand)
	}{
		{"tampered payload", func(lc *core.LoggedCommand) {
			lc.Payload = []byte(strings.Replace(string(lc.Payload), `"amount":100`, `"amount":101`, 1))
		}},
		{"wrong sequence", func(lc *core.LoggedCommand) { lc.Sequence = 7 }},
		{"unknown type", func(lc *core.LoggedCommand) { lc.CommandType = "Rebalance" }},
		{"wrong hash", func(lc *core.LoggedCommand) { lc.StateHash[0] ^= 0xff }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestCoreWith(t, f.cp.Restart(), 16)
			env := outputs[0].Envelope
			lc := core.LoggedCommand{Sequence: env.Sequence, CommandType: env.CommandType.String(), Payload: env.Payload, StateHash: env.StateHash}
			tt.mutate(&lc)

			var div *core.ReplayDivergence
			if err := g.core.Replay(lc); !errors.As(err, &div) {
				t.Fatalf("got %v, want *ReplayDivergence", err)
			}
		})
	}
}

func TestEntityDigest_TracksEntities(t *testing.T) {
	f := newTestCore(t, 64)
	f.fund(t, alice, 10_000)
	f.apply(t, &event.UpdatePrice{Meta: f.meta(feeder), Symbol: "XAU", Price: 150})
	before := f.core.EntityDigest()
	if f.core.EntityDigest() != before {
		t.Fatal("digest is not stable between calls")
	}

	order := f.apply(t, &event.CreateOrder{Meta: f.meta(alice), Order: f.orderParams(t, alice, 1_000)})
	created := f.core.EntityDigest()
	if created == before {
		t.Fatal("digest ignores a new order")
	}

	f.clock.Advance(time.Minute)
	f.apply(t, &event.ExecuteOrder{Meta: f.meta(matcher), OrderID: order.ID, FillQuantity: 1, Price: 160})
	if f.core.EntityDigest() == created {
		t.Fatal("digest ignores a fill")
	}
}

// ============================================================================
// Test: Inbox
// ============================================================================

func TestInbox_StampsAndSerializes(t *testing.T) {
	f := newTestCore(t, 16)
	inbox := core.NewInbox(8, f.clock.Now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.core.Run(ctx, inbox.C()) }()

	dep := &event.Deposit{Meta: event.Meta{Caller: admin}, Account: alice, Asset: "USDC", Amount: 75}
	if _, err := inbox.Submit(ctx, dep); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if dep.Key == "" || !dep.At.Equal(f.clock.Now()) {
		t.Fatalf("command not stamped: key=%q at=%s", dep.Key, dep.At)
	}

	_, err := inbox.Submit(ctx, &event.Withdraw{Meta: event.Meta{Caller: alice}, Asset: "USDC", Amount: 500})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("overdraw: got %v, want %v", err, apperr.ErrInsufficientFunds)
	}

	var wallet int64
	var seq int64
	if err := inbox.Read(ctx, func(c *core.DeterministicCore) {
		wallet = c.Ledger().Public().WalletBalance(alice, 1)
		seq = c.GetSequence()
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if wallet != 75 || seq != 1 {
		t.Fatalf("wallet=%d sequence=%d, want 75 and 1", wallet, seq)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v, want %v", err, context.Canceled)
	}
}
