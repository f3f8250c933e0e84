package ledger

import (
	"fmt"
	"sort"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ConsumerUnwrap is the gateway consumer that completes burns.
const ConsumerUnwrap = "ledger.unwrap"

var (
	// Address is the ledger's own principal.
	Address = access.ModuleAddress("ledger")
	// BurnEscrow holds burned amounts until their decryption finalizes.
	BurnEscrow = access.ModuleAddress("ledger.burn_escrow")
	// Treasury collects protocol fees.
	Treasury = access.ModuleAddress("treasury")
	// InsuranceFund receives slashed resolver bonds.
	InsuranceFund = access.ModuleAddress("insurance")
)

// Config fixes the wrapped asset and the ratio between its public base
// units and confidential units.
type Config struct {
	Asset string
	Scale uint64
}

type pendingBurn struct {
	from      common.Address
	recipient common.Address
	amount    fhe.Handle
}

// Confidential is the encrypted balance ledger. Balances are ciphertext
// handles; the public wallet and vault side is tracked as double-entry
// journals. Not thread-safe: driven only from the serialized command path.
type Confidential struct {
	asset   string
	assetID AssetID
	scale   uint64

	x       *fhe.Executor
	ev      *fhe.Evaluator
	acl     *access.Table
	gateway *fhe.Gateway
	inputs  *fhe.InputVerifier
	sink    event.Sink
	logger  zerolog.Logger

	public    *BalanceTracker
	journals  *JournalGenerator
	validator *InvariantValidator
	batches   []*Batch

	balances     map[common.Address]fhe.Handle
	minted       uint64
	burned       uint64
	pendingBurns map[uint64]pendingBurn
}

func NewConfidential(
	cfg Config,
	x *fhe.Executor,
	acl *access.Table,
	gateway *fhe.Gateway,
	inputs *fhe.InputVerifier,
	sink event.Sink,
	logger zerolog.Logger,
) (*Confidential, error) {
	assetID, ok := GetAssetID(cfg.Asset)
	if !ok {
		return nil, apperr.ErrUnsupportedAsset.With("asset %q", cfg.Asset)
	}
	if cfg.Scale == 0 {
		return nil, fmt.Errorf("ledger: scale must be positive")
	}
	public := NewBalanceTracker()
	l := &Confidential{
		asset:        cfg.Asset,
		assetID:      assetID,
		scale:        cfg.Scale,
		x:            x,
		ev:           x.As(Address),
		acl:          acl,
		gateway:      gateway,
		inputs:       inputs,
		sink:         sink,
		logger:       logger,
		public:       public,
		journals:     NewJournalGenerator(0),
		validator:    NewInvariantValidator(public),
		balances:     make(map[common.Address]fhe.Handle),
		pendingBurns: make(map[uint64]pendingBurn),
	}
	gateway.Register(ConsumerUnwrap, l)
	return l, nil
}

func (l *Confidential) Asset() string    { return l.asset }
func (l *Confidential) AssetID() AssetID { return l.assetID }
func (l *Confidential) Scale() uint64    { return l.scale }

// SetSequence stamps journal batches produced by the next command.
func (l *Confidential) SetSequence(seq int64) { l.journals.SetSequence(seq) }

// DrainBatches hands the journal batches produced since the last call to the
// persistence path.
func (l *Confidential) DrainBatches() []*Batch {
	out := l.batches
	l.batches = nil
	return out
}

func (l *Confidential) apply(b *Batch) {
	if err := l.public.ApplyBatch(b); err != nil {
		panic(fmt.Sprintf("FATAL: ledger: generated invalid batch: %v", err))
	}
	l.batches = append(l.batches, b)
}

// Deposit credits a public wallet from an observed external deposit. Only
// the admin role feeds deposits in.
func (l *Confidential) Deposit(ref string, caller, account common.Address, asset string, amount uint64, now time.Time) error {
	if err := l.acl.Require(caller, access.CapAdmin); err != nil {
		return err
	}
	assetID, ok := GetAssetID(asset)
	if !ok {
		return apperr.ErrUnsupportedAsset.With("asset %q", asset)
	}
	if amount == 0 {
		return apperr.ErrZeroAmount
	}
	l.apply(l.journals.Deposit(ref, now.UnixMicro(), account, assetID, int64(amount)))
	l.sink.Emit(event.Deposited{Account: account, Asset: asset, Amount: amount})
	return nil
}

// Withdraw pays public tokens out of the caller's wallet.
func (l *Confidential) Withdraw(ref string, caller common.Address, asset string, amount uint64, now time.Time) error {
	assetID, ok := GetAssetID(asset)
	if !ok {
		return apperr.ErrUnsupportedAsset.With("asset %q", asset)
	}
	if amount == 0 {
		return apperr.ErrZeroAmount
	}
	if err := l.public.ValidateSufficientWallet(caller, assetID, int64(amount)); err != nil {
		return apperr.ErrInsufficientFunds.Wrap(err)
	}
	l.apply(l.journals.Withdrawal(ref, now.UnixMicro(), caller, assetID, int64(amount)))
	l.sink.Emit(event.Withdrawn{Account: caller, Asset: asset, Amount: amount})
	return nil
}

// Mint wraps amount public base units from payer's wallet into a
// confidential balance for to. Amount must be a whole multiple of the scale.
func (l *Confidential) Mint(ref string, payer, to common.Address, amount uint64, now time.Time) (fhe.Handle, error) {
	if amount == 0 {
		return fhe.ZeroHandle, apperr.ErrZeroAmount
	}
	if amount%l.scale != 0 {
		return fhe.ZeroHandle, apperr.ErrInvalidAmount.With("%d is not a multiple of scale %d", amount, l.scale)
	}
	if to == (common.Address{}) {
		return fhe.ZeroHandle, apperr.ErrInvalidAmount.With("mint to zero address")
	}
	if err := l.public.ValidateSufficientWallet(payer, l.assetID, int64(amount)); err != nil {
		return fhe.ZeroHandle, apperr.ErrInsufficientFunds.Wrap(err)
	}

	units := amount / l.scale
	l.apply(l.journals.Wrap(ref, now.UnixMicro(), payer, l.assetID, int64(amount)))
	bal := l.ev.Add(l.balanceOrZero(to), l.ev.Encrypt(units))
	l.setBalance(to, bal)
	l.minted += units

	l.sink.Emit(event.Minted{To: to, PublicAmount: amount, Balance: bal})
	l.logger.Debug().Str("to", to.Hex()).Uint64("public_amount", amount).Msg("minted")
	return bal, nil
}

// ImportInput admits an external ciphertext addressed to the ledger.
func (l *Confidential) ImportInput(in fhe.ExternalInput, submitter common.Address) (fhe.Handle, error) {
	return l.inputs.Import(in, submitter, Address)
}

// Transfer moves amount from one account to another. The caller must either
// own the source account or hold the transfer capability, and must be allowed
// to use the amount handle. The debit is checked before anything changes.
func (l *Confidential) Transfer(caller, from, to common.Address, amount fhe.Handle) error {
	if from == to {
		return apperr.ErrInvalidAmount.With("transfer to self")
	}
	if to == (common.Address{}) {
		return apperr.ErrInvalidAmount.With("transfer to zero address")
	}
	if caller != from && !l.acl.Has(caller, access.CapLedgerTransfer) {
		return apperr.ErrUnauthorized.With("%s may not move funds of %s", caller.Hex(), from.Hex())
	}
	if err := l.checkAmount(caller, amount); err != nil {
		return err
	}

	debited, err := l.ev.SubChecked(l.balanceOrZero(from), amount)
	if err != nil {
		return apperr.ErrInsufficientFunds.With("account %s", from.Hex())
	}
	l.setBalance(from, debited)
	l.setBalance(to, l.ev.Add(l.balanceOrZero(to), amount))

	l.sink.Emit(event.Transferred{From: from, To: to, Amount: amount})
	return nil
}

// Burn debits amount from the caller's (or, with the transfer capability,
// from's) balance into the burn escrow and asks the decryption authority for
// its plaintext. The public payout to recipient happens on finalization.
func (l *Confidential) Burn(caller, from, recipient common.Address, amount fhe.Handle, now time.Time) (uint64, error) {
	if caller != from && !l.acl.Has(caller, access.CapLedgerTransfer) {
		return 0, apperr.ErrUnauthorized.With("%s may not burn funds of %s", caller.Hex(), from.Hex())
	}
	if recipient == (common.Address{}) {
		return 0, apperr.ErrInvalidAmount.With("burn to zero recipient")
	}
	if err := l.checkAmount(caller, amount); err != nil {
		return 0, err
	}

	debited, err := l.ev.SubChecked(l.balanceOrZero(from), amount)
	if err != nil {
		return 0, apperr.ErrInsufficientFunds.With("account %s", from.Hex())
	}
	l.setBalance(from, debited)
	l.setBalance(BurnEscrow, l.ev.Add(l.balanceOrZero(BurnEscrow), amount))

	req := l.gateway.RequestDecrypt([]fhe.Handle{amount}, ConsumerUnwrap, now)
	l.pendingBurns[req.ID] = pendingBurn{from: from, recipient: recipient, amount: amount}

	l.sink.Emit(event.BurnRequested{From: from, Recipient: recipient, Amount: amount, RequestID: req.ID})
	l.sink.Emit(event.DecryptionRequested{RequestID: req.ID, Handles: req.Handles, Consumer: req.Consumer})
	return req.ID, nil
}

// OnDecrypted completes a parked burn: the escrowed amount leaves the
// confidential supply and its public value is released from the vault.
func (l *Confidential) OnDecrypted(req fhe.DecryptRequest, plaintexts []uint64, now time.Time) error {
	pb, ok := l.pendingBurns[req.ID]
	if !ok {
		return apperr.ErrUnknownRequest.With("no burn parked under request %d", req.ID)
	}
	if len(plaintexts) != 1 {
		return apperr.ErrBadPlaintexts.With("burn expects 1 plaintext, got %d", len(plaintexts))
	}
	p := plaintexts[0]

	escrow, err := l.ev.SubChecked(l.balanceOrZero(BurnEscrow), pb.amount)
	if err != nil {
		panic(fmt.Sprintf("FATAL: ledger: burn escrow short for request %d", req.ID))
	}
	l.setBalance(BurnEscrow, escrow)
	l.burned += p
	delete(l.pendingBurns, req.ID)

	if p > 0 {
		ref := fmt.Sprintf("unwrap:%d", req.ID)
		l.apply(l.journals.Unwrap(ref, now.UnixMicro(), pb.recipient, l.assetID, int64(p*l.scale)))
	}
	l.sink.Emit(event.Burned{Recipient: pb.recipient, PublicAmount: p * l.scale, RequestID: req.ID})
	l.logger.Debug().Uint64("request_id", req.ID).Str("recipient", pb.recipient.Hex()).Msg("burn finalized")
	return nil
}

func (l *Confidential) checkAmount(caller common.Address, amount fhe.Handle) error {
	if amount.IsZero() || !l.x.Exists(amount) {
		return apperr.ErrInvalidAmount.With("unknown amount handle %s", amount.Short())
	}
	if _, typ, _ := l.x.Reveal(amount); typ != fhe.TypeUint64 {
		return apperr.ErrInvalidAmount.With("amount %s is not euint64", amount.Short())
	}
	if !l.x.IsAllowed(amount, caller) {
		return apperr.ErrNotAllowed.With("%s is not allowed to use %s", caller.Hex(), amount.Short())
	}
	return nil
}

func (l *Confidential) balanceOrZero(account common.Address) fhe.Handle {
	if h, ok := l.balances[account]; ok {
		return h
	}
	return l.ev.Encrypt(0)
}

func (l *Confidential) setBalance(account common.Address, h fhe.Handle) {
	l.balances[account] = h
	l.x.Allow(h, account)
}

// BalanceOf returns the balance handle of account, or the zero handle when
// the account has never held funds.
func (l *Confidential) BalanceOf(account common.Address) fhe.Handle {
	return l.balances[account]
}

// SealedBalance returns account's balance handle for use by caller, which
// must be the account itself or hold the transfer capability.
func (l *Confidential) SealedBalance(caller, account common.Address) (fhe.Handle, error) {
	if caller != account && !l.acl.Has(caller, access.CapLedgerTransfer) {
		return fhe.ZeroHandle, apperr.ErrUnauthorized.With("%s may not read balance of %s", caller.Hex(), account.Hex())
	}
	h, ok := l.balances[account]
	if !ok {
		h = l.ev.Encrypt(0)
	}
	l.x.Allow(h, caller)
	return h, nil
}

// Accounts lists every account that has held a balance, sorted.
func (l *Confidential) Accounts() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Supply reports total confidential units minted and burned.
func (l *Confidential) Supply() (minted, burned uint64) { return l.minted, l.burned }

// PendingBurns is the number of burns waiting on decryption.
func (l *Confidential) PendingBurns() int { return len(l.pendingBurns) }

// Public exposes the public wallet and vault balances.
func (l *Confidential) Public() *BalanceTracker { return l.public }

// Audit reveals every balance and checks conservation on both sides of the
// wrapper: confidential balances (escrow accounts included) sum to minted
// minus burned, the vault backs exactly that supply, and the public journal
// stays zero-sum. Test and operator tooling only.
func (l *Confidential) Audit() error {
	var total uint64
	for _, a := range l.Accounts() {
		v, _, ok := l.x.Reveal(l.balances[a])
		if !ok {
			return fmt.Errorf("ledger: balance of %s references unknown ciphertext", a.Hex())
		}
		total += v
	}
	outstanding := l.minted - l.burned
	if total != outstanding {
		return fmt.Errorf("ledger: balances sum to %d, minted-burned is %d", total, outstanding)
	}
	if err := l.validator.ValidateVaultBacking(l.assetID, outstanding, l.scale); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}
