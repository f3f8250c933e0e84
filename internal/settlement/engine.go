package settlement

import (
	"fmt"
	"sort"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/risk"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// Address is the settlement module principal. Its ledger account holds
	// the amounts of open settlements.
	Address = access.ModuleAddress("settlement")
	// BondAccount holds every resolver's posted bond.
	BondAccount = access.ModuleAddress("settlement.bonds")
)

// Positions resolves the position a settlement draws on.
type Positions interface {
	GetPosition(id uint64) *state.Position
}

// Engine is the cross-chain settlement engine. Not thread-safe: driven only
// from the serialized command path.
type Engine struct {
	params Params

	x         *fhe.Executor
	ev        *fhe.Evaluator
	ledger    state.Ledger
	positions Positions
	acl       *access.Table
	inputs    *fhe.InputVerifier
	delays    *risk.DelayedApprovals
	sink      event.Sink
	logger    zerolog.Logger

	resolvers   *registry
	escrows     *EscrowBook
	chains      map[uint64]bool
	breakers    map[uint64]*risk.CircuitBreaker
	settlements map[uint64]*Settlement
	usedSecrets map[common.Hash]uint64
	nextID      uint64
}

func NewEngine(
	params Params,
	x *fhe.Executor,
	l state.Ledger,
	positions Positions,
	acl *access.Table,
	inputs *fhe.InputVerifier,
	sink event.Sink,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	return &Engine{
		params:      params,
		x:           x,
		ev:          x.As(Address),
		ledger:      l,
		positions:   positions,
		acl:         acl,
		inputs:      inputs,
		delays:      risk.NewDelayedApprovals(params.EmergencyDelay),
		sink:        sink,
		logger:      logger,
		resolvers:   newRegistry(),
		escrows:     NewEscrowBook(),
		chains:      make(map[uint64]bool),
		breakers:    make(map[uint64]*risk.CircuitBreaker),
		settlements: make(map[uint64]*Settlement),
		usedSecrets: make(map[common.Hash]uint64),
		nextID:      1,
	}, nil
}

func (e *Engine) Params() Params                 { return e.params }
func (e *Engine) Escrows() *EscrowBook           { return e.escrows }
func (e *Engine) Delays() *risk.DelayedApprovals { return e.delays }

// --- Chains ---

// SetChain activates or deactivates a destination chain. Admin only.
func (e *Engine) SetChain(caller common.Address, chain uint64, active bool) error {
	if err := e.acl.Require(caller, access.CapAdmin); err != nil {
		return err
	}
	if chain == 0 {
		return apperr.ErrUnsupportedChain.With("chain id 0")
	}
	e.chains[chain] = active
	e.sink.Emit(event.ChainUpdated{Chain: chain, Active: active})
	return nil
}

// ChainActive reports whether settlements may target chain.
func (e *Engine) ChainActive(chain uint64) bool { return e.chains[chain] }

// Breakers lists the chain breakers created so far, by chain id.
func (e *Engine) Breakers() []*risk.CircuitBreaker {
	chains := make([]uint64, 0, len(e.breakers))
	for c := range e.breakers {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	out := make([]*risk.CircuitBreaker, len(chains))
	for i, c := range chains {
		out[i] = e.breakers[c]
	}
	return out
}

// Breaker returns the volume breaker of a destination chain.
func (e *Engine) Breaker(chain uint64) *risk.CircuitBreaker {
	b, ok := e.breakers[chain]
	if !ok {
		b = risk.NewCircuitBreaker(fmt.Sprintf("chain:%d", chain), e.params.ChainDailyCap)
		e.breakers[chain] = b
	}
	return b
}

// --- Resolvers ---

// RegisterResolver moves bond from the caller's balance into the bond
// account and registers the caller with the initial reputation.
func (e *Engine) RegisterResolver(caller common.Address, bond uint64, now time.Time) (*Resolver, error) {
	if _, ok := e.resolvers.get(caller); ok {
		return nil, apperr.ErrAlreadyRegistered.With("resolver %s", caller.Hex())
	}
	if bond < e.params.MinBond {
		return nil, apperr.ErrBondTooSmall.With("bond %d below minimum %d", bond, e.params.MinBond)
	}
	if err := e.ledger.Transfer(Address, caller, BondAccount, e.ev.Encrypt(bond)); err != nil {
		return nil, err
	}
	r := &Resolver{
		Address:      caller,
		Active:       true,
		Bond:         bond,
		Reputation:   e.params.InitialReputation,
		RegisteredAt: now,
	}
	e.resolvers.put(r)
	e.sink.Emit(event.ResolverRegistered{Resolver: caller, Bond: bond, Reputation: r.Reputation})
	e.logger.Info().Str("resolver", caller.Hex()).Uint64("bond", bond).Msg("resolver registered")
	return r, nil
}

// WithdrawResolverBond returns the whole bond and deactivates the resolver.
// Refused while any settlement still holds a pledge.
func (e *Engine) WithdrawResolverBond(caller common.Address) (uint64, error) {
	r, ok := e.resolvers.get(caller)
	if !ok {
		return 0, apperr.ErrNotFound.With("resolver %s", caller.Hex())
	}
	if r.Reserved > 0 {
		return 0, apperr.ErrOutstandingLocks.With("resolver %s has %d pledged", caller.Hex(), r.Reserved)
	}
	amount := r.Bond
	if amount > 0 {
		e.mustTransfer(BondAccount, caller, e.ev.Encrypt(amount))
	}
	r.Bond = 0
	r.Active = false
	e.sink.Emit(event.ResolverBondWithdrawn{Resolver: caller, Amount: amount})
	return amount, nil
}

// --- Settlement lifecycle ---

// InitiateInput carries the user's settlement request.
type InitiateInput struct {
	PositionID       uint64
	SourceToken      string
	SourceChain      uint64
	DestinationToken string
	DestinationChain uint64
	Amount           fhe.ExternalInput
	EstimateAmount   uint64
	SecretHash       common.Hash
	Timelock         time.Duration
}

// Initiate locks the sealed amount from the caller and records a PENDING
// settlement towards the destination chain.
func (e *Engine) Initiate(caller common.Address, in InitiateInput, now time.Time) (*Settlement, error) {
	if !e.chains[in.DestinationChain] {
		return nil, apperr.ErrUnsupportedChain.With("chain %d", in.DestinationChain)
	}
	if in.Timelock < e.params.MinTimelock || in.Timelock > e.params.MaxTimelock {
		return nil, apperr.ErrInvalidTimelock.With("timelock %s outside [%s, %s]", in.Timelock, e.params.MinTimelock, e.params.MaxTimelock)
	}
	if in.SecretHash == (common.Hash{}) {
		return nil, apperr.ErrZeroSecretHash
	}
	if in.EstimateAmount == 0 {
		return nil, apperr.ErrZeroAmount.With("estimate amount")
	}
	if in.PositionID != 0 {
		p := e.positions.GetPosition(in.PositionID)
		if p == nil {
			return nil, apperr.ErrNotFound.With("position %d", in.PositionID)
		}
		if p.Owner != caller {
			return nil, apperr.ErrNotOwner.With("position %d", in.PositionID)
		}
	}
	breaker := e.Breaker(in.DestinationChain)
	if err := breaker.Check(in.EstimateAmount, now); err != nil {
		return nil, err
	}
	amount, err := e.inputs.Import(in.Amount, caller, Address)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(Address, caller, Address, amount); err != nil {
		return nil, err
	}
	volume, err := breaker.Add(in.EstimateAmount, now)
	if err != nil {
		panic(fmt.Sprintf("FATAL: settlement: breaker rejected volume it accepted: %v", err))
	}

	s := &Settlement{
		ID:               e.nextID,
		Owner:            caller,
		PositionID:       in.PositionID,
		SourceToken:      in.SourceToken,
		SourceChain:      in.SourceChain,
		DestinationToken: in.DestinationToken,
		DestinationChain: in.DestinationChain,
		Amount:           amount,
		EstimateAmount:   in.EstimateAmount,
		SecretHash:       in.SecretHash,
		Timelock:         in.Timelock,
		Deadline:         now.Add(in.Timelock),
		Status:           StatusPending,
		CreatedAt:        now,
	}
	e.nextID++
	e.settlements[s.ID] = s

	e.sink.Emit(event.VolumeRecorded{Scope: breaker.Scope(), Day: risk.DayIndex(now), Volume: volume})
	e.sink.Emit(event.SettlementInitiated{
		SettlementID:     s.ID,
		Owner:            caller,
		PositionID:       s.PositionID,
		DestinationChain: s.DestinationChain,
		SecretHash:       s.SecretHash,
		Deadline:         s.Deadline,
		Amount:           amount,
	})
	e.logger.Debug().Uint64("settlement_id", s.ID).Uint64("chain", s.DestinationChain).Msg("settlement initiated")
	return s, nil
}

// Lock lets an active resolver take a PENDING settlement by pledging bond
// from its free balance. The pledge must cover max(10% of the estimate,
// minimum bond).
func (e *Engine) Lock(caller common.Address, id, bond uint64, now time.Time) error {
	r, ok := e.resolvers.get(caller)
	if !ok || !r.CanLock() {
		return apperr.ErrResolverState.With("%s is not an active resolver", caller.Hex())
	}
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if s.Status != StatusPending {
		return apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	if s.PastDeadline(now) {
		return apperr.ErrDeadlinePassed.With("settlement %d deadline %s", id, s.Deadline)
	}
	if required := e.params.RequiredBond(s.EstimateAmount); bond < required {
		return apperr.ErrBondTooSmall.With("bond %d below required %d", bond, required)
	}
	if bond > r.FreeBond() {
		return apperr.ErrBondTooSmall.With("bond %d exceeds free bond %d", bond, r.FreeBond())
	}
	escrow, err := e.escrows.Create(s.Owner, caller, s.SourceToken, s.DestinationChain, s.Amount, s.SecretHash, s.Deadline, now)
	if err != nil {
		return err
	}

	r.Reserved += bond
	s.Resolver = caller
	s.BondAmount = bond
	s.ResolverBond = e.ev.Encrypt(bond)
	s.EscrowID = escrow.ID
	s.LockedAt = now
	s.Status = StatusLocked
	e.x.Allow(s.ResolverBond, caller)

	e.sink.Emit(event.EscrowCreated{
		EscrowID:    escrow.ID,
		Initiator:   escrow.Initiator,
		Participant: escrow.Participant,
		Token:       escrow.Token,
		Chain:       escrow.Chain,
		SecretHash:  escrow.SecretHash,
		Timelock:    escrow.Timelock,
	})
	e.sink.Emit(event.SettlementLocked{SettlementID: id, Resolver: caller, EscrowID: escrow.ID, Bond: bond})
	return nil
}

// Execute completes a LOCKED settlement with the hashlock preimage. The user
// receives the amount net of protocol and resolver fees; the pledge is
// released back to the resolver's free bond.
func (e *Engine) Execute(caller common.Address, id uint64, secret common.Hash, now time.Time) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if s.Status != StatusLocked {
		return apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	if caller != s.Resolver {
		return apperr.ErrNotResolver.With("settlement %d is locked by %s", id, s.Resolver.Hex())
	}
	if s.Dispute == DisputeRaised {
		return apperr.ErrDisputeOpen.With("settlement %d is disputed", id)
	}
	if s.PastDeadline(now) {
		return apperr.ErrDeadlinePassed.With("settlement %d deadline %s", id, s.Deadline)
	}
	if HashSecret(secret) != s.SecretHash {
		return apperr.ErrSecretMismatch.With("settlement %d", id)
	}
	if prior, used := e.usedSecrets[secret]; used {
		return apperr.ErrSecretUsed.With("secret already settled %d", prior)
	}
	if err := e.escrows.Redeem(s.EscrowID, secret, now); err != nil {
		return err
	}

	protocolFee := e.ev.DivScalar(e.ev.MulScalar(s.Amount, e.params.ProtocolFeeBps), bpsScale)
	resolverFee := e.ev.DivScalar(e.ev.MulScalar(s.Amount, e.params.ResolverFeeBps), bpsScale)
	payout := e.ev.Sub(e.ev.Sub(s.Amount, protocolFee), resolverFee)

	e.mustTransfer(Address, s.Owner, payout)
	e.mustTransfer(Address, ledger.Treasury, protocolFee)
	e.mustTransfer(Address, s.Resolver, resolverFee)
	e.x.Allow(payout, s.Owner)
	e.x.Allow(resolverFee, s.Resolver)

	r, _ := e.resolvers.get(s.Resolver)
	r.Reserved -= s.BondAmount
	r.recordSuccess(s.EstimateAmount, now.Sub(s.LockedAt), e.params)

	e.usedSecrets[secret] = s.ID
	s.Secret = secret
	s.ExecutedAmount = payout
	s.Status = StatusExecuted
	s.ClosedAt = now
	e.delays.Clear(s.ID)

	e.sink.Emit(event.EscrowRedeemed{EscrowID: s.EscrowID, Secret: secret})
	e.sink.Emit(event.SettlementExecuted{SettlementID: id, Resolver: caller, Secret: secret, Payout: payout, Reputation: r.Reputation})
	e.logger.Debug().Uint64("settlement_id", id).Str("resolver", caller.Hex()).Msg("settlement executed")
	return nil
}

// Cancel refunds an open settlement to its owner. The owner and the
// emergency role may cancel a PENDING settlement at any time; a LOCKED one
// only once its deadline has passed, and after the deadline anyone may. A
// resolver that let its lock time out loses its pledge to the insurance
// fund.
func (e *Engine) Cancel(caller common.Address, id uint64, now time.Time) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !s.Status.Open() {
		return apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	if s.Dispute == DisputeRaised {
		return apperr.ErrDisputeOpen.With("settlement %d is disputed", id)
	}
	late := s.PastDeadline(now)
	privileged := caller == s.Owner || e.acl.Has(caller, access.CapEmergency)
	switch {
	case late:
	case !privileged:
		return apperr.ErrNotOwner.With("settlement %d", id)
	case s.Status == StatusLocked:
		return apperr.ErrNotYetExpired.With("settlement %d is locked until %s", id, s.Deadline)
	}

	status := StatusCancelled
	if late {
		status = StatusExpired
	}
	return e.refund(s, caller, status, late, now)
}

// refund returns the amount to the owner, settles the escrow and, when
// slash is set, moves the resolver's pledge to the insurance fund.
func (e *Engine) refund(s *Settlement, by common.Address, status Status, slash bool, now time.Time) error {
	slashed := false
	if s.Status == StatusLocked {
		if err := e.escrows.Refund(s.EscrowID, now); err != nil {
			return err
		}
		r, _ := e.resolvers.get(s.Resolver)
		if slash {
			e.mustTransfer(BondAccount, ledger.InsuranceFund, s.ResolverBond)
			r.recordSlash(s.BondAmount, e.params)
			slashed = true
			e.sink.Emit(event.ResolverSlashed{
				Resolver:     r.Address,
				SettlementID: s.ID,
				Amount:       s.BondAmount,
				Reputation:   r.Reputation,
				Active:       r.Active,
			})
			e.logger.Warn().Str("resolver", r.Address.Hex()).Uint64("settlement_id", s.ID).Uint64("amount", s.BondAmount).Msg("resolver slashed")
		} else {
			r.Reserved -= s.BondAmount
		}
		e.sink.Emit(event.EscrowRefunded{EscrowID: s.EscrowID})
	}

	e.mustTransfer(Address, s.Owner, s.Amount)
	s.Status = status
	s.ClosedAt = now
	e.delays.Clear(s.ID)

	e.sink.Emit(event.SettlementCancelled{SettlementID: s.ID, By: by, Status: status.String(), Slashed: slashed})
	return nil
}

func (e *Engine) mustTransfer(from, to common.Address, amount fhe.Handle) {
	if err := e.ledger.Transfer(Address, from, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: settlement: transfer %s -> %s failed: %v", from.Hex(), to.Hex(), err))
	}
}

func (e *Engine) lookup(id uint64) (*Settlement, error) {
	s, ok := e.settlements[id]
	if !ok {
		return nil, apperr.ErrNotFound.With("settlement %d", id)
	}
	return s, nil
}

// GetSettlement returns a settlement or nil.
func (e *Engine) GetSettlement(id uint64) *Settlement {
	return e.settlements[id]
}

// GetAllSettlements returns every settlement ordered by id.
func (e *Engine) GetAllSettlements() []*Settlement {
	result := make([]*Settlement, 0, len(e.settlements))
	for _, s := range e.settlements {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// OpenSettlements counts settlements still holding user funds.
func (e *Engine) OpenSettlements() int {
	n := 0
	for _, s := range e.settlements {
		if s.Status.Open() {
			n++
		}
	}
	return n
}

// GetResolver returns a resolver or nil.
func (e *Engine) GetResolver(addr common.Address) *Resolver {
	r, _ := e.resolvers.get(addr)
	return r
}

// GetAllResolvers returns every resolver ordered by address.
func (e *Engine) GetAllResolvers() []*Resolver {
	return e.resolvers.all()
}
