package state

import (
	"fmt"
	"sort"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// Address is the positions module principal. Its ledger account holds
	// the collateral of every open position.
	Address = access.ModuleAddress("positions")
	// PoolAddress is the liquidity pool that pays position gains and
	// receives position losses.
	PoolAddress = access.ModuleAddress("positions.pool")
)

// Ledger is the slice of the confidential ledger the engines move value with.
type Ledger interface {
	Transfer(caller, from, to common.Address, amount fhe.Handle) error
	SealedBalance(caller, account common.Address) (fhe.Handle, error)
}

// Fill describes collateral and exposure handed over by a filled order.
// Collateral has already been moved into the positions account.
type Fill struct {
	OrderID      uint64
	Owner        common.Address
	Underlying   string
	Type         PositionType
	Strike       fhe.Handle
	LimitPrice   fhe.Handle
	FillQuantity uint64
	Collateral   fhe.Handle
	Expiration   time.Time
}

// PositionManager is the position and pricing engine. Not thread-safe:
// driven only from the serialized command path.
type PositionManager struct {
	x      *fhe.Executor
	ev     *fhe.Evaluator
	ledger Ledger
	oracle oracle.Oracle
	inputs *fhe.InputVerifier
	sink   event.Sink
	logger zerolog.Logger

	positions map[uint64]*Position
	byOrder   map[uint64]uint64
	nextID    uint64
}

func NewPositionManager(x *fhe.Executor, ledger Ledger, o oracle.Oracle, inputs *fhe.InputVerifier, sink event.Sink, logger zerolog.Logger) *PositionManager {
	return &PositionManager{
		x:         x,
		ev:        x.As(Address),
		ledger:    ledger,
		oracle:    o,
		inputs:    inputs,
		sink:      sink,
		logger:    logger,
		positions: make(map[uint64]*Position),
		byOrder:   make(map[uint64]uint64),
		nextID:    1,
	}
}

// OpenInput carries the submitter's sealed position terms.
type OpenInput struct {
	Underlying   string
	PositionType string
	Quantity     fhe.ExternalInput
	Strike       fhe.ExternalInput
	Premium      fhe.ExternalInput
	Collateral   fhe.ExternalInput
	Expiration   time.Time
}

// Open locks the submitted collateral and records an OPEN position.
func (pm *PositionManager) Open(caller common.Address, in OpenInput, now time.Time) (*Position, error) {
	typ, err := ParsePositionType(in.PositionType)
	if err != nil {
		return nil, err
	}
	if !pm.oracle.Supported(in.Underlying) {
		return nil, apperr.ErrUnsupportedAsset.With("underlying %q", in.Underlying)
	}
	if !in.Expiration.After(now) {
		return nil, apperr.ErrExpirationTooSoon.With("expiration %s is not after %s", in.Expiration, now)
	}

	handles := make([]fhe.Handle, 4)
	for i, ext := range []fhe.ExternalInput{in.Quantity, in.Strike, in.Premium, in.Collateral} {
		h, err := pm.inputs.Import(ext, caller, Address)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	if err := pm.ledger.Transfer(Address, caller, Address, handles[3]); err != nil {
		return nil, err
	}

	p := &Position{
		ID:         pm.nextID,
		Owner:      caller,
		Underlying: in.Underlying,
		Type:       typ,
		Quantity:   handles[0],
		Strike:     handles[1],
		Premium:    handles[2],
		Collateral: handles[3],
		Expiration: in.Expiration,
		Status:     PositionStatusOpen,
		CreatedAt:  now,
	}
	pm.nextID++
	pm.positions[p.ID] = p

	pm.sink.Emit(event.PositionOpened{
		PositionID:   p.ID,
		Owner:        p.Owner,
		Underlying:   p.Underlying,
		PositionType: p.Type.String(),
		Expiration:   p.Expiration,
	})
	return p, nil
}

// ApplyFill opens the position backing an order on its first fill and grows
// it on later fills. Premium accrues as limit price times fill quantity.
func (pm *PositionManager) ApplyFill(f Fill, now time.Time) uint64 {
	fillQty := pm.ev.Encrypt(f.FillQuantity)
	premium := pm.ev.Mul(f.LimitPrice, fillQty)

	if id, ok := pm.byOrder[f.OrderID]; ok {
		p := pm.positions[id]
		if p.Status != PositionStatusOpen {
			panic(fmt.Sprintf("FATAL: fill for order %d targets settled position %d", f.OrderID, id))
		}
		p.Quantity = pm.ev.Add(p.Quantity, fillQty)
		p.Premium = pm.ev.Add(p.Premium, premium)
		p.Collateral = pm.ev.Add(p.Collateral, f.Collateral)
		p.Version++
		pm.allowOwner(p)
		pm.sink.Emit(event.PositionIncreased{PositionID: p.ID, OrderID: f.OrderID})
		return p.ID
	}

	p := &Position{
		ID:         pm.nextID,
		Owner:      f.Owner,
		Underlying: f.Underlying,
		Type:       f.Type,
		Quantity:   fillQty,
		Strike:     f.Strike,
		Premium:    premium,
		Collateral: f.Collateral,
		Expiration: f.Expiration,
		Status:     PositionStatusOpen,
		CreatedAt:  now,
		OrderID:    f.OrderID,
	}
	pm.nextID++
	pm.positions[p.ID] = p
	pm.byOrder[f.OrderID] = p.ID
	pm.allowOwner(p)

	pm.sink.Emit(event.PositionOpened{
		PositionID:   p.ID,
		Owner:        p.Owner,
		Underlying:   p.Underlying,
		PositionType: p.Type.String(),
		Expiration:   p.Expiration,
		OrderID:      f.OrderID,
	})
	return p.ID
}

// Close settles an OPEN, unexpired position at the current oracle price.
// Owner only.
func (pm *PositionManager) Close(caller common.Address, id uint64, now time.Time) error {
	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	if caller != p.Owner {
		return apperr.ErrNotOwner.With("position %d", id)
	}
	if p.Status != PositionStatusOpen {
		return apperr.ErrWrongStatus.With("position %d is %s", id, p.Status)
	}
	if !now.Before(p.Expiration) {
		return apperr.ErrExpired.With("position %d expired at %s", id, p.Expiration)
	}
	return pm.settle(p, PositionStatusClosed, now)
}

// Expire settles an OPEN position whose expiration has passed. Anyone may
// call it.
func (pm *PositionManager) Expire(id uint64, now time.Time) error {
	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	if p.Status != PositionStatusOpen {
		return apperr.ErrWrongStatus.With("position %d is %s", id, p.Status)
	}
	if now.Before(p.Expiration) {
		return apperr.ErrNotYetExpired.With("position %d expires at %s", id, p.Expiration)
	}
	return pm.settle(p, PositionStatusExpired, now)
}

func (pm *PositionManager) settle(p *Position, status PositionStatus, now time.Time) error {
	price, err := pm.oracle.Current(p.Underlying, now)
	if err != nil {
		return err
	}
	if !p.Status.CanTransitionTo(status) {
		panic(fmt.Sprintf("FATAL: position %d cannot move from %s to %s", p.ID, p.Status, status))
	}

	s := computeSettlement(pm.ev, p, price)
	pool, err := pm.ledger.SealedBalance(Address, PoolAddress)
	if err != nil {
		panic(fmt.Sprintf("FATAL: positions module cannot read pool: %v", err))
	}
	// A pool shortfall forfeits the rest of the gain.
	gainPaid := pm.ev.Min(s.Gain, pool)
	payout := pm.ev.Add(s.FromCollateral, gainPaid)

	pm.mustTransfer(PoolAddress, p.Owner, gainPaid)
	pm.mustTransfer(Address, p.Owner, s.FromCollateral)
	pm.mustTransfer(Address, PoolAddress, s.Loss)

	p.Status = status
	p.ClosedAt = now
	p.Version++
	pm.x.Allow(payout, p.Owner)

	pm.sink.Emit(event.PositionClosed{PositionID: p.ID, Status: status.String(), Price: price, Payout: payout})
	pm.logger.Debug().Uint64("position_id", p.ID).Str("status", status.String()).Msg("position settled")
	return nil
}

func (pm *PositionManager) mustTransfer(from, to common.Address, amount fhe.Handle) {
	if err := pm.ledger.Transfer(Address, from, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: position settlement transfer %s -> %s failed: %v", from.Hex(), to.Hex(), err))
	}
}

// PortfolioValue aggregates collateral plus P&L over the user's live
// positions. The result is allowed to the user alone; per-position values
// never leave the module.
func (pm *PositionManager) PortfolioValue(caller, user common.Address, now time.Time) (fhe.Handle, error) {
	if caller != user {
		return fhe.ZeroHandle, apperr.ErrNotOwner.With("portfolio of %s", user.Hex())
	}
	total := pm.ev.Encrypt(0)
	for _, p := range pm.UserPositions(user) {
		if !p.IsLive(now) {
			continue
		}
		price, err := pm.oracle.Current(p.Underlying, now)
		if err != nil {
			return fhe.ZeroHandle, err
		}
		total = pm.ev.Add(total, computeSettlement(pm.ev, p, price).Value)
	}
	pm.x.Allow(total, user)
	return total, nil
}

func (pm *PositionManager) allowOwner(p *Position) {
	pm.x.Allow(p.Quantity, p.Owner)
	pm.x.Allow(p.Premium, p.Owner)
	pm.x.Allow(p.Collateral, p.Owner)
}

func (pm *PositionManager) lookup(id uint64) (*Position, error) {
	p, ok := pm.positions[id]
	if !ok {
		return nil, apperr.ErrNotFound.With("position %d", id)
	}
	return p, nil
}

// GetPosition returns a position or nil.
func (pm *PositionManager) GetPosition(id uint64) *Position {
	return pm.positions[id]
}

// PositionForOrder returns the position opened by an order's fills.
func (pm *PositionManager) PositionForOrder(orderID uint64) (uint64, bool) {
	id, ok := pm.byOrder[orderID]
	return id, ok
}

// UserPositions returns a user's positions ordered by id.
func (pm *PositionManager) UserPositions(owner common.Address) []*Position {
	result := make([]*Position, 0)
	for _, p := range pm.positions {
		if p.Owner == owner {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetAllPositions returns every position ordered by id.
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
