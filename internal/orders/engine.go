package orders

import (
	"fmt"
	"sort"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/risk"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Address is the orders module principal. Its ledger account escrows the
// collateral of every live order.
var Address = access.ModuleAddress("orders")

// BreakerScope names the global order-volume breaker.
const BreakerScope = "orders"

// Positions receives filled exposure.
type Positions interface {
	ApplyFill(f state.Fill, now time.Time) uint64
}

// Engine is the order and strategy engine. Not thread-safe: driven only
// from the serialized command path.
type Engine struct {
	params Params

	x         *fhe.Executor
	ev        *fhe.Evaluator
	ledger    state.Ledger
	positions Positions
	oracle    oracle.Oracle
	acl       *access.Table
	inputs    *fhe.InputVerifier
	breaker   *risk.CircuitBreaker
	delays    *risk.DelayedApprovals
	sink      event.Sink
	logger    zerolog.Logger

	orders         map[uint64]*Order
	strategies     map[uint64]*Strategy
	nextOrderID    uint64
	nextStrategyID uint64
}

func NewEngine(
	params Params,
	x *fhe.Executor,
	l state.Ledger,
	positions Positions,
	o oracle.Oracle,
	acl *access.Table,
	inputs *fhe.InputVerifier,
	sink event.Sink,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	return &Engine{
		params:         params,
		x:              x,
		ev:             x.As(Address),
		ledger:         l,
		positions:      positions,
		oracle:         o,
		acl:            acl,
		inputs:         inputs,
		breaker:        risk.NewCircuitBreaker(BreakerScope, params.DailyVolumeCap),
		delays:         risk.NewDelayedApprovals(params.EmergencyDelay),
		sink:           sink,
		logger:         logger,
		orders:         make(map[uint64]*Order),
		strategies:     make(map[uint64]*Strategy),
		nextOrderID:    1,
		nextStrategyID: 1,
	}, nil
}

func (e *Engine) Params() Params                 { return e.params }
func (e *Engine) Breaker() *risk.CircuitBreaker  { return e.breaker }
func (e *Engine) Delays() *risk.DelayedApprovals { return e.delays }

// legPlan is a validated order request before any state changes.
type legPlan struct {
	params   event.OrderParams
	typ      state.PositionType
	notional uint64
}

// sealedLeg holds the imported confidential fields of one order.
type sealedLeg struct {
	quantity   fhe.Handle
	strike     fhe.Handle
	limitPrice fhe.Handle
	stopPrice  fhe.Handle
	collateral fhe.Handle
}

// checkLeg validates everything about an order that does not need its
// ciphertexts: asset, expiration window, deadline, estimates and the
// collateral requirement.
func (e *Engine) checkLeg(p event.OrderParams, now time.Time) (legPlan, error) {
	typ, err := state.ParsePositionType(p.PositionType)
	if err != nil {
		return legPlan{}, err
	}
	if !e.oracle.Supported(p.Underlying) {
		return legPlan{}, apperr.ErrUnsupportedAsset.With("underlying %q", p.Underlying)
	}
	if !p.Expiration.After(now.Add(e.params.MinExpirationBuffer)) {
		return legPlan{}, apperr.ErrExpirationTooSoon.With("expiration %s within %s of %s", p.Expiration, e.params.MinExpirationBuffer, now)
	}
	if !p.OrderDeadline.After(now) || p.OrderDeadline.After(p.Expiration) {
		return legPlan{}, apperr.ErrInvalidDeadline.With("deadline %s must be in (%s, %s]", p.OrderDeadline, now, p.Expiration)
	}
	if p.EstimateQuantity == 0 || p.EstimateStrike == 0 || p.EstimateLimitPrice == 0 || p.EstimateCollateral == 0 {
		return legPlan{}, apperr.ErrZeroAmount.With("estimates must be non-zero")
	}

	var notional uint64
	switch typ {
	case state.PositionTypeCall, state.PositionTypePut:
		notional, err = mul(p.EstimateQuantity, p.EstimateStrike)
	default:
		var mark uint64
		mark, err = e.oracle.Current(p.Underlying, now)
		if err != nil {
			return legPlan{}, err
		}
		notional, err = mul(p.EstimateQuantity, mark)
	}
	if err != nil {
		return legPlan{}, err
	}
	required, err := e.params.RequiredCollateral(typ, notional)
	if err != nil {
		return legPlan{}, err
	}
	if p.EstimateCollateral < required {
		return legPlan{}, apperr.ErrInsufficientCollat.With("estimate collateral %d below required %d", p.EstimateCollateral, required)
	}
	return legPlan{params: p, typ: typ, notional: notional}, nil
}

func (e *Engine) importLeg(caller common.Address, p event.OrderParams) (sealedLeg, error) {
	var handles [5]fhe.Handle
	for i, in := range []fhe.ExternalInput{p.Quantity, p.Strike, p.LimitPrice, p.StopPrice, p.Collateral} {
		h, err := e.inputs.Import(in, caller, Address)
		if err != nil {
			return sealedLeg{}, err
		}
		handles[i] = h
	}
	return sealedLeg{
		quantity:   handles[0],
		strike:     handles[1],
		limitPrice: handles[2],
		stopPrice:  handles[3],
		collateral: handles[4],
	}, nil
}

// CreateOrder validates the request, locks the sealed collateral in the
// orders account and records a PENDING order with its venue descriptor.
func (e *Engine) CreateOrder(caller common.Address, p event.OrderParams, now time.Time) (*Order, error) {
	plan, err := e.checkLeg(p, now)
	if err != nil {
		return nil, err
	}
	if err := e.breaker.Check(plan.notional, now); err != nil {
		return nil, err
	}
	sealed, err := e.importLeg(caller, p)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(Address, caller, Address, sealed.collateral); err != nil {
		return nil, err
	}
	e.recordVolume(plan.notional, now)
	return e.place(caller, plan, sealed, 0, now), nil
}

// place records a validated, funded order. It cannot fail.
func (e *Engine) place(owner common.Address, plan legPlan, sealed sealedLeg, strategyID uint64, now time.Time) *Order {
	p := plan.params
	o := &Order{
		ID:                 e.nextOrderID,
		Owner:              owner,
		Underlying:         p.Underlying,
		Type:               plan.typ,
		Quantity:           sealed.quantity,
		Strike:             sealed.strike,
		LimitPrice:         sealed.limitPrice,
		StopPrice:          sealed.stopPrice,
		Collateral:         sealed.collateral,
		Expiration:         p.Expiration,
		Deadline:           p.OrderDeadline,
		Status:             OrderStatusPending,
		CreatedAt:          now,
		StrategyID:         strategyID,
		Released:           e.ev.Encrypt(0),
		EstimateQuantity:   p.EstimateQuantity,
		EstimateStrike:     p.EstimateStrike,
		EstimateLimitPrice: p.EstimateLimitPrice,
		EstimateCollateral: p.EstimateCollateral,
	}
	e.nextOrderID++

	o.Venue = VenueOrder{
		OrderID:      o.ID,
		Maker:        owner,
		MakerAsset:   e.params.CollateralAsset,
		TakerAsset:   p.Underlying,
		MakingAmount: p.EstimateCollateral,
		TakingAmount: p.EstimateQuantity,
		Salt:         venueSalt(o.ID, owner, now),
		Expiry:       p.OrderDeadline,
	}
	o.VenueHash = o.Venue.Hash()
	e.orders[o.ID] = o

	e.sink.Emit(event.OrderCreated{
		OrderID:          o.ID,
		Owner:            owner,
		Underlying:       o.Underlying,
		PositionType:     o.Type.String(),
		Expiration:       o.Expiration,
		OrderDeadline:    o.Deadline,
		EstimateQuantity: o.EstimateQuantity,
		Collateral:       o.Collateral,
		StrategyID:       strategyID,
	})
	e.sink.Emit(event.VenueOrderRegistered{OrderID: o.ID, Hash: o.VenueHash, Salt: o.Venue.Salt})
	e.logger.Debug().Uint64("order_id", o.ID).Str("type", o.Type.String()).Msg("order created")
	return o
}

func (e *Engine) recordVolume(amount uint64, now time.Time) {
	volume, err := e.breaker.Add(amount, now)
	if err != nil {
		panic(fmt.Sprintf("FATAL: orders: breaker rejected volume it accepted: %v", err))
	}
	e.sink.Emit(event.VolumeRecorded{Scope: BreakerScope, Day: risk.DayIndex(now), Volume: volume})
}

// ExecuteOrder applies a fill reported by the matcher. The collateral for
// the resolved fraction of the order is released: the taker fee goes to the
// treasury and the rest backs the order's position. A release smaller than
// the fee pays no fee, so the fee taken stays sealed and only the owner can
// read it.
func (e *Engine) ExecuteOrder(caller common.Address, id, fillQty, price uint64, now time.Time) error {
	if err := e.acl.Require(caller, access.CapMatcher); err != nil {
		return err
	}
	o, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !o.Status.Live() {
		return apperr.ErrWrongStatus.With("order %d is %s", id, o.Status)
	}
	if o.Expired(now) {
		return apperr.ErrExpired.With("order %d deadline %s passed", id, o.Deadline)
	}
	if fillQty == 0 {
		return apperr.ErrZeroAmount.With("fill quantity")
	}
	if price == 0 {
		return apperr.ErrInvalidPrice.With("fill price must be positive")
	}
	if fillQty > o.Remaining() {
		return apperr.ErrOverfill.With("order %d: fill %d exceeds remaining %d", id, fillQty, o.Remaining())
	}
	notional, err := mul(fillQty, price)
	if err != nil {
		return err
	}
	fee, err := e.params.Fee(notional)
	if err != nil {
		return err
	}

	filledAfter := o.FilledQuantity + fillQty
	releasedTotal := e.ev.DivScalar(e.ev.MulScalar(o.Collateral, filledAfter), o.EstimateQuantity)
	release := e.ev.Sub(releasedTotal, o.Released)
	feeH := e.ev.Encrypt(fee)
	feeTaken := e.ev.Select(e.ev.Ge(release, feeH), feeH, e.ev.Encrypt(0))
	backing := e.ev.Sub(release, feeTaken)

	e.mustTransfer(Address, ledger.Treasury, feeTaken)
	e.mustTransfer(Address, state.Address, backing)
	e.x.Allow(backing, state.Address)
	e.x.Allow(o.Strike, state.Address)
	e.x.Allow(o.LimitPrice, state.Address)

	o.PositionID = e.positions.ApplyFill(state.Fill{
		OrderID:      o.ID,
		Owner:        o.Owner,
		Underlying:   o.Underlying,
		Type:         o.Type,
		Strike:       o.Strike,
		LimitPrice:   o.LimitPrice,
		FillQuantity: fillQty,
		Collateral:   backing,
		Expiration:   o.Expiration,
	}, now)

	o.FilledQuantity = filledAfter
	o.Released = releasedTotal
	if o.Fees.IsZero() {
		o.Fees = feeTaken
	} else {
		o.Fees = e.ev.Add(o.Fees, feeTaken)
	}
	e.x.Allow(o.Fees, o.Owner)
	if o.FilledQuantity == o.EstimateQuantity {
		o.Status = OrderStatusFilled
		e.delays.Clear(o.ID)
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	e.x.Allow(o.Released, o.Owner)

	e.sink.Emit(event.OrderFilled{
		OrderID:        o.ID,
		FillQuantity:   fillQty,
		Price:          price,
		FilledQuantity: o.FilledQuantity,
		Status:         o.Status.String(),
		Fee:            feeTaken,
		Fees:           o.Fees,
		Released:       release,
		PositionID:     o.PositionID,
	})
	e.refreshStrategy(o.StrategyID)
	e.logger.Debug().Uint64("order_id", o.ID).Uint64("filled", o.FilledQuantity).Str("status", o.Status.String()).Msg("order filled")
	return nil
}

// CancelOrder releases what is still locked for a live order. The owner and
// the emergency role may cancel at any time; once the deadline has passed
// anyone may, and the order ends EXPIRED instead of CANCELLED.
func (e *Engine) CancelOrder(caller common.Address, id uint64, now time.Time) error {
	o, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !o.Status.Live() {
		return apperr.ErrWrongStatus.With("order %d is %s", id, o.Status)
	}
	privileged := caller == o.Owner || e.acl.Has(caller, access.CapEmergency)
	if !privileged && !o.Expired(now) {
		return apperr.ErrNotOwner.With("order %d", id)
	}
	status := OrderStatusCancelled
	if o.Expired(now) {
		status = OrderStatusExpired
	}
	e.release(o, status, caller)
	e.refreshStrategy(o.StrategyID)
	return nil
}

// release returns the unreleased remainder of the order's collateral to its
// owner and closes the order.
func (e *Engine) release(o *Order, status OrderStatus, by common.Address) fhe.Handle {
	remainder := e.ev.Sub(o.Collateral, o.Released)
	e.mustTransfer(Address, o.Owner, remainder)
	e.x.Allow(remainder, o.Owner)

	o.Released = o.Collateral
	o.Status = status
	e.delays.Clear(o.ID)

	e.sink.Emit(event.OrderCancelled{OrderID: o.ID, By: by, Status: status.String(), Released: remainder})
	e.sink.Emit(event.VenueOrderCancelled{OrderID: o.ID, Hash: o.VenueHash})
	e.logger.Debug().Uint64("order_id", o.ID).Str("status", status.String()).Msg("order closed")
	return remainder
}

func (e *Engine) mustTransfer(from, to common.Address, amount fhe.Handle) {
	if err := e.ledger.Transfer(Address, from, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: orders: transfer %s -> %s failed: %v", from.Hex(), to.Hex(), err))
	}
}

func (e *Engine) lookup(id uint64) (*Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return nil, apperr.ErrNotFound.With("order %d", id)
	}
	return o, nil
}

// GetOrder returns an order or nil.
func (e *Engine) GetOrder(id uint64) *Order {
	return e.orders[id]
}

// UserOrders returns a user's orders ordered by id.
func (e *Engine) UserOrders(owner common.Address) []*Order {
	result := make([]*Order, 0)
	for _, o := range e.orders {
		if o.Owner == owner {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetAllOrders returns every order ordered by id.
func (e *Engine) GetAllOrders() []*Order {
	result := make([]*Order, 0, len(e.orders))
	for _, o := range e.orders {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// LiveOrders counts orders still holding collateral at now.
func (e *Engine) LiveOrders(now time.Time) int {
	n := 0
	for _, o := range e.orders {
		if o.EffectiveStatus(now).Live() {
			n++
		}
	}
	return n
}
