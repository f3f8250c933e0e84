package orders

import (
	"sort"
	"strings"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// StrategyType is a multi-leg template.
type StrategyType uint8

const (
	StrategyBullCallSpread StrategyType = iota + 1
	StrategyBearCallSpread
	StrategyBullPutSpread
	StrategyBearPutSpread
	StrategyIronCondor
	StrategyIronButterfly
	StrategyStraddle
	StrategyStrangle
	StrategyCoveredCall
	StrategyProtectivePut
	StrategyCollar
)

var strategyNames = map[StrategyType]string{
	StrategyBullCallSpread: "BULL_CALL_SPREAD",
	StrategyBearCallSpread: "BEAR_CALL_SPREAD",
	StrategyBullPutSpread:  "BULL_PUT_SPREAD",
	StrategyBearPutSpread:  "BEAR_PUT_SPREAD",
	StrategyIronCondor:     "IRON_CONDOR",
	StrategyIronButterfly:  "IRON_BUTTERFLY",
	StrategyStraddle:       "STRADDLE",
	StrategyStrangle:       "STRANGLE",
	StrategyCoveredCall:    "COVERED_CALL",
	StrategyProtectivePut:  "PROTECTIVE_PUT",
	StrategyCollar:         "COLLAR",
}

func (t StrategyType) String() string {
	if s, ok := strategyNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseStrategyType accepts the upper-case template names.
func ParseStrategyType(s string) (StrategyType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range strategyNames {
		if n == name {
			return t, nil
		}
	}
	return 0, apperr.ErrBadStrategyShape.With("unknown strategy type %q", s)
}

// IsCredit reports whether the template collects net premium up front.
func (t StrategyType) IsCredit() bool {
	switch t {
	case StrategyBearCallSpread, StrategyBullPutSpread, StrategyIronCondor, StrategyIronButterfly, StrategyCoveredCall:
		return true
	}
	return false
}

// shape is a leg-count range plus optional per-leg type requirements.
type shape struct {
	minLegs, maxLegs int
	legTypes         []state.PositionType
	sameType         state.PositionType
	sameExpiration   bool
}

func shapeOf(t StrategyType) shape {
	call, put := state.PositionTypeCall, state.PositionTypePut
	switch t {
	case StrategyBullCallSpread, StrategyBearCallSpread:
		return shape{minLegs: 2, maxLegs: 2, sameType: call, sameExpiration: true}
	case StrategyBullPutSpread, StrategyBearPutSpread:
		return shape{minLegs: 2, maxLegs: 2, sameType: put, sameExpiration: true}
	case StrategyIronCondor:
		return shape{minLegs: 4, maxLegs: 4, legTypes: []state.PositionType{put, put, call, call}}
	case StrategyStraddle:
		return shape{minLegs: 2, maxLegs: 3, legTypes: []state.PositionType{call, put}}
	default:
		return shape{minLegs: 2, maxLegs: 3}
	}
}

func (s shape) check(t StrategyType, plans []legPlan) error {
	if len(plans) < s.minLegs || len(plans) > s.maxLegs {
		return apperr.ErrBadStrategyShape.With("%s takes %d-%d legs, got %d", t, s.minLegs, s.maxLegs, len(plans))
	}
	for i, want := range s.legTypes {
		if plans[i].typ != want {
			return apperr.ErrBadStrategyShape.With("%s leg %d must be %s, got %s", t, i, want, plans[i].typ)
		}
	}
	for i, p := range plans {
		if s.sameType != 0 && p.typ != s.sameType {
			return apperr.ErrBadStrategyShape.With("%s leg %d must be %s, got %s", t, i, s.sameType, p.typ)
		}
		if s.sameExpiration && !p.params.Expiration.Equal(plans[0].params.Expiration) {
			return apperr.ErrBadStrategyShape.With("%s legs must share expiration", t)
		}
	}
	return nil
}

// StrategyStatus tracks a strategy as a whole.
type StrategyStatus uint8

const (
	StrategyStatusActive StrategyStatus = iota + 1
	StrategyStatusFilled
	StrategyStatusCancelled
)

func (s StrategyStatus) String() string {
	switch s {
	case StrategyStatusActive:
		return "ACTIVE"
	case StrategyStatusFilled:
		return "FILLED"
	case StrategyStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Strategy groups the legs created together by CreateStrategy.
type Strategy struct {
	ID         uint64
	Owner      common.Address
	Type       StrategyType
	Underlying string
	LegIDs     []uint64
	NetPremium fhe.Handle
	MaxLoss    fhe.Handle
	MaxProfit  fhe.Handle
	Status     StrategyStatus
	Expiration time.Time
	IsCredit   bool
	CreatedAt  time.Time
}

// CreateStrategy validates every leg and the template shape, locks the sum
// of the legs' collateral in one transfer and records all legs, or nothing.
func (e *Engine) CreateStrategy(caller common.Address, kind, underlying string, legs []event.OrderParams, now time.Time) (*Strategy, error) {
	t, err := ParseStrategyType(kind)
	if err != nil {
		return nil, err
	}
	if len(legs) < 2 || len(legs) > 6 {
		return nil, apperr.ErrBadStrategyShape.With("strategy takes 2-6 legs, got %d", len(legs))
	}

	plans := make([]legPlan, len(legs))
	var volume uint64
	for i, leg := range legs {
		if leg.Underlying != underlying {
			return nil, apperr.ErrBadStrategyShape.With("leg %d underlying %q differs from %q", i, leg.Underlying, underlying)
		}
		plan, err := e.checkLeg(leg, now)
		if err != nil {
			return nil, err
		}
		if volume+plan.notional < volume {
			return nil, apperr.ErrInvalidEstimate.With("strategy notional overflows")
		}
		volume += plan.notional
		plans[i] = plan
	}
	if err := shapeOf(t).check(t, plans); err != nil {
		return nil, err
	}
	if err := e.breaker.Check(volume, now); err != nil {
		return nil, err
	}

	sealed := make([]sealedLeg, len(legs))
	for i, leg := range legs {
		s, err := e.importLeg(caller, leg)
		if err != nil {
			return nil, err
		}
		sealed[i] = s
	}
	total := sealed[0].collateral
	premium := sealed[0].limitPrice
	for _, s := range sealed[1:] {
		total = e.ev.Add(total, s.collateral)
		premium = e.ev.Add(premium, s.limitPrice)
	}
	if err := e.ledger.Transfer(Address, caller, Address, total); err != nil {
		return nil, err
	}
	e.recordVolume(volume, now)

	st := &Strategy{
		ID:         e.nextStrategyID,
		Owner:      caller,
		Type:       t,
		Underlying: underlying,
		NetPremium: premium,
		MaxLoss:    total,
		Status:     StrategyStatusActive,
		Expiration: plans[0].params.Expiration,
		IsCredit:   t.IsCredit(),
		CreatedAt:  now,
	}
	e.nextStrategyID++
	if st.IsCredit {
		st.MaxProfit = premium
	} else {
		st.MaxProfit = e.ev.SaturatingSub(total, premium)
	}
	for i := range plans {
		o := e.place(caller, plans[i], sealed[i], st.ID, now)
		st.LegIDs = append(st.LegIDs, o.ID)
		if o.Expiration.Before(st.Expiration) {
			st.Expiration = o.Expiration
		}
	}
	e.x.Allow(st.NetPremium, caller)
	e.x.Allow(st.MaxLoss, caller)
	e.x.Allow(st.MaxProfit, caller)
	e.strategies[st.ID] = st

	e.sink.Emit(event.StrategyCreated{
		StrategyID: st.ID,
		Owner:      caller,
		Type:       t.String(),
		Underlying: underlying,
		LegIDs:     st.LegIDs,
		IsCredit:   st.IsCredit,
		MaxLoss:    st.MaxLoss,
		MaxProfit:  st.MaxProfit,
	})
	e.logger.Debug().Uint64("strategy_id", st.ID).Str("type", t.String()).Int("legs", len(st.LegIDs)).Msg("strategy created")
	return st, nil
}

// CancelStrategy cancels every live leg. Owner or emergency role only.
func (e *Engine) CancelStrategy(caller common.Address, id uint64, now time.Time) error {
	st, ok := e.strategies[id]
	if !ok {
		return apperr.ErrNotFound.With("strategy %d", id)
	}
	if caller != st.Owner && !e.acl.Has(caller, access.CapEmergency) {
		return apperr.ErrNotOwner.With("strategy %d", id)
	}
	if st.Status != StrategyStatusActive {
		return apperr.ErrWrongStatus.With("strategy %d is %s", id, st.Status)
	}
	for _, legID := range st.LegIDs {
		o := e.orders[legID]
		if !o.Status.Live() {
			continue
		}
		status := OrderStatusCancelled
		if o.Expired(now) {
			status = OrderStatusExpired
		}
		e.release(o, status, caller)
	}
	st.Status = StrategyStatusCancelled
	e.sink.Emit(event.StrategyCancelled{StrategyID: id, By: caller})
	return nil
}

// refreshStrategy marks a strategy FILLED once every leg is filled.
func (e *Engine) refreshStrategy(id uint64) {
	st, ok := e.strategies[id]
	if !ok || st.Status != StrategyStatusActive {
		return
	}
	for _, legID := range st.LegIDs {
		if e.orders[legID].Status != OrderStatusFilled {
			return
		}
	}
	st.Status = StrategyStatusFilled
}

// GetStrategy returns a strategy or nil.
func (e *Engine) GetStrategy(id uint64) *Strategy {
	return e.strategies[id]
}

// GetAllStrategies returns every strategy ordered by id.
func (e *Engine) GetAllStrategies() []*Strategy {
	result := make([]*Strategy, 0, len(e.strategies))
	for _, st := range e.strategies {
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
