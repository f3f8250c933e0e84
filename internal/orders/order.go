// Package orders is the order and strategy engine: it locks sealed
// collateral for resting orders, releases it proportionally as fills arrive
// and hands filled exposure to the positions engine.
package orders

import (
	"encoding/binary"
	"time"

	"VeilTrade/internal/fhe"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus tracks an order's lifecycle
type OrderStatus uint8

const (
	OrderStatusPending OrderStatus = iota + 1
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether the order still holds locked collateral.
func (s OrderStatus) Live() bool {
	return s == OrderStatusPending || s == OrderStatusPartiallyFilled
}

// Order is a resting order. Quantity, prices and collateral are sealed;
// the estimates are the submitter's public approximations of them and are
// not bound to the sealed values.
type Order struct {
	ID         uint64
	Owner      common.Address
	Underlying string
	Type       state.PositionType
	Quantity   fhe.Handle
	Strike     fhe.Handle
	LimitPrice fhe.Handle
	StopPrice  fhe.Handle
	Collateral fhe.Handle
	Expiration time.Time
	Deadline   time.Time
	Status     OrderStatus
	CreatedAt  time.Time
	StrategyID uint64
	PositionID uint64
	Venue      VenueOrder
	VenueHash  common.Hash

	FilledQuantity     uint64
	Released           fhe.Handle
	Fees               fhe.Handle
	EstimateQuantity   uint64
	EstimateStrike     uint64
	EstimateLimitPrice uint64
	EstimateCollateral uint64
}

// Expired reports whether the order deadline has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.Deadline)
}

// EffectiveStatus folds the implicit EXPIRED state into Status.
func (o *Order) EffectiveStatus(now time.Time) OrderStatus {
	if o.Status.Live() && o.Expired(now) {
		return OrderStatusExpired
	}
	return o.Status
}

// Remaining is the unfilled part of the estimate quantity.
func (o *Order) Remaining() uint64 {
	return o.EstimateQuantity - o.FilledQuantity
}

// CanonicalBytes returns deterministic serialization for the entity digest.
func (o *Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 320)
	buf = binary.LittleEndian.AppendUint64(buf, o.ID)
	buf = append(buf, o.Owner[:]...)
	buf = append(buf, byte(len(o.Underlying)))
	buf = append(buf, []byte(o.Underlying)...)
	buf = append(buf, byte(o.Type), byte(o.Status))
	buf = append(buf, o.Collateral[:]...)
	buf = append(buf, o.Released[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, o.FilledQuantity)
	buf = append(buf, o.Fees[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, o.StrategyID)
	buf = binary.LittleEndian.AppendUint64(buf, o.PositionID)
	buf = append(buf, o.VenueHash[:]...)
	return buf
}
