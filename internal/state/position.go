package state

import (
	"encoding/binary"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// PositionType is the payoff family of a position.
type PositionType uint8

const (
	PositionTypeCall PositionType = iota + 1
	PositionTypePut
	PositionTypeFuture
	PositionTypeSwap
)

func (t PositionType) String() string {
	switch t {
	case PositionTypeCall:
		return "CALL"
	case PositionTypePut:
		return "PUT"
	case PositionTypeFuture:
		return "FUTURE"
	case PositionTypeSwap:
		return "SWAP"
	default:
		return "UNKNOWN"
	}
}

// ParsePositionType maps a wire name to its PositionType.
func ParsePositionType(s string) (PositionType, error) {
	switch s {
	case "CALL":
		return PositionTypeCall, nil
	case "PUT":
		return PositionTypePut, nil
	case "FUTURE":
		return PositionTypeFuture, nil
	case "SWAP":
		return PositionTypeSwap, nil
	default:
		return 0, apperr.ErrInvalidType.With("unknown position type %q", s)
	}
}

// PositionStatus tracks a position's lifecycle
type PositionStatus uint8

const (
	PositionStatusOpen PositionStatus = iota + 1
	PositionStatusClosed
	PositionStatusExpired
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "OPEN"
	case PositionStatusClosed:
		return "CLOSED"
	case PositionStatusExpired:
		return "EXPIRED"
	case PositionStatusLiquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo validates status transitions. Every terminal status is
// reached directly from OPEN.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	if s != PositionStatusOpen {
		return false
	}
	switch next {
	case PositionStatusClosed, PositionStatusExpired, PositionStatusLiquidated:
		return true
	}
	return false
}

// Position is an open or settled exposure. Quantity, strike, premium and
// collateral are ciphertext handles.
type Position struct {
	ID         uint64
	Owner      common.Address
	Underlying string
	Type       PositionType
	Quantity   fhe.Handle
	Strike     fhe.Handle
	Premium    fhe.Handle
	Collateral fhe.Handle
	Expiration time.Time
	Status     PositionStatus
	CreatedAt  time.Time
	ClosedAt   time.Time
	OrderID    uint64
	Version    int64
}

// IsLive reports whether the position is OPEN and not past its expiration.
func (p *Position) IsLive(now time.Time) bool {
	return p.Status == PositionStatusOpen && now.Before(p.Expiration)
}

// CanonicalBytes returns deterministic serialization for the entity digest.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = binary.LittleEndian.AppendUint64(buf, p.ID)
	buf = append(buf, p.Owner[:]...)

	// underlying (length-prefixed)
	buf = append(buf, byte(len(p.Underlying)))
	buf = append(buf, []byte(p.Underlying)...)

	buf = append(buf, byte(p.Type), byte(p.Status))
	buf = append(buf, p.Quantity[:]...)
	buf = append(buf, p.Strike[:]...)
	buf = append(buf, p.Premium[:]...)
	buf = append(buf, p.Collateral[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Expiration.UnixMicro()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ClosedAt.UnixMicro()))
	buf = binary.LittleEndian.AppendUint64(buf, p.OrderID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Version))

	return buf
}
