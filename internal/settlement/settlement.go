// Package settlement moves settled value across chains through
// hash-time-locked escrows completed by a bonded resolver network.
package settlement

import (
	"encoding/binary"
	"time"

	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// Status tracks a settlement's lifecycle
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusLocked
	StatusExecuted
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusLocked:
		return "LOCKED"
	case StatusExecuted:
		return "EXECUTED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Open reports whether the settlement still holds the user's funds.
func (s Status) Open() bool { return s == StatusPending || s == StatusLocked }

// DisputeStatus tracks the dispute attached to a settlement.
type DisputeStatus uint8

const (
	DisputeNone DisputeStatus = iota
	DisputeRaised
	DisputeResolvedFavorUser
	DisputeResolvedFavorResolver
)

func (d DisputeStatus) String() string {
	switch d {
	case DisputeNone:
		return "NONE"
	case DisputeRaised:
		return "RAISED"
	case DisputeResolvedFavorUser:
		return "RESOLVED_FAVOR_USER"
	case DisputeResolvedFavorResolver:
		return "RESOLVED_FAVOR_RESOLVER"
	default:
		return "UNKNOWN"
	}
}

// Settlement is one cross-chain transfer of settled value.
type Settlement struct {
	ID               uint64
	Owner            common.Address
	Resolver         common.Address
	PositionID       uint64
	SourceToken      string
	SourceChain      uint64
	DestinationToken string
	DestinationChain uint64
	Amount           fhe.Handle
	EstimateAmount   uint64
	ResolverBond     fhe.Handle
	BondAmount       uint64
	SecretHash       common.Hash
	Secret           common.Hash
	Timelock         time.Duration
	Deadline         time.Time
	Status           Status
	Dispute          DisputeStatus
	DisputeReason    string
	EscrowID         common.Hash
	ExecutedAmount   fhe.Handle
	CreatedAt        time.Time
	LockedAt         time.Time
	ClosedAt         time.Time
}

// PastDeadline reports whether the deadline has been reached. At the
// deadline itself the settlement can no longer execute and anyone may
// cancel it.
func (s *Settlement) PastDeadline(now time.Time) bool {
	return !now.Before(s.Deadline)
}

// CanonicalBytes returns deterministic serialization for the entity digest.
func (s *Settlement) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint64(buf, s.ID)
	buf = append(buf, s.Owner[:]...)
	buf = append(buf, s.Resolver[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, s.DestinationChain)
	buf = append(buf, s.Amount[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, s.BondAmount)
	buf = append(buf, s.SecretHash[:]...)
	buf = append(buf, byte(s.Status), byte(s.Dispute))
	buf = append(buf, s.EscrowID[:]...)
	return buf
}
