package settlement

import (
	"encoding/binary"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// HashSecret is the hashlock function shared with the bridge venues.
func HashSecret(secret common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(secret[:])
}

// Escrow is a hash-time-locked escrow. Exactly one of Redeemed and Refunded
// becomes true, and only once.
type Escrow struct {
	ID          common.Hash
	Initiator   common.Address
	Participant common.Address
	Token       string
	Chain       uint64
	Amount      fhe.Handle
	SecretHash  common.Hash
	Timelock    time.Time
	CreatedAt   time.Time
	Redeemed    bool
	Refunded    bool
	Secret      common.Hash
}

// Settled reports whether the escrow has been redeemed or refunded.
func (e *Escrow) Settled() bool { return e.Redeemed || e.Refunded }

// EscrowID derives the content id of an escrow.
func EscrowID(initiator, participant common.Address, token string, amount fhe.Handle, secretHash common.Hash, at time.Time) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	return ethcrypto.Keccak256Hash(
		[]byte("veil:escrow:v1"),
		initiator.Bytes(),
		participant.Bytes(),
		[]byte(token),
		amount[:],
		secretHash[:],
		ts[:],
	)
}

// EscrowBook stores HTLC escrows by id.
type EscrowBook struct {
	escrows map[common.Hash]*Escrow
}

func NewEscrowBook() *EscrowBook {
	return &EscrowBook{escrows: make(map[common.Hash]*Escrow)}
}

// Create registers a new escrow. The timelock must lie after now.
func (b *EscrowBook) Create(initiator, participant common.Address, token string, chain uint64, amount fhe.Handle, secretHash common.Hash, timelock, now time.Time) (*Escrow, error) {
	if secretHash == (common.Hash{}) {
		return nil, apperr.ErrZeroSecretHash
	}
	if !timelock.After(now) {
		return nil, apperr.ErrInvalidTimelock.With("timelock %s is not after %s", timelock, now)
	}
	id := EscrowID(initiator, participant, token, amount, secretHash, now)
	if _, ok := b.escrows[id]; ok {
		return nil, apperr.ErrAlreadyRegistered.With("escrow %s", id.Hex())
	}
	e := &Escrow{
		ID:          id,
		Initiator:   initiator,
		Participant: participant,
		Token:       token,
		Chain:       chain,
		Amount:      amount,
		SecretHash:  secretHash,
		Timelock:    timelock,
		CreatedAt:   now,
	}
	b.escrows[id] = e
	return e, nil
}

// Redeem releases the escrow to its participant. It needs the preimage of
// the hashlock and must happen before the timelock.
func (b *EscrowBook) Redeem(id common.Hash, secret common.Hash, now time.Time) error {
	e, err := b.open(id)
	if err != nil {
		return err
	}
	if !now.Before(e.Timelock) {
		return apperr.ErrExpired.With("escrow %s timelock %s passed", id.Hex(), e.Timelock)
	}
	if HashSecret(secret) != e.SecretHash {
		return apperr.ErrSecretMismatch.With("escrow %s", id.Hex())
	}
	e.Redeemed = true
	e.Secret = secret
	return nil
}

// Refund returns the escrow to its initiator at or after the timelock.
func (b *EscrowBook) Refund(id common.Hash, now time.Time) error {
	e, err := b.open(id)
	if err != nil {
		return err
	}
	if now.Before(e.Timelock) {
		return apperr.ErrNotYetExpired.With("escrow %s refundable at %s", id.Hex(), e.Timelock)
	}
	e.Refunded = true
	return nil
}

func (b *EscrowBook) open(id common.Hash) (*Escrow, error) {
	e, ok := b.escrows[id]
	if !ok {
		return nil, apperr.ErrNotFound.With("escrow %s", id.Hex())
	}
	if e.Settled() {
		return nil, apperr.ErrEscrowSettled.With("escrow %s", id.Hex())
	}
	return e, nil
}

// Get returns an escrow or nil.
func (b *EscrowBook) Get(id common.Hash) *Escrow {
	return b.escrows[id]
}

// Len returns the number of escrows ever created.
func (b *EscrowBook) Len() int { return len(b.escrows) }
