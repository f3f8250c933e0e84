package settlement_test

import (
	"errors"
	"testing"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEscrow(t *testing.T, b *settlement.EscrowBook) *settlement.Escrow {
	t.Helper()
	amount := fhe.Handle{0x01}
	e, err := b.Create(alice, resolver, "USDC", arbitrum, amount, settlement.HashSecret(secret), t0.Add(time.Hour), t0)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return e
}

// ============================================================================
// Test: EscrowBook
// ============================================================================

func TestEscrowBook_RedeemBeforeTimelock(t *testing.T) {
	b := settlement.NewEscrowBook()
	e := newEscrow(t, b)

	if err := b.Redeem(e.ID, common.HexToHash("0x01"), t0); !errors.Is(err, apperr.ErrSecretMismatch) {
		t.Fatalf("wrong preimage: got %v, want %v", err, apperr.ErrSecretMismatch)
	}
	if err := b.Refund(e.ID, t0.Add(59*time.Minute)); !errors.Is(err, apperr.ErrNotYetExpired) {
		t.Fatalf("early refund: got %v, want %v", err, apperr.ErrNotYetExpired)
	}
	if err := b.Redeem(e.ID, secret, t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !e.Redeemed || e.Secret != secret {
		t.Fatalf("escrow not redeemed: %+v", e)
	}
	if err := b.Refund(e.ID, t0.Add(2*time.Hour)); !errors.Is(err, apperr.ErrEscrowSettled) {
		t.Fatalf("refund after redeem: got %v, want %v", err, apperr.ErrEscrowSettled)
	}
}

func TestEscrowBook_RefundAtTimelock(t *testing.T) {
	b := settlement.NewEscrowBook()
	e := newEscrow(t, b)

	if err := b.Redeem(e.ID, secret, e.Timelock); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("redeem at timelock: got %v, want %v", err, apperr.ErrExpired)
	}
	if err := b.Refund(e.ID, e.Timelock); err != nil {
		t.Fatalf("refund at timelock: %v", err)
	}
	if err := b.Redeem(e.ID, secret, t0); !errors.Is(err, apperr.ErrEscrowSettled) {
		t.Fatalf("redeem after refund: got %v, want %v", err, apperr.ErrEscrowSettled)
	}
}

func TestEscrowBook_CreateRejections(t *testing.T) {
	b := settlement.NewEscrowBook()
	amount := fhe.Handle{0x01}

	if _, err := b.Create(alice, resolver, "USDC", arbitrum, amount, common.Hash{}, t0.Add(time.Hour), t0); !errors.Is(err, apperr.ErrZeroSecretHash) {
		t.Fatalf("zero hash: got %v, want %v", err, apperr.ErrZeroSecretHash)
	}
	if _, err := b.Create(alice, resolver, "USDC", arbitrum, amount, settlement.HashSecret(secret), t0, t0); !errors.Is(err, apperr.ErrInvalidTimelock) {
		t.Fatalf("timelock now: got %v, want %v", err, apperr.ErrInvalidTimelock)
	}
	newEscrow(t, b)
	if _, err := b.Create(alice, resolver, "USDC", arbitrum, amount, settlement.HashSecret(secret), t0.Add(time.Hour), t0); !errors.Is(err, apperr.ErrAlreadyRegistered) {
		t.Fatalf("duplicate id: got %v, want %v", err, apperr.ErrAlreadyRegistered)
	}
	if b.Len() != 1 {
		t.Fatalf("escrows: got %d, want 1", b.Len())
	}
}

func TestEscrowBook_ExactlyOneOutcome(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := settlement.NewEscrowBook()
		e, err := b.Create(alice, resolver, "USDC", arbitrum, fhe.Handle{0x02}, settlement.HashSecret(secret), t0.Add(time.Hour), t0)
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		for i := 0; i < 20; i++ {
			at := t0.Add(time.Duration(rapid.IntRange(0, 120).Draw(rt, "minutes")) * time.Minute)
			if rapid.Bool().Draw(rt, "redeem") {
				err = b.Redeem(e.ID, secret, at)
			} else {
				err = b.Refund(e.ID, at)
			}
			if e.Redeemed && e.Refunded {
				rt.Fatalf("escrow both redeemed and refunded")
			}
			if err == nil && e.Redeemed && !at.Before(e.Timelock) {
				rt.Fatalf("redeemed at %s, timelock %s", at, e.Timelock)
			}
			if err == nil && e.Refunded && at.Before(e.Timelock) {
				rt.Fatalf("refunded at %s, timelock %s", at, e.Timelock)
			}
		}
	})
}
