// Package fhe models confidential 64-bit values as opaque ciphertext handles.
//
// Callers never see plaintexts: arithmetic, comparison and selection produce
// new handles, decryption rights are granted per principal through the ACL,
// and plaintexts only leave the system through the decryption Gateway's
// signed request/finalize protocol. The Executor in this package is the
// coprocessor backend; it evaluates operations deterministically so that
// replaying the same command stream yields the same handles.
package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Handle references a ciphertext held by the coprocessor.
type Handle [32]byte

// ZeroHandle is the unset handle. It never refers to a ciphertext.
var ZeroHandle Handle

func (h Handle) IsZero() bool { return h == ZeroHandle }

func (h Handle) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Handle) String() string { return h.Hex() }

// Short is a log-friendly prefix of the handle.
func (h Handle) Short() string { return hex.EncodeToString(h[:6]) }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := HandleFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HandleFromHex parses a 0x-prefixed or bare 64-char hex handle.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("fhe: decode handle: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("fhe: handle must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// ValueType is the plaintext domain of a ciphertext.
type ValueType uint8

const (
	TypeUint64 ValueType = iota + 1
	TypeBool
)

func (t ValueType) String() string {
	switch t {
	case TypeUint64:
		return "euint64"
	case TypeBool:
		return "ebool"
	default:
		return "unknown"
	}
}
