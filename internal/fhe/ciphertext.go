package fhe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wire form of an external ciphertext:
//
//	version(1) | type(1) | salt(16) | masked value(8)
const (
	ciphertextVersion = 1
	saltLen           = 16
	ciphertextLen     = 2 + saltLen + 8
)

// DevNetworkKey is the sealing key of the in-process coprocessor. Every
// executor built by NewExecutor shares it, so a restarted process can ingest
// ciphertexts that a previous process sealed.
var DevNetworkKey = ethcrypto.Keccak256([]byte("veil:dev-network-key:v1"))

// CiphertextHandle is the handle an external ciphertext is known by.
func CiphertextHandle(ct []byte) Handle {
	var h Handle
	copy(h[:], ethcrypto.Keccak256([]byte("veil:ct:v1"), ct))
	return h
}

func mask(key []byte, salt []byte) uint64 {
	return binary.BigEndian.Uint64(ethcrypto.Keccak256(key, salt)[:8])
}

func seal(key []byte, typ ValueType, v uint64) ([]byte, error) {
	ct := make([]byte, ciphertextLen)
	ct[0] = ciphertextVersion
	ct[1] = byte(typ)
	salt := ct[2 : 2+saltLen]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("fhe: salt: %w", err)
	}
	binary.BigEndian.PutUint64(ct[2+saltLen:], v^mask(key, salt))
	return ct, nil
}

func unseal(key, ct []byte) (ValueType, uint64, error) {
	if len(ct) != ciphertextLen {
		return 0, 0, fmt.Errorf("fhe: ciphertext is %d bytes, want %d", len(ct), ciphertextLen)
	}
	if ct[0] != ciphertextVersion {
		return 0, 0, fmt.Errorf("fhe: ciphertext version %d", ct[0])
	}
	typ := ValueType(ct[1])
	if typ != TypeUint64 && typ != TypeBool {
		return 0, 0, fmt.Errorf("fhe: ciphertext type %d", ct[1])
	}
	salt := ct[2 : 2+saltLen]
	v := binary.BigEndian.Uint64(ct[2+saltLen:]) ^ mask(key, salt)
	if typ == TypeBool && v > 1 {
		return 0, 0, fmt.Errorf("fhe: ebool ciphertext holds %d", v)
	}
	return typ, v, nil
}

// Seal encrypts v for submission from outside the engine. Nothing is stored:
// the ciphertext becomes live only when a command carrying it is applied.
func (x *Executor) Seal(v uint64) ([]byte, Handle, error) {
	ct, err := seal(x.key, TypeUint64, v)
	if err != nil {
		return nil, ZeroHandle, err
	}
	return ct, CiphertextHandle(ct), nil
}

// Ingest admits an external ciphertext of type want and returns its handle.
// Ingesting the same bytes again returns the same handle. Ingest does not
// advance the operation counter, so handles derived afterwards depend only
// on the applied command stream.
func (x *Executor) Ingest(ct []byte, want ValueType) (Handle, error) {
	typ, v, err := unseal(x.key, ct)
	if err != nil {
		return ZeroHandle, err
	}
	if typ != want {
		return ZeroHandle, fmt.Errorf("fhe: ciphertext is %s, want %s", typ, want)
	}
	h := CiphertextHandle(ct)

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.values[h]; ok {
		return h, nil
	}
	x.values[h] = ciphertext{typ: typ, v: v}
	if x.tracking {
		x.undo = append(x.undo, undoEntry{handle: h, created: true})
	}
	return h, nil
}
