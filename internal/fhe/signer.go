package fhe

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer is a secp256k1 key held by a coprocessor or KMS node.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("fhe/signer: invalid private key: %w", err)
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a throwaway key for local runs and tests.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("fhe/signer: generate key: %w", err)
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex exports the key, for writing dev configuration.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.key))
}

// Sign returns a 65-byte r||s||v signature over a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("fhe/signer: signing: %w", err)
	}
	return sig, nil
}

// SignerSet is a k-of-n quorum of known signer addresses.
type SignerSet struct {
	members   map[common.Address]struct{}
	threshold int
}

func NewSignerSet(threshold int, members ...common.Address) (*SignerSet, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("fhe/signer: threshold must be positive, got %d", threshold)
	}
	set := make(map[common.Address]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	if len(set) < threshold {
		return nil, fmt.Errorf("fhe/signer: threshold %d exceeds %d distinct signers", threshold, len(set))
	}
	return &SignerSet{members: set, threshold: threshold}, nil
}

func (ss *SignerSet) Threshold() int { return ss.threshold }

// Verify checks that at least threshold distinct members signed digest.
// Signatures from unknown keys or duplicate signers do not count.
func (ss *SignerSet) Verify(digest []byte, sigs [][]byte) bool {
	seen := make(map[common.Address]struct{}, len(sigs))
	for _, sig := range sigs {
		if len(sig) != 65 {
			continue
		}
		normalized := make([]byte, 65)
		copy(normalized, sig)
		if normalized[64] >= 27 {
			normalized[64] -= 27
		}
		pub, err := ethcrypto.SigToPub(digest, normalized)
		if err != nil {
			continue
		}
		addr := ethcrypto.PubkeyToAddress(*pub)
		if _, ok := ss.members[addr]; !ok {
			continue
		}
		seen[addr] = struct{}{}
	}
	return len(seen) >= ss.threshold
}
