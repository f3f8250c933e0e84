package fhe

import (
	"VeilTrade/internal/apperr"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExternalInput is a ciphertext submitted from outside the engine together
// with the coprocessor's attestation binding it to a submitter and a target
// module. The ciphertext travels inside the command, so replaying the command
// log reproduces every input.
type ExternalInput struct {
	Handle     Handle   `json:"handle"`
	Ciphertext []byte   `json:"ciphertext"`
	Proofs     [][]byte `json:"proofs"`
}

// InputDigest is what coprocessor signers attest to for an external input.
func InputDigest(h Handle, submitter, contract common.Address) []byte {
	return ethcrypto.Keccak256([]byte("veil:input:v1"), h[:], submitter.Bytes(), contract.Bytes())
}

// InputVerifier admits external ciphertexts into the ACL.
type InputVerifier struct {
	x       *Executor
	signers *SignerSet
}

func NewInputVerifier(x *Executor, signers *SignerSet) *InputVerifier {
	return &InputVerifier{x: x, signers: signers}
}

// Import verifies in, ingests its ciphertext and, on success, allows the
// handle to both the submitter and the receiving module.
func (v *InputVerifier) Import(in ExternalInput, submitter, contract common.Address) (Handle, error) {
	if in.Handle.IsZero() || len(in.Ciphertext) == 0 {
		return ZeroHandle, apperr.ErrInvalidProof.With("input %s carries no ciphertext", in.Handle.Short())
	}
	if CiphertextHandle(in.Ciphertext) != in.Handle {
		return ZeroHandle, apperr.ErrInvalidProof.With("ciphertext does not hash to %s", in.Handle.Short())
	}
	if !v.signers.Verify(InputDigest(in.Handle, submitter, contract), in.Proofs) {
		return ZeroHandle, apperr.ErrInvalidProof.With("proof does not bind %s to submitter %s", in.Handle.Short(), submitter.Hex())
	}
	h, err := v.x.Ingest(in.Ciphertext, TypeUint64)
	if err != nil {
		return ZeroHandle, apperr.ErrInvalidProof.Wrap(err)
	}
	v.x.Allow(h, submitter, contract)
	return h, nil
}
