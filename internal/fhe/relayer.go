package fhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Relayer plays the client-side encryptor and the decryption authority for
// local runs and tests. Production deployments point the engine at real
// coprocessor and KMS signers instead.
type Relayer struct {
	x       *Executor
	signers []*Signer
}

func NewRelayer(x *Executor, signers ...*Signer) *Relayer {
	return &Relayer{x: x, signers: signers}
}

// Addresses lists the relayer's signer addresses.
func (r *Relayer) Addresses() []common.Address {
	out := make([]common.Address, len(r.signers))
	for i, s := range r.signers {
		out[i] = s.Address()
	}
	return out
}

// EncryptInput seals v and attests that the ciphertext is bound to
// submitter and contract. The executor learns the value only when a command
// carrying the input is applied.
func (r *Relayer) EncryptInput(v uint64, submitter, contract common.Address) (ExternalInput, error) {
	ct, h, err := r.x.Seal(v)
	if err != nil {
		return ExternalInput{}, err
	}

	digest := InputDigest(h, submitter, contract)
	proofs := make([][]byte, 0, len(r.signers))
	for _, s := range r.signers {
		sig, err := s.Sign(digest)
		if err != nil {
			return ExternalInput{}, err
		}
		proofs = append(proofs, sig)
	}
	return ExternalInput{Handle: h, Ciphertext: ct, Proofs: proofs}, nil
}

// Decrypt answers a parked request with plaintexts and signatures ready for
// Gateway.Finalize.
func (r *Relayer) Decrypt(req DecryptRequest) ([]uint64, [][]byte, error) {
	plaintexts := make([]uint64, len(req.Handles))
	for i, h := range req.Handles {
		v, _, ok := r.x.Reveal(h)
		if !ok {
			return nil, nil, fmt.Errorf("fhe/relayer: request %d references unknown handle %s", req.ID, h.Short())
		}
		plaintexts[i] = v
	}
	digest := DecryptDigest(req.ID, req.Handles, plaintexts)
	sigs := make([][]byte, 0, len(r.signers))
	for _, s := range r.signers {
		sig, err := s.Sign(digest)
		if err != nil {
			return nil, nil, err
		}
		sigs = append(sigs, sig)
	}
	return plaintexts, sigs, nil
}
