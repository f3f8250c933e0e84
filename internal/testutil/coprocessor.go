package testutil

import (
	"testing"
	"time"

	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// Coprocessor bundles an in-memory executor with a dev relayer whose signers
// are the only members of the input and decryption signer sets.
type Coprocessor struct {
	X       *fhe.Executor
	Relayer *fhe.Relayer
	Signers *fhe.SignerSet
	Gateway *fhe.Gateway
	Inputs  *fhe.InputVerifier

	keys []*fhe.Signer
}

// NewCoprocessor builds a 2-of-2 coprocessor fixture.
func NewCoprocessor(t *testing.T) *Coprocessor {
	t.Helper()
	x := fhe.NewExecutor()
	signers := make([]*fhe.Signer, 2)
	for i := range signers {
		s, err := fhe.GenerateSigner()
		if err != nil {
			t.Fatalf("generate signer: %v", err)
		}
		signers[i] = s
	}
	r := fhe.NewRelayer(x, signers...)
	set, err := fhe.NewSignerSet(len(signers), r.Addresses()...)
	if err != nil {
		t.Fatalf("signer set: %v", err)
	}
	return &Coprocessor{
		X:       x,
		Relayer: r,
		Signers: set,
		Gateway: fhe.NewGateway(set),
		Inputs:  fhe.NewInputVerifier(x, set),
		keys:    signers,
	}
}

// Restart returns a coprocessor with empty stores and the same signer keys,
// the way a restarted process builds it before replaying the log.
func (c *Coprocessor) Restart() *Coprocessor {
	x := fhe.NewExecutor()
	return &Coprocessor{
		X:       x,
		Relayer: fhe.NewRelayer(x, c.keys...),
		Signers: c.Signers,
		Gateway: fhe.NewGateway(c.Signers),
		Inputs:  fhe.NewInputVerifier(x, c.Signers),
		keys:    c.keys,
	}
}

// Input encrypts v as an external input from submitter addressed to module.
func (c *Coprocessor) Input(t *testing.T, v uint64, submitter, module common.Address) fhe.ExternalInput {
	t.Helper()
	in, err := c.Relayer.EncryptInput(v, submitter, module)
	if err != nil {
		t.Fatalf("encrypt input: %v", err)
	}
	return in
}

// Reveal decrypts h for assertions.
func (c *Coprocessor) Reveal(t *testing.T, h fhe.Handle) uint64 {
	t.Helper()
	v, _, ok := c.X.Reveal(h)
	if !ok {
		t.Fatalf("handle %s is not live", h.Short())
	}
	return v
}

// FinalizeAll answers every pending decryption request through the gateway.
func (c *Coprocessor) FinalizeAll(t *testing.T, now time.Time) {
	t.Helper()
	for _, req := range c.Gateway.Pending() {
		plaintexts, sigs, err := c.Relayer.Decrypt(req)
		if err != nil {
			t.Fatalf("decrypt request %d: %v", req.ID, err)
		}
		if _, err := c.Gateway.Finalize(req.ID, plaintexts, sigs, now); err != nil {
			t.Fatalf("finalize request %d: %v", req.ID, err)
		}
	}
}

// Clock is a manually advanced time source for deadline tests.
type Clock struct {
	now time.Time
}

// NewClock starts at a fixed instant so test timestamps are reproducible.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward and returns the new instant.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}
