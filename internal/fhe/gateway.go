package fhe

import (
	"encoding/binary"
	"sort"
	"time"

	"VeilTrade/internal/apperr"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DecryptRequest is a parked decryption awaiting its signed callback.
type DecryptRequest struct {
	ID          uint64    `json:"id"`
	Handles     []Handle  `json:"handles"`
	Consumer    string    `json:"consumer"`
	RequestedAt time.Time `json:"requested_at"`
}

// Consumer resumes work once plaintexts for one of its requests arrive.
// Returning an error leaves the request pending.
type Consumer interface {
	OnDecrypted(req DecryptRequest, plaintexts []uint64, now time.Time) error
}

// DecryptDigest is the message the decryption authority signs.
func DecryptDigest(id uint64, handles []Handle, plaintexts []uint64) []byte {
	buf := make([]byte, 0, 8+len(handles)*32+len(plaintexts)*8)
	buf = binary.BigEndian.AppendUint64(buf, id)
	for _, h := range handles {
		buf = append(buf, h[:]...)
	}
	for _, p := range plaintexts {
		buf = binary.BigEndian.AppendUint64(buf, p)
	}
	return ethcrypto.Keccak256([]byte("veil:decrypt:v1"), buf)
}

// Gateway tracks outstanding decryption requests and finalizes each exactly
// once. Not thread-safe: driven only from the serialized command path.
type Gateway struct {
	signers   *SignerSet
	nextID    uint64
	pending   map[uint64]DecryptRequest
	finalized map[uint64]struct{}
	consumers map[string]Consumer

	tracking  bool
	savedNext uint64
	undo      []gatewayUndo
}

type gatewayUndo struct {
	req       DecryptRequest
	finalized bool
}

func NewGateway(signers *SignerSet) *Gateway {
	return &Gateway{
		signers:   signers,
		nextID:    1,
		pending:   make(map[uint64]DecryptRequest),
		finalized: make(map[uint64]struct{}),
		consumers: make(map[string]Consumer),
	}
}

// Register binds a consumer name to its continuation.
func (g *Gateway) Register(name string, c Consumer) {
	g.consumers[name] = c
}

// RequestDecrypt parks a request and returns its id.
func (g *Gateway) RequestDecrypt(handles []Handle, consumer string, now time.Time) DecryptRequest {
	req := DecryptRequest{
		ID:          g.nextID,
		Handles:     append([]Handle(nil), handles...),
		Consumer:    consumer,
		RequestedAt: now,
	}
	g.nextID++
	g.pending[req.ID] = req
	if g.tracking {
		g.undo = append(g.undo, gatewayUndo{req: req})
	}
	return req
}

// Finalize verifies the authority's signatures and hands the plaintexts to
// the request's consumer. The request leaves the pending table only when the
// consumer succeeds; a second finalize for the same id is rejected.
func (g *Gateway) Finalize(id uint64, plaintexts []uint64, sigs [][]byte, now time.Time) (DecryptRequest, error) {
	if _, done := g.finalized[id]; done {
		return DecryptRequest{}, apperr.ErrReplayedRequest.With("request %d already finalized", id)
	}
	req, ok := g.pending[id]
	if !ok {
		return DecryptRequest{}, apperr.ErrUnknownRequest.With("request %d", id)
	}
	if len(plaintexts) != len(req.Handles) {
		return DecryptRequest{}, apperr.ErrBadPlaintexts.With("request %d expects %d plaintexts, got %d", id, len(req.Handles), len(plaintexts))
	}
	if !g.signers.Verify(DecryptDigest(id, req.Handles, plaintexts), sigs) {
		return DecryptRequest{}, apperr.ErrBadSignatures.With("request %d lacks %d valid signatures", id, g.signers.Threshold())
	}
	c, ok := g.consumers[req.Consumer]
	if !ok {
		return DecryptRequest{}, apperr.ErrUnknownRequest.With("no consumer %q for request %d", req.Consumer, id)
	}
	if err := c.OnDecrypted(req, plaintexts, now); err != nil {
		return DecryptRequest{}, err
	}
	delete(g.pending, id)
	g.finalized[id] = struct{}{}
	if g.tracking {
		g.undo = append(g.undo, gatewayUndo{req: req, finalized: true})
	}
	return req, nil
}

// Begin starts recording requests parked and finalized so that a rejected
// command can be undone with Rollback.
func (g *Gateway) Begin() {
	g.tracking = true
	g.savedNext = g.nextID
	g.undo = g.undo[:0]
}

// Commit keeps everything recorded since Begin.
func (g *Gateway) Commit() {
	g.tracking = false
	g.undo = g.undo[:0]
}

// Rollback unparks requests and reopens finalizations made since Begin.
func (g *Gateway) Rollback() {
	for i := len(g.undo) - 1; i >= 0; i-- {
		u := g.undo[i]
		if u.finalized {
			delete(g.finalized, u.req.ID)
			g.pending[u.req.ID] = u.req
			continue
		}
		delete(g.pending, u.req.ID)
	}
	g.nextID = g.savedNext
	g.tracking = false
	g.undo = g.undo[:0]
}

// NextID is the id the next request will receive.
func (g *Gateway) NextID() uint64 { return g.nextID }

// Pending lists outstanding requests in id order.
func (g *Gateway) Pending() []DecryptRequest {
	out := make([]DecryptRequest, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsPending reports whether id is awaiting finalization.
func (g *Gateway) IsPending(id uint64) bool {
	_, ok := g.pending[id]
	return ok
}
