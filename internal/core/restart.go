package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"VeilTrade/internal/event"
	"VeilTrade/internal/risk"
)

// LoggedCommand is one row of the command log as the core needs it to
// replay.
type LoggedCommand struct {
	Sequence    int64
	CommandType string
	Payload     []byte
	StateHash   [32]byte
}

// ReplayDivergence reports a logged command the core could not reproduce.
// The log and the binary disagree, so the process must not serve.
type ReplayDivergence struct {
	Sequence int64
	Reason   string
}

func (d *ReplayDivergence) Error() string {
	return fmt.Sprintf("replay diverged at sequence %d: %s", d.Sequence, d.Reason)
}

// Replay re-applies one logged command to rebuild in-memory state after a
// restart. The command must carry the next sequence and must reproduce its
// logged state hash. Replayed commands are marked processed for idempotency
// but never reach the output channels.
func (c *DeterministicCore) Replay(lc LoggedCommand) error {
	if lc.Sequence != c.sequence {
		return &ReplayDivergence{Sequence: lc.Sequence, Reason: fmt.Sprintf("core expects sequence %d", c.sequence)}
	}
	ct, ok := event.ParseCommandType(lc.CommandType)
	if !ok {
		return &ReplayDivergence{Sequence: lc.Sequence, Reason: fmt.Sprintf("unknown command type %q", lc.CommandType)}
	}
	cmd, _ := event.NewCommand(ct)
	if err := json.Unmarshal(lc.Payload, cmd); err != nil {
		return &ReplayDivergence{Sequence: lc.Sequence, Reason: fmt.Sprintf("decode %s: %v", lc.CommandType, err)}
	}

	if _, err := c.apply(cmd, lc.Payload, true); err != nil {
		return &ReplayDivergence{Sequence: lc.Sequence, Reason: fmt.Sprintf("%s rejected: %v", lc.CommandType, err)}
	}
	if got := c.hasher.GetPrevHash(); got != lc.StateHash {
		return &ReplayDivergence{Sequence: lc.Sequence, Reason: fmt.Sprintf("state hash %x, logged %x", got, lc.StateHash)}
	}
	return nil
}

// EntityDigest hashes every entity the engines hold: ledger balances and
// supply, orders, strategies, positions, settlements, resolvers, breaker
// counters and outstanding decryptions. Checkpoints record it so a replay
// can prove it rebuilt the same state, not only the same chain.
func (c *DeterministicCore) EntityDigest() [32]byte {
	h := sha256.New()
	var buf []byte
	u64 := func(v uint64) {
		buf = binary.LittleEndian.AppendUint64(buf[:0], v)
		h.Write(buf)
	}

	minted, burned := c.ledger.Supply()
	u64(minted)
	u64(burned)
	for _, a := range c.ledger.Accounts() {
		bal := c.ledger.BalanceOf(a)
		h.Write(a[:])
		h.Write(bal[:])
	}

	for _, o := range c.orders.GetAllOrders() {
		h.Write(o.CanonicalBytes())
	}
	for _, st := range c.orders.GetAllStrategies() {
		u64(st.ID)
		h.Write([]byte{byte(st.Status)})
		for _, leg := range st.LegIDs {
			u64(leg)
		}
	}
	for _, p := range c.positions.GetAllPositions() {
		h.Write(p.CanonicalBytes())
	}
	for _, s := range c.settlement.GetAllSettlements() {
		h.Write(s.CanonicalBytes())
	}
	for _, r := range c.settlement.GetAllResolvers() {
		h.Write(r.Address[:])
		h.Write([]byte{boolByte(r.Active), boolByte(r.Slashed)})
		u64(r.Bond)
		u64(r.Reserved)
		u64(uint64(r.Reputation))
		u64(r.Successes)
		u64(r.Failures)
	}

	breakers := append([]*risk.CircuitBreaker{c.orders.Breaker()}, c.settlement.Breakers()...)
	for _, b := range breakers {
		day, volume := b.State()
		h.Write([]byte(b.Scope()))
		u64(uint64(day))
		u64(volume)
	}

	u64(c.gateway.NextID())
	for _, req := range c.gateway.Pending() {
		u64(req.ID)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
