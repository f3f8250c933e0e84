package persistence

import (
	"bytes"
	"context"
	"fmt"

	"VeilTrade/internal/core"

	"github.com/rs/zerolog"
)

// Replayer is the core as restart drives it.
type Replayer interface {
	Replay(core.LoggedCommand) error
	EntityDigest() [32]byte
}

// CheckpointMismatch reports a replay that reproduced the chain up to a
// checkpoint but not the entities recorded with it.
type CheckpointMismatch struct {
	Sequence int64
	Want     []byte
	Got      []byte
}

func (m *CheckpointMismatch) Error() string {
	return fmt.Sprintf("entity digest at checkpoint %d: rebuilt %x, recorded %x", m.Sequence, m.Got, m.Want)
}

// ReplayLog rebuilds r from the whole command log. Every command must link
// to its predecessor and reproduce its logged state hash. When cp lies on
// the replayed chain, the rebuilt entities must match its digest. A
// checkpoint whose state hash differs from the logged one at its sequence
// was taken ahead of a flush that never happened and is skipped.
func (cm *CheckpointManager) ReplayLog(ctx context.Context, r Replayer, cp *Checkpoint, pageSize int, logger zerolog.Logger) (int64, error) {
	genesis := core.GenesisHash()
	prev := genesis[:]

	return cm.WalkCommands(ctx, 0, pageSize, func(row CommandRow) error {
		if !bytes.Equal(row.PrevHash, prev) {
			return &ChainBreak{Sequence: row.Sequence, Want: prev, Got: row.PrevHash}
		}
		lc, err := row.Logged()
		if err != nil {
			return err
		}
		if err := r.Replay(lc); err != nil {
			return err
		}
		prev = row.StateHash

		if cp == nil || cp.Sequence != row.Sequence {
			return nil
		}
		if !bytes.Equal(cp.StateHash, row.StateHash) {
			logger.Warn().Int64("sequence", cp.Sequence).Msg("checkpoint is off the persisted chain, skipping entity check")
			return nil
		}
		got := r.EntityDigest()
		if !bytes.Equal(cp.EntityDigest, got[:]) {
			return &CheckpointMismatch{Sequence: cp.Sequence, Want: cp.EntityDigest, Got: got[:]}
		}
		logger.Info().Int64("sequence", cp.Sequence).Msg("entities match checkpoint")
		return nil
	})
}

// Logged converts a log row into the core's replay input.
func (c CommandRow) Logged() (core.LoggedCommand, error) {
	lc := core.LoggedCommand{
		Sequence:    c.Sequence,
		CommandType: c.CommandType,
		Payload:     c.Payload,
	}
	if len(c.StateHash) != len(lc.StateHash) {
		return lc, fmt.Errorf("sequence %d: state_hash has %d bytes", c.Sequence, len(c.StateHash))
	}
	copy(lc.StateHash[:], c.StateHash)
	return lc, nil
}
