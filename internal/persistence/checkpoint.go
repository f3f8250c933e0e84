package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Checkpoint records where the core stood at a sequence: the chain tip, the
// versioned clock and the digest of every engine entity. Replay on restart
// must arrive at the same entity digest when it passes the checkpoint.
type Checkpoint struct {
	Sequence        int64     `json:"sequence"`
	StateHash       []byte    `json:"state_hash"`
	EntityDigest    []byte    `json:"entity_digest"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	OpenOrders      int       `json:"open_orders"`
	OpenSettlements int       `json:"open_settlements"`
	CreatedAt       time.Time `json:"created_at"`
}

// Tip is the newest persisted command.
type Tip struct {
	Sequence  int64
	StateHash [32]byte
	Timestamp time.Time
}

// ChainBreak reports the first command whose prev_hash does not match its
// predecessor's state_hash.
type ChainBreak struct {
	Sequence int64
	Want     []byte
	Got      []byte
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("hash chain broken at sequence %d: prev_hash %x, predecessor state_hash %x", b.Sequence, b.Got, b.Want)
}

// CheckpointManager stores checkpoints and reads the command log back for
// restart and audit.
type CheckpointManager struct {
	db *sql.DB
}

func NewCheckpointManager(db *sql.DB) *CheckpointManager {
	return &CheckpointManager{db: db}
}

// Save persists a checkpoint. A checkpoint taken from live state is verified
// on write.
func (cm *CheckpointManager) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = cm.db.ExecContext(ctx, `
		INSERT INTO event_log.checkpoints
			(checkpoint_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), cp.Sequence, data, cp.StateHash, 1, len(data), cp.CreatedAt)
	return err
}

// LoadLatest returns the newest verified checkpoint, or nil on a cold start.
func (cm *CheckpointManager) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	row := cm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.checkpoints
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LoadTip returns the newest persisted command, or nil for an empty log.
func (cm *CheckpointManager) LoadTip(ctx context.Context) (*Tip, error) {
	var (
		tip  Tip
		hash []byte
	)
	err := cm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, timestamp
		FROM event_log.commands
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&tip.Sequence, &hash, &tip.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	if len(hash) != len(tip.StateHash) {
		return nil, fmt.Errorf("tip state_hash has %d bytes", len(hash))
	}
	copy(tip.StateHash[:], hash)
	return &tip, nil
}

// LoadCommandsFrom loads commands from a given sequence in order.
func (cm *CheckpointManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := cm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, payload, records,
		       state_hash, prev_hash, timestamp
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Caller, &c.Payload, &c.Records,
			&c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// WalkCommands pages through the log from fromSequence and calls fn for
// every command in sequence order. It stops at the first error fn returns
// and reports how many commands fn accepted.
func (cm *CheckpointManager) WalkCommands(ctx context.Context, fromSequence int64, pageSize int, fn func(CommandRow) error) (int64, error) {
	var walked int64
	for {
		page, err := cm.LoadCommandsFrom(ctx, fromSequence, pageSize)
		if err != nil {
			return walked, fmt.Errorf("load commands from seq %d: %w", fromSequence, err)
		}
		if len(page) == 0 {
			return walked, nil
		}
		for _, c := range page {
			if err := fn(c); err != nil {
				return walked, err
			}
			walked++
		}
		fromSequence = page[len(page)-1].Sequence + 1
	}
}

// VerifyChain walks the log from fromSequence and checks that every
// prev_hash links to its predecessor's state_hash. prev is the state hash
// expected before fromSequence. It returns the number of commands checked
// and a *ChainBreak on the first mismatch.
func (cm *CheckpointManager) VerifyChain(ctx context.Context, fromSequence int64, prev []byte, pageSize int) (int64, error) {
	return cm.WalkCommands(ctx, fromSequence, pageSize, func(c CommandRow) error {
		if !bytes.Equal(c.PrevHash, prev) {
			return &ChainBreak{Sequence: c.Sequence, Want: prev, Got: c.PrevHash}
		}
		prev = c.StateHash
		return nil
	})
}
