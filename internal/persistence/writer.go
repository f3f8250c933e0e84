package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
)

// CoreOutput is one envelope flattened into event_log rows.
type CoreOutput struct {
	CommandRow   CommandRow
	JournalRows  []JournalRow
	TransferRows []TransferRow
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command
	Records        []byte // JSON array of typed records
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal (public vault side)
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// TransferRow represents a row in event_log.transfers: one confidential
// handle moving between principals.
type TransferRow struct {
	Sequence    int64
	Ordinal     int
	FromAccount string
	ToAccount   string
	Handle      string
}

// BuildOutput flattens a core output for the writer.
func BuildOutput(out core.CoreOutput) (CoreOutput, error) {
	env := out.Envelope
	records, err := MarshalRecords(env.Records)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("records for seq %d: %w", env.Sequence, err)
	}

	p := CoreOutput{
		CommandRow: CommandRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Payload:        env.Payload,
			Records:        records,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
	}

	for _, b := range out.Batches {
		for _, j := range b.Journals {
			p.JournalRows = append(p.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, r := range env.Records {
		if t, ok := r.(event.Transferred); ok {
			p.TransferRows = append(p.TransferRows, TransferRow{
				Sequence:    env.Sequence,
				Ordinal:     len(p.TransferRows),
				FromAccount: t.From.Hex(),
				ToAccount:   t.To.Hex(),
				Handle:      t.Amount.Hex(),
			})
		}
	}
	return p, nil
}

// MarshalRecords encodes records as a JSON array of {type, data} objects.
func MarshalRecords(records []event.Record) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := event.MarshalRecord(r)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes command rows using multi-row INSERTs inside the
// caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// insert builds one multi-row INSERT of width columns per row.
func insert(ctx context.Context, ex execer, head, conflict string, width int, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)
	for i, row := range rows {
		ph := make([]string, width)
		for c := range ph {
			ph[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args, row...)
	}
	query := head + " VALUES " + strings.Join(values, ", ") + " " + conflict
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteCommandBatch writes envelopes to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	rows := make([][]any, 0, len(commands))
	for _, c := range commands {
		rows = append(rows, []any{
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Caller,
			c.Payload, c.Records, c.StateHash, c.PrevHash, c.Timestamp,
		})
	}
	return insert(ctx, ex, `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, caller, payload, records, state_hash, prev_hash, timestamp)`,
		"ON CONFLICT (sequence) DO NOTHING", 9, rows)
}

// WriteJournalBatch writes public vault journals to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	rows := make([][]any, 0, len(journals))
	for _, j := range journals {
		rows = append(rows, []any{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		})
	}
	return insert(ctx, ex, `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)`,
		"ON CONFLICT (journal_id) DO NOTHING", 10, rows)
}

// WriteTransferBatch writes confidential handle moves to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, ex execer, transfers []TransferRow) error {
	rows := make([][]any, 0, len(transfers))
	for _, t := range transfers {
		rows = append(rows, []any{t.Sequence, t.Ordinal, t.FromAccount, t.ToAccount, t.Handle})
	}
	return insert(ctx, ex, `INSERT INTO event_log.transfers
		(sequence, ordinal, from_account, to_account, handle)`,
		"ON CONFLICT (sequence, ordinal) DO NOTHING", 5, rows)
}
