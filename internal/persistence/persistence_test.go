package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	t0    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// sampleOutput is a deposit followed by a confidential transfer in one
// envelope, which is enough to populate every table.
func sampleOutput(seq int64) core.CoreOutput {
	jg := ledger.NewJournalGenerator(seq)
	batch := jg.Deposit("dep-1", t0.UnixMicro(), alice, 1, 500)
	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: "dep-1",
		CommandType:    event.CommandTypeDeposit,
		Caller:         alice,
		Timestamp:      t0,
		Payload:        []byte(`{"amount":500}`),
		Records: []event.Record{
			event.Deposited{Account: alice, Asset: "USDC", Amount: 500},
			event.Transferred{From: alice, To: bob, Amount: fhe.Handle{0xaa}},
		},
		StateHash: [32]byte{0x02},
		PrevHash:  [32]byte{0x01},
	}
	return core.CoreOutput{Envelope: env, Batches: []*ledger.Batch{batch}}
}

// ============================================================================
// Test: BuildOutput
// ============================================================================

func TestBuildOutput_FlattensEnvelope(t *testing.T) {
	out, err := persistence.BuildOutput(sampleOutput(7))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out.CommandRow.Sequence != 7 || out.CommandRow.CommandType != "Deposit" {
		t.Fatalf("command row: got seq=%d type=%s", out.CommandRow.Sequence, out.CommandRow.CommandType)
	}
	if out.CommandRow.Caller != alice.Hex() {
		t.Fatalf("caller: got %s, want %s", out.CommandRow.Caller, alice.Hex())
	}
	if len(out.JournalRows) != 1 || out.JournalRows[0].Amount != 500 {
		t.Fatalf("journal rows: got %+v", out.JournalRows)
	}
	if len(out.TransferRows) != 1 {
		t.Fatalf("transfer rows: got %d, want 1", len(out.TransferRows))
	}
	tr := out.TransferRows[0]
	if tr.FromAccount != alice.Hex() || tr.ToAccount != bob.Hex() || tr.Handle != (fhe.Handle{0xaa}).Hex() {
		t.Fatalf("transfer row: got %+v", tr)
	}
	if string(out.CommandRow.Records) == "[]" {
		t.Fatalf("records not encoded")
	}
}

// ============================================================================
// Test: PersistenceWorker
// ============================================================================

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, mock := newMock(t)
	out, err := persistence.BuildOutput(sampleOutput(3))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.commands`).
		WithArgs(int64(3), "Deposit", "dep-1", alice.Hex(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log.journal`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log.transfers`).
		WithArgs(int64(3), 0, alice.Hex(), bob.Hex(), (fhe.Handle{0xaa}).Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan persistence.CoreOutput, 1)
	w := persistence.NewPersistenceWorker(db, in, 10, time.Hour, nil, zerolog.Nop())
	in <- out
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPersistenceWorker_RollsBackFailedBatch(t *testing.T) {
	db, mock := newMock(t)
	out, err := persistence.BuildOutput(sampleOutput(4))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.commands`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	in := make(chan persistence.CoreOutput, 1)
	w := persistence.NewPersistenceWorker(db, in, 10, time.Hour, nil, zerolog.Nop())
	in <- out
	close(in)

	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

// ============================================================================
// Test: PostgresIdempotencyChecker
// ============================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		want    bool
		wantErr bool
	}{
		{"found", func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(`SELECT 1\s+FROM event_log.commands`).
				WithArgs("Deposit", "dep-1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
		}, true, false},
		{"absent", func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(`SELECT 1\s+FROM event_log.commands`).
				WithArgs("Deposit", "dep-1").
				WillReturnError(sql.ErrNoRows)
		}, false, false},
		{"db error", func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery(`SELECT 1\s+FROM event_log.commands`).
				WithArgs("Deposit", "dep-1").
				WillReturnError(errors.New("connection reset"))
		}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.setup(mock)
			got, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("Deposit", "dep-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("duplicate: got %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: Migrator
// ============================================================================

func TestMigrator_AppliesOnlyPending(t *testing.T) {
	db, mock := newMock(t)
	files := fstest.MapFS{
		"000001_event_log.up.sql":     {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql":   {Data: []byte("DROP SCHEMA event_log;")},
		"000002_projections.up.sql":   {Data: []byte("CREATE SCHEMA projections;")},
		"000002_projections.down.sql": {Data: []byte("DROP SCHEMA projections;")},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public.schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE SCHEMA projections`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO public.schema_migrations`).
		WithArgs("000002", "000002_projections.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := persistence.NewMigrator(db, files, zerolog.Nop()).Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied: got %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestMigrations_Embedded(t *testing.T) {
	for _, name := range []string{
		"000001_event_log.up.sql", "000001_event_log.down.sql",
		"000002_projections.up.sql", "000002_projections.down.sql",
	} {
		if _, err := persistence.Migrations().Open(name); err != nil {
			t.Fatalf("embedded %s: %v", name, err)
		}
	}
}

// ============================================================================
// Test: CheckpointManager
// ============================================================================

func commandRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"sequence", "command_type", "idempotency_key", "caller", "payload", "records",
		"state_hash", "prev_hash", "timestamp",
	})
}

func TestVerifyChain(t *testing.T) {
	genesis := []byte{0x00}

	t.Run("linked", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(0), 2).
			WillReturnRows(commandRows().
				AddRow(int64(0), "Deposit", "a", alice.Hex(), []byte("{}"), []byte("[]"), []byte{0x01}, genesis, t0).
				AddRow(int64(1), "Mint", "b", alice.Hex(), []byte("{}"), []byte("[]"), []byte{0x02}, []byte{0x01}, t0))
		mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(2), 2).
			WillReturnRows(commandRows().
				AddRow(int64(2), "Transfer", "c", alice.Hex(), []byte("{}"), []byte("[]"), []byte{0x03}, []byte{0x02}, t0))
		mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(3), 2).
			WillReturnRows(commandRows())

		n, err := persistence.NewCheckpointManager(db).VerifyChain(context.Background(), 0, genesis, 2)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if n != 3 {
			t.Fatalf("checked: got %d, want 3", n)
		}
	})

	t.Run("broken", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(0), 10).
			WillReturnRows(commandRows().
				AddRow(int64(0), "Deposit", "a", alice.Hex(), []byte("{}"), []byte("[]"), []byte{0x01}, genesis, t0).
				AddRow(int64(1), "Mint", "b", alice.Hex(), []byte("{}"), []byte("[]"), []byte{0x02}, []byte{0xff}, t0))

		_, err := persistence.NewCheckpointManager(db).VerifyChain(context.Background(), 0, genesis, 10)
		var brk *persistence.ChainBreak
		if !errors.As(err, &brk) {
			t.Fatalf("got %v, want *ChainBreak", err)
		}
		if brk.Sequence != 1 {
			t.Fatalf("break sequence: got %d, want 1", brk.Sequence)
		}
	})
}

func TestLoadTip(t *testing.T) {
	db, mock := newMock(t)
	hash := make([]byte, 32)
	hash[0] = 0x42
	mock.ExpectQuery(`SELECT sequence, state_hash, timestamp`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "state_hash", "timestamp"}).AddRow(int64(9), hash, t0))

	tip, err := persistence.NewCheckpointManager(db).LoadTip(context.Background())
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Sequence != 9 || tip.StateHash[0] != 0x42 || !tip.Timestamp.Equal(t0) {
		t.Fatalf("tip: got %+v", tip)
	}
}

func TestLoadLatestCheckpoint_ColdStart(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`SELECT data FROM event_log.checkpoints`).WillReturnError(sql.ErrNoRows)

	cp, err := persistence.NewCheckpointManager(db).LoadLatest(context.Background())
	if err != nil || cp != nil {
		t.Fatalf("cold start: got %+v, %v", cp, err)
	}
}

// ============================================================================
// Test: ReplayLog
// ============================================================================

type recordingReplayer struct {
	replayed []int64
	digest   [32]byte
	failAt   int64
}

func (r *recordingReplayer) Replay(lc core.LoggedCommand) error {
	if lc.Sequence == r.failAt {
		return &core.ReplayDivergence{Sequence: lc.Sequence, Reason: "rejected"}
	}
	r.replayed = append(r.replayed, lc.Sequence)
	return nil
}

func (r *recordingReplayer) EntityDigest() [32]byte { return r.digest }

func hash32(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

// expectLog serves a three-command chain rooted at genesis in pages of two.
func expectLog(mock sqlmock.Sqlmock, tamperPrev bool) {
	genesis := core.GenesisHash()
	second := hash32(0x01)
	if tamperPrev {
		second = hash32(0xee)
	}
	mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(0), 2).
		WillReturnRows(commandRows().
			AddRow(int64(0), "Deposit", "a", alice.Hex(), []byte("{}"), []byte("[]"), hash32(0x01), genesis[:], t0).
			AddRow(int64(1), "Mint", "b", alice.Hex(), []byte("{}"), []byte("[]"), hash32(0x02), second, t0))
	if tamperPrev {
		return
	}
	mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(2), 2).
		WillReturnRows(commandRows().
			AddRow(int64(2), "Transfer", "c", alice.Hex(), []byte("{}"), []byte("[]"), hash32(0x03), hash32(0x02), t0))
	mock.ExpectQuery(`FROM event_log.commands`).WithArgs(int64(3), 2).
		WillReturnRows(commandRows())
}

func TestReplayLog(t *testing.T) {
	digest := [32]byte{0xd1}

	t.Run("replays in order and matches checkpoint", func(t *testing.T) {
		db, mock := newMock(t)
		expectLog(mock, false)
		r := &recordingReplayer{digest: digest, failAt: -1}
		cp := &persistence.Checkpoint{Sequence: 1, StateHash: hash32(0x02), EntityDigest: digest[:]}

		n, err := persistence.NewCheckpointManager(db).ReplayLog(context.Background(), r, cp, 2, zerolog.Nop())
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if n != 3 || len(r.replayed) != 3 || r.replayed[2] != 2 {
			t.Fatalf("replayed: got %d %v, want 3 in order", n, r.replayed)
		}
	})

	t.Run("entity mismatch at checkpoint", func(t *testing.T) {
		db, mock := newMock(t)
		expectLog(mock, false)
		r := &recordingReplayer{digest: [32]byte{0xd2}, failAt: -1}
		cp := &persistence.Checkpoint{Sequence: 1, StateHash: hash32(0x02), EntityDigest: digest[:]}

		_, err := persistence.NewCheckpointManager(db).ReplayLog(context.Background(), r, cp, 2, zerolog.Nop())
		var mm *persistence.CheckpointMismatch
		if !errors.As(err, &mm) {
			t.Fatalf("got %v, want *CheckpointMismatch", err)
		}
		if mm.Sequence != 1 {
			t.Fatalf("mismatch sequence: got %d, want 1", mm.Sequence)
		}
	})

	t.Run("checkpoint off the persisted chain is skipped", func(t *testing.T) {
		db, mock := newMock(t)
		expectLog(mock, false)
		r := &recordingReplayer{digest: [32]byte{0xd2}, failAt: -1}
		cp := &persistence.Checkpoint{Sequence: 1, StateHash: hash32(0x77), EntityDigest: digest[:]}

		n, err := persistence.NewCheckpointManager(db).ReplayLog(context.Background(), r, cp, 2, zerolog.Nop())
		if err != nil || n != 3 {
			t.Fatalf("stale checkpoint: got %d, %v", n, err)
		}
	})

	t.Run("broken link", func(t *testing.T) {
		db, mock := newMock(t)
		expectLog(mock, true)
		r := &recordingReplayer{failAt: -1}

		_, err := persistence.NewCheckpointManager(db).ReplayLog(context.Background(), r, nil, 2, zerolog.Nop())
		var brk *persistence.ChainBreak
		if !errors.As(err, &brk) {
			t.Fatalf("got %v, want *ChainBreak", err)
		}
		if len(r.replayed) != 1 {
			t.Fatalf("replayed past the break: %v", r.replayed)
		}
	})

	t.Run("divergence stops the walk", func(t *testing.T) {
		db, mock := newMock(t)
		expectLog(mock, false)
		r := &recordingReplayer{failAt: 2}

		n, err := persistence.NewCheckpointManager(db).ReplayLog(context.Background(), r, nil, 2, zerolog.Nop())
		var div *core.ReplayDivergence
		if !errors.As(err, &div) {
			t.Fatalf("got %v, want *ReplayDivergence", err)
		}
		if n != 2 {
			t.Fatalf("replayed: got %d, want 2", n)
		}
	})
}
