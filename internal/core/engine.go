// Package core is the deterministic command processor. Every state change
// in VeilTrade enters through DeterministicCore.Apply on a single goroutine,
// is dispatched to the owning engine, and leaves as a hash-chained envelope
// on the persistence and projection channels.
package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/observability"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/orders"
	"VeilTrade/internal/settlement"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Config fixes the engine parameters the core is built with.
type Config struct {
	Ledger              ledger.Config
	Orders              orders.Params
	Settlement          settlement.Params
	Symbols             []string
	PriceMaxAge         time.Duration
	Chains              []uint64
	IdempotencyCapacity int
}

// Coprocessor bundles the confidential-compute backends the engines share.
type Coprocessor struct {
	Executor *fhe.Executor
	Gateway  *fhe.Gateway
	Inputs   *fhe.InputVerifier
}

// CoreOutput is one applied command on its way to persistence and
// projections.
type CoreOutput struct {
	Envelope *event.Envelope
	Batches  []*ledger.Batch
}

// Result describes an applied command to its submitter.
type Result struct {
	Sequence  int64
	Duplicate bool
	// ID is the order, strategy, position or settlement id a create command
	// assigned, or the decryption request id of a burn.
	ID      uint64
	Records []event.Record
}

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	clock       *ClockValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	x          *fhe.Executor
	gateway    *fhe.Gateway
	acl        *access.Table
	records    *event.Buffer
	oracle     *oracle.Book
	ledger     *ledger.Confidential
	positions  *state.PositionManager
	orders     *orders.Engine
	settlement *settlement.Engine

	applying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewDeterministicCore(
	cfg Config,
	admin common.Address,
	cop Coprocessor,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	acl := access.NewTable(admin)
	for _, module := range []common.Address{orders.Address, state.Address, settlement.Address} {
		acl.Grant(module, access.CapLedgerTransfer)
	}

	records := &event.Buffer{}
	book := oracle.NewBook(cfg.Symbols, cfg.PriceMaxAge)

	l, err := ledger.NewConfidential(cfg.Ledger, cop.Executor, acl, cop.Gateway, cop.Inputs, records, logger.With().Str("module", "ledger").Logger())
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	positions := state.NewPositionManager(cop.Executor, l, book, cop.Inputs, records, logger.With().Str("module", "positions").Logger())
	ord, err := orders.NewEngine(cfg.Orders, cop.Executor, l, positions, book, acl, cop.Inputs, records, logger.With().Str("module", "orders").Logger())
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	st, err := settlement.NewEngine(cfg.Settlement, cop.Executor, l, positions, acl, cop.Inputs, records, logger.With().Str("module", "settlement").Logger())
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	for _, chain := range cfg.Chains {
		if err := st.SetChain(admin, chain, true); err != nil {
			return nil, fmt.Errorf("core: chain %d: %w", chain, err)
		}
	}
	records.Reset()

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &DeterministicCore{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker, metrics),
		clock:          NewClockValidator(),
		metrics:        metrics,
		logger:         logger,
		x:              cop.Executor,
		gateway:        cop.Gateway,
		acl:            acl,
		records:        records,
		oracle:         book,
		ledger:         l,
		positions:      positions,
		orders:         ord,
		settlement:     st,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// Apply is the main processing pipeline. A rejected command returns its
// classified error and leaves every engine, the ACL, the gateway and the
// ciphertext store exactly as they were.
func (c *DeterministicCore) Apply(cmd event.Command) (Result, error) {
	return c.apply(cmd, nil, false)
}

// apply runs the pipeline. On replay the command comes from the log: it is
// never a duplicate, its logged payload is hashed as is, and nothing is
// emitted.
func (c *DeterministicCore) apply(cmd event.Command, payload []byte, replay bool) (Result, error) {
	// Engines call back into the core only through gateway consumers; none of
	// them may start a second command while one is in flight.
	if c.applying {
		return Result{}, apperr.ErrReentrant.With("%s submitted while another command is applying", cmd.CommandType())
	}
	c.applying = true
	defer func() { c.applying = false }()

	start := time.Now()
	commandType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: Key and idempotency check (two-tier)
	if key == "" {
		return Result{}, c.reject(commandType, apperr.ErrMissingKey)
	}
	if !replay && c.idempotency.IsDuplicate(commandType, key) {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return Result{Duplicate: true}, nil
	}

	// Step 2: Versioned time. The core never reads the wall clock.
	now := cmd.Timestamp()
	if err := c.clock.Validate(now); err != nil {
		if c.metrics != nil {
			c.metrics.ClockRegressions.Inc()
		}
		return Result{}, c.reject(commandType, err)
	}

	// Step 3: Dispatch under executor and gateway checkpoints
	c.x.Begin()
	c.gateway.Begin()
	c.ledger.SetSequence(c.sequence)
	id, err := c.dispatch(cmd, now)
	if err != nil {
		c.x.Rollback()
		c.gateway.Rollback()
		c.records.Reset()
		c.ledger.DrainBatches()
		return Result{}, c.reject(commandType, err)
	}
	c.x.Commit()
	c.gateway.Commit()
	c.clock.Advance(now)

	records := c.records.Drain()
	batches := c.ledger.DrainBatches()

	// Step 4: Post-checks
	for _, b := range batches {
		if err := b.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: invalid journal batch from %s: %v", commandType, err))
		}
	}

	// Step 5: State digest and hash chain
	if payload == nil {
		payload, err = json.Marshal(cmd)
		if err != nil {
			panic(fmt.Sprintf("FATAL: cannot encode %s: %v", commandType, err))
		}
	}
	hashStart := time.Now()
	digest := c.computeStateDigest(payload, records, batches)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		CommandType:    cmd.CommandType(),
		Caller:         cmd.Sender(),
		Timestamp:      now,
		Payload:        payload,
		Records:        records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{Envelope: envelope, Batches: batches}

	// Step 6: Emit outputs. Persistence blocks (backpressure); projections
	// drop on full and rebuild from the event log.
	if c.persistChan != nil && !replay {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil && !replay {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	// Step 7: Mark as processed
	c.idempotency.MarkProcessed(commandType, key)
	result := Result{Sequence: c.sequence, ID: id, Records: records}
	c.sequence++

	c.recordMetrics(cmd.CommandType(), records, now, start)
	c.logger.Debug().
		Int64("sequence", result.Sequence).
		Str("command_type", commandType).
		Str("idempotency_key", key).
		Int("records", len(records)).
		Msg("command applied")
	return result, nil
}

func (c *DeterministicCore) reject(commandType string, err error) error {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, apperr.CodeOf(err)).Inc()
		if apperr.KindOf(err) == apperr.KindCapacity {
			c.metrics.BreakerTrips.WithLabelValues(commandType).Inc()
		}
	}
	c.logger.Warn().
		Str("command_type", commandType).
		Str("reason", apperr.CodeOf(err)).
		Str("kind", apperr.KindOf(err).String()).
		Err(err).
		Msg("command rejected")
	return err
}

// computeStateDigest creates canonical bytes for the state hash: the command
// payload, every record it emitted, the public journal moves, and the
// resulting balance handles of every account a record touched.
func (c *DeterministicCore) computeStateDigest(payload []byte, records []event.Record, batches []*ledger.Batch) []byte {
	digest := make([]byte, 0, len(payload)+len(records)*128)
	digest = appendBytes(digest, payload)

	touched := make(map[common.Address]struct{})
	for _, r := range records {
		enc, err := event.MarshalRecord(r)
		if err != nil {
			panic(fmt.Sprintf("FATAL: cannot encode record %s: %v", r.RecordType(), err))
		}
		digest = appendBytes(digest, enc)

		switch rec := r.(type) {
		case event.Transferred:
			touched[rec.From] = struct{}{}
			touched[rec.To] = struct{}{}
		case event.Minted:
			touched[rec.To] = struct{}{}
		case event.BurnRequested:
			touched[rec.From] = struct{}{}
			touched[ledger.BurnEscrow] = struct{}{}
		case event.Burned:
			touched[ledger.BurnEscrow] = struct{}{}
		}
	}

	for _, b := range batches {
		for _, j := range b.Journals {
			digest = appendBytes(digest, []byte(j.DebitAccount.AccountPath()))
			digest = appendBytes(digest, []byte(j.CreditAccount.AccountPath()))
			digest = binary.LittleEndian.AppendUint64(digest, uint64(j.Amount))
		}
	}

	for _, a := range sortedAddresses(touched) {
		bal := c.ledger.BalanceOf(a)
		digest = append(digest, a[:]...)
		digest = append(digest, bal[:]...)
	}
	return digest
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func (c *DeterministicCore) recordMetrics(ct event.CommandType, records []event.Record, now, start time.Time) {
	if c.metrics == nil {
		return
	}
	name := ct.String()
	c.metrics.CoreCommandsApplied.WithLabelValues(name).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence - 1))
	for _, r := range records {
		c.metrics.CoreRecords.WithLabelValues(r.RecordType()).Inc()
		switch rec := r.(type) {
		case event.ResolverSlashed:
			c.metrics.ResolverSlashes.Inc()
		case event.PriceUpdated:
			c.metrics.OraclePriceUpdates.WithLabelValues(rec.Symbol).Inc()
		}
	}
	c.metrics.DecryptsPending.Set(float64(len(c.gateway.Pending())))

	switch ct {
	case event.CommandTypeCreateOrder, event.CommandTypeExecuteOrder, event.CommandTypeCancelOrder,
		event.CommandTypeCreateStrategy, event.CommandTypeCancelStrategy, event.CommandTypeApproveEmergencyWithdrawal:
		c.metrics.OpenOrders.Set(float64(c.orders.LiveOrders(now)))
		c.metrics.BreakerVolume.WithLabelValues(orders.BreakerScope).Set(float64(c.orders.Breaker().Volume(now)))
	case event.CommandTypeInitiateSettlement, event.CommandTypeExecuteSettlement, event.CommandTypeCancelSettlement,
		event.CommandTypeApproveEmergencyRefund:
		c.metrics.OpenSettlements.Set(float64(c.settlement.OpenSettlements()))
	case event.CommandTypeOpenPosition, event.CommandTypeClosePosition, event.CommandTypeExpirePosition:
		c.metrics.OpenPositions.Set(float64(c.openPositions()))
	case event.CommandTypeFinalizeDecryption:
		c.metrics.DecryptsFinalized.Inc()
	}
}

func (c *DeterministicCore) openPositions() int {
	n := 0
	for _, p := range c.positions.GetAllPositions() {
		if p.Status == state.PositionStatusOpen {
			n++
		}
	}
	return n
}

// --- Accessors (core goroutine only) ---

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 { return c.sequence }

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte { return c.hasher.GetPrevHash() }

func (c *DeterministicCore) Now() time.Time                    { return c.clock.Last() }
func (c *DeterministicCore) ACL() *access.Table                { return c.acl }
func (c *DeterministicCore) Oracle() *oracle.Book              { return c.oracle }
func (c *DeterministicCore) Ledger() *ledger.Confidential      { return c.ledger }
func (c *DeterministicCore) Positions() *state.PositionManager { return c.positions }
func (c *DeterministicCore) Orders() *orders.Engine            { return c.orders }
func (c *DeterministicCore) Settlement() *settlement.Engine    { return c.settlement }
func (c *DeterministicCore) Gateway() *fhe.Gateway             { return c.gateway }
