package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/ledger"
	"VeilTrade/internal/oracle"
	"VeilTrade/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Page is a keyset cursor: rows with an id below After, newest first.
type Page struct {
	Limit int
	After uint64
}

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultLimit
	case p.Limit > maxLimit:
		return maxLimit
	default:
		return p.Limit
	}
}

// QueryService provides read-only access to projection tables. Queries are
// served via gRPC and HTTP/JSON (grpc-gateway); every response carries
// as_of_sequence for freshness semantics.
type QueryService struct {
	db            *sql.DB
	priceDecimals int32
}

func NewQueryService(db *sql.DB, priceDecimals int32) *QueryService {
	return &QueryService{db: db, priceDecimals: priceDecimals}
}

// Watermark is the last sequence the projections reflect, or -1 before the
// first command is projected.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, projection.Name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// GetBalance returns a principal's public wallet balance for an asset.
func (qs *QueryService) GetBalance(ctx context.Context, owner common.Address, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, apperr.ErrUnsupportedAsset.With("%q", asset)
	}
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	wallet, err := qs.projectedBalance(ctx, ledger.NewWalletKey(owner, assetID))
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{Owner: owner.Hex(), Asset: asset, Wallet: wallet, AsOfSequence: asOfSeq}, nil
}

// GetVault returns the public amount locked behind the confidential supply.
func (qs *QueryService) GetVault(ctx context.Context, asset string) (*VaultResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, apperr.ErrUnsupportedAsset.With("%q", asset)
	}
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	locked, err := qs.projectedBalance(ctx, ledger.NewVaultKey(assetID))
	if err != nil {
		return nil, err
	}
	return &VaultResponse{Asset: asset, Locked: locked, AsOfSequence: asOfSeq}, nil
}

// --- Orders & strategies ---

const orderColumns = `order_id, owner, underlying, position_type, status, strategy_id, estimate_quantity,
	filled_quantity, fees, collateral, venue_hash, expiration, order_deadline, last_sequence`

func scanOrder(row interface{ Scan(...any) error }) (OrderResponse, error) {
	var (
		o     OrderResponse
		fees  sql.NullString
		venue sql.NullString
	)
	err := row.Scan(&o.OrderID, &o.Owner, &o.Underlying, &o.PositionType, &o.Status, &o.StrategyID,
		&o.EstimateQuantity, &o.FilledQuantity, &fees, &o.Collateral, &venue,
		&o.Expiration, &o.OrderDeadline, &o.LastSequence)
	o.Fees = fees.String
	o.VenueHash = venue.String
	return o, err
}

// GetOrder returns one order by id.
func (qs *QueryService) GetOrder(ctx context.Context, id uint64) (*OrderResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	o, err := scanOrder(qs.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM projections.orders WHERE order_id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound.With("order %d", id)
	}
	if err != nil {
		return nil, err
	}
	o.AsOfSequence = asOfSeq
	return &o, nil
}

// ListOrders returns an owner's orders, optionally filtered by status.
func (qs *QueryService) ListOrders(ctx context.Context, owner common.Address, status string, page Page) ([]OrderResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + orderColumns + ` FROM projections.orders WHERE owner = $1`
	args := []any{owner.Hex()}
	query, args = filtered(query, args, "status", status, "order_id", page)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		o.AsOfSequence = asOfSeq
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListStrategies returns an owner's strategies, newest first.
func (qs *QueryService) ListStrategies(ctx context.Context, owner common.Address, page Page) ([]StrategyResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT strategy_id, owner, strategy_type, underlying, leg_ids, is_credit, status
		FROM projections.strategies WHERE owner = $1`
	args := []any{owner.Hex()}
	query, args = filtered(query, args, "", "", "strategy_id", page)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyResponse
	for rows.Next() {
		var (
			s    StrategyResponse
			legs []int64
		)
		if err := rows.Scan(&s.StrategyID, &s.Owner, &s.StrategyType, &s.Underlying,
			pq.Array(&legs), &s.IsCredit, &s.Status); err != nil {
			return nil, err
		}
		s.LegIDs = make([]uint64, len(legs))
		for i, id := range legs {
			s.LegIDs[i] = uint64(id)
		}
		s.AsOfSequence = asOfSeq
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Positions ---

// ListPositions returns an owner's positions, optionally filtered by status.
func (qs *QueryService) ListPositions(ctx context.Context, owner common.Address, status string, page Page) ([]PositionResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT position_id, owner, underlying, position_type, status, expiration, close_price
		FROM projections.positions WHERE owner = $1`
	args := []any{owner.Hex()}
	query, args = filtered(query, args, "status", status, "position_id", page)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var (
			p     PositionResponse
			price sql.NullInt64
		)
		if err := rows.Scan(&p.PositionID, &p.Owner, &p.Underlying, &p.PositionType,
			&p.Status, &p.Expiration, &price); err != nil {
			return nil, err
		}
		if price.Valid {
			v := uint64(price.Int64)
			p.ClosePrice = &v
		}
		p.AsOfSequence = asOfSeq
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Settlement ---

const settlementColumns = `settlement_id, owner, position_id, destination_chain, status, resolver,
	escrow_id, secret_hash, deadline, dispute_status, dispute_reason, slashed`

func scanSettlement(row interface{ Scan(...any) error }) (SettlementResponse, error) {
	var (
		s                        SettlementResponse
		resolver, escrow, reason sql.NullString
	)
	err := row.Scan(&s.SettlementID, &s.Owner, &s.PositionID, &s.DestinationChain, &s.Status,
		&resolver, &escrow, &s.SecretHash, &s.Deadline, &s.DisputeStatus, &reason, &s.Slashed)
	s.Resolver, s.EscrowID, s.DisputeReason = resolver.String, escrow.String, reason.String
	return s, err
}

// GetSettlement returns one settlement by id.
func (qs *QueryService) GetSettlement(ctx context.Context, id uint64) (*SettlementResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	s, err := scanSettlement(qs.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM projections.settlements WHERE settlement_id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound.With("settlement %d", id)
	}
	if err != nil {
		return nil, err
	}
	s.AsOfSequence = asOfSeq
	return &s, nil
}

// ListSettlements returns an owner's settlements, optionally by status.
func (qs *QueryService) ListSettlements(ctx context.Context, owner common.Address, status string, page Page) ([]SettlementResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + settlementColumns + ` FROM projections.settlements WHERE owner = $1`
	args := []any{owner.Hex()}
	query, args = filtered(query, args, "status", status, "settlement_id", page)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		s.AsOfSequence = asOfSeq
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListResolvers returns resolvers ordered by reputation.
func (qs *QueryService) ListResolvers(ctx context.Context, activeOnly bool) ([]ResolverResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT resolver, bond, reputation, active, slashes, slashed_total, executions
		FROM projections.resolvers`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY reputation DESC, resolver`

	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResolverResponse
	for rows.Next() {
		var r ResolverResponse
		if err := rows.Scan(&r.Resolver, &r.Bond, &r.Reputation, &r.Active,
			&r.Slashes, &r.SlashedTotal, &r.Executions); err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Oracle ---

// ListPrices returns the last accepted price per symbol.
func (qs *QueryService) ListPrices(ctx context.Context) ([]PriceResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT symbol, price, published_at FROM projections.prices ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceResponse
	for rows.Next() {
		var p PriceResponse
		if err := rows.Scan(&p.Symbol, &p.Price, &p.PublishedAt); err != nil {
			return nil, err
		}
		p.Display = oracle.ToDecimal(p.Price, qs.priceDecimals).String()
		p.AsOfSequence = asOfSeq
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- History ---

// GetJournalHistory returns public journal entries touching an owner's
// wallets, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner common.Address, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, Page{Limit: limit}.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetTransferHistory returns confidential transfers to or from owner.
// Amounts are handles; only principals on the handle's ACL can decrypt.
func (qs *QueryService) GetTransferHistory(ctx context.Context, owner common.Address, limit int, afterSequence *int64) ([]TransferEntry, error) {
	query := `
		SELECT sequence, ordinal, from_account, to_account, handle
		FROM event_log.transfers
		WHERE (from_account = $1 OR to_account = $1)
	`
	args := []any{owner.Hex()}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, ordinal DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, Page{Limit: limit}.limit())

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferEntry
	for rows.Next() {
		var e TransferEntry
		if err := rows.Scan(&e.Sequence, &e.Ordinal, &e.FromAccount, &e.ToAccount, &e.Handle); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain links and that the public journal sums
// to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// filtered appends an optional equality filter, the keyset cursor and the
// limit to query.
func filtered(query string, args []any, column, value, idColumn string, page Page) (string, []any) {
	if column != "" && value != "" {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	if page.After > 0 {
		args = append(args, int64(page.After))
		query += fmt.Sprintf(" AND %s < $%d", idColumn, len(args))
	}
	args = append(args, page.limit())
	query += fmt.Sprintf(" ORDER BY %s DESC LIMIT $%d", idColumn, len(args))
	return query, args
}

func (qs *QueryService) projectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), uint16(key.AssetID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
