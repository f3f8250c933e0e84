package projection

import (
	"context"
	"database/sql"
	"time"

	"VeilTrade/internal/event"

	"github.com/lib/pq"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applier maps public records onto the projection tables. Records that
// carry nothing queryable (escrow and decryption bookkeeping, volume) are
// skipped; the event log keeps them.
type applier struct {
	ex  execer
	seq int64
	at  time.Time
}

func (a applier) exec(ctx context.Context, query string, args ...any) error {
	_, err := a.ex.ExecContext(ctx, query, args...)
	return err
}

func (a applier) apply(ctx context.Context, r event.Record) error {
	switch e := r.(type) {
	// --- Orders & strategies ---
	case event.OrderCreated:
		return a.exec(ctx, `
			INSERT INTO projections.orders
				(order_id, owner, underlying, position_type, status, strategy_id, estimate_quantity,
				 collateral, expiration, order_deadline, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (order_id) DO NOTHING
		`, int64(e.OrderID), e.Owner.Hex(), e.Underlying, e.PositionType, int64(e.StrategyID),
			int64(e.EstimateQuantity), e.Collateral.Hex(), e.Expiration, e.OrderDeadline, a.seq, a.at)

	case event.OrderFilled:
		return a.exec(ctx, `
			UPDATE projections.orders
			SET filled_quantity = $2, status = $3, fees = $4, last_sequence = $5, updated_at = $6
			WHERE order_id = $1
		`, int64(e.OrderID), int64(e.FilledQuantity), e.Status, e.Fees.Hex(), a.seq, a.at)

	case event.OrderCancelled:
		return a.exec(ctx, `
			UPDATE projections.orders SET status = $2, last_sequence = $3, updated_at = $4 WHERE order_id = $1
		`, int64(e.OrderID), e.Status, a.seq, a.at)

	case event.VenueOrderRegistered:
		return a.exec(ctx, `
			UPDATE projections.orders SET venue_hash = $2, last_sequence = $3, updated_at = $4 WHERE order_id = $1
		`, int64(e.OrderID), e.Hash.Hex(), a.seq, a.at)

	case event.StrategyCreated:
		legs := make([]int64, len(e.LegIDs))
		for i, id := range e.LegIDs {
			legs[i] = int64(id)
		}
		return a.exec(ctx, `
			INSERT INTO projections.strategies
				(strategy_id, owner, strategy_type, underlying, leg_ids, is_credit, status, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE', $7, $8)
			ON CONFLICT (strategy_id) DO NOTHING
		`, int64(e.StrategyID), e.Owner.Hex(), e.Type, e.Underlying, pq.Array(legs), e.IsCredit, a.seq, a.at)

	case event.StrategyCancelled:
		return a.exec(ctx, `
			UPDATE projections.strategies SET status = 'CANCELLED', last_sequence = $2, updated_at = $3
			WHERE strategy_id = $1
		`, int64(e.StrategyID), a.seq, a.at)

	// --- Positions ---
	case event.PositionOpened:
		return a.exec(ctx, `
			INSERT INTO projections.positions
				(position_id, owner, underlying, position_type, status, expiration, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, 'OPEN', $5, $6, $7)
			ON CONFLICT (position_id) DO NOTHING
		`, int64(e.PositionID), e.Owner.Hex(), e.Underlying, e.PositionType, e.Expiration, a.seq, a.at)

	case event.PositionClosed:
		return a.exec(ctx, `
			UPDATE projections.positions SET status = $2, close_price = $3, last_sequence = $4, updated_at = $5
			WHERE position_id = $1
		`, int64(e.PositionID), e.Status, int64(e.Price), a.seq, a.at)

	// --- Settlement ---
	case event.SettlementInitiated:
		return a.exec(ctx, `
			INSERT INTO projections.settlements
				(settlement_id, owner, position_id, destination_chain, status, secret_hash, deadline, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7, $8)
			ON CONFLICT (settlement_id) DO NOTHING
		`, int64(e.SettlementID), e.Owner.Hex(), int64(e.PositionID), int64(e.DestinationChain),
			e.SecretHash.Hex(), e.Deadline, a.seq, a.at)

	case event.SettlementLocked:
		return a.exec(ctx, `
			UPDATE projections.settlements
			SET status = 'LOCKED', resolver = $2, escrow_id = $3, last_sequence = $4, updated_at = $5
			WHERE settlement_id = $1
		`, int64(e.SettlementID), e.Resolver.Hex(), e.EscrowID.Hex(), a.seq, a.at)

	case event.SettlementExecuted:
		if err := a.exec(ctx, `
			UPDATE projections.settlements SET status = 'EXECUTED', last_sequence = $2, updated_at = $3
			WHERE settlement_id = $1
		`, int64(e.SettlementID), a.seq, a.at); err != nil {
			return err
		}
		return a.exec(ctx, `
			UPDATE projections.resolvers
			SET executions = executions + 1, reputation = $2, last_sequence = $3, updated_at = $4
			WHERE resolver = $1
		`, e.Resolver.Hex(), int64(e.Reputation), a.seq, a.at)

	case event.SettlementCancelled:
		return a.exec(ctx, `
			UPDATE projections.settlements SET status = $2, slashed = $3, last_sequence = $4, updated_at = $5
			WHERE settlement_id = $1
		`, int64(e.SettlementID), e.Status, e.Slashed, a.seq, a.at)

	case event.DisputeRaised:
		return a.exec(ctx, `
			UPDATE projections.settlements
			SET dispute_status = 'RAISED', dispute_reason = $2, last_sequence = $3, updated_at = $4
			WHERE settlement_id = $1
		`, int64(e.SettlementID), e.Reason, a.seq, a.at)

	case event.DisputeResolved:
		return a.exec(ctx, `
			UPDATE projections.settlements SET dispute_status = $2, last_sequence = $3, updated_at = $4
			WHERE settlement_id = $1
		`, int64(e.SettlementID), e.Outcome, a.seq, a.at)

	case event.ResolverRegistered:
		return a.exec(ctx, `
			INSERT INTO projections.resolvers (resolver, bond, reputation, active, last_sequence, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (resolver) DO UPDATE
				SET bond = EXCLUDED.bond, reputation = EXCLUDED.reputation, active = TRUE,
				    last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
		`, e.Resolver.Hex(), int64(e.Bond), int64(e.Reputation), a.seq, a.at)

	case event.ResolverBondWithdrawn:
		return a.exec(ctx, `
			UPDATE projections.resolvers SET bond = 0, active = FALSE, last_sequence = $2, updated_at = $3
			WHERE resolver = $1
		`, e.Resolver.Hex(), a.seq, a.at)

	case event.ResolverSlashed:
		return a.exec(ctx, `
			UPDATE projections.resolvers
			SET bond = bond - $2, reputation = $3, active = $4, slashes = slashes + 1,
			    slashed_total = slashed_total + $2, last_sequence = $5, updated_at = $6
			WHERE resolver = $1
		`, e.Resolver.Hex(), int64(e.Amount), int64(e.Reputation), e.Active, a.seq, a.at)

	// --- Oracle ---
	case event.PriceUpdated:
		return a.exec(ctx, `
			INSERT INTO projections.prices (symbol, price, published_at, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol) DO UPDATE
				SET price = EXCLUDED.price, published_at = EXCLUDED.published_at, last_sequence = EXCLUDED.last_sequence
		`, e.Symbol, int64(e.Price), e.PublishedAt, a.seq)

	default:
		return nil
	}
}
