package orders

import (
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// RequestEmergencyWithdrawal opens the delay window for a live order.
// Owner only.
func (e *Engine) RequestEmergencyWithdrawal(caller common.Address, id uint64, now time.Time) (time.Time, error) {
	o, err := e.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	if caller != o.Owner {
		return time.Time{}, apperr.ErrNotOwner.With("order %d", id)
	}
	if !o.Status.Live() {
		return time.Time{}, apperr.ErrWrongStatus.With("order %d is %s", id, o.Status)
	}
	executeAt, err := e.delays.Request(id, now)
	if err != nil {
		return time.Time{}, err
	}
	e.sink.Emit(event.EmergencyWithdrawalRequested{OrderID: id, Owner: caller, ExecuteAt: executeAt})
	e.logger.Info().Uint64("order_id", id).Time("execute_at", executeAt).Msg("emergency withdrawal requested")
	return executeAt, nil
}

// ApproveEmergencyWithdrawal releases everything still locked for the order
// once the delay has elapsed. Emergency role only.
func (e *Engine) ApproveEmergencyWithdrawal(caller common.Address, id uint64, now time.Time) error {
	if err := e.acl.Require(caller, access.CapEmergency); err != nil {
		return err
	}
	o, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !o.Status.Live() {
		return apperr.ErrWrongStatus.With("order %d is %s", id, o.Status)
	}
	if err := e.delays.Ready(id, now); err != nil {
		return err
	}
	released := e.release(o, OrderStatusCancelled, caller)
	e.refreshStrategy(o.StrategyID)
	e.sink.Emit(event.EmergencyWithdrawalExecuted{OrderID: id, Approver: caller, Released: released})
	e.logger.Info().Uint64("order_id", id).Str("approver", caller.Hex()).Msg("emergency withdrawal executed")
	return nil
}
