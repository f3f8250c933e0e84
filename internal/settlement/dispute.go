package settlement

import (
	"strings"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

const maxDisputeReason = 256

// RaiseDispute flags a LOCKED or EXECUTED settlement. Only its owner or its
// resolver may raise, and only once.
func (e *Engine) RaiseDispute(caller common.Address, id uint64, reason string, now time.Time) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if caller != s.Owner && (s.Resolver == (common.Address{}) || caller != s.Resolver) {
		return apperr.ErrNotOwner.With("settlement %d", id)
	}
	if s.Status != StatusLocked && s.Status != StatusExecuted {
		return apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	if s.Dispute != DisputeNone {
		return apperr.ErrDisputeOpen.With("settlement %d dispute is %s", id, s.Dispute)
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxDisputeReason {
		reason = reason[:maxDisputeReason]
	}
	s.Dispute = DisputeRaised
	s.DisputeReason = reason
	e.sink.Emit(event.DisputeRaised{SettlementID: id, By: caller, Reason: reason})
	e.logger.Warn().Uint64("settlement_id", id).Str("by", caller.Hex()).Msg("dispute raised")
	return nil
}

// ResolveDispute records the arbiter's ruling. No funds move.
func (e *Engine) ResolveDispute(caller common.Address, id uint64, favorUser bool, now time.Time) error {
	if err := e.acl.Require(caller, access.CapArbiter); err != nil {
		return err
	}
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if s.Dispute != DisputeRaised {
		return apperr.ErrDisputeOpen.With("settlement %d dispute is %s", id, s.Dispute)
	}
	if favorUser {
		s.Dispute = DisputeResolvedFavorUser
	} else {
		s.Dispute = DisputeResolvedFavorResolver
	}
	e.sink.Emit(event.DisputeResolved{SettlementID: id, Arbiter: caller, Outcome: s.Dispute.String()})
	return nil
}

// RequestEmergencyRefund opens the delay window for an open settlement.
// Owner only.
func (e *Engine) RequestEmergencyRefund(caller common.Address, id uint64, now time.Time) (time.Time, error) {
	s, err := e.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	if caller != s.Owner {
		return time.Time{}, apperr.ErrNotOwner.With("settlement %d", id)
	}
	if !s.Status.Open() {
		return time.Time{}, apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	executeAt, err := e.delays.Request(id, now)
	if err != nil {
		return time.Time{}, err
	}
	e.sink.Emit(event.EmergencyRefundRequested{SettlementID: id, ExecuteAt: executeAt})
	e.logger.Info().Uint64("settlement_id", id).Time("execute_at", executeAt).Msg("emergency refund requested")
	return executeAt, nil
}

// ApproveEmergencyRefund refunds the owner once the delay has elapsed. A
// bonded resolver is always slashed. Emergency role only. The delay is at
// least the longest timelock, so a locked escrow is refundable by then.
func (e *Engine) ApproveEmergencyRefund(caller common.Address, id uint64, now time.Time) error {
	if err := e.acl.Require(caller, access.CapEmergency); err != nil {
		return err
	}
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !s.Status.Open() {
		return apperr.ErrWrongStatus.With("settlement %d is %s", id, s.Status)
	}
	if err := e.delays.Ready(id, now); err != nil {
		return err
	}
	slashed := s.Status == StatusLocked
	if err := e.refund(s, caller, StatusCancelled, true, now); err != nil {
		return err
	}
	e.sink.Emit(event.EmergencyRefundExecuted{SettlementID: id, Approver: caller, Slashed: slashed})
	e.logger.Info().Uint64("settlement_id", id).Str("approver", caller.Hex()).Bool("slashed", slashed).Msg("emergency refund executed")
	return nil
}
