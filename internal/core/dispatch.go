package core

import (
	"sort"
	"time"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"
	"VeilTrade/internal/event"
	"VeilTrade/internal/fhe"
	"VeilTrade/internal/settlement"
	"VeilTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *DeterministicCore) dispatch(cmd event.Command, now time.Time) (uint64, error) {
	caller := cmd.Sender()
	switch e := cmd.(type) {
	// --- Ledger ---
	case *event.Deposit:
		return 0, c.ledger.Deposit(e.Key, caller, e.Account, e.Asset, e.Amount, now)
	case *event.Withdraw:
		return 0, c.ledger.Withdraw(e.Key, caller, e.Asset, e.Amount, now)
	case *event.Mint:
		_, err := c.ledger.Mint(e.Key, caller, e.To, e.Amount, now)
		return 0, err
	case *event.Transfer:
		return 0, c.handleTransfer(caller, e)
	case *event.Burn:
		amount, err := c.sealedAmount(caller, e.Amount, e.Input)
		if err != nil {
			return 0, err
		}
		return c.ledger.Burn(caller, caller, e.Recipient, amount, now)
	case *event.FinalizeDecryption:
		_, err := c.gateway.Finalize(e.RequestID, e.Plaintexts, e.Signatures, now)
		return 0, err
	case *event.SetAuthorized:
		return 0, c.handleSetAuthorized(caller, e)

	// --- Orders & strategies ---
	case *event.CreateOrder:
		o, err := c.orders.CreateOrder(caller, e.Order, now)
		if err != nil {
			return 0, err
		}
		return o.ID, nil
	case *event.ExecuteOrder:
		return 0, c.orders.ExecuteOrder(caller, e.OrderID, e.FillQuantity, e.Price, now)
	case *event.CancelOrder:
		return 0, c.orders.CancelOrder(caller, e.OrderID, now)
	case *event.CreateStrategy:
		s, err := c.orders.CreateStrategy(caller, e.StrategyType, e.Underlying, e.Legs, now)
		if err != nil {
			return 0, err
		}
		return s.ID, nil
	case *event.CancelStrategy:
		return 0, c.orders.CancelStrategy(caller, e.StrategyID, now)
	case *event.RequestEmergencyWithdrawal:
		_, err := c.orders.RequestEmergencyWithdrawal(caller, e.OrderID, now)
		return 0, err
	case *event.ApproveEmergencyWithdrawal:
		return 0, c.orders.ApproveEmergencyWithdrawal(caller, e.OrderID, now)

	// --- Positions ---
	case *event.OpenPosition:
		p, err := c.positions.Open(caller, state.OpenInput{
			Underlying:   e.Underlying,
			PositionType: e.PositionType,
			Quantity:     e.Quantity,
			Strike:       e.Strike,
			Premium:      e.Premium,
			Collateral:   e.Collateral,
			Expiration:   e.Expiration,
		}, now)
		if err != nil {
			return 0, err
		}
		return p.ID, nil
	case *event.ClosePosition:
		return 0, c.positions.Close(caller, e.PositionID, now)
	case *event.ExpirePosition:
		return 0, c.positions.Expire(e.PositionID, now)

	// --- Settlement ---
	case *event.RegisterResolver:
		_, err := c.settlement.RegisterResolver(caller, e.Bond, now)
		return 0, err
	case *event.WithdrawResolverBond:
		_, err := c.settlement.WithdrawResolverBond(caller)
		return 0, err
	case *event.SetChain:
		return 0, c.settlement.SetChain(caller, e.Chain, e.Active)
	case *event.InitiateSettlement:
		s, err := c.settlement.Initiate(caller, settlement.InitiateInput{
			PositionID:       e.PositionID,
			SourceToken:      e.SourceToken,
			SourceChain:      e.SourceChain,
			DestinationToken: e.DestinationToken,
			DestinationChain: e.DestinationChain,
			Amount:           e.Amount,
			EstimateAmount:   e.EstimateAmount,
			SecretHash:       e.SecretHash,
			Timelock:         time.Duration(e.TimelockSeconds) * time.Second,
		}, now)
		if err != nil {
			return 0, err
		}
		return s.ID, nil
	case *event.LockSettlement:
		return 0, c.settlement.Lock(caller, e.SettlementID, e.Bond, now)
	case *event.ExecuteSettlement:
		return 0, c.settlement.Execute(caller, e.SettlementID, e.Secret, now)
	case *event.CancelSettlement:
		return 0, c.settlement.Cancel(caller, e.SettlementID, now)
	case *event.RaiseDispute:
		return 0, c.settlement.RaiseDispute(caller, e.SettlementID, e.Reason, now)
	case *event.ResolveDispute:
		return 0, c.settlement.ResolveDispute(caller, e.SettlementID, e.FavorUser, now)
	case *event.RequestEmergencyRefund:
		_, err := c.settlement.RequestEmergencyRefund(caller, e.SettlementID, now)
		return 0, err
	case *event.ApproveEmergencyRefund:
		return 0, c.settlement.ApproveEmergencyRefund(caller, e.SettlementID, now)

	// --- Oracle ---
	case *event.UpdatePrice:
		return 0, c.handleUpdatePrice(caller, e, now)

	default:
		return 0, apperr.ErrUnknownCommand.With("%T", cmd)
	}
}

// sealedAmount resolves a command's amount: either an existing handle the
// caller may use or an external input imported for the ledger.
func (c *DeterministicCore) sealedAmount(caller common.Address, h fhe.Handle, in *fhe.ExternalInput) (fhe.Handle, error) {
	switch {
	case in != nil && !h.IsZero():
		return fhe.ZeroHandle, apperr.ErrInvalidAmount.With("both amount handle and input supplied")
	case in != nil:
		return c.ledger.ImportInput(*in, caller)
	case h.IsZero():
		return fhe.ZeroHandle, apperr.ErrInvalidAmount.With("no amount supplied")
	default:
		return h, nil
	}
}

func (c *DeterministicCore) handleTransfer(caller common.Address, e *event.Transfer) error {
	from := e.From
	if from == (common.Address{}) {
		from = caller
	}
	amount, err := c.sealedAmount(caller, e.Amount, e.Input)
	if err != nil {
		return err
	}
	return c.ledger.Transfer(caller, from, e.To, amount)
}

func (c *DeterministicCore) handleSetAuthorized(caller common.Address, e *event.SetAuthorized) error {
	if err := c.acl.Require(caller, access.CapAdmin); err != nil {
		return err
	}
	capability, ok := access.ParseCapability(e.Capability)
	if !ok {
		return apperr.ErrUnknownCapability.With("%q", e.Capability)
	}
	if e.Principal == (common.Address{}) {
		return apperr.ErrInvalidAmount.With("zero principal")
	}
	if e.Granted {
		c.acl.Grant(e.Principal, capability)
	} else {
		c.acl.Revoke(e.Principal, capability)
	}
	c.records.Emit(event.AuthorizationChanged{Principal: e.Principal, Capability: string(capability), Granted: e.Granted})
	return nil
}

func (c *DeterministicCore) handleUpdatePrice(caller common.Address, e *event.UpdatePrice, now time.Time) error {
	if err := c.acl.Require(caller, access.CapOracle); err != nil {
		return err
	}
	publishedAt := e.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = now
	}
	if publishedAt.After(now) {
		return apperr.ErrInvalidPrice.With("%s observation at %s is ahead of %s", e.Symbol, publishedAt, now)
	}
	if err := c.oracle.Update(e.Symbol, e.Price, publishedAt); err != nil {
		return err
	}
	c.records.Emit(event.PriceUpdated{Symbol: e.Symbol, Price: e.Price, PublishedAt: publishedAt})
	return nil
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
