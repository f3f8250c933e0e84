package state

import (
	"VeilTrade/internal/fhe"
)

// Settlement splits a position's value at a given price. All fields are
// handles owned by the evaluator that produced them.
//
//	Gain           = max(payoff - premium, 0)           paid by the pool
//	Loss           = min(max(premium - payoff, 0), C)   collateral kept by the pool
//	FromCollateral = C - Loss                           collateral returned
//	Value          = FromCollateral + Gain == max(C + pnl, 0)
type Settlement struct {
	Payoff         fhe.Handle
	Gain           fhe.Handle
	Loss           fhe.Handle
	FromCollateral fhe.Handle
	Value          fhe.Handle
}

// Intrinsic is the per-unit payoff of p at price. Futures and swaps carry
// no option payoff.
func Intrinsic(ev *fhe.Evaluator, p *Position, price uint64) fhe.Handle {
	zero := ev.Encrypt(0)
	priceH := ev.Encrypt(price)
	switch p.Type {
	case PositionTypeCall:
		return ev.Select(ev.Gt(priceH, p.Strike), ev.Sub(priceH, p.Strike), zero)
	case PositionTypePut:
		return ev.Select(ev.Gt(p.Strike, priceH), ev.Sub(p.Strike, priceH), zero)
	default:
		return zero
	}
}

func computeSettlement(ev *fhe.Evaluator, p *Position, price uint64) Settlement {
	zero := ev.Encrypt(0)
	if p.Type != PositionTypeCall && p.Type != PositionTypePut {
		return Settlement{Payoff: zero, Gain: zero, Loss: zero, FromCollateral: p.Collateral, Value: p.Collateral}
	}

	payoff := ev.Mul(Intrinsic(ev, p, price), p.Quantity)
	inProfit := ev.Ge(payoff, p.Premium)
	gain := ev.Select(inProfit, ev.Sub(payoff, p.Premium), zero)
	shortfall := ev.Select(inProfit, zero, ev.Sub(p.Premium, payoff))
	loss := ev.Min(shortfall, p.Collateral)
	fromCollateral := ev.Sub(p.Collateral, loss)

	return Settlement{
		Payoff:         payoff,
		Gain:           gain,
		Loss:           loss,
		FromCollateral: fromCollateral,
		Value:          ev.Add(fromCollateral, gain),
	}
}
