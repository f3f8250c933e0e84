package orders

import (
	"fmt"
	"math/bits"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/risk"
	"VeilTrade/internal/state"
)

const bpsScale = 10_000

// Params are the engine's economic parameters.
type Params struct {
	TakerFeeBps         uint64
	CallCollateralBps   uint64
	PutCollateralBps    uint64
	OtherCollateralBps  uint64
	MinExpirationBuffer time.Duration
	DailyVolumeCap      uint64
	EmergencyDelay      time.Duration
	CollateralAsset     string
}

func DefaultParams() Params {
	return Params{
		TakerFeeBps:         30,
		CallCollateralBps:   2_000,
		PutCollateralBps:    10_000,
		OtherCollateralBps:  1_000,
		MinExpirationBuffer: time.Hour,
		DailyVolumeCap:      1_000_000_000,
		EmergencyDelay:      risk.DefaultEmergencyDelay,
		CollateralAsset:     "USDC",
	}
}

// Validate checks that parameters are within valid ranges.
func (p Params) Validate() error {
	if p.TakerFeeBps >= bpsScale {
		return fmt.Errorf("taker_fee_bps must be < %d, got %d", bpsScale, p.TakerFeeBps)
	}
	for name, v := range map[string]uint64{
		"call_collateral_bps":  p.CallCollateralBps,
		"put_collateral_bps":   p.PutCollateralBps,
		"other_collateral_bps": p.OtherCollateralBps,
	} {
		if v == 0 || v > bpsScale {
			return fmt.Errorf("%s must be in (0, %d], got %d", name, bpsScale, v)
		}
	}
	if p.MinExpirationBuffer < 0 {
		return fmt.Errorf("min_expiration_buffer must be >= 0, got %s", p.MinExpirationBuffer)
	}
	if p.DailyVolumeCap == 0 {
		return fmt.Errorf("daily_volume_cap must be > 0")
	}
	if p.EmergencyDelay <= 0 {
		return fmt.Errorf("emergency_delay must be > 0, got %s", p.EmergencyDelay)
	}
	return nil
}

// collateralBps picks the requirement ratio for a position type.
func (p Params) collateralBps(t state.PositionType) uint64 {
	switch t {
	case state.PositionTypeCall:
		return p.CallCollateralBps
	case state.PositionTypePut:
		return p.PutCollateralBps
	default:
		return p.OtherCollateralBps
	}
}

// RequiredCollateral is notional * bps / 10000 for the position type.
func (p Params) RequiredCollateral(t state.PositionType, notional uint64) (uint64, error) {
	return mulDiv(notional, p.collateralBps(t), bpsScale)
}

// Fee is the taker fee on a fill notional.
func (p Params) Fee(notional uint64) (uint64, error) {
	return mulDiv(notional, p.TakerFeeBps, bpsScale)
}

func mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, apperr.ErrInvalidEstimate.With("%d * %d overflows", a, b)
	}
	return lo, nil
}

// mulDiv computes a*b/d with a 128-bit intermediate.
func mulDiv(a, b, d uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, apperr.ErrInvalidEstimate.With("%d * %d / %d overflows", a, b, d)
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}
