package oracle

import (
	"math/big"

	"VeilTrade/internal/apperr"

	"github.com/shopspring/decimal"
)

// Normalize converts a decimal price string into engine units with the given
// number of fractional digits, truncating any extra precision.
func Normalize(raw string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, apperr.ErrInvalidPrice.With("parse %q: %v", raw, err)
	}
	return FromDecimal(d, decimals)
}

// FromDecimal is Normalize for an already parsed value.
func FromDecimal(d decimal.Decimal, decimals int32) (uint64, error) {
	if !d.IsPositive() {
		return 0, apperr.ErrInvalidPrice.With("price %s is not positive", d)
	}
	units := d.Shift(decimals).Truncate(0)
	bi := units.BigInt()
	if !bi.IsUint64() || bi.Uint64() == 0 {
		return 0, apperr.ErrInvalidPrice.With("price %s out of range at %d decimals", d, decimals)
	}
	return bi.Uint64(), nil
}

// ToDecimal renders engine units back as a decimal.
func ToDecimal(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)
}
