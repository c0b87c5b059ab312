package checkout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/1cbyc/ecom-api/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// toCents converts a catalog price in whole currency units to integer minor
// units. Prices with sub-cent precision are rejected, not rounded.
func toCents(price decimal.Decimal) (int64, error) {
	if price.IsNegative() {
		return 0, fmt.Errorf("%w: price %s is negative", apperr.ErrValidation, price)
	}
	cents := price.Mul(hundred)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: price %s has sub-cent precision", apperr.ErrValidation, price)
	}
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: price %s is out of range", apperr.ErrValidation, price)
	}
	return cents.IntPart(), nil
}
