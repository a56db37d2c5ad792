// Package points holds the arithmetic for integer point amounts and the
// fractional rates applied to them.
package points

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrOverflow    = errors.New("points: amount overflow")
	ErrInvalidRate = errors.New("points: rate must be between 0 and 1")
)

// Rate is a fraction in [0, 1] applied to point amounts, such as a platform
// commission. The zero value is a 0% rate.
type Rate struct {
	d decimal.Decimal
}

// NewRate parses a decimal string like "0.10".
func NewRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrInvalidRate, err)
	}
	return rateFromDecimal(d)
}

// RateFromBasisPoints builds a rate from hundredths of a percent (1000 = 10%).
func RateFromBasisPoints(bps int64) (Rate, error) {
	return rateFromDecimal(decimal.New(bps, -4))
}

// MustRate is NewRate for constants.
func MustRate(s string) Rate {
	r, err := NewRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func rateFromDecimal(d decimal.Decimal) (Rate, error) {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return Rate{}, ErrInvalidRate
	}
	return Rate{d: d}, nil
}

// Decode implements envconfig.Decoder.
func (r *Rate) Decode(value string) error {
	parsed, err := NewRate(value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// BasisPoints returns the rate in hundredths of a percent, truncated.
func (r Rate) BasisPoints() int64 {
	return r.d.Shift(4).IntPart()
}

func (r Rate) String() string {
	return r.d.String()
}

// Of returns floor(amount * rate). Amounts are non-negative so the floor never
// rounds in the platform's favour.
func (r Rate) Of(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(r.d).Floor().IntPart()
}

// Split divides total into the rate's share and the remainder. The two parts
// always add back up to total.
func Split(total int64, r Rate) (share, rest int64) {
	share = r.Of(total)
	return share, total - share
}

// Add returns a+b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sum adds up amounts, failing on overflow.
func Sum(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		var err error
		if total, err = Add(total, a); err != nil {
			return 0, err
		}
	}
	return total, nil
}
