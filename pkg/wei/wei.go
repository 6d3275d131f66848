// Package wei handles native-currency amounts expressed in the smallest unit.
package wei

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals between wei and ether.
const EtherDecimals = 18

// MaxUint256 is the largest amount the ledger can hold (2^256 - 1).
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ErrOutOfRange is returned when an amount does not fit in a uint256.
var ErrOutOfRange = errors.New("amount out of uint256 range")

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return new(big.Int)
}

// Parse reads a base-10 wei amount. Negative values and values above
// MaxUint256 are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	if v.Cmp(MaxUint256) > 0 {
		return nil, ErrOutOfRange
	}
	return v, nil
}

// ParseEther reads a decimal ether amount ("0.01") and converts it to wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	shifted := d.Shift(EtherDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("ether amount %q has more than %d decimals", s, EtherDecimals)
	}
	v := shifted.BigInt()
	if v.Cmp(MaxUint256) > 0 {
		return nil, ErrOutOfRange
	}
	return v, nil
}

// InRange reports whether v is a valid uint256.
func InRange(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(MaxUint256) <= 0
}

// Add returns a+b, failing when the sum leaves the uint256 range.
func Add(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(orZero(a), orZero(b))
	if !InRange(sum) {
		return nil, ErrOutOfRange
	}
	return sum, nil
}

// Equal compares two amounts, treating nil as zero.
func Equal(a, b *big.Int) bool {
	return orZero(a).Cmp(orZero(b)) == 0
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// String renders v in base 10, nil as "0".
func String(v *big.Int) string {
	return orZero(v).String()
}

// ToEther renders a wei amount as a decimal ether string.
func ToEther(v *big.Int) string {
	return decimal.NewFromBigInt(orZero(v), -EtherDecimals).String()
}

// Copy returns an independent copy of v (zero for nil).
func Copy(v *big.Int) *big.Int {
	return new(big.Int).Set(orZero(v))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
