// Package amount handles raw token quantities. Raw amounts are non-negative integers in the
// token's smallest unit and travel as decimal strings.
package amount

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const maxFeeBps = 10000

var (
	ErrInvalidAmount = errors.New("invalid raw amount")
	ErrInvalidFee    = errors.New("fee bps out of range")

	bpsDenominator = big.NewInt(maxFeeBps)
)

// Parse accepts a base-10 string, or a 0x-prefixed hex string as some quote APIs return.
func Parse(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidAmount
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	v, ok := new(big.Int).SetString(raw, base)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

func MustParse(raw string) *big.Int {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ApplyFeeBps returns ceil(amount * (10000+feeBps) / 10000).
func ApplyFeeBps(amount *big.Int, feeBps int64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if feeBps < 0 || feeBps > maxFeeBps {
		return nil, ErrInvalidFee
	}
	num := new(big.Int).Mul(amount, big.NewInt(maxFeeBps+feeBps))
	quot, rem := new(big.Int).QuoRem(num, bpsDenominator, new(big.Int))
	if rem.Sign() > 0 {
		quot.Add(quot, big.NewInt(1))
	}
	return quot, nil
}

// Unit is the raw amount of one whole token: 10^decimals.
func Unit(decimals int) *big.Int {
	if decimals < 0 {
		decimals = 0
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// Whole truncates a raw balance to whole units of unit.
func Whole(raw, unit *big.Int) int64 {
	if raw == nil || unit == nil || unit.Sign() <= 0 {
		return 0
	}
	q := new(big.Int).Quo(raw, unit)
	if !q.IsInt64() {
		return int64(^uint64(0) >> 1)
	}
	return q.Int64()
}

// FromWhole converts a whole-unit count back to raw.
func FromWhole(n int64, unit *big.Int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// Format renders a raw amount as a human decimal string without trailing zeros.
func Format(raw string, decimals int) string {
	v, err := Parse(raw)
	if err != nil {
		return ""
	}
	return decimal.NewFromBigInt(v, int32(-decimals)).String()
}
