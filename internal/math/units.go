package math

import (
	"fmt"

	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of one ether expressed in wei.
const Decimals = 18

// Gwei returns one gwei in wei. The vault measures price differences in gwei.
func Gwei() *uint256.Int {
	return uint256.NewInt(params.GWei)
}

// Ether returns one ether in wei.
func Ether() *uint256.Int {
	return uint256.NewInt(params.Ether)
}

// EtherMul returns n ether in wei.
func EtherMul(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(Ether(), uint256.NewInt(n))
}

// ParseEther converts a decimal ether string ("0.5", "100") into wei.
// Precision beyond one wei is rejected rather than truncated.
func ParseEther(s string) (*uint256.Int, error) {
	return parseUnits(s, Decimals, "ether")
}

// ParseGwei converts a decimal gwei string ("30", "1.5") into wei.
func ParseGwei(s string) (*uint256.Int, error) {
	return parseUnits(s, 9, "gwei")
}

func parseUnits(s string, decimals int32, unit string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", unit, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse %s %q: negative amount", unit, s)
	}

	wei := d.Shift(decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("parse %s %q: more than %d decimals", unit, s, decimals)
	}

	v, overflow := uint256.FromBig(wei.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse %s %q: exceeds 256 bits", unit, s)
	}
	return v, nil
}

// FormatEther renders a wei amount as a decimal ether string.
func FormatEther(wei *uint256.Int) string {
	return decimal.NewFromBigInt(wei.ToBig(), -Decimals).String()
}

// ParseWei parses a base-10 wei amount as used on the wire.
func ParseWei(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse wei: empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse wei %q: %w", s, err)
	}
	return v, nil
}

// EtherFloat is an approximate ether value for gauges. Never use it for
// accounting.
func EtherFloat(wei *uint256.Int) float64 {
	return decimal.NewFromBigInt(wei.ToBig(), -Decimals).InexactFloat64()
}

// GweiFloat is an approximate gwei value for gauges.
func GweiFloat(wei *uint256.Int) float64 {
	return decimal.NewFromBigInt(wei.ToBig(), -9).InexactFloat64()
}
