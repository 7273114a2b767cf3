package math_test

import (
	fpmath "OptionVault/internal/math"
	"testing"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ===== Test: MulDiv =====

func TestMulDiv_Floors(t *testing.T) {
	cases := []struct {
		name    string
		x, y, d uint64
		want    uint64
	}{
		{"exact", 6, 5, 3, 10},
		{"half", 7, 1, 2, 3},
		{"above half", 5, 1, 3, 1},
		{"below one", 2, 1, 3, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := fpmath.MulDiv(u(tc.x), u(tc.y), u(tc.d))
			if !ok {
				t.Fatalf("unexpected overflow")
			}
			if got.Uint64() != tc.want {
				t.Errorf("expected %d, got %s", tc.want, got.Dec())
			}
		})
	}
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	x := new(uint256.Int).Lsh(u(1), 255)
	if _, ok := fpmath.MulDiv(x, u(4), u(1)); ok {
		t.Fatal("expected a quotient past 256 bits to be rejected")
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^255 * 4) / 8 does not fit 256 bits until divided.
	x := new(uint256.Int).Lsh(u(1), 255)
	got, ok := fpmath.MulDiv(x, u(4), u(8))
	if !ok {
		t.Fatalf("unexpected overflow")
	}
	want := new(uint256.Int).Lsh(u(1), 254)
	if !got.Eq(want) {
		t.Errorf("expected %s, got %s", want.Dec(), got.Dec())
	}
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	if _, ok := fpmath.MulDiv(u(1), u(1), u(0)); ok {
		t.Fatal("expected zero divisor to be rejected")
	}
}

func TestSaturatingSub(t *testing.T) {
	if got := fpmath.SaturatingSub(u(3), u(5)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got.Dec())
	}
	if got := fpmath.SaturatingSub(u(5), u(3)); got.Uint64() != 2 {
		t.Errorf("expected 2, got %s", got.Dec())
	}
}

// ===== Test: Ether conversion =====

func TestParseEther(t *testing.T) {
	got, err := fpmath.ParseEther("0.5")
	if err != nil {
		t.Fatalf("ParseEther failed: %v", err)
	}
	if got.Uint64() != 500_000_000_000_000_000 {
		t.Errorf("expected 5e17 wei, got %s", got.Dec())
	}

	if _, err := fpmath.ParseEther("-1"); err == nil {
		t.Error("expected negative amount to be rejected")
	}
	if _, err := fpmath.ParseEther("0.0000000000000000001"); err == nil {
		t.Error("expected sub-wei precision to be rejected")
	}
}

func TestParseGwei(t *testing.T) {
	got, err := fpmath.ParseGwei("1.5")
	if err != nil {
		t.Fatalf("ParseGwei failed: %v", err)
	}
	if got.Uint64() != 1_500_000_000 {
		t.Errorf("expected 1.5e9 wei, got %s", got.Dec())
	}
	if _, err := fpmath.ParseGwei("0.0000000001"); err == nil {
		t.Error("expected sub-wei precision to be rejected")
	}
}

func TestFormatEther(t *testing.T) {
	if got := fpmath.FormatEther(fpmath.EtherMul(100)); got != "100" {
		t.Errorf("expected 100, got %s", got)
	}
	if got := fpmath.FormatEther(u(1)); got != "0.000000000000000001" {
		t.Errorf("expected one wei, got %s", got)
	}
}
