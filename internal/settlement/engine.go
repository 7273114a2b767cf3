// Package settlement computes option payouts and the collateral a round
// hands on to its successor.
package settlement

import (
	"fmt"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Terms are the priced parameters a round's options settle against.
// PriceUnit is the granularity of the price-difference measurement
// (one gwei in production).
type Terms struct {
	StrikePrice        uint256.Int
	CapLevel           uint256.Int
	CollateralLevel    uint256.Int
	MaxPayoutPerOption uint256.Int
	PriceUnit          uint256.Int
}

// Outcome is a fully computed settlement, not yet applied.
type Outcome struct {
	SettlementPrice        uint256.Int
	PayoutPerOption        uint256.Int
	OptionsSettled         uint256.Int
	TotalPayout            uint256.Int
	CollateralAtSettlement uint256.Int

	// Rollover is what the next round receives: residual collateral plus
	// the premiums buyers paid in this round.
	Rollover uint256.Int
}

// PriceDifferenceLimit returns floor(cap/unit) - floor(strike/unit), or zero
// when the cap does not exceed the strike in whole units.
func PriceDifferenceLimit(strike, capLevel, unit *uint256.Int) *uint256.Int {
	return fpmath.SaturatingSub(fpmath.FloorDiv(capLevel, unit), fpmath.FloorDiv(strike, unit))
}

// PayoutPerOption is min(diff, limit) * collateral_level, clamped to the
// round's max payout. diff is measured in whole price units.
func PayoutPerOption(t *Terms, settlementPrice *uint256.Int) *uint256.Int {
	if !settlementPrice.Gt(&t.StrikePrice) {
		return new(uint256.Int)
	}

	diff := fpmath.SaturatingSub(
		fpmath.FloorDiv(settlementPrice, &t.PriceUnit),
		fpmath.FloorDiv(&t.StrikePrice, &t.PriceUnit),
	)
	limit := PriceDifferenceLimit(&t.StrikePrice, &t.CapLevel, &t.PriceUnit)

	payout, overflow := new(uint256.Int).MulOverflow(fpmath.Min(diff, limit), &t.CollateralLevel)
	if overflow || payout.Gt(&t.MaxPayoutPerOption) {
		return t.MaxPayoutPerOption.Clone()
	}
	return payout
}

// Settle computes the payout for every allocated option and checks that the
// round's collateral covers it. Nothing is mutated; a failed check returns
// ErrInsufficientCollateral and no outcome.
func Settle(
	t *Terms,
	settlementPrice *uint256.Int,
	allocations map[common.Address]*uint256.Int,
	collateralAtInit *uint256.Int,
	premiums *uint256.Int,
) (*Outcome, error) {
	out := &Outcome{}
	out.SettlementPrice.Set(settlementPrice)

	for _, n := range allocations {
		if _, overflow := out.OptionsSettled.AddOverflow(&out.OptionsSettled, n); overflow {
			return nil, fmt.Errorf("%w: allocation total overflows", vaulterr.ErrInsufficientCollateral)
		}
	}

	out.PayoutPerOption.Set(PayoutPerOption(t, settlementPrice))

	if _, overflow := out.TotalPayout.MulOverflow(&out.PayoutPerOption, &out.OptionsSettled); overflow {
		return nil, fmt.Errorf("%w: total payout overflows", vaulterr.ErrInsufficientCollateral)
	}
	if out.TotalPayout.Gt(collateralAtInit) {
		return nil, fmt.Errorf("%w: payout %s exceeds collateral %s",
			vaulterr.ErrInsufficientCollateral, out.TotalPayout.Dec(), collateralAtInit.Dec())
	}

	out.CollateralAtSettlement.Sub(collateralAtInit, &out.TotalPayout)

	if _, overflow := out.Rollover.AddOverflow(&out.CollateralAtSettlement, premiums); overflow {
		return nil, fmt.Errorf("%w: rollover overflows", vaulterr.ErrInsufficientCollateral)
	}
	return out, nil
}
