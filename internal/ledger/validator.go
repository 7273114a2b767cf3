package ledger

import (
	"fmt"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger and round invariants after a transition.
// A failure here means the engine itself is wrong.
type InvariantValidator struct {
	ledger *CollateralLedger
}

func NewInvariantValidator(ledger *CollateralLedger) *InvariantValidator {
	return &InvariantValidator{ledger: ledger}
}

// ValidateRoundSupply verifies options for sale match the collateral backing.
func (v *InvariantValidator) ValidateRoundSupply(r *state.Round) error {
	want := fpmath.FloorDiv(&r.CollateralAtInit, &r.MaxPayoutPerOption)
	if !want.Eq(&r.TotalOptionsForSale) {
		return fmt.Errorf("round %d offers %s options, collateral backs %s",
			r.ID, r.TotalOptionsForSale.Dec(), want.Dec())
	}
	return nil
}

// ValidateAuction verifies supply, per-bidder conservation and premiums.
func (v *InvariantValidator) ValidateAuction(r *state.Round) error {
	sold, overflow := fpmath.Sum(amounts(r.Allocations)...)
	if overflow {
		return fmt.Errorf("round %d allocations overflow", r.ID)
	}
	if sold.Gt(&r.TotalOptionsForSale) {
		return fmt.Errorf("round %d allocated %s of %s options", r.ID, sold.Dec(), r.TotalOptionsForSale.Dec())
	}
	if !sold.Eq(&r.OptionsSold) {
		return fmt.Errorf("round %d options sold %s, allocations sum %s", r.ID, r.OptionsSold.Dec(), sold.Dec())
	}

	committed := make(map[common.Address]*uint256.Int)
	for i := range r.Bids {
		b := &r.Bids[i]
		total, ok := committed[b.Bidder]
		if !ok {
			total = new(uint256.Int)
			committed[b.Bidder] = total
		}
		total.Add(total, &b.Size)
	}

	for bidder, size := range committed {
		spent := new(uint256.Int).Mul(r.AllocationOf(bidder), &r.ClearingPrice)
		spent.Add(spent, r.RefundOf(bidder))
		if spent.Gt(size) {
			return fmt.Errorf("round %d bidder %s: allocation*price + refund %s exceeds bids %s",
				r.ID, bidder.Hex(), spent.Dec(), size.Dec())
		}
	}

	premiums := new(uint256.Int).Mul(&r.ClearingPrice, &r.OptionsSold)
	if !premiums.Eq(&r.TotalPremiums) {
		return fmt.Errorf("round %d premiums %s, expected %s", r.ID, r.TotalPremiums.Dec(), premiums.Dec())
	}
	return nil
}

// ValidateSettlement verifies solvency and the residual split.
func (v *InvariantValidator) ValidateSettlement(r *state.Round) error {
	if r.TotalPayout.Gt(&r.CollateralAtInit) {
		return fmt.Errorf("round %d pays %s from %s", r.ID, r.TotalPayout.Dec(), r.CollateralAtInit.Dec())
	}
	sum := new(uint256.Int).Add(&r.CollateralAtSettlement, &r.TotalPayout)
	if !sum.Eq(&r.CollateralAtInit) {
		return fmt.Errorf("round %d residual %s + payout %s != init %s",
			r.ID, r.CollateralAtSettlement.Dec(), r.TotalPayout.Dec(), r.CollateralAtInit.Dec())
	}
	return nil
}

// ValidateNextRound verifies the next round holds at least its recorded
// entries. The surplus is rolled-over collateral not yet rebased.
func (v *InvariantValidator) ValidateNextRound(next *state.Round) error {
	entries := v.ledger.EntriesFor(next.ID)
	if entries.Gt(&next.CollateralAtInit) {
		return fmt.Errorf("round %d entries %s exceed collateral %s",
			next.ID, entries.Dec(), next.CollateralAtInit.Dec())
	}
	return nil
}

// ValidateOwnership verifies the positions never project to own more than
// the next round holds.
func (v *InvariantValidator) ValidateOwnership(rounds RoundReader, next *state.Round) error {
	owned := v.ledger.OwnedLiquidity(rounds, next)
	if owned.Gt(&next.CollateralAtInit) {
		return fmt.Errorf("positions own %s of round %d collateral %s",
			owned.Dec(), next.ID, next.CollateralAtInit.Dec())
	}
	return nil
}

func amounts(m map[common.Address]*uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
