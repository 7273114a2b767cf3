// Package auction implements the uniform clearing-price option auction.
// Everything here is a pure function of its inputs.
package auction

import (
	"fmt"
	"sort"
	"time"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Bid is an accepted sealed bid. Size is the total wei the bidder commits,
// Price the most the bidder pays per option.
type Bid struct {
	ID       uuid.UUID
	Bidder   common.Address
	Size     uint256.Int
	Price    uint256.Int
	PlacedAt time.Time
}

// Result is the outcome of clearing one auction.
type Result struct {
	ClearingPrice uint256.Int
	OptionsSold   uint256.Int
	UnsoldOptions uint256.Int

	// Allocations holds only bidders that received at least one option.
	Allocations map[common.Address]*uint256.Int

	// Refunds holds every bidder, including those owed nothing.
	Refunds map[common.Address]*uint256.Int
}

// Run clears the auction: it finds the clearing price and allocates supply.
// It fails with ErrNoBids on an empty book and ErrNoClearingPrice when no
// bid meets the reserve.
func Run(bids []Bid, reservePrice, supply *uint256.Int) (*Result, error) {
	if len(bids) == 0 {
		return nil, vaulterr.ErrNoBids
	}

	clearing := ClearingPrice(bids, reservePrice, supply)
	if clearing.IsZero() {
		return nil, fmt.Errorf("%w: no bid at or above reserve %s", vaulterr.ErrNoClearingPrice, reservePrice.Dec())
	}

	return Allocate(bids, clearing, supply), nil
}

// ClearingPrice returns the highest candidate price at which demand covers
// supply, the lowest qualifying price when it never does, or zero when no
// bid qualifies.
func ClearingPrice(bids []Bid, reservePrice, supply *uint256.Int) *uint256.Int {
	// Step 1: Filter by reserve
	qualifying := make([]Bid, 0, len(bids))
	for _, b := range bids {
		if b.Price.IsZero() || b.Price.Lt(reservePrice) {
			continue
		}
		qualifying = append(qualifying, b)
	}
	if len(qualifying) == 0 {
		return new(uint256.Int)
	}

	// Step 2: Price descending, then size ascending
	sort.SliceStable(qualifying, func(i, j int) bool {
		if c := qualifying[i].Price.Cmp(&qualifying[j].Price); c != 0 {
			return c > 0
		}
		return qualifying[i].Size.Lt(&qualifying[j].Size)
	})

	// Step 3: Scan candidates from the top
	for i := range qualifying {
		candidate := &qualifying[i].Price
		if demandCovers(qualifying, candidate, supply) {
			return candidate.Clone()
		}
	}

	// Step 4: Under-subscribed, clear at the lowest qualifying price
	return qualifying[len(qualifying)-1].Price.Clone()
}

// demandCovers reports whether the options demanded at price reach supply.
// Each bid's demand is floor(size / price), capped at supply.
func demandCovers(sorted []Bid, price, supply *uint256.Int) bool {
	demand := new(uint256.Int)
	for i := range sorted {
		b := &sorted[i]
		if b.Price.Lt(price) {
			// Sorted descending: nothing below can qualify.
			break
		}
		wanted := fpmath.Min(fpmath.FloorDiv(&b.Size, price), supply)
		demand.Add(demand, wanted)
		if demand.Cmp(supply) >= 0 {
			return true
		}
	}
	return demand.Cmp(supply) >= 0
}

// Allocate fills bids in arrival order at the clearing price. Bids under the
// price are refunded in full; filled bids are refunded their residual.
func Allocate(bids []Bid, clearingPrice, supply *uint256.Int) *Result {
	res := &Result{
		Allocations: make(map[common.Address]*uint256.Int),
		Refunds:     make(map[common.Address]*uint256.Int),
	}
	res.ClearingPrice.Set(clearingPrice)

	remaining := supply.Clone()
	for i := range bids {
		b := &bids[i]
		refund := entryFor(res.Refunds, b.Bidder)

		if clearingPrice.IsZero() || b.Price.Lt(clearingPrice) {
			refund.Add(refund, &b.Size)
			continue
		}

		alloc := fpmath.Min(remaining, fpmath.FloorDiv(&b.Size, clearingPrice))
		remaining.Sub(remaining, alloc)

		cost := new(uint256.Int).Mul(alloc, clearingPrice)
		refund.Add(refund, new(uint256.Int).Sub(&b.Size, cost))

		if !alloc.IsZero() {
			total := entryFor(res.Allocations, b.Bidder)
			total.Add(total, alloc)
		}
	}

	res.OptionsSold.Sub(supply, remaining)
	res.UnsoldOptions.Set(remaining)
	return res
}

func entryFor(m map[common.Address]*uint256.Int, who common.Address) *uint256.Int {
	v, ok := m[who]
	if !ok {
		v = new(uint256.Int)
		m[who] = v
	}
	return v
}

// Premiums is what buyers pay in aggregate: clearing price times options sold.
func (r *Result) Premiums() *uint256.Int {
	return new(uint256.Int).Mul(&r.ClearingPrice, &r.OptionsSold)
}
