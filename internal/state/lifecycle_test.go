package state_test

import (
	"OptionVault/internal/auction"
	"OptionVault/internal/market"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	t0      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bidderA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bidderB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// testConfig prices rounds in unit-sized steps so the numbers stay readable:
// std 10, avg 1000 -> strike 1000, cap 1030, limit 30, max payout 60, reserve 20.
func testConfig() state.Config {
	cfg := state.Config{
		AuctionDuration:         time.Hour,
		RoundDuration:           2 * time.Hour,
		CapStdDevMultiplier:     3,
		ReserveStdDevMultiplier: 2,
	}
	cfg.MinDepositAmount.SetUint64(1)
	cfg.MinBidAmount.SetUint64(5)
	cfg.MinCollateral.SetUint64(100)
	cfg.CollateralLevel.SetUint64(2)
	cfg.PriceUnit.SetUint64(1)
	return cfg
}

func mustLifecycle(t *testing.T, std, avg uint64) (*state.Lifecycle, *market.StaticAggregator) {
	t.Helper()
	agg := market.NewStaticAggregator(market.NewStats(u(std), u(avg), u(avg)))
	strategy, err := market.NewStrikePriceStrategy(market.AtTheMoney, agg)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	return state.NewLifecycle(testConfig(), strategy, agg), agg
}

func mustStartedRound(t *testing.T, l *state.Lifecycle, collateral uint64) (*state.RoundTable, *state.Round) {
	t.Helper()
	table := state.NewRoundTable()
	table.Next().CollateralAtInit.SetUint64(collateral)
	r, err := l.StartAuction(table, t0)
	if err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	return table, r
}

func mustPlaceBid(t *testing.T, l *state.Lifecycle, r *state.Round, who common.Address, size, price uint64, at time.Time) {
	t.Helper()
	if _, err := l.PlaceBid(r, who, u(size), u(price), at); err != nil {
		t.Fatalf("PlaceBid(%d @ %d) failed: %v", size, price, err)
	}
}

func mustRawBid(who common.Address, size, price uint64) auction.Bid {
	var b auction.Bid
	b.Bidder = who
	b.Size.SetUint64(size)
	b.Price.SetUint64(price)
	return b
}

// ===== Test: Start auction =====

func TestStartAuction_PricesRound(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	table, r := mustStartedRound(t, l, 1000)

	if r.State != state.RoundAuctionStarted {
		t.Fatalf("expected AUCTION_STARTED, got %s", r.State)
	}

	checks := []struct {
		name string
		got  *uint256.Int
		want uint64
	}{
		{"strike", &r.StrikePrice, 1000},
		{"cap", &r.CapLevel, 1030},
		{"limit", &r.PriceDifferenceLimit, 30},
		{"max payout", &r.MaxPayoutPerOption, 60},
		{"options for sale", &r.TotalOptionsForSale, 16},
		{"reserve", &r.ReservePrice, 20},
	}
	for _, c := range checks {
		if c.got.Uint64() != c.want {
			t.Errorf("%s: expected %d, got %s", c.name, c.want, c.got.Dec())
		}
	}

	if !r.AuctionEndTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected auction end %s", r.AuctionEndTime)
	}
	if !r.OptionExpiryTime.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("unexpected option expiry %s", r.OptionExpiryTime)
	}

	if id, ok := table.CurrentID(); !ok || id != 0 {
		t.Errorf("expected current round 0, got %d (%v)", id, ok)
	}
	if table.NextID() != 1 || table.Next().State != state.RoundInitialized {
		t.Errorf("expected fresh next round 1, got %d %s", table.NextID(), table.Next().State)
	}
}

func TestStartAuction_InsufficientCollateral(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	table := state.NewRoundTable()
	table.Next().CollateralAtInit.SetUint64(99)

	_, err := l.StartAuction(table, t0)
	if !errors.Is(err, vaulterr.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if table.Current() != nil || table.Next().State != state.RoundInitialized {
		t.Error("failed start must leave the table untouched")
	}
}

func TestStartAuction_DegenerateMarketRejected(t *testing.T) {
	// Zero deviation puts the cap on the strike: no payout range.
	l, _ := mustLifecycle(t, 0, 1000)
	table := state.NewRoundTable()
	table.Next().CollateralAtInit.SetUint64(1000)

	if _, err := l.StartAuction(table, t0); !errors.Is(err, vaulterr.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestStartAuction_RequiresPreviousRoundSettled(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	table, _ := mustStartedRound(t, l, 1000)
	table.Next().CollateralAtInit.SetUint64(1000)

	if _, err := l.StartAuction(table, t0); !errors.Is(err, vaulterr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ===== Test: Bidding =====

func TestPlaceBid_Guards(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)

	cases := []struct {
		name        string
		size, price uint64
		at          time.Time
		want        error
	}{
		{"below reserve", 100, 19, t0, vaulterr.ErrBelowReserve},
		{"below minimum", 4, 20, t0, vaulterr.ErrBelowMinimum},
		{"zero price", 100, 0, t0, vaulterr.ErrInvalidBid},
		{"after end", 100, 20, t0.Add(time.Hour), vaulterr.ErrAuctionEnded},
	}
	for _, tc := range cases {
		if _, err := l.PlaceBid(r, bidderA, u(tc.size), u(tc.price), tc.at); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if len(r.Bids) != 0 {
		t.Errorf("rejected bids must not be recorded, got %d", len(r.Bids))
	}
}

func TestPlaceBid_DeterministicIDs(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r1 := mustStartedRound(t, l, 1000)
	_, r2 := mustStartedRound(t, l, 1000)

	b1, _ := l.PlaceBid(r1, bidderA, u(100), u(25), t0)
	b2, _ := l.PlaceBid(r2, bidderB, u(50), u(30), t0)
	if b1.ID != b2.ID {
		t.Error("bids at the same round position must share an id across replays")
	}

	b3, _ := l.PlaceBid(r1, bidderA, u(100), u(25), t0)
	if b3.ID == b1.ID {
		t.Error("bids within a round must have distinct ids")
	}
}

func TestPlaceBid_RequiresStartedAuction(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	table := state.NewRoundTable()

	if _, err := l.PlaceBid(table.Current(), bidderA, u(100), u(25), t0); !errors.Is(err, vaulterr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without a current round, got %v", err)
	}
	if _, err := l.PlaceBid(table.Next(), bidderA, u(100), u(25), t0); !errors.Is(err, vaulterr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on an initialized round, got %v", err)
	}
}

// ===== Test: Auction settlement =====

func TestSettleAuction_Guards(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)

	if _, err := l.SettleAuction(r, t0.Add(30*time.Minute)); !errors.Is(err, vaulterr.ErrAuctionNotEnded) {
		t.Errorf("expected ErrAuctionNotEnded, got %v", err)
	}
	if _, err := l.SettleAuction(r, t0.Add(time.Hour)); !errors.Is(err, vaulterr.ErrNoBids) {
		t.Errorf("expected ErrNoBids, got %v", err)
	}
	if r.State != state.RoundAuctionStarted {
		t.Errorf("failed settlement must not move state, got %s", r.State)
	}
}

func TestSettleAuction_RecordsResult(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)

	mustPlaceBid(t, l, r, bidderA, 300, 30, t0)
	mustPlaceBid(t, l, r, bidderB, 250, 25, t0.Add(time.Minute))

	res, err := l.SettleAuction(r, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("SettleAuction failed: %v", err)
	}

	// Supply 16. At 25: A wants 12, B wants 10 -> covered. A gets 12, B 4.
	if res.ClearingPrice.Uint64() != 25 {
		t.Fatalf("expected clearing 25, got %s", res.ClearingPrice.Dec())
	}
	if r.State != state.RoundAuctionSettled {
		t.Errorf("expected AUCTION_SETTLED, got %s", r.State)
	}
	if r.AllocationOf(bidderA).Uint64() != 12 || r.AllocationOf(bidderB).Uint64() != 4 {
		t.Errorf("unexpected allocations A=%s B=%s", r.AllocationOf(bidderA).Dec(), r.AllocationOf(bidderB).Dec())
	}
	if r.RefundOf(bidderA).Uint64() != 0 || r.RefundOf(bidderB).Uint64() != 150 {
		t.Errorf("unexpected refunds A=%s B=%s", r.RefundOf(bidderA).Dec(), r.RefundOf(bidderB).Dec())
	}
	if r.TotalPremiums.Uint64() != 400 {
		t.Errorf("expected premiums 400, got %s", r.TotalPremiums.Dec())
	}
}

func TestSettleAuction_NoClearingPriceLeavesStateUnchanged(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)

	// Book loaded from an older reserve: nothing meets today's reserve.
	low := mustRawBid(bidderA, 100, 3)
	r.Bids = append(r.Bids, low, mustRawBid(bidderB, 100, 4))

	_, err := l.SettleAuction(r, t0.Add(time.Hour))
	if !errors.Is(err, vaulterr.ErrNoClearingPrice) {
		t.Fatalf("expected ErrNoClearingPrice, got %v", err)
	}
	if r.State != state.RoundAuctionStarted {
		t.Errorf("expected state to remain AUCTION_STARTED, got %s", r.State)
	}
	if len(r.Allocations) != 0 || !r.ClearingPrice.IsZero() {
		t.Error("failed auction must not record allocations")
	}
}

// ===== Test: Option settlement =====

func TestSettleOptions_FullCycle(t *testing.T) {
	l, agg := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)
	mustPlaceBid(t, l, r, bidderA, 300, 30, t0)
	if _, err := l.SettleAuction(r, t0.Add(time.Hour)); err != nil {
		t.Fatalf("SettleAuction failed: %v", err)
	}

	if _, err := l.SettleOptions(r, t0.Add(90*time.Minute)); !errors.Is(err, vaulterr.ErrOptionNotExpired) {
		t.Fatalf("expected ErrOptionNotExpired, got %v", err)
	}

	agg.SetCurrentMonthAvgBasefee(u(1010))
	out, err := l.SettleOptions(r, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SettleOptions failed: %v", err)
	}

	// Clearing 30, A holds 10 options; diff 10 * level 2 = 20 each.
	if out.PayoutPerOption.Uint64() != 20 || out.TotalPayout.Uint64() != 200 {
		t.Errorf("unexpected payout %s/%s", out.PayoutPerOption.Dec(), out.TotalPayout.Dec())
	}
	if r.CollateralAtSettlement.Uint64() != 800 {
		t.Errorf("expected residual 800, got %s", r.CollateralAtSettlement.Dec())
	}
	if r.Rollover().Uint64() != 1100 {
		t.Errorf("expected rollover 1100, got %s", r.Rollover().Dec())
	}
	if r.State != state.RoundOptionSettled {
		t.Errorf("expected OPTION_SETTLED, got %s", r.State)
	}
}

func TestSettleOptions_TwiceFailsAlreadySettled(t *testing.T) {
	l, agg := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)
	mustPlaceBid(t, l, r, bidderA, 300, 30, t0)
	if _, err := l.SettleAuction(r, t0.Add(time.Hour)); err != nil {
		t.Fatalf("SettleAuction failed: %v", err)
	}
	agg.SetCurrentMonthAvgBasefee(u(1010))
	if _, err := l.SettleOptions(r, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("SettleOptions failed: %v", err)
	}
	before := r.Clone()

	agg.SetCurrentMonthAvgBasefee(u(1020))
	if _, err := l.SettleOptions(r, t0.Add(3*time.Hour)); !errors.Is(err, vaulterr.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if !r.TotalPayout.Eq(&before.TotalPayout) || !r.SettledAt.Equal(before.SettledAt) {
		t.Error("second settlement mutated the round")
	}
}

func TestSettleOptions_BeforeAuctionSettled(t *testing.T) {
	l, _ := mustLifecycle(t, 10, 1000)
	_, r := mustStartedRound(t, l, 1000)

	if _, err := l.SettleOptions(r, t0.Add(3*time.Hour)); !errors.Is(err, vaulterr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ===== Test: Round state text =====

func TestRoundState_TextRoundTrip(t *testing.T) {
	for _, s := range []state.RoundState{
		state.RoundInitialized, state.RoundAuctionStarted, state.RoundAuctionSettled, state.RoundOptionSettled,
	} {
		b, _ := s.MarshalText()
		var got state.RoundState
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %s: got %s, %v", s, got, err)
		}
	}
}
