package state

import (
	"fmt"
	"time"

	"OptionVault/internal/auction"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"
	"OptionVault/internal/settlement"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// bidNamespace seeds deterministic bid ids so a replayed log rebuilds
// identical rounds.
var bidNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6d-9e7f-0a1b2c3d4e5f")

// Config holds the vault-wide constants that parameterize every round.
type Config struct {
	AuctionDuration time.Duration
	RoundDuration   time.Duration

	MinDepositAmount uint256.Int
	MinBidAmount     uint256.Int
	MinCollateral    uint256.Int

	// CollateralLevel is the payout in wei per price unit of difference.
	CollateralLevel uint256.Int
	PriceUnit       uint256.Int

	CapStdDevMultiplier     uint64
	ReserveStdDevMultiplier uint64
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	cfg := Config{
		AuctionDuration:         15 * 24 * time.Hour,
		RoundDuration:           25 * 24 * time.Hour,
		CapStdDevMultiplier:     3,
		ReserveStdDevMultiplier: 2,
	}
	cfg.MinDepositAmount.Div(fpmath.Ether(), uint256.NewInt(10))
	cfg.MinBidAmount.Div(fpmath.Ether(), uint256.NewInt(2))
	cfg.MinCollateral.Set(fpmath.Ether())
	cfg.CollateralLevel.Set(fpmath.Ether())
	cfg.PriceUnit.Set(fpmath.Gwei())
	return cfg
}

func (c *Config) Validate() error {
	if c.AuctionDuration <= 0 {
		return fmt.Errorf("%w: auction duration must be positive", vaulterr.ErrInvalidParams)
	}
	if c.RoundDuration < c.AuctionDuration {
		return fmt.Errorf("%w: round duration %s shorter than auction duration %s",
			vaulterr.ErrInvalidParams, c.RoundDuration, c.AuctionDuration)
	}
	if c.PriceUnit.IsZero() {
		return fmt.Errorf("%w: price unit must be positive", vaulterr.ErrInvalidParams)
	}
	if c.CollateralLevel.IsZero() {
		return fmt.Errorf("%w: collateral level must be positive", vaulterr.ErrInvalidParams)
	}
	return nil
}

// Lifecycle enforces the round state machine. Every transition computes its
// outcome into locals and writes to the round only once all guards passed.
type Lifecycle struct {
	cfg        Config
	strategy   market.StrikePriceStrategy
	aggregator market.MarketAggregator
}

func NewLifecycle(cfg Config, strategy market.StrikePriceStrategy, aggregator market.MarketAggregator) *Lifecycle {
	return &Lifecycle{cfg: cfg, strategy: strategy, aggregator: aggregator}
}

func (l *Lifecycle) Config() *Config {
	return &l.cfg
}

func (l *Lifecycle) Strategy() market.StrikePriceStrategy {
	return l.strategy
}

// StartAuction prices the next round, opens its auction and promotes it to
// current. It returns the round that just started.
func (l *Lifecycle) StartAuction(t *RoundTable, now time.Time) (*Round, error) {
	// Step 1: The previous round must be finished
	if cur := t.Current(); cur != nil && cur.State != RoundOptionSettled {
		return nil, fmt.Errorf("%w: round %d is %s", vaulterr.ErrInvalidState, cur.ID, cur.State)
	}

	next := t.Next()
	if next.State != RoundInitialized {
		panic(fmt.Sprintf("FATAL: next round %d is %s", next.ID, next.State))
	}

	// Step 2: Collateral floor
	if next.CollateralAtInit.Lt(&l.cfg.MinCollateral) {
		return nil, fmt.Errorf("%w: round %d has %s, requires %s",
			vaulterr.ErrInsufficientCollateral, next.ID, next.CollateralAtInit.Dec(), l.cfg.MinCollateral.Dec())
	}

	// Step 3: Price the round
	stdDev := l.aggregator.PrevMonthStdDev()
	prevAvg := l.aggregator.PrevMonthAvgBasefee()
	currentAvg := l.aggregator.CurrentMonthAvgBasefee()
	strike := l.strategy.Calculate()

	capSpread, overflow := fpmath.MulSmall(stdDev, l.cfg.CapStdDevMultiplier)
	if overflow {
		return nil, fmt.Errorf("%w: cap level overflows", vaulterr.ErrInvalidParams)
	}
	capLevel, overflow := new(uint256.Int).AddOverflow(prevAvg, capSpread)
	if overflow {
		return nil, fmt.Errorf("%w: cap level overflows", vaulterr.ErrInvalidParams)
	}

	limit := settlement.PriceDifferenceLimit(strike, capLevel, &l.cfg.PriceUnit)
	if limit.IsZero() {
		return nil, fmt.Errorf("%w: cap %s leaves no room above strike %s",
			vaulterr.ErrInvalidParams, capLevel.Dec(), strike.Dec())
	}

	maxPayout, overflow := new(uint256.Int).MulOverflow(&l.cfg.CollateralLevel, limit)
	if overflow {
		return nil, fmt.Errorf("%w: max payout overflows", vaulterr.ErrInvalidParams)
	}

	totalOptions := fpmath.FloorDiv(&next.CollateralAtInit, maxPayout)
	if totalOptions.IsZero() {
		return nil, fmt.Errorf("%w: collateral %s backs no option at max payout %s",
			vaulterr.ErrInsufficientCollateral, next.CollateralAtInit.Dec(), maxPayout.Dec())
	}

	reserve, overflow := fpmath.MulSmall(stdDev, l.cfg.ReserveStdDevMultiplier)
	if overflow {
		return nil, fmt.Errorf("%w: reserve price overflows", vaulterr.ErrInvalidParams)
	}

	// Step 4: Commit
	next.State = RoundAuctionStarted
	next.AuctionStartTime = now
	next.AuctionEndTime = now.Add(l.cfg.AuctionDuration)
	next.OptionExpiryTime = now.Add(l.cfg.RoundDuration)
	next.AverageBasefee.Set(currentAvg)
	next.StandardDeviation.Set(stdDev)
	next.StrikePrice.Set(strike)
	next.CapLevel.Set(capLevel)
	next.CollateralLevel.Set(&l.cfg.CollateralLevel)
	next.PriceDifferenceLimit.Set(limit)
	next.PriceUnit.Set(&l.cfg.PriceUnit)
	next.MaxPayoutPerOption.Set(maxPayout)
	next.TotalOptionsForSale.Set(totalOptions)
	next.ReservePrice.Set(reserve)
	next.MinimumBidAmount.Set(&l.cfg.MinBidAmount)
	next.MinimumCollateralRequired.Set(&l.cfg.MinCollateral)

	t.Promote()
	return next, nil
}

// PlaceBid appends a bid to the current round's book.
func (l *Lifecycle) PlaceBid(r *Round, bidder common.Address, size, price *uint256.Int, now time.Time) (auction.Bid, error) {
	if r == nil {
		return auction.Bid{}, fmt.Errorf("%w: no current round", vaulterr.ErrInvalidState)
	}
	if r.State != RoundAuctionStarted {
		return auction.Bid{}, fmt.Errorf("%w: round %d is %s", vaulterr.ErrInvalidState, r.ID, r.State)
	}
	if !now.Before(r.AuctionEndTime) {
		return auction.Bid{}, fmt.Errorf("%w: round %d auction ended at %s",
			vaulterr.ErrAuctionEnded, r.ID, r.AuctionEndTime.UTC().Format(time.RFC3339))
	}
	if size.IsZero() || price.IsZero() {
		return auction.Bid{}, fmt.Errorf("%w: size and price must be positive", vaulterr.ErrInvalidBid)
	}
	if price.Lt(&r.ReservePrice) {
		return auction.Bid{}, fmt.Errorf("%w: price %s below reserve %s",
			vaulterr.ErrBelowReserve, price.Dec(), r.ReservePrice.Dec())
	}
	if size.Lt(&r.MinimumBidAmount) {
		return auction.Bid{}, fmt.Errorf("%w: bid size %s below minimum %s",
			vaulterr.ErrBelowMinimum, size.Dec(), r.MinimumBidAmount.Dec())
	}

	bid := auction.Bid{
		ID:       uuid.NewSHA1(bidNamespace, []byte(fmt.Sprintf("%d:%d", r.ID, len(r.Bids)))),
		Bidder:   bidder,
		PlacedAt: now,
	}
	bid.Size.Set(size)
	bid.Price.Set(price)

	r.Bids = append(r.Bids, bid)
	return bid, nil
}

// SettleAuction clears the current round's auction and records the result.
func (l *Lifecycle) SettleAuction(r *Round, now time.Time) (*auction.Result, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no current round", vaulterr.ErrInvalidState)
	}
	if r.State != RoundAuctionStarted {
		return nil, fmt.Errorf("%w: round %d is %s", vaulterr.ErrInvalidState, r.ID, r.State)
	}
	if now.Before(r.AuctionEndTime) {
		return nil, fmt.Errorf("%w: round %d auction ends at %s",
			vaulterr.ErrAuctionNotEnded, r.ID, r.AuctionEndTime.UTC().Format(time.RFC3339))
	}

	res, err := auction.Run(r.Bids, &r.ReservePrice, &r.TotalOptionsForSale)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", r.ID, err)
	}

	r.State = RoundAuctionSettled
	r.Allocations = res.Allocations
	r.Refunds = res.Refunds
	r.ClearingPrice.Set(&res.ClearingPrice)
	r.OptionsSold.Set(&res.OptionsSold)
	r.UnsoldOptions.Set(&res.UnsoldOptions)
	r.TotalPremiums.Set(res.Premiums())
	return res, nil
}

// SettleOptions settles the current round against the aggregator's current
// month average. The caller credits Outcome.Rollover to the next round.
func (l *Lifecycle) SettleOptions(r *Round, now time.Time) (*settlement.Outcome, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no current round", vaulterr.ErrInvalidState)
	}
	if r.State == RoundOptionSettled {
		return nil, fmt.Errorf("%w: round %d", vaulterr.ErrAlreadySettled, r.ID)
	}
	if r.State != RoundAuctionSettled {
		return nil, fmt.Errorf("%w: round %d is %s", vaulterr.ErrInvalidState, r.ID, r.State)
	}
	if now.Before(r.OptionExpiryTime) {
		return nil, fmt.Errorf("%w: round %d expires at %s",
			vaulterr.ErrOptionNotExpired, r.ID, r.OptionExpiryTime.UTC().Format(time.RFC3339))
	}

	price := l.aggregator.CurrentMonthAvgBasefee()
	out, err := settlement.Settle(r.Terms(), price, r.Allocations, &r.CollateralAtInit, &r.TotalPremiums)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", r.ID, err)
	}

	r.State = RoundOptionSettled
	r.SettledAt = now
	r.SettlementPrice.Set(&out.SettlementPrice)
	r.PayoutPerOption.Set(&out.PayoutPerOption)
	r.TotalPayout.Set(&out.TotalPayout)
	r.CollateralAtSettlement.Set(&out.CollateralAtSettlement)
	return out, nil
}
