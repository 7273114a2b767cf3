package core

import (
	"fmt"

	"OptionVault/internal/command"
	"OptionVault/internal/event"
	"OptionVault/internal/market"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Handlers validate fully before touching state. Each returns the payload
// describing what changed.

func (e *VaultEngine) handleOpenPosition(c *command.OpenPosition) (event.Payload, error) {
	next := e.rounds.Next()
	pos, err := e.ledger.Open(c.Tx().From, next, &c.Amount)
	if err != nil {
		return nil, err
	}
	return &event.PositionOpened{
		PositionID:      pos.ID,
		Depositor:       pos.Depositor,
		RoundID:         next.ID,
		Amount:          c.Amount.Dec(),
		RoundCollateral: next.CollateralAtInit.Dec(),
	}, nil
}

func (e *VaultEngine) handleDeposit(c *command.Deposit) (event.Payload, error) {
	next := e.rounds.Next()
	if err := e.ledger.Deposit(c.PositionID, next, &c.Amount); err != nil {
		return nil, err
	}
	return &event.LiquidityDeposited{
		PositionID:      c.PositionID,
		RoundID:         next.ID,
		Amount:          c.Amount.Dec(),
		RoundCollateral: next.CollateralAtInit.Dec(),
	}, nil
}

func (e *VaultEngine) handleWithdraw(c *command.Withdraw) (event.Payload, error) {
	next := e.rounds.Next()
	proj, err := e.ledger.Withdraw(c.PositionID, c.Tx().From, e.rounds, next, &c.Amount)
	if err != nil {
		return nil, err
	}
	return &event.LiquidityWithdrawn{
		PositionID:      c.PositionID,
		RoundID:         next.ID,
		Amount:          c.Amount.Dec(),
		Remaining:       proj.Unallocated.Dec(),
		Rebased:         proj.ReachedNext,
		RoundCollateral: next.CollateralAtInit.Dec(),
	}, nil
}

func (e *VaultEngine) handleStartRound(c *command.StartRound) (event.Payload, error) {
	r, err := e.lifecycle.StartAuction(e.rounds, c.Tx().Timestamp)
	if err != nil {
		return nil, err
	}
	return &event.RoundStarted{
		RoundID:                   r.ID,
		NextRoundID:               e.rounds.NextID(),
		AuctionStartTime:          r.AuctionStartTime,
		AuctionEndTime:            r.AuctionEndTime,
		OptionExpiryTime:          r.OptionExpiryTime,
		CurrentAverageBasefee:     r.AverageBasefee.Dec(),
		StandardDeviation:         r.StandardDeviation.Dec(),
		StrikePrice:               r.StrikePrice.Dec(),
		CapLevel:                  r.CapLevel.Dec(),
		CollateralLevel:           r.CollateralLevel.Dec(),
		PriceDifferenceLimit:      r.PriceDifferenceLimit.Dec(),
		MaxPayoutPerOption:        r.MaxPayoutPerOption.Dec(),
		ReservePrice:              r.ReservePrice.Dec(),
		TotalOptionsForSale:       r.TotalOptionsForSale.Dec(),
		MinimumBidAmount:          r.MinimumBidAmount.Dec(),
		MinimumCollateralRequired: r.MinimumCollateralRequired.Dec(),
		TotalCollateral:           r.CollateralAtInit.Dec(),
	}, nil
}

func (e *VaultEngine) handlePlaceBid(c *command.PlaceBid) (event.Payload, error) {
	tx := c.Tx()
	r := e.rounds.Current()
	bid, err := e.lifecycle.PlaceBid(r, tx.From, &c.Size, &c.Price, tx.Timestamp)
	if err != nil {
		return nil, err
	}
	return &event.BidPlaced{
		RoundID:  r.ID,
		BidID:    bid.ID,
		Bidder:   bid.Bidder,
		Size:     bid.Size.Dec(),
		Price:    bid.Price.Dec(),
		PlacedAt: bid.PlacedAt,
		BidCount: len(r.Bids),
	}, nil
}

func (e *VaultEngine) handleSettleAuction(c *command.SettleAuction) (event.Payload, error) {
	r := e.rounds.Current()
	res, err := e.lifecycle.SettleAuction(r, c.Tx().Timestamp)
	if err != nil {
		return nil, err
	}
	return &event.AuctionSettled{
		RoundID:       r.ID,
		ClearingPrice: res.ClearingPrice.Dec(),
		OptionsSold:   res.OptionsSold.Dec(),
		UnsoldOptions: res.UnsoldOptions.Dec(),
		Premiums:      r.TotalPremiums.Dec(),
		Allocations:   decimalMap(res.Allocations),
		Refunds:       decimalMap(res.Refunds),
	}, nil
}

func (e *VaultEngine) handleSettleRound(c *command.SettleRound) (event.Payload, error) {
	r := e.rounds.Current()
	out, err := e.lifecycle.SettleOptions(r, c.Tx().Timestamp)
	if err != nil {
		return nil, err
	}

	next := e.rounds.Next()
	e.ledger.CreditRollover(next, &out.Rollover)

	return &event.RoundSettled{
		RoundID:                r.ID,
		SettledAt:              r.SettledAt,
		SettlementPrice:        out.SettlementPrice.Dec(),
		PayoutPerOption:        out.PayoutPerOption.Dec(),
		OptionsSettled:         out.OptionsSettled.Dec(),
		TotalPayout:            out.TotalPayout.Dec(),
		CollateralAtSettlement: out.CollateralAtSettlement.Dec(),
		PremiumsCollected:      r.TotalPremiums.Dec(),
		Rollover:               out.Rollover.Dec(),
		NextRoundID:            next.ID,
		NextRoundCollateral:    next.CollateralAtInit.Dec(),
	}, nil
}

func (e *VaultEngine) handleClaimPayout(c *command.ClaimPayout) (event.Payload, error) {
	r, err := e.pastRound(c.RoundID)
	if err != nil {
		return nil, err
	}
	if r.State != state.RoundOptionSettled {
		return nil, fmt.Errorf("%w: round %d is %s", vaulterr.ErrNotSettled, r.ID, r.State)
	}
	alloc, ok := r.Allocations[c.Buyer]
	if !ok {
		return nil, fmt.Errorf("%w: %s in round %d", vaulterr.ErrNoAllocation, c.Buyer.Hex(), r.ID)
	}

	// alloc * payout is bounded by the round's total payout
	options := alloc.Clone()
	amount := new(uint256.Int).Mul(options, &r.PayoutPerOption)
	alloc.Clear()

	return &event.PayoutClaimed{
		RoundID: r.ID,
		Buyer:   c.Buyer,
		Options: options.Dec(),
		Amount:  amount.Dec(),
	}, nil
}

func (e *VaultEngine) handleRefundBid(c *command.RefundBid) (event.Payload, error) {
	r, err := e.pastRound(c.RoundID)
	if err != nil {
		return nil, err
	}
	refund, ok := r.Refunds[c.Recipient]
	if !ok {
		return nil, fmt.Errorf("%w: %s in round %d", vaulterr.ErrNoRefundOwed, c.Recipient.Hex(), r.ID)
	}

	amount := refund.Clone()
	refund.Clear()

	return &event.BidRefunded{
		RoundID:   r.ID,
		Recipient: c.Recipient,
		Amount:    amount.Dec(),
	}, nil
}

func (e *VaultEngine) handleRecordMarketStats(c *command.RecordMarketStats) (event.Payload, error) {
	rec, ok := e.aggregator.(market.StatsRecorder)
	if !ok {
		return nil, fmt.Errorf("%w: aggregator %T does not accept recorded statistics",
			vaulterr.ErrInvalidState, e.aggregator)
	}
	gap, err := e.sequenceValidator.Check(MarketStatsPartition, c.Sequence)
	if err != nil {
		if e.metrics != nil {
			e.metrics.MarketStatsUpdates.WithLabelValues("stale").Inc()
		}
		return nil, err
	}

	e.sequenceValidator.Accept(MarketStatsPartition, c.Sequence, gap)
	rec.Set(c.Stats)

	return &event.MarketStatsRecorded{
		RoundID:                e.rounds.NextID(),
		Sequence:               c.Sequence,
		PrevMonthStdDev:        c.Stats.PrevMonthStdDev.Dec(),
		PrevMonthAvgBasefee:    c.Stats.PrevMonthAvgBasefee.Dec(),
		CurrentMonthAvgBasefee: c.Stats.CurrentMonthAvgBasefee.Dec(),
		Gap:                    gap,
	}, nil
}

// pastRound resolves a round that has been current at some point. The next
// round has no buyers yet and is rejected with the unknown ids.
func (e *VaultEngine) pastRound(id uint64) (*state.Round, error) {
	if id >= e.rounds.NextID() {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidRoundID, id)
	}
	r, ok := e.rounds.Round(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidRoundID, id)
	}
	return r, nil
}

func decimalMap(m map[common.Address]*uint256.Int) map[common.Address]string {
	out := make(map[common.Address]string, len(m))
	for k, v := range m {
		out[k] = v.Dec()
	}
	return out
}
