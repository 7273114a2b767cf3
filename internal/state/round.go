package state

import (
	"fmt"
	"strings"
	"time"

	"OptionVault/internal/auction"
	"OptionVault/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RoundState is the lifecycle position of a round. It only moves forward.
type RoundState int32

const (
	RoundInitialized RoundState = iota
	RoundAuctionStarted
	RoundAuctionSettled
	RoundOptionSettled
)

func (s RoundState) String() string {
	switch s {
	case RoundInitialized:
		return "INITIALIZED"
	case RoundAuctionStarted:
		return "AUCTION_STARTED"
	case RoundAuctionSettled:
		return "AUCTION_SETTLED"
	case RoundOptionSettled:
		return "OPTION_SETTLED"
	default:
		return "UNKNOWN"
	}
}

func ParseRoundState(s string) (RoundState, error) {
	switch strings.ToUpper(s) {
	case "INITIALIZED":
		return RoundInitialized, nil
	case "AUCTION_STARTED":
		return RoundAuctionStarted, nil
	case "AUCTION_SETTLED":
		return RoundAuctionSettled, nil
	case "OPTION_SETTLED":
		return RoundOptionSettled, nil
	default:
		return 0, fmt.Errorf("unknown round state: %q", s)
	}
}

func (s RoundState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RoundState) UnmarshalText(b []byte) error {
	v, err := ParseRoundState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OptionRoundParams is the read-only view of a round's priced parameters.
type OptionRoundParams struct {
	CurrentAverageBasefee     uint256.Int
	StandardDeviation         uint256.Int
	StrikePrice               uint256.Int
	CapLevel                  uint256.Int
	CollateralLevel           uint256.Int
	MaxPayoutPerOption        uint256.Int
	ReservePrice              uint256.Int
	TotalOptionsForSale       uint256.Int
	PriceDifferenceLimit      uint256.Int
	MinimumBidAmount          uint256.Int
	MinimumCollateralRequired uint256.Int
	TotalCollateral           uint256.Int
	AuctionEndTime            time.Time
	OptionExpiryTime          time.Time
}

// Round is one cycle of collateral lock-up, auction and settlement.
type Round struct {
	ID    uint64
	State RoundState

	AuctionStartTime time.Time
	AuctionEndTime   time.Time
	OptionExpiryTime time.Time
	SettledAt        time.Time

	// Market statistics observed at auction start
	AverageBasefee    uint256.Int
	StandardDeviation uint256.Int

	// Priced parameters (set at auction start)
	StrikePrice               uint256.Int
	CapLevel                  uint256.Int
	CollateralLevel           uint256.Int
	MaxPayoutPerOption        uint256.Int
	ReservePrice              uint256.Int
	TotalOptionsForSale       uint256.Int
	PriceDifferenceLimit      uint256.Int
	PriceUnit                 uint256.Int
	MinimumBidAmount          uint256.Int
	MinimumCollateralRequired uint256.Int

	// Auction
	Bids          []auction.Bid
	Allocations   map[common.Address]*uint256.Int
	Refunds       map[common.Address]*uint256.Int
	ClearingPrice uint256.Int
	OptionsSold   uint256.Int
	UnsoldOptions uint256.Int
	TotalPremiums uint256.Int

	// Settlement
	SettlementPrice uint256.Int
	PayoutPerOption uint256.Int
	TotalPayout     uint256.Int

	CollateralAtInit       uint256.Int
	CollateralAtSettlement uint256.Int
}

func NewRound(id uint64) *Round {
	return &Round{
		ID:          id,
		State:       RoundInitialized,
		Allocations: make(map[common.Address]*uint256.Int),
		Refunds:     make(map[common.Address]*uint256.Int),
	}
}

// Params returns the priced parameters as callers see them.
func (r *Round) Params() OptionRoundParams {
	return OptionRoundParams{
		CurrentAverageBasefee:     r.AverageBasefee,
		StandardDeviation:         r.StandardDeviation,
		StrikePrice:               r.StrikePrice,
		CapLevel:                  r.CapLevel,
		CollateralLevel:           r.CollateralLevel,
		MaxPayoutPerOption:        r.MaxPayoutPerOption,
		ReservePrice:              r.ReservePrice,
		TotalOptionsForSale:       r.TotalOptionsForSale,
		PriceDifferenceLimit:      r.PriceDifferenceLimit,
		MinimumBidAmount:          r.MinimumBidAmount,
		MinimumCollateralRequired: r.MinimumCollateralRequired,
		TotalCollateral:           r.CollateralAtInit,
		AuctionEndTime:            r.AuctionEndTime,
		OptionExpiryTime:          r.OptionExpiryTime,
	}
}

// Terms are the settlement terms fixed when the auction started.
func (r *Round) Terms() *settlement.Terms {
	return &settlement.Terms{
		StrikePrice:        r.StrikePrice,
		CapLevel:           r.CapLevel,
		CollateralLevel:    r.CollateralLevel,
		MaxPayoutPerOption: r.MaxPayoutPerOption,
		PriceUnit:          r.PriceUnit,
	}
}

// Rollover is the collateral this round hands to its successor once settled.
func (r *Round) Rollover() *uint256.Int {
	return new(uint256.Int).Add(&r.CollateralAtSettlement, &r.TotalPremiums)
}

// Clone returns a deep copy. Callers outside the engine only ever see clones.
func (r *Round) Clone() *Round {
	c := *r
	c.Bids = append([]auction.Bid(nil), r.Bids...)
	c.Allocations = cloneAmounts(r.Allocations)
	c.Refunds = cloneAmounts(r.Refunds)
	return &c
}

func cloneAmounts(m map[common.Address]*uint256.Int) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// AllocationOf returns the option count held by buyer, zero when none.
func (r *Round) AllocationOf(buyer common.Address) *uint256.Int {
	if v, ok := r.Allocations[buyer]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// RefundOf returns the refundable bid deposit of buyer, zero when none.
func (r *Round) RefundOf(buyer common.Address) *uint256.Int {
	if v, ok := r.Refunds[buyer]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}
