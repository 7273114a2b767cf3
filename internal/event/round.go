// internal/event/round.go
package event

import "time"

type RoundStarted struct {
	RoundID                   uint64    `json:"round_id"`
	NextRoundID               uint64    `json:"next_round_id"`
	AuctionStartTime          time.Time `json:"auction_start_time"`
	AuctionEndTime            time.Time `json:"auction_end_time"`
	OptionExpiryTime          time.Time `json:"option_expiry_time"`
	CurrentAverageBasefee     string    `json:"current_average_basefee"`
	StandardDeviation         string    `json:"standard_deviation"`
	StrikePrice               string    `json:"strike_price"`
	CapLevel                  string    `json:"cap_level"`
	CollateralLevel           string    `json:"collateral_level"`
	PriceDifferenceLimit      string    `json:"price_difference_limit"`
	MaxPayoutPerOption        string    `json:"max_payout_per_option"`
	ReservePrice              string    `json:"reserve_price"`
	TotalOptionsForSale       string    `json:"total_options_for_sale"`
	MinimumBidAmount          string    `json:"minimum_bid_amount"`
	MinimumCollateralRequired string    `json:"minimum_collateral_required"`
	TotalCollateral           string    `json:"total_collateral"`
}

func (e *RoundStarted) EventType() EventType { return EventTypeRoundStarted }
func (e *RoundStarted) Round() uint64        { return e.RoundID }

// RoundSettled records the option settlement and the rollover credited to
// NextRoundID.
type RoundSettled struct {
	RoundID                uint64    `json:"round_id"`
	SettledAt              time.Time `json:"settled_at"`
	SettlementPrice        string    `json:"settlement_price"`
	PayoutPerOption        string    `json:"payout_per_option"`
	OptionsSettled         string    `json:"options_settled"`
	TotalPayout            string    `json:"total_payout"`
	CollateralAtSettlement string    `json:"collateral_at_settlement"`
	PremiumsCollected      string    `json:"premiums_collected"`
	Rollover               string    `json:"rollover"`
	NextRoundID            uint64    `json:"next_round_id"`
	NextRoundCollateral    string    `json:"next_round_collateral"`
}

func (e *RoundSettled) EventType() EventType { return EventTypeRoundSettled }
func (e *RoundSettled) Round() uint64        { return e.RoundID }
