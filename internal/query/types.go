package query

import (
	"encoding/json"
	"time"
)

// RoundSummary is a round as seen by the projection tables. Amounts are
// decimal wei strings; fields of later phases are empty until the phase
// settles.
type RoundSummary struct {
	RoundID          uint64    `json:"round_id"`
	State            string    `json:"state"`
	StrikePrice      string    `json:"strike_price"`
	CapLevel         string    `json:"cap_level"`
	ReservePrice     string    `json:"reserve_price"`
	TotalOptions     string    `json:"total_options"`
	TotalCollateral  string    `json:"total_collateral"`
	AuctionEndTime   time.Time `json:"auction_end_time"`
	OptionExpiryTime time.Time `json:"option_expiry_time"`
	ClearingPrice    string    `json:"clearing_price,omitempty"`
	OptionsSold      string    `json:"options_sold,omitempty"`
	Premiums         string    `json:"premiums,omitempty"`
	SettlementPrice  string    `json:"settlement_price,omitempty"`
	PayoutPerOption  string    `json:"payout_per_option,omitempty"`
	TotalPayout      string    `json:"total_payout,omitempty"`
	Rollover         string    `json:"rollover,omitempty"`
	BidCount         int       `json:"bid_count"`
	LastSequence     int64     `json:"last_sequence"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// ClaimRecord is one payout claim or bid refund.
type ClaimRecord struct {
	Sequence     int64     `json:"sequence"`
	RoundID      uint64    `json:"round_id"`
	Account      string    `json:"account"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	AmountEther  string    `json:"amount_ether"`
	ClaimedAt    time.Time `json:"claimed_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// EventRecord is an event log row without the replay command.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	RoundID        uint64          `json:"round_id"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Page is a cursor page. NextCursor is the sequence to pass as the next
// cursor, or -1 when the page is the last one.
type Page[T any] struct {
	Items      []T   `json:"items"`
	NextCursor int64 `json:"next_cursor"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	LatestSequence  int64   `json:"latest_sequence"`
	Watermark       int64   `json:"watermark"`
	ProjectionLag   int64   `json:"projection_lag"`
}
