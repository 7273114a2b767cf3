// internal/event/auction.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type BidPlaced struct {
	RoundID  uint64         `json:"round_id"`
	BidID    uuid.UUID      `json:"bid_id"`
	Bidder   common.Address `json:"bidder"`
	Size     string         `json:"size"`
	Price    string         `json:"price"`
	PlacedAt time.Time      `json:"placed_at"`
	BidCount int            `json:"bid_count"`
}

func (e *BidPlaced) EventType() EventType { return EventTypeBidPlaced }
func (e *BidPlaced) Round() uint64        { return e.RoundID }

type AuctionSettled struct {
	RoundID       uint64                    `json:"round_id"`
	ClearingPrice string                    `json:"clearing_price"`
	OptionsSold   string                    `json:"options_sold"`
	UnsoldOptions string                    `json:"unsold_options"`
	Premiums      string                    `json:"premiums"`
	Allocations   map[common.Address]string `json:"allocations"`
	Refunds       map[common.Address]string `json:"refunds"`
}

func (e *AuctionSettled) EventType() EventType { return EventTypeAuctionSettled }
func (e *AuctionSettled) Round() uint64        { return e.RoundID }

type PayoutClaimed struct {
	RoundID uint64         `json:"round_id"`
	Buyer   common.Address `json:"buyer"`
	Options string         `json:"options"`
	Amount  string         `json:"amount"`
}

func (e *PayoutClaimed) EventType() EventType { return EventTypePayoutClaimed }
func (e *PayoutClaimed) Round() uint64        { return e.RoundID }

type BidRefunded struct {
	RoundID   uint64         `json:"round_id"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
}

func (e *BidRefunded) EventType() EventType { return EventTypeBidRefunded }
func (e *BidRefunded) Round() uint64        { return e.RoundID }
