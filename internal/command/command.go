// Package command defines the typed inbound operations the vault engine
// applies. Every command carries its own call context.
package command

import (
	"fmt"
	"strings"
	"time"

	"OptionVault/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Type discriminates command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeOpenPosition
	TypeDeposit
	TypeWithdraw
	TypeStartRound
	TypePlaceBid
	TypeSettleAuction
	TypeSettleRound
	TypeClaimPayout
	TypeRefundBid
	TypeRecordMarketStats
)

// AllTypes lists every concrete command type in wire order.
var AllTypes = []Type{
	TypeOpenPosition,
	TypeDeposit,
	TypeWithdraw,
	TypeStartRound,
	TypePlaceBid,
	TypeSettleAuction,
	TypeSettleRound,
	TypeClaimPayout,
	TypeRefundBid,
	TypeRecordMarketStats,
}

func (t Type) String() string {
	switch t {
	case TypeOpenPosition:
		return "open_position"
	case TypeDeposit:
		return "deposit"
	case TypeWithdraw:
		return "withdraw"
	case TypeStartRound:
		return "start_round"
	case TypePlaceBid:
		return "place_bid"
	case TypeSettleAuction:
		return "settle_auction"
	case TypeSettleRound:
		return "settle_round"
	case TypeClaimPayout:
		return "claim_payout"
	case TypeRefundBid:
		return "refund_bid"
	case TypeRecordMarketStats:
		return "record_market_stats"
	default:
		return "unknown"
	}
}

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown command type: %q", s)
}

// Command is the interface every inbound operation implements
type Command interface {
	// IdempotencyKey returns the upstream dedup key; empty for local calls
	IdempotencyKey() string

	CommandType() Type

	// Tx is the caller and time the command executes under
	Tx() market.Tx

	// Restamp moves the execution time. The engine uses it to keep
	// backdated commands from running before time it has already observed.
	Restamp(at time.Time)
}

// Meta is embedded in every command.
type Meta struct {
	Key     string
	Context market.Tx
}

func (m Meta) IdempotencyKey() string { return m.Key }
func (m Meta) Tx() market.Tx          { return m.Context }

func newMeta(ctx market.CallContext) Meta {
	return Meta{Context: market.NewTx(ctx.CurrentCaller(), ctx.Now().UTC())}
}

func (m *Meta) Restamp(at time.Time) {
	m.Context.Timestamp = at.UTC()
}

// WithKey returns a copy of the meta carrying an idempotency key.
func (m Meta) WithKey(key string) Meta {
	m.Key = key
	return m
}

type OpenPosition struct {
	Meta
	Amount uint256.Int
}

func (*OpenPosition) CommandType() Type { return TypeOpenPosition }

func NewOpenPosition(ctx market.CallContext, amount *uint256.Int) *OpenPosition {
	c := &OpenPosition{Meta: newMeta(ctx)}
	c.Amount.Set(amount)
	return c
}

type Deposit struct {
	Meta
	PositionID uint64
	Amount     uint256.Int
}

func (*Deposit) CommandType() Type { return TypeDeposit }

func NewDeposit(ctx market.CallContext, positionID uint64, amount *uint256.Int) *Deposit {
	c := &Deposit{Meta: newMeta(ctx), PositionID: positionID}
	c.Amount.Set(amount)
	return c
}

type Withdraw struct {
	Meta
	PositionID uint64
	Amount     uint256.Int
}

func (*Withdraw) CommandType() Type { return TypeWithdraw }

func NewWithdraw(ctx market.CallContext, positionID uint64, amount *uint256.Int) *Withdraw {
	c := &Withdraw{Meta: newMeta(ctx), PositionID: positionID}
	c.Amount.Set(amount)
	return c
}

type StartRound struct {
	Meta
}

func (*StartRound) CommandType() Type { return TypeStartRound }

func NewStartRound(ctx market.CallContext) *StartRound {
	return &StartRound{Meta: newMeta(ctx)}
}

// PlaceBid bids on the current round. The bidder is the caller.
type PlaceBid struct {
	Meta
	Size  uint256.Int
	Price uint256.Int
}

func (*PlaceBid) CommandType() Type { return TypePlaceBid }

func NewPlaceBid(ctx market.CallContext, size, price *uint256.Int) *PlaceBid {
	c := &PlaceBid{Meta: newMeta(ctx)}
	c.Size.Set(size)
	c.Price.Set(price)
	return c
}

type SettleAuction struct {
	Meta
}

func (*SettleAuction) CommandType() Type { return TypeSettleAuction }

func NewSettleAuction(ctx market.CallContext) *SettleAuction {
	return &SettleAuction{Meta: newMeta(ctx)}
}

type SettleRound struct {
	Meta
}

func (*SettleRound) CommandType() Type { return TypeSettleRound }

func NewSettleRound(ctx market.CallContext) *SettleRound {
	return &SettleRound{Meta: newMeta(ctx)}
}

type ClaimPayout struct {
	Meta
	RoundID uint64
	Buyer   common.Address
}

func (*ClaimPayout) CommandType() Type { return TypeClaimPayout }

func NewClaimPayout(ctx market.CallContext, roundID uint64, buyer common.Address) *ClaimPayout {
	return &ClaimPayout{Meta: newMeta(ctx), RoundID: roundID, Buyer: buyer}
}

type RefundBid struct {
	Meta
	RoundID   uint64
	Recipient common.Address
}

func (*RefundBid) CommandType() Type { return TypeRefundBid }

func NewRefundBid(ctx market.CallContext, roundID uint64, recipient common.Address) *RefundBid {
	return &RefundBid{Meta: newMeta(ctx), RoundID: roundID, Recipient: recipient}
}

// RecordMarketStats replaces the aggregator's statistics. Sequence orders
// observations from the feed; stale ones are rejected.
type RecordMarketStats struct {
	Meta
	Sequence uint64
	Stats    market.Stats
}

func (*RecordMarketStats) CommandType() Type { return TypeRecordMarketStats }

func NewRecordMarketStats(ctx market.CallContext, sequence uint64, stats market.Stats) *RecordMarketStats {
	return &RecordMarketStats{Meta: newMeta(ctx), Sequence: sequence, Stats: stats}
}
