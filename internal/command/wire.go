package command

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Wire is the JSON form of a command. Amounts are decimal wei strings.
type Wire struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	From           common.Address  `json:"from"`
	Timestamp      time.Time       `json:"timestamp"`
	PositionID     *uint64         `json:"position_id,omitempty"`
	RoundID        *uint64         `json:"round_id,omitempty"`
	Account        *common.Address `json:"account,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	Size           string          `json:"size,omitempty"`
	Price          string          `json:"price,omitempty"`

	// Market statistics, record_market_stats only
	StatsSequence          *uint64 `json:"stats_sequence,omitempty"`
	PrevMonthStdDev        string  `json:"prev_month_std_dev,omitempty"`
	PrevMonthAvgBasefee    string  `json:"prev_month_avg_basefee,omitempty"`
	CurrentMonthAvgBasefee string  `json:"current_month_avg_basefee,omitempty"`
}

// ToWire converts a command to its wire form.
func ToWire(cmd Command) (*Wire, error) {
	tx := cmd.Tx()
	w := &Wire{
		Type:           cmd.CommandType().String(),
		IdempotencyKey: cmd.IdempotencyKey(),
		From:           tx.From,
		Timestamp:      tx.Timestamp.UTC(),
	}

	switch c := cmd.(type) {
	case *OpenPosition:
		w.Amount = c.Amount.Dec()
	case *Deposit:
		w.PositionID = &c.PositionID
		w.Amount = c.Amount.Dec()
	case *Withdraw:
		w.PositionID = &c.PositionID
		w.Amount = c.Amount.Dec()
	case *StartRound, *SettleAuction, *SettleRound:
	case *PlaceBid:
		w.Size = c.Size.Dec()
		w.Price = c.Price.Dec()
	case *ClaimPayout:
		w.RoundID = &c.RoundID
		w.Account = &c.Buyer
	case *RefundBid:
		w.RoundID = &c.RoundID
		w.Account = &c.Recipient
	case *RecordMarketStats:
		w.StatsSequence = &c.Sequence
		w.PrevMonthStdDev = c.Stats.PrevMonthStdDev.Dec()
		w.PrevMonthAvgBasefee = c.Stats.PrevMonthAvgBasefee.Dec()
		w.CurrentMonthAvgBasefee = c.Stats.CurrentMonthAvgBasefee.Dec()
	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
	return w, nil
}

// FromWire validates a wire command and builds the typed command.
func FromWire(w *Wire) (Command, error) {
	typ, err := ParseType(w.Type)
	if err != nil {
		return nil, err
	}
	if w.Timestamp.IsZero() {
		return nil, fmt.Errorf("%s: missing timestamp", typ)
	}
	meta := Meta{Key: w.IdempotencyKey, Context: market.NewTx(w.From, w.Timestamp.UTC())}

	switch typ {
	case TypeOpenPosition:
		amount, err := requireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		c := &OpenPosition{Meta: meta}
		c.Amount.Set(amount)
		return c, nil

	case TypeDeposit, TypeWithdraw:
		if w.PositionID == nil {
			return nil, fmt.Errorf("%s: missing position_id", typ)
		}
		amount, err := requireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		if typ == TypeDeposit {
			c := &Deposit{Meta: meta, PositionID: *w.PositionID}
			c.Amount.Set(amount)
			return c, nil
		}
		c := &Withdraw{Meta: meta, PositionID: *w.PositionID}
		c.Amount.Set(amount)
		return c, nil

	case TypeStartRound:
		return &StartRound{Meta: meta}, nil
	case TypeSettleAuction:
		return &SettleAuction{Meta: meta}, nil
	case TypeSettleRound:
		return &SettleRound{Meta: meta}, nil

	case TypePlaceBid:
		size, err := requireAmount("size", w.Size)
		if err != nil {
			return nil, err
		}
		price, err := requireAmount("price", w.Price)
		if err != nil {
			return nil, err
		}
		c := &PlaceBid{Meta: meta}
		c.Size.Set(size)
		c.Price.Set(price)
		return c, nil

	case TypeClaimPayout, TypeRefundBid:
		if w.RoundID == nil {
			return nil, fmt.Errorf("%s: missing round_id", typ)
		}
		if w.Account == nil {
			return nil, fmt.Errorf("%s: missing account", typ)
		}
		if typ == TypeClaimPayout {
			return &ClaimPayout{Meta: meta, RoundID: *w.RoundID, Buyer: *w.Account}, nil
		}
		return &RefundBid{Meta: meta, RoundID: *w.RoundID, Recipient: *w.Account}, nil

	case TypeRecordMarketStats:
		if w.StatsSequence == nil {
			return nil, fmt.Errorf("%s: missing stats_sequence", typ)
		}
		std, err := requireAmount("prev_month_std_dev", w.PrevMonthStdDev)
		if err != nil {
			return nil, err
		}
		prevAvg, err := requireAmount("prev_month_avg_basefee", w.PrevMonthAvgBasefee)
		if err != nil {
			return nil, err
		}
		currentAvg, err := requireAmount("current_month_avg_basefee", w.CurrentMonthAvgBasefee)
		if err != nil {
			return nil, err
		}
		return &RecordMarketStats{
			Meta:     meta,
			Sequence: *w.StatsSequence,
			Stats:    market.NewStats(std, prevAvg, currentAvg),
		}, nil
	}

	return nil, fmt.Errorf("unhandled command type %s", typ)
}

// Encode serializes a command for the event log and the bus.
func Encode(cmd Command) ([]byte, error) {
	w, err := ToWire(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode parses a serialized command.
func Decode(data []byte) (Command, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return FromWire(&w)
}

func requireAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, err := fpmath.ParseWei(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}
