package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypeLiquidityDeposited
	EventTypeLiquidityWithdrawn
	EventTypeRoundStarted
	EventTypeBidPlaced
	EventTypeAuctionSettled
	EventTypeRoundSettled
	EventTypePayoutClaimed
	EventTypeBidRefunded
	EventTypeMarketStatsRecorded
)

// AllTypes lists every concrete event type.
var AllTypes = []EventType{
	EventTypePositionOpened,
	EventTypeLiquidityDeposited,
	EventTypeLiquidityWithdrawn,
	EventTypeRoundStarted,
	EventTypeBidPlaced,
	EventTypeAuctionSettled,
	EventTypeRoundSettled,
	EventTypePayoutClaimed,
	EventTypeBidRefunded,
	EventTypeMarketStatsRecorded,
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Idempotency key of the command that produced this event
	IdempotencyKey string

	EventType EventType

	// Round the event concerns
	RoundID uint64

	// Caller and versioned input timestamp (NOT wall-clock)
	Caller    common.Address
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 chain hash AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Payload is implemented by every event body
type Payload interface {
	EventType() EventType

	// Round returns the round the event concerns
	Round() uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypeLiquidityDeposited:
		return "LiquidityDeposited"
	case EventTypeLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case EventTypeRoundStarted:
		return "RoundStarted"
	case EventTypeBidPlaced:
		return "BidPlaced"
	case EventTypeAuctionSettled:
		return "AuctionSettled"
	case EventTypeRoundSettled:
		return "RoundSettled"
	case EventTypePayoutClaimed:
		return "PayoutClaimed"
	case EventTypeBidRefunded:
		return "BidRefunded"
	case EventTypeMarketStatsRecorded:
		return "MarketStatsRecorded"
	default:
		return "Unknown"
	}
}

func ParseEventType(s string) (EventType, error) {
	for _, t := range AllTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %q", s)
}

// envelopeJSON is the bus representation; hashes travel as hex.
type envelopeJSON struct {
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	RoundID        uint64          `json:"round_id"`
	Caller         common.Address  `json:"caller"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func (e *EventEnvelope) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(envelopeJSON{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      e.EventType.String(),
		RoundID:        e.RoundID,
		Caller:         e.Caller,
		Timestamp:      e.Timestamp.UTC(),
		Payload:        payload,
		StateHash:      hex.EncodeToString(e.StateHash[:]),
		PrevHash:       hex.EncodeToString(e.PrevHash[:]),
	})
}

func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var j envelopeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	typ, err := ParseEventType(j.EventType)
	if err != nil {
		return err
	}
	stateHash, err := decodeHash(j.StateHash)
	if err != nil {
		return fmt.Errorf("state_hash: %w", err)
	}
	prevHash, err := decodeHash(j.PrevHash)
	if err != nil {
		return fmt.Errorf("prev_hash: %w", err)
	}

	*e = EventEnvelope{
		Sequence:       j.Sequence,
		IdempotencyKey: j.IdempotencyKey,
		EventType:      typ,
		RoundID:        j.RoundID,
		Caller:         j.Caller,
		Timestamp:      j.Timestamp,
		Payload:        []byte(j.Payload),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	return nil
}

func decodeHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NewPayload returns an empty body for typ, ready to unmarshal into.
func NewPayload(typ EventType) (Payload, error) {
	switch typ {
	case EventTypePositionOpened:
		return &PositionOpened{}, nil
	case EventTypeLiquidityDeposited:
		return &LiquidityDeposited{}, nil
	case EventTypeLiquidityWithdrawn:
		return &LiquidityWithdrawn{}, nil
	case EventTypeRoundStarted:
		return &RoundStarted{}, nil
	case EventTypeBidPlaced:
		return &BidPlaced{}, nil
	case EventTypeAuctionSettled:
		return &AuctionSettled{}, nil
	case EventTypeRoundSettled:
		return &RoundSettled{}, nil
	case EventTypePayoutClaimed:
		return &PayoutClaimed{}, nil
	case EventTypeBidRefunded:
		return &BidRefunded{}, nil
	case EventTypeMarketStatsRecorded:
		return &MarketStatsRecorded{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", typ)
	}
}

// DecodePayload parses the body of an envelope.
func (e *EventEnvelope) DecodePayload() (Payload, error) {
	p, err := NewPayload(e.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload seq %d: %w", e.EventType, e.Sequence, err)
	}
	return p, nil
}
