package event_test

import (
	"OptionVault/internal/event"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ===== Test: Event type names =====

func TestEventType_ParseRoundTrip(t *testing.T) {
	for _, typ := range event.AllTypes {
		got, err := event.ParseEventType(typ.String())
		if err != nil {
			t.Fatalf("ParseEventType(%s) failed: %v", typ, err)
		}
		if got != typ {
			t.Errorf("expected %s, got %s", typ, got)
		}
		p, err := event.NewPayload(typ)
		if err != nil {
			t.Fatalf("NewPayload(%s) failed: %v", typ, err)
		}
		if p.EventType() != typ {
			t.Errorf("payload for %s reports %s", typ, p.EventType())
		}
	}

	if _, err := event.ParseEventType("FundingSettled"); err == nil {
		t.Error("expected error for unknown type")
	}
}

// ===== Test: Envelope JSON =====

func TestEnvelope_JSONHexHashes(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "bid-1",
		EventType:      event.EventTypeBidPlaced,
		RoundID:        2,
		Caller:         common.HexToAddress("0x00000000000000000000000000000000000c0003"),
		Timestamp:      time.Date(2026, 5, 1, 3, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)),
		Payload:        []byte(`{"round_id":2,"bidder":"0x00000000000000000000000000000000000c0003","size":"300","price":"25"}`),
	}
	env.StateHash[0] = 0xab
	env.PrevHash[31] = 0x01

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"event_type":"BidPlaced"`) {
		t.Errorf("expected event type name, got %s", s)
	}
	if !strings.Contains(s, `"state_hash":"ab00`) || !strings.Contains(s, `01"`) {
		t.Errorf("expected hex hashes, got %s", s)
	}
	if !strings.Contains(s, `"timestamp":"2026-05-01T00:00:00Z"`) {
		t.Errorf("expected UTC timestamp, got %s", s)
	}

	var back event.EventEnvelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.StateHash != env.StateHash || back.PrevHash != env.PrevHash {
		t.Error("hashes did not survive the round trip")
	}
	p, err := back.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.Round() != 2 {
		t.Errorf("expected round 2, got %d", p.Round())
	}
}

func TestEnvelope_RejectsBadHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"not hex", "zz"},
		{"short", "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"sequence":1,"event_type":"RoundStarted","state_hash":"` + tt.hash + `","prev_hash":"` + strings.Repeat("00", 32) + `"}`
			var env event.EventEnvelope
			if err := json.Unmarshal([]byte(body), &env); err == nil {
				t.Error("expected error")
			}
		})
	}
}
