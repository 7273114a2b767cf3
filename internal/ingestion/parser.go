package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OptionVault/internal/command"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"

	"github.com/ethereum/go-ethereum/common"
)

// CommandSubjectPrefix is followed by the command type, for example
// vault.commands.place_bid.
const CommandSubjectPrefix = "vault.commands."

// RawMessage is a message received from NATS, not yet parsed.
type RawMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
}

// CommandSubject returns the subject commands of typ are published on.
func CommandSubject(typ command.Type) string {
	return CommandSubjectPrefix + typ.String()
}

// ParseCommand decodes a command message. The subject names the type; a
// "type" field in the body, when present, must agree with it.
func ParseCommand(raw RawMessage) (command.Command, error) {
	name := strings.TrimPrefix(raw.Subject, CommandSubjectPrefix)
	if name == raw.Subject {
		return nil, fmt.Errorf("subject %q is not a command subject", raw.Subject)
	}
	typ, err := command.ParseType(name)
	if err != nil {
		return nil, err
	}

	var w command.Wire
	if err := json.Unmarshal(raw.Data, &w); err != nil {
		return nil, fmt.Errorf("parse %s: %w", typ, err)
	}
	if w.Type == "" {
		w.Type = typ.String()
	} else if w.Type != typ.String() {
		return nil, fmt.Errorf("body type %q does not match subject %q", w.Type, raw.Subject)
	}
	return command.FromWire(&w)
}

// --- Market statistics feed ---

// marketStatsJSON is published by the basefee oracle. Figures are decimal
// gwei strings.
type marketStatsJSON struct {
	Sequence               *uint64   `json:"sequence"`
	PrevMonthStdDev        string    `json:"prev_month_std_dev_gwei"`
	PrevMonthAvgBasefee    string    `json:"prev_month_avg_basefee_gwei"`
	CurrentMonthAvgBasefee string    `json:"current_month_avg_basefee_gwei"`
	ObservedAt             time.Time `json:"observed_at"`
}

// ParseMarketStats turns one oracle update into the command that records
// it. The oracle sequence doubles as the idempotency key.
func ParseMarketStats(raw RawMessage, feeder common.Address) (*command.RecordMarketStats, error) {
	var j marketStatsJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse market stats: %w", err)
	}
	if j.Sequence == nil {
		return nil, fmt.Errorf("parse market stats: missing sequence")
	}
	if j.ObservedAt.IsZero() {
		return nil, fmt.Errorf("parse market stats: missing observed_at")
	}

	std, err := fpmath.ParseGwei(j.PrevMonthStdDev)
	if err != nil {
		return nil, fmt.Errorf("prev_month_std_dev_gwei: %w", err)
	}
	prev, err := fpmath.ParseGwei(j.PrevMonthAvgBasefee)
	if err != nil {
		return nil, fmt.Errorf("prev_month_avg_basefee_gwei: %w", err)
	}
	current, err := fpmath.ParseGwei(j.CurrentMonthAvgBasefee)
	if err != nil {
		return nil, fmt.Errorf("current_month_avg_basefee_gwei: %w", err)
	}

	cmd := command.NewRecordMarketStats(
		market.NewTx(feeder, j.ObservedAt),
		*j.Sequence,
		market.NewStats(std, prev, current),
	)
	cmd.Meta = cmd.Meta.WithKey(fmt.Sprintf("stats:%d", *j.Sequence))
	return cmd, nil
}
