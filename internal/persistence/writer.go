package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"OptionVault/internal/core"
)

// eventColumns is the insert column list for event_log.events.
const eventColumns = 11

// EventLogWriter writes sealed envelopes to event_log.events using
// multi-row INSERT inside a caller-owned transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	CommandType    string
	IdempotencyKey string
	RoundID        uint64
	Caller         string
	Payload        []byte // JSON event payload
	Command        []byte // wire-encoded command, replayed on recovery
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromOutput flattens one engine output into its table row.
func RowFromOutput(out core.CoreOutput) EventRow {
	env := out.Envelope
	stateHash := env.StateHash
	prevHash := env.PrevHash
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		CommandType:    out.CommandType,
		IdempotencyKey: env.IdempotencyKey,
		RoundID:        env.RoundID,
		Caller:         env.Caller.Hex(),
		Payload:        env.Payload,
		Command:        out.Command,
		StateHash:      stateHash[:],
		PrevHash:       prevHash[:],
		Timestamp:      env.Timestamp.UTC(),
	}
}

// WriteEventBatch inserts events within tx. Rows already present are
// skipped so a retried batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query, args := buildEventInsert(events)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events from seq %d: %w", len(events), events[0].Sequence, err)
	}
	return nil
}

func buildEventInsert(events []EventRow) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.events
		(sequence, event_type, command_type, idempotency_key, round_id, caller,
		 payload, command, state_hash, prev_hash, timestamp)
		VALUES `)

	args := make([]interface{}, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 1; c <= eventColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*eventColumns+c)
		}
		b.WriteString(")")

		args = append(args,
			e.Sequence, e.EventType, e.CommandType, e.IdempotencyKey, int64(e.RoundID), e.Caller,
			e.Payload, e.Command, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	b.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	return b.String(), args
}
