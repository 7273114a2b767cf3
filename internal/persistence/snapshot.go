package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"OptionVault/internal/core"
	"OptionVault/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SnapshotManager stores engine snapshots and reads the event log back
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap unverified. A later recovery verifies it
// against the logged hash at the same sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	if snap.Sequence < 0 {
		return 0, fmt.Errorf("snapshot of an empty log")
	}
	data, err := core.EncodeSnapshot(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	stateHash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot state hash: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, uuid.New(), snap.Sequence, data, stateHash, snap.Version, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot at seq %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest snapshot whose hash agrees with the
// event logged at its sequence, or nil for a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, bool, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT s.data, s.verified
		FROM event_log.snapshots s
		JOIN event_log.events e
		  ON e.sequence = s.sequence AND e.state_hash = s.state_hash
		ORDER BY s.sequence DESC
		LIMIT 1
	`)

	var (
		data     []byte
		verified bool
	)
	if err := row.Scan(&data, &verified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := core.DecodeSnapshot(data)
	if err != nil {
		return nil, false, err
	}
	return snap, verified, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, command_type, idempotency_key, round_id, caller,
		       payload, command, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e       EventRow
			roundID int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.CommandType, &e.IdempotencyKey, &roundID, &e.Caller,
			&e.Payload, &e.Command, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.RoundID = uint64(roundID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when the
// log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Envelope rebuilds the sealed envelope stored in the row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	typ, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("seq %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("seq %d: hashes must be 32 bytes", r.Sequence)
	}
	if !common.IsHexAddress(r.Caller) {
		return nil, fmt.Errorf("seq %d: invalid caller %q", r.Sequence, r.Caller)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      typ,
		RoundID:        r.RoundID,
		Caller:         common.HexToAddress(r.Caller),
		Timestamp:      r.Timestamp.UTC(),
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}
