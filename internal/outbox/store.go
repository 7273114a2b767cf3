package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"OptionVault/internal/core"
	"OptionVault/internal/event"

	"github.com/cockroachdb/pebble"
)

// State of an outbox record.
type State uint8

const (
	StatePending State = iota
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	keyPrefix = []byte("event/")
	keyUpper  = []byte("event/~")
)

// headerLen is [state:1][retries:4][lastAttempt:8].
const headerLen = 1 + 4 + 8

// Record is one envelope waiting to be published.
type Record struct {
	Sequence    int64
	State       State
	Retries     uint32
	LastAttempt int64
	EventType   string
	Envelope    []byte // JSON bus form of the envelope
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen, headerLen+len(r.Envelope))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	return append(buf, r.Envelope...)
}

func decodeRecord(seq int64, b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.New("invalid outbox record length")
	}
	r := Record{
		Sequence:    seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Envelope:    append([]byte(nil), b[headerLen:]...),
	}
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(r.Envelope, &head); err != nil {
		return Record{}, fmt.Errorf("outbox seq %d: %w", seq, err)
	}
	r.EventType = head.EventType
	return r, nil
}

// Store is a durable publish queue on pebble, keyed by event sequence so
// iteration order is log order.
type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append enqueues committed outputs. A sequence already queued keeps its
// existing record.
func (s *Store) Append(_ context.Context, outputs []core.CoreOutput) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, out := range outputs {
		key := keyFor(out.Envelope.Sequence)
		exists, err := s.has(key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		data, err := out.Envelope.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode envelope seq %d: %w", out.Envelope.Sequence, err)
		}
		rec := Record{State: StatePending, Envelope: data}
		if err := batch.Set(key, encodeRecord(rec), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// MarkFailed records a failed publish attempt.
func (s *Store) MarkFailed(rec Record) error {
	rec.State = StateFailed
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	return s.db.Set(keyFor(rec.Sequence), encodeRecord(rec), pebble.Sync)
}

// Delete removes a published record.
func (s *Store) Delete(seq int64) error {
	return s.db.Delete(keyFor(seq), pebble.Sync)
}

// Get returns the queued record for seq.
func (s *Store) Get(seq int64) (Record, error) {
	val, closer, err := s.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// Scan visits queued records in sequence order until fn returns false or
// an error, or limit records were visited. limit <= 0 means no limit.
func (s *Store) Scan(limit int, fn func(rec Record) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: keyUpper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		n++
		if !more || (limit > 0 && n >= limit) {
			break
		}
	}
	return iter.Error()
}

// Len counts queued records.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.Scan(0, func(Record) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func (s *Store) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Decode parses the queued envelope.
func (r Record) Decode() (*event.EventEnvelope, error) {
	var env event.EventEnvelope
	if err := env.UnmarshalJSON(r.Envelope); err != nil {
		return nil, err
	}
	return &env, nil
}

func keyFor(seq int64) []byte {
	return []byte(fmt.Sprintf("event/%020d", seq))
}

func parseKey(b []byte) (int64, error) {
	return strconv.ParseInt(string(bytes.TrimPrefix(b, keyPrefix)), 10, 64)
}
