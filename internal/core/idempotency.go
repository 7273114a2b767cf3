package core

import (
	"container/list"
	"fmt"
	"time"

	"OptionVault/internal/observability"
	"OptionVault/internal/vaulterr"
)

// DefaultIdempotencyCapacity bounds the in-memory tier.
const DefaultIdempotencyCapacity = 1_000_000

// DBIdempotencyChecker looks a command up in the persisted event log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

type dedupTier int

const (
	tierLRU dedupTier = iota
	tierPostgres
)

func (t dedupTier) String() string {
	if t == tierLRU {
		return "lru"
	}
	return "postgres"
}

// IdempotencyChecker deduplicates commands by (command type, key). Recent
// keys live in an LRU; misses fall through to the event log when a
// DBIdempotencyChecker is configured. Only the engine goroutine calls it.
type IdempotencyChecker struct {
	recent    *keyLRU
	dbChecker DBIdempotencyChecker
	stats     *IdempotencyStats
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	return &IdempotencyChecker{
		recent:    newKeyLRU(capacity),
		dbChecker: dbChecker,
		stats:     &IdempotencyStats{},
		metrics:   metrics,
	}
}

func dedupKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already applied. When the
// event log cannot be asked, the command is neither accepted nor dropped:
// the lookup fails with ErrUnavailable and the caller redelivers later.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	key := dedupKey(commandType, idempotencyKey)
	if ic.recent.touch(key) {
		ic.recordDuplicate(commandType, tierLRU)
		return true, nil
	}
	if ic.dbChecker == nil {
		return false, nil
	}

	start := time.Now()
	found, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	switch {
	case err != nil:
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false, fmt.Errorf("%w: dedup lookup %s %q: %v", vaulterr.ErrUnavailable, commandType, idempotencyKey, err)
	case found:
		ic.recordDuplicate(commandType, tierPostgres)
		ic.recent.add(key)
		return true, nil
	default:
		return false, nil
	}
}

// MarkProcessed remembers an applied command.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	evicted := ic.recent.add(dedupKey(commandType, idempotencyKey))
	if ic.metrics != nil {
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.len()))
	}
}

// Warm loads keys saved by Keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.recent.add(k)
	}
}

// Keys returns the remembered keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.recent.keys()
}

func (ic *IdempotencyChecker) Stats() *IdempotencyStats {
	return ic.stats
}

func (ic *IdempotencyChecker) recordDuplicate(commandType string, tier dedupTier) {
	ic.stats.record(commandType, tier)
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier.String()).Inc()
	}
}

// keyLRU is a bounded set of keys evicting the least recently used.
type keyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front = most recent
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{capacity: capacity, index: make(map[string]*list.Element), order: list.New()}
}

// touch reports whether key is present and marks it most recent.
func (l *keyLRU) touch(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// add inserts key as most recent and reports whether the oldest key was
// evicted to make room.
func (l *keyLRU) add(key string) bool {
	if l.touch(key) {
		return false
	}
	l.index[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.index, oldest.Value.(string))
	return true
}

func (l *keyLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (l *keyLRU) len() int {
	return l.order.Len()
}

// IdempotencyStats counts duplicates per command type and tier.
type IdempotencyStats struct {
	duplicates [2]map[string]int64
}

func (s *IdempotencyStats) record(commandType string, tier dedupTier) {
	if s.duplicates[tier] == nil {
		s.duplicates[tier] = make(map[string]int64)
	}
	s.duplicates[tier][commandType]++
}

// GetDuplicates returns the duplicates caught by each tier.
func (s *IdempotencyStats) GetDuplicates(commandType string) (lru int64, postgres int64) {
	return s.duplicates[tierLRU][commandType], s.duplicates[tierPostgres][commandType]
}
