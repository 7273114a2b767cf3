package core

import (
	"fmt"
	"sort"

	"OptionVault/internal/vaulterr"
)

// MarketStatsPartition is the feed partition market statistics are ordered in.
const MarketStatsPartition = "market:stats"

// SequenceValidator orders feed observations per partition. Gaps are
// tolerated since every observation replaces the previous one wholesale.
// Not thread-safe, only accessed from the engine goroutine.
type SequenceValidator struct {
	lastSeq map[string]uint64 // partition -> last accepted sequence
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]uint64),
		metrics: NewSequenceMetrics(),
	}
}

// Check validates seq without accepting it. A stale or repeated sequence
// fails with ErrDuplicate. gap reports skipped sequences.
func (sv *SequenceValidator) Check(partition string, seq uint64) (gap bool, err error) {
	last, seen := sv.lastSeq[partition]
	if !seen {
		return false, nil
	}
	if seq <= last {
		sv.metrics.RecordStale(partition)
		return false, fmt.Errorf("%w: stale sequence partition=%s, last=%d, got=%d",
			vaulterr.ErrDuplicate, partition, last, seq)
	}
	return seq > last+1, nil
}

// Accept records seq as the latest for partition.
func (sv *SequenceValidator) Accept(partition string, seq uint64, gap bool) {
	if gap {
		sv.metrics.RecordGap(partition)
	}
	sv.lastSeq[partition] = seq
}

// LastSequence returns the last accepted sequence for a partition.
func (sv *SequenceValidator) LastSequence(partition string) (uint64, bool) {
	seq, ok := sv.lastSeq[partition]
	return seq, ok
}

// Partitions returns partition -> last sequence in sorted partition order.
func (sv *SequenceValidator) Partitions() []PartitionSequence {
	out := make([]PartitionSequence, 0, len(sv.lastSeq))
	for p, s := range sv.lastSeq {
		out = append(out, PartitionSequence{Partition: p, Sequence: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// RestorePartition sets the last accepted sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq uint64) {
	sv.lastSeq[partition] = seq
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

type PartitionSequence struct {
	Partition string `json:"partition"`
	Sequence  uint64 `json:"sequence"`
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
type SequenceMetrics struct {
	gaps  map[string]int64
	stale map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordStale(partition string) {
	m.stale[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetStale(partition string) int64 {
	return m.stale[partition]
}
