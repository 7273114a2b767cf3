package market

import (
	"sync"

	"github.com/holiman/uint256"
)

// MarketAggregator exposes the basefee statistics that price a round.
// All values are in wei.
type MarketAggregator interface {
	PrevMonthStdDev() *uint256.Int
	PrevMonthAvgBasefee() *uint256.Int
	CurrentMonthAvgBasefee() *uint256.Int
}

// Stats is one observation of the aggregator's values.
type Stats struct {
	PrevMonthStdDev        uint256.Int
	PrevMonthAvgBasefee    uint256.Int
	CurrentMonthAvgBasefee uint256.Int
}

// NewStats builds Stats from wei values.
func NewStats(stdDev, prevAvg, currentAvg *uint256.Int) Stats {
	var s Stats
	s.PrevMonthStdDev.Set(stdDev)
	s.PrevMonthAvgBasefee.Set(prevAvg)
	s.CurrentMonthAvgBasefee.Set(currentAvg)
	return s
}

// StaticAggregator holds operator-set statistics. Safe for concurrent use so
// a feed goroutine can update it while the engine reads.
type StaticAggregator struct {
	mu    sync.RWMutex
	stats Stats
}

func NewStaticAggregator(stats Stats) *StaticAggregator {
	return &StaticAggregator{stats: stats}
}

// Set replaces all statistics at once.
func (a *StaticAggregator) Set(stats Stats) {
	a.mu.Lock()
	a.stats = stats
	a.mu.Unlock()
}

// SetCurrentMonthAvgBasefee updates only the settlement input.
func (a *StaticAggregator) SetCurrentMonthAvgBasefee(v *uint256.Int) {
	a.mu.Lock()
	a.stats.CurrentMonthAvgBasefee.Set(v)
	a.mu.Unlock()
}

// Stats returns a copy of the current statistics.
func (a *StaticAggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

func (a *StaticAggregator) PrevMonthStdDev() *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.PrevMonthStdDev.Clone()
}

func (a *StaticAggregator) PrevMonthAvgBasefee() *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.PrevMonthAvgBasefee.Clone()
}

func (a *StaticAggregator) CurrentMonthAvgBasefee() *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.CurrentMonthAvgBasefee.Clone()
}

// StatsRecorder is an aggregator whose statistics are replaced wholesale by
// recorded observations. StaticAggregator implements it.
type StatsRecorder interface {
	MarketAggregator
	Set(stats Stats)
	Stats() Stats
}
