package event

// MarketStatsRecorded captures the statistics the next auction start and
// settlement will read. Gap is set when the feed skipped sequences.
type MarketStatsRecorded struct {
	RoundID                uint64 `json:"round_id"`
	Sequence               uint64 `json:"sequence"`
	PrevMonthStdDev        string `json:"prev_month_std_dev"`
	PrevMonthAvgBasefee    string `json:"prev_month_avg_basefee"`
	CurrentMonthAvgBasefee string `json:"current_month_avg_basefee"`
	Gap                    bool   `json:"gap"`
}

func (e *MarketStatsRecorded) EventType() EventType { return EventTypeMarketStatsRecorded }
func (e *MarketStatsRecorded) Round() uint64        { return e.RoundID }
