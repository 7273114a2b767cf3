package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"OptionVault/internal/auction"
	"OptionVault/internal/ledger"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"
	"OptionVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const SnapshotVersion = 1

// SnapshotState holds the serializable in-memory state for restore.
// Amounts are decimal wei strings.
type SnapshotState struct {
	Version int `json:"version"`

	// Last processed sequence and the chain tip after it
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`

	// Latest command time observed, rejected commands included
	Clock time.Time `json:"clock"`

	Rounds         []RoundSnapshot `json:"rounds"`
	CurrentRoundID uint64          `json:"current_round_id"`
	HasCurrent     bool            `json:"has_current"`
	NextRoundID    uint64          `json:"next_round_id"`

	Positions      []ledger.Position `json:"positions"`
	Entries        []EntrySnapshot   `json:"entries"`
	NextPositionID uint64            `json:"next_position_id"`

	MarketStats     *StatsSnapshot      `json:"market_stats,omitempty"`
	SequenceState   []PartitionSequence `json:"sequence_state"`
	IdempotencyKeys []string            `json:"idempotency_keys"`
}

type RoundSnapshot struct {
	ID               uint64           `json:"id"`
	State            state.RoundState `json:"state"`
	AuctionStartTime time.Time        `json:"auction_start_time"`
	AuctionEndTime   time.Time        `json:"auction_end_time"`
	OptionExpiryTime time.Time        `json:"option_expiry_time"`
	SettledAt        time.Time        `json:"settled_at"`

	AverageBasefee            string `json:"average_basefee"`
	StandardDeviation         string `json:"standard_deviation"`
	StrikePrice               string `json:"strike_price"`
	CapLevel                  string `json:"cap_level"`
	CollateralLevel           string `json:"collateral_level"`
	MaxPayoutPerOption        string `json:"max_payout_per_option"`
	ReservePrice              string `json:"reserve_price"`
	TotalOptionsForSale       string `json:"total_options_for_sale"`
	PriceDifferenceLimit      string `json:"price_difference_limit"`
	PriceUnit                 string `json:"price_unit"`
	MinimumBidAmount          string `json:"minimum_bid_amount"`
	MinimumCollateralRequired string `json:"minimum_collateral_required"`

	Bids          []BidSnapshot             `json:"bids"`
	Allocations   map[common.Address]string `json:"allocations"`
	Refunds       map[common.Address]string `json:"refunds"`
	ClearingPrice string                    `json:"clearing_price"`
	OptionsSold   string                    `json:"options_sold"`
	UnsoldOptions string                    `json:"unsold_options"`
	TotalPremiums string                    `json:"total_premiums"`

	SettlementPrice        string `json:"settlement_price"`
	PayoutPerOption        string `json:"payout_per_option"`
	TotalPayout            string `json:"total_payout"`
	CollateralAtInit       string `json:"collateral_at_init"`
	CollateralAtSettlement string `json:"collateral_at_settlement"`
}

type BidSnapshot struct {
	ID       uuid.UUID      `json:"id"`
	Bidder   common.Address `json:"bidder"`
	Size     string         `json:"size"`
	Price    string         `json:"price"`
	PlacedAt time.Time      `json:"placed_at"`
}

type EntrySnapshot struct {
	RoundID    uint64 `json:"round_id"`
	PositionID uint64 `json:"position_id"`
	Amount     string `json:"amount"`
}

type StatsSnapshot struct {
	PrevMonthStdDev        string `json:"prev_month_std_dev"`
	PrevMonthAvgBasefee    string `json:"prev_month_avg_basefee"`
	CurrentMonthAvgBasefee string `json:"current_month_avg_basefee"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *VaultEngine) CreateSnapshotState() *SnapshotState {
	tip := e.hasher.GetPrevHash()
	currentID, hasCurrent := e.rounds.CurrentID()
	ledgerSnap := e.ledger.Export()

	snap := &SnapshotState{
		Version:         SnapshotVersion,
		Sequence:        e.sequence - 1,
		StateHash:       hex.EncodeToString(tip[:]),
		Clock:           e.clock,
		CurrentRoundID:  currentID,
		HasCurrent:      hasCurrent,
		NextRoundID:     e.rounds.NextID(),
		Positions:       ledgerSnap.Positions,
		NextPositionID:  ledgerSnap.NextPositionID,
		SequenceState:   e.sequenceValidator.Partitions(),
		IdempotencyKeys: e.idempotency.Keys(),
	}

	for _, r := range e.rounds.All() {
		snap.Rounds = append(snap.Rounds, encodeRound(r))
	}
	for _, en := range ledgerSnap.Entries {
		snap.Entries = append(snap.Entries, EntrySnapshot{
			RoundID:    en.RoundID,
			PositionID: en.PositionID,
			Amount:     en.Amount.Dec(),
		})
	}
	if rec, ok := e.aggregator.(market.StatsRecorder); ok {
		stats := rec.Stats()
		snap.MarketStats = &StatsSnapshot{
			PrevMonthStdDev:        stats.PrevMonthStdDev.Dec(),
			PrevMonthAvgBasefee:    stats.PrevMonthAvgBasefee.Dec(),
			CurrentMonthAvgBasefee: stats.CurrentMonthAvgBasefee.Dec(),
		}
	}
	return snap
}

// RestoreFromSnapshot replaces the engine state. Nothing changes unless the
// whole snapshot decodes and passes the table and ledger checks.
func (e *VaultEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("snapshot version %d, expected %d", snap.Version, SnapshotVersion)
	}
	tipBytes, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(tipBytes) != 32 {
		return fmt.Errorf("snapshot state hash %q is not 32 hex bytes", snap.StateHash)
	}
	var tip [32]byte
	copy(tip[:], tipBytes)

	// Step 1: Rounds
	rounds := make([]*state.Round, 0, len(snap.Rounds))
	for i := range snap.Rounds {
		r, err := decodeRound(&snap.Rounds[i])
		if err != nil {
			return fmt.Errorf("snapshot round %d: %w", snap.Rounds[i].ID, err)
		}
		rounds = append(rounds, r)
	}
	table := state.NewRoundTable()
	if err := table.Restore(rounds, snap.CurrentRoundID, snap.HasCurrent, snap.NextRoundID); err != nil {
		return err
	}

	// Step 2: Ledger
	ledgerSnap := ledger.Snapshot{Positions: snap.Positions, NextPositionID: snap.NextPositionID}
	for _, en := range snap.Entries {
		amount, err := fpmath.ParseWei(en.Amount)
		if err != nil {
			return fmt.Errorf("snapshot entry (%d,%d): %w", en.RoundID, en.PositionID, err)
		}
		es := ledger.EntrySnapshot{RoundID: en.RoundID, PositionID: en.PositionID}
		es.Amount.Set(amount)
		ledgerSnap.Entries = append(ledgerSnap.Entries, es)
	}
	collateral := ledger.NewCollateralLedger(&e.lifecycle.Config().MinDepositAmount)
	if err := collateral.Restore(ledgerSnap); err != nil {
		return err
	}

	// Step 3: Market statistics
	var stats *market.Stats
	if snap.MarketStats != nil {
		var d amountDecoder
		var s market.Stats
		d.into(&s.PrevMonthStdDev, "prev_month_std_dev", snap.MarketStats.PrevMonthStdDev)
		d.into(&s.PrevMonthAvgBasefee, "prev_month_avg_basefee", snap.MarketStats.PrevMonthAvgBasefee)
		d.into(&s.CurrentMonthAvgBasefee, "current_month_avg_basefee", snap.MarketStats.CurrentMonthAvgBasefee)
		if d.err != nil {
			return fmt.Errorf("snapshot market stats: %w", d.err)
		}
		stats = &s
	}

	// Step 4: Commit
	e.sequence = snap.Sequence + 1
	e.clock = snap.Clock.UTC()
	e.hasher.SetPrevHash(tip)
	e.rounds = table
	e.ledger = collateral
	e.validator = ledger.NewInvariantValidator(collateral)
	if rec, ok := e.aggregator.(market.StatsRecorder); ok && stats != nil {
		rec.Set(*stats)
	}
	e.sequenceValidator = NewSequenceValidator()
	for _, ps := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(ps.Partition, ps.Sequence)
	}
	e.idempotency.Warm(snap.IdempotencyKeys)

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	return nil
}

// EncodeSnapshot serializes a snapshot for storage.
func EncodeSnapshot(snap *SnapshotState) ([]byte, error) {
	return json.Marshal(snap)
}

func DecodeSnapshot(data []byte) (*SnapshotState, error) {
	var snap SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func encodeRound(r *state.Round) RoundSnapshot {
	rs := RoundSnapshot{
		ID:                        r.ID,
		State:                     r.State,
		AuctionStartTime:          r.AuctionStartTime,
		AuctionEndTime:            r.AuctionEndTime,
		OptionExpiryTime:          r.OptionExpiryTime,
		SettledAt:                 r.SettledAt,
		AverageBasefee:            r.AverageBasefee.Dec(),
		StandardDeviation:         r.StandardDeviation.Dec(),
		StrikePrice:               r.StrikePrice.Dec(),
		CapLevel:                  r.CapLevel.Dec(),
		CollateralLevel:           r.CollateralLevel.Dec(),
		MaxPayoutPerOption:        r.MaxPayoutPerOption.Dec(),
		ReservePrice:              r.ReservePrice.Dec(),
		TotalOptionsForSale:       r.TotalOptionsForSale.Dec(),
		PriceDifferenceLimit:      r.PriceDifferenceLimit.Dec(),
		PriceUnit:                 r.PriceUnit.Dec(),
		MinimumBidAmount:          r.MinimumBidAmount.Dec(),
		MinimumCollateralRequired: r.MinimumCollateralRequired.Dec(),
		Allocations:               decimalMap(r.Allocations),
		Refunds:                   decimalMap(r.Refunds),
		ClearingPrice:             r.ClearingPrice.Dec(),
		OptionsSold:               r.OptionsSold.Dec(),
		UnsoldOptions:             r.UnsoldOptions.Dec(),
		TotalPremiums:             r.TotalPremiums.Dec(),
		SettlementPrice:           r.SettlementPrice.Dec(),
		PayoutPerOption:           r.PayoutPerOption.Dec(),
		TotalPayout:               r.TotalPayout.Dec(),
		CollateralAtInit:          r.CollateralAtInit.Dec(),
		CollateralAtSettlement:    r.CollateralAtSettlement.Dec(),
	}
	for i := range r.Bids {
		b := &r.Bids[i]
		rs.Bids = append(rs.Bids, BidSnapshot{
			ID:       b.ID,
			Bidder:   b.Bidder,
			Size:     b.Size.Dec(),
			Price:    b.Price.Dec(),
			PlacedAt: b.PlacedAt,
		})
	}
	return rs
}

func decodeRound(rs *RoundSnapshot) (*state.Round, error) {
	r := state.NewRound(rs.ID)
	r.State = rs.State
	r.AuctionStartTime = rs.AuctionStartTime
	r.AuctionEndTime = rs.AuctionEndTime
	r.OptionExpiryTime = rs.OptionExpiryTime
	r.SettledAt = rs.SettledAt

	var d amountDecoder
	d.into(&r.AverageBasefee, "average_basefee", rs.AverageBasefee)
	d.into(&r.StandardDeviation, "standard_deviation", rs.StandardDeviation)
	d.into(&r.StrikePrice, "strike_price", rs.StrikePrice)
	d.into(&r.CapLevel, "cap_level", rs.CapLevel)
	d.into(&r.CollateralLevel, "collateral_level", rs.CollateralLevel)
	d.into(&r.MaxPayoutPerOption, "max_payout_per_option", rs.MaxPayoutPerOption)
	d.into(&r.ReservePrice, "reserve_price", rs.ReservePrice)
	d.into(&r.TotalOptionsForSale, "total_options_for_sale", rs.TotalOptionsForSale)
	d.into(&r.PriceDifferenceLimit, "price_difference_limit", rs.PriceDifferenceLimit)
	d.into(&r.PriceUnit, "price_unit", rs.PriceUnit)
	d.into(&r.MinimumBidAmount, "minimum_bid_amount", rs.MinimumBidAmount)
	d.into(&r.MinimumCollateralRequired, "minimum_collateral_required", rs.MinimumCollateralRequired)
	d.into(&r.ClearingPrice, "clearing_price", rs.ClearingPrice)
	d.into(&r.OptionsSold, "options_sold", rs.OptionsSold)
	d.into(&r.UnsoldOptions, "unsold_options", rs.UnsoldOptions)
	d.into(&r.TotalPremiums, "total_premiums", rs.TotalPremiums)
	d.into(&r.SettlementPrice, "settlement_price", rs.SettlementPrice)
	d.into(&r.PayoutPerOption, "payout_per_option", rs.PayoutPerOption)
	d.into(&r.TotalPayout, "total_payout", rs.TotalPayout)
	d.into(&r.CollateralAtInit, "collateral_at_init", rs.CollateralAtInit)
	d.into(&r.CollateralAtSettlement, "collateral_at_settlement", rs.CollateralAtSettlement)

	for _, bs := range rs.Bids {
		b := auction.Bid{ID: bs.ID, Bidder: bs.Bidder, PlacedAt: bs.PlacedAt}
		d.into(&b.Size, "bid size", bs.Size)
		d.into(&b.Price, "bid price", bs.Price)
		r.Bids = append(r.Bids, b)
	}
	for who, v := range rs.Allocations {
		r.Allocations[who] = d.amount("allocation", v)
	}
	for who, v := range rs.Refunds {
		r.Refunds[who] = d.amount("refund", v)
	}

	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

// amountDecoder keeps the first parse failure across many fields.
type amountDecoder struct {
	err error
}

func (d *amountDecoder) into(dst *uint256.Int, field, s string) {
	if v := d.amount(field, s); v != nil {
		dst.Set(v)
	}
}

func (d *amountDecoder) amount(field, s string) *uint256.Int {
	if d.err != nil {
		return new(uint256.Int)
	}
	v, err := fpmath.ParseWei(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return new(uint256.Int)
	}
	return v
}
