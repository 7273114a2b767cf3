package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/projection"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService provides read-only access to the projection tables and the
// event log. Responses carry as_of_sequence, the projection watermark at
// read time.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const roundColumns = `
	round_id, state, strike_price, cap_level, reserve_price, total_options,
	total_collateral, auction_end_time, option_expiry_time, clearing_price,
	options_sold, premiums, settlement_price, payout_per_option, total_payout,
	rollover, bid_count, last_sequence`

// GetRound returns one projected round.
func (qs *QueryService) GetRound(ctx context.Context, roundID uint64) (*RoundSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM projections.rounds WHERE round_id = $1`, int64(roundID))
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidRoundID, roundID)
	}
	if err != nil {
		return nil, err
	}
	r.AsOfSequence = asOfSeq
	return r, nil
}

// ListRounds returns rounds newest first. A cursor of -1 starts from the
// latest round; otherwise only rounds with an id below cursor are listed.
func (qs *QueryService) ListRounds(ctx context.Context, cursor int64, limit int) (*Page[RoundSummary], error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT `+roundColumns+`
		FROM projections.rounds
		WHERE $1 < 0 OR round_id < $1
		ORDER BY round_id DESC
		LIMIT $2
	`, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []RoundSummary
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		rounds = append(rounds, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[RoundSummary]{Items: rounds, NextCursor: -1}
	if len(rounds) > limit {
		page.Items = rounds[:limit]
		page.NextCursor = int64(page.Items[limit-1].RoundID)
	}
	return page, nil
}

// GetBuyerClaims returns the payouts and refunds credited to account,
// newest first. A cursor of -1 starts from the latest claim.
func (qs *QueryService) GetBuyerClaims(
	ctx context.Context,
	account common.Address,
	cursor int64,
	limit int,
) (*Page[ClaimRecord], error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, round_id, account, kind, amount, claimed_at
		FROM projections.buyer_claims
		WHERE account = $1 AND ($2 < 0 OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3
	`, account.Hex(), cursor, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimRecord
	for rows.Next() {
		var (
			c       ClaimRecord
			roundID int64
		)
		if err := rows.Scan(&c.Sequence, &roundID, &c.Account, &c.Kind, &c.Amount, &c.ClaimedAt); err != nil {
			return nil, err
		}
		c.RoundID = uint64(roundID)
		c.AmountEther = etherString(c.Amount)
		c.ClaimedAt = c.ClaimedAt.UTC()
		c.AsOfSequence = asOfSeq
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[ClaimRecord]{Items: claims, NextCursor: -1}
	if len(claims) > limit {
		page.Items = claims[:limit]
		page.NextCursor = page.Items[limit-1].Sequence
	}
	return page, nil
}

// GetEventHistory returns the events of one round in sequence order,
// starting after cursor. A cursor of -1 starts from the first event.
func (qs *QueryService) GetEventHistory(
	ctx context.Context,
	roundID uint64,
	cursor int64,
	limit int,
) (*Page[EventRecord], error) {
	limit = clampLimit(limit)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, command_type, idempotency_key, round_id,
		       caller, payload, state_hash, timestamp
		FROM event_log.events
		WHERE round_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, int64(roundID), cursor, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			e         EventRecord
			rid       int64
			stateHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.CommandType, &e.IdempotencyKey, &rid,
			&e.Caller, &e.Payload, &stateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.RoundID = uint64(rid)
		e.StateHash = hex.EncodeToString(stateHash)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[EventRecord]{Items: events, NextCursor: -1}
	if len(events) > limit {
		page.Items = events[:limit]
		page.NextCursor = page.Items[limit-1].Sequence
	}
	return page, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain linkage and sequence continuity of the
// event log, and reports how far the projections trail it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LatestSequence: -1}

	// Step 1: every prev_hash must equal the state_hash one sequence below
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks, err = scanSequences(rows)
	if err != nil {
		return nil, err
	}

	// Step 2: a row whose predecessor is missing marks a gap
	rows, err = qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.SequenceGaps, err = scanSequences(rows)
	if err != nil {
		return nil, err
	}

	// Step 3: projection lag
	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM event_log.events`,
	).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}
	report.Watermark, err = qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.ProjectionLag = report.LatestSequence - report.Watermark

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.LoadWatermark(ctx, qs.db)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRound(row rowScanner) (*RoundSummary, error) {
	var (
		r                                               RoundSummary
		roundID                                         int64
		strike, capLevel, reserve, options, collateral  sql.NullString
		clearing, sold, premiums, settlement, perOption sql.NullString
		totalPayout, rollover                           sql.NullString
		auctionEnd, expiry                              sql.NullTime
	)
	if err := row.Scan(
		&roundID, &r.State, &strike, &capLevel, &reserve, &options,
		&collateral, &auctionEnd, &expiry, &clearing,
		&sold, &premiums, &settlement, &perOption, &totalPayout,
		&rollover, &r.BidCount, &r.LastSequence,
	); err != nil {
		return nil, err
	}

	r.RoundID = uint64(roundID)
	r.StrikePrice = strike.String
	r.CapLevel = capLevel.String
	r.ReservePrice = reserve.String
	r.TotalOptions = options.String
	r.TotalCollateral = collateral.String
	r.ClearingPrice = clearing.String
	r.OptionsSold = sold.String
	r.Premiums = premiums.String
	r.SettlementPrice = settlement.String
	r.PayoutPerOption = perOption.String
	r.TotalPayout = totalPayout.String
	r.Rollover = rollover.String
	r.AuctionEndTime = utcOrZero(auctionEnd)
	r.OptionExpiryTime = utcOrZero(expiry)
	return &r, nil
}

func scanSequences(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func utcOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// etherString renders a wei string in ether, or "" if it does not parse.
func etherString(wei string) string {
	v, err := fpmath.ParseWei(wei)
	if err != nil {
		return ""
	}
	return fpmath.FormatEther(v)
}
