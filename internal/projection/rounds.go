package projection

import (
	"context"
	"database/sql"
	"fmt"

	"OptionVault/internal/event"
	"OptionVault/internal/state"
)

// Claim kinds stored in projections.buyer_claims.
const (
	ClaimPayout = "payout"
	ClaimRefund = "refund"
)

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Apply projects one envelope. Events without a read-side effect are
// ignored.
func Apply(ctx context.Context, db Execer, env *event.EventEnvelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	seq := env.Sequence

	switch p := payload.(type) {
	case *event.RoundStarted:
		_, err = db.ExecContext(ctx, `
			INSERT INTO projections.rounds
				(round_id, state, strike_price, cap_level, reserve_price, total_options,
				 total_collateral, auction_end_time, option_expiry_time, bid_count, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
			ON CONFLICT (round_id) DO UPDATE SET
				state = EXCLUDED.state, strike_price = EXCLUDED.strike_price,
				cap_level = EXCLUDED.cap_level, reserve_price = EXCLUDED.reserve_price,
				total_options = EXCLUDED.total_options, total_collateral = EXCLUDED.total_collateral,
				auction_end_time = EXCLUDED.auction_end_time,
				option_expiry_time = EXCLUDED.option_expiry_time,
				last_sequence = EXCLUDED.last_sequence
		`, int64(p.RoundID), state.RoundAuctionStarted.String(), p.StrikePrice, p.CapLevel,
			p.ReservePrice, p.TotalOptionsForSale, p.TotalCollateral,
			p.AuctionEndTime.UTC(), p.OptionExpiryTime.UTC(), seq)

	case *event.BidPlaced:
		_, err = db.ExecContext(ctx, `
			UPDATE projections.rounds SET bid_count = $2, last_sequence = $3
			WHERE round_id = $1
		`, int64(p.RoundID), p.BidCount, seq)

	case *event.AuctionSettled:
		_, err = db.ExecContext(ctx, `
			UPDATE projections.rounds
			SET state = $2, clearing_price = $3, options_sold = $4, premiums = $5, last_sequence = $6
			WHERE round_id = $1
		`, int64(p.RoundID), state.RoundAuctionSettled.String(), p.ClearingPrice,
			p.OptionsSold, p.Premiums, seq)

	case *event.RoundSettled:
		_, err = db.ExecContext(ctx, `
			UPDATE projections.rounds
			SET state = $2, settlement_price = $3, payout_per_option = $4, total_payout = $5,
			    rollover = $6, last_sequence = $7
			WHERE round_id = $1
		`, int64(p.RoundID), state.RoundOptionSettled.String(), p.SettlementPrice,
			p.PayoutPerOption, p.TotalPayout, p.Rollover, seq)

	case *event.PayoutClaimed:
		err = insertClaim(ctx, db, env, p.RoundID, p.Buyer.Hex(), ClaimPayout, p.Amount)

	case *event.BidRefunded:
		err = insertClaim(ctx, db, env, p.RoundID, p.Recipient.Hex(), ClaimRefund, p.Amount)

	default:
		return nil
	}

	if err != nil {
		return fmt.Errorf("project %s seq %d: %w", env.EventType, seq, err)
	}
	return nil
}

func insertClaim(ctx context.Context, db Execer, env *event.EventEnvelope, roundID uint64, account, kind, amount string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.buyer_claims (sequence, round_id, account, kind, amount, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, int64(roundID), account, kind, amount, env.Timestamp.UTC())
	return err
}
