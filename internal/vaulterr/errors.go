// Package vaulterr holds the failure kinds shared by every vault component.
// Callers wrap them with context and match with errors.Is.
package vaulterr

import "errors"

var (
	ErrBelowMinimum           = errors.New("amount below minimum")
	ErrInvalidState           = errors.New("operation not allowed in current round state")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrAuctionNotEnded        = errors.New("auction not ended")
	ErrAuctionEnded           = errors.New("auction ended")
	ErrNoBids                 = errors.New("no bids")
	ErrNoClearingPrice        = errors.New("auction failed to clear")
	ErrBelowReserve           = errors.New("bid price below reserve")
	ErrInvalidRoundID         = errors.New("invalid round id")
	ErrInvalidPositionID      = errors.New("invalid position id")
	ErrAlreadySettled         = errors.New("round already settled")
	ErrNotSettled             = errors.New("round not settled")
	ErrNoAllocation           = errors.New("no option allocation")
	ErrNoRefundOwed           = errors.New("no refund owed")

	ErrInvalidBid       = errors.New("invalid bid")
	ErrInvalidParams    = errors.New("invalid round parameters")
	ErrOptionNotExpired = errors.New("options not expired")
	ErrNotOwner         = errors.New("caller does not own position")
	ErrDuplicate        = errors.New("duplicate command")

	// ErrUnavailable means a dependency could not answer; retrying the
	// same command later is safe.
	ErrUnavailable = errors.New("temporarily unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrBelowMinimum, "below_minimum"},
	{ErrInvalidState, "invalid_state"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrAuctionNotEnded, "auction_not_ended"},
	{ErrAuctionEnded, "auction_ended"},
	{ErrNoBids, "no_bids"},
	{ErrNoClearingPrice, "no_clearing_price"},
	{ErrBelowReserve, "below_reserve"},
	{ErrInvalidRoundID, "invalid_round_id"},
	{ErrInvalidPositionID, "invalid_position_id"},
	{ErrAlreadySettled, "already_settled"},
	{ErrNotSettled, "not_settled"},
	{ErrNoAllocation, "no_allocation"},
	{ErrNoRefundOwed, "no_refund_owed"},
	{ErrInvalidBid, "invalid_bid"},
	{ErrInvalidParams, "invalid_params"},
	{ErrOptionNotExpired, "option_not_expired"},
	{ErrNotOwner, "not_owner"},
	{ErrDuplicate, "duplicate"},
	{ErrUnavailable, "unavailable"},
}

// Kind returns the snake_case label of the failure kind err wraps, or
// "internal" when it wraps none. Used for metric labels and API codes.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
