package core

import (
	"fmt"

	"OptionVault/internal/ledger"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Queries never mutate and never return live records.

// OptionRoundState returns the state of the current round.
func (e *VaultEngine) OptionRoundState() (state.RoundState, error) {
	r := e.rounds.Current()
	if r == nil {
		return state.RoundInitialized, fmt.Errorf("%w: no round has started", vaulterr.ErrInvalidState)
	}
	return r.State, nil
}

func (e *VaultEngine) RoundState(roundID uint64) (state.RoundState, error) {
	r, err := e.round(roundID)
	if err != nil {
		return state.RoundInitialized, err
	}
	return r.State, nil
}

func (e *VaultEngine) OptionRoundParams(roundID uint64) (state.OptionRoundParams, error) {
	r, err := e.round(roundID)
	if err != nil {
		return state.OptionRoundParams{}, err
	}
	return r.Params(), nil
}

func (e *VaultEngine) AuctionClearingPrice(roundID uint64) (*uint256.Int, error) {
	r, err := e.round(roundID)
	if err != nil {
		return nil, err
	}
	return r.ClearingPrice.Clone(), nil
}

func (e *VaultEngine) TotalOptionsSold(roundID uint64) (*uint256.Int, error) {
	r, err := e.round(roundID)
	if err != nil {
		return nil, err
	}
	return r.OptionsSold.Clone(), nil
}

func (e *VaultEngine) CurrentOptionRound() (uint64, state.OptionRoundParams, error) {
	r := e.rounds.Current()
	if r == nil {
		return 0, state.OptionRoundParams{}, fmt.Errorf("%w: no round has started", vaulterr.ErrInvalidState)
	}
	return r.ID, r.Params(), nil
}

func (e *VaultEngine) NextOptionRound() (uint64, state.OptionRoundParams) {
	next := e.rounds.Next()
	return next.ID, next.Params()
}

// Round returns a deep copy of the round record.
func (e *VaultEngine) Round(roundID uint64) (*state.Round, error) {
	r, err := e.round(roundID)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Rounds returns deep copies of every round, ordered by id.
func (e *VaultEngine) Rounds() []*state.Round {
	all := e.rounds.All()
	out := make([]*state.Round, len(all))
	for i, r := range all {
		out[i] = r.Clone()
	}
	return out
}

func (e *VaultEngine) UnusedBidDepositBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error) {
	r, err := e.pastRound(roundID)
	if err != nil {
		return nil, err
	}
	return r.RefundOf(buyer), nil
}

// PayoutBalanceOf is the unclaimed payout of buyer, zero until the round settles.
func (e *VaultEngine) PayoutBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error) {
	r, err := e.pastRound(roundID)
	if err != nil {
		return nil, err
	}
	if r.State != state.RoundOptionSettled {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Mul(r.AllocationOf(buyer), &r.PayoutPerOption), nil
}

func (e *VaultEngine) OptionBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error) {
	r, err := e.pastRound(roundID)
	if err != nil {
		return nil, err
	}
	return r.AllocationOf(buyer), nil
}

func (e *VaultEngine) PremiumBalanceOf(positionID uint64) (*uint256.Int, error) {
	proj, err := e.project(positionID)
	if err != nil {
		return nil, err
	}
	return proj.Premiums.Clone(), nil
}

func (e *VaultEngine) CollateralBalanceOf(positionID uint64) (*uint256.Int, error) {
	proj, err := e.project(positionID)
	if err != nil {
		return nil, err
	}
	return proj.Collateral.Clone(), nil
}

func (e *VaultEngine) UnallocatedLiquidityBalanceOf(positionID uint64) (*uint256.Int, error) {
	proj, err := e.project(positionID)
	if err != nil {
		return nil, err
	}
	return proj.Unallocated.Clone(), nil
}

// Projection returns the full ledger walk for a position.
func (e *VaultEngine) Projection(positionID uint64) (*ledger.Projection, error) {
	return e.project(positionID)
}

func (e *VaultEngine) Position(positionID uint64) (ledger.Position, error) {
	p, ok := e.ledger.Position(positionID)
	if !ok {
		return ledger.Position{}, fmt.Errorf("%w: %d", vaulterr.ErrInvalidPositionID, positionID)
	}
	return p, nil
}

// TotalCollateral is the collateral locked in the current round while its
// options are outstanding.
func (e *VaultEngine) TotalCollateral() *uint256.Int {
	r := e.rounds.Current()
	if r == nil {
		return new(uint256.Int)
	}
	switch r.State {
	case state.RoundAuctionStarted, state.RoundAuctionSettled:
		return r.CollateralAtInit.Clone()
	}
	return new(uint256.Int)
}

// TotalUnallocatedLiquidity is everything waiting in the next round.
func (e *VaultEngine) TotalUnallocatedLiquidity() *uint256.Int {
	return e.rounds.Next().CollateralAtInit.Clone()
}

// RolloverDust is the next round collateral that no position can withdraw.
func (e *VaultEngine) RolloverDust() *uint256.Int {
	return e.ledger.RolloverDust(e.rounds, e.rounds.Next())
}

func (e *VaultEngine) VaultType() market.StrategyKind {
	return e.lifecycle.Strategy().Kind()
}

func (e *VaultEngine) Decimals() uint8 {
	return fpmath.Decimals
}

func (e *VaultEngine) round(id uint64) (*state.Round, error) {
	r, ok := e.rounds.Round(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidRoundID, id)
	}
	return r, nil
}

func (e *VaultEngine) project(positionID uint64) (*ledger.Projection, error) {
	return e.ledger.Project(positionID, e.rounds, e.rounds.NextID())
}
