package query

import (
	"context"
	"errors"

	"OptionVault/internal/core"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
)

// Engine runs read callbacks on the engine goroutine. *core.Dispatcher
// satisfies it.
type Engine interface {
	Query(ctx context.Context, fn func(v *core.VaultEngine) error) error
}

// PositionBalance is a liquidity position valued at the live engine state.
type PositionBalance struct {
	PositionID       uint64 `json:"position_id"`
	Depositor        string `json:"depositor"`
	Collateral       string `json:"collateral"`
	Unallocated      string `json:"unallocated"`
	Premiums         string `json:"premiums"`
	CollateralEther  string `json:"collateral_ether"`
	UnallocatedEther string `json:"unallocated_ether"`
	PremiumsEther    string `json:"premiums_ether"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// BuyerBalance is what a buyer holds and is owed in one past round.
type BuyerBalance struct {
	RoundID      uint64 `json:"round_id"`
	Account      string `json:"account"`
	Options      string `json:"options"`
	Payout       string `json:"payout"`
	Refund       string `json:"refund"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// VaultOverview summarizes the round pointers and vault-wide liquidity.
// HasCurrentRound is false until the first round starts.
type VaultOverview struct {
	VaultType        string `json:"vault_type"`
	HasCurrentRound  bool   `json:"has_current_round"`
	CurrentRoundID   uint64 `json:"current_round_id"`
	CurrentState     string `json:"current_state,omitempty"`
	NextRoundID      uint64 `json:"next_round_id"`
	TotalCollateral  string `json:"total_collateral"`
	TotalUnallocated string `json:"total_unallocated"`
	RolloverDust     string `json:"rollover_dust"`
	StateHash        string `json:"state_hash"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// LiveReader answers balance reads from the engine instead of the
// projections, so results reflect every command applied so far.
type LiveReader struct {
	engine Engine
}

func NewLiveReader(engine Engine) *LiveReader {
	return &LiveReader{engine: engine}
}

func (lr *LiveReader) PositionBalance(ctx context.Context, positionID uint64) (*PositionBalance, error) {
	var out *PositionBalance
	err := lr.engine.Query(ctx, func(v *core.VaultEngine) error {
		pos, err := v.Position(positionID)
		if err != nil {
			return err
		}
		proj, err := v.Projection(positionID)
		if err != nil {
			return err
		}
		out = &PositionBalance{
			PositionID:       positionID,
			Depositor:        pos.Depositor.Hex(),
			Collateral:       proj.Collateral.Dec(),
			Unallocated:      proj.Unallocated.Dec(),
			Premiums:         proj.Premiums.Dec(),
			CollateralEther:  fpmath.FormatEther(&proj.Collateral),
			UnallocatedEther: fpmath.FormatEther(&proj.Unallocated),
			PremiumsEther:    fpmath.FormatEther(&proj.Premiums),
			AsOfSequence:     lastApplied(v),
		}
		return nil
	})
	return out, err
}

func (lr *LiveReader) BuyerBalance(ctx context.Context, roundID uint64, buyer common.Address) (*BuyerBalance, error) {
	var out *BuyerBalance
	err := lr.engine.Query(ctx, func(v *core.VaultEngine) error {
		options, err := v.OptionBalanceOf(roundID, buyer)
		if err != nil {
			return err
		}
		payout, err := v.PayoutBalanceOf(roundID, buyer)
		if err != nil {
			return err
		}
		refund, err := v.UnusedBidDepositBalanceOf(roundID, buyer)
		if err != nil {
			return err
		}
		out = &BuyerBalance{
			RoundID:      roundID,
			Account:      buyer.Hex(),
			Options:      options.Dec(),
			Payout:       payout.Dec(),
			Refund:       refund.Dec(),
			AsOfSequence: lastApplied(v),
		}
		return nil
	})
	return out, err
}

func (lr *LiveReader) Overview(ctx context.Context) (*VaultOverview, error) {
	var out *VaultOverview
	err := lr.engine.Query(ctx, func(v *core.VaultEngine) error {
		nextID, _ := v.NextOptionRound()
		hash := v.GetStateHash()
		out = &VaultOverview{
			VaultType:        v.VaultType().String(),
			NextRoundID:      nextID,
			TotalCollateral:  v.TotalCollateral().Dec(),
			TotalUnallocated: v.TotalUnallocatedLiquidity().Dec(),
			RolloverDust:     v.RolloverDust().Dec(),
			StateHash:        common.Bytes2Hex(hash[:]),
			AsOfSequence:     lastApplied(v),
		}

		currentID, _, err := v.CurrentOptionRound()
		if errors.Is(err, vaulterr.ErrInvalidState) {
			return nil
		}
		if err != nil {
			return err
		}
		st, err := v.RoundState(currentID)
		if err != nil {
			return err
		}
		out.HasCurrentRound = true
		out.CurrentRoundID = currentID
		out.CurrentState = st.String()
		return nil
	})
	return out, err
}

// lastApplied is the sequence of the latest applied command, -1 before the first.
func lastApplied(v *core.VaultEngine) int64 {
	return v.GetSequence() - 1
}
