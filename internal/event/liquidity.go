// internal/event/liquidity.go
package event

import "github.com/ethereum/go-ethereum/common"

// Amounts in every payload are decimal wei strings.

type PositionOpened struct {
	PositionID      uint64         `json:"position_id"`
	Depositor       common.Address `json:"depositor"`
	RoundID         uint64         `json:"round_id"`
	Amount          string         `json:"amount"`
	RoundCollateral string         `json:"round_collateral"`
}

func (e *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (e *PositionOpened) Round() uint64        { return e.RoundID }

type LiquidityDeposited struct {
	PositionID      uint64 `json:"position_id"`
	RoundID         uint64 `json:"round_id"`
	Amount          string `json:"amount"`
	RoundCollateral string `json:"round_collateral"`
}

func (e *LiquidityDeposited) EventType() EventType { return EventTypeLiquidityDeposited }
func (e *LiquidityDeposited) Round() uint64        { return e.RoundID }

// LiquidityWithdrawn leaves Remaining unallocated in RoundID. Rebased is set
// when the position's origin moved to RoundID.
type LiquidityWithdrawn struct {
	PositionID      uint64 `json:"position_id"`
	RoundID         uint64 `json:"round_id"`
	Amount          string `json:"amount"`
	Remaining       string `json:"remaining"`
	Rebased         bool   `json:"rebased"`
	RoundCollateral string `json:"round_collateral"`
}

func (e *LiquidityWithdrawn) EventType() EventType { return EventTypeLiquidityWithdrawn }
func (e *LiquidityWithdrawn) Round() uint64        { return e.RoundID }
