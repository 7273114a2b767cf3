package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is a liquidity provider's stake. RoundID is the origin of the
// projection walk; it only moves forward, when a withdrawal rebases the
// position onto the next round.
type Position struct {
	ID        uint64
	Depositor common.Address
	RoundID   uint64
}

// EntryKey addresses one position's contribution to one round.
type EntryKey struct {
	RoundID    uint64
	PositionID uint64
}

// Projection is a position's value as of now.
type Projection struct {
	PositionID uint64

	// Collateral is locked in the current, not yet settled round.
	Collateral uint256.Int

	// Unallocated sits in the next round and is withdrawable.
	Unallocated uint256.Int

	// Premiums is the position's share of premiums earned across the
	// settled rounds it was carried through.
	Premiums uint256.Int

	// ReachedNext is set when every round from the origin has settled.
	ReachedNext bool
}

// Snapshot is the exported ledger state.
type Snapshot struct {
	Positions      []Position
	Entries        []EntrySnapshot
	NextPositionID uint64
}

type EntrySnapshot struct {
	RoundID    uint64
	PositionID uint64
	Amount     uint256.Int
}
