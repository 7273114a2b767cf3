package ledger

import (
	"fmt"
	"sort"

	fpmath "OptionVault/internal/math"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RoundReader resolves round records by id. state.RoundTable satisfies it.
type RoundReader interface {
	Round(id uint64) (*state.Round, bool)
}

// CollateralLedger owns liquidity positions and their per-round entries.
// A round's CollateralAtInit is the sum of its entries plus whatever the
// previous round rolled over into it.
type CollateralLedger struct {
	positions      map[uint64]*Position
	entries        map[EntryKey]*uint256.Int
	nextPositionID uint64
	minDeposit     uint256.Int
}

func NewCollateralLedger(minDeposit *uint256.Int) *CollateralLedger {
	l := &CollateralLedger{
		positions: make(map[uint64]*Position),
		entries:   make(map[EntryKey]*uint256.Int),
	}
	l.minDeposit.Set(minDeposit)
	return l
}

// Position returns a copy of the position.
func (l *CollateralLedger) Position(id uint64) (Position, bool) {
	p, ok := l.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Entry returns the recorded amount, zero when absent.
func (l *CollateralLedger) Entry(roundID, positionID uint64) *uint256.Int {
	if v, ok := l.entries[EntryKey{RoundID: roundID, PositionID: positionID}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (l *CollateralLedger) PositionCount() int {
	return len(l.positions)
}

// Open creates a position funded with amount in the next round.
func (l *CollateralLedger) Open(depositor common.Address, next *state.Round, amount *uint256.Int) (Position, error) {
	if amount.Lt(&l.minDeposit) || amount.IsZero() {
		return Position{}, fmt.Errorf("%w: deposit %s below minimum %s",
			vaulterr.ErrBelowMinimum, amount.Dec(), l.minDeposit.Dec())
	}
	total := addChecked(&next.CollateralAtInit, amount, "next round collateral")

	p := &Position{ID: l.nextPositionID, Depositor: depositor, RoundID: next.ID}
	l.positions[p.ID] = p
	l.nextPositionID++

	l.entries[EntryKey{RoundID: next.ID, PositionID: p.ID}] = amount.Clone()
	next.CollateralAtInit.Set(total)
	return *p, nil
}

// Deposit adds amount to the position's entry in the next round.
func (l *CollateralLedger) Deposit(positionID uint64, next *state.Round, amount *uint256.Int) error {
	if _, ok := l.positions[positionID]; !ok {
		return fmt.Errorf("%w: %d", vaulterr.ErrInvalidPositionID, positionID)
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: deposit must be positive", vaulterr.ErrBelowMinimum)
	}

	key := EntryKey{RoundID: next.ID, PositionID: positionID}
	entry := l.entries[key]
	if entry == nil {
		entry = new(uint256.Int)
	}
	newEntry := addChecked(entry, amount, "position entry")
	total := addChecked(&next.CollateralAtInit, amount, "next round collateral")

	l.entries[key] = newEntry
	next.CollateralAtInit.Set(total)
	return nil
}

// CreditRollover moves a settled round's rollover into the next round.
func (l *CollateralLedger) CreditRollover(next *state.Round, amount *uint256.Int) {
	next.CollateralAtInit.Set(addChecked(&next.CollateralAtInit, amount, "rollover"))
}

// Project walks the position from its origin round toward nextID. Each
// fully settled round rescales the running amount by
// (init - payout + premiums) / init, flooring. The walk stops at the first
// round that is not OPTION_SETTLED, or at the next round. Nothing is mutated.
func (l *CollateralLedger) Project(positionID uint64, rounds RoundReader, nextID uint64) (*Projection, error) {
	p, ok := l.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidPositionID, positionID)
	}

	proj := &Projection{PositionID: positionID}
	acc := new(uint256.Int)
	premiums := new(uint256.Int)

	for id := p.RoundID; id <= nextID; id++ {
		acc = addChecked(acc, l.entry(id, positionID), "projection")

		// Step 1: Reached the deposit round
		if id == nextID {
			proj.Unallocated.Set(acc)
			proj.ReachedNext = true
			break
		}

		r, ok := rounds.Round(id)
		if !ok {
			panic(fmt.Sprintf("FATAL: round %d missing during projection of position %d", id, positionID))
		}

		// Step 2: Active round, value is locked
		if r.State != state.RoundOptionSettled {
			proj.Collateral.Set(acc)
			proj.Unallocated.Set(l.entry(nextID, positionID))
			break
		}

		// Step 3: Roll through the settled round
		if r.CollateralAtInit.IsZero() {
			acc.Clear()
			continue
		}
		share := mustMulDiv(acc, &r.TotalPremiums, &r.CollateralAtInit)
		premiums = addChecked(premiums, share, "premiums")
		acc = mustMulDiv(acc, r.Rollover(), &r.CollateralAtInit)
	}

	proj.Premiums.Set(premiums)
	return proj, nil
}

// Withdraw removes amount of unallocated liquidity from the next round.
// When every round since the origin has settled, the position is rebased
// onto the next round with its projected value as the new entry.
func (l *CollateralLedger) Withdraw(positionID uint64, caller common.Address, rounds RoundReader, next *state.Round, amount *uint256.Int) (*Projection, error) {
	p, ok := l.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", vaulterr.ErrInvalidPositionID, positionID)
	}
	if p.Depositor != caller {
		return nil, fmt.Errorf("%w: position %d", vaulterr.ErrNotOwner, positionID)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: withdrawal must be positive", vaulterr.ErrBelowMinimum)
	}

	proj, err := l.Project(positionID, rounds, next.ID)
	if err != nil {
		return nil, err
	}
	if proj.Unallocated.Lt(amount) {
		return nil, fmt.Errorf("%w: position %d has %s unallocated, requested %s",
			vaulterr.ErrInsufficientCollateral, positionID, proj.Unallocated.Dec(), amount.Dec())
	}
	if next.CollateralAtInit.Lt(amount) {
		panic(fmt.Sprintf("FATAL: next round %d holds %s, position %d projects %s",
			next.ID, next.CollateralAtInit.Dec(), positionID, proj.Unallocated.Dec()))
	}

	remaining := new(uint256.Int).Sub(&proj.Unallocated, amount)
	key := EntryKey{RoundID: next.ID, PositionID: positionID}

	if proj.ReachedNext {
		p.RoundID = next.ID
	}
	l.entries[key] = remaining
	next.CollateralAtInit.Sub(&next.CollateralAtInit, amount)

	proj.Unallocated.Set(remaining)
	return proj, nil
}

// EntriesFor sums the recorded entries of a round.
func (l *CollateralLedger) EntriesFor(roundID uint64) *uint256.Int {
	total := new(uint256.Int)
	for k, v := range l.entries {
		if k.RoundID == roundID {
			total = addChecked(total, v, "round entries")
		}
	}
	return total
}

// OwnedLiquidity sums what every position projects to hold in the next
// round.
func (l *CollateralLedger) OwnedLiquidity(rounds RoundReader, next *state.Round) *uint256.Int {
	owned := new(uint256.Int)
	for id := range l.positions {
		proj, err := l.Project(id, rounds, next.ID)
		if err != nil {
			continue
		}
		owned = addChecked(owned, &proj.Unallocated, "owned liquidity")
	}
	return owned
}

// RolloverDust is the part of the next round's collateral no position owns.
// Rescaling floors each position, so a settled round can roll over a few wei
// more than its positions can withdraw.
func (l *CollateralLedger) RolloverDust(rounds RoundReader, next *state.Round) *uint256.Int {
	owned := l.OwnedLiquidity(rounds, next)
	if owned.Gt(&next.CollateralAtInit) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&next.CollateralAtInit, owned)
}

func (l *CollateralLedger) entry(roundID, positionID uint64) *uint256.Int {
	if v, ok := l.entries[EntryKey{RoundID: roundID, PositionID: positionID}]; ok {
		return v
	}
	return new(uint256.Int)
}

// Export captures the ledger in deterministic order.
func (l *CollateralLedger) Export() Snapshot {
	snap := Snapshot{NextPositionID: l.nextPositionID}
	for _, p := range l.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })

	for k, v := range l.entries {
		e := EntrySnapshot{RoundID: k.RoundID, PositionID: k.PositionID}
		e.Amount.Set(v)
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if a.RoundID != b.RoundID {
			return a.RoundID < b.RoundID
		}
		return a.PositionID < b.PositionID
	})
	return snap
}

// Restore replaces the ledger contents from a snapshot.
func (l *CollateralLedger) Restore(snap Snapshot) error {
	positions := make(map[uint64]*Position, len(snap.Positions))
	for i := range snap.Positions {
		p := snap.Positions[i]
		if p.ID >= snap.NextPositionID {
			return fmt.Errorf("position %d not below next position id %d", p.ID, snap.NextPositionID)
		}
		positions[p.ID] = &p
	}

	entries := make(map[EntryKey]*uint256.Int, len(snap.Entries))
	for _, e := range snap.Entries {
		if _, ok := positions[e.PositionID]; !ok {
			return fmt.Errorf("entry for unknown position %d", e.PositionID)
		}
		entries[EntryKey{RoundID: e.RoundID, PositionID: e.PositionID}] = e.Amount.Clone()
	}

	l.positions = positions
	l.entries = entries
	l.nextPositionID = snap.NextPositionID
	return nil
}

func addChecked(a, b *uint256.Int, what string) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		panic(fmt.Sprintf("FATAL: %s overflows 256 bits", what))
	}
	return sum
}

func mustMulDiv(x, y, d *uint256.Int) *uint256.Int {
	v, ok := fpmath.MulDiv(x, y, d)
	if !ok {
		panic(fmt.Sprintf("FATAL: mul-div overflow %s*%s/%s", x.Dec(), y.Dec(), d.Dec()))
	}
	return v
}
