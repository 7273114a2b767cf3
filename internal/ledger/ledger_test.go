package ledger_test

import (
	"OptionVault/internal/ledger"
	"OptionVault/internal/market"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	t0     = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lpA    = common.HexToAddress("0x000000000000000000000000000000000000a001")
	lpB    = common.HexToAddress("0x000000000000000000000000000000000000b002")
	buyerX = common.HexToAddress("0x000000000000000000000000000000000000c003")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// harness wires a lifecycle, round table and ledger with unit-sized prices:
// strike 1000, limit 30, collateral level 2, max payout 60, reserve 20.
type harness struct {
	t         *testing.T
	agg       *market.StaticAggregator
	lifecycle *state.Lifecycle
	table     *state.RoundTable
	ledger    *ledger.CollateralLedger
	validator *ledger.InvariantValidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := state.Config{
		AuctionDuration:         time.Hour,
		RoundDuration:           2 * time.Hour,
		CapStdDevMultiplier:     3,
		ReserveStdDevMultiplier: 2,
	}
	cfg.MinDepositAmount.SetUint64(10)
	cfg.MinBidAmount.SetUint64(1)
	cfg.MinCollateral.SetUint64(100)
	cfg.CollateralLevel.SetUint64(2)
	cfg.PriceUnit.SetUint64(1)

	agg := market.NewStaticAggregator(market.NewStats(u(10), u(1000), u(1000)))
	strategy, err := market.NewStrikePriceStrategy(market.AtTheMoney, agg)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	l := ledger.NewCollateralLedger(&cfg.MinDepositAmount)
	return &harness{
		t:         t,
		agg:       agg,
		lifecycle: state.NewLifecycle(cfg, strategy, agg),
		table:     state.NewRoundTable(),
		ledger:    l,
		validator: ledger.NewInvariantValidator(l),
	}
}

func (h *harness) mustOpen(who common.Address, amount uint64) uint64 {
	h.t.Helper()
	p, err := h.ledger.Open(who, h.table.Next(), u(amount))
	if err != nil {
		h.t.Fatalf("Open failed: %v", err)
	}
	return p.ID
}

// mustRunRound starts the next round at start, sells to one bid and settles
// at settlePrice.
func (h *harness) mustRunRound(start time.Time, bidSize, bidPrice, settlePrice uint64) *state.Round {
	h.t.Helper()
	r, err := h.lifecycle.StartAuction(h.table, start)
	if err != nil {
		h.t.Fatalf("StartAuction failed: %v", err)
	}
	if _, err := h.lifecycle.PlaceBid(r, buyerX, u(bidSize), u(bidPrice), start); err != nil {
		h.t.Fatalf("PlaceBid failed: %v", err)
	}
	if _, err := h.lifecycle.SettleAuction(r, start.Add(time.Hour)); err != nil {
		h.t.Fatalf("SettleAuction failed: %v", err)
	}
	h.agg.SetCurrentMonthAvgBasefee(u(settlePrice))
	out, err := h.lifecycle.SettleOptions(r, start.Add(2*time.Hour))
	if err != nil {
		h.t.Fatalf("SettleOptions failed: %v", err)
	}
	h.ledger.CreditRollover(h.table.Next(), &out.Rollover)
	return r
}

func (h *harness) mustProject(pid uint64) *ledger.Projection {
	h.t.Helper()
	p, err := h.ledger.Project(pid, h.table, h.table.NextID())
	if err != nil {
		h.t.Fatalf("Project(%d) failed: %v", pid, err)
	}
	return p
}

func expectAmount(t *testing.T, what string, got *uint256.Int, want uint64) {
	t.Helper()
	if got.Uint64() != want || !got.IsUint64() {
		t.Errorf("%s: expected %d, got %s", what, want, got.Dec())
	}
}

// ============================================================================
// Test: Opening and depositing
// ============================================================================

func TestOpen_BelowMinimum(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ledger.Open(lpA, h.table.Next(), u(9)); !errors.Is(err, vaulterr.ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if h.ledger.PositionCount() != 0 || !h.table.Next().CollateralAtInit.IsZero() {
		t.Error("rejected open must not record anything")
	}
}

func TestOpen_AssignsSequentialIDs(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	b := h.mustOpen(lpB, 400)

	if a != 0 || b != 1 {
		t.Errorf("expected ids 0 and 1, got %d and %d", a, b)
	}
	expectAmount(t, "round 0 collateral", &h.table.Next().CollateralAtInit, 1000)
}

func TestDeposit_UnknownPosition(t *testing.T) {
	h := newHarness(t)
	if err := h.ledger.Deposit(7, h.table.Next(), u(10)); !errors.Is(err, vaulterr.ErrInvalidPositionID) {
		t.Fatalf("expected ErrInvalidPositionID, got %v", err)
	}
}

func TestDeposit_AccumulatesInNextRound(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	if err := h.ledger.Deposit(a, h.table.Next(), u(50)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	expectAmount(t, "entry", h.ledger.Entry(0, a), 650)
	expectAmount(t, "unallocated", &h.mustProject(a).Unallocated, 650)
}

// ============================================================================
// Test: Projection through settled rounds
// ============================================================================

func TestProject_LockedDuringActiveRound(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	b := h.mustOpen(lpB, 400)

	if _, err := h.lifecycle.StartAuction(h.table, t0); err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if err := h.ledger.Deposit(b, h.table.Next(), u(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	pa, pb := h.mustProject(a), h.mustProject(b)
	expectAmount(t, "A locked", &pa.Collateral, 600)
	expectAmount(t, "A unallocated", &pa.Unallocated, 0)
	expectAmount(t, "B locked", &pb.Collateral, 400)
	expectAmount(t, "B unallocated", &pb.Unallocated, 100)
	if pa.ReachedNext {
		t.Error("walk must stop at the active round")
	}
}

func TestProject_RollsThroughSettledRounds(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	b := h.mustOpen(lpB, 400)

	// Round 0: 10 options sold at 30 (premiums 300), settles at 1010 -> payout 200.
	r0, err := h.lifecycle.StartAuction(h.table, t0)
	if err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if err := h.ledger.Deposit(b, h.table.Next(), u(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := h.lifecycle.PlaceBid(r0, buyerX, u(300), u(30), t0); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}
	if _, err := h.lifecycle.SettleAuction(r0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("SettleAuction failed: %v", err)
	}
	h.agg.SetCurrentMonthAvgBasefee(u(1010))
	out, err := h.lifecycle.SettleOptions(r0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SettleOptions failed: %v", err)
	}
	h.ledger.CreditRollover(h.table.Next(), &out.Rollover)
	expectAmount(t, "round 1 collateral", &h.table.Next().CollateralAtInit, 1200)

	pa, pb := h.mustProject(a), h.mustProject(b)
	// A: 600 * 1100/1000 = 660, premiums 600 * 300/1000 = 180.
	expectAmount(t, "A unallocated", &pa.Unallocated, 660)
	expectAmount(t, "A premiums", &pa.Premiums, 180)
	// B: 400 * 1100/1000 + 100 = 540.
	expectAmount(t, "B unallocated", &pb.Unallocated, 540)
	expectAmount(t, "B premiums", &pb.Premiums, 120)
	if !pa.ReachedNext || !pa.Collateral.IsZero() {
		t.Error("settled history leaves nothing locked")
	}

	if err := h.validator.ValidateSettlement(r0); err != nil {
		t.Errorf("settlement invariant: %v", err)
	}
}

func TestProject_IsReadOnly(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	h.mustOpen(lpB, 400)
	h.mustRunRound(t0, 300, 30, 1010)

	before := h.ledger.Export()
	h.mustProject(a)
	h.mustProject(a)
	after := h.ledger.Export()

	if len(before.Entries) != len(after.Entries) {
		t.Fatal("projection changed the entry set")
	}
	for i := range before.Entries {
		if !before.Entries[i].Amount.Eq(&after.Entries[i].Amount) {
			t.Errorf("projection changed entry %d", i)
		}
	}
	if p, _ := h.ledger.Position(a); p.RoundID != 0 {
		t.Errorf("projection moved the origin to %d", p.RoundID)
	}
}

// ============================================================================
// Test: Withdrawal
// ============================================================================

func TestWithdraw_RebasesOntoNextRound(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	b := h.mustOpen(lpB, 400)
	h.mustRunRound(t0, 300, 30, 1010)
	// Round 1 holds 1100 rollover. A projects 660, B 440.

	proj, err := h.ledger.Withdraw(a, lpA, h.table, h.table.Next(), u(60))
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	expectAmount(t, "remaining", &proj.Unallocated, 600)

	if p, _ := h.ledger.Position(a); p.RoundID != 1 {
		t.Errorf("expected origin rebased to round 1, got %d", p.RoundID)
	}
	expectAmount(t, "rebased entry", h.ledger.Entry(1, a), 600)
	expectAmount(t, "round 1 collateral", &h.table.Next().CollateralAtInit, 1040)
	expectAmount(t, "A after", &h.mustProject(a).Unallocated, 600)
	expectAmount(t, "B unaffected", &h.mustProject(b).Unallocated, 440)

	if err := h.validator.ValidateNextRound(h.table.Next()); err != nil {
		t.Errorf("next round invariant: %v", err)
	}
}

func TestWithdraw_Guards(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)

	cases := []struct {
		name   string
		pid    uint64
		caller common.Address
		amount uint64
		want   error
	}{
		{"unknown position", 9, lpA, 10, vaulterr.ErrInvalidPositionID},
		{"not owner", a, lpB, 10, vaulterr.ErrNotOwner},
		{"too much", a, lpA, 601, vaulterr.ErrInsufficientCollateral},
	}
	for _, tc := range cases {
		if _, err := h.ledger.Withdraw(tc.pid, tc.caller, h.table, h.table.Next(), u(tc.amount)); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	expectAmount(t, "collateral untouched", &h.table.Next().CollateralAtInit, 600)
}

func TestWithdraw_LockedCollateralNotWithdrawable(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	if _, err := h.lifecycle.StartAuction(h.table, t0); err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if err := h.ledger.Deposit(a, h.table.Next(), u(50)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if _, err := h.ledger.Withdraw(a, lpA, h.table, h.table.Next(), u(51)); !errors.Is(err, vaulterr.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if _, err := h.ledger.Withdraw(a, lpA, h.table, h.table.Next(), u(50)); err != nil {
		t.Fatalf("Withdraw of unallocated failed: %v", err)
	}
	if p, _ := h.ledger.Position(a); p.RoundID != 0 {
		t.Errorf("withdrawal during an active round must not rebase, got origin %d", p.RoundID)
	}
	expectAmount(t, "locked", &h.mustProject(a).Collateral, 600)
}

// ============================================================================
// Test: Multi-round compounding
// ============================================================================

func TestProject_CompoundsAcrossRounds(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	b := h.mustOpen(lpB, 400)

	r0, err := h.lifecycle.StartAuction(h.table, t0)
	if err != nil {
		t.Fatalf("StartAuction failed: %v", err)
	}
	if err := h.ledger.Deposit(b, h.table.Next(), u(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := h.lifecycle.PlaceBid(r0, buyerX, u(300), u(30), t0); err != nil {
		t.Fatalf("PlaceBid failed: %v", err)
	}
	if _, err := h.lifecycle.SettleAuction(r0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("SettleAuction failed: %v", err)
	}
	h.agg.SetCurrentMonthAvgBasefee(u(1010))
	out, err := h.lifecycle.SettleOptions(r0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SettleOptions failed: %v", err)
	}
	h.ledger.CreditRollover(h.table.Next(), &out.Rollover)

	if _, err := h.ledger.Withdraw(a, lpA, h.table, h.table.Next(), u(60)); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	// Round 1: 1140 collateral backs 19 options; all sold at 20, no payout.
	r1 := h.mustRunRound(t0.Add(2*time.Hour), 380, 20, 1000)
	expectAmount(t, "round 1 premiums", &r1.TotalPremiums, 380)
	expectAmount(t, "round 2 collateral", &h.table.Next().CollateralAtInit, 1520)

	pa, pb := h.mustProject(a), h.mustProject(b)
	// A (origin 1): 600 * 1520/1140 = 800, premiums 600 * 380/1140 = 200.
	expectAmount(t, "A unallocated", &pa.Unallocated, 800)
	expectAmount(t, "A premiums", &pa.Premiums, 200)
	// B (origin 0): 440 + 100 = 540 -> 540 * 1520/1140 = 720; premiums 120 + 180.
	expectAmount(t, "B unallocated", &pb.Unallocated, 720)
	expectAmount(t, "B premiums", &pb.Premiums, 300)

	total := new(uint256.Int).Add(&pa.Unallocated, &pb.Unallocated)
	if total.Gt(&h.table.Next().CollateralAtInit) {
		t.Errorf("projected %s exceeds pooled %s", total.Dec(), h.table.Next().CollateralAtInit.Dec())
	}
}

func TestRolloverDust_FlooringStrandsRemainder(t *testing.T) {
	h := newHarness(t)
	lpC := common.HexToAddress("0x000000000000000000000000000000000000d004")
	owners := map[uint64]common.Address{
		h.mustOpen(lpA, 100): lpA,
		h.mustOpen(lpB, 100): lpB,
		h.mustOpen(lpC, 101): lpC,
	}
	expectAmount(t, "dust before any round", h.ledger.RolloverDust(h.table, h.table.Next()), 0)

	// 301 backs 5 options, sold at 20; no payout. 401 rolls over and the
	// positions floor to 133 + 133 + 134.
	h.mustRunRound(t0, 100, 20, 1000)
	next := h.table.Next()
	expectAmount(t, "round 1 collateral", &next.CollateralAtInit, 401)
	expectAmount(t, "owned", h.ledger.OwnedLiquidity(h.table, next), 400)
	expectAmount(t, "dust", h.ledger.RolloverDust(h.table, next), 1)
	if err := h.validator.ValidateOwnership(h.table, next); err != nil {
		t.Fatalf("ValidateOwnership failed: %v", err)
	}

	for pid, who := range owners {
		p := h.mustProject(pid)
		if _, err := h.ledger.Withdraw(pid, who, h.table, next, &p.Unallocated); err != nil {
			t.Fatalf("Withdraw(%d) failed: %v", pid, err)
		}
	}
	expectAmount(t, "left after every exit", &next.CollateralAtInit, 1)
	expectAmount(t, "dust after every exit", h.ledger.RolloverDust(h.table, next), 1)
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestExportRestore(t *testing.T) {
	h := newHarness(t)
	a := h.mustOpen(lpA, 600)
	h.mustOpen(lpB, 400)
	h.mustRunRound(t0, 300, 30, 1010)

	restored := ledger.NewCollateralLedger(u(10))
	if err := restored.Restore(h.ledger.Export()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got, err := restored.Project(a, h.table, h.table.NextID())
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	expectAmount(t, "restored projection", &got.Unallocated, 660)
	if restored.PositionCount() != 2 {
		t.Errorf("expected 2 positions, got %d", restored.PositionCount())
	}

	// Next id survives the round trip.
	p, err := restored.Open(lpA, h.table.Next(), u(10))
	if err != nil || p.ID != 2 {
		t.Errorf("expected next position id 2, got %d (%v)", p.ID, err)
	}
}
