package persistence_test

import (
	"OptionVault/internal/core"
	"OptionVault/internal/market"
	"OptionVault/internal/persistence"
	"OptionVault/internal/state"
	"OptionVault/internal/testutil"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	t0  = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	lpA = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	lpB = common.HexToAddress("0x00000000000000000000000000000000000b0002")
	bid = common.HexToAddress("0x00000000000000000000000000000000000c0003")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func at(who common.Address, offset time.Duration) market.Tx {
	return market.NewTx(who, t0.Add(offset))
}

func testConfig() state.Config {
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
	return cfg
}

func mustEngine(t *testing.T, out chan<- core.CoreOutput) *core.VaultEngine {
	t.Helper()
	agg := market.NewStaticAggregator(market.NewStats(u(10), u(1000), u(1000)))
	strategy, err := market.NewStrikePriceStrategy(market.AtTheMoney, agg)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	e, err := core.NewVaultEngine(0, testConfig(), strategy, agg, out, nil, nil)
	if err != nil {
		t.Fatalf("NewVaultEngine failed: %v", err)
	}
	return e
}

// runScenario opens two positions, starts a round and bids into it.
func runScenario(t *testing.T, e *core.VaultEngine) {
	t.Helper()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"open A", func() error { _, err := e.OpenLiquidityPosition(at(lpA, 0), u(600)); return err }},
		{"open B", func() error { _, err := e.OpenLiquidityPosition(at(lpB, 0), u(400)); return err }},
		{"start", func() error { _, _, err := e.StartNewOptionRound(at(lpA, time.Minute)); return err }},
		{"bid", func() error { return e.AuctionPlaceBid(at(bid, 2*time.Minute), u(5), u(25)) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s failed: %v", s.name, err)
		}
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

type recordingDownstream struct {
	mu      sync.Mutex
	batches [][]core.CoreOutput
}

func (r *recordingDownstream) Append(_ context.Context, outputs []core.CoreOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]core.CoreOutput(nil), outputs...))
	return nil
}

func (r *recordingDownstream) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

// ===== Test: Rows =====

func TestRowFromOutput_EnvelopeRoundTrip(t *testing.T) {
	out := make(chan core.CoreOutput, 16)
	e := mustEngine(t, out)
	runScenario(t, e)

	for _, o := range drain(out) {
		row := persistence.RowFromOutput(o)
		if row.CommandType != o.CommandType || !bytes.Equal(row.Command, o.Command) {
			t.Fatalf("seq %d: command not carried", row.Sequence)
		}
		env, err := row.Envelope()
		if err != nil {
			t.Fatalf("seq %d: Envelope failed: %v", row.Sequence, err)
		}
		want := o.Envelope
		if env.Sequence != want.Sequence || env.EventType != want.EventType ||
			env.IdempotencyKey != want.IdempotencyKey || env.Caller != want.Caller ||
			env.StateHash != want.StateHash || env.PrevHash != want.PrevHash ||
			!env.Timestamp.Equal(want.Timestamp) || !bytes.Equal(env.Payload, want.Payload) {
			t.Errorf("seq %d: envelope changed:\n got %+v\nwant %+v", row.Sequence, env, want)
		}
	}
}

func TestEventRow_EnvelopeRejectsCorruptRows(t *testing.T) {
	good := persistence.EventRow{
		Sequence:  4,
		EventType: "BidPlaced",
		Caller:    bid.Hex(),
		StateHash: make([]byte, 32),
		PrevHash:  make([]byte, 32),
	}

	cases := map[string]func(r *persistence.EventRow){
		"unknown type": func(r *persistence.EventRow) { r.EventType = "Liquidated" },
		"short hash":   func(r *persistence.EventRow) { r.StateHash = r.StateHash[:31] },
		"bad caller":   func(r *persistence.EventRow) { r.Caller = "nobody" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := good
			mutate(&r)
			if _, err := r.Envelope(); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := good.Envelope(); err != nil {
		t.Fatalf("good row rejected: %v", err)
	}
}

func TestReplayRow_RebuildsChain(t *testing.T) {
	out := make(chan core.CoreOutput, 16)
	source := mustEngine(t, out)
	runScenario(t, source)

	replica := mustEngine(t, nil)
	for _, o := range drain(out) {
		if err := persistence.ReplayRow(replica, persistence.RowFromOutput(o)); err != nil {
			t.Fatalf("ReplayRow failed: %v", err)
		}
	}
	if replica.GetStateHash() != source.GetStateHash() {
		t.Errorf("replica hash %x, source %x", replica.GetStateHash(), source.GetStateHash())
	}
	if replica.GetSequence() != source.GetSequence() {
		t.Errorf("replica seq %d, source %d", replica.GetSequence(), source.GetSequence())
	}
}

// ===== Test: Migrations =====

func TestMigrations_PairedAndOrdered(t *testing.T) {
	ups, err := persistence.ListMigrations(persistence.Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("ListMigrations failed: %v", err)
	}
	downs, err := persistence.ListMigrations(persistence.Migrations(), ".down.sql")
	if err != nil {
		t.Fatalf("ListMigrations failed: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %v / %v", ups, downs)
	}
	for i := range ups {
		if persistence.ExtractVersion(ups[i]) != persistence.ExtractVersion(downs[i]) {
			t.Errorf("unpaired: %s / %s", ups[i], downs[i])
		}
		if i > 0 && persistence.ExtractVersion(ups[i-1]) >= persistence.ExtractVersion(ups[i]) {
			t.Errorf("out of order: %s before %s", ups[i-1], ups[i])
		}
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"000001_event_log.up.sql":     "000001",
		"000002_projections.down.sql": "000002",
		"noversion.sql":               "noversion.sql",
	}
	for in, want := range cases {
		if got := persistence.ExtractVersion(in); got != want {
			t.Errorf("ExtractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

// ===== Test: Postgres round trip =====

func TestWorker_PersistsAndRecovers(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	out := make(chan core.CoreOutput, 16)
	source := mustEngine(t, out)
	runScenario(t, source)
	close(out)

	sink := &recordingDownstream{}
	worker := persistence.NewPersistenceWorker(db, out, sink, 2, 5*time.Millisecond, nil)
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if sink.count() != 4 {
		t.Fatalf("downstream saw %d outputs, want 4", sink.count())
	}

	ctx := context.Background()
	snapshots := persistence.NewSnapshotManager(db)
	latest, err := snapshots.GetLatestSequence(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest sequence: %d, %v", latest, err)
	}

	dedup := persistence.NewPostgresIdempotencyChecker(db)
	if dup, err := dedup.IsDuplicate("open_position", core.LocalKey(0)); err != nil || !dup {
		t.Errorf("expected logged key to be a duplicate: %v %v", dup, err)
	}
	if dup, _ := dedup.IsDuplicate("place_bid", core.LocalKey(0)); dup {
		t.Error("key must be scoped to its command type")
	}

	// Snapshot at the current tip, then recover a fresh engine from it
	if _, err := snapshots.SaveSnapshot(ctx, source.CreateSnapshotState()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	replica := mustEngine(t, nil)
	res, err := persistence.NewRecoverer(snapshots, 2, nil).Recover(ctx, replica)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.SnapshotSequence != 3 || res.Replayed != 0 {
		t.Errorf("expected snapshot restore without replay, got %+v", res)
	}
	if replica.GetStateHash() != source.GetStateHash() {
		t.Errorf("recovered hash %x, source %x", replica.GetStateHash(), source.GetStateHash())
	}

	// Without a snapshot the whole log is replayed
	if _, err := db.Exec(`TRUNCATE event_log.snapshots`); err != nil {
		t.Fatalf("truncate snapshots: %v", err)
	}
	cold := mustEngine(t, nil)
	res, err = persistence.NewRecoverer(snapshots, 3, nil).Recover(ctx, cold)
	if err != nil {
		t.Fatalf("cold Recover failed: %v", err)
	}
	if res.SnapshotSequence != -1 || res.Replayed != 4 || res.TipSequence != 3 {
		t.Errorf("cold recovery: %+v", res)
	}
	if cold.GetStateHash() != source.GetStateHash() {
		t.Errorf("cold hash %x, source %x", cold.GetStateHash(), source.GetStateHash())
	}
}
