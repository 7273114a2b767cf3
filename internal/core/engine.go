package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"OptionVault/internal/command"
	"OptionVault/internal/event"
	"OptionVault/internal/ledger"
	fpmath "OptionVault/internal/math"
	"OptionVault/internal/market"
	"OptionVault/internal/observability"
	"OptionVault/internal/state"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// VaultEngine is the single-threaded vault processor. Every mutation runs
// through Process, which validates, applies, sequences, hashes and emits
// exactly one envelope. A rejected command leaves the vault unchanged and
// consumes no sequence, but its time still advances the engine clock.
type VaultEngine struct {
	sequence          int64
	clock             time.Time
	hasher            *StateHasher
	rounds            *state.RoundTable
	lifecycle         *state.Lifecycle
	ledger            *ledger.CollateralLedger
	validator         *ledger.InvariantValidator
	aggregator        market.MarketAggregator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	output chan<- CoreOutput
}

// CoreOutput is handed to the persistence worker for every applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope

	// CommandType is the dedup namespace of the envelope's idempotency key.
	CommandType string

	// Command is the wire-encoded command that produced the envelope,
	// stored alongside it for replay.
	Command []byte
}

// NewVaultEngine wires the vault components. strategy must read from
// aggregator. output may be nil when nothing consumes envelopes.
func NewVaultEngine(
	startSequence int64,
	cfg state.Config,
	strategy market.StrikePriceStrategy,
	aggregator market.MarketAggregator,
	output chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*VaultEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strategy == nil || aggregator == nil {
		return nil, fmt.Errorf("%w: strategy and aggregator are required", vaulterr.ErrInvalidParams)
	}

	collateral := ledger.NewCollateralLedger(&cfg.MinDepositAmount)

	return &VaultEngine{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		rounds:            state.NewRoundTable(),
		lifecycle:         state.NewLifecycle(cfg, strategy, aggregator),
		ledger:            collateral,
		validator:         ledger.NewInvariantValidator(collateral),
		aggregator:        aggregator,
		idempotency:       NewIdempotencyChecker(DefaultIdempotencyCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		output:            output,
	}, nil
}

// LocalKey is the idempotency key recorded for commands submitted without one.
func LocalKey(sequence int64) string {
	return fmt.Sprintf("local:%d", sequence)
}

// Process is the main processing pipeline
func (e *VaultEngine) Process(cmd command.Command) (event.Payload, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if key != "" {
		dup, err := e.idempotency.IsDuplicate(cmdType, key)
		if err != nil {
			e.recordRejected(cmdType, err)
			return nil, err
		}
		if dup {
			e.recordRejected(cmdType, vaulterr.ErrDuplicate)
			return nil, fmt.Errorf("%w: %s %q", vaulterr.ErrDuplicate, cmdType, key)
		}
	}

	// Step 2: Hold the clock monotonic
	e.advanceClock(cmd)

	// Step 3: Validate and apply
	payload, err := e.apply(cmd)
	if err != nil {
		e.recordRejected(cmdType, err)
		return nil, err
	}

	// Step 4: Post-checks
	if err := e.postCheckInvariants(payload); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", cmdType, err))
	}

	// Step 5: Sequence, hash and emit
	env := e.seal(cmd, payload)
	e.emit(cmd, env)

	// Step 6: Mark as processed
	e.idempotency.MarkProcessed(cmdType, env.IdempotencyKey)

	e.recordApplied(cmdType, payload, start)
	return payload, nil
}

// Replay re-applies a logged command during recovery. Dedup and output are
// bypassed. The recomputed hash must match the logged one; a mismatch means
// the log and the engine disagree and the process cannot continue.
func (e *VaultEngine) Replay(cmd command.Command, logged *event.EventEnvelope) error {
	if logged.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, log has %d", e.sequence, logged.Sequence)
	}
	if logged.PrevHash != e.hasher.GetPrevHash() {
		panic(fmt.Sprintf("FATAL: replay seq %d: prev hash %x does not match chain tip %x",
			logged.Sequence, logged.PrevHash, e.hasher.GetPrevHash()))
	}

	if cmd.Tx().Timestamp.Before(e.clock) {
		return fmt.Errorf("replay seq %d: logged time %s precedes engine clock %s",
			logged.Sequence, cmd.Tx().Timestamp, e.clock)
	}
	e.clock = cmd.Tx().Timestamp

	payload, err := e.apply(cmd)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", logged.Sequence, cmd.CommandType(), err)
	}
	if err := e.postCheckInvariants(payload); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated replaying seq %d: %v", logged.Sequence, err))
	}

	env := e.seal(cmd, payload)
	if env.StateHash != logged.StateHash {
		panic(fmt.Sprintf("FATAL: replay seq %d diverged: computed %x, logged %x",
			logged.Sequence, env.StateHash, logged.StateHash))
	}

	e.idempotency.MarkProcessed(cmd.CommandType().String(), env.IdempotencyKey)
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	return nil
}

// advanceClock moves the engine clock up to the command's time. A command
// stamped before the clock is restamped to it, so guards that have seen a
// time stay past it.
func (e *VaultEngine) advanceClock(cmd command.Command) {
	at := cmd.Tx().Timestamp
	if !at.Before(e.clock) {
		e.clock = at
		return
	}
	cmd.Restamp(e.clock)
	if e.metrics != nil {
		e.metrics.CommandsRestamped.WithLabelValues(cmd.CommandType().String()).Inc()
	}
}

func (e *VaultEngine) apply(cmd command.Command) (event.Payload, error) {
	switch c := cmd.(type) {
	case *command.OpenPosition:
		return e.handleOpenPosition(c)
	case *command.Deposit:
		return e.handleDeposit(c)
	case *command.Withdraw:
		return e.handleWithdraw(c)
	case *command.StartRound:
		return e.handleStartRound(c)
	case *command.PlaceBid:
		return e.handlePlaceBid(c)
	case *command.SettleAuction:
		return e.handleSettleAuction(c)
	case *command.SettleRound:
		return e.handleSettleRound(c)
	case *command.ClaimPayout:
		return e.handleClaimPayout(c)
	case *command.RefundBid:
		return e.handleRefundBid(c)
	case *command.RecordMarketStats:
		return e.handleRecordMarketStats(c)
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", vaulterr.ErrInvalidParams, cmd)
	}
}

// postCheckInvariants re-verifies what the transition just touched.
func (e *VaultEngine) postCheckInvariants(payload event.Payload) error {
	switch p := payload.(type) {
	case *event.RoundStarted:
		r, _ := e.rounds.Round(p.RoundID)
		return e.validator.ValidateRoundSupply(r)
	case *event.AuctionSettled:
		r, _ := e.rounds.Round(p.RoundID)
		return e.validator.ValidateAuction(r)
	case *event.RoundSettled:
		r, _ := e.rounds.Round(p.RoundID)
		if err := e.validator.ValidateSettlement(r); err != nil {
			return err
		}
		if err := e.validator.ValidateNextRound(e.rounds.Next()); err != nil {
			return err
		}
		return e.validator.ValidateOwnership(e.rounds, e.rounds.Next())
	case *event.PositionOpened, *event.LiquidityDeposited, *event.LiquidityWithdrawn:
		return e.validator.ValidateNextRound(e.rounds.Next())
	}
	return nil
}

// seal assigns the next sequence and extends the hash chain.
func (e *VaultEngine) seal(cmd command.Command, payload event.Payload) *event.EventEnvelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", payload.EventType(), err))
	}

	seq := e.sequence
	key := cmd.IdempotencyKey()
	if key == "" {
		key = LocalKey(seq)
	}

	// The chain tip must be read before ComputeHash advances it
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, stateDigest(payload.EventType(), data))
	e.sequence++

	tx := cmd.Tx()
	return &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: key,
		EventType:      payload.EventType(),
		RoundID:        payload.Round(),
		Caller:         tx.From,
		Timestamp:      tx.Timestamp,
		Payload:        data,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
}

// stateDigest creates canonical bytes for the state hash. Payload JSON is
// deterministic: struct fields in declaration order, map keys sorted.
func stateDigest(typ event.EventType, payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(typ.String()))
	h.Write(payload)
	return h.Sum(nil)
}

// emit hands the envelope to persistence. The send blocks so that the
// engine stalls rather than loses an event when the worker falls behind.
func (e *VaultEngine) emit(cmd command.Command, env *event.EventEnvelope) {
	if e.output == nil {
		return
	}
	raw, err := command.Encode(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode applied command seq %d: %v", env.Sequence, err))
	}
	e.output <- CoreOutput{Envelope: env, CommandType: cmd.CommandType().String(), Command: raw}
}

func (e *VaultEngine) recordRejected(cmdType string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.CommandsRejected.WithLabelValues(cmdType, vaulterr.Kind(err)).Inc()
}

func (e *VaultEngine) recordApplied(cmdType string, payload event.Payload, start time.Time) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.CommandsApplied.WithLabelValues(cmdType).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	m.EngineSequence.Set(float64(e.sequence))

	switch p := payload.(type) {
	case *event.RoundSettled, *event.LiquidityWithdrawn:
		m.RolloverDustWei.Set(float64(e.RolloverDust().Uint64()))
	case *event.RoundStarted:
		m.RoundsStarted.Inc()
		m.CurrentRound.Set(float64(p.RoundID))
	case *event.AuctionSettled:
		if r, ok := e.rounds.Round(p.RoundID); ok {
			m.ClearingPriceGwei.Set(fpmath.GweiFloat(&r.ClearingPrice))
			m.OptionsSold.Add(float64(r.OptionsSold.Uint64()))
		}
	case *event.PayoutClaimed:
		if v, err := fpmath.ParseWei(p.Amount); err == nil {
			m.PayoutsClaimedEther.Add(fpmath.EtherFloat(v))
		}
	case *event.BidRefunded:
		if v, err := fpmath.ParseWei(p.Amount); err == nil {
			m.RefundsPaidEther.Add(fpmath.EtherFloat(v))
		}
	case *event.MarketStatsRecorded:
		result := "applied"
		if p.Gap {
			result = "gap"
		}
		m.MarketStatsUpdates.WithLabelValues(result).Inc()
	}

	m.TotalCollateralEther.Set(fpmath.EtherFloat(e.TotalCollateral()))
	m.UnallocatedEther.Set(fpmath.EtherFloat(e.TotalUnallocatedLiquidity()))
}

// --- Vault mutations ---

func (e *VaultEngine) OpenLiquidityPosition(ctx market.CallContext, amount *uint256.Int) (uint64, error) {
	p, err := e.Process(command.NewOpenPosition(ctx, amount))
	if err != nil {
		return 0, err
	}
	return p.(*event.PositionOpened).PositionID, nil
}

func (e *VaultEngine) DepositLiquidityTo(ctx market.CallContext, positionID uint64, amount *uint256.Int) error {
	_, err := e.Process(command.NewDeposit(ctx, positionID, amount))
	return err
}

func (e *VaultEngine) WithdrawLiquidity(ctx market.CallContext, positionID uint64, amount *uint256.Int) (bool, error) {
	if _, err := e.Process(command.NewWithdraw(ctx, positionID, amount)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *VaultEngine) StartNewOptionRound(ctx market.CallContext) (uint64, state.OptionRoundParams, error) {
	p, err := e.Process(command.NewStartRound(ctx))
	if err != nil {
		return 0, state.OptionRoundParams{}, err
	}
	id := p.(*event.RoundStarted).RoundID
	r, _ := e.rounds.Round(id)
	return id, r.Params(), nil
}

func (e *VaultEngine) AuctionPlaceBid(ctx market.CallContext, size, price *uint256.Int) error {
	_, err := e.Process(command.NewPlaceBid(ctx, size, price))
	return err
}

func (e *VaultEngine) SettleAuction(ctx market.CallContext) (*uint256.Int, error) {
	p, err := e.Process(command.NewSettleAuction(ctx))
	if err != nil {
		return nil, err
	}
	r, _ := e.rounds.Round(p.Round())
	return r.ClearingPrice.Clone(), nil
}

func (e *VaultEngine) SettleOptionRound(ctx market.CallContext) error {
	_, err := e.Process(command.NewSettleRound(ctx))
	return err
}

func (e *VaultEngine) ClaimOptionPayout(ctx market.CallContext, roundID uint64, buyer common.Address) (*uint256.Int, error) {
	p, err := e.Process(command.NewClaimPayout(ctx, roundID, buyer))
	if err != nil {
		return nil, err
	}
	return fpmath.ParseWei(p.(*event.PayoutClaimed).Amount)
}

func (e *VaultEngine) RefundUnusedBidDeposit(ctx market.CallContext, roundID uint64, recipient common.Address) (*uint256.Int, error) {
	p, err := e.Process(command.NewRefundBid(ctx, roundID, recipient))
	if err != nil {
		return nil, err
	}
	return fpmath.ParseWei(p.(*event.BidRefunded).Amount)
}

// RecordMarketStats feeds new statistics through the log so that replay
// prices and settles rounds against the same inputs.
func (e *VaultEngine) RecordMarketStats(ctx market.CallContext, sequence uint64, stats market.Stats) error {
	_, err := e.Process(command.NewRecordMarketStats(ctx, sequence, stats))
	return err
}

// --- Engine state ---

// GetSequence returns the next sequence number to assign.
func (e *VaultEngine) GetSequence() int64 {
	return e.sequence
}

// Clock is the latest command time the engine has observed.
func (e *VaultEngine) Clock() time.Time {
	return e.clock
}

// GetStateHash returns the current state hash (chain tip).
func (e *VaultEngine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *VaultEngine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}

func (e *VaultEngine) Config() state.Config {
	return *e.lifecycle.Config()
}

func (e *VaultEngine) IdempotencyStats() *IdempotencyStats {
	return e.idempotency.Stats()
}

func (e *VaultEngine) SequenceMetrics() *SequenceMetrics {
	return e.sequenceValidator.Metrics()
}
