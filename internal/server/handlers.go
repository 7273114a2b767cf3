package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"OptionVault/internal/command"
	"OptionVault/internal/core"
	"OptionVault/internal/ingestion"
	"OptionVault/internal/observability"
	"OptionVault/internal/persistence"
	"OptionVault/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SnapshotTaker is implemented by persistence.Snapshotter.
type SnapshotTaker interface {
	Take(ctx context.Context) (*core.SnapshotState, error)
}

// EventLogInfo is implemented by persistence.SnapshotManager.
type EventLogInfo interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Deps holds what the vault service reads from and writes to. Queries,
// Snapshots, Rebuild and EventLog may be nil; the methods that need them
// then answer Unavailable.
type Deps struct {
	Submitter ingestion.Submitter
	Live      *query.LiveReader
	Queries   *query.QueryService
	Snapshots SnapshotTaker
	Rebuild   func(ctx context.Context) (int, error)
	EventLog  EventLogInfo

	// Now stamps commands submitted without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

type vaultService struct {
	deps   Deps
	logger zerolog.Logger
}

// NewVaultService builds the VaultServiceServer shared by gRPC and HTTP.
func NewVaultService(deps Deps) VaultServiceServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &vaultService{deps: deps, logger: observability.NewLogger("api")}
}

// ============================================================================
// Commands
// ============================================================================

func (s *vaultService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*CommandReply, error) {
	cmd, err := decodeCommand(req, s.deps.Now())
	if err != nil {
		return nil, invalidArgument("%v", err)
	}

	payload, err := s.deps.Submitter.Submit(ctx, cmd)
	if err != nil {
		s.logger.Debug().Err(err).Str("command", cmd.CommandType().String()).Msg("command rejected")
		return nil, toStatus(err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return &CommandReply{EventType: payload.EventType().String(), Event: data}, nil
}

func decodeCommand(req *SubmitCommandRequest, now time.Time) (command.Command, error) {
	var w command.Wire
	if len(req.Command) > 0 {
		if err := json.Unmarshal(req.Command, &w); err != nil {
			return nil, err
		}
	}
	switch {
	case w.Type == "":
		w.Type = req.Type
	case req.Type != "" && w.Type != req.Type:
		return nil, fmt.Errorf("command type %q does not match %q", w.Type, req.Type)
	}
	if w.Timestamp.IsZero() {
		w.Timestamp = now.UTC()
	}
	return command.FromWire(&w)
}

// ============================================================================
// Live reads
// ============================================================================

func (s *vaultService) GetVaultOverview(ctx context.Context, _ *GetVaultOverviewRequest) (*query.VaultOverview, error) {
	ov, err := s.deps.Live.Overview(ctx)
	return ov, toStatus(err)
}

func (s *vaultService) GetPositionBalance(ctx context.Context, req *GetPositionBalanceRequest) (*query.PositionBalance, error) {
	bal, err := s.deps.Live.PositionBalance(ctx, req.PositionID)
	return bal, toStatus(err)
}

func (s *vaultService) GetBuyerBalance(ctx context.Context, req *GetBuyerBalanceRequest) (*query.BuyerBalance, error) {
	bal, err := s.deps.Live.BuyerBalance(ctx, req.RoundID, req.Account)
	return bal, toStatus(err)
}

// ============================================================================
// Projection reads
// ============================================================================

func (s *vaultService) GetRound(ctx context.Context, req *GetRoundRequest) (*query.RoundSummary, error) {
	if s.deps.Queries == nil {
		return nil, unavailable("projections")
	}
	r, err := s.deps.Queries.GetRound(ctx, req.RoundID)
	return r, toStatus(err)
}

func (s *vaultService) ListRounds(ctx context.Context, req *ListRoundsRequest) (*query.Page[query.RoundSummary], error) {
	if s.deps.Queries == nil {
		return nil, unavailable("projections")
	}
	page, err := s.deps.Queries.ListRounds(ctx, cursorOf(req.Cursor), req.Limit)
	return page, toStatus(err)
}

func (s *vaultService) ListBuyerClaims(ctx context.Context, req *ListBuyerClaimsRequest) (*query.Page[query.ClaimRecord], error) {
	if s.deps.Queries == nil {
		return nil, unavailable("projections")
	}
	page, err := s.deps.Queries.GetBuyerClaims(ctx, req.Account, cursorOf(req.Cursor), req.Limit)
	return page, toStatus(err)
}

func (s *vaultService) ListRoundEvents(ctx context.Context, req *ListRoundEventsRequest) (*query.Page[query.EventRecord], error) {
	if s.deps.Queries == nil {
		return nil, unavailable("event log")
	}
	page, err := s.deps.Queries.GetEventHistory(ctx, req.RoundID, cursorOf(req.Cursor), req.Limit)
	return page, toStatus(err)
}

// ============================================================================
// Admin
// ============================================================================

func (s *vaultService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.deps.Queries == nil {
		return nil, unavailable("event log")
	}
	report, err := s.deps.Queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !report.IsHealthy {
		s.logger.Error().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Ints64("sequence_gaps", report.SequenceGaps).
			Msg("integrity check failed")
	}
	return report, nil
}

func (s *vaultService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotReply, error) {
	if s.deps.Snapshots == nil {
		return nil, unavailable("snapshots")
	}
	snap, err := s.deps.Snapshots.Take(ctx)
	if errors.Is(err, persistence.ErrNothingToSnapshot) {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &TakeSnapshotReply{Sequence: snap.Sequence, StateHash: snap.StateHash}, nil
}

func (s *vaultService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsReply, error) {
	if s.deps.Rebuild == nil {
		return nil, unavailable("projections")
	}
	n, err := s.deps.Rebuild(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	s.logger.Info().Int("replayed", n).Msg("projections rebuilt")
	return &RebuildProjectionsReply{Replayed: n}, nil
}

func (s *vaultService) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*GetEventLogInfoReply, error) {
	reply := &GetEventLogInfoReply{LastPersistedSequence: -1}
	if s.deps.EventLog != nil {
		seq, err := s.deps.EventLog.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		reply.LastPersistedSequence = seq
	}
	ov, err := s.deps.Live.Overview(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	reply.LastAppliedSequence = ov.AsOfSequence
	return reply, nil
}

// ============================================================================
// Helpers
// ============================================================================

func cursorOf(c *int64) int64 {
	if c == nil {
		return -1
	}
	return *c
}

func unavailable(what string) error {
	return status.Errorf(codes.Unavailable, "%s not configured", what)
}
