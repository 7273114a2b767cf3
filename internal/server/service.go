package server

import (
	"context"
	"encoding/json"

	"OptionVault/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "optionvault.v1.VaultService"

// --- Messages ---

// SubmitCommandRequest carries one wire command. Type names the command;
// Command is the same JSON body accepted on the NATS command subjects.
// A missing timestamp is stamped with the time the server received it.
type SubmitCommandRequest struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

// CommandReply is the event the command produced.
type CommandReply struct {
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event"`
}

type GetVaultOverviewRequest struct{}

type GetPositionBalanceRequest struct {
	PositionID uint64 `json:"position_id"`
}

type GetBuyerBalanceRequest struct {
	RoundID uint64         `json:"round_id"`
	Account common.Address `json:"account"`
}

type GetRoundRequest struct {
	RoundID uint64 `json:"round_id"`
}

// Cursors are optional; an absent cursor starts at the first page.
type ListRoundsRequest struct {
	Cursor *int64 `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

type ListBuyerClaimsRequest struct {
	Account common.Address `json:"account"`
	Cursor  *int64         `json:"cursor,omitempty"`
	Limit   int            `json:"limit"`
}

type ListRoundEventsRequest struct {
	RoundID uint64 `json:"round_id"`
	Cursor  *int64 `json:"cursor,omitempty"`
	Limit   int    `json:"limit"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotReply struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsReply struct {
	Replayed int `json:"replayed"`
}

type GetEventLogInfoRequest struct{}

type GetEventLogInfoReply struct {
	LastPersistedSequence int64 `json:"last_persisted_sequence"`
	LastAppliedSequence   int64 `json:"last_applied_sequence"`
}

// VaultServiceServer is the vault API. Commands go through SubmitCommand;
// balance reads come from the live engine and history reads from the
// projections.
type VaultServiceServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*CommandReply, error)

	GetVaultOverview(context.Context, *GetVaultOverviewRequest) (*query.VaultOverview, error)
	GetPositionBalance(context.Context, *GetPositionBalanceRequest) (*query.PositionBalance, error)
	GetBuyerBalance(context.Context, *GetBuyerBalanceRequest) (*query.BuyerBalance, error)

	GetRound(context.Context, *GetRoundRequest) (*query.RoundSummary, error)
	ListRounds(context.Context, *ListRoundsRequest) (*query.Page[query.RoundSummary], error)
	ListBuyerClaims(context.Context, *ListBuyerClaimsRequest) (*query.Page[query.ClaimRecord], error)
	ListRoundEvents(context.Context, *ListRoundEventsRequest) (*query.Page[query.EventRecord], error)

	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotReply, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsReply, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*GetEventLogInfoReply, error)
}

// --- Service descriptor ---

// VaultServiceDesc describes VaultServiceServer to grpc.Server.
var VaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", VaultServiceServer.SubmitCommand),
		unary("GetVaultOverview", VaultServiceServer.GetVaultOverview),
		unary("GetPositionBalance", VaultServiceServer.GetPositionBalance),
		unary("GetBuyerBalance", VaultServiceServer.GetBuyerBalance),
		unary("GetRound", VaultServiceServer.GetRound),
		unary("ListRounds", VaultServiceServer.ListRounds),
		unary("ListBuyerClaims", VaultServiceServer.ListBuyerClaims),
		unary("ListRoundEvents", VaultServiceServer.ListRoundEvents),
		unary("VerifyIntegrity", VaultServiceServer.VerifyIntegrity),
		unary("TakeSnapshot", VaultServiceServer.TakeSnapshot),
		unary("RebuildProjections", VaultServiceServer.RebuildProjections),
		unary("GetEventLogInfo", VaultServiceServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "optionvault/v1/vault.proto",
}

// RegisterVaultServiceServer registers srv on s.
func RegisterVaultServiceServer(s grpc.ServiceRegistrar, srv VaultServiceServer) {
	s.RegisterService(&VaultServiceDesc, srv)
}

// FullMethod returns the gRPC method path, e.g. /optionvault.v1.VaultService/GetRound.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](
	name string,
	call func(VaultServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(VaultServiceServer)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// Invoke calls method on cc with the JSON codec.
func Invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
