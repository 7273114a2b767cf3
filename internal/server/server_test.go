package server_test

import (
	"OptionVault/internal/core"
	"OptionVault/internal/market"
	"OptionVault/internal/query"
	"OptionVault/internal/server"
	"OptionVault/internal/state"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

const depositor = "0x00000000000000000000000000000000000a0001"

func mustEngine(t *testing.T) *core.VaultEngine {
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

	agg := market.NewStaticAggregator(market.NewStats(uint256.NewInt(10), uint256.NewInt(1000), uint256.NewInt(1000)))
	strategy, err := market.NewStrikePriceStrategy(market.AtTheMoney, agg)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	e, err := core.NewVaultEngine(0, cfg, strategy, agg, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewVaultEngine failed: %v", err)
	}
	return e
}

// mustServer runs a dispatcher over a fresh engine and builds the API in
// front of it. Projection and admin dependencies are left unset.
func mustServer(t *testing.T) *server.GRPCServer {
	t.Helper()
	d := core.NewDispatcher(mustEngine(t), 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := server.NewVaultService(server.Deps{
		Submitter: d,
		Live:      query.NewLiveReader(d),
		Now:       func() time.Time { return t0 },
	})
	return server.NewGRPCServer("", "", svc, nil, nil)
}

func mustConn(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func submit(t *testing.T, conn *grpc.ClientConn, typ, body string) (*server.CommandReply, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Invoke[server.SubmitCommandRequest, server.CommandReply](ctx, conn, "SubmitCommand",
		&server.SubmitCommandRequest{Type: typ, Command: json.RawMessage(body)})
}

// ===== Test: gRPC =====

func TestGRPC_SubmitAndRead(t *testing.T) {
	conn := mustConn(t, mustServer(t))

	reply, err := submit(t, conn, "open_position", `{"from":"`+depositor+`","amount":"600"}`)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if reply.EventType != "PositionOpened" {
		t.Errorf("expected PositionOpened, got %s", reply.EventType)
	}
	var opened struct {
		PositionID uint64 `json:"position_id"`
		Amount     string `json:"amount"`
	}
	if err := json.Unmarshal(reply.Event, &opened); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if opened.PositionID != 0 || opened.Amount != "600" {
		t.Errorf("unexpected event %s", reply.Event)
	}

	ctx := context.Background()
	bal, err := server.Invoke[server.GetPositionBalanceRequest, query.PositionBalance](ctx, conn, "GetPositionBalance",
		&server.GetPositionBalanceRequest{PositionID: 0})
	if err != nil {
		t.Fatalf("GetPositionBalance failed: %v", err)
	}
	if bal.Unallocated != "600" || bal.Collateral != "0" {
		t.Errorf("expected 600 unallocated, got %+v", bal)
	}
	if bal.AsOfSequence != 0 {
		t.Errorf("expected as of sequence 0, got %d", bal.AsOfSequence)
	}
}

func TestGRPC_ErrorMapping(t *testing.T) {
	conn := mustConn(t, mustServer(t))

	tests := []struct {
		name string
		typ  string
		body string
		code codes.Code
		kind string
	}{
		{"unknown round", "claim_payout", `{"round_id":5,"account":"` + depositor + `"}`, codes.NotFound, "invalid_round_id"},
		{"below minimum", "open_position", `{"from":"` + depositor + `","amount":"5"}`, codes.InvalidArgument, "below_minimum"},
		{"no round yet", "settle_auction", `{}`, codes.FailedPrecondition, "invalid_state"},
		{"malformed", "open_position", `{"amount":`, codes.InvalidArgument, ""},
		{"unknown type", "mint", `{}`, codes.InvalidArgument, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := submit(t, conn, tt.typ, tt.body)
			if status.Code(err) != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if got := server.ErrorKind(err); got != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, got)
			}
		})
	}
}

func TestGRPC_ProjectionsUnavailable(t *testing.T) {
	conn := mustConn(t, mustServer(t))

	_, err := server.Invoke[server.GetRoundRequest, query.RoundSummary](context.Background(), conn, "GetRound",
		&server.GetRoundRequest{RoundID: 0})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

// ===== Test: HTTP gateway =====

func TestGateway_CommandAndOverview(t *testing.T) {
	h := mustServer(t).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/commands/open_position",
		bytes.NewBufferString(`{"from":"`+depositor+`","amount":"600"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var reply server.CommandReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.EventType != "PositionOpened" {
		t.Errorf("expected PositionOpened, got %s", reply.EventType)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/vault", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var ov query.VaultOverview
	if err := json.Unmarshal(rec.Body.Bytes(), &ov); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if ov.HasCurrentRound || ov.TotalUnallocated != "600" || ov.NextRoundID != 0 {
		t.Errorf("unexpected overview %+v", ov)
	}
}

func TestGateway_Errors(t *testing.T) {
	h := mustServer(t).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		kind   string
	}{
		{"bad position id", http.MethodGet, "/v1/positions/abc", "", http.StatusBadRequest, ""},
		{"unknown position", http.MethodGet, "/v1/positions/7", "", http.StatusNotFound, "invalid_position_id"},
		{"bad account", http.MethodGet, "/v1/rounds/0/buyers/nobody", "", http.StatusBadRequest, ""},
		{"type mismatch", http.MethodPost, "/v1/commands/deposit", `{"type":"withdraw"}`, http.StatusBadRequest, ""},
		{"projections off", http.MethodGet, "/v1/rounds", "", http.StatusServiceUnavailable, ""},
		{"snapshots off", http.MethodPost, "/v1/admin/snapshots", "", http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body)))
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body)
			}
			var body struct {
				Code    string `json:"code"`
				Kind    string `json:"kind"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, body.Kind)
			}
			if body.Message == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestGateway_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	mustServer(t).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
