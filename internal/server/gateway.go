package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"OptionVault/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 64 << 10

type route struct {
	method  string
	pattern string
	name    string
	handle  func(svc VaultServiceServer, r *http.Request, params map[string]string) (interface{}, error)
}

// routes maps the HTTP/JSON surface onto VaultServiceServer. Path
// parameters follow the google.api.http template syntax.
var routes = []route{
	{"POST", "/v1/commands/{type}", "SubmitCommand", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			return nil, invalidArgument("read body: %v", err)
		}
		return svc.SubmitCommand(r.Context(), &SubmitCommandRequest{Type: p["type"], Command: body})
	}},
	{"GET", "/v1/vault", "GetVaultOverview", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return svc.GetVaultOverview(r.Context(), &GetVaultOverviewRequest{})
	}},
	{"GET", "/v1/positions/{position_id}", "GetPositionBalance", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := uintParam(p, "position_id")
		if err != nil {
			return nil, err
		}
		return svc.GetPositionBalance(r.Context(), &GetPositionBalanceRequest{PositionID: id})
	}},
	{"GET", "/v1/rounds", "ListRounds", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		cursor, limit, err := pageParams(r)
		if err != nil {
			return nil, err
		}
		return svc.ListRounds(r.Context(), &ListRoundsRequest{Cursor: cursor, Limit: limit})
	}},
	{"GET", "/v1/rounds/{round_id}", "GetRound", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := uintParam(p, "round_id")
		if err != nil {
			return nil, err
		}
		return svc.GetRound(r.Context(), &GetRoundRequest{RoundID: id})
	}},
	{"GET", "/v1/rounds/{round_id}/events", "ListRoundEvents", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := uintParam(p, "round_id")
		if err != nil {
			return nil, err
		}
		cursor, limit, err := pageParams(r)
		if err != nil {
			return nil, err
		}
		return svc.ListRoundEvents(r.Context(), &ListRoundEventsRequest{RoundID: id, Cursor: cursor, Limit: limit})
	}},
	{"GET", "/v1/rounds/{round_id}/buyers/{account}", "GetBuyerBalance", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := uintParam(p, "round_id")
		if err != nil {
			return nil, err
		}
		account, err := addressParam(p, "account")
		if err != nil {
			return nil, err
		}
		return svc.GetBuyerBalance(r.Context(), &GetBuyerBalanceRequest{RoundID: id, Account: account})
	}},
	{"GET", "/v1/buyers/{account}/claims", "ListBuyerClaims", func(svc VaultServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		account, err := addressParam(p, "account")
		if err != nil {
			return nil, err
		}
		cursor, limit, err := pageParams(r)
		if err != nil {
			return nil, err
		}
		return svc.ListBuyerClaims(r.Context(), &ListBuyerClaimsRequest{Account: account, Cursor: cursor, Limit: limit})
	}},
	{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	}},
	{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return svc.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
	}},
	{"POST", "/v1/admin/projections/rebuild", "RebuildProjections", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return svc.RebuildProjections(r.Context(), &RebuildProjectionsRequest{})
	}},
	{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(svc VaultServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return svc.GetEventLogInfo(r.Context(), &GetEventLogInfoRequest{})
	}},
}

// NewGateway serves the vault service as HTTP/JSON. Handlers call svc in
// process rather than proxying to the gRPC listener.
func NewGateway(svc VaultServiceServer, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.handle(svc, r, params)
			observe(metrics, rt.name, err, start)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// errorBody is the JSON error shape. Kind is the vault failure kind,
// empty for transport errors.
type errorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	err = toStatus(err)
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Kind:    ErrorKind(err),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func uintParam(params map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, invalidArgument("invalid %s %q", name, params[name])
	}
	return v, nil
}

func addressParam(params map[string]string, name string) (common.Address, error) {
	s := params[name]
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArgument("invalid %s %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func pageParams(r *http.Request) (*int64, int, error) {
	q := r.URL.Query()

	var cursor *int64
	if s := q.Get("cursor"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, 0, invalidArgument("invalid cursor %q", s)
		}
		cursor = &v
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, 0, invalidArgument("invalid limit %q", s)
		}
		limit = v
	}
	return cursor, limit, nil
}
