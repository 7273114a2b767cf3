package server

import (
	"context"
	"errors"

	"OptionVault/internal/core"
	"OptionVault/internal/vaulterr"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain attached to vault failures.
const ErrorDomain = "optionvault"

var kindCodes = map[string]codes.Code{
	"invalid_round_id":        codes.NotFound,
	"invalid_position_id":     codes.NotFound,
	"duplicate":               codes.AlreadyExists,
	"unavailable":             codes.Unavailable,
	"not_owner":               codes.PermissionDenied,
	"below_minimum":           codes.InvalidArgument,
	"below_reserve":           codes.InvalidArgument,
	"invalid_bid":             codes.InvalidArgument,
	"invalid_params":          codes.InvalidArgument,
	"invalid_state":           codes.FailedPrecondition,
	"insufficient_collateral": codes.FailedPrecondition,
	"auction_not_ended":       codes.FailedPrecondition,
	"auction_ended":           codes.FailedPrecondition,
	"no_bids":                 codes.FailedPrecondition,
	"no_clearing_price":       codes.FailedPrecondition,
	"already_settled":         codes.FailedPrecondition,
	"not_settled":             codes.FailedPrecondition,
	"no_allocation":           codes.FailedPrecondition,
	"no_refund_owed":          codes.FailedPrecondition,
	"option_not_expired":      codes.FailedPrecondition,
}

// toStatus converts an engine or store error to a gRPC status. Vault
// failures carry their kind as ErrorInfo.Reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, core.ErrDispatcherStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := vaulterr.Kind(err)
	code, ok := kindCodes[kind]
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	st, derr := status.New(code, err.Error()).WithDetails(&errdetails.ErrorInfo{
		Reason: kind,
		Domain: ErrorDomain,
	})
	if derr != nil {
		return status.Error(code, err.Error())
	}
	return st.Err()
}

// ErrorKind returns the vault failure kind carried by a status error, or
// "" when it carries none.
func ErrorKind(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return info.Reason
		}
	}
	return ""
}

func invalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
