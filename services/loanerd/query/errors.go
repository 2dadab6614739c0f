package query

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	loanererrors "loaner/core/errors"
)

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch loanererrors.Kind(err) {
	case loanererrors.ErrNotFound:
		return status.Error(codes.NotFound, err.Error())
	case loanererrors.ErrModulePaused:
		return status.Error(codes.Unavailable, "module paused")
	case loanererrors.ErrUnauthorized:
		return status.Error(codes.PermissionDenied, "unauthorized")
	case loanererrors.ErrInvalidAmount, loanererrors.ErrInvalidBorrower:
		return status.Error(codes.InvalidArgument, err.Error())
	case loanererrors.ErrInsufficientFunds, loanererrors.ErrInsufficientLiquidity:
		return status.Error(codes.ResourceExhausted, err.Error())
	case loanererrors.ErrInvalidState, loanererrors.ErrLoanNotSettled, loanererrors.ErrStakeLocked:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
