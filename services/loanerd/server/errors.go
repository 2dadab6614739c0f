package server

import (
	"encoding/json"
	"errors"
	"net/http"

	loanererrors "loaner/core/errors"
	"loaner/native/common"
	"loaner/native/vault"
	"loaner/services/loanerd/auth"
)

var (
	errBadRequest    = errors.New("bad request")
	errRateLimited   = errors.New("rate limit exceeded")
	errMintDisabled  = errors.New("minting is disabled")
	errNoSnapshotter = errors.New("snapshots are not configured")
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an operation error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaAmountExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, vault.ErrUnavailable):
		return http.StatusServiceUnavailable, "vault_unavailable"
	case errors.Is(err, errMintDisabled), errors.Is(err, errNoSnapshotter):
		return http.StatusNotFound, "not_enabled"
	}
	switch loanererrors.Kind(err) {
	case loanererrors.ErrUnauthorized:
		return http.StatusForbidden, "unauthorized"
	case loanererrors.ErrLoanNotSettled:
		return http.StatusConflict, "loan_not_settled"
	case loanererrors.ErrStakeLocked:
		return http.StatusConflict, "stake_locked"
	case loanererrors.ErrInvalidState:
		return http.StatusConflict, "invalid_state"
	case loanererrors.ErrInsufficientFunds:
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case loanererrors.ErrInsufficientLiquidity:
		return http.StatusUnprocessableEntity, "insufficient_liquidity"
	case loanererrors.ErrInvalidBorrower:
		return http.StatusUnprocessableEntity, "invalid_borrower"
	case loanererrors.ErrInvalidAmount:
		return http.StatusBadRequest, "invalid_amount"
	case loanererrors.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case loanererrors.ErrModulePaused:
		return http.StatusServiceUnavailable, "module_paused"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
