package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/users"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation        = "validation_failed"
	CodeInsufficientFunds = "insufficient_funds"
	CodeInvalidAmount     = "invalid_amount"
	CodeLimitExceeded     = "limit_exceeded"
	CodeSameAccount       = "same_account"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

type httpError struct {
	status  int
	code    string
	message string
	details any
}

// classify maps a handler error to its response. Unknown errors are 500
// and never echo their text.
func classify(err error) httpError {
	var reqErr *requestError
	var funds *ledger.InsufficientFundsError

	switch {
	case errors.As(err, &reqErr):
		e := httpError{status: http.StatusBadRequest, code: CodeValidation, message: reqErr.msg}
		if len(reqErr.fields) > 0 {
			e.details = reqErr.fields
		}
		return e
	case errors.Is(err, users.ErrInvalidUser):
		return httpError{status: http.StatusBadRequest, code: CodeValidation, message: err.Error()}
	case errors.As(err, &funds):
		return httpError{
			status:  http.StatusBadRequest,
			code:    CodeInsufficientFunds,
			message: "Insufficient funds",
			details: map[string]any{
				"balance":   amountJSON(funds.Available),
				"requested": amountJSON(funds.Requested),
				"shortfall": amountJSON(funds.Shortfall()),
			},
		}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return httpError{status: http.StatusBadRequest, code: CodeInsufficientFunds, message: "Insufficient funds"}
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidKind):
		return httpError{status: http.StatusBadRequest, code: CodeInvalidAmount, message: err.Error()}
	case errors.Is(err, ledger.ErrLimitExceeded):
		return httpError{status: http.StatusBadRequest, code: CodeLimitExceeded, message: err.Error()}
	case errors.Is(err, ledger.ErrSameAccount):
		return httpError{status: http.StatusBadRequest, code: CodeSameAccount, message: err.Error()}
	case errors.Is(err, users.ErrInvalidCredentials):
		return httpError{status: http.StatusUnauthorized, code: CodeUnauthorized, message: "Incorrect email or password"}
	case errors.Is(err, users.ErrUserNotFound):
		return httpError{status: http.StatusNotFound, code: CodeNotFound, message: "User not found"}
	case errors.Is(err, ledger.ErrAccountNotFound):
		return httpError{status: http.StatusNotFound, code: CodeNotFound, message: "Account not found"}
	case errors.Is(err, ledger.ErrMovementNotFound):
		return httpError{status: http.StatusNotFound, code: CodeNotFound, message: "Statement not found"}
	case errors.Is(err, users.ErrEmailTaken):
		return httpError{status: http.StatusConflict, code: CodeConflict, message: "User already exists"}
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return httpError{status: http.StatusConflict, code: CodeConflict, message: "Idempotency key reused with a different request"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, ledger.ErrPersistenceFailure), errors.Is(err, ledger.ErrSequenceConflict):
		return httpError{status: http.StatusServiceUnavailable, code: CodeUnavailable, message: "Service temporarily unavailable, retry with the same Idempotency-Key"}
	default:
		return httpError{status: http.StatusInternalServerError, code: CodeInternal, message: "Internal server error"}
	}
}

// fail writes err as a JSON error. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		h.log.Error(r.Context(), "api.request_failed", err)
	}
	writeErrorResponse(w, e.status, ErrorResponse{
		Error:   e.message,
		Message: e.message,
		Code:    e.code,
		Details: e.details,
	})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeErrorResponse(w, status, resp)
}
