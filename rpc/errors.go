package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowd/native/conditions"
	"escrowd/native/escrowperiod"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/operator"
	"escrowd/native/payment"
	"escrowd/native/refunds"
)

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("service unavailable")
)

// APIError is the JSON error envelope.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: APIError{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

// writeEngineError maps an engine error to its HTTP status.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	writeError(w, r, status, code, err.Error())
}

type errorClass struct {
	status int
	code   string
	errs   []error
}

// Validation failures are 400, authorization 403, state conflicts and
// reentrancy 409, ledger rejections 502. Checked in order; the ledger class
// comes last so a ledger error wrapped by the operator maps to 502 unless a
// more specific operator error matched first.
var errorClasses = []errorClass{
	{status: http.StatusServiceUnavailable, code: "unavailable", errs: []error{
		errUnavailable,
	}},
	{status: http.StatusBadRequest, code: "invalid_request", errs: []error{
		errBadRequest,
		payment.ErrInvalidPayment,
		operator.ErrInvalidAmount,
		operator.ErrInvalidOperator,
		operator.ErrInvalidFeeReceiver,
		fees.ErrFeeBoundsIncompatible,
		fees.ErrTimelockTooShort,
		fees.ErrCalculatorNotPersistable,
		refunds.ErrInvalidAmount,
		conditions.ErrEmptyCombinator,
		conditions.ErrTooManyConditions,
		conditions.ErrUnknownCondition,
	}},
	{status: http.StatusForbidden, code: "forbidden", errs: []error{
		operator.ErrConditionNotMet,
		operator.ErrSourceNotCaller,
		conditions.ErrUntrustedOperator,
		escrowperiod.ErrUnauthorizedFreeze,
		escrowperiod.ErrUnauthorizedUnfreeze,
		refunds.ErrNotPayer,
		refunds.ErrUnauthorized,
		fees.ErrUnauthorized,
	}},
	{status: http.StatusNotFound, code: "not_found", errs: []error{
		refunds.ErrNotFound,
		ledger.ErrUnknownPayment,
	}},
	{status: http.StatusConflict, code: "conflict", errs: []error{
		operator.ErrReentrant,
		operator.ErrExceedsCapturable,
		operator.ErrExceedsRefundable,
		operator.ErrFeeNotLocked,
		fees.ErrFeeAlreadyLocked,
		fees.ErrInsufficientAccumulated,
		fees.ErrProposalPending,
		fees.ErrNoPendingProposal,
		fees.ErrTimelockNotElapsed,
		escrowperiod.ErrNotAuthorized,
		escrowperiod.ErrAlreadyFrozen,
		escrowperiod.ErrNotFrozen,
		escrowperiod.ErrHoldExpired,
		refunds.ErrNonceUsed,
		refunds.ErrInvalidRefundState,
	}},
	{status: http.StatusBadGateway, code: "ledger_rejected", errs: []error{
		operator.ErrLedger,
		ledger.ErrNotOperator,
		ledger.ErrAlreadyAuthorized,
		ledger.ErrInvalidAmount,
		ledger.ErrExceedsCapturable,
		ledger.ErrExceedsRefundable,
		ledger.ErrPreApprovalExpired,
		ledger.ErrAuthorizationExpired,
		ledger.ErrRefundExpired,
		ledger.ErrNotExpired,
		ledger.ErrNotPayer,
		ledger.ErrInsufficientBalance,
		ledger.ErrFeeOutOfBounds,
		ledger.ErrFeeReceiver,
		ledger.ErrInvalidSource,
	}},
}

func classify(err error) (int, string) {
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status, class.code
			}
		}
	}
	return http.StatusInternalServerError, "internal"
}
