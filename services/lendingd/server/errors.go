package server

import (
	"context"
	"errors"
	"net/http"

	"loanledger/native/bank"
	"loanledger/native/lending"
	"loanledger/services/lendingd/feeds"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable is checked in order; the first errors.Is match wins. Transfer
// failures are listed before the bank errors they wrap.
var errorTable = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{lending.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{lending.ErrInvalidInterestRate, http.StatusBadRequest, "invalid_interest_rate"},
	{lending.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{lending.ErrInvalidCollateral, http.StatusBadRequest, "invalid_collateral"},
	{lending.ErrTokenNotAllowed, http.StatusBadRequest, "token_not_allowed"},
	{lending.ErrInvalidParameter, http.StatusBadRequest, "invalid_parameter"},
	{lending.ErrMathOverflow, http.StatusBadRequest, "math_overflow"},
	{lending.ErrInsufficientCollateralValue, http.StatusBadRequest, "insufficient_collateral_value"},
	{lending.ErrLoanTooLarge, http.StatusBadRequest, "loan_too_large"},
	{lending.ErrSelfFunding, http.StatusBadRequest, "self_funding"},
	{lending.ErrIncorrectFundingAmount, http.StatusBadRequest, "incorrect_funding_amount"},
	{lending.ErrInsufficientPayment, http.StatusBadRequest, "insufficient_payment"},
	{feeds.ErrInvalidRound, http.StatusBadRequest, "invalid_round"},
	{bank.ErrNativeAllowance, http.StatusBadRequest, "native_allowance"},
	{lending.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{lending.ErrInvalidLoanID, http.StatusNotFound, "loan_not_found"},
	{lending.ErrTooManyActiveLoans, http.StatusConflict, "too_many_active_loans"},
	{lending.ErrInvalidLoanState, http.StatusConflict, "invalid_loan_state"},
	{lending.ErrLoanNotExpired, http.StatusConflict, "loan_not_expired"},
	{lending.ErrLoanAlreadyRepaid, http.StatusConflict, "loan_already_repaid"},
	{lending.ErrCollateralSufficient, http.StatusConflict, "collateral_sufficient"},
	{lending.ErrNoDebtToLiquidate, http.StatusConflict, "no_debt"},
	{lending.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
	{lending.ErrRescueExceedsSurplus, http.StatusConflict, "rescue_exceeds_surplus"},
	{lending.ErrReentrantCall, http.StatusConflict, "reentrant_call"},
	{lending.ErrPriceFeedUnavailable, http.StatusFailedDependency, "price_feed_unavailable"},
	{lending.ErrInvalidPriceData, http.StatusFailedDependency, "invalid_price_data"},
	{lending.ErrStaleData, http.StatusFailedDependency, "stale_price_data"},
	{lending.ErrTransferFailed, http.StatusPaymentRequired, "transfer_failed"},
	{bank.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{bank.ErrInsufficientAllowance, http.StatusPaymentRequired, "insufficient_allowance"},
	{lending.ErrPaused, http.StatusServiceUnavailable, "paused"},
	{lending.ErrNotInitialized, http.StatusServiceUnavailable, "not_initialized"},
}

// translateEngineError maps ledger sentinels to an HTTP status and a stable
// error code.
func translateEngineError(err error) (int, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, code := translateEngineError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("ledger operation failed", "action", action, "error", err, "request_id", requestID(r))
		message = "internal error"
	} else {
		s.logger.Debug("ledger operation rejected", "action", action, "code", code, "error", err, "request_id", requestID(r))
	}
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
