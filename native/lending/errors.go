package lending

import (
	"errors"

	nativecommon "loanledger/native/common"
)

// Input validation.
var (
	ErrInvalidAmount       = errors.New("lending: invalid amount")
	ErrInvalidInterestRate = errors.New("lending: invalid interest rate")
	ErrInvalidDuration     = errors.New("lending: invalid duration")
	ErrInvalidCollateral   = errors.New("lending: invalid collateral amount")
	ErrTokenNotAllowed     = errors.New("lending: collateral token not allowed")
	ErrInvalidParameter    = errors.New("lending: invalid parameter")
	ErrMathOverflow        = errors.New("lending: arithmetic overflow")
)

// Policy limits.
var (
	ErrInsufficientCollateralValue = errors.New("lending: insufficient collateral value")
	ErrLoanTooLarge                = errors.New("lending: loan exceeds maximum amount")
	ErrTooManyActiveLoans          = errors.New("lending: too many active loans")
)

// State and authorization conflicts.
var (
	ErrInvalidLoanState       = errors.New("lending: invalid loan state")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrInvalidLoanID          = errors.New("lending: invalid loan id")
	ErrLoanNotExpired         = errors.New("lending: loan not expired")
	ErrLoanAlreadyRepaid      = errors.New("lending: loan already repaid")
	ErrSelfFunding            = errors.New("lending: borrower cannot fund own loan")
	ErrIncorrectFundingAmount = errors.New("lending: payment must equal principal")
	ErrCollateralSufficient   = errors.New("lending: collateral sufficient")
	ErrNoDebtToLiquidate      = errors.New("lending: no debt to liquidate")
	ErrInsufficientPayment    = errors.New("lending: payment below outstanding debt")
	ErrNotInitialized         = errors.New("lending: ledger not initialized")
	ErrAlreadyInitialized     = errors.New("lending: ledger already initialized")
	ErrRescueExceedsSurplus   = errors.New("lending: rescue exceeds unlocked surplus")
)

// Oracle rejections.
var (
	ErrPriceFeedUnavailable = errors.New("lending: price feed unavailable")
	ErrInvalidPriceData     = errors.New("lending: invalid price data")
	ErrStaleData            = errors.New("lending: stale price data")
)

// Execution failures.
var (
	ErrTransferFailed = errors.New("lending: transfer failed")
	ErrPaused         = nativecommon.ErrModulePaused
	ErrReentrantCall  = nativecommon.ErrReentrant

	errNilState = errors.New("lending: state not configured")
)
