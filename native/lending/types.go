package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LoanState enumerates the lifecycle states of a loan.
type LoanState uint8

const (
	LoanRequested LoanState = iota
	LoanFunded
	LoanRepaid
	LoanDefaulted
	LoanCancelled
	LoanLiquidated
)

func (s LoanState) String() string {
	switch s {
	case LoanRequested:
		return "requested"
	case LoanFunded:
		return "funded"
	case LoanRepaid:
		return "repaid"
	case LoanDefaulted:
		return "defaulted"
	case LoanCancelled:
		return "cancelled"
	case LoanLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Open reports whether collateral is still held for a loan in this state.
func (s LoanState) Open() bool {
	return s == LoanRequested || s == LoanFunded
}

// Terminal reports whether no further transitions are possible.
func (s LoanState) Terminal() bool {
	return !s.Open()
}

// Loan is the persisted loan record. Terms are fixed at creation; only
// Lender, StartTime, RemainingRepayment and State change afterwards.
type Loan struct {
	ID                 uint64
	Borrower           common.Address
	Lender             common.Address
	Principal          *uint256.Int
	InterestRateBps    uint64
	Duration           uint64
	CollateralAsset    common.Address
	CollateralAmount   *uint256.Int
	RepaymentAmount    *uint256.Int
	RemainingRepayment *uint256.Int
	// StartTime is the unix timestamp of funding, zero before.
	StartTime uint64
	State     LoanState
}

// Copy returns a deep copy of the loan.
func (l *Loan) Copy() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneAmount(l.Principal)
	clone.CollateralAmount = cloneAmount(l.CollateralAmount)
	clone.RepaymentAmount = cloneAmount(l.RepaymentAmount)
	clone.RemainingRepayment = cloneAmount(l.RemainingRepayment)
	return &clone
}

// Expiry returns the last second at which the loan is still within its term
// plus grace period. Default becomes possible strictly after it.
func (l *Loan) Expiry(gracePeriod uint64) uint64 {
	if l == nil || l.State == LoanRequested {
		return 0
	}
	return l.StartTime + l.Duration + gracePeriod
}

// RequestParams carries the borrower supplied terms of a new loan.
type RequestParams struct {
	Amount           *uint256.Int
	InterestRateBps  uint64
	Duration         uint64
	CollateralAsset  common.Address
	CollateralAmount *uint256.Int
}

// CollateralAsset describes an allow-listed collateral token.
type CollateralAsset struct {
	Asset    common.Address
	Allowed  bool
	Decimals uint8
	// Feed is the price feed bound to the asset; zero when unbound.
	Feed common.Address
}

// Stats is the snapshot of global loan counters.
type Stats struct {
	Total      uint64
	Active     uint64
	Repaid     uint64
	Defaulted  uint64
	Cancelled  uint64
	Liquidated uint64
}

// RoundData is the latest answer reported by a price feed. All fields are
// untrusted and validated by the CollateralValuator.
type RoundData struct {
	RoundID         uint64
	Price           *big.Int
	StartedAt       uint64
	UpdatedAt       uint64
	AnsweredInRound uint64
	Decimals        uint8
}

// LiquidationQuote previews the outcome of liquidating a funded loan at the
// current collateral price.
type LiquidationQuote struct {
	CollateralValue *uint256.Int
	Debt            *uint256.Int
	RatioBps        *uint256.Int
	Liquidatable    bool
	Seized          *uint256.Int
	Surplus         *uint256.Int
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
