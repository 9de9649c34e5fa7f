package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BasisPoints is the denominator for every bps quantity.
	BasisPoints = 10_000
	// SecondsPerYear is the simple-interest year (365 days).
	SecondsPerYear = 365 * 24 * 60 * 60
	// MaxInterestRateBps caps the annual rate a borrower may offer.
	MaxInterestRateBps = 10_000
	// MaxLoanDuration caps the loan term in seconds.
	MaxLoanDuration = 365 * 24 * 60 * 60
	// BaseDecimals is the precision of normalized collateral values.
	BaseDecimals = 18
)

var (
	basisPoints    = uint256.NewInt(BasisPoints)
	secondsPerYear = uint256.NewInt(SecondsPerYear)
)

// mulDiv returns x*y/d rounded down, failing when the result exceeds 256 bits
// or d is zero.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrMathOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func add(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// bps applies a basis point rate to amount, rounding down.
func bps(amount *uint256.Int, rate uint64) (*uint256.Int, error) {
	return mulDiv(amount, uint256.NewInt(rate), basisPoints)
}

// RepaymentAmount computes principal plus simple interest for duration
// seconds at rateBps per year. Interest is computed in two steps, the annual
// amount first and then its pro-rata share, each rounding down.
func RepaymentAmount(principal *uint256.Int, rateBps, duration uint64) (*uint256.Int, error) {
	if principal == nil {
		return nil, ErrInvalidAmount
	}
	annual, err := bps(principal, rateBps)
	if err != nil {
		return nil, err
	}
	interest, err := mulDiv(annual, uint256.NewInt(duration), secondsPerYear)
	if err != nil {
		return nil, err
	}
	return add(principal, interest)
}

// FundingSplit returns the platform fee and the borrower's share of the
// principal. The two always sum to principal.
func FundingSplit(principal *uint256.Int, feeBps uint64) (fee, toBorrower *uint256.Int, err error) {
	fee, err = bps(principal, feeBps)
	if err != nil {
		return nil, nil, err
	}
	return fee, new(uint256.Int).Sub(principal, fee), nil
}

// SeizeAmount returns how much of collateralAmount a liquidator receives for
// repaying debt when the whole collateral is worth collateralValue.
func SeizeAmount(debt, collateralAmount, collateralValue *uint256.Int, bonusBps uint64) (*uint256.Int, error) {
	seizeValue, err := mulDiv(debt, uint256.NewInt(BasisPoints+bonusBps), basisPoints)
	if err != nil {
		return nil, err
	}
	if collateralValue.IsZero() || !seizeValue.Lt(collateralValue) {
		return new(uint256.Int).Set(collateralAmount), nil
	}
	return mulDiv(collateralAmount, seizeValue, collateralValue)
}

// RatioBps returns value/debt expressed in basis points.
func RatioBps(value, debt *uint256.Int) (*uint256.Int, error) {
	return mulDiv(value, basisPoints, debt)
}

func pow10(exp uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp)))
}
