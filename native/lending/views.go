package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// Loan returns a copy of the loan record.
func (e *Engine) Loan(id uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadLoan(id)
}

// LoanCount returns the number of loans ever requested.
func (e *Engine) LoanCount() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.loanCount()
}

// LockedCollateral returns the amount of asset pledged to open loans.
func (e *Engine) LockedCollateral(asset common.Address) (*uint256.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.Ledger().Locked(asset)
}

// StatsSnapshot returns the global counters.
func (e *Engine) StatsSnapshot() (Stats, error) {
	if err := e.ready(); err != nil {
		return Stats{}, err
	}
	return e.Stats().Snapshot()
}

// Policy returns the current risk policy.
func (e *Engine) Policy() (RiskPolicy, error) {
	if err := e.ready(); err != nil {
		return RiskPolicy{}, err
	}
	return e.loadPolicy()
}

// CollateralAsset returns the configuration of asset.
func (e *Engine) CollateralAsset(asset common.Address) (CollateralAsset, bool, error) {
	if err := e.ready(); err != nil {
		return CollateralAsset{}, false, err
	}
	return e.loadAsset(asset)
}

// CollateralAssets lists every configured collateral asset, allowed or not.
func (e *Engine) CollateralAssets() ([]CollateralAsset, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	addrs, err := e.assetList()
	if err != nil {
		return nil, err
	}
	out := make([]CollateralAsset, 0, len(addrs))
	for _, addr := range addrs {
		record, ok, err := e.loadAsset(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, nil
}

// BorrowerLoans returns every loan id the borrower has requested.
func (e *Engine) BorrowerLoans(borrower common.Address) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loanIndex(roleBorrower, borrower)
}

// LenderLoans returns every loan id the lender has funded.
func (e *Engine) LenderLoans(lender common.Address) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loanIndex(roleLender, lender)
}

// ActiveBorrowerLoans returns the borrower's Requested and Funded loans.
func (e *Engine) ActiveBorrowerLoans(borrower common.Address) ([]uint64, error) {
	return e.filterIndex(roleBorrower, borrower, LoanState.Open)
}

// ActiveLenderLoans returns the lender's Funded loans.
func (e *Engine) ActiveLenderLoans(lender common.Address) ([]uint64, error) {
	return e.filterIndex(roleLender, lender, func(s LoanState) bool { return s == LoanFunded })
}

// ActiveLoanCount returns the counter enforced against
// MaxActiveLoansPerBorrower (borrower) or tracked for lenders.
func (e *Engine) ActiveLoanCount(addr common.Address, lender bool) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if lender {
		return e.activeCount(roleLender, addr)
	}
	return e.activeCount(roleBorrower, addr)
}

// filterIndex walks the append-only index twice: once to size the result and
// once to fill it, so the returned slice has exactly the matching entries.
func (e *Engine) filterIndex(r role, addr common.Address, keep func(LoanState) bool) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids, err := e.loanIndex(r, addr)
	if err != nil {
		return nil, err
	}
	states := make([]LoanState, len(ids))
	matches := 0
	for i, id := range ids {
		loan, err := e.loadLoan(id)
		if err != nil {
			return nil, err
		}
		states[i] = loan.State
		if keep(loan.State) {
			matches++
		}
	}
	out := make([]uint64, 0, matches)
	for i, id := range ids {
		if keep(states[i]) {
			out = append(out, id)
		}
	}
	return out, nil
}

// CollateralizationRatio returns the live collateral value over the remaining
// debt of a funded loan, in basis points.
func (e *Engine) CollateralizationRatio(ctx context.Context, id uint64) (*uint256.Int, error) {
	quote, err := e.QuoteLiquidation(ctx, id)
	if err != nil {
		return nil, err
	}
	return quote.RatioBps, nil
}

// QuoteLiquidation previews a liquidation of a funded loan at the current
// price without changing state.
func (e *Engine) QuoteLiquidation(ctx context.Context, id uint64) (LiquidationQuote, error) {
	if err := e.ready(); err != nil {
		return LiquidationQuote{}, err
	}
	loan, err := e.loadLoan(id)
	if err != nil {
		return LiquidationQuote{}, err
	}
	if loan.State != LoanFunded {
		return LiquidationQuote{}, fmt.Errorf("%w: %s loan has no live ratio", ErrInvalidLoanState, loan.State)
	}
	if loan.RemainingRepayment.IsZero() {
		return LiquidationQuote{}, ErrNoDebtToLiquidate
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return LiquidationQuote{}, err
	}
	return e.quoteLiquidation(ctx, loan, policy)
}

// CollateralValue values quantity of a configured asset at the current price.
func (e *Engine) CollateralValue(ctx context.Context, asset common.Address, quantity *uint256.Int) (*uint256.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, ok, err := e.loadAsset(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	return e.valuator.Value(ctx, record, quantity)
}
