package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"loanledger/native/lending"
)

func (s *Server) requestLoan(w http.ResponseWriter, r *http.Request) {
	borrower, ok := caller(w, r)
	if !ok {
		return
	}
	var body requestLoanBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "request", err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		s.writeEngineError(w, r, "request", err)
		return
	}
	collateral, err := parseAmount("collateral_amount", body.CollateralAmount)
	if err != nil {
		s.writeEngineError(w, r, "request", err)
		return
	}
	asset, err := parseAddress("collateral_asset", body.CollateralAsset)
	if err != nil {
		s.writeEngineError(w, r, "request", err)
		return
	}
	var resp loanResponse
	err = s.exec.Mutate(r.Context(), func() error {
		loan, err := s.engine.Request(r.Context(), borrower, lending.RequestParams{
			Amount:           amount,
			InterestRateBps:  body.InterestRateBps,
			Duration:         body.Duration,
			CollateralAsset:  asset,
			CollateralAmount: collateral,
		})
		if err != nil {
			return err
		}
		resp = toLoanResponse(loan, 0)
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "request", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// transition runs a lifecycle operation on the loan in the path and responds
// with the updated record.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, action string, withPayment bool,
	apply func(ctx context.Context, who common.Address, id uint64, payment *uint256.Int) error) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := loanIDParam(r)
	if err != nil {
		s.writeEngineError(w, r, action, err)
		return
	}
	var payment *uint256.Int
	if withPayment {
		var body paymentBody
		if err := decodeBody(r, &body); err != nil {
			s.writeEngineError(w, r, action, err)
			return
		}
		if payment, err = parseAmount("payment", body.Payment); err != nil {
			s.writeEngineError(w, r, action, err)
			return
		}
	}
	var resp loanResponse
	err = s.exec.Mutate(r.Context(), func() error {
		if err := apply(r.Context(), who, id, payment); err != nil {
			return err
		}
		loan, err := s.engine.Loan(id)
		if err != nil {
			return err
		}
		policy, err := s.engine.Policy()
		if err != nil {
			return err
		}
		resp = toLoanResponse(loan, policy.GracePeriod)
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, action, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelLoan(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel", false, func(_ context.Context, who common.Address, id uint64, _ *uint256.Int) error {
		return s.engine.Cancel(who, id)
	})
}

func (s *Server) fundLoan(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "fund", true, func(_ context.Context, who common.Address, id uint64, payment *uint256.Int) error {
		return s.engine.Fund(who, id, payment)
	})
}

func (s *Server) repayLoan(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "repay", true, func(_ context.Context, who common.Address, id uint64, payment *uint256.Int) error {
		return s.engine.Repay(who, id, payment)
	})
}

func (s *Server) defaultLoan(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "default", false, func(_ context.Context, who common.Address, id uint64, _ *uint256.Int) error {
		return s.engine.Default(who, id)
	})
}

func (s *Server) liquidateLoan(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "liquidate", true, func(ctx context.Context, who common.Address, id uint64, payment *uint256.Int) error {
		return s.engine.Liquidate(ctx, who, id, payment)
	})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeEngineError(w, r, "get_loan", err)
		return
	}
	var resp loanResponse
	err = s.exec.Read(func() error {
		loan, err := s.engine.Loan(id)
		if err != nil {
			return err
		}
		policy, err := s.engine.Policy()
		if err != nil {
			return err
		}
		resp = toLoanResponse(loan, policy.GracePeriod)
		if loan.State != lending.LoanFunded || loan.RemainingRepayment.IsZero() {
			return nil
		}
		quote, err := s.engine.QuoteLiquidation(r.Context(), id)
		if err != nil {
			// The record is still useful when the oracle is down.
			resp.ValuationError = err.Error()
			return nil
		}
		resp.Liquidation = toQuoteResponse(quote)
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "get_loan", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRatio(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeEngineError(w, r, "get_ratio", err)
		return
	}
	var quote lending.LiquidationQuote
	err = s.exec.Read(func() error {
		var err error
		quote, err = s.engine.QuoteLiquidation(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, "get_ratio", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(quote))
}

func (s *Server) accountLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", urlParam(r, "addr"))
	if err != nil {
		s.writeEngineError(w, r, "account_loans", err)
		return
	}
	role := r.URL.Query().Get("role")
	if role == "" {
		role = "borrower"
	}
	if role != "borrower" && role != "lender" {
		s.writeEngineError(w, r, "account_loans", fmt.Errorf("%w: role must be borrower or lender", errBadRequest))
		return
	}
	active := r.URL.Query().Get("active") == "true"
	resp := accountLoansResponse{Address: addr.Hex(), Role: role, Active: active}
	err = s.exec.Read(func() error {
		var ids []uint64
		var err error
		switch {
		case role == "lender" && active:
			ids, err = s.engine.ActiveLenderLoans(addr)
		case role == "lender":
			ids, err = s.engine.LenderLoans(addr)
		case active:
			ids, err = s.engine.ActiveBorrowerLoans(addr)
		default:
			ids, err = s.engine.BorrowerLoans(addr)
		}
		resp.LoanIDs = ids
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, "account_loans", err)
		return
	}
	if resp.LoanIDs == nil {
		resp.LoanIDs = []uint64{}
	}
	writeJSON(w, http.StatusOK, resp)
}
