package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"loanledger/native/lending"
	"loanledger/services/lendingd/archive"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Amounts travel as decimal strings of base units.

type requestLoanBody struct {
	Amount           string `json:"amount"`
	InterestRateBps  uint64 `json:"interest_rate_bps"`
	Duration         uint64 `json:"duration"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount string `json:"collateral_amount"`
}

type paymentBody struct {
	Payment string `json:"payment"`
}

type approveBody struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type assetBody struct {
	Allowed  bool   `json:"allowed"`
	Decimals uint8  `json:"decimals"`
	Feed     string `json:"feed,omitempty"`
}

type policyBody struct {
	CollateralRatioBps        *uint64 `json:"collateral_ratio_bps,omitempty"`
	PlatformFeeBps            *uint64 `json:"platform_fee_bps,omitempty"`
	MaxLoanAmount             *string `json:"max_loan_amount,omitempty"`
	MaxActiveLoansPerBorrower *uint64 `json:"max_active_loans_per_borrower,omitempty"`
	LiquidationThresholdBps   *uint64 `json:"liquidation_threshold_bps,omitempty"`
	LiquidationBonusBps       *uint64 `json:"liquidation_bonus_bps,omitempty"`
	GracePeriod               *uint64 `json:"grace_period,omitempty"`
}

type roundBody struct {
	Price     string `json:"price"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

type rescueBody struct {
	Asset  string `json:"asset,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type addressBody struct {
	Address string `json:"address"`
}

type loanResponse struct {
	ID                 uint64         `json:"id"`
	Borrower           string         `json:"borrower"`
	Lender             string         `json:"lender,omitempty"`
	Principal          string         `json:"principal"`
	InterestRateBps    uint64         `json:"interest_rate_bps"`
	Duration           uint64         `json:"duration"`
	CollateralAsset    string         `json:"collateral_asset"`
	CollateralAmount   string         `json:"collateral_amount"`
	RepaymentAmount    string         `json:"repayment_amount"`
	RemainingRepayment string         `json:"remaining_repayment"`
	StartTime          uint64         `json:"start_time,omitempty"`
	State              string         `json:"state"`
	Expiry             uint64         `json:"expiry,omitempty"`
	Liquidation        *quoteResponse `json:"liquidation,omitempty"`
	ValuationError     string         `json:"valuation_error,omitempty"`
}

type quoteResponse struct {
	CollateralValue string `json:"collateral_value"`
	Debt            string `json:"debt"`
	RatioBps        string `json:"ratio_bps"`
	Liquidatable    bool   `json:"liquidatable"`
	Seized          string `json:"seized"`
	Surplus         string `json:"surplus"`
}

type statsResponse struct {
	Total      uint64 `json:"total"`
	Active     uint64 `json:"active"`
	Repaid     uint64 `json:"repaid"`
	Defaulted  uint64 `json:"defaulted"`
	Cancelled  uint64 `json:"cancelled"`
	Liquidated uint64 `json:"liquidated"`
	LoanCount  uint64 `json:"loan_count"`
}

type policyResponse struct {
	CollateralRatioBps        uint64 `json:"collateral_ratio_bps"`
	PlatformFeeBps            uint64 `json:"platform_fee_bps"`
	MaxLoanAmount             string `json:"max_loan_amount"`
	MaxActiveLoansPerBorrower uint64 `json:"max_active_loans_per_borrower"`
	LiquidationThresholdBps   uint64 `json:"liquidation_threshold_bps"`
	LiquidationBonusBps       uint64 `json:"liquidation_bonus_bps"`
	GracePeriod               uint64 `json:"grace_period"`
	Owner                     string `json:"owner"`
	FeeRecipient              string `json:"fee_recipient"`
	Paused                    bool   `json:"paused"`
}

type assetResponse struct {
	Asset    string `json:"asset"`
	Allowed  bool   `json:"allowed"`
	Decimals uint8  `json:"decimals"`
	Feed     string `json:"feed,omitempty"`
	Locked   string `json:"locked"`
}

type accountLoansResponse struct {
	Address string   `json:"address"`
	Role    string   `json:"role"`
	Active  bool     `json:"active"`
	LoanIDs []uint64 `json:"loan_ids"`
}

type eventResponse struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"created_at"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
	Next   uint64          `json:"next"`
}

func toLoanResponse(loan *lending.Loan, grace uint64) loanResponse {
	out := loanResponse{
		ID:                 loan.ID,
		Borrower:           loan.Borrower.Hex(),
		Principal:          formatAmount(loan.Principal),
		InterestRateBps:    loan.InterestRateBps,
		Duration:           loan.Duration,
		CollateralAsset:    loan.CollateralAsset.Hex(),
		CollateralAmount:   formatAmount(loan.CollateralAmount),
		RepaymentAmount:    formatAmount(loan.RepaymentAmount),
		RemainingRepayment: formatAmount(loan.RemainingRepayment),
		StartTime:          loan.StartTime,
		State:              loan.State.String(),
		Expiry:             loan.Expiry(grace),
	}
	if loan.Lender != (common.Address{}) {
		out.Lender = loan.Lender.Hex()
	}
	return out
}

func toQuoteResponse(q lending.LiquidationQuote) *quoteResponse {
	return &quoteResponse{
		CollateralValue: formatAmount(q.CollateralValue),
		Debt:            formatAmount(q.Debt),
		RatioBps:        formatAmount(q.RatioBps),
		Liquidatable:    q.Liquidatable,
		Seized:          formatAmount(q.Seized),
		Surplus:         formatAmount(q.Surplus),
	}
}

func toEventResponse(rec archive.EventRecord) eventResponse {
	attrs, err := rec.Decoded()
	if err != nil {
		attrs = map[string]string{}
	}
	return eventResponse{
		Seq:        rec.Seq,
		ID:         rec.ID.String(),
		Type:       rec.Type,
		Attributes: attrs,
		CreatedAt:  rec.CreatedAt.Unix(),
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, value string) (*uint256.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	amount, err := uint256.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer: %v", errBadRequest, field, err)
	}
	return amount, nil
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errBadRequest, field)
	}
	return common.HexToAddress(value), nil
}

// parseOptionalAddress treats an empty value as the zero address.
func parseOptionalAddress(field, value string) (common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, value)
}

func loanIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: loan id %q", errBadRequest, raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
