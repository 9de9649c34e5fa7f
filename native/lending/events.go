package lending

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"loanledger/core/types"
)

const (
	EventTypeLoanRequested   = "lending.loan.requested"
	EventTypeLoanCancelled   = "lending.loan.cancelled"
	EventTypeLoanFunded      = "lending.loan.funded"
	EventTypeLoanRepayment   = "lending.loan.repayment"
	EventTypeLoanRepaid      = "lending.loan.repaid"
	EventTypeLoanDefaulted   = "lending.loan.defaulted"
	EventTypeLoanLiquidated  = "lending.loan.liquidated"
	EventTypeParamUpdated    = "lending.param.updated"
	EventTypeAssetConfigured = "lending.asset.configured"
	EventTypeFeedBound       = "lending.feed.bound"
	EventTypePaused          = "lending.paused"
	EventTypeUnpaused        = "lending.unpaused"
	EventTypeRescued         = "lending.rescued"
	EventTypeOwnerChanged    = "lending.owner.changed"
)

type lendingEvent struct {
	evt *types.Event
}

func (e lendingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e lendingEvent) Event() *types.Event { return e.evt }

func newLoanEvent(eventType string, loan *Loan) *types.Event {
	evt := types.NewEvent(eventType)
	if loan == nil {
		return evt
	}
	evt.Attributes["loanId"] = strconv.FormatUint(loan.ID, 10)
	evt.Attributes["borrower"] = loan.Borrower.Hex()
	evt.Attributes["state"] = loan.State.String()
	evt.Attributes["collateralAsset"] = loan.CollateralAsset.Hex()
	evt.Attributes["collateralAmount"] = formatAmount(loan.CollateralAmount)
	evt.Attributes["principal"] = formatAmount(loan.Principal)
	evt.Attributes["remaining"] = formatAmount(loan.RemainingRepayment)
	if loan.Lender != (common.Address{}) {
		evt.Attributes["lender"] = loan.Lender.Hex()
	}
	return evt
}

// NewLoanRequestedEvent describes a freshly created loan request.
func NewLoanRequestedEvent(loan *Loan) *types.Event {
	evt := newLoanEvent(EventTypeLoanRequested, loan)
	evt.Attributes["interestRateBps"] = strconv.FormatUint(loan.InterestRateBps, 10)
	evt.Attributes["duration"] = strconv.FormatUint(loan.Duration, 10)
	evt.Attributes["repaymentAmount"] = formatAmount(loan.RepaymentAmount)
	return evt
}

func NewLoanCancelledEvent(loan *Loan) *types.Event {
	return newLoanEvent(EventTypeLoanCancelled, loan)
}

func NewLoanFundedEvent(loan *Loan, fee, toBorrower *uint256.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanFunded, loan)
	evt.Attributes["fee"] = formatAmount(fee)
	evt.Attributes["toBorrower"] = formatAmount(toBorrower)
	evt.Attributes["startTime"] = strconv.FormatUint(loan.StartTime, 10)
	return evt
}

// NewLoanRepaymentEvent describes a partial repayment.
func NewLoanRepaymentEvent(loan *Loan, paid *uint256.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepayment, loan)
	evt.Attributes["paid"] = formatAmount(paid)
	return evt
}

func NewLoanRepaidEvent(loan *Loan, paid, refund *uint256.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepaid, loan)
	evt.Attributes["paid"] = formatAmount(paid)
	evt.Attributes["refund"] = formatAmount(refund)
	return evt
}

func NewLoanDefaultedEvent(loan *Loan, caller common.Address) *types.Event {
	evt := newLoanEvent(EventTypeLoanDefaulted, loan)
	evt.Attributes["caller"] = caller.Hex()
	return evt
}

// NewLoanLiquidatedEvent describes the settlement of a liquidation.
func NewLoanLiquidatedEvent(loan *Loan, liquidator common.Address, debt, seized, surplus, refund *uint256.Int) *types.Event {
	evt := newLoanEvent(EventTypeLoanLiquidated, loan)
	evt.Attributes["liquidator"] = liquidator.Hex()
	evt.Attributes["debt"] = formatAmount(debt)
	evt.Attributes["seized"] = formatAmount(seized)
	evt.Attributes["surplus"] = formatAmount(surplus)
	evt.Attributes["refund"] = formatAmount(refund)
	return evt
}

// NewParamUpdatedEvent records a risk policy change.
func NewParamUpdatedEvent(name, previous, current string) *types.Event {
	evt := types.NewEvent(EventTypeParamUpdated)
	evt.Attributes["name"] = name
	evt.Attributes["previous"] = previous
	evt.Attributes["current"] = current
	return evt
}

func NewAssetConfiguredEvent(asset CollateralAsset) *types.Event {
	evt := types.NewEvent(EventTypeAssetConfigured)
	evt.Attributes["asset"] = asset.Asset.Hex()
	evt.Attributes["allowed"] = strconv.FormatBool(asset.Allowed)
	evt.Attributes["decimals"] = strconv.FormatUint(uint64(asset.Decimals), 10)
	return evt
}

func NewFeedBoundEvent(asset, feed common.Address) *types.Event {
	evt := types.NewEvent(EventTypeFeedBound)
	evt.Attributes["asset"] = asset.Hex()
	evt.Attributes["feed"] = feed.Hex()
	return evt
}

func NewPauseEvent(paused bool, by common.Address) *types.Event {
	eventType := EventTypeUnpaused
	if paused {
		eventType = EventTypePaused
	}
	evt := types.NewEvent(eventType)
	evt.Attributes["by"] = by.Hex()
	return evt
}

func NewRescuedEvent(asset, to common.Address, amount *uint256.Int) *types.Event {
	evt := types.NewEvent(EventTypeRescued)
	evt.Attributes["asset"] = asset.Hex()
	evt.Attributes["to"] = to.Hex()
	evt.Attributes["amount"] = formatAmount(amount)
	return evt
}

func NewOwnerChangedEvent(previous, current common.Address) *types.Event {
	evt := types.NewEvent(EventTypeOwnerChanged)
	evt.Attributes["previous"] = previous.Hex()
	evt.Attributes["current"] = current.Hex()
	return evt
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
