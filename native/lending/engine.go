package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"loanledger/core/events"
	"loanledger/core/types"
	nativecommon "loanledger/native/common"
)

const moduleName = "lending"

// NativeAsset identifies the base currency loans are denominated in.
var NativeAsset = common.Address{}

// AssetTransfer moves value between accounts. TransferFrom pulls tokens using
// an allowance granted to spender; Transfer pays out of from directly.
type AssetTransfer interface {
	Transfer(asset, from, to common.Address, amount *uint256.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error
	BalanceOf(asset, holder common.Address) (*uint256.Int, error)
}

// Engine is the loan registry. It owns loan records, the locked collateral
// ledger, the per-user indices and the global counters, and drives every
// lifecycle transition.
type Engine struct {
	state    Storage
	assets   AssetTransfer
	valuator *CollateralValuator
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	custody  common.Address
	nowFn    func() int64
	latch    nativecommon.Latch
}

// NewEngine wires the registry to its state, transfer rail and price source.
// custody is the account that holds collateral and in-flight payments.
func NewEngine(state Storage, assets AssetTransfer, prices PriceSource, custody common.Address) *Engine {
	e := &Engine{
		state:    state,
		assets:   assets,
		valuator: NewCollateralValuator(prices),
		emitter:  events.NoopEmitter{},
		custody:  custody,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	e.pauses = e
	return e
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for loan timing and price staleness.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
	e.valuator.SetNowFunc(now)
}

// SetPauses layers an external pause view over the ledger's own flag.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	if p == nil {
		e.pauses = e
		return
	}
	e.pauses = pauseChain{e, p}
}

// Custody returns the account holding collateral.
func (e *Engine) Custody() common.Address { return e.custody }

// Ledger exposes the locked collateral tracker.
func (e *Engine) Ledger() LedgerAccount { return LedgerAccount{state: e.state} }

// Stats exposes the loan counters.
func (e *Engine) Stats() StatsAggregator { return StatsAggregator{state: e.state} }

// IsPaused reports the ledger's own pause flag. Unreadable state counts as
// paused.
func (e *Engine) IsPaused(module string) bool {
	if module != moduleName {
		return false
	}
	admin, err := e.loadAdmin()
	if err != nil {
		return !errors.Is(err, ErrNotInitialized)
	}
	return admin.Paused
}

type pauseChain []nativecommon.PauseView

func (c pauseChain) IsPaused(module string) bool {
	for _, view := range c {
		if view.IsPaused(module) {
			return true
		}
	}
	return false
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return clampUnix(time.Now().Unix())
	}
	return clampUnix(e.nowFn())
}

// operation scopes one mutating call: it holds the reentrancy latch, the
// state snapshot to revert to and the events to publish on success.
type operation struct {
	engine   *Engine
	snapshot int
	release  func()
	pending  []*types.Event
}

func (e *Engine) begin(checkPause bool) (*operation, error) {
	if e == nil || e.state == nil || e.assets == nil {
		return nil, errNilState
	}
	release, err := e.latch.Enter(moduleName)
	if err != nil {
		return nil, err
	}
	if checkPause {
		if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
			release()
			return nil, err
		}
	}
	return &operation{engine: e, snapshot: e.state.Snapshot(), release: release}, nil
}

func (op *operation) emit(evt *types.Event) {
	op.pending = append(op.pending, evt)
}

// finish reverts state on error or panic and otherwise publishes events. It
// must be deferred directly so recover observes ledger assertions.
func (op *operation) finish(errp *error) {
	if r := recover(); r != nil {
		op.engine.state.RevertToSnapshot(op.snapshot)
		op.release()
		panic(r)
	}
	if *errp != nil {
		op.engine.state.RevertToSnapshot(op.snapshot)
		op.release()
		return
	}
	op.release()
	for _, evt := range op.pending {
		op.engine.emitter.Emit(lendingEvent{evt: evt})
	}
}

func (e *Engine) pay(asset, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := e.assets.Transfer(asset, e.custody, to, amount); err != nil {
		return fmt.Errorf("%w: pay %s to %s: %w", ErrTransferFailed, amount.Dec(), to.Hex(), err)
	}
	return nil
}

func (e *Engine) receive(from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := e.assets.Transfer(NativeAsset, from, e.custody, amount); err != nil {
		return fmt.Errorf("%w: receive %s from %s: %w", ErrTransferFailed, amount.Dec(), from.Hex(), err)
	}
	return nil
}

func paymentAmount(payment *uint256.Int) *uint256.Int {
	if payment == nil {
		return new(uint256.Int)
	}
	return payment
}

// Request creates a loan in the Requested state and pulls the borrower's
// collateral into custody. The borrower must have approved the custody
// account for the collateral amount.
func (e *Engine) Request(ctx context.Context, borrower common.Address, params RequestParams) (_ *Loan, err error) {
	op, err := e.begin(true)
	if err != nil {
		return nil, err
	}
	defer op.finish(&err)

	if params.Amount == nil || params.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if params.InterestRateBps == 0 || params.InterestRateBps > MaxInterestRateBps {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidInterestRate, params.InterestRateBps)
	}
	if params.Duration == 0 || params.Duration > MaxLoanDuration {
		return nil, fmt.Errorf("%w: %ds", ErrInvalidDuration, params.Duration)
	}
	if params.CollateralAmount == nil || params.CollateralAmount.IsZero() {
		return nil, ErrInvalidCollateral
	}
	asset, ok, err := e.loadAsset(params.CollateralAsset)
	if err != nil {
		return nil, err
	}
	if !ok || !asset.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, params.CollateralAsset.Hex())
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return nil, err
	}
	if params.Amount.Gt(policy.MaxLoanAmount) {
		return nil, fmt.Errorf("%w: %s > %s", ErrLoanTooLarge, params.Amount.Dec(), policy.MaxLoanAmount.Dec())
	}
	active, err := e.activeCount(roleBorrower, borrower)
	if err != nil {
		return nil, err
	}
	if active >= policy.MaxActiveLoansPerBorrower {
		return nil, fmt.Errorf("%w: %d of %d", ErrTooManyActiveLoans, active, policy.MaxActiveLoansPerBorrower)
	}
	value, err := e.valuator.Value(ctx, asset, params.CollateralAmount)
	if err != nil {
		return nil, err
	}
	required, err := policy.RequiredCollateralValue(params.Amount)
	if err != nil {
		return nil, err
	}
	if value.Lt(required) {
		return nil, fmt.Errorf("%w: worth %s, need %s", ErrInsufficientCollateralValue, value.Dec(), required.Dec())
	}
	repayment, err := RepaymentAmount(params.Amount, params.InterestRateBps, params.Duration)
	if err != nil {
		return nil, err
	}

	if err := e.assets.TransferFrom(params.CollateralAsset, e.custody, borrower, e.custody, params.CollateralAmount); err != nil {
		return nil, fmt.Errorf("%w: pull collateral: %w", ErrTransferFailed, err)
	}
	if err := e.Ledger().Lock(params.CollateralAsset, params.CollateralAmount); err != nil {
		return nil, err
	}
	loan := &Loan{
		Borrower:           borrower,
		Principal:          new(uint256.Int).Set(params.Amount),
		InterestRateBps:    params.InterestRateBps,
		Duration:           params.Duration,
		CollateralAsset:    params.CollateralAsset,
		CollateralAmount:   new(uint256.Int).Set(params.CollateralAmount),
		RepaymentAmount:    repayment,
		RemainingRepayment: new(uint256.Int).Set(repayment),
		State:              LoanRequested,
	}
	if err := e.appendLoan(loan); err != nil {
		return nil, err
	}
	if err := e.appendIndex(roleBorrower, borrower, loan.ID); err != nil {
		return nil, err
	}
	if err := e.adjustActive(roleBorrower, borrower, 1); err != nil {
		return nil, err
	}
	if err := e.Stats().recordRequested(); err != nil {
		return nil, err
	}
	op.emit(NewLoanRequestedEvent(loan))
	return loan.Copy(), nil
}

// Cancel withdraws an unfunded request and returns the collateral.
func (e *Engine) Cancel(caller common.Address, id uint64) (err error) {
	op, err := e.begin(true)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if caller != loan.Borrower {
		return ErrUnauthorized
	}
	if loan.State != LoanRequested {
		return fmt.Errorf("%w: cannot cancel %s loan", ErrInvalidLoanState, loan.State)
	}
	loan.State = LoanCancelled
	if err := e.storeLoan(loan); err != nil {
		return err
	}
	if err := e.Ledger().Unlock(loan.CollateralAsset, loan.CollateralAmount); err != nil {
		return err
	}
	if err := e.adjustActive(roleBorrower, loan.Borrower, -1); err != nil {
		return err
	}
	if err := e.Stats().recordCancelled(); err != nil {
		return err
	}
	if err := e.pay(loan.CollateralAsset, loan.Borrower, loan.CollateralAmount); err != nil {
		return err
	}
	op.emit(NewLoanCancelledEvent(loan))
	return nil
}

// Fund supplies exactly the principal of a requested loan. The platform fee
// goes to the fee recipient and the rest to the borrower.
func (e *Engine) Fund(lender common.Address, id uint64, payment *uint256.Int) (err error) {
	op, err := e.begin(true)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	payment = paymentAmount(payment)
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.State != LoanRequested {
		return fmt.Errorf("%w: cannot fund %s loan", ErrInvalidLoanState, loan.State)
	}
	if lender == loan.Borrower {
		return ErrSelfFunding
	}
	if !payment.Eq(loan.Principal) {
		return fmt.Errorf("%w: got %s, principal %s", ErrIncorrectFundingAmount, payment.Dec(), loan.Principal.Dec())
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	admin, err := e.loadAdmin()
	if err != nil {
		return err
	}
	fee, toBorrower, err := FundingSplit(loan.Principal, policy.PlatformFeeBps)
	if err != nil {
		return err
	}
	if err := e.receive(lender, payment); err != nil {
		return err
	}

	loan.Lender = lender
	loan.StartTime = e.now()
	loan.State = LoanFunded
	if err := e.storeLoan(loan); err != nil {
		return err
	}
	if err := e.appendIndex(roleLender, lender, loan.ID); err != nil {
		return err
	}
	if err := e.adjustActive(roleLender, lender, 1); err != nil {
		return err
	}
	if err := e.Stats().recordFunded(); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, admin.FeeRecipient, fee); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, loan.Borrower, toBorrower); err != nil {
		return err
	}
	op.emit(NewLoanFundedEvent(loan, fee, toBorrower))
	return nil
}

// Repay applies a borrower payment. Paying at least the remaining amount
// closes the loan, returns the collateral and refunds any excess; smaller
// payments are forwarded to the lender immediately.
func (e *Engine) Repay(caller common.Address, id uint64, payment *uint256.Int) (err error) {
	op, err := e.begin(true)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	payment = paymentAmount(payment)
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if caller != loan.Borrower {
		return ErrUnauthorized
	}
	if loan.State != LoanFunded {
		return fmt.Errorf("%w: cannot repay %s loan", ErrInvalidLoanState, loan.State)
	}
	if payment.IsZero() {
		return ErrInvalidAmount
	}
	if err := e.receive(caller, payment); err != nil {
		return err
	}

	if payment.Lt(loan.RemainingRepayment) {
		loan.RemainingRepayment = new(uint256.Int).Sub(loan.RemainingRepayment, payment)
		if err := e.storeLoan(loan); err != nil {
			return err
		}
		if err := e.pay(NativeAsset, loan.Lender, payment); err != nil {
			return err
		}
		op.emit(NewLoanRepaymentEvent(loan, payment))
		return nil
	}

	owed := new(uint256.Int).Set(loan.RemainingRepayment)
	excess := new(uint256.Int).Sub(payment, owed)
	loan.RemainingRepayment = new(uint256.Int)
	loan.State = LoanRepaid
	if err := e.close(loan); err != nil {
		return err
	}
	if err := e.pay(loan.CollateralAsset, loan.Borrower, loan.CollateralAmount); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, loan.Lender, owed); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, loan.Borrower, excess); err != nil {
		return err
	}
	op.emit(NewLoanRepaidEvent(loan, owed, excess))
	return nil
}

// Default writes off an expired loan in favour of its collateral, which goes
// to the lender. Anyone may call it once the grace period has elapsed.
func (e *Engine) Default(caller common.Address, id uint64) (err error) {
	op, err := e.begin(true)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.State != LoanFunded {
		return fmt.Errorf("%w: cannot default %s loan", ErrInvalidLoanState, loan.State)
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	if now, expiry := e.now(), loan.Expiry(policy.GracePeriod); now <= expiry {
		return fmt.Errorf("%w: expires after %d, now %d", ErrLoanNotExpired, expiry, now)
	}
	if loan.RemainingRepayment.IsZero() {
		return ErrLoanAlreadyRepaid
	}
	loan.State = LoanDefaulted
	if err := e.close(loan); err != nil {
		return err
	}
	if err := e.pay(loan.CollateralAsset, loan.Lender, loan.CollateralAmount); err != nil {
		return err
	}
	op.emit(NewLoanDefaultedEvent(loan, caller))
	return nil
}

// Liquidate lets a third party repay an under-collateralised loan in exchange
// for the collateral worth the debt plus the liquidation bonus. Remaining
// collateral goes back to the borrower.
func (e *Engine) Liquidate(ctx context.Context, liquidator common.Address, id uint64, payment *uint256.Int) (err error) {
	op, err := e.begin(true)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	payment = paymentAmount(payment)
	loan, err := e.loadLoan(id)
	if err != nil {
		return err
	}
	if loan.State != LoanFunded {
		return fmt.Errorf("%w: cannot liquidate %s loan", ErrInvalidLoanState, loan.State)
	}
	if loan.RemainingRepayment.IsZero() {
		return ErrNoDebtToLiquidate
	}
	policy, err := e.loadPolicy()
	if err != nil {
		return err
	}
	quote, err := e.quoteLiquidation(ctx, loan, policy)
	if err != nil {
		return err
	}
	if !quote.Liquidatable {
		return fmt.Errorf("%w: ratio %s bps, threshold %d", ErrCollateralSufficient, quote.RatioBps.Dec(), policy.LiquidationThresholdBps)
	}
	if payment.Lt(quote.Debt) {
		return fmt.Errorf("%w: got %s, debt %s", ErrInsufficientPayment, payment.Dec(), quote.Debt.Dec())
	}
	if err := e.receive(liquidator, payment); err != nil {
		return err
	}

	refund := new(uint256.Int).Sub(payment, quote.Debt)
	loan.RemainingRepayment = new(uint256.Int)
	loan.State = LoanLiquidated
	if err := e.close(loan); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, loan.Lender, quote.Debt); err != nil {
		return err
	}
	if err := e.pay(loan.CollateralAsset, liquidator, quote.Seized); err != nil {
		return err
	}
	if err := e.pay(loan.CollateralAsset, loan.Borrower, quote.Surplus); err != nil {
		return err
	}
	if err := e.pay(NativeAsset, liquidator, refund); err != nil {
		return err
	}
	op.emit(NewLoanLiquidatedEvent(loan, liquidator, quote.Debt, quote.Seized, quote.Surplus, refund))
	return nil
}

// close persists a funded loan's terminal state and releases everything it
// held: locked collateral, active counters on both sides and the active stat.
func (e *Engine) close(loan *Loan) error {
	if err := e.storeLoan(loan); err != nil {
		return err
	}
	if err := e.Ledger().Unlock(loan.CollateralAsset, loan.CollateralAmount); err != nil {
		return err
	}
	if err := e.adjustActive(roleBorrower, loan.Borrower, -1); err != nil {
		return err
	}
	if err := e.adjustActive(roleLender, loan.Lender, -1); err != nil {
		return err
	}
	return e.Stats().recordClosed(loan.State)
}

func (e *Engine) quoteLiquidation(ctx context.Context, loan *Loan, policy RiskPolicy) (LiquidationQuote, error) {
	asset, ok, err := e.loadAsset(loan.CollateralAsset)
	if err != nil {
		return LiquidationQuote{}, err
	}
	if !ok {
		return LiquidationQuote{}, fmt.Errorf("%w: %s has no configuration", ErrPriceFeedUnavailable, loan.CollateralAsset.Hex())
	}
	value, err := e.valuator.Value(ctx, asset, loan.CollateralAmount)
	if err != nil {
		return LiquidationQuote{}, err
	}
	debt := new(uint256.Int).Set(loan.RemainingRepayment)
	ratio, err := RatioBps(value, debt)
	if err != nil {
		return LiquidationQuote{}, err
	}
	seized, err := SeizeAmount(debt, loan.CollateralAmount, value, policy.LiquidationBonusBps)
	if err != nil {
		return LiquidationQuote{}, err
	}
	return LiquidationQuote{
		CollateralValue: value,
		Debt:            debt,
		RatioBps:        ratio,
		Liquidatable:    ratio.Lt(uint256.NewInt(policy.LiquidationThresholdBps)),
		Seized:          seized,
		Surplus:         new(uint256.Int).Sub(loan.CollateralAmount, seized),
	}, nil
}
