package lending

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"loanledger/core/events"
	"loanledger/core/state"
	"loanledger/native/bank"
	"loanledger/storage"
)

const testStart = int64(1_700_000_000)

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

// milli returns n thousandths of a whole 18-decimal unit.
func milli(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000))
}

type fakePrices struct {
	rounds map[common.Address]RoundData
	calls  int
}

func newFakePrices() *fakePrices {
	return &fakePrices{rounds: make(map[common.Address]RoundData)}
}

func (f *fakePrices) LatestRound(_ context.Context, feed common.Address) (RoundData, error) {
	f.calls++
	round, ok := f.rounds[feed]
	if !ok {
		return RoundData{}, errors.New("feed not found")
	}
	return round, nil
}

type harness struct {
	t        *testing.T
	state    *state.Manager
	bank     *bank.Keeper
	prices   *fakePrices
	engine   *Engine
	events   *events.Recorder
	now      int64
	round    uint64
	owner    common.Address
	feeTo    common.Address
	borrower common.Address
	lender   common.Address
	keeper   common.Address
	custody  common.Address
	token    common.Address
	feed     common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	h := &harness{
		t:        t,
		state:    manager,
		bank:     bank.NewKeeper(manager),
		prices:   newFakePrices(),
		events:   &events.Recorder{},
		now:      testStart,
		owner:    newTestAddress(0x01),
		feeTo:    newTestAddress(0x02),
		borrower: newTestAddress(0x0B),
		lender:   newTestAddress(0x0A),
		keeper:   newTestAddress(0x0C),
		custody:  newTestAddress(0xCC),
		token:    newTestAddress(0xE1),
		feed:     newTestAddress(0xF1),
	}
	h.engine = NewEngine(manager, h.bank, h.prices, h.custody)
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.engine.SetEmitter(h.events)

	cfg := DefaultConfig()
	cfg.Owner = h.owner.Hex()
	cfg.FeeRecipient = h.feeTo.Hex()
	cfg.Assets = []AssetConfig{{Address: h.token.Hex(), Decimals: 18, Feed: h.feed.Hex()}}
	require.NoError(t, h.engine.Bootstrap(cfg))

	h.setPrice(100_000_000)
	require.NoError(t, h.bank.Mint(h.token, h.borrower, milli(100_000)))
	require.NoError(t, h.bank.Approve(h.token, h.borrower, h.custody, milli(100_000)))
	require.NoError(t, h.bank.Mint(NativeAsset, h.borrower, milli(10_000)))
	require.NoError(t, h.bank.Mint(NativeAsset, h.lender, milli(100_000)))
	require.NoError(t, h.bank.Mint(NativeAsset, h.keeper, milli(100_000)))
	h.events.Reset()
	return h
}

// setPrice publishes a fresh 8-decimal round for the test feed.
func (h *harness) setPrice(price int64) {
	h.round++
	ts := uint64(h.now)
	h.prices.rounds[h.feed] = RoundData{
		RoundID:         h.round,
		Price:           big.NewInt(price),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: h.round,
		Decimals:        8,
	}
}

func (h *harness) balance(asset, holder common.Address) *uint256.Int {
	h.t.Helper()
	balance, err := h.bank.BalanceOf(asset, holder)
	require.NoError(h.t, err)
	return balance
}

func (h *harness) request(amount, collateral *uint256.Int) *Loan {
	h.t.Helper()
	loan, err := h.engine.Request(context.Background(), h.borrower, RequestParams{
		Amount:           amount,
		InterestRateBps:  500,
		Duration:         30 * 24 * 60 * 60,
		CollateralAsset:  h.token,
		CollateralAmount: collateral,
	})
	require.NoError(h.t, err)
	return loan
}

func (h *harness) fundedLoan() *Loan {
	h.t.Helper()
	loan := h.request(milli(1_000), milli(1_500))
	require.NoError(h.t, h.engine.Fund(h.lender, loan.ID, milli(1_000)))
	funded, err := h.engine.Loan(loan.ID)
	require.NoError(h.t, err)
	return funded
}

func (h *harness) loan(id uint64) *Loan {
	h.t.Helper()
	loan, err := h.engine.Loan(id)
	require.NoError(h.t, err)
	return loan
}

// assertLedgerInvariants checks locked collateral against open loans and the
// remaining-debt/state relation for every loan.
func (h *harness) assertLedgerInvariants() {
	h.t.Helper()
	count, err := h.engine.LoanCount()
	require.NoError(h.t, err)
	open := new(uint256.Int)
	for id := uint64(0); id < count; id++ {
		loan := h.loan(id)
		if loan.State.Open() {
			open.Add(open, loan.CollateralAmount)
		}
		settled := loan.State == LoanRepaid || loan.State == LoanLiquidated
		require.Equal(h.t, settled, loan.RemainingRepayment.IsZero(), "loan %d in state %s has remaining %s", id, loan.State, loan.RemainingRepayment.Dec())
	}
	locked, err := h.engine.LockedCollateral(h.token)
	require.NoError(h.t, err)
	require.True(h.t, locked.Eq(open), "locked %s, open collateral %s", locked.Dec(), open.Dec())
	held := h.balance(h.token, h.custody)
	require.False(h.t, held.Lt(locked), "held %s below locked %s", held.Dec(), locked.Dec())
}
