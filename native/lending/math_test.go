package lending

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestRepaymentAmount(t *testing.T) {
	cases := []struct {
		name      string
		principal *uint256.Int
		rate      uint64
		duration  uint64
		want      string
	}{
		{"thirty days at 5%", milli(1_000), 500, 30 * 24 * 60 * 60, "1004109589041095890"},
		{"full year at 100%", milli(1_000), 10_000, SecondsPerYear, "2000000000000000000"},
		{"dust rounds to zero interest", uint256.NewInt(1), 1, 1, "1"},
		{"one second", milli(1_000), 10_000, 1, "1000000031709791983"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RepaymentAmount(tc.principal, tc.rate, tc.duration)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Dec())
		})
	}
}

func TestRepaymentAmountOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	_, err := RepaymentAmount(max, 10_000, SecondsPerYear)
	require.ErrorIs(t, err, ErrMathOverflow)
}

func TestFundingSplit(t *testing.T) {
	for _, fee := range []uint64{0, 1, 100, 500} {
		principal := uint256.NewInt(999_999_999_999)
		platform, toBorrower, err := FundingSplit(principal, fee)
		require.NoError(t, err)
		sum := new(uint256.Int).Add(platform, toBorrower)
		if !sum.Eq(principal) {
			t.Fatalf("fee %d: split %s + %s != %s", fee, platform.Dec(), toBorrower.Dec(), principal.Dec())
		}
	}
	platform, _, err := FundingSplit(milli(1_000), 100)
	require.NoError(t, err)
	require.True(t, platform.Eq(milli(10)))
}

func TestSeizeAmount(t *testing.T) {
	// Collateral worth more than debt plus bonus: proportional share.
	seized, err := SeizeAmount(milli(1_000), milli(2_000), milli(2_000), 500)
	require.NoError(t, err)
	require.True(t, seized.Eq(milli(1_050)), "seized %s", seized.Dec())

	// Debt plus bonus exceeds the value: everything.
	seized, err = SeizeAmount(milli(1_000), milli(2_000), milli(1_040), 500)
	require.NoError(t, err)
	require.True(t, seized.Eq(milli(2_000)))

	// Exactly equal counts as everything.
	seized, err = SeizeAmount(milli(1_000), milli(3), milli(1_050), 500)
	require.NoError(t, err)
	require.True(t, seized.Eq(milli(3)))

	seized, err = SeizeAmount(milli(1_000), milli(3), new(uint256.Int), 500)
	require.NoError(t, err)
	require.True(t, seized.Eq(milli(3)))
}

func TestRatioBps(t *testing.T) {
	ratio, err := RatioBps(milli(1_500), milli(1_000))
	require.NoError(t, err)
	require.Equal(t, uint64(15_000), ratio.Uint64())

	_, err = RatioBps(milli(1), new(uint256.Int))
	require.ErrorIs(t, err, ErrMathOverflow)
}

func TestRequiredCollateralValue(t *testing.T) {
	policy := DefaultRiskPolicy()
	required, err := policy.RequiredCollateralValue(milli(1_000))
	require.NoError(t, err)
	require.True(t, required.Eq(milli(1_500)))
}
