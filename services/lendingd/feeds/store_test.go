package feeds

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"loanledger/native/lending"
)

var testFeed = common.HexToAddress("0x00000000000000000000000000000000000000f1")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(FileDSN(filepath.Join(t.TempDir(), "feeds.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

func TestPublishAndLatestRound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.LatestRound(ctx, testFeed)
	if !errors.Is(err, lending.ErrPriceFeedUnavailable) {
		t.Fatalf("expected ErrPriceFeedUnavailable for empty feed, got %v", err)
	}

	at := time.Unix(1_700_000_000, 0)
	first, err := store.PublishRound(ctx, testFeed, big.NewInt(100_000_000), 8, at)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	second, err := store.PublishRound(ctx, testFeed, big.NewInt(95_000_000), 8, at.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second)

	round, err := store.LatestRound(ctx, testFeed)
	require.NoError(t, err)
	require.Equal(t, uint64(2), round.RoundID)
	require.Equal(t, uint64(2), round.AnsweredInRound)
	require.Equal(t, 0, round.Price.Cmp(big.NewInt(95_000_000)))
	require.Equal(t, uint8(8), round.Decimals)
	require.Equal(t, uint64(at.Add(time.Minute).Unix()), round.UpdatedAt)

	rounds, err := store.Rounds(ctx, testFeed, 10)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	require.Equal(t, uint64(2), rounds[0].RoundID)

	other := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	id, err := store.PublishRound(ctx, other, big.NewInt(1), 0, at)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id, "round ids are per feed")
}

func TestPublishRoundRejectsInvalidInput(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)
	cases := map[string]struct {
		feed  common.Address
		price *big.Int
		at    time.Time
	}{
		"zero feed":      {common.Address{}, big.NewInt(1), at},
		"nil price":      {testFeed, nil, at},
		"negative price": {testFeed, big.NewInt(-5), at},
		"zero time":      {testFeed, big.NewInt(1), time.Time{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := store.PublishRound(ctx, tc.feed, tc.price, 8, tc.at); !errors.Is(err, ErrInvalidRound) {
				t.Fatalf("expected ErrInvalidRound, got %v", err)
			}
		})
	}
}

func TestStoreServesValuator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	_, err := store.PublishRound(ctx, testFeed, big.NewInt(200_000_000), 8, now)
	require.NoError(t, err)

	valuator := lending.NewCollateralValuator(store)
	valuator.SetNowFunc(func() int64 { return now.Unix() })
	asset := lending.CollateralAsset{Allowed: true, Decimals: 18, Feed: testFeed}
	value, err := valuator.Value(ctx, asset, uint256.MustFromDecimal("3000000000000000000"))
	require.NoError(t, err)
	require.Equal(t, "6000000000000000000", value.Dec())
}
