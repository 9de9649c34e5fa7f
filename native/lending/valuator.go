package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceStaleness is the maximum age of a price round accepted for valuation.
const PriceStaleness = uint64(time.Hour / time.Second)

// PriceSource returns the latest round reported by a price feed.
type PriceSource interface {
	LatestRound(ctx context.Context, feed common.Address) (RoundData, error)
}

// CollateralValuator converts collateral quantities into base asset value.
// It holds no ledger state and reads the feed on every call.
type CollateralValuator struct {
	prices PriceSource
	nowFn  func() int64
}

// NewCollateralValuator constructs a valuator reading from prices.
func NewCollateralValuator(prices PriceSource) *CollateralValuator {
	return &CollateralValuator{prices: prices, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the clock used for staleness checks.
func (v *CollateralValuator) SetNowFunc(now func() int64) {
	if v == nil || now == nil {
		return
	}
	v.nowFn = now
}

// Value returns the base asset value of quantity units of asset, normalised to
// BaseDecimals.
func (v *CollateralValuator) Value(ctx context.Context, asset CollateralAsset, quantity *uint256.Int) (*uint256.Int, error) {
	if v == nil || v.prices == nil {
		return nil, ErrPriceFeedUnavailable
	}
	if quantity == nil {
		return nil, ErrInvalidCollateral
	}
	if asset.Feed == (common.Address{}) {
		return nil, fmt.Errorf("%w: no feed bound to %s", ErrPriceFeedUnavailable, asset.Asset.Hex())
	}
	round, err := v.prices.LatestRound(ctx, asset.Feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceFeedUnavailable, err)
	}
	price, err := v.validate(round)
	if err != nil {
		return nil, err
	}
	normalised, err := normalise(quantity, asset.Decimals)
	if err != nil {
		return nil, err
	}
	return mulDiv(normalised, price, pow10(round.Decimals))
}

func (v *CollateralValuator) validate(round RoundData) (*uint256.Int, error) {
	if round.Price == nil || round.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price", ErrInvalidPriceData)
	}
	if round.Decimals > MaxCollateralDecimals {
		return nil, fmt.Errorf("%w: feed decimals %d", ErrInvalidPriceData, round.Decimals)
	}
	if round.StartedAt == 0 || round.UpdatedAt == 0 {
		return nil, fmt.Errorf("%w: missing round timestamps", ErrInvalidPriceData)
	}
	if round.UpdatedAt < round.StartedAt {
		return nil, fmt.Errorf("%w: round updated before it started", ErrInvalidPriceData)
	}
	now := clampUnix(v.nowFn())
	if round.UpdatedAt > now {
		return nil, fmt.Errorf("%w: round updated in the future", ErrInvalidPriceData)
	}
	if now-round.UpdatedAt > PriceStaleness {
		return nil, fmt.Errorf("%w: round %d is %ds old", ErrStaleData, round.RoundID, now-round.UpdatedAt)
	}
	if round.AnsweredInRound < round.RoundID {
		return nil, fmt.Errorf("%w: answered in round %d before round %d", ErrStaleData, round.AnsweredInRound, round.RoundID)
	}
	price, overflow := uint256.FromBig(round.Price)
	if overflow {
		return nil, fmt.Errorf("%w: price exceeds 256 bits", ErrInvalidPriceData)
	}
	return price, nil
}

// normalise rescales quantity from decimals to BaseDecimals.
func normalise(quantity *uint256.Int, decimals uint8) (*uint256.Int, error) {
	switch {
	case decimals == BaseDecimals:
		return new(uint256.Int).Set(quantity), nil
	case decimals < BaseDecimals:
		out, overflow := new(uint256.Int).MulOverflow(quantity, pow10(BaseDecimals-decimals))
		if overflow {
			return nil, ErrMathOverflow
		}
		return out, nil
	default:
		return new(uint256.Int).Div(quantity, pow10(decimals-BaseDecimals)), nil
	}
}

func clampUnix(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
