package lending

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bootstrap initialises an empty ledger with its owner, fee recipient, risk
// policy and collateral assets.
func (e *Engine) Bootstrap(cfg Config) (err error) {
	op, err := e.begin(false)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	if _, err := e.loadAdmin(); err == nil {
		return ErrAlreadyInitialized
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := cfg.RiskPolicy()
	if err != nil {
		return err
	}
	owner := common.HexToAddress(cfg.Owner)
	if err := e.storeAdmin(adminRecord{Owner: owner, FeeRecipient: common.HexToAddress(cfg.FeeRecipient)}); err != nil {
		return err
	}
	if err := e.storePolicy(policy); err != nil {
		return err
	}
	for _, assetCfg := range cfg.Assets {
		record := CollateralAsset{
			Asset:    common.HexToAddress(assetCfg.Address),
			Allowed:  true,
			Decimals: assetCfg.Decimals,
			Feed:     common.HexToAddress(assetCfg.Feed),
		}
		if err := e.storeAsset(record); err != nil {
			return err
		}
		op.emit(NewAssetConfiguredEvent(record))
		if record.Feed != (common.Address{}) {
			op.emit(NewFeedBoundEvent(record.Asset, record.Feed))
		}
	}
	op.emit(NewOwnerChangedEvent(common.Address{}, owner))
	return nil
}

// owned runs fn inside an operation after checking that caller is the owner.
// Admin calls are not subject to the pause flag.
func (e *Engine) owned(caller common.Address, fn func(op *operation, admin *adminRecord) error) (err error) {
	op, err := e.begin(false)
	if err != nil {
		return err
	}
	defer op.finish(&err)

	admin, err := e.loadAdmin()
	if err != nil {
		return err
	}
	if caller != admin.Owner {
		return ErrUnauthorized
	}
	return fn(op, &admin)
}

// Owner returns the current administrator.
func (e *Engine) Owner() (common.Address, error) {
	if e == nil || e.state == nil {
		return common.Address{}, errNilState
	}
	admin, err := e.loadAdmin()
	if err != nil {
		return common.Address{}, err
	}
	return admin.Owner, nil
}

// FeeRecipient returns the account receiving platform fees.
func (e *Engine) FeeRecipient() (common.Address, error) {
	if e == nil || e.state == nil {
		return common.Address{}, errNilState
	}
	admin, err := e.loadAdmin()
	if err != nil {
		return common.Address{}, err
	}
	return admin.FeeRecipient, nil
}

func (e *Engine) TransferOwnership(caller, newOwner common.Address) error {
	return e.owned(caller, func(op *operation, admin *adminRecord) error {
		if newOwner == (common.Address{}) {
			return fmt.Errorf("%w: owner must not be zero", ErrInvalidParameter)
		}
		previous := admin.Owner
		admin.Owner = newOwner
		if err := e.storeAdmin(*admin); err != nil {
			return err
		}
		op.emit(NewOwnerChangedEvent(previous, newOwner))
		return nil
	})
}

func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	return e.owned(caller, func(op *operation, admin *adminRecord) error {
		if recipient == (common.Address{}) {
			return fmt.Errorf("%w: fee recipient must not be zero", ErrInvalidParameter)
		}
		previous := admin.FeeRecipient
		admin.FeeRecipient = recipient
		if err := e.storeAdmin(*admin); err != nil {
			return err
		}
		op.emit(NewParamUpdatedEvent("feeRecipient", previous.Hex(), recipient.Hex()))
		return nil
	})
}

func (e *Engine) Pause(caller common.Address) error {
	return e.setPaused(caller, true)
}

func (e *Engine) Unpause(caller common.Address) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller common.Address, paused bool) error {
	return e.owned(caller, func(op *operation, admin *adminRecord) error {
		if admin.Paused == paused {
			return nil
		}
		admin.Paused = paused
		if err := e.storeAdmin(*admin); err != nil {
			return err
		}
		op.emit(NewPauseEvent(paused, caller))
		return nil
	})
}

// SetCollateralAsset allow-lists (or delists) a collateral token and records
// its decimal precision. Delisting only affects new requests.
func (e *Engine) SetCollateralAsset(caller, asset common.Address, allowed bool, decimals uint8) error {
	return e.owned(caller, func(op *operation, _ *adminRecord) error {
		if asset == NativeAsset {
			return fmt.Errorf("%w: native asset cannot be collateral", ErrInvalidParameter)
		}
		if decimals > MaxCollateralDecimals {
			return fmt.Errorf("%w: decimals %d exceed %d", ErrInvalidParameter, decimals, MaxCollateralDecimals)
		}
		record, _, err := e.loadAsset(asset)
		if err != nil {
			return err
		}
		record.Asset = asset
		record.Allowed = allowed
		record.Decimals = decimals
		if err := e.storeAsset(record); err != nil {
			return err
		}
		op.emit(NewAssetConfiguredEvent(record))
		return nil
	})
}

// SetPriceFeed binds the feed used to value asset.
func (e *Engine) SetPriceFeed(caller, asset, feed common.Address) error {
	return e.owned(caller, func(op *operation, _ *adminRecord) error {
		if asset == NativeAsset {
			return fmt.Errorf("%w: native asset cannot be collateral", ErrInvalidParameter)
		}
		record, _, err := e.loadAsset(asset)
		if err != nil {
			return err
		}
		record.Asset = asset
		record.Feed = feed
		if err := e.storeAsset(record); err != nil {
			return err
		}
		op.emit(NewFeedBoundEvent(asset, feed))
		return nil
	})
}

func (e *Engine) updatePolicy(caller common.Address, name string, apply func(*RiskPolicy) error, describe func(RiskPolicy) string) error {
	return e.owned(caller, func(op *operation, _ *adminRecord) error {
		policy, err := e.loadPolicy()
		if err != nil {
			return err
		}
		previous := describe(policy)
		if err := apply(&policy); err != nil {
			return err
		}
		if err := e.storePolicy(policy); err != nil {
			return err
		}
		op.emit(NewParamUpdatedEvent(name, previous, describe(policy)))
		return nil
	})
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func (e *Engine) SetCollateralRatio(caller common.Address, ratioBps uint64) error {
	return e.updatePolicy(caller, "collateralRatioBps",
		func(p *RiskPolicy) error { return p.SetCollateralRatio(ratioBps) },
		func(p RiskPolicy) string { return formatUint(p.CollateralRatioBps) })
}

func (e *Engine) SetPlatformFee(caller common.Address, feeBps uint64) error {
	return e.updatePolicy(caller, "platformFeeBps",
		func(p *RiskPolicy) error { return p.SetPlatformFee(feeBps) },
		func(p RiskPolicy) string { return formatUint(p.PlatformFeeBps) })
}

func (e *Engine) SetMaxLoanAmount(caller common.Address, amount *uint256.Int) error {
	return e.updatePolicy(caller, "maxLoanAmount",
		func(p *RiskPolicy) error { return p.SetMaxLoanAmount(amount) },
		func(p RiskPolicy) string { return formatAmount(p.MaxLoanAmount) })
}

func (e *Engine) SetMaxActiveLoansPerBorrower(caller common.Address, limit uint64) error {
	return e.updatePolicy(caller, "maxActiveLoansPerBorrower",
		func(p *RiskPolicy) error { return p.SetMaxActiveLoansPerBorrower(limit) },
		func(p RiskPolicy) string { return formatUint(p.MaxActiveLoansPerBorrower) })
}

func (e *Engine) SetLiquidationThreshold(caller common.Address, thresholdBps uint64) error {
	return e.updatePolicy(caller, "liquidationThresholdBps",
		func(p *RiskPolicy) error { return p.SetLiquidationThreshold(thresholdBps) },
		func(p RiskPolicy) string { return formatUint(p.LiquidationThresholdBps) })
}

func (e *Engine) SetLiquidationBonus(caller common.Address, bonusBps uint64) error {
	return e.updatePolicy(caller, "liquidationBonusBps",
		func(p *RiskPolicy) error { return p.SetLiquidationBonus(bonusBps) },
		func(p RiskPolicy) string { return formatUint(p.LiquidationBonusBps) })
}

func (e *Engine) SetGracePeriod(caller common.Address, seconds uint64) error {
	return e.updatePolicy(caller, "gracePeriod",
		func(p *RiskPolicy) error { return p.SetGracePeriod(seconds) },
		func(p RiskPolicy) string { return formatUint(p.GracePeriod) })
}

// RescueTokens sends token surplus not pledged to open loans to recipient.
func (e *Engine) RescueTokens(caller, asset, recipient common.Address, amount *uint256.Int) error {
	return e.owned(caller, func(op *operation, _ *adminRecord) error {
		if asset == NativeAsset {
			return fmt.Errorf("%w: use RescueNative for the base asset", ErrInvalidParameter)
		}
		return e.rescue(op, asset, recipient, amount)
	})
}

// RescueNative sends base asset held by custody to recipient. Payments only
// pass through custody within an operation, so any balance is surplus.
func (e *Engine) RescueNative(caller, recipient common.Address, amount *uint256.Int) error {
	return e.owned(caller, func(op *operation, _ *adminRecord) error {
		return e.rescue(op, NativeAsset, recipient, amount)
	})
}

func (e *Engine) rescue(op *operation, asset, recipient common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: recipient must not be zero", ErrInvalidParameter)
	}
	available, err := e.Rescuable(asset)
	if err != nil {
		return err
	}
	if amount.Gt(available) {
		return fmt.Errorf("%w: requested %s, available %s", ErrRescueExceedsSurplus, amount.Dec(), available.Dec())
	}
	if err := e.pay(asset, recipient, amount); err != nil {
		return err
	}
	op.emit(NewRescuedEvent(asset, recipient, amount))
	return nil
}

// Rescuable returns the custody balance of asset not pledged to open loans.
func (e *Engine) Rescuable(asset common.Address) (*uint256.Int, error) {
	if e == nil || e.state == nil || e.assets == nil {
		return nil, errNilState
	}
	held, err := e.assets.BalanceOf(asset, e.custody)
	if err != nil {
		return nil, err
	}
	return e.Ledger().Rescuable(asset, held)
}
