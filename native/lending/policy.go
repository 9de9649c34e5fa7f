package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	MinCollateralRatioBps      = 10_000
	MaxCollateralRatioBps      = 20_000
	MaxPlatformFeeBps          = 500
	MinLiquidationThresholdBps = 10_000
	MaxLiquidationThresholdBps = 20_000
	MaxLiquidationBonusBps     = 2_000
	MaxGracePeriod             = 30 * 24 * 60 * 60
	MaxCollateralDecimals      = 36
)

// RiskPolicy holds the owner tunable limits consulted by every transition.
type RiskPolicy struct {
	// CollateralRatioBps is the required collateral value as a share of the
	// principal, e.g. 15000 for 150%.
	CollateralRatioBps uint64
	MaxLoanAmount      *uint256.Int
	// MaxActiveLoansPerBorrower bounds Requested plus Funded loans per borrower.
	MaxActiveLoansPerBorrower uint64
	PlatformFeeBps            uint64
	// LiquidationThresholdBps is the collateral/debt ratio below which a
	// funded loan may be liquidated.
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	// GracePeriod is the number of seconds after expiry before default.
	GracePeriod uint64
}

// DefaultRiskPolicy returns the policy applied when no override is configured.
func DefaultRiskPolicy() RiskPolicy {
	maxLoan := new(uint256.Int).Mul(uint256.NewInt(1_000), pow10(BaseDecimals))
	return RiskPolicy{
		CollateralRatioBps:        15_000,
		MaxLoanAmount:             maxLoan,
		MaxActiveLoansPerBorrower: 10,
		PlatformFeeBps:            100,
		LiquidationThresholdBps:   12_000,
		LiquidationBonusBps:       500,
		GracePeriod:               24 * 60 * 60,
	}
}

// Clone returns a deep copy of the policy.
func (p RiskPolicy) Clone() RiskPolicy {
	clone := p
	clone.MaxLoanAmount = cloneAmount(p.MaxLoanAmount)
	return clone
}

// Validate checks every field against its bounds.
func (p RiskPolicy) Validate() error {
	clone := p.Clone()
	if err := clone.SetCollateralRatio(p.CollateralRatioBps); err != nil {
		return err
	}
	if err := clone.SetMaxLoanAmount(p.MaxLoanAmount); err != nil {
		return err
	}
	if err := clone.SetMaxActiveLoansPerBorrower(p.MaxActiveLoansPerBorrower); err != nil {
		return err
	}
	if err := clone.SetPlatformFee(p.PlatformFeeBps); err != nil {
		return err
	}
	if err := clone.SetLiquidationThreshold(p.LiquidationThresholdBps); err != nil {
		return err
	}
	if err := clone.SetLiquidationBonus(p.LiquidationBonusBps); err != nil {
		return err
	}
	return clone.SetGracePeriod(p.GracePeriod)
}

func (p *RiskPolicy) SetCollateralRatio(ratioBps uint64) error {
	if ratioBps < MinCollateralRatioBps || ratioBps > MaxCollateralRatioBps {
		return fmt.Errorf("%w: collateral ratio %d outside [%d, %d]", ErrInvalidParameter, ratioBps, MinCollateralRatioBps, MaxCollateralRatioBps)
	}
	p.CollateralRatioBps = ratioBps
	return nil
}

func (p *RiskPolicy) SetPlatformFee(feeBps uint64) error {
	if feeBps > MaxPlatformFeeBps {
		return fmt.Errorf("%w: platform fee %d exceeds %d", ErrInvalidParameter, feeBps, MaxPlatformFeeBps)
	}
	p.PlatformFeeBps = feeBps
	return nil
}

func (p *RiskPolicy) SetMaxLoanAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: max loan amount must be positive", ErrInvalidParameter)
	}
	p.MaxLoanAmount = new(uint256.Int).Set(amount)
	return nil
}

func (p *RiskPolicy) SetMaxActiveLoansPerBorrower(limit uint64) error {
	if limit == 0 {
		return fmt.Errorf("%w: max active loans must be positive", ErrInvalidParameter)
	}
	p.MaxActiveLoansPerBorrower = limit
	return nil
}

func (p *RiskPolicy) SetLiquidationThreshold(thresholdBps uint64) error {
	if thresholdBps < MinLiquidationThresholdBps || thresholdBps > MaxLiquidationThresholdBps {
		return fmt.Errorf("%w: liquidation threshold %d outside [%d, %d]", ErrInvalidParameter, thresholdBps, MinLiquidationThresholdBps, MaxLiquidationThresholdBps)
	}
	p.LiquidationThresholdBps = thresholdBps
	return nil
}

func (p *RiskPolicy) SetLiquidationBonus(bonusBps uint64) error {
	if bonusBps > MaxLiquidationBonusBps {
		return fmt.Errorf("%w: liquidation bonus %d exceeds %d", ErrInvalidParameter, bonusBps, MaxLiquidationBonusBps)
	}
	p.LiquidationBonusBps = bonusBps
	return nil
}

func (p *RiskPolicy) SetGracePeriod(seconds uint64) error {
	if seconds > MaxGracePeriod {
		return fmt.Errorf("%w: grace period %ds exceeds %ds", ErrInvalidParameter, seconds, MaxGracePeriod)
	}
	p.GracePeriod = seconds
	return nil
}

// RequiredCollateralValue returns the minimum collateral value for a loan of
// amount under the current ratio.
func (p RiskPolicy) RequiredCollateralValue(amount *uint256.Int) (*uint256.Int, error) {
	return bps(amount, p.CollateralRatioBps)
}
