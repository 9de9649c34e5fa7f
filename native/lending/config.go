package lending

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config captures the bootstrap configuration of the ledger.
type Config struct {
	Owner        string        `toml:"owner"`
	FeeRecipient string        `toml:"fee_recipient"`
	Policy       PolicyConfig  `toml:"policy"`
	Assets       []AssetConfig `toml:"assets"`
}

// PolicyConfig is the file representation of RiskPolicy. Amounts are decimal
// strings of base units and the grace period is a Go duration.
type PolicyConfig struct {
	CollateralRatioBps        uint64 `toml:"collateral_ratio_bps"`
	MaxLoanAmount             string `toml:"max_loan_amount"`
	MaxActiveLoansPerBorrower uint64 `toml:"max_active_loans_per_borrower"`
	PlatformFeeBps            uint64 `toml:"platform_fee_bps"`
	LiquidationThresholdBps   uint64 `toml:"liquidation_threshold_bps"`
	LiquidationBonusBps       uint64 `toml:"liquidation_bonus_bps"`
	GracePeriod               string `toml:"grace_period"`
}

// AssetConfig allow-lists a collateral token at bootstrap.
type AssetConfig struct {
	Address  string `toml:"address"`
	Decimals uint8  `toml:"decimals"`
	Feed     string `toml:"feed"`
}

// DefaultConfig returns a configuration populated with the default policy and
// no owner.
func DefaultConfig() Config {
	policy := DefaultRiskPolicy()
	return Config{
		Policy: PolicyConfig{
			CollateralRatioBps:        policy.CollateralRatioBps,
			MaxLoanAmount:             policy.MaxLoanAmount.Dec(),
			MaxActiveLoansPerBorrower: policy.MaxActiveLoansPerBorrower,
			PlatformFeeBps:            policy.PlatformFeeBps,
			LiquidationThresholdBps:   policy.LiquidationThresholdBps,
			LiquidationBonusBps:       policy.LiquidationBonusBps,
			GracePeriod:               (time.Duration(policy.GracePeriod) * time.Second).String(),
		},
	}
}

// LoadConfig decodes a TOML file over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("lending config path required")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode lending config: %w", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteConfig persists cfg as TOML.
func WriteConfig(path string, cfg Config) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

// EnsureDefaults fills unset policy fields. Zero fee and bonus are valid
// settings and are left alone.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	defaults := DefaultConfig().Policy
	c.Owner = strings.TrimSpace(c.Owner)
	c.FeeRecipient = strings.TrimSpace(c.FeeRecipient)
	if c.Policy.CollateralRatioBps == 0 {
		c.Policy.CollateralRatioBps = defaults.CollateralRatioBps
	}
	if strings.TrimSpace(c.Policy.MaxLoanAmount) == "" {
		c.Policy.MaxLoanAmount = defaults.MaxLoanAmount
	}
	if c.Policy.MaxActiveLoansPerBorrower == 0 {
		c.Policy.MaxActiveLoansPerBorrower = defaults.MaxActiveLoansPerBorrower
	}
	if c.Policy.LiquidationThresholdBps == 0 {
		c.Policy.LiquidationThresholdBps = defaults.LiquidationThresholdBps
	}
	if strings.TrimSpace(c.Policy.GracePeriod) == "" {
		c.Policy.GracePeriod = defaults.GracePeriod
	}
	for i := range c.Assets {
		c.Assets[i].Address = strings.TrimSpace(c.Assets[i].Address)
		c.Assets[i].Feed = strings.TrimSpace(c.Assets[i].Feed)
	}
}

// RiskPolicy converts the policy section into its runtime form.
func (c Config) RiskPolicy() (RiskPolicy, error) {
	maxLoan, err := uint256.FromDecimal(strings.TrimSpace(c.Policy.MaxLoanAmount))
	if err != nil {
		return RiskPolicy{}, fmt.Errorf("%w: max_loan_amount: %v", ErrInvalidParameter, err)
	}
	grace, err := time.ParseDuration(strings.TrimSpace(c.Policy.GracePeriod))
	if err != nil || grace < 0 {
		return RiskPolicy{}, fmt.Errorf("%w: grace_period %q", ErrInvalidParameter, c.Policy.GracePeriod)
	}
	policy := RiskPolicy{
		CollateralRatioBps:        c.Policy.CollateralRatioBps,
		MaxLoanAmount:             maxLoan,
		MaxActiveLoansPerBorrower: c.Policy.MaxActiveLoansPerBorrower,
		PlatformFeeBps:            c.Policy.PlatformFeeBps,
		LiquidationThresholdBps:   c.Policy.LiquidationThresholdBps,
		LiquidationBonusBps:       c.Policy.LiquidationBonusBps,
		GracePeriod:               uint64(grace / time.Second),
	}
	if err := policy.Validate(); err != nil {
		return RiskPolicy{}, err
	}
	return policy, nil
}

// Validate checks addresses, the policy and the asset list.
func (c Config) Validate() error {
	if err := validateAddress("owner", c.Owner); err != nil {
		return err
	}
	if err := validateAddress("fee_recipient", c.FeeRecipient); err != nil {
		return err
	}
	if _, err := c.RiskPolicy(); err != nil {
		return err
	}
	seen := make(map[common.Address]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		if err := validateAddress(fmt.Sprintf("assets[%d].address", i), asset.Address); err != nil {
			return err
		}
		if asset.Feed != "" && !common.IsHexAddress(asset.Feed) {
			return fmt.Errorf("%w: assets[%d].feed %q is not an address", ErrInvalidParameter, i, asset.Feed)
		}
		if asset.Decimals > MaxCollateralDecimals {
			return fmt.Errorf("%w: assets[%d].decimals %d exceed %d", ErrInvalidParameter, i, asset.Decimals, MaxCollateralDecimals)
		}
		addr := common.HexToAddress(asset.Address)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: asset %s listed twice", ErrInvalidParameter, addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	return nil
}

func validateAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%w: %s %q is not an address", ErrInvalidParameter, field, value)
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("%w: %s must not be zero", ErrInvalidParameter, field)
	}
	return nil
}
