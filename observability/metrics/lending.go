package metrics

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"loanledger/native/lending"
)

// LedgerView is the read side of the loan registry the collector samples.
type LedgerView interface {
	StatsSnapshot() (lending.Stats, error)
	CollateralAssets() ([]lending.CollateralAsset, error)
	LockedCollateral(asset common.Address) (*uint256.Int, error)
}

// LedgerCollector exposes the registry counters and locked collateral as
// gauges, read on every scrape. Reads go through lock so they do not race
// with the executor.
type LedgerCollector struct {
	view   LedgerView
	lock   func() func()
	logger *slog.Logger

	loans  *prometheus.Desc
	locked *prometheus.Desc
	up     *prometheus.Desc
}

// NewLedgerCollector builds a collector over view. lock may be nil when the
// view is safe for concurrent reads.
func NewLedgerCollector(view LedgerView, lock func() func(), logger *slog.Logger) *LedgerCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = func() func() { return func() {} }
	}
	return &LedgerCollector{
		view:   view,
		lock:   lock,
		logger: logger,
		loans: prometheus.NewDesc("loanledger_loans",
			"Loans by lifecycle bucket.", []string{"bucket"}, nil),
		locked: prometheus.NewDesc("loanledger_locked_collateral",
			"Collateral pledged to open loans, in base units (float approximation).", []string{"asset"}, nil),
		up: prometheus.NewDesc("loanledger_collector_up",
			"Whether the last ledger scrape succeeded.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.loans
	ch <- c.locked
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	unlock := c.lock()
	defer unlock()

	up := 1.0
	stats, err := c.view.StatsSnapshot()
	if err != nil {
		c.logger.Warn("metrics: stats snapshot failed", "error", err)
		up = 0
	} else {
		for bucket, value := range map[string]uint64{
			"total":      stats.Total,
			"active":     stats.Active,
			"repaid":     stats.Repaid,
			"defaulted":  stats.Defaulted,
			"cancelled":  stats.Cancelled,
			"liquidated": stats.Liquidated,
		} {
			ch <- prometheus.MustNewConstMetric(c.loans, prometheus.GaugeValue, float64(value), bucket)
		}
	}

	assets, err := c.view.CollateralAssets()
	if err != nil {
		c.logger.Warn("metrics: list collateral assets failed", "error", err)
		up = 0
	}
	for _, asset := range assets {
		locked, err := c.view.LockedCollateral(asset.Asset)
		if err != nil {
			c.logger.Warn("metrics: locked collateral failed", "asset", asset.Asset.Hex(), "error", err)
			up = 0
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.locked, prometheus.GaugeValue, approximate(locked), asset.Asset.Hex())
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
}

func approximate(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
