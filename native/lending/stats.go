package lending

import "fmt"

// StatsAggregator maintains the global loan counters. Each transition adjusts
// the counters exactly once; nothing is recomputed by scanning loans.
type StatsAggregator struct {
	state Storage
}

// Snapshot returns the current counters.
func (s StatsAggregator) Snapshot() (Stats, error) {
	var stats Stats
	if _, err := s.state.KVGet(statsKey, &stats); err != nil {
		return Stats{}, fmt.Errorf("lending: load stats: %w", err)
	}
	return stats, nil
}

func (s StatsAggregator) update(mutate func(*Stats)) error {
	stats, err := s.Snapshot()
	if err != nil {
		return err
	}
	mutate(&stats)
	return s.state.KVPut(statsKey, stats)
}

func (s StatsAggregator) recordRequested() error {
	return s.update(func(st *Stats) { st.Total++ })
}

func (s StatsAggregator) recordFunded() error {
	return s.update(func(st *Stats) { st.Active++ })
}

func (s StatsAggregator) recordCancelled() error {
	return s.update(func(st *Stats) { st.Cancelled++ })
}

// recordClosed moves a funded loan out of the active set into the counter for
// its terminal state. Closing with no active loans means the counters are
// corrupt and panics.
func (s StatsAggregator) recordClosed(final LoanState) error {
	return s.update(func(st *Stats) {
		if st.Active == 0 {
			panic(fmt.Sprintf("lending: closing loan as %s with no active loans", final))
		}
		st.Active--
		switch final {
		case LoanRepaid:
			st.Repaid++
		case LoanDefaulted:
			st.Defaulted++
		case LoanLiquidated:
			st.Liquidated++
		}
	})
}
