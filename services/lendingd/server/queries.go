package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"loanledger/native/lending"
	"loanledger/services/lendingd/archive"
)

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", urlParam(r, "addr"))
	if err != nil {
		s.writeEngineError(w, r, "balance", err)
		return
	}
	asset, err := parseAddress("asset", urlParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, r, "balance", err)
		return
	}
	if s.bank == nil {
		writeError(w, http.StatusNotFound, "not_found", "bank not configured")
		return
	}
	var out string
	err = s.exec.Read(func() error {
		bal, err := s.bank.BalanceOf(asset, addr)
		out = formatAmount(bal)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "asset": asset.Hex(), "balance": out})
}

func (s *Server) listCollateral(w http.ResponseWriter, r *http.Request) {
	var out []assetResponse
	err := s.exec.Read(func() error {
		assets, err := s.engine.CollateralAssets()
		if err != nil {
			return err
		}
		out = make([]assetResponse, 0, len(assets))
		for _, asset := range assets {
			locked, err := s.engine.LockedCollateral(asset.Asset)
			if err != nil {
				return err
			}
			out = append(out, toAssetResponse(asset, formatAmount(locked)))
		}
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "list_collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func (s *Server) lockedCollateral(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", urlParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, r, "locked_collateral", err)
		return
	}
	var resp assetResponse
	err = s.exec.Read(func() error {
		locked, err := s.engine.LockedCollateral(asset)
		if err != nil {
			return err
		}
		record, _, err := s.engine.CollateralAsset(asset)
		if err != nil {
			return err
		}
		record.Asset = asset
		resp = toAssetResponse(record, formatAmount(locked))
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "locked_collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func toAssetResponse(asset lending.CollateralAsset, locked string) assetResponse {
	out := assetResponse{
		Asset:    asset.Asset.Hex(),
		Allowed:  asset.Allowed,
		Decimals: asset.Decimals,
		Locked:   locked,
	}
	if asset.Feed != (lending.NativeAsset) {
		out.Feed = asset.Feed.Hex()
	}
	return out
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	err := s.exec.Read(func() error {
		stats, err := s.engine.StatsSnapshot()
		if err != nil {
			return err
		}
		count, err := s.engine.LoanCount()
		if err != nil {
			return err
		}
		resp = statsResponse{
			Total:      stats.Total,
			Active:     stats.Active,
			Repaid:     stats.Repaid,
			Defaulted:  stats.Defaulted,
			Cancelled:  stats.Cancelled,
			Liquidated: stats.Liquidated,
			LoanCount:  count,
		}
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) policy(w http.ResponseWriter, r *http.Request) {
	var resp policyResponse
	err := s.exec.Read(func() error {
		policy, err := s.engine.Policy()
		if err != nil {
			return err
		}
		owner, err := s.engine.Owner()
		if err != nil {
			return err
		}
		feeTo, err := s.engine.FeeRecipient()
		if err != nil {
			return err
		}
		resp = policyResponse{
			CollateralRatioBps:        policy.CollateralRatioBps,
			PlatformFeeBps:            policy.PlatformFeeBps,
			MaxLoanAmount:             formatAmount(policy.MaxLoanAmount),
			MaxActiveLoansPerBorrower: policy.MaxActiveLoansPerBorrower,
			LiquidationThresholdBps:   policy.LiquidationThresholdBps,
			LiquidationBonusBps:       policy.LiquidationBonusBps,
			GracePeriod:               policy.GracePeriod,
			Owner:                     owner.Hex(),
			FeeRecipient:              feeTo.Hex(),
			Paused:                    s.engine.IsPaused(moduleName),
		}
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "policy", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "not_found", "event archive not configured")
		return
	}
	query := archive.Query{
		Type:   strings.TrimSpace(r.URL.Query().Get("type")),
		LoanID: strings.TrimSpace(r.URL.Query().Get("loan_id")),
	}
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be an unsigned integer")
			return
		}
		query.After = after
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}
	records, err := s.archive.List(r.Context(), query)
	if err != nil {
		s.writeEngineError(w, r, "events", err)
		return
	}
	resp := eventsResponse{Events: make([]eventResponse, 0, len(records)), Next: query.After}
	for _, rec := range records {
		resp.Events = append(resp.Events, toEventResponse(rec))
		resp.Next = rec.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) feedRounds(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeError(w, http.StatusNotFound, "not_found", "feed store not configured")
		return
	}
	feed, err := parseAddress("feed", urlParam(r, "feed"))
	if err != nil {
		s.writeEngineError(w, r, "feed_rounds", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rounds, err := s.feeds.Rounds(r.Context(), feed, limit)
	if err != nil {
		s.writeEngineError(w, r, "feed_rounds", err)
		return
	}
	type roundResponse struct {
		RoundID         uint64 `json:"round_id"`
		Price           string `json:"price"`
		Decimals        uint8  `json:"decimals"`
		UpdatedAt       uint64 `json:"updated_at"`
		AnsweredInRound uint64 `json:"answered_in_round"`
	}
	out := make([]roundResponse, 0, len(rounds))
	for _, round := range rounds {
		out = append(out, roundResponse{
			RoundID:         round.RoundID,
			Price:           round.Price.String(),
			Decimals:        round.Decimals,
			UpdatedAt:       round.UpdatedAt,
			AnsweredInRound: round.AnsweredInRound,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": feed.Hex(), "rounds": out})
}
