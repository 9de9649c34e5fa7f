package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanledger/native/lending"
)

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	var body approveBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "approve", err)
		return
	}
	asset, err := parseAddress("asset", body.Asset)
	if err != nil {
		s.writeEngineError(w, r, "approve", err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		s.writeEngineError(w, r, "approve", err)
		return
	}
	if s.bank == nil {
		writeError(w, http.StatusNotFound, "not_found", "bank not configured")
		return
	}
	spender := s.engine.Custody()
	err = s.exec.Mutate(r.Context(), func() error {
		return s.bank.Approve(asset, owner, spender, amount)
	})
	if err != nil {
		s.writeEngineError(w, r, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner.Hex(),
		"spender": spender.Hex(),
		"asset":   asset.Hex(),
		"amount":  amount.Dec(),
	})
}

// faucetMint credits the caller on devnets.
func (s *Server) faucetMint(w http.ResponseWriter, r *http.Request) {
	if !s.faucet || s.bank == nil {
		writeError(w, http.StatusNotFound, "not_found", "faucet disabled")
		return
	}
	to, ok := caller(w, r)
	if !ok {
		return
	}
	var body approveBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "faucet", err)
		return
	}
	asset, err := parseOptionalAddress("asset", body.Asset)
	if err != nil {
		s.writeEngineError(w, r, "faucet", err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		s.writeEngineError(w, r, "faucet", err)
		return
	}
	var balance string
	err = s.exec.Mutate(r.Context(), func() error {
		if err := s.bank.Mint(asset, to, amount); err != nil {
			return err
		}
		bal, err := s.bank.BalanceOf(asset, to)
		balance = formatAmount(bal)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, "faucet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": to.Hex(), "asset": asset.Hex(), "balance": balance})
}

// ownerAction decodes nothing and runs an owner-only mutation.
func (s *Server) ownerAction(w http.ResponseWriter, r *http.Request, action string, fn func(owner common.Address) error) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.exec.Mutate(r.Context(), func() error { return fn(who) }); err != nil {
		s.writeEngineError(w, r, action, err)
		return
	}
	s.policy(w, r)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, "pause", s.engine.Pause)
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, "unpause", s.engine.Unpause)
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var body addressBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "transfer_ownership", err)
		return
	}
	next, err := parseAddress("address", body.Address)
	if err != nil {
		s.writeEngineError(w, r, "transfer_ownership", err)
		return
	}
	s.ownerAction(w, r, "transfer_ownership", func(owner common.Address) error {
		return s.engine.TransferOwnership(owner, next)
	})
}

func (s *Server) setFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var body addressBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "set_fee_recipient", err)
		return
	}
	recipient, err := parseAddress("address", body.Address)
	if err != nil {
		s.writeEngineError(w, r, "set_fee_recipient", err)
		return
	}
	s.ownerAction(w, r, "set_fee_recipient", func(owner common.Address) error {
		return s.engine.SetFeeRecipient(owner, recipient)
	})
}

// setPolicy applies every supplied field. The fields commit together or not
// at all.
func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "set_policy", err)
		return
	}
	var updates []func(owner common.Address) error
	if body.CollateralRatioBps != nil {
		v := *body.CollateralRatioBps
		updates = append(updates, func(o common.Address) error { return s.engine.SetCollateralRatio(o, v) })
	}
	if body.PlatformFeeBps != nil {
		v := *body.PlatformFeeBps
		updates = append(updates, func(o common.Address) error { return s.engine.SetPlatformFee(o, v) })
	}
	if body.MaxLoanAmount != nil {
		v, err := parseAmount("max_loan_amount", *body.MaxLoanAmount)
		if err != nil {
			s.writeEngineError(w, r, "set_policy", err)
			return
		}
		updates = append(updates, func(o common.Address) error { return s.engine.SetMaxLoanAmount(o, v) })
	}
	if body.MaxActiveLoansPerBorrower != nil {
		v := *body.MaxActiveLoansPerBorrower
		updates = append(updates, func(o common.Address) error { return s.engine.SetMaxActiveLoansPerBorrower(o, v) })
	}
	if body.LiquidationThresholdBps != nil {
		v := *body.LiquidationThresholdBps
		updates = append(updates, func(o common.Address) error { return s.engine.SetLiquidationThreshold(o, v) })
	}
	if body.LiquidationBonusBps != nil {
		v := *body.LiquidationBonusBps
		updates = append(updates, func(o common.Address) error { return s.engine.SetLiquidationBonus(o, v) })
	}
	if body.GracePeriod != nil {
		v := *body.GracePeriod
		updates = append(updates, func(o common.Address) error { return s.engine.SetGracePeriod(o, v) })
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no policy fields supplied")
		return
	}
	s.ownerAction(w, r, "set_policy", func(owner common.Address) error {
		for _, update := range updates {
			if err := update(owner); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Server) setAsset(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	asset, err := parseAddress("asset", urlParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, r, "set_asset", err)
		return
	}
	var body assetBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "set_asset", err)
		return
	}
	feed, err := parseOptionalAddress("feed", body.Feed)
	if err != nil {
		s.writeEngineError(w, r, "set_asset", err)
		return
	}
	var resp assetResponse
	err = s.exec.Mutate(r.Context(), func() error {
		if err := s.engine.SetCollateralAsset(who, asset, body.Allowed, body.Decimals); err != nil {
			return err
		}
		if strings.TrimSpace(body.Feed) != "" {
			if err := s.engine.SetPriceFeed(who, asset, feed); err != nil {
				return err
			}
		}
		record, _, err := s.engine.CollateralAsset(asset)
		if err != nil {
			return err
		}
		locked, err := s.engine.LockedCollateral(asset)
		if err != nil {
			return err
		}
		resp = toAssetResponse(record, formatAmount(locked))
		return nil
	})
	if err != nil {
		s.writeEngineError(w, r, "set_asset", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rescue(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body rescueBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "rescue", err)
		return
	}
	asset, err := parseOptionalAddress("asset", body.Asset)
	if err != nil {
		s.writeEngineError(w, r, "rescue", err)
		return
	}
	to, err := parseAddress("to", body.To)
	if err != nil {
		s.writeEngineError(w, r, "rescue", err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		s.writeEngineError(w, r, "rescue", err)
		return
	}
	err = s.exec.Mutate(r.Context(), func() error {
		if asset == lending.NativeAsset {
			return s.engine.RescueNative(who, to, amount)
		}
		return s.engine.RescueTokens(who, asset, to, amount)
	})
	if err != nil {
		s.writeEngineError(w, r, "rescue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "to": to.Hex(), "amount": amount.Dec()})
}

// publishRound records a price round. Only the ledger owner may publish.
func (s *Server) publishRound(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeError(w, http.StatusNotFound, "not_found", "feed store not configured")
		return
	}
	who, ok := caller(w, r)
	if !ok {
		return
	}
	feed, err := parseAddress("feed", urlParam(r, "feed"))
	if err != nil {
		s.writeEngineError(w, r, "publish_round", err)
		return
	}
	var body roundBody
	if err := decodeBody(r, &body); err != nil {
		s.writeEngineError(w, r, "publish_round", err)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(body.Price), 10)
	if !ok {
		s.writeEngineError(w, r, "publish_round", fmt.Errorf("%w: price must be a base-10 integer", errBadRequest))
		return
	}
	at := s.now()
	if body.UpdatedAt > 0 {
		at = time.Unix(body.UpdatedAt, 0)
	}
	var roundID uint64
	err = s.exec.Read(func() error {
		owner, err := s.engine.Owner()
		if err != nil {
			return err
		}
		if owner != who {
			return lending.ErrUnauthorized
		}
		roundID, err = s.feeds.PublishRound(r.Context(), feed, price, body.Decimals, at)
		return err
	})
	if err != nil {
		s.writeEngineError(w, r, "publish_round", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"feed": feed.Hex(), "round_id": roundID, "updated_at": at.Unix()})
}
