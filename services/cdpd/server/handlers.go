package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"usq/native/cdp"
	"usq/native/oracle"
	"usq/services/cdpd/journal"
)

// caller resolves the principal's address; user endpoints act on behalf of
// the token subject only.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	principal, _ := PrincipalFrom(r.Context())
	addr, ok := principal.Address()
	if !ok {
		writeJSONError(w, http.StatusForbidden, cdp.KindPermission.String(), "token subject is not an address")
		return common.Address{}, false
	}
	return addr, true
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, cdp.KindValidation.String(), err.Error())
}

// decodePosition reads a collateral/amount pair for the calling user.
func decodePosition(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, *uint256.Int, bool) {
	user, ok := caller(w, r)
	if !ok {
		return common.Address{}, common.Address{}, nil, false
	}
	var req positionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return common.Address{}, common.Address{}, nil, false
	}
	token, err := parseAddress(req.Collateral)
	if err != nil {
		badRequest(w, err)
		return common.Address{}, common.Address{}, nil, false
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return common.Address{}, common.Address{}, nil, false
	}
	return user, token, amount, true
}

type positionOp func(engine *cdp.Engine, ctx context.Context, user, token common.Address, amount *uint256.Int) error

func (s *Server) positionHandler(op positionOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, token, amount, ok := decodePosition(w, r)
		if !ok {
			return
		}
		err := s.withEngine(func(engine *cdp.Engine) error {
			return op(engine, r.Context(), user, token, amount)
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		s.writePosition(w, r, user)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.positionHandler((*cdp.Engine).Deposit)(w, r)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.positionHandler((*cdp.Engine).Withdraw)(w, r)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.positionHandler((*cdp.Engine).Mint)(w, r)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	user, token, amount, ok := decodePosition(w, r)
	if !ok {
		return
	}
	var repaid *uint256.Int
	err := s.withEngine(func(engine *cdp.Engine) error {
		var err error
		repaid, err = engine.Repay(r.Context(), user, token, amount)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": user.Hex(), "repaid": amountString(repaid)})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	liquidator, ok := caller(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		badRequest(w, err)
		return
	}
	token, err := parseAddress(req.Collateral)
	if err != nil {
		badRequest(w, err)
		return
	}
	debt, err := parseAmount("debtToCover", req.DebtToCover)
	if err != nil {
		badRequest(w, err)
		return
	}
	var result *cdp.LiquidationResult
	err = s.withEngine(func(engine *cdp.Engine) error {
		var err error
		result, err = engine.Liquidate(r.Context(), liquidator, user, token, debt)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(result))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var result *cdp.SettlementResult
	err := s.withEngine(func(engine *cdp.Engine) error {
		var err error
		result, err = engine.SettlePosition(r.Context(), user)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView{
		User:       result.User.Hex(),
		DebtBurned: amountString(result.DebtBurned),
		Payouts:    tokenAmounts(result.Payouts),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.withEngine(func(engine *cdp.Engine) error {
		return engine.RefreshValuation(r.Context(), user)
	}); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writePosition(w, r, user)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		badRequest(w, err)
		return
	}
	s.writePosition(w, r, user)
}

// writePosition renders the stored position with its valuation. Oracle
// failures are reported inline so balances remain readable.
func (s *Server) writePosition(w http.ResponseWriter, r *http.Request, user common.Address) {
	var view positionView
	_ = s.withEngine(func(engine *cdp.Engine) error {
		pos := engine.Position(user)
		view = positionView{
			User:     pos.User.Hex(),
			Debt:     amountString(pos.Debt),
			LastSlot: pos.LastSlot,
			Windows:  make(map[string]windowView, 2),
		}
		for token, amount := range pos.Balances {
			view.Balances = append(view.Balances, tokenAmountView{Token: token.Hex(), Amount: amountString(amount)})
		}
		sort.Slice(view.Balances, func(i, j int) bool { return view.Balances[i].Token < view.Balances[j].Token })
		for _, kind := range []cdp.RateLimitKind{cdp.RateLimitMint, cdp.RateLimitWithdraw} {
			window, limit, err := engine.RateWindow(user, kind)
			if err != nil {
				continue
			}
			view.Windows[kind.String()] = windowView{
				Used:      amountString(window.AmountUsedInWindow),
				Cap:       amountString(limit),
				ResetTime: window.WindowResetTime,
			}
		}
		value, err := engine.CollateralValueUSD(r.Context(), user)
		if err != nil {
			view.ValuationError = err.Error()
			return nil
		}
		view.CollateralValueUSD = amountString(value)
		if hf, err := engine.HealthFactor(r.Context(), user); err == nil {
			view.HealthFactor = amountString(hf)
		}
		if mintable, err := engine.MaxMintable(r.Context(), user); err == nil {
			view.MaxMintable = amountString(mintable)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCollaterals(w http.ResponseWriter, r *http.Request) {
	var views []collateralView
	_ = s.withEngine(func(engine *cdp.Engine) error {
		collaterals := engine.Collaterals()
		views = make([]collateralView, 0, len(collaterals))
		for _, ct := range collaterals {
			views = append(views, newCollateralView(ct, engine.HeldCollateral(ct.Token)))
		}
		return nil
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var view collateralView
	err = s.withEngine(func(engine *cdp.Engine) error {
		ct, err := engine.Collateral(token)
		if err != nil {
			return err
		}
		view = newCollateralView(ct, engine.HeldCollateral(token))
		return nil
	})
	if errors.Is(err, cdp.ErrUnknownCollateral) {
		writeJSONError(w, http.StatusNotFound, cdp.KindOf(err).String(), err.Error())
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request) {
	var global cdp.GlobalState
	_ = s.withEngine(func(engine *cdp.Engine) error {
		global = engine.Global()
		return nil
	})
	view := globalView{
		TotalDebtIssued:   amountString(global.TotalDebtIssued),
		GlobalDebtCeiling: amountString(global.GlobalDebtCeiling),
		TotalBadDebt:      amountString(global.TotalBadDebt),
		ProtocolRevenue:   amountString(global.ProtocolRevenue),
		Paused:            global.Paused,
	}
	if s.synthetic != nil {
		if supply, err := s.synthetic.TotalSupply(); err == nil {
			view.SyntheticSupply = amountString(supply)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var state cdp.EmergencyState
	_ = s.withEngine(func(engine *cdp.Engine) error {
		state = engine.Emergency()
		return nil
	})
	writeJSON(w, http.StatusOK, newEmergencyView(state))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	quote, ok := s.prices.Quote(token)
	if !ok {
		writeJSONError(w, http.StatusNotFound, cdp.KindOracle.String(), oracle.ErrNoPrice.Error())
		return
	}
	writeJSON(w, http.StatusOK, priceView{
		Token:     token.Hex(),
		Price:     amountString(quote.Price),
		Timestamp: quote.Timestamp,
		Source:    quote.Source,
		Stale:     s.prices.IsStale(r.Context(), token),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, cdp.KindState.String(), "journal disabled")
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := strings.TrimSpace(query.Get("account")); raw != "" {
		addr, err := parseAddress(raw)
		if err != nil {
			badRequest(w, err)
			return
		}
		filter.Account = addr.Hex()
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, err)
			return
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(w, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("events: list failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, cdp.KindInternal.String(), "journal unavailable")
		return
	}
	views := make([]eventView, 0, len(entries))
	for _, entry := range entries {
		attrs, err := entry.Decode()
		if err != nil {
			s.logger.Warn("events: undecodable entry", "id", entry.ID, "error", err)
			continue
		}
		views = append(views, eventView{
			ID:         entry.ID.String(),
			Type:       entry.Type,
			Account:    entry.Account,
			Collateral: entry.Collateral,
			OccurredAt: entry.OccurredAt,
			Attributes: attrs,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	if s.rewards == nil {
		writeJSONError(w, http.StatusNotFound, cdp.KindState.String(), "rewards disabled")
		return
	}
	user, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		badRequest(w, err)
		return
	}
	acct := s.rewards.Account(user)
	view := rewardsView{
		Address:     user.Hex(),
		Weight:      acct.Weight.String(),
		Points:      acct.Points.String(),
		TotalWeight: s.rewards.TotalWeight().String(),
	}
	if !acct.UpdatedAt.IsZero() {
		view.UpdatedAt = acct.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	var req addCollateralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		badRequest(w, err)
		return
	}
	ceiling, err := parseAmount("debtCeiling", req.DebtCeiling)
	if err != nil {
		badRequest(w, err)
		return
	}
	s.governance(w, r, token, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.AddCollateral(ctx, token, req.LiquidationThresholdPct, ceiling, req.StabilityFeeRateBps)
	})
}

func (s *Server) handleRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	s.governance(w, r, token, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.RemoveCollateral(ctx, token)
	})
}

func (s *Server) handleSetCeiling(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ceiling, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	s.governance(w, r, token, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.SetDebtCeiling(ctx, token, ceiling)
	})
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req feeRateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.governance(w, r, token, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.SetStabilityFeeRate(ctx, token, req.StabilityFeeRateBps)
	})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		badRequest(w, err)
		return
	}
	s.governance(w, r, token, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.Accrue(ctx, token)
	})
}

// governance runs a registry mutation and renders the resulting collateral.
func (s *Server) governance(w http.ResponseWriter, r *http.Request, token common.Address, fn func(ctx context.Context, engine *cdp.Engine) error) {
	var view collateralView
	err := s.withEngine(func(engine *cdp.Engine) error {
		if err := fn(r.Context(), engine); err != nil {
			return err
		}
		ct, err := engine.Collateral(token)
		if err != nil {
			return err
		}
		view = newCollateralView(ct, engine.HeldCollateral(token))
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetGlobalCeiling(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ceiling, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	s.globalMutation(w, r, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.SetGlobalDebtCeiling(ctx, ceiling)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.globalMutation(w, r, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.SetPaused(ctx, req.Paused)
	})
}

func (s *Server) handleWithdrawRevenue(w http.ResponseWriter, r *http.Request) {
	var req revenueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	s.globalMutation(w, r, func(ctx context.Context, engine *cdp.Engine) error {
		return engine.WithdrawRevenue(ctx, recipient, amount)
	})
}

func (s *Server) globalMutation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, engine *cdp.Engine) error) {
	var global cdp.GlobalState
	err := s.withEngine(func(engine *cdp.Engine) error {
		if err := fn(r.Context(), engine); err != nil {
			return err
		}
		global = engine.Global()
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, globalView{
		TotalDebtIssued:   amountString(global.TotalDebtIssued),
		GlobalDebtCeiling: amountString(global.GlobalDebtCeiling),
		TotalBadDebt:      amountString(global.TotalBadDebt),
		ProtocolRevenue:   amountString(global.ProtocolRevenue),
		Paused:            global.Paused,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var state cdp.EmergencyState
	err := s.withEngine(func(engine *cdp.Engine) error {
		if err := engine.InitiateShutdown(r.Context()); err != nil {
			return err
		}
		state = engine.Emergency()
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	s.logger.Warn("emergency shutdown initiated", "subject", principal.Subject)
	writeJSON(w, http.StatusOK, newEmergencyView(state))
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		badRequest(w, err)
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	if req.Clear {
		s.prices.ClearOverride(token)
		s.logger.Warn("oracle override cleared", "collateral", token.Hex(), "subject", principal.Subject)
		writeJSON(w, http.StatusOK, map[string]interface{}{"token": token.Hex(), "cleared": true})
		return
	}
	if err := s.prices.Override(token, req.Until); err != nil {
		writeJSONError(w, oracleStatus(err), cdp.KindOracle.String(), err.Error())
		return
	}
	s.logger.Warn("oracle override set", "collateral", token.Hex(), "until", req.Until, "subject", principal.Subject)
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token.Hex(), "until": req.Until.UTC()})
}

// handlePrices applies a batch of feeder quotes. Each quote is applied on
// its own; the response reports per-token outcomes.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if len(req.Prices) == 0 {
		badRequest(w, errors.New("prices required"))
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	results := make([]map[string]string, 0, len(req.Prices))
	status := http.StatusOK
	for _, update := range req.Prices {
		result := map[string]string{"token": update.Token}
		token, err := parseAddress(update.Token)
		if err != nil {
			result["error"] = err.Error()
			results = append(results, result)
			status = http.StatusBadRequest
			continue
		}
		price, err := parseAmount("price", update.Price)
		if err != nil {
			result["error"] = err.Error()
			results = append(results, result)
			status = http.StatusBadRequest
			continue
		}
		source := update.Source
		if source == "" {
			source = principal.Subject
		}
		if err := s.prices.Update(token, oracle.Quote{Price: price, Timestamp: update.Timestamp, Source: source}); err != nil {
			result["error"] = err.Error()
			results = append(results, result)
			if status == http.StatusOK {
				status = oracleStatus(err)
			}
			continue
		}
		result["price"] = price.Dec()
		results = append(results, result)
	}
	writeJSON(w, status, map[string]interface{}{"results": results})
}
