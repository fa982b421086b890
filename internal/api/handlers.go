package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/pump"
	"github.com/predex/engine/internal/trade"
)

// postMessage accepts one inbound user message for asynchronous processing.
// The response acknowledges receipt only; trade outcomes arrive through the
// notification channel.
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, "user_id and text are required", http.StatusBadRequest)
		return
	}

	if !h.pump.Enqueue(pump.Message{UserID: req.UserID, Text: req.Text}) {
		writeError(w, "too many messages, slow down", http.StatusTooManyRequests)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type createMarketRequest struct {
	Title         string `json:"title"`
	Mode          string `json:"mode"`     // lmsr | fixed_odds, defaults to lmsr
	Deadline      string `json:"deadline"` // RFC 3339
	Beta          string `json:"beta,omitempty"`
	FixedYesPrice string `json:"fixed_yes_price,omitempty"`
	FixedNoPrice  string `json:"fixed_no_price,omitempty"`
}

func (h *Handler) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeError(w, "deadline must be RFC 3339", http.StatusBadRequest)
		return
	}

	mode := model.PricingMode(req.Mode)
	if req.Mode == "" {
		mode = model.ModeLMSR
	}

	beta, err := parseDecimal(req.Beta)
	if err != nil {
		writeError(w, "beta must be a decimal number", http.StatusBadRequest)
		return
	}
	fixedYes, err := parseDecimal(req.FixedYesPrice)
	if err != nil {
		writeError(w, "fixed_yes_price must be a decimal number", http.StatusBadRequest)
		return
	}
	fixedNo, err := parseDecimal(req.FixedNoPrice)
	if err != nil {
		writeError(w, "fixed_no_price must be a decimal number", http.StatusBadRequest)
		return
	}

	params := trade.CreateMarketParams{
		Title:         req.Title,
		Mode:          mode,
		Deadline:      deadline,
		Beta:          beta,
		FixedYesPrice: fixedYes,
		FixedNoPrice:  fixedNo,
	}
	m, err := h.markets.CreateMarket(r.Context(), params)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if r.URL.Query().Get("status") == string(model.StatusActive) {
		markets, err = h.markets.ListActiveMarkets(r.Context())
	} else {
		markets, err = h.markets.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.markets.MarketStats(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "marketID")
	probs, err := h.markets.ProbabilityHistory(r.Context(), id)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	volumes, err := h.markets.VolumeHistory(r.Context(), id)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"probability": probs,
		"volume":      volumes,
	})
}

// quotePreview prices a hypothetical trade without committing it.
func (h *Handler) quotePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"` // BUY | SELL
		Side   string `json:"side"`   // YES | NO
		Amount int64  `json:"amount"` // points for BUY, shares for SELL
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side := model.Side(req.Side)
	if side != model.SideYes && side != model.SideNo {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}
	action := model.Action(req.Action)
	if action != model.ActionBuy && action != model.ActionSell {
		writeError(w, "action must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	buy, sell, err := h.markets.QuotePreview(r.Context(), chi.URLParam(r, "marketID"), action, side, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if action == model.ActionSell {
		writeJSON(w, http.StatusOK, sell)
		return
	}
	writeJSON(w, http.StatusOK, buy)
}

func (h *Handler) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome *bool  `json:"outcome"`
		Notes   string `json:"notes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Outcome == nil {
		writeError(w, "outcome is required", http.StatusBadRequest)
		return
	}

	summary, err := h.settlement.Resolve(r.Context(), chi.URLParam(r, "marketID"), *req.Outcome, req.Notes)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) closeExpired(w http.ResponseWriter, r *http.Request) {
	closed, err := h.settlement.CloseExpired(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (h *Handler) ensureUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, "email is required", http.StatusBadRequest)
		return
	}

	u, err := h.markets.EnsureUser(r.Context(), req.Email)
	if err != nil {
		writeError(w, "failed to provision user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) getPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) recordBroadcastCycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MarketIDs []string `json:"market_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.markets.RecordBroadcastCycle(r.Context(), req.MarketIDs); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// parseDecimal treats an absent field as zero; anything else must parse.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}
