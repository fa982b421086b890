// Package trade executes parsed intents end to end and serves the market
// query surface.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/predex/engine/internal/ledger"
	"github.com/predex/engine/internal/metrics"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/parser"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/resolver"
	"github.com/predex/engine/internal/ws"
)

// SourceMessage marks transactions that originated from inbound messages.
const SourceMessage = "message"

// Orchestrator runs one intent through resolution, commit, and broadcast.
// Failures never escape as errors; every intent terminates in an outcome.
type Orchestrator struct {
	resolver *resolver.Resolver
	ledger   *ledger.Ledger
	hub      *ws.Hub
	log      *slog.Logger
}

// NewOrchestrator wires the intent execution pipeline.
func NewOrchestrator(r *resolver.Resolver, l *ledger.Ledger, hub *ws.Hub, log *slog.Logger) *Orchestrator {
	return &Orchestrator{resolver: r, ledger: l, hub: hub, log: log}
}

// ExecuteIntent resolves the intent's target market and commits the trade.
// The returned outcome is terminal: Committed with fill details, or rejected
// with a reason code.
func (o *Orchestrator) ExecuteIntent(ctx context.Context, userID string, intent parser.Intent) model.TradeOutcome {
	start := time.Now()
	defer func() {
		metrics.TradeLatency.Observe(time.Since(start).Seconds())
	}()

	outcome := model.TradeOutcome{
		UserID: userID,
		Action: intent.Action,
		Side:   intent.Side,
		Amount: intent.Amount,
	}

	match, err := o.resolver.Resolve(ctx, intent.MarketHint)
	if err != nil {
		return o.reject(outcome, err)
	}
	outcome.MarketID = match.Market.ID
	outcome.MarketTitle = match.Market.Title
	outcome.Method = match.Method

	var res *ledger.CommitResult
	switch intent.Action {
	case model.ActionSell:
		res, err = o.ledger.CommitSell(ctx, userID, match.Market.ID, intent.Side, intent.Amount, SourceMessage)
	default:
		res, err = o.ledger.CommitBuy(ctx, userID, match.Market.ID, intent.Side, intent.Amount, SourceMessage)
	}
	if err != nil {
		return o.reject(outcome, err)
	}

	outcome.Committed = true
	outcome.Shares = res.Shares
	outcome.Cost = res.Cost
	outcome.Proceeds = res.Proceeds
	outcome.NewBalance = res.NewBalance
	outcome.PriceYes = res.PriceYes
	outcome.TxID = res.Transaction.ID

	metrics.TradesTotal.WithLabelValues(string(intent.Action)).Inc()
	o.log.Info("trade committed",
		"user_id", userID,
		"market_id", match.Market.ID,
		"action", intent.Action,
		"side", intent.Side,
		"shares", res.Shares.String(),
		"tx_id", res.Transaction.ID,
	)

	o.hub.Broadcast(ws.Message{
		Type:     "trade_executed",
		MarketID: match.Market.ID,
		PriceYes: res.PriceYes.String(),
		Action:   string(intent.Action),
		Side:     string(intent.Side),
		Shares:   res.Shares.String(),
	})
	return outcome
}

// reject finalizes the outcome with a reason code. A budget too small to buy
// the minimum share increment reads as insufficient funds to the user.
func (o *Orchestrator) reject(outcome model.TradeOutcome, err error) model.TradeOutcome {
	reason := model.RejectReason(err)
	if errors.Is(err, pricing.ErrBudgetTooSmall) {
		reason = model.ReasonInsufficientFunds
	}

	outcome.Committed = false
	outcome.Reason = reason
	metrics.TradeRejectionsTotal.WithLabelValues(reason).Inc()

	if reason == model.ReasonInternal {
		o.log.Error("intent failed", "user_id", outcome.UserID, "error", err)
	} else {
		o.log.Info("intent rejected",
			"user_id", outcome.UserID,
			"market_id", outcome.MarketID,
			"reason", reason,
		)
	}
	return outcome
}
