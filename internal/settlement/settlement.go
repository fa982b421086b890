// Package settlement closes expired markets and resolves outcomes.
//
// Resolution shares the ledger's per-market locks, so no trade can commit
// between loading the positions and crediting the payouts. A market resolves
// exactly once; both the in-memory status check and the store's version
// guard reject a second attempt.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/ledger"
	"github.com/predex/engine/internal/metrics"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/notify"
	"github.com/predex/engine/internal/store"
	"github.com/predex/engine/internal/ws"
)

const maxRetries = 3

// Engine owns market lifecycle transitions past the trading phase.
type Engine struct {
	store    store.Store
	locks    *ledger.KeyedMutex
	notifier notify.Notifier
	hub      *ws.Hub
	log      *slog.Logger
}

// New creates a settlement engine. locks must be the same table the ledger
// uses.
func New(s store.Store, locks *ledger.KeyedMutex, n notify.Notifier, hub *ws.Hub, log *slog.Logger) *Engine {
	return &Engine{store: s, locks: locks, notifier: n, hub: hub, log: log}
}

// CloseExpired transitions every active market whose deadline has passed to
// closed, and returns how many moved. Safe to run repeatedly; a market
// already closed by an earlier run simply no longer matches.
func (e *Engine) CloseExpired(ctx context.Context) (int, error) {
	active, err := e.store.ListMarketsByStatus(ctx, model.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active markets: %w", err)
	}

	now := store.Now()
	closed := 0
	for _, m := range active {
		if m.Deadline.After(now) {
			continue
		}
		unlock := e.locks.LockMarket(m.ID)
		ok, err := e.store.TransitionMarketStatus(ctx, m.ID, model.StatusActive, model.StatusClosed)
		unlock()
		if err != nil {
			return closed, fmt.Errorf("close market %s: %w", m.ID, err)
		}
		if ok {
			closed++
			e.log.Info("market closed", "market_id", m.ID, "deadline", m.Deadline)
		}
	}

	if closed > 0 {
		e.refreshActiveGauge(ctx)
	}
	return closed, nil
}

// Resolve settles the market on the given outcome: winning shares pay
// model.PayoutPerShare points each, rounded down; every participant is
// notified, including those paid nothing. Returns model.ErrAlreadyResolved
// on a repeat attempt.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome bool, notes string) (*model.PayoutSummary, error) {
	unlock := e.locks.LockMarket(marketID)
	defer unlock()

	var summary *model.PayoutSummary
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		summary, err = e.tryResolve(ctx, marketID, outcome, notes)
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		e.log.Warn("resolve hit version conflict, retrying", "market_id", marketID, "attempt", attempt+1)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("resolve market %s: %w", marketID, lastErr)
	}

	metrics.MarketsResolvedTotal.Inc()
	paid, _ := summary.TotalPaid.Float64()
	metrics.PointsPaidOutTotal.Add(paid)
	e.refreshActiveGauge(ctx)

	e.hub.Broadcast(ws.Message{
		Type:     "market_resolved",
		MarketID: marketID,
		Outcome:  &outcome,
	})
	return summary, nil
}

func (e *Engine) tryResolve(ctx context.Context, marketID string, outcome bool, notes string) (*model.PayoutSummary, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.StatusResolved {
		return nil, model.ErrAlreadyResolved
	}

	positions, err := e.store.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	winningSide := model.SideNo
	if outcome {
		winningSide = model.SideYes
	}

	now := store.Now()
	app := &store.SettlementApplication{
		MarketID:        marketID,
		ExpectedVersion: m.Version,
		Resolution: model.Resolution{
			Outcome:    outcome,
			ResolvedAt: now,
			Notes:      notes,
		},
	}

	summary := &model.PayoutSummary{
		MarketID:   marketID,
		Outcome:    outcome,
		ResolvedAt: now,
	}

	for _, pos := range positions {
		winning := pos.Shares(winningSide)
		payout := winning.Mul(model.PayoutPerShare).RoundDown(0)

		correct := 0
		if winning.GreaterThan(decimal.Zero) {
			correct = 1
		}
		if payout.GreaterThan(decimal.Zero) {
			summary.Winners++
		}

		// The payout itself is credited to realized PnL; the points spent
		// stay on record in the position's totalInvested.
		app.Payouts = append(app.Payouts, store.SettlementPayout{
			UserID:       pos.UserID,
			MarketID:     marketID,
			Points:       payout,
			CorrectDelta: correct,
			RealizedPnL:  payout,
		})
		summary.Payouts = append(summary.Payouts, model.UserPayout{
			UserID:        pos.UserID,
			WinningShares: winning,
			Points:        payout,
		})
		summary.TotalPaid = summary.TotalPaid.Add(payout)
	}

	if err := e.store.ApplySettlement(ctx, app); err != nil {
		return nil, err
	}

	e.log.Info("market resolved",
		"market_id", marketID,
		"outcome", outcome,
		"participants", len(positions),
		"winners", summary.Winners,
		"total_paid", summary.TotalPaid.String(),
	)

	e.notifyParticipants(ctx, m.Title, outcome, summary.Payouts)
	return summary, nil
}

// notifyParticipants delivers payout notices. Failures are logged and
// counted; the settlement itself is already committed.
func (e *Engine) notifyParticipants(ctx context.Context, title string, outcome bool, payouts []model.UserPayout) {
	for _, p := range payouts {
		if err := e.notifier.Resolution(ctx, p.UserID, title, outcome, p.Points); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			e.log.Warn("resolution notification failed", "user_id", p.UserID, "error", err)
		}
	}
}

func (e *Engine) refreshActiveGauge(ctx context.Context) {
	active, err := e.store.ListMarketsByStatus(ctx, model.StatusActive)
	if err != nil {
		return
	}
	metrics.ActiveMarkets.Set(float64(len(active)))
}
