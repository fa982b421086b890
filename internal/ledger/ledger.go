// Package ledger commits trades against user balances and market state.
//
// Every commit runs under the target market's lock (markets before users),
// re-quotes against the freshly loaded state, and writes through the store's
// atomic ApplyTrade. The store additionally checks the market version, so a
// concurrent writer from another process surfaces as a version conflict and
// the commit retries with fresh state, up to maxRetries times.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/risk"
	"github.com/predex/engine/internal/store"
)

// maxRetries bounds version-conflict retries before giving up with
// model.ErrConcurrencyConflict.
const maxRetries = 3

// PriceScale is the decimal precision of the recorded average fill price.
const PriceScale int32 = 4

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Transaction model.Transaction
	Shares      decimal.Decimal
	Cost        decimal.Decimal // BUY only
	Proceeds    decimal.Decimal // SELL only
	NewBalance  decimal.Decimal
	PriceYes    decimal.Decimal // post-trade
}

// Ledger owns the trade commit path.
type Ledger struct {
	store   store.Store
	pricing *pricing.Engine
	risk    *risk.Checker
	locks   *KeyedMutex
	log     *slog.Logger
}

// New creates a Ledger. The KeyedMutex is shared with the settlement engine
// so resolutions and trades on the same market serialize.
func New(s store.Store, p *pricing.Engine, r *risk.Checker, locks *KeyedMutex, log *slog.Logger) *Ledger {
	return &Ledger{store: s, pricing: p, risk: r, locks: locks, log: log}
}

// Locks exposes the shared lock table.
func (l *Ledger) Locks() *KeyedMutex {
	return l.locks
}

// CommitBuy spends up to budget points on side shares in the market. The
// quote and the commit run under the market and user locks so the quoted
// price cannot move before it is applied.
func (l *Ledger) CommitBuy(ctx context.Context, userID, marketID string, side model.Side, budget int64, source string) (*CommitResult, error) {
	unlockMarket := l.locks.LockMarket(marketID)
	defer unlockMarket()
	unlockUser := l.locks.LockUser(userID)
	defer unlockUser()

	budgetDec := decimal.NewFromInt(budget)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := l.tryBuy(ctx, userID, marketID, side, budgetDec, source)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		l.log.Warn("buy hit version conflict, retrying",
			"market_id", marketID, "user_id", userID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("commit buy: %w", lastErr)
}

func (l *Ledger) tryBuy(ctx context.Context, userID, marketID string, side model.Side, budget decimal.Decimal, source string) (*CommitResult, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.Tradable() {
		return nil, model.ErrMarketInactive
	}

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Points.LessThan(budget) {
		return nil, model.ErrInsufficientFunds
	}

	quote, err := l.pricing.Quote(m, side, budget)
	if err != nil {
		return nil, err
	}

	if err := l.risk.CheckBuy(ctx, userID, marketID, quote.Cost); err != nil {
		return nil, err
	}

	pos, firstTrade, err := l.loadPosition(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if side == model.SideYes {
		pos.SharesYes = pos.SharesYes.Add(quote.Shares)
	} else {
		pos.SharesNo = pos.SharesNo.Add(quote.Shares)
	}
	pos.TotalInvested = pos.TotalInvested.Add(quote.Cost)

	now := store.Now()
	txn := model.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		MarketID:     marketID,
		Type:         model.ActionBuy,
		Side:         side,
		Shares:       quote.Shares,
		Price:        quote.Cost.Div(quote.Shares).Round(PriceScale),
		PointsChange: quote.Cost.Neg(),
		Source:       source,
		CreatedAt:    now,
	}

	app := l.buildApplication(m, quote.NewQYes, quote.NewQNo, quote.NewPriceYes, quote.NewPriceNo,
		side, quote.Cost, pos, txn, now)
	app.PointsDelta = quote.Cost.Neg()
	if firstTrade {
		app.ParticipantDelta = 1
		app.PredictionsDelta = 1
	}

	if err := l.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	return &CommitResult{
		Transaction: txn,
		Shares:      quote.Shares,
		Cost:        quote.Cost,
		NewBalance:  u.Points.Sub(quote.Cost),
		PriceYes:    quote.NewPriceYes,
	}, nil
}

// CommitSell sells the given share count on side, crediting the proceeds.
func (l *Ledger) CommitSell(ctx context.Context, userID, marketID string, side model.Side, shares int64, source string) (*CommitResult, error) {
	unlockMarket := l.locks.LockMarket(marketID)
	defer unlockMarket()
	unlockUser := l.locks.LockUser(userID)
	defer unlockUser()

	sharesDec := decimal.NewFromInt(shares)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := l.trySell(ctx, userID, marketID, side, sharesDec, source)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		l.log.Warn("sell hit version conflict, retrying",
			"market_id", marketID, "user_id", userID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("commit sell: %w", lastErr)
}

func (l *Ledger) trySell(ctx context.Context, userID, marketID string, side model.Side, shares decimal.Decimal, source string) (*CommitResult, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.Tradable() {
		return nil, model.ErrMarketInactive
	}

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pos, firstTrade, err := l.loadPosition(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if firstTrade || pos.Shares(side).LessThan(shares) {
		return nil, model.ErrInsufficientShares
	}

	quote, err := l.pricing.QuoteSell(m, side, shares)
	if err != nil {
		return nil, err
	}

	// Average-cost basis released by this sale, apportioned over all shares
	// held in the market.
	held := pos.SharesYes.Add(pos.SharesNo)
	basis := pos.TotalInvested.Mul(shares).Div(held).Round(2)
	if basis.GreaterThan(pos.TotalInvested) {
		basis = pos.TotalInvested
	}

	if side == model.SideYes {
		pos.SharesYes = pos.SharesYes.Sub(shares)
	} else {
		pos.SharesNo = pos.SharesNo.Sub(shares)
	}
	pos.TotalInvested = pos.TotalInvested.Sub(basis)
	pos.RealizedPnL = pos.RealizedPnL.Add(quote.Proceeds.Sub(basis))

	now := store.Now()
	txn := model.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		MarketID:     marketID,
		Type:         model.ActionSell,
		Side:         side,
		Shares:       shares,
		Price:        quote.Proceeds.Div(shares).Round(PriceScale),
		PointsChange: quote.Proceeds,
		Source:       source,
		CreatedAt:    now,
	}

	app := l.buildApplication(m, quote.NewQYes, quote.NewQNo, quote.NewPriceYes, quote.NewPriceNo,
		side, quote.Proceeds, pos, txn, now)
	app.PointsDelta = quote.Proceeds

	if err := l.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	return &CommitResult{
		Transaction: txn,
		Shares:      shares,
		Proceeds:    quote.Proceeds,
		NewBalance:  u.Points.Add(quote.Proceeds),
		PriceYes:    quote.NewPriceYes,
	}, nil
}

// loadPosition returns the user's position in the market, or a zero-valued
// one plus firstTrade=true when none exists yet.
func (l *Ledger) loadPosition(ctx context.Context, userID, marketID string) (model.Position, bool, error) {
	p, err := l.store.GetPosition(ctx, userID, marketID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Position{UserID: userID, MarketID: marketID}, true, nil
		}
		return model.Position{}, false, err
	}
	return *p, false, nil
}

// buildApplication assembles the atomic write set. Volume is denominated in
// points moved, attributed to the traded side.
func (l *Ledger) buildApplication(m *model.Market, qYes, qNo, priceYes, priceNo decimal.Decimal,
	side model.Side, points decimal.Decimal, pos model.Position, txn model.Transaction, now time.Time) *store.TradeApplication {
	yesVol, noVol := m.YesVolume, m.NoVolume
	if side == model.SideYes {
		yesVol = yesVol.Add(points)
	} else {
		noVol = noVol.Add(points)
	}
	totalVol := m.TotalVolume.Add(points)

	return &store.TradeApplication{
		MarketID:        m.ID,
		ExpectedVersion: m.Version,
		QYes:            qYes,
		QNo:             qNo,
		PriceYes:        priceYes,
		PriceNo:         priceNo,
		YesVolume:       yesVol,
		NoVolume:        noVol,
		TotalVolume:     totalVol,
		UserID:          pos.UserID,
		Position:        pos,
		Transaction:     txn,
		ProbabilityPoint: model.ProbabilityPoint{
			MarketID: m.ID,
			PriceYes: priceYes,
			At:       now,
		},
		VolumePoint: model.VolumePoint{
			MarketID:    m.ID,
			TotalVolume: totalVol,
			At:          now,
		},
	}
}
