package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/metrics"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/store"
)

var halfPrice = decimal.NewFromFloat(0.5)

// Service owns market administration and the read-only query surface. Trade
// commits go through the Orchestrator, never through here.
type Service struct {
	store   store.Store
	pricing *pricing.Engine
	initial decimal.Decimal // starting balance for new users
	log     *slog.Logger
}

// NewService creates the market service. initialPoints seeds new users.
func NewService(s store.Store, p *pricing.Engine, initialPoints int64, log *slog.Logger) *Service {
	return &Service{
		store:   s,
		pricing: p,
		initial: decimal.NewFromInt(initialPoints),
		log:     log,
	}
}

// CreateMarketParams are the operator inputs for a new market.
type CreateMarketParams struct {
	Title         string
	Mode          model.PricingMode
	Deadline      time.Time
	Beta          decimal.Decimal // LMSR only
	FixedYesPrice decimal.Decimal // fixed-odds only
	FixedNoPrice  decimal.Decimal
}

func (p *CreateMarketParams) validate() error {
	if p.Title == "" {
		return errors.New("title required")
	}
	if p.Deadline.Before(time.Now()) {
		return errors.New("deadline must be in the future")
	}
	switch p.Mode {
	case model.ModeLMSR:
		if p.Beta.LessThanOrEqual(decimal.Zero) {
			return errors.New("beta must be positive")
		}
	case model.ModeFixedOdds:
		for _, price := range []decimal.Decimal{p.FixedYesPrice, p.FixedNoPrice} {
			if price.LessThanOrEqual(decimal.Zero) || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return errors.New("fixed prices must be in (0, 1)")
			}
		}
	default:
		return fmt.Errorf("unknown pricing mode %q", p.Mode)
	}
	return nil
}

// CreateMarket opens a new market. LMSR markets start at even odds.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	m := &model.Market{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Status:    model.StatusActive,
		Mode:      p.Mode,
		Deadline:  p.Deadline.UTC(),
		PriceYes:  halfPrice,
		PriceNo:   halfPrice,
		CreatedAt: store.Now(),
	}
	switch p.Mode {
	case model.ModeLMSR:
		m.Beta = p.Beta
	case model.ModeFixedOdds:
		m.FixedYesPrice = p.FixedYesPrice
		m.FixedNoPrice = p.FixedNoPrice
		m.PriceYes = p.FixedYesPrice
		m.PriceNo = p.FixedNoPrice
	}

	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	s.log.Info("market created", "market_id", m.ID, "title", m.Title, "mode", m.Mode)
	s.refreshActiveGauge(ctx)
	return m, nil
}

// GetMarket fetches one market.
func (s *Service) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// ListMarkets returns all markets, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// ListActiveMarkets returns tradable markets, newest first.
func (s *Service) ListActiveMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarketsByStatus(ctx, model.StatusActive)
}

// MarketStats summarizes current prices and activity.
func (s *Service) MarketStats(ctx context.Context, id string) (*pricing.Stats, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := s.pricing.MarketStats(m)
	return &stats, nil
}

// QuotePreview prices a hypothetical trade against current market state
// without committing anything. The preview is advisory; the committed fill
// may differ if the market moves first.
func (s *Service) QuotePreview(ctx context.Context, marketID string, action model.Action, side model.Side, amount int64) (*pricing.Quote, *pricing.SellQuote, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, nil, err
	}
	if !m.Tradable() {
		return nil, nil, model.ErrMarketInactive
	}

	if action == model.ActionSell {
		q, err := s.pricing.QuoteSell(m, side, decimal.NewFromInt(amount))
		return nil, q, err
	}
	q, err := s.pricing.Quote(m, side, decimal.NewFromInt(amount))
	return q, nil, err
}

// ProbabilityHistory returns a market's price samples, oldest first.
func (s *Service) ProbabilityHistory(ctx context.Context, marketID string) ([]model.ProbabilityPoint, error) {
	return s.store.ProbabilityHistory(ctx, marketID)
}

// VolumeHistory returns a market's volume samples, oldest first.
func (s *Service) VolumeHistory(ctx context.Context, marketID string) ([]model.VolumePoint, error) {
	return s.store.VolumeHistory(ctx, marketID)
}

// Portfolio is one user's balance, open positions, and trade history.
type Portfolio struct {
	User         *model.User         `json:"user"`
	Positions    []model.Position    `json:"positions"`
	Transactions []model.Transaction `json:"transactions"`
}

// GetPortfolio assembles the user's current holdings and history.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Portfolio{User: u, Positions: positions, Transactions: txns}, nil
}

// EnsureUser returns the user with the given email, creating them with the
// configured starting balance on first contact.
func (s *Service) EnsureUser(ctx context.Context, email string) (*model.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	u = &model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Points:    s.initial,
		Active:    true,
		CreatedAt: store.Now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", "user_id", u.ID)
	return u, nil
}

// RecordBroadcastCycle saves the set of markets just advertised to users, so
// hint-less intents resolve against them.
func (s *Service) RecordBroadcastCycle(ctx context.Context, marketIDs []string) error {
	if len(marketIDs) == 0 {
		return errors.New("broadcast cycle needs at least one market")
	}
	return s.store.SaveBroadcastCycle(ctx, &model.BroadcastCycle{
		ID:          uuid.NewString(),
		MarketIDs:   marketIDs,
		CompletedAt: store.Now(),
	})
}

func (s *Service) refreshActiveGauge(ctx context.Context) {
	active, err := s.store.ListMarketsByStatus(ctx, model.StatusActive)
	if err != nil {
		return
	}
	metrics.ActiveMarkets.Set(float64(len(active)))
}
