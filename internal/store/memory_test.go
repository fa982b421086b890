package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

func seedUserAndMarket(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	err := s.CreateUser(ctx, &model.User{
		ID:        "u1",
		Email:     "u1@example.com",
		Points:    decimal.NewFromInt(1000),
		Active:    true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	err = s.CreateMarket(ctx, &model.Market{
		ID:        "m1",
		Title:     "test market",
		Status:    model.StatusActive,
		Mode:      model.ModeLMSR,
		Beta:      decimal.NewFromInt(100),
		PriceYes:  decimal.NewFromFloat(0.5),
		PriceNo:   decimal.NewFromFloat(0.5),
		Deadline:  time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
}

func sampleTrade(version int64) *TradeApplication {
	now := Now()
	return &TradeApplication{
		MarketID:         "m1",
		ExpectedVersion:  version,
		QYes:             decimal.NewFromInt(10),
		QNo:              decimal.Zero,
		PriceYes:         decimal.NewFromFloat(0.52),
		PriceNo:          decimal.NewFromFloat(0.48),
		YesVolume:        decimal.NewFromInt(5),
		NoVolume:         decimal.Zero,
		TotalVolume:      decimal.NewFromInt(5),
		ParticipantDelta: 1,
		UserID:           "u1",
		PointsDelta:      decimal.NewFromInt(-5),
		PredictionsDelta: 1,
		Position: model.Position{
			UserID:        "u1",
			MarketID:      "m1",
			SharesYes:     decimal.NewFromInt(10),
			TotalInvested: decimal.NewFromInt(5),
		},
		Transaction: model.Transaction{
			ID:           "t1",
			UserID:       "u1",
			MarketID:     "m1",
			Type:         model.ActionBuy,
			Side:         model.SideYes,
			Shares:       decimal.NewFromInt(10),
			Price:        decimal.NewFromFloat(0.5),
			PointsChange: decimal.NewFromInt(-5),
			Source:       "test",
			CreatedAt:    now,
		},
		ProbabilityPoint: model.ProbabilityPoint{MarketID: "m1", PriceYes: decimal.NewFromFloat(0.52), At: now},
		VolumePoint:      model.VolumePoint{MarketID: "m1", TotalVolume: decimal.NewFromInt(5), At: now},
	}
}

func TestMemoryStore_ApplyTrade(t *testing.T) {
	s := NewMemoryStore()
	seedUserAndMarket(t, s)
	ctx := context.Background()

	if err := s.ApplyTrade(ctx, sampleTrade(0)); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Version != 1 {
		t.Errorf("version %d, want 1", m.Version)
	}
	if !m.QYes.Equal(decimal.NewFromInt(10)) {
		t.Errorf("qYes %s, want 10", m.QYes)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Points.Equal(decimal.NewFromInt(995)) {
		t.Errorf("points %s, want 995", u.Points)
	}
	if u.Predictions != 1 {
		t.Errorf("predictions %d, want 1", u.Predictions)
	}

	probs, _ := s.ProbabilityHistory(ctx, "m1")
	if len(probs) != 1 {
		t.Errorf("probability points %d, want 1", len(probs))
	}
	vols, _ := s.VolumeHistory(ctx, "m1")
	if len(vols) != 1 {
		t.Errorf("volume points %d, want 1", len(vols))
	}
}

func TestMemoryStore_ApplyTradeVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	seedUserAndMarket(t, s)
	ctx := context.Background()

	err := s.ApplyTrade(ctx, sampleTrade(7))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Nothing may have been applied.
	u, _ := s.GetUser(ctx, "u1")
	if !u.Points.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("points %s changed despite conflict", u.Points)
	}
	if _, err := s.GetPosition(ctx, "u1", "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Error("position created despite conflict")
	}
}

func TestMemoryStore_TransitionMarketStatus(t *testing.T) {
	s := NewMemoryStore()
	seedUserAndMarket(t, s)
	ctx := context.Background()

	ok, err := s.TransitionMarketStatus(ctx, "m1", model.StatusActive, model.StatusClosed)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionMarketStatus(ctx, "m1", model.StatusActive, model.StatusClosed)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Error("second transition should report false")
	}
}

func TestMemoryStore_ApplySettlement(t *testing.T) {
	s := NewMemoryStore()
	seedUserAndMarket(t, s)
	ctx := context.Background()

	if err := s.ApplyTrade(ctx, sampleTrade(0)); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	app := &SettlementApplication{
		MarketID:        "m1",
		ExpectedVersion: 1,
		Resolution:      model.Resolution{Outcome: true, ResolvedAt: Now()},
		Payouts: []SettlementPayout{{
			UserID:       "u1",
			MarketID:     "m1",
			Points:       decimal.NewFromInt(1000),
			CorrectDelta: 1,
			RealizedPnL:  decimal.NewFromInt(995),
		}},
	}
	if err := s.ApplySettlement(ctx, app); err != nil {
		t.Fatalf("apply settlement: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusResolved {
		t.Errorf("status %s, want resolved", m.Status)
	}
	u, _ := s.GetUser(ctx, "u1")
	if !u.Points.Equal(decimal.NewFromInt(1995)) {
		t.Errorf("points %s, want 1995", u.Points)
	}
	if u.Correct != 1 {
		t.Errorf("correct %d, want 1", u.Correct)
	}

	// Second settlement is rejected.
	app.ExpectedVersion = m.Version
	err := s.ApplySettlement(ctx, app)
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestMemoryStore_ListMarketsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		err := s.CreateMarket(ctx, &model.Market{
			ID:        id,
			Title:     id,
			Status:    model.StatusActive,
			Mode:      model.ModeLMSR,
			Beta:      decimal.NewFromInt(100),
			Deadline:  base.Add(time.Hour),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create market %s: %v", id, err)
		}
	}

	markets, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(markets) != 3 || markets[0].ID != "c" || markets[2].ID != "a" {
		t.Errorf("expected newest-first order c,b,a, got %v", []string{markets[0].ID, markets[1].ID, markets[2].ID})
	}
}

func TestMemoryStore_GetUserByEmail(t *testing.T) {
	s := NewMemoryStore()
	seedUserAndMarket(t, s)

	u, err := s.GetUserByEmail(context.Background(), "u1@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("got user %s, want u1", u.ID)
	}

	_, err = s.GetUserByEmail(context.Background(), "nobody@example.com")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_LatestBroadcastCycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LatestBroadcastCycle(ctx); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	now := time.Now()
	for i, id := range []string{"c1", "c2"} {
		err := s.SaveBroadcastCycle(ctx, &model.BroadcastCycle{
			ID:          id,
			MarketIDs:   []string{"m1"},
			CompletedAt: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("save cycle: %v", err)
		}
	}

	latest, err := s.LatestBroadcastCycle(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.ID != "c2" {
		t.Errorf("latest cycle %s, want c2", latest.ID)
	}
}
