package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/store"
)

func seedPosition(t *testing.T, s *store.MemoryStore, userID, marketID string, invested int64) {
	t.Helper()
	err := s.ApplyTrade(context.Background(), &store.TradeApplication{
		MarketID: marketID,
		UserID:   userID,
		Position: model.Position{
			UserID:        userID,
			MarketID:      marketID,
			SharesYes:     decimal.NewFromInt(1),
			TotalInvested: decimal.NewFromInt(invested),
		},
		Transaction: model.Transaction{ID: userID + marketID, UserID: userID, MarketID: marketID},
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func seedStore(t *testing.T, marketIDs ...string) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &model.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	for _, id := range marketIDs {
		if err := s.CreateMarket(ctx, &model.Market{ID: id, Title: id, Status: model.StatusActive}); err != nil {
			t.Fatalf("seed market: %v", err)
		}
	}
	return s
}

func TestCheckBuy_NoLimitsDisabled(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChecker(s, Limits{})

	if err := c.CheckBuy(context.Background(), "u1", "m1", decimal.NewFromInt(1000000)); err != nil {
		t.Errorf("disabled limits should allow anything, got %v", err)
	}
}

func TestCheckBuy_PerMarketLimit(t *testing.T) {
	s := seedStore(t, "m1")
	seedPosition(t, s, "u1", "m1", 80)
	c := NewChecker(s, Limits{MaxPerMarket: decimal.NewFromInt(100)})
	ctx := context.Background()

	if err := c.CheckBuy(ctx, "u1", "m1", decimal.NewFromInt(20)); err != nil {
		t.Errorf("exactly at the limit should pass, got %v", err)
	}
	err := c.CheckBuy(ctx, "u1", "m1", decimal.NewFromInt(21))
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit, got %v", err)
	}
}

func TestCheckBuy_TotalLimitSpansMarkets(t *testing.T) {
	s := seedStore(t, "m1", "m2")
	seedPosition(t, s, "u1", "m1", 60)
	seedPosition(t, s, "u1", "m2", 60)
	c := NewChecker(s, Limits{MaxTotal: decimal.NewFromInt(150)})
	ctx := context.Background()

	if err := c.CheckBuy(ctx, "u1", "m1", decimal.NewFromInt(30)); err != nil {
		t.Errorf("within total limit should pass, got %v", err)
	}
	err := c.CheckBuy(ctx, "u1", "m2", decimal.NewFromInt(31))
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit across markets, got %v", err)
	}
}

func TestCheckBuy_OtherUsersUnaffected(t *testing.T) {
	s := seedStore(t, "m1")
	seedPosition(t, s, "u1", "m1", 100)
	c := NewChecker(s, Limits{MaxPerMarket: decimal.NewFromInt(100)})

	if err := c.CheckBuy(context.Background(), "u2", "m1", decimal.NewFromInt(50)); err != nil {
		t.Errorf("another user's exposure must not count, got %v", err)
	}
}
