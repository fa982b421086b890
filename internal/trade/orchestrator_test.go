package trade

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/ledger"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/parser"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/resolver"
	"github.com/predex/engine/internal/risk"
	"github.com/predex/engine/internal/store"
	"github.com/predex/engine/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store *store.MemoryStore
	orch  *Orchestrator
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	eng := pricing.NewEngine(pricing.CostClamp)
	locks := ledger.NewKeyedMutex()
	led := ledger.New(st, eng, risk.NewChecker(st, risk.Limits{}), locks, testLogger())

	hub := ws.NewHub(testLogger())
	go hub.Run()

	return &fixture{
		store: st,
		orch:  NewOrchestrator(resolver.New(st), led, hub, testLogger()),
		svc:   NewService(st, eng, 1000, testLogger()),
	}
}

func (f *fixture) addUser(t *testing.T, id string, points int64) {
	t.Helper()
	err := f.store.CreateUser(context.Background(), &model.User{
		ID:        id,
		Email:     id + "@example.com",
		Points:    decimal.NewFromInt(points),
		Active:    true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

// Full pipeline: create a fresh beta=100 market, run a parsed "BUY 50", and
// check the committed state.
func TestExecuteIntent_BuyMovesPrice(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	ctx := context.Background()

	m, err := f.svc.CreateMarket(ctx, CreateMarketParams{
		Title:    "Will it rain tomorrow?",
		Mode:     model.ModeLMSR,
		Deadline: time.Now().Add(24 * time.Hour),
		Beta:     decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	intents := parser.ParseIntents("BUY 50")
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}

	out := f.orch.ExecuteIntent(ctx, "alice", intents[0])
	if !out.Committed {
		t.Fatalf("intent rejected: %s", out.Reason)
	}
	if out.MarketID != m.ID {
		t.Errorf("resolved market %s, want %s", out.MarketID, m.ID)
	}
	if out.Method != resolver.MethodSingleActive {
		t.Errorf("method %s, want single_active", out.Method)
	}
	if !out.PriceYes.GreaterThan(decimal.NewFromFloat(0.5)) {
		t.Errorf("price after BUY 50 YES is %s, want > 0.5", out.PriceYes)
	}

	stored, _ := f.store.GetMarket(ctx, m.ID)
	if !stored.PriceYes.Equal(out.PriceYes) {
		t.Errorf("stored price %s does not match outcome %s", stored.PriceYes, out.PriceYes)
	}
}

func TestExecuteIntent_NoActiveMarket(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)

	out := f.orch.ExecuteIntent(context.Background(), "alice", parser.Intent{
		Action: model.ActionBuy, Amount: 50, Side: model.SideYes,
	})
	if out.Committed {
		t.Fatal("expected rejection")
	}
	if out.Reason != model.ReasonNoActiveMarket {
		t.Errorf("reason %s, want %s", out.Reason, model.ReasonNoActiveMarket)
	}
}

func TestExecuteIntent_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "poor", 5)
	ctx := context.Background()

	if _, err := f.svc.CreateMarket(ctx, CreateMarketParams{
		Title:    "Test",
		Mode:     model.ModeLMSR,
		Deadline: time.Now().Add(time.Hour),
		Beta:     decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	out := f.orch.ExecuteIntent(ctx, "poor", parser.Intent{
		Action: model.ActionBuy, Amount: 50, Side: model.SideYes,
	})
	if out.Committed || out.Reason != model.ReasonInsufficientFunds {
		t.Errorf("expected insufficient_funds rejection, got committed=%v reason=%s", out.Committed, out.Reason)
	}
}

func TestExecuteIntent_SellOnFixedOdds(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	ctx := context.Background()

	if _, err := f.svc.CreateMarket(ctx, CreateMarketParams{
		Title:         "Fixed odds",
		Mode:          model.ModeFixedOdds,
		Deadline:      time.Now().Add(time.Hour),
		FixedYesPrice: decimal.NewFromFloat(0.3),
		FixedNoPrice:  decimal.NewFromFloat(0.7),
	}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	// Establish a notional position first via BUY, then attempt a SELL.
	buy := f.orch.ExecuteIntent(ctx, "alice", parser.Intent{
		Action: model.ActionBuy, Amount: 30, Side: model.SideYes,
	})
	if !buy.Committed {
		t.Fatalf("fixed-odds buy rejected: %s", buy.Reason)
	}

	sell := f.orch.ExecuteIntent(ctx, "alice", parser.Intent{
		Action: model.ActionSell, Amount: 10, Side: model.SideYes,
	})
	if sell.Committed {
		t.Fatal("fixed-odds sell must be rejected")
	}
	if sell.Reason != model.ReasonSellUnsupported {
		t.Errorf("reason %s, want %s", sell.Reason, model.ReasonSellUnsupported)
	}
}

func TestExecuteIntent_SequentialBudgetDepletion(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 60)
	ctx := context.Background()

	if _, err := f.svc.CreateMarket(ctx, CreateMarketParams{
		Title:    "Test",
		Mode:     model.ModeLMSR,
		Deadline: time.Now().Add(time.Hour),
		Beta:     decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	first := f.orch.ExecuteIntent(ctx, "alice", parser.Intent{
		Action: model.ActionBuy, Amount: 50, Side: model.SideYes,
	})
	if !first.Committed {
		t.Fatalf("first buy rejected: %s", first.Reason)
	}

	// The second identical buy sees the depleted balance.
	second := f.orch.ExecuteIntent(ctx, "alice", parser.Intent{
		Action: model.ActionBuy, Amount: 50, Side: model.SideYes,
	})
	if second.Committed {
		t.Fatal("second buy should fail on the remaining balance")
	}
	if second.Reason != model.ReasonInsufficientFunds {
		t.Errorf("reason %s, want %s", second.Reason, model.ReasonInsufficientFunds)
	}
}
