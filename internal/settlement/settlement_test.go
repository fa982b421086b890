package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/ledger"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/notify"
	"github.com/predex/engine/internal/pricing"
	"github.com/predex/engine/internal/risk"
	"github.com/predex/engine/internal/store"
	"github.com/predex/engine/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	locks := ledger.NewKeyedMutex()
	led := ledger.New(st, pricing.NewEngine(pricing.CostClamp), risk.NewChecker(st, risk.Limits{}), locks, testLogger())

	hub := ws.NewHub(testLogger())
	go hub.Run()

	eng := New(st, locks, notify.NewConsoleWriter(io.Discard), hub, testLogger())
	return &fixture{store: st, ledger: led, engine: eng}
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

func (f *fixture) addMarket(t *testing.T, id string, deadline time.Time) {
	t.Helper()
	err := f.store.CreateMarket(context.Background(), &model.Market{
		ID:        id,
		Title:     "market " + id,
		Status:    model.StatusActive,
		Mode:      model.ModeLMSR,
		Beta:      decimal.NewFromInt(100),
		PriceYes:  decimal.NewFromFloat(0.5),
		PriceNo:   decimal.NewFromFloat(0.5),
		Deadline:  deadline,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
}

func TestCloseExpired_ClosesPastDeadline(t *testing.T) {
	f := newFixture(t)
	f.addMarket(t, "past", time.Now().Add(-time.Minute))
	f.addMarket(t, "future", time.Now().Add(time.Hour))

	closed, err := f.engine.CloseExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed %d markets, want 1", closed)
	}

	m, _ := f.store.GetMarket(context.Background(), "past")
	if m.Status != model.StatusClosed {
		t.Errorf("expired market status %s, want closed", m.Status)
	}
	m, _ = f.store.GetMarket(context.Background(), "future")
	if m.Status != model.StatusActive {
		t.Errorf("future market status %s, want active", m.Status)
	}
}

func TestCloseExpired_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.addMarket(t, "past", time.Now().Add(-time.Minute))
	ctx := context.Background()

	if _, err := f.engine.CloseExpired(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	closed, err := f.engine.CloseExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if closed != 0 {
		t.Errorf("second sweep closed %d markets, want 0", closed)
	}
}

func TestResolve_PaysWinnersOnly(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "winner", 1000)
	f.addUser(t, "loser", 1000)
	f.addMarket(t, "m1", time.Now().Add(time.Hour))
	ctx := context.Background()

	buyWin, err := f.ledger.CommitBuy(ctx, "winner", "m1", model.SideYes, 50, "test")
	if err != nil {
		t.Fatalf("winner buy: %v", err)
	}
	if _, err := f.ledger.CommitBuy(ctx, "loser", "m1", model.SideNo, 50, "test"); err != nil {
		t.Fatalf("loser buy: %v", err)
	}

	summary, err := f.engine.Resolve(ctx, "m1", true, "settled by test")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if summary.Winners != 1 {
		t.Errorf("winners %d, want 1", summary.Winners)
	}
	wantPayout := buyWin.Shares.Mul(model.PayoutPerShare).RoundDown(0)
	if !summary.TotalPaid.Equal(wantPayout) {
		t.Errorf("total paid %s, want %s", summary.TotalPaid, wantPayout)
	}

	w, _ := f.store.GetUser(ctx, "winner")
	wantBalance := decimal.NewFromInt(1000).Sub(buyWin.Cost).Add(wantPayout)
	if !w.Points.Equal(wantBalance) {
		t.Errorf("winner balance %s, want %s", w.Points, wantBalance)
	}
	if w.Correct != 1 {
		t.Errorf("winner correct %d, want 1", w.Correct)
	}

	l, _ := f.store.GetUser(ctx, "loser")
	if l.Correct != 0 {
		t.Errorf("loser correct %d, want 0", l.Correct)
	}

	m, _ := f.store.GetMarket(ctx, "m1")
	if m.Status != model.StatusResolved {
		t.Errorf("market status %s, want resolved", m.Status)
	}
	if m.Resolution == nil || !m.Resolution.Outcome {
		t.Error("resolution record missing or wrong outcome")
	}
}

func TestResolve_Twice(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	f.addMarket(t, "m1", time.Now().Add(time.Hour))
	ctx := context.Background()

	if _, err := f.ledger.CommitBuy(ctx, "alice", "m1", model.SideYes, 50, "test"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.Resolve(ctx, "m1", true, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	balanceAfter, _ := f.store.GetUser(ctx, "alice")

	_, err := f.engine.Resolve(ctx, "m1", true, "")
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	// No double payout.
	u, _ := f.store.GetUser(ctx, "alice")
	if !u.Points.Equal(balanceAfter.Points) {
		t.Errorf("balance changed on rejected resolve: %s vs %s", u.Points, balanceAfter.Points)
	}
}

func TestResolve_ClosedMarketStillResolves(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	f.addMarket(t, "m1", time.Now().Add(-time.Minute))
	ctx := context.Background()

	if _, err := f.ledger.CommitBuy(ctx, "alice", "m1", model.SideYes, 50, "test"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.CloseExpired(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := f.engine.Resolve(ctx, "m1", false, ""); err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
}

func TestResolve_NoTradesAgainstWinningSide(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	f.addMarket(t, "m1", time.Now().Add(time.Hour))
	ctx := context.Background()

	buy, err := f.ledger.CommitBuy(ctx, "alice", "m1", model.SideYes, 50, "test")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	summary, err := f.engine.Resolve(ctx, "m1", false, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if summary.Winners != 0 {
		t.Errorf("winners %d, want 0", summary.Winners)
	}
	if !summary.TotalPaid.IsZero() {
		t.Errorf("total paid %s, want 0", summary.TotalPaid)
	}
	// Participants are still listed (and notified) with zero payouts.
	if len(summary.Payouts) != 1 {
		t.Fatalf("payout records %d, want 1", len(summary.Payouts))
	}

	// A zero payout credits nothing; totalInvested keeps the cost on record.
	pos, _ := f.store.GetPosition(ctx, "alice", "m1")
	if !pos.RealizedPnL.IsZero() {
		t.Errorf("realized pnl %s, want 0", pos.RealizedPnL)
	}
	if !pos.TotalInvested.Equal(buy.Cost) {
		t.Errorf("total invested %s, want %s", pos.TotalInvested, buy.Cost)
	}
}

func TestResolve_CreditsPayoutToRealizedPnL(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", 1000)
	f.addMarket(t, "m1", time.Now().Add(time.Hour))
	ctx := context.Background()

	err := f.store.ApplyTrade(ctx, &store.TradeApplication{
		MarketID: "m1",
		UserID:   "alice",
		Position: model.Position{
			UserID:        "alice",
			MarketID:      "m1",
			SharesYes:     decimal.NewFromInt(10),
			TotalInvested: decimal.NewFromInt(50),
		},
		Transaction: model.Transaction{ID: "t1", UserID: "alice", MarketID: "m1"},
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if _, err := f.engine.Resolve(ctx, "m1", true, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	pos, _ := f.store.GetPosition(ctx, "alice", "m1")
	wantPayout := decimal.NewFromInt(10).Mul(model.PayoutPerShare)
	if !pos.RealizedPnL.Equal(wantPayout) {
		t.Errorf("realized pnl %s, want %s", pos.RealizedPnL, wantPayout)
	}

	u, _ := f.store.GetUser(ctx, "alice")
	if !u.Points.Equal(decimal.NewFromInt(1000).Add(wantPayout)) {
		t.Errorf("balance %s, want %s", u.Points, decimal.NewFromInt(1000).Add(wantPayout))
	}
}

func TestResolve_UnknownMarket(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Resolve(context.Background(), "nope", true, "")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
