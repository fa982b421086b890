package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func lmsrMarket(beta, qYes, qNo float64) *model.Market {
	return &model.Market{
		ID:       "m1",
		Title:    "test market",
		Status:   model.StatusActive,
		Mode:     model.ModeLMSR,
		Deadline: time.Now().Add(time.Hour),
		Beta:     d(beta),
		QYes:     d(qYes),
		QNo:      d(qNo),
	}
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.Beta().Equal(d(100)) {
		t.Errorf("expected beta=100, got %s", mm.Beta())
	}
}

func TestNewMarketMaker_ZeroBeta(t *testing.T) {
	_, err := NewMarketMaker(d(0))
	if err != ErrInvalidBeta {
		t.Errorf("expected ErrInvalidBeta for beta=0, got %v", err)
	}
}

func TestNewMarketMaker_NegativeBeta(t *testing.T) {
	_, err := NewMarketMaker(d(-50))
	if err != ErrInvalidBeta {
		t.Errorf("expected ErrInvalidBeta for beta=-50, got %v", err)
	}
}

// --- Price function tests ---

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	price := mm.Price(d(0), d(0))
	if !price.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", price)
	}
}

func TestPrice_BuyingYesIncreasesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	before := mm.Price(d(0), d(0))
	after := mm.Price(d(10), d(0))
	if after.LessThanOrEqual(before) {
		t.Errorf("buying YES should increase price: before=%s after=%s", before, after)
	}
}

func TestPrice_SumsToOne(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)
	tolerance := d(0.0000001)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{50, 30},
		{500, 100},
		{3, 997},
	}
	for _, tt := range tests {
		sum := mm.Price(d(tt.qYes), d(tt.qNo)).Add(mm.PriceNo(d(tt.qYes), d(tt.qNo)))
		if sum.Sub(one).Abs().GreaterThan(tolerance) {
			t.Errorf("prices at (%v, %v) sum to %s, want 1", tt.qYes, tt.qNo, sum)
		}
	}
}

func TestPrice_Clamped(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	high := mm.Price(d(1000), d(0))
	if high.GreaterThan(MaxPrice) {
		t.Errorf("price %s exceeds ceiling %s", high, MaxPrice)
	}
	low := mm.Price(d(0), d(1000))
	if low.LessThan(MinPrice) {
		t.Errorf("price %s below floor %s", low, MinPrice)
	}
}

// --- Cost function tests ---

func TestCost_LargeQuantitiesNoOverflow(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	c := mm.Cost(d(100000), d(0))
	if c.IsZero() || c.IsNegative() {
		t.Errorf("cost at extreme quantities should stay finite and positive, got %s", c)
	}
}

func TestTradeCost_BuyCostsMoreWhenPriceHigher(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cheap := mm.TradeCost(d(0), d(0), d(10))
	dear := mm.TradeCost(d(100), d(0), d(10))
	if dear.LessThanOrEqual(cheap) {
		t.Errorf("same size buy should cost more at higher price: %s vs %s", cheap, dear)
	}
}

func TestTradeCost_PathIndependent(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	oneShot := mm.TradeCost(d(0), d(0), d(50))
	firstHalf := mm.TradeCost(d(0), d(0), d(25))
	secondHalf := mm.TradeCost(d(25), d(0), d(25))
	split := firstHalf.Add(secondHalf)

	if oneShot.Sub(split).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("cost should be path independent: one-shot=%s split=%s", oneShot, split)
	}
}

// --- SharesForBudget ---

func TestSharesForBudget_CostWithinBudget(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	budgets := []float64{1, 10, 50, 500, 999}

	for _, b := range budgets {
		budget := d(b)
		shares := mm.SharesForBudget(d(0), d(0), budget)
		if !shares.IsPositive() {
			t.Fatalf("budget %s bought no shares", budget)
		}
		cost := mm.TradeCost(d(0), d(0), shares)
		if cost.GreaterThan(budget) {
			t.Errorf("budget %s: exact cost %s exceeds budget", budget, cost)
		}
		// One more share step must not fit.
		next := mm.TradeCost(d(0), d(0), shares.Add(shareStep))
		if !next.GreaterThan(budget) {
			t.Errorf("budget %s: shares %s not maximal, %s more would still fit", budget, shares, shareStep)
		}
	}
}

func TestSharesForBudget_SkewedMarket(t *testing.T) {
	mm, _ := NewMarketMaker(d(50))
	shares := mm.SharesForBudget(d(300), d(10), d(40))
	if !shares.IsPositive() {
		t.Fatal("expected positive shares in skewed market")
	}
	if mm.TradeCost(d(300), d(10), shares).GreaterThan(d(40)) {
		t.Error("cost exceeds budget in skewed market")
	}
}

// --- Strategy quotes ---

func TestLMSRQuote_MovesPriceAboveHalf(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 0, 0)

	q, err := e.Quote(m, model.SideYes, decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.NewPriceYes.GreaterThan(d(0.5)) {
		t.Errorf("buying YES should lift price above 0.5, got %s", q.NewPriceYes)
	}
	if q.Cost.GreaterThan(decimal.NewFromInt(50)) {
		t.Errorf("cost %s exceeds budget 50", q.Cost)
	}
	if !q.Cost.Equal(q.Cost.RoundUp(0)) {
		t.Errorf("cost %s is not a whole point", q.Cost)
	}
}

func TestLMSRQuote_NoSideSwapsQuantities(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 0, 0)

	q, err := e.Quote(m, model.SideNo, decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.NewQNo.GreaterThan(m.QNo) {
		t.Error("NO buy should increase qNo")
	}
	if !q.NewQYes.Equal(m.QYes) {
		t.Error("NO buy should not touch qYes")
	}
	if !q.NewPriceYes.LessThan(d(0.5)) {
		t.Errorf("NO buy should push YES price below 0.5, got %s", q.NewPriceYes)
	}
}

func TestLMSRQuote_BudgetTooSmall(t *testing.T) {
	e := NewEngine(CostClamp)
	// Tiny budget in a market priced near the ceiling.
	m := lmsrMarket(10, 200, 0)

	_, err := e.Quote(m, model.SideYes, d(0.001))
	if err == nil {
		t.Fatal("expected error for dust budget")
	}
}

// Buying with a budget and selling the shares straight back must not pay out
// more than was spent; rounding keeps the difference within one point.
func TestLMSR_BuyThenSellRoundTrip(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 0, 0)

	buy, err := e.Quote(m, model.SideYes, decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	after := *m
	after.QYes, after.QNo = buy.NewQYes, buy.NewQNo

	sell, err := e.QuoteSell(&after, model.SideYes, buy.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if sell.Proceeds.GreaterThan(buy.Cost) {
		t.Errorf("round trip profits the trader: cost=%s proceeds=%s", buy.Cost, sell.Proceeds)
	}
	diff := buy.Cost.Sub(sell.Proceeds)
	if diff.GreaterThan(decimal.NewFromInt(2)) {
		t.Errorf("round trip loses more than rounding allows: cost=%s proceeds=%s", buy.Cost, sell.Proceeds)
	}

	if !sell.NewQYes.Equal(m.QYes) || !sell.NewQNo.Equal(m.QNo) {
		t.Errorf("round trip should restore quantities: got (%s, %s), want (%s, %s)",
			sell.NewQYes, sell.NewQNo, m.QYes, m.QNo)
	}
}

func TestLMSRQuoteSell_ProceedsFloored(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 30, 0)

	q, err := e.QuoteSell(m, model.SideYes, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Proceeds.Equal(q.Proceeds.RoundDown(0)) {
		t.Errorf("proceeds %s not floored to whole points", q.Proceeds)
	}
}

func TestEngine_RejectsNonPositiveAmounts(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 0, 0)

	if _, err := e.Quote(m, model.SideYes, decimal.Zero); err != ErrInvalidQuantity {
		t.Errorf("zero budget: got %v, want ErrInvalidQuantity", err)
	}
	if _, err := e.QuoteSell(m, model.SideYes, decimal.NewFromInt(-5)); err != ErrInvalidQuantity {
		t.Errorf("negative shares: got %v, want ErrInvalidQuantity", err)
	}
}

func TestEngine_UnknownMode(t *testing.T) {
	e := NewEngine(CostClamp)
	m := lmsrMarket(100, 0, 0)
	m.Mode = "parimutuel"

	if _, err := e.Quote(m, model.SideYes, decimal.NewFromInt(10)); err == nil {
		t.Error("expected error for unknown pricing mode")
	}
}
