// Package pricing computes cost and price for binary-outcome markets.
//
// Two interchangeable strategies are selected per market at creation: the
// LMSR automated market maker and operator-set fixed odds. All point and
// share values use shopspring/decimal — never float64 for money. Rounding
// direction is fixed: costs round up to whole points, proceeds and payouts
// round down — the house never loses a fraction.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// ShareScale is the number of decimal places for share quantities.
const ShareScale int32 = 2

var (
	// ErrBudgetTooSmall is returned when a budget buys less than the
	// smallest share increment.
	ErrBudgetTooSmall = errors.New("pricing: budget too small for minimum trade")

	// ErrInvalidQuantity is returned for non-positive budgets or share
	// counts.
	ErrInvalidQuantity = errors.New("pricing: quantity must be positive")
)

// CostPolicy controls fixed-odds cost rounding when the rounded-up cost
// would exceed the budget.
type CostPolicy string

const (
	// CostClamp caps the charged cost at the budget.
	CostClamp CostPolicy = "clamp"
	// CostSpread charges the rounded-up cost even past the budget,
	// keeping the fraction as spread.
	CostSpread CostPolicy = "spread"
)

// Quote is the result of a budget-constrained buy quote.
type Quote struct {
	Side        model.Side
	Shares      decimal.Decimal // truncated to ShareScale
	Cost        decimal.Decimal // whole points, rounded up, ≤ budget under CostClamp
	NewQYes     decimal.Decimal // post-trade LMSR quantities (zero for fixed-odds)
	NewQNo      decimal.Decimal
	NewPriceYes decimal.Decimal
	NewPriceNo  decimal.Decimal
}

// SellQuote is the result of a share-count sell quote (AMM only).
type SellQuote struct {
	Side        model.Side
	Shares      decimal.Decimal
	Proceeds    decimal.Decimal // whole points, rounded down
	NewQYes     decimal.Decimal
	NewQNo      decimal.Decimal
	NewPriceYes decimal.Decimal
	NewPriceNo  decimal.Decimal
}

// Stats is the read-only market summary exposed to the query surface.
type Stats struct {
	YesPrice         decimal.Decimal `json:"yes_price"`
	NoPrice          decimal.Decimal `json:"no_price"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	ParticipantCount int             `json:"participant_count"`
}

// Strategy is one pricing mode. Implementations are stateless; market state
// is passed in, never stored.
type Strategy interface {
	Quote(m *model.Market, side model.Side, budget decimal.Decimal) (*Quote, error)
	QuoteSell(m *model.Market, side model.Side, shares decimal.Decimal) (*SellQuote, error)
}

// Engine dispatches to the strategy matching the market's pricing mode.
type Engine struct {
	policy CostPolicy
}

// NewEngine creates a pricing engine with the given fixed-odds cost policy.
func NewEngine(policy CostPolicy) *Engine {
	if policy != CostSpread {
		policy = CostClamp
	}
	return &Engine{policy: policy}
}

func (e *Engine) strategyFor(m *model.Market) (Strategy, error) {
	switch m.Mode {
	case model.ModeLMSR:
		return &lmsrStrategy{}, nil
	case model.ModeFixedOdds:
		return &fixedOddsStrategy{policy: e.policy}, nil
	default:
		return nil, fmt.Errorf("pricing: unknown mode %q", m.Mode)
	}
}

// Quote prices a budget-constrained buy on the given side.
func (e *Engine) Quote(m *model.Market, side model.Side, budget decimal.Decimal) (*Quote, error) {
	if budget.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}
	s, err := e.strategyFor(m)
	if err != nil {
		return nil, err
	}
	return s.Quote(m, side, budget)
}

// QuoteSell prices a sale of the given share count. Fixed-odds markets
// reject with model.ErrSellUnsupported.
func (e *Engine) QuoteSell(m *model.Market, side model.Side, shares decimal.Decimal) (*SellQuote, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}
	s, err := e.strategyFor(m)
	if err != nil {
		return nil, err
	}
	return s.QuoteSell(m, side, shares)
}

// MarketStats summarizes the market's current prices and activity.
func (e *Engine) MarketStats(m *model.Market) Stats {
	return Stats{
		YesPrice:         m.PriceYes,
		NoPrice:          m.PriceNo,
		TotalVolume:      m.TotalVolume,
		ParticipantCount: m.ParticipantCount,
	}
}

// ceilPoints rounds a cost up to a whole point.
func ceilPoints(d decimal.Decimal) decimal.Decimal {
	return d.RoundUp(0)
}

// floorPoints rounds proceeds down to a whole point.
func floorPoints(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(0)
}
