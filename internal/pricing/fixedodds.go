package pricing

// Fixed-odds pricing: per-side prices are set by an operator and do not move
// with trading. Supports BUY only.

import (
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

type fixedOddsStrategy struct {
	policy CostPolicy
}

func (s fixedOddsStrategy) price(m *model.Market, side model.Side) decimal.Decimal {
	if side == model.SideYes {
		return m.FixedYesPrice
	}
	return m.FixedNoPrice
}

// Quote buys floor(budget/price) shares at the operator price. The cost is
// the share cost rounded up to a whole point; whether a rounded-up cost may
// exceed the budget is a deployment policy (CostClamp caps it, CostSpread
// keeps the overcharge as spread).
func (s fixedOddsStrategy) Quote(m *model.Market, side model.Side, budget decimal.Decimal) (*Quote, error) {
	price := s.price(m, side)
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}

	shares := budget.Div(price).RoundDown(ShareScale)
	if shares.LessThan(shareStep) {
		return nil, ErrBudgetTooSmall
	}

	cost := ceilPoints(shares.Mul(price))
	if s.policy == CostClamp && cost.GreaterThan(budget) {
		cost = budget
	}

	return &Quote{
		Side:        side,
		Shares:      shares,
		Cost:        cost,
		NewQYes:     m.QYes,
		NewQNo:      m.QNo,
		NewPriceYes: m.FixedYesPrice,
		NewPriceNo:  m.FixedNoPrice,
	}, nil
}

// QuoteSell is not a valid operation for fixed-odds markets.
func (s fixedOddsStrategy) QuoteSell(_ *model.Market, _ model.Side, _ decimal.Decimal) (*SellQuote, error) {
	return nil, model.ErrSellUnsupported
}
