package pricing

// LMSR (logarithmic market scoring rule) automated market maker, after
// Hanson (2003). Cost function:
//
//	C(qY, qN) = β·ln(e^(qY/β) + e^(qN/β))
//
// The instantaneous price of a side is the softmax of the quantities, so
// priceYes + priceNo == 1 for every reachable state. Buying Δ shares of a
// side costs C(q+Δ·eS) − C(q); selling refunds the same quantity with the
// sign reversed. Internal transcendental math runs on float64 with the
// log-sum-exp trick for stability; results are converted to decimal at the
// boundary.

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

var (
	// ErrInvalidBeta is returned when β <= 0.
	ErrInvalidBeta = errors.New("pricing: liquidity parameter beta must be positive")

	// MinPrice is the probability floor. Prevents degenerate markets where
	// shares become worthless.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the probability ceiling.
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price rounding.
	PriceScale int32 = 8
)

// shareStep is the smallest tradable share increment (10^-ShareScale).
var shareStep = decimal.New(1, -ShareScale)

// MarketMaker implements the LMSR cost function for binary markets.
// It is stateless — market quantities are passed as arguments, not stored.
type MarketMaker struct {
	beta decimal.Decimal
}

// NewMarketMaker creates an LMSR market maker with liquidity parameter β.
// Higher β → more liquidity, lower price impact per trade. Maximum market
// maker loss is bounded by β·ln(2) for binary markets.
func NewMarketMaker(beta decimal.Decimal) (*MarketMaker, error) {
	if beta.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidBeta
	}
	return &MarketMaker{beta: beta}, nil
}

// Beta returns the liquidity parameter.
func (m *MarketMaker) Beta() decimal.Decimal {
	return m.beta
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow: LSE(x) = max(x) + ln(Σ exp(x_i − max(x))).
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes C(qY, qN) = β·ln(e^(qY/β) + e^(qN/β)).
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.beta.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := logSumExp([]float64{qy / bf, qn / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// Price computes the instantaneous YES probability, the softmax
// e^(qY/β) / (e^(qY/β)+e^(qN/β)), clamped to [MinPrice, MaxPrice].
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.beta.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	result := decimal.NewFromFloat(expYes / (expYes + expNo)).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns the instantaneous NO probability: 1 − priceYes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// TradeCost computes C(qSelf+Δ, qOther) − C(qSelf, qOther): the exact cost
// of changing the traded side's quantity by delta. Positive delta = buy
// (cost to trader), negative = sell (refund). By LMSR symmetry the function
// works for either side with the traded side's quantity passed first.
func (m *MarketMaker) TradeCost(qSelf, qOther, delta decimal.Decimal) decimal.Decimal {
	before := m.Cost(qSelf, qOther)
	after := m.Cost(qSelf.Add(delta), qOther)
	return after.Sub(before)
}

// SharesForBudget solves C(q + x·eS) − C(q) = budget for x: the largest
// share count whose exact cost does not exceed the budget, truncated to
// ShareScale. Uses the closed-form logistic inverse
//
//	x = β·ln(e^((C(q)+B)/β) − e^(qOther/β)) − qSelf
//
// computed in log space, with a bounded bisection fallback for the
// degenerate numeric range.
func (m *MarketMaker) SharesForBudget(qSelf, qOther, budget decimal.Decimal) decimal.Decimal {
	bf := m.beta.InexactFloat64()
	qs := qSelf.InexactFloat64()
	qo := qOther.InexactFloat64()
	b := budget.InexactFloat64()

	c0 := bf * logSumExp([]float64{qs / bf, qo / bf})
	a := (c0 + b) / bf
	// ln(e^a − e^(qo/β)) = a + ln(1 − e^(qo/β − a)); the argument is
	// strictly positive because c0 + b > β·(qo/β) for b > 0.
	diff := 1 - math.Exp(qo/bf-a)

	var x float64
	if diff > 0 {
		x = bf*(a+math.Log(diff)) - qs
	} else {
		x = m.bisectShares(qs, qo, b)
	}
	if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return decimal.Zero
	}

	shares := decimal.NewFromFloat(x).RoundDown(ShareScale)

	// Truncation keeps the exact cost at or under the budget, but verify
	// and step down past any float noise at the boundary.
	for shares.IsPositive() {
		if !m.TradeCost(qSelf, qOther, shares).GreaterThan(budget) {
			break
		}
		shares = shares.Sub(shareStep)
	}
	if shares.IsNegative() {
		return decimal.Zero
	}
	return shares
}

// bisectShares finds the budget-exhausting share count by bounded binary
// search. Cost is monotonic in x, so the search always converges.
func (m *MarketMaker) bisectShares(qs, qo, budget float64) float64 {
	bf := m.beta.InexactFloat64()
	cost := func(x float64) float64 {
		c0 := bf * logSumExp([]float64{qs / bf, qo / bf})
		c1 := bf * logSumExp([]float64{(qs + x) / bf, qo / bf})
		return c1 - c0
	}

	lo, hi := 0.0, 1.0
	for cost(hi) < budget && hi < 1e12 {
		hi *= 2
	}
	for i := 0; i < 64; i++ {
		mid := (lo + hi) / 2
		if cost(mid) <= budget {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// lmsrStrategy adapts MarketMaker to the Strategy interface, reading the
// per-market β and quantities from the market record.
type lmsrStrategy struct{}

func (lmsrStrategy) maker(m *model.Market) (*MarketMaker, error) {
	return NewMarketMaker(m.Beta)
}

func (s lmsrStrategy) Quote(m *model.Market, side model.Side, budget decimal.Decimal) (*Quote, error) {
	mm, err := s.maker(m)
	if err != nil {
		return nil, err
	}

	qSelf, qOther := m.QYes, m.QNo
	if side == model.SideNo {
		qSelf, qOther = m.QNo, m.QYes
	}

	shares := mm.SharesForBudget(qSelf, qOther, budget)
	if shares.LessThan(shareStep) {
		return nil, ErrBudgetTooSmall
	}

	cost := ceilPoints(mm.TradeCost(qSelf, qOther, shares))
	if cost.GreaterThan(budget) {
		// Ceiling of an exact cost ≤ a whole-point budget cannot exceed
		// it, but guard the invariant anyway.
		cost = budget
	}

	newQYes, newQNo := m.QYes.Add(shares), m.QNo
	if side == model.SideNo {
		newQYes, newQNo = m.QYes, m.QNo.Add(shares)
	}

	return &Quote{
		Side:        side,
		Shares:      shares,
		Cost:        cost,
		NewQYes:     newQYes,
		NewQNo:      newQNo,
		NewPriceYes: mm.Price(newQYes, newQNo),
		NewPriceNo:  mm.PriceNo(newQYes, newQNo),
	}, nil
}

func (s lmsrStrategy) QuoteSell(m *model.Market, side model.Side, shares decimal.Decimal) (*SellQuote, error) {
	mm, err := s.maker(m)
	if err != nil {
		return nil, err
	}

	qSelf, qOther := m.QYes, m.QNo
	if side == model.SideNo {
		qSelf, qOther = m.QNo, m.QYes
	}

	shares = shares.RoundDown(ShareScale)
	if !shares.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	// Selling Δ refunds C(q) − C(q−Δ·eS); round the refund down.
	refund := mm.TradeCost(qSelf, qOther, shares.Neg()).Neg()
	proceeds := floorPoints(refund)

	newQYes, newQNo := m.QYes.Sub(shares), m.QNo
	if side == model.SideNo {
		newQYes, newQNo = m.QYes, m.QNo.Sub(shares)
	}

	return &SellQuote{
		Side:        side,
		Shares:      shares,
		Proceeds:    proceeds,
		NewQYes:     newQYes,
		NewQNo:      newQNo,
		NewPriceYes: mm.Price(newQYes, newQNo),
		NewPriceNo:  mm.PriceNo(newQYes, newQNo),
	}, nil
}
