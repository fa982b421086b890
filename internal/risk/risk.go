// Package risk enforces per-user exposure limits on the buy path. Limits are
// denominated in invested points: how much a user has sunk into open
// positions, per market and across all markets.
package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/store"
)

// Limits configures the exposure checker. Zero values disable the
// corresponding check.
type Limits struct {
	MaxPerMarket decimal.Decimal // max invested points in one market
	MaxTotal     decimal.Decimal // max invested points across all open positions
}

// Checker evaluates exposure limits against stored positions.
type Checker struct {
	store  store.Store
	limits Limits
}

// NewChecker creates a Checker with the given limits.
func NewChecker(s store.Store, limits Limits) *Checker {
	return &Checker{store: s, limits: limits}
}

// CheckBuy returns model.ErrExposureLimit when adding cost to the user's
// exposure in marketID would breach a limit. SELLs reduce exposure and are
// never checked.
func (c *Checker) CheckBuy(ctx context.Context, userID, marketID string, cost decimal.Decimal) error {
	if c.limits.MaxPerMarket.IsZero() && c.limits.MaxTotal.IsZero() {
		return nil
	}

	positions, err := c.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return err
	}

	var inMarket, total decimal.Decimal
	for _, p := range positions {
		total = total.Add(p.TotalInvested)
		if p.MarketID == marketID {
			inMarket = p.TotalInvested
		}
	}

	if !c.limits.MaxPerMarket.IsZero() && inMarket.Add(cost).GreaterThan(c.limits.MaxPerMarket) {
		return model.ErrExposureLimit
	}
	if !c.limits.MaxTotal.IsZero() && total.Add(cost).GreaterThan(c.limits.MaxTotal) {
		return model.ErrExposureLimit
	}
	return nil
}
