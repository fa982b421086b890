// Package resolver maps a trade intent to its target market. Intents arrive
// without market IDs, so resolution runs a fixed fallback chain: hint match,
// single active market, last broadcast cycle, most recent active market.
package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/store"
)

// Resolution methods, recorded on the trade outcome so notifications can say
// how the market was chosen.
const (
	MethodHint               = "hint"
	MethodSingleActive       = "single_active"
	MethodLastCycle          = "last_cycle"
	MethodMostRecentFallback = "most_recent_fallback"
)

// Match is a resolved target market plus the method that selected it.
type Match struct {
	Market *model.Market
	Method string
}

// Resolver selects target markets for intents.
type Resolver struct {
	store store.Store
}

// New creates a Resolver over the given store.
func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve picks the target market for an intent. hint may be empty. Returns
// model.ErrNoActiveMarket when no active market exists at all.
func (r *Resolver) Resolve(ctx context.Context, hint string) (*Match, error) {
	active, err := r.store.ListMarketsByStatus(ctx, model.StatusActive)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, model.ErrNoActiveMarket
	}

	// 1. Hint match: case-insensitive substring against titles. Lists are
	// newest-first, so the first hit is the most recent on a tie.
	if hint = strings.TrimSpace(strings.ToLower(hint)); hint != "" {
		for i := range active {
			if strings.Contains(strings.ToLower(active[i].Title), hint) {
				return &Match{Market: &active[i], Method: MethodHint}, nil
			}
		}
	}

	// 2. Exactly one active market: no ambiguity.
	if len(active) == 1 {
		return &Match{Market: &active[0], Method: MethodSingleActive}, nil
	}

	// 3. Markets advertised in the last broadcast cycle, most recent first.
	if m := r.fromLastCycle(ctx, active); m != nil {
		return &Match{Market: m, Method: MethodLastCycle}, nil
	}

	// 4. Most recently created active market.
	return &Match{Market: &active[0], Method: MethodMostRecentFallback}, nil
}

// fromLastCycle returns the newest active market that was part of the latest
// broadcast cycle, or nil when no cycle exists or none of its markets are
// still active.
func (r *Resolver) fromLastCycle(ctx context.Context, active []model.Market) *model.Market {
	cycle, err := r.store.LatestBroadcastCycle(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return nil
	}

	inCycle := make(map[string]bool, len(cycle.MarketIDs))
	for _, id := range cycle.MarketIDs {
		inCycle[id] = true
	}
	for i := range active {
		if inCycle[active[i].ID] {
			return &active[i]
		}
	}
	return nil
}
