// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth for multi-instance
// deployments), SQLite (single node), in-memory (tests/dev), and a Redis
// read-through cache wrapper.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// ErrVersionConflict is returned by ApplyTrade when the market row no longer
// carries the expected version. Callers retry under the market lock.
var ErrVersionConflict = model.ErrConcurrencyConflict

// TradeApplication is the atomic write set of one committed trade: the new
// market state, the user's balance delta, the absolute position state, the
// appended transaction, and the history points. A store applies all of it
// or none of it.
type TradeApplication struct {
	MarketID        string
	ExpectedVersion int64

	// New absolute market state.
	QYes, QNo          decimal.Decimal
	PriceYes, PriceNo  decimal.Decimal
	YesVolume          decimal.Decimal
	NoVolume           decimal.Decimal
	TotalVolume        decimal.Decimal
	ParticipantDelta   int
	UserID             string
	PointsDelta        decimal.Decimal // negative for BUY
	PredictionsDelta   int
	Position           model.Position // absolute post-trade state, upserted
	Transaction        model.Transaction
	ProbabilityPoint   model.ProbabilityPoint
	VolumePoint        model.VolumePoint
}

// SettlementPayout is one user's credit within a settlement application.
type SettlementPayout struct {
	UserID       string
	MarketID     string
	Points       decimal.Decimal // ≥ 0; zero payouts still notify
	CorrectDelta int
	RealizedPnL  decimal.Decimal // delta added to position.realized_pnl
}

// SettlementApplication is the atomic write set of one market resolution.
type SettlementApplication struct {
	MarketID        string
	ExpectedVersion int64
	Resolution      model.Resolution
	Payouts         []SettlementPayout
}

// Store is the persistence interface. All reads return copies; mutation
// goes through the atomic Apply*/Transition operations so each backend owns
// its transaction boundary.
type Store interface {
	// --- Users ---
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// --- Markets ---
	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListMarketsByStatus(ctx context.Context, status model.MarketStatus) ([]model.Market, error)

	// TransitionMarketStatus moves a market from one status to another,
	// returning false when the market was not in the from status. The
	// check-and-set is atomic, which makes settlement close idempotent.
	TransitionMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) (bool, error)

	// --- Positions ---
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Transactions (append-only) ---
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)

	// --- History (append-only time series) ---
	ProbabilityHistory(ctx context.Context, marketID string) ([]model.ProbabilityPoint, error)
	VolumeHistory(ctx context.Context, marketID string) ([]model.VolumePoint, error)

	// --- Broadcast cycles ---
	SaveBroadcastCycle(ctx context.Context, c *model.BroadcastCycle) error
	LatestBroadcastCycle(ctx context.Context) (*model.BroadcastCycle, error)

	// --- Atomic mutations ---
	ApplyTrade(ctx context.Context, app *TradeApplication) error
	ApplySettlement(ctx context.Context, app *SettlementApplication) error
}

// Now returns the current UTC time; split out so stores stamp consistently.
func Now() time.Time {
	return time.Now().UTC()
}
