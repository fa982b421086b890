// Package model defines the core domain types shared across the exchange
// engine. All point and share values use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side of the contract.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Action is the direction of a trade intent.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// MarketStatus transitions are one-way: active → closed → resolved.
type MarketStatus string

const (
	StatusActive   MarketStatus = "active"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// PricingMode selects the pricing strategy at market creation.
type PricingMode string

const (
	ModeLMSR      PricingMode = "lmsr"
	ModeFixedOdds PricingMode = "fixed_odds"
)

// PayoutPerShare is the points paid for each winning share at resolution.
var PayoutPerShare = decimal.NewFromInt(100)

// User holds a point balance and lifetime prediction stats.
// Balance and stats are mutated only by the ledger and settlement paths.
type User struct {
	ID          string          `json:"id" db:"id"`
	Email       string          `json:"email" db:"email"`
	Points      decimal.Decimal `json:"points" db:"points"` // whole points, never negative
	Predictions int             `json:"predictions" db:"predictions"`
	Correct     int             `json:"correct" db:"correct"`
	Active      bool            `json:"active" db:"active"` // soft-deactivation flag; users are never deleted
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Resolution records the terminal outcome of a market.
type Resolution struct {
	Outcome    bool      `json:"outcome"`
	ResolvedAt time.Time `json:"resolved_at"`
	Notes      string    `json:"notes,omitempty"`
}

// Market is a binary-outcome contract. AMM markets carry the LMSR state
// (Beta, QYes, QNo); fixed-odds markets carry operator-set per-side prices.
type Market struct {
	ID       string       `json:"id" db:"id"`
	Title    string       `json:"title" db:"title"`
	Status   MarketStatus `json:"status" db:"status"`
	Mode     PricingMode  `json:"mode" db:"mode"`
	Deadline time.Time    `json:"deadline" db:"deadline"`

	// LMSR state (Mode == ModeLMSR).
	Beta decimal.Decimal `json:"beta" db:"beta"`
	QYes decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo  decimal.Decimal `json:"q_no" db:"q_no"`

	// Fixed-odds state (Mode == ModeFixedOdds).
	FixedYesPrice decimal.Decimal `json:"fixed_yes_price" db:"fixed_yes_price"`
	FixedNoPrice  decimal.Decimal `json:"fixed_no_price" db:"fixed_no_price"`

	// Current instantaneous prices, maintained by the ledger on every commit.
	PriceYes decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no" db:"price_no"`

	YesVolume        decimal.Decimal `json:"yes_volume" db:"yes_volume"`
	NoVolume         decimal.Decimal `json:"no_volume" db:"no_volume"`
	TotalVolume      decimal.Decimal `json:"total_volume" db:"total_volume"`
	ParticipantCount int             `json:"participant_count" db:"participant_count"`

	// Version is bumped on every committed mutation; the stores reject
	// writes against a stale version.
	Version int64 `json:"version" db:"version"`

	Resolution *Resolution `json:"resolution,omitempty"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// Tradable reports whether new trades may be committed against the market.
func (m *Market) Tradable() bool {
	return m.Status == StatusActive
}

// Position is a user's net holdings in one market. Keyed by the compound
// (UserID, MarketID), which the stores enforce unique.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	SharesYes     decimal.Decimal `json:"shares_yes" db:"shares_yes"`
	SharesNo      decimal.Decimal `json:"shares_no" db:"shares_no"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// Shares returns the holdings on the given side.
func (p *Position) Shares(side Side) decimal.Decimal {
	if side == SideYes {
		return p.SharesYes
	}
	return p.SharesNo
}

// Transaction is an immutable ledger entry. Once created these are never
// modified or deleted; they are the system of record for audit and for
// user-facing trade history.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Type         Action          `json:"type" db:"type"`
	Side         Side            `json:"side" db:"side"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	Price        decimal.Decimal `json:"price" db:"price"`                 // average fill price per share
	PointsChange decimal.Decimal `json:"points_change" db:"points_change"` // negative for BUY, positive for SELL
	Source       string          `json:"source" db:"source"`               // "message", "api", ...
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ProbabilityPoint is one sample of a market's append-only price history.
type ProbabilityPoint struct {
	MarketID string          `json:"market_id" db:"market_id"`
	PriceYes decimal.Decimal `json:"price_yes" db:"price_yes"`
	At       time.Time       `json:"at" db:"at"`
}

// VolumePoint is one sample of a market's append-only volume history.
type VolumePoint struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
	At          time.Time       `json:"at" db:"at"`
}

// BroadcastCycle records which markets were last advertised to users by the
// outbound messaging collaborator. The market resolver prefers these when an
// intent carries no usable hint.
type BroadcastCycle struct {
	ID          string    `json:"id" db:"id"`
	MarketIDs   []string  `json:"market_ids" db:"market_ids"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

// TradeOutcome is the terminal record of one executed (or rejected) intent.
// It carries enough detail for the notification step.
type TradeOutcome struct {
	UserID      string          `json:"user_id"`
	Action      Action          `json:"action"`
	Side        Side            `json:"side"`
	Amount      int64           `json:"amount"`
	MarketID    string          `json:"market_id,omitempty"`
	MarketTitle string          `json:"market_title,omitempty"`
	Method      string          `json:"resolution_method,omitempty"` // how the target market was chosen
	Committed   bool            `json:"committed"`
	Reason      string          `json:"reason,omitempty"` // rejection reason code
	Shares      decimal.Decimal `json:"shares"`
	Cost        decimal.Decimal `json:"cost"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	PriceYes    decimal.Decimal `json:"price_yes"`
	TxID        string          `json:"tx_id,omitempty"`
}

// UserPayout is one user's share of a market resolution.
type UserPayout struct {
	UserID        string          `json:"user_id"`
	WinningShares decimal.Decimal `json:"winning_shares"`
	Points        decimal.Decimal `json:"points"`
}

// PayoutSummary describes a completed market resolution.
type PayoutSummary struct {
	MarketID   string          `json:"market_id"`
	Outcome    bool            `json:"outcome"`
	Winners    int             `json:"winners"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
	Payouts    []UserPayout    `json:"payouts"`
	ResolvedAt time.Time       `json:"resolved_at"`
}
