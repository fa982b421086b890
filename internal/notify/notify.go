// Package notify delivers user-facing messages about trade outcomes and
// market resolutions. Delivery is best effort: callers log and count
// failures, they never retry or roll back the committed state.
package notify

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// Notifier is one outbound delivery channel.
type Notifier interface {
	// TradeOutcome reports a committed or rejected intent to its user.
	TradeOutcome(ctx context.Context, out model.TradeOutcome) error

	// Resolution reports a market resolution to one participant. Zero
	// payouts are reported too; losing silently is worse than losing.
	Resolution(ctx context.Context, userID, marketTitle string, outcome bool, payout decimal.Decimal) error

	// Text sends a free-form message, used for "not understood" replies.
	Text(ctx context.Context, userID, msg string) error
}
