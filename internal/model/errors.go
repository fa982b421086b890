package model

import "errors"

// Trade-path failures. The orchestrator converts every one of these into a
// Rejected outcome with a reason code; none escape to callers as faults.
var (
	// ErrNotFound is returned for unknown users or markets.
	ErrNotFound = errors.New("model: not found")

	// ErrInsufficientFunds is returned when a BUY exceeds the user's balance.
	ErrInsufficientFunds = errors.New("model: insufficient funds")

	// ErrInsufficientShares is returned when a SELL exceeds the position's
	// holdings on the requested side.
	ErrInsufficientShares = errors.New("model: insufficient shares")

	// ErrMarketInactive is returned when a commit targets a closed or
	// resolved market.
	ErrMarketInactive = errors.New("model: market not active")

	// ErrNoActiveMarket is returned when intent resolution finds no
	// active market at all.
	ErrNoActiveMarket = errors.New("model: no active market")

	// ErrAlreadyResolved is returned on a second resolve attempt. A market
	// resolves at most once; this guard prevents double payout.
	ErrAlreadyResolved = errors.New("model: market already resolved")

	// ErrConcurrencyConflict is returned after bounded retries when a
	// market mutation keeps losing the version race.
	ErrConcurrencyConflict = errors.New("model: concurrent modification")

	// ErrSellUnsupported is returned for SELL intents on fixed-odds
	// markets, which support BUY only.
	ErrSellUnsupported = errors.New("model: sell not supported for this market")

	// ErrExposureLimit is returned when a trade would push the user past
	// the configured exposure limits.
	ErrExposureLimit = errors.New("model: exposure limit exceeded")
)

// Rejection reason codes carried on TradeOutcome.
const (
	ReasonNoActiveMarket      = "no_active_market"
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonInsufficientShares  = "insufficient_shares"
	ReasonMarketInactive      = "market_inactive"
	ReasonSellUnsupported     = "sell_unsupported"
	ReasonExposureLimit       = "exposure_limit"
	ReasonConcurrencyConflict = "concurrency_conflict"
	ReasonInternal            = "internal_error"
)

// RejectReason maps a trade-path error to its outcome reason code.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNoActiveMarket):
		return ReasonNoActiveMarket
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrInsufficientShares):
		return ReasonInsufficientShares
	case errors.Is(err, ErrMarketInactive):
		return ReasonMarketInactive
	case errors.Is(err, ErrSellUnsupported):
		return ReasonSellUnsupported
	case errors.Is(err, ErrExposureLimit):
		return ReasonExposureLimit
	case errors.Is(err, ErrConcurrencyConflict):
		return ReasonConcurrencyConflict
	default:
		return ReasonInternal
	}
}
