// Package exposure implements position limits that account for topical
// correlation between markets.
//
// When an election spans twenty markets, a user buying YES on all of them
// has correlated risk. Markets carry an optional group slug; this package
// enforces a per-market cap and an aggregate cap across markets sharing a
// group.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push a single
	// market's net spend beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("exposure: per-market position limit exceeded")

	// ErrGroupLimitExceeded is returned when a trade would push the
	// aggregate spend across a market group beyond the group maximum.
	ErrGroupLimitExceeded = errors.New("exposure: group exposure limit exceeded")
)

// Position is one market's worth of a user's exposure.
type Position struct {
	ContractID string
	GroupSlug  string
	Invested   decimal.Decimal // signed net spend
}

// Limiter enforces position limits with group awareness. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerMarket is the maximum absolute net spend in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerGroup is the maximum aggregate absolute spend across all
	// markets sharing a group slug.
	MaxPerGroup decimal.Decimal
}

// NewLimiter creates a limiter with the given per-market and group caps.
func NewLimiter(maxPerMarket, maxPerGroup decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerMarket: maxPerMarket,
		MaxPerGroup:  maxPerGroup,
	}
}

// Check validates whether a trade respects position limits.
//
// target identifies the market being traded and its group; delta is the
// signed change in net spend; existing holds the user's current positions
// across all markets, including the target.
func (l *Limiter) Check(target Position, delta decimal.Decimal, existing []Position) error {
	current := decimal.Zero
	for _, p := range existing {
		if p.ContractID == target.ContractID {
			current = current.Add(p.Invested)
		}
	}
	newPosition := current.Add(delta)

	if l.MaxPerMarket.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	if !l.MaxPerGroup.IsPositive() || target.GroupSlug == "" {
		return nil
	}

	totalGroup := newPosition.Abs()
	for _, p := range existing {
		if p.ContractID == target.ContractID {
			continue // already counted via newPosition above
		}
		if p.GroupSlug == target.GroupSlug {
			totalGroup = totalGroup.Add(p.Invested.Abs())
		}
	}
	if totalGroup.GreaterThan(l.MaxPerGroup) {
		return ErrGroupLimitExceeded
	}
	return nil
}
