// Package book provides a per-market view of open limit orders, sorted for
// matching. The book is derived from bet records on demand — it holds no
// state of its own and is rebuilt inside each transaction from a consistent
// snapshot.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

// Book is a point-in-time view of one market's resting limit orders.
type Book struct {
	orders []*model.Bet
	now    time.Time
}

// New builds a book from a market's bets, keeping only limit orders that
// are open: not filled, not cancelled, not expired, with remaining amount.
func New(bets []*model.Bet, now time.Time) *Book {
	var open []*model.Bet
	for _, b := range bets {
		if !b.IsLimitOrder() || b.IsFilled || b.IsCancelled || b.IsExpired(now) {
			continue
		}
		if !b.RemainingAmount().IsPositive() {
			continue
		}
		open = append(open, b)
	}
	return &Book{orders: open, now: now}
}

// Now returns the snapshot time the book was built with.
func (bk *Book) Now() time.Time { return bk.now }

// MakersFor returns the resting orders a taker buying `outcome` can match
// against — the orders on the opposite outcome — in price/time priority:
// best execution price for the taker first, ties broken by earliest
// CreatedAt, then by insertion order (sort.SliceStable preserves it).
func (bk *Book) MakersFor(takerOutcome string) []*model.Bet {
	opposite := model.OutcomeNo
	if takerOutcome == model.OutcomeNo {
		opposite = model.OutcomeYes
	}

	var makers []*model.Bet
	for _, o := range bk.orders {
		if o.Outcome == opposite {
			makers = append(makers, o)
		}
	}

	// A match executes at the maker's limitProb. A YES taker pays
	// shares*prob, so lower maker limits are better for it; a NO taker
	// pays shares*(1-prob), so higher maker limits are better.
	sort.SliceStable(makers, func(i, j int) bool {
		pi, pj := *makers[i].LimitProb, *makers[j].LimitProb
		if !pi.Equal(pj) {
			if takerOutcome == model.OutcomeYes {
				return pi.LessThan(pj)
			}
			return pi.GreaterThan(pj)
		}
		return makers[i].CreatedAt.Before(makers[j].CreatedAt)
	})
	return makers
}

// Orders returns every open order in the book.
func (bk *Book) Orders() []*model.Bet { return bk.orders }

// Crossed reports whether the pool's implied probability has moved through
// an order's limit: a YES order is crossed when the price drops strictly
// below its limit, a NO order when the price rises strictly above it. A
// crossed order must not be left resting — the pool now offers its outcome
// at a better price than it asked for.
func Crossed(o *model.Bet, poolProb decimal.Decimal) bool {
	if !o.IsLimitOrder() {
		return false
	}
	if o.Outcome == model.OutcomeYes {
		return poolProb.LessThan(*o.LimitProb)
	}
	return poolProb.GreaterThan(*o.LimitProb)
}

// WithinLimit reports whether a taker with the given limit accepts an
// execution at probability q.
func WithinLimit(takerOutcome string, takerLimit *decimal.Decimal, q decimal.Decimal) bool {
	if takerLimit == nil {
		return true
	}
	if takerOutcome == model.OutcomeYes {
		return q.LessThanOrEqual(*takerLimit)
	}
	return q.GreaterThanOrEqual(*takerLimit)
}

// SharePrice is the per-share cost for a buyer of `outcome` when a match
// executes at probability q: q for YES, 1-q for NO.
func SharePrice(outcome string, q decimal.Decimal) decimal.Decimal {
	if outcome == model.OutcomeYes {
		return q
	}
	return decimal.NewFromInt(1).Sub(q)
}
