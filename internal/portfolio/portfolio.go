// Package portfolio defines the eligibility collaborator consumed by the
// exchange core. Loan-eligibility and bonus-eligibility decisions are
// computed elsewhere (portfolio metrics, anti-abuse); the core only applies
// the numbers it is given.
package portfolio

import (
	"context"

	"github.com/shopspring/decimal"
)

// LoanDecision tells the loan engine whether a user may receive today's
// advance and on what terms.
type LoanDecision struct {
	Eligible  bool
	DailyRate decimal.Decimal // fraction of net invested loaned per day
	MaxPerDay decimal.Decimal // cap across all positions
}

// BonusDecision tells the bet pipeline whether a market creator earns a
// bonus for a new unique bettor, and how much.
type BonusDecision struct {
	Eligible bool
	Amount   decimal.Decimal
}

// Engine supplies eligibility decisions.
type Engine interface {
	LoanEligibility(ctx context.Context, userID string) (LoanDecision, error)
	UniqueBettorBonus(ctx context.Context, contractID, creatorID, bettorID string) (BonusDecision, error)
}

// StaticEngine is the built-in implementation with fixed terms: everyone is
// eligible at the configured rate. Deployments with a real portfolio service
// swap this out at wiring time.
type StaticEngine struct {
	Rate        decimal.Decimal
	DailyCap    decimal.Decimal
	BonusAmount decimal.Decimal
}

// NewStaticEngine returns an engine with the default terms: 2% of net
// invested per day, capped at 100, and a 5-mana unique bettor bonus.
func NewStaticEngine() *StaticEngine {
	return &StaticEngine{
		Rate:        decimal.NewFromFloat(0.02),
		DailyCap:    decimal.NewFromInt(100),
		BonusAmount: decimal.NewFromInt(5),
	}
}

func (e *StaticEngine) LoanEligibility(_ context.Context, _ string) (LoanDecision, error) {
	return LoanDecision{Eligible: true, DailyRate: e.Rate, MaxPerDay: e.DailyCap}, nil
}

func (e *StaticEngine) UniqueBettorBonus(_ context.Context, _, creatorID, bettorID string) (BonusDecision, error) {
	// Betting on your own market earns nothing.
	if creatorID == bettorID {
		return BonusDecision{}, nil
	}
	return BonusDecision{Eligible: true, Amount: e.BonusAmount}, nil
}
