package cpmm

import (
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

// Canonical fee schedule. Probabilities and rates are fractional decimals
// everywhere; callers converting percentage inputs do so at the API edge.
var (
	// FlatTradeFee is charged once per pool trade, credited to the
	// platform.
	FlatTradeFee = decimal.NewFromFloat(0.1)

	// Proportional rates apply to the trade amount, weighted by the
	// probability of the chosen outcome losing (cheap longshots pay more
	// in absolute fee per expected-value unit, matching the prob-weighted
	// schedule).
	CreatorFeeRate   = decimal.NewFromFloat(0.01)
	PlatformFeeRate  = decimal.NewFromFloat(0.005)
	LiquidityFeeRate = decimal.NewFromFloat(0.005)
)

// TradeFees computes the fee split for a pool buy of `amount` at the current
// probability. The weighting factor is (1-prob) for YES and prob for NO.
func TradeFees(amount decimal.Decimal, outcome string, prob decimal.Decimal) model.Fees {
	weighted := amount.Mul(feeWeight(outcome, prob))
	return model.Fees{
		Creator:   weighted.Mul(CreatorFeeRate).Round(Scale),
		Platform:  weighted.Mul(PlatformFeeRate).Add(FlatTradeFee).Round(Scale),
		Liquidity: weighted.Mul(LiquidityFeeRate).Round(Scale),
	}
}

// saleFees computes the fee split on sale proceeds. No flat fee on the way
// out; only the proportional split applies.
func saleFees(proceeds decimal.Decimal, outcome string, prob decimal.Decimal) model.Fees {
	weighted := proceeds.Mul(feeWeight(outcome, prob))
	return model.Fees{
		Creator:   weighted.Mul(CreatorFeeRate).Round(Scale),
		Platform:  weighted.Mul(PlatformFeeRate).Round(Scale),
		Liquidity: weighted.Mul(LiquidityFeeRate).Round(Scale),
	}
}

func feeWeight(outcome string, prob decimal.Decimal) decimal.Decimal {
	if outcome == model.OutcomeYes {
		return decimal.NewFromInt(1).Sub(prob)
	}
	return prob
}
