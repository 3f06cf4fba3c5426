// Package cpmm implements the weighted constant-product market maker used
// for binary (YES/NO) outcome pools.
//
// The pool maintains the invariant
//
//	YES^(1-p) * NO^p = k
//
// where the weight p skews the implied probability so that price ≠ 0.5 at
// equal pool sizes. All functions are pure: pool state goes in as arguments
// and comes back as return values.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math (fractional powers, bisection) uses float64,
// with results immediately checked finite and converted back to decimal.
package cpmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

var (
	// ErrNonFinite is returned when pool math produces NaN or Inf.
	ErrNonFinite = errors.New("cpmm: computation produced a non-finite value")

	// ErrMinPool is returned when a trade would drain a pool side below
	// MinPoolShares.
	ErrMinPool = errors.New("cpmm: pool would fall below minimum liquidity")

	// ErrInvalidOutcome is returned for outcomes other than YES or NO.
	ErrInvalidOutcome = errors.New("cpmm: outcome must be YES or NO")

	// ErrInvalidAmount is returned for non-positive trade amounts, or
	// amounts so small the flat fee consumes them entirely.
	ErrInvalidAmount = errors.New("cpmm: amount must exceed the flat trade fee")

	// ErrInvalidShares is returned for non-positive share quantities.
	ErrInvalidShares = errors.New("cpmm: shares must be positive")

	// ErrInvalidPool is returned when the starting pool or weight is
	// already degenerate.
	ErrInvalidPool = errors.New("cpmm: pool sides and weight must be positive")

	// MinPoolShares is the minimum share quantity either pool side may
	// hold after a trade.
	MinPoolShares = decimal.NewFromFloat(0.01)

	// MinProb is the probability floor. Prevents degenerate markets where
	// shares become worthless.
	MinProb = decimal.NewFromFloat(0.001)

	// MaxProb is the probability ceiling.
	MaxProb = decimal.NewFromFloat(0.999)

	// Scale is the number of decimal places for share/amount rounding.
	Scale int32 = 8
)

// bisection parameters: 64 halvings of the search interval put the answer
// well inside decimal's 8-place rounding.
const (
	bisectIters = 64
	bisectTol   = 1e-10
)

// Probability returns the implied YES probability of a pool:
//
//	p * NO / (p * NO + (1-p) * YES)
//
// Result is clamped to [MinProb, MaxProb].
func Probability(pool model.Pool, p decimal.Decimal) decimal.Decimal {
	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()

	prob := pf * n / (pf*n + (1-pf)*y)
	if math.IsNaN(prob) || math.IsInf(prob, 0) {
		prob = 0.5
	}
	return clampProb(decimal.NewFromFloat(prob).Round(Scale))
}

// PoolValue returns the mana value of the pool at its current probability:
// prob * YES + (1-prob) * NO.
func PoolValue(pool model.Pool, p decimal.Decimal) decimal.Decimal {
	prob := Probability(pool, p)
	one := decimal.NewFromInt(1)
	return prob.Mul(pool.Yes).Add(one.Sub(prob).Mul(pool.No)).Round(Scale)
}

// Invariant returns k = YES^(1-p) * NO^p for the given pool.
func Invariant(pool model.Pool, p decimal.Decimal) decimal.Decimal {
	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	k := math.Pow(y, 1-pf) * math.Pow(n, pf)
	return decimal.NewFromFloat(k).Round(Scale)
}

// BuyResult is the outcome of filling a buy against the pool.
type BuyResult struct {
	Pool            model.Pool      // pool after the trade
	Shares          decimal.Decimal // outcome shares received
	AmountAfterFees decimal.Decimal // mana that actually entered the pool
	Fees            model.Fees
}

// Buy fills `amount` of mana against the pool for the given outcome,
// preserving the weighted constant-product invariant. Fees are subtracted
// from the amount before it touches the pool.
func Buy(pool model.Pool, p decimal.Decimal, outcome string, amount decimal.Decimal) (BuyResult, error) {
	if err := validatePool(pool, p); err != nil {
		return BuyResult{}, err
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return BuyResult{}, ErrInvalidOutcome
	}
	if !amount.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}

	prob := Probability(pool, p)
	fees := TradeFees(amount, outcome, prob)
	net := amount.Sub(fees.Total())
	if !net.IsPositive() {
		return BuyResult{}, ErrInvalidAmount
	}

	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	b := net.InexactFloat64()
	k := math.Pow(y, 1-pf) * math.Pow(n, pf)

	var shares, newY, newN float64
	if outcome == model.OutcomeYes {
		// (y + b - s)^(1-p) * (n + b)^p = k
		shares = y + b - math.Pow(k/math.Pow(n+b, pf), 1/(1-pf))
		newY = y + b - shares
		newN = n + b
	} else {
		// (y + b)^(1-p) * (n + b - s)^p = k
		shares = n + b - math.Pow(k/math.Pow(y+b, 1-pf), 1/pf)
		newY = y + b
		newN = n + b - shares
	}

	if !finite(shares, newY, newN) {
		return BuyResult{}, ErrNonFinite
	}

	newPool := model.Pool{
		Yes: decimal.NewFromFloat(newY).Round(Scale),
		No:  decimal.NewFromFloat(newN).Round(Scale),
	}
	if newPool.Yes.LessThan(MinPoolShares) || newPool.No.LessThan(MinPoolShares) {
		return BuyResult{}, ErrMinPool
	}

	return BuyResult{
		Pool:            newPool,
		Shares:          decimal.NewFromFloat(shares).Round(Scale),
		AmountAfterFees: net,
		Fees:            fees,
	}, nil
}

// SellResult is the outcome of selling shares back to the pool.
type SellResult struct {
	Pool     model.Pool      // pool after the trade
	Proceeds decimal.Decimal // mana paid out, net of fees
	Fees     model.Fees
}

// Sell is the inverse of Buy: `shares` of the given outcome are returned to
// the pool and mana is extracted from both sides so the invariant is
// preserved. There is no closed form for the weighted pool, so the payout is
// found by bisection. Fees come out of the proceeds.
func Sell(pool model.Pool, p decimal.Decimal, outcome string, shares decimal.Decimal) (SellResult, error) {
	if err := validatePool(pool, p); err != nil {
		return SellResult{}, err
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return SellResult{}, ErrInvalidOutcome
	}
	if !shares.IsPositive() {
		return SellResult{}, ErrInvalidShares
	}

	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	s := shares.InexactFloat64()
	k := math.Pow(y, 1-pf) * math.Pow(n, pf)
	minQty := MinPoolShares.InexactFloat64()

	// Selling s YES shares: the shares rejoin the YES side, then a payout
	// a is removed from both sides until the invariant is restored:
	//   (y + s - a)^(1-p) * (n - a)^p = k
	// The residual is monotonically decreasing in a, so bisect.
	invariant := func(a float64) float64 {
		if outcome == model.OutcomeYes {
			return math.Pow(y+s-a, 1-pf)*math.Pow(n-a, pf) - k
		}
		return math.Pow(y-a, 1-pf)*math.Pow(n+s-a, pf) - k
	}

	// The payout can never drain either side below the minimum.
	var hi float64
	if outcome == model.OutcomeYes {
		hi = math.Min(n-minQty, y+s-minQty)
	} else {
		hi = math.Min(y-minQty, n+s-minQty)
	}
	if hi <= 0 {
		return SellResult{}, ErrMinPool
	}

	lo := 0.0
	if invariant(hi) > 0 {
		// Even the maximum extractable payout leaves the invariant above
		// k — the sale is worth more than the pool can pay.
		return SellResult{}, ErrMinPool
	}
	for i := 0; i < bisectIters && hi-lo > bisectTol; i++ {
		mid := (lo + hi) / 2
		if invariant(mid) >= 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	payout := (lo + hi) / 2

	var newY, newN float64
	if outcome == model.OutcomeYes {
		newY = y + s - payout
		newN = n - payout
	} else {
		newY = y - payout
		newN = n + s - payout
	}
	if !finite(payout, newY, newN) {
		return SellResult{}, ErrNonFinite
	}

	newPool := model.Pool{
		Yes: decimal.NewFromFloat(newY).Round(Scale),
		No:  decimal.NewFromFloat(newN).Round(Scale),
	}
	if newPool.Yes.LessThan(MinPoolShares) || newPool.No.LessThan(MinPoolShares) {
		return SellResult{}, ErrMinPool
	}

	gross := decimal.NewFromFloat(payout).Round(Scale)
	prob := Probability(newPool, p)
	fees := saleFees(gross, outcome, prob)
	proceeds := gross.Sub(fees.Total())
	if proceeds.IsNegative() {
		proceeds = decimal.Zero
	}

	return SellResult{Pool: newPool, Proceeds: proceeds, Fees: fees}, nil
}

// AmountToProb returns the buy amount (before fees are re-added) that moves
// the pool's implied probability to `limit` for the given outcome. Returns
// zero when the pool is already at or past the limit. Found by bisection on
// the fee-free purchase.
func AmountToProb(pool model.Pool, p decimal.Decimal, outcome string, limit decimal.Decimal) (decimal.Decimal, error) {
	if err := validatePool(pool, p); err != nil {
		return decimal.Zero, err
	}
	prob := Probability(pool, p)
	target := clampProb(limit)

	// Buying YES raises the probability, buying NO lowers it.
	if outcome == model.OutcomeYes && target.LessThanOrEqual(prob) {
		return decimal.Zero, nil
	}
	if outcome == model.OutcomeNo && target.GreaterThanOrEqual(prob) {
		return decimal.Zero, nil
	}

	probAfter := func(amount float64) float64 {
		res, err := buyNoFees(pool, p, outcome, amount)
		if err != nil {
			return math.NaN()
		}
		return Probability(res, p).InexactFloat64()
	}
	tf := target.InexactFloat64()

	// Grow an upper bound until the target is bracketed.
	hi := 1.0
	for i := 0; i < 64; i++ {
		pa := probAfter(hi)
		if math.IsNaN(pa) {
			return decimal.Zero, ErrNonFinite
		}
		if (outcome == model.OutcomeYes && pa >= tf) || (outcome == model.OutcomeNo && pa <= tf) {
			break
		}
		hi *= 2
	}

	lo := 0.0
	for i := 0; i < bisectIters && hi-lo > bisectTol; i++ {
		mid := (lo + hi) / 2
		pa := probAfter(mid)
		if math.IsNaN(pa) {
			return decimal.Zero, ErrNonFinite
		}
		short := pa < tf
		if outcome == model.OutcomeNo {
			short = pa > tf
		}
		if short {
			lo = mid
		} else {
			hi = mid
		}
	}
	return decimal.NewFromFloat((lo + hi) / 2).Round(Scale), nil
}

// buyNoFees applies a raw amount to the pool without the fee schedule.
// Used by AmountToProb, where the caller re-applies fees on the real trade.
func buyNoFees(pool model.Pool, p decimal.Decimal, outcome string, amount float64) (model.Pool, error) {
	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	k := math.Pow(y, 1-pf) * math.Pow(n, pf)

	var newY, newN float64
	if outcome == model.OutcomeYes {
		newY = math.Pow(k/math.Pow(n+amount, pf), 1/(1-pf))
		newN = n + amount
	} else {
		newY = y + amount
		newN = math.Pow(k/math.Pow(y+amount, 1-pf), 1/pf)
	}
	if !finite(newY, newN) {
		return model.Pool{}, ErrNonFinite
	}
	return model.Pool{
		Yes: decimal.NewFromFloat(newY),
		No:  decimal.NewFromFloat(newN),
	}, nil
}

// AddLiquidity injects `amount` of mana into both pool sides and re-derives
// the weight p so the implied probability is unchanged.
func AddLiquidity(pool model.Pool, p, amount decimal.Decimal) (model.Pool, decimal.Decimal, error) {
	if err := validatePool(pool, p); err != nil {
		return model.Pool{}, decimal.Zero, err
	}
	if !amount.IsPositive() {
		return model.Pool{}, decimal.Zero, ErrInvalidAmount
	}

	prob := Probability(pool, p)
	newPool := model.Pool{
		Yes: pool.Yes.Add(amount),
		No:  pool.No.Add(amount),
	}

	// Solve prob = p'·NO' / (p'·NO' + (1-p')·YES') for p'.
	one := decimal.NewFromInt(1)
	denom := one.Sub(prob).Mul(newPool.No).Add(prob.Mul(newPool.Yes))
	if denom.IsZero() {
		return model.Pool{}, decimal.Zero, ErrNonFinite
	}
	newP := prob.Mul(newPool.Yes).Div(denom).Round(Scale)

	return newPool, newP, nil
}

// AddLiquidityFixedP scales both pool sides by the same factor, keeping both
// the ratio and the weight p fixed so the price cannot move. The factor is
// chosen so the pool's mana value grows by exactly `amount`.
func AddLiquidityFixedP(pool model.Pool, p, amount decimal.Decimal) (model.Pool, error) {
	if err := validatePool(pool, p); err != nil {
		return model.Pool{}, err
	}
	if !amount.IsPositive() {
		return model.Pool{}, ErrInvalidAmount
	}

	value := PoolValue(pool, p)
	if !value.IsPositive() {
		return model.Pool{}, ErrInvalidPool
	}
	factor := decimal.NewFromInt(1).Add(amount.Div(value))

	return model.Pool{
		Yes: pool.Yes.Mul(factor).Round(Scale),
		No:  pool.No.Mul(factor).Round(Scale),
	}, nil
}

// NewPool seeds a market's pool from its ante. With equal sides the weight
// equals the initial probability exactly.
func NewPool(ante, initialProb decimal.Decimal) (model.Pool, decimal.Decimal, error) {
	if !ante.IsPositive() {
		return model.Pool{}, decimal.Zero, ErrInvalidAmount
	}
	prob := clampProb(initialProb)
	return model.Pool{Yes: ante, No: ante}, prob, nil
}

// DeriveAnte sizes a default creation subsidy from the initial probability.
// Uncertain markets (near 50%) get the full base subsidy; confident ones
// need less to keep the price stable. Floored so no market starts
// degenerate.
func DeriveAnte(initialProb, base decimal.Decimal) decimal.Decimal {
	p := clampProb(initialProb)
	// 4·p·(1−p) ∈ (0,1], peaking at p = 0.5.
	uncertainty := p.Mul(decimal.NewFromInt(1).Sub(p)).Mul(decimal.NewFromInt(4))
	ante := base.Mul(uncertainty)

	minAnte := decimal.NewFromInt(10)
	if ante.LessThan(minAnte) {
		return minAnte
	}
	return ante.Round(2)
}

func clampProb(prob decimal.Decimal) decimal.Decimal {
	if prob.LessThan(MinProb) {
		return MinProb
	}
	if prob.GreaterThan(MaxProb) {
		return MaxProb
	}
	return prob
}

func validatePool(pool model.Pool, p decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if !pool.Yes.IsPositive() || !pool.No.IsPositive() ||
		!p.IsPositive() || p.GreaterThanOrEqual(one) {
		return ErrInvalidPool
	}
	return nil
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
