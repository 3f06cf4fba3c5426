package cpmm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pool(yes, no float64) model.Pool {
	return model.Pool{Yes: d(yes), No: d(no)}
}

// --- Probability ---

func TestProbability_BalancedPoolHalf(t *testing.T) {
	prob := Probability(pool(100, 100), d(0.5))
	if !prob.Equal(d(0.5)) {
		t.Errorf("expected probability 0.5 at balanced pool, got %s", prob)
	}
}

func TestProbability_EqualPoolsMatchWeight(t *testing.T) {
	// With equal reserves the probability collapses to p itself.
	for _, p := range []float64{0.1, 0.3, 0.7, 0.9} {
		prob := Probability(pool(200, 200), d(p))
		if prob.Sub(d(p)).Abs().GreaterThan(d(0.0000001)) {
			t.Errorf("p=%v: expected probability %v, got %s", p, p, prob)
		}
	}
}

func TestProbability_MoreYesMeansLowerProb(t *testing.T) {
	// A YES-heavy pool means YES shares are cheap: low probability.
	prob := Probability(pool(300, 100), d(0.5))
	if prob.GreaterThanOrEqual(d(0.5)) {
		t.Errorf("YES-heavy pool should imply probability < 0.5, got %s", prob)
	}
}

// --- Buy ---

func TestBuy_FiftyOnBalancedPool(t *testing.T) {
	res, err := Buy(pool(100, 100), d(0.5), model.OutcomeYes, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// At even odds each share costs less than 1, so 50 mana buys more
	// than 50 shares.
	if res.Shares.LessThanOrEqual(d(50)) {
		t.Errorf("expected more than 50 shares, got %s", res.Shares)
	}
	prob := Probability(res.Pool, d(0.5))
	if prob.LessThanOrEqual(d(0.5)) {
		t.Errorf("buying YES should raise the probability above 0.5, got %s", prob)
	}
	if prob.GreaterThanOrEqual(d(1)) {
		t.Errorf("probability must stay below 1, got %s", prob)
	}
}

func TestBuy_FeesComeOffTheTop(t *testing.T) {
	amount := d(50)
	res, err := Buy(pool(100, 100), d(0.5), model.OutcomeYes, amount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AmountAfterFees.Equal(amount.Sub(res.Fees.Total())) {
		t.Errorf("amount after fees mismatch: %s + %s != %s",
			res.AmountAfterFees, res.Fees.Total(), amount)
	}
	if !res.Fees.Total().IsPositive() {
		t.Error("expected positive fees")
	}
	// Flat fee alone guarantees this.
	if res.Fees.Platform.LessThan(FlatTradeFee) {
		t.Errorf("platform fee should include the flat fee, got %s", res.Fees.Platform)
	}
}

func TestBuy_PreservesInvariant(t *testing.T) {
	p := d(0.3)
	before := pool(150, 80)
	k := Invariant(before, p)

	res, err := Buy(before, p, model.OutcomeNo, d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kAfter := Invariant(res.Pool, p)
	if kAfter.Sub(k).Abs().GreaterThan(d(0.001)) {
		t.Errorf("invariant drifted: before=%s after=%s", k, kAfter)
	}
}

func TestBuy_NoLowersProbability(t *testing.T) {
	p := d(0.5)
	res, err := Buy(pool(100, 100), p, model.OutcomeNo, d(30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Probability(res.Pool, p).GreaterThanOrEqual(d(0.5)) {
		t.Errorf("buying NO should lower the probability, got %s", Probability(res.Pool, p))
	}
}

func TestBuy_InvalidInputs(t *testing.T) {
	if _, err := Buy(pool(100, 100), d(0.5), "MAYBE", d(10)); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := Buy(pool(100, 100), d(0.5), model.OutcomeYes, d(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := Buy(pool(0, 100), d(0.5), model.OutcomeYes, d(10)); !errors.Is(err, ErrInvalidPool) {
		t.Errorf("expected ErrInvalidPool for empty side, got %v", err)
	}
	// Below the flat fee nothing reaches the pool.
	if _, err := Buy(pool(100, 100), d(0.5), model.OutcomeYes, d(0.05)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for sub-fee amount, got %v", err)
	}
}

// --- Sell ---

func TestSell_RoundTripCostsOnlyFees(t *testing.T) {
	p := d(0.5)
	start := pool(100, 100)

	buy, err := Buy(start, p, model.OutcomeYes, d(50))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	sell, err := Sell(buy.Pool, p, model.OutcomeYes, buy.Shares)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if sell.Proceeds.GreaterThanOrEqual(d(50)) {
		t.Errorf("round trip must not profit: put in 50, got back %s", sell.Proceeds)
	}
	loss := d(50).Sub(sell.Proceeds)
	feeTotal := buy.Fees.Total().Add(sell.Fees.Total())
	if loss.Sub(feeTotal).Abs().GreaterThan(d(0.01)) {
		t.Errorf("round trip loss should equal total fees: loss=%s fees=%s", loss, feeTotal)
	}
}

func TestSell_PreservesInvariant(t *testing.T) {
	p := d(0.4)
	before := pool(120, 90)
	k := Invariant(before, p)

	res, err := Sell(before, p, model.OutcomeNo, d(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kAfter := Invariant(res.Pool, p)
	if kAfter.Sub(k).Abs().GreaterThan(d(0.001)) {
		t.Errorf("invariant drifted: before=%s after=%s", k, kAfter)
	}
}

func TestSell_LowersProbabilityForYes(t *testing.T) {
	p := d(0.5)
	before := pool(80, 120) // YES ahead
	probBefore := Probability(before, p)

	res, err := Sell(before, p, model.OutcomeYes, d(15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Probability(res.Pool, p).GreaterThanOrEqual(probBefore) {
		t.Error("selling YES should lower the probability")
	}
}

func TestSell_CannotDrainPool(t *testing.T) {
	_, err := Sell(pool(1, 1), d(0.5), model.OutcomeYes, d(100000))
	if !errors.Is(err, ErrMinPool) {
		t.Errorf("expected ErrMinPool, got %v", err)
	}
}

// --- AmountToProb ---

func TestAmountToProb_StopsAtLimit(t *testing.T) {
	p := d(0.5)
	start := pool(100, 100)
	limit := d(0.6)

	amount, err := AmountToProb(start, p, model.OutcomeYes, limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amount.IsPositive() {
		t.Fatalf("expected a positive amount, got %s", amount)
	}

	after, err := buyNoFees(start, p, model.OutcomeYes, amount.InexactFloat64())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prob := Probability(after, p)
	if prob.Sub(limit).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected probability ≈ %s after spending %s, got %s", limit, amount, prob)
	}
}

func TestAmountToProb_ZeroWhenPastLimit(t *testing.T) {
	// Pool already above the YES limit: nothing to spend.
	amount, err := AmountToProb(pool(100, 100), d(0.5), model.OutcomeYes, d(0.4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amount.IsZero() {
		t.Errorf("expected zero amount, got %s", amount)
	}
}

// --- Liquidity ---

func TestAddLiquidity_KeepsProbability(t *testing.T) {
	p := d(0.35)
	before := pool(140, 60)
	probBefore := Probability(before, p)

	after, newP, err := AddLiquidity(before, p, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	probAfter := Probability(after, newP)
	if probAfter.Sub(probBefore).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("probability moved on liquidity add: before=%s after=%s", probBefore, probAfter)
	}
	if after.Yes.LessThanOrEqual(before.Yes) || after.No.LessThanOrEqual(before.No) {
		t.Error("both pool sides should deepen")
	}
}

func TestAddLiquidityFixedP_ScalesBothSides(t *testing.T) {
	p := d(0.5)
	before := pool(100, 50)
	after, err := AddLiquidityFixedP(before, p, d(75))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ratioBefore := before.Yes.Div(before.No)
	ratioAfter := after.Yes.Div(after.No)
	if ratioAfter.Sub(ratioBefore).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("pool ratio should be preserved: before=%s after=%s", ratioBefore, ratioAfter)
	}
	if Probability(after, p).Sub(Probability(before, p)).Abs().GreaterThan(d(0.0001)) {
		t.Error("probability should be unchanged by a fixed-p add")
	}
}

func TestNewPool_EqualSidesWeightIsProb(t *testing.T) {
	pl, p, err := NewPool(d(100), d(0.7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pl.Yes.Equal(d(100)) || !pl.No.Equal(d(100)) {
		t.Errorf("expected equal sides of 100, got {%s, %s}", pl.Yes, pl.No)
	}
	if !Probability(pl, p).Sub(d(0.7)).Abs().LessThan(d(0.0000001)) {
		t.Errorf("expected initial probability 0.7, got %s", Probability(pl, p))
	}
}

func TestNewPool_ClampsExtremeProb(t *testing.T) {
	_, p, err := NewPool(d(100), d(0.99999))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(MaxProb) {
		t.Errorf("expected clamp to %s, got %s", MaxProb, p)
	}
}

// --- DeriveAnte ---

func TestDeriveAnte_PeaksAtEvenOdds(t *testing.T) {
	base := d(100)
	even := DeriveAnte(d(0.5), base)
	confident := DeriveAnte(d(0.9), base)

	if !even.Equal(d(100)) {
		t.Errorf("even odds should get the full base, got %s", even)
	}
	if confident.GreaterThanOrEqual(even) {
		t.Errorf("confident markets should get less subsidy: %s vs %s", confident, even)
	}
}

func TestDeriveAnte_Floor(t *testing.T) {
	ante := DeriveAnte(d(0.001), d(100))
	if !ante.Equal(d(10)) {
		t.Errorf("expected the floor of 10, got %s", ante)
	}
}
