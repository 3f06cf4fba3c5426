package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/exposure"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/portfolio"
	"github.com/predex/market-engine/internal/store"
	"github.com/predex/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

// newTestEnv creates a trade Service over an in-memory store.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, portfolio.NewStaticEngine(), nil, nil, nil)
	return svc, ms
}

// seedMarket creates an open binary market with a balanced pool.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string) *model.Contract {
	t.Helper()
	m := &model.Contract{
		ID:          id,
		CreatorID:   "creator",
		Question:    "test market " + id,
		OutcomeKind: model.KindBinary,
		Pool:        model.Pool{Yes: d(100), No: d(100)},
		P:           d(0.5),
		CloseTime:   time.Now().Add(24 * time.Hour),
		CreatedAt:   time.Now(),
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	if err := ms.UpsertAccount(context.Background(), &model.Account{ID: id, Balance: d(balance)}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func balance(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return a.Balance
}

// --- Market orders ---

func TestPlaceBet_MarketOrderFillsFromPool(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bet.IsFilled {
		t.Error("market order should be fully filled")
	}
	if bet.Shares.LessThanOrEqual(d(50)) {
		t.Errorf("expected more than 50 shares at even odds, got %s", bet.Shares)
	}
	if bet.ProbAfter.LessThanOrEqual(bet.ProbBefore) {
		t.Errorf("buying YES should raise the probability: %s -> %s", bet.ProbBefore, bet.ProbAfter)
	}
	if !balance(t, ms, "alice").Equal(d(950)) {
		t.Errorf("expected balance 950, got %s", balance(t, ms, "alice"))
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.Volume.Equal(d(50)) {
		t.Errorf("expected volume 50, got %s", m.Volume)
	}
	if !m.CollectedFees.Total().IsPositive() {
		t.Error("pool trade should collect fees")
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 10)

	_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if !errors.Is(err, trade.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !balance(t, ms, "alice").Equal(d(10)) {
		t.Error("rejected bet must not move money")
	}
}

func TestPlaceBet_ClosedMarket(t *testing.T) {
	svc, ms := newTestEnv(t)
	m := seedMarket(t, ms, "m1")
	m.CloseTime = time.Now().Add(-time.Hour)
	if err := ms.RunMarketTx(context.Background(), "m1", func(tx store.Tx) error {
		tx.PutMarket(m)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	seedUser(t, ms, "alice", 1000)

	_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if !errors.Is(err, trade.ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed for a market order, got %v", err)
	}

	// Limit orders may still be placed; they rest without touching the pool.
	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50), LimitProb: dp(0.4),
	})
	if err != nil {
		t.Fatalf("limit order on closed market should rest: %v", err)
	}
	if bet.IsFilled || len(bet.Fills) != 0 {
		t.Error("resting order must have no fills")
	}
	if !balance(t, ms, "alice").Equal(d(1000)) {
		t.Error("a resting order reserves nothing")
	}
}

func TestPlaceBet_UnsupportedMechanism(t *testing.T) {
	svc, ms := newTestEnv(t)
	m := &model.Contract{
		ID:          "fr1",
		CreatorID:   "creator",
		OutcomeKind: model.KindFreeResponse,
		CloseTime:   time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	seedUser(t, ms, "alice", 1000)

	_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "fr1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if !errors.Is(err, trade.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

// --- Limit orders ---

func TestPlaceBet_LimitOrderRestsWhenPoolIsPastLimit(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1") // pool at 0.5
	seedUser(t, ms, "alice", 1000)

	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(100), LimitProb: dp(0.4),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bet.IsFilled || !bet.Shares.IsZero() {
		t.Error("YES order limited at 0.4 must rest while the pool asks 0.5")
	}
	if !balance(t, ms, "alice").Equal(d(1000)) {
		t.Error("no money moves until a fill")
	}
}

func TestPlaceBet_RestingOrderFilledBeforePool(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "maker", 1000)
	seedUser(t, ms, "taker", 1000)

	// A YES order limited at 0.4 rests below the pool's 0.5.
	makerBet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "maker", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(40), LimitProb: dp(0.4),
	})
	if err != nil {
		t.Fatalf("maker: %v", err)
	}

	// A NO taker matches it at the maker's limit before touching the pool:
	// at q = 0.4, NO shares cost 0.6 each.
	takerBet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "taker", ContractID: "m1", Outcome: model.OutcomeNo, Amount: d(30),
	})
	if err != nil {
		t.Fatalf("taker: %v", err)
	}

	if len(takerBet.Fills) == 0 {
		t.Fatal("taker should have fills")
	}
	first := takerBet.Fills[0]
	if first.MatchedBetID != makerBet.ID {
		t.Errorf("first fill should match the resting order, got %q", first.MatchedBetID)
	}
	// Shares bound: maker side is exhausted first (40 / 0.4 = 100 shares
	// would need 60 from the taker; the taker's 30 buys 50 shares).
	wantShares := d(30).Div(d(0.6))
	if first.Shares.Sub(wantShares).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected %s shares from the match, got %s", wantShares, first.Shares)
	}

	// The maker paid shares * 0.4 = 20 for its side.
	if !balance(t, ms, "maker").Sub(d(980)).Abs().LessThan(d(0.0001)) {
		t.Errorf("maker should have paid 20, balance %s", balance(t, ms, "maker"))
	}
	if !balance(t, ms, "taker").Equal(d(970)) {
		t.Errorf("taker should have paid 30, balance %s", balance(t, ms, "taker"))
	}

	// Matched fills never move the pool.
	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.Pool.Yes.Equal(d(100)) || !m.Pool.No.Equal(d(100)) {
		t.Errorf("pool should be untouched by matched fills, got {%s %s}", m.Pool.Yes, m.Pool.No)
	}
}

func TestSellShares_SweepsOrdersCrossedBySale(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "maker", 1000)

	// Push the pool up so a YES order at 0.55 can rest below it.
	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	}); err != nil {
		t.Fatal(err)
	}
	makerBet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "maker", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(5), LimitProb: dp(0.55),
	})
	if err != nil {
		t.Fatal(err)
	}
	if makerBet.IsFilled {
		t.Fatal("order should rest while the pool is above its limit")
	}

	// Alice selling her whole position drops the price through the
	// order's limit. The sale must fill it in the same transaction; no
	// order may be left open once the price has crossed its limit.
	sale, err := svc.SellShares(context.Background(), trade.SellSharesRequest{
		UserID: "alice", ContractID: "m1",
	})
	if err != nil {
		t.Fatal(err)
	}

	refreshed, err := ms.GetBet(context.Background(), makerBet.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(refreshed.Fills) == 0 {
		t.Fatal("the sale crossed the order's limit and must fill it")
	}
	if !refreshed.IsFilled {
		t.Error("a small crossed order should fill completely")
	}
	if !refreshed.Shares.IsPositive() {
		t.Error("the fill should buy shares")
	}
	if !balance(t, ms, "maker").LessThan(d(1000)) {
		t.Error("the fill should debit the maker")
	}
	// The fill pushes the price back up, so the sale's closing
	// probability reflects the swept book, not the raw pool sale.
	m, _ := ms.GetMarket(context.Background(), "m1")
	if !cpmm.Probability(m.Pool, m.P).Equal(sale.ProbAfter) {
		t.Errorf("sale ProbAfter %s should match the post-sweep pool %s",
			sale.ProbAfter, cpmm.Probability(m.Pool, m.P))
	}
}

func TestPlaceBet_MakerWithoutFundsIsCancelledNotMatched(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "maker", 1000)
	seedUser(t, ms, "taker", 1000)

	makerBet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "maker", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(40), LimitProb: dp(0.4),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The maker's balance disappears before the match.
	seedUser(t, ms, "maker", 0)

	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "taker", ContractID: "m1", Outcome: model.OutcomeNo, Amount: d(30),
	}); err != nil {
		t.Fatalf("taker should fall through to the pool: %v", err)
	}

	refreshed, _ := ms.GetBet(context.Background(), makerBet.ID)
	if !refreshed.IsCancelled {
		t.Error("an unfunded maker must be cancelled, not matched")
	}
}

// --- Cancel ---

func TestCancelBet(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50), LimitProb: dp(0.4),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CancelBet(context.Background(), bet.ID, "mallory"); !errors.Is(err, trade.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	cancelled, err := svc.CancelBet(context.Background(), bet.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.IsCancelled {
		t.Error("expected the order to be cancelled")
	}

	if _, err := svc.CancelBet(context.Background(), bet.ID, "alice"); !errors.Is(err, trade.ErrAlreadyCancelled) {
		t.Errorf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestCancelBet_MarketOrderNotCancellable(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	bet, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelBet(context.Background(), bet.ID, "alice"); !errors.Is(err, trade.ErrNotLimitOrder) {
		t.Errorf("expected ErrNotLimitOrder, got %v", err)
	}
}

// --- Sell ---

func TestSellShares_RoundTripCostsOnlyFees(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	buy, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if err != nil {
		t.Fatal(err)
	}

	sale, err := svc.SellShares(context.Background(), trade.SellSharesRequest{
		UserID: "alice", ContractID: "m1",
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !sale.IsSold || !sale.Amount.IsNegative() || !sale.Shares.IsNegative() {
		t.Error("sale bets carry negative amount and shares")
	}
	if sale.Shares.Neg().Sub(buy.Shares).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected the full position sold: bought %s, sold %s", buy.Shares, sale.Shares.Neg())
	}

	// A full round trip loses only the fees.
	final := balance(t, ms, "alice")
	if final.GreaterThanOrEqual(d(1000)) {
		t.Errorf("round trip must not profit, balance %s", final)
	}
	if final.LessThan(d(995)) {
		t.Errorf("round trip should lose only fees, balance %s", final)
	}

	// Net position is flat.
	bets, _ := ms.GetUserBets(context.Background(), "alice")
	pos := trade.PositionFromBets("alice", "m1", bets)
	if pos.YesShares.Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected flat position, got %s YES", pos.YesShares)
	}
}

func TestSellShares_NoPosition(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	_, err := svc.SellShares(context.Background(), trade.SellSharesRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, trade.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestSellShares_AmbiguousWithoutOutcome(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	for _, outcome := range []string{model.OutcomeYes, model.OutcomeNo} {
		if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
			UserID: "alice", ContractID: "m1", Outcome: outcome, Amount: d(20),
		}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := svc.SellShares(context.Background(), trade.SellSharesRequest{
		UserID: "alice", ContractID: "m1",
	})
	if !errors.Is(err, trade.ErrAmbiguousOutcome) {
		t.Fatalf("expected ErrAmbiguousOutcome, got %v", err)
	}
}

func TestSellShares_MoreThanHeld(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(20),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.SellShares(context.Background(), trade.SellSharesRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Shares: dp(100000),
	})
	if !errors.Is(err, trade.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

// --- Liquidity ---

func TestAddLiquidity(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	lp, err := svc.AddLiquidity(context.Background(), trade.AddLiquidityRequest{
		UserID: "alice", ContractID: "m1", Amount: d(100),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Pool.Yes.LessThanOrEqual(d(100)) || m.Pool.No.LessThanOrEqual(d(100)) {
		t.Error("both pool sides should deepen")
	}
	prob := cpmm.Probability(m.Pool, m.P)
	if prob.Sub(d(0.5)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("liquidity must not move the price, got %s", prob)
	}
	if !m.TotalLiquidity.Equal(d(100)) {
		t.Errorf("expected total liquidity 100, got %s", m.TotalLiquidity)
	}
	if !balance(t, ms, "alice").Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", balance(t, ms, "alice"))
	}
	if lp.IsAnte {
		t.Error("a deposit after creation is not the ante")
	}
}

// --- Market creation ---

func TestCreateMarket_SeedsPoolWithAnte(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)

	m, err := svc.CreateMarket(context.Background(), trade.CreateMarketRequest{
		CreatorID:   "creator",
		Question:    "Will it happen by Friday?",
		OutcomeKind: model.KindBinary,
		InitialProb: d(0.7),
		Ante:        d(100),
		CloseTime:   time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.Pool.Yes.Equal(d(100)) || !m.Pool.No.Equal(d(100)) {
		t.Errorf("expected equal pool sides of 100, got {%s %s}", m.Pool.Yes, m.Pool.No)
	}
	prob := cpmm.Probability(m.Pool, m.P)
	if prob.Sub(d(0.7)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected initial probability 0.7, got %s", prob)
	}
	if m.Slug != "will-it-happen-by-friday" {
		t.Errorf("unexpected slug %q", m.Slug)
	}
	if !balance(t, ms, "creator").Equal(d(900)) {
		t.Errorf("ante should debit the creator, balance %s", balance(t, ms, "creator"))
	}

	provisions, _ := ms.GetLiquidity(context.Background(), m.ID)
	if len(provisions) != 1 || !provisions[0].IsAnte {
		t.Fatal("the ante should be recorded as an IsAnte liquidity provision")
	}
}

func TestCreateMarket_DerivesAnteWhenOmitted(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)

	m, err := svc.CreateMarket(context.Background(), trade.CreateMarketRequest{
		CreatorID:   "creator",
		Question:    "even odds",
		OutcomeKind: model.KindBinary,
		InitialProb: d(0.5),
		CloseTime:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.TotalLiquidity.Equal(d(100)) {
		t.Errorf("even-odds default subsidy should be 100, got %s", m.TotalLiquidity)
	}
}

func TestCreateMarket_InvalidGroupSlug(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)

	_, err := svc.CreateMarket(context.Background(), trade.CreateMarketRequest{
		CreatorID:   "creator",
		Question:    "q",
		GroupSlug:   "Not A Slug!",
		OutcomeKind: model.KindBinary,
		InitialProb: d(0.5),
		Ante:        d(50),
		CloseTime:   time.Now().Add(time.Hour),
	})
	if !errors.Is(err, trade.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// --- Bonuses ---

func TestPlaceBet_FirstBetPaysCreatorBonus(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "creator", 100)
	seedUser(t, ms, "alice", 1000)

	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	}); err != nil {
		t.Fatal(err)
	}
	if !balance(t, ms, "creator").Equal(d(105)) {
		t.Errorf("creator should earn the 5-mana unique bettor bonus, balance %s", balance(t, ms, "creator"))
	}

	// A second bet by the same user earns nothing more.
	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(10),
	}); err != nil {
		t.Fatal(err)
	}
	if !balance(t, ms, "creator").Equal(d(105)) {
		t.Error("repeat bettors must not pay the bonus again")
	}
}

func TestPlaceBet_NoBonusForSelfBets(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "creator", 100)

	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "creator", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	}); err != nil {
		t.Fatal(err)
	}
	if !balance(t, ms, "creator").Equal(d(50)) {
		t.Errorf("self-bets earn no bonus, balance %s", balance(t, ms, "creator"))
	}
}

// --- Position limits ---

func TestPlaceBet_ExposureLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	limits := exposure.NewLimiter(d(100), decimal.Zero)
	svc := trade.NewService(ms, portfolio.NewStaticEngine(), nil, nil, limits)
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 10000)

	if _, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(80),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(30),
	})
	if !errors.Is(err, exposure.ErrMarketLimitExceeded) {
		t.Fatalf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

// --- Concurrency ---

func TestPlaceBet_ConcurrentBetsAllSettle(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms, "m1")

	const workers = 10
	for i := 0; i < workers; i++ {
		seedUser(t, ms, userID(i), 1000)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
				UserID: userID(i), ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(10),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.Volume.Equal(d(10 * workers)) {
		t.Errorf("expected volume %d, got %s", 10*workers, m.Volume)
	}
	// Conservation: every debit has a matching ledger entry.
	txns, _ := ms.GetContractTxns(context.Background(), "m1")
	total := decimal.Zero
	for _, txn := range txns {
		if txn.Category == model.TxnBetFill {
			total = total.Add(txn.Amount)
		}
	}
	if !total.Equal(d(10 * workers)) {
		t.Errorf("ledger should show %d of fills, got %s", 10*workers, total)
	}
}

func userID(i int) string {
	return "user-" + string(rune('a'+i))
}

// conflictStore loses every transaction, for exercising the retry budget.
type conflictStore struct {
	*store.MemoryStore
	calls int
}

func (c *conflictStore) RunMarketTx(ctx context.Context, contractID string, fn func(tx store.Tx) error) error {
	c.calls++
	return store.ErrConflict
}

func TestPlaceBet_RetryBudgetIsConfigurable(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	seedUser(t, ms, "alice", 1000)

	cs := &conflictStore{MemoryStore: ms}
	svc := trade.NewService(cs, portfolio.NewStaticEngine(), nil, nil, nil).WithRetries(2)

	_, err := svc.PlaceBet(context.Background(), trade.PlaceBetRequest{
		UserID: "alice", ContractID: "m1", Outcome: model.OutcomeYes, Amount: d(50),
	})
	if !errors.Is(err, store.ErrRetriable) {
		t.Fatalf("expected ErrRetriable after exhausting retries, got %v", err)
	}
	if cs.calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", cs.calls)
	}
}
