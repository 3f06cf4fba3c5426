package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedMarket(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.CreateMarket(context.Background(), &model.Contract{
		ID:          id,
		OutcomeKind: model.KindBinary,
		Pool:        model.Pool{Yes: d(100), No: d(100)},
		P:           d(0.5),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func TestRunMarketTx_CommitIsAtomic(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	err := ms.RunMarketTx(ctx, "m1", func(tx store.Tx) error {
		m := tx.Market()
		m.Volume = d(42)
		tx.PutMarket(m)
		tx.PutBet(&model.Bet{ID: "b1", ContractID: "m1", UserID: "u1", Amount: d(10), CreatedAt: time.Now()})
		tx.Credit("u1", d(-10))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Volume.Equal(d(42)) {
		t.Errorf("market update lost: volume=%s", m.Volume)
	}
	if m.Version != 1 {
		t.Errorf("version should bump on commit, got %d", m.Version)
	}
	bets, _ := ms.GetContractBets(ctx, "m1")
	if len(bets) != 1 {
		t.Fatalf("expected 1 bet, got %d", len(bets))
	}
	a, err := ms.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !a.Balance.Equal(d(-10)) {
		t.Errorf("credit not applied, balance=%s", a.Balance)
	}
}

func TestRunMarketTx_ErrorDiscardsEverything(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	boom := errors.New("boom")
	err := ms.RunMarketTx(ctx, "m1", func(tx store.Tx) error {
		m := tx.Market()
		m.Volume = d(99)
		tx.PutMarket(m)
		tx.PutBet(&model.Bet{ID: "b1", ContractID: "m1", CreatedAt: time.Now()})
		tx.Credit("u1", d(50))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Volume.IsZero() || m.Version != 0 {
		t.Error("failed transaction must not mutate the market")
	}
	bets, _ := ms.GetContractBets(ctx, "m1")
	if len(bets) != 0 {
		t.Error("failed transaction must not persist bets")
	}
	if _, err := ms.GetAccount(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("failed transaction must not create accounts")
	}
}

func TestRunMarketTx_UnknownMarket(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.RunMarketTx(context.Background(), "nope", func(tx store.Tx) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunMarketTx_SnapshotReadsIgnoreOtherStaging(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	err := ms.RunMarketTx(ctx, "m1", func(tx store.Tx) error {
		tx.PutBet(&model.Bet{ID: "b1", ContractID: "m1", UserID: "u1", CreatedAt: time.Now()})
		// Staged writes are visible inside the same transaction.
		bets, err := tx.Bets()
		if err != nil {
			return err
		}
		if len(bets) != 1 {
			t.Errorf("staged bet should be visible in-tx, got %d", len(bets))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunMarketTx_SerializedPerMarket(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	// Many concurrent increments through the transaction layer must all
	// land: one-at-a-time per market.
	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.RunWithRetry(ctx, ms, "m1", 10, func(tx store.Tx) error {
				m := tx.Market()
				m.Volume = m.Volume.Add(d(1))
				tx.PutMarket(m)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if !m.Volume.Equal(d(workers)) {
		t.Errorf("lost updates: expected volume %d, got %s", workers, m.Volume)
	}
	if m.Version != workers {
		t.Errorf("expected version %d, got %d", workers, m.Version)
	}
}

func TestRunMarketTx_IndependentMarketsRunInParallel(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	seedMarket(t, ms, "m2")
	ctx := context.Background()

	// Hold m1's lock while running a transaction on m2; it must not block.
	release := make(chan struct{})
	started := make(chan struct{})
	go ms.RunMarketTx(ctx, "m1", func(tx store.Tx) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan error, 1)
	go func() {
		done <- ms.RunMarketTx(ctx, "m2", func(tx store.Tx) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("transaction on m2 blocked behind m1's lock")
	}
	close(release)
}

func TestRunWithRetry_SurfacesRetriableAfterBudget(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	ctx := context.Background()

	calls := 0
	err := store.RunWithRetry(ctx, alwaysConflict{ms, &calls}, "m1", 3, func(tx store.Tx) error { return nil })
	if !errors.Is(err, store.ErrRetriable) {
		t.Fatalf("expected ErrRetriable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRunWithRetry_NonConflictPassesThrough(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")

	boom := errors.New("boom")
	err := store.RunWithRetry(context.Background(), ms, "m1", 5, func(tx store.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

// alwaysConflict wraps a store so RunMarketTx always loses.
type alwaysConflict struct {
	*store.MemoryStore
	calls *int
}

func (a alwaysConflict) RunMarketTx(ctx context.Context, contractID string, fn func(tx store.Tx) error) error {
	*a.calls++
	return store.ErrConflict
}
