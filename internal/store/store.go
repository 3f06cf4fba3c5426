// Package store defines the persistence contract for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// All mutating market operations run through RunMarketTx, a serializable
// unit of work scoped to one market's aggregate state plus the balances of
// every account touched. At most one concurrent transaction per market
// commits against a given pre-state; losers receive ErrConflict and are
// retried by RunWithRetry. Transactions on different markets proceed fully
// in parallel.
package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, bet, or account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating a record whose id already exists.
	ErrDuplicate = errors.New("store: duplicate id")

	// ErrConflict is returned when a transaction loses a serialization
	// conflict or cannot acquire the market lock within the bounded wait.
	// Callers retry via RunWithRetry.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrRetriable is surfaced to callers after the retry budget for
	// ErrConflict is exhausted.
	ErrRetriable = errors.New("store: conflict retries exhausted, try again")
)

// Tx is a market-scoped unit of work. Reads observe a consistent snapshot of
// the scoped market's aggregate (market, bets, liquidity, ledger) and any
// account balances touched; writes stage mutations that become visible only
// if the transaction commits. Implementations guarantee all-or-nothing
// commits.
type Tx interface {
	// Market returns the scoped market snapshot.
	Market() *model.Contract

	// Bet returns one of the scoped market's bets by id.
	Bet(id string) (*model.Bet, error)

	// Bets returns all bets on the scoped market, oldest first.
	Bets() ([]*model.Bet, error)

	// UserBets returns the scoped market's bets for one user, oldest first.
	UserBets(userID string) ([]*model.Bet, error)

	// Liquidity returns all liquidity provisions on the scoped market.
	Liquidity() ([]*model.LiquidityProvision, error)

	// Txns returns the ledger entries recorded against the scoped market.
	Txns() ([]*model.Txn, error)

	// TxnByID reports whether a ledger entry with the given id exists,
	// including ones staged in this transaction. Backs ledger idempotency.
	TxnByID(id string) (*model.Txn, bool)

	// Balance returns a user's balance including staged credits. Unknown
	// accounts read as zero.
	Balance(userID string) decimal.Decimal

	// PutMarket stages the updated market state.
	PutMarket(m *model.Contract)

	// PutBet stages a new or updated bet.
	PutBet(b *model.Bet)

	// PutLiquidity stages a liquidity provision.
	PutLiquidity(lp *model.LiquidityProvision)

	// AppendTxn stages an immutable ledger entry.
	AppendTxn(t *model.Txn)

	// Credit stages a signed balance delta for an account. Only the ledger
	// service calls this; business logic moves money exclusively through
	// ledger entries.
	Credit(userID string, delta decimal.Decimal)
}

// Store is the persistence interface.
type Store interface {
	// RunMarketTx executes fn inside a serializable transaction scoped to
	// the given market. Returns ErrConflict when the transaction loses a
	// concurrency race, ErrNotFound when the market does not exist. If fn
	// returns an error nothing is committed.
	RunMarketTx(ctx context.Context, contractID string, fn func(tx Tx) error) error

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Contract) error

	// GetMarket retrieves a market by id.
	GetMarket(ctx context.Context, id string) (*model.Contract, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Contract, error)

	// GetBet retrieves a bet by id (any market).
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// GetContractBets returns all bets on a market, oldest first.
	GetContractBets(ctx context.Context, contractID string) ([]*model.Bet, error)

	// GetUserBets returns a user's bets across all markets, oldest first.
	GetUserBets(ctx context.Context, userID string) ([]*model.Bet, error)

	// GetAccount retrieves a user's account.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// UpsertAccount creates or replaces an account record. Used for
	// seeding deposits; trading balance changes go through the ledger.
	UpsertAccount(ctx context.Context, a *model.Account) error

	// GetLiquidity returns all liquidity provisions on a market.
	GetLiquidity(ctx context.Context, contractID string) ([]*model.LiquidityProvision, error)

	// GetContractTxns returns ledger entries recorded against a market.
	GetContractTxns(ctx context.Context, contractID string) ([]*model.Txn, error)

	// ListActiveUserIDs returns ids of users holding at least one bet on
	// an unresolved market. Drives the loan pass.
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// Retry policy for ErrConflict: exponential backoff with jitter, bounded so
// no operation blocks indefinitely.
const (
	DefaultRetryAttempts = 5
	retryBaseDelay       = 10 * time.Millisecond
	retryMaxDelay        = 500 * time.Millisecond
)

// RunWithRetry runs fn through RunMarketTx, retrying conflicts up to
// `attempts` times with exponential backoff and jitter. Non-conflict errors
// pass through untouched; exhausted budgets surface ErrRetriable.
func RunWithRetry(ctx context.Context, st Store, contractID string, attempts int, fn func(tx Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	delay := retryBaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		err = st.RunMarketTx(ctx, contractID, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return ErrRetriable
}
