package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets, accounts, and user bet histories.
// Mutations go to the primary store and invalidate the affected keys; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunMarketTx runs on the primary and invalidates the market's keys after a
// successful commit. Balances touched inside the transaction are unknown
// here, so account keys expire by TTL instead.
func (s *CachedStore) RunMarketTx(ctx context.Context, contractID string, fn func(tx Tx) error) error {
	if err := s.primary.RunMarketTx(ctx, contractID, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(contractID), contractBetsKey(contractID))
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Contract) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.UpsertAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Contract, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Contract
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) GetContractBets(ctx context.Context, contractID string) ([]*model.Bet, error) {
	data, err := s.rdb.Get(ctx, contractBetsKey(contractID)).Bytes()
	if err == nil {
		var bets []*model.Bet
		if json.Unmarshal(data, &bets) == nil {
			return bets, nil
		}
	}

	bets, err := s.primary.GetContractBets(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bets); err == nil {
		s.rdb.Set(ctx, contractBetsKey(contractID), data, s.ttl)
	}
	return bets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Contract, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetUserBets(ctx context.Context, userID string) ([]*model.Bet, error) {
	return s.primary.GetUserBets(ctx, userID)
}

func (s *CachedStore) GetLiquidity(ctx context.Context, contractID string) ([]*model.LiquidityProvision, error) {
	return s.primary.GetLiquidity(ctx, contractID)
}

func (s *CachedStore) GetContractTxns(ctx context.Context, contractID string) ([]*model.Txn, error) {
	return s.primary.GetContractTxns(ctx, contractID)
}

func (s *CachedStore) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListActiveUserIDs(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Contract) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string       { return fmt.Sprintf("market:%s", id) }
func accountKey(id string) string      { return fmt.Sprintf("account:%s", id) }
func contractBetsKey(id string) string { return fmt.Sprintf("bets:%s", id) }
