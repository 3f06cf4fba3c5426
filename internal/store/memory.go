package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

// memLockWait bounds how long a transaction waits for a market's lock
// before giving up with ErrConflict.
const memLockWait = 2 * time.Second

// MemoryStore implements Store with in-memory maps and a per-market mutex.
// Used for testing and development. Not suitable for production (no
// persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Contract
	bets      map[string]*model.Bet
	betOrder  map[string][]string // contractID → bet ids, insertion order
	liquidity map[string][]*model.LiquidityProvision
	txns      map[string]*model.Txn
	txnOrder  map[string][]string // contractID → txn ids, insertion order
	accounts  map[string]*model.Account

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // per-market transaction locks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Contract),
		bets:      make(map[string]*model.Bet),
		betOrder:  make(map[string][]string),
		liquidity: make(map[string][]*model.LiquidityProvision),
		txns:      make(map[string]*model.Txn),
		txnOrder:  make(map[string][]string),
		accounts:  make(map[string]*model.Account),
	}
}

func (s *MemoryStore) marketLock(contractID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[contractID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[contractID] = l
	}
	return l
}

// acquire takes the market lock with a bounded wait. ErrConflict on timeout
// so the caller's retry/backoff policy applies instead of blocking forever.
func (s *MemoryStore) acquire(ctx context.Context, l *sync.Mutex) error {
	deadline := time.Now().Add(memLockWait)
	for {
		if l.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// RunMarketTx executes fn holding the market's lock. Writes are staged in
// the Tx and applied atomically after fn succeeds.
func (s *MemoryStore) RunMarketTx(ctx context.Context, contractID string, fn func(tx Tx) error) error {
	lock := s.marketLock(contractID)
	if err := s.acquire(ctx, lock); err != nil {
		return err
	}
	defer lock.Unlock()

	s.mu.RLock()
	m, ok := s.markets[contractID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	tx := &memTx{
		s:       s,
		market:  copyMarket(m),
		version: m.Version,
		stagedBets: make(map[string]*model.Bet),
		credits:    make(map[string]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memTx is the in-memory unit of work: snapshot reads, buffered writes.
type memTx struct {
	s       *MemoryStore
	market  *model.Contract
	version int64

	putMarketV    *model.Contract
	stagedBets    map[string]*model.Bet
	stagedBetIDs  []string // new bet ids in staging order
	stagedLiq     []*model.LiquidityProvision
	stagedTxns    []*model.Txn
	credits       map[string]decimal.Decimal
}

func (tx *memTx) Market() *model.Contract {
	if tx.putMarketV != nil {
		return copyMarket(tx.putMarketV)
	}
	return copyMarket(tx.market)
}

func (tx *memTx) Bet(id string) (*model.Bet, error) {
	if b, ok := tx.stagedBets[id]; ok {
		return copyBet(b), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	b, ok := tx.s.bets[id]
	if !ok || b.ContractID != tx.market.ID {
		return nil, ErrNotFound
	}
	return copyBet(b), nil
}

func (tx *memTx) Bets() ([]*model.Bet, error) {
	tx.s.mu.RLock()
	var out []*model.Bet
	seen := make(map[string]bool)
	for _, id := range tx.s.betOrder[tx.market.ID] {
		if b, ok := tx.stagedBets[id]; ok {
			out = append(out, copyBet(b))
		} else {
			out = append(out, copyBet(tx.s.bets[id]))
		}
		seen[id] = true
	}
	tx.s.mu.RUnlock()

	for _, id := range tx.stagedBetIDs {
		if !seen[id] {
			out = append(out, copyBet(tx.stagedBets[id]))
		}
	}
	return out, nil
}

func (tx *memTx) UserBets(userID string) ([]*model.Bet, error) {
	all, err := tx.Bets()
	if err != nil {
		return nil, err
	}
	var out []*model.Bet
	for _, b := range all {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (tx *memTx) Liquidity() ([]*model.LiquidityProvision, error) {
	tx.s.mu.RLock()
	var out []*model.LiquidityProvision
	for _, lp := range tx.s.liquidity[tx.market.ID] {
		cp := *lp
		out = append(out, &cp)
	}
	tx.s.mu.RUnlock()
	for _, lp := range tx.stagedLiq {
		cp := *lp
		out = append(out, &cp)
	}
	return out, nil
}

func (tx *memTx) Txns() ([]*model.Txn, error) {
	tx.s.mu.RLock()
	var out []*model.Txn
	for _, id := range tx.s.txnOrder[tx.market.ID] {
		cp := *tx.s.txns[id]
		out = append(out, &cp)
	}
	tx.s.mu.RUnlock()
	for _, t := range tx.stagedTxns {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (tx *memTx) TxnByID(id string) (*model.Txn, bool) {
	for _, t := range tx.stagedTxns {
		if t.ID == id {
			cp := *t
			return &cp, true
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if t, ok := tx.s.txns[id]; ok {
		cp := *t
		return &cp, true
	}
	return nil, false
}

func (tx *memTx) Balance(userID string) decimal.Decimal {
	tx.s.mu.RLock()
	bal := decimal.Zero
	if a, ok := tx.s.accounts[userID]; ok {
		bal = a.Balance
	}
	tx.s.mu.RUnlock()
	return bal.Add(tx.credits[userID])
}

func (tx *memTx) PutMarket(m *model.Contract) { tx.putMarketV = copyMarket(m) }

func (tx *memTx) PutBet(b *model.Bet) {
	if _, staged := tx.stagedBets[b.ID]; !staged {
		tx.s.mu.RLock()
		_, existing := tx.s.bets[b.ID]
		tx.s.mu.RUnlock()
		if !existing {
			tx.stagedBetIDs = append(tx.stagedBetIDs, b.ID)
		}
	}
	tx.stagedBets[b.ID] = copyBet(b)
}

func (tx *memTx) PutLiquidity(lp *model.LiquidityProvision) {
	cp := *lp
	tx.stagedLiq = append(tx.stagedLiq, &cp)
}

func (tx *memTx) AppendTxn(t *model.Txn) {
	cp := *t
	tx.stagedTxns = append(tx.stagedTxns, &cp)
}

func (tx *memTx) Credit(userID string, delta decimal.Decimal) {
	tx.credits[userID] = tx.credits[userID].Add(delta)
}

// commit applies all staged writes under the store's write lock. The market
// lock held by RunMarketTx guarantees the snapshot is still current.
func (tx *memTx) commit() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if m := tx.putMarketV; m != nil {
		m.Version = tx.version + 1
		tx.s.markets[m.ID] = m
	}
	for id, b := range tx.stagedBets {
		if _, ok := tx.s.bets[id]; !ok {
			tx.s.betOrder[b.ContractID] = append(tx.s.betOrder[b.ContractID], id)
		}
		tx.s.bets[id] = b
	}
	for _, lp := range tx.stagedLiq {
		tx.s.liquidity[lp.ContractID] = append(tx.s.liquidity[lp.ContractID], lp)
	}
	for _, t := range tx.stagedTxns {
		if _, ok := tx.s.txns[t.ID]; ok {
			continue // idempotent append
		}
		tx.s.txns[t.ID] = t
		tx.s.txnOrder[tx.market.ID] = append(tx.s.txnOrder[tx.market.ID], t.ID)
	}
	for userID, delta := range tx.credits {
		a, ok := tx.s.accounts[userID]
		if !ok {
			a = &model.Account{ID: userID}
			tx.s.accounts[userID] = a
		}
		a.Balance = a.Balance.Add(delta)
	}
	return nil
}

// --- Plain (non-transactional) reads and admin writes ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Contract, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBet(b), nil
}

func (s *MemoryStore) GetContractBets(_ context.Context, contractID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Bet
	for _, id := range s.betOrder[contractID] {
		out = append(out, copyBet(s.bets[id]))
	}
	return out, nil
}

func (s *MemoryStore) GetUserBets(_ context.Context, userID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Bet
	for _, ids := range s.betOrder {
		for _, id := range ids {
			if b := s.bets[id]; b.UserID == userID {
				out = append(out, copyBet(b))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLiquidity(_ context.Context, contractID string) ([]*model.LiquidityProvision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.LiquidityProvision
	for _, lp := range s.liquidity[contractID] {
		cp := *lp
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetContractTxns(_ context.Context, contractID string) ([]*model.Txn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Txn
	for _, id := range s.txnOrder[contractID] {
		cp := *s.txns[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListActiveUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for contractID, ids := range s.betOrder {
		m, ok := s.markets[contractID]
		if !ok || m.IsResolved {
			continue
		}
		for _, id := range ids {
			seen[s.bets[id].UserID] = true
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// --- Copy helpers: snapshots must not alias store-owned memory ---

func copyMarket(m *model.Contract) *model.Contract {
	cp := *m
	if m.Resolutions != nil {
		cp.Resolutions = make(map[string]decimal.Decimal, len(m.Resolutions))
		for k, v := range m.Resolutions {
			cp.Resolutions[k] = v
		}
	}
	if m.Answers != nil {
		cp.Answers = append([]model.Answer(nil), m.Answers...)
	}
	if m.ResolutionTime != nil {
		t := *m.ResolutionTime
		cp.ResolutionTime = &t
	}
	if m.ResolutionProbability != nil {
		v := *m.ResolutionProbability
		cp.ResolutionProbability = &v
	}
	if m.ResolutionValue != nil {
		v := *m.ResolutionValue
		cp.ResolutionValue = &v
	}
	return &cp
}

func copyBet(b *model.Bet) *model.Bet {
	cp := *b
	if b.Fills != nil {
		cp.Fills = append([]model.Fill(nil), b.Fills...)
	}
	if b.LimitProb != nil {
		v := *b.LimitProb
		cp.LimitProb = &v
	}
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
