package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money scalars live in NUMERIC columns; nested aggregates (pools, fills,
// fee splits) travel as JSONB documents keyed by indexed scalar columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS markets (
			id          TEXT PRIMARY KEY,
			version     BIGINT NOT NULL DEFAULT 0,
			is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			doc         JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS bets (
			id          TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			seq         BIGSERIAL,
			doc         JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS bets_contract_idx ON bets (contract_id, seq);
		CREATE INDEX IF NOT EXISTS bets_user_idx ON bets (user_id, seq);
		CREATE TABLE IF NOT EXISTS liquidity (
			id          TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			doc         JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS liquidity_contract_idx ON liquidity (contract_id, created_at);
		CREATE TABLE IF NOT EXISTS txns (
			id          TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			seq         BIGSERIAL,
			doc         JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS txns_contract_idx ON txns (contract_id, seq);
		CREATE TABLE IF NOT EXISTS accounts (
			id             TEXT PRIMARY KEY,
			balance        NUMERIC NOT NULL DEFAULT 0,
			total_deposits NUMERIC NOT NULL DEFAULT 0
		);
	`)
	return err
}

// RunMarketTx runs fn inside a SERIALIZABLE transaction holding a row lock
// on the market. Serialization failures and deadlocks surface as
// ErrConflict for the retry layer.
func (s *PostgresStore) RunMarketTx(ctx context.Context, contractID string, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgErr(err)
	}
	defer pgtx.Rollback(ctx)

	var doc []byte
	err = pgtx.QueryRow(ctx,
		`SELECT doc FROM markets WHERE id = $1 FOR UPDATE`, contractID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return mapPgErr(err)
	}
	var m model.Contract
	if err := json.Unmarshal(doc, &m); err != nil {
		return fmt.Errorf("decode market %s: %w", contractID, err)
	}

	tx := &pgTx{ctx: ctx, pgtx: pgtx, market: &m, credits: make(map[string]decimal.Decimal)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.flush(); err != nil {
		return mapPgErr(err)
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapPgErr(err)
	}
	return nil
}

// mapPgErr translates serialization failures (40001) and deadlocks (40P01)
// into ErrConflict.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
	}
	return err
}

// pgTx is the Postgres unit of work: reads go to the transaction, writes
// stage in memory and flush just before commit so fn failures leave nothing
// behind.
type pgTx struct {
	ctx    context.Context
	pgtx   pgx.Tx
	market *model.Contract

	stagedMarket    *model.Contract
	stagedBets      []*model.Bet
	stagedLiquidity []*model.LiquidityProvision
	stagedTxns      []*model.Txn
	credits         map[string]decimal.Decimal
}

func (t *pgTx) Market() *model.Contract {
	if t.stagedMarket != nil {
		return t.stagedMarket
	}
	cp := *t.market
	return &cp
}

func (t *pgTx) Bet(id string) (*model.Bet, error) {
	for _, b := range t.stagedBets {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	var doc []byte
	err := t.pgtx.QueryRow(t.ctx, `SELECT doc FROM bets WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b model.Bet
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *pgTx) Bets() ([]*model.Bet, error) {
	rows, err := t.pgtx.Query(t.ctx,
		`SELECT doc FROM bets WHERE contract_id = $1 ORDER BY seq`, t.market.ID)
	if err != nil {
		return nil, err
	}
	bets, err := scanBets(rows)
	if err != nil {
		return nil, err
	}
	return overlayBets(bets, t.stagedBets), nil
}

func (t *pgTx) UserBets(userID string) ([]*model.Bet, error) {
	all, err := t.Bets()
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

func (t *pgTx) Liquidity() ([]*model.LiquidityProvision, error) {
	rows, err := t.pgtx.Query(t.ctx,
		`SELECT doc FROM liquidity WHERE contract_id = $1 ORDER BY created_at`, t.market.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.LiquidityProvision
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var lp model.LiquidityProvision
		if err := json.Unmarshal(doc, &lp); err != nil {
			return nil, err
		}
		out = append(out, &lp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, lp := range t.stagedLiquidity {
		cp := *lp
		out = append(out, &cp)
	}
	return out, nil
}

func (t *pgTx) Txns() ([]*model.Txn, error) {
	rows, err := t.pgtx.Query(t.ctx,
		`SELECT doc FROM txns WHERE contract_id = $1 ORDER BY seq`, t.market.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Txn
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var txn model.Txn
		if err := json.Unmarshal(doc, &txn); err != nil {
			return nil, err
		}
		out = append(out, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, txn := range t.stagedTxns {
		cp := *txn
		out = append(out, &cp)
	}
	return out, nil
}

func (t *pgTx) TxnByID(id string) (*model.Txn, bool) {
	for _, txn := range t.stagedTxns {
		if txn.ID == id {
			cp := *txn
			return &cp, true
		}
	}
	var doc []byte
	err := t.pgtx.QueryRow(t.ctx, `SELECT doc FROM txns WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		return nil, false
	}
	var txn model.Txn
	if err := json.Unmarshal(doc, &txn); err != nil {
		return nil, false
	}
	return &txn, true
}

func (t *pgTx) Balance(userID string) decimal.Decimal {
	var balanceS string
	err := t.pgtx.QueryRow(t.ctx,
		`SELECT balance::TEXT FROM accounts WHERE id = $1`, userID).Scan(&balanceS)
	balance := decimal.Zero
	if err == nil {
		balance, _ = decimal.NewFromString(balanceS)
	}
	return balance.Add(t.credits[userID])
}

func (t *pgTx) PutMarket(m *model.Contract) {
	cp := *m
	t.stagedMarket = &cp
}

func (t *pgTx) PutBet(b *model.Bet) {
	cp := *b
	for i, existing := range t.stagedBets {
		if existing.ID == b.ID {
			t.stagedBets[i] = &cp
			return
		}
	}
	t.stagedBets = append(t.stagedBets, &cp)
}

func (t *pgTx) PutLiquidity(lp *model.LiquidityProvision) {
	cp := *lp
	t.stagedLiquidity = append(t.stagedLiquidity, &cp)
}

func (t *pgTx) AppendTxn(txn *model.Txn) {
	cp := *txn
	t.stagedTxns = append(t.stagedTxns, &cp)
}

func (t *pgTx) Credit(userID string, delta decimal.Decimal) {
	t.credits[userID] = t.credits[userID].Add(delta)
}

// flush writes the staged mutations. The caller commits.
func (t *pgTx) flush() error {
	if t.stagedMarket != nil {
		t.stagedMarket.Version++
		doc, err := json.Marshal(t.stagedMarket)
		if err != nil {
			return err
		}
		if _, err := t.pgtx.Exec(t.ctx,
			`UPDATE markets SET doc = $2, version = $3, is_resolved = $4 WHERE id = $1`,
			t.stagedMarket.ID, doc, t.stagedMarket.Version, t.stagedMarket.IsResolved); err != nil {
			return err
		}
	}
	for _, b := range t.stagedBets {
		doc, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := t.pgtx.Exec(t.ctx,
			`INSERT INTO bets (id, contract_id, user_id, created_at, doc)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
			b.ID, b.ContractID, b.UserID, b.CreatedAt, doc); err != nil {
			return err
		}
	}
	for _, lp := range t.stagedLiquidity {
		doc, err := json.Marshal(lp)
		if err != nil {
			return err
		}
		if _, err := t.pgtx.Exec(t.ctx,
			`INSERT INTO liquidity (id, contract_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
			lp.ID, lp.ContractID, lp.CreatedAt, doc); err != nil {
			return err
		}
	}
	for _, txn := range t.stagedTxns {
		doc, err := json.Marshal(txn)
		if err != nil {
			return err
		}
		if _, err := t.pgtx.Exec(t.ctx,
			`INSERT INTO txns (id, contract_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
			txn.ID, txn.Data["contract"], txn.CreatedAt, doc); err != nil {
			return err
		}
	}
	for userID, delta := range t.credits {
		if delta.IsZero() {
			continue
		}
		if _, err := t.pgtx.Exec(t.ctx,
			`INSERT INTO accounts (id, balance) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + $2::NUMERIC`,
			userID, delta.String()); err != nil {
			return err
		}
	}
	return nil
}

// --- plain reads ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Contract) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, version, is_resolved, created_at, doc) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Version, m.IsResolved, m.CreatedAt, doc)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Contract, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM markets WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	var m model.Contract
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Contract
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m model.Contract
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM bets WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	var b model.Bet
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetContractBets(ctx context.Context, contractID string) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM bets WHERE contract_id = $1 ORDER BY seq`, contractID)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

func (s *PostgresStore) GetUserBets(ctx context.Context, userID string) ([]*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM bets WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var balanceS, depositsS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, total_deposits::TEXT FROM accounts WHERE id = $1`, userID).
		Scan(&balanceS, &depositsS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a := &model.Account{ID: userID}
	a.Balance, _ = decimal.NewFromString(balanceS)
	a.TotalDeposits, _ = decimal.NewFromString(depositsS)
	return a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, total_deposits)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, total_deposits = EXCLUDED.total_deposits`,
		a.ID, a.Balance.String(), a.TotalDeposits.String())
	return err
}

func (s *PostgresStore) GetLiquidity(ctx context.Context, contractID string) ([]*model.LiquidityProvision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM liquidity WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.LiquidityProvision
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var lp model.LiquidityProvision
		if err := json.Unmarshal(doc, &lp); err != nil {
			return nil, err
		}
		out = append(out, &lp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetContractTxns(ctx context.Context, contractID string) ([]*model.Txn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM txns WHERE contract_id = $1 ORDER BY seq`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Txn
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var txn model.Txn
		if err := json.Unmarshal(doc, &txn); err != nil {
			return nil, err
		}
		out = append(out, &txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT b.user_id
		 FROM bets b JOIN markets m ON m.id = b.contract_id
		 WHERE NOT m.is_resolved
		 ORDER BY b.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanBets(rows pgx.Rows) ([]*model.Bet, error) {
	defer rows.Close()
	var out []*model.Bet
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var b model.Bet
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// overlayBets merges staged bets over the committed set, preserving order
// for bets already present and appending new ones.
func overlayBets(committed, staged []*model.Bet) []*model.Bet {
	if len(staged) == 0 {
		return committed
	}
	byID := make(map[string]int, len(committed))
	for i, b := range committed {
		byID[b.ID] = i
	}
	for _, sb := range staged {
		cp := *sb
		if i, ok := byID[sb.ID]; ok {
			committed[i] = &cp
		} else {
			committed = append(committed, &cp)
		}
	}
	return committed
}
