// Package trade implements bet execution for the exchange: placing market
// and limit orders, matching against the book and the AMM pool, selling
// positions, liquidity provision, and market creation, plus the HTTP
// handlers for those operations.
//
// The transactional core of each operation is deliberately minimal: pool
// math, fills, and ledger entries. Bonuses, notifications, and broadcasts
// run as post-commit reactions that can never roll a committed trade back.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/exposure"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/metrics"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/notify"
	"github.com/predex/market-engine/internal/portfolio"
	"github.com/predex/market-engine/internal/store"
)

// Service handles market operations. Concurrency control lives in the
// store's per-market transactions; the service retries conflicts with
// backoff and runs side effects after commit.
type Service struct {
	store       store.Store
	eligibility portfolio.Engine
	dispatcher  *notify.Dispatcher
	wsHub       *WSHub            // optional, nil disables broadcasts
	limits      *exposure.Limiter // optional, nil disables position limits
	retries     int

	// now is the clock; swapped in tests to control close times.
	now func() time.Time
}

// NewService creates a trade service. hub and limits may be nil.
func NewService(st store.Store, eligibility portfolio.Engine, dispatcher *notify.Dispatcher, hub *WSHub, limits *exposure.Limiter) *Service {
	return &Service{
		store:       st,
		eligibility: eligibility,
		dispatcher:  dispatcher,
		wsHub:       hub,
		limits:      limits,
		retries:     store.DefaultRetryAttempts,
		now:         time.Now,
	}
}

// WithRetries overrides the conflict retry budget, typically from
// configuration. Zero or negative keeps the default.
func (s *Service) WithRetries(attempts int) *Service {
	if attempts > 0 {
		s.retries = attempts
	}
	return s
}

// checkExposure applies the position limiter against the user's current
// holdings. The check is advisory (it reads outside the trade's
// transaction): concurrent bets may briefly overshoot the cap, which the
// next bet then hits.
func (s *Service) checkExposure(ctx context.Context, req PlaceBetRequest) error {
	if s.limits == nil {
		return nil
	}

	target, err := s.store.GetMarket(ctx, req.ContractID)
	if err != nil {
		return err
	}
	bets, err := s.store.GetUserBets(ctx, req.UserID)
	if err != nil {
		return err
	}

	invested := make(map[string]decimal.Decimal)
	for _, b := range bets {
		invested[b.ContractID] = invested[b.ContractID].Add(b.Amount)
	}
	positions := make([]exposure.Position, 0, len(invested))
	for contractID, amount := range invested {
		groupSlug := ""
		if contractID == target.ID {
			groupSlug = target.GroupSlug
		} else if target.GroupSlug != "" {
			m, err := s.store.GetMarket(ctx, contractID)
			if err != nil {
				continue // resolved-and-pruned markets don't count
			}
			groupSlug = m.GroupSlug
		}
		positions = append(positions, exposure.Position{
			ContractID: contractID,
			GroupSlug:  groupSlug,
			Invested:   amount,
		})
	}

	return s.limits.Check(exposure.Position{
		ContractID: target.ID,
		GroupSlug:  target.GroupSlug,
	}, req.Amount, positions)
}

// --- Post-commit reactions ---

type postCommitKind int

const (
	notifyBetPlaced postCommitKind = iota
	notifyOrderFilled
	notifyOrderCrossed
	notifyLiquidity
	notifyMarketCreated
	bonusCandidate
)

type postCommitEvent struct {
	kind      postCommitKind
	userID    string
	betID     string
	creatorID string
}

// afterCommit runs the reaction pipeline for a committed operation:
// metrics, WebSocket broadcast, notifications, and bonus payment. None of
// these can fail the already-committed trade.
func (s *Service) afterCommit(ctx context.Context, contractID string, events []postCommitEvent) {
	if len(events) == 0 {
		return
	}

	m, err := s.store.GetMarket(ctx, contractID)
	if err != nil {
		slog.Warn("post-commit market read failed", "contract", contractID, "err", err)
		m = nil
	}

	var out []notify.Event
	for _, ev := range events {
		switch ev.kind {
		case notifyBetPlaced:
			metrics.BetsPlaced.WithLabelValues(string(model.TxnBetFill)).Inc()
			out = append(out, notify.Event{Type: notify.EventBetFill, ContractID: contractID, UserID: ev.userID})
		case notifyOrderFilled:
			metrics.OrderFills.WithLabelValues("matched").Inc()
			out = append(out, notify.Event{Type: notify.EventOrderFilled, ContractID: contractID, UserID: ev.userID})
		case notifyOrderCrossed:
			metrics.OrderFills.WithLabelValues("crossed").Inc()
			out = append(out, notify.Event{Type: notify.EventOrderCrossed, ContractID: contractID, UserID: ev.userID})
		case notifyLiquidity:
			out = append(out, notify.Event{Type: notify.EventLiquidityAdd, ContractID: contractID, UserID: ev.userID})
		case notifyMarketCreated:
			out = append(out, notify.Event{Type: notify.EventMarketCreated, ContractID: contractID, UserID: ev.userID})
		case bonusCandidate:
			s.payUniqueBettorBonus(ctx, contractID, ev.creatorID, ev.userID)
		}
	}

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(out...)
	}
	if s.wsHub != nil && m != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "market_update",
			ContractID:  m.ID,
			Probability: probString(m),
			Volume:      m.Volume.String(),
		})
	}
}

// payUniqueBettorBonus pays the market creator for a first-time bettor,
// in its own transaction after the bet has committed. The txn id is
// deterministic per (contract, bettor) so retries never double-pay.
func (s *Service) payUniqueBettorBonus(ctx context.Context, contractID, creatorID, bettorID string) {
	decision, err := s.eligibility.UniqueBettorBonus(ctx, contractID, creatorID, bettorID)
	if err != nil || !decision.Eligible || !decision.Amount.IsPositive() {
		return
	}

	err = store.RunWithRetry(ctx, s.store, contractID, s.retries, func(tx store.Tx) error {
		_, err := ledger.Record(tx, s.now(), ledger.TxnData{
			ID:       "ubb-" + contractID + "-" + bettorID,
			FromID:   "bank", FromKind: model.AccountBank,
			ToID: creatorID, ToKind: model.AccountUser,
			Amount:   decision.Amount,
			Category: model.TxnUniqueBettorBonus,
			Data:     map[string]string{"contract": contractID, "bettor": bettorID},
		})
		return err
	})
	if err != nil {
		slog.Warn("unique bettor bonus failed", "contract", contractID, "bettor", bettorID, "err", err)
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Event{Type: notify.EventBonusPaid, ContractID: contractID, UserID: creatorID})
	}
}

func probString(m *model.Contract) string {
	if !m.UsesCPMM() {
		return ""
	}
	// Pool probability formula inlined to avoid importing cpmm here just
	// for a broadcast string.
	denom := m.P.Mul(m.Pool.No).Add(decimal.NewFromInt(1).Sub(m.P).Mul(m.Pool.Yes))
	if denom.IsZero() {
		return ""
	}
	return m.P.Mul(m.Pool.No).Div(denom).Round(4).String()
}

// --- HTTP handlers ---

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("market created", "id", m.ID, "kind", m.OutcomeKind, "creator", m.CreatorID)
	writeJSON(w, http.StatusCreated, m)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleListMarkets handles GET /api/v1/markets
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Contract{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleGetMarketBets handles GET /api/v1/markets/{marketID}/bets
func (s *Service) HandleGetMarketBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.GetContractBets(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bets == nil {
		bets = []*model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// HandlePlaceBet handles POST /api/v1/bets
func (s *Service) HandlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	bet, err := s.PlaceBet(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.TradeLatency.WithLabelValues("bet").Observe(time.Since(start).Seconds())

	slog.Info("bet placed",
		"bet", bet.ID,
		"contract", bet.ContractID,
		"user", bet.UserID,
		"outcome", bet.Outcome,
		"amount", bet.Amount.String(),
		"shares", bet.Shares.String(),
		"limit", bet.IsLimitOrder(),
		"filled", bet.IsFilled,
	)
	writeJSON(w, http.StatusCreated, bet)
}

// HandleCancelBet handles DELETE /api/v1/bets/{betID}
func (s *Service) HandleCancelBet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	bet, err := s.CancelBet(r.Context(), chi.URLParam(r, "betID"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("order cancelled", "bet", bet.ID, "user", userID)
	writeJSON(w, http.StatusOK, bet)
}

// HandleSellShares handles POST /api/v1/sell
func (s *Service) HandleSellShares(w http.ResponseWriter, r *http.Request) {
	var req SellSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	bet, err := s.SellShares(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())

	slog.Info("shares sold",
		"bet", bet.ID,
		"contract", bet.ContractID,
		"user", bet.UserID,
		"outcome", bet.Outcome,
		"proceeds", bet.Amount.Neg().String(),
	)
	writeJSON(w, http.StatusCreated, bet)
}

// HandleAddLiquidity handles POST /api/v1/liquidity
func (s *Service) HandleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	lp, err := s.AddLiquidity(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("liquidity added", "contract", lp.ContractID, "user", lp.UserID, "amount", lp.Amount.String())
	writeJSON(w, http.StatusCreated, lp)
}

// HandleGetPositions handles GET /api/v1/positions/{userID}
func (s *Service) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bets, err := s.store.GetUserBets(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	byContract := make(map[string][]*model.Bet)
	for _, b := range bets {
		byContract[b.ContractID] = append(byContract[b.ContractID], b)
	}
	positions := []model.Position{}
	for contractID, cb := range byContract {
		positions = append(positions, PositionFromBets(userID, contractID, cb))
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleGetBalance handles GET /api/v1/balance/{userID}
func (s *Service) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy to HTTP statuses: validation →
// 400, business rules → 409, ownership → 403, missing → 404, exhausted
// conflict retries → 503 (retriable).
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotOwner):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrRetriable):
		metrics.ConflictRetries.Inc()
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrMarketClosed),
		errors.Is(err, ErrMarketResolved),
		errors.Is(err, ErrPoolLiquidity),
		errors.Is(err, ErrNoPosition),
		errors.Is(err, ErrAmbiguousOutcome),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrNotLimitOrder),
		errors.Is(err, ErrAlreadyCancelled),
		errors.Is(err, exposure.ErrMarketLimitExceeded),
		errors.Is(err, exposure.ErrGroupLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
