package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/slug"
	"github.com/predex/market-engine/internal/store"
)

// defaultAnteBase is the full subsidy for a maximally uncertain market when
// the creator does not choose an ante.
var defaultAnteBase = decimal.NewFromInt(100)

// CancelBet cancels a resting limit order. Fills already made stand; the
// order simply accepts no further fills.
func (s *Service) CancelBet(ctx context.Context, betID, userID string) (*model.Bet, error) {
	if betID == "" || userID == "" {
		return nil, fmt.Errorf("%w: bet id and user_id are required", ErrInvalidRequest)
	}

	ref, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}

	var cancelled *model.Bet
	err = store.RunWithRetry(ctx, s.store, ref.ContractID, s.retries, func(tx store.Tx) error {
		b, err := tx.Bet(betID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return ErrNotOwner
		}
		if !b.IsLimitOrder() {
			return ErrNotLimitOrder
		}
		if b.IsCancelled {
			return ErrAlreadyCancelled
		}
		b.IsCancelled = true
		tx.PutBet(b)
		cancelled = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// AddLiquidityRequest injects mana into a market's pool.
type AddLiquidityRequest struct {
	UserID     string          `json:"user_id"`
	ContractID string          `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// AddLiquidity deepens the pool without moving the price; the weight p is
// re-derived from the new pool ratio.
func (s *Service) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*model.LiquidityProvision, error) {
	if req.UserID == "" || req.ContractID == "" {
		return nil, fmt.Errorf("%w: user_id and contract_id are required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	var provision *model.LiquidityProvision
	err := store.RunWithRetry(ctx, s.store, req.ContractID, s.retries, func(tx store.Tx) error {
		m := tx.Market()
		now := s.now()

		if m.IsResolved {
			return ErrMarketResolved
		}
		if !m.UsesCPMM() {
			return fmt.Errorf("%w: %s markets have no pool", ErrInvalidOutcome, m.OutcomeKind)
		}
		if tx.Balance(req.UserID).LessThan(req.Amount) {
			return ErrInsufficientBalance
		}

		newPool, newP, err := cpmm.AddLiquidity(m.Pool, m.P, req.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPoolLiquidity, err)
		}

		lp := &model.LiquidityProvision{
			ID:         uuid.New().String(),
			ContractID: m.ID,
			UserID:     req.UserID,
			Amount:     req.Amount,
			Pool:       newPool,
			P:          newP,
			CreatedAt:  now,
		}

		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       txnID("liquidity", lp.ID, 0),
			FromID:   req.UserID, FromKind: model.AccountUser,
			ToID: m.ID, ToKind: model.AccountContract,
			Amount:   req.Amount,
			Category: model.TxnLiquidityDeposit,
			Data:     map[string]string{"contract": m.ID},
		}); err != nil {
			return mapLedgerErr(err)
		}

		m.Pool = newPool
		m.P = newP
		m.TotalLiquidity = m.TotalLiquidity.Add(req.Amount)
		tx.PutMarket(m)
		tx.PutLiquidity(lp)

		provision = lp
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, req.ContractID, []postCommitEvent{{kind: notifyLiquidity, userID: req.UserID}})
	return provision, nil
}

// CreateMarketRequest creates a new market seeded with ante liquidity.
type CreateMarketRequest struct {
	CreatorID   string            `json:"creator_id"`
	Question    string            `json:"question"`
	GroupSlug   string            `json:"group_slug,omitempty"`
	OutcomeKind model.OutcomeKind `json:"outcome_kind"`
	InitialProb decimal.Decimal   `json:"initial_prob"` // fractional, CPMM kinds only
	Ante        decimal.Decimal   `json:"ante"`         // zero derives a default subsidy
	CloseTime   time.Time         `json:"close_time"`

	// Pseudo-numeric range.
	Min        decimal.Decimal `json:"min,omitempty"`
	Max        decimal.Decimal `json:"max,omitempty"`
	IsLogScale bool            `json:"is_log_scale,omitempty"`

	Answers []model.Answer `json:"answers,omitempty"`
}

// CreateMarket creates a market. CPMM kinds are seeded from the creator's
// ante: equal share reserves on both sides with the weight set to the
// initial probability.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Contract, error) {
	if req.CreatorID == "" || req.Question == "" {
		return nil, fmt.Errorf("%w: creator_id and question are required", ErrInvalidRequest)
	}
	if req.CloseTime.IsZero() {
		return nil, fmt.Errorf("%w: close_time is required", ErrInvalidRequest)
	}
	if req.GroupSlug != "" {
		if err := slug.Validate(req.GroupSlug); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	now := s.now()
	m := &model.Contract{
		ID:          uuid.New().String(),
		CreatorID:   req.CreatorID,
		Question:    req.Question,
		Slug:        slug.FromQuestion(req.Question),
		GroupSlug:   req.GroupSlug,
		OutcomeKind: req.OutcomeKind,
		CloseTime:   req.CloseTime,
		Min:         req.Min,
		Max:         req.Max,
		IsLogScale:  req.IsLogScale,
		Answers:     req.Answers,
		CreatedAt:   now,
	}

	switch req.OutcomeKind {
	case model.KindBinary, model.KindPseudoNumeric:
		if req.Ante.IsZero() {
			req.Ante = cpmm.DeriveAnte(req.InitialProb, defaultAnteBase)
		}
		if !req.Ante.IsPositive() {
			return nil, fmt.Errorf("%w: ante must be positive", ErrInvalidRequest)
		}
		pool, p, err := cpmm.NewPool(req.Ante, req.InitialProb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		m.Pool = pool
		m.P = p
		m.TotalLiquidity = req.Ante
	case model.KindFreeResponse, model.KindMultipleChoice, model.KindNumeric:
		if len(req.Answers) == 0 && req.OutcomeKind != model.KindFreeResponse {
			return nil, fmt.Errorf("%w: answers are required", ErrInvalidRequest)
		}
	default:
		return nil, fmt.Errorf("%w: unknown outcome kind %q", ErrInvalidRequest, req.OutcomeKind)
	}

	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	// Record the ante as seed liquidity from the creator.
	if m.UsesCPMM() {
		err := store.RunWithRetry(ctx, s.store, m.ID, s.retries, func(tx store.Tx) error {
			if tx.Balance(req.CreatorID).LessThan(req.Ante) {
				return ErrInsufficientBalance
			}
			if _, err := ledger.Record(tx, now, ledger.TxnData{
				ID:       txnID("ante", m.ID, 0),
				FromID:   req.CreatorID, FromKind: model.AccountUser,
				ToID: m.ID, ToKind: model.AccountContract,
				Amount:   req.Ante,
				Category: model.TxnContractAnte,
				Data:     map[string]string{"contract": m.ID},
			}); err != nil {
				return mapLedgerErr(err)
			}
			tx.PutLiquidity(&model.LiquidityProvision{
				ID:         txnID("ante", m.ID, 0),
				ContractID: m.ID,
				UserID:     req.CreatorID,
				Amount:     req.Ante,
				Pool:       m.Pool,
				P:          m.P,
				IsAnte:     true,
				CreatedAt:  now,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	s.afterCommit(ctx, m.ID, []postCommitEvent{{kind: notifyMarketCreated, userID: req.CreatorID}})
	return m, nil
}
