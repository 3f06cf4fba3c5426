package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/book"
	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/store"
)

// minTradable is the granularity floor: remainders below it are treated as
// fully consumed rather than left as dust orders.
var minTradable = decimal.NewFromFloat(0.000001)

// PlaceBetRequest is a buy: `Amount` of mana on `Outcome`. With LimitProb
// set, the bet only executes at that probability or better and rests
// otherwise; ExpiresAt optionally bounds how long it rests.
type PlaceBetRequest struct {
	UserID     string           `json:"user_id"`
	ContractID string           `json:"contract_id"`
	Outcome    string           `json:"outcome"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitProb  *decimal.Decimal `json:"limit_prob,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

func (r *PlaceBetRequest) validate() error {
	if r.UserID == "" || r.ContractID == "" {
		return fmt.Errorf("%w: user_id and contract_id are required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.LimitProb != nil {
		one := decimal.NewFromInt(1)
		if !r.LimitProb.IsPositive() || r.LimitProb.GreaterThanOrEqual(one) {
			return fmt.Errorf("%w: limit_prob must be in (0,1)", ErrInvalidRequest)
		}
	}
	return nil
}

// PlaceBet executes a trade: resting limit orders on the opposite outcome
// are matched first in price/time priority, then any remainder fills
// against the AMM pool (market orders) or rests (limit orders). The bet,
// every counterparty fill, the pool update, and all balance movements
// commit atomically; on any error nothing is applied.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.checkExposure(ctx, req); err != nil {
		return nil, err
	}

	var (
		placed *model.Bet
		events []postCommitEvent
	)
	err := store.RunWithRetry(ctx, s.store, req.ContractID, s.retries, func(tx store.Tx) error {
		events = events[:0]
		bet, evs, err := s.executeBet(tx, req)
		if err != nil {
			return err
		}
		placed, events = bet, evs
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, req.ContractID, events)
	return placed, nil
}

// executeBet is the transactional core of bet placement.
func (s *Service) executeBet(tx store.Tx, req PlaceBetRequest) (*model.Bet, []postCommitEvent, error) {
	m := tx.Market()
	now := s.now()

	if m.IsResolved {
		return nil, nil, ErrMarketResolved
	}
	if !m.UsesCPMM() {
		return nil, nil, fmt.Errorf("%w: %s markets do not trade against a pool", ErrInvalidOutcome, m.OutcomeKind)
	}
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		return nil, nil, ErrInvalidOutcome
	}

	// A closed market accepts no new pool trades; limit orders may still
	// be placed and rest.
	closed := now.After(m.CloseTime)
	if closed && req.LimitProb == nil {
		return nil, nil, ErrMarketClosed
	}

	// Reject before any mutation.
	if tx.Balance(req.UserID).LessThan(req.Amount) {
		return nil, nil, ErrInsufficientBalance
	}

	bets, err := tx.Bets()
	if err != nil {
		return nil, nil, err
	}
	bk := book.New(bets, now)

	pool, p := m.Pool, m.P
	probBefore := cpmm.Probability(pool, p)

	bet := &model.Bet{
		ID:         uuid.New().String(),
		ContractID: m.ID,
		UserID:     req.UserID,
		Outcome:    req.Outcome,
		ProbBefore: probBefore,
		LimitProb:  req.LimitProb,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
	}
	if req.LimitProb != nil {
		bet.OrderAmount = req.Amount
	}

	var (
		events    []postCommitEvent
		totalFees model.Fees
		remaining = req.Amount
	)

	// Step 1: match resting opposite orders at the maker's limit, best
	// price first.
	for _, maker := range bk.MakersFor(req.Outcome) {
		if !remaining.GreaterThan(minTradable) {
			break
		}
		q := *maker.LimitProb
		if !book.WithinLimit(req.Outcome, req.LimitProb, q) {
			break // book is sorted; no later maker can be acceptable
		}

		takerPrice := book.SharePrice(req.Outcome, q)
		makerPrice := book.SharePrice(maker.Outcome, q)

		shares := decimal.Min(
			remaining.Div(takerPrice),
			maker.RemainingAmount().Div(makerPrice),
		).Round(cpmm.Scale)
		if !shares.GreaterThan(minTradable) {
			continue
		}
		takerAmt := shares.Mul(takerPrice).Round(cpmm.Scale)
		makerAmt := shares.Mul(makerPrice).Round(cpmm.Scale)

		// A maker whose balance no longer covers its order is cancelled
		// rather than matched; it must not block the book.
		if tx.Balance(maker.UserID).LessThan(makerAmt) {
			maker.IsCancelled = true
			tx.PutBet(maker)
			continue
		}

		if err := recordFillTxns(tx, now, m.ID, bet.ID, maker, takerAmt, makerAmt, req.UserID); err != nil {
			return nil, nil, err
		}

		bet.Fills = append(bet.Fills, model.Fill{
			MatchedBetID: maker.ID, Amount: takerAmt, Shares: shares, Timestamp: now,
		})
		bet.Amount = bet.Amount.Add(takerAmt)
		bet.Shares = bet.Shares.Add(shares)
		remaining = remaining.Sub(takerAmt)

		maker.Fills = append(maker.Fills, model.Fill{
			MatchedBetID: bet.ID, Amount: makerAmt, Shares: shares, Timestamp: now,
		})
		maker.Amount = maker.Amount.Add(makerAmt)
		maker.Shares = maker.Shares.Add(shares)
		if !maker.RemainingAmount().GreaterThan(minTradable) {
			maker.IsFilled = true
		}
		tx.PutBet(maker)

		events = append(events, postCommitEvent{kind: notifyOrderFilled, userID: maker.UserID, betID: maker.ID})
	}

	// Step 2: remainder against the pool.
	if remaining.GreaterThan(minTradable) && !closed {
		poolAmt := remaining
		if req.LimitProb != nil {
			toLimit, err := cpmm.AmountToProb(pool, p, req.Outcome, *req.LimitProb)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrPoolLiquidity, err)
			}
			poolAmt = decimal.Min(remaining, toLimit)
		}

		if poolAmt.GreaterThan(cpmm.FlatTradeFee) {
			res, err := cpmm.Buy(pool, p, req.Outcome, poolAmt)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrPoolLiquidity, err)
			}
			if _, err := ledger.Record(tx, now, ledger.TxnData{
				ID:       txnID("fill", bet.ID, len(bet.Fills)),
				FromID:   req.UserID, FromKind: model.AccountUser,
				ToID: m.ID, ToKind: model.AccountContract,
				Amount:   poolAmt,
				Category: model.TxnBetFill,
				Data:     map[string]string{"contract": m.ID, "bet": bet.ID},
			}); err != nil {
				return nil, nil, mapLedgerErr(err)
			}

			pool = res.Pool
			totalFees = totalFees.Add(res.Fees)
			bet.Fills = append(bet.Fills, model.Fill{Amount: poolAmt, Shares: res.Shares, Timestamp: now})
			bet.Amount = bet.Amount.Add(poolAmt)
			bet.Shares = bet.Shares.Add(res.Shares)
			remaining = remaining.Sub(poolAmt)
		}
	}

	// Step 3: settle the bet's final state. A market order must be fully
	// consumed by now; a limit-order remainder rests.
	if req.LimitProb == nil {
		if remaining.GreaterThan(minTradable) {
			return nil, nil, ErrPoolLiquidity
		}
		bet.IsFilled = true
	} else {
		bet.IsFilled = !remaining.GreaterThan(minTradable)
	}

	// Step 4: the pool may now have moved through other resting orders;
	// none may be left valid-but-unfilled.
	crossedEvents, err := s.sweepCrossed(tx, now, m.ID, bets, bet, &pool, p, &totalFees)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, crossedEvents...)

	bet.ProbAfter = cpmm.Probability(pool, p)
	tx.PutBet(bet)

	m.Pool = pool
	m.Volume = m.Volume.Add(bet.Amount.Abs())
	m.CollectedFees = m.CollectedFees.Add(totalFees)
	tx.PutMarket(m)

	events = append(events, postCommitEvent{kind: notifyBetPlaced, userID: req.UserID, betID: bet.ID})

	// A bettor new to this market earns the creator a bonus, paid after
	// commit. bets is the pre-trade snapshot.
	if firstBet(bets, req.UserID) {
		events = append(events, postCommitEvent{kind: bonusCandidate, userID: req.UserID, creatorID: m.CreatorID})
	}
	return bet, events, nil
}

func firstBet(prior []*model.Bet, userID string) bool {
	for _, b := range prior {
		if b.UserID == userID && !b.IsAnte && !b.IsRedemption {
			return false
		}
	}
	return true
}

// sweepCrossed fills every resting order whose limit the pool price has
// crossed. Filling such an order moves the price back toward its limit, so
// the loop strictly reduces crossings and terminates.
func (s *Service) sweepCrossed(
	tx store.Tx, now time.Time, contractID string,
	bets []*model.Bet, current *model.Bet,
	pool *model.Pool, p decimal.Decimal, totalFees *model.Fees,
) ([]postCommitEvent, error) {
	var events []postCommitEvent

	for pass := 0; pass < len(bets)+1; pass++ {
		prob := cpmm.Probability(*pool, p)

		var next *model.Bet
		for _, o := range book.New(bets, now).Orders() {
			if o.ID == current.ID || !book.Crossed(o, prob) {
				continue
			}
			next = o
			break
		}
		if next == nil {
			return events, nil
		}

		toLimit, err := cpmm.AmountToProb(*pool, p, next.Outcome, *next.LimitProb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolLiquidity, err)
		}
		poolAmt := decimal.Min(next.RemainingAmount(), toLimit)

		fillable := poolAmt.GreaterThan(cpmm.FlatTradeFee) &&
			tx.Balance(next.UserID).GreaterThanOrEqual(poolAmt)
		if !fillable {
			// Can't be honored: cancel rather than leave it crossed.
			next.IsCancelled = true
			tx.PutBet(next)
			continue
		}

		res, err := cpmm.Buy(*pool, p, next.Outcome, poolAmt)
		if err != nil {
			next.IsCancelled = true
			tx.PutBet(next)
			continue
		}
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       txnID("fill", next.ID, len(next.Fills)),
			FromID:   next.UserID, FromKind: model.AccountUser,
			ToID: contractID, ToKind: model.AccountContract,
			Amount:   poolAmt,
			Category: model.TxnBetFill,
			Data:     map[string]string{"contract": contractID, "bet": next.ID},
		}); err != nil {
			return nil, mapLedgerErr(err)
		}

		*pool = res.Pool
		*totalFees = totalFees.Add(res.Fees)
		next.Fills = append(next.Fills, model.Fill{Amount: poolAmt, Shares: res.Shares, Timestamp: now})
		next.Amount = next.Amount.Add(poolAmt)
		next.Shares = next.Shares.Add(res.Shares)
		if !next.RemainingAmount().GreaterThan(minTradable) {
			next.IsFilled = true
		}
		tx.PutBet(next)

		events = append(events, postCommitEvent{kind: notifyOrderCrossed, userID: next.UserID, betID: next.ID})
	}
	return events, nil
}

// recordFillTxns moves both sides of a match into the contract account in
// the same unit of work, so a partial fill is never visible without its
// balance changes. Txn ids are keyed by the (taker, maker) bet pair, which
// matches at most once per placement.
func recordFillTxns(tx store.Tx, now time.Time, contractID, takerBetID string, maker *model.Bet, takerAmt, makerAmt decimal.Decimal, takerID string) error {
	if _, err := ledger.Record(tx, now, ledger.TxnData{
		ID:       fmt.Sprintf("match-%s-%s", takerBetID, maker.ID),
		FromID:   takerID, FromKind: model.AccountUser,
		ToID: contractID, ToKind: model.AccountContract,
		Amount:   takerAmt,
		Category: model.TxnBetFill,
		Data:     map[string]string{"contract": contractID, "matched": maker.ID},
	}); err != nil {
		return mapLedgerErr(err)
	}
	if _, err := ledger.Record(tx, now, ledger.TxnData{
		ID:       fmt.Sprintf("match-%s-%s", maker.ID, takerBetID),
		FromID:   maker.UserID, FromKind: model.AccountUser,
		ToID: contractID, ToKind: model.AccountContract,
		Amount:   makerAmt,
		Category: model.TxnBetFill,
		Data:     map[string]string{"contract": contractID, "matched": takerBetID},
	}); err != nil {
		return mapLedgerErr(err)
	}
	return nil
}

func txnID(kind, betID string, seq int) string {
	return fmt.Sprintf("%s-%s-%d", kind, betID, seq)
}

func mapLedgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return ErrInsufficientBalance
	}
	return err
}
