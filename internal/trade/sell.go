package trade

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/store"
)

// SellSharesRequest sells part or all of a position back to the pool.
// Outcome may be omitted when the user holds shares on only one side;
// Shares defaults to the full position.
type SellSharesRequest struct {
	UserID     string           `json:"user_id"`
	ContractID string           `json:"contract_id"`
	Outcome    string           `json:"outcome,omitempty"`
	Shares     *decimal.Decimal `json:"shares,omitempty"`
}

// SellShares sells shares from the user's existing position against the
// pool, producing a bet with negative amount. Outstanding loans on the
// position are repaid from the proceeds in proportion to the fraction sold.
func (s *Service) SellShares(ctx context.Context, req SellSharesRequest) (*model.Bet, error) {
	if req.UserID == "" || req.ContractID == "" {
		return nil, fmt.Errorf("%w: user_id and contract_id are required", ErrInvalidRequest)
	}
	if req.Shares != nil && !req.Shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares must be positive", ErrInvalidRequest)
	}

	var (
		sale   *model.Bet
		events []postCommitEvent
	)
	err := store.RunWithRetry(ctx, s.store, req.ContractID, s.retries, func(tx store.Tx) error {
		bet, evs, err := s.executeSell(tx, req)
		if err != nil {
			return err
		}
		sale, events = bet, evs
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, req.ContractID, events)
	return sale, nil
}

func (s *Service) executeSell(tx store.Tx, req SellSharesRequest) (*model.Bet, []postCommitEvent, error) {
	m := tx.Market()
	now := s.now()

	if m.IsResolved {
		return nil, nil, ErrMarketResolved
	}
	if now.After(m.CloseTime) {
		return nil, nil, ErrMarketClosed
	}
	if !m.UsesCPMM() {
		return nil, nil, fmt.Errorf("%w: %s markets do not trade against a pool", ErrInvalidOutcome, m.OutcomeKind)
	}

	userBets, err := tx.UserBets(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	pos := PositionFromBets(req.UserID, m.ID, userBets)

	outcome := req.Outcome
	if outcome == "" {
		// Without an explicit outcome exactly one side must be held.
		hasYes := pos.YesShares.GreaterThan(minTradable)
		hasNo := pos.NoShares.GreaterThan(minTradable)
		switch {
		case hasYes && hasNo:
			return nil, nil, ErrAmbiguousOutcome
		case hasYes:
			outcome = model.OutcomeYes
		case hasNo:
			outcome = model.OutcomeNo
		default:
			return nil, nil, ErrNoPosition
		}
	} else if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return nil, nil, ErrInvalidOutcome
	}

	maxShares := pos.YesShares
	if outcome == model.OutcomeNo {
		maxShares = pos.NoShares
	}
	if !maxShares.GreaterThan(minTradable) {
		return nil, nil, ErrNoPosition
	}

	shares := maxShares
	if req.Shares != nil {
		shares = *req.Shares
	}
	if shares.GreaterThan(maxShares.Add(minTradable)) {
		return nil, nil, ErrInsufficientShares
	}
	if shares.GreaterThan(maxShares) {
		shares = maxShares
	}

	res, err := cpmm.Sell(m.Pool, m.P, outcome, shares)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPoolLiquidity, err)
	}

	sale := &model.Bet{
		ID:         uuid.New().String(),
		ContractID: m.ID,
		UserID:     req.UserID,
		Outcome:    outcome,
		Amount:     res.Proceeds.Neg(),
		Shares:     shares.Neg(),
		ProbBefore: cpmm.Probability(m.Pool, m.P),
		IsFilled:   true,
		IsSold:     true,
		CreatedAt:  now,
	}

	if _, err := ledger.Record(tx, now, ledger.TxnData{
		ID:       txnID("sale", sale.ID, 0),
		FromID:   m.ID, FromKind: model.AccountContract,
		ToID: req.UserID, ToKind: model.AccountUser,
		Amount:   res.Proceeds,
		Category: model.TxnSellShares,
		Data:     map[string]string{"contract": m.ID, "bet": sale.ID},
	}); err != nil {
		return nil, nil, mapLedgerErr(err)
	}

	// Repay outstanding loans proportional to the fraction of the
	// position sold, out of the proceeds just credited.
	if pos.LoanTotal.IsPositive() {
		frac := shares.Div(maxShares)
		repay := decimal.Min(pos.LoanTotal.Mul(frac), res.Proceeds).Round(cpmm.Scale)
		if repay.IsPositive() {
			if _, err := ledger.Record(tx, now, ledger.TxnData{
				ID:       txnID("repay", sale.ID, 0),
				FromID:   req.UserID, FromKind: model.AccountUser,
				ToID: "bank", ToKind: model.AccountBank,
				Amount:   repay,
				Category: model.TxnLoanRepayment,
				Data:     map[string]string{"contract": m.ID, "bet": sale.ID},
			}); err != nil {
				return nil, nil, mapLedgerErr(err)
			}
			reduceLoans(tx, userBets, repay)
		}
	}

	// The sale may have moved the pool through resting orders' limits;
	// none may be left valid-but-unfilled.
	allBets, err := tx.Bets()
	if err != nil {
		return nil, nil, err
	}
	pool, totalFees := res.Pool, res.Fees
	events := []postCommitEvent{{kind: notifyBetPlaced, userID: req.UserID, betID: sale.ID}}
	crossedEvents, err := s.sweepCrossed(tx, now, m.ID, allBets, sale, &pool, m.P, &totalFees)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, crossedEvents...)

	sale.ProbAfter = cpmm.Probability(pool, m.P)
	tx.PutBet(sale)

	m.Pool = pool
	m.Volume = m.Volume.Add(res.Proceeds)
	m.CollectedFees = m.CollectedFees.Add(totalFees)
	tx.PutMarket(m)

	return sale, events, nil
}

// reduceLoans walks the user's bets oldest-first, clearing LoanAmount until
// the repayment is consumed.
func reduceLoans(tx store.Tx, userBets []*model.Bet, repay decimal.Decimal) {
	for _, b := range userBets {
		if !repay.IsPositive() {
			return
		}
		if !b.LoanAmount.IsPositive() {
			continue
		}
		applied := decimal.Min(b.LoanAmount, repay)
		b.LoanAmount = b.LoanAmount.Sub(applied)
		repay = repay.Sub(applied)
		tx.PutBet(b)
	}
}

// PositionFromBets nets a user's share holdings on one market from their
// bet history. Bet amounts and shares are signed, so buys and sells net
// out directly; cancelled orders contribute only their filled portion
// (already reflected in Amount/Shares).
func PositionFromBets(userID, contractID string, bets []*model.Bet) model.Position {
	pos := model.Position{UserID: userID, ContractID: contractID}
	for _, b := range bets {
		if b.ContractID != contractID || b.UserID != userID {
			continue
		}
		switch b.Outcome {
		case model.OutcomeYes:
			pos.YesShares = pos.YesShares.Add(b.Shares)
		case model.OutcomeNo:
			pos.NoShares = pos.NoShares.Add(b.Shares)
		}
		pos.Invested = pos.Invested.Add(b.Amount)
		pos.LoanTotal = pos.LoanTotal.Add(b.LoanAmount)
	}
	return pos
}
