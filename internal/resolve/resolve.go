// Package resolve settles markets: it validates a resolution outcome,
// computes trader and liquidity-provider payouts, repays outstanding loans,
// and commits everything as one ledger batch. A market resolves exactly
// once; the resolved flag and the payout batch commit atomically.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/metrics"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/notify"
	"github.com/predex/market-engine/internal/store"
	"github.com/predex/market-engine/internal/trade"
)

var (
	// ErrAlreadyResolved rejects a second resolution of the same market.
	ErrAlreadyResolved = errors.New("resolve: market already resolved")

	// ErrInvalidResolution rejects an outcome the market's kind does not
	// support, or a missing probability/value for an MKT resolution.
	ErrInvalidResolution = errors.New("resolve: invalid resolution outcome")

	// ErrBadPercentages rejects a categorical distribution that does not
	// sum to 100.
	ErrBadPercentages = errors.New("resolve: resolution percentages must sum to 100")

	// ErrNotCreator rejects resolution by anyone but the market creator.
	ErrNotCreator = errors.New("resolve: only the market creator may resolve")
)

// Request describes one resolution. Outcome is YES, NO, MKT, CANCEL, or an
// answer id; ProbabilityInt (0–100) is required for a binary MKT resolution,
// Value for a pseudo-numeric one, Resolutions for a categorical
// distribution (percentages summing to 100).
type Request struct {
	ContractID     string                     `json:"contract_id"`
	ResolverID     string                     `json:"resolver_id"`
	Outcome        string                     `json:"outcome"`
	ProbabilityInt *int64                     `json:"probabilityInt,omitempty"`
	Value          *decimal.Decimal           `json:"value,omitempty"`
	Resolutions    map[string]decimal.Decimal `json:"resolutions,omitempty"`
}

// Service resolves markets and pays out through the ledger.
type Service struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	wsHub      *trade.WSHub
	retries    int
	now        func() time.Time
}

// NewService creates a resolution service. hub may be nil.
func NewService(st store.Store, dispatcher *notify.Dispatcher, hub *trade.WSHub) *Service {
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		wsHub:      hub,
		retries:    store.DefaultRetryAttempts,
		now:        time.Now,
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

// Resolve settles the market. All payouts, refunds, loan repayments, and the
// resolved flag commit in one transaction or not at all.
func (s *Service) Resolve(ctx context.Context, req Request) (*model.Contract, error) {
	var (
		resolved *model.Contract
		total    decimal.Decimal
	)
	err := store.RunWithRetry(ctx, s.store, req.ContractID, s.retries, func(tx store.Tx) error {
		m, paid, err := s.execute(tx, req)
		if err != nil {
			return err
		}
		resolved, total = m, paid
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Resolutions.WithLabelValues(req.Outcome).Inc()
	metrics.PayoutVolume.Add(total.InexactFloat64())
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Event{
			Type:       notify.EventResolution,
			ContractID: resolved.ID,
			Data:       map[string]string{"outcome": resolved.Resolution},
		})
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(trade.WSMessage{
			Type:       "market_resolved",
			ContractID: resolved.ID,
			Resolution: resolved.Resolution,
		})
	}
	slog.Info("market resolved",
		"contract", resolved.ID,
		"outcome", resolved.Resolution,
		"payouts", total.String(),
	)
	return resolved, nil
}

func (s *Service) execute(tx store.Tx, req Request) (*model.Contract, decimal.Decimal, error) {
	m := tx.Market()
	now := s.now()

	if m.IsResolved {
		return nil, decimal.Zero, ErrAlreadyResolved
	}
	if req.ResolverID != m.CreatorID {
		return nil, decimal.Zero, ErrNotCreator
	}

	prob, weights, err := resolutionTerms(m, req)
	if err != nil {
		return nil, decimal.Zero, err
	}

	bets, err := tx.Bets()
	if err != nil {
		return nil, decimal.Zero, err
	}
	liquidity, err := tx.Liquidity()
	if err != nil {
		return nil, decimal.Zero, err
	}

	// Resting limit orders die with the market; they never escrowed money,
	// so cancellation alone is enough.
	for _, b := range bets {
		if b.IsLimitOrder() && !b.IsFilled && !b.IsCancelled {
			b.IsCancelled = true
			tx.PutBet(b)
		}
	}

	var total decimal.Decimal
	if req.Outcome == model.ResolutionCancel {
		total, err = s.payCancel(tx, now, m, bets, liquidity)
	} else {
		total, err = s.payResolution(tx, now, m, bets, liquidity, prob, weights)
	}
	if err != nil {
		return nil, decimal.Zero, err
	}

	m.IsResolved = true
	m.Resolution = req.Outcome
	m.ResolutionTime = &now
	if m.UsesCPMM() && req.Outcome != model.ResolutionCancel {
		m.ResolutionProbability = &prob
	}
	if req.Value != nil {
		m.ResolutionValue = req.Value
	}
	if len(weights) > 0 {
		m.Resolutions = weights
	}
	tx.PutMarket(m)

	return m, total, nil
}

// resolutionTerms validates the outcome against the market kind and returns
// the winning probability (CPMM kinds) or the answer weight map (categorical
// kinds).
func resolutionTerms(m *model.Contract, req Request) (decimal.Decimal, map[string]decimal.Decimal, error) {
	if req.Outcome == model.ResolutionCancel {
		return decimal.Zero, nil, nil
	}

	switch m.OutcomeKind {
	case model.KindBinary:
		switch req.Outcome {
		case model.OutcomeYes:
			return decimal.NewFromInt(1), nil, nil
		case model.OutcomeNo:
			return decimal.Zero, nil, nil
		case model.ResolutionMarket:
			if req.ProbabilityInt == nil || *req.ProbabilityInt < 0 || *req.ProbabilityInt > 100 {
				return decimal.Zero, nil, fmt.Errorf("%w: MKT requires probabilityInt in [0,100]", ErrInvalidResolution)
			}
			return decimal.NewFromInt(*req.ProbabilityInt).Div(decimal.NewFromInt(100)), nil, nil
		}
		return decimal.Zero, nil, fmt.Errorf("%w: %q on a binary market", ErrInvalidResolution, req.Outcome)

	case model.KindPseudoNumeric:
		if req.Outcome != model.ResolutionMarket || req.Value == nil {
			return decimal.Zero, nil, fmt.Errorf("%w: pseudo-numeric markets resolve MKT with a value", ErrInvalidResolution)
		}
		return valueToProb(m, *req.Value), nil, nil

	case model.KindFreeResponse, model.KindMultipleChoice, model.KindNumeric:
		if len(req.Resolutions) > 0 {
			sum := decimal.Zero
			for id, pct := range req.Resolutions {
				if !answerExists(m, id) || pct.IsNegative() {
					return decimal.Zero, nil, fmt.Errorf("%w: unknown answer %q", ErrInvalidResolution, id)
				}
				sum = sum.Add(pct)
			}
			if !sum.Equal(decimal.NewFromInt(100)) {
				return decimal.Zero, nil, ErrBadPercentages
			}
			weights := make(map[string]decimal.Decimal, len(req.Resolutions))
			for id, pct := range req.Resolutions {
				weights[id] = pct.Div(decimal.NewFromInt(100))
			}
			return decimal.Zero, weights, nil
		}
		if !answerExists(m, req.Outcome) {
			return decimal.Zero, nil, fmt.Errorf("%w: unknown answer %q", ErrInvalidResolution, req.Outcome)
		}
		return decimal.Zero, map[string]decimal.Decimal{req.Outcome: decimal.NewFromInt(1)}, nil
	}
	return decimal.Zero, nil, ErrInvalidResolution
}

// valueToProb maps a resolved numeric value onto [0,1] over the market's
// range, linearly or log-scaled, clamped at the ends.
func valueToProb(m *model.Contract, value decimal.Decimal) decimal.Decimal {
	if value.LessThanOrEqual(m.Min) {
		return decimal.Zero
	}
	if value.GreaterThanOrEqual(m.Max) {
		return decimal.NewFromInt(1)
	}
	if m.IsLogScale {
		num := math.Log10(value.Sub(m.Min).InexactFloat64() + 1)
		den := math.Log10(m.Max.Sub(m.Min).InexactFloat64() + 1)
		return decimal.NewFromFloat(num / den).Round(cpmm.Scale)
	}
	return value.Sub(m.Min).Div(m.Max.Sub(m.Min)).Round(cpmm.Scale)
}

func answerExists(m *model.Contract, id string) bool {
	for _, a := range m.Answers {
		if a.ID == id {
			return true
		}
	}
	return false
}

// payResolution pays traders by share value, repays outstanding loans out of
// payouts, distributes the remaining pool pro-rata to liquidity providers,
// and settles the collected fee split.
func (s *Service) payResolution(
	tx store.Tx, now time.Time, m *model.Contract,
	bets []*model.Bet, liquidity []*model.LiquidityProvision,
	prob decimal.Decimal, weights map[string]decimal.Decimal,
) (decimal.Decimal, error) {
	payouts := make(map[string]decimal.Decimal)
	loans := make(map[string]decimal.Decimal)

	for _, b := range bets {
		if b.IsCancelled && b.FilledAmount().IsZero() {
			continue
		}
		var value decimal.Decimal
		if m.UsesCPMM() {
			switch b.Outcome {
			case model.OutcomeYes:
				value = b.Shares.Mul(prob)
			case model.OutcomeNo:
				value = b.Shares.Mul(decimal.NewFromInt(1).Sub(prob))
			}
		} else {
			value = b.Shares.Mul(weights[b.Outcome])
		}
		payouts[b.UserID] = payouts[b.UserID].Add(value)
		loans[b.UserID] = loans[b.UserID].Add(b.LoanAmount)
	}

	total := decimal.Zero
	for _, userID := range sortedKeys(payouts) {
		paid, err := s.payUser(tx, now, m.ID, userID, payouts[userID], loans[userID])
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(paid)
	}

	// Liquidity providers split the residual pool plus the liquidity fee
	// share, pro-rata by contribution. The pool is valued at the
	// resolution outcome, not the final trading price: winning-side
	// shares left in the pool pay out like any others, losing-side
	// shares pay nothing, so the contract never owes more than it holds.
	if m.UsesCPMM() {
		one := decimal.NewFromInt(1)
		residual := prob.Mul(m.Pool.Yes).Add(one.Sub(prob).Mul(m.Pool.No)).Round(cpmm.Scale)
		poolValue := residual.Add(m.CollectedFees.Liquidity)
		lpPaid, err := s.payLiquidityProviders(tx, now, m.ID, liquidity, poolValue)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(lpPaid)
	}

	// Fee settlement: creator share to the creator, platform share to the
	// bank.
	if m.CollectedFees.Creator.IsPositive() {
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "resolve-fees-creator-" + m.ID,
			FromID:   m.ID, FromKind: model.AccountContract,
			ToID: m.CreatorID, ToKind: model.AccountUser,
			Amount:   m.CollectedFees.Creator,
			Category: model.TxnResolutionPayout,
			Data:     map[string]string{"contract": m.ID, "fee": "creator"},
		}); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(m.CollectedFees.Creator)
	}
	if m.CollectedFees.Platform.IsPositive() {
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "resolve-fees-platform-" + m.ID,
			FromID:   m.ID, FromKind: model.AccountContract,
			ToID: "bank", ToKind: model.AccountBank,
			Amount:   m.CollectedFees.Platform,
			Category: model.TxnResolutionPayout,
			Data:     map[string]string{"contract": m.ID, "fee": "platform"},
		}); err != nil {
			return decimal.Zero, err
		}
	}

	return total, nil
}

// payUser credits one trader's payout and repays their outstanding loans
// out of it. The net credit never goes negative: an uncollectible loan
// remainder is simply written off.
func (s *Service) payUser(tx store.Tx, now time.Time, contractID, userID string, payout, loan decimal.Decimal) (decimal.Decimal, error) {
	payout = payout.Round(cpmm.Scale)
	if !payout.IsPositive() {
		return decimal.Zero, nil
	}
	if _, err := ledger.Record(tx, now, ledger.TxnData{
		ID:       "resolve-" + contractID + "-" + userID,
		FromID:   contractID, FromKind: model.AccountContract,
		ToID: userID, ToKind: model.AccountUser,
		Amount:   payout,
		Category: model.TxnResolutionPayout,
		Data:     map[string]string{"contract": contractID},
	}); err != nil {
		return decimal.Zero, err
	}

	repay := decimal.Min(loan, payout).Round(cpmm.Scale)
	if repay.IsPositive() {
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "resolve-repay-" + contractID + "-" + userID,
			FromID:   userID, FromKind: model.AccountUser,
			ToID: "bank", ToKind: model.AccountBank,
			Amount:   repay,
			Category: model.TxnLoanRepayment,
			Data:     map[string]string{"contract": contractID},
		}); err != nil {
			return decimal.Zero, err
		}
	}
	return payout, nil
}

func (s *Service) payLiquidityProviders(tx store.Tx, now time.Time, contractID string, liquidity []*model.LiquidityProvision, poolValue decimal.Decimal) (decimal.Decimal, error) {
	contributed := make(map[string]decimal.Decimal)
	sum := decimal.Zero
	for _, lp := range liquidity {
		contributed[lp.UserID] = contributed[lp.UserID].Add(lp.Amount)
		sum = sum.Add(lp.Amount)
	}
	if !sum.IsPositive() || !poolValue.IsPositive() {
		return decimal.Zero, nil
	}

	total := decimal.Zero
	for _, userID := range sortedKeys(contributed) {
		share := poolValue.Mul(contributed[userID]).Div(sum).Round(cpmm.Scale)
		if !share.IsPositive() {
			continue
		}
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "resolve-lp-" + contractID + "-" + userID,
			FromID:   contractID, FromKind: model.AccountContract,
			ToID: userID, ToKind: model.AccountUser,
			Amount:   share,
			Category: model.TxnLiquidityWithdrawal,
			Data:     map[string]string{"contract": contractID},
		}); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(share)
	}
	return total, nil
}

// payCancel unwinds the market: every bet's net spend is refunded, every
// liquidity provision is returned verbatim, and previously paid
// unique-bettor bonuses are reversed.
func (s *Service) payCancel(
	tx store.Tx, now time.Time, m *model.Contract,
	bets []*model.Bet, liquidity []*model.LiquidityProvision,
) (decimal.Decimal, error) {
	refunds := make(map[string]decimal.Decimal)
	loans := make(map[string]decimal.Decimal)
	for _, b := range bets {
		if b.IsAnte {
			continue // returned with the liquidity provision instead
		}
		refunds[b.UserID] = refunds[b.UserID].Add(b.Amount)
		loans[b.UserID] = loans[b.UserID].Add(b.LoanAmount)
	}

	total := decimal.Zero
	for _, userID := range sortedKeys(refunds) {
		refund := refunds[userID].Round(cpmm.Scale)
		if !refund.IsPositive() {
			continue // net sellers already took money out
		}
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "cancel-" + m.ID + "-" + userID,
			FromID:   m.ID, FromKind: model.AccountContract,
			ToID: userID, ToKind: model.AccountUser,
			Amount:   refund,
			Category: model.TxnCancelRefund,
			Data:     map[string]string{"contract": m.ID},
		}); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(refund)

		repay := decimal.Min(loans[userID], refund).Round(cpmm.Scale)
		if repay.IsPositive() {
			if _, err := ledger.Record(tx, now, ledger.TxnData{
				ID:       "cancel-repay-" + m.ID + "-" + userID,
				FromID:   userID, FromKind: model.AccountUser,
				ToID: "bank", ToKind: model.AccountBank,
				Amount:   repay,
				Category: model.TxnLoanRepayment,
				Data:     map[string]string{"contract": m.ID},
			}); err != nil {
				return decimal.Zero, err
			}
		}
	}

	for _, lp := range liquidity {
		if !lp.Amount.IsPositive() {
			continue
		}
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "cancel-lp-" + m.ID + "-" + lp.ID,
			FromID:   m.ID, FromKind: model.AccountContract,
			ToID: lp.UserID, ToKind: model.AccountUser,
			Amount:   lp.Amount,
			Category: model.TxnCancelRefund,
			Data:     map[string]string{"contract": m.ID, "liquidity": lp.ID},
		}); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(lp.Amount)
	}

	// Bonuses paid for bets that no longer exist come back.
	txns, err := tx.Txns()
	if err != nil {
		return decimal.Zero, err
	}
	for _, t := range txns {
		if t.Category != model.TxnUniqueBettorBonus {
			continue
		}
		// Clamp to the creator's balance: an already-spent bonus must not
		// block the cancel.
		amount := decimal.Min(t.Amount, tx.Balance(t.ToID))
		if !amount.IsPositive() {
			continue
		}
		if _, err := ledger.Record(tx, now, ledger.TxnData{
			ID:       "ubbrev-" + m.ID + "-" + t.Data["bettor"],
			FromID:   t.ToID, FromKind: model.AccountUser,
			ToID: "bank", ToKind: model.AccountBank,
			Amount:   amount,
			Category: model.TxnUniqueBettorReversal,
			Data:     map[string]string{"contract": m.ID, "bettor": t.Data["bettor"]},
		}); err != nil {
			return decimal.Zero, err
		}
	}

	return total, nil
}

// sortedKeys gives payout iteration a stable order so ledger entries land
// deterministically.
func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
