// Package loan implements the daily loan pass: every user with open
// positions receives an interest-free advance against their net invested
// amount, apportioned onto the bets that back it. Loans are repaid out of
// sale proceeds and resolution payouts.
package loan

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/predex/market-engine/internal/cpmm"
	"github.com/predex/market-engine/internal/ledger"
	"github.com/predex/market-engine/internal/metrics"
	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/notify"
	"github.com/predex/market-engine/internal/portfolio"
	"github.com/predex/market-engine/internal/store"
)

// maxConcurrentUsers bounds the fan-out of the daily pass.
const maxConcurrentUsers = 8

// Report summarizes one daily pass.
type Report struct {
	Users    int             `json:"users"`
	Advances int             `json:"advances"`
	Total    decimal.Decimal `json:"total"`
	Skipped  int             `json:"skipped"`
}

// Service runs the daily loan pass.
type Service struct {
	store       store.Store
	eligibility portfolio.Engine
	dispatcher  *notify.Dispatcher
	retries     int
	now         func() time.Time
}

// NewService creates a loan service.
func NewService(st store.Store, eligibility portfolio.Engine, dispatcher *notify.Dispatcher) *Service {
	return &Service{
		store:       st,
		eligibility: eligibility,
		dispatcher:  dispatcher,
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

// RunDailyPass advances loans to every eligible user with open positions.
// Users are processed in parallel; a failure for one user is logged and
// skipped, never aborting the pass. Advances are idempotent per
// (user, market, day), so rerunning a partially failed pass is safe.
func (s *Service) RunDailyPass(ctx context.Context) (Report, error) {
	userIDs, err := s.store.ListActiveUserIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	day := s.now().UTC().Format("2006-01-02")

	var (
		mu     sync.Mutex
		report = Report{Users: len(userIDs)}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUsers)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			advances, total, err := s.advanceUser(ctx, userID, day)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("loan pass: user skipped", "user", userID, "err", err)
				report.Skipped++
				return nil
			}
			report.Advances += advances
			report.Total = report.Total.Add(total)
			return nil
		})
	}
	g.Wait()

	slog.Info("loan pass complete",
		"day", day,
		"users", report.Users,
		"advances", report.Advances,
		"total", report.Total.String(),
		"skipped", report.Skipped,
	)
	return report, nil
}

// advanceUser computes and pays one user's advances across their open
// positions, bounded by the daily cap.
func (s *Service) advanceUser(ctx context.Context, userID, day string) (int, decimal.Decimal, error) {
	decision, err := s.eligibility.LoanEligibility(ctx, userID)
	if err != nil {
		return 0, decimal.Zero, err
	}
	if !decision.Eligible || !decision.DailyRate.IsPositive() {
		return 0, decimal.Zero, nil
	}

	bets, err := s.store.GetUserBets(ctx, userID)
	if err != nil {
		return 0, decimal.Zero, err
	}
	byContract := make(map[string][]*model.Bet)
	for _, b := range bets {
		byContract[b.ContractID] = append(byContract[b.ContractID], b)
	}

	// Advances already made today count against the cap; their
	// positions are done for the day.
	advancedToday := make(map[string]bool)
	headroom := decision.MaxPerDay
	for contractID := range byContract {
		txns, err := s.store.GetContractTxns(ctx, contractID)
		if err != nil {
			return 0, decimal.Zero, err
		}
		id := loanTxnID(userID, contractID, day)
		for _, txn := range txns {
			if txn.ID == id {
				advancedToday[contractID] = true
				headroom = headroom.Sub(txn.Amount)
			}
		}
	}

	advances := 0
	total := decimal.Zero
	for contractID, cb := range byContract {
		if !headroom.IsPositive() {
			break
		}
		if advancedToday[contractID] {
			continue
		}
		m, err := s.store.GetMarket(ctx, contractID)
		if err != nil {
			return advances, total, err
		}
		if m.IsResolved {
			continue
		}

		invested, loaned := decimal.Zero, decimal.Zero
		for _, b := range cb {
			invested = invested.Add(b.Amount)
			loaned = loaned.Add(b.LoanAmount)
		}
		basis := invested.Sub(loaned)
		if !basis.IsPositive() {
			continue
		}
		amount := decimal.Min(basis.Mul(decision.DailyRate), headroom).Round(cpmm.Scale)
		if !amount.IsPositive() {
			continue
		}

		if err := s.advancePosition(ctx, userID, contractID, day, amount, cb); err != nil {
			return advances, total, err
		}
		advances++
		total = total.Add(amount)
		headroom = headroom.Sub(amount)
		metrics.LoansAdvanced.Inc()
	}

	if advances > 0 && s.dispatcher != nil {
		s.dispatcher.Dispatch(notify.Event{
			Type:   notify.EventLoanAdvanced,
			UserID: userID,
			Data:   map[string]string{"total": total.String(), "day": day},
		})
	}
	return advances, total, nil
}

// advancePosition pays one advance and apportions it onto the position's
// bets pro-rata by each bet's net spend, so later repayments can be traced
// back per bet.
func (s *Service) advancePosition(ctx context.Context, userID, contractID, day string, amount decimal.Decimal, position []*model.Bet) error {
	return store.RunWithRetry(ctx, s.store, contractID, s.retries, func(tx store.Tx) error {
		id := loanTxnID(userID, contractID, day)
		if _, ok := tx.TxnByID(id); ok {
			return nil // already advanced today
		}
		if _, err := ledger.Record(tx, s.now(), ledger.TxnData{
			ID:     id,
			FromID: "bank", FromKind: model.AccountBank,
			ToID: userID, ToKind: model.AccountUser,
			Amount:   amount,
			Category: model.TxnLoan,
			Data:     map[string]string{"contract": contractID, "day": day},
		}); err != nil {
			return err
		}

		var backing []*model.Bet
		basis := decimal.Zero
		for _, b := range position {
			if b.Amount.IsPositive() {
				backing = append(backing, b)
				basis = basis.Add(b.Amount)
			}
		}
		if !basis.IsPositive() {
			return nil
		}
		remaining := amount
		for i, b := range backing {
			share := amount.Mul(b.Amount).Div(basis).Round(cpmm.Scale)
			if i == len(backing)-1 || share.GreaterThan(remaining) {
				share = remaining // absorb rounding on the last bet
			}
			fresh, err := tx.Bet(b.ID)
			if err != nil {
				return err
			}
			fresh.LoanAmount = fresh.LoanAmount.Add(share)
			tx.PutBet(fresh)
			remaining = remaining.Sub(share)
		}
		return nil
	})
}

func loanTxnID(userID, contractID, day string) string {
	return "loan-" + userID + "-" + contractID + "-" + day
}

// HandleRun handles POST /admin/loans/run: triggers a pass outside the cron
// schedule.
func (s *Service) HandleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.RunDailyPass(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report)
}
