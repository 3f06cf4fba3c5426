// Package notify dispatches post-commit events to interested parties. The
// dispatch is fire-and-forget: it runs after the transaction has committed
// and can never roll a trade back. Failures are logged and dropped.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event types emitted by the engine.
const (
	EventBetFill       = "bet_fill"
	EventOrderFilled   = "order_filled"
	EventOrderCrossed  = "order_auto_filled"
	EventResolution    = "market_resolved"
	EventBonusPaid     = "bonus_paid"
	EventLoanAdvanced  = "loan_advanced"
	EventLiquidityAdd  = "liquidity_added"
	EventMarketCreated = "market_created"
)

// Event is one post-commit notification.
type Event struct {
	Type       string            `json:"type"`
	ContractID string            `json:"contract_id"`
	UserID     string            `json:"user_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// Notifier delivers events to one channel (push, email, webhook).
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to all configured notifiers concurrently.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, timeout: 5 * time.Second}
}

// Dispatch delivers events to every notifier. Never returns an error:
// delivery failures are logged, the committed trade stands regardless.
func (d *Dispatcher) Dispatch(events ...Event) {
	if len(d.notifiers) == 0 || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, n := range d.notifiers {
		for _, ev := range events {
			n, ev := n, ev
			g.Go(func() error {
				if err := n.Notify(ctx, ev); err != nil {
					slog.Warn("notification failed", "type", ev.Type, "contract", ev.ContractID, "err", err)
				}
				return nil
			})
		}
	}
	g.Wait()
}

// LogNotifier writes events to the structured log. The default sink when no
// external dispatcher is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	slog.Info("event", "type", ev.Type, "contract", ev.ContractID, "user", ev.UserID)
	return nil
}
