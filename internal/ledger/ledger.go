// Package ledger is the append-only, double-entry money movement service.
// Every balance change in the system — bet fills, sale proceeds, liquidity,
// payouts, loans, bonuses — goes through Record; nothing else writes
// balances. Entries are immutable once committed and idempotent by
// caller-supplied id, so a retried transaction never double-moves mana.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predex/market-engine/internal/model"
	"github.com/predex/market-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when a user account cannot cover
	// the debit. Bank and contract accounts are never balance-checked:
	// the bank mints, and contract accounts are backed by their pool.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for zero or negative amounts. Reversals
	// are modeled as a second entry in the opposite direction, never as a
	// negative amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// TxnData describes a ledger entry to record. ID is the idempotency key;
// leave empty to generate one (callers that may retry should supply a
// deterministic id).
type TxnData struct {
	ID       string
	FromID   string
	FromKind model.AccountKind
	ToID     string
	ToKind   model.AccountKind
	Amount   decimal.Decimal
	Category model.TxnCategory
	Data     map[string]string
}

// Record appends a ledger entry inside the caller's unit of work and stages
// the balance deltas for any user accounts involved. If an entry with the
// same id already exists the stored entry is returned and no balances move.
func Record(tx store.Tx, now time.Time, data TxnData) (*model.Txn, error) {
	if !data.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if data.ID == "" {
		data.ID = uuid.New().String()
	} else if existing, ok := tx.TxnByID(data.ID); ok {
		return existing, nil
	}

	if data.FromKind == model.AccountUser {
		if tx.Balance(data.FromID).LessThan(data.Amount) {
			return nil, fmt.Errorf("%w: user %s needs %s", ErrInsufficientBalance, data.FromID, data.Amount)
		}
		tx.Credit(data.FromID, data.Amount.Neg())
	}
	if data.ToKind == model.AccountUser {
		tx.Credit(data.ToID, data.Amount)
	}

	t := &model.Txn{
		ID:        data.ID,
		FromID:    data.FromID,
		FromKind:  data.FromKind,
		ToID:      data.ToID,
		ToKind:    data.ToKind,
		Amount:    data.Amount,
		Token:     model.TokenMana,
		Category:  data.Category,
		Data:      data.Data,
		CreatedAt: now,
	}
	tx.AppendTxn(t)
	return t, nil
}
