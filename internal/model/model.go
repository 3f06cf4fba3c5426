// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind classifies how a market's outcome space is structured.
type OutcomeKind string

const (
	KindBinary         OutcomeKind = "BINARY"
	KindFreeResponse   OutcomeKind = "FREE_RESPONSE"
	KindMultipleChoice OutcomeKind = "MULTIPLE_CHOICE"
	KindNumeric        OutcomeKind = "NUMERIC"
	KindPseudoNumeric  OutcomeKind = "PSEUDO_NUMERIC"
)

// The two sides of a CPMM pool. Free-response and multiple-choice bets use
// the answer id as their outcome instead.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Resolution outcomes beyond the plain YES/NO sides.
const (
	ResolutionMarket = "MKT"
	ResolutionCancel = "CANCEL"
)

// MarketStatus is the lifecycle state of a market:
// open → closed → resolved (terminal).
type MarketStatus string

const (
	StatusOpen     MarketStatus = "open"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// Pool holds the CPMM share reserves for the two sides of a binary market.
type Pool struct {
	Yes decimal.Decimal `json:"YES"`
	No  decimal.Decimal `json:"NO"`
}

// Fees is the per-trade fee split. The liquidity share stays in the market's
// subsidy, the creator share is paid out at resolution, the platform share
// goes to the bank.
type Fees struct {
	Creator   decimal.Decimal `json:"creator"`
	Platform  decimal.Decimal `json:"platform"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

// Add returns the component-wise sum of two fee splits.
func (f Fees) Add(o Fees) Fees {
	return Fees{
		Creator:   f.Creator.Add(o.Creator),
		Platform:  f.Platform.Add(o.Platform),
		Liquidity: f.Liquidity.Add(o.Liquidity),
	}
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.Creator.Add(f.Platform).Add(f.Liquidity)
}

// Answer is one entry in a free-response or multiple-choice outcome space.
type Answer struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Contract is a market. CPMM fields (Pool, P) are meaningful only for
// BINARY and PSEUDO_NUMERIC markets; Min/Max/IsLogScale only for
// PSEUDO_NUMERIC; Answers only for categorical kinds.
type Contract struct {
	ID          string      `json:"id" db:"id"`
	CreatorID   string      `json:"creator_id" db:"creator_id"`
	Question    string      `json:"question" db:"question"`
	Slug        string      `json:"slug" db:"slug"`
	GroupSlug   string      `json:"group_slug,omitempty" db:"group_slug"`
	OutcomeKind OutcomeKind `json:"outcome_kind" db:"outcome_kind"`

	Pool Pool            `json:"pool"`
	P    decimal.Decimal `json:"p"` // CPMM weight; price ≠ 0.5 at equal pools when p ≠ 0.5

	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	Volume         decimal.Decimal `json:"volume"`
	CollectedFees  Fees            `json:"collected_fees"`

	CloseTime time.Time `json:"close_time"`

	IsResolved            bool                       `json:"is_resolved"`
	Resolution            string                     `json:"resolution,omitempty"`
	ResolutionTime        *time.Time                 `json:"resolution_time,omitempty"`
	ResolutionProbability *decimal.Decimal           `json:"resolution_probability,omitempty"`
	ResolutionValue       *decimal.Decimal           `json:"resolution_value,omitempty"`
	Resolutions           map[string]decimal.Decimal `json:"resolutions,omitempty"` // answer id → fractional weight

	// Pseudo-numeric value range.
	Min        decimal.Decimal `json:"min,omitempty"`
	Max        decimal.Decimal `json:"max,omitempty"`
	IsLogScale bool            `json:"is_log_scale,omitempty"`

	Answers []Answer `json:"answers,omitempty"`

	// Version increments on every committed mutation; the store uses it
	// for conflict detection.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Status derives the lifecycle state from resolution and close time.
func (c *Contract) Status(now time.Time) MarketStatus {
	if c.IsResolved {
		return StatusResolved
	}
	if now.After(c.CloseTime) {
		return StatusClosed
	}
	return StatusOpen
}

// UsesCPMM reports whether the market trades against a weighted
// constant-product pool.
func (c *Contract) UsesCPMM() bool {
	return c.OutcomeKind == KindBinary || c.OutcomeKind == KindPseudoNumeric
}

// Fill records one partial or full match on a bet. MatchedBetID is empty
// when the counterparty was the AMM pool.
type Fill struct {
	MatchedBetID string          `json:"matched_bet_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Shares       decimal.Decimal `json:"shares"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Bet is a trade record. Market orders are created fully filled; limit
// orders carry LimitProb and accumulate Fills until filled, cancelled, or
// expired. Amount is signed: negative for sells.
type Bet struct {
	ID         string `json:"id" db:"id"`
	ContractID string `json:"contract_id" db:"contract_id"`
	UserID     string `json:"user_id" db:"user_id"`
	Outcome    string `json:"outcome" db:"outcome"` // YES, NO, or answer id

	Amount decimal.Decimal `json:"amount"` // mana spent so far (signed)
	Shares decimal.Decimal `json:"shares"` // outcome shares acquired so far

	ProbBefore decimal.Decimal `json:"prob_before"`
	ProbAfter  decimal.Decimal `json:"prob_after"`

	LimitProb   *decimal.Decimal `json:"limit_prob,omitempty"`
	OrderAmount decimal.Decimal  `json:"order_amount,omitempty"` // total requested, limit orders only
	Fills       []Fill           `json:"fills,omitempty"`
	IsFilled    bool             `json:"is_filled"`
	IsCancelled bool             `json:"is_cancelled"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`

	LoanAmount   decimal.Decimal `json:"loan_amount"`
	IsRedemption bool            `json:"is_redemption,omitempty"`
	IsAnte       bool            `json:"is_ante,omitempty"`
	IsSold       bool            `json:"is_sold,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsLimitOrder reports whether the bet rests at a stated probability.
func (b *Bet) IsLimitOrder() bool {
	return b.LimitProb != nil
}

// FilledAmount sums the mana committed across all fills.
func (b *Bet) FilledAmount() decimal.Decimal {
	total := decimal.Zero
	for _, f := range b.Fills {
		total = total.Add(f.Amount)
	}
	return total
}

// RemainingAmount is the unfilled portion of a limit order. Always zero for
// market orders.
func (b *Bet) RemainingAmount() decimal.Decimal {
	if !b.IsLimitOrder() {
		return decimal.Zero
	}
	rem := b.OrderAmount.Sub(b.FilledAmount())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsExpired reports whether a limit order's expiry has passed.
func (b *Bet) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// LiquidityProvision records a mana injection into a market's pool, with a
// snapshot of the pool at provision time. The market-creation seed carries
// IsAnte.
type LiquidityProvision struct {
	ID         string          `json:"id" db:"id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Pool       Pool            `json:"pool"` // snapshot after provision
	P          decimal.Decimal `json:"p"`
	IsAnte     bool            `json:"is_ante,omitempty"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// AccountKind identifies the three ledger account namespaces.
type AccountKind string

const (
	AccountUser     AccountKind = "USER"
	AccountContract AccountKind = "CONTRACT"
	AccountBank     AccountKind = "BANK"
)

// TxnCategory labels the business reason for a ledger entry.
type TxnCategory string

const (
	TxnBetFill              TxnCategory = "BET_FILL"
	TxnSellShares           TxnCategory = "SELL_SHARES"
	TxnLiquidityDeposit     TxnCategory = "LIQUIDITY_DEPOSIT"
	TxnLiquidityWithdrawal  TxnCategory = "LIQUIDITY_WITHDRAWAL"
	TxnContractAnte         TxnCategory = "CONTRACT_ANTE"
	TxnResolutionPayout     TxnCategory = "CONTRACT_RESOLUTION_PAYOUT"
	TxnCancelRefund         TxnCategory = "CANCEL_REFUND"
	TxnLoan                 TxnCategory = "LOAN"
	TxnLoanRepayment        TxnCategory = "LOAN_REPAYMENT"
	TxnUniqueBettorBonus    TxnCategory = "UNIQUE_BETTOR_BONUS"
	TxnUniqueBettorReversal TxnCategory = "UNIQUE_BETTOR_BONUS_REVERSAL"
	TxnBettingStreakBonus   TxnCategory = "BETTING_STREAK_BONUS"
)

// TokenMana is the play-money token all ledger entries move.
const TokenMana = "M$"

// Txn is an immutable double-entry ledger record of mana moving between two
// accounts. Once created, these are never modified or deleted.
type Txn struct {
	ID       string          `json:"id" db:"id"`
	FromID   string          `json:"from_id" db:"from_id"`
	FromKind AccountKind     `json:"from_kind" db:"from_kind"`
	ToID     string          `json:"to_id" db:"to_id"`
	ToKind   AccountKind     `json:"to_kind" db:"to_kind"`
	Amount   decimal.Decimal `json:"amount"`
	Token    string          `json:"token"`
	Category TxnCategory     `json:"category"`

	// Data carries category-specific context (contract id, answer id).
	Data map[string]string `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Account is a user's balance record. Balance and TotalDeposits mutate only
// as a side effect of a Txn being recorded, keeping the ledger authoritative.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalDeposits decimal.Decimal `json:"total_deposits"`
}

// Position is a user's aggregate share holdings in one market, net of sells
// and redemptions, derived from their bet history.
type Position struct {
	UserID     string          `json:"user_id"`
	ContractID string          `json:"contract_id"`
	YesShares  decimal.Decimal `json:"yes_shares"`
	NoShares   decimal.Decimal `json:"no_shares"`
	Invested   decimal.Decimal `json:"invested"`   // net mana in (signed sum of amounts)
	LoanTotal  decimal.Decimal `json:"loan_total"` // outstanding loans across bets
}
