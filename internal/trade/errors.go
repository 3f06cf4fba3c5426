package trade

import "errors"

// Business-rule errors. Each carries a stable code for the HTTP layer; all
// are rejected inside the transaction with no mutation applied.
var (
	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrMarketClosed        = errors.New("trade: market is closed")
	ErrMarketResolved      = errors.New("trade: market is resolved")
	ErrInvalidOutcome      = errors.New("trade: invalid outcome for this market")
	ErrPoolLiquidity       = errors.New("trade: trade would breach minimum pool liquidity")

	ErrNoPosition        = errors.New("trade: no position to sell")
	ErrAmbiguousOutcome  = errors.New("trade: position held on both outcomes, specify one")
	ErrInsufficientShares = errors.New("trade: selling more shares than owned")

	ErrNotLimitOrder    = errors.New("trade: not a limit order")
	ErrAlreadyCancelled = errors.New("trade: order already cancelled")
	ErrNotOwner         = errors.New("trade: bet belongs to another user")

	ErrInvalidRequest = errors.New("trade: invalid request")
)
