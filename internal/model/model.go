// Package model defines the core domain types shared across the wagering
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event statuses. Transitions are monotonic:
// active → closed → resolving → resolved, or active/closed → cancelled.
// Resolved and cancelled are terminal.
const (
	EventActive    = "active"
	EventClosed    = "closed"
	EventResolving = "resolving"
	EventResolved  = "resolved"
	EventCancelled = "cancelled"
)

// Bet statuses.
const (
	BetPendingPayment = "pending_payment"
	BetActive         = "active"
	BetWon            = "won"
	BetLost           = "lost"
	BetRefunded       = "refunded"
	BetCancelled      = "cancelled"
)

// Bet funding sources as persisted. The typed variant lives in the wager
// package; these are the storage representation.
const (
	SourceBalance = "balance"
	SourcePayment = "payment"
)

// Balance transaction types.
const (
	TxInitial    = "initial"
	TxDeposit    = "deposit"
	TxBet        = "bet"
	TxWin        = "win"
	TxRefund     = "refund"
	TxWithdrawal = "withdrawal"
)

// Resolution sources.
const (
	ResolutionManual    = "manual"
	ResolutionAutomated = "automated"
)

// Currency describes a supported stake currency. Virtual currencies settle
// against internal balances; real currencies ride an external payment rail.
// Immutable once referenced by a live event.
type Currency struct {
	Code           string          `json:"code" db:"code"`
	Name           string          `json:"name" db:"name"`
	Symbol         string          `json:"symbol" db:"symbol"`
	IsVirtual      bool            `json:"is_virtual" db:"is_virtual"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	Active         bool            `json:"active" db:"active"`
}

// Balance is a user's snapshot in the virtual currency pool, plus lifetime
// counters. Amount is always ≥ 0.
type Balance struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWon       decimal.Decimal `json:"total_won" db:"total_won"`
	TotalLost      decimal.Decimal `json:"total_lost" db:"total_lost"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// BalanceTransaction is an immutable ledger entry. Once created, these are
// never modified or deleted; folding them from the start reproduces the
// current Balance.Amount.
type BalanceTransaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Type          string          `json:"type" db:"type"`
	ReferenceType string          `json:"reference_type" db:"reference_type"`
	ReferenceID   string          `json:"reference_id" db:"reference_id"`
	Description   string          `json:"description" db:"description"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Event is a single wagering opportunity with 2–10 mutually exclusive
// options and at most one resolution.
type Event struct {
	ID             string          `json:"id" db:"id"`
	Title          string          `json:"title" db:"title"`
	Description    string          `json:"description" db:"description"`
	Creator        string          `json:"creator" db:"creator"`
	ChatID         string          `json:"chat_id,omitempty" db:"chat_id"` // optional chat scope
	Deadline       *time.Time      `json:"deadline,omitempty" db:"deadline"`
	ResolutionDate *time.Time      `json:"resolution_date,omitempty" db:"resolution_date"`
	Currency       string          `json:"currency" db:"currency"`
	MinBet         decimal.Decimal `json:"min_bet" db:"min_bet"`
	MaxBet         decimal.Decimal `json:"max_bet" db:"max_bet"`
	IsAnonymous    bool            `json:"is_anonymous" db:"is_anonymous"`
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"` // 0–1
	Status         string          `json:"status" db:"status"`
	TotalPool      decimal.Decimal `json:"total_pool" db:"total_pool"`
	BotCommission  decimal.Decimal `json:"bot_commission" db:"bot_commission"`
	Options        []Option        `json:"options"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Option is one possible outcome of an event, accumulating stakes.
// Invariant: Σ option.TotalAmount over an event == event.TotalPool.
type Option struct {
	ID          string          `json:"id" db:"id"`
	EventID     string          `json:"event_id" db:"event_id"`
	Key         string          `json:"option_key" db:"option_key"` // unique within event
	Text        string          `json:"text" db:"text"`
	Value       string          `json:"value" db:"value"`
	TotalBets   int             `json:"total_bets" db:"total_bets"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
}

// Bet is a user's stake on one option of one event. Currency always equals
// the parent event's currency; Amount lies in [event.MinBet, event.MaxBet].
type Bet struct {
	ID               string          `json:"id" db:"id"`
	EventID          string          `json:"event_id" db:"event_id"`
	OptionKey        string          `json:"option_key" db:"option_key"`
	UserID           string          `json:"user_id" db:"user_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	Payout           decimal.Decimal `json:"payout" db:"payout"`
	Status           string          `json:"status" db:"status"`
	Source           string          `json:"source" db:"source"`
	PaymentReference string          `json:"payment_reference,omitempty" db:"payment_reference"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Resolution records how an event was settled. At most one per event,
// created exactly once at the moment the event transitions to resolved.
type Resolution struct {
	ID                string          `json:"id" db:"id"`
	EventID           string          `json:"event_id" db:"event_id"`
	WinningOptionKeys []string        `json:"winning_option_keys" db:"winning_option_keys"`
	Source            string          `json:"source" db:"source"`
	ResolutionData    string          `json:"resolution_data,omitempty" db:"resolution_data"`
	Resolver          string          `json:"resolver" db:"resolver"`
	TotalWinners      int             `json:"total_winners" db:"total_winners"`
	TotalPayout       decimal.Decimal `json:"total_payout" db:"total_payout"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
}
