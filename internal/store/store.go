// Package store defines the persistence interfaces for the wagering engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for market reads), and in-memory (for testing and development).
//
// Every method that touches more than one row is a single atomic unit:
// callers never observe a bet without its pool increments, or a balance
// change without its ledger entry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/model"
)

var (
	ErrEventNotFound     = errors.New("store: event not found")
	ErrBetNotFound       = errors.New("store: bet not found")
	ErrBalanceNotFound   = errors.New("store: balance not found")
	ErrBalanceExists     = errors.New("store: balance already exists")
	ErrUnknownOption     = errors.New("store: unknown option")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
	ErrEventNotActive    = errors.New("store: event not active")
	ErrAlreadyResolving  = errors.New("store: resolution already in flight")
	ErrAlreadyResolved   = errors.New("store: event already resolved")
	ErrBetNotPending     = errors.New("store: bet not pending payment")
)

// TxDetail carries the caller-supplied fields of a balance transaction.
// The store fills in id, balance_before/after, and timestamp under the
// same lock that moves the balance.
type TxDetail struct {
	Type          string
	ReferenceType string
	ReferenceID   string
	Description   string
}

// LedgerStore owns Balance and BalanceTransaction state. All mutations on a
// single user's balance are linearized; different users never contend.
type LedgerStore interface {
	// GetBalance returns a user's balance, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)

	// CreateBalance inserts a new balance together with its seeding
	// transaction. Returns ErrBalanceExists if the user already has one.
	CreateBalance(ctx context.Context, b *model.Balance, seed *model.BalanceTransaction) error

	// ApplyDebit atomically decrements the balance and appends a ledger
	// entry. Returns ErrInsufficientFunds without any state change if the
	// balance cannot cover amount. The amount ≥ 0 invariant is enforced
	// here and cannot be bypassed by concurrent callers.
	ApplyDebit(ctx context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error)

	// ApplyCredit atomically increments the balance and appends a ledger
	// entry. Always succeeds for an existing balance (no upper bound).
	ApplyCredit(ctx context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error)

	// TransactionsByUser returns a user's ledger entries oldest first.
	TransactionsByUser(ctx context.Context, userID string) ([]model.BalanceTransaction, error)
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Status  string
	Creator string
	ChatID  string
}

// MarketStore owns Event, Option, Bet, and Resolution state.
type MarketStore interface {
	// CreateEvent persists a new event and its options.
	CreateEvent(ctx context.Context, e *model.Event) error

	// GetEvent retrieves an event with its options.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// ListEvents returns events matching the filter, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)

	// UpdateEventStatus transitions an event from any status in `from` to
	// `to` as a single compare-and-swap, returning the updated event. A
	// failed swap reports why: ErrAlreadyResolving / ErrAlreadyResolved
	// for events past the resolution gate, ErrEventNotActive otherwise.
	UpdateEventStatus(ctx context.Context, id string, from []string, to string) (*model.Event, error)

	// RecordBetCommit inserts an active bet and bumps the option and pool
	// aggregates in one unit. Fails with ErrEventNotActive when the event
	// has left the active status (the resolution gate re-check).
	RecordBetCommit(ctx context.Context, bet *model.Bet) error

	// CreatePendingBet inserts a pending_payment bet without touching any
	// aggregates.
	CreatePendingBet(ctx context.Context, bet *model.Bet) error

	// ActivatePendingBet performs the same atomic commit as RecordBetCommit
	// for an existing pending_payment bet, flipping it to active.
	ActivatePendingBet(ctx context.Context, betID string) (*model.Bet, error)

	// GetBet retrieves a bet by id.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// GetBetByPaymentReference retrieves the bet created for an external
	// payment reference.
	GetBetByPaymentReference(ctx context.Context, ref string) (*model.Bet, error)

	// ListBetsByUser returns a user's bets, newest first.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// ListBetsByEvent returns an event's bets, optionally filtered to the
	// given statuses.
	ListBetsByEvent(ctx context.Context, eventID string, statuses ...string) ([]model.Bet, error)

	// SetBetOutcome marks a bet won/lost/refunded/cancelled with its payout.
	SetBetOutcome(ctx context.Context, betID, status string, payout decimal.Decimal) error

	// ListExpiredPendingBets returns pending_payment bets created before
	// the cutoff.
	ListExpiredPendingBets(ctx context.Context, cutoff time.Time) ([]model.Bet, error)

	// ListEventsPastDeadline returns active events whose deadline has
	// passed as of now.
	ListEventsPastDeadline(ctx context.Context, now time.Time) ([]model.Event, error)

	// FinalizeResolution writes the resolution record, stores the final
	// commission, and transitions resolving → resolved in one unit.
	FinalizeResolution(ctx context.Context, eventID string, botCommission decimal.Decimal, res *model.Resolution) error

	// GetResolution returns the resolution for an event, or ErrEventNotFound.
	GetResolution(ctx context.Context, eventID string) (*model.Resolution, error)
}

// transitionError explains a failed status CAS in terms of where the event
// actually is.
func transitionError(current string) error {
	switch current {
	case model.EventResolving:
		return ErrAlreadyResolving
	case model.EventResolved:
		return ErrAlreadyResolved
	default:
		return ErrEventNotActive
	}
}

// applyCounter returns the cumulative-counter deltas for a transaction
// type. Refunds reverse the earlier bet debit so total_lost tracks net
// wager losses.
func applyCounter(b *model.Balance, txType string, amount decimal.Decimal) {
	switch txType {
	case model.TxInitial, model.TxDeposit:
		b.TotalDeposited = b.TotalDeposited.Add(amount)
	case model.TxWin:
		b.TotalWon = b.TotalWon.Add(amount)
	case model.TxBet:
		b.TotalLost = b.TotalLost.Add(amount)
	case model.TxRefund:
		b.TotalLost = b.TotalLost.Sub(amount)
	case model.TxWithdrawal:
		b.TotalWithdrawn = b.TotalWithdrawn.Add(amount)
	}
}
