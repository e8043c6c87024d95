// Package ledger owns all balance mutation. It is the sole writer of
// balance state: callers debit and credit through it and receive the
// resulting immutable transaction record, never touching balances directly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/store"
)

// ErrInsufficientFunds is returned when a debit exceeds the balance.
// The engine never retries it; that is a caller decision.
var ErrInsufficientFunds = store.ErrInsufficientFunds

// Reference identifies what a balance movement was for.
type Reference struct {
	Type        string
	ID          string
	Description string
}

// Service mediates every balance read and write. All mutations for one
// user are linearized by the underlying store.
type Service struct {
	store      store.LedgerStore
	currencies *currency.Registry
	homeCode   string
}

// New creates a ledger service. homeCode names the virtual currency whose
// initial grant seeds new balances.
func New(st store.LedgerStore, reg *currency.Registry, homeCode string) *Service {
	return &Service{store: st, currencies: reg, homeCode: homeCode}
}

// GetOrCreateBalance returns the user's balance, creating one seeded with
// the home currency's initial grant on first use. Idempotent per user:
// a concurrent create losing the race falls back to the winner's row.
func (s *Service) GetOrCreateBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := s.store.GetBalance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrBalanceNotFound) {
		return nil, err
	}

	cur, err := s.currencies.Get(s.homeCode)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fresh := &model.Balance{
		UserID:         userID,
		Amount:         cur.InitialBalance,
		TotalDeposited: cur.InitialBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var seed *model.BalanceTransaction
	if cur.InitialBalance.IsPositive() {
		seed = &model.BalanceTransaction{
			ID:            uuid.New().String(),
			UserID:        userID,
			Amount:        cur.InitialBalance,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  cur.InitialBalance,
			Type:          model.TxInitial,
			ReferenceType: "currency",
			ReferenceID:   cur.Code,
			Description:   "initial balance grant",
			Timestamp:     now,
		}
	}

	err = s.store.CreateBalance(ctx, fresh, seed)
	if errors.Is(err, store.ErrBalanceExists) {
		return s.store.GetBalance(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("balance created", "user", userID, "initial", cur.InitialBalance.String())
	return fresh, nil
}

// Debit removes amount from the user's balance, appending a bet-typed
// transaction. Fails with ErrInsufficientFunds leaving state untouched.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref Reference) (*model.BalanceTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: debit amount must be positive, got %s", amount)
	}
	if _, err := s.GetOrCreateBalance(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ApplyDebit(ctx, userID, amount, store.TxDetail{
		Type:          model.TxBet,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		Description:   ref.Description,
	})
}

// Credit adds amount to the user's balance with the given transaction type
// (win, refund, deposit). Always succeeds for a valid amount.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, txType string, ref Reference) (*model.BalanceTransaction, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("ledger: credit amount must not be negative, got %s", amount)
	}
	if _, err := s.GetOrCreateBalance(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ApplyCredit(ctx, userID, amount, store.TxDetail{
		Type:          txType,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		Description:   ref.Description,
	})
}

// History returns the user's ledger entries oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]model.BalanceTransaction, error) {
	return s.store.TransactionsByUser(ctx, userID)
}
