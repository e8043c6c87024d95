package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/model"
)

// MemoryLedgerStore implements LedgerStore with in-memory maps. Balance
// mutations for a user run under that user's own mutex, so concurrent
// debits for one user serialize while different users proceed in parallel.
// Used for testing and development.
type MemoryLedgerStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu      sync.Mutex
	balance model.Balance
	log     []model.BalanceTransaction
}

// NewMemoryLedgerStore creates a new in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{accounts: make(map[string]*memAccount)}
}

func (s *MemoryLedgerStore) account(userID string) (*memAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	return a, ok
}

func (s *MemoryLedgerStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	a, ok := s.account(userID)
	if !ok {
		return nil, ErrBalanceNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance
	return &b, nil
}

func (s *MemoryLedgerStore) CreateBalance(_ context.Context, b *model.Balance, seed *model.BalanceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[b.UserID]; ok {
		return ErrBalanceExists
	}
	acct := &memAccount{balance: *b}
	if seed != nil {
		acct.log = append(acct.log, *seed)
	}
	s.accounts[b.UserID] = acct
	return nil
}

func (s *MemoryLedgerStore) ApplyDebit(_ context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error) {
	a, ok := s.account(userID)
	if !ok {
		return nil, ErrBalanceNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance.Amount.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	before := a.balance.Amount
	a.balance.Amount = before.Sub(amount)
	a.balance.UpdatedAt = time.Now().UTC()
	applyCounter(&a.balance, detail.Type, amount)

	tx := model.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount.Neg(),
		BalanceBefore: before,
		BalanceAfter:  a.balance.Amount,
		Type:          detail.Type,
		ReferenceType: detail.ReferenceType,
		ReferenceID:   detail.ReferenceID,
		Description:   detail.Description,
		Timestamp:     a.balance.UpdatedAt,
	}
	a.log = append(a.log, tx)
	return &tx, nil
}

func (s *MemoryLedgerStore) ApplyCredit(_ context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error) {
	a, ok := s.account(userID)
	if !ok {
		return nil, ErrBalanceNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.balance.Amount
	a.balance.Amount = before.Add(amount)
	a.balance.UpdatedAt = time.Now().UTC()
	applyCounter(&a.balance, detail.Type, amount)

	tx := model.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  a.balance.Amount,
		Type:          detail.Type,
		ReferenceType: detail.ReferenceType,
		ReferenceID:   detail.ReferenceID,
		Description:   detail.Description,
		Timestamp:     a.balance.UpdatedAt,
	}
	a.log = append(a.log, tx)
	return &tx, nil
}

func (s *MemoryLedgerStore) TransactionsByUser(_ context.Context, userID string) ([]model.BalanceTransaction, error) {
	a, ok := s.account(userID)
	if !ok {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.BalanceTransaction, len(a.log))
	copy(out, a.log)
	return out, nil
}

// MemoryMarketStore implements MarketStore with in-memory maps under one
// mutex. Good enough for testing and development; the PostgreSQL store
// carries the per-event concurrency for production.
type MemoryMarketStore struct {
	mu          sync.RWMutex
	events      map[string]*model.Event
	bets        map[string]*model.Bet
	betByRef    map[string]string // payment reference → bet id
	resolutions map[string]*model.Resolution
}

// NewMemoryMarketStore creates a new in-memory market store.
func NewMemoryMarketStore() *MemoryMarketStore {
	return &MemoryMarketStore{
		events:      make(map[string]*model.Event),
		bets:        make(map[string]*model.Bet),
		betByRef:    make(map[string]string),
		resolutions: make(map[string]*model.Resolution),
	}
}

func copyEvent(e *model.Event) *model.Event {
	out := *e
	out.Options = make([]model.Option, len(e.Options))
	copy(out.Options, e.Options)
	return &out
}

func (s *MemoryMarketStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = copyEvent(e)
	return nil
}

func (s *MemoryMarketStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (s *MemoryMarketStore) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Creator != "" && e.Creator != f.Creator {
			continue
		}
		if f.ChatID != "" && e.ChatID != f.ChatID {
			continue
		}
		events = append(events, *copyEvent(e))
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

func (s *MemoryMarketStore) UpdateEventStatus(_ context.Context, id string, from []string, to string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	if !statusIn(e.Status, from) {
		return nil, transitionError(e.Status)
	}
	e.Status = to
	return copyEvent(e), nil
}

func (s *MemoryMarketStore) RecordBetCommit(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(bet)
}

// commitLocked inserts an active bet and bumps aggregates. Caller holds mu.
func (s *MemoryMarketStore) commitLocked(bet *model.Bet) error {
	e, ok := s.events[bet.EventID]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != model.EventActive {
		return ErrEventNotActive
	}

	opt := optionByKey(e, bet.OptionKey)
	if opt == nil {
		return ErrUnknownOption
	}

	opt.TotalAmount = opt.TotalAmount.Add(bet.Amount)
	opt.TotalBets++
	e.TotalPool = e.TotalPool.Add(bet.Amount)

	b := *bet
	b.Status = model.BetActive
	s.bets[b.ID] = &b
	if b.PaymentReference != "" {
		s.betByRef[b.PaymentReference] = b.ID
	}
	return nil
}

func (s *MemoryMarketStore) CreatePendingBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *bet
	b.Status = model.BetPendingPayment
	s.bets[b.ID] = &b
	if b.PaymentReference != "" {
		s.betByRef[b.PaymentReference] = b.ID
	}
	return nil
}

func (s *MemoryMarketStore) ActivatePendingBet(_ context.Context, betID string) (*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return nil, ErrBetNotFound
	}
	if b.Status != model.BetPendingPayment {
		return nil, ErrBetNotPending
	}

	e, ok := s.events[b.EventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	if e.Status != model.EventActive {
		return nil, ErrEventNotActive
	}

	opt := optionByKey(e, b.OptionKey)
	if opt == nil {
		return nil, ErrUnknownOption
	}

	opt.TotalAmount = opt.TotalAmount.Add(b.Amount)
	opt.TotalBets++
	e.TotalPool = e.TotalPool.Add(b.Amount)
	b.Status = model.BetActive

	out := *b
	return &out, nil
}

func (s *MemoryMarketStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bets[id]
	if !ok {
		return nil, ErrBetNotFound
	}
	out := *b
	return &out, nil
}

func (s *MemoryMarketStore) GetBetByPaymentReference(_ context.Context, ref string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.betByRef[ref]
	if !ok {
		return nil, ErrBetNotFound
	}
	out := *s.bets[id]
	return &out, nil
}

func (s *MemoryMarketStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.UserID == userID {
			bets = append(bets, *b)
		}
	}
	sort.Slice(bets, func(i, j int) bool {
		return bets[i].CreatedAt.After(bets[j].CreatedAt)
	})
	return bets, nil
}

func (s *MemoryMarketStore) ListBetsByEvent(_ context.Context, eventID string, statuses ...string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.EventID != eventID {
			continue
		}
		if len(statuses) > 0 && !statusIn(b.Status, statuses) {
			continue
		}
		bets = append(bets, *b)
	}
	sort.Slice(bets, func(i, j int) bool {
		return bets[i].CreatedAt.Before(bets[j].CreatedAt)
	})
	return bets, nil
}

func (s *MemoryMarketStore) SetBetOutcome(_ context.Context, betID, status string, payout decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return ErrBetNotFound
	}
	b.Status = status
	b.Payout = payout
	return nil
}

func (s *MemoryMarketStore) ListExpiredPendingBets(_ context.Context, cutoff time.Time) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.Status == model.BetPendingPayment && b.CreatedAt.Before(cutoff) {
			bets = append(bets, *b)
		}
	}
	return bets, nil
}

func (s *MemoryMarketStore) ListEventsPastDeadline(_ context.Context, now time.Time) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.Event
	for _, e := range s.events {
		if e.Status == model.EventActive && e.Deadline != nil && e.Deadline.Before(now) {
			events = append(events, *copyEvent(e))
		}
	}
	return events, nil
}

func (s *MemoryMarketStore) FinalizeResolution(_ context.Context, eventID string, botCommission decimal.Decimal, res *model.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != model.EventResolving {
		return transitionError(e.Status)
	}

	e.Status = model.EventResolved
	e.BotCommission = botCommission
	now := res.Timestamp
	e.ResolutionDate = &now

	r := *res
	r.WinningOptionKeys = append([]string(nil), res.WinningOptionKeys...)
	s.resolutions[eventID] = &r
	return nil
}

func (s *MemoryMarketStore) GetResolution(_ context.Context, eventID string) (*model.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resolutions[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *r
	return &out, nil
}

func optionByKey(e *model.Event, key string) *model.Option {
	for i := range e.Options {
		if e.Options[i].Key == key {
			return &e.Options[i]
		}
	}
	return nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
