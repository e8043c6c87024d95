// Package wager validates and places bets, coordinating the ledger and the
// market store so that a failed placement leaves balances and pool totals
// exactly as they were.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/metrics"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/store"
)

var (
	ErrInvalidEvent     = errors.New("wager: invalid event spec")
	ErrInvalidAmount    = errors.New("wager: amount outside event limits")
	ErrDeadlinePassed   = errors.New("wager: betting deadline passed")
	ErrCurrencyMismatch = errors.New("wager: funding source does not match event currency")

	// Re-exported store errors so callers depend on one package.
	ErrEventNotActive = store.ErrEventNotActive
	ErrUnknownOption  = store.ErrUnknownOption
)

// Source is the tagged funding variant of a bet: payment-sourced bets must
// carry a provider reference, balance-sourced bets carry nothing.
type Source interface {
	isSource()
}

// BalanceSource funds a bet from the user's internal balance.
type BalanceSource struct{}

// PaymentSource funds a bet through the external payment rail, keyed by
// the opaque reference the provider will echo back in its callback.
type PaymentSource struct {
	Reference string
}

func (BalanceSource) isSource() {}
func (PaymentSource) isSource() {}

// OptionSpec describes one outcome at event-creation time.
type OptionSpec struct {
	Key   string `json:"key"`
	Text  string `json:"text"`
	Value string `json:"value"`
}

// EventSpec describes a new event.
type EventSpec struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Creator        string          `json:"creator"`
	ChatID         string          `json:"chat_id"`
	Deadline       *time.Time      `json:"deadline"`
	Currency       string          `json:"currency"`
	MinBet         decimal.Decimal `json:"min_bet"`
	MaxBet         decimal.Decimal `json:"max_bet"`
	IsAnonymous    bool            `json:"is_anonymous"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Options        []OptionSpec    `json:"options"`
}

// Service is the wager engine. It orchestrates the ledger and the market
// store but never mutates their internals directly; every mutation goes
// through an individually atomic store operation.
type Service struct {
	market     store.MarketStore
	ledger     *ledger.Service
	currencies *currency.Registry
	notifier   notify.Notifier
}

// New creates a wager service. Pass notify.Nop{} if no sink is wired.
func New(market store.MarketStore, lg *ledger.Service, reg *currency.Registry, n notify.Notifier) *Service {
	return &Service{market: market, ledger: lg, currencies: reg, notifier: n}
}

// CreateEvent validates the spec and persists a new active event.
func (s *Service) CreateEvent(ctx context.Context, spec EventSpec) (*model.Event, error) {
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if len(spec.Options) < 2 || len(spec.Options) > 10 {
		return nil, fmt.Errorf("%w: need 2-10 options, got %d", ErrInvalidEvent, len(spec.Options))
	}
	seen := make(map[string]bool, len(spec.Options))
	for _, o := range spec.Options {
		if o.Key == "" {
			return nil, fmt.Errorf("%w: option key is required", ErrInvalidEvent)
		}
		if seen[o.Key] {
			return nil, fmt.Errorf("%w: duplicate option key %q", ErrInvalidEvent, o.Key)
		}
		seen[o.Key] = true
	}
	if !spec.MinBet.IsPositive() || spec.MaxBet.LessThan(spec.MinBet) {
		return nil, fmt.Errorf("%w: need 0 < min_bet <= max_bet", ErrInvalidEvent)
	}
	if spec.CommissionRate.IsNegative() || spec.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: commission_rate must be in [0,1]", ErrInvalidEvent)
	}
	if _, err := s.currencies.GetActive(spec.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	event := &model.Event{
		ID:             uuid.New().String(),
		Title:          spec.Title,
		Description:    spec.Description,
		Creator:        spec.Creator,
		ChatID:         spec.ChatID,
		Deadline:       spec.Deadline,
		Currency:       spec.Currency,
		MinBet:         spec.MinBet,
		MaxBet:         spec.MaxBet,
		IsAnonymous:    spec.IsAnonymous,
		CommissionRate: spec.CommissionRate,
		Status:         model.EventActive,
		TotalPool:      decimal.Zero,
		BotCommission:  decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	}
	for _, o := range spec.Options {
		event.Options = append(event.Options, model.Option{
			ID:          uuid.New().String(),
			EventID:     event.ID,
			Key:         o.Key,
			Text:        o.Text,
			Value:       o.Value,
			TotalAmount: decimal.Zero,
		})
	}

	if err := s.market.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	slog.Info("event created",
		"id", event.ID,
		"title", event.Title,
		"creator", event.Creator,
		"currency", event.Currency,
		"options", len(event.Options),
	)
	return event, nil
}

// GetEvent returns an event with its options.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.market.GetEvent(ctx, id)
}

// ListEvents returns events matching the filter.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) ([]model.Event, error) {
	return s.market.ListEvents(ctx, f)
}

// ListUserBets returns a user's bets, newest first.
func (s *Service) ListUserBets(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.market.ListBetsByUser(ctx, userID)
}

// CloseEvent transitions active → closed (deadline reached or explicit
// close); rejects if the event is not active.
func (s *Service) CloseEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.market.UpdateEventStatus(ctx, id, []string{model.EventActive}, model.EventClosed)
}

// PlaceBet validates and places a stake. Balance-funded bets debit the
// ledger and commit atomically; a commit failure after a successful debit
// is compensated by crediting the stake back, so partial application never
// persists. Payment-funded bets are recorded pending and completed later
// by the payment bridge.
func (s *Service) PlaceBet(ctx context.Context, eventID, optionKey, userID string, amount decimal.Decimal, source Source) (*model.Bet, error) {
	event, err := s.market.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if event.Status != model.EventActive {
		metrics.BetsRejected.WithLabelValues("event_not_active").Inc()
		return nil, ErrEventNotActive
	}
	if event.Deadline != nil && !time.Now().Before(*event.Deadline) {
		metrics.BetsRejected.WithLabelValues("deadline_passed").Inc()
		return nil, ErrDeadlinePassed
	}
	if !hasOption(event, optionKey) {
		metrics.BetsRejected.WithLabelValues("unknown_option").Inc()
		return nil, ErrUnknownOption
	}
	if amount.LessThan(event.MinBet) || amount.GreaterThan(event.MaxBet) {
		metrics.BetsRejected.WithLabelValues("invalid_amount").Inc()
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidAmount, amount, event.MinBet, event.MaxBet)
	}

	cur, err := s.currencies.Get(event.Currency)
	if err != nil {
		return nil, err
	}

	bet := &model.Bet{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		OptionKey: optionKey,
		UserID:    userID,
		Amount:    amount,
		Currency:  event.Currency,
		Payout:    decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}

	switch src := source.(type) {
	case BalanceSource:
		if !cur.IsVirtual {
			metrics.BetsRejected.WithLabelValues("currency_mismatch").Inc()
			return nil, fmt.Errorf("%w: %s events require payment funding", ErrCurrencyMismatch, event.Currency)
		}
		bet.Source = model.SourceBalance
		bet.Status = model.BetActive
		if err := s.placeFromBalance(ctx, event, bet); err != nil {
			return nil, err
		}

	case PaymentSource:
		if cur.IsVirtual {
			metrics.BetsRejected.WithLabelValues("currency_mismatch").Inc()
			return nil, fmt.Errorf("%w: %s events are balance-funded", ErrCurrencyMismatch, event.Currency)
		}
		if src.Reference == "" {
			return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidEvent)
		}
		bet.Source = model.SourcePayment
		bet.Status = model.BetPendingPayment
		bet.PaymentReference = src.Reference
		if err := s.market.CreatePendingBet(ctx, bet); err != nil {
			return nil, err
		}
		metrics.PendingPaymentBets.Inc()

	default:
		return nil, fmt.Errorf("wager: unsupported bet source %T", source)
	}

	metrics.BetsPlaced.WithLabelValues(bet.Source).Inc()
	amtF, _ := amount.Float64()
	metrics.BetAmount.Observe(amtF)

	if bet.Status == model.BetActive {
		s.notifier.BetPlaced(notify.BetPlaced{
			BetID:      bet.ID,
			EventID:    event.ID,
			EventTitle: event.Title,
			UserID:     userID,
			OptionKey:  optionKey,
			Amount:     amount.String(),
			Currency:   event.Currency,
			Source:     bet.Source,
		})
	}

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"event_id", event.ID,
		"user", userID,
		"option", optionKey,
		"amount", amount.String(),
		"source", bet.Source,
		"status", bet.Status,
	)
	return bet, nil
}

// placeFromBalance debits the stake then commits the bet. The two store
// calls form one logical transaction: a commit failure triggers a
// compensating refund credit before the error is surfaced.
func (s *Service) placeFromBalance(ctx context.Context, event *model.Event, bet *model.Bet) error {
	ref := ledger.Reference{Type: "event", ID: event.ID, Description: "bet on " + event.Title}

	if _, err := s.ledger.Debit(ctx, bet.UserID, bet.Amount, ref); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.BetsRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return err
	}

	if err := s.market.RecordBetCommit(ctx, bet); err != nil {
		if _, crErr := s.ledger.Credit(ctx, bet.UserID, bet.Amount, model.TxRefund, ref); crErr != nil {
			// The refund itself failed; surface both so the operator can
			// reconcile from the ledger log.
			return errors.Join(err, fmt.Errorf("compensating credit failed: %w", crErr))
		}
		return err
	}
	return nil
}

func hasOption(e *model.Event, key string) bool {
	for _, o := range e.Options {
		if o.Key == key {
			return true
		}
	}
	return false
}
