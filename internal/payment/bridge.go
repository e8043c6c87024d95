// Package payment reconciles pending externally-funded bets with provider
// callbacks, translating them into market store operations. The engine's
// atomic operations never retry; bounded retry against the external rail
// lives here, on the bridge's side of the boundary.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/metrics"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/store"
)

var (
	ErrUnknownPaymentReference = errors.New("payment: unknown payment reference")
	ErrNotPending              = errors.New("payment: bet is not awaiting payment")
)

// ProviderClient instructs the external payment provider. Implementations
// wrap the provider's HTTP API; the bridge retries transient failures with
// bounded backoff.
type ProviderClient interface {
	// Refund returns a received payment to the payer.
	Refund(ctx context.Context, reference string) error
}

// NopProvider ignores refund instructions. Used when no rail is wired.
type NopProvider struct{}

func (NopProvider) Refund(context.Context, string) error { return nil }

// Bridge completes or cancels pending bets in response to provider
// callbacks, and sweeps abandoned ones so they cannot block accounting
// forever.
type Bridge struct {
	market   store.MarketStore
	provider ProviderClient
	notifier notify.Notifier
	grace    time.Duration

	// RetryBase is the initial backoff for provider refund retries.
	RetryBase time.Duration
}

// NewBridge creates a payment bridge. grace bounds how long a bet may wait
// for its payment confirmation.
func NewBridge(market store.MarketStore, provider ProviderClient, n notify.Notifier, grace time.Duration) *Bridge {
	return &Bridge{market: market, provider: provider, notifier: n, grace: grace, RetryBase: 500 * time.Millisecond}
}

// OnPaymentConfirmed activates the pending bet for a confirmed payment,
// performing the same atomic pool commit as a balance-funded placement.
// If the event closed before the confirmation landed, the money is
// returned through the provider and the bet is cancelled.
func (b *Bridge) OnPaymentConfirmed(ctx context.Context, reference string) (*model.Bet, error) {
	bet, err := b.market.GetBetByPaymentReference(ctx, reference)
	if errors.Is(err, store.ErrBetNotFound) {
		return nil, ErrUnknownPaymentReference
	}
	if err != nil {
		return nil, err
	}
	if bet.Status != model.BetPendingPayment {
		return nil, ErrNotPending
	}

	event, err := b.market.GetEvent(ctx, bet.EventID)
	if err != nil {
		return nil, err
	}

	deadlineOver := event.Deadline != nil && !time.Now().Before(*event.Deadline)
	if event.Status != model.EventActive || deadlineOver {
		return nil, b.refundLate(ctx, bet)
	}

	activated, err := b.market.ActivatePendingBet(ctx, bet.ID)
	if errors.Is(err, store.ErrEventNotActive) {
		// Lost the race with the resolution gate between the check above
		// and the commit.
		return nil, b.refundLate(ctx, bet)
	}
	if err != nil {
		return nil, err
	}

	metrics.PendingPaymentBets.Dec()
	b.notifier.BetPlaced(notify.BetPlaced{
		BetID:      activated.ID,
		EventID:    event.ID,
		EventTitle: event.Title,
		UserID:     activated.UserID,
		OptionKey:  activated.OptionKey,
		Amount:     activated.Amount.String(),
		Currency:   activated.Currency,
		Source:     activated.Source,
	})

	slog.Info("payment confirmed",
		"reference", reference,
		"bet_id", activated.ID,
		"event_id", event.ID,
		"amount", activated.Amount.String(),
	)
	return activated, nil
}

// refundLate returns money that arrived after the market closed and
// cancels the bet. The provider call is retried with bounded backoff;
// the bet is cancelled regardless so it cannot re-enter the pool.
func (b *Bridge) refundLate(ctx context.Context, bet *model.Bet) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(b.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.provider.Refund(ctx, bet.PaymentReference); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		slog.Error("external refund failed after retries",
			"reference", bet.PaymentReference, "bet_id", bet.ID, "err", err)
	}

	if err := b.market.SetBetOutcome(ctx, bet.ID, model.BetCancelled, decimal.Zero); err != nil {
		return err
	}
	metrics.PendingPaymentBets.Dec()
	slog.Warn("late payment refunded", "reference", bet.PaymentReference, "bet_id", bet.ID)
	return store.ErrEventNotActive
}

// OnPaymentFailed cancels the pending bet for a failed payment. No ledger
// or pool state is touched; nothing was ever funded.
func (b *Bridge) OnPaymentFailed(ctx context.Context, reference string) error {
	bet, err := b.market.GetBetByPaymentReference(ctx, reference)
	if errors.Is(err, store.ErrBetNotFound) {
		return ErrUnknownPaymentReference
	}
	if err != nil {
		return err
	}
	if bet.Status != model.BetPendingPayment {
		return ErrNotPending
	}

	if err := b.market.SetBetOutcome(ctx, bet.ID, model.BetCancelled, decimal.Zero); err != nil {
		return err
	}
	metrics.PendingPaymentBets.Dec()
	slog.Info("payment failed, bet cancelled", "reference", reference, "bet_id", bet.ID)
	return nil
}

// OnPaymentExpired cancels a pending bet that outlived the grace period.
func (b *Bridge) OnPaymentExpired(ctx context.Context, reference string) error {
	bet, err := b.market.GetBetByPaymentReference(ctx, reference)
	if errors.Is(err, store.ErrBetNotFound) {
		return ErrUnknownPaymentReference
	}
	if err != nil {
		return err
	}
	if bet.Status != model.BetPendingPayment {
		return ErrNotPending
	}
	if time.Since(bet.CreatedAt) < b.grace {
		return nil // still within grace, leave it for the provider
	}

	if err := b.market.SetBetOutcome(ctx, bet.ID, model.BetCancelled, decimal.Zero); err != nil {
		return err
	}
	metrics.PendingPaymentBets.Dec()
	return nil
}

// SweepExpired cancels every pending bet older than the grace period and
// closes active events whose deadline has passed. Called periodically by
// Run and usable directly in tests.
func (b *Bridge) SweepExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-b.grace)
	expired, err := b.market.ListExpiredPendingBets(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, bet := range expired {
		if err := b.market.SetBetOutcome(ctx, bet.ID, model.BetCancelled, decimal.Zero); err != nil {
			return err
		}
		metrics.PendingPaymentBets.Dec()
		slog.Info("expired pending bet swept", "bet_id", bet.ID, "reference", bet.PaymentReference)
	}

	overdue, err := b.market.ListEventsPastDeadline(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, e := range overdue {
		if _, err := b.market.UpdateEventStatus(ctx, e.ID,
			[]string{model.EventActive}, model.EventClosed); err != nil {
			// Someone else moved it first; nothing to do.
			continue
		}
		slog.Info("event closed at deadline", "event_id", e.ID)
	}
	return nil
}

// Run sweeps on the given interval until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("payment sweeper running", "interval", interval, "grace", b.grace)
	for {
		select {
		case <-ctx.Done():
			slog.Info("payment sweeper stopped")
			return
		case <-ticker.C:
			if err := b.SweepExpired(ctx); err != nil {
				slog.Error("sweep failed", "err", err)
			}
		}
	}
}
