package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/payment"
	"github.com/betpool/wager-engine/internal/store"
	"github.com/betpool/wager-engine/internal/wager"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// fakeProvider records refund instructions; fail makes every call error.
type fakeProvider struct {
	refunds []string
	fail    bool
}

func (p *fakeProvider) Refund(_ context.Context, reference string) error {
	if p.fail {
		return errors.New("provider unavailable")
	}
	p.refunds = append(p.refunds, reference)
	return nil
}

type testEnv struct {
	market   *store.MemoryMarketStore
	wager    *wager.Service
	bridge   *payment.Bridge
	provider *fakeProvider
	recorder *notify.Recorder
}

func newTestEnv(t *testing.T, grace time.Duration) *testEnv {
	t.Helper()
	market := store.NewMemoryMarketStore()
	reg := currency.DefaultRegistry()
	lg := ledger.New(store.NewMemoryLedgerStore(), reg, "COIN")
	rec := &notify.Recorder{}
	provider := &fakeProvider{}
	return &testEnv{
		market:   market,
		wager:    wager.New(market, lg, reg, rec),
		bridge:   payment.NewBridge(market, provider, rec, grace),
		provider: provider,
		recorder: rec,
	}
}

// seedPendingBet places a payment-funded bet on a fresh XTR event.
func seedPendingBet(t *testing.T, env *testEnv, reference string, deadline *time.Time) (*model.Event, *model.Bet) {
	t.Helper()
	ctx := context.Background()
	event, err := env.wager.CreateEvent(ctx, wager.EventSpec{
		Title:          "Stars event",
		Creator:        "creator1",
		Currency:       "XTR",
		Deadline:       deadline,
		MinBet:         d(1),
		MaxBet:         d(1000),
		CommissionRate: decimal.NewFromFloat(0.05),
		Options: []wager.OptionSpec{
			{Key: "yes", Text: "Yes"},
			{Key: "no", Text: "No"},
		},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	bet, err := env.wager.PlaceBet(ctx, event.ID, "yes", "alice", d(50), wager.PaymentSource{Reference: reference})
	if err != nil {
		t.Fatalf("place pending bet: %v", err)
	}
	return event, bet
}

func TestOnPaymentConfirmed_ActivatesBet(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	ctx := context.Background()
	event, bet := seedPendingBet(t, env, "pay-1", nil)

	activated, err := env.bridge.OnPaymentConfirmed(ctx, "pay-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if activated.ID != bet.ID || activated.Status != model.BetActive {
		t.Errorf("expected active bet %s, got %+v", bet.ID, activated)
	}

	// The commit mirrors a balance placement: pool and option aggregates.
	e, _ := env.market.GetEvent(ctx, event.ID)
	if !e.TotalPool.Equal(d(50)) {
		t.Errorf("expected pool 50, got %s", e.TotalPool)
	}
	if len(env.recorder.Bets) != 1 {
		t.Errorf("expected bet notification on activation, got %d", len(env.recorder.Bets))
	}

	// A duplicate callback is rejected, not double-counted.
	if _, err := env.bridge.OnPaymentConfirmed(ctx, "pay-1"); !errors.Is(err, payment.ErrNotPending) {
		t.Errorf("expected ErrNotPending on replay, got %v", err)
	}
	e, _ = env.market.GetEvent(ctx, event.ID)
	if !e.TotalPool.Equal(d(50)) {
		t.Errorf("replay changed the pool: %s", e.TotalPool)
	}
}

func TestOnPaymentConfirmed_UnknownReference(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	if _, err := env.bridge.OnPaymentConfirmed(context.Background(), "nope"); !errors.Is(err, payment.ErrUnknownPaymentReference) {
		t.Fatalf("expected ErrUnknownPaymentReference, got %v", err)
	}
}

func TestOnPaymentConfirmed_LateArrivalRefunded(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	ctx := context.Background()
	event, bet := seedPendingBet(t, env, "pay-late", nil)

	// Event closes before the confirmation lands.
	if _, err := env.wager.CloseEvent(ctx, event.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := env.bridge.OnPaymentConfirmed(ctx, "pay-late")
	if !errors.Is(err, store.ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive, got %v", err)
	}

	// Money went back through the provider and the bet is void.
	if len(env.provider.refunds) != 1 || env.provider.refunds[0] != "pay-late" {
		t.Errorf("expected provider refund for pay-late, got %v", env.provider.refunds)
	}
	got, _ := env.market.GetBet(ctx, bet.ID)
	if got.Status != model.BetCancelled {
		t.Errorf("expected cancelled bet, got %s", got.Status)
	}
	e, _ := env.market.GetEvent(ctx, event.ID)
	if !e.TotalPool.IsZero() {
		t.Errorf("late payment reached the pool: %s", e.TotalPool)
	}
}

func TestOnPaymentConfirmed_PastDeadlineRefunded(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	ctx := context.Background()

	soon := time.Now().Add(30 * time.Millisecond)
	_, bet := seedPendingBet(t, env, "pay-2", &soon)
	time.Sleep(50 * time.Millisecond)

	if _, err := env.bridge.OnPaymentConfirmed(ctx, "pay-2"); !errors.Is(err, store.ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive, got %v", err)
	}
	got, _ := env.market.GetBet(ctx, bet.ID)
	if got.Status != model.BetCancelled {
		t.Errorf("expected cancelled bet, got %s", got.Status)
	}
}

func TestOnPaymentFailed_CancelsWithoutRefund(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	ctx := context.Background()
	event, bet := seedPendingBet(t, env, "pay-3", nil)

	if err := env.bridge.OnPaymentFailed(ctx, "pay-3"); err != nil {
		t.Fatalf("fail callback: %v", err)
	}

	got, _ := env.market.GetBet(ctx, bet.ID)
	if got.Status != model.BetCancelled {
		t.Errorf("expected cancelled bet, got %s", got.Status)
	}
	// Nothing was ever received, so nothing goes back out.
	if len(env.provider.refunds) != 0 {
		t.Errorf("unexpected provider refund: %v", env.provider.refunds)
	}
	e, _ := env.market.GetEvent(ctx, event.ID)
	if !e.TotalPool.IsZero() {
		t.Errorf("failed payment reached the pool: %s", e.TotalPool)
	}
}

func TestSweepExpired_CancelsStalePendingBets(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	ctx := context.Background()
	_, stale := seedPendingBet(t, env, "pay-stale", nil)

	time.Sleep(40 * time.Millisecond)
	_, fresh := seedPendingBet(t, env, "pay-fresh", nil)

	if err := env.bridge.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := env.market.GetBet(ctx, stale.ID)
	if got.Status != model.BetCancelled {
		t.Errorf("stale bet not swept: %s", got.Status)
	}
	got, _ = env.market.GetBet(ctx, fresh.ID)
	if got.Status != model.BetPendingPayment {
		t.Errorf("fresh bet swept early: %s", got.Status)
	}
}

func TestSweepExpired_ClosesEventsPastDeadline(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	event, err := env.wager.CreateEvent(ctx, wager.EventSpec{
		Title:          "Already over",
		Creator:        "creator1",
		Currency:       "COIN",
		Deadline:       &past,
		MinBet:         d(1),
		MaxBet:         d(100),
		CommissionRate: decimal.Zero,
		Options: []wager.OptionSpec{
			{Key: "a", Text: "A"},
			{Key: "b", Text: "B"},
		},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := env.bridge.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	e, _ := env.market.GetEvent(ctx, event.ID)
	if e.Status != model.EventClosed {
		t.Errorf("expected deadline close, got %s", e.Status)
	}
}

func TestRefundLate_ProviderFailureStillCancelsBet(t *testing.T) {
	env := newTestEnv(t, 15*time.Minute)
	ctx := context.Background()
	event, bet := seedPendingBet(t, env, "pay-broken", nil)
	env.provider.fail = true
	env.bridge.RetryBase = time.Millisecond

	if _, err := env.wager.CloseEvent(ctx, event.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.bridge.OnPaymentConfirmed(ctx, "pay-broken"); !errors.Is(err, store.ErrEventNotActive) {
		t.Fatalf("expected ErrEventNotActive, got %v", err)
	}

	// The bet must not linger pending even when the rail is down; the
	// refund is reconciled operationally from the logs.
	got, _ := env.market.GetBet(ctx, bet.ID)
	if got.Status != model.BetCancelled {
		t.Errorf("expected cancelled bet, got %s", got.Status)
	}
}
