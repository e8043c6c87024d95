package wager_test

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
	"github.com/betpool/wager-engine/internal/store"
	"github.com/betpool/wager-engine/internal/wager"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type testEnv struct {
	market   *store.MemoryMarketStore
	ledger   *ledger.Service
	wager    *wager.Service
	recorder *notify.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	market := store.NewMemoryMarketStore()
	reg := currency.DefaultRegistry()
	lg := ledger.New(store.NewMemoryLedgerStore(), reg, "COIN")
	rec := &notify.Recorder{}
	return &testEnv{
		market:   market,
		ledger:   lg,
		wager:    wager.New(market, lg, reg, rec),
		recorder: rec,
	}
}

func validSpec() wager.EventSpec {
	return wager.EventSpec{
		Title:          "Match winner",
		Creator:        "creator1",
		Currency:       "COIN",
		MinBet:         d(10),
		MaxBet:         d(500),
		CommissionRate: decimal.NewFromFloat(0.05),
		Options: []wager.OptionSpec{
			{Key: "home", Text: "Home win"},
			{Key: "away", Text: "Away win"},
		},
	}
}

func seedEvent(t *testing.T, env *testEnv, mutate func(*wager.EventSpec)) *model.Event {
	t.Helper()
	spec := validSpec()
	if mutate != nil {
		mutate(&spec)
	}
	event, err := env.wager.CreateEvent(context.Background(), spec)
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return event
}

// --- Event creation ---

func TestCreateEvent(t *testing.T) {
	env := newTestEnv(t)
	event := seedEvent(t, env, nil)

	if event.Status != model.EventActive {
		t.Errorf("expected active, got %s", event.Status)
	}
	if !event.TotalPool.IsZero() {
		t.Errorf("new event pool must be zero, got %s", event.TotalPool)
	}
	if len(event.Options) != 2 {
		t.Errorf("expected 2 options, got %d", len(event.Options))
	}

	got, err := env.wager.GetEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Title != "Match winner" {
		t.Errorf("round-trip title mismatch: %q", got.Title)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*wager.EventSpec)
	}{
		{"empty title", func(s *wager.EventSpec) { s.Title = "" }},
		{"one option", func(s *wager.EventSpec) { s.Options = s.Options[:1] }},
		{"duplicate keys", func(s *wager.EventSpec) { s.Options[1].Key = s.Options[0].Key }},
		{"empty option key", func(s *wager.EventSpec) { s.Options[0].Key = "" }},
		{"zero min bet", func(s *wager.EventSpec) { s.MinBet = decimal.Zero }},
		{"max below min", func(s *wager.EventSpec) { s.MaxBet = d(5) }},
		{"negative commission", func(s *wager.EventSpec) { s.CommissionRate = d(-1) }},
		{"commission above one", func(s *wager.EventSpec) { s.CommissionRate = d(2) }},
		{"unknown currency", func(s *wager.EventSpec) { s.Currency = "DOGE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			if _, err := env.wager.CreateEvent(context.Background(), spec); !errors.Is(err, wager.ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

// --- Bet placement ---

func TestPlaceBet_FromBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	event := seedEvent(t, env, nil)

	bet, err := env.wager.PlaceBet(ctx, event.ID, "home", "alice", d(100), wager.BalanceSource{})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if bet.Status != model.BetActive {
		t.Errorf("expected active bet, got %s", bet.Status)
	}
	if bet.Source != model.SourceBalance {
		t.Errorf("expected balance source, got %s", bet.Source)
	}

	// Stake left the balance and entered the pool atomically.
	b, _ := env.ledger.GetOrCreateBalance(ctx, "alice")
	if !b.Amount.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", b.Amount)
	}
	e, _ := env.wager.GetEvent(ctx, event.ID)
	if !e.TotalPool.Equal(d(100)) {
		t.Errorf("expected pool 100, got %s", e.TotalPool)
	}
	for _, o := range e.Options {
		if o.Key == "home" && (!o.TotalAmount.Equal(d(100)) || o.TotalBets != 1) {
			t.Errorf("home option aggregates wrong: amount=%s bets=%d", o.TotalAmount, o.TotalBets)
		}
	}

	if len(env.recorder.Bets) != 1 {
		t.Errorf("expected 1 bet notification, got %d", len(env.recorder.Bets))
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	event := seedEvent(t, env, nil)
	expired := seedEvent(t, env, func(s *wager.EventSpec) { s.Deadline = &past })
	closed := seedEvent(t, env, nil)
	if _, err := env.wager.CloseEvent(ctx, closed.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	cases := []struct {
		name    string
		eventID string
		option  string
		amount  decimal.Decimal
		want    error
	}{
		{"unknown event", "missing", "home", d(100), store.ErrEventNotFound},
		{"closed event", closed.ID, "home", d(100), wager.ErrEventNotActive},
		{"past deadline", expired.ID, "home", d(100), wager.ErrDeadlinePassed},
		{"unknown option", event.ID, "draw", d(100), wager.ErrUnknownOption},
		{"below minimum", event.ID, "home", d(5), wager.ErrInvalidAmount},
		{"above maximum", event.ID, "home", d(501), wager.ErrInvalidAmount},
		{"insufficient funds", event.ID, "home", d(500), ledger.ErrInsufficientFunds},
	}
	// Drain alice's balance so the last case trips the ledger.
	if _, err := env.wager.PlaceBet(ctx, event.ID, "home", "alice", d(500), wager.BalanceSource{}); err != nil {
		t.Fatalf("setup bet: %v", err)
	}
	if _, err := env.wager.PlaceBet(ctx, event.ID, "home", "alice", d(500), wager.BalanceSource{}); err != nil {
		t.Fatalf("setup bet: %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.wager.PlaceBet(ctx, tc.eventID, tc.option, "alice", tc.amount, wager.BalanceSource{})
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPlaceBet_FailedPlacementLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	event := seedEvent(t, env, nil)

	// Rejection happens before any debit.
	if _, err := env.wager.PlaceBet(ctx, event.ID, "draw", "alice", d(100), wager.BalanceSource{}); err == nil {
		t.Fatal("expected rejection")
	}

	b, _ := env.ledger.GetOrCreateBalance(ctx, "alice")
	if !b.Amount.Equal(d(1000)) {
		t.Errorf("balance moved on failed placement: %s", b.Amount)
	}
	e, _ := env.wager.GetEvent(ctx, event.ID)
	if !e.TotalPool.IsZero() {
		t.Errorf("pool moved on failed placement: %s", e.TotalPool)
	}
	bets, _ := env.wager.ListUserBets(ctx, "alice")
	if len(bets) != 0 {
		t.Errorf("failed placement left a bet record: %d", len(bets))
	}
}

func TestPlaceBet_CurrencySourceMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	virtual := seedEvent(t, env, nil)
	real := seedEvent(t, env, func(s *wager.EventSpec) { s.Currency = "XTR" })

	// Virtual-currency events cannot take payment funding.
	_, err := env.wager.PlaceBet(ctx, virtual.ID, "home", "alice", d(100), wager.PaymentSource{Reference: "pay-1"})
	if !errors.Is(err, wager.ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}

	// Real-currency events cannot be funded from the internal balance.
	_, err = env.wager.PlaceBet(ctx, real.ID, "home", "alice", d(100), wager.BalanceSource{})
	if !errors.Is(err, wager.ErrCurrencyMismatch) {
		t.Errorf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestPlaceBet_PaymentSourceStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	event := seedEvent(t, env, func(s *wager.EventSpec) { s.Currency = "XTR" })

	bet, err := env.wager.PlaceBet(ctx, event.ID, "home", "alice", d(100), wager.PaymentSource{Reference: "pay-1"})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if bet.Status != model.BetPendingPayment {
		t.Errorf("expected pending_payment, got %s", bet.Status)
	}

	// Pool untouched until the payment confirms, and no notification yet.
	e, _ := env.wager.GetEvent(ctx, event.ID)
	if !e.TotalPool.IsZero() {
		t.Errorf("pending bet reached the pool: %s", e.TotalPool)
	}
	if len(env.recorder.Bets) != 0 {
		t.Errorf("pending bet must not notify, got %d", len(env.recorder.Bets))
	}

	got, err := env.market.GetBetByPaymentReference(ctx, "pay-1")
	if err != nil {
		t.Fatalf("lookup by reference: %v", err)
	}
	if got.ID != bet.ID {
		t.Errorf("reference lookup returned wrong bet")
	}
}

func TestCloseEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	event := seedEvent(t, env, nil)

	closed, err := env.wager.CloseEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.EventClosed {
		t.Errorf("expected closed, got %s", closed.Status)
	}

	// Closing twice rejects.
	if _, err := env.wager.CloseEvent(ctx, event.ID); !errors.Is(err, wager.ErrEventNotActive) {
		t.Errorf("expected ErrEventNotActive, got %v", err)
	}
}

func TestListEvents_Filters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedEvent(t, env, func(s *wager.EventSpec) { s.ChatID = "chat-1" })
	seedEvent(t, env, func(s *wager.EventSpec) { s.ChatID = "chat-2"; s.Creator = "creator2" })
	closed := seedEvent(t, env, func(s *wager.EventSpec) { s.ChatID = "chat-1" })
	if _, err := env.wager.CloseEvent(ctx, closed.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, err := env.wager.ListEvents(ctx, store.EventFilter{Status: model.EventActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active events, got %d", len(active))
	}

	chat1, _ := env.wager.ListEvents(ctx, store.EventFilter{ChatID: "chat-1"})
	if len(chat1) != 2 {
		t.Errorf("expected 2 events in chat-1, got %d", len(chat1))
	}

	byCreator, _ := env.wager.ListEvents(ctx, store.EventFilter{Creator: "creator2"})
	if len(byCreator) != 1 {
		t.Errorf("expected 1 event by creator2, got %d", len(byCreator))
	}
}
