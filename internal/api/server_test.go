package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/api"
	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/payment"
	"github.com/betpool/wager-engine/internal/settlement"
	"github.com/betpool/wager-engine/internal/store"
	"github.com/betpool/wager-engine/internal/wager"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	market := store.NewMemoryMarketStore()
	reg := currency.DefaultRegistry()
	lg := ledger.New(store.NewMemoryLedgerStore(), reg, "COIN")
	rec := &notify.Recorder{}

	wagerSvc := wager.New(market, lg, reg, rec)
	settlementSvc := settlement.New(market, lg, rec)
	bridge := payment.NewBridge(market, payment.NopProvider{}, rec, 15*time.Minute)

	return api.NewServer(wagerSvc, settlementSvc, bridge, lg, nil).Router()
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func createEvent(t *testing.T, router chi.Router) model.Event {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/events", wager.EventSpec{
		Title:          "Derby winner",
		Creator:        "creator1",
		Currency:       "COIN",
		MinBet:         decimal.NewFromInt(10),
		MaxBet:         decimal.NewFromInt(500),
		CommissionRate: decimal.NewFromFloat(0.05),
		Options: []wager.OptionSpec{
			{Key: "home", Text: "Home"},
			{Key: "away", Text: "Away"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: status %d body %s", w.Code, w.Body.String())
	}
	return decode[model.Event](t, w)
}

func placeBet(t *testing.T, router chi.Router, eventID, key, user string, amount int64) model.Bet {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/bets", api.PlaceBetRequest{
		EventID:   eventID,
		OptionKey: key,
		UserID:    user,
		Amount:    decimal.NewFromInt(amount),
		Source:    "balance",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place bet: status %d body %s", w.Code, w.Body.String())
	}
	return decode[model.Bet](t, w)
}

func TestEventLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	event := createEvent(t, router)

	placeBet(t, router, event.ID, "home", "alice", 100)
	placeBet(t, router, event.ID, "away", "bob", 300)

	// Pool visible on read.
	w := doJSON(t, router, "GET", "/api/v1/events/"+event.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get event: status %d", w.Code)
	}
	got := decode[model.Event](t, w)
	if !got.TotalPool.Equal(decimal.NewFromInt(400)) {
		t.Errorf("expected pool 400, got %s", got.TotalPool)
	}

	// Resolve: away wins. commission floor(400*0.05)=20, bob gets 380.
	w = doJSON(t, router, "POST", "/api/v1/events/"+event.ID+"/resolve", api.ResolveRequest{
		WinningOptionKeys: []string{"away"},
		Resolver:          "admin",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", w.Code, w.Body.String())
	}
	res := decode[model.Resolution](t, w)
	if !res.TotalPayout.Equal(decimal.NewFromInt(380)) {
		t.Errorf("expected payout 380, got %s", res.TotalPayout)
	}

	// Bob's balance reflects the win: 1000 - 300 + 380.
	w = doJSON(t, router, "GET", "/api/v1/users/bob/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d", w.Code)
	}
	balance := decode[model.Balance](t, w)
	if !balance.Amount.Equal(decimal.NewFromInt(1080)) {
		t.Errorf("expected balance 1080, got %s", balance.Amount)
	}

	// Transactions: seed, bet, win.
	w = doJSON(t, router, "GET", "/api/v1/users/bob/transactions", nil)
	txs := decode[[]model.BalanceTransaction](t, w)
	if len(txs) != 3 {
		t.Errorf("expected 3 transactions, got %d", len(txs))
	}

	// A second resolve conflicts.
	w = doJSON(t, router, "POST", "/api/v1/events/"+event.ID+"/resolve", api.ResolveRequest{
		WinningOptionKeys: []string{"away"},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double resolve, got %d", w.Code)
	}
}

func TestPlaceBet_ErrorStatuses(t *testing.T) {
	router := newTestRouter(t)
	event := createEvent(t, router)

	cases := []struct {
		name string
		req  api.PlaceBetRequest
		want int
	}{
		{
			"unknown event",
			api.PlaceBetRequest{EventID: "missing", OptionKey: "home", UserID: "u", Amount: decimal.NewFromInt(50), Source: "balance"},
			http.StatusNotFound,
		},
		{
			"unknown option",
			api.PlaceBetRequest{EventID: event.ID, OptionKey: "draw", UserID: "u", Amount: decimal.NewFromInt(50), Source: "balance"},
			http.StatusConflict,
		},
		{
			"below minimum",
			api.PlaceBetRequest{EventID: event.ID, OptionKey: "home", UserID: "u", Amount: decimal.NewFromInt(1), Source: "balance"},
			http.StatusBadRequest,
		},
		{
			"missing user",
			api.PlaceBetRequest{EventID: event.ID, OptionKey: "home", Amount: decimal.NewFromInt(50), Source: "balance"},
			http.StatusBadRequest,
		},
		{
			"bad source",
			api.PlaceBetRequest{EventID: event.ID, OptionKey: "home", UserID: "u", Amount: decimal.NewFromInt(50), Source: "iou"},
			http.StatusBadRequest,
		},
		{
			"payment without reference",
			api.PlaceBetRequest{EventID: event.ID, OptionKey: "home", UserID: "u", Amount: decimal.NewFromInt(50), Source: "payment"},
			http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/bets", tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d (body %s)", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestPaymentCallbacksOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/events", wager.EventSpec{
		Title:          "Stars bet",
		Creator:        "creator1",
		Currency:       "XTR",
		MinBet:         decimal.NewFromInt(1),
		MaxBet:         decimal.NewFromInt(1000),
		CommissionRate: decimal.Zero,
		Options: []wager.OptionSpec{
			{Key: "yes", Text: "Yes"},
			{Key: "no", Text: "No"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", w.Code, w.Body.String())
	}
	event := decode[model.Event](t, w)

	w = doJSON(t, router, "POST", "/api/v1/bets", api.PlaceBetRequest{
		EventID:          event.ID,
		OptionKey:        "yes",
		UserID:           "alice",
		Amount:           decimal.NewFromInt(40),
		Source:           "payment",
		PaymentReference: "pay-http-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place pending bet: %d %s", w.Code, w.Body.String())
	}
	bet := decode[model.Bet](t, w)
	if bet.Status != model.BetPendingPayment {
		t.Fatalf("expected pending bet, got %s", bet.Status)
	}

	// Confirmation activates the bet and funds the pool.
	w = doJSON(t, router, "POST", "/api/v1/payments/pay-http-1/confirmed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	activated := decode[model.Bet](t, w)
	if activated.Status != model.BetActive {
		t.Errorf("expected active bet, got %s", activated.Status)
	}

	// Replayed callback conflicts; unknown reference is 404.
	w = doJSON(t, router, "POST", "/api/v1/payments/pay-http-1/confirmed", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on replay, got %d", w.Code)
	}
	w = doJSON(t, router, "POST", "/api/v1/payments/nope/confirmed", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown reference, got %d", w.Code)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	event := createEvent(t, router)
	placeBet(t, router, event.ID, "home", "alice", 200)

	w := doJSON(t, router, "POST", "/api/v1/events/"+event.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	got := decode[model.Event](t, w)
	if got.Status != model.EventCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/balance", nil)
	balance := decode[model.Balance](t, w)
	if !balance.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("refund missing: balance %s", balance.Amount)
	}
}

func TestListEventsOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	createEvent(t, router)
	event := createEvent(t, router)

	w := doJSON(t, router, "POST", fmt.Sprintf("/api/v1/events/%s/close", event.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/events?status=active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	events := decode[[]model.Event](t, w)
	if len(events) != 1 {
		t.Errorf("expected 1 active event, got %d", len(events))
	}

	// Empty result is an empty array, not null.
	w = doJSON(t, router, "GET", "/api/v1/events?status=resolved", nil)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestHealthAndUserBets(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}

	event := createEvent(t, router)
	placeBet(t, router, event.ID, "home", "alice", 50)
	placeBet(t, router, event.ID, "away", "alice", 60)

	w = doJSON(t, router, "GET", "/api/v1/users/alice/bets", nil)
	bets := decode[[]model.Bet](t, w)
	if len(bets) != 2 {
		t.Errorf("expected 2 bets, got %d", len(bets))
	}
}
