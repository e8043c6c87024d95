// Package api exposes the engine's boundary operations over HTTP. It is a
// thin translation layer: decode, call the engine, map the error taxonomy
// to status codes. No business rules live here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/metrics"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/payment"
	"github.com/betpool/wager-engine/internal/settlement"
	"github.com/betpool/wager-engine/internal/store"
	"github.com/betpool/wager-engine/internal/wager"
)

// Server wires the engine services into an HTTP router.
type Server struct {
	wager      *wager.Service
	settlement *settlement.Service
	bridge     *payment.Bridge
	ledger     *ledger.Service
	hub        *notify.Hub // optional; nil disables /ws
}

// NewServer creates the HTTP surface over the engine services.
func NewServer(w *wager.Service, s *settlement.Service, b *payment.Bridge, lg *ledger.Service, hub *notify.Hub) *Server {
	return &Server{wager: w, settlement: s, bridge: b, ledger: lg, hub: hub}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/events", s.ListEvents)
		r.Post("/events", s.CreateEvent)
		r.Get("/events/{eventID}", s.GetEvent)
		r.Post("/events/{eventID}/close", s.CloseEvent)
		r.Post("/events/{eventID}/resolve", s.ResolveEvent)
		r.Post("/events/{eventID}/cancel", s.CancelEvent)

		r.Post("/bets", s.PlaceBet)

		r.Get("/users/{userID}/bets", s.ListUserBets)
		r.Get("/users/{userID}/balance", s.GetBalance)
		r.Get("/users/{userID}/transactions", s.ListTransactions)

		r.Post("/payments/{reference}/confirmed", s.PaymentConfirmed)
		r.Post("/payments/{reference}/failed", s.PaymentFailed)
		r.Post("/payments/{reference}/expired", s.PaymentExpired)
	})
	return r
}

// --- Request types ---

// PlaceBetRequest is the JSON body for POST /api/v1/bets.
type PlaceBetRequest struct {
	EventID          string          `json:"event_id"`
	OptionKey        string          `json:"option_key"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Source           string          `json:"source"` // "balance" or "payment"
	PaymentReference string          `json:"payment_reference,omitempty"`
}

// ResolveRequest is the JSON body for POST /api/v1/events/{id}/resolve.
type ResolveRequest struct {
	WinningOptionKeys []string `json:"winning_option_keys"`
	Source            string   `json:"source"`
	ResolutionData    string   `json:"resolution_data"`
	Resolver          string   `json:"resolver"`
}

// --- Handlers ---

func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var spec wager.EventSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	event, err := s.wager.CreateEvent(r.Context(), spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.wager.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		Status:  r.URL.Query().Get("status"),
		Creator: r.URL.Query().Get("creator"),
		ChatID:  r.URL.Query().Get("chat_id"),
	}
	events, err := s.wager.ListEvents(r.Context(), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) CloseEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.wager.CloseEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var source wager.Source
	switch req.Source {
	case "balance", "":
		source = wager.BalanceSource{}
	case "payment":
		if req.PaymentReference == "" {
			writeError(w, "payment_reference is required for payment-funded bets", http.StatusBadRequest)
			return
		}
		source = wager.PaymentSource{Reference: req.PaymentReference}
	default:
		writeError(w, "source must be balance or payment", http.StatusBadRequest)
		return
	}

	bet, err := s.wager.PlaceBet(r.Context(), req.EventID, req.OptionKey, req.UserID, req.Amount, source)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

func (s *Server) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	res, err := s.settlement.Resolve(r.Context(), chi.URLParam(r, "eventID"),
		req.WinningOptionKeys, req.Source, req.ResolutionData, req.Resolver)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) CancelEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.settlement.Cancel(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) ListUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.wager.ListUserBets(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.GetOrCreateBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []model.BalanceTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	bet, err := s.bridge.OnPaymentConfirmed(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

func (s *Server) PaymentFailed(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.OnPaymentFailed(r.Context(), chi.URLParam(r, "reference")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) PaymentExpired(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.OnPaymentExpired(r.Context(), chi.URLParam(r, "reference")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Error mapping ---

// writeEngineError maps the engine's error taxonomy onto HTTP statuses:
// unknown things are 404, rejected inputs are 400, state conflicts
// (closed markets, lost gate races, empty balances) are 409.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrBetNotFound),
		errors.Is(err, payment.ErrUnknownPaymentReference):
		writeError(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, wager.ErrInvalidEvent),
		errors.Is(err, wager.ErrInvalidAmount),
		errors.Is(err, settlement.ErrEmptyWinningSet):
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, store.ErrEventNotActive),
		errors.Is(err, wager.ErrDeadlinePassed),
		errors.Is(err, wager.ErrCurrencyMismatch),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrAlreadyResolving),
		errors.Is(err, store.ErrAlreadyResolved),
		errors.Is(err, store.ErrUnknownOption),
		errors.Is(err, store.ErrBetNotPending),
		errors.Is(err, payment.ErrNotPending):
		writeError(w, err.Error(), http.StatusConflict)

	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
