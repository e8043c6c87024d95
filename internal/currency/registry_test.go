package currency_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/currency"
	"github.com/betpool/wager-engine/internal/model"
)

func TestDefaultRegistry(t *testing.T) {
	reg := currency.DefaultRegistry()

	coin, err := reg.Get("COIN")
	if err != nil {
		t.Fatalf("get COIN: %v", err)
	}
	if !coin.IsVirtual {
		t.Error("COIN must be virtual")
	}
	if !coin.InitialBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected COIN grant 1000, got %s", coin.InitialBalance)
	}

	xtr, err := reg.Get("XTR")
	if err != nil {
		t.Fatalf("get XTR: %v", err)
	}
	if xtr.IsVirtual {
		t.Error("XTR must be a real currency")
	}
	if !xtr.InitialBalance.IsZero() {
		t.Errorf("real currency must not carry a grant, got %s", xtr.InitialBalance)
	}
}

func TestGet_Unknown(t *testing.T) {
	reg := currency.DefaultRegistry()
	if _, err := reg.Get("DOGE"); !errors.Is(err, currency.ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestGetActive_Inactive(t *testing.T) {
	reg := currency.NewRegistry(model.Currency{Code: "OLD", Active: false})

	// Plain Get still finds it; GetActive rejects it.
	if _, err := reg.Get("OLD"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := reg.GetActive("OLD"); !errors.Is(err, currency.ErrInactiveCurrency) {
		t.Errorf("expected ErrInactiveCurrency, got %v", err)
	}
}

func TestNewRegistry_LastDuplicateWins(t *testing.T) {
	reg := currency.NewRegistry(
		model.Currency{Code: "C", Name: "first"},
		model.Currency{Code: "C", Name: "second"},
	)
	c, err := reg.Get("C")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Name != "second" {
		t.Errorf("expected later entry to win, got %q", c.Name)
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("expected 1 currency, got %d", got)
	}
}
