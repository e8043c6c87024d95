// Package currency provides the static registry of supported stake
// currencies. The engine only reads currency metadata; it never writes it.
package currency

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/model"
)

var (
	ErrUnknownCurrency  = errors.New("currency: unknown code")
	ErrInactiveCurrency = errors.New("currency: not active")
)

// Registry is an immutable lookup of supported currencies, fixed at
// construction. Safe for concurrent use.
type Registry struct {
	byCode map[string]model.Currency
}

// NewRegistry builds a registry from the given currencies. Later entries
// with a duplicate code overwrite earlier ones.
func NewRegistry(currencies ...model.Currency) *Registry {
	byCode := make(map[string]model.Currency, len(currencies))
	for _, c := range currencies {
		byCode[c.Code] = c
	}
	return &Registry{byCode: byCode}
}

// DefaultRegistry returns the built-in currency set: the virtual house
// currency (seeded with a starting grant) and Telegram Stars as the real
// payment-rail currency.
func DefaultRegistry() *Registry {
	return NewRegistry(
		model.Currency{
			Code:           "COIN",
			Name:           "Pool Coins",
			Symbol:         "🪙",
			IsVirtual:      true,
			InitialBalance: decimal.NewFromInt(1000),
			Active:         true,
		},
		model.Currency{
			Code:      "XTR",
			Name:      "Telegram Stars",
			Symbol:    "⭐",
			IsVirtual: false,
			Active:    true,
		},
	)
}

// Get returns the currency for code, or ErrUnknownCurrency.
func (r *Registry) Get(code string) (model.Currency, error) {
	c, ok := r.byCode[code]
	if !ok {
		return model.Currency{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return c, nil
}

// GetActive returns the currency for code, failing if it is unknown or
// has been deactivated.
func (r *Registry) GetActive(code string) (model.Currency, error) {
	c, err := r.Get(code)
	if err != nil {
		return model.Currency{}, err
	}
	if !c.Active {
		return model.Currency{}, fmt.Errorf("%w: %s", ErrInactiveCurrency, code)
	}
	return c, nil
}

// List returns all registered currencies.
func (r *Registry) List() []model.Currency {
	out := make([]model.Currency, 0, len(r.byCode))
	for _, c := range r.byCode {
		out = append(out, c)
	}
	return out
}
