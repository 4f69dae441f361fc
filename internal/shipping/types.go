package shipping

import (
	"context"

	"github.com/commercekit/checkout-saga/internal/address"
)

// Package is one parcel to quote.
type Package struct {
	WeightGrams int
}

// Rate is a single carrier quote.
type Rate struct {
	Carrier       string `json:"carrier"`
	Service       string `json:"service"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	EstimatedDays int    `json:"estimated_days"`
}

// Quote is the result of a rate lookup. FallbackUsed is set when every
// carrier failed and the tenant's configured fallback rate was substituted;
// it propagates onto the order for manual review. Quotes are for display and
// checkout totals only, never authoritative for carrier billing.
type Quote struct {
	Rates        []Rate `json:"rates"`
	FallbackUsed bool   `json:"fallback_used"`
}

// Cheapest returns the lowest-amount rate, or nil for an empty quote.
func (q Quote) Cheapest() *Rate {
	var best *Rate
	for i := range q.Rates {
		if best == nil || q.Rates[i].AmountCents < best.AmountCents {
			best = &q.Rates[i]
		}
	}
	return best
}

// CarrierAdapter is the consumed carrier-rate interface, one implementation
// per provider, selected by configuration.
type CarrierAdapter interface {
	Name() string
	GetRates(ctx context.Context, origin, dest address.Address, packages []Package) ([]Rate, error)
}
