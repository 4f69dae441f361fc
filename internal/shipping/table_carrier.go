package shipping

import (
	"context"

	"github.com/commercekit/checkout-saga/internal/address"
)

// TableCarrier computes rates from a static per-gram tariff. It is the
// default adapter for local development and tenants without a live carrier
// integration.
type TableCarrier struct {
	CarrierName   string
	BaseCents     int64
	CentsPerKilo  int64
	Currency      string
	EstimatedDays int
}

// Name implements CarrierAdapter.
func (c *TableCarrier) Name() string { return c.CarrierName }

// GetRates implements CarrierAdapter with a deterministic tariff table.
func (c *TableCarrier) GetRates(_ context.Context, _, _ address.Address, packages []Package) ([]Rate, error) {
	grams := 0
	for _, p := range packages {
		grams += p.WeightGrams
	}
	amount := c.BaseCents + c.CentsPerKilo*int64(grams)/1000
	return []Rate{
		{
			Carrier:       c.CarrierName,
			Service:       "ground",
			AmountCents:   amount,
			Currency:      c.Currency,
			EstimatedDays: c.EstimatedDays,
		},
	}, nil
}
