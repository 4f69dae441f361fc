package shipping

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/commercekit/checkout-saga/internal/address"
)

// QuoterConfig bounds the carrier fan-out.
type QuoterConfig struct {
	CallTimeout  time.Duration // per carrier attempt
	Retries      int           // extra attempts per carrier
	Backoff      time.Duration // delay between attempts
	MaxParallel  int           // concurrent carrier calls
	DefaultLevel string
}

// DefaultQuoterConfig matches the service-level agreements for rate lookups:
// 5s per carrier call, 2 retries, 500ms backoff.
func DefaultQuoterConfig() QuoterConfig {
	return QuoterConfig{
		CallTimeout:  5 * time.Second,
		Retries:      2,
		Backoff:      500 * time.Millisecond,
		MaxParallel:  4,
		DefaultLevel: "standard",
	}
}

// TenantRateConfig is per-tenant shipping configuration: the warehouse
// origin and the fallback rate used when every carrier fails.
type TenantRateConfig struct {
	Origin   address.Address
	Fallback Rate
}

// Quoter answers rate quotes through the cache, fanning out to carriers on a
// miss. Quote never fails the saga: total carrier failure degrades to the
// tenant's fallback rate with FallbackUsed set.
type Quoter struct {
	cache    *RateCache
	carriers []CarrierAdapter
	tenants  map[string]TenantRateConfig
	cfg      QuoterConfig
}

// NewQuoter builds a Quoter over the given carriers and tenant configs.
func NewQuoter(cache *RateCache, carriers []CarrierAdapter, tenants map[string]TenantRateConfig, cfg QuoterConfig) *Quoter {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &Quoter{
		cache:    cache,
		carriers: carriers,
		tenants:  tenants,
		cfg:      cfg,
	}
}

// TenantConfig returns the rate config for a tenant, falling back to the
// zero-tenant default registered under "".
func (q *Quoter) TenantConfig(tenantID string) TenantRateConfig {
	if cfg, ok := q.tenants[tenantID]; ok {
		return cfg
	}
	return q.tenants[""]
}

// Quote returns rates for the destination. On a cache hit the stored rates
// are returned; on a miss all carriers are queried with bounded parallelism
// and the successful results cached.
func (q *Quoter) Quote(ctx context.Context, tenantID string, dest address.Address, packages []Package, serviceLevel string) (Quote, error) {
	if serviceLevel == "" {
		serviceLevel = q.cfg.DefaultLevel
	}
	tenant := q.TenantConfig(tenantID)

	totalWeight := 0
	for _, p := range packages {
		totalWeight += p.WeightGrams
	}
	key := CacheKey(tenant.Origin.PostalCode, dest.PostalCode, totalWeight, serviceLevel)

	if cached, ok := q.cache.Get(key); ok {
		return cached, nil
	}

	rates := q.fanOut(ctx, tenant.Origin, dest, packages)
	if len(rates) == 0 {
		log.Printf("[shipping] all carriers failed for tenant=%s; using fallback rate", tenantID)
		return Quote{Rates: []Rate{tenant.Fallback}, FallbackUsed: true}, nil
	}

	quote := Quote{Rates: rates}
	q.cache.Put(key, quote)
	return quote, nil
}

// fanOut queries every carrier concurrently, each attempt bounded by the
// call timeout and retried with backoff. Carrier errors are logged and
// dropped; only successful rate sets are merged.
func (q *Quoter) fanOut(ctx context.Context, origin, dest address.Address, packages []Package) []Rate {
	var (
		mu    sync.Mutex
		rates []Rate
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, q.cfg.MaxParallel)

	for _, carrier := range q.carriers {
		carrier := carrier
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			got, err := q.callWithRetry(ctx, carrier, origin, dest, packages)
			if err != nil {
				log.Printf("[shipping] carrier %s failed: %v", carrier.Name(), err)
				return
			}
			mu.Lock()
			rates = append(rates, got...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return rates
}

func (q *Quoter) callWithRetry(ctx context.Context, carrier CarrierAdapter, origin, dest address.Address, packages []Package) ([]Rate, error) {
	var lastErr error
	for attempt := 0; attempt <= q.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.cfg.Backoff):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
		got, err := carrier.GetRates(callCtx, origin, dest, packages)
		cancel()
		if err == nil {
			return got, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
