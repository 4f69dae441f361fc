package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/commercekit/checkout-saga/internal/webhook"
)

// EventHandler resolves payment events and stale uncertain orders.
type EventHandler interface {
	OnPaymentEvent(ctx context.Context, evt webhook.PaymentEvent) error
	FlagStaleUncertain(ctx context.Context, cutoff time.Time) (int, error)
}

// HoldSweeper reclaims expired inventory holds.
type HoldSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// LedgerPurger removes idempotency records past their retention window.
type LedgerPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Processor is the worker's dispatch layer: SQS batches carry provider
// webhook events, scheduled invocations run the sweeps.
type Processor struct {
	Reconciler EventHandler
	Stock      HoldSweeper
	Ledger     LedgerPurger

	// UncertainAfter is how long a dispatched payment may stay unresolved
	// before the order is flagged for manual review.
	UncertainAfter time.Duration
	nowFunc        func() time.Time
}

// HandleSQS processes one batch of queued webhook events. The first failing
// record fails the batch so the runtime redelivers; already-processed events
// in the redelivered batch dedup to no-ops.
func (p *Processor) HandleSQS(ctx context.Context, ev events.SQSEvent) error {
	log.Printf("[worker] received %d messages", len(ev.Records))
	for _, rec := range ev.Records {
		var evt webhook.PaymentEvent
		if err := json.Unmarshal([]byte(rec.Body), &evt); err != nil {
			return fmt.Errorf("invalid message body %q: %w", rec.Body, err)
		}
		if err := p.Reconciler.OnPaymentEvent(ctx, evt); err != nil {
			return fmt.Errorf("process event %s: %w", evt.EventID, err)
		}
	}
	return nil
}

// RunSweeps executes the periodic maintenance pass: release expired holds,
// purge old idempotency records, and flag stale uncertain orders.
func (p *Processor) RunSweeps(ctx context.Context) error {
	released, err := p.Stock.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired holds: %w", err)
	}
	purged, err := p.Ledger.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge idempotency records: %w", err)
	}

	now := time.Now
	if p.nowFunc != nil {
		now = p.nowFunc
	}
	cutoff := now().Add(-p.UncertainAfter)
	flagged, err := p.Reconciler.FlagStaleUncertain(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("flag stale uncertain orders: %w", err)
	}

	log.Printf("[worker] sweep done: released=%d purged=%d flagged=%d", released, purged, flagged)
	return nil
}
