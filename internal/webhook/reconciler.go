package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/checkout"
	"github.com/commercekit/checkout-saga/internal/orders"
)

// Payment event types as delivered by the provider.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEvent is the provider notification the reconciler consumes.
type PaymentEvent struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EventClaims is the dedup dependency.
type EventClaims interface {
	Claim(ctx context.Context, eventID, eventType, orderID string) (bool, error)
	ReleaseClaim(ctx context.Context, eventID string) error
}

// OrderStore is the orders dependency of the reconciler.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	MarkProcessing(ctx context.Context, orderID, paymentRef string) error
	FlagManualReview(ctx context.Context, orderID, reason string) error
	ListStaleUncertain(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StockCommitter finalizes held reservations for a paid order.
type StockCommitter interface {
	Commit(ctx context.Context, reservationIDs []string, orderID string) error
}

// Ledger closes idempotency records once the asynchronous outcome is known.
type Ledger interface {
	MarkSucceeded(ctx context.Context, tenantID, key, orderID string) error
	MarkFailed(ctx context.Context, tenantID, key, errorKind, errorDetail string) error
}

// Reconciler resolves orders whose payment outcome arrived asynchronously:
// captures that timed out at commit time, and late provider notifications
// racing the synchronous saga. Every transition it makes is conditional, so
// it can lose any race safely.
type Reconciler struct {
	Events      EventClaims
	Orders      OrderStore
	Stock       StockCommitter
	Ledger      Ledger
	Compensator *checkout.CompensationEngine
	Metrics     *aws.Metrics
}

// OnPaymentEvent processes one provider event. Duplicate deliveries are
// dropped via the claim row; a processing failure releases the claim so the
// queue's redelivery retries the event.
func (r *Reconciler) OnPaymentEvent(ctx context.Context, evt PaymentEvent) error {
	if evt.EventID == "" || evt.OrderID == "" {
		return fmt.Errorf("malformed payment event: %+v", evt)
	}

	claimed, err := r.Events.Claim(ctx, evt.EventID, evt.Type, evt.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		r.Metrics.Count(ctx, "WebhookDuplicate", 1, map[string]string{"type": evt.Type})
		return nil
	}

	if err := r.process(ctx, evt); err != nil {
		if relErr := r.Events.ReleaseClaim(ctx, evt.EventID); relErr != nil {
			log.Printf("[webhook] release claim %s: %v", evt.EventID, relErr)
		}
		return err
	}
	return nil
}

func (r *Reconciler) process(ctx context.Context, evt PaymentEvent) error {
	ord, err := r.Orders.Get(ctx, evt.OrderID)
	if err != nil {
		return err
	}
	if ord == nil {
		return fmt.Errorf("payment event %s references unknown order %s", evt.EventID, evt.OrderID)
	}

	switch evt.Type {
	case EventPaymentSucceeded:
		return r.resolveSucceeded(ctx, ord, evt)
	case EventPaymentFailed:
		return r.resolveFailed(ctx, ord, evt)
	default:
		log.Printf("[webhook] ignoring event %s of type %s", evt.EventID, evt.Type)
		return nil
	}
}

func (r *Reconciler) resolveSucceeded(ctx context.Context, ord *orders.Order, evt PaymentEvent) error {
	err := r.Orders.MarkProcessing(ctx, ord.OrderID, evt.PaymentRef)
	if errors.Is(err, orders.ErrStatusMismatch) {
		// The order already left PENDING_PAYMENT. If the saga finalized it,
		// nothing to do; if compensation cancelled it, money was captured for
		// a dead order and an operator has to refund.
		current, gerr := r.Orders.Get(ctx, ord.OrderID)
		if gerr != nil {
			return gerr
		}
		if current != nil && current.Status == orders.StatusCancelled {
			if ferr := r.Orders.FlagManualReview(ctx, ord.OrderID, "payment captured for cancelled order"); ferr != nil {
				return ferr
			}
			r.Metrics.Count(ctx, "WebhookCapturedCancelled", 1, nil)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.Stock.Commit(ctx, ord.ReservationIDs, ord.OrderID); err != nil {
		return err
	}
	if err := r.Ledger.MarkSucceeded(ctx, ord.TenantID, ord.IdempotencyKey, ord.OrderID); err != nil {
		return err
	}
	r.Metrics.Count(ctx, "WebhookResolvedSuccess", 1, map[string]string{"tenant": ord.TenantID})
	return nil
}

func (r *Reconciler) resolveFailed(ctx context.Context, ord *orders.Order, evt PaymentEvent) error {
	reason := evt.Reason
	if reason == "" {
		reason = "payment failed"
	}
	if err := r.Compensator.Run(ctx, ord.TenantID, ord.OrderID, checkout.StagePayment, reason, ord.ReservationIDs); err != nil {
		return err
	}
	if err := r.Ledger.MarkFailed(ctx, ord.TenantID, ord.IdempotencyKey, checkout.KindPaymentDeclined, reason); err != nil {
		return err
	}
	r.Metrics.Count(ctx, "WebhookResolvedFailure", 1, map[string]string{"tenant": ord.TenantID})
	return nil
}

// FlagStaleUncertain marks orders that dispatched payment before cutoff and
// never heard back. Flagged orders stop appearing in the stale listing, so
// the sweep raises each order once.
func (r *Reconciler) FlagStaleUncertain(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.Orders.ListStaleUncertain(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, id := range ids {
		if err := r.Orders.FlagManualReview(ctx, id, "no payment outcome within reconciliation window"); err != nil {
			return flagged, err
		}
		flagged++
	}
	if flagged > 0 {
		r.Metrics.Count(ctx, "UncertainOrdersFlagged", float64(flagged), nil)
	}
	return flagged, nil
}
