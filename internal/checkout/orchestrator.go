package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/commercekit/checkout-saga/internal/address"
	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/idempotency"
	"github.com/commercekit/checkout-saga/internal/inventory"
	"github.com/commercekit/checkout-saga/internal/orders"
	"github.com/commercekit/checkout-saga/internal/payment"
	"github.com/commercekit/checkout-saga/internal/shipping"
	"github.com/commercekit/checkout-saga/internal/validation"
)

// nominalUnitWeightGrams is used for rate quoting when the catalog carries no
// per-variant weight.
const nominalUnitWeightGrams = 500

// Ledger is the idempotency dependency of the orchestrator.
type Ledger interface {
	Begin(ctx context.Context, tenantID, key, payloadHash string) (idempotency.BeginResult, error)
	MarkDispatched(ctx context.Context, tenantID, key, orderID string) error
	MarkSucceeded(ctx context.Context, tenantID, key, orderID string) error
	MarkFailed(ctx context.Context, tenantID, key, errorKind, errorDetail string) error
}

// ReservationManager is the inventory dependency.
type ReservationManager interface {
	Reserve(ctx context.Context, tenantID string, lines []inventory.Line) ([]inventory.Reservation, error)
	Release(ctx context.Context, reservationIDs []string) error
	Commit(ctx context.Context, reservationIDs []string, orderID string) error
}

// OrderStore is the orders dependency.
type OrderStore interface {
	Create(ctx context.Context, order *orders.Order) error
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	MarkPaymentDispatched(ctx context.Context, orderID string) error
	MarkProcessing(ctx context.Context, orderID, paymentRef string) error
	Cancel(ctx context.Context, orderID, reason string) error
}

// RateQuoter is the shipping dependency.
type RateQuoter interface {
	Quote(ctx context.Context, tenantID string, dest address.Address, packages []shipping.Package, serviceLevel string) (shipping.Quote, error)
}

// CommitResult is the outcome of a commit that produced an order.
// PaymentPending means the capture outcome is unknown and the webhook
// reconciler will finish the saga; the order stays PENDING_PAYMENT.
type CommitResult struct {
	OrderID        string
	Status         string
	Replayed       bool
	PaymentPending bool
}

// Orchestrator drives the checkout commit saga. Stages run in a fixed order;
// any failure after inventory is held unwinds through the compensation
// engine. All stage effects are conditional writes, so a re-driven saga or a
// racing reconciler resolves every transition to exactly one winner.
type Orchestrator struct {
	Ledger      Ledger
	Stock       ReservationManager
	Orders      OrderStore
	Quoter      RateQuoter
	Payments    payment.Adapter
	Addresses   address.Validator
	Compensator *CompensationEngine
	Metrics     *aws.Metrics

	// SagaTimeout bounds a run after idempotency ownership is taken.
	SagaTimeout time.Duration
}

// Commit runs the saga for one (tenant, idempotency key) pair.
func (o *Orchestrator) Commit(ctx context.Context, tenantID, key string, req validation.CommitRequest) (CommitResult, error) {
	hash, err := payloadHash(req)
	if err != nil {
		return CommitResult{}, Ef(KindInfrastructure, "hash payload", err)
	}

	begin, err := o.Ledger.Begin(ctx, tenantID, key, hash)
	if err != nil {
		return CommitResult{}, Ef(KindInfrastructure, "idempotency begin", err)
	}

	switch begin.Outcome {
	case idempotency.OutcomeConflict:
		return CommitResult{}, E(KindKeyConflict, "idempotency key reused with a different payload")
	case idempotency.OutcomeInFlight:
		return CommitResult{}, E(KindRequestInFlight, "a commit with this key is already in flight")
	case idempotency.OutcomeReplay:
		return o.replay(ctx, begin.Record)
	case idempotency.OutcomeAwaitingPayment:
		// Payment already went out for this key and the outcome is still
		// unknown. Re-running any stage could charge twice; report the
		// existing order as pending and let the reconciler finish.
		return CommitResult{
			OrderID:        begin.Record.OrderID,
			Status:         orders.StatusPendingPayment,
			PaymentPending: true,
		}, nil
	}

	// Created or Redrive: this caller owns the run. Detach from the client
	// connection so a disconnect cannot abort the saga mid-flight, and apply
	// our own deadline instead.
	timeout := o.SagaTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sagaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	return o.run(sagaCtx, tenantID, key, req)
}

// replay returns the stored outcome of a finished commit without re-running
// any stage.
func (o *Orchestrator) replay(ctx context.Context, rec *idempotency.Record) (CommitResult, error) {
	o.Metrics.Count(ctx, "CheckoutReplayed", 1, map[string]string{"tenant": rec.TenantID})

	if rec.Status == idempotency.StatusFailed {
		kind := rec.ErrorKind
		if kind == "" {
			kind = KindInfrastructure
		}
		return CommitResult{}, E(kind, rec.ErrorDetail)
	}

	ord, err := o.Orders.Get(ctx, rec.OrderID)
	if err != nil {
		return CommitResult{}, Ef(KindInfrastructure, "load replayed order", err)
	}
	if ord == nil {
		return CommitResult{}, E(KindInfrastructure, "replayed order not found: "+rec.OrderID)
	}
	return CommitResult{OrderID: ord.OrderID, Status: ord.Status, Replayed: true}, nil
}

func (o *Orchestrator) run(ctx context.Context, tenantID, key string, req validation.CommitRequest) (CommitResult, error) {
	normalized, err := o.validateAddress(ctx, toAddress(req.ShippingAddress))
	if err != nil {
		var unusable *address.ErrUnusableAddress
		if errors.As(err, &unusable) {
			return CommitResult{}, o.fail(ctx, tenantID, key, E(KindValidation, unusable.Error()))
		}
		return CommitResult{}, Ef(KindInfrastructure, "validate address", err)
	}
	shipTo := normalized.Address

	// The address being committed must be the one that was quoted. A
	// mismatched fingerprint means the payload changed between the quote and
	// commit calls.
	if req.AddressFingerprint != "" && req.AddressFingerprint != shipTo.Fingerprint() {
		return CommitResult{}, o.fail(ctx, tenantID, key,
			E(KindValidation, "shipping address does not match the quoted address"))
	}

	quote, err := o.Quoter.Quote(ctx, tenantID, shipTo, packagesFor(req.Lines), req.ServiceLevel)
	if err != nil {
		return CommitResult{}, Ef(KindInfrastructure, "quote shipping", err)
	}
	rate := quote.Cheapest()
	if rate == nil {
		return CommitResult{}, E(KindInfrastructure, "no shipping rate available")
	}

	held, err := o.Stock.Reserve(ctx, tenantID, linesFor(req.Lines))
	if err != nil {
		var oos *inventory.OutOfStockError
		if errors.As(err, &oos) {
			return CommitResult{}, o.fail(ctx, tenantID, key, E(KindOutOfStock, oos.Error()))
		}
		return CommitResult{}, Ef(KindInfrastructure, "reserve inventory", err)
	}
	reservationIDs := make([]string, 0, len(held))
	for _, r := range held {
		reservationIDs = append(reservationIDs, r.ReservationID)
	}

	order := &orders.Order{
		OrderID:           uuid.NewString(),
		TenantID:          tenantID,
		IdempotencyKey:    key,
		Lines:             orderLines(req.Lines),
		Totals:            totalsFor(req, rate),
		ReservationIDs:    reservationIDs,
		ShipTo:            shipTo,
		ShipToFingerprint: shipTo.Fingerprint(),
		ShippingCarrier:   rate.Carrier,
		ShippingService:   rate.Service,
		ShippingFallback:  quote.FallbackUsed,
	}
	if quote.FallbackUsed {
		order.ManualReview = true
		order.ReviewReason = "shipping charged at fallback rate"
	}
	if err := o.Orders.Create(ctx, order); err != nil {
		return CommitResult{}, o.abort(ctx, tenantID, "", StageOrder, reservationIDs,
			Ef(KindInfrastructure, "create order", err))
	}

	// The dispatch stamp lands before the capture call: a crash between the
	// two leaves the order detectable as uncertain.
	if err := o.Orders.MarkPaymentDispatched(ctx, order.OrderID); err != nil {
		return CommitResult{}, o.abort(ctx, tenantID, order.OrderID, StagePayment, reservationIDs,
			Ef(KindInfrastructure, "mark payment dispatched", err))
	}
	// The same stamp lands on the ledger record so a grace-window retry can
	// never re-drive a saga whose capture may already have gone out.
	if err := o.Ledger.MarkDispatched(ctx, tenantID, key, order.OrderID); err != nil {
		return CommitResult{}, o.abort(ctx, tenantID, order.OrderID, StagePayment, reservationIDs,
			Ef(KindInfrastructure, "mark ledger dispatched", err))
	}

	// 10s provider deadline; no application-level retry on capture, the
	// idempotency key on the payment call (the order id) is the safety net.
	captureCtx, cancelCapture := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCapture()
	capture, err := o.Payments.Capture(captureCtx, payment.CaptureRequest{
		OrderID:          order.OrderID,
		TenantID:         tenantID,
		PaymentMethodRef: req.PaymentMethodRef,
		AmountCents:      order.Totals.TotalCents,
		Currency:         order.Totals.Currency,
	})
	if err != nil {
		var declined *payment.DeclinedError
		if errors.As(err, &declined) {
			if cerr := o.Compensator.Run(ctx, tenantID, order.OrderID, StagePayment, declined.Error(), reservationIDs); cerr != nil {
				log.Printf("[checkout] compensation after decline failed for order %s: %v", order.OrderID, cerr)
			}
			return CommitResult{}, o.fail(ctx, tenantID, key, E(KindPaymentDeclined, declined.Error()))
		}

		// Anything other than a definitive decline means the outcome is
		// unknown: the charge may have landed. Nothing is unwound and the
		// ledger stays PENDING; the webhook reconciler finishes the saga.
		log.Printf("[checkout] capture outcome unknown for order %s: %v", order.OrderID, err)
		o.Metrics.Count(ctx, "CheckoutPaymentAmbiguous", 1, map[string]string{"tenant": tenantID})
		return CommitResult{
			OrderID:        order.OrderID,
			Status:         orders.StatusPendingPayment,
			PaymentPending: true,
		}, nil
	}

	if err := o.Orders.MarkProcessing(ctx, order.OrderID, capture.PaymentRef); err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
		// The charge landed; surface as pending rather than unwinding, and
		// let reconciliation settle the order record.
		log.Printf("[checkout] mark processing failed for captured order %s: %v", order.OrderID, err)
		return CommitResult{OrderID: order.OrderID, Status: orders.StatusPendingPayment, PaymentPending: true}, nil
	}
	if err := o.Stock.Commit(ctx, reservationIDs, order.OrderID); err != nil {
		// Holds stay HELD until the reconciler or sweep picks them up; the
		// order itself is paid and PROCESSING.
		log.Printf("[checkout] commit reservations failed for order %s: %v", order.OrderID, err)
	}
	if err := o.Ledger.MarkSucceeded(ctx, tenantID, key, order.OrderID); err != nil {
		log.Printf("[checkout] mark succeeded failed for key %s: %v", key, err)
	}

	o.Metrics.Count(ctx, "CheckoutCommitted", 1, map[string]string{"tenant": tenantID})
	return CommitResult{OrderID: order.OrderID, Status: orders.StatusProcessing}, nil
}

// validateAddress bounds the adapter call to 3s with one retry. Structurally
// unusable addresses are deterministic and not retried.
func (o *Orchestrator) validateAddress(ctx context.Context, addr address.Address) (address.Normalized, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		normalized, err := o.Addresses.Validate(callCtx, addr)
		cancel()
		if err == nil {
			return normalized, nil
		}
		var unusable *address.ErrUnusableAddress
		if errors.As(err, &unusable) {
			return address.Normalized{}, err
		}
		lastErr = err
	}
	return address.Normalized{}, lastErr
}

// fail records a deterministic failure on the ledger so replays of this key
// observe the same classified error.
func (o *Orchestrator) fail(ctx context.Context, tenantID, key string, cerr *Error) error {
	if err := o.Ledger.MarkFailed(ctx, tenantID, key, cerr.Kind, cerr.Message); err != nil {
		log.Printf("[checkout] mark failed for key %s: %v", key, err)
	}
	o.Metrics.Count(ctx, "CheckoutFailed", 1, map[string]string{"kind": cerr.Kind})
	return cerr
}

// abort unwinds an infrastructure failure mid-saga. The ledger record is left
// PENDING on purpose: transient failures should be retryable, and the grace
// window lets a later request with the same key re-drive the saga.
func (o *Orchestrator) abort(ctx context.Context, tenantID, orderID, stage string, reservationIDs []string, cerr *Error) error {
	if err := o.Compensator.Run(ctx, tenantID, orderID, stage, cerr.Message, reservationIDs); err != nil {
		log.Printf("[checkout] compensation failed at %s: %v", stage, err)
	}
	o.Metrics.Count(ctx, "CheckoutFailed", 1, map[string]string{"kind": cerr.Kind})
	return cerr
}

// PreviewResult is the outcome of a quote call: the rates the client can
// choose from and the fingerprint it must echo back on commit.
type PreviewResult struct {
	Rates              []shipping.Rate `json:"rates"`
	FallbackUsed       bool            `json:"fallback_used"`
	AddressFingerprint string          `json:"address_fingerprint"`
}

// Preview validates the destination and quotes shipping without taking any
// hold. The returned fingerprint binds a later commit to this address.
func (o *Orchestrator) Preview(ctx context.Context, tenantID string, req validation.QuoteRequest) (PreviewResult, error) {
	normalized, err := o.validateAddress(ctx, toAddress(req.ShippingAddress))
	if err != nil {
		var unusable *address.ErrUnusableAddress
		if errors.As(err, &unusable) {
			return PreviewResult{}, E(KindValidation, unusable.Error())
		}
		return PreviewResult{}, Ef(KindInfrastructure, "validate address", err)
	}

	quote, err := o.Quoter.Quote(ctx, tenantID, normalized.Address, packagesFor(req.Lines), req.ServiceLevel)
	if err != nil {
		return PreviewResult{}, Ef(KindInfrastructure, "quote shipping", err)
	}
	return PreviewResult{
		Rates:              quote.Rates,
		FallbackUsed:       quote.FallbackUsed,
		AddressFingerprint: normalized.Address.Fingerprint(),
	}, nil
}

func payloadHash(req validation.CommitRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal commit request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func toAddress(p validation.AddressPayload) address.Address {
	return address.Address{
		Name:       p.Name,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		Region:     p.Region,
		PostalCode: p.PostalCode,
		Country:    p.Country,
	}
}

func packagesFor(lines []validation.CartLine) []shipping.Package {
	units := 0
	for _, l := range lines {
		units += l.Quantity
	}
	return []shipping.Package{{WeightGrams: units * nominalUnitWeightGrams}}
}

func linesFor(lines []validation.CartLine) []inventory.Line {
	out := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, inventory.Line{VariantID: l.VariantID, Quantity: l.Quantity})
	}
	return out
}

func orderLines(lines []validation.CartLine) []orders.LineItem {
	out := make([]orders.LineItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, orders.LineItem{
			VariantID:      l.VariantID,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
		})
	}
	return out
}

func totalsFor(req validation.CommitRequest, rate *shipping.Rate) orders.Totals {
	return orders.Totals{
		SubtotalCents: req.SubtotalCents,
		ShippingCents: rate.AmountCents,
		TotalCents:    req.SubtotalCents + rate.AmountCents,
		Currency:      req.Currency,
	}
}
