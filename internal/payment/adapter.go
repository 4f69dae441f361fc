package payment

import (
	"context"
	"fmt"
)

// CaptureRequest asks the provider to capture a payment for an order. The
// OrderID doubles as the provider-side idempotency reference.
type CaptureRequest struct {
	OrderID          string
	TenantID         string
	PaymentMethodRef string
	AmountCents      int64
	Currency         string
}

// CaptureResult is a confirmed successful capture.
type CaptureResult struct {
	PaymentRef string
}

// DeclinedError is the only capture failure treated as a definitive decline.
// Every other error from an adapter means the outcome is unknown: the charge
// may or may not have landed, and reconciliation decides later.
type DeclinedError struct {
	Code   string
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Reason)
}

// Adapter is the consumed payment-provider interface. Implementations must
// return *DeclinedError only when the provider definitively refused the
// charge.
type Adapter interface {
	Name() string
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}
