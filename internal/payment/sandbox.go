package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// SandboxAdapter is the local-development provider. Outcomes are keyed off
// the payment method ref so scenarios can be scripted without a live
// provider:
//
//	pm_declined*  definitive decline
//	pm_timeout*   ambiguous failure (capture outcome unknown)
//	anything else successful capture
type SandboxAdapter struct{}

// Name implements Adapter.
func (SandboxAdapter) Name() string { return "sandbox" }

// Capture implements Adapter.
func (SandboxAdapter) Capture(_ context.Context, req CaptureRequest) (CaptureResult, error) {
	switch {
	case strings.HasPrefix(req.PaymentMethodRef, "pm_declined"):
		return CaptureResult{}, &DeclinedError{Code: "card_declined", Reason: "insufficient funds"}
	case strings.HasPrefix(req.PaymentMethodRef, "pm_timeout"):
		return CaptureResult{}, errors.New("provider request timed out")
	}
	return CaptureResult{PaymentRef: "pay_" + uuid.NewString()}, nil
}
