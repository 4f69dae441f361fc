package checkout

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds classify why a commit did not produce a PROCESSING order. The
// kind is persisted on failed idempotency records so a replayed request gets
// the same classification back.
const (
	KindValidation      = "validation"
	KindOutOfStock      = "out_of_stock"
	KindPaymentDeclined = "payment_declined"
	KindRequestInFlight = "request_in_flight"
	KindKeyConflict     = "idempotency_conflict"
	KindInfrastructure  = "infrastructure"
)

// Error is a classified commit failure.
type Error struct {
	Kind    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a classified error.
func E(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a classified error wrapping a cause.
func Ef(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the kind from an error chain, defaulting to infrastructure
// for anything unclassified.
func KindOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInfrastructure
}

// HTTPStatus maps an error kind to the response status for the commit
// endpoint.
func HTTPStatus(kind string) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindOutOfStock:
		return http.StatusConflict
	case KindPaymentDeclined:
		return http.StatusPaymentRequired
	case KindRequestInFlight:
		return http.StatusConflict
	case KindKeyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
