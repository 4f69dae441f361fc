package inventory

import (
	"fmt"
	"time"
)

// Reservation statuses.
const (
	StatusHeld      = "HELD"
	StatusCommitted = "COMMITTED"
	StatusReleased  = "RELEASED"
)

// Line is one cart line to reserve.
type Line struct {
	VariantID string
	Quantity  int
}

// Reservation is a short-lived hold persisted in the reservations table.
type Reservation struct {
	ReservationID string    `dynamodbav:"reservation_id"` // PK
	TenantID      string    `dynamodbav:"tenant_id"`
	VariantID     string    `dynamodbav:"variant_id"`
	Quantity      int       `dynamodbav:"quantity"`
	OrderID       string    `dynamodbav:"order_id,omitempty"` // set on commit
	Status        string    `dynamodbav:"status"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
	ExpiresAt     int64     `dynamodbav:"expires_at"` // epoch seconds; HELD past this is swept
}

// Level is the per-variant stock counter item. available counts sellable-free
// units; reserved counts units currently held. Their sum is on-hand stock, so
// the oversell invariant is simply available >= 0, enforced by the
// conditional decrement.
type Level struct {
	TenantVariant string    `dynamodbav:"tenant_variant"` // PK: "<tenantID>#<variantID>"
	TenantID      string    `dynamodbav:"tenant_id"`
	VariantID     string    `dynamodbav:"variant_id"`
	Available     int       `dynamodbav:"available"`
	Reserved      int       `dynamodbav:"reserved"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
}

// OutOfStockError reports the first line that could not be held.
type OutOfStockError struct {
	VariantID string
	Requested int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s (requested %d)", e.VariantID, e.Requested)
}
