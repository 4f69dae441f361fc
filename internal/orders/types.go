package orders

import (
	"time"

	"github.com/commercekit/checkout-saga/internal/address"
)

// Order statuses. PENDING_PAYMENT may additionally be "uncertain": payment
// was dispatched (payment_dispatched_at set) but no terminal outcome arrived
// yet. That is a derived condition, not a stored status.
const (
	StatusPendingPayment = "PENDING_PAYMENT"
	StatusProcessing     = "PROCESSING"
	StatusCancelled      = "CANCELLED"
)

// LineItem is one purchased cart line as persisted on the order.
type LineItem struct {
	VariantID      string `dynamodbav:"variant_id" json:"variant_id"`
	Quantity       int    `dynamodbav:"quantity" json:"quantity"`
	UnitPriceCents int64  `dynamodbav:"unit_price_cents" json:"unit_price_cents"`
}

// Totals carries the money amounts captured at commit time.
type Totals struct {
	SubtotalCents int64  `dynamodbav:"subtotal_cents" json:"subtotal_cents"`
	ShippingCents int64  `dynamodbav:"shipping_cents" json:"shipping_cents"`
	TotalCents    int64  `dynamodbav:"total_cents" json:"total_cents"`
	Currency      string `dynamodbav:"currency" json:"currency"`
}

// Order represents the item stored in the orders DynamoDB table.
type Order struct {
	OrderID             string          `dynamodbav:"order_id"` // PK
	TenantID            string          `dynamodbav:"tenant_id"`
	IdempotencyKey      string          `dynamodbav:"idempotency_key"`
	Status              string          `dynamodbav:"status"`
	Lines               []LineItem      `dynamodbav:"lines"`
	Totals              Totals          `dynamodbav:"totals"`
	ReservationIDs      []string        `dynamodbav:"reservation_ids"`
	ShipTo              address.Address `dynamodbav:"ship_to"`
	ShipToFingerprint   string          `dynamodbav:"ship_to_fingerprint"`
	ShippingCarrier     string          `dynamodbav:"shipping_carrier,omitempty"`
	ShippingService     string          `dynamodbav:"shipping_service,omitempty"`
	ShippingFallback    bool            `dynamodbav:"shipping_fallback"`
	ManualReview        bool            `dynamodbav:"manual_review"`
	ReviewReason        string          `dynamodbav:"review_reason,omitempty"`
	PaymentRef          string          `dynamodbav:"payment_ref,omitempty"`
	PaymentDispatchedAt int64           `dynamodbav:"payment_dispatched_at,omitempty"` // epoch seconds
	CancelReason        string          `dynamodbav:"cancel_reason,omitempty"`
	CreatedAt           time.Time       `dynamodbav:"created_at"`
	UpdatedAt           time.Time       `dynamodbav:"updated_at"`
}

// Uncertain reports whether the order is awaiting asynchronous payment
// resolution: payment was dispatched but no reference or terminal state
// was recorded.
func (o *Order) Uncertain() bool {
	return o.Status == StatusPendingPayment && o.PaymentDispatchedAt > 0 && o.PaymentRef == ""
}
