package idempotency

import "time"

// Status values for idempotency records.
const (
	StatusPending   = "PENDING"
	StatusSucceeded = "SUCCESS"
	StatusFailed    = "FAILED"
)

// Record is the shape persisted in the idempotency DynamoDB table.
// The partition key is tenant_key = "<tenantID>#<clientKey>" so the same
// literal key used by two tenants yields two independent records.
type Record struct {
	TenantKey      string    `dynamodbav:"tenant_key"` // PK
	TenantID       string    `dynamodbav:"tenant_id"`
	IdempotencyKey string    `dynamodbav:"idempotency_key"`
	Status         string    `dynamodbav:"status"`
	PayloadHash    string    `dynamodbav:"payload_hash"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ErrorKind      string    `dynamodbav:"error_kind,omitempty"`
	ErrorDetail    string    `dynamodbav:"error_detail,omitempty"`
	DispatchedAt   int64     `dynamodbav:"dispatched_at,omitempty"` // epoch seconds; set once payment leaves for the provider
	CreatedAt      time.Time `dynamodbav:"created_at"`
	StartedAt      time.Time `dynamodbav:"started_at"` // reset when a stale PENDING record is re-driven
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// BeginOutcome classifies what Begin observed for a (tenant, key) pair.
type BeginOutcome int

const (
	// OutcomeCreated means no prior record existed; the caller owns the run.
	OutcomeCreated BeginOutcome = iota
	// OutcomeReplay means a terminal record exists; return its stored result.
	OutcomeReplay
	// OutcomeInFlight means a PENDING record younger than the grace window exists.
	OutcomeInFlight
	// OutcomeRedrive means a stale PENDING record existed and the caller took it over.
	OutcomeRedrive
	// OutcomeConflict means the key exists with a different request payload.
	OutcomeConflict
	// OutcomeAwaitingPayment means a PENDING record already dispatched payment.
	// The saga must not be re-run for this key; only the webhook reconciler may
	// close it.
	OutcomeAwaitingPayment
)

// BeginResult is the outcome of Begin plus the existing record when relevant.
type BeginResult struct {
	Outcome BeginOutcome
	Record  *Record
}
