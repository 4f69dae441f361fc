package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/orders"
)

// Saga stages, recorded in the compensation log so operators can see how far
// a commit got before it unwound.
const (
	StageReserve = "reserve_inventory"
	StageOrder   = "create_order"
	StagePayment = "capture_payment"
)

// LogEntry is one compensation action appended to the audit table.
type LogEntry struct {
	EntryID   string    `dynamodbav:"entry_id"` // PK
	OrderID   string    `dynamodbav:"order_id"`
	TenantID  string    `dynamodbav:"tenant_id"`
	Stage     string    `dynamodbav:"stage"`
	Action    string    `dynamodbav:"action"`
	Detail    string    `dynamodbav:"detail,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// CompensationLog appends audit entries to DynamoDB. Append is best-effort:
// losing an audit row must not block the unwind itself.
type CompensationLog struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewCompensationLog returns a log writer for the given table.
func NewCompensationLog(client aws.DynamoDBAPI, tableName string) *CompensationLog {
	return &CompensationLog{client: client, tableName: tableName, nowFunc: time.Now}
}

// Append writes one entry. A nil receiver is a no-op.
func (l *CompensationLog) Append(ctx context.Context, entry LogEntry) {
	if l == nil || l.client == nil {
		return
	}
	entry.EntryID = uuid.NewString()
	entry.CreatedAt = l.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		log.Printf("[compensation] marshal log entry: %v", err)
		return
	}
	if _, err := l.client.PutItem(ctx, &dyn.PutItemInput{TableName: &l.tableName, Item: item}); err != nil {
		log.Printf("[compensation] append log entry for order %s: %v", entry.OrderID, err)
	}
}

// OrderCanceller is the order-side compensation dependency.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID, reason string) error
}

// StockReleaser is the inventory-side compensation dependency.
type StockReleaser interface {
	Release(ctx context.Context, reservationIDs []string) error
}

// CompensationEngine unwinds a failed commit. Every action is idempotent, so
// a re-driven saga can run the same compensation again without double
// counting stock.
type CompensationEngine struct {
	Orders  OrderCanceller
	Stock   StockReleaser
	Log     *CompensationLog
	Metrics *aws.Metrics
}

// Run cancels the order (if one was created) and releases the reservations.
// The order is cancelled first: once it is CANCELLED no concurrent webhook
// can move it to PROCESSING, so releasing stock afterwards cannot race a
// late success. If the order turns out to be paid already, compensation
// aborts and leaves the stock committed.
func (e *CompensationEngine) Run(ctx context.Context, tenantID, orderID, stage, reason string, reservationIDs []string) error {
	if orderID != "" {
		err := e.Orders.Cancel(ctx, orderID, reason)
		if errors.Is(err, orders.ErrStatusMismatch) {
			// The order already left PENDING_PAYMENT on the success path.
			log.Printf("[compensation] order %s already finalized; skipping unwind", orderID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		e.Log.Append(ctx, LogEntry{
			OrderID: orderID, TenantID: tenantID, Stage: stage,
			Action: "order_cancelled", Detail: reason,
		})
	}

	if len(reservationIDs) > 0 {
		if err := e.Stock.Release(ctx, reservationIDs); err != nil {
			return fmt.Errorf("release reservations for order %s: %w", orderID, err)
		}
		e.Log.Append(ctx, LogEntry{
			OrderID: orderID, TenantID: tenantID, Stage: stage,
			Action: "reservations_released", Detail: fmt.Sprintf("%d holds", len(reservationIDs)),
		})
	}

	e.Metrics.Count(ctx, "CheckoutCompensated", 1, map[string]string{"stage": stage})
	return nil
}
