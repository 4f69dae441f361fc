package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/commercekit/checkout-saga/internal/aws"
)

// ErrStatusMismatch is returned when a conditional status transition finds
// the order in a different state than expected. Callers treat it as "someone
// else already moved the order" and branch on the current state.
var ErrStatusMismatch = errors.New("order status mismatch")

// Store encapsulates operations on the orders table. The orchestrator is the
// only writer during the synchronous saga; the reconciler is the only writer
// for the asynchronous uncertain->terminal transitions. Both go through the
// conditional transitions here, so a race resolves to exactly one winner.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a new order in PENDING_PAYMENT. The conditional put guards
// against order-id collisions (ids are UUIDs; the guard is for re-driven
// sagas that crashed after creating the order).
func (s *Store) Create(ctx context.Context, order *Order) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Status = StatusPendingPayment

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("order %s already exists: %w", order.OrderID, ErrStatusMismatch)
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

// Get fetches an order by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// MarkPaymentDispatched stamps the moment the capture call was sent. This is
// written before the call, so a crash mid-capture still leaves the order
// detectable as uncertain.
func (s *Store) MarkPaymentDispatched(ctx context.Context, orderID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET payment_dispatched_at = :at, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("mark payment dispatched: %w", err)
	}
	return nil
}

// MarkProcessing transitions PENDING_PAYMENT -> PROCESSING and records the
// payment reference. Returns ErrStatusMismatch when the order already left
// PENDING_PAYMENT, which makes the success path safe to run from both the
// synchronous saga and the webhook reconciler.
func (s *Store) MarkProcessing(ctx context.Context, orderID, paymentRef string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :processing, payment_ref = :ref, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":pending":    &types.AttributeValueMemberS{Value: StatusPendingPayment},
			":ref":        &types.AttributeValueMemberS{Value: paymentRef},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// Cancel transitions PENDING_PAYMENT -> CANCELLED. Cancelling an
// already-cancelled order is a no-op; cancelling a PROCESSING order returns
// ErrStatusMismatch so compensation never claws back a paid order.
func (s *Store) Cancel(ctx context.Context, orderID, reason string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :cancelled, cancel_reason = :reason, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: StatusCancelled},
			":pending":   &types.AttributeValueMemberS{Value: StatusPendingPayment},
			":reason":    &types.AttributeValueMemberS{Value: reason},
			":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			current, gerr := s.Get(ctx, orderID)
			if gerr != nil {
				return gerr
			}
			if current != nil && current.Status == StatusCancelled {
				return nil
			}
			return ErrStatusMismatch
		}
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// FlagManualReview marks an order for operator attention without changing
// its status.
func (s *Store) FlagManualReview(ctx context.Context, orderID, reason string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET manual_review = :yes, review_reason = :reason, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":yes":    &types.AttributeValueMemberBOOL{Value: true},
			":reason": &types.AttributeValueMemberS{Value: reason},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("flag manual review: %w", err)
	}
	return nil
}

// ListStaleUncertain returns ids of orders that dispatched payment before
// cutoff and are still awaiting an outcome, excluding those already flagged.
func (s *Store) ListStaleUncertain(ctx context.Context, cutoff time.Time) ([]string, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         awsString("#s = :pending AND payment_dispatched_at <= :cutoff AND attribute_not_exists(payment_ref) AND manual_review = :no"),
		ProjectionExpression:     awsString("order_id"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPendingPayment},
			":cutoff":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.Unix())},
			":no":      &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan stale uncertain: %w", err)
	}
	ids := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		if pk, ok := item["order_id"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, pk.Value)
		}
	}
	return ids, nil
}

func isConditionalFailure(err error) bool {
	var cf *types.ConditionalCheckFailedException
	if errors.As(err, &cf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
