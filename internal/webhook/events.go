package webhook

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

// EventRecord is the dedup row persisted per provider event id.
type EventRecord struct {
	ProviderEventID string    `dynamodbav:"provider_event_id"` // PK
	EventType       string    `dynamodbav:"event_type"`
	OrderID         string    `dynamodbav:"order_id,omitempty"`
	ReceivedAt      time.Time `dynamodbav:"received_at"`
	ExpiresAt       int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// EventStore tracks which provider events have been processed. Providers
// deliver at least once, so the claim row is what turns redelivery into a
// no-op.
type EventStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewEventStore returns an EventStore over the given table.
func NewEventStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *EventStore {
	return &EventStore{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Claim inserts the dedup row for an event. Returns false when the event was
// already claimed, meaning this delivery is a duplicate.
func (s *EventStore) Claim(ctx context.Context, eventID, eventType, orderID string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := EventRecord{
		ProviderEventID: eventID,
		EventType:       eventType,
		OrderID:         orderID,
		ReceivedAt:      now,
		ExpiresAt:       now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal event record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(provider_event_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return true, nil
}

// ReleaseClaim deletes the dedup row so a failed processing attempt can be
// redelivered by the queue and retried.
func (s *EventStore) ReleaseClaim(ctx context.Context, eventID string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"provider_event_id": &types.AttributeValueMemberS{Value: eventID},
		},
	})
	if err != nil {
		return fmt.Errorf("release claim %s: %w", eventID, err)
	}
	return nil
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
