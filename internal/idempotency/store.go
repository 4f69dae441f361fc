package idempotency

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

// Store is the durable dedup ledger for checkout commits. Exactly one caller
// per (tenant, key) observes a created or re-driven record and may run the
// saga; everyone else sees the existing record.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // record lifetime; purge + table TTL delete after this
	grace     time.Duration // PENDING records older than this may be re-driven
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow, grace time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		grace:     grace,
		nowFunc:   time.Now,
	}
}

func compositeKey(tenantID, key string) string {
	return tenantID + "#" + key
}

// Begin performs the atomic insert-if-absent that gates the saga.
//
// The write path is a conditional PutItem on attribute_not_exists(tenant_key);
// losing the race is not an error: the existing record is fetched and
// classified into Replay / InFlight / AwaitingPayment / Conflict, and a stale
// PENDING record that never dispatched payment is taken over via a
// compare-and-swap on started_at (Redrive).
func (s *Store) Begin(ctx context.Context, tenantID, key, payloadHash string) (BeginResult, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		TenantKey:      compositeKey(tenantID, key),
		TenantID:       tenantID,
		IdempotencyKey: key,
		Status:         StatusPending,
		PayloadHash:    payloadHash,
		CreatedAt:      now,
		StartedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return BeginResult{}, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(tenant_key)"),
	})
	if err == nil {
		return BeginResult{Outcome: OutcomeCreated, Record: &rec}, nil
	}
	if !isConditionalFailure(err) {
		return BeginResult{}, fmt.Errorf("put item: %w", err)
	}

	// Lost the insert race or the key was used before: inspect the winner.
	existing, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return BeginResult{}, err
	}
	if existing == nil {
		// Record purged between the failed put and the get; try once more.
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(tenant_key)"),
		})
		if err != nil {
			return BeginResult{}, fmt.Errorf("put item after purge race: %w", err)
		}
		return BeginResult{Outcome: OutcomeCreated, Record: &rec}, nil
	}

	if existing.PayloadHash != payloadHash {
		return BeginResult{Outcome: OutcomeConflict, Record: existing}, nil
	}

	switch existing.Status {
	case StatusSucceeded, StatusFailed:
		return BeginResult{Outcome: OutcomeReplay, Record: existing}, nil
	case StatusPending:
		if existing.DispatchedAt > 0 {
			// Payment already went out under this key. A re-driven saga would
			// dispatch a second capture, so the record is never taken over;
			// the reconciler closes it when the provider outcome arrives.
			return BeginResult{Outcome: OutcomeAwaitingPayment, Record: existing}, nil
		}
		if now.Sub(existing.StartedAt) < s.grace {
			return BeginResult{Outcome: OutcomeInFlight, Record: existing}, nil
		}
		took, err := s.takeOver(ctx, existing, now)
		if err != nil {
			return BeginResult{}, err
		}
		if !took {
			// Another retry re-drove the record first.
			return BeginResult{Outcome: OutcomeInFlight, Record: existing}, nil
		}
		existing.StartedAt = now
		return BeginResult{Outcome: OutcomeRedrive, Record: existing}, nil
	default:
		return BeginResult{}, fmt.Errorf("unknown idempotency status %q for key %s", existing.Status, key)
	}
}

// takeOver claims an abandoned PENDING record by swapping started_at. The CAS
// on the old started_at value ensures only one retrying caller wins.
func (s *Store) takeOver(ctx context.Context, existing *Record, now time.Time) (bool, error) {
	old, err := attributevalue.Marshal(existing.StartedAt)
	if err != nil {
		return false, fmt.Errorf("marshal started_at: %w", err)
	}
	next, err := attributevalue.Marshal(now)
	if err != nil {
		return false, fmt.Errorf("marshal started_at: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tenant_key": &types.AttributeValueMemberS{Value: existing.TenantKey},
		},
		UpdateExpression:         awsString("SET started_at = :next, updated_at = :next"),
		ConditionExpression:      awsString("#s = :pending AND started_at = :old"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":old":     old,
			":next":    next,
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("take over pending record: %w", err)
	}
	return true, nil
}

// Get retrieves a record by tenant and key. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tenant_key": &types.AttributeValueMemberS{Value: compositeKey(tenantID, key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDispatched stamps the order id and dispatch time on the PENDING record
// before the capture call goes out. From this point on Begin classifies the
// record as awaiting payment instead of re-drivable. Marking a record that
// already went terminal is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, tenantID, key, orderID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tenant_key": &types.AttributeValueMemberS{Value: compositeKey(tenantID, key)},
		},
		UpdateExpression:         awsString("SET order_id = :oid, dispatched_at = :da, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":oid":     &types.AttributeValueMemberS{Value: orderID},
			":da":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil
		}
		return fmt.Errorf("update item (mark dispatched): %w", err)
	}
	return nil
}

// MarkSucceeded records the terminal success result. The transition is guarded
// so an already-terminal record is never rewritten; re-marking is a no-op.
func (s *Store) MarkSucceeded(ctx context.Context, tenantID, key, orderID string) error {
	return s.markTerminal(ctx, tenantID, key, StatusSucceeded, orderID, "", "")
}

// MarkFailed records the terminal failure result (error kind + detail).
func (s *Store) MarkFailed(ctx context.Context, tenantID, key, errorKind, errorDetail string) error {
	return s.markTerminal(ctx, tenantID, key, StatusFailed, "", errorKind, errorDetail)
}

func (s *Store) markTerminal(ctx context.Context, tenantID, key, status, orderID, errorKind, errorDetail string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tenant_key": &types.AttributeValueMemberS{Value: compositeKey(tenantID, key)},
		},
		UpdateExpression:         awsString("SET #s = :status, order_id = :oid, error_kind = :ek, error_detail = :ed, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: status},
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":oid":     &types.AttributeValueMemberS{Value: orderID},
			":ek":      &types.AttributeValueMemberS{Value: errorKind},
			":ed":      &types.AttributeValueMemberS{Value: errorDetail},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalFailure(err) {
			// Already terminal (e.g. the reconciler resolved it first).
			return nil
		}
		return fmt.Errorf("update item (mark %s): %w", status, err)
	}
	return nil
}

// PurgeExpired deletes records past their expiry and returns how many were
// removed. The DynamoDB table TTL is the backstop; this sweep keeps local
// deployments and tests honest.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.nowFunc().UTC().Unix()
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:            &s.tableName,
		FilterExpression:     awsString("expires_at <= :now"),
		ProjectionExpression: awsString("tenant_key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}

	purged := 0
	for _, item := range out.Items {
		pk, ok := item["tenant_key"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
			TableName: &s.tableName,
			Key: map[string]types.AttributeValue{
				"tenant_key": &types.AttributeValueMemberS{Value: pk.Value},
			},
		})
		if err != nil {
			return purged, fmt.Errorf("delete expired record: %w", err)
		}
		purged++
	}
	return purged, nil
}

func isConditionalFailure(err error) bool {
	var cf *types.ConditionalCheckFailedException
	if errors.As(err, &cf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

// Helper
func awsString(s string) *string { return &s }
