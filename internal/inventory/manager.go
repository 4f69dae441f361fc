package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/commercekit/checkout-saga/internal/aws"
)

// Manager owns all mutations to reservation rows and level counters.
//
// Each hold is a single TransactWriteItems pairing a conditional decrement of
// the level item (available >= qty) with the put of a HELD reservation row.
// The conditional update is the atomic equivalent of a per-variant row lock:
// two concurrent checkouts for the last unit cannot both pass the condition.
type Manager struct {
	client            aws.DynamoDBAPI
	levelsTable       string
	reservationsTable string
	ttl               time.Duration // HELD reservations past this are swept
	nowFunc           func() time.Time
}

// NewManager returns a configured Manager.
func NewManager(client aws.DynamoDBAPI, levelsTable, reservationsTable string, ttl time.Duration) *Manager {
	return &Manager{
		client:            client,
		levelsTable:       levelsTable,
		reservationsTable: reservationsTable,
		ttl:               ttl,
		nowFunc:           time.Now,
	}
}

func levelKey(tenantID, variantID string) string {
	return tenantID + "#" + variantID
}

// Reserve holds stock for every line or for none. On the first line that
// fails the conditional decrement, holds already taken for this request are
// released and an OutOfStockError is returned.
func (m *Manager) Reserve(ctx context.Context, tenantID string, lines []Line) ([]Reservation, error) {
	if len(lines) == 0 {
		return nil, errors.New("no lines to reserve")
	}

	now := m.nowFunc().UTC()
	held := make([]Reservation, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			m.rollback(ctx, held)
			return nil, fmt.Errorf("invalid quantity %d for variant %s", line.Quantity, line.VariantID)
		}

		rsv := Reservation{
			ReservationID: uuid.NewString(),
			TenantID:      tenantID,
			VariantID:     line.VariantID,
			Quantity:      line.Quantity,
			Status:        StatusHeld,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(m.ttl).Unix(),
		}
		rsvMap, err := attributevalue.MarshalMap(rsv)
		if err != nil {
			m.rollback(ctx, held)
			return nil, fmt.Errorf("marshal reservation: %w", err)
		}

		qty := fmt.Sprintf("%d", line.Quantity)
		_, err = m.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Update: &types.Update{
						TableName: &m.levelsTable,
						Key: map[string]types.AttributeValue{
							"tenant_variant": &types.AttributeValueMemberS{Value: levelKey(tenantID, line.VariantID)},
						},
						UpdateExpression:    awsString("SET available = available - :q, reserved = reserved + :q, updated_at = :ua"),
						ConditionExpression: awsString("attribute_exists(tenant_variant) AND available >= :q"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":q":  &types.AttributeValueMemberN{Value: qty},
							":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						},
					},
				},
				{
					Put: &types.Put{
						TableName: &m.reservationsTable,
						Item:      rsvMap,
					},
				},
			},
		})
		if err != nil {
			m.rollback(ctx, held)
			if isTransactionConditionFailure(err) {
				return nil, &OutOfStockError{VariantID: line.VariantID, Requested: line.Quantity}
			}
			return nil, fmt.Errorf("reserve %s: %w", line.VariantID, err)
		}
		held = append(held, rsv)
	}
	return held, nil
}

// rollback releases partial holds from a failed Reserve. Best-effort: the TTL
// sweep reclaims anything a crash leaves behind.
func (m *Manager) rollback(ctx context.Context, held []Reservation) {
	if len(held) == 0 {
		return
	}
	ids := make([]string, 0, len(held))
	for _, r := range held {
		ids = append(ids, r.ReservationID)
	}
	if err := m.Release(ctx, ids); err != nil {
		log.Printf("[inventory] rollback of partial holds failed: %v", err)
	}
}

// Release returns HELD reservations to available stock. Releasing an
// already-released or committed reservation is a no-op, so retried
// compensation after a crash is safe.
func (m *Manager) Release(ctx context.Context, reservationIDs []string) error {
	now := m.nowFunc().UTC()
	for _, id := range reservationIDs {
		rsv, err := m.getReservation(ctx, id)
		if err != nil {
			return err
		}
		if rsv == nil || rsv.Status != StatusHeld {
			continue
		}

		qty := fmt.Sprintf("%d", rsv.Quantity)
		_, err = m.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Update: &types.Update{
						TableName: &m.reservationsTable,
						Key: map[string]types.AttributeValue{
							"reservation_id": &types.AttributeValueMemberS{Value: id},
						},
						UpdateExpression:         awsString("SET #s = :released, updated_at = :ua"),
						ConditionExpression:      awsString("#s = :held"),
						ExpressionAttributeNames: map[string]string{"#s": "status"},
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":released": &types.AttributeValueMemberS{Value: StatusReleased},
							":held":     &types.AttributeValueMemberS{Value: StatusHeld},
							":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						},
					},
				},
				{
					Update: &types.Update{
						TableName: &m.levelsTable,
						Key: map[string]types.AttributeValue{
							"tenant_variant": &types.AttributeValueMemberS{Value: levelKey(rsv.TenantID, rsv.VariantID)},
						},
						UpdateExpression:    awsString("SET available = available + :q, reserved = reserved - :q, updated_at = :ua"),
						ConditionExpression: awsString("reserved >= :q"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":q":  &types.AttributeValueMemberN{Value: qty},
							":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						},
					},
				},
			},
		})
		if err != nil {
			if isTransactionConditionFailure(err) {
				// Raced with another releaser or the sweep; already done.
				continue
			}
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}

// Commit finalizes HELD reservations for a paid order: the hold is cleared
// and the units leave on-hand stock. Idempotent the same way Release is.
func (m *Manager) Commit(ctx context.Context, reservationIDs []string, orderID string) error {
	now := m.nowFunc().UTC()
	for _, id := range reservationIDs {
		rsv, err := m.getReservation(ctx, id)
		if err != nil {
			return err
		}
		if rsv == nil {
			return fmt.Errorf("commit %s: reservation not found", id)
		}
		if rsv.Status != StatusHeld {
			continue
		}

		qty := fmt.Sprintf("%d", rsv.Quantity)
		_, err = m.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Update: &types.Update{
						TableName: &m.reservationsTable,
						Key: map[string]types.AttributeValue{
							"reservation_id": &types.AttributeValueMemberS{Value: id},
						},
						UpdateExpression:         awsString("SET #s = :committed, order_id = :oid, updated_at = :ua"),
						ConditionExpression:      awsString("#s = :held"),
						ExpressionAttributeNames: map[string]string{"#s": "status"},
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":committed": &types.AttributeValueMemberS{Value: StatusCommitted},
							":oid":       &types.AttributeValueMemberS{Value: orderID},
							":held":      &types.AttributeValueMemberS{Value: StatusHeld},
							":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						},
					},
				},
				{
					Update: &types.Update{
						TableName: &m.levelsTable,
						Key: map[string]types.AttributeValue{
							"tenant_variant": &types.AttributeValueMemberS{Value: levelKey(rsv.TenantID, rsv.VariantID)},
						},
						UpdateExpression:    awsString("SET reserved = reserved - :q, updated_at = :ua"),
						ConditionExpression: awsString("reserved >= :q"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":q":  &types.AttributeValueMemberN{Value: qty},
							":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						},
					},
				},
			},
		})
		if err != nil {
			if isTransactionConditionFailure(err) {
				continue
			}
			return fmt.Errorf("commit %s: %w", id, err)
		}
	}
	return nil
}

// SweepExpired releases HELD reservations whose TTL elapsed and returns how
// many were reclaimed. Run periodically by the worker.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.nowFunc().UTC().Unix()
	out, err := m.client.Scan(ctx, &dyn.ScanInput{
		TableName:                &m.reservationsTable,
		FilterExpression:         awsString("#s = :held AND expires_at <= :now"),
		ProjectionExpression:     awsString("reservation_id"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":held": &types.AttributeValueMemberS{Value: StatusHeld},
			":now":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired holds: %w", err)
	}

	ids := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		if pk, ok := item["reservation_id"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, pk.Value)
		}
	}
	if err := m.Release(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Adjust changes the available count for a variant (restock or correction),
// creating the level item on first use. Negative deltas are rejected if they
// would take available below zero.
func (m *Manager) Adjust(ctx context.Context, tenantID, variantID string, delta int) error {
	now := m.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &m.levelsTable,
		Key: map[string]types.AttributeValue{
			"tenant_variant": &types.AttributeValueMemberS{Value: levelKey(tenantID, variantID)},
		},
		UpdateExpression: awsString("SET available = if_not_exists(available, :zero) + :d, reserved = if_not_exists(reserved, :zero), tenant_id = :tid, variant_id = :vid, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":tid":  &types.AttributeValueMemberS{Value: tenantID},
			":vid":  &types.AttributeValueMemberS{Value: variantID},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	if delta < 0 {
		input.ConditionExpression = awsString("available >= :abs")
		input.ExpressionAttributeValues[":abs"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", -delta)}
	}
	_, err := m.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("adjust level %s/%s: %w", tenantID, variantID, err)
	}
	return nil
}

// Level reads the counter item for a variant. Returns (nil, nil) if absent.
func (m *Manager) Level(ctx context.Context, tenantID, variantID string) (*Level, error) {
	out, err := m.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &m.levelsTable,
		Key: map[string]types.AttributeValue{
			"tenant_variant": &types.AttributeValueMemberS{Value: levelKey(tenantID, variantID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get level: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var lvl Level
	if err := attributevalue.UnmarshalMap(out.Item, &lvl); err != nil {
		return nil, fmt.Errorf("unmarshal level: %w", err)
	}
	return &lvl, nil
}

func (m *Manager) getReservation(ctx context.Context, id string) (*Reservation, error) {
	out, err := m.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &m.reservationsTable,
		Key: map[string]types.AttributeValue{
			"reservation_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rsv Reservation
	if err := attributevalue.UnmarshalMap(out.Item, &rsv); err != nil {
		return nil, fmt.Errorf("unmarshal reservation: %w", err)
	}
	return &rsv, nil
}

func isTransactionConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return true
	}
	var cf *types.ConditionalCheckFailedException
	if errors.As(err, &cf) {
		return true
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		code := api.ErrorCode()
		return code == "TransactionCanceledException" || code == "ConditionalCheckFailedException"
	}
	return false
}

func awsString(s string) *string { return &s }
