package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory stand-in for the idempotency table. It
// implements only the condition expressions the Store actually issues.
type simpleMock struct {
	mu       sync.Mutex
	table    map[string]map[string]types.AttributeValue
	putCalls int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	pk := stringAttr(params.Item, "tenant_key")
	if pk == "" {
		return nil, errors.New("missing tenant_key")
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(tenant_key)" {
		if _, ok := m.table[pk]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := stringAttr(params.Key, "tenant_key")
	item, ok := m.table[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := stringAttr(params.Key, "tenant_key")
	item, ok := m.table[pk]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}

	if params.ConditionExpression != nil {
		switch *params.ConditionExpression {
		case "#s = :pending":
			pending := params.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value
			if stringAttr(item, "status") != pending {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case "#s = :pending AND started_at = :old":
			pending := params.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value
			if stringAttr(item, "status") != pending {
				return nil, &types.ConditionalCheckFailedException{}
			}
			old := params.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberS).Value
			if stringAttr(item, "started_at") != old {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
	}

	// Apply the specific SET expressions the store issues.
	switch *params.UpdateExpression {
	case "SET started_at = :next, updated_at = :next":
		item["started_at"] = params.ExpressionAttributeValues[":next"]
		item["updated_at"] = params.ExpressionAttributeValues[":next"]
	case "SET order_id = :oid, dispatched_at = :da, updated_at = :ua":
		item["order_id"] = params.ExpressionAttributeValues[":oid"]
		item["dispatched_at"] = params.ExpressionAttributeValues[":da"]
		item["updated_at"] = params.ExpressionAttributeValues[":ua"]
	case "SET #s = :status, order_id = :oid, error_kind = :ek, error_detail = :ed, updated_at = :ua":
		item["status"] = params.ExpressionAttributeValues[":status"]
		item["order_id"] = params.ExpressionAttributeValues[":oid"]
		item["error_kind"] = params.ExpressionAttributeValues[":ek"]
		item["error_detail"] = params.ExpressionAttributeValues[":ed"]
		item["updated_at"] = params.ExpressionAttributeValues[":ua"]
	default:
		return nil, errors.New("unsupported update: " + *params.UpdateExpression)
	}
	m.table[pk] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, stringAttr(params.Key, "tenant_key"))
	return &dyn.DeleteItemOutput{}, nil
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &dyn.ScanOutput{}
	nowAttr, ok := params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN)
	if !ok {
		return nil, errors.New("scan expects :now")
	}
	now, _ := strconv.ParseInt(nowAttr.Value, 10, 64)
	for pk, item := range m.table {
		exp, ok := item["expires_at"].(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		expires, _ := strconv.ParseInt(exp.Value, 10, 64)
		if expires <= now {
			out.Items = append(out.Items, map[string]types.AttributeValue{
				"tenant_key": &types.AttributeValueMemberS{Value: pk},
			})
		}
	}
	return out, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used by idempotency store")
}
