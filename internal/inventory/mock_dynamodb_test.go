package inventory

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo implements the handful of expressions the Manager issues, with
// real conditional semantics so concurrency tests exercise the same
// check-and-decrement guarantees as DynamoDB.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) ensureTable(tbl string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[tbl]
}

func pkOf(attrs map[string]types.AttributeValue) (string, string) {
	for _, name := range []string{"tenant_variant", "reservation_id"} {
		if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
			return name, v.Value
		}
	}
	return "", ""
}

func getN(item map[string]types.AttributeValue, name string) int {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.Atoi(v.Value)
		return n
	}
	return 0
}

func setN(item map[string]types.AttributeValue, name string, n int) {
	item[name] = &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func getS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func valN(vals map[string]types.AttributeValue, name string) int {
	if v, ok := vals[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.Atoi(v.Value)
		return n
	}
	return 0
}

func valS(vals map[string]types.AttributeValue, name string) string {
	if v, ok := vals[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// applyUpdate evaluates one Update element (used for both transactional and
// plain updates). Returns a conditional failure for unmet conditions.
func (m *mockDynamo) applyUpdate(table string, key map[string]types.AttributeValue, cond, expr *string, vals map[string]types.AttributeValue) error {
	tbl := m.ensureTable(table)
	_, pk := pkOf(key)
	item, exists := tbl[pk]

	if cond != nil {
		switch *cond {
		case "attribute_exists(tenant_variant) AND available >= :q":
			if !exists || getN(item, "available") < valN(vals, ":q") {
				return &types.ConditionalCheckFailedException{}
			}
		case "#s = :held":
			if !exists || getS(item, "status") != valS(vals, ":held") {
				return &types.ConditionalCheckFailedException{}
			}
		case "reserved >= :q":
			if !exists || getN(item, "reserved") < valN(vals, ":q") {
				return &types.ConditionalCheckFailedException{}
			}
		case "available >= :abs":
			if !exists || getN(item, "available") < valN(vals, ":abs") {
				return &types.ConditionalCheckFailedException{}
			}
		default:
			return errors.New("unsupported condition: " + *cond)
		}
	}

	if !exists {
		item = map[string]types.AttributeValue{}
		for name, v := range key {
			item[name] = v
		}
		tbl[pk] = item
	}

	switch *expr {
	case "SET available = available - :q, reserved = reserved + :q, updated_at = :ua":
		setN(item, "available", getN(item, "available")-valN(vals, ":q"))
		setN(item, "reserved", getN(item, "reserved")+valN(vals, ":q"))
	case "SET available = available + :q, reserved = reserved - :q, updated_at = :ua":
		setN(item, "available", getN(item, "available")+valN(vals, ":q"))
		setN(item, "reserved", getN(item, "reserved")-valN(vals, ":q"))
	case "SET reserved = reserved - :q, updated_at = :ua":
		setN(item, "reserved", getN(item, "reserved")-valN(vals, ":q"))
	case "SET #s = :released, updated_at = :ua":
		item["status"] = vals[":released"]
	case "SET #s = :committed, order_id = :oid, updated_at = :ua":
		item["status"] = vals[":committed"]
		item["order_id"] = vals[":oid"]
	case "SET available = if_not_exists(available, :zero) + :d, reserved = if_not_exists(reserved, :zero), tenant_id = :tid, variant_id = :vid, updated_at = :ua":
		setN(item, "available", getN(item, "available")+valN(vals, ":d"))
		setN(item, "reserved", getN(item, "reserved"))
		item["tenant_id"] = vals[":tid"]
		item["variant_id"] = vals[":vid"]
	default:
		return errors.New("unsupported update: " + *expr)
	}
	item["updated_at"] = vals[":ua"]
	return nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First pass: evaluate conditions without applying anything.
	for _, it := range params.TransactItems {
		if u := it.Update; u != nil {
			if u.ConditionExpression == nil {
				continue
			}
			tbl := m.ensureTable(*u.TableName)
			_, pk := pkOf(u.Key)
			item, exists := tbl[pk]
			ok := false
			switch *u.ConditionExpression {
			case "attribute_exists(tenant_variant) AND available >= :q":
				ok = exists && getN(item, "available") >= valN(u.ExpressionAttributeValues, ":q")
			case "#s = :held":
				ok = exists && getS(item, "status") == valS(u.ExpressionAttributeValues, ":held")
			case "reserved >= :q":
				ok = exists && getN(item, "reserved") >= valN(u.ExpressionAttributeValues, ":q")
			default:
				return nil, errors.New("unsupported transact condition: " + *u.ConditionExpression)
			}
			if !ok {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}

	// Second pass: apply.
	for _, it := range params.TransactItems {
		if u := it.Update; u != nil {
			if err := m.applyUpdate(*u.TableName, u.Key, nil, u.UpdateExpression, u.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		}
		if p := it.Put; p != nil {
			tbl := m.ensureTable(*p.TableName)
			_, pk := pkOf(p.Item)
			tbl[pk] = p.Item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.applyUpdate(*params.TableName, params.Key, params.ConditionExpression, params.UpdateExpression, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.ensureTable(*params.TableName)
	_, pk := pkOf(params.Key)
	item, ok := tbl[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.ensureTable(*params.TableName)
	_, pk := pkOf(params.Item)
	tbl[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.ensureTable(*params.TableName)
	_, pk := pkOf(params.Key)
	delete(tbl, pk)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.ensureTable(*params.TableName)
	out := &dyn.ScanOutput{}
	for pk, item := range tbl {
		if params.FilterExpression != nil && *params.FilterExpression == "#s = :held AND expires_at <= :now" {
			nv, ok := params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN)
			if !ok {
				return nil, errors.New("scan expects :now")
			}
			now, _ := strconv.ParseInt(nv.Value, 10, 64)
			if getS(item, "status") != valS(params.ExpressionAttributeValues, ":held") {
				continue
			}
			if int64(getN(item, "expires_at")) > now {
				continue
			}
		}
		out.Items = append(out.Items, map[string]types.AttributeValue{
			"reservation_id": &types.AttributeValueMemberS{Value: pk},
		})
	}
	return out, nil
}
