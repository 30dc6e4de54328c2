// Package fake provides an in-memory implementation of wireclient.Client for
// tests, covering the same seven operations wireclient.Client declares. It
// understands the subset of the DynamoDB expression grammar that
// internal/expr emits (AND/OR/NOT, comparisons, attribute_exists,
// attribute_not_exists, begins_with, contains, BETWEEN) so condition and
// filter expressions behave the same way they would against a real table.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/pkg/wireclient"
)

// Client is a single-table, goroutine-safe in-memory DynamoDB stand-in.
type Client struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue // itemKey -> item
	// calls counts invocations of each backend operation, reported by Calls.
	calls struct {
		GetItem            int
		Query              int
		PutItem            int
		UpdateItem         int
		DeleteItem         int
		BatchGetItem       int
		TransactWriteItems int
	}
}

var _ wireclient.Client = (*Client)(nil)

// New returns an empty fake table.
func New() *Client {
	return &Client{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(key map[string]types.AttributeValue) string {
	pk, _ := attrString(key["_pk"])
	sk, _ := attrString(key["_sk"])
	return pk + "\x00" + sk
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// Seed directly inserts an item, bypassing conditions; useful for test setup.
func (c *Client) Seed(item map[string]types.AttributeValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[itemKey(item)] = cloneItem(item)
}

// CallCounts exposes how many times each backend operation has been invoked,
// for scenarios like "exactly one BatchGetItem for N concurrent gets".
type CallCounts struct {
	GetItem            int
	Query              int
	PutItem            int
	UpdateItem         int
	DeleteItem         int
	BatchGetItem       int
	TransactWriteItems int
}

// Calls returns a snapshot of CallCounts.
func (c *Client) Calls() CallCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallCounts(c.calls)
}

// All returns every stored item, for assertions in tests.
func (c *Client) All() []map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]types.AttributeValue, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, cloneItem(v))
	}
	return out
}

func (c *Client) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.GetItem++
	item, ok := c.items[itemKey(in.Key)]
	out := &dynamodb.GetItemOutput{}
	if ok {
		out.Item = cloneItem(item)
	}
	if in.ReturnConsumedCapacity == types.ReturnConsumedCapacityTotal {
		out.ConsumedCapacity = &types.ConsumedCapacity{CapacityUnits: aws.Float64(0.5)}
	}
	return out, nil
}

func (c *Client) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.PutItem++
	key := itemKey(in.Item)
	existing := c.items[key]
	if err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing); err != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String(err.Error())}
	}
	c.items[key] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)}}, nil
}

func (c *Client) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.DeleteItem++
	key := itemKey(in.Key)
	existing := c.items[key]
	if err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing); err != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String(err.Error())}
	}
	delete(c.items, key)
	return &dynamodb.DeleteItemOutput{ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)}}, nil
}

func (c *Client) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.UpdateItem++
	key := itemKey(in.Key)
	existing := cloneItem(c.items[key])
	if existing == nil {
		existing = make(map[string]types.AttributeValue)
	}
	if err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing); err != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String(err.Error())}
	}
	updated, err := applyUpdateExpression(aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing, in.Key)
	if err != nil {
		return nil, err
	}
	c.items[key] = updated
	out := &dynamodb.UpdateItemOutput{ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(1)}}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = cloneItem(updated)
	}
	return out, nil
}

func (c *Client) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.BatchGetItem++
	responses := make(map[string][]map[string]types.AttributeValue)
	for table, ks := range in.RequestItems {
		for _, key := range ks.Keys {
			if item, ok := c.items[itemKey(key)]; ok {
				responses[table] = append(responses[table], cloneItem(item))
			}
		}
	}
	return &dynamodb.BatchGetItemOutput{
		Responses:        responses,
		UnprocessedKeys:  map[string]types.KeysAndAttributes{},
		ConsumedCapacity: []types.ConsumedCapacity{{CapacityUnits: aws.Float64(float64(len(in.RequestItems)))}},
	}, nil
}

func (c *Client) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Query++

	matches := make([]map[string]types.AttributeValue, 0)
	keyCond := aws.ToString(in.KeyConditionExpression)
	for _, item := range c.items {
		if !matchesKeyCondition(keyCond, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item, "") {
			continue
		}
		if in.FilterExpression != nil {
			if err := evalCondition(in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item); err != nil {
				continue
			}
		}
		matches = append(matches, cloneItem(item))
	}

	sortKeyOf := func(m map[string]types.AttributeValue) string {
		sk, _ := attrString(m[sortAttrName(in)])
		return sk
	}
	sort.Slice(matches, func(i, j int) bool {
		if in.ScanIndexForward != nil && !*in.ScanIndexForward {
			return sortKeyOf(matches[i]) > sortKeyOf(matches[j])
		}
		return sortKeyOf(matches[i]) < sortKeyOf(matches[j])
	})

	if in.ExclusiveStartKey != nil {
		startPK, _ := attrString(in.ExclusiveStartKey["_pk"])
		startSK, _ := attrString(in.ExclusiveStartKey["_sk"])
		for i, m := range matches {
			pk, _ := attrString(m["_pk"])
			sk, _ := attrString(m["_sk"])
			if pk == startPK && sk == startSK {
				matches = matches[i+1:]
				break
			}
		}
	}

	limit := len(matches)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}
	page := matches[:limit]

	out := &dynamodb.QueryOutput{
		Items:        page,
		Count:        int32(len(page)),
		ScannedCount: int32(len(matches)),
	}
	if in.ReturnConsumedCapacity == types.ReturnConsumedCapacityTotal {
		out.ConsumedCapacity = &types.ConsumedCapacity{CapacityUnits: aws.Float64(0.5 * float64(len(page)))}
	}
	if len(matches) > limit {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"_pk": page[len(page)-1]["_pk"],
			"_sk": page[len(page)-1]["_sk"],
		}
	}
	return out, nil
}

func sortAttrName(in *dynamodb.QueryInput) string {
	if in.IndexName != nil {
		return attrForLogicalSlot(aws.ToString(in.IndexName), "sk")
	}
	return "_sk"
}

func attrForLogicalSlot(indexName, part string) string {
	// indexName looks like "gsi1"; physical attrs are "_gsi1_pk"/"_gsi1_sk".
	return "_" + indexName + "_" + part
}

func (c *Client) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.TransactWriteItems++

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			existing := c.items[itemKey(item.Put.Item)]
			if err := evalCondition(item.Put.ConditionExpression, item.Put.ExpressionAttributeNames, item.Put.ExpressionAttributeValues, existing); err != nil {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String(err.Error())}
				failed = true
			}
		case item.Delete != nil:
			existing := c.items[itemKey(item.Delete.Key)]
			if err := evalCondition(item.Delete.ConditionExpression, item.Delete.ExpressionAttributeNames, item.Delete.ExpressionAttributeValues, existing); err != nil {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String(err.Error())}
				failed = true
			}
		case item.Update != nil:
			existing := c.items[itemKey(item.Update.Key)]
			if err := evalCondition(item.Update.ConditionExpression, item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues, existing); err != nil {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String(err.Error())}
				failed = true
			}
		case item.ConditionCheck != nil:
			existing := c.items[itemKey(item.ConditionCheck.Key)]
			if err := evalCondition(item.ConditionCheck.ConditionExpression, item.ConditionCheck.ExpressionAttributeNames, item.ConditionCheck.ExpressionAttributeValues, existing); err != nil {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Message: aws.String(err.Error())}
				failed = true
			}
		}
		if reasons[i].Code == nil {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:            aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			c.items[itemKey(item.Put.Item)] = cloneItem(item.Put.Item)
		case item.Delete != nil:
			delete(c.items, itemKey(item.Delete.Key))
		case item.Update != nil:
			existing := cloneItem(c.items[itemKey(item.Update.Key)])
			if existing == nil {
				existing = make(map[string]types.AttributeValue)
			}
			updated, err := applyUpdateExpression(aws.ToString(item.Update.UpdateExpression), item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues, existing, item.Update.Key)
			if err != nil {
				return nil, err
			}
			c.items[itemKey(item.Update.Key)] = updated
		}
	}

	return &dynamodb.TransactWriteItemsOutput{
		ConsumedCapacity: []types.ConsumedCapacity{{CapacityUnits: aws.Float64(float64(len(in.TransactItems)))}},
	}, nil
}

func attrString(av types.AttributeValue) (string, bool) {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value, true
	}
	return "", false
}

func applyUpdateExpression(expression string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue, key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	out := cloneItem(existing)
	for k, v := range key {
		out[k] = v
	}
	clauses := splitUpdateClauses(expression)
	for verb, body := range clauses {
		for _, assignment := range splitTopLevel(body, ',') {
			assignment = strings.TrimSpace(assignment)
			if assignment == "" {
				continue
			}
			switch verb {
			case "SET":
				parts := strings.SplitN(assignment, "=", 2)
				name := resolveName(strings.TrimSpace(parts[0]), names)
				valExpr := strings.TrimSpace(parts[1])
				if strings.HasPrefix(valExpr, "if_not_exists(") {
					inner := strings.TrimSuffix(strings.TrimPrefix(valExpr, "if_not_exists("), ")")
					args := strings.SplitN(inner, ",", 2)
					if _, exists := out[name]; exists {
						continue
					}
					out[name] = values[strings.TrimSpace(args[1])]
					continue
				}
				out[name] = values[valExpr]
			case "ADD":
				fields := strings.Fields(assignment)
				name := resolveName(fields[0], names)
				delta := values[fields[1]]
				out[name] = addNumeric(out[name], delta)
			case "REMOVE":
				name := resolveName(assignment, names)
				delete(out, name)
			}
		}
	}
	return out, nil
}

func resolveName(token string, names map[string]string) string {
	if n, ok := names[token]; ok {
		return n
	}
	return token
}

func addNumeric(existing, delta types.AttributeValue) types.AttributeValue {
	ev, _ := existing.(*types.AttributeValueMemberN)
	dv, _ := delta.(*types.AttributeValueMemberN)
	if dv == nil {
		return existing
	}
	if ev == nil {
		return dv
	}
	var a, b int64
	fmt.Sscanf(ev.Value, "%d", &a)
	fmt.Sscanf(dv.Value, "%d", &b)
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", a+b)}
}

func splitUpdateClauses(expr string) map[string]string {
	out := map[string]string{}
	verbs := []string{"SET", "ADD", "REMOVE", "DELETE"}
	positions := []struct {
		verb string
		idx  int
	}{}
	for _, v := range verbs {
		idx := indexOfWord(expr, v)
		if idx >= 0 {
			positions = append(positions, struct {
				verb string
				idx  int
			}{v, idx})
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].idx < positions[j].idx })
	for i, p := range positions {
		end := len(expr)
		if i+1 < len(positions) {
			end = positions[i+1].idx
		}
		out[p.verb] = strings.TrimSpace(expr[p.idx+len(p.verb) : end])
	}
	return out
}

func indexOfWord(s, word string) int {
	idx := strings.Index(s, word)
	for idx >= 0 {
		before := idx == 0 || s[idx-1] == ' '
		after := idx+len(word) >= len(s) || s[idx+len(word)] == ' '
		if before && after {
			return idx
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			return -1
		}
		idx = idx + 1 + next
	}
	return -1
}

func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}
