// Package expr implements the expression compiler (spec.md §4.4/component
// D): two entry points, CompileFilter and CompileKeyCondition, each
// translating the declarative filter/key-condition language into a
// DynamoDB expression string plus monotonic name/value placeholder maps.
package expr

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/field"
)

// FieldResolver looks up a declared field descriptor by name, letting the
// compiler encode values through the right field kind and reject unknown
// field references. schema.EntityDefinition satisfies this directly.
type FieldResolver interface {
	Field(name string) (field.Descriptor, bool)
}

// Result is the output of a compilation: the expression string together
// with the name/value placeholder maps DynamoDB needs alongside it.
type Result struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// compiler accumulates monotonic placeholders across one compilation.
type compiler struct {
	resolver  FieldResolver
	names     map[string]string
	nameSeq   map[string]string // attribute name -> placeholder, for reuse
	values    map[string]types.AttributeValue
	nameCount int
	valueCount int
}

func newCompiler(resolver FieldResolver) *compiler {
	return &compiler{
		resolver: resolver,
		names:    map[string]string{},
		nameSeq:  map[string]string{},
		values:   map[string]types.AttributeValue{},
	}
}

func (c *compiler) placeholderFor(name string) string {
	if p, ok := c.nameSeq[name]; ok {
		return p
	}
	c.nameCount++
	p := fmt.Sprintf("#n%d", c.nameCount)
	c.nameSeq[name] = p
	c.names[p] = name
	return p
}

func (c *compiler) addValue(av types.AttributeValue) string {
	c.valueCount++
	p := fmt.Sprintf(":v%d", c.valueCount)
	c.values[p] = av
	return p
}

func (c *compiler) resolveField(name string) (field.Descriptor, error) {
	f, ok := c.resolver.Field(name)
	if !ok {
		return nil, &errors.QueryError{Field: name, Reason: "field is not declared on this entity"}
	}
	return f, nil
}

func (c *compiler) encodeValue(f field.Descriptor, value any) (types.AttributeValue, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, &errors.FieldValidationError{Field: f.Name(), Value: value, Reason: err.Error()}
	}
	return av, nil
}

// encodeIndexValue renders value the same way the key codec does when it
// built the physical _pk/_sk attribute being compared against: the
// field's lexicographically-ordered index-key string, not its native
// storage representation (which would, e.g., compare a Number against a
// String attribute for an integer sort field).
func (c *compiler) encodeIndexValue(f field.Descriptor, value any) (types.AttributeValue, error) {
	s, err := f.EncodeForIndexKey(value)
	if err != nil {
		return nil, &errors.FieldValidationError{Field: f.Name(), Value: value, Reason: err.Error()}
	}
	return &types.AttributeValueMemberS{Value: s}, nil
}

// --- Filter expressions ---

// FilterNode is one node of a filter-expression tree, following spec.md
// §4.4's grammar: either a logical combinator ($and/$or/$not) or a leaf
// field condition.
type FilterNode struct {
	// Logical combinator, if this is an internal node. One of "$and",
	// "$or", "$not". Exactly one of (And/Or/Not) is used.
	And []FilterNode
	Or  []FilterNode
	Not *FilterNode

	// Leaf: Field/Op/Value. Op == "" means bare equality.
	Field string
	Op    string
	Value any
}

var filterOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$contains": true, "$beginsWith": true, "$in": true, "$exists": true,
}

// CompileFilter compiles a filter-expression tree against resolver, per
// spec.md §4.4. The returned expression is built entirely from already-
// escaped #name/:value placeholders.
func CompileFilter(resolver FieldResolver, node FilterNode) (*Result, error) {
	c := newCompiler(resolver)
	expr, err := c.compileFilterNode(node)
	if err != nil {
		return nil, err
	}
	return &Result{Expression: expr, Names: c.names, Values: c.values}, nil
}

func (c *compiler) compileFilterNode(n FilterNode) (string, error) {
	switch {
	case n.And != nil:
		return c.joinLogical(n.And, "AND")
	case n.Or != nil:
		return c.joinLogical(n.Or, "OR")
	case n.Not != nil:
		inner, err := c.compileFilterNode(*n.Not)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(NOT %s)", inner), nil
	default:
		return c.compileFilterLeaf(n)
	}
}

func (c *compiler) joinLogical(nodes []FilterNode, op string) (string, error) {
	if len(nodes) == 0 {
		return "", &errors.QueryError{Reason: fmt.Sprintf("%s requires a non-empty array", op)}
	}
	parts := make([]string, 0, len(nodes))
	for _, sub := range nodes {
		p, err := c.compileFilterNode(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out = fmt.Sprintf("(%s %s %s)", out, op, p)
	}
	return out, nil
}

func (c *compiler) compileFilterLeaf(n FilterNode) (string, error) {
	f, err := c.resolveField(n.Field)
	if err != nil {
		return "", err
	}
	namePlaceholder := c.placeholderFor(n.Field)

	op := n.Op
	if op == "" {
		op = "$eq"
	}
	if !filterOps[op] {
		return "", &errors.QueryError{Field: n.Field, Operator: op, Reason: "unsupported filter operator"}
	}

	switch op {
	case "$exists":
		b, ok := n.Value.(bool)
		if !ok {
			return "", &errors.QueryError{Field: n.Field, Operator: op, Reason: "$exists requires a boolean"}
		}
		if b {
			return fmt.Sprintf("attribute_exists(%s)", namePlaceholder), nil
		}
		return fmt.Sprintf("attribute_not_exists(%s)", namePlaceholder), nil
	case "$in":
		values, ok := n.Value.([]any)
		if !ok {
			return "", &errors.QueryError{Field: n.Field, Operator: op, Reason: "$in requires an array"}
		}
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			av, err := c.encodeValue(f, v)
			if err != nil {
				return "", err
			}
			placeholders = append(placeholders, c.addValue(av))
		}
		return fmt.Sprintf("%s IN (%s)", namePlaceholder, joinComma(placeholders)), nil
	case "$contains":
		av, err := c.encodeValue(f, n.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("contains(%s, %s)", namePlaceholder, c.addValue(av)), nil
	case "$beginsWith":
		av, err := c.encodeValue(f, n.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("begins_with(%s, %s)", namePlaceholder, c.addValue(av)), nil
	default:
		av, err := c.encodeValue(f, n.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", namePlaceholder, comparisonSymbol(op), c.addValue(av)), nil
	}
}

func comparisonSymbol(op string) string {
	switch op {
	case "$eq":
		return "="
	case "$ne":
		return "<>"
	case "$gt":
		return ">"
	case "$gte":
		return ">="
	case "$lt":
		return "<"
	case "$lte":
		return "<="
	default:
		return "="
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// --- Key conditions ---

// KeyCondition is a key-condition leaf applied to an index's sort field,
// per spec.md §4.4. Op == "" means bare equality.
type KeyCondition struct {
	SortField string
	Op        string
	Value     any
	Low, High any // used only when Op == "$between"
}

var keyConditionOps = map[string]bool{
	"$eq": true, "$lt": true, "$lte": true, "$gt": true, "$gte": true,
	"$beginsWith": true, "$between": true,
}

// CompileKeyCondition compiles a key-condition leaf against resolver,
// bounded to indexSortField (the sort field of the target index), per
// spec.md §4.4.
func CompileKeyCondition(resolver FieldResolver, indexName, indexSortField string, kc KeyCondition) (*Result, error) {
	c := newCompiler(resolver)

	if kc.SortField != indexSortField {
		return nil, &errors.QueryError{
			Field:  kc.SortField,
			Reason: fmt.Sprintf("field %s is not the sort key for index %s", kc.SortField, indexName),
		}
	}

	f, err := c.resolveField(kc.SortField)
	if err != nil {
		return nil, err
	}
	namePlaceholder := c.placeholderFor(kc.SortField)

	op := kc.Op
	if op == "" {
		op = "$eq"
	}
	if !keyConditionOps[op] {
		return nil, &errors.QueryError{Field: kc.SortField, Operator: op, Reason: "unsupported key-condition operator"}
	}

	var expr string
	switch op {
	case "$between":
		lowAV, err := c.encodeIndexValue(f, kc.Low)
		if err != nil {
			return nil, err
		}
		highAV, err := c.encodeIndexValue(f, kc.High)
		if err != nil {
			return nil, err
		}
		expr = fmt.Sprintf("%s BETWEEN %s AND %s", namePlaceholder, c.addValue(lowAV), c.addValue(highAV))
	case "$beginsWith":
		av, err := c.encodeIndexValue(f, kc.Value)
		if err != nil {
			return nil, err
		}
		expr = fmt.Sprintf("begins_with(%s, %s)", namePlaceholder, c.addValue(av))
	default:
		av, err := c.encodeIndexValue(f, kc.Value)
		if err != nil {
			return nil, err
		}
		expr = fmt.Sprintf("%s %s %s", namePlaceholder, comparisonSymbol(op), c.addValue(av))
	}

	return &Result{Expression: expr, Names: c.names, Values: c.values}, nil
}

// SortedValueKeys returns m's keys sorted, used by tests to compare value
// maps deterministically regardless of placeholder allocation order.
func SortedValueKeys(m map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
