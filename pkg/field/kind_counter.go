package field

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// parseCounterValue accepts an int64/int absolute value, or a string of the
// form "+N"/"-N" for a relative delta, per spec.md §4.1. A bare numeric
// string is treated as absolute.
func parseCounterValue(fieldName string, value any) (n int64, relative bool, err error) {
	switch v := value.(type) {
	case int64:
		return v, false, nil
	case int:
		return int64(v), false, nil
	case string:
		if v == "" {
			return 0, false, errEmptyString(fieldName)
		}
		if v[0] == '+' || v[0] == '-' {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, false, fmt.Errorf("field %q: invalid relative counter value %q: %w", fieldName, v, err)
			}
			return n, true, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("field %q: invalid counter value %q: %w", fieldName, v, err)
		}
		return n, false, nil
	default:
		return 0, false, fmt.Errorf("field %q: expected integer or relative string, got %T", fieldName, value)
	}
}

type counterField struct {
	base
}

// Counter declares a numeric field that supports relative ("+N"/"-N")
// updates in addition to absolute sets. A relative update compiles to an
// UpdateExpression ADD clause, letting concurrent increments avoid
// read-modify-write races; an absolute update compiles to SET.
func Counter(name string, opts ...Option) Descriptor {
	f := &counterField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *counterField) Kind() Kind { return KindCounter }

func (f *counterField) Validate(value any) error {
	_, _, err := parseCounterValue(f.name, value)
	return err
}

func (f *counterField) EncodeForStorage(value any) (types.AttributeValue, error) {
	n, _, err := parseCounterValue(f.name, value)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
}

func (f *counterField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a number", f.name)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.name, err)
	}
	return v, nil
}

func (f *counterField) EncodeForIndexKey(value any) (string, error) {
	n, _, err := parseCounterValue(f.name, value)
	if err != nil {
		return "", err
	}
	return encodeOrderedInt64(n), nil
}

func (f *counterField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	n, relative, err := parseCounterValue(f.name, value)
	if err != nil {
		return nil, err
	}
	av := &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	if relative {
		return &UpdateFragment{Kind: UpdateAdd, Value: av}, nil
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
