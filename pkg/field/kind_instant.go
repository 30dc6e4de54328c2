package field

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// toMillis accepts a time.Time, a millisecond int64/int, or an RFC3339
// string, per spec.md §4.1's "instant fields accept native date objects,
// millisecond integers, or ISO-8601 strings" rule.
func toMillis(fieldName string, value any) (int64, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UnixMilli(), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return 0, fmt.Errorf("field %q: not a valid ISO-8601 instant: %w", fieldName, err)
		}
		return t.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("field %q: expected time.Time, millisecond int64, or ISO-8601 string, got %T", fieldName, value)
	}
}

type instantField struct {
	base
}

// Instant declares a millisecond-precision timestamp field, stored as a
// DynamoDB number and index-key encoded as a left-padded 20-digit decimal so
// range queries over time order correctly.
func Instant(name string, opts ...Option) Descriptor {
	f := &instantField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *instantField) Kind() Kind { return KindInstant }

func (f *instantField) Validate(value any) error {
	_, err := toMillis(f.name, value)
	return err
}

func (f *instantField) EncodeForStorage(value any) (types.AttributeValue, error) {
	ms, err := toMillis(f.name, value)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(ms, 10)}, nil
}

func (f *instantField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a number", f.name)
	}
	ms, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.name, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (f *instantField) EncodeForIndexKey(value any) (string, error) {
	ms, err := toMillis(f.name, value)
	if err != nil {
		return "", err
	}
	return encodeOrderedInt64(ms), nil
}

func (f *instantField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}

type ttlInstantField struct {
	base
}

// TTLInstant declares a field meant to back the table's DynamoDB
// time-to-live attribute: the stored scalar is epoch seconds, not
// milliseconds, since that's the unit DynamoDB's TTL sweeper reads.
func TTLInstant(name string, opts ...Option) Descriptor {
	f := &ttlInstantField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *ttlInstantField) Kind() Kind { return KindTTLInstant }

func (f *ttlInstantField) toSeconds(value any) (int64, error) {
	ms, err := toMillis(f.name, value)
	if err != nil {
		return 0, err
	}
	return ms / 1000, nil
}

func (f *ttlInstantField) Validate(value any) error {
	_, err := f.toSeconds(value)
	return err
}

func (f *ttlInstantField) EncodeForStorage(value any) (types.AttributeValue, error) {
	sec, err := f.toSeconds(value)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(sec, 10)}, nil
}

func (f *ttlInstantField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a number", f.name)
	}
	sec, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.name, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (f *ttlInstantField) EncodeForIndexKey(value any) (string, error) {
	sec, err := f.toSeconds(value)
	if err != nil {
		return "", err
	}
	return encodeOrderedInt64(sec), nil
}

func (f *ttlInstantField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}

type createInstantField struct {
	instantField
}

// CreateInstant declares a timestamp stamped once at creation and never
// touched again, regardless of caller input — the classic "createdAt"
// field. It implements AutoAssigner so the mutation engine computes it
// rather than requiring callers to supply it.
func CreateInstant(name string) Descriptor {
	return &createInstantField{instantField: instantField{base: base{name: name}}}
}

func (f *createInstantField) Kind() Kind { return KindCreateInstant }

func (f *createInstantField) ComputeOnSave(now time.Time, isCreate bool, hasExisting bool) (any, bool) {
	if isCreate && !hasExisting {
		return now, false
	}
	return nil, false
}

type modifyInstantField struct {
	instantField
}

// ModifyInstant declares a timestamp refreshed on every save — create and
// update alike — the classic "updatedAt" field.
func ModifyInstant(name string) Descriptor {
	return &modifyInstantField{instantField: instantField{base: base{name: name}}}
}

func (f *modifyInstantField) Kind() Kind { return KindModifyInstant }

func (f *modifyInstantField) ComputeOnSave(now time.Time, _ bool, _ bool) (any, bool) {
	return now, true
}
