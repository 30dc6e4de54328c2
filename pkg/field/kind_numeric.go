package field

import (
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type integerField struct {
	base
}

// Integer declares a whole-number field, stored as a DynamoDB number and
// index-key encoded as a left-padded 20-digit decimal (spec.md §4.1) so
// that key-based range scans sort numerically.
func Integer(name string, opts ...Option) Descriptor {
	f := &integerField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *integerField) Kind() Kind { return KindInteger }

func (f *integerField) toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("field %q: %v is not a whole number", f.name, v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("field %q: expected integer, got %T", f.name, value)
	}
}

func (f *integerField) Validate(value any) error {
	_, err := f.toInt64(value)
	return err
}

func (f *integerField) EncodeForStorage(value any) (types.AttributeValue, error) {
	n, err := f.toInt64(value)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
}

func (f *integerField) DecodeFromStorage(av types.AttributeValue) (any, error) {
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

func (f *integerField) EncodeForIndexKey(value any) (string, error) {
	n, err := f.toInt64(value)
	if err != nil {
		return "", err
	}
	return encodeOrderedInt64(n), nil
}

func (f *integerField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}

type floatField struct {
	base
}

// Float declares a floating-point field, stored as a DynamoDB number and
// index-key encoded via IEEE-754 total ordering (spec.md §4.1).
func Float(name string, opts ...Option) Descriptor {
	f := &floatField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *floatField) Kind() Kind { return KindFloat }

func (f *floatField) toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("field %q: expected float, got %T", f.name, value)
	}
}

func (f *floatField) Validate(value any) error {
	v, err := f.toFloat64(value)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("field %q: %v is not a finite number", f.name, v)
	}
	return nil
}

func (f *floatField) EncodeForStorage(value any) (types.AttributeValue, error) {
	if err := f.Validate(value); err != nil {
		return nil, err
	}
	v, _ := f.toFloat64(value)
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'g', -1, 64)}, nil
}

func (f *floatField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a number", f.name)
	}
	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.name, err)
	}
	return v, nil
}

func (f *floatField) EncodeForIndexKey(value any) (string, error) {
	if err := f.Validate(value); err != nil {
		return "", err
	}
	v, _ := f.toFloat64(value)
	return encodeOrderedFloat64(v), nil
}

func (f *floatField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
