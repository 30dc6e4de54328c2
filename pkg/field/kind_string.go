package field

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type stringField struct {
	base
}

// String declares a plain string field. Empty strings are rejected on
// validate, per spec.md §4.1.
func String(name string, opts ...Option) Descriptor {
	f := &stringField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *stringField) Kind() Kind { return KindString }

func (f *stringField) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q: expected string, got %T", f.name, value)
	}
	if s == "" {
		return errEmptyString(f.name)
	}
	return nil
}

func (f *stringField) EncodeForStorage(value any) (types.AttributeValue, error) {
	if err := f.Validate(value); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: value.(string)}, nil
}

func (f *stringField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a string", f.name)
	}
	return s.Value, nil
}

func (f *stringField) EncodeForIndexKey(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", f.name, value)
	}
	if s == "" {
		return "", errEmptyString(f.name)
	}
	return s, nil
}

func (f *stringField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
