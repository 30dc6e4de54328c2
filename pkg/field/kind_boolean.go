package field

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type booleanField struct {
	base
}

// Boolean declares a true/false field.
func Boolean(name string, opts ...Option) Descriptor {
	f := &booleanField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *booleanField) Kind() Kind { return KindBoolean }

func (f *booleanField) Validate(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("field %q: expected bool, got %T", f.name, value)
	}
	return nil
}

func (f *booleanField) EncodeForStorage(value any) (types.AttributeValue, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("field %q: expected bool, got %T", f.name, value)
	}
	return &types.AttributeValueMemberBOOL{Value: b}, nil
}

func (f *booleanField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	b, ok := av.(*types.AttributeValueMemberBOOL)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a bool", f.name)
	}
	return b.Value, nil
}

func (f *booleanField) EncodeForIndexKey(value any) (string, error) {
	b, ok := value.(bool)
	if !ok {
		return "", fmt.Errorf("field %q: expected bool, got %T", f.name, value)
	}
	if b {
		return "1", nil
	}
	return "0", nil
}

func (f *booleanField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
