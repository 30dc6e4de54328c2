package field

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type binaryBlobField struct {
	base
}

// BinaryBlob declares a raw-bytes field, stored as a DynamoDB binary
// attribute. It cannot participate in a key, per spec.md §4.1 — a blob has
// no natural lexicographic order — so EncodeForIndexKey always errors.
func BinaryBlob(name string, opts ...Option) Descriptor {
	f := &binaryBlobField{base: base{name: name}}
	applyOptions(&f.base, opts)
	return f
}

func (f *binaryBlobField) Kind() Kind { return KindBinaryBlob }

func (f *binaryBlobField) Validate(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("field %q: expected []byte, got %T", f.name, value)
	}
	if len(b) == 0 {
		return fmt.Errorf("field %q: empty byte slice is not a supported value", f.name)
	}
	return nil
}

func (f *binaryBlobField) EncodeForStorage(value any) (types.AttributeValue, error) {
	if err := f.Validate(value); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberB{Value: value.([]byte)}, nil
}

func (f *binaryBlobField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	b, ok := av.(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not binary", f.name)
	}
	return b.Value, nil
}

func (f *binaryBlobField) EncodeForIndexKey(value any) (string, error) {
	return "", fmt.Errorf("field %q: binary-blob fields cannot be used as key components", f.name)
}

func (f *binaryBlobField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
