package field

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type relatedRefField struct {
	base
	target string
}

// RelatedRefDescriptor is implemented by fields built with RelatedRef,
// letting callers that need to dereference a reference field (the query
// engine's loadRelated) discover its target entity without a type switch.
type RelatedRefDescriptor interface {
	Descriptor
	Target() string
}

// RelatedRef declares a field that stores another entity's composite
// primary id as a plain string reference; target names the related entity
// so the query engine's loadRelated pre-loading knows where to dereference
// it (spec.md §4.9).
func RelatedRef(name, target string, opts ...Option) Descriptor {
	f := &relatedRefField{base: base{name: name}, target: target}
	applyOptions(&f.base, opts)
	return f
}

func (f *relatedRefField) Kind() Kind { return KindRelatedRef }

// Target returns the related entity name this reference points at.
func (f *relatedRefField) Target() string { return f.target }

func (f *relatedRefField) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q: expected string, got %T", f.name, value)
	}
	if s == "" {
		return errEmptyString(f.name)
	}
	return nil
}

func (f *relatedRefField) EncodeForStorage(value any) (types.AttributeValue, error) {
	if err := f.Validate(value); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: value.(string)}, nil
}

func (f *relatedRefField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a string", f.name)
	}
	return s.Value, nil
}

func (f *relatedRefField) EncodeForIndexKey(value any) (string, error) {
	if err := f.Validate(value); err != nil {
		return "", err
	}
	return value.(string), nil
}

func (f *relatedRefField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}
