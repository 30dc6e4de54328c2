package field

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
)

// ulidEntropy is one process-wide monotonic source, so two ULIDs generated
// in the same millisecond still sort in generation order.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newULID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}

type ulidField struct {
	base
	autoAssign bool
}

// ULIDOption configures a ULID field beyond the shared Option set.
type ULIDOption func(*ulidField)

// AutoAssign makes the field generate its own ULID on create when the
// caller leaves it unset, instead of requiring one to be supplied.
func AutoAssign() ULIDOption {
	return func(f *ulidField) { f.autoAssign = true }
}

// ULID declares a Crockford-base32 ULID field, stored and index-key encoded
// as its canonical 26-character string form (lexicographically sortable by
// construction).
func ULID(name string, opts ...Option) Descriptor {
	return ULIDWith(name, opts, nil)
}

// ULIDWith declares a ULID field with both shared options and ULID-specific
// options (currently just AutoAssign).
func ULIDWith(name string, opts []Option, ulidOpts []ULIDOption) Descriptor {
	f := &ulidField{base: base{name: name}}
	applyOptions(&f.base, opts)
	for _, o := range ulidOpts {
		o(f)
	}
	return f
}

func (f *ulidField) Kind() Kind { return KindULID }

func (f *ulidField) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q: expected string, got %T", f.name, value)
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("field %q: not a valid ULID: %w", f.name, err)
	}
	return nil
}

func (f *ulidField) EncodeForStorage(value any) (types.AttributeValue, error) {
	if err := f.Validate(value); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: value.(string)}, nil
}

func (f *ulidField) DecodeFromStorage(av types.AttributeValue) (any, error) {
	if av == nil {
		return nil, nil
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("field %q: stored attribute is not a string", f.name)
	}
	return s.Value, nil
}

func (f *ulidField) EncodeForIndexKey(value any) (string, error) {
	if err := f.Validate(value); err != nil {
		return "", err
	}
	return value.(string), nil
}

func (f *ulidField) UpdateExpressionFragment(value any) (*UpdateFragment, error) {
	av, err := f.EncodeForStorage(value)
	if err != nil {
		return nil, err
	}
	return &UpdateFragment{Kind: UpdateSet, Value: av}, nil
}

func (f *ulidField) ComputeOnSave(now time.Time, isCreate bool, hasExisting bool) (any, bool) {
	if f.autoAssign && isCreate && !hasExisting {
		return newULID(now), false
	}
	return nil, false
}

type versionULIDField struct {
	ulidField
}

// VersionULID declares a ULID stamped fresh on every save, for optimistic-
// concurrency version tokens: each create and update produces a new, always
// larger (per ULID's time-ordered construction) version value.
func VersionULID(name string) Descriptor {
	return &versionULIDField{ulidField: ulidField{base: base{name: name}}}
}

func (f *versionULIDField) Kind() Kind { return KindVersionULID }

func (f *versionULIDField) ComputeOnSave(now time.Time, _ bool, _ bool) (any, bool) {
	return newULID(now), true
}
