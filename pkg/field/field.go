// Package field implements the field kernel (spec.md §4.1/component A):
// typed value validation, storage encoding, index-key encoding, and
// per-field update-expression fragments. Each semantic type is a distinct
// value implementing Descriptor, built by a package-level factory function
// rather than an inheritance hierarchy — the "tagged sum" shape spec.md §9
// asks for.
package field

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// UpdateKind identifies how a field's change should be expressed in a
// DynamoDB UpdateExpression.
type UpdateKind int

const (
	UpdateSet UpdateKind = iota
	UpdateAdd
	UpdateRemove
)

// UpdateFragment is one field's contribution to an UpdateExpression: the
// verb it needs (SET/ADD/REMOVE) and the already-storage-encoded value
// (nil for REMOVE).
type UpdateFragment struct {
	Kind  UpdateKind
	Value types.AttributeValue
}

// Descriptor is the behavioral contract every field kind implements:
// validate / encode / decode / indexEncode / updateFragment, per spec.md
// §4.1 and §9's "shared behavioral interface" note.
type Descriptor interface {
	// Name returns the field's declared name.
	Name() string
	// Kind identifies the field's semantic type.
	Kind() Kind
	// Required reports whether a create must supply a value (after defaults
	// and auto-assignment); updates do not re-check it.
	Required() bool
	// Default produces the field's default value, or (nil, false) if none
	// is configured. The producer may be a literal or a zero-argument
	// function, per spec.md §3.1.
	Default() (any, bool)
	// Validate rejects a value that doesn't meet the field's type/shape
	// rules. Empty strings are always rejected, per spec.md §4.1.
	Validate(value any) error
	// EncodeForStorage converts a validated value into the backend scalar
	// persisted on the physical item. Returning nil means "omit the
	// attribute".
	EncodeForStorage(value any) (types.AttributeValue, error)
	// DecodeFromStorage is the inverse of EncodeForStorage.
	DecodeFromStorage(av types.AttributeValue) (any, error)
	// EncodeForIndexKey renders value as the lexicographically-ordered
	// string used inside a partition/sort key. Binary-blob fields reject
	// this call.
	EncodeForIndexKey(value any) (string, error)
	// UpdateExpressionFragment computes how a changed value should be
	// expressed in an UpdateExpression.
	UpdateExpressionFragment(value any) (*UpdateFragment, error)
}

// AutoAssigner is implemented by field kinds that can compute their own
// value independent of caller input: create-instant, modify-instant,
// version-ulid, and a ulid field configured with AutoAssign(). The mutation
// engine calls ComputeOnSave before validation on every create, and again
// on every update for kinds that report refreshOnUpdate.
type AutoAssigner interface {
	// ComputeOnSave returns the value to use and whether it refreshes on
	// every save (true) or only when unset on create (false).
	ComputeOnSave(now time.Time, isCreate bool, hasExisting bool) (any, bool)
}

// Kind enumerates the thirteen semantic types named in spec.md §4.1.
type Kind string

const (
	KindString       Kind = "string"
	KindInteger      Kind = "integer"
	KindFloat        Kind = "float"
	KindBoolean      Kind = "boolean"
	KindInstant      Kind = "instant"
	KindTTLInstant   Kind = "ttl-instant"
	KindBinaryBlob   Kind = "binary-blob"
	KindULID         Kind = "ulid"
	KindVersionULID  Kind = "version-ulid"
	KindCounter      Kind = "counter"
	KindRelatedRef   Kind = "related-ref"
	KindCreateInstant Kind = "create-instant"
	KindModifyInstant Kind = "modify-instant"
)

func errEmptyString(field string) error {
	return fmt.Errorf("field %q: empty string is not a supported value", field)
}
