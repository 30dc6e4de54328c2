// Package schema implements the schema registry (spec.md §4.2/component B):
// the process-wide, immutable-after-finalization table of entity
// definitions every other component consults.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/field"
	"github.com/quiverdb/quiver/pkg/naming"
)

// ModelPrefix is the sentinel field name meaning "use the entity prefix as
// the literal key component" (spec.md §3.1).
const ModelPrefix = "modelPrefix"

// IndexSlot names one of the three physical secondary-index slots.
type IndexSlot string

const (
	IX1 IndexSlot = "ix1"
	IX2 IndexSlot = "ix2"
	IX3 IndexSlot = "ix3"
)

// UniqueSlot names one of the three physical uniqueness-record slots.
type UniqueSlot string

const (
	UC1 UniqueSlot = "uc1"
	UC2 UniqueSlot = "uc2"
	UC3 UniqueSlot = "uc3"
)

// IndexDefinition declares one secondary index.
type IndexDefinition struct {
	Name          string
	PartitionField string
	SortField     string
	Slot          IndexSlot
}

// UniqueConstraint declares one uniqueness constraint.
type UniqueConstraint struct {
	Name  string
	Field string
	Slot  UniqueSlot
}

// IterationConfig controls whether an entity participates in full-entity
// traversal (spec.md §4.10) and how many synthetic buckets it is sharded
// across.
type IterationConfig struct {
	Iterable bool
	Buckets  int
}

// EntityDefinition binds an entity prefix to its fields, primary key,
// secondary indexes, uniqueness constraints, and iteration config, per
// spec.md §3.1. Build one with Define; it becomes usable only after the
// owning Registry's Finalize succeeds.
type EntityDefinition struct {
	Prefix            string
	PartitionField    string
	SortField         string
	Fields            map[string]field.Descriptor
	FieldOrder        []string
	Indexes           map[string]IndexDefinition
	UniqueConstraints map[string]UniqueConstraint
	Iteration         IterationConfig

	resolved bool
}

// EntityOption configures an EntityDefinition at Define time.
type EntityOption func(*EntityDefinition)

// PrimaryKey declares the primary key. sortField may be empty, in which
// case the sort key defaults to the entity prefix (spec.md §3.1).
func PrimaryKey(partitionField, sortField string) EntityOption {
	return func(e *EntityDefinition) {
		e.PartitionField = partitionField
		e.SortField = sortField
	}
}

// Index declares one secondary index.
func Index(name, partitionField, sortField string, slot IndexSlot) EntityOption {
	return func(e *EntityDefinition) {
		e.Indexes[name] = IndexDefinition{
			Name: name, PartitionField: partitionField, SortField: sortField, Slot: slot,
		}
	}
}

// Unique declares one uniqueness constraint.
func Unique(name, fieldName string, slot UniqueSlot) EntityOption {
	return func(e *EntityDefinition) {
		e.UniqueConstraints[name] = UniqueConstraint{Name: name, Field: fieldName, Slot: slot}
	}
}

// Iterable enables full-entity traversal with the given bucket count. A
// bucket count below 1 is coerced to 1.
func Iterable(buckets int) EntityOption {
	return func(e *EntityDefinition) {
		if buckets < 1 {
			buckets = 1
		}
		e.Iteration = IterationConfig{Iterable: true, Buckets: buckets}
	}
}

// Define builds one EntityDefinition from its prefix and ordered field
// descriptors. Call Registry.Register to validate and add it.
func Define(prefix string, fields []field.Descriptor, opts ...EntityOption) *EntityDefinition {
	e := &EntityDefinition{
		Prefix:            prefix,
		Fields:            make(map[string]field.Descriptor, len(fields)),
		Indexes:           make(map[string]IndexDefinition),
		UniqueConstraints: make(map[string]UniqueConstraint),
		Iteration:         IterationConfig{Iterable: false, Buckets: 1},
	}
	for _, f := range fields {
		e.Fields[f.Name()] = f
		e.FieldOrder = append(e.FieldOrder, f.Name())
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.SortField == "" {
		e.SortField = ModelPrefix
	}
	return e
}

// Field looks up a declared field descriptor by name.
func (e *EntityDefinition) Field(name string) (field.Descriptor, bool) {
	f, ok := e.Fields[name]
	return f, ok
}

// IsKeyField reports whether name is the primary partition or sort field.
func (e *EntityDefinition) IsKeyField(name string) bool {
	return name == e.PartitionField || name == e.SortField
}

// IndexesTouchedBy returns the secondary indexes whose partition or sort
// field is name.
func (e *EntityDefinition) IndexesTouchedBy(name string) []IndexDefinition {
	var out []IndexDefinition
	for _, ix := range e.Indexes {
		if ix.PartitionField == name || ix.SortField == name {
			out = append(out, ix)
		}
	}
	return out
}

// IsPrimaryAlias reports whether ix uses exactly the entity's primary
// partition/sort fields, meaning it needs no physical _gsi{n} attributes
// (spec.md §3.2).
func (e *EntityDefinition) IsPrimaryAlias(ix IndexDefinition) bool {
	return ix.PartitionField == e.PartitionField && ix.SortField == e.SortField
}

// Registry holds entity definitions registered for one process. It is safe
// for concurrent reads once Finalize has returned successfully; Register
// must not be called concurrently with reads.
type Registry struct {
	mu         sync.RWMutex
	entities   map[string]*EntityDefinition
	finalized  bool
}

// NewRegistry returns an empty, unfinalized registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityDefinition)}
}

// Register validates def against the invariants of spec.md §3.1 and adds it
// to the registry. It returns *errors.SchemaError on the first violation.
func (r *Registry) Register(def *EntityDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return &errors.SchemaError{Entity: def.Prefix, Rule: "registry already finalized"}
	}
	if err := validateEntity(def); err != nil {
		return err
	}
	if _, exists := r.entities[def.Prefix]; exists {
		return &errors.SchemaError{Entity: def.Prefix, Rule: "duplicate entity prefix"}
	}
	r.entities[def.Prefix] = def
	return nil
}

func validateEntity(e *EntityDefinition) error {
	// (i) field names must not begin with "_", must not be empty, and must
	// follow the codebase's camelCase attribute-naming convention: a field
	// name is also what a related entity's dereference exposes to a
	// caller, so the same convention enforced on Go struct fields applies
	// here too.
	for name := range e.Fields {
		if strings.HasPrefix(name, "_") {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("field %q must not begin with _", name)}
		}
		if name == "" {
			return &errors.SchemaError{Entity: e.Prefix, Rule: "field name must not be empty"}
		}
		if err := naming.ValidateAttrName(name, naming.CamelCase); err != nil {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("field %q: %s", name, err)}
		}
	}

	// (ii) primary-key and sort-key fields are implicitly required.
	if e.PartitionField == "" {
		return &errors.SchemaError{Entity: e.Prefix, Rule: "primary partition field is required"}
	}
	if e.PartitionField != ModelPrefix {
		if _, ok := e.Fields[e.PartitionField]; !ok {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("primary partition field %q is not declared", e.PartitionField)}
		}
	}
	if e.SortField != ModelPrefix {
		if _, ok := e.Fields[e.SortField]; !ok {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("primary sort field %q is not declared", e.SortField)}
		}
	}

	// (iii) index slots distinct per entity; uniqueness slots distinct per entity.
	seenIxSlot := map[IndexSlot]string{}
	for name, ix := range e.Indexes {
		if ix.PartitionField != ModelPrefix {
			if _, ok := e.Fields[ix.PartitionField]; !ok {
				return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("index %q partition field %q is not declared", name, ix.PartitionField)}
			}
		}
		if ix.SortField != ModelPrefix {
			if _, ok := e.Fields[ix.SortField]; !ok {
				return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("index %q sort field %q is not declared", name, ix.SortField)}
			}
		}
		if e.IsPrimaryAlias(ix) {
			continue
		}
		if prior, ok := seenIxSlot[ix.Slot]; ok {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("index slot %q used by both %q and %q", ix.Slot, prior, name)}
		}
		seenIxSlot[ix.Slot] = name
	}
	seenUCSlot := map[UniqueSlot]string{}
	for name, uc := range e.UniqueConstraints {
		if _, ok := e.Fields[uc.Field]; !ok {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("uniqueness constraint %q field %q is not declared", name, uc.Field)}
		}
		if prior, ok := seenUCSlot[uc.Slot]; ok {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("uniqueness slot %q used by both %q and %q", uc.Slot, prior, name)}
		}
		seenUCSlot[uc.Slot] = name
	}

	// (iv) a ttl-instant field must be named "ttl".
	for name, f := range e.Fields {
		if f.Kind() == field.KindTTLInstant && name != "ttl" {
			return &errors.SchemaError{Entity: e.Prefix, Rule: fmt.Sprintf("ttl-instant field must be named \"ttl\", got %q", name)}
		}
	}

	// (v) at most one version-ulid field.
	versionCount := 0
	for _, f := range e.Fields {
		if f.Kind() == field.KindVersionULID {
			versionCount++
		}
	}
	if versionCount > 1 {
		return &errors.SchemaError{Entity: e.Prefix, Rule: "at most one version-ulid field is allowed"}
	}

	return nil
}

// relatedRefTarget is satisfied by field.Descriptor implementations that
// carry a referenced-entity name (currently only related-ref fields).
type relatedRefTarget interface {
	Target() string
}

// Finalize resolves every related-ref target against the registry (spec.md
// §3.1 invariant vi) and marks the registry read-only. It must be called
// exactly once, after every entity has been Registered.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return nil
	}
	for prefix, e := range r.entities {
		for name, f := range e.Fields {
			if f.Kind() != field.KindRelatedRef {
				continue
			}
			rt, ok := f.(relatedRefTarget)
			if !ok {
				continue
			}
			target := rt.Target()
			if _, ok := r.entities[target]; !ok {
				return &errors.SchemaError{
					Entity: prefix,
					Rule:   fmt.Sprintf("related-ref field %q targets undeclared entity %q", name, target),
				}
			}
		}
		e.resolved = true
	}
	r.finalized = true
	return nil
}

// Get looks up a finalized entity definition by prefix.
func (r *Registry) Get(prefix string) (*EntityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[prefix]
	return e, ok
}

// Finalized reports whether Finalize has completed.
func (r *Registry) Finalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}
