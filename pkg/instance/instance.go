// Package instance implements the in-memory instance (spec.md §3.3): the
// runtime's handle on one logical record, carrying its raw stored state,
// pending changes, resolved relations, and per-operation capacity
// accounting.
package instance

import "sync"

// Capacity accumulates consumed read/write capacity units across the
// operations performed against one instance, split into the instance's own
// backend calls and a separate "including descendants" total that also
// folds in fan-out reads (e.g. loadRelated), per spec.md §3.3.
type Capacity struct {
	Read             float64
	Write            float64
	ReadDescendants  float64
	WriteDescendants float64
}

// Add folds a backend call's consumed capacity into c. fromDescendant
// marks capacity spent resolving a related instance rather than this one:
// it counts only toward the "including descendants" total, not Read/Write.
func (c *Capacity) Add(read, write float64, fromDescendant bool) {
	if !fromDescendant {
		c.Read += read
		c.Write += write
	}
	c.ReadDescendants += read
	c.WriteDescendants += write
}

// Instance is the runtime's handle on one logical record (spec.md §3.3).
// It is owned by the request context that created it and must not be
// shared across contexts.
type Instance struct {
	mu sync.Mutex

	entity    string
	primaryID string

	stored map[string]any // raw stored map, as last observed
	changes map[string]any // field -> new value, populated by setters

	relations map[string]*Instance // related field -> resolved instance (nil entry = null-marker)

	capacity Capacity
	exists   bool
}

// New returns a fresh instance for entity/primaryID with no stored state —
// the sentinel shape returned by a failed lookup (exists() == false).
func New(entity, primaryID string) *Instance {
	return &Instance{
		entity:    entity,
		primaryID: primaryID,
		stored:    map[string]any{},
		changes:   map[string]any{},
		relations: map[string]*Instance{},
	}
}

// FromStored returns an instance already materialized from a backend item.
func FromStored(entity, primaryID string, stored map[string]any) *Instance {
	i := New(entity, primaryID)
	i.stored = stored
	i.exists = true
	return i
}

// Entity returns the owning entity's prefix.
func (i *Instance) Entity() string { return i.entity }

// PrimaryID returns the instance's composite primary id.
func (i *Instance) PrimaryID() string { return i.primaryID }

// Exists reports whether this instance corresponds to a real stored item.
func (i *Instance) Exists() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exists
}

// MarkExists flips the exists marker, used once a create/update/get
// resolves the instance to real stored state.
func (i *Instance) MarkExists(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.exists = v
}

// Get returns a field's effective value: the pending change if set, else
// the last-observed stored value.
func (i *Instance) Get(field string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if v, ok := i.changes[field]; ok {
		return v, true
	}
	v, ok := i.stored[field]
	return v, ok
}

// Set records a pending change to field, to be applied on the next save.
func (i *Instance) Set(field string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.changes[field] = value
}

// Changes returns a copy of the pending change set.
func (i *Instance) Changes() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.changes))
	for k, v := range i.changes {
		out[k] = v
	}
	return out
}

// ClearChanges empties the pending change set, called once changes have
// been durably applied.
func (i *Instance) ClearChanges() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.changes = map[string]any{}
}

// Stored returns a copy of the raw last-observed stored map.
func (i *Instance) Stored() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.stored))
	for k, v := range i.stored {
		out[k] = v
	}
	return out
}

// ReplaceStored overwrites the raw stored map, e.g. after a write resolves.
func (i *Instance) ReplaceStored(stored map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stored = stored
}

// Relation returns a previously-loaded related instance. The second
// result distinguishes "never loaded" (false) from "loaded, and the
// reference resolved to nothing" (true, nil).
func (i *Instance) Relation(field string) (*Instance, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.relations[field]
	return v, ok
}

// SetRelation records a resolved (or null-marker, if related == nil)
// related instance for field.
func (i *Instance) SetRelation(field string, related *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.relations[field] = related
}

// AddCapacity folds consumed capacity from one backend call into the
// instance's accumulator.
func (i *Instance) AddCapacity(read, write float64, fromDescendant bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.capacity.Add(read, write, fromDescendant)
}

// ConsumedCapacity returns a snapshot of the instance's accumulated
// capacity counters.
func (i *Instance) ConsumedCapacity() Capacity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.capacity
}
