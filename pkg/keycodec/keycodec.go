// Package keycodec implements the key codec (spec.md §4.3/component C):
// translation between an entity's logical primary id / field values and
// the physical `_pk`/`_sk`/`_gsi{n}_*`/`_iter_*` attributes persisted on
// the backend item.
package keycodec

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/schema"
)

// NoTenant is substituted for the tenant component of every key when
// tenancy is disabled (spec.md §4.11).
const NoTenant = "no-tenant"

// compositeSeparator joins the partition and sort components of a composite
// primary id, per spec.md §6.3's `pk##__SK__##sk` grammar.
const compositeSeparator = "##__SK__##"

// Codec builds and parses physical keys for one entity definition.
type Codec struct {
	def            *schema.EntityDefinition
	tenancyEnabled bool
}

// New returns a codec for def. tenancyEnabled controls whether keys carry
// the active tenant id or the NoTenant literal.
func New(def *schema.EntityDefinition, tenancyEnabled bool) *Codec {
	return &Codec{def: def, tenancyEnabled: tenancyEnabled}
}

func (c *Codec) tenantComponent(tenantID string) string {
	if !c.tenancyEnabled {
		return NoTenant
	}
	if tenantID == "" {
		return NoTenant
	}
	return tenantID
}

// resolveFieldValue returns the index-key encoded string for fieldName,
// substituting the entity prefix when fieldName is the ModelPrefix
// sentinel.
func (c *Codec) resolveFieldValue(fieldName string, values map[string]any) (string, error) {
	if fieldName == schema.ModelPrefix {
		return c.def.Prefix, nil
	}
	f, ok := c.def.Field(fieldName)
	if !ok {
		return "", &errors.SchemaError{Entity: c.def.Prefix, Rule: fmt.Sprintf("unknown key field %q", fieldName)}
	}
	v, ok := values[fieldName]
	if !ok {
		return "", &errors.DataFormatError{Data: fieldName, Expected: "a value for key field " + fieldName}
	}
	return f.EncodeForIndexKey(v)
}

// PrimaryKey computes (_pk, _sk) for values, per spec.md §4.3.
func (c *Codec) PrimaryKey(tenantID string, values map[string]any) (pk, sk string, err error) {
	pkVal, err := c.resolveFieldValue(c.def.PartitionField, values)
	if err != nil {
		return "", "", err
	}
	pk = fmt.Sprintf("[%s]#%s#%s", c.tenantComponent(tenantID), c.def.Prefix, pkVal)

	sk, err = c.resolveFieldValue(c.def.SortField, values)
	if err != nil {
		return "", "", err
	}
	return pk, sk, nil
}

// SecondaryIndexKey computes (_gsi{n}_pk, _gsi{n}_sk) for the named index.
func (c *Codec) SecondaryIndexKey(tenantID string, ix schema.IndexDefinition, values map[string]any) (pk, sk string, err error) {
	pkVal, err := c.resolveFieldValue(ix.PartitionField, values)
	if err != nil {
		return "", "", err
	}
	pk = fmt.Sprintf("[%s]#%s#%s#%s", c.tenantComponent(tenantID), c.def.Prefix, ix.Slot, pkVal)

	sk, err = c.resolveFieldValue(ix.SortField, values)
	if err != nil {
		return "", "", err
	}
	return pk, sk, nil
}

// PrimaryPartitionKey computes just the _pk attribute from the primary
// partition field's value, without requiring a sort-field value — used by
// the query engine, which queries by partition value alone.
func (c *Codec) PrimaryPartitionKey(tenantID string, partitionValue any) (string, error) {
	pkVal, err := c.resolveFieldValue(c.def.PartitionField, map[string]any{c.def.PartitionField: partitionValue})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s]#%s#%s", c.tenantComponent(tenantID), c.def.Prefix, pkVal), nil
}

// SecondaryPartitionKey computes just the _gsi{n}_pk attribute for ix from
// its partition field's value alone.
func (c *Codec) SecondaryPartitionKey(tenantID string, ix schema.IndexDefinition, partitionValue any) (string, error) {
	pkVal, err := c.resolveFieldValue(ix.PartitionField, map[string]any{ix.PartitionField: partitionValue})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s]#%s#%s#%s", c.tenantComponent(tenantID), c.def.Prefix, ix.Slot, pkVal), nil
}

// UniqueRecordKey computes (_pk, _sk) for a uniqueness record of the given
// slot/field/value, per spec.md §4.3.
func (c *Codec) UniqueRecordKey(tenantID string, slot schema.UniqueSlot, fieldName, value string) (pk, sk string) {
	pk = fmt.Sprintf("[%s]#_uc#%s#%s#%s:%s", c.tenantComponent(tenantID), slot, c.def.Prefix, fieldName, value)
	return pk, "_uc"
}

// TenancyEnabled reports whether this codec prefixes keys with a real
// tenant id rather than the NoTenant literal.
func (c *Codec) TenancyEnabled() bool { return c.tenancyEnabled }

// PublicID computes the opaque composite primary id exposed to callers
// (spec.md §4.3/§6.3): the partition field's index-key encoding alone for a
// single-field primary key, or `pk##__SK__##sk` when the entity declares a
// real sort field.
func (c *Codec) PublicID(values map[string]any) (string, error) {
	pkVal, err := c.resolveFieldValue(c.def.PartitionField, values)
	if err != nil {
		return "", err
	}
	if c.def.SortField == schema.ModelPrefix {
		return FormatID(pkVal, ""), nil
	}
	skVal, err := c.resolveFieldValue(c.def.SortField, values)
	if err != nil {
		return "", err
	}
	return FormatID(pkVal, skVal), nil
}

// PhysicalKeyFromID recovers the physical (_pk, _sk) pair for an opaque
// public primary id, without needing the original typed field values —
// used by update/delete, which address a record by id alone.
func (c *Codec) PhysicalKeyFromID(tenantID, id string) (pk, sk string, err error) {
	pkPart, skPart, err := ParseID(id)
	if err != nil {
		return "", "", err
	}
	pk = fmt.Sprintf("[%s]#%s#%s", c.tenantComponent(tenantID), c.def.Prefix, pkPart)
	if c.def.SortField == schema.ModelPrefix {
		sk = c.def.Prefix
	} else {
		sk = skPart
	}
	return pk, sk, nil
}

// PublicIDFromPhysicalKey recovers the opaque public primary id from an
// item's own (_pk, _sk) attributes — used by the query engine, which reads
// items back from a Query response rather than constructing them from
// typed field values. _pk and _sk hold exactly the encoded components
// PublicID would itself produce (PrimaryKey never transforms them further
// beyond the tenant/prefix wrapping on _pk), so stripping that wrapping
// recovers the same string.
func (c *Codec) PublicIDFromPhysicalKey(tenantID, pk, sk string) (string, error) {
	wrapPrefix := fmt.Sprintf("[%s]#%s#", c.tenantComponent(tenantID), c.def.Prefix)
	if !strings.HasPrefix(pk, wrapPrefix) {
		return "", &errors.DataFormatError{Data: pk, Expected: "a primary key for entity " + c.def.Prefix}
	}
	pkVal := strings.TrimPrefix(pk, wrapPrefix)
	if c.def.SortField == schema.ModelPrefix {
		return FormatID(pkVal, ""), nil
	}
	return FormatID(pkVal, sk), nil
}

// IterationBucket returns the bucket index for primary id id, in
// [0, buckets).
func IterationBucket(id string, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(buckets))
}

// IterationPartitionKey computes the _iter_pk attribute for bucket
// directly, without hashing a primary id — used by the iteration engine,
// which walks a known bucket number rather than locating one id's bucket.
func (c *Codec) IterationPartitionKey(tenantID string, bucket int) string {
	buckets := c.def.Iteration.Buckets
	if buckets <= 1 {
		return fmt.Sprintf("[%s]#%s#iter", c.tenantComponent(tenantID), c.def.Prefix)
	}
	return fmt.Sprintf("[%s]#%s#iter#%d", c.tenantComponent(tenantID), c.def.Prefix, bucket)
}

// IterationKey computes (_iter_pk, _iter_sk) for primary id id, per
// spec.md §4.3.
func (c *Codec) IterationKey(tenantID, id string) (pk, sk string) {
	bucket := 0
	if c.def.Iteration.Buckets > 1 {
		bucket = IterationBucket(id, c.def.Iteration.Buckets)
	}
	return c.IterationPartitionKey(tenantID, bucket), id
}

// FormatID joins a partition and (optional) sort component into the opaque
// composite primary id exposed to callers, per spec.md §6.3.
func FormatID(pk, sk string) string {
	if sk == "" {
		return pk
	}
	return pk + compositeSeparator + sk
}

// ParseID splits a composite primary id back into its partition and sort
// components. sk is "" when id carries no sort component.
func ParseID(id string) (pk, sk string, err error) {
	if idx := strings.Index(id, compositeSeparator); idx >= 0 {
		return id[:idx], id[idx+len(compositeSeparator):], nil
	}
	if id == "" {
		return "", "", &errors.DataFormatError{Data: id, Expected: "a non-empty primary id"}
	}
	return id, "", nil
}
