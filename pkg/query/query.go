// Package query implements the index query engine (spec.md §4.9/component
// I): resolves an index descriptor, compiles the key-condition and filter
// expressions, pages a Query against the backend to satisfy limit (or,
// for countOnly, to exhaust the match set up to limit), decodes results
// through the instance cache, and fans loadRelated dereferences out
// through the batch scheduler.
package query

import (
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/internal/expr"
	"github.com/quiverdb/quiver/internal/numutil"
	"github.com/quiverdb/quiver/pkg/batch"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/field"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
)

// DefaultLimit is the page size a Query uses when opts.Limit is unset,
// per spec.md §4.9.
const DefaultLimit = 100

// RelatedBatchDelay is the coalescing window loadRelated uses when
// fanning its dereferences out through the batch scheduler: spec.md §4.9
// step 6 asks for "enqueue a get via the scheduler ... after the batch
// resolves", which only coalesces concurrent gets into one BatchGetItem
// when batchDelay > 0. The exact duration isn't specified, so this picks
// a value small enough not to add perceptible latency to a single query
// call while still covering however long this goroutine fan-out takes to
// issue every pending get.
const RelatedBatchDelay = 5 * time.Millisecond

// Options configures one Query call, per spec.md §4.9.
type Options struct {
	// SortCondition optionally bounds the index's sort key. Nil means
	// "match the whole partition".
	SortCondition *expr.KeyCondition
	// Filter is applied server-side via FilterExpression after the key
	// condition; it does not affect which page boundary Limit paginates
	// against.
	Filter *expr.FilterNode
	// Limit caps the number of items returned (or, for CountOnly, the
	// number of matches counted). Defaults to DefaultLimit.
	Limit int
	// Direction is "ASC" (default) or "DESC".
	Direction string
	// StartKey is an opaque continuation token from a prior Result's
	// LastEvaluatedKey.
	StartKey string
	// CountOnly skips decoding items, returning only Count.
	CountOnly bool
	// LoadRelated pre-loads every RelatedRef field's target instance.
	LoadRelated bool
	// RelatedFields restricts LoadRelated to these field names; empty
	// means every declared RelatedRef field.
	RelatedFields []string
}

// Result is the outcome of a Query call.
type Result struct {
	Items            []*instance.Instance
	Count            int
	ConsumedCapacity float64
	// LastEvaluatedKey is "" once the match set is exhausted.
	LastEvaluatedKey string
	// ResolvedIndex names the declared index slot the query resolved to,
	// or "primary" for the entity's own primary key. Diagnostic only.
	ResolvedIndex string
}

// Engine executes queries against one entity's declared indexes.
type Engine struct {
	def      *schema.EntityDefinition
	codec    *keycodec.Codec
	registry *schema.Registry
}

// New returns a query engine for def. registry resolves RelatedRef target
// entities for loadRelated; it may be nil if the entity declares none.
func New(def *schema.EntityDefinition, codec *keycodec.Codec, registry *schema.Registry) *Engine {
	return &Engine{def: def, codec: codec, registry: registry}
}

// resolvedIndex carries everything Query needs to know about whichever
// index (or the primary key, treated as the implicit "index") it targets.
type resolvedIndex struct {
	physicalName   string // "" selects the primary key (no IndexName on the request)
	pkAttr, skAttr string
	partitionField string
	sortField      string // may be schema.ModelPrefix, meaning "no real sort key"
}

func (e *Engine) resolveIndex(indexName string) (resolvedIndex, error) {
	if indexName == "" || indexName == "primary" {
		return resolvedIndex{
			pkAttr:         "_pk",
			skAttr:         "_sk",
			partitionField: e.def.PartitionField,
			sortField:      e.def.SortField,
		}, nil
	}
	ix, ok := e.def.Indexes[indexName]
	if !ok {
		return resolvedIndex{}, &errors.QueryError{Field: indexName, Reason: "index is not declared on this entity"}
	}
	if e.def.IsPrimaryAlias(ix) {
		return resolvedIndex{
			pkAttr:         "_pk",
			skAttr:         "_sk",
			partitionField: ix.PartitionField,
			sortField:      ix.SortField,
		}, nil
	}
	n := gsiNumber(ix.Slot)
	return resolvedIndex{
		physicalName:   "gsi" + n,
		pkAttr:         "_gsi" + n + "_pk",
		skAttr:         "_gsi" + n + "_sk",
		partitionField: ix.PartitionField,
		sortField:      ix.SortField,
	}, nil
}

func (e *Engine) partitionKey(tenantID string, indexName string, ri resolvedIndex, value any) (string, error) {
	if ri.physicalName == "" {
		return e.codec.PrimaryPartitionKey(tenantID, value)
	}
	ix := e.def.Indexes[indexName]
	return e.codec.SecondaryPartitionKey(tenantID, ix, value)
}

// Query executes one index query, per spec.md §4.9. indexName is ""
// (or "primary") to query by the entity's own primary key.
func (e *Engine) Query(rc *reqctx.Context, indexName string, partitionValue any, opts Options) (*Result, error) {
	if err := rc.RequireActive("query"); err != nil {
		return nil, err
	}

	ri, err := e.resolveIndex(indexName)
	if err != nil {
		return nil, err
	}

	tenantID := rc.TenantID()
	pkVal, err := e.partitionKey(tenantID, indexName, ri, partitionValue)
	if err != nil {
		return nil, err
	}

	names := map[string]string{"#pk": ri.pkAttr}
	values := map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pkVal}}
	keyExpr := "#pk = :pk"

	if opts.SortCondition != nil {
		if ri.sortField == "" || ri.sortField == schema.ModelPrefix {
			return nil, &errors.QueryError{Field: opts.SortCondition.SortField, Reason: "index has no sort field to condition on"}
		}
		label := indexName
		if label == "" {
			label = "primary"
		}
		res, err := expr.CompileKeyCondition(e.def, label, ri.sortField, *opts.SortCondition)
		if err != nil {
			return nil, err
		}
		kcExpr, kcNames, kcValues := saltPlaceholders(res, "k")
		for k := range kcNames {
			kcNames[k] = ri.skAttr
		}
		keyExpr = keyExpr + " AND " + kcExpr
		names = mergeNames(names, kcNames)
		values = mergeValues(values, kcValues)
	}

	var filterExpr string
	if opts.Filter != nil {
		res, err := expr.CompileFilter(e.def, *opts.Filter)
		if err != nil {
			return nil, err
		}
		fExpr, fNames, fValues := saltPlaceholders(res, "f")
		filterExpr = fExpr
		names = mergeNames(names, fNames)
		values = mergeValues(values, fValues)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	scanForward := opts.Direction != "DESC"

	exclusiveStart, err := decodeCursor(opts.StartKey)
	if err != nil {
		return nil, err
	}

	client := rc.Backend().Client()
	table := rc.Backend().TableName()

	var (
		rawItems []map[string]types.AttributeValue
		count    int
		consumed float64
		lastKey  map[string]types.AttributeValue
	)

	for count < limit {
		in := &dynamodb.QueryInput{
			TableName:                 aws.String(table),
			KeyConditionExpression:    aws.String(keyExpr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(scanForward),
			Limit:                     aws.Int32(numutil.ClampIntToInt32(limit - count)),
			ExclusiveStartKey:         exclusiveStart,
			ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
		}
		if ri.physicalName != "" {
			in.IndexName = aws.String(ri.physicalName)
		}
		if filterExpr != "" {
			in.FilterExpression = aws.String(filterExpr)
		}

		out, err := client.Query(rc.Std(), in)
		if err != nil {
			return nil, err
		}
		if out.ConsumedCapacity != nil && out.ConsumedCapacity.CapacityUnits != nil {
			consumed += *out.ConsumedCapacity.CapacityUnits
		}
		if !opts.CountOnly {
			rawItems = append(rawItems, out.Items...)
		}
		count += len(out.Items)
		lastKey = out.LastEvaluatedKey
		exclusiveStart = out.LastEvaluatedKey
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
	}

	lastKeyToken, err := encodeCursor(lastKey)
	if err != nil {
		return nil, err
	}

	resolvedLabel := indexName
	if resolvedLabel == "" {
		resolvedLabel = "primary"
	}
	result := &Result{Count: count, ConsumedCapacity: consumed, LastEvaluatedKey: lastKeyToken, ResolvedIndex: resolvedLabel}
	if opts.CountOnly {
		return result, nil
	}

	items := make([]*instance.Instance, 0, len(rawItems))
	for _, raw := range rawItems {
		inst, err := e.decodeItem(rc, tenantID, raw)
		if err != nil {
			return nil, err
		}
		items = append(items, inst)
	}

	// Query reports consumed capacity per page, not per item: split it
	// evenly across every decoded item as a representative per-item share,
	// the same approximation pkg/batch's flush makes for BatchGetItem.
	if len(items) > 0 {
		perItem := consumed / float64(len(items))
		for _, inst := range items {
			inst.AddCapacity(perItem, 0, false)
		}
	}

	if opts.LoadRelated {
		if err := e.loadRelated(rc, items, opts.RelatedFields); err != nil {
			return nil, err
		}
	}

	result.Items = items
	return result, nil
}

func (e *Engine) decodeItem(rc *reqctx.Context, tenantID string, raw map[string]types.AttributeValue) (*instance.Instance, error) {
	pkAttr, _ := raw["_pk"].(*types.AttributeValueMemberS)
	skAttr, _ := raw["_sk"].(*types.AttributeValueMemberS)
	var pkStr, skStr string
	if pkAttr != nil {
		pkStr = pkAttr.Value
	}
	if skAttr != nil {
		skStr = skAttr.Value
	}
	primaryID, err := e.codec.PublicIDFromPhysicalKey(tenantID, pkStr, skStr)
	if err != nil {
		return nil, err
	}

	if cached, ok := rc.Cache().Get(e.def.Prefix, primaryID); ok {
		return cached, nil
	}
	inst, err := rc.Backend().Decode(e.def.Prefix, primaryID, raw)
	if err != nil {
		return nil, err
	}
	rc.Cache().Put(e.def.Prefix, primaryID, inst)
	return inst, nil
}

// relatedRefFields returns the entity's declared RelatedRef fields,
// filtered to want when it's non-empty.
func (e *Engine) relatedRefFields(want []string) []field.RelatedRefDescriptor {
	var wanted map[string]bool
	if len(want) > 0 {
		wanted = make(map[string]bool, len(want))
		for _, name := range want {
			wanted[name] = true
		}
	}
	var out []field.RelatedRefDescriptor
	for _, name := range e.def.FieldOrder {
		f, _ := e.def.Field(name)
		rf, ok := f.(field.RelatedRefDescriptor)
		if !ok {
			continue
		}
		if wanted != nil && !wanted[name] {
			continue
		}
		out = append(out, rf)
	}
	return out
}

// loadRelated resolves every RelatedRef field (restricted to fields, if
// non-empty) across items, per spec.md §4.9 step 6: one scheduler.Get per
// unique reference value, fanned out concurrently with a shared positive
// batchDelay so the scheduler coalesces them into as few BatchGetItem
// calls as possible, then attaches each resolved instance via SetRelation.
func (e *Engine) loadRelated(rc *reqctx.Context, items []*instance.Instance, fields []string) error {
	if len(items) == 0 {
		return nil
	}
	refs := e.relatedRefFields(fields)
	if len(refs) == 0 {
		return nil
	}
	tenantID := rc.TenantID()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	fail := func(err error) {
		mu.Lock()
		if first == nil {
			first = err
		}
		mu.Unlock()
	}

	for _, rf := range refs {
		targetDef, ok := e.registry.Get(rf.Target())
		if !ok {
			return &errors.SchemaError{Entity: rf.Target(), Rule: "related entity " + rf.Target() + " is not registered"}
		}
		targetCodec := keycodec.New(targetDef, e.codec.TenancyEnabled())

		for _, inst := range items {
			v, ok := inst.Get(rf.Name())
			if !ok || v == nil {
				continue
			}
			refID, ok := v.(string)
			if !ok || refID == "" {
				continue
			}
			pk, sk, err := targetCodec.PhysicalKeyFromID(tenantID, refID)
			if err != nil {
				fail(err)
				continue
			}

			wg.Add(1)
			go func(inst *instance.Instance, fieldName, refID, entity string, key batch.Key) {
				defer wg.Done()
				related, err := rc.Scheduler().Get(rc.Std(), entity, refID, key, RelatedBatchDelay, false)
				if err != nil {
					fail(err)
					return
				}
				inst.SetRelation(fieldName, related)
				// Roll the related instance's own consumed capacity (and
				// whatever it already carries from its own descendants)
				// into this item's "including descendants" totals, without
				// touching this item's own Read/Write.
				relCap := related.ConsumedCapacity()
				inst.AddCapacity(relCap.Read+relCap.ReadDescendants, relCap.Write+relCap.WriteDescendants, true)
			}(inst, rf.Name(), refID, targetDef.Prefix, batch.Key{PK: pk, SK: sk})
		}
	}

	wg.Wait()
	return first
}

func gsiNumber(slot schema.IndexSlot) string {
	return strings.TrimPrefix(string(slot), "ix")
}

// saltPlaceholders renames res's #n{n}/:v{n} placeholders by inserting tag
// right after the sigil, avoiding collisions when a key condition and a
// filter (each compiled independently, each starting its own #n1/:v1
// numbering) are merged into one request's expression attribute maps.
func saltPlaceholders(res *expr.Result, tag string) (expression string, names map[string]string, values map[string]types.AttributeValue) {
	expression = res.Expression
	expression = strings.ReplaceAll(expression, "#n", "#"+tag+"n")
	expression = strings.ReplaceAll(expression, ":v", ":"+tag+"v")
	names = make(map[string]string, len(res.Names))
	for k, v := range res.Names {
		names["#"+tag+k[1:]] = v
	}
	values = make(map[string]types.AttributeValue, len(res.Values))
	for k, v := range res.Values {
		values[":"+tag+k[1:]] = v
	}
	return expression, names, values
}

func mergeNames(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func mergeValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
