// Package iteration implements the sharded full-entity traversal engine
// (spec.md §4.10/component J): walks the synthetic `_iter_pk`/`_iter_sk`
// index bucket by bucket, yielding batches of primary-key-only instance
// stubs a caller can re-fetch for full data.
package iteration

import (
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/internal/numutil"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
)

// DefaultBatchSize is the page size IterateAll/IterateBucket uses when
// batchSize is unset or non-positive.
const DefaultBatchSize = 100

// iterIndexName is the physical name of the synthetic index every
// iterable entity's items are projected onto, per spec.md §4.10.
const iterIndexName = "iter"

// Batch is the lazy item-batch sequence IterateAll/IterateBucket return:
// the standard-library iter.Seq2-shaped callback convention, so a consumer
// can range over it with `for items, err := range seq` and `break` to
// cancel early with no further pages issued.
type Batch = iter.Seq2[[]*instance.Instance, error]

// Engine drives traversal over one iterable entity's synthetic iter index.
type Engine struct {
	def   *schema.EntityDefinition
	codec *keycodec.Codec
}

// New returns an iteration engine for def.
func New(def *schema.EntityDefinition, codec *keycodec.Codec) *Engine {
	return &Engine{def: def, codec: codec}
}

// IterateAll produces a lazy sequence of item-batches spanning every
// configured bucket, finite — it terminates after the last bucket's last
// page, per spec.md §4.10.
func (e *Engine) IterateAll(rc *reqctx.Context, batchSize int) Batch {
	buckets := e.def.Iteration.Buckets
	if buckets <= 0 {
		buckets = 1
	}
	return func(yield func([]*instance.Instance, error) bool) {
		for b := 0; b < buckets; b++ {
			keepGoing := true
			e.IterateBucket(rc, b, batchSize)(func(items []*instance.Instance, err error) bool {
				keepGoing = yield(items, err) && err == nil
				return keepGoing
			})
			if !keepGoing {
				return
			}
		}
	}
}

// IterateBucket produces a lazy sequence of item-batches for a single
// bucket, enabling parallel fan-out across buckets by the caller.
func (e *Engine) IterateBucket(rc *reqctx.Context, bucket int, batchSize int) Batch {
	return func(yield func([]*instance.Instance, error) bool) {
		if err := rc.RequireActive("iterate"); err != nil {
			yield(nil, err)
			return
		}
		if !e.def.Iteration.Iterable {
			yield(nil, &errors.SchemaError{Entity: e.def.Prefix, Rule: "entity is not declared iterable"})
			return
		}

		size := batchSize
		if size <= 0 {
			size = DefaultBatchSize
		}

		tenantID := rc.TenantID()
		pkVal := e.codec.IterationPartitionKey(tenantID, bucket)

		client := rc.Backend().Client()
		table := rc.Backend().TableName()

		var exclusiveStart map[string]types.AttributeValue
		for {
			in := &dynamodb.QueryInput{
				TableName:                 aws.String(table),
				IndexName:                 aws.String(iterIndexName),
				KeyConditionExpression:    aws.String("#pk = :pk"),
				ExpressionAttributeNames:  map[string]string{"#pk": "_iter_pk"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pkVal}},
				ExclusiveStartKey:         exclusiveStart,
				Limit:                     aws.Int32(numutil.ClampIntToInt32(size)),
				ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
			}

			out, err := client.Query(rc.Std(), in)
			if err != nil {
				yield(nil, err)
				return
			}

			items := make([]*instance.Instance, 0, len(out.Items))
			for _, raw := range out.Items {
				inst, derr := e.decodeStub(rc, tenantID, raw)
				if derr != nil {
					yield(nil, derr)
					return
				}
				items = append(items, inst)
			}

			// The iter-index query reports capacity per page, not per
			// item: split it evenly across every stub decoded this page,
			// the same approximation pkg/query makes for its own pages.
			if len(items) > 0 {
				perItem := consumedUnits(out.ConsumedCapacity) / float64(len(items))
				for _, inst := range items {
					inst.AddCapacity(perItem, 0, false)
				}
			}

			if len(items) > 0 {
				if !yield(items, nil) {
					return
				}
			}

			if len(out.LastEvaluatedKey) == 0 {
				return
			}
			exclusiveStart = out.LastEvaluatedKey
		}
	}
}

// decodeStub resolves a raw iter-index item down to its primary id and
// returns a lightweight instance: the iter index projects primary-key
// attributes only (spec.md §4.10), so unlike pkg/query's decodeItem this
// never trusts any other attribute that might ride along on a page — a
// real backend's KEYS_ONLY projection wouldn't carry one. A caller that
// needs full field data re-fetches it separately. The context cache is
// still consulted first, so an instance already hydrated by an earlier
// operation in this context is returned as-is rather than downgraded to
// a stub.
func (e *Engine) decodeStub(rc *reqctx.Context, tenantID string, raw map[string]types.AttributeValue) (*instance.Instance, error) {
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
	// Iteration is not one of the cache's write-through points (spec.md
	// §4.7 names successful get/batchGet/query materialization and the end
	// of successful create/update); writing this field-less stub through
	// would let a later same-context Get/Update/Delete observe it via
	// batch.Scheduler's cache-hit short-circuit instead of a real fetch.
	return instance.FromStored(e.def.Prefix, primaryID, map[string]any{}), nil
}

// consumedUnits extracts a single operation's reported capacity units,
// defaulting to 0 when the backend didn't report any.
func consumedUnits(cc *types.ConsumedCapacity) float64 {
	if cc == nil || cc.CapacityUnits == nil {
		return 0
	}
	return *cc.CapacityUnits
}
