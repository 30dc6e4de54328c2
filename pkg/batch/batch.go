// Package batch implements the batch scheduler (spec.md §4.6/component F):
// coalescing point-fetches of the form get(entity, primaryId) into batched
// BatchGetItem calls, with in-flight deduplication and cache interaction.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/pkg/cache"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/wireclient"
)

// BatchKeyCeiling is DynamoDB's per-BatchGetItem key limit.
const BatchKeyCeiling = 100

// DefaultWatchdog is the scheduler's stranded-request timeout: five times a
// representative 1-second batchDelay ceiling, per spec.md §9's "meaningfully
// longer than batchDelay" guidance. Named so callers can see the ratio.
const DefaultWatchdog = 5 * time.Second

// Key is the physical primary key of one item to fetch.
type Key struct {
	PK, SK string
}

// Decoder turns a raw backend item (or nil, for a miss) into an instance.
// The scheduler is otherwise agnostic to any particular entity's schema.
type Decoder func(entity, primaryID string, item map[string]types.AttributeValue) (*instance.Instance, error)

type pendingGet struct {
	primaryID string
	key       Key
	done      chan struct{}
	result    *instance.Instance
	err       error
}

type queue struct {
	pending  map[string]*pendingGet
	order    []string
	timer    *time.Timer
	watchdog *time.Timer
}

type queueKey struct {
	entity     string
	batchDelay time.Duration
}

// Scheduler coalesces gets within one request context. It is not safe for
// use across contexts: per spec.md §4.6 the scheduler is per-context and
// single-owner, even though its internal state is mutex-protected to
// tolerate concurrent goroutines within that one context.
type Scheduler struct {
	client wireclient.Client
	table  string
	cache  *cache.Cache
	decode Decoder

	mu     sync.Mutex
	queues map[queueKey]*queue
}

// New returns a scheduler bound to one backend client/table and one
// context-scoped cache.
func New(client wireclient.Client, table string, c *cache.Cache, decode Decoder) *Scheduler {
	return &Scheduler{
		client: client,
		table:  table,
		cache:  c,
		decode: decode,
		queues: make(map[queueKey]*queue),
	}
}

// Get fetches one item by (entity, primaryID), coalescing with concurrent
// requests for the same (entity, batchDelay) queue. A miss resolves to a
// non-existent instance, not an error (spec.md §4.6).
func (s *Scheduler) Get(ctx context.Context, entity, primaryID string, key Key, batchDelay time.Duration, bypassCache bool) (*instance.Instance, error) {
	if !bypassCache {
		if inst, ok := s.cache.Get(entity, primaryID); ok {
			return inst, nil
		}
	}

	if batchDelay <= 0 {
		return s.fetchDirect(ctx, entity, primaryID, key)
	}

	pg, shouldFlushNow := s.enqueue(entity, primaryID, key, batchDelay)
	if shouldFlushNow {
		go s.flush(queueKey{entity, batchDelay})
	}

	select {
	case <-pg.done:
		return pg.result, pg.err
	case <-ctx.Done():
		return nil, &errors.CanceledError{Op: "batch.Get"}
	}
}

func (s *Scheduler) fetchDirect(ctx context.Context, entity, primaryID string, key Key) (*instance.Instance, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.table,
		Key: map[string]types.AttributeValue{
			"_pk": &types.AttributeValueMemberS{Value: key.PK},
			"_sk": &types.AttributeValueMemberS{Value: key.SK},
		},
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return nil, err
	}
	inst, err := s.decode(entity, primaryID, out.Item)
	if err != nil {
		return nil, err
	}
	inst.AddCapacity(consumedUnits(out.ConsumedCapacity), 0, false)
	s.cache.Put(entity, primaryID, inst)
	return inst, nil
}

// enqueue inserts (or finds, if already pending) a pendingGet for
// (entity, primaryID) into the queue for (entity, batchDelay). It reports
// whether the queue just crossed the 100-key ceiling and must flush now.
func (s *Scheduler) enqueue(entity, primaryID string, key Key, batchDelay time.Duration) (*pendingGet, bool) {
	qk := queueKey{entity: entity, batchDelay: batchDelay}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[qk]
	if !ok {
		q = &queue{pending: make(map[string]*pendingGet)}
		s.queues[qk] = q
	}

	if existing, ok := q.pending[primaryID]; ok {
		return existing, false
	}

	pg := &pendingGet{primaryID: primaryID, key: key, done: make(chan struct{})}
	q.pending[primaryID] = pg
	q.order = append(q.order, primaryID)

	if len(q.pending) == 1 {
		q.timer = time.AfterFunc(batchDelay, func() { s.flush(qk) })
		q.watchdog = time.AfterFunc(DefaultWatchdog, func() { s.expire(qk) })
	}

	return pg, len(q.pending) >= BatchKeyCeiling
}

// flush removes the queue for qk (if still present) and issues one
// BatchGetItem for its pending keys.
func (s *Scheduler) flush(qk queueKey) {
	s.mu.Lock()
	q, ok := s.queues[qk]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.queues, qk)
	s.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}
	if q.watchdog != nil {
		q.watchdog.Stop()
	}

	keys := make([]map[string]types.AttributeValue, 0, len(q.order))
	for _, id := range q.order {
		pg := q.pending[id]
		keys = append(keys, map[string]types.AttributeValue{
			"_pk": &types.AttributeValueMemberS{Value: pg.key.PK},
			"_sk": &types.AttributeValueMemberS{Value: pg.key.SK},
		})
	}

	out, err := s.client.BatchGetItem(context.Background(), &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			s.table: {Keys: keys},
		},
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		for _, id := range q.order {
			pg := q.pending[id]
			pg.err = err
			close(pg.done)
		}
		return
	}

	// DynamoDB reports BatchGetItem's consumed capacity per table, not per
	// item: split it evenly across every key this flush requested (hits and
	// misses alike both cost capacity to look up) as a representative
	// per-item share.
	var perItem float64
	if len(q.order) > 0 {
		perItem = sumConsumedUnits(out.ConsumedCapacity) / float64(len(q.order))
	}

	byKey := make(map[string]map[string]types.AttributeValue, len(out.Responses[s.table]))
	for _, item := range out.Responses[s.table] {
		pk, _ := item["_pk"].(*types.AttributeValueMemberS)
		sk, _ := item["_sk"].(*types.AttributeValueMemberS)
		if pk != nil {
			var skVal string
			if sk != nil {
				skVal = sk.Value
			}
			byKey[pk.Value+"\x00"+skVal] = item
		}
	}

	for _, id := range q.order {
		pg := q.pending[id]
		item := byKey[pg.key.PK+"\x00"+pg.key.SK]
		inst, err := s.decode(qk.entity, pg.primaryID, item)
		if err != nil {
			pg.err = err
		} else {
			inst.AddCapacity(perItem, 0, false)
			pg.result = inst
			s.cache.Put(qk.entity, pg.primaryID, inst)
		}
		close(pg.done)
	}
}

// consumedUnits extracts a single operation's reported capacity units,
// defaulting to 0 when the backend didn't report any (e.g.
// ReturnConsumedCapacity wasn't honored).
func consumedUnits(cc *types.ConsumedCapacity) float64 {
	if cc == nil || cc.CapacityUnits == nil {
		return 0
	}
	return *cc.CapacityUnits
}

// sumConsumedUnits totals the per-table capacity entries a batch or
// transactional call reports.
func sumConsumedUnits(ccs []types.ConsumedCapacity) float64 {
	var total float64
	for _, cc := range ccs {
		if cc.CapacityUnits != nil {
			total += *cc.CapacityUnits
		}
	}
	return total
}

// expire fires when a queue's watchdog elapses before it ever flushed —
// a stranded-request fail-safe, not the normal flush path.
func (s *Scheduler) expire(qk queueKey) {
	s.mu.Lock()
	q, ok := s.queues[qk]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.queues, qk)
	s.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}
	for _, id := range q.order {
		pg := q.pending[id]
		pg.err = &errors.TimeoutError{Entity: qk.entity, Delay: qk.batchDelay.String()}
		close(pg.done)
	}
}
