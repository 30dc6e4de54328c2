package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/cache"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/wireclient/fake"
)

func decodeForTest(entity, primaryID string, item map[string]types.AttributeValue) (*instance.Instance, error) {
	if item == nil {
		return instance.New(entity, primaryID), nil
	}
	stored := map[string]any{}
	for k, v := range item {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			stored[k] = s.Value
		}
	}
	return instance.FromStored(entity, primaryID, stored), nil
}

func seedUser(client *fake.Client, id string) {
	client.Seed(map[string]types.AttributeValue{
		"_pk":  &types.AttributeValueMemberS{Value: "[t1]#User#" + id},
		"_sk":  &types.AttributeValueMemberS{Value: "User"},
		"name": &types.AttributeValueMemberS{Value: "name-" + id},
	})
}

// seedOrderLine seeds an item under a composite key: a partition shared by
// every line of one order, distinguished by sort value.
func seedOrderLine(client *fake.Client, orderID, lineID string) {
	client.Seed(map[string]types.AttributeValue{
		"_pk":  &types.AttributeValueMemberS{Value: "[t1]#Order#" + orderID},
		"_sk":  &types.AttributeValueMemberS{Value: lineID},
		"name": &types.AttributeValueMemberS{Value: "line-" + lineID},
	})
}

func TestScheduler_CoalescesConcurrentGetsIntoOneBatchGetItem(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	seedUser(client, "2")
	seedUser(client, "3")

	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	var wg sync.WaitGroup
	results := make([]*instance.Instance, 3)
	ids := []string{"1", "2", "3"}
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			inst, err := s.Get(context.Background(), "User", id, Key{PK: "[t1]#User#" + id, SK: "User"}, 10*time.Millisecond, false)
			require.NoError(t, err)
			results[i] = inst
		}(i, id)
	}
	wg.Wait()

	for i, inst := range results {
		require.True(t, inst.Exists(), "id %s should exist", ids[i])
	}
	require.Equal(t, 1, client.Calls().BatchGetItem)
	require.Equal(t, 0, client.Calls().GetItem)
}

// TestScheduler_CoalescedGetsAccumulateReadCapacity pins the BatchGetItem
// path's per-item capacity split: the fake backend reports one capacity
// total for the whole batch, and flush must divide it across every id
// actually present in that batch rather than leaving it at zero.
func TestScheduler_CoalescedGetsAccumulateReadCapacity(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	seedUser(client, "2")

	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	var wg sync.WaitGroup
	results := make([]*instance.Instance, 2)
	ids := []string{"1", "2"}
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			inst, err := s.Get(context.Background(), "User", id, Key{PK: "[t1]#User#" + id, SK: "User"}, 10*time.Millisecond, false)
			require.NoError(t, err)
			results[i] = inst
		}(i, id)
	}
	wg.Wait()

	for i, inst := range results {
		require.Greater(t, inst.ConsumedCapacity().Read, 0.0, "id %s should have accumulated read capacity", ids[i])
	}
}

// TestScheduler_DirectGetAccumulatesReadCapacity pins the GetItem (batch
// delay zero, bypassed coalescing) path's capacity folding.
func TestScheduler_DirectGetAccumulatesReadCapacity(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")

	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	inst, err := s.Get(context.Background(), "User", "1", Key{PK: "[t1]#User#1", SK: "User"}, 0, false)
	require.NoError(t, err)
	require.Greater(t, inst.ConsumedCapacity().Read, 0.0)
}

// TestScheduler_CoalescedBatchDemultiplexesByCompositeKey pins a
// composite-primary-key entity where two pending gets share a partition
// but differ by sort value: flush must route each BatchGetItem response
// item back to the pendingGet with the matching (pk, sk) pair, not just
// pk.
func TestScheduler_CoalescedBatchDemultiplexesByCompositeKey(t *testing.T) {
	client := fake.New()
	seedOrderLine(client, "o1", "line-a")
	seedOrderLine(client, "o1", "line-b")

	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	var wg sync.WaitGroup
	results := make([]*instance.Instance, 2)
	lineIDs := []string{"line-a", "line-b"}
	for i, lineID := range lineIDs {
		wg.Add(1)
		go func(i int, lineID string) {
			defer wg.Done()
			inst, err := s.Get(context.Background(), "Order", lineID, Key{PK: "[t1]#Order#o1", SK: lineID}, 10*time.Millisecond, false)
			require.NoError(t, err)
			results[i] = inst
		}(i, lineID)
	}
	wg.Wait()

	require.Equal(t, 1, client.Calls().BatchGetItem)
	for i, inst := range results {
		require.True(t, inst.Exists(), "line %s should exist", lineIDs[i])
		require.Equal(t, "line-"+lineIDs[i], inst.Stored()["name"], "line %s must not receive the other line's item", lineIDs[i])
	}
}

func TestScheduler_DedupesSamePrimaryIDWithinQueue(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(context.Background(), "User", "1", Key{PK: "[t1]#User#1", SK: "User"}, 10*time.Millisecond, false)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, client.Calls().BatchGetItem)
}

func TestScheduler_MissResolvesToNonExistentSentinel(t *testing.T) {
	client := fake.New()
	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	inst, err := s.Get(context.Background(), "User", "ghost", Key{PK: "[t1]#User#ghost", SK: "User"}, 5*time.Millisecond, false)
	require.NoError(t, err)
	require.False(t, inst.Exists())
}

func TestScheduler_BatchDelayZeroBypassesCoalescing(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	c := cache.New()
	s := New(client, "quiver-table", c, decodeForTest)

	inst, err := s.Get(context.Background(), "User", "1", Key{PK: "[t1]#User#1", SK: "User"}, 0, false)
	require.NoError(t, err)
	require.True(t, inst.Exists())
	require.Equal(t, 1, client.Calls().GetItem)
	require.Equal(t, 0, client.Calls().BatchGetItem)
}

func TestScheduler_CacheHitAvoidsBackendCall(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	c := cache.New()
	preCached := instance.FromStored("User", "1", map[string]any{"name": "cached"})
	c.Put("User", "1", preCached)

	s := New(client, "quiver-table", c, decodeForTest)
	inst, err := s.Get(context.Background(), "User", "1", Key{PK: "[t1]#User#1", SK: "User"}, 10*time.Millisecond, false)
	require.NoError(t, err)
	require.Same(t, preCached, inst)
	require.Equal(t, 0, client.Calls().GetItem)
	require.Equal(t, 0, client.Calls().BatchGetItem)
}

func TestScheduler_BypassCacheForcesBackendRead(t *testing.T) {
	client := fake.New()
	seedUser(client, "1")
	c := cache.New()
	c.Put("User", "1", instance.FromStored("User", "1", map[string]any{"name": "stale"}))

	s := New(client, "quiver-table", c, decodeForTest)
	inst, err := s.Get(context.Background(), "User", "1", Key{PK: "[t1]#User#1", SK: "User"}, 0, true)
	require.NoError(t, err)
	require.Equal(t, "name-1", inst.Stored()["name"])
}
