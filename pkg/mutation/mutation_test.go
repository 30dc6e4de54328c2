package mutation

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/internal/expr"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/field"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
	"github.com/quiverdb/quiver/pkg/wireclient"
	"github.com/quiverdb/quiver/pkg/wireclient/fake"
)

func userDef() *schema.EntityDefinition {
	return schema.Define("User",
		[]field.Descriptor{
			field.String("id", field.Required()),
			field.String("email", field.Required()),
			field.String("status", field.WithDefault("pending")),
			field.String("role"),
		},
		schema.PrimaryKey("id", ""),
		schema.Index("byRole", "role", "status", schema.IX1),
		schema.Unique("uniqueEmail", "email", schema.UC1),
	)
}

type testBackend struct {
	client wireclient.Client
	strict bool
	def    *schema.EntityDefinition
	codec  *keycodec.Codec
}

func (b *testBackend) Client() wireclient.Client { return b.client }
func (b *testBackend) TableName() string         { return "quiver-table" }
func (b *testBackend) RequireBatchContext() bool { return b.strict }

func (b *testBackend) Decode(entity, primaryID string, item map[string]types.AttributeValue) (*instance.Instance, error) {
	if item == nil {
		return instance.New(entity, primaryID), nil
	}
	values := map[string]any{}
	for _, name := range b.def.FieldOrder {
		av, ok := item[name]
		if !ok {
			continue
		}
		f, _ := b.def.Field(name)
		v, err := f.DecodeFromStorage(av)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return instance.FromStored(entity, primaryID, values), nil
}

func newHarness(t *testing.T) (*testBackend, *Engine, *keycodec.Codec) {
	t.Helper()
	def := userDef()
	codec := keycodec.New(def, true)
	backend := &testBackend{client: fake.New(), def: def, codec: codec}
	eng := New(def, codec)
	return backend, eng, codec
}

func runIn(t *testing.T, backend *testBackend, body func(rc *reqctx.Context) error) {
	t.Helper()
	err := reqctx.Run(context.Background(), backend, body)
	require.NoError(t, err)
}

func TestEngine_Create_WritesItemAndAssignsPublicID(t *testing.T) {
	backend, eng, _ := newHarness(t)
	var inst *instance.Instance
	runIn(t, backend, func(rc *reqctx.Context) error {
		var err error
		rc.Tenant().SetCurrent("t1")
		inst, err = eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		return err
	})
	require.True(t, inst.Exists())
	require.Equal(t, "u1", inst.PrimaryID())
	v, _ := inst.Get("status")
	require.Equal(t, "pending", v)

	fc := backend.client.(*fake.Client)
	require.Equal(t, 1, fc.Calls().PutItem)
}

func TestEngine_Create_MissingRequiredFieldFails(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1"})
		require.Error(t, err)
		var fv *errors.FieldValidationError
		require.ErrorAs(t, err, &fv)
		return nil
	})
}

// orderDef declares its primary key field ("id") without field.Required(),
// to isolate the implicitly-required-key check from an author's own
// explicit Required() option.
func orderDef() *schema.EntityDefinition {
	return schema.Define("Order",
		[]field.Descriptor{
			field.String("id"),
			field.String("status", field.WithDefault("open")),
		},
		schema.PrimaryKey("id", ""),
	)
}

func TestEngine_Create_MissingPrimaryKeyFieldFailsValidation(t *testing.T) {
	def := orderDef()
	codec := keycodec.New(def, true)
	backend := &testBackend{client: fake.New(), def: def, codec: codec}
	eng := New(def, codec)

	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"status": "open"})
		require.Error(t, err)
		var fv *errors.FieldValidationError
		require.ErrorAs(t, err, &fv)
		require.Equal(t, "id", fv.Field)
		return nil
	})
}

func TestEngine_Create_AccumulatesWriteCapacity(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		inst, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)
		require.Greater(t, inst.ConsumedCapacity().Write, 0.0)
		return nil
	})
}

func TestEngine_Update_AccumulatesReadAndWriteCapacity(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)
		return nil
	})

	// A fresh context: the record is not in its cache, so Update reads it.
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		updated, err := eng.Update(rc, "u1", map[string]any{"role": "admin"}, UpdateOptions{})
		require.NoError(t, err)
		capacity := updated.ConsumedCapacity()
		require.Greater(t, capacity.Read, 0.0, "fetching the current record before update must count as a read")
		require.Greater(t, capacity.Write, 0.0)
		return nil
	})
}

func TestEngine_Delete_AccumulatesReadAndWriteCapacity(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)
		return nil
	})

	// A fresh context: the record is not in its cache, so Delete reads it.
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		deleted, err := eng.Delete(rc, "u1", nil)
		require.NoError(t, err)
		capacity := deleted.ConsumedCapacity()
		require.Greater(t, capacity.Read, 0.0)
		require.Greater(t, capacity.Write, 0.0)
		return nil
	})
}

func TestEngine_Create_DuplicatePrimaryKeyIsConditionalError(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)
		_, err = eng.Create(rc, map[string]any{"id": "u1", "email": "c@d.com"})
		require.Error(t, err)
		var ce *errors.ConditionalError
		require.ErrorAs(t, err, &ce)
		return nil
	})
}

func TestEngine_Create_UniqueEmailRejectsSecondOwner(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "shared@x.com"})
		require.NoError(t, err)

		_, err = eng.Create(rc, map[string]any{"id": "u2", "email": "shared@x.com"})
		require.Error(t, err)
		var ce *errors.ConditionalError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, "uniqueEmail", ce.Constraint)
		return nil
	})
}

func TestEngine_Create_CrossTenantSameEmailBothSucceed(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "shared@x.com"})
		require.NoError(t, err)
		return nil
	})
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t2")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "shared@x.com"})
		require.NoError(t, err)
		return nil
	})
}

func TestEngine_CreateDeleteRecreate_SameUniqueValueSucceeds(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)

		_, err = eng.Delete(rc, "u1", nil)
		require.NoError(t, err)

		_, err = eng.Create(rc, map[string]any{"id": "u2", "email": "a@b.com"})
		require.NoError(t, err)
		return nil
	})
}

func TestEngine_Update_PartialGSIBackfillPreservesUntouchedKey(t *testing.T) {
	backend, eng, codec := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com", "role": "member", "status": "active"})
		require.NoError(t, err)

		_, err = eng.Update(rc, "u1", map[string]any{"role": "admin"}, UpdateOptions{})
		require.NoError(t, err)
		return nil
	})

	fc := backend.client.(*fake.Client)
	pk, sk, err := codec.PrimaryKey("t1", map[string]any{"id": "u1"})
	require.NoError(t, err)
	var found map[string]types.AttributeValue
	for _, item := range fc.All() {
		if s, ok := item["_pk"].(*types.AttributeValueMemberS); ok && s.Value == pk {
			if sv, ok := item["_sk"].(*types.AttributeValueMemberS); ok && sv.Value == sk {
				found = item
			}
		}
	}
	require.NotNil(t, found)
	gsiPK, _ := found["_gsi1_pk"].(*types.AttributeValueMemberS)
	gsiSK, _ := found["_gsi1_sk"].(*types.AttributeValueMemberS)
	require.NotNil(t, gsiPK)
	require.Contains(t, gsiPK.Value, "admin")
	require.NotNil(t, gsiSK)
	require.Equal(t, "active", gsiSK.Value)
}

func TestEngine_Update_ItemNotFound(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Update(rc, "ghost", map[string]any{"role": "admin"}, UpdateOptions{})
		require.Error(t, err)
		var nf *errors.ItemNotFoundError
		require.ErrorAs(t, err, &nf)
		return nil
	})
}

func TestEngine_Update_NoopChangeSetSkipsHooks(t *testing.T) {
	backend, eng, _ := newHarness(t)
	hookCalled := false
	eng.Hooks().BeforeSave(func(inst *instance.Instance) error {
		hookCalled = true
		return nil
	})
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com", "status": "pending"})
		require.NoError(t, err)
		hookCalled = false

		_, err = eng.Update(rc, "u1", map[string]any{"status": "pending"}, UpdateOptions{})
		require.NoError(t, err)
		require.False(t, hookCalled)
		return nil
	})
}

func TestEngine_Update_ConditionFailureLeavesRecordUnchanged(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com", "status": "pending"})
		require.NoError(t, err)

		cond := &expr.FilterNode{Field: "status", Value: "active"}
		_, err = eng.Update(rc, "u1", map[string]any{"status": "active"}, UpdateOptions{Condition: cond})
		require.Error(t, err)
		var ce *errors.ConditionalError
		require.ErrorAs(t, err, &ce)

		inst, err := eng.Update(rc, "u1", map[string]any{}, UpdateOptions{})
		require.NoError(t, err)
		v, _ := inst.Get("status")
		require.Equal(t, "pending", v)
		return nil
	})
}

func TestEngine_Delete_AlreadyAbsentIsNotAnError(t *testing.T) {
	backend, eng, _ := newHarness(t)
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		inst, err := eng.Delete(rc, "ghost", nil)
		require.NoError(t, err)
		require.False(t, inst.Exists())
		return nil
	})
}

func TestEngine_Delete_RunsBeforeAndAfterHooks(t *testing.T) {
	backend, eng, _ := newHarness(t)
	var before, after bool
	eng.Hooks().BeforeDelete(func(primaryID string, opts map[string]any) error {
		before = true
		return nil
	})
	eng.Hooks().AfterDelete(func(primaryID string, opts map[string]any) {
		after = true
	})
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)

		_, err = eng.Delete(rc, "u1", nil)
		require.NoError(t, err)
		require.True(t, before)
		require.True(t, after)
		return nil
	})
}

func TestEngine_Create_AfterSaveHookRuns(t *testing.T) {
	backend, eng, _ := newHarness(t)
	var saved *instance.Instance
	eng.Hooks().AfterSave(func(inst *instance.Instance) {
		saved = inst
	})
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		_, err := eng.Create(rc, map[string]any{"id": "u1", "email": "a@b.com"})
		require.NoError(t, err)
		return nil
	})
	require.NotNil(t, saved)
	require.Equal(t, "u1", saved.PrimaryID())
}

func TestEngine_WithClock_DrivesCreateInstant(t *testing.T) {
	def := schema.Define("Post",
		[]field.Descriptor{
			field.String("id", field.Required()),
			field.CreateInstant("createdAt"),
		},
		schema.PrimaryKey("id", ""),
	)
	codec := keycodec.New(def, true)
	eng := New(def, codec).WithClock(func() time.Time { return time.Unix(1000, 0).UTC() })
	backend := &testBackend{client: fake.New(), def: def, codec: codec}

	var inst *instance.Instance
	runIn(t, backend, func(rc *reqctx.Context) error {
		rc.Tenant().SetCurrent("t1")
		var err error
		inst, err = eng.Create(rc, map[string]any{"id": "p1"})
		return err
	})
	v, ok := inst.Get("createdAt")
	require.True(t, ok)
	require.Equal(t, time.Unix(1000, 0).UTC(), v)
}
