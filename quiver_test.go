package quiver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/field"
	"github.com/quiverdb/quiver/pkg/iteration"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/mutation"
	"github.com/quiverdb/quiver/pkg/query"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
	"github.com/quiverdb/quiver/pkg/session"
	"github.com/quiverdb/quiver/pkg/wireclient/fake"
)

func widgetDef() *schema.EntityDefinition {
	return schema.Define("Widget",
		[]field.Descriptor{
			field.String("id", field.Required()),
			field.String("label", field.Required()),
		},
		schema.PrimaryKey("id", ""),
		schema.Index("byLabel", "label", "id", schema.IX1),
		schema.Iterable(3),
	)
}

// newTestDB builds a *DB the same way New does, minus the real AWS session
// setup: NewSession reaches out to config.LoadDefaultConfig, which a unit
// test has no business doing. Everything downstream of the session —
// registry, codecs, engines — is wired exactly as New wires it.
func newTestDB(t *testing.T, tenancyEnabled bool, defs ...*schema.EntityDefinition) *DB {
	t.Helper()

	registry := schema.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	require.NoError(t, registry.Finalize())

	cfg := session.DefaultConfig()
	cfg.TableName = "quiver-table"
	cfg.TenancyEnabled = tenancyEnabled

	db := &DB{
		config:   cfg,
		client:   fake.New(),
		registry: registry,
		entities: make(map[string]*entityHandle, len(defs)),
	}
	for _, def := range defs {
		codec := keycodec.New(def, tenancyEnabled)
		db.entities[def.Prefix] = &entityHandle{
			def:       def,
			codec:     codec,
			mutation:  mutation.New(def, codec),
			query:     query.New(def, codec, registry),
			iteration: iteration.New(def, codec),
		}
	}
	return db
}

func runIn(t *testing.T, db *DB, body func(rc *Context) error) {
	t.Helper()
	err := Run(context.Background(), db, body)
	require.NoError(t, err)
}

func TestDB_ImplementsReqctxBackend(t *testing.T) {
	db := newTestDB(t, false, widgetDef())
	var _ reqctx.Backend = db
}

func TestDB_Entity_UnregisteredNameErrors(t *testing.T) {
	db := newTestDB(t, false, widgetDef())
	_, err := db.Entity("Gadget")
	require.Error(t, err)
}

func TestDB_Entity_CreateGetQueryIterate(t *testing.T) {
	db := newTestDB(t, true, widgetDef())
	widgets, err := db.Entity("Widget")
	require.NoError(t, err)

	var createdID string
	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-a")
		for i := 0; i < 5; i++ {
			inst, err := widgets.Create(rc, map[string]any{
				"id":    fmt.Sprintf("w%02d", i),
				"label": "blue",
			})
			if err != nil {
				return err
			}
			if i == 0 {
				createdID = inst.PrimaryID()
			}
		}
		return nil
	})
	require.NotEmpty(t, createdID)

	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-a")
		got, err := widgets.Get(rc, createdID, 0)
		if err != nil {
			return err
		}
		require.True(t, got.Exists())
		label, ok := got.Get("label")
		require.True(t, ok)
		require.Equal(t, "blue", label)
		return nil
	})

	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-a")
		result, err := widgets.Query(rc, "byLabel", "blue", QueryOptions{})
		if err != nil {
			return err
		}
		require.Equal(t, 5, result.Count)
		require.Equal(t, "byLabel", result.ResolvedIndex)
		return nil
	})

	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-a")
		seen := map[string]bool{}
		for items, err := range widgets.IterateAll(rc, 2) {
			if err != nil {
				return err
			}
			for _, inst := range items {
				seen[inst.PrimaryID()] = true
			}
		}
		require.Len(t, seen, 5)
		return nil
	})
}

func TestDB_Entity_TenantIsolation(t *testing.T) {
	db := newTestDB(t, true, widgetDef())
	widgets, err := db.Entity("Widget")
	require.NoError(t, err)

	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-a")
		_, err := widgets.Create(rc, map[string]any{"id": "shared-id", "label": "blue"})
		return err
	})

	runIn(t, db, func(rc *Context) error {
		rc.Tenant().SetCurrent("tenant-b")
		got, err := widgets.Get(rc, "shared-id", 0)
		if err != nil {
			return err
		}
		require.False(t, got.Exists(), "tenant-b must not see tenant-a's record")
		return nil
	})
}

func TestDB_Entity_UpdateAndDelete(t *testing.T) {
	db := newTestDB(t, false, widgetDef())
	widgets, err := db.Entity("Widget")
	require.NoError(t, err)

	runIn(t, db, func(rc *Context) error {
		_, err := widgets.Create(rc, map[string]any{"id": "w1", "label": "blue"})
		return err
	})

	runIn(t, db, func(rc *Context) error {
		updated, err := widgets.Update(rc, "w1", map[string]any{"label": "red"}, UpdateOptions{})
		if err != nil {
			return err
		}
		label, _ := updated.Get("label")
		require.Equal(t, "red", label)
		return nil
	})

	runIn(t, db, func(rc *Context) error {
		_, err := widgets.Delete(rc, "w1", nil)
		return err
	})

	runIn(t, db, func(rc *Context) error {
		got, err := widgets.Get(rc, "w1", 0)
		if err != nil {
			return err
		}
		require.False(t, got.Exists())
		return nil
	})
}

func TestDB_Decode_UnregisteredEntityErrors(t *testing.T) {
	db := newTestDB(t, false, widgetDef())
	_, err := db.Decode("Gadget", "g1", nil)
	require.Error(t, err)
}

func TestDB_Decode_NilItemReturnsMissingInstance(t *testing.T) {
	db := newTestDB(t, false, widgetDef())
	inst, err := db.Decode("Widget", "w1", nil)
	require.NoError(t, err)
	require.False(t, inst.Exists())
}
