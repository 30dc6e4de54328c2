// Package quiver is the root facade tying the schema registry, session,
// and per-entity mutation/query/iteration engines together into a single
// entry point, in the spirit of the repos this module's conventions are
// drawn from keeping their root package a thin re-export over an internal
// implementation.
package quiver

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/internal/expr"
	"github.com/quiverdb/quiver/pkg/batch"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/iteration"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/mutation"
	"github.com/quiverdb/quiver/pkg/query"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
	"github.com/quiverdb/quiver/pkg/session"
	"github.com/quiverdb/quiver/pkg/wireclient"
)

// Re-export types for convenience, so a caller only needs this package for
// the common path; pkg/field is still imported directly for field
// descriptors, since it's orthogonal to wiring a DB together.
type (
	Config           = session.Config
	EntityDefinition = schema.EntityDefinition
	EntityOption     = schema.EntityOption
	IndexSlot        = schema.IndexSlot
	UniqueSlot       = schema.UniqueSlot

	Instance = instance.Instance
	Context  = reqctx.Context

	QueryOptions  = query.Options
	QueryResult   = query.Result
	UpdateOptions = mutation.UpdateOptions

	FilterNode   = expr.FilterNode
	KeyCondition = expr.KeyCondition
	NestedOption = reqctx.NestedOption
)

// Index and uniqueness slot constants, re-exported from pkg/schema.
const (
	IX1 = schema.IX1
	IX2 = schema.IX2
	IX3 = schema.IX3

	UC1 = schema.UC1
	UC2 = schema.UC2
	UC3 = schema.UC3
)

// Schema-definition and request-context constructors, re-exported from
// pkg/schema and pkg/reqctx.
var (
	Define     = schema.Define
	PrimaryKey = schema.PrimaryKey
	Index      = schema.Index
	Unique     = schema.Unique
	Iterable   = schema.Iterable

	Run        = reqctx.Run
	Nested     = reqctx.Nested
	WithTenant = reqctx.WithTenant
)

// entityHandle bundles one registered entity's codec and engines.
type entityHandle struct {
	def       *schema.EntityDefinition
	codec     *keycodec.Codec
	mutation  *mutation.Engine
	query     *query.Engine
	iteration *iteration.Engine
}

// DB is the root facade. It implements reqctx.Backend directly, so a *DB
// is passed straight to Run/Nested as the backend argument.
type DB struct {
	session  *session.Session
	config   *session.Config
	client   wireclient.Client
	registry *schema.Registry
	entities map[string]*entityHandle
}

// New builds a DB from cfg: it establishes a session against the
// configured table, registers and finalizes every entity in defs, and
// constructs each entity's mutation/query/iteration engines eagerly so the
// first request carries no setup cost.
func New(cfg Config, defs ...*schema.EntityDefinition) (*DB, error) {
	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, err
	}
	client, err := sess.Client()
	if err != nil {
		return nil, err
	}

	registry := schema.NewRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	if err := registry.Finalize(); err != nil {
		return nil, err
	}

	db := &DB{
		session:  sess,
		config:   sess.Config(),
		client:   client,
		registry: registry,
		entities: make(map[string]*entityHandle, len(defs)),
	}
	for _, def := range defs {
		codec := keycodec.New(def, cfg.TenancyEnabled)
		mutEngine := mutation.New(def, codec)
		if cfg.Now != nil {
			mutEngine = mutEngine.WithClock(cfg.Now)
		}
		db.entities[def.Prefix] = &entityHandle{
			def:       def,
			codec:     codec,
			mutation:  mutEngine,
			query:     query.New(def, codec, registry),
			iteration: iteration.New(def, codec),
		}
	}
	return db, nil
}

// Session returns the underlying AWS session, for callers that need the
// raw client or loaded aws.Config.
func (db *DB) Session() *session.Session { return db.session }

// Registry returns the finalized schema registry.
func (db *DB) Registry() *schema.Registry { return db.registry }

// Client implements reqctx.Backend.
func (db *DB) Client() wireclient.Client { return db.client }

// TableName implements reqctx.Backend.
func (db *DB) TableName() string { return db.config.TableName }

// RequireBatchContext implements reqctx.Backend.
func (db *DB) RequireBatchContext() bool { return db.config.RequireBatchContext }

// Decode implements reqctx.Backend: it dispatches on entity to the
// matching registered definition and decodes each declared field present
// on item through that field's own DecodeFromStorage.
func (db *DB) Decode(entity, primaryID string, item map[string]types.AttributeValue) (*instance.Instance, error) {
	h, ok := db.entities[entity]
	if !ok {
		return nil, &errors.SchemaError{Entity: entity, Rule: "entity is not registered with this DB"}
	}
	if item == nil {
		return instance.New(entity, primaryID), nil
	}
	values := make(map[string]any, len(h.def.FieldOrder))
	for _, name := range h.def.FieldOrder {
		av, ok := item[name]
		if !ok {
			continue
		}
		f, _ := h.def.Field(name)
		v, err := f.DecodeFromStorage(av)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return instance.FromStored(entity, primaryID, values), nil
}

// Entity returns a request-path handle scoped to the named entity, which
// must have been passed to New.
func (db *DB) Entity(prefix string) (*Entity, error) {
	h, ok := db.entities[prefix]
	if !ok {
		return nil, &errors.SchemaError{Entity: prefix, Rule: "entity is not registered with this DB"}
	}
	return &Entity{db: db, h: h}, nil
}

// Entity scopes mutation, query, iteration, and point-read operations to
// one registered entity definition.
type Entity struct {
	db *DB
	h  *entityHandle
}

// Create inserts a new instance.
func (e *Entity) Create(rc *Context, values map[string]any) (*Instance, error) {
	return e.h.mutation.Create(rc, values)
}

// Update applies changes to the instance addressed by primaryID.
func (e *Entity) Update(rc *Context, primaryID string, changes map[string]any, opts UpdateOptions) (*Instance, error) {
	return e.h.mutation.Update(rc, primaryID, changes, opts)
}

// Delete removes the instance addressed by primaryID, optionally guarded
// by condition.
func (e *Entity) Delete(rc *Context, primaryID string, condition *FilterNode) (*Instance, error) {
	return e.h.mutation.Delete(rc, primaryID, condition)
}

// Hooks returns the entity's mutation lifecycle hooks for registration.
func (e *Entity) Hooks() *mutation.Hooks { return e.h.mutation.Hooks() }

// Query resolves indexName (or "" for the primary key) and pages a query
// against partitionValue.
func (e *Entity) Query(rc *Context, indexName string, partitionValue any, opts QueryOptions) (*QueryResult, error) {
	return e.h.query.Query(rc, indexName, partitionValue, opts)
}

// IterateAll walks every configured bucket of the entity's synthetic
// iteration index.
func (e *Entity) IterateAll(rc *Context, batchSize int) iteration.Batch {
	return e.h.iteration.IterateAll(rc, batchSize)
}

// IterateBucket walks a single bucket, for callers that want to fan
// traversal out across buckets themselves.
func (e *Entity) IterateBucket(rc *Context, bucket, batchSize int) iteration.Batch {
	return e.h.iteration.IterateBucket(rc, bucket, batchSize)
}

// Get performs a direct point-read of the instance addressed by
// primaryID, through the context's batch scheduler: concurrent Gets
// issued within batchDelay of each other are coalesced into one
// BatchGetItem, the same path pkg/query's loadRelated uses internally for
// a single RelatedRef dereference, generalized here to a caller-facing
// id. A zero batchDelay issues the fetch immediately with no coalescing
// window.
func (e *Entity) Get(rc *Context, primaryID string, batchDelay time.Duration) (*Instance, error) {
	if err := rc.RequireActive("get"); err != nil {
		return nil, err
	}
	tenantID := rc.TenantID()
	pk, sk, err := e.h.codec.PhysicalKeyFromID(tenantID, primaryID)
	if err != nil {
		return nil, err
	}
	return rc.Scheduler().Get(rc.Std(), e.h.def.Prefix, primaryID, batch.Key{PK: pk, SK: sk}, batchDelay, false)
}
