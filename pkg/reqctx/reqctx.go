// Package reqctx implements the request context (spec.md §4.5/component E):
// the scoped ambient that carries a tenant id, batch scheduler, and
// instance cache around a caller-provided body. Per spec.md §9, the
// ambient is passed explicitly as an opaque handle into every persistence
// call rather than stored in Go's context.Context.
package reqctx

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/pkg/batch"
	"github.com/quiverdb/quiver/pkg/cache"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/tenant"
	"github.com/quiverdb/quiver/pkg/wireclient"
)

// Backend is the dependency set a request context needs to stand up its
// scheduler: the wire client, table name, an item decoder, and whether
// strict mode is configured.
type Backend interface {
	Client() wireclient.Client
	TableName() string
	Decode(entity, primaryID string, item map[string]types.AttributeValue) (*instance.Instance, error)
	RequireBatchContext() bool
}

// Context is the request-scoped ambient established by Run/Nested. It must
// not be used after its owning body returns.
type Context struct {
	std       context.Context
	backend   Backend
	tenant    *tenant.Scope
	scheduler *batch.Scheduler
	cache     *cache.Cache
	strict    bool
	active    bool
}

// Run establishes a fresh request context around body: a new tenant scope,
// scheduler, and cache. Every persistence operation invoked inside body
// should be passed the resulting *Context explicitly.
func Run(ctx context.Context, backend Backend, body func(rc *Context) error) error {
	rc := newContext(ctx, backend, tenant.NewScope())
	rc.active = true
	err := body(rc)
	rc.active = false
	return err
}

// NestedOption configures a child context created by Nested.
type NestedOption func(*Context)

// WithTenant overrides the child's tenant id instead of inheriting the
// parent's.
func WithTenant(id string) NestedOption {
	return func(rc *Context) { rc.tenant.SetCurrent(id) }
}

// Nested establishes a child context with a fresh scheduler and cache (so
// concurrent nested contexts do not observe each other's mutations),
// inheriting the parent's tenant unless overridden (spec.md §4.5).
func Nested(parent *Context, body func(rc *Context) error, opts ...NestedOption) error {
	rc := newContext(parent.std, parent.backend, parent.tenant.Fork())
	for _, opt := range opts {
		opt(rc)
	}
	rc.active = true
	err := body(rc)
	rc.active = false
	return err
}

func newContext(std context.Context, backend Backend, tenantScope *tenant.Scope) *Context {
	c := cache.New()
	sched := batch.New(backend.Client(), backend.TableName(), c, backend.Decode)
	return &Context{
		std:       std,
		backend:   backend,
		tenant:    tenantScope,
		scheduler: sched,
		cache:     c,
		strict:    backend.RequireBatchContext(),
	}
}

// Active reports whether the context's owning body is still running.
func (rc *Context) Active() bool { return rc.active }

// RequireActive returns ContextError(op) if the context has already torn
// down, for use at the top of every entry point in pkg/mutation,
// pkg/query, and pkg/iteration.
func (rc *Context) RequireActive(op string) error {
	if !rc.active {
		return &errors.ContextError{Operation: op}
	}
	return nil
}

// Strict reports whether requireBatchContext is enabled for this backend.
func (rc *Context) Strict() bool { return rc.strict }

// Std returns the underlying cancellation context.
func (rc *Context) Std() context.Context { return rc.std }

// TenantID returns the active tenant id, or "" if none is set and no
// resolver produced one.
func (rc *Context) TenantID() string {
	id, _ := rc.tenant.Current()
	return id
}

// Tenant returns the context's tenant scope, for SetCurrent/Clear/
// AddResolver/RunWithTenant calls.
func (rc *Context) Tenant() *tenant.Scope { return rc.tenant }

// Scheduler returns the context's batch scheduler.
func (rc *Context) Scheduler() *batch.Scheduler { return rc.scheduler }

// Cache returns the context's instance cache.
func (rc *Context) Cache() *cache.Cache { return rc.cache }

// Backend returns the backend this context was established against.
func (rc *Context) Backend() Backend { return rc.backend }

// RunWithoutContext executes op eagerly — bypassing batching and caching —
// for a caller operating outside any Run/Nested body. It fails with
// ContextError if the backend requires strict batch-context usage.
func RunWithoutContext(backend Backend, op string, eager func() error) error {
	if backend.RequireBatchContext() {
		return &errors.ContextError{Operation: op}
	}
	return eager()
}

// NoTimeout is a convenience zero value signaling "no batchDelay
// coalescing window", i.e. issue the fetch directly.
const NoTimeout time.Duration = 0
