// Package mutation implements the mutation engine (spec.md §4.8/component
// H): it plans create/update/delete as either a single conditional write or
// a transaction (when uniqueness constraints participate), and performs
// partial-GSI-key backfill on update.
package mutation

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/internal/expr"
	"github.com/quiverdb/quiver/pkg/batch"
	"github.com/quiverdb/quiver/pkg/errors"
	"github.com/quiverdb/quiver/pkg/field"
	"github.com/quiverdb/quiver/pkg/instance"
	"github.com/quiverdb/quiver/pkg/keycodec"
	"github.com/quiverdb/quiver/pkg/reqctx"
	"github.com/quiverdb/quiver/pkg/schema"
	"github.com/quiverdb/quiver/pkg/wireclient"
)

// Hooks holds the mutation engine's ordered lifecycle callbacks (spec.md
// §4.8.4). Hooks run only when a save actually dispatches a backend write;
// a no-op update (empty effective change set) skips them entirely.
type Hooks struct {
	beforeSave   []func(inst *instance.Instance) error
	afterSave    []func(inst *instance.Instance)
	beforeDelete []func(primaryID string, opts map[string]any) error
	afterDelete  []func(primaryID string, opts map[string]any)
}

// BeforeSave registers a hook run before a create or update is dispatched.
// It receives the mutable instance; Set calls on it merge into the change
// set actually written.
func (h *Hooks) BeforeSave(fn func(inst *instance.Instance) error) {
	h.beforeSave = append(h.beforeSave, fn)
}

// AfterSave registers a hook run once a create or update has durably
// succeeded.
func (h *Hooks) AfterSave(fn func(inst *instance.Instance)) {
	h.afterSave = append(h.afterSave, fn)
}

// BeforeDelete registers a hook run before a delete is dispatched (skipped
// entirely if the targeted record was already absent).
func (h *Hooks) BeforeDelete(fn func(primaryID string, opts map[string]any) error) {
	h.beforeDelete = append(h.beforeDelete, fn)
}

// AfterDelete registers a hook run once a delete has durably succeeded.
func (h *Hooks) AfterDelete(fn func(primaryID string, opts map[string]any)) {
	h.afterDelete = append(h.afterDelete, fn)
}

// Engine plans and executes create/update/delete operations for one entity.
type Engine struct {
	def   *schema.EntityDefinition
	codec *keycodec.Codec
	now   func() time.Time
	hooks Hooks
}

// New returns an engine for def, addressing its physical keys via codec.
func New(def *schema.EntityDefinition, codec *keycodec.Codec) *Engine {
	return &Engine{def: def, codec: codec, now: time.Now}
}

// WithClock overrides the engine's notion of "now", for deterministic tests
// of create-/modify-instant and version-ulid behavior.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Hooks returns the engine's lifecycle hook registry.
func (e *Engine) Hooks() *Hooks { return &e.hooks }

// UpdateOptions carries the optional per-call behavior spec.md §4.8.2 names.
type UpdateOptions struct {
	// Condition, if non-nil, must hold against the stored record or the
	// update fails with ConditionalError.
	Condition *expr.FilterNode
	// ForceReindex recomputes every secondary-index key from the merged
	// (stored + changed) values, not just the ones the change set touches.
	ForceReindex bool
}

// Create applies defaults and auto-assignments, validates required fields,
// and durably writes a new record, per spec.md §4.8.1.
func (e *Engine) Create(rc *reqctx.Context, values map[string]any) (*instance.Instance, error) {
	if err := rc.RequireActive("create"); err != nil {
		return nil, err
	}
	tenantID := rc.TenantID()
	now := e.now()

	effective := make(map[string]any, len(values)+len(e.def.Fields))
	for k, v := range values {
		effective[k] = v
	}
	e.applyAutoAssignments(effective, now, true, false)
	e.applyDefaults(effective)

	if err := e.validateRequired(effective); err != nil {
		return nil, err
	}
	if err := e.validateValues(effective); err != nil {
		return nil, err
	}

	transient := instance.FromStored(e.def.Prefix, "", effective)
	transient.MarkExists(false)
	for _, h := range e.hooks.beforeSave {
		if err := h(transient); err != nil {
			return nil, err
		}
	}
	for k, v := range transient.Changes() {
		effective[k] = v
	}

	item, primaryID, err := e.buildItem(tenantID, effective)
	if err != nil {
		return nil, err
	}

	uniques, err := e.participatingUniques(effective)
	if err != nil {
		return nil, err
	}

	client := rc.Backend().Client()
	table := rc.Backend().TableName()
	inst := instance.FromStored(e.def.Prefix, primaryID, effective)

	if len(uniques) == 0 {
		out, err := client.PutItem(rc.Std(), &dynamodb.PutItemInput{
			TableName:                aws.String(table),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": "_pk"},
			ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			if isConditionalFailure(err) {
				return nil, &errors.ConditionalError{Operation: "create", Reason: "item already exists"}
			}
			return nil, err
		}
		inst.AddCapacity(0, consumedUnits(out.ConsumedCapacity), false)
		e.finishSave(rc, inst)
		return inst, nil
	}

	writeItems := make([]types.TransactWriteItem, 0, len(uniques)+1)
	constraints := make([]string, 0, len(uniques)+1)
	for _, u := range uniques {
		writeItems = append(writeItems, e.uniquePutItem(table, tenantID, u, primaryID))
		constraints = append(constraints, u.uc.Name)
	}
	writeItems = append(writeItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(table),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": "_pk"},
		},
	})
	constraints = append(constraints, "")

	cc, err := commitTransaction(rc, client, writeItems, constraints, "create")
	if err != nil {
		return nil, err
	}

	inst.AddCapacity(0, sumConsumedUnits(cc), false)
	e.finishSave(rc, inst)
	return inst, nil
}

// Update fetches the current record, computes the effective change set,
// backfills touched secondary-index keys, and durably applies the change,
// per spec.md §4.8.2.
func (e *Engine) Update(rc *reqctx.Context, primaryID string, changes map[string]any, opts UpdateOptions) (*instance.Instance, error) {
	if err := rc.RequireActive("update"); err != nil {
		return nil, err
	}
	tenantID := rc.TenantID()
	pk, sk, err := e.codec.PhysicalKeyFromID(tenantID, primaryID)
	if err != nil {
		return nil, err
	}

	inst, err := rc.Scheduler().Get(rc.Std(), e.def.Prefix, primaryID, batch.Key{PK: pk, SK: sk}, 0, false)
	if err != nil {
		return nil, err
	}
	if !inst.Exists() {
		return nil, &errors.ItemNotFoundError{Entity: e.def.Prefix, PrimaryID: primaryID}
	}

	old := inst.Stored()
	now := e.now()

	effective := map[string]any{}
	for k, v := range changes {
		if cur, ok := old[k]; ok && equalValues(cur, v) {
			continue
		}
		effective[k] = v
	}
	e.applyAutoAssignments(effective, now, false, true)

	if len(effective) == 0 {
		return inst, nil
	}

	if err := e.validateValues(effective); err != nil {
		return nil, err
	}

	for _, h := range e.hooks.beforeSave {
		if err := h(inst); err != nil {
			return nil, err
		}
	}
	for k, v := range inst.Changes() {
		effective[k] = v
	}

	merged := make(map[string]any, len(old)+len(effective))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range effective {
		merged[k] = v
	}

	touched := e.touchedIndexes(effective, opts.ForceReindex)

	ub := newUpdateBuilder()
	for name, v := range effective {
		f, ok := e.def.Field(name)
		if !ok {
			continue
		}
		frag, err := fragmentFor(f, v)
		if err != nil {
			return nil, &errors.FieldValidationError{Field: name, Value: v, Reason: err.Error()}
		}
		ub.apply(name, frag)
	}
	for name, ix := range touched {
		ixPK, ixSK, err := e.codec.SecondaryIndexKey(tenantID, ix, merged)
		if err != nil {
			return nil, &errors.DataFormatError{Data: name, Expected: "a stored value to backfill index " + name}
		}
		n := gsiNumber(ix.Slot)
		ub.setRaw("_gsi"+n+"_pk", &types.AttributeValueMemberS{Value: ixPK})
		ub.setRaw("_gsi"+n+"_sk", &types.AttributeValueMemberS{Value: ixSK})
	}

	condExpr, condNames, condValues, err := e.compileCondition(opts.Condition)
	if err != nil {
		return nil, err
	}
	names := mergeNames(ub.names, condNames)
	values := mergeValues(ub.values, condValues)

	client := rc.Backend().Client()
	table := rc.Backend().TableName()
	key := map[string]types.AttributeValue{"_pk": &types.AttributeValueMemberS{Value: pk}, "_sk": &types.AttributeValueMemberS{Value: sk}}

	ucChanges := e.uniqueTransitions(old, effective)

	if len(ucChanges) == 0 {
		out, err := client.UpdateItem(rc.Std(), &dynamodb.UpdateItemInput{
			TableName:                 aws.String(table),
			Key:                       key,
			UpdateExpression:          aws.String(ub.expression()),
			ConditionExpression:       aws.String(condExpr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: nonEmptyValues(values),
			ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			if isConditionalFailure(err) {
				return nil, &errors.ConditionalError{Operation: "update", Reason: "condition not met"}
			}
			return nil, err
		}
		inst.AddCapacity(0, consumedUnits(out.ConsumedCapacity), false)
		e.applyEffective(inst, effective)
		e.finishSave(rc, inst)
		return inst, nil
	}

	writeItems := make([]types.TransactWriteItem, 0, len(ucChanges)*2+1)
	constraints := make([]string, 0, cap(writeItems))
	for _, t := range ucChanges {
		if t.hadOld {
			outPK, outSK := e.codec.UniqueRecordKey(tenantID, t.uc.Slot, t.uc.Field, t.oldValue)
			writeItems = append(writeItems, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName:                 aws.String(table),
					Key:                       map[string]types.AttributeValue{"_pk": &types.AttributeValueMemberS{Value: outPK}, "_sk": &types.AttributeValueMemberS{Value: outSK}},
					ConditionExpression:       aws.String("#owner = :owner"),
					ExpressionAttributeNames:  map[string]string{"#owner": "primaryId"},
					ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: primaryID}},
				},
			})
			constraints = append(constraints, t.uc.Name)
		}
		if t.hasNew {
			writeItems = append(writeItems, e.uniquePutItem(table, tenantID, uniqueParticipant{uc: t.uc, value: t.newValue}, primaryID))
			constraints = append(constraints, t.uc.Name)
		}
	}
	writeItems = append(writeItems, types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(table),
			Key:                       key,
			UpdateExpression:          aws.String(ub.expression()),
			ConditionExpression:       aws.String(condExpr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: nonEmptyValues(values),
		},
	})
	constraints = append(constraints, "")

	cc, err := commitTransaction(rc, client, writeItems, constraints, "update")
	if err != nil {
		return nil, err
	}

	inst.AddCapacity(0, sumConsumedUnits(cc), false)
	e.applyEffective(inst, effective)
	e.finishSave(rc, inst)
	return inst, nil
}

// Delete removes a record (and any uniqueness records it owns), per spec.md
// §4.8.3. Deleting an already-absent record is not an error.
func (e *Engine) Delete(rc *reqctx.Context, primaryID string, condition *expr.FilterNode) (*instance.Instance, error) {
	if err := rc.RequireActive("delete"); err != nil {
		return nil, err
	}
	tenantID := rc.TenantID()
	pk, sk, err := e.codec.PhysicalKeyFromID(tenantID, primaryID)
	if err != nil {
		return nil, err
	}

	inst, err := rc.Scheduler().Get(rc.Std(), e.def.Prefix, primaryID, batch.Key{PK: pk, SK: sk}, 0, false)
	if err != nil {
		return nil, err
	}
	if !inst.Exists() {
		return inst, nil
	}

	for _, h := range e.hooks.beforeDelete {
		if err := h(primaryID, nil); err != nil {
			return nil, err
		}
	}

	condExpr, condNames, condValues, err := e.compileCondition(condition)
	if err != nil {
		return nil, err
	}

	client := rc.Backend().Client()
	table := rc.Backend().TableName()
	key := map[string]types.AttributeValue{"_pk": &types.AttributeValueMemberS{Value: pk}, "_sk": &types.AttributeValueMemberS{Value: sk}}

	stored := inst.Stored()
	uniques, err := e.participatingUniques(stored)
	if err != nil {
		return nil, err
	}

	if len(uniques) == 0 {
		out, err := client.DeleteItem(rc.Std(), &dynamodb.DeleteItemInput{
			TableName:                 aws.String(table),
			Key:                       key,
			ConditionExpression:       aws.String(condExpr),
			ExpressionAttributeNames:  condNames,
			ExpressionAttributeValues: nonEmptyValues(condValues),
			ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			if isConditionalFailure(err) {
				return nil, &errors.ConditionalError{Operation: "delete", Reason: "condition not met"}
			}
			return nil, err
		}
		inst.AddCapacity(0, consumedUnits(out.ConsumedCapacity), false)
		e.finishDelete(rc, inst, primaryID)
		return inst, nil
	}

	writeItems := make([]types.TransactWriteItem, 0, len(uniques)+1)
	for _, u := range uniques {
		ucPK, ucSK := e.codec.UniqueRecordKey(tenantID, u.uc.Slot, u.uc.Field, u.value)
		writeItems = append(writeItems, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 aws.String(table),
				Key:                       map[string]types.AttributeValue{"_pk": &types.AttributeValueMemberS{Value: ucPK}, "_sk": &types.AttributeValueMemberS{Value: ucSK}},
				ConditionExpression:       aws.String("#owner = :owner"),
				ExpressionAttributeNames:  map[string]string{"#owner": "primaryId"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: primaryID}},
			},
		})
	}
	writeItems = append(writeItems, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 aws.String(table),
			Key:                       key,
			ConditionExpression:       aws.String(condExpr),
			ExpressionAttributeNames:  condNames,
			ExpressionAttributeValues: nonEmptyValues(condValues),
		},
	})

	constraints := make([]string, len(writeItems))
	cc, err := commitTransaction(rc, client, writeItems, constraints, "delete")
	if err != nil {
		return nil, err
	}

	inst.AddCapacity(0, sumConsumedUnits(cc), false)
	e.finishDelete(rc, inst, primaryID)
	return inst, nil
}

func (e *Engine) finishSave(rc *reqctx.Context, inst *instance.Instance) {
	inst.MarkExists(true)
	rc.Cache().Put(e.def.Prefix, inst.PrimaryID(), inst)
	for _, h := range e.hooks.afterSave {
		h(inst)
	}
}

func (e *Engine) finishDelete(rc *reqctx.Context, inst *instance.Instance, primaryID string) {
	inst.MarkExists(false)
	rc.Cache().Invalidate(e.def.Prefix, primaryID)
	for _, h := range e.hooks.afterDelete {
		h(primaryID, nil)
	}
}

func (e *Engine) applyEffective(inst *instance.Instance, effective map[string]any) {
	stored := inst.Stored()
	for k, v := range effective {
		if v == nil {
			delete(stored, k)
			continue
		}
		stored[k] = v
	}
	inst.ReplaceStored(stored)
	inst.ClearChanges()
}

func (e *Engine) applyAutoAssignments(effective map[string]any, now time.Time, isCreate, hasExisting bool) {
	for name, f := range e.def.Fields {
		aa, ok := f.(field.AutoAssigner)
		if !ok {
			continue
		}
		v, refresh := aa.ComputeOnSave(now, isCreate, hasExisting)
		if v == nil {
			continue
		}
		if refresh {
			effective[name] = v
			continue
		}
		if _, set := effective[name]; !set {
			effective[name] = v
		}
	}
}

func (e *Engine) applyDefaults(effective map[string]any) {
	for _, name := range e.def.FieldOrder {
		if _, ok := effective[name]; ok {
			continue
		}
		if dv, ok := e.def.Fields[name].Default(); ok {
			effective[name] = dv
		}
	}
}

func (e *Engine) validateRequired(effective map[string]any) error {
	for _, name := range e.def.FieldOrder {
		if !e.def.Fields[name].Required() {
			continue
		}
		if _, ok := effective[name]; !ok {
			return &errors.FieldValidationError{Field: name, Reason: "required field is missing"}
		}
	}
	// The primary partition and sort fields are implicitly required even
	// when not declared with field.Required(): a create missing either
	// must fail validation here, not later as a key-encoding error.
	for _, name := range []string{e.def.PartitionField, e.def.SortField} {
		if name == "" || name == schema.ModelPrefix {
			continue
		}
		if _, ok := effective[name]; !ok {
			return &errors.FieldValidationError{Field: name, Reason: "required field is missing"}
		}
	}
	return nil
}

func (e *Engine) validateValues(values map[string]any) error {
	for name, v := range values {
		if v == nil {
			continue
		}
		f, ok := e.def.Field(name)
		if !ok {
			continue
		}
		if err := f.Validate(v); err != nil {
			return &errors.FieldValidationError{Field: name, Value: v, Reason: err.Error()}
		}
	}
	return nil
}

// buildItem computes the full physical item (primary key, secondary-index
// keys, iteration keys, tenant id, user fields) for values, per spec.md
// §4.8.1 step 3.
func (e *Engine) buildItem(tenantID string, values map[string]any) (map[string]types.AttributeValue, string, error) {
	pk, sk, err := e.codec.PrimaryKey(tenantID, values)
	if err != nil {
		return nil, "", err
	}
	item := map[string]types.AttributeValue{
		"_pk": &types.AttributeValueMemberS{Value: pk},
		"_sk": &types.AttributeValueMemberS{Value: sk},
	}

	for name, ix := range e.def.Indexes {
		if e.def.IsPrimaryAlias(ix) {
			continue
		}
		ixPK, ixSK, err := e.codec.SecondaryIndexKey(tenantID, ix, values)
		if err != nil {
			return nil, "", fmt.Errorf("index %q: %w", name, err)
		}
		n := gsiNumber(ix.Slot)
		item["_gsi"+n+"_pk"] = &types.AttributeValueMemberS{Value: ixPK}
		item["_gsi"+n+"_sk"] = &types.AttributeValueMemberS{Value: ixSK}
	}

	primaryID, err := e.codec.PublicID(values)
	if err != nil {
		return nil, "", err
	}

	if e.def.Iteration.Iterable {
		iterPK, iterSK := e.codec.IterationKey(tenantID, primaryID)
		item["_iter_pk"] = &types.AttributeValueMemberS{Value: iterPK}
		item["_iter_sk"] = &types.AttributeValueMemberS{Value: iterSK}
	}

	if e.codec.TenancyEnabled() {
		item["_tenant_id"] = &types.AttributeValueMemberS{Value: tenantID}
	}

	for _, name := range e.def.FieldOrder {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		av, err := e.def.Fields[name].EncodeForStorage(v)
		if err != nil {
			return nil, "", &errors.FieldValidationError{Field: name, Value: v, Reason: err.Error()}
		}
		if av == nil {
			continue
		}
		item[name] = av
	}

	return item, primaryID, nil
}

func (e *Engine) touchedIndexes(effective map[string]any, forceReindex bool) map[string]schema.IndexDefinition {
	touched := map[string]schema.IndexDefinition{}
	if forceReindex {
		for name, ix := range e.def.Indexes {
			if e.def.IsPrimaryAlias(ix) {
				continue
			}
			touched[name] = ix
		}
		return touched
	}
	for name := range effective {
		for _, ix := range e.def.IndexesTouchedBy(name) {
			if e.def.IsPrimaryAlias(ix) {
				continue
			}
			touched[ix.Name] = ix
		}
	}
	return touched
}

type uniqueParticipant struct {
	uc    schema.UniqueConstraint
	value string
}

func (e *Engine) participatingUniques(values map[string]any) ([]uniqueParticipant, error) {
	var out []uniqueParticipant
	for _, uc := range e.def.UniqueConstraints {
		v, ok := values[uc.Field]
		if !ok || v == nil {
			continue
		}
		f, _ := e.def.Field(uc.Field)
		encoded, err := f.EncodeForIndexKey(v)
		if err != nil {
			return nil, err
		}
		out = append(out, uniqueParticipant{uc: uc, value: encoded})
	}
	return out, nil
}

type uniqueTransition struct {
	uc                 schema.UniqueConstraint
	oldValue, newValue string
	hadOld, hasNew      bool
}

func (e *Engine) uniqueTransitions(old, effective map[string]any) []uniqueTransition {
	var out []uniqueTransition
	for _, uc := range e.def.UniqueConstraints {
		if _, changing := effective[uc.Field]; !changing {
			continue
		}
		f, _ := e.def.Field(uc.Field)

		var t uniqueTransition
		t.uc = uc
		if ov, ok := old[uc.Field]; ok && ov != nil {
			if enc, err := f.EncodeForIndexKey(ov); err == nil {
				t.oldValue, t.hadOld = enc, true
			}
		}
		if nv := effective[uc.Field]; nv != nil {
			if enc, err := f.EncodeForIndexKey(nv); err == nil {
				t.newValue, t.hasNew = enc, true
			}
		}
		if t.hadOld && t.hasNew && t.oldValue == t.newValue {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Engine) uniquePutItem(table, tenantID string, u uniqueParticipant, primaryID string) types.TransactWriteItem {
	ucPK, ucSK := e.codec.UniqueRecordKey(tenantID, u.uc.Slot, u.uc.Field, u.value)
	ucItem := map[string]types.AttributeValue{
		"_pk":       &types.AttributeValueMemberS{Value: ucPK},
		"_sk":       &types.AttributeValueMemberS{Value: ucSK},
		"entity":    &types.AttributeValueMemberS{Value: e.def.Prefix},
		"primaryId": &types.AttributeValueMemberS{Value: primaryID},
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                 aws.String(table),
			Item:                      ucItem,
			ConditionExpression:       aws.String("attribute_not_exists(#pk) OR #owner = :owner"),
			ExpressionAttributeNames:  map[string]string{"#pk": "_pk", "#owner": "primaryId"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: primaryID}},
		},
	}
}

func (e *Engine) compileCondition(condition *expr.FilterNode) (expression string, names map[string]string, values map[string]types.AttributeValue, err error) {
	names = map[string]string{"#pk": "_pk"}
	values = map[string]types.AttributeValue{}
	expression = "attribute_exists(#pk)"
	if condition == nil {
		return expression, names, values, nil
	}
	res, err := expr.CompileFilter(e.def, *condition)
	if err != nil {
		return "", nil, nil, err
	}
	expression += " AND (" + res.Expression + ")"
	for k, v := range res.Names {
		names[k] = v
	}
	for k, v := range res.Values {
		values[k] = v
	}
	return expression, names, values, nil
}

// updateBuilder accumulates SET/ADD/REMOVE clauses with monotonic
// placeholders distinct from the #n/:v placeholders internal/expr emits for
// the accompanying condition expression (so the two can share one
// ExpressionAttributeNames/Values map without collision).
type updateBuilder struct {
	names   map[string]string
	values  map[string]types.AttributeValue
	sets    []string
	adds    []string
	removes []string
	n       int
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (b *updateBuilder) name(attr string) string {
	b.n++
	p := fmt.Sprintf("#f%d", b.n)
	b.names[p] = attr
	return p
}

func (b *updateBuilder) value(av types.AttributeValue) string {
	b.n++
	p := fmt.Sprintf(":f%d", b.n)
	b.values[p] = av
	return p
}

func (b *updateBuilder) apply(attr string, frag *field.UpdateFragment) {
	np := b.name(attr)
	switch frag.Kind {
	case field.UpdateAdd:
		b.adds = append(b.adds, fmt.Sprintf("%s %s", np, b.value(frag.Value)))
	case field.UpdateRemove:
		b.removes = append(b.removes, np)
	default:
		b.sets = append(b.sets, fmt.Sprintf("%s = %s", np, b.value(frag.Value)))
	}
}

func (b *updateBuilder) setRaw(attr string, av types.AttributeValue) {
	np := b.name(attr)
	b.sets = append(b.sets, fmt.Sprintf("%s = %s", np, b.value(av)))
}

func (b *updateBuilder) expression() string {
	var parts []string
	if len(b.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(b.sets, ", "))
	}
	if len(b.adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(b.adds, ", "))
	}
	if len(b.removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(b.removes, ", "))
	}
	return strings.Join(parts, " ")
}

func fragmentFor(f field.Descriptor, value any) (*field.UpdateFragment, error) {
	if value == nil {
		return &field.UpdateFragment{Kind: field.UpdateRemove}, nil
	}
	return f.UpdateExpressionFragment(value)
}

func gsiNumber(slot schema.IndexSlot) string {
	return strings.TrimPrefix(string(slot), "ix")
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

func nonEmptyValues(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(m) == 0 {
		return nil
	}
	return m
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func isConditionalFailure(err error) bool {
	var cf *types.ConditionalCheckFailedException
	return stderrors.As(err, &cf)
}

// commitTransaction issues writeItems and, on TransactionCanceled, maps
// each canceled participant back to the uniqueness constraint it guards
// (constraints[i] == "" for the main-item participant), per spec.md §4.8.1
// step 6 / §4.8.2 step 7. On success it returns the transaction's
// per-table consumed capacity.
func commitTransaction(rc *reqctx.Context, client wireclient.Client, writeItems []types.TransactWriteItem, constraints []string, op string) ([]types.ConsumedCapacity, error) {
	out, err := client.TransactWriteItems(rc.Std(), &dynamodb.TransactWriteItemsInput{
		TransactItems:          writeItems,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err == nil {
		return out.ConsumedCapacity, nil
	}
	var canceled *types.TransactionCanceledException
	if stderrors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			code := aws.ToString(reason.Code)
			if code == "" || code == "None" {
				continue
			}
			if i < len(constraints) && constraints[i] != "" {
				return nil, &errors.ConditionalError{Operation: op, Constraint: constraints[i]}
			}
		}
		return nil, &errors.ConditionalError{Operation: op, Reason: "condition not met"}
	}
	return nil, err
}

// consumedUnits extracts a single operation's reported capacity units,
// defaulting to 0 when the backend didn't report any.
func consumedUnits(cc *types.ConsumedCapacity) float64 {
	if cc == nil || cc.CapacityUnits == nil {
		return 0
	}
	return *cc.CapacityUnits
}

// sumConsumedUnits totals the per-table capacity entries a transactional
// call reports.
func sumConsumedUnits(ccs []types.ConsumedCapacity) float64 {
	var total float64
	for _, cc := range ccs {
		if cc.CapacityUnits != nil {
			total += *cc.CapacityUnits
		}
	}
	return total
}
