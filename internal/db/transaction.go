package db

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultObjectCacheSize bounds the per-transaction object cache.
const DefaultObjectCacheSize = 256

type txKey struct{}

type objectKey struct {
	scheme *Scheme
	oid    int64
}

type autoFieldKey struct {
	scheme *Scheme
	field  *Field
}

// errRolledBack is returned by Perform when the backend transaction was
// cancelled by a nested call.
var errRolledBack = &StorageError{Kind: BackendFailure, Message: "transaction rolled back"}

// Transaction is the per-request context: the acting role, scratch storage,
// a bounded object cache and the auto-field work scheduled until commit. It
// is shared by reference through context.Context and is not safe for use
// by more than one goroutine.
type Transaction struct {
	adapter *Adapter
	refs    int
	role    AccessRoleID
	user    int64

	objects  *lru.Cache[objectKey, Dict]
	values   map[string]Value
	files    map[int64]*InputFile
	nextFile int64
	auto     map[autoFieldKey]map[int64]struct{}
}

// Acquire returns the transaction for a bound to ctx, creating one when none
// is live. Each Acquire must be paired with Release.
func Acquire(ctx context.Context, a *Adapter) (context.Context, *Transaction) {
	if t := TransactionFrom(ctx); t != nil && t.adapter == a {
		t.refs++
		return ctx, t
	}
	cache, _ := lru.New[objectKey, Dict](a.cacheSize)
	t := &Transaction{
		adapter: a,
		refs:    1,
		objects: cache,
	}
	return context.WithValue(ctx, txKey{}, t), t
}

// TransactionFrom returns the live transaction bound to ctx, or nil.
func TransactionFrom(ctx context.Context) *Transaction {
	t, _ := ctx.Value(txKey{}).(*Transaction)
	if t == nil || t.refs == 0 {
		return nil
	}
	return t
}

// Release drops one reference. The last release discards cached state.
func (t *Transaction) Release() {
	if t.refs == 0 {
		return
	}
	t.refs--
	if t.refs == 0 {
		t.objects.Purge()
		t.values = nil
		t.files = nil
		t.auto = nil
	}
}

func (t *Transaction) Adapter() *Adapter {
	return t.adapter
}

func (t *Transaction) Role() AccessRoleID {
	return t.role
}

func (t *Transaction) SetRole(r AccessRoleID) {
	t.role = r
}

// UserID is the acting user, stamped into AutoUser fields.
func (t *Transaction) UserID() int64 {
	return t.user
}

func (t *Transaction) SetUser(id int64) {
	t.user = id
}

// SetValue stores request-scoped scratch data.
func (t *Transaction) SetValue(key string, v Value) {
	if t.values == nil {
		t.values = make(map[string]Value)
	}
	t.values[key] = v
}

func (t *Transaction) Value(key string) Value {
	return t.values[key]
}

// StageFile registers an uploaded file and returns the negative id by which
// a patch can reference it.
func (t *Transaction) StageFile(f *InputFile) int64 {
	if t.files == nil {
		t.files = make(map[int64]*InputFile)
	}
	t.nextFile--
	t.files[t.nextFile] = f
	return t.nextFile
}

func (t *Transaction) stagedFile(id int64) *InputFile {
	return t.files[id]
}

// SetObject caches an object for the rest of the transaction.
func (t *Transaction) SetObject(s *Scheme, oid int64, obj Dict) {
	t.objects.Add(objectKey{s, oid}, obj)
}

// Object returns a cached object, or nil.
func (t *Transaction) Object(s *Scheme, oid int64) Dict {
	obj, _ := t.objects.Get(objectKey{s, oid})
	return obj
}

func (t *Transaction) IsInTransaction() bool {
	return t.adapter.iface.IsInTransaction()
}

func (t *Transaction) Status() TransactionStatus {
	return t.adapter.iface.TransactionStatus()
}

// Cancel marks the backend transaction for rollback.
func (t *Transaction) Cancel() {
	t.adapter.iface.CancelTransaction()
}

// Perform runs fn inside a backend transaction. Nested calls join the
// outer transaction; only the outermost call begins and ends it. An error
// from fn cancels the whole transaction.
func (t *Transaction) Perform(ctx context.Context, fn func(ctx context.Context) error) error {
	iface := t.adapter.iface
	if iface.IsInTransaction() {
		if err := fn(ctx); err != nil {
			iface.CancelTransaction()
			return err
		}
		return nil
	}

	if err := iface.BeginTransaction(ctx); err != nil {
		return backendError(nil, "failed to begin transaction", err)
	}
	if err := fn(ctx); err != nil {
		iface.CancelTransaction()
		t.end(ctx)
		return err
	}
	return t.end(ctx)
}

// PerformAsSystem runs fn through Perform with the System role.
func (t *Transaction) PerformAsSystem(ctx context.Context, fn func(ctx context.Context) error) error {
	prev := t.role
	t.role = RoleSystem
	defer func() { t.role = prev }()
	return t.Perform(ctx, fn)
}

func (t *Transaction) end(ctx context.Context) error {
	iface := t.adapter.iface
	status := iface.TransactionStatus()
	err := iface.EndTransaction(ctx)
	if iface.IsInTransaction() {
		return backendError(nil, "failed to end transaction", err)
	}

	t.objects.Purge()
	scheduled := t.auto
	t.auto = nil

	if err != nil {
		return backendError(nil, "failed to end transaction", err)
	}
	if status == TransactionRollback {
		return errRolledBack
	}
	if len(scheduled) > 0 {
		t.adapter.runAutoFields(ctx, scheduled)
	}
	return nil
}

// scheduleAutoField queues recomputation of f for object id of s after the
// outermost transaction commits.
func (t *Transaction) scheduleAutoField(s *Scheme, f *Field, id int64) {
	if id == 0 {
		return
	}
	if t.auto == nil {
		t.auto = make(map[autoFieldKey]map[int64]struct{})
	}
	key := autoFieldKey{s, f}
	ids := t.auto[key]
	if ids == nil {
		ids = make(map[int64]struct{})
		t.auto[key] = ids
	}
	ids[id] = struct{}{}
}

func (t *Transaction) isOpAllowed(s *Scheme, op Op) bool {
	if op == OpNone {
		return false
	}
	if !s.hasAccessControl {
		return true
	}
	if r := s.roles[t.role]; r != nil {
		return r.Allows(op)
	}
	return defaultOpAllowed(t.role, op)
}

// rolesFor returns the Default role and the acting role, in that order.
func (t *Transaction) rolesFor(s *Scheme) []*AccessRole {
	var out []*AccessRole
	def := s.roles[RoleDefault]
	if def != nil {
		out = append(out, def)
	}
	if t.role != RoleDefault {
		if r := s.roles[t.role]; r != nil && r != def {
			out = append(out, r)
		}
	}
	return out
}

// hold switches to the System role while w acts as system.
func (t *Transaction) hold(w *Worker) func() {
	if !w.isSystem {
		return func() {}
	}
	prev := t.role
	t.role = RoleSystem
	return func() { t.role = prev }
}

func (t *Transaction) observe(s *Scheme, op Op, start time.Time, err error) {
	t.adapter.metrics.observe(schemeName(s), op, start, err)
	if IsKind(err, AccessDenied) {
		t.adapter.metrics.deny(schemeName(s), op)
	}
}

func (t *Transaction) deny(s *Scheme, op Op) error {
	t.adapter.log.Debug("operation denied",
		zap.String("scheme", schemeName(s)),
		zap.Stringer("op", op),
		zap.Stringer("role", t.role))
	return accessDenied(s, op)
}

func (t *Transaction) Select(ctx context.Context, w *Worker, q *Query) (ret []Dict, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpSelect, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpSelect) {
		return nil, t.deny(s, OpSelect)
	}
	for _, r := range t.rolesFor(s) {
		if r.OnSelect != nil && !r.OnSelect(ctx, w, q) {
			return nil, t.deny(s, OpSelect)
		}
	}

	objs, err := t.adapter.iface.Select(ctx, w, q)
	if err != nil {
		return nil, backendError(s, "select failed", err)
	}
	ret = objs[:0]
	for _, obj := range objs {
		if t.processReturnObject(s, obj) {
			ret = append(ret, obj)
		}
	}
	return ret, nil
}

func (t *Transaction) Count(ctx context.Context, w *Worker, q *Query) (n int64, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpCount, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpCount) {
		return 0, t.deny(s, OpCount)
	}
	for _, r := range t.rolesFor(s) {
		if r.OnCount != nil && !r.OnCount(ctx, w, q) {
			return 0, t.deny(s, OpCount)
		}
	}
	n, err = t.adapter.iface.Count(ctx, w, q)
	return n, backendError(s, "count failed", err)
}

func (t *Transaction) Remove(ctx context.Context, w *Worker, oid int64) (ok bool, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpRemove, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpRemove) {
		return false, t.deny(s, OpRemove)
	}

	var hooks []RemoveHook
	for _, r := range t.rolesFor(s) {
		if r.OnRemove != nil {
			hooks = append(hooks, r.OnRemove)
		}
	}
	if len(hooks) > 0 {
		obj, err := t.acquireObject(ctx, s, oid)
		if err != nil || obj == nil {
			return false, err
		}
		for _, h := range hooks {
			if !h(ctx, w, obj) {
				return false, t.deny(s, OpRemove)
			}
		}
	}

	ok, err = t.adapter.iface.Remove(ctx, w, oid)
	t.objects.Remove(objectKey{s, oid})
	return ok, backendError(s, "remove failed", err)
}

// Create stores objs and returns results aligned with them. Objects vetoed
// by a create hook are nil in the result; vetoing every object is an error.
func (t *Transaction) Create(ctx context.Context, w *Worker, objs []Dict) (ret []Dict, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpCreate, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpCreate) {
		return nil, t.deny(s, OpCreate)
	}

	roles := t.rolesFor(s)
	allowed := make([]Dict, 0, len(objs))
	index := make([]int, 0, len(objs))
	for i, obj := range objs {
		ok := true
		for _, r := range roles {
			if r.OnCreate != nil && !r.OnCreate(ctx, w, obj) {
				ok = false
				break
			}
		}
		if ok {
			allowed = append(allowed, obj)
			index = append(index, i)
		}
	}
	if len(allowed) == 0 {
		return nil, t.deny(s, OpCreate)
	}

	created, err := t.adapter.iface.Create(ctx, w, allowed)
	if err != nil {
		return nil, backendError(s, "create failed", err)
	}
	ret = make([]Dict, len(objs))
	for i, obj := range created {
		if i < len(index) {
			ret[index[i]] = obj
		}
	}
	return ret, nil
}

func (t *Transaction) Save(ctx context.Context, w *Worker, oid int64, obj Dict, fields []string) (ret Dict, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpSave, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpSave) {
		return nil, t.deny(s, OpSave)
	}

	var hooks []SaveHook
	for _, r := range t.rolesFor(s) {
		if r.OnSave != nil {
			hooks = append(hooks, r.OnSave)
		}
	}
	if len(hooks) > 0 {
		current, err := t.acquireObject(ctx, s, oid)
		if err != nil {
			return nil, err
		}
		for _, h := range hooks {
			if !h(ctx, w, current, obj, &fields) {
				return nil, t.deny(s, OpSave)
			}
		}
	}

	ret, err = t.adapter.iface.Save(ctx, w, oid, obj, fields)
	if err != nil {
		return nil, backendError(s, "save failed", err)
	}
	if ret != nil {
		t.objects.Add(objectKey{s, oid}, obj)
	}
	return ret, nil
}

func (t *Transaction) Patch(ctx context.Context, w *Worker, oid int64, patch Dict) (ret Dict, err error) {
	s := w.scheme
	start := time.Now()
	defer func() { t.observe(s, OpPatch, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, OpPatch) {
		return nil, t.deny(s, OpPatch)
	}
	for _, r := range t.rolesFor(s) {
		if r.OnPatch != nil && !r.OnPatch(ctx, w, oid, patch) {
			return nil, t.deny(s, OpPatch)
		}
	}

	ret, err = t.adapter.iface.Patch(ctx, w, oid, patch)
	t.objects.Remove(objectKey{s, oid})
	return ret, backendError(s, "patch failed", err)
}

// Field performs a single-field action. obj is an oid or an object Dict.
func (t *Transaction) Field(ctx context.Context, a Action, w *Worker, obj Value, f *Field, v Value) (ret Value, err error) {
	s := w.scheme
	op := a.op()
	start := time.Now()
	defer func() { t.observe(s, op, start, err) }()
	defer t.hold(w)()
	if !t.isOpAllowed(s, op) {
		return nil, t.deny(s, op)
	}

	roles := t.rolesFor(s)
	hasHooks := false
	for _, r := range roles {
		if r.OnField != nil {
			hasHooks = true
		}
	}

	d, _ := obj.(Dict)
	if d == nil && (hasHooks || f.readFilter != nil) {
		if d, err = t.acquireObject(ctx, s, ObjectID(obj)); err != nil {
			return nil, err
		}
		if d == nil {
			return nil, nil
		}
	}
	for _, r := range roles {
		if r.OnField != nil && !r.OnField(ctx, a, w, d, f, &v) {
			return nil, t.deny(s, op)
		}
	}

	target := obj
	if d != nil {
		target = d
	}
	ret, err = t.adapter.iface.Field(ctx, a, w, target, f, v)
	if err != nil {
		return nil, backendError(s, "field operation failed", err)
	}
	if a != ActionGet && a != ActionCount {
		t.objects.Remove(objectKey{s, ObjectID(target)})
	}
	if a != ActionRemove && ret != nil {
		if !t.processReturnField(ctx, s, d, f, &ret) {
			return nil, nil
		}
	}
	return ret, nil
}

// addToView adds target's membership row for view, an index of objects of s.
func (t *Transaction) addToView(ctx context.Context, s *Scheme, view *Field, target int64, data Dict) error {
	if !t.isOpAllowed(s, OpAddToView) {
		return t.deny(s, OpAddToView)
	}
	return backendError(s, "add to view failed", t.adapter.iface.AddToView(ctx, view, target, data))
}

func (t *Transaction) removeFromView(ctx context.Context, s *Scheme, view *Field, source int64, targets []int64) error {
	if !t.isOpAllowed(s, OpRemoveFromView) {
		return t.deny(s, OpRemoveFromView)
	}
	return backendError(s, "remove from view failed", t.adapter.iface.RemoveFromView(ctx, view, source, targets))
}

// ReferenceParents returns the oids of parent objects whose pointer field
// holds oid.
func (t *Transaction) ReferenceParents(ctx context.Context, s *Scheme, oid int64, parent *Scheme, pointer *Field) ([]int64, error) {
	ids, err := t.adapter.iface.ReferenceParents(ctx, s, oid, parent, pointer)
	return ids, backendError(s, "reference lookup failed", err)
}

// DeltaValue returns the latest change time of a delta-tracked scheme.
func (t *Transaction) DeltaValue(ctx context.Context, s *Scheme) (int64, error) {
	if !t.isOpAllowed(s, OpDelta) {
		return 0, t.deny(s, OpDelta)
	}
	v, err := t.adapter.iface.DeltaValue(ctx, s)
	return v, backendError(s, "delta failed", err)
}

// ViewDeltaValue returns the latest change time of view for object tag.
func (t *Transaction) ViewDeltaValue(ctx context.Context, s *Scheme, view *Field, tag int64) (int64, error) {
	if !t.isOpAllowed(s, OpDeltaView) {
		return 0, t.deny(s, OpDeltaView)
	}
	v, err := t.adapter.iface.ViewDeltaValue(ctx, view, tag)
	return v, backendError(s, "view delta failed", err)
}

func (t *Transaction) checkQueryList(ql *QueryList) error {
	items := ql.Items()
	for _, it := range items {
		if !t.isOpAllowed(it.Scheme, OpID) {
			return t.deny(it.Scheme, OpID)
		}
	}
	last := items[len(items)-1].Scheme
	if !t.isOpAllowed(last, OpSelect) {
		return t.deny(last, OpSelect)
	}
	return nil
}

// PerformQueryListForIds resolves a query chain into oids.
func (t *Transaction) PerformQueryListForIds(ctx context.Context, ql *QueryList, count int) ([]int64, error) {
	if err := t.checkQueryList(ql); err != nil {
		return nil, err
	}
	ids, err := t.adapter.iface.PerformQueryListForIds(ctx, ql, count)
	return ids, backendError(ql.Scheme(), "query list failed", err)
}

// PerformQueryList resolves a query chain into objects of its last scheme.
func (t *Transaction) PerformQueryList(ctx context.Context, ql *QueryList, count int, forUpdate bool) ([]Dict, error) {
	if err := t.checkQueryList(ql); err != nil {
		return nil, err
	}
	s := ql.Scheme()
	objs, err := t.adapter.iface.PerformQueryList(ctx, ql, count, forUpdate)
	if err != nil {
		return nil, backendError(s, "query list failed", err)
	}
	ret := objs[:0]
	for _, obj := range objs {
		if t.processReturnObject(s, obj) {
			ret = append(ret, obj)
		}
	}
	return ret, nil
}

// acquireObject loads an object as System, caching it for the rest of the
// transaction.
func (t *Transaction) acquireObject(ctx context.Context, s *Scheme, oid int64) (Dict, error) {
	if obj, ok := t.objects.Get(objectKey{s, oid}); ok {
		return obj, nil
	}
	obj, err := NewWorker(s, t).AsSystem().Get(ctx, oid, 0)
	if err != nil || obj == nil {
		return nil, err
	}
	t.objects.Add(objectKey{s, oid}, obj)
	return obj, nil
}

// processReturnObject runs return hooks and read filters over obj and strips
// fields hidden from the acting role. False hides the whole object.
func (t *Transaction) processReturnObject(s *Scheme, obj Dict) bool {
	if obj == nil {
		return false
	}
	if t.role == RoleSystem {
		return true
	}
	for _, r := range t.rolesFor(s) {
		if r.OnReturn != nil && !r.OnReturn(s, obj) {
			return false
		}
	}
	t.filterFields(s, s.fields, obj)
	return true
}

func (t *Transaction) filterFields(s *Scheme, fields map[string]*Field, obj Dict) {
	for _, key := range sortedKeys(obj) {
		f := fields[key]
		if f == nil {
			continue
		}
		if f.isHiddenFor(t.role) {
			delete(obj, key)
			continue
		}
		v := obj[key]
		if f.readFilter != nil {
			if !f.readFilter(s, obj, &v) {
				delete(obj, key)
				continue
			}
			obj[key] = v
		}
		switch f.typ {
		case TypeExtra:
			if d, ok := v.(Dict); ok {
				t.filterFields(s, f.fields, d)
			}
		case TypeObject:
			if d, ok := v.(Dict); ok && f.foreign != nil {
				if !t.processReturnObject(f.foreign, d) {
					delete(obj, key)
				}
			}
		case TypeSet, TypeView:
			if arr, ok := v.([]any); ok && f.foreign != nil {
				obj[key] = t.filterArray(f.foreign, arr)
			}
		}
	}
}

func (t *Transaction) filterArray(s *Scheme, arr []any) []any {
	out := arr[:0]
	for _, it := range arr {
		if d, ok := it.(Dict); ok {
			if t.processReturnObject(s, d) {
				out = append(out, d)
			}
			continue
		}
		out = append(out, it)
	}
	return out
}

// processReturnField filters a single returned field value. obj may be nil,
// in which case it is loaded when a read filter needs it.
func (t *Transaction) processReturnField(ctx context.Context, s *Scheme, obj Dict, f *Field, v *Value) bool {
	if t.role == RoleSystem {
		return true
	}
	if f.isHiddenFor(t.role) {
		return false
	}
	if f.readFilter != nil {
		if obj == nil {
			return false
		}
		if !f.readFilter(s, obj, v) {
			return false
		}
	}
	for _, r := range t.rolesFor(s) {
		if r.OnReturnField != nil && !r.OnReturnField(s, f, v) {
			return false
		}
	}
	switch f.typ {
	case TypeObject:
		if d, ok := (*v).(Dict); ok && f.foreign != nil {
			return t.processReturnObject(f.foreign, d)
		}
	case TypeSet, TypeView:
		if arr, ok := (*v).([]any); ok && f.foreign != nil {
			*v = t.filterArray(f.foreign, arr)
		}
	}
	return true
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
