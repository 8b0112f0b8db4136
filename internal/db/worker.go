package db

import (
	"context"
	"sort"
	"strconv"
)

// UpdateFlags tune a single Worker operation.
type UpdateFlags uint32

const (
	UpdateNone UpdateFlags = 0
	// UpdateProtected allows writes to ReadOnly fields and stored file ids.
	UpdateProtected UpdateFlags = 1 << 0
	// UpdateNoReturn skips reading back the written object.
	UpdateNoReturn UpdateFlags = 1 << 1
	// GetAll includes ForceExclude fields in a read.
	GetAll UpdateFlags = 1 << 2
	// GetForUpdate locks the selected rows until the transaction ends.
	GetForUpdate UpdateFlags = 1 << 3
	// GetCached serves reads from the transaction object cache.
	GetCached UpdateFlags = 1 << 4
)

// ConflictFlags select how a unique-key conflict on create is resolved.
type ConflictFlags uint32

const (
	ConflictNone ConflictFlags = 0
	// ConflictDoNothing keeps the existing row.
	ConflictDoNothing ConflictFlags = 1 << 0
	// ConflictWithoutCondition applies the update unconditionally.
	ConflictWithoutCondition ConflictFlags = 1 << 1
)

// Conflict describes ON CONFLICT handling for a Unique field.
type Conflict struct {
	Field     string
	Condition *Select
	Mask      []string
	Flags     ConflictFlags
}

// ConflictUpdate overwrites the existing row when field collides.
func ConflictUpdate(field string) Conflict {
	return Conflict{Field: field}
}

// ConflictIgnore keeps the existing row when field collides.
func ConflictIgnore(field string) Conflict {
	return Conflict{Field: field, Flags: ConflictDoNothing}
}

// ConflictData is a Conflict resolved against the worker's scheme.
type ConflictData struct {
	Field     *Field
	Condition *Select
	Mask      []*Field
	Flags     ConflictFlags
}

func (c ConflictData) IsDoNothing() bool {
	return c.Flags&ConflictDoNothing != 0
}

func (c ConflictData) HasCondition() bool {
	return c.Flags&ConflictWithoutCondition == 0
}

// Condition is a Select resolved to its field, applied to updates.
type Condition struct {
	Select
	Field *Field
}

// RequiredFields is the set of fields a worker operation reads back.
type RequiredFields struct {
	Scheme      *Scheme
	Include     []*Field
	Exclude     []*Field
	IncludeNone bool
	IncludeAll  bool
}

func (r *RequiredFields) clear() {
	r.Include = nil
	r.Exclude = nil
	r.IncludeNone = false
}

func (r *RequiredFields) reset(s *Scheme) {
	r.clear()
	r.Scheme = s
}

func insertField(vec []*Field, f *Field) []*Field {
	i := sort.Search(len(vec), func(i int) bool { return vec[i].name >= f.name })
	if i < len(vec) && vec[i] == f {
		return vec
	}
	vec = append(vec, nil)
	copy(vec[i+1:], vec[i:])
	vec[i] = f
	return vec
}

func containsField(vec []*Field, f *Field) bool {
	i := sort.Search(len(vec), func(i int) bool { return vec[i].name >= f.name })
	return i < len(vec) && vec[i] == f
}

func (r *RequiredFields) include(f *Field) {
	if f == nil {
		return
	}
	r.Include = insertField(r.Include, f)
	r.IncludeNone = false
}

func (r *RequiredFields) exclude(f *Field) {
	if f == nil {
		return
	}
	r.Exclude = insertField(r.Exclude, f)
	r.IncludeNone = false
}

// Worker binds a scheme to a transaction and carries per-operation state:
// the fields to read back, conflict handling and update conditions. A
// worker is cheap; create one per logical operation.
type Worker struct {
	scheme     *Scheme
	t          *Transaction
	required   RequiredFields
	conflicts  map[*Field]ConflictData
	conditions []Condition
	isSystem   bool
}

// NewWorker returns a worker operating on s within t.
func NewWorker(s *Scheme, t *Transaction) *Worker {
	return &Worker{
		scheme:   s,
		t:        t,
		required: RequiredFields{Scheme: s},
	}
}

func (w *Worker) Scheme() *Scheme {
	return w.scheme
}

func (w *Worker) Transaction() *Transaction {
	return w.t
}

func (w *Worker) IsSystem() bool {
	return w.isSystem
}

// AsSystem makes the worker act with the System role.
func (w *Worker) AsSystem() *Worker {
	w.isSystem = true
	return w
}

// Include adds named fields of the required scheme to the read set.
func (w *Worker) Include(names ...string) *Worker {
	for _, name := range names {
		w.required.include(w.requiredScheme().Field(name))
	}
	return w
}

func (w *Worker) IncludeFields(fields ...*Field) *Worker {
	for _, f := range fields {
		w.required.include(f)
	}
	return w
}

func (w *Worker) Exclude(names ...string) *Worker {
	for _, name := range names {
		w.required.exclude(w.requiredScheme().Field(name))
	}
	return w
}

// IncludeNone makes write operations skip reading the object back.
func (w *Worker) IncludeNone() *Worker {
	w.required.clear()
	w.required.IncludeNone = true
	return w
}

func (w *Worker) IncludeAll() *Worker {
	w.required.IncludeAll = true
	return w
}

func (w *Worker) ClearRequiredFields() *Worker {
	w.required.clear()
	return w
}

func (w *Worker) RequiredFields() RequiredFields {
	return w.required
}

func (w *Worker) ShouldIncludeNone() bool {
	return w.required.IncludeNone
}

func (w *Worker) ShouldIncludeAll() bool {
	return w.required.IncludeAll
}

func (w *Worker) requiredScheme() *Scheme {
	if w.required.Scheme != nil {
		return w.required.Scheme
	}
	return w.scheme
}

// Conflicts returns registered conflict handlers ordered by field name.
func (w *Worker) Conflicts() []ConflictData {
	out := make([]ConflictData, 0, len(w.conflicts))
	for _, c := range w.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field.name < out[j].Field.name })
	return out
}

func (w *Worker) Conditions() []Condition {
	return w.conditions
}

// OnConflict registers conflict handlers for subsequent creates. The field
// must be Unique; a condition must name an indexed field.
func (w *Worker) OnConflict(conflicts ...Conflict) error {
	for _, c := range conflicts {
		f := w.scheme.Field(c.Field)
		if f == nil || !f.HasFlag(Unique) {
			return validationError(w.scheme, c.Field, "Invalid ON CONFLICT field - no unique constraint")
		}
		d := ConflictData{Field: f, Flags: c.Flags}
		if c.Condition == nil || c.Condition.Field == "" {
			d.Flags |= ConflictWithoutCondition
		} else {
			sel := w.scheme.Field(c.Condition.Field)
			if sel == nil || !sel.IsIndexed() || !sel.IsComparationAllowed(c.Condition.Compare) || len(c.Condition.Search) > 0 {
				return validationError(w.scheme, c.Condition.Field, "Invalid ON CONFLICT condition - not applicable")
			}
			cond := *c.Condition
			d.Condition = &cond
		}
		for _, name := range c.Mask {
			if mf := w.scheme.Field(name); mf != nil {
				d.Mask = append(d.Mask, mf)
			}
		}
		if w.conflicts == nil {
			w.conflicts = make(map[*Field]ConflictData)
		}
		w.conflicts[f] = d
	}
	return nil
}

// AddCondition restricts subsequent updates to objects matching sel.
func (w *Worker) AddCondition(sel ...Select) error {
	for _, it := range sel {
		f := w.scheme.Field(it.Field)
		if f == nil || !f.IsComparationAllowed(it.Compare) || len(it.Search) > 0 {
			return validationError(w.scheme, it.Field, "Invalid update condition - not applicable")
		}
		w.conditions = append(w.conditions, Condition{Select: it, Field: f})
	}
	return nil
}

func isCollectionType(t Type) bool {
	switch t {
	case TypeSet, TypeArray, TypeView, TypeFullTextView:
		return true
	}
	return false
}

// ReadFields reports the columns a backend should return for a write on s.
// The callback receives "*" for every column, OidField, or a field. patch
// holds the written values; written fields are always read back. False
// means nothing should be returned.
func (w *Worker) ReadFields(s *Scheme, patch Dict, cb func(name string, f *Field)) bool {
	if w.required.IncludeNone {
		return false
	}
	if w.required.Scheme != nil && w.required.Scheme != s {
		return false
	}

	if len(w.required.Include) == 0 && len(w.required.Exclude) == 0 {
		if !s.hasForceExclude || w.required.IncludeAll {
			cb("*", nil)
			return true
		}
		cb(OidField, nil)
		for _, name := range s.names {
			f := s.fields[name]
			if isCollectionType(f.typ) || f.HasFlag(ForceExclude) {
				continue
			}
			cb(name, f)
		}
		return true
	}

	cb(OidField, nil)
	for _, name := range s.names {
		f := s.fields[name]
		if isCollectionType(f.typ) {
			continue
		}
		if f.HasFlag(ForceInclude) || s.IsForceInclude(f) {
			cb(name, f)
			continue
		}
		_, inPatch := patch[name]
		if len(w.required.Include) == 0 || containsField(w.required.Include, f) || inPatch {
			if !containsField(w.required.Exclude, f) {
				cb(name, f)
			}
		}
	}
	return true
}

// ReadQueryFields reports the columns a backend should select for q on s,
// with the same callback convention as ReadFields.
func (w *Worker) ReadQueryFields(s *Scheme, q *Query, cb func(name string, f *Field)) {
	if len(q.include) == 0 && len(q.exclude) == 0 {
		if !s.hasForceExclude || w.required.IncludeAll {
			cb("*", nil)
			return
		}
		cb(OidField, nil)
		for _, name := range s.names {
			f := s.fields[name]
			if isCollectionType(f.typ) || f.HasFlag(ForceExclude) {
				continue
			}
			cb(name, f)
		}
		return
	}

	included := make(map[*Field]struct{})
	for _, it := range q.include {
		resolveByName(included, s.fields, it.Name)
	}
	excluded := make(map[string]struct{})
	for _, it := range q.exclude {
		if len(it.Fields) == 0 {
			excluded[it.Name] = struct{}{}
		}
	}

	cb(OidField, nil)
	for _, name := range s.names {
		f := s.fields[name]
		if isCollectionType(f.typ) {
			continue
		}
		if f.HasFlag(ForceInclude) || s.IsForceInclude(f) {
			cb(name, f)
			continue
		}
		_, inc := included[f]
		if len(q.include) == 0 || inc {
			if _, exc := excluded[name]; !exc {
				cb(name, f)
			}
		}
	}
}

// Shape filters a stored object down to what ReadFields selects. Backends
// use it to build the return value of Create, Save and Patch. When nothing
// is to be returned, the oid and force-included fields are kept so views
// and parents can still be maintained.
func (w *Worker) Shape(s *Scheme, obj Dict, patch Dict) Dict {
	if obj == nil {
		return nil
	}
	out := Dict{}
	all := false
	ok := w.ReadFields(s, patch, func(name string, f *Field) {
		if name == "*" {
			all = true
			return
		}
		if v, has := obj[name]; has {
			out[name] = v
		}
	})
	if all {
		for k, v := range obj {
			if f := s.fields[k]; f == nil || !isCollectionType(f.typ) || k == OidField {
				out[k] = v
			}
		}
		return out
	}
	if !ok {
		out[OidField] = obj[OidField]
		for f := range s.forceInclude {
			if v, has := obj[f.name]; has {
				out[f.name] = v
			}
		}
	}
	return out
}

// result shapes a returned object for the caller.
func (w *Worker) result(obj Dict) Dict {
	if obj == nil || w.required.IncludeNone {
		return nil
	}
	defer w.t.hold(w)()
	if !w.t.processReturnObject(w.scheme, obj) {
		return nil
	}
	return obj
}

func (w *Worker) applyFlags(flags UpdateFlags) {
	if flags&GetAll != 0 {
		w.required.IncludeAll = true
	}
	if flags&UpdateNoReturn != 0 {
		w.IncludeNone()
	}
}

// oidFor extracts an oid from an integer, a numeric string or an object.
func oidFor(id Value) (int64, bool) {
	switch v := id.(type) {
	case Dict:
		oid := GetInt(v, OidField)
		return oid, oid != 0
	case string:
		if validateNumber(v) {
			if oid, err := strconv.ParseInt(v, 10, 64); err == nil && oid != 0 {
				return oid, true
			}
		}
		return 0, false
	}
	if oid, ok := AsInt64(id); ok && oid != 0 {
		return oid, true
	}
	return 0, false
}

// Get loads a single object by oid, numeric string, alias or object value.
// A missing object is (nil, nil).
func (w *Worker) Get(ctx context.Context, id Value, flags UpdateFlags, fields ...string) (Dict, error) {
	q := NewQuery()
	if oid, ok := oidFor(id); ok {
		if flags&GetCached != 0 && len(fields) == 0 {
			if obj := w.t.Object(w.scheme, oid); obj != nil {
				return Clone(obj).(Dict), nil
			}
		}
		q.SelectID(oid)
	} else if alias, ok := id.(string); ok && alias != "" {
		if !w.scheme.HasAliases() {
			return nil, nil
		}
		q.SelectAlias(alias)
	} else {
		return nil, nil
	}
	if flags&GetAll != 0 {
		w.required.IncludeAll = true
	}
	if flags&GetForUpdate != 0 {
		q.ForUpdate()
	}
	if len(fields) > 0 {
		q.IncludeNames(fields...)
	}

	objs, err := w.scheme.selectWithWorker(ctx, w, q)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	obj := objs[0]
	if flags&GetCached != 0 && len(fields) == 0 {
		w.t.SetObject(w.scheme, GetInt(obj, OidField), Clone(obj).(Dict))
	}
	return obj, nil
}

// Select runs q against the worker's scheme.
func (w *Worker) Select(ctx context.Context, q *Query, flags UpdateFlags) ([]Dict, error) {
	if flags&GetAll != 0 {
		w.required.IncludeAll = true
	}
	if flags&GetForUpdate != 0 {
		q = q.Clone().ForUpdate()
	}
	return w.scheme.selectWithWorker(ctx, w, q)
}

// Count returns the number of objects matching q.
func (w *Worker) Count(ctx context.Context, q *Query) (int64, error) {
	return w.scheme.countWithWorker(ctx, w, q)
}

// Create stores a new object and returns it as read back from storage.
func (w *Worker) Create(ctx context.Context, obj Dict, flags UpdateFlags, conflicts ...Conflict) (Dict, error) {
	w.applyFlags(flags)
	if err := w.OnConflict(conflicts...); err != nil {
		return nil, err
	}
	ret, err := w.scheme.createWithWorker(ctx, w, []Dict{obj}, flags&UpdateProtected != 0, true)
	if err != nil || len(ret) == 0 {
		return nil, err
	}
	return w.result(ret[0]), nil
}

// CreateMany stores a batch. The result is aligned with objs; entries
// that failed validation are nil.
func (w *Worker) CreateMany(ctx context.Context, objs []Dict, flags UpdateFlags, conflicts ...Conflict) ([]Dict, error) {
	w.applyFlags(flags)
	if err := w.OnConflict(conflicts...); err != nil {
		return nil, err
	}
	ret, err := w.scheme.createWithWorker(ctx, w, objs, flags&UpdateProtected != 0, false)
	if err != nil {
		return nil, err
	}
	for i, obj := range ret {
		ret[i] = w.result(obj)
	}
	return ret, nil
}

// Update applies patch to obj, an oid or an object Dict. With conditions,
// the object is only updated when it matches them.
func (w *Worker) Update(ctx context.Context, obj Value, patch Dict, flags UpdateFlags, conditions ...Select) (Dict, error) {
	w.applyFlags(flags)
	if err := w.AddCondition(conditions...); err != nil {
		return nil, err
	}
	ret, err := w.scheme.updateWithWorker(ctx, w, obj, patch, flags&UpdateProtected != 0)
	if err != nil {
		return nil, err
	}
	return w.result(ret), nil
}

// Remove deletes obj, an oid or an object Dict.
func (w *Worker) Remove(ctx context.Context, obj Value) (bool, error) {
	return w.scheme.removeWithWorker(ctx, w, obj)
}

// Touch refreshes AutoMTime fields of obj.
func (w *Worker) Touch(ctx context.Context, obj Value) error {
	w.IncludeNone()
	return w.scheme.touchWithWorker(ctx, w, obj)
}

// GetField reads a single field. fields selects the sub-fields returned
// for foreign objects.
func (w *Worker) GetField(ctx context.Context, obj Value, name string, fields ...string) (Value, error) {
	f := w.scheme.Field(name)
	if f == nil {
		return nil, nil
	}
	if d, ok := obj.(Dict); ok && f.IsSimpleLayout() {
		if v, has := d[name]; has {
			return v, nil
		}
	}
	if s := f.foreign; s != nil {
		w.required.reset(s)
		w.Include(fields...)
	} else if f.IsFile() {
		w.required.reset(f.files)
		w.Include(fields...)
	} else {
		w.required.clear()
	}
	return w.scheme.fieldWithWorker(ctx, ActionGet, w, obj, f, nil)
}

// SetField replaces a single field. A nil value clears it.
func (w *Worker) SetField(ctx context.Context, obj Value, name string, v Value) (Value, error) {
	f := w.scheme.Field(name)
	if f == nil {
		return nil, nil
	}
	if v == nil {
		_, err := w.ClearField(ctx, obj, name)
		return nil, err
	}
	return w.scheme.fieldWithWorker(ctx, ActionSet, w, obj, f, v)
}

// SetFile stores file into the named File or Image field.
func (w *Worker) SetFile(ctx context.Context, obj Value, name string, file *InputFile) (Value, error) {
	f := w.scheme.Field(name)
	if f == nil || !f.IsFile() {
		return nil, nil
	}
	return w.scheme.setFileWithWorker(ctx, w, ObjectID(obj), f, file)
}

// AppendField appends to an Array, or adds references to a reference Set.
func (w *Worker) AppendField(ctx context.Context, obj Value, name string, v Value) (Value, error) {
	f := w.scheme.Field(name)
	if f == nil {
		return nil, nil
	}
	if f.typ != TypeArray && !(f.typ == TypeSet && f.IsReference()) {
		return nil, validationError(w.scheme, name, "Append is only supported for arrays and reference sets")
	}
	v = Normalize(v)
	if _, ok := v.([]any); !ok && v != nil {
		v = []any{v}
	}
	return w.scheme.fieldWithWorker(ctx, ActionAppend, w, obj, f, v)
}

// ClearField removes a field value. For sets, objs optionally selects the
// members to remove.
func (w *Worker) ClearField(ctx context.Context, obj Value, name string, objs ...Value) (bool, error) {
	f := w.scheme.Field(name)
	if f == nil {
		return false, nil
	}
	if f.HasFlag(Required) {
		return false, validationError(w.scheme, name, "Value for required field can not be removed")
	}
	var v Value
	if len(objs) > 0 {
		v = Normalize(objs)
	}
	ret, err := w.scheme.fieldWithWorker(ctx, ActionRemove, w, obj, f, v)
	if err != nil {
		return false, err
	}
	return asBool(ret), nil
}

// CountField counts the members of a collection field.
func (w *Worker) CountField(ctx context.Context, obj Value, name string) (int64, error) {
	f := w.scheme.Field(name)
	if f == nil {
		return 0, nil
	}
	ret, err := w.scheme.fieldWithWorker(ctx, ActionCount, w, obj, f, nil)
	if err != nil {
		return 0, err
	}
	n, _ := AsInt64(ret)
	return n, nil
}

// Perform runs fn in the worker's transaction, as System when the worker
// acts as system.
func (w *Worker) Perform(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.isSystem {
		return w.t.PerformAsSystem(ctx, fn)
	}
	return w.t.Perform(ctx, fn)
}
