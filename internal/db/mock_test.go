package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	PasswordCost = bcrypt.MinCost
}

// memStore is the shared state behind memBackend sessions.
type memStore struct {
	mu         sync.Mutex
	schemes    map[string]*Scheme
	rows       map[string]map[int64]Dict
	views      map[*Field]map[int64]map[int64]Dict
	nextID     int64
	kv         map[string]Value
	broadcasts [][]byte
}

func (st *memStore) table(s *Scheme) map[int64]Dict {
	t := st.rows[s.name]
	if t == nil {
		t = make(map[int64]Dict)
		st.rows[s.name] = t
	}
	return t
}

func (st *memStore) snapshot() (map[string]map[int64]Dict, map[*Field]map[int64]map[int64]Dict) {
	rows := make(map[string]map[int64]Dict, len(st.rows))
	for name, t := range st.rows {
		c := make(map[int64]Dict, len(t))
		for id, row := range t {
			c[id] = Clone(row).(Dict)
		}
		rows[name] = c
	}
	views := make(map[*Field]map[int64]map[int64]Dict, len(st.views))
	for f, targets := range st.views {
		ct := make(map[int64]map[int64]Dict, len(targets))
		for target, sources := range targets {
			cs := make(map[int64]Dict, len(sources))
			for src, data := range sources {
				cs[src] = Clone(data).(Dict)
			}
			ct[target] = cs
		}
		views[f] = ct
	}
	return rows, views
}

// memBackend is an in-memory Interface recording the calls it receives.
// Rows are stored as given; rollback restores the snapshot taken at begin.
type memBackend struct {
	store *memStore

	inTx      bool
	status    TransactionStatus
	savedRows map[string]map[int64]Dict
	savedView map[*Field]map[int64]map[int64]Dict

	begins  int
	commits int
	calls   []string
	inits   int
	failOn  string
}

func newMemBackend() *memBackend {
	return &memBackend{store: &memStore{
		rows:  make(map[string]map[int64]Dict),
		views: make(map[*Field]map[int64]map[int64]Dict),
		kv:    make(map[string]Value),
	}}
}

func (m *memBackend) record(op string, s *Scheme) error {
	name := op
	if s != nil {
		name = op + ":" + s.name
	}
	m.calls = append(m.calls, name)
	if m.failOn != "" && m.failOn == name {
		return fmt.Errorf("injected failure on %s", name)
	}
	return nil
}

func (m *memBackend) count(op string) int {
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *memBackend) row(s *Scheme, oid int64) Dict {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if row := m.store.rows[s.name][oid]; row != nil {
		return Clone(row).(Dict)
	}
	return nil
}

func (m *memBackend) viewMembers(view *Field, target int64) []int64 {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	set := make(map[int64]struct{})
	for src := range m.store.views[view][target] {
		set[src] = struct{}{}
	}
	return sortedIDs(set)
}

func (m *memBackend) Set(ctx context.Context, key string, v Value, ttl time.Duration) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.kv[key] = v
	return nil
}

func (m *memBackend) Get(ctx context.Context, key string, clear bool) (Value, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	v := m.store.kv[key]
	if clear {
		delete(m.store.kv, key)
	}
	return v, nil
}

func (m *memBackend) Clear(ctx context.Context, key string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	delete(m.store.kv, key)
	return nil
}

func (m *memBackend) PerformQueryListForIds(ctx context.Context, ql *QueryList, count int) ([]int64, error) {
	if err := m.record("querylist-ids", ql.Scheme()); err != nil {
		return nil, err
	}
	q := ql.TopQuery()
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.match(ql.Scheme(), q), nil
}

func (m *memBackend) PerformQueryList(ctx context.Context, ql *QueryList, count int, forUpdate bool) ([]Dict, error) {
	if err := m.record("querylist", ql.Scheme()); err != nil {
		return nil, err
	}
	s := ql.Scheme()
	q := ql.TopQuery()
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []Dict
	for _, id := range m.match(s, q) {
		out = append(out, Clone(m.store.rows[s.name][id]).(Dict))
	}
	return out, nil
}

func (m *memBackend) Init(ctx context.Context, cfg InterfaceConfig, schemes map[string]*Scheme) error {
	m.inits++
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.schemes = schemes
	return nil
}

func (m *memBackend) MakeSessionsCleanup(ctx context.Context) error {
	return m.record("cleanup", nil)
}

func (m *memBackend) ProcessBroadcasts(ctx context.Context, fn func(data []byte)) error {
	m.store.mu.Lock()
	pending := m.store.broadcasts
	m.store.broadcasts = nil
	m.store.mu.Unlock()
	for _, b := range pending {
		fn(b)
	}
	return nil
}

func compareValues(a, b Value) int {
	if fa, ok := AsFloat64(a); ok {
		if fb, ok := AsFloat64(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := AsString(a), AsString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func matchSelect(row Dict, sel Select) bool {
	v, has := row[sel.Field]
	switch sel.Compare {
	case IsNull:
		return !has || v == nil
	case IsNotNull:
		return has && v != nil
	case Equal:
		return has && compareValues(v, sel.Value1) == 0
	case NotEqual:
		return !has || compareValues(v, sel.Value1) != 0
	case LessThen:
		return has && compareValues(v, sel.Value1) < 0
	case LessOrEqual:
		return has && compareValues(v, sel.Value1) <= 0
	case GreaterThen:
		return has && compareValues(v, sel.Value1) > 0
	case GreaterOrEqual:
		return has && compareValues(v, sel.Value1) >= 0
	case BetweenEquals:
		return has && compareValues(v, sel.Value1) >= 0 && compareValues(v, sel.Value2) <= 0
	}
	return false
}

// match returns the ids of rows of s selected by q. The store lock must be
// held.
func (m *memBackend) match(s *Scheme, q *Query) []int64 {
	t := m.store.rows[s.name]
	var wanted map[int64]struct{}
	if ids := q.SelectedIDs(); len(ids) > 0 {
		wanted = int64Set(ids)
	}
	var out []int64
	for id, row := range t {
		if wanted != nil {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		if alias := q.SelectedAlias(); alias != "" {
			found := false
			for _, f := range s.fields {
				if f.typ == TypeText && f.transform == TransformAlias && row[f.name] == alias {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		ok := true
		for _, sel := range q.SelectList() {
			if !matchSelect(row, sel) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if field := q.OrderField(); field != "" {
			c := compareValues(t[out[i]][field], t[out[j]][field])
			if c != 0 {
				if q.Ordering() == Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i] < out[j]
	})
	if off := q.OffsetValue(); off > 0 {
		if off >= len(out) {
			return nil
		}
		out = out[off:]
	}
	if lim := q.LimitValue(); lim >= 0 && lim < len(out) {
		out = out[:lim]
	}
	return out
}

func project(s *Scheme, row Dict, read func(cb func(name string, f *Field))) Dict {
	out := Dict{}
	read(func(name string, f *Field) {
		if name == "*" {
			for k, v := range row {
				if f := s.fields[k]; f == nil || !isCollectionType(f.typ) {
					out[k] = Clone(v)
				}
			}
			return
		}
		if v, ok := row[name]; ok {
			out[name] = Clone(v)
		}
	})
	return out
}

func (m *memBackend) Select(ctx context.Context, w *Worker, q *Query) ([]Dict, error) {
	if err := m.record("select", w.scheme); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []Dict
	for _, id := range m.match(w.scheme, q) {
		row := m.store.rows[w.scheme.name][id]
		out = append(out, project(w.scheme, row, func(cb func(string, *Field)) {
			w.ReadQueryFields(w.scheme, q, cb)
		}))
	}
	return out, nil
}

func (m *memBackend) Count(ctx context.Context, w *Worker, q *Query) (int64, error) {
	if err := m.record("count", w.scheme); err != nil {
		return 0, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return int64(len(m.match(w.scheme, q))), nil
}

var errUnique = errors.New("unique constraint failed")

func (m *memBackend) Create(ctx context.Context, w *Worker, objs []Dict) ([]Dict, error) {
	s := w.scheme
	if err := m.record("create", s); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	t := m.store.table(s)
	conflicts := w.Conflicts()

	ret := make([]Dict, len(objs))
	for i, obj := range objs {
		var existing Dict
		var conflict *ConflictData
		for _, f := range s.Fields() {
			if !f.HasFlag(Unique) || obj[f.name] == nil {
				continue
			}
			for _, row := range t {
				if SameValue(row[f.name], obj[f.name]) {
					existing = row
					break
				}
			}
			if existing == nil {
				continue
			}
			for j := range conflicts {
				if conflicts[j].Field == f {
					conflict = &conflicts[j]
				}
			}
			if conflict == nil {
				return nil, errUnique
			}
			break
		}
		if existing != nil {
			if conflict.IsDoNothing() {
				continue
			}
			for k, v := range obj {
				existing[k] = Clone(v)
			}
			ret[i] = w.Shape(s, Clone(existing).(Dict), obj)
			continue
		}
		m.store.nextID++
		row := Clone(obj).(Dict)
		row[OidField] = m.store.nextID
		t[m.store.nextID] = row
		ret[i] = w.Shape(s, Clone(row).(Dict), obj)
	}
	return ret, nil
}

func conditionsHold(w *Worker, row Dict) bool {
	for _, c := range w.Conditions() {
		if !matchSelect(row, c.Select) {
			return false
		}
	}
	return true
}

func (m *memBackend) Save(ctx context.Context, w *Worker, oid int64, obj Dict, fields []string) (Dict, error) {
	s := w.scheme
	if err := m.record("save", s); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	row := m.store.rows[s.name][oid]
	if row == nil || !conditionsHold(w, row) {
		return nil, nil
	}
	patch := Dict{}
	for _, name := range fields {
		v := obj[name]
		patch[name] = v
		if v == nil {
			delete(row, name)
			continue
		}
		row[name] = Clone(v)
	}
	return w.Shape(s, Clone(row).(Dict), patch), nil
}

func (m *memBackend) Patch(ctx context.Context, w *Worker, oid int64, patch Dict) (Dict, error) {
	s := w.scheme
	if err := m.record("patch", s); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	row := m.store.rows[s.name][oid]
	if row == nil || !conditionsHold(w, row) {
		return nil, nil
	}
	for k, v := range patch {
		if v == nil {
			delete(row, k)
			continue
		}
		row[k] = Clone(v)
	}
	return w.Shape(s, Clone(row).(Dict), patch), nil
}

func (m *memBackend) Remove(ctx context.Context, w *Worker, oid int64) (bool, error) {
	s := w.scheme
	if err := m.record("remove", s); err != nil {
		return false, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	t := m.store.rows[s.name]
	if _, ok := t[oid]; !ok {
		return false, nil
	}
	delete(t, oid)
	for view, targets := range m.store.views {
		if view.foreign == s {
			for _, sources := range targets {
				delete(sources, oid)
			}
		}
		if view.owner == s {
			delete(targets, oid)
		}
	}
	return true, nil
}

func (m *memBackend) Field(ctx context.Context, a Action, w *Worker, obj Value, f *Field, v Value) (Value, error) {
	s := w.scheme
	if err := m.record(a.String(), s); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	oid := ObjectID(obj)
	row := m.store.rows[s.name][oid]
	if row == nil {
		return nil, nil
	}

	switch a {
	case ActionGet:
		switch f.typ {
		case TypeView:
			var out []any
			sources := m.store.views[f][oid]
			ids := make(map[int64]struct{}, len(sources))
			for id := range sources {
				ids[id] = struct{}{}
			}
			for _, id := range sortedIDs(ids) {
				if r := m.store.rows[f.foreign.name][id]; r != nil {
					out = append(out, m.foreignRow(w, f.foreign, r))
				}
			}
			return out, nil
		case TypeObject:
			id := ObjectID(row[f.name])
			if r := m.store.rows[f.foreign.name][id]; r != nil {
				return m.foreignRow(w, f.foreign, r), nil
			}
			return nil, nil
		case TypeSet:
			arr, _ := row[f.name].([]any)
			var out []any
			for _, it := range arr {
				if r := m.store.rows[f.foreign.name][ObjectID(it)]; r != nil {
					out = append(out, m.foreignRow(w, f.foreign, r))
				}
			}
			return out, nil
		case TypeFile, TypeImage:
			if files := w.required.Scheme; files != nil && files == f.files {
				if r := m.store.rows[FileSchemeName][ObjectID(row[f.name])]; r != nil {
					return m.foreignRow(w, files, r), nil
				}
				return nil, nil
			}
		}
		return Clone(row[f.name]), nil
	case ActionCount:
		if f.typ == TypeView {
			return int64(len(m.store.views[f][oid])), nil
		}
		arr, _ := row[f.name].([]any)
		return int64(len(arr)), nil
	case ActionSet:
		row[f.name] = Clone(v)
		return Clone(v), nil
	case ActionAppend:
		arr, _ := row[f.name].([]any)
		if add, ok := v.([]any); ok {
			arr = append(arr, add...)
		} else {
			arr = append(arr, v)
		}
		row[f.name] = arr
		return Clone(arr), nil
	case ActionRemove:
		cur, has := row[f.name]
		if !has {
			return false, nil
		}
		drop, ok := v.([]any)
		arr, isArr := cur.([]any)
		if !ok || !isArr {
			delete(row, f.name)
			return true, nil
		}
		out := arr[:0]
		for _, it := range arr {
			keep := true
			for _, d := range drop {
				if SameValue(d, it) || (ObjectID(d) != 0 && ObjectID(d) == ObjectID(it)) {
					keep = false
				}
			}
			if keep {
				out = append(out, it)
			}
		}
		row[f.name] = out
		return true, nil
	}
	return nil, nil
}

func (m *memBackend) foreignRow(w *Worker, s *Scheme, row Dict) Dict {
	return project(s, row, func(cb func(string, *Field)) {
		if !w.ReadFields(s, nil, cb) {
			cb("*", nil)
		}
	})
}

func (m *memBackend) AddToView(ctx context.Context, view *Field, target int64, data Dict) error {
	if err := m.record("add-to-view", view.owner); err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	source := GetInt(data, view.foreign.name+"_id")
	targets := m.store.views[view]
	if targets == nil {
		targets = make(map[int64]map[int64]Dict)
		m.store.views[view] = targets
	}
	if targets[target] == nil {
		targets[target] = make(map[int64]Dict)
	}
	targets[target][source] = Clone(data).(Dict)
	return nil
}

func (m *memBackend) RemoveFromView(ctx context.Context, view *Field, source int64, targets []int64) error {
	if err := m.record("remove-from-view", view.owner); err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	all := m.store.views[view]
	if targets == nil {
		for _, sources := range all {
			delete(sources, source)
		}
		return nil
	}
	for _, target := range targets {
		delete(all[target], source)
	}
	return nil
}

func (m *memBackend) ReferenceParents(ctx context.Context, s *Scheme, oid int64, parent *Scheme, pointer *Field) ([]int64, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	var out []int64
	for id, row := range m.store.rows[parent.name] {
		switch v := row[pointer.name].(type) {
		case []any:
			for _, it := range v {
				if ObjectID(it) == oid {
					out = append(out, id)
				}
			}
		default:
			if ObjectID(v) == oid {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memBackend) BeginTransaction(ctx context.Context) error {
	if err := m.record("begin", nil); err != nil {
		return err
	}
	m.begins++
	m.inTx = true
	m.status = TransactionCommit
	m.store.mu.Lock()
	m.savedRows, m.savedView = m.store.snapshot()
	m.store.mu.Unlock()
	return nil
}

func (m *memBackend) EndTransaction(ctx context.Context) error {
	m.calls = append(m.calls, "end")
	if m.status == TransactionRollback {
		m.store.mu.Lock()
		m.store.rows, m.store.views = m.savedRows, m.savedView
		m.store.mu.Unlock()
	} else {
		m.commits++
	}
	m.inTx = false
	m.status = TransactionNone
	m.savedRows, m.savedView = nil, nil
	return nil
}

func (m *memBackend) CancelTransaction() {
	if m.inTx {
		m.status = TransactionRollback
	}
}

func (m *memBackend) IsInTransaction() bool {
	return m.inTx
}

func (m *memBackend) TransactionStatus() TransactionStatus {
	return m.status
}

func (m *memBackend) AuthorizeUser(ctx context.Context, auth *Auth, name, password string) (*User, error) {
	return nil, errors.New("not supported")
}

func (m *memBackend) Broadcast(ctx context.Context, data []byte) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.broadcasts = append(m.store.broadcasts, append([]byte(nil), data...))
	return nil
}

func (m *memBackend) DeltaValue(ctx context.Context, s *Scheme) (int64, error) {
	return 0, nil
}

func (m *memBackend) ViewDeltaValue(ctx context.Context, view *Field, tag int64) (int64, error) {
	return 0, nil
}

// forkingBackend runs auto field tasks on sessions sharing its store.
type forkingBackend struct {
	*memBackend
	forks int
	mu    sync.Mutex
}

func (b *forkingBackend) Fork(ctx context.Context) (Interface, error) {
	b.mu.Lock()
	b.forks++
	b.mu.Unlock()
	return &memBackend{store: b.store}, nil
}

// newTestAdapter initializes schemes over a fresh memBackend.
func newTestAdapter(t interface {
	Helper()
	Fatalf(string, ...any)
}, schemes ...*Scheme) (*Adapter, *memBackend) {
	t.Helper()
	mem := newMemBackend()
	a := NewAdapter(mem)
	set := make(map[string]*Scheme, len(schemes))
	for _, s := range schemes {
		set[s.Name()] = s
	}
	if err := a.Init(context.Background(), InterfaceConfig{Name: "test"}, set); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, mem
}
