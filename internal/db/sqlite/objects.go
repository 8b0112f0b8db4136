package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

// projection is the list of inline columns read for a scheme. The oid is
// always read first.
type projection struct {
	scheme *db.Scheme
	fields []*db.Field
}

func allColumns(s *db.Scheme) projection {
	p := projection{scheme: s}
	for _, f := range s.Fields() {
		if isInline(f) {
			p.fields = append(p.fields, f)
		}
	}
	return p
}

// projectionFrom collects columns from a worker style field callback.
func projectionFrom(s *db.Scheme, read func(cb func(name string, f *db.Field))) projection {
	all := false
	seen := make(map[*db.Field]struct{})
	p := projection{scheme: s}
	read(func(name string, f *db.Field) {
		switch {
		case name == "*":
			all = true
		case name == oidColumn:
		default:
			if f == nil {
				f = s.Field(name)
			}
			if f == nil || !isInline(f) {
				return
			}
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				p.fields = append(p.fields, f)
			}
		}
	})
	if all {
		return allColumns(s)
	}
	return p
}

func (p projection) selectList() string {
	cols := make([]string, 0, len(p.fields)+1)
	cols = append(cols, col(oidColumn))
	for _, f := range p.fields {
		cols = append(cols, col(f.Name()))
	}
	return strings.Join(cols, ", ")
}

func (p projection) scan(rows *sql.Rows) (db.Dict, error) {
	raw := make([]any, len(p.fields)+1)
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	oid, _ := db.AsInt64(raw[0])
	obj := db.Dict{oidColumn: oid}
	for i, f := range p.fields {
		v, err := decodeField(f, raw[i+1])
		if err != nil {
			return nil, err
		}
		if v != nil {
			obj[f.Name()] = v
		}
	}
	return obj, nil
}

// query reads p from the table of b's scheme. tail is appended after the
// WHERE clause.
func (h *Handle) query(ctx context.Context, p projection, b *condBuilder, tail string, tailArgs ...any) ([]db.Dict, error) {
	stmt := "SELECT " + p.selectList() + " FROM " + b.fromSQL() + b.whereSQL() + tail
	args := append(b.allArgs(), tailArgs...)
	rows, err := h.q().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", p.scheme.Name())
	}
	out, err := sqlutil.ScanRows(rows, p.scan)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", p.scheme.Name())
	}
	return out, nil
}

// loadRow reads every inline column of one object, or nil.
func (h *Handle) loadRow(ctx context.Context, s *db.Scheme, oid int64) (db.Dict, error) {
	b := newCondBuilder(s)
	b.restrictIDs([]int64{oid})
	rows, err := h.query(ctx, allColumns(s), b, "")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// loadObjects reads p for ids and returns the rows in the order of ids.
// Missing objects are skipped.
func (h *Handle) loadObjects(ctx context.Context, p projection, ids []int64) ([]db.Dict, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b := newCondBuilder(p.scheme)
	b.restrictIDs(ids)
	rows, err := h.query(ctx, p, b, "")
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]db.Dict, len(rows))
	for _, row := range rows {
		byID[db.GetInt(row, oidColumn)] = row
	}
	out := make([]db.Dict, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (h *Handle) exists(ctx context.Context, s *db.Scheme, oid int64) (bool, error) {
	var one int
	err := h.q().QueryRowContext(ctx,
		"SELECT 1 FROM "+quote(s.Name())+" WHERE "+quote(oidColumn)+" = ?", oid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup %s %d", s.Name(), oid)
	}
	return true, nil
}

// matches reports whether oid exists and satisfies the worker conditions.
func (h *Handle) matches(ctx context.Context, w *db.Worker, s *db.Scheme, oid int64) (bool, error) {
	conds := w.Conditions()
	if len(conds) == 0 {
		return h.exists(ctx, s, oid)
	}
	b := newCondBuilder(s)
	b.restrictIDs([]int64{oid})
	for _, c := range conds {
		if err := b.addSelect(c.Select); err != nil {
			return false, err
		}
	}
	rows, err := h.query(ctx, projection{scheme: s}, b, "")
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func workerUser(w *db.Worker) int64 {
	if t := w.Transaction(); t != nil {
		return t.UserID()
	}
	return 0
}

// selectQuery builds the conditions for q, including a delta restriction.
func (h *Handle) selectQuery(ctx context.Context, s *db.Scheme, q *db.Query, restrict []int64, delta bool) (*condBuilder, map[int64]deltaEntry, error) {
	b := newCondBuilder(s)
	if restrict != nil {
		b.restrictIDs(restrict)
	}
	if err := b.addQuery(q); err != nil {
		return nil, nil, err
	}
	if !delta || !q.HasDelta() || !s.HasDelta() {
		return b, nil, nil
	}
	changes, err := h.deltaSince(ctx, s, q.DeltaValue())
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, 0, len(changes))
	for id, e := range changes {
		if e.action != db.DeltaDelete {
			ids = append(ids, id)
		}
	}
	b.restrictIDs(ids)
	return b, changes, nil
}

// selectObjects runs q over s, restricted to restrict when it is not nil,
// reading the columns of p. With delta set, a delta query on a scheme that
// records changes returns only changed objects.
func (h *Handle) selectObjects(ctx context.Context, p projection, q *db.Query, restrict []int64, delta bool) ([]db.Dict, error) {
	s := p.scheme
	b, changes, err := h.selectQuery(ctx, s, q, restrict, delta)
	if err != nil {
		return nil, err
	}
	limit, largs := limitSQL(q)
	rows, err := h.query(ctx, p, b, b.orderSQL(q)+limit, largs...)
	if err != nil {
		return nil, err
	}

	if q.IsSoftLimit() && q.HasLimit() && len(rows) > 0 && len(rows) == q.LimitValue() {
		more, err := h.softLimitTies(ctx, p, q, restrict, delta, rows)
		if err != nil {
			return nil, err
		}
		rows = append(rows, more...)
	}

	if changes != nil {
		rows = attachDelta(rows, changes)
	}
	return rows, nil
}

// softLimitTies reads the objects sharing the order value of the last row
// that the limit cut off.
func (h *Handle) softLimitTies(ctx context.Context, p projection, q *db.Query, restrict []int64, delta bool, rows []db.Dict) ([]db.Dict, error) {
	name := q.OrderField()
	f := p.scheme.Field(name)
	if f == nil || !isInline(f) {
		return nil, nil
	}
	boundary := rows[len(rows)-1][name]
	if boundary == nil {
		return nil, nil
	}
	b, _, err := h.selectQuery(ctx, p.scheme, q, restrict, delta)
	if err != nil {
		return nil, err
	}
	if err := b.addSelect(db.Select{Field: name, Compare: db.Equal, Value1: boundary}); err != nil {
		return nil, err
	}
	seen := make([]int64, 0, len(rows))
	for _, row := range rows {
		seen = append(seen, db.GetInt(row, oidColumn))
	}
	in, args := sqlutil.InClauseArgs(seen)
	b.add(col(oidColumn)+" NOT IN ("+in+")", args...)
	return h.query(ctx, p, b, " ORDER BY "+col(oidColumn))
}

// Select reads the objects of the worker scheme matching q. Include trees
// in q resolve nested objects in place.
func (h *Handle) Select(ctx context.Context, w *db.Worker, q *db.Query) ([]db.Dict, error) {
	s := w.Scheme()
	p := projectionFrom(s, func(cb func(string, *db.Field)) {
		w.ReadQueryFields(s, q, cb)
	})
	rows, err := h.selectObjects(ctx, p, q, nil, true)
	if err != nil {
		return nil, err
	}
	if q.HasFields() {
		if err := h.resolve(ctx, rows, db.NewQueryFieldResolver(s, q, nil)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (h *Handle) Count(ctx context.Context, w *db.Worker, q *db.Query) (int64, error) {
	s := w.Scheme()
	b, _, err := h.selectQuery(ctx, s, q, nil, true)
	if err != nil {
		return 0, err
	}
	var n int64
	stmt := "SELECT count(*) FROM " + b.fromSQL() + b.whereSQL()
	if err := h.q().QueryRowContext(ctx, stmt, b.allArgs()...).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", s.Name())
	}
	return n, nil
}

// Create inserts objs. Conflicts registered on the worker turn inserts
// into upserts on their unique field; an object skipped by a conflict
// yields nil at its position.
func (h *Handle) Create(ctx context.Context, w *db.Worker, objs []db.Dict) ([]db.Dict, error) {
	s := w.Scheme()
	ret := make([]db.Dict, len(objs))
	err := h.atomic(ctx, func(q sqlutil.Querier) error {
		for i, obj := range objs {
			if obj == nil {
				continue
			}
			oid, ok, err := h.insert(ctx, q, w, s, obj)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := h.writeCollections(ctx, s, oid, obj, true); err != nil {
				return err
			}
			if err := h.recordDelta(ctx, s, oid, db.DeltaCreate, workerUser(w)); err != nil {
				return err
			}
			row, err := h.loadRow(ctx, s, oid)
			if err != nil {
				return err
			}
			ret[i] = w.Shape(s, row, obj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (h *Handle) insert(ctx context.Context, q sqlutil.Querier, w *db.Worker, s *db.Scheme, obj db.Dict) (int64, bool, error) {
	var names []string
	var args []any
	present := make(map[*db.Field]bool)
	for _, f := range s.Fields() {
		v, ok := obj[f.Name()]
		if !ok || !isInline(f) {
			continue
		}
		enc, err := encodeField(f, v, s.IsCompressed())
		if err != nil {
			return 0, false, err
		}
		names = append(names, f.Name())
		args = append(args, enc)
		present[f] = true
	}

	var stmt strings.Builder
	stmt.WriteString("INSERT INTO " + quote(s.Name()) + " AS " + tableAlias)
	if len(names) == 0 {
		stmt.WriteString(" DEFAULT VALUES")
	} else {
		stmt.WriteString(" (" + sqlutil.QuoteIdents(names) + ") VALUES (" + sqlutil.Placeholders(len(names)) + ")")
		for _, c := range w.Conflicts() {
			if c.Field == nil || !present[c.Field] {
				continue
			}
			clause, cargs, err := conflictClause(s, c, names)
			if err != nil {
				return 0, false, err
			}
			stmt.WriteString(clause)
			args = append(args, cargs...)
		}
	}
	stmt.WriteString(" RETURNING " + quote(oidColumn))

	var oid int64
	err := q.QueryRowContext(ctx, stmt.String(), args...).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "insert %s", s.Name())
	}
	return oid, true, nil
}

// conflictClause renders ON CONFLICT for one unique field. The update sets
// the masked columns, or every written column but the key.
func conflictClause(s *db.Scheme, c db.ConflictData, written []string) (string, []any, error) {
	key := c.Field.Name()
	clause := " ON CONFLICT(" + quote(key) + ")"
	if c.IsDoNothing() {
		return clause + " DO NOTHING", nil, nil
	}

	var update []string
	if len(c.Mask) > 0 {
		for _, f := range c.Mask {
			for _, name := range written {
				if name == f.Name() && name != key {
					update = append(update, name)
				}
			}
		}
	} else {
		for _, name := range written {
			if name != key {
				update = append(update, name)
			}
		}
	}
	if len(update) == 0 {
		update = []string{key}
	}
	sets := make([]string, len(update))
	for i, name := range update {
		sets[i] = quote(name) + " = excluded." + quote(name)
	}
	clause += " DO UPDATE SET " + strings.Join(sets, ", ")

	if c.HasCondition() && c.Condition != nil {
		b := newCondBuilder(s)
		if err := b.addSelect(*c.Condition); err != nil {
			return "", nil, err
		}
		clause += " WHERE " + strings.Join(b.where, " AND ")
		return clause, b.args, nil
	}
	return clause, nil, nil
}

// update writes patch to oid: inline columns in one statement, then the
// collections it names.
func (h *Handle) update(ctx context.Context, s *db.Scheme, oid int64, patch db.Dict) error {
	var sets []string
	var args []any
	for _, f := range s.Fields() {
		v, ok := patch[f.Name()]
		if !ok || !isInline(f) {
			continue
		}
		enc, err := encodeField(f, v, s.IsCompressed())
		if err != nil {
			return err
		}
		sets = append(sets, quote(f.Name())+" = ?")
		args = append(args, enc)
	}
	if len(sets) > 0 {
		stmt := "UPDATE " + quote(s.Name()) + " SET " + strings.Join(sets, ", ") + " WHERE " + quote(oidColumn) + " = ?"
		if _, err := h.q().ExecContext(ctx, stmt, append(args, oid)...); err != nil {
			return errors.Wrapf(err, "update %s %d", s.Name(), oid)
		}
	}
	return h.writeCollections(ctx, s, oid, patch, false)
}

// writeCollections stores the Set, Array and full-text values of obj.
func (h *Handle) writeCollections(ctx context.Context, s *db.Scheme, oid int64, obj db.Dict, isCreate bool) error {
	for _, f := range s.Fields() {
		v, ok := obj[f.Name()]
		if !ok {
			continue
		}
		var err error
		switch f.Type() {
		case db.TypeSet:
			if v == nil {
				if !isCreate {
					_, err = h.clearSet(ctx, f, oid)
				}
				break
			}
			err = h.replaceSet(ctx, f, oid, idList(v))
		case db.TypeArray:
			if v == nil {
				if !isCreate {
					_, err = h.clearArray(ctx, f, oid)
				}
				break
			}
			err = h.replaceArray(ctx, f, oid, valueList(v))
		case db.TypeFullTextView:
			err = h.writeFullText(ctx, f, oid, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) modify(ctx context.Context, w *db.Worker, oid int64, patch db.Dict) (db.Dict, error) {
	s := w.Scheme()
	var ret db.Dict
	err := h.atomic(ctx, func(sqlutil.Querier) error {
		ok, err := h.matches(ctx, w, s, oid)
		if err != nil || !ok {
			return err
		}
		if err := h.update(ctx, s, oid, patch); err != nil {
			return err
		}
		if err := h.recordDelta(ctx, s, oid, db.DeltaUpdate, workerUser(w)); err != nil {
			return err
		}
		row, err := h.loadRow(ctx, s, oid)
		if err != nil {
			return err
		}
		ret = w.Shape(s, row, patch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Save writes the named fields of obj. A missing object, or one failing the
// worker conditions, yields nil.
func (h *Handle) Save(ctx context.Context, w *db.Worker, oid int64, obj db.Dict, fields []string) (db.Dict, error) {
	patch := make(db.Dict, len(fields))
	for _, name := range fields {
		patch[name] = obj[name]
	}
	return h.modify(ctx, w, oid, patch)
}

func (h *Handle) Patch(ctx context.Context, w *db.Worker, oid int64, patch db.Dict) (db.Dict, error) {
	return h.modify(ctx, w, oid, patch)
}

// Remove deletes an object. Side tables and views follow through foreign
// keys and triggers.
func (h *Handle) Remove(ctx context.Context, w *db.Worker, oid int64) (bool, error) {
	s := w.Scheme()
	var removed bool
	err := h.atomic(ctx, func(q sqlutil.Querier) error {
		if err := h.recordViewErase(ctx, s, oid); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, "DELETE FROM "+quote(s.Name())+" WHERE "+quote(oidColumn)+" = ?", oid)
		if err != nil {
			return errors.Wrapf(err, "delete %s %d", s.Name(), oid)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		removed = n > 0
		if !removed {
			return nil
		}
		return h.recordDelta(ctx, s, oid, db.DeltaDelete, workerUser(w))
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// idList reads object ids from a Set value: an id, an object or a list of
// either.
func idList(v db.Value) []int64 {
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	out := make([]int64, 0, len(list))
	seen := make(map[int64]struct{}, len(list))
	for _, it := range list {
		id := db.ObjectID(it)
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func valueList(v db.Value) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
