package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Handle) selectIDs(ctx context.Context, stmt string, args ...any) ([]int64, error) {
	rows, err := h.q().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return sqlutil.ScanRows(rows, sqlutil.ScanInt64)
}

// setIDs returns the members of a Set in insertion order.
func (h *Handle) setIDs(ctx context.Context, f *db.Field, oid int64) ([]int64, error) {
	var ids []int64
	var err error
	if link := linkOf(f); link != nil {
		ids, err = h.selectIDs(ctx, "SELECT "+quote(oidColumn)+" FROM "+quote(f.ForeignScheme().Name())+
			" WHERE "+quote(link.Name())+" = ? ORDER BY "+quote(oidColumn), oid)
	} else {
		ids, err = h.selectIDs(ctx, "SELECT "+quote(colTarget)+" FROM "+quote(setTable(f))+
			" WHERE "+quote(colSource)+" = ? ORDER BY rowid", oid)
	}
	return ids, errors.Wrapf(err, "read set %s", f.Name())
}

func (h *Handle) appendSet(ctx context.Context, f *db.Field, oid int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if link := linkOf(f); link != nil {
		in, args := sqlutil.InClauseArgs(ids)
		_, err := h.q().ExecContext(ctx, "UPDATE "+quote(f.ForeignScheme().Name())+" SET "+quote(link.Name())+" = ?"+
			" WHERE "+quote(oidColumn)+" IN ("+in+")", append([]any{oid}, args...)...)
		return errors.Wrapf(err, "link set %s", f.Name())
	}
	stmt := "INSERT OR IGNORE INTO " + quote(setTable(f)) + " (" + quote(colSource) + ", " + quote(colTarget) + ")" +
		" SELECT ?, " + quote(oidColumn) + " FROM " + quote(f.ForeignScheme().Name()) + " WHERE " + quote(oidColumn) + " = ?"
	for _, id := range ids {
		if _, err := h.q().ExecContext(ctx, stmt, oid, id); err != nil {
			return errors.Wrapf(err, "append to set %s", f.Name())
		}
	}
	return nil
}

// removeFromSet drops ids from a Set and reports how many were members.
func (h *Handle) removeFromSet(ctx context.Context, f *db.Field, oid int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := sqlutil.InClauseArgs(ids)
	var stmt string
	if link := linkOf(f); link != nil {
		stmt = "UPDATE " + quote(f.ForeignScheme().Name()) + " SET " + quote(link.Name()) + " = NULL" +
			" WHERE " + quote(link.Name()) + " = ? AND " + quote(oidColumn) + " IN (" + in + ")"
	} else {
		stmt = "DELETE FROM " + quote(setTable(f)) + " WHERE " + quote(colSource) + " = ? AND " + quote(colTarget) + " IN (" + in + ")"
	}
	res, err := h.q().ExecContext(ctx, stmt, append([]any{oid}, args...)...)
	if err != nil {
		return 0, errors.Wrapf(err, "remove from set %s", f.Name())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (h *Handle) clearSet(ctx context.Context, f *db.Field, oid int64) (bool, error) {
	var stmt string
	if link := linkOf(f); link != nil {
		stmt = "UPDATE " + quote(f.ForeignScheme().Name()) + " SET " + quote(link.Name()) + " = NULL WHERE " + quote(link.Name()) + " = ?"
	} else {
		stmt = "DELETE FROM " + quote(setTable(f)) + " WHERE " + quote(colSource) + " = ?"
	}
	res, err := h.q().ExecContext(ctx, stmt, oid)
	if err != nil {
		return false, errors.Wrapf(err, "clear set %s", f.Name())
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (h *Handle) replaceSet(ctx context.Context, f *db.Field, oid int64, ids []int64) error {
	if _, err := h.clearSet(ctx, f, oid); err != nil {
		return err
	}
	return h.appendSet(ctx, f, oid, ids)
}

// arrayValues returns the elements of an Array in insertion order.
func (h *Handle) arrayValues(ctx context.Context, f *db.Field, oid int64) ([]any, error) {
	rows, err := h.q().QueryContext(ctx, "SELECT "+quote(colData)+" FROM "+quote(arrayTable(f))+
		" WHERE "+quote(colSource)+" = ? ORDER BY \"id\"", oid)
	if err != nil {
		return nil, errors.Wrapf(err, "read array %s", f.Name())
	}
	out, err := sqlutil.ScanRows(rows, func(rows *sql.Rows) (any, error) {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		return decodeElement(f.Element(), raw)
	})
	return out, errors.Wrapf(err, "read array %s", f.Name())
}

func (h *Handle) appendArray(ctx context.Context, f *db.Field, oid int64, values []any) error {
	stmt := "INSERT INTO " + quote(arrayTable(f)) + " (" + quote(colSource) + ", " + quote(colData) + ") VALUES (?, ?)"
	for _, v := range values {
		enc, err := encodeElement(f.Element(), v)
		if err != nil {
			return err
		}
		if _, err := h.q().ExecContext(ctx, stmt, oid, enc); err != nil {
			return errors.Wrapf(err, "append to array %s", f.Name())
		}
	}
	return nil
}

func (h *Handle) removeFromArray(ctx context.Context, f *db.Field, oid int64, values []any) error {
	stmt := "DELETE FROM " + quote(arrayTable(f)) + " WHERE " + quote(colSource) + " = ? AND " + quote(colData) + " = ?"
	for _, v := range values {
		enc, err := encodeElement(f.Element(), v)
		if err != nil {
			return err
		}
		if _, err := h.q().ExecContext(ctx, stmt, oid, enc); err != nil {
			return errors.Wrapf(err, "remove from array %s", f.Name())
		}
	}
	return nil
}

func (h *Handle) clearArray(ctx context.Context, f *db.Field, oid int64) (bool, error) {
	res, err := h.q().ExecContext(ctx, "DELETE FROM "+quote(arrayTable(f))+" WHERE "+quote(colSource)+" = ?", oid)
	if err != nil {
		return false, errors.Wrapf(err, "clear array %s", f.Name())
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (h *Handle) replaceArray(ctx context.Context, f *db.Field, oid int64, values []any) error {
	if _, err := h.clearArray(ctx, f, oid); err != nil {
		return err
	}
	return h.appendArray(ctx, f, oid, values)
}

// viewIDs returns the objects of a view tag in the order they were added.
func (h *Handle) viewIDs(ctx context.Context, f *db.Field, tag int64) ([]int64, error) {
	ids, err := h.selectIDs(ctx, "SELECT "+quote(colObject)+" FROM "+quote(viewTable(f))+
		" WHERE "+quote(colTag)+" = ? ORDER BY "+quote(db.ViewIDField), tag)
	return ids, errors.Wrapf(err, "read view %s", f.Name())
}

// fullTextColumns spreads search data over the weighted FTS columns.
func fullTextColumns(v db.Value) [len(ftsColumns)]string {
	var parts [len(ftsColumns)][]string
	add := func(buffer string, rank db.FullTextRank) {
		if buffer == "" {
			return
		}
		i := len(ftsColumns) - 1
		if rank >= db.RankA && rank <= db.RankD {
			i = int(rank - db.RankA)
		}
		parts[i] = append(parts[i], buffer)
	}
	var visit func(v db.Value)
	visit = func(v db.Value) {
		switch t := v.(type) {
		case string:
			add(t, db.RankUnknown)
		case db.FullTextData:
			add(t.Buffer, t.Rank)
		case []db.FullTextData:
			for _, it := range t {
				add(it.Buffer, it.Rank)
			}
		case db.Dict:
			rank, _ := db.AsInt64(t["rank"])
			add(db.AsString(t["buffer"]), db.FullTextRank(rank))
		case []any:
			for _, it := range t {
				visit(it)
			}
		}
	}
	visit(v)
	var out [len(ftsColumns)]string
	for i, p := range parts {
		out[i] = strings.Join(p, " ")
	}
	return out
}

// writeFullText replaces the indexed text of oid. Empty data removes it.
func (h *Handle) writeFullText(ctx context.Context, f *db.Field, oid int64, v db.Value) error {
	name := quote(ftsTable(f))
	if _, err := h.q().ExecContext(ctx, "DELETE FROM "+name+" WHERE rowid = ?", oid); err != nil {
		return errors.Wrapf(err, "clear search data %s", f.Name())
	}
	cols := fullTextColumns(v)
	empty := true
	for _, c := range cols {
		if c != "" {
			empty = false
		}
	}
	if empty {
		return nil
	}
	args := []any{oid}
	for _, c := range cols {
		args = append(args, c)
	}
	_, err := h.q().ExecContext(ctx, "INSERT INTO "+name+" (rowid, "+sqlutil.QuoteIdents(ftsColumns[:])+") VALUES (?, "+
		sqlutil.Placeholders(len(ftsColumns))+")", args...)
	return errors.Wrapf(err, "write search data %s", f.Name())
}

// foreignProjection reads the columns the worker asks for on s, or every
// inline column.
func foreignProjection(w *db.Worker, s *db.Scheme) projection {
	return projectionFrom(s, func(cb func(string, *db.Field)) {
		if !w.ReadFields(s, nil, cb) {
			cb("*", nil)
		}
	})
}

func (h *Handle) foreignObjects(ctx context.Context, w *db.Worker, s *db.Scheme, ids []int64) ([]any, error) {
	rows, err := h.loadObjects(ctx, foreignProjection(w, s), ids)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out, nil
}

func idsAsValues(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Field performs one field action on the object obj. Actions on a missing
// object return nil.
func (h *Handle) Field(ctx context.Context, a db.Action, w *db.Worker, obj db.Value, f *db.Field, v db.Value) (db.Value, error) {
	s := w.Scheme()
	oid := db.ObjectID(obj)
	var ret db.Value
	err := h.atomic(ctx, func(sqlutil.Querier) error {
		row, err := h.loadRow(ctx, s, oid)
		if err != nil || row == nil {
			return err
		}
		switch a {
		case db.ActionGet:
			ret, err = h.fieldGet(ctx, w, f, row)
		case db.ActionCount:
			ret, err = h.fieldCount(ctx, f, oid)
		case db.ActionSet:
			ret, err = h.fieldSet(ctx, s, f, oid, v)
		case db.ActionAppend:
			ret, err = h.fieldAppend(ctx, f, oid, v)
		case db.ActionRemove:
			ret, err = h.fieldRemove(ctx, s, f, row, v)
		default:
			return errors.Errorf("field action %s not supported", a)
		}
		if err != nil {
			return err
		}
		if a == db.ActionSet || a == db.ActionAppend || a == db.ActionRemove {
			return h.recordDelta(ctx, s, oid, db.DeltaUpdate, workerUser(w))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (h *Handle) fieldGet(ctx context.Context, w *db.Worker, f *db.Field, row db.Dict) (db.Value, error) {
	oid := db.GetInt(row, oidColumn)
	switch f.Type() {
	case db.TypeObject:
		id := db.ObjectID(row[f.Name()])
		if id == 0 || f.ForeignScheme() == nil {
			return nil, nil
		}
		out, err := h.foreignObjects(ctx, w, f.ForeignScheme(), []int64{id})
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return out[0], nil
	case db.TypeFile, db.TypeImage:
		id := db.ObjectID(row[f.Name()])
		rs := w.RequiredFields().Scheme
		if rs == nil || rs.Name() != db.FileSchemeName {
			return row[f.Name()], nil
		}
		if id == 0 {
			return nil, nil
		}
		out, err := h.foreignObjects(ctx, w, h.store.fileScheme(), []int64{id})
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return out[0], nil
	case db.TypeSet:
		ids, err := h.setIDs(ctx, f, oid)
		if err != nil {
			return nil, err
		}
		return h.foreignObjects(ctx, w, f.ForeignScheme(), ids)
	case db.TypeView:
		ids, err := h.viewIDs(ctx, f, oid)
		if err != nil {
			return nil, err
		}
		return h.foreignObjects(ctx, w, f.ForeignScheme(), ids)
	case db.TypeArray:
		return h.arrayValues(ctx, f, oid)
	}
	return row[f.Name()], nil
}

func (h *Handle) fieldCount(ctx context.Context, f *db.Field, oid int64) (db.Value, error) {
	var stmt string
	switch f.Type() {
	case db.TypeSet:
		ids, err := h.setIDs(ctx, f, oid)
		return int64(len(ids)), err
	case db.TypeView:
		stmt = "SELECT count(*) FROM " + quote(viewTable(f)) + " WHERE " + quote(colTag) + " = ?"
	case db.TypeArray:
		stmt = "SELECT count(*) FROM " + quote(arrayTable(f)) + " WHERE " + quote(colSource) + " = ?"
	default:
		return nil, errors.Errorf("field %s can not be counted", f.Name())
	}
	var n int64
	err := h.q().QueryRowContext(ctx, stmt, oid).Scan(&n)
	return n, errors.Wrapf(err, "count %s", f.Name())
}

func (h *Handle) fieldSet(ctx context.Context, s *db.Scheme, f *db.Field, oid int64, v db.Value) (db.Value, error) {
	switch f.Type() {
	case db.TypeSet:
		if err := h.replaceSet(ctx, f, oid, idList(v)); err != nil {
			return nil, err
		}
	case db.TypeArray:
		if err := h.replaceArray(ctx, f, oid, valueList(v)); err != nil {
			return nil, err
		}
	case db.TypeFullTextView:
		if err := h.writeFullText(ctx, f, oid, v); err != nil {
			return nil, err
		}
	case db.TypeView:
		return nil, errors.Errorf("view %s is read only", f.Name())
	default:
		if err := h.update(ctx, s, oid, db.Dict{f.Name(): v}); err != nil {
			return nil, err
		}
	}
	return db.Clone(v), nil
}

func (h *Handle) fieldAppend(ctx context.Context, f *db.Field, oid int64, v db.Value) (db.Value, error) {
	switch f.Type() {
	case db.TypeSet:
		if err := h.appendSet(ctx, f, oid, idList(v)); err != nil {
			return nil, err
		}
		ids, err := h.setIDs(ctx, f, oid)
		if err != nil {
			return nil, err
		}
		return idsAsValues(ids), nil
	case db.TypeArray:
		if err := h.appendArray(ctx, f, oid, valueList(v)); err != nil {
			return nil, err
		}
		return h.arrayValues(ctx, f, oid)
	}
	return nil, errors.Errorf("can not append to %s field %s", f.Type(), f.Name())
}

// fieldRemove drops the listed members of a collection, or clears the
// field when v is not a list. Clearing an empty field reports false.
func (h *Handle) fieldRemove(ctx context.Context, s *db.Scheme, f *db.Field, row db.Dict, v db.Value) (db.Value, error) {
	oid := db.GetInt(row, oidColumn)
	list, isList := v.([]any)
	switch f.Type() {
	case db.TypeSet:
		if isList {
			_, err := h.removeFromSet(ctx, f, oid, idList(list))
			return err == nil, err
		}
		return h.clearSet(ctx, f, oid)
	case db.TypeArray:
		if isList {
			err := h.removeFromArray(ctx, f, oid, list)
			return err == nil, err
		}
		return h.clearArray(ctx, f, oid)
	case db.TypeFullTextView:
		return true, h.writeFullText(ctx, f, oid, nil)
	case db.TypeView:
		return nil, errors.Errorf("view %s is read only", f.Name())
	}
	if _, ok := row[f.Name()]; !ok {
		return false, nil
	}
	if err := h.update(ctx, s, oid, db.Dict{f.Name(): nil}); err != nil {
		return nil, err
	}
	return true, nil
}

// AddToView adds the source object named in data to the view of target.
func (h *Handle) AddToView(ctx context.Context, view *db.Field, target int64, data db.Dict) error {
	source := db.GetInt(data, view.ForeignScheme().Name()+"_id")
	if source == 0 {
		return errors.Errorf("view %s: no source object in %v", view.Name(), data)
	}
	return h.atomic(ctx, func(q sqlutil.Querier) error {
		res, err := q.ExecContext(ctx, "INSERT OR IGNORE INTO "+quote(viewTable(view))+
			" ("+quote(colTag)+", "+quote(colObject)+") VALUES (?, ?)", target, source)
		if err != nil {
			return errors.Wrapf(err, "add to view %s", view.Name())
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return h.recordViewDelta(ctx, view, target, source, db.DeltaAppend)
	})
}

// RemoveFromView drops source from the given view tags, or from all of them
// when targets is nil.
func (h *Handle) RemoveFromView(ctx context.Context, view *db.Field, source int64, targets []int64) error {
	if targets != nil && len(targets) == 0 {
		return nil
	}
	where := quote(colObject) + " = ?"
	args := []any{source}
	if targets != nil {
		in, targs := sqlutil.InClauseArgs(targets)
		where += " AND " + quote(colTag) + " IN (" + in + ")"
		args = append(args, targs...)
	}
	return h.atomic(ctx, func(q sqlutil.Querier) error {
		if view.HasDelta() {
			stmt := "INSERT INTO " + quote(viewDeltaTable(view)) +
				" (" + quote(colTag) + ", " + quote(colObject) + ", \"time\", \"action\")" +
				" SELECT " + quote(colTag) + ", " + quote(colObject) + ", ?, ? FROM " + quote(viewTable(view)) + " WHERE " + where
			dargs := append([]any{h.store.now(), int64(db.DeltaErase)}, args...)
			if _, err := q.ExecContext(ctx, stmt, dargs...); err != nil {
				return errors.Wrapf(err, "record erase from view %s", view.Name())
			}
		}
		_, err := q.ExecContext(ctx, "DELETE FROM "+quote(viewTable(view))+" WHERE "+where, args...)
		return errors.Wrapf(err, "remove from view %s", view.Name())
	})
}

// ReferenceParents returns the objects of parent whose pointer refers to
// oid, sorted.
func (h *Handle) ReferenceParents(ctx context.Context, s *db.Scheme, oid int64, parent *db.Scheme, pointer *db.Field) ([]int64, error) {
	var stmt string
	switch {
	case pointer.Type() == db.TypeSet && linkOf(pointer) != nil:
		stmt = "SELECT " + quote(linkOf(pointer).Name()) + " FROM " + quote(s.Name()) +
			" WHERE " + quote(oidColumn) + " = ? AND " + quote(linkOf(pointer).Name()) + " IS NOT NULL"
	case pointer.Type() == db.TypeSet:
		stmt = "SELECT " + quote(colSource) + " FROM " + quote(setTable(pointer)) + " WHERE " + quote(colTarget) + " = ?"
	case isInline(pointer):
		stmt = "SELECT " + quote(oidColumn) + " FROM " + quote(parent.Name()) + " WHERE " + quote(pointer.Name()) + " = ?"
	default:
		return nil, errors.Errorf("%s.%s is not a reference", parent.Name(), pointer.Name())
	}
	ids, err := h.selectIDs(ctx, stmt+" ORDER BY 1", oid)
	if err != nil {
		return nil, errors.Wrapf(err, "parents of %s %d", s.Name(), oid)
	}
	return ids, nil
}

// resolve replaces references in rows with nested objects, following the
// resolver one level per call.
func (h *Handle) resolve(ctx context.Context, rows []db.Dict, r db.QueryFieldResolver) error {
	if len(rows) == 0 || !r.Valid() {
		return nil
	}
	for _, f := range r.Resolves() {
		var err error
		switch f.Type() {
		case db.TypeObject, db.TypeFile, db.TypeImage:
			err = h.resolveObjects(ctx, rows, f, r.Next(f.Name()))
		case db.TypeSet, db.TypeView:
			err = h.resolveCollection(ctx, rows, f, r.Next(f.Name()))
		case db.TypeArray:
			for _, row := range rows {
				vals, aerr := h.arrayValues(ctx, f, db.GetInt(row, oidColumn))
				if aerr != nil {
					return aerr
				}
				row[f.Name()] = vals
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) nestedScheme(f *db.Field) *db.Scheme {
	if f.IsFile() {
		return h.store.fileScheme()
	}
	return f.ForeignScheme()
}

// loadNested reads ids of s as the resolver next describes them, keyed by
// oid.
func (h *Handle) loadNested(ctx context.Context, s *db.Scheme, next db.QueryFieldResolver, ids []int64) (map[int64]db.Dict, error) {
	p := projectionFrom(s, func(cb func(string, *db.Field)) {
		db.ReadQueryFields(s, next.Resolves(), cb, false)
	})
	rows, err := h.loadObjects(ctx, p, ids)
	if err != nil {
		return nil, err
	}
	if err := h.resolve(ctx, rows, next); err != nil {
		return nil, err
	}
	out := make(map[int64]db.Dict, len(rows))
	for _, row := range rows {
		out[db.GetInt(row, oidColumn)] = row
	}
	return out, nil
}

func (h *Handle) resolveObjects(ctx context.Context, rows []db.Dict, f *db.Field, next db.QueryFieldResolver) error {
	s := h.nestedScheme(f)
	if s == nil || !next.Valid() {
		return nil
	}
	var ids []int64
	for _, row := range rows {
		if id := db.ObjectID(row[f.Name()]); id != 0 {
			ids = append(ids, id)
		}
	}
	nested, err := h.loadNested(ctx, s, next, ids)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if obj, ok := nested[db.ObjectID(row[f.Name()])]; ok {
			row[f.Name()] = obj
		}
	}
	return nil
}

func (h *Handle) resolveCollection(ctx context.Context, rows []db.Dict, f *db.Field, next db.QueryFieldResolver) error {
	members := make([][]int64, len(rows))
	var all []int64
	for i, row := range rows {
		oid := db.GetInt(row, oidColumn)
		var err error
		if f.Type() == db.TypeSet {
			members[i], err = h.setIDs(ctx, f, oid)
		} else {
			members[i], err = h.viewIDs(ctx, f, oid)
		}
		if err != nil {
			return err
		}
		all = append(all, members[i]...)
	}
	s := f.ForeignScheme()
	if s == nil || !next.Valid() {
		for i, row := range rows {
			row[f.Name()] = idsAsValues(members[i])
		}
		return nil
	}
	nested, err := h.loadNested(ctx, s, next, all)
	if err != nil {
		return err
	}
	for i, row := range rows {
		list := make([]any, 0, len(members[i]))
		for _, id := range members[i] {
			if obj, ok := nested[id]; ok {
				list = append(list, db.Clone(obj))
			}
		}
		row[f.Name()] = list
	}
	return nil
}
