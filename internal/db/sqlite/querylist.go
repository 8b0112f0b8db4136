package sqlite

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

// follow maps the ids matched by one query list item to the ids its field
// points at, keeping first-seen order.
func (h *Handle) follow(ctx context.Context, f *db.Field, ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	in, args := sqlutil.InClauseArgs(ids)

	var stmt string
	switch {
	case isInline(f) && (f.Type() == db.TypeObject || f.IsFile()):
		stmt = "SELECT " + quote(f.Name()) + " FROM " + quote(f.Owner().Name()) +
			" WHERE " + quote(oidColumn) + " IN (" + in + ") AND " + quote(f.Name()) + " IS NOT NULL ORDER BY " + quote(oidColumn)
	case f.Type() == db.TypeSet && linkOf(f) != nil:
		stmt = "SELECT " + quote(oidColumn) + " FROM " + quote(f.ForeignScheme().Name()) +
			" WHERE " + quote(linkOf(f).Name()) + " IN (" + in + ") ORDER BY " + quote(oidColumn)
	case f.Type() == db.TypeSet:
		stmt = "SELECT " + quote(colTarget) + " FROM " + quote(setTable(f)) +
			" WHERE " + quote(colSource) + " IN (" + in + ") ORDER BY rowid"
	case f.Type() == db.TypeView:
		stmt = "SELECT " + quote(colObject) + " FROM " + quote(viewTable(f)) +
			" WHERE " + quote(colTag) + " IN (" + in + ") ORDER BY " + quote(db.ViewIDField)
	default:
		return nil, errors.Errorf("can not follow %s field %s", f.Type(), f.Name())
	}

	found, err := h.selectIDs(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "follow %s.%s", f.Owner().Name(), f.Name())
	}
	seen := make(map[int64]struct{}, len(found))
	for _, id := range found {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// runQueryList walks the first count items of ql. Every item but the last
// yields ids only; the projection for the last one comes from last.
func (h *Handle) runQueryList(ctx context.Context, ql *db.QueryList, count int, last func(it *db.QueryListItem) projection) ([]db.Dict, error) {
	items := ql.Items()
	if count <= 0 || count > len(items) {
		count = len(items)
	}
	items = items[:count]

	var ids []int64
	for i, it := range items {
		var restrict []int64
		var viewDelta map[int64]deltaEntry
		if i > 0 {
			prev := items[i-1]
			if prev.Field == nil {
				return nil, errors.Errorf("query list: no field leads from %s to %s", prev.Scheme.Name(), it.Scheme.Name())
			}
			var err error
			if restrict, err = h.follow(ctx, prev.Field, ids); err != nil {
				return nil, err
			}
			if prev.Field.Type() == db.TypeView && prev.Field.HasDelta() && it.Query.HasDelta() && len(ids) == 1 {
				if viewDelta, err = h.viewDeltaSince(ctx, prev.Field, ids[0], it.Query.DeltaValue()); err != nil {
					return nil, err
				}
				restrict = changedMembers(restrict, viewDelta)
			}
		}

		p := projection{scheme: it.Scheme}
		final := i == len(items)-1
		if final {
			p = last(it)
		}
		rows, err := h.selectObjects(ctx, p, it.Query, restrict, viewDelta == nil)
		if err != nil {
			return nil, err
		}
		if viewDelta != nil {
			rows = attachDelta(rows, viewDelta)
		}
		if final {
			return rows, nil
		}
		ids = ids[:0]
		for _, row := range rows {
			if isTombstone(row) {
				continue
			}
			ids = append(ids, db.GetInt(row, oidColumn))
		}
	}
	return nil, nil
}

// isTombstone reports whether row only marks a removed object.
func isTombstone(row db.Dict) bool {
	d, ok := row[db.DeltaField].(db.Dict)
	if !ok {
		return false
	}
	a := db.AsString(d["action"])
	return a == db.DeltaDelete.String() || a == db.DeltaErase.String()
}

// changedMembers keeps the members of a view that changed and are still
// present.
func changedMembers(ids []int64, changes map[int64]deltaEntry) []int64 {
	out := make([]int64, 0, len(changes))
	for _, id := range ids {
		if e, ok := changes[id]; ok && e.action != db.DeltaErase {
			out = append(out, id)
		}
	}
	return out
}

func (h *Handle) PerformQueryListForIds(ctx context.Context, ql *db.QueryList, count int) ([]int64, error) {
	rows, err := h.runQueryList(ctx, ql, count, func(it *db.QueryListItem) projection {
		return projection{scheme: it.Scheme}
	})
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		if !isTombstone(row) {
			out = append(out, db.GetInt(row, oidColumn))
		}
	}
	return out, nil
}

// PerformQueryList resolves ql into objects of its last item. SQLite locks
// the whole database for writing transactions, so forUpdate needs no
// row locks.
func (h *Handle) PerformQueryList(ctx context.Context, ql *db.QueryList, count int, forUpdate bool) ([]db.Dict, error) {
	var final *db.QueryListItem
	rows, err := h.runQueryList(ctx, ql, count, func(it *db.QueryListItem) projection {
		final = it
		if !it.Fields.Valid() {
			return allColumns(it.Scheme)
		}
		simple := ql.HasFlag(db.QueryListSimpleGet)
		return projectionFrom(it.Scheme, func(cb func(string, *db.Field)) {
			it.ReadFields(cb, simple)
		})
	})
	if err != nil {
		return nil, err
	}
	if final != nil && final.Fields.Valid() {
		if err := h.resolve(ctx, rows, final.Fields); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
