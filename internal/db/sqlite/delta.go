package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
)

// deltaEntry is the latest recorded change of one object.
type deltaEntry struct {
	action db.DeltaAction
	time   int64
}

func (e deltaEntry) dict() db.Dict {
	return db.Dict{"action": e.action.String(), db.DeltaAtField: e.time}
}

func (h *Handle) recordDelta(ctx context.Context, s *db.Scheme, oid int64, a db.DeltaAction, user int64) error {
	if !s.HasDelta() {
		return nil
	}
	_, err := h.q().ExecContext(ctx,
		"INSERT INTO "+quote(deltaTable(s))+" ("+quote(colObject)+", \"time\", \"action\", \"user\") VALUES (?, ?, ?, ?)",
		oid, h.store.now(), int64(a), nullUser(user))
	return errors.Wrapf(err, "record %s delta of %s %d", a, s.Name(), oid)
}

func (h *Handle) recordViewDelta(ctx context.Context, view *db.Field, tag, object int64, a db.DeltaAction) error {
	if !view.HasDelta() {
		return nil
	}
	_, err := h.q().ExecContext(ctx,
		"INSERT INTO "+quote(viewDeltaTable(view))+" ("+quote(colTag)+", "+quote(colObject)+", \"time\", \"action\") VALUES (?, ?, ?, ?)",
		tag, object, h.store.now(), int64(a))
	return errors.Wrapf(err, "record %s delta of view %s", a, view.Name())
}

// recordViewErase marks oid erased from every delta view it belongs to.
// It runs before the row is deleted, while memberships still exist.
func (h *Handle) recordViewErase(ctx context.Context, s *db.Scheme, oid int64) error {
	for _, vs := range s.Views() {
		view := vs.ViewField
		if view == nil || view.Type() != db.TypeView || !view.HasDelta() {
			continue
		}
		stmt := "INSERT INTO " + quote(viewDeltaTable(view)) +
			" (" + quote(colTag) + ", " + quote(colObject) + ", \"time\", \"action\")" +
			" SELECT " + quote(colTag) + ", " + quote(colObject) + ", ?, ? FROM " + quote(viewTable(view)) +
			" WHERE " + quote(colObject) + " = ?"
		if _, err := h.q().ExecContext(ctx, stmt, h.store.now(), int64(db.DeltaErase), oid); err != nil {
			return errors.Wrapf(err, "record erase from view %s", view.Name())
		}
	}
	return nil
}

func nullUser(user int64) any {
	if user == 0 {
		return nil
	}
	return user
}

// deltaSince returns the latest change of every object changed after
// since, in microseconds.
func (h *Handle) deltaSince(ctx context.Context, s *db.Scheme, since int64) (map[int64]deltaEntry, error) {
	stmt := "SELECT d." + quote(colObject) + ", d.\"action\", d.\"time\" FROM " + quote(deltaTable(s)) + " AS d" +
		" WHERE d.\"time\" > ? ORDER BY d.\"id\""
	return h.readDelta(ctx, stmt, since)
}

// viewDeltaSince is deltaSince for the members of one view tag.
func (h *Handle) viewDeltaSince(ctx context.Context, view *db.Field, tag, since int64) (map[int64]deltaEntry, error) {
	stmt := "SELECT d." + quote(colObject) + ", d.\"action\", d.\"time\" FROM " + quote(viewDeltaTable(view)) + " AS d" +
		" WHERE d." + quote(colTag) + " = ? AND d.\"time\" > ? ORDER BY d.\"id\""
	return h.readDelta(ctx, stmt, tag, since)
}

func (h *Handle) readDelta(ctx context.Context, stmt string, args ...any) (map[int64]deltaEntry, error) {
	rows, err := h.q().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "read delta")
	}
	defer rows.Close()
	out := make(map[int64]deltaEntry)
	for rows.Next() {
		var oid, action, at int64
		if err := rows.Scan(&oid, &action, &at); err != nil {
			return nil, errors.Wrap(err, "read delta")
		}
		// rows come in insertion order, so later changes win
		out[oid] = deltaEntry{action: db.DeltaAction(action), time: at}
	}
	return out, errors.Wrap(rows.Err(), "read delta")
}

// attachDelta annotates rows with their change and appends tombstones for
// objects that are gone.
func attachDelta(rows []db.Dict, changes map[int64]deltaEntry) []db.Dict {
	present := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		oid := db.GetInt(row, oidColumn)
		present[oid] = struct{}{}
		if e, ok := changes[oid]; ok {
			row[db.DeltaField] = e.dict()
		}
	}
	for _, oid := range sortedKeys(changes) {
		e := changes[oid]
		if e.action != db.DeltaDelete && e.action != db.DeltaErase {
			continue
		}
		if _, ok := present[oid]; ok {
			continue
		}
		rows = append(rows, db.Dict{oidColumn: oid, db.DeltaField: e.dict()})
	}
	return rows
}

func (h *Handle) maxTime(ctx context.Context, stmt string, args ...any) (int64, error) {
	var v sql.NullInt64
	if err := h.q().QueryRowContext(ctx, stmt, args...).Scan(&v); err != nil {
		return 0, errors.Wrap(err, "read delta time")
	}
	return v.Int64, nil
}

// DeltaValue returns the time of the latest change to s in microseconds,
// or 0.
func (h *Handle) DeltaValue(ctx context.Context, s *db.Scheme) (int64, error) {
	if !s.HasDelta() {
		return 0, nil
	}
	return h.maxTime(ctx, "SELECT max(\"time\") FROM "+quote(deltaTable(s)))
}

func (h *Handle) ViewDeltaValue(ctx context.Context, view *db.Field, tag int64) (int64, error) {
	if !view.HasDelta() {
		return 0, nil
	}
	return h.maxTime(ctx, "SELECT max(\"time\") FROM "+quote(viewDeltaTable(view))+" WHERE "+quote(colTag)+" = ?", tag)
}
