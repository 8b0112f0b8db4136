package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

const oidColumn = db.OidField

// Side table columns.
const (
	colSource = "source"
	colTarget = "target"
	colData   = "data"
	colTag    = "tag"
	colObject = "object"
)

// FTS5 columns, one per rank.
var ftsColumns = [...]string{"a", "b", "c", "d"}

func setTable(f *db.Field) string {
	return f.Owner().Name() + "_f_" + f.Name()
}

func arrayTable(f *db.Field) string {
	return f.Owner().Name() + "_f_" + f.Name()
}

func viewTable(f *db.Field) string {
	return f.Owner().Name() + "_f_" + f.Name() + "_view"
}

func viewDeltaTable(f *db.Field) string {
	return f.Owner().Name() + "_f_" + f.Name() + "_delta"
}

func ftsTable(f *db.Field) string {
	return f.Owner().Name() + "_f_" + f.Name() + "_fts"
}

func deltaTable(s *db.Scheme) string {
	return "__delta_" + s.Name()
}

func quote(name string) string {
	return sqlutil.QuoteIdent(name)
}

type column struct {
	name string
	decl string
}

type table struct {
	name    string
	columns []column
	// extra table constraints, appended after the columns
	constraints []string
	// virtual tables are created with this module clause and never altered
	virtual string
}

func (t *table) create() string {
	if t.virtual != "" {
		return fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING %s", quote(t.name), t.virtual)
	}
	parts := make([]string, 0, len(t.columns)+len(t.constraints))
	for _, c := range t.columns {
		parts = append(parts, quote(c.name)+" "+c.decl)
	}
	parts = append(parts, t.constraints...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.name), strings.Join(parts, ",\n\t"))
}

type index struct {
	name    string
	table   string
	columns []string
	unique  bool
}

func (i index) create() string {
	kind := "INDEX"
	if i.unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
		kind, quote(i.name), quote(i.table), sqlutil.QuoteIdents(i.columns))
}

type trigger struct {
	name string
	body string
}

// layout is the full set of tables, indexes and triggers for a set of
// schemes.
type layout struct {
	tables   []*table
	indexes  []index
	triggers []trigger
	byName   map[string]*table
}

func (l *layout) addTable(t *table) {
	if _, ok := l.byName[t.name]; ok {
		return
	}
	l.byName[t.name] = t
	l.tables = append(l.tables, t)
}

func (l *layout) hasTable(name string) bool {
	_, ok := l.byName[name]
	return ok
}

// columnDecl returns the column declaration for a field stored inline, or
// false for fields kept elsewhere.
func columnDecl(f *db.Field) (string, bool) {
	switch f.Type() {
	case db.TypeInteger, db.TypeBoolean:
		return "INTEGER", true
	case db.TypeFloat:
		return "REAL", true
	case db.TypeText:
		return "TEXT", true
	case db.TypeBytes, db.TypeData, db.TypeExtra, db.TypeCustom:
		return "BLOB", true
	case db.TypeObject:
		if f.ForeignScheme() == nil {
			return "INTEGER", true
		}
		return fmt.Sprintf("INTEGER REFERENCES %s(%s) ON DELETE %s",
			quote(f.ForeignScheme().Name()), quote(oidColumn), onDelete(f.RemovePolicy())), true
	case db.TypeFile, db.TypeImage:
		return fmt.Sprintf("INTEGER REFERENCES %s(%s) ON DELETE SET NULL",
			quote(db.FileSchemeName), quote(oidColumn)), true
	}
	return "", false
}

func onDelete(p db.RemovePolicy) string {
	switch p {
	case db.Cascade:
		return "CASCADE"
	case db.Restrict:
		return "RESTRICT"
	}
	return "SET NULL"
}

func elementDecl(f *db.Field) string {
	if f == nil {
		return "TEXT"
	}
	switch f.Type() {
	case db.TypeInteger, db.TypeBoolean:
		return "INTEGER"
	case db.TypeFloat:
		return "REAL"
	case db.TypeText:
		return "TEXT"
	}
	return "BLOB"
}

// isInline reports whether f has a column in its scheme table.
func isInline(f *db.Field) bool {
	_, ok := columnDecl(f)
	return ok
}

// isLinkedSet reports whether membership of a Set is kept in the back
// reference column of the foreign scheme instead of a side table.
func isLinkedSet(f *db.Field) bool {
	return f.Type() == db.TypeSet && linkOf(f) != nil
}

func linkOf(f *db.Field) *db.Field {
	if f.Owner() == nil {
		return nil
	}
	return f.Owner().ForeignLink(f)
}

func isUniqueField(f *db.Field) bool {
	return f.HasFlag(db.Unique) || (f.Type() == db.TypeText && f.Transform() == db.TransformAlias)
}

func buildLayout(schemes map[string]*db.Scheme) *layout {
	l := &layout{byName: make(map[string]*table)}
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	// object tables first so side tables can reference them
	for _, name := range names {
		l.addScheme(schemes[name])
	}
	for _, name := range names {
		l.addCollections(schemes[name])
	}
	return l
}

func (l *layout) addScheme(s *db.Scheme) {
	t := &table{
		name:    s.Name(),
		columns: []column{{oidColumn, "INTEGER PRIMARY KEY AUTOINCREMENT"}},
	}
	for _, f := range s.Fields() {
		decl, ok := columnDecl(f)
		if !ok {
			continue
		}
		t.columns = append(t.columns, column{f.Name(), decl})
		switch {
		case isUniqueField(f):
			l.indexes = append(l.indexes, index{
				name: s.Name() + "_" + f.Name() + "_unique", table: s.Name(),
				columns: []string{f.Name()}, unique: true,
			})
		case f.IsIndexed() || f.IsFile():
			l.indexes = append(l.indexes, index{
				name: s.Name() + "_idx_" + f.Name(), table: s.Name(),
				columns: []string{f.Name()},
			})
		}
	}
	l.addTable(t)

	for _, u := range s.Unique() {
		cols := make([]string, 0, len(u.Fields))
		for _, f := range u.Fields {
			cols = append(cols, f.Name())
		}
		l.indexes = append(l.indexes, index{name: u.Name, table: s.Name(), columns: cols, unique: true})
	}

	if s.HasDelta() {
		l.addTable(&table{
			name: deltaTable(s),
			columns: []column{
				{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
				{colObject, "INTEGER NOT NULL"},
				{"time", "INTEGER NOT NULL"},
				{"action", "INTEGER NOT NULL"},
				{"user", "INTEGER"},
			},
		})
		l.indexes = append(l.indexes,
			index{name: deltaTable(s) + "_idx_object", table: deltaTable(s), columns: []string{colObject}},
			index{name: deltaTable(s) + "_idx_time", table: deltaTable(s), columns: []string{"time"}},
		)
	}
}

func (l *layout) addCollections(s *db.Scheme) {
	owner := quote(s.Name())
	for _, f := range s.Fields() {
		switch f.Type() {
		case db.TypeObject:
			if f.RemovePolicy() == db.StrongReference && f.ForeignScheme() != nil {
				target := quote(f.ForeignScheme().Name())
				col := quote(f.Name())
				l.triggers = append(l.triggers,
					trigger{
						name: s.Name() + "_" + f.Name() + "_strong_delete",
						body: fmt.Sprintf("AFTER DELETE ON %s FOR EACH ROW WHEN OLD.%s IS NOT NULL BEGIN DELETE FROM %s WHERE %s = OLD.%s; END",
							owner, col, target, quote(oidColumn), col),
					},
					trigger{
						name: s.Name() + "_" + f.Name() + "_strong_update",
						body: fmt.Sprintf("AFTER UPDATE OF %s ON %s FOR EACH ROW WHEN OLD.%s IS NOT NULL AND (NEW.%s IS NULL OR NEW.%s != OLD.%s) BEGIN DELETE FROM %s WHERE %s = OLD.%s; END",
							col, owner, col, col, col, col, target, quote(oidColumn), col),
					})
			}
		case db.TypeSet:
			if isLinkedSet(f) || f.ForeignScheme() == nil {
				continue
			}
			name := setTable(f)
			target := f.ForeignScheme().Name()
			l.addTable(&table{
				name: name,
				columns: []column{
					{colSource, fmt.Sprintf("INTEGER NOT NULL REFERENCES %s(%s) ON DELETE CASCADE", owner, quote(oidColumn))},
					{colTarget, fmt.Sprintf("INTEGER NOT NULL REFERENCES %s(%s) ON DELETE CASCADE", quote(target), quote(oidColumn))},
				},
				constraints: []string{fmt.Sprintf("PRIMARY KEY (%s, %s)", quote(colSource), quote(colTarget))},
			})
			l.indexes = append(l.indexes, index{name: name + "_idx_target", table: name, columns: []string{colTarget}})
			if f.RemovePolicy() == db.StrongReference {
				l.triggers = append(l.triggers, trigger{
					name: name + "_strong_delete",
					body: fmt.Sprintf("BEFORE DELETE ON %s FOR EACH ROW BEGIN DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s = OLD.%s); END",
						owner, quote(target), quote(oidColumn), quote(colTarget), quote(name), quote(colSource), quote(oidColumn)),
				})
			}
		case db.TypeArray:
			name := arrayTable(f)
			l.addTable(&table{
				name: name,
				columns: []column{
					{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
					{colSource, fmt.Sprintf("INTEGER NOT NULL REFERENCES %s(%s) ON DELETE CASCADE", owner, quote(oidColumn))},
					{colData, elementDecl(f.Element())},
				},
			})
			l.indexes = append(l.indexes, index{name: name + "_idx_source", table: name, columns: []string{colSource}})
		case db.TypeView:
			if f.ForeignScheme() == nil {
				continue
			}
			name := viewTable(f)
			l.addTable(&table{
				name: name,
				columns: []column{
					{db.ViewIDField, "INTEGER PRIMARY KEY AUTOINCREMENT"},
					{colTag, fmt.Sprintf("INTEGER NOT NULL REFERENCES %s(%s) ON DELETE CASCADE", owner, quote(oidColumn))},
					{colObject, fmt.Sprintf("INTEGER NOT NULL REFERENCES %s(%s) ON DELETE CASCADE", quote(f.ForeignScheme().Name()), quote(oidColumn))},
				},
				constraints: []string{fmt.Sprintf("UNIQUE (%s, %s)", quote(colTag), quote(colObject))},
			})
			l.indexes = append(l.indexes, index{name: name + "_idx_object", table: name, columns: []string{colObject}})
			if f.HasDelta() {
				dname := viewDeltaTable(f)
				l.addTable(&table{
					name: dname,
					columns: []column{
						{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
						{colTag, "INTEGER NOT NULL"},
						{colObject, "INTEGER NOT NULL"},
						{"time", "INTEGER NOT NULL"},
						{"action", "INTEGER NOT NULL"},
						{"user", "INTEGER"},
					},
				})
				l.indexes = append(l.indexes, index{name: dname + "_idx_tag", table: dname, columns: []string{colTag, "time"}})
			}
		case db.TypeFullTextView:
			name := ftsTable(f)
			l.addTable(&table{
				name:    name,
				virtual: "fts5(" + strings.Join(ftsColumns[:], ", ") + ")",
			})
			l.triggers = append(l.triggers, trigger{
				name: name + "_delete",
				body: fmt.Sprintf("AFTER DELETE ON %s FOR EACH ROW BEGIN DELETE FROM %s WHERE rowid = OLD.%s; END",
					owner, quote(name), quote(oidColumn)),
			})
		}
	}
}

// sync creates what is missing. Existing tables gain new columns; triggers
// are recreated so policy changes take effect.
func (l *layout) sync(ctx context.Context, q sqlutil.Querier) error {
	for _, t := range l.tables {
		existing, err := tableColumns(ctx, q, t.name)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := q.ExecContext(ctx, t.create()); err != nil {
				return errors.Wrapf(err, "create table %s", t.name)
			}
			continue
		}
		if t.virtual != "" {
			continue
		}
		for _, c := range t.columns {
			if _, ok := existing[c.name]; ok {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(t.name), quote(c.name), c.decl)
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "add column %s.%s", t.name, c.name)
			}
		}
	}
	for _, i := range l.indexes {
		if _, err := q.ExecContext(ctx, i.create()); err != nil {
			return errors.Wrapf(err, "create index %s", i.name)
		}
	}
	for _, tr := range l.triggers {
		if _, err := q.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+quote(tr.name)); err != nil {
			return errors.Wrapf(err, "drop trigger %s", tr.name)
		}
		if _, err := q.ExecContext(ctx, "CREATE TRIGGER "+quote(tr.name)+" "+tr.body); err != nil {
			return errors.Wrapf(err, "create trigger %s", tr.name)
		}
	}
	return nil
}

// tableColumns returns the column names of a table, or nil when it does not
// exist.
func tableColumns(ctx context.Context, q sqlutil.Querier, name string) (map[string]struct{}, error) {
	var kind string
	err := q.QueryRowContext(ctx, "SELECT type FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup table %s", name)
	}

	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", name)
	if err != nil {
		return nil, errors.Wrapf(err, "table info %s", name)
	}
	cols, err := sqlutil.ScanRows(rows, func(rows *sql.Rows) (string, error) {
		var c string
		err := rows.Scan(&c)
		return c, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "table info %s", name)
	}
	out := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		out[c] = struct{}{}
	}
	return out, nil
}
