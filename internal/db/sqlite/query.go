package sqlite

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/fulltext"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

// tableAlias is the alias every scheme table is selected under.
const tableAlias = "t"

// bm25 column weights, strongest rank first.
const ftsWeights = "8.0, 4.0, 2.0, 1.0"

func col(name string) string {
	return tableAlias + "." + quote(name)
}

// condBuilder accumulates a WHERE clause over one scheme table.
type condBuilder struct {
	scheme   *db.Scheme
	compress bool

	joins    []string
	joinArgs []any
	where    []string
	args     []any

	// rank column of the first full-text condition, by field name
	ranks map[string]string
}

func newCondBuilder(s *db.Scheme) *condBuilder {
	return &condBuilder{scheme: s, compress: s.IsCompressed()}
}

func (b *condBuilder) add(clause string, args ...any) {
	b.where = append(b.where, clause)
	b.args = append(b.args, args...)
}

func (b *condBuilder) restrictIDs(ids []int64) {
	in, args := sqlutil.InClauseArgs(ids)
	b.add(col(oidColumn)+" IN ("+in+")", args...)
}

func (b *condBuilder) whereSQL() string {
	if len(b.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.where, " AND ")
}

func (b *condBuilder) fromSQL() string {
	from := quote(b.scheme.Name()) + " AS " + tableAlias
	if len(b.joins) > 0 {
		from += " " + strings.Join(b.joins, " ")
	}
	return from
}

// allArgs returns join arguments followed by WHERE arguments, matching
// their order in the statement.
func (b *condBuilder) allArgs() []any {
	out := make([]any, 0, len(b.joinArgs)+len(b.args))
	out = append(out, b.joinArgs...)
	return append(out, b.args...)
}

// addQuery applies the selection part of q: ids, alias and conditions.
func (b *condBuilder) addQuery(q *db.Query) error {
	if ids := q.SelectedIDs(); len(ids) > 0 {
		b.restrictIDs(ids)
	}
	if alias := q.SelectedAlias(); alias != "" {
		var parts []string
		var args []any
		for _, f := range b.scheme.Fields() {
			if f.Type() == db.TypeText && f.Transform() == db.TransformAlias {
				parts = append(parts, col(f.Name())+" = ?")
				args = append(args, alias)
			}
		}
		if len(parts) == 0 {
			b.add("0")
		} else {
			b.add("("+strings.Join(parts, " OR ")+")", args...)
		}
	}
	for _, sel := range q.SelectList() {
		if err := b.addSelect(sel); err != nil {
			return err
		}
	}
	return nil
}

func (b *condBuilder) addSelect(sel db.Select) error {
	if sel.Field == oidColumn {
		return b.compare(col(oidColumn), sel, func(v db.Value) (any, error) {
			return db.ObjectID(v), nil
		})
	}
	f := b.scheme.Field(sel.Field)
	if f == nil {
		return errors.Errorf("%s: no field %q", b.scheme.Name(), sel.Field)
	}
	switch f.Type() {
	case db.TypeFullTextView:
		return b.addFullText(f, sel)
	case db.TypeSet, db.TypeView, db.TypeArray:
		return b.addMembership(f, sel)
	}
	if !isInline(f) {
		return errors.Errorf("%s: field %q can not be compared", b.scheme.Name(), sel.Field)
	}
	if sel.Compare == db.Includes {
		return b.addIncludes(f, sel)
	}
	return b.compare(col(f.Name()), sel, func(v db.Value) (any, error) {
		return encodeField(f, v, b.compress)
	})
}

func (b *condBuilder) compare(column string, sel db.Select, enc func(db.Value) (any, error)) error {
	v1, err := enc(sel.Value1)
	if err != nil {
		return err
	}
	var v2 any
	if sel.Compare.TwoArgs() {
		if v2, err = enc(sel.Value2); err != nil {
			return err
		}
	}

	switch sel.Compare {
	case db.IsNull:
		b.add(column + " IS NULL")
	case db.IsNotNull:
		b.add(column + " IS NOT NULL")
	case db.Equal:
		b.add(column+" = ?", v1)
	case db.NotEqual:
		b.add("("+column+" IS NULL OR "+column+" != ?)", v1)
	case db.LessThen:
		b.add(column+" < ?", v1)
	case db.LessOrEqual:
		b.add(column+" <= ?", v1)
	case db.GreaterThen:
		b.add(column+" > ?", v1)
	case db.GreaterOrEqual:
		b.add(column+" >= ?", v1)
	case db.BetweenValues:
		b.add("("+column+" > ? AND "+column+" < ?)", v1, v2)
	case db.BetweenEquals:
		b.add("("+column+" >= ? AND "+column+" <= ?)", v1, v2)
	case db.NotBetweenValues:
		b.add("("+column+" < ? OR "+column+" > ?)", v1, v2)
	case db.NotBetweenEquals:
		b.add("("+column+" <= ? OR "+column+" >= ?)", v1, v2)
	case db.In:
		list, ok := sel.Value1.([]any)
		if !ok {
			list = []any{sel.Value1}
		}
		vals := make([]any, 0, len(list))
		for _, it := range list {
			v, err := enc(it)
			if err != nil {
				return err
			}
			vals = append(vals, v)
		}
		in, args := sqlutil.InClauseArgs(vals)
		b.add(column+" IN ("+in+")", args...)
	default:
		return errors.Errorf("comparation %s not supported on %s", sel.Compare, column)
	}
	return nil
}

// addIncludes matches a substring of a text column.
func (b *condBuilder) addIncludes(f *db.Field, sel db.Select) error {
	if f.Type() != db.TypeText {
		return errors.Errorf("%s: includes is only defined for text, got %s", b.scheme.Name(), f.Type())
	}
	b.add("instr("+col(f.Name())+", ?) > 0", db.AsString(sel.Value1))
	return nil
}

// addMembership selects objects whose collection contains the given value.
func (b *condBuilder) addMembership(f *db.Field, sel db.Select) error {
	if sel.Compare != db.Includes && sel.Compare != db.Equal {
		return errors.Errorf("%s: comparation %s not supported on %s", b.scheme.Name(), sel.Compare, f.Name())
	}
	switch f.Type() {
	case db.TypeSet:
		id := db.ObjectID(sel.Value1)
		if link := linkOf(f); link != nil {
			b.add(col(oidColumn)+" IN (SELECT "+quote(link.Name())+" FROM "+quote(f.ForeignScheme().Name())+
				" WHERE "+quote(oidColumn)+" = ?)", id)
			return nil
		}
		b.add(col(oidColumn)+" IN (SELECT "+quote(colSource)+" FROM "+quote(setTable(f))+
			" WHERE "+quote(colTarget)+" = ?)", id)
	case db.TypeView:
		b.add(col(oidColumn)+" IN (SELECT "+quote(colTag)+" FROM "+quote(viewTable(f))+
			" WHERE "+quote(colObject)+" = ?)", db.ObjectID(sel.Value1))
	case db.TypeArray:
		v, err := encodeElement(f.Element(), sel.Value1)
		if err != nil {
			return err
		}
		b.add("EXISTS (SELECT 1 FROM "+quote(arrayTable(f))+" AS a WHERE a."+quote(colSource)+" = "+col(oidColumn)+
			" AND a."+quote(colData)+" = ?)", v)
	}
	return nil
}

// addFullText joins the FTS table of f, restricted to matches and ranked by
// bm25. A search without usable terms matches nothing.
func (b *condBuilder) addFullText(f *db.Field, sel db.Select) error {
	data := sel.Search
	if len(data) == 0 {
		data = f.SearchData(sel.Value1)
	}
	match := fulltext.MatchQuery(data)
	if match == "" {
		b.add("0")
		return nil
	}
	if b.ranks == nil {
		b.ranks = make(map[string]string)
	}
	alias := fmt.Sprintf("fts%d", len(b.joins))
	fts := quote(ftsTable(f))
	b.joins = append(b.joins, fmt.Sprintf(
		"JOIN (SELECT rowid AS id, bm25(%s, %s) AS rank FROM %s WHERE %s MATCH ?) AS %s ON %s.id = %s",
		fts, ftsWeights, fts, fts, alias, alias, col(oidColumn)))
	b.joinArgs = append(b.joinArgs, match)
	if _, ok := b.ranks[f.Name()]; !ok {
		b.ranks[f.Name()] = alias + ".rank"
	}
	return nil
}

// orderSQL renders ORDER BY for q. Full-text fields order by rank, best
// match first when descending. Ties break on oid.
func (b *condBuilder) orderSQL(q *db.Query) string {
	name := q.OrderField()
	if name == "" {
		return " ORDER BY " + col(oidColumn)
	}
	if rank, ok := b.ranks[name]; ok {
		dir := "ASC"
		if q.Ordering() == db.Ascending {
			dir = "DESC"
		}
		return " ORDER BY " + rank + " " + dir + ", " + col(oidColumn)
	}
	column := col(name)
	if name != oidColumn {
		f := b.scheme.Field(name)
		if f == nil || !isInline(f) {
			return " ORDER BY " + col(oidColumn)
		}
	}
	dir := "ASC"
	if q.Ordering() == db.Descending {
		dir = "DESC"
	}
	return " ORDER BY " + column + " " + dir + ", " + col(oidColumn) + " " + dir
}

func limitSQL(q *db.Query) (string, []any) {
	if !q.HasLimit() && !q.HasOffset() {
		return "", nil
	}
	limit := int64(-1)
	if q.HasLimit() {
		limit = int64(q.LimitValue())
	}
	return " LIMIT ? OFFSET ?", []any{limit, int64(q.OffsetValue())}
}
