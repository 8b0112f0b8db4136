package db

import (
	"errors"
	"fmt"
	"time"
)

// DefaultResolverMaxDepth caps the include depth decoded by QueryList.Apply.
const DefaultResolverMaxDepth = 4

const maxQueryListItems = 4

// QueryListFlags mark how a QueryList result is consumed.
type QueryListFlags uint32

const (
	QueryListNone       QueryListFlags = 0
	QueryListSimpleGet  QueryListFlags = 1 << 0
	QueryListForUpdate  QueryListFlags = 1 << 1
	QueryListNoFullText QueryListFlags = 1 << 2
)

// QueryListItem is one step of a resource path: a scheme, the query over
// it and the field linking it to the next step.
type QueryListItem struct {
	Scheme *Scheme
	Ref    *Field // back-reference into the previous item, if any
	Field  *Field // field leading to the next item
	All    bool
	Query  *Query
	Fields QueryFieldResolver
}

// ReadFields reports the columns to read for this item.
func (it *QueryListItem) ReadFields(cb func(name string, f *Field), isSimpleGet bool) {
	ReadQueryFields(it.Scheme, it.Fields.Resolves(), cb, isSimpleGet)
}

// QueryList is a chain of up to four queries, each following a link field
// of the previous one: scheme -> field -> foreign scheme -> ...
type QueryList struct {
	items     []*QueryListItem
	flags     QueryListFlags
	extraData Dict
	maxDepth  int
}

// NewQueryList starts a chain at s.
func NewQueryList(s *Scheme) *QueryList {
	return &QueryList{
		items:    []*QueryListItem{{Scheme: s, Query: NewQuery()}},
		maxDepth: DefaultResolverMaxDepth,
	}
}

// SetMaxDepth overrides the resolver depth cap.
func (ql *QueryList) SetMaxDepth(d int) {
	ql.maxDepth = d
}

func (ql *QueryList) MaxDepth() int {
	return ql.maxDepth
}

func (ql *QueryList) back() *QueryListItem {
	return ql.items[len(ql.items)-1]
}

func (ql *QueryList) SelectByID(s *Scheme, id int64) bool {
	b := ql.back()
	if b.Scheme == s && len(b.Query.selectIDs) == 0 && b.Query.selectAlias == "" {
		b.Query.SelectID(id)
		return true
	}
	return false
}

func (ql *QueryList) SelectByName(s *Scheme, alias string) bool {
	b := ql.back()
	if b.Scheme == s && len(b.Query.selectIDs) == 0 && b.Query.selectAlias == "" {
		b.Query.SelectAlias(alias)
		return true
	}
	return false
}

func (ql *QueryList) SelectByQuery(s *Scheme, sel Select) bool {
	b := ql.back()
	if b.Scheme == s && (b.Query.Empty() || len(b.Query.selectList) > 0) {
		b.Query.AddSelect(sel)
		return true
	}
	return false
}

func (ql *QueryList) Order(s *Scheme, field string, o Ordering) bool {
	b := ql.back()
	if b.Scheme == s && b.Query.orderField == "" {
		b.Query.Order(field, o)
		return true
	}
	return false
}

func (ql *QueryList) First(s *Scheme, field string, n int) bool {
	b := ql.back()
	if b.Scheme == s && b.Query.orderField == "" && b.Query.limit > n && b.Query.offset == 0 {
		b.Query.Order(field, Ascending, n, 0)
		return true
	}
	return false
}

func (ql *QueryList) Last(s *Scheme, field string, n int) bool {
	b := ql.back()
	if b.Scheme == s && b.Query.orderField == "" && b.Query.limit > n && b.Query.offset == 0 {
		b.Query.Order(field, Descending, n, 0)
		return true
	}
	return false
}

func (ql *QueryList) Limit(s *Scheme, n int) bool {
	b := ql.back()
	if b.Scheme == s && b.Query.limit > n {
		b.Query.Limit(n)
		return true
	}
	return false
}

func (ql *QueryList) Offset(s *Scheme, n int) bool {
	b := ql.back()
	if b.Scheme == s && b.Query.offset == 0 {
		b.Query.Offset(n)
		return true
	}
	return false
}

// SetFullTextQuery adds a full-text condition on a FullTextView field.
func (ql *QueryList) SetFullTextQuery(f *Field, data []FullTextData) bool {
	if f == nil || f.typ != TypeFullTextView {
		return false
	}
	b := ql.back()
	b.Query.SelectFullText(f.name, data)
	b.Field = f
	return true
}

func (ql *QueryList) SetAll() bool {
	b := ql.back()
	if b.All {
		return false
	}
	b.All = true
	return true
}

// SetField follows f from the current item into s.
func (ql *QueryList) SetField(s *Scheme, f *Field) bool {
	if len(ql.items) >= maxQueryListItems {
		return false
	}
	prev := ql.back()
	prev.Field = f
	ql.items = append(ql.items, &QueryListItem{
		Scheme: s,
		Ref:    prev.Scheme.ForeignLink(f),
		Query:  NewQuery(),
	})
	return true
}

// SetProperty restricts the current item to one field.
func (ql *QueryList) SetProperty(f *Field) bool {
	ql.back().Query.IncludeNames(f.name)
	return true
}

// SetQueryAsMtime narrows the current item to its AutoMTime field and returns
// its name, or "" if the scheme has none.
func (ql *QueryList) SetQueryAsMtime() string {
	b := ql.back()
	for _, name := range b.Scheme.names {
		f := b.Scheme.fields[name]
		if f.HasFlag(AutoMTime) {
			b.Query.ClearFields().IncludeNames(name)
			b.Fields = NewQueryFieldResolver(b.Scheme, b.Query, nil)
			return name
		}
	}
	return ""
}

func (ql *QueryList) ClearFlags() {
	ql.flags = QueryListNone
}

func (ql *QueryList) AddFlag(f QueryListFlags) {
	ql.flags |= f
}

func (ql *QueryList) HasFlag(f QueryListFlags) bool {
	return ql.flags&f != 0
}

func (ql *QueryList) IsAll() bool {
	return ql.back().All
}

// IsRefSet reports whether the last step is a Set followed by reference.
func (ql *QueryList) IsRefSet() bool {
	b := ql.back()
	return len(ql.items) > 1 && b.Ref == nil && !b.All
}

// IsObject reports whether the last step yields a single object.
func (ql *QueryList) IsObject() bool {
	q := ql.back().Query
	return len(q.selectIDs) == 1 || q.selectAlias != "" || q.limit == 1
}

func (ql *QueryList) IsView() bool {
	if len(ql.items) > 1 {
		if f := ql.items[len(ql.items)-2].Field; f != nil {
			return f.typ == TypeView
		}
	}
	if f := ql.back().Field; f != nil {
		return f.typ == TypeView
	}
	return false
}

func (ql *QueryList) Empty() bool {
	return len(ql.items) == 1 && ql.items[0].Query.Empty()
}

// IsDeltaApplicable reports whether a delta query can be answered: a single
// unfiltered scheme, or a view of one selected object.
func (ql *QueryList) IsDeltaApplicable() bool {
	b := ql.back()
	if b.Query.HasSelectName() || b.Query.HasSelectList() {
		return false
	}
	if len(ql.items) == 1 {
		return true
	}
	return ql.IsView() && len(ql.items) == 2 && len(ql.items[0].Query.selectIDs) == 1
}

func (ql *QueryList) Size() int {
	return len(ql.items)
}

func (ql *QueryList) PrimaryScheme() *Scheme {
	return ql.items[0].Scheme
}

func (ql *QueryList) SourceScheme() *Scheme {
	if len(ql.items) >= 2 {
		return ql.items[len(ql.items)-2].Scheme
	}
	return ql.PrimaryScheme()
}

func (ql *QueryList) Scheme() *Scheme {
	return ql.back().Scheme
}

// Field returns the field leading into the last item.
func (ql *QueryList) Field() *Field {
	if len(ql.items) >= 2 {
		return ql.items[len(ql.items)-2].Field
	}
	return nil
}

func (ql *QueryList) TopQuery() *Query {
	return ql.back().Query
}

func (ql *QueryList) Items() []*QueryListItem {
	return ql.items
}

// ExtraData holds keys of an applied request that are not query keys.
func (ql *QueryList) ExtraData() Dict {
	return ql.extraData
}

// Apply decodes a request dictionary into the last item's query. Invalid
// parts are skipped; the returned error joins every problem found.
func (ql *QueryList) Apply(v Dict) error {
	b := ql.back()
	q := b.Query
	s := b.Scheme

	var errs []error
	for _, key := range sortedKeys(v) {
		val := v[key]
		switch key {
		case "select":
			errs = append(errs, decodeSelect(s, q, val)...)
		case "order", "first", "last":
			if err := decodeOrder(s, q, key, val); err != nil {
				errs = append(errs, err)
			}
		case "limit":
			if n, ok := val.(int64); ok {
				q.Limit(int(n))
			}
		case "offset":
			if n, ok := val.(int64); ok {
				q.Offset(int(n))
			}
		case "fields", "include", "exclude":
			var dec []QueryField
			depth, derrs := decodeInclude(s, nil, &dec, val)
			errs = append(errs, derrs...)
			q.Depth(min(depth, ql.maxDepth))
			if key == "exclude" {
				q.Exclude(dec...)
			} else {
				q.Include(dec...)
			}
		case "delta":
			switch t := val.(type) {
			case string:
				q.DeltaToken(t)
			case int64:
				q.Delta(t)
			}
		case "forUpdate":
			q.ForUpdate()
		default:
			if ql.extraData == nil {
				ql.extraData = Dict{}
			}
			ql.extraData[key] = val
		}
	}
	return errors.Join(errs...)
}

// Resolve expands the last item's field sets, adding extra names.
func (ql *QueryList) Resolve(extra []string) {
	b := ql.back()
	b.Fields = NewQueryFieldResolver(b.Scheme, b.Query, extra)
}

func (ql *QueryList) ResolveDepth() int {
	return ql.back().Query.depth
}

func (ql *QueryList) SetResolveDepth(d int) {
	ql.back().Query.Depth(d)
}

func (ql *QueryList) SetDelta(t time.Time) {
	ql.back().Query.Delta(t.UnixMicro())
}

func (ql *QueryList) Delta() time.Time {
	return time.UnixMicro(ql.back().Query.delta)
}

// Fields returns the resolver of the last item.
func (ql *QueryList) Fields() QueryFieldResolver {
	return ql.back().Fields
}

// ReadQueryFields reports the columns to read for a resolved field set: the
// oid, every non-collection field and the forced fields. An empty set reads
// everything.
func ReadQueryFields(s *Scheme, fields []*Field, cb func(name string, f *Field), isSimpleGet bool) {
	if len(fields) == 0 {
		cb("*", nil)
		return
	}
	cb(OidField, nil)
	seen := make(map[*Field]struct{}, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}
		seen[f] = struct{}{}
		switch f.typ {
		case TypeSet, TypeArray, TypeView:
			continue
		}
		cb(f.name, f)
	}
	for _, name := range s.names {
		f := s.fields[name]
		if _, ok := seen[f]; ok {
			continue
		}
		_, forced := s.forceInclude[f]
		if f.HasFlag(ForceInclude) || (!isSimpleGet && forced) {
			cb(name, f)
		}
	}
}

func decodeSelect(s *Scheme, q *Query, v Value) []error {
	switch t := v.(type) {
	case int64:
		q.SelectID(t)
	case string:
		q.SelectValue(t)
	case []any:
		if len(t) == 0 {
			return nil
		}
		if _, ok := t[0].(string); ok {
			if err := decodeCondition(s, q, t); err != nil {
				return []error{err}
			}
			return nil
		}
		var errs []error
		for _, it := range t {
			if cond, ok := it.([]any); ok {
				if err := decodeCondition(s, q, cond); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errs
	}
	return nil
}

func decodeCondition(s *Scheme, q *Query, cond []any) error {
	if len(cond) < 2 {
		return nil
	}
	name := AsString(cond[0])
	f := s.Field(name)
	if f != nil && f.typ == TypeFullTextView {
		data := f.SearchData(cond[len(cond)-1])
		if len(data) == 0 {
			return validationError(s, name, "Invalid full-text query")
		}
		q.SelectFullText(name, data)
		return nil
	}
	if f == nil || !f.IsIndexed() {
		return validationError(s, name, "Invalid field for select")
	}
	c, ok := DecodeComparation(AsString(cond[1]))
	if !ok {
		return validationError(s, name, "Invalid comparation for select")
	}
	sel := Select{Field: name, Compare: c}
	if !c.NoArgs() {
		if len(cond) < 3 {
			return validationError(s, name, "Invalid field for select")
		}
		sel.Value1 = cond[2]
		if c.TwoArgs() && len(cond) >= 4 {
			sel.Value2 = cond[3]
		}
	}
	q.AddSelect(sel)
	return nil
}

func decodeOrder(s *Scheme, q *Query, key string, v Value) error {
	var field string
	ord := Ascending
	limit := noLimit
	offset := 0

	if key == "last" {
		ord = Descending
	}
	if key == "first" || key == "last" {
		limit = 1
	}

	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			break
		}
		field = AsString(t[0])
		target := 1
		if key == "order" && len(t) > target {
			if AsString(t[target]) == "desc" {
				ord = Descending
			}
			target++
		}
		if len(t) > target {
			n, _ := AsInt64(t[target])
			limit = int(n)
			target++
			if len(t) > target {
				n, _ := AsInt64(t[target])
				offset = int(n)
			}
		}
	case string:
		field = t
	}

	if f := s.Field(field); f != nil && f.IsIndexed() {
		q.orderField = field
		q.ordering = ord
		if limit != noLimit && !q.HasLimit() {
			q.Limit(limit)
		}
		if offset != 0 && !q.HasOffset() {
			q.Offset(offset)
		}
		return nil
	}
	return validationError(s, field, "Invalid field for ordering")
}

func includeTarget(s *Scheme, f *Field, name string) *Field {
	if f == nil {
		return s.Field(name)
	}
	if f.typ == TypeExtra {
		return f.SubField(name)
	}
	return nil
}

// emplaceInclude appends name to dec and reports the depth it adds.
func emplaceInclude(s *Scheme, f *Field, dec *[]QueryField, name string) (int, error) {
	if name != "" && name[0] == '$' {
		*dec = append(*dec, QueryField{Name: name})
		return 1, nil
	}
	switch {
	case f == nil:
		if field := s.Field(name); field != nil {
			*dec = append(*dec, QueryField{Name: name})
			if field.IsFile() || field.foreign != nil {
				return 1, nil
			}
			return 0, nil
		}
	case f.typ == TypeExtra:
		if f.SubField(name) != nil {
			*dec = append(*dec, QueryField{Name: name})
			return 0, nil
		}
	case f.typ == TypeData:
		*dec = append(*dec, QueryField{Name: name})
		return 0, nil
	}
	if f == nil {
		return 0, validationError(s, name, fmt.Sprintf("Invalid field name in 'include' for scheme %s", s.name))
	}
	return 0, validationError(s, name, fmt.Sprintf("Invalid field name in 'include' for scheme %s and field %s", s.name, f.name))
}

func decodeMeta(dec *[]QueryField, v Value) {
	switch t := v.(type) {
	case []any:
		for _, it := range t {
			if str := AsString(it); str != "" {
				*dec = append(*dec, QueryField{Name: str})
			}
		}
	case Dict:
		for _, k := range sortedKeys(t) {
			qf := QueryField{Name: k}
			decodeMeta(&qf.Fields, t[k])
			*dec = append(*dec, qf)
		}
	case string:
		*dec = append(*dec, QueryField{Name: t})
	}
}

func decodeInclude(s *Scheme, f *Field, dec *[]QueryField, v Value) (int, []error) {
	var errs []error
	depth := 0
	switch t := v.(type) {
	case Dict:
		for _, key := range sortedKeys(t) {
			val := t[key]
			if key == "" {
				continue
			}
			switch val.(type) {
			case bool:
				if val.(bool) {
					if _, err := emplaceInclude(s, f, dec, key); err != nil {
						errs = append(errs, err)
					}
				}
			case []any, Dict, string:
				if key[0] == '$' {
					qf := QueryField{Name: key}
					decodeMeta(&qf.Fields, val)
					*dec = append(*dec, qf)
					continue
				}
				target := includeTarget(s, f, key)
				if target == nil {
					errs = append(errs, validationError(s, key, fmt.Sprintf("Invalid field name in 'include' for scheme %s", s.name)))
					continue
				}
				qf := QueryField{Name: key}
				var d int
				var sub []error
				switch {
				case target.foreign != nil:
					d, sub = decodeInclude(target.foreign, nil, &qf.Fields, val)
				case target.IsFile():
					d, sub = decodeInclude(target.files, nil, &qf.Fields, val)
				default:
					d, sub = decodeInclude(s, target, &qf.Fields, val)
				}
				*dec = append(*dec, qf)
				errs = append(errs, sub...)
				depth = max(depth, d)
			}
		}
		depth++
	case string:
		d, err := emplaceInclude(s, f, dec, t)
		if err != nil {
			errs = append(errs, err)
		}
		depth = d
	case []any:
		for _, it := range t {
			str, ok := it.(string)
			if !ok {
				continue
			}
			d, err := emplaceInclude(s, f, dec, str)
			if err != nil {
				errs = append(errs, err)
			}
			depth = max(depth, d)
		}
	}
	return depth, errs
}
