package db

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sort"
)

// Comparation is a condition operator.
type Comparation int

const (
	LessThen Comparation = iota
	LessOrEqual
	Equal
	NotEqual
	GreaterOrEqual
	GreaterThen
	BetweenValues    // lower < x < upper
	BetweenEquals    // lower <= x <= upper
	NotBetweenValues // x < lower or x > upper
	NotBetweenEquals // x <= lower or x >= upper
	Includes
	In
	IsNull
	IsNotNull
)

var comparationCodes = map[Comparation]string{
	LessThen:         "lt",
	LessOrEqual:      "le",
	Equal:            "eq",
	NotEqual:         "neq",
	GreaterOrEqual:   "ge",
	GreaterThen:      "gt",
	BetweenValues:    "bw",
	BetweenEquals:    "be",
	NotBetweenValues: "nbw",
	NotBetweenEquals: "nbe",
	Includes:         "incl",
	In:               "in",
	IsNull:           "isnull",
	IsNotNull:        "notnull",
}

func (c Comparation) String() string {
	return comparationCodes[c]
}

// TwoArgs reports whether the operator takes a lower and an upper bound.
func (c Comparation) TwoArgs() bool {
	switch c {
	case BetweenValues, BetweenEquals, NotBetweenValues, NotBetweenEquals:
		return true
	}
	return false
}

// NoArgs reports whether the operator takes no value.
func (c Comparation) NoArgs() bool {
	return c == IsNull || c == IsNotNull
}

// DecodeComparation parses an operator code.
func DecodeComparation(s string) (Comparation, bool) {
	for c, code := range comparationCodes {
		if code == s {
			return c, true
		}
	}
	return Equal, false
}

// Ordering is a sort direction.
type Ordering int

const (
	Ascending Ordering = iota
	Descending
)

func (o Ordering) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// Resolve is a bitmask of field classes requested by "$" include codes.
type Resolve uint32

const (
	ResolveFiles Resolve = 1 << iota
	ResolveSets
	ResolveObjects
	ResolveArrays
	ResolveDefaults
	ResolveBasics
	ResolveIds

	ResolveNone Resolve = 0
	ResolveAll          = ResolveFiles | ResolveSets | ResolveObjects | ResolveArrays | ResolveDefaults | ResolveBasics
)

var resolveCodes = []struct {
	code string
	r    Resolve
}{
	{"$all", ResolveAll},
	{"$files", ResolveFiles},
	{"$sets", ResolveSets},
	{"$objects", ResolveObjects},
	{"$objs", ResolveObjects},
	{"$arrays", ResolveArrays},
	{"$defaults", ResolveDefaults},
	{"$defs", ResolveDefaults},
	{"$basics", ResolveBasics},
	{"$ids", ResolveIds},
}

// DecodeResolve parses a "$" include code.
func DecodeResolve(s string) Resolve {
	for _, it := range resolveCodes {
		if it.code == s {
			return it.r
		}
	}
	return ResolveNone
}

// EncodeResolve renders a bitmask as its "$" codes.
func EncodeResolve(r Resolve) []string {
	if r&ResolveAll == ResolveAll {
		out := []string{"$all"}
		if r&ResolveIds != 0 {
			out = append(out, "$ids")
		}
		return out
	}
	var out []string
	for _, it := range []struct {
		r    Resolve
		code string
	}{
		{ResolveFiles, "$files"},
		{ResolveSets, "$sets"},
		{ResolveObjects, "$objs"},
		{ResolveArrays, "$arrays"},
		{ResolveDefaults, "$defs"},
		{ResolveBasics, "$basics"},
		{ResolveIds, "$ids"},
	} {
		if r&it.r != 0 {
			out = append(out, it.code)
		}
	}
	return out
}

// QueryField names a field to include or exclude, with optional nested
// field names for foreign objects.
type QueryField struct {
	Name   string
	Fields []QueryField
}

// Names builds flat QueryFields from names.
func Names(names ...string) []QueryField {
	out := make([]QueryField, len(names))
	for i, n := range names {
		out[i] = QueryField{Name: n}
	}
	return out
}

// encode renders the nested part of the field: true for a leaf, a
// dictionary of sub-fields otherwise.
func (q QueryField) encode() Value {
	if len(q.Fields) == 0 {
		return true
	}
	sub := Dict{}
	for _, it := range q.Fields {
		sub[it.Name] = it.encode()
	}
	return sub
}

// Select is one condition of a query.
type Select struct {
	Field   string
	Compare Comparation
	Value1  Value
	Value2  Value
	Search  []FullTextData
}

func (s Select) encode() []any {
	ret := []any{s.Field, s.Compare.String()}
	switch {
	case s.Compare.NoArgs():
	case s.Compare.TwoArgs():
		ret = append(ret, s.Value1, s.Value2)
	default:
		ret = append(ret, s.Value1)
	}
	return ret
}

const noLimit = math.MaxInt

// Query describes the selection applied to a scheme: ids, alias, conditions,
// ordering, paging, delta and the field sets to return.
type Query struct {
	selectIDs   []int64
	selectAlias string
	selectList  []Select

	orderField string
	ordering   Ordering

	limit     int
	offset    int
	softLimit bool

	delta    int64
	hasDelta bool

	include []QueryField
	exclude []QueryField

	depth     int
	forUpdate bool

	queryField string
	queryID    int64
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{limit: noLimit}
}

// SelectID restricts the query to one object.
func (q *Query) SelectID(id int64) *Query {
	q.selectAlias = ""
	q.selectList = nil
	q.selectIDs = []int64{id}
	return q
}

// SelectIDs restricts the query to a list of objects. An empty list selects
// nothing.
func (q *Query) SelectIDs(ids []int64) *Query {
	q.selectAlias = ""
	q.selectList = nil
	if len(ids) == 0 {
		q.selectIDs = []int64{-1}
	} else {
		q.selectIDs = append([]int64(nil), ids...)
	}
	return q
}

// SelectAlias restricts the query to the object with the given alias.
func (q *Query) SelectAlias(alias string) *Query {
	q.selectIDs = nil
	q.selectList = nil
	q.selectAlias = alias
	return q
}

// SelectValue selects by a decoded Value: an id, an alias, a list of ids or
// a dictionary of equality conditions.
func (q *Query) SelectValue(v Value) *Query {
	switch t := v.(type) {
	case int64:
		return q.SelectID(t)
	case string:
		if id, ok := AsInt64(t); ok && validateNumber(t) {
			return q.SelectID(id)
		}
		return q.SelectAlias(t)
	case []any:
		ids := make([]int64, 0, len(t))
		for _, it := range t {
			if id, ok := AsInt64(it); ok {
				ids = append(ids, id)
			}
		}
		return q.SelectIDs(ids)
	case Dict:
		for _, k := range sortedKeys(t) {
			q.Where(k, Equal, t[k])
		}
	}
	return q
}

// Where adds a condition.
func (q *Query) Where(field string, c Comparation, values ...Value) *Query {
	s := Select{Field: field, Compare: c}
	if len(values) > 0 {
		s.Value1 = Normalize(values[0])
	}
	if len(values) > 1 {
		s.Value2 = Normalize(values[1])
	}
	return q.AddSelect(s)
}

// AddSelect adds a prepared condition.
func (q *Query) AddSelect(s Select) *Query {
	q.selectList = append(q.selectList, s)
	return q
}

// SelectFullText adds a full-text condition and orders by rank.
func (q *Query) SelectFullText(field string, data []FullTextData) *Query {
	q.AddSelect(Select{Field: field, Compare: Includes, Search: data})
	if q.orderField == "" {
		q.orderField = field
		q.ordering = Descending
	}
	return q
}

// Order sets the ordering field and, optionally, limit and offset.
func (q *Query) Order(field string, o Ordering, limitOffset ...int) *Query {
	q.orderField = field
	q.ordering = o
	if len(limitOffset) > 0 {
		q.limit = limitOffset[0]
	}
	if len(limitOffset) > 1 {
		q.offset = limitOffset[1]
	}
	return q
}

// SoftLimit orders by field and extends the limit to include ties at the
// boundary value.
func (q *Query) SoftLimit(field string, o Ordering, limit int, offset Value) *Query {
	q.orderField = field
	q.ordering = o
	q.limit = limit
	q.softLimit = true
	if offset != nil {
		c := GreaterOrEqual
		if o == Descending {
			c = LessOrEqual
		}
		q.selectList = append(q.selectList, Select{Field: field, Compare: c, Value1: Normalize(offset)})
	}
	return q
}

// First selects the first count objects ordered by field.
func (q *Query) First(field string, count int) *Query {
	return q.Order(field, Ascending, count)
}

// Last selects the last count objects ordered by field.
func (q *Query) Last(field string, count int) *Query {
	return q.Order(field, Descending, count)
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Delta requests changes since the given time.
func (q *Query) Delta(since int64) *Query {
	q.delta = since
	q.hasDelta = true
	return q
}

// DeltaToken decodes a big-endian 2, 4 or 8 byte base64 token into a delta
// time. Malformed tokens are ignored.
func (q *Query) DeltaToken(token string) *Query {
	b, err := decodeBase64(token)
	if err != nil {
		return q
	}
	switch len(b) {
	case 2:
		return q.Delta(int64(binary.BigEndian.Uint16(b)))
	case 4:
		return q.Delta(int64(binary.BigEndian.Uint32(b)))
	case 8:
		return q.Delta(int64(binary.BigEndian.Uint64(b)))
	}
	return q
}

// EncodeDeltaToken renders t as a delta token.
func EncodeDeltaToken(t int64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return base64.StdEncoding.EncodeToString(b[:])
}

// Include adds fields to the include set.
func (q *Query) Include(fields ...QueryField) *Query {
	q.include = mergeQueryFields(q.include, fields)
	return q
}

// IncludeNames adds flat field names to the include set.
func (q *Query) IncludeNames(names ...string) *Query {
	return q.Include(Names(names...)...)
}

// Exclude adds fields to the exclude set.
func (q *Query) Exclude(fields ...QueryField) *Query {
	q.exclude = mergeQueryFields(q.exclude, fields)
	return q
}

// Depth raises the resolve depth to at least d.
func (q *Query) Depth(d int) *Query {
	if d > q.depth {
		q.depth = d
	}
	return q
}

func (q *Query) ForUpdate() *Query {
	q.forUpdate = true
	return q
}

// ClearFields drops include and exclude sets.
func (q *Query) ClearFields() *Query {
	q.include = nil
	q.exclude = nil
	return q
}

// FieldQuery targets a single field of one object.
func FieldQuery(id int64, field string, base *Query) *Query {
	var q *Query
	if base != nil {
		q = base.Clone()
	} else {
		q = NewQuery()
	}
	q.queryField = field
	q.queryID = id
	return q
}

// Clone returns an independent copy.
func (q *Query) Clone() *Query {
	ret := *q
	ret.selectIDs = append([]int64(nil), q.selectIDs...)
	ret.selectList = append([]Select(nil), q.selectList...)
	ret.include = append([]QueryField(nil), q.include...)
	ret.exclude = append([]QueryField(nil), q.exclude...)
	return &ret
}

func (q *Query) SelectedIDs() []int64 {
	return q.selectIDs
}

func (q *Query) SelectedAlias() string {
	return q.selectAlias
}

func (q *Query) SelectList() []Select {
	return q.selectList
}

func (q *Query) OrderField() string {
	return q.orderField
}

func (q *Query) Ordering() Ordering {
	return q.ordering
}

func (q *Query) LimitValue() int {
	return q.limit
}

func (q *Query) OffsetValue() int {
	return q.offset
}

func (q *Query) IsSoftLimit() bool {
	return q.softLimit
}

func (q *Query) DeltaValue() int64 {
	return q.delta
}

func (q *Query) IncludeFields() []QueryField {
	return q.include
}

func (q *Query) ExcludeFields() []QueryField {
	return q.exclude
}

func (q *Query) ResolveDepth() int {
	return q.depth
}

func (q *Query) IsForUpdate() bool {
	return q.forUpdate
}

func (q *Query) TargetField() string {
	return q.queryField
}

func (q *Query) TargetID() int64 {
	return q.queryID
}

// Empty reports whether the query selects, orders and limits nothing.
func (q *Query) Empty() bool {
	return !q.HasSelect() && !q.HasOrder() && !q.HasLimit() && !q.HasOffset() && !q.hasDelta && !q.HasFields()
}

// HasSelectName reports whether the query selects by ids or alias.
func (q *Query) HasSelectName() bool {
	return len(q.selectIDs) > 0 || q.selectAlias != ""
}

func (q *Query) HasSelectList() bool {
	return len(q.selectList) > 0
}

func (q *Query) HasSelect() bool {
	return q.HasSelectName() || q.HasSelectList()
}

func (q *Query) HasOrder() bool {
	return q.orderField != ""
}

func (q *Query) HasLimit() bool {
	return q.limit != noLimit
}

func (q *Query) HasOffset() bool {
	return q.offset != 0
}

func (q *Query) HasDelta() bool {
	return q.hasDelta
}

func (q *Query) HasFields() bool {
	return len(q.include) > 0 || len(q.exclude) > 0
}

// Encode renders the query as a Value in the same layout QueryList.Apply
// accepts.
func (q *Query) Encode() Dict {
	ret := Dict{}
	switch {
	case len(q.selectIDs) == 1:
		ret["select"] = q.selectIDs[0]
	case len(q.selectIDs) > 1:
		ret["select"] = Normalize(q.selectIDs)
	case q.selectAlias != "":
		ret["select"] = q.selectAlias
	case len(q.selectList) > 0:
		list := make([]any, 0, len(q.selectList))
		for _, it := range q.selectList {
			list = append(list, it.encode())
		}
		ret["select"] = list
	}

	if q.orderField != "" {
		order := []any{q.orderField, q.ordering.String()}
		if q.HasLimit() {
			order = append(order, int64(q.limit))
			if q.HasOffset() {
				order = append(order, int64(q.offset))
			}
		}
		ret["order"] = order
	} else {
		if q.HasLimit() {
			ret["limit"] = int64(q.limit)
		}
		if q.HasOffset() {
			ret["offset"] = int64(q.offset)
		}
	}

	if q.hasDelta {
		ret["delta"] = q.delta
	}
	if len(q.include) > 0 {
		ret["include"] = encodeQueryFields(q.include)
	}
	if len(q.exclude) > 0 {
		ret["exclude"] = encodeQueryFields(q.exclude)
	}
	if q.forUpdate {
		ret["forUpdate"] = true
	}
	return ret
}

func encodeQueryFields(fields []QueryField) Value {
	flat := true
	for _, it := range fields {
		if len(it.Fields) > 0 {
			flat = false
			break
		}
	}
	if flat {
		out := make([]any, len(fields))
		for i, it := range fields {
			out[i] = it.Name
		}
		return out
	}
	out := Dict{}
	for _, it := range fields {
		out[it.Name] = it.encode()
	}
	return out
}

// mergeQueryFields appends fields, merging nested sets of duplicate names
// and keeping the result sorted by name.
func mergeQueryFields(dst, src []QueryField) []QueryField {
	for _, it := range src {
		found := false
		for i := range dst {
			if dst[i].Name == it.Name {
				dst[i].Fields = mergeQueryFields(dst[i].Fields, it.Fields)
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, QueryField{Name: it.Name, Fields: mergeQueryFields(nil, it.Fields)})
		}
	}
	sort.Slice(dst, func(i, j int) bool { return dst[i].Name < dst[j].Name })
	return dst
}

func hasQueryField(fields []QueryField, name string) (QueryField, bool) {
	for _, it := range fields {
		if it.Name == name {
			return it, true
		}
	}
	return QueryField{}, false
}
