package db

import "sort"

// Meta is a bitmask of row metadata requested through "$meta".
type Meta uint8

const (
	MetaNone   Meta = 0
	MetaTime   Meta = 1 << 0
	MetaAction Meta = 1 << 1
	MetaView   Meta = 1 << 2
)

type resolverData struct {
	scheme       *Scheme
	fields       map[string]*Field
	include      []QueryField
	exclude      []QueryField
	resolved     map[*Field]struct{}
	resolvedData map[string]struct{}
	meta         Meta
	next         map[string]*resolverData
}

// QueryFieldResolver expands a query's include and exclude sets into the
// concrete fields to read at every nesting level, down to the query depth.
type QueryFieldResolver struct {
	root *resolverData
}

// NewQueryFieldResolver resolves q against s. Extra names are always
// resolved in addition to the query's include set.
func NewQueryFieldResolver(s *Scheme, q *Query, extra []string) QueryFieldResolver {
	root := &resolverData{
		scheme:  s,
		fields:  s.fields,
		include: q.include,
		exclude: q.exclude,
	}
	resolveFields(root, extra, 0, q.depth)
	return QueryFieldResolver{root: root}
}

// Valid reports whether the resolver points at a resolved level.
func (r QueryFieldResolver) Valid() bool {
	return r.root != nil && r.root.scheme != nil && (r.root.fields != nil || len(r.root.resolvedData) > 0)
}

func (r QueryFieldResolver) Field(name string) *Field {
	if r.root == nil || r.root.fields == nil {
		return nil
	}
	return r.root.fields[name]
}

func (r QueryFieldResolver) Scheme() *Scheme {
	if r.root == nil {
		return nil
	}
	return r.root.scheme
}

func (r QueryFieldResolver) Fields() map[string]*Field {
	if r.root == nil {
		return nil
	}
	return r.root.fields
}

func (r QueryFieldResolver) Meta() Meta {
	if r.root == nil {
		return MetaNone
	}
	return r.root.meta
}

// Resolves returns the resolved fields sorted by name.
func (r QueryFieldResolver) Resolves() []*Field {
	if r.root == nil {
		return nil
	}
	out := make([]*Field, 0, len(r.root.resolved))
	for f := range r.root.resolved {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ResolvesData returns resolved keys of a Data field, sorted.
func (r QueryFieldResolver) ResolvesData() []string {
	if r.root == nil {
		return nil
	}
	out := make([]string, 0, len(r.root.resolvedData))
	for k := range r.root.resolvedData {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r QueryFieldResolver) IncludeFields() []QueryField {
	if r.root == nil {
		return nil
	}
	return r.root.include
}

func (r QueryFieldResolver) ExcludeFields() []QueryField {
	if r.root == nil {
		return nil
	}
	return r.root.exclude
}

// Next descends into the nested level for field name.
func (r QueryFieldResolver) Next(name string) QueryFieldResolver {
	if r.root == nil {
		return QueryFieldResolver{}
	}
	if n, ok := r.root.next[name]; ok {
		return QueryFieldResolver{root: n}
	}
	return QueryFieldResolver{}
}

func nestedQueryFields(fields []QueryField, name string) []QueryField {
	for _, it := range fields {
		if it.Name == name {
			return it.Fields
		}
	}
	return nil
}

func resolveByName(ret map[*Field]struct{}, fields map[string]*Field, name string) {
	if name == "" {
		return
	}
	if name[0] != '$' {
		if f, ok := fields[name]; ok {
			ret[f] = struct{}{}
		}
		return
	}

	var match func(f *Field) bool
	switch DecodeResolve(name) {
	case ResolveFiles:
		match = (*Field).IsFile
	case ResolveSets:
		match = func(f *Field) bool { return f.typ == TypeSet }
	case ResolveObjects:
		match = func(f *Field) bool { return f.typ == TypeObject }
	case ResolveArrays:
		match = func(f *Field) bool { return f.typ == TypeArray }
	case ResolveBasics:
		match = func(f *Field) bool {
			return f.IsSimpleLayout() && !f.IsDataLayout() && !f.HasFlag(ForceExclude)
		}
	case ResolveDefaults:
		match = func(f *Field) bool { return f.IsSimpleLayout() && !f.HasFlag(ForceExclude) }
	case ResolveAll:
		match = func(f *Field) bool { return !f.HasFlag(ForceExclude) }
	case ResolveIds:
		match = func(f *Field) bool { return f.IsFile() || f.typ == TypeObject }
	default:
		return
	}
	for _, f := range fields {
		if match(f) {
			ret[f] = struct{}{}
		}
	}
}

func resolveFields(data *resolverData, extra []string, depth, max int) {
	if data.fields == nil {
		return
	}
	data.resolved = make(map[*Field]struct{})

	onlyMeta := true
	for _, it := range data.include {
		if it.Name == "$meta" {
			for _, m := range it.Fields {
				switch m.Name {
				case "time":
					data.meta |= MetaTime
				case "action":
					data.meta |= MetaAction
				case "view":
					data.meta |= MetaView
				}
			}
			continue
		}
		onlyMeta = false
		resolveByName(data.resolved, data.fields, it.Name)
	}

	if onlyMeta {
		for _, f := range data.fields {
			if f.IsSimpleLayout() && !f.HasFlag(ForceExclude) {
				data.resolved[f] = struct{}{}
			}
		}
	}

	for _, name := range extra {
		resolveByName(data.resolved, data.fields, name)
	}

	for _, it := range data.exclude {
		if len(it.Fields) == 0 {
			if f, ok := data.fields[it.Name]; ok {
				delete(data.resolved, f)
			}
		}
	}

	if depth >= max {
		return
	}

	for f := range data.resolved {
		var scheme *Scheme
		var fields map[string]*Field
		switch {
		case f.foreign != nil:
			scheme = f.foreign
			fields = scheme.fields
		case f.typ == TypeExtra:
			scheme = data.scheme
			fields = f.fields
		case f.typ == TypeData:
			n := data.child(f.name, data.scheme, nil)
			resolveData(n, depth+1, max)
			continue
		case f.IsFile():
			if scheme = f.files; scheme != nil {
				fields = scheme.fields
			}
		}
		if scheme != nil && fields != nil {
			n := data.child(f.name, scheme, fields)
			resolveFields(n, extra, depth+1, max)
		}
	}
}

func (data *resolverData) child(name string, s *Scheme, fields map[string]*Field) *resolverData {
	if data.next == nil {
		data.next = make(map[string]*resolverData)
	}
	n := &resolverData{
		scheme:  s,
		fields:  fields,
		include: nestedQueryFields(data.include, name),
		exclude: nestedQueryFields(data.exclude, name),
	}
	data.next[name] = n
	return n
}

func resolveData(data *resolverData, depth, max int) {
	data.resolvedData = make(map[string]struct{})
	for _, it := range data.include {
		data.resolvedData[it.Name] = struct{}{}
	}
	for _, it := range data.exclude {
		delete(data.resolvedData, it.Name)
	}
	if depth >= max {
		return
	}
	for name := range data.resolvedData {
		resolveData(data.child(name, data.scheme, nil), depth+1, max)
	}
}
