package db

import (
	"errors"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
)

// Options are scheme-level storage options.
type Options uint32

const (
	OptionNone Options = 0
	// OptionWithDelta records create, update and delete events for delta queries.
	OptionWithDelta Options = 1 << 0
	// OptionDetouched stores the scheme with its own id sequence.
	OptionDetouched Options = 1 << 1
	// OptionCompressed compresses data-layout columns.
	OptionCompressed Options = 1 << 2
)

// ViewScheme links a source scheme to a View field (or auto field) of a
// target scheme that must be maintained when source objects change.
type ViewScheme struct {
	Scheme    *Scheme // scheme owning the view or auto field
	ViewField *Field
	Fields    map[*Field]struct{}
	AutoLink  *Field
	AutoField *AutoFieldScheme
}

// ParentScheme links a child scheme to a Composed field of a parent scheme.
type ParentScheme struct {
	Scheme        *Scheme
	PointerField  *Field
	BackReference *Field
}

// UniqueConstraint is a multi-field uniqueness rule.
type UniqueConstraint struct {
	Name   string
	Fields []*Field
}

type uniqueDef struct {
	name   string
	fields []string
}

// TransformAction selects how Scheme.Transform prepares an input patch.
type TransformAction int

const (
	TransformCreate TransformAction = iota
	TransformUpdate
	TransformCompare
	TransformProtectedCreate
	TransformProtectedUpdate
	TransformTouch
)

func (a TransformAction) isCreate() bool {
	return a == TransformCreate || a == TransformProtectedCreate
}

func (a TransformAction) isUpdate() bool {
	return a == TransformUpdate || a == TransformProtectedUpdate || a == TransformTouch
}

func (a TransformAction) isProtected() bool {
	return a == TransformProtectedCreate || a == TransformProtectedUpdate
}

// Scheme is a named collection of fields: the equivalent of a table. It is
// built once, wired with InitSchemes, and read-only afterwards.
type Scheme struct {
	name    string
	options Options
	fields  map[string]*Field
	names   []string
	oid     *Field

	views   []*ViewScheme
	parents []*ParentScheme

	unique     []UniqueConstraint
	uniqueDefs []uniqueDef

	roles            [roleMax]*AccessRole
	hasAccessControl bool

	forceInclude   map[*Field]struct{}
	fullTextFields map[*Field]struct{}
	autoFieldReq   map[*Field]struct{}

	hasForceExclude bool
	hasFiles        bool
	initialized     bool
}

// NewScheme declares a scheme with the given fields.
func NewScheme(name string, fields ...*Field) *Scheme {
	s := &Scheme{
		name:           name,
		fields:         make(map[string]*Field),
		forceInclude:   make(map[*Field]struct{}),
		fullTextFields: make(map[*Field]struct{}),
		autoFieldReq:   make(map[*Field]struct{}),
	}
	s.oid = Integer(OidField, Indexed|ForceInclude)
	s.oid.owner = s
	s.Define(fields...)
	return s
}

// WithOptions adds scheme options.
func (s *Scheme) WithOptions(o Options) *Scheme {
	s.options |= o
	return s
}

// Define adds fields. Image thumbnails become additional non-primary Image
// fields named after each thumbnail.
func (s *Scheme) Define(fields ...*Field) *Scheme {
	for _, f := range fields {
		if f == nil {
			continue
		}
		if f.typ == TypeImage {
			for _, th := range f.thumbnails {
				thumb := Image(th.Name, MaxFileSize(f.maxSize))
				thumb.primary = false
				s.addField(thumb)
			}
		}
		if f.HasFlag(ForceExclude) {
			s.hasForceExclude = true
		}
		if f.IsFile() {
			s.hasFiles = true
		}
		s.addField(f)
	}
	return s
}

func (s *Scheme) addField(f *Field) {
	if _, ok := s.fields[f.name]; !ok {
		s.names = append(s.names, f.name)
		sort.Strings(s.names)
	}
	s.fields[f.name] = f
	f.owner = s
}

// DefineRole registers an access role for every id it applies to.
func (s *Scheme) DefineRole(r *AccessRole) *Scheme {
	r.finalize()
	for _, id := range r.Users() {
		s.roles[id] = r
		s.hasAccessControl = true
	}
	return s
}

// DefineUnique declares a multi-field unique constraint named
// "<scheme>_<lower(name)>_unique". Fields are resolved by InitSchemes.
func (s *Scheme) DefineUnique(name string, fields ...string) *Scheme {
	s.uniqueDefs = append(s.uniqueDefs, uniqueDef{name: name, fields: fields})
	return s
}

func (s *Scheme) Name() string {
	return s.name
}

func (s *Scheme) Options() Options {
	return s.options
}

func (s *Scheme) HasDelta() bool {
	return s.options&OptionWithDelta != 0
}

func (s *Scheme) IsDetouched() bool {
	return s.options&OptionDetouched != 0
}

func (s *Scheme) IsCompressed() bool {
	return s.options&OptionCompressed != 0
}

func (s *Scheme) HasFiles() bool {
	return s.hasFiles
}

func (s *Scheme) HasForceExclude() bool {
	return s.hasForceExclude
}

func (s *Scheme) HasAccessControl() bool {
	return s.hasAccessControl
}

// Field returns the named field. OidField is always present.
func (s *Scheme) Field(name string) *Field {
	if name == OidField {
		return s.oid
	}
	return s.fields[name]
}

// Fields returns fields sorted by name.
func (s *Scheme) Fields() []*Field {
	out := make([]*Field, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.fields[name])
	}
	return out
}

func (s *Scheme) Views() []*ViewScheme {
	return s.views
}

func (s *Scheme) Parents() []*ParentScheme {
	return s.parents
}

func (s *Scheme) Unique() []UniqueConstraint {
	return s.unique
}

// AccessRole returns the role registered for id, or nil.
func (s *Scheme) AccessRole(id AccessRoleID) *AccessRole {
	if id < 0 || id >= roleMax {
		return nil
	}
	return s.roles[id]
}

// IsForceInclude reports whether f is read whenever the scheme is updated,
// because a view or parent link depends on it.
func (s *Scheme) IsForceInclude(f *Field) bool {
	_, ok := s.forceInclude[f]
	return ok
}

// HasAliases reports whether the scheme has an Alias text field.
func (s *Scheme) HasAliases() bool {
	for _, f := range s.fields {
		if f.typ == TypeText && f.transform == TransformAlias {
			return true
		}
	}
	return false
}

// IsProtected reports whether the named field is Protected.
func (s *Scheme) IsProtected(name string) bool {
	if f, ok := s.fields[name]; ok {
		return f.IsProtected()
	}
	return false
}

// ForeignLink finds the back-reference of an Object or Set field: the field
// in the foreign scheme that points back at s. Reference links have none.
// With automatic linkage the lexicographically first candidate wins.
func (s *Scheme) ForeignLink(f *Field) *Field {
	if f == nil || (f.typ != TypeObject && f.typ != TypeSet) {
		return nil
	}
	if f.onRemove == ReferencePolicy || f.onRemove == StrongReference || f.foreign == nil {
		return nil
	}
	accept := func(next *Field) bool {
		if next == nil || next.foreign != s {
			return false
		}
		return next.typ == TypeObject || (next.typ == TypeSet && f.typ == TypeObject)
	}
	switch f.linkage {
	case LinkageAuto:
		for _, name := range f.foreign.names {
			if next := f.foreign.fields[name]; accept(next) {
				return next
			}
		}
	case LinkageManual:
		if next := f.foreign.fields[f.link]; accept(next) {
			return next
		}
	}
	return nil
}

// IsAtomicPatch reports whether patch can be applied with a single backend
// patch, without reading the object first.
func (s *Scheme) IsAtomicPatch(patch Dict) bool {
	if patch == nil {
		return false
	}
	for key := range patch {
		f := s.fields[key]
		if f == nil {
			continue
		}
		if f.typ == TypeExtra || f.replaceFilter != nil {
			return false
		}
		if _, ok := s.forceInclude[f]; ok {
			return false
		}
		if _, ok := s.fullTextFields[f]; ok {
			return false
		}
		if _, ok := s.autoFieldReq[f]; ok {
			return false
		}
	}
	return true
}

// Hash digests every field definition in name order.
func (s *Scheme) Hash(level ValidationLevel) uint64 {
	d := xxhash.New()
	for _, name := range s.names {
		s.fields[name].Hash(d, level)
	}
	return d.Sum64()
}

// PatchFields returns the fields named in patch.
func (s *Scheme) PatchFields(patch Dict) []*Field {
	out := make([]*Field, 0, len(patch))
	for _, key := range sortedKeys(patch) {
		if f := s.fields[key]; f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Describe renders the scheme definition as a Value.
func (s *Scheme) Describe() Dict {
	fields := Dict{}
	for name, f := range s.fields {
		fields[name] = f.Describe()
	}
	ret := Dict{"name": s.name, "fields": fields}
	if s.HasDelta() {
		ret["delta"] = true
	}
	if len(s.unique) > 0 {
		u := Dict{}
		for _, it := range s.unique {
			names := make([]any, len(it.Fields))
			for i, f := range it.Fields {
				names[i] = f.name
			}
			u[it.Name] = names
		}
		ret["unique"] = u
	}
	return ret
}

// ValidateHint reports whether hint is a complete object of this scheme: it
// carries every Required field and no unknown keys.
func (s *Scheme) ValidateHint(hint Dict) bool {
	if len(hint) <= 1 {
		return false
	}
	for _, f := range s.fields {
		if f.HasFlag(Required) {
			if _, ok := hint[f.name]; !ok {
				return false
			}
		}
	}
	for key := range hint {
		if key == OidField {
			continue
		}
		if _, ok := s.fields[key]; !ok {
			return false
		}
	}
	return true
}

// ValidateHintID checks hint is a complete object with the given oid.
func (s *Scheme) ValidateHintID(oid int64, hint Dict) bool {
	if id := GetInt(hint, OidField); id > 0 && id == oid {
		return s.ValidateHint(hint)
	}
	return false
}

// ValidateHintAlias checks hint is a complete object with the given alias.
func (s *Scheme) ValidateHintAlias(alias string, hint Dict) bool {
	for _, f := range s.fields {
		if f.typ == TypeText && f.transform == TransformAlias {
			if v, ok := hint[f.name].(string); ok && v == alias {
				return s.ValidateHint(hint)
			}
		}
	}
	return false
}

// InitSchemes resolves scheme references and wires views, parents, auto
// fields and unique constraints across the set. Wiring problems do not stop
// initialization; they are collected into the returned error.
func InitSchemes(schemes map[string]*Scheme) error {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	var files *Scheme
	lookup := func(name string) *Scheme {
		if s, ok := schemes[name]; ok {
			return s
		}
		if name == FileSchemeName {
			if files == nil {
				files = NewFileScheme()
			}
			return files
		}
		return nil
	}

	var errs []error
	var pending []*Scheme
	for _, name := range names {
		s := schemes[name]
		if s.initialized {
			if _, ok := schemes[FileSchemeName]; ok {
				for _, f := range s.fields {
					wireFiles(f, lookup)
				}
			}
			continue
		}
		pending = append(pending, s)
		for _, fname := range s.names {
			f := s.fields[fname]
			f.owner = s
			setSubOwner(s, f)
			wireFiles(f, lookup)
			switch f.typ {
			case TypeObject, TypeSet, TypeView:
				if f.foreign == nil {
					f.foreign = lookup(f.foreignName)
				}
				if f.foreign == nil {
					errs = append(errs, wiringError(s, fname, "Foreign scheme not found: "+f.foreignName))
				}
			}
			if f.autoField != nil {
				for i := range f.autoField.Schemes {
					a := &f.autoField.Schemes[i]
					if a.scheme == nil {
						a.scheme = lookup(a.Scheme)
					}
					if a.scheme == nil {
						errs = append(errs, wiringError(s, fname, "Scheme for auto field not found: "+a.Scheme))
					}
				}
			}
		}
	}

	for _, s := range pending {
		s.initScheme()
	}

	for _, s := range pending {
		for _, fname := range s.names {
			f := s.fields[fname]
			switch f.typ {
			case TypeView:
				if f.foreign != nil {
					errs = append(errs, f.foreign.addView(s, f)...)
				}
			case TypeFullTextView:
				for _, req := range f.requires {
					if rf := s.fields[req]; rf != nil {
						s.fullTextFields[rf] = struct{}{}
					} else {
						errs = append(errs, wiringError(s, req, "Field for full-text view not found"))
					}
				}
			}
			if f.autoField != nil && f.autoField.DefaultFn != nil {
				for i := range f.autoField.Schemes {
					a := &f.autoField.Schemes[i]
					if a.scheme != nil {
						errs = append(errs, a.scheme.addAutoField(s, f, a)...)
					}
				}
			}
			if f.HasFlag(Composed) && (f.typ == TypeObject || f.typ == TypeSet) && f.foreign != nil {
				f.foreign.addParent(s, f)
			}
		}

		for _, def := range s.uniqueDefs {
			if err := s.resolveUnique(def); err != nil {
				errs = append(errs, err)
			}
		}
		s.initialized = true
	}
	return errors.Join(errs...)
}

// wireFiles points file fields, nested ones included, at the file scheme.
func wireFiles(f *Field, lookup func(string) *Scheme) {
	if f.IsFile() {
		f.files = lookup(FileSchemeName)
	}
	for _, sub := range f.fields {
		wireFiles(sub, lookup)
	}
	if f.elem != nil {
		wireFiles(f.elem, lookup)
	}
}

func setSubOwner(s *Scheme, f *Field) {
	for _, sub := range f.fields {
		sub.owner = s
		setSubOwner(s, sub)
	}
	if f.elem != nil {
		f.elem.owner = s
	}
}

// initScheme turns unlinked owning Object and Set fields into strong
// references.
func (s *Scheme) initScheme() {
	for _, name := range s.names {
		f := s.fields[name]
		if f.typ != TypeObject && f.typ != TypeSet {
			continue
		}
		if f.linkage == LinkageAuto && f.onRemove == Null && !f.HasFlag(Reference) && s.ForeignLink(f) == nil {
			f.onRemove = StrongReference
			f.flags |= Reference
		}
	}
}

func (s *Scheme) resolveUnique(def uniqueDef) error {
	var fields []*Field
	var errs []error
	for _, name := range def.fields {
		f := s.fields[name]
		if f == nil {
			errs = append(errs, wiringError(s, name, "Field for unique constraint not found"))
			continue
		}
		dup := false
		for _, it := range fields {
			if it == f {
				dup = true
				break
			}
		}
		if !dup {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		errs = append(errs, wiringError(s, def.name, "Invalid unique constraint"))
		return errors.Join(errs...)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	s.unique = append(s.unique, UniqueConstraint{
		Name:   s.name + "_" + strings.ToLower(def.name) + "_unique",
		Fields: fields,
	})
	return errors.Join(errs...)
}

// autoLinkFrom returns the first Object field (by name) pointing at target.
func (s *Scheme) autoLinkFrom(target *Scheme) *Field {
	for _, name := range s.names {
		f := s.fields[name]
		if f.typ == TypeObject && f.foreign == target {
			return f
		}
	}
	return nil
}

// addView registers a View field of target that lists objects of s.
func (s *Scheme) addView(target *Scheme, view *Field) []error {
	vs := &ViewScheme{Scheme: target, ViewField: view, Fields: make(map[*Field]struct{})}
	s.views = append(s.views, vs)

	var errs []error
	linked := false
	for _, req := range view.requires {
		f := s.fields[req]
		if f == nil {
			errs = append(errs, wiringError(s, req, "Field for view not found: "+target.name+"."+view.name))
			continue
		}
		if f.typ == TypeObject && view.viewLinkage == nil && !linked && f.foreign == target {
			vs.AutoLink = f
			linked = true
		}
		vs.Fields[f] = struct{}{}
		s.forceInclude[f] = struct{}{}
	}
	if view.viewLinkage == nil && !linked {
		if f := s.autoLinkFrom(target); f != nil {
			vs.AutoLink = f
			vs.Fields[f] = struct{}{}
			s.forceInclude[f] = struct{}{}
			linked = true
		}
	}
	if view.viewLinkage != nil {
		linked = true
	}
	if !linked {
		errs = append(errs, wiringError(target, view.name, "Failed to autolink view field"))
	}
	return errs
}

// addAutoField registers an auto field of target that must be recomputed
// when objects of s change.
func (s *Scheme) addAutoField(target *Scheme, f *Field, a *AutoFieldScheme) []error {
	vs := &ViewScheme{Scheme: target, ViewField: f, Fields: make(map[*Field]struct{}), AutoField: a}
	s.views = append(s.views, vs)

	var errs []error
	requireAuto := func() {
		for _, req := range a.RequiresForAuto {
			rf := s.fields[req]
			if rf == nil {
				errs = append(errs, wiringError(s, req, "Field for view not found: "+target.name+"."+f.name))
				continue
			}
			vs.Fields[rf] = struct{}{}
			s.autoFieldReq[rf] = struct{}{}
		}
	}

	if s == target && a.Linkage == nil {
		requireAuto()
		return errs
	}

	linked := false
	for _, req := range a.RequiresForLink {
		rf := s.fields[req]
		if rf == nil {
			errs = append(errs, wiringError(s, req, "Field for view not found: "+target.name+"."+f.name))
			continue
		}
		if rf.typ == TypeObject && a.Linkage == nil && !linked && rf.foreign == target {
			vs.AutoLink = rf
			linked = true
		}
		vs.Fields[rf] = struct{}{}
		s.forceInclude[rf] = struct{}{}
	}
	requireAuto()
	if a.Linkage == nil && !linked {
		if rf := s.autoLinkFrom(target); rf != nil {
			vs.AutoLink = rf
			vs.Fields[rf] = struct{}{}
			s.forceInclude[rf] = struct{}{}
			linked = true
		}
	}
	if a.Linkage != nil {
		linked = true
	}
	if !linked {
		errs = append(errs, wiringError(target, f.name, "Failed to autolink view field"))
	}
	return errs
}

// addParent registers a Composed field of parent pointing at s.
func (s *Scheme) addParent(parent *Scheme, f *Field) {
	p := &ParentScheme{Scheme: parent, PointerField: f}
	if f.typ == TypeSet {
		if link := parent.ForeignLink(f); link != nil {
			p.BackReference = link
			s.forceInclude[link] = struct{}{}
		}
	}
	s.parents = append(s.parents, p)
}
