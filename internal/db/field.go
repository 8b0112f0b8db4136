package db

import (
	"io"
	"sort"
	"strings"
)

// Type is the storage type of a Field.
type Type int

const (
	TypeNone Type = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeText
	TypeBytes
	TypeData
	TypeExtra
	TypeObject
	TypeSet
	TypeArray
	TypeFile
	TypeImage
	TypeView
	TypeFullTextView
	TypeCustom
)

var typeNames = map[Type]string{
	TypeNone:         "none",
	TypeInteger:      "integer",
	TypeFloat:        "float",
	TypeBoolean:      "boolean",
	TypeText:         "text",
	TypeBytes:        "bytes",
	TypeData:         "data",
	TypeExtra:        "extra",
	TypeObject:       "object",
	TypeSet:          "set",
	TypeArray:        "array",
	TypeFile:         "file",
	TypeImage:        "image",
	TypeView:         "view",
	TypeFullTextView: "fulltext",
	TypeCustom:       "custom",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a type name back to a Type.
func ParseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return TypeNone, false
}

// Flags is the field flag bitset.
type Flags uint32

const (
	Required     Flags = 1 << 0  // field must be present on create
	Protected    Flags = 1 << 1  // field is hidden from default reads
	ReadOnly     Flags = 1 << 2  // only protected writes may set the field
	Reference    Flags = 1 << 3  // Object/Set does not own its targets
	Unique       Flags = 1 << 4  // backend enforces uniqueness
	AutoCTime    Flags = 1 << 6  // stamped with creation time
	AutoMTime    Flags = 1 << 7  // stamped with modification time
	AutoUser     Flags = 1 << 8  // stamped with the acting user
	Indexed      Flags = 1 << 9  // backend keeps an index
	Admin        Flags = 1 << 10 // writable by admins only
	ForceInclude Flags = 1 << 11 // always returned
	ForceExclude Flags = 1 << 12 // never returned unless requested
	Composed     Flags = 1 << 13 // child objects touch their parent on change
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Required, "required"},
	{Protected, "protected"},
	{ReadOnly, "readonly"},
	{Reference, "reference"},
	{Unique, "unique"},
	{AutoCTime, "autoctime"},
	{AutoMTime, "automtime"},
	{AutoUser, "autouser"},
	{Indexed, "indexed"},
	{Admin, "admin"},
	{ForceInclude, "forceinclude"},
	{ForceExclude, "forceexclude"},
	{Composed, "composed"},
}

// Names lists the flag names set in f.
func (f Flags) Names() []string {
	var out []string
	for _, it := range flagNames {
		if f&it.flag != 0 {
			out = append(out, it.name)
		}
	}
	return out
}

// ParseFlag maps a flag name to its bit.
func ParseFlag(s string) (Flags, bool) {
	s = strings.ToLower(s)
	for _, it := range flagNames {
		if it.name == s {
			return it.flag, true
		}
	}
	return 0, false
}

// Transform is the semantic validator attached to a field.
type Transform int

const (
	TransformNone Transform = iota
	TransformText
	TransformIdentifier
	TransformAlias
	TransformUrl
	TransformEmail
	TransformNumber
	TransformHex
	TransformBase64
	TransformUuid
	TransformPublicKey
	TransformPassword
	TransformArray
)

var transformNames = map[Transform]string{
	TransformNone:       "none",
	TransformText:       "text",
	TransformIdentifier: "identifier",
	TransformAlias:      "alias",
	TransformUrl:        "url",
	TransformEmail:      "email",
	TransformNumber:     "number",
	TransformHex:        "hexadecimal",
	TransformBase64:     "base64",
	TransformUuid:       "uuid",
	TransformPublicKey:  "publickey",
	TransformPassword:   "password",
	TransformArray:      "array",
}

func (t Transform) String() string {
	return transformNames[t]
}

// ParseTransform maps a transform name to a Transform.
func ParseTransform(s string) (Transform, bool) {
	for t, name := range transformNames {
		if name == s {
			return t, true
		}
	}
	return TransformNone, false
}

// RemovePolicy describes what happens to linked objects when an owner is removed.
type RemovePolicy int

const (
	Cascade         RemovePolicy = iota // remove linked objects
	Restrict                            // reject removal while links exist
	ReferencePolicy                     // no linkage action, target is a reference
	StrongReference                     // owned set without linkage action
	Null                                // set link to null
)

func (p RemovePolicy) String() string {
	switch p {
	case Cascade:
		return "cascade"
	case Restrict:
		return "restrict"
	case ReferencePolicy:
		return "reference"
	case StrongReference:
		return "strong"
	case Null:
		return "null"
	}
	return "unknown"
}

// Linkage controls how the back-reference of an Object/Set field is found.
type Linkage int

const (
	LinkageAuto Linkage = iota
	LinkageManual
	LinkageNone
)

// DefaultTextMaxLength is the upper length bound for Text, Bytes and Password
// fields that do not set one.
const DefaultTextMaxLength = 256

// DefaultPasswordSalt is used by Password fields without an explicit salt.
var DefaultPasswordSalt = "SAUserPasswordKey"

// DefaultMaxFileSize bounds File and Image payloads.
const DefaultMaxFileSize = 2 << 30

type (
	// DefaultFn deduces a default value from the incoming patch.
	DefaultFn func(patch Value) Value
	// ReadFilterFn can rewrite or hide (return false) a field value on read.
	ReadFilterFn func(s *Scheme, obj Dict, value *Value) bool
	// WriteFilterFn can rewrite or reject a field value on write.
	WriteFilterFn func(s *Scheme, patch Dict, value *Value, isCreate bool) bool
	// ReplaceFilterFn can veto or rewrite a replacement of oldValue.
	ReplaceFilterFn func(s *Scheme, obj Dict, oldValue Value, newValue *Value) bool
	// ViewLinkageFn resolves the ids of target objects for a source object.
	ViewLinkageFn func(target, source *Scheme, obj Dict) []int64
	// ViewFn decides whether a source object belongs to a view.
	ViewFn func(s *Scheme, obj Dict) bool
	// FullTextViewFn extracts search data from an object.
	FullTextViewFn func(s *Scheme, obj Dict) []FullTextData
	// FullTextQueryFn turns a search request into search data.
	FullTextQueryFn func(search Value) []FullTextData
)

// FullTextData is one weighted piece of searchable text.
type FullTextData struct {
	Buffer   string
	Language string
	Rank     FullTextRank
}

// FullTextRank weights a FullTextData entry.
type FullTextRank int

const (
	RankUnknown FullTextRank = iota
	RankA
	RankB
	RankC
	RankD
)

// Thumbnail describes a derived image size for Image fields.
type Thumbnail struct {
	Name   string
	Width  int
	Height int
}

// AutoFieldScheme links an auto field to a scheme whose changes must
// recompute it.
type AutoFieldScheme struct {
	Scheme          string
	RequiresForAuto []string
	Linkage         ViewLinkageFn
	RequiresForLink []string

	scheme *Scheme
}

// AutoFieldDef defines a field recomputed by a background task.
type AutoFieldDef struct {
	Schemes   []AutoFieldScheme
	DefaultFn DefaultFn
	Requires  []string
}

// CustomType implements a backend-defined field type.
type CustomType interface {
	TypeName() string
	TransformValue(s *Scheme, patch Dict, value *Value, isCreate bool) bool
	IsComparationAllowed(c Comparation) bool
	Hash(w io.Writer, level ValidationLevel)
}

// Field is an immutable column descriptor. The type-specific members form a
// closed variant selected by typ.
type Field struct {
	name      string
	typ       Type
	flags     Flags
	transform Transform

	def           Value
	defaultFn     DefaultFn
	readFilter    ReadFilterFn
	writeFilter   WriteFilterFn
	replaceFilter ReplaceFilterFn
	autoField     *AutoFieldDef
	owner         *Scheme

	// Text, Bytes, Password
	minLength int
	maxLength int
	salt      string

	// Extra
	fields map[string]*Field

	// Object, Set
	foreignName string
	foreign     *Scheme
	onRemove    RemovePolicy
	linkage     Linkage
	link        string

	// Array
	elem *Field

	// File, Image
	files        *Scheme
	maxSize      int64
	allowedTypes []string
	thumbnails   []Thumbnail
	primary      bool

	// View, FullTextView
	requires     []string
	viewLinkage  ViewLinkageFn
	viewFn       ViewFn
	delta        bool
	fullTextView FullTextViewFn
	fullTextQry  FullTextQueryFn

	custom CustomType
}

// FieldOption configures a Field at construction.
type FieldOption interface {
	apply(f *Field)
}

type fieldOptionFunc func(f *Field)

func (fn fieldOptionFunc) apply(f *Field) { fn(f) }

func (fl Flags) apply(f *Field)       { f.flags |= fl }
func (t Transform) apply(f *Field)    { f.transform = t }
func (p RemovePolicy) apply(f *Field) { f.onRemove = p }
func (l Linkage) apply(f *Field)      { f.linkage = l }

// MinLength sets the lower length bound for Text, Bytes and Password fields.
func MinLength(n int) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.minLength = n })
}

// MaxLength sets the upper length bound for Text, Bytes and Password fields.
func MaxLength(n int) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.maxLength = n })
}

// Default sets a constant default value.
func Default(v Value) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.def = Normalize(v) })
}

// DefaultFunc sets a computed default value.
func DefaultFunc(fn DefaultFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.defaultFn = fn })
}

// ReadFilter installs a read filter.
func ReadFilter(fn ReadFilterFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.readFilter = fn })
}

// WriteFilter installs a write filter.
func WriteFilter(fn WriteFilterFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.writeFilter = fn })
}

// ReplaceFilter installs a replace filter.
func ReplaceFilter(fn ReplaceFilterFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.replaceFilter = fn })
}

// AutoField makes the field an auto field.
func AutoField(def AutoFieldDef) FieldOption {
	return fieldOptionFunc(func(f *Field) {
		d := def
		f.autoField = &d
		if d.DefaultFn != nil && f.defaultFn == nil {
			f.defaultFn = d.DefaultFn
		}
	})
}

// Salt sets the password hashing salt.
func Salt(s string) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.salt = s })
}

// ForeignLink names the back-reference field for manual linkage.
func ForeignLink(name string) FieldOption {
	return fieldOptionFunc(func(f *Field) {
		f.link = name
		f.linkage = LinkageManual
	})
}

// MaxFileSize bounds File and Image payloads.
func MaxFileSize(n int64) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.maxSize = n })
}

// AllowedTypes restricts File and Image content types.
func AllowedTypes(types ...string) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.allowedTypes = append(f.allowedTypes, types...) })
}

// Thumbnails declares derived sizes for an Image field.
func Thumbnails(t ...Thumbnail) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.thumbnails = append(f.thumbnails, t...) })
}

// Requires lists the source fields a View or FullTextView depends on.
func Requires(names ...string) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.requires = append(f.requires, names...) })
}

// ViewLinkage sets the function mapping a source object to target ids.
func ViewLinkage(fn ViewLinkageFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.viewLinkage = fn })
}

// ViewFilter sets the predicate deciding view membership.
func ViewFilter(fn ViewFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.viewFn = fn })
}

// WithDelta enables change tracking for a View field.
func WithDelta() FieldOption {
	return fieldOptionFunc(func(f *Field) { f.delta = true })
}

// FullTextSource sets the function extracting search data.
func FullTextSource(fn FullTextViewFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.fullTextView = fn })
}

// FullTextQuery sets the function parsing search requests.
func FullTextQuery(fn FullTextQueryFn) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.fullTextQry = fn })
}

// ElementField sets the element descriptor of an Array field.
func ElementField(elem *Field) FieldOption {
	return fieldOptionFunc(func(f *Field) { f.elem = elem })
}

func newField(name string, t Type, opts []FieldOption) *Field {
	f := &Field{
		name:      name,
		typ:       t,
		maxLength: DefaultTextMaxLength,
		onRemove:  Null,
		maxSize:   DefaultMaxFileSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(f)
		}
	}
	return f
}

// Integer declares an integer field.
func Integer(name string, opts ...FieldOption) *Field { return newField(name, TypeInteger, opts) }

// Float declares a float field.
func Float(name string, opts ...FieldOption) *Field { return newField(name, TypeFloat, opts) }

// Boolean declares a boolean field.
func Boolean(name string, opts ...FieldOption) *Field { return newField(name, TypeBoolean, opts) }

// Text declares a text field.
func Text(name string, opts ...FieldOption) *Field { return newField(name, TypeText, opts) }

// Bytes declares a binary field.
func Bytes(name string, opts ...FieldOption) *Field { return newField(name, TypeBytes, opts) }

// Data declares a free-form data field.
func Data(name string, opts ...FieldOption) *Field { return newField(name, TypeData, opts) }

// Password declares a Text field that stores a salted hash.
func Password(name string, opts ...FieldOption) *Field {
	f := newField(name, TypeBytes, append([]FieldOption{TransformPassword}, opts...))
	if f.salt == "" {
		f.salt = DefaultPasswordSalt
	}
	return f
}

// Extra declares a structured field with its own sub-fields.
func Extra(name string, sub []*Field, opts ...FieldOption) *Field {
	f := newField(name, TypeExtra, opts)
	f.fields = make(map[string]*Field, len(sub))
	for _, it := range sub {
		f.fields[it.name] = it
	}
	return f
}

// Object declares a link to one object of the named scheme.
func Object(name, scheme string, opts ...FieldOption) *Field {
	f := newField(name, TypeObject, nil)
	f.foreignName = scheme
	for _, opt := range opts {
		opt.apply(f)
	}
	return f
}

// Set declares a link to many objects of the named scheme.
func Set(name, scheme string, opts ...FieldOption) *Field {
	f := newField(name, TypeSet, nil)
	f.foreignName = scheme
	for _, opt := range opts {
		opt.apply(f)
	}
	if f.flags&Reference != 0 && f.onRemove != ReferencePolicy && f.onRemove != StrongReference {
		f.onRemove = ReferencePolicy
	}
	if f.onRemove == ReferencePolicy || f.onRemove == StrongReference {
		f.flags |= Reference
	}
	return f
}

// Array declares a list of scalar values. Elements are Text unless
// ElementField says otherwise.
func Array(name string, opts ...FieldOption) *Field {
	f := newField(name, TypeArray, opts)
	if f.elem == nil {
		f.elem = Text("")
	}
	return f
}

// File declares a file reference field.
func File(name string, opts ...FieldOption) *Field { return newField(name, TypeFile, opts) }

// Image declares an image reference field.
func Image(name string, opts ...FieldOption) *Field {
	f := newField(name, TypeImage, opts)
	f.primary = true
	return f
}

// View declares a derived membership collection of objects of the named scheme.
func View(name, scheme string, opts ...FieldOption) *Field {
	f := newField(name, TypeView, opts)
	f.foreignName = scheme
	return f
}

// FullTextView declares a search vector computed from other fields.
func FullTextView(name string, opts ...FieldOption) *Field {
	return newField(name, TypeFullTextView, opts)
}

// Custom declares a backend-defined field.
func Custom(name string, c CustomType, opts ...FieldOption) *Field {
	f := newField(name, TypeCustom, opts)
	f.custom = c
	return f
}

func (f *Field) Name() string {
	return f.name
}

func (f *Field) Type() Type {
	return f.typ
}

func (f *Field) Flags() Flags {
	return f.flags
}

func (f *Field) HasFlag(fl Flags) bool {
	return f.flags&fl != 0
}

func (f *Field) Transform() Transform {
	return f.transform
}

func (f *Field) Owner() *Scheme {
	return f.owner
}

func (f *Field) MinLength() int {
	return f.minLength
}

func (f *Field) MaxLength() int {
	return f.maxLength
}

func (f *Field) ForeignScheme() *Scheme {
	return f.foreign
}

func (f *Field) ForeignName() string {
	return f.foreignName
}

func (f *Field) RemovePolicy() RemovePolicy {
	return f.onRemove
}

func (f *Field) Linkage() Linkage {
	return f.linkage
}

func (f *Field) Element() *Field {
	return f.elem
}

func (f *Field) MaxSize() int64 {
	return f.maxSize
}

func (f *Field) AllowedTypes() []string {
	return f.allowedTypes
}

func (f *Field) Thumbnails() []Thumbnail {
	return f.thumbnails
}

// IsPrimaryImage reports whether an Image field stores uploads directly
// rather than being derived as a thumbnail.
func (f *Field) IsPrimaryImage() bool {
	return f.typ == TypeImage && f.primary
}

func (f *Field) Requires() []string {
	return f.requires
}

// SearchData converts a search request into weighted search data, using the
// FullTextQuery function when one is set. Plain strings become a single
// unranked entry.
func (f *Field) SearchData(search Value) []FullTextData {
	if f.fullTextQry != nil {
		return f.fullTextQry(search)
	}
	switch t := search.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []FullTextData{{Buffer: t}}
	case []any:
		var ret []FullTextData
		for _, it := range t {
			if str, ok := it.(string); ok && str != "" {
				ret = append(ret, FullTextData{Buffer: str})
			}
		}
		return ret
	}
	return nil
}

func (f *Field) HasDelta() bool {
	return f.delta
}

func (f *Field) Custom() CustomType {
	return f.custom
}

func (f *Field) AutoFieldDef() *AutoFieldDef {
	return f.autoField
}

// SubField returns a sub-field of an Extra field.
func (f *Field) SubField(name string) *Field {
	if f.fields == nil {
		return nil
	}
	return f.fields[name]
}

// SubFields returns the Extra sub-fields sorted by name.
func (f *Field) SubFields() []*Field {
	out := make([]*Field, 0, len(f.fields))
	for _, it := range f.fields {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// IsProtected reports whether the field is hidden from default reads.
func (f *Field) IsProtected() bool { return f.HasFlag(Protected) }

// IsReference reports whether an Object/Set does not own its targets.
func (f *Field) IsReference() bool { return f.HasFlag(Reference) }

// IsFile reports whether the field references a stored file.
func (f *Field) IsFile() bool { return f.typ == TypeFile || f.typ == TypeImage }

// IsIndexed reports whether the backend keeps an index on the field.
func (f *Field) IsIndexed() bool {
	return f.HasFlag(Indexed) || f.transform == TransformAlias || f.typ == TypeObject
}

// IsSimpleLayout reports whether the field is stored inline with the object.
func (f *Field) IsSimpleLayout() bool {
	switch f.typ {
	case TypeInteger, TypeFloat, TypeBoolean, TypeText, TypeBytes, TypeData, TypeExtra, TypeCustom:
		return true
	}
	return false
}

// isHiddenFor reports whether the field is stripped from objects returned to
// role. Admin fields are hidden from non-administrative roles.
func (f *Field) isHiddenFor(role AccessRoleID) bool {
	if role == RoleSystem {
		return false
	}
	if f.HasFlag(Protected) {
		return true
	}
	return f.HasFlag(Admin) && role != RoleAdmin
}

// IsDataLayout reports whether the field stores structured data.
func (f *Field) IsDataLayout() bool {
	return f.typ == TypeData || f.typ == TypeExtra
}

// HasDefault reports whether the field can produce a default value.
func (f *Field) HasDefault() bool {
	if f.typ == TypeExtra {
		if f.def != nil || f.defaultFn != nil {
			return true
		}
		for _, it := range f.fields {
			if it.HasDefault() {
				return true
			}
		}
		return false
	}
	return f.defaultFn != nil || f.def != nil || (f.transform == TransformUuid && f.typ == TypeBytes)
}

// GetDefault produces the default value for patch.
func (f *Field) GetDefault(patch Value) Value {
	if f.typ == TypeExtra {
		if f.def != nil {
			return Clone(f.def)
		}
		if f.defaultFn != nil {
			return f.defaultFn(patch)
		}
		ret := Dict{}
		for name, it := range f.fields {
			if it.HasDefault() {
				ret[name] = it.GetDefault(patch)
			}
		}
		return ret
	}
	if f.defaultFn != nil {
		return f.defaultFn(patch)
	}
	if f.def == nil && f.transform == TransformUuid && f.typ == TypeBytes {
		return newUUIDBytes()
	}
	return Clone(f.def)
}

// IsComparationAllowed reports whether c can be used in a condition on f.
func (f *Field) IsComparationAllowed(c Comparation) bool {
	switch f.typ {
	case TypeInteger, TypeFloat, TypeObject:
		return true
	case TypeBytes, TypeText, TypeBoolean:
		switch c {
		case Equal, NotEqual, IsNull, IsNotNull:
			return true
		}
		return false
	case TypeCustom:
		return f.custom != nil && f.custom.IsComparationAllowed(c)
	}
	return false
}

// Describe renders the field definition as a Value.
func (f *Field) Describe() Dict {
	ret := Dict{"type": f.typ.String()}
	if names := f.flags.Names(); len(names) > 0 {
		ret["flags"] = Normalize(names)
	}
	if f.transform != TransformNone {
		ret["transform"] = f.transform.String()
	}
	switch f.typ {
	case TypeText, TypeBytes:
		ret["minLength"] = int64(f.minLength)
		ret["maxLength"] = int64(f.maxLength)
	case TypeExtra:
		sub := Dict{}
		for name, it := range f.fields {
			sub[name] = it.Describe()
		}
		ret["fields"] = sub
	case TypeObject, TypeSet:
		ret["scheme"] = f.foreignName
		ret["onRemove"] = f.onRemove.String()
	case TypeArray:
		if f.elem != nil {
			ret["field"] = f.elem.Describe()
		}
	case TypeFile, TypeImage:
		ret["maxFileSize"] = f.maxSize
		if len(f.allowedTypes) > 0 {
			ret["allowed"] = Normalize(f.allowedTypes)
		}
		if len(f.thumbnails) > 0 {
			th := Dict{}
			for _, it := range f.thumbnails {
				th[it.Name] = Dict{"width": int64(it.Width), "height": int64(it.Height)}
			}
			ret["thumbnails"] = th
		}
	case TypeView:
		ret["scheme"] = f.foreignName
		if len(f.requires) > 0 {
			ret["requires"] = Normalize(f.requires)
		}
		if f.delta {
			ret["delta"] = true
		}
	case TypeFullTextView:
		if len(f.requires) > 0 {
			ret["requires"] = Normalize(f.requires)
		}
	case TypeCustom:
		if f.custom != nil {
			ret["custom"] = f.custom.TypeName()
		}
	}
	return ret
}
