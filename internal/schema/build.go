package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/fulltext"
)

// Build turns the definition into schemes keyed by name. The schemes are
// not wired yet; the adapter does that on Init.
func (d *Definition) Build() (map[string]*db.Scheme, error) {
	out := make(map[string]*db.Scheme, len(d.Schemes)+1)
	var errs []error

	names := make([]string, 0, len(d.Schemes))
	for name := range d.Schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasPrefix(name, "__") {
			errs = append(errs, fmt.Errorf("scheme %s: names starting with __ are reserved", name))
			continue
		}
		s, err := buildScheme(name, d.Schemes[name], name == d.Users)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = s
	}

	if d.Users != "" {
		if _, ok := out[d.Users]; !ok && len(errs) == 0 {
			out[d.Users] = db.UsersScheme(d.Users)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func buildScheme(name string, def *SchemeDef, users bool) (*db.Scheme, error) {
	fields, err := buildFields(def.Fields)
	if err != nil {
		return nil, fmt.Errorf("scheme %s: %w", name, err)
	}

	var s *db.Scheme
	if users {
		s = db.UsersScheme(name, fields...)
	} else {
		s = db.NewScheme(name, fields...)
	}

	for _, opt := range def.Options {
		o, ok := parseOption(opt)
		if !ok {
			return nil, fmt.Errorf("scheme %s: unknown option %q", name, opt)
		}
		s.WithOptions(o)
	}

	uniq := make([]string, 0, len(def.Unique))
	for u := range def.Unique {
		uniq = append(uniq, u)
	}
	sort.Strings(uniq)
	for _, u := range uniq {
		s.DefineUnique(u, def.Unique[u]...)
	}

	for i, rd := range def.Roles {
		r, err := buildRole(rd)
		if err != nil {
			return nil, fmt.Errorf("scheme %s: role %d: %w", name, i, err)
		}
		s.DefineRole(r)
	}
	return s, nil
}

func buildFields(defs map[string]*FieldDef) ([]*db.Field, error) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]*db.Field, 0, len(names))
	for _, name := range names {
		f, err := buildField(name, defs[name])
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func buildField(name string, fd *FieldDef) (*db.Field, error) {
	if fd == nil {
		return nil, fmt.Errorf("field %s: empty definition", name)
	}
	var opts []db.FieldOption

	for _, fl := range fd.Flags {
		flag, ok := db.ParseFlag(fl)
		if !ok {
			return nil, fmt.Errorf("field %s: unknown flag %q", name, fl)
		}
		opts = append(opts, flag)
	}
	if fd.Transform != "" {
		t, ok := db.ParseTransform(strings.ToLower(fd.Transform))
		if !ok {
			return nil, fmt.Errorf("field %s: unknown transform %q", name, fd.Transform)
		}
		opts = append(opts, t)
	}
	if fd.Default != nil {
		opts = append(opts, db.Default(db.Normalize(fd.Default)))
	}
	if fd.MinLength > 0 {
		opts = append(opts, db.MinLength(fd.MinLength))
	}
	if fd.MaxLength > 0 {
		opts = append(opts, db.MaxLength(fd.MaxLength))
	}
	if fd.Salt != "" {
		opts = append(opts, db.Salt(fd.Salt))
	}
	if fd.OnRemove != "" {
		p, ok := parseRemovePolicy(fd.OnRemove)
		if !ok {
			return nil, fmt.Errorf("field %s: unknown remove policy %q", name, fd.OnRemove)
		}
		opts = append(opts, p)
	}
	switch strings.ToLower(fd.Linkage) {
	case "", "auto":
	case "none":
		opts = append(opts, db.LinkageNone)
	case "manual":
		if fd.Link == "" {
			return nil, fmt.Errorf("field %s: manual linkage needs link", name)
		}
	default:
		return nil, fmt.Errorf("field %s: unknown linkage %q", name, fd.Linkage)
	}
	if fd.Link != "" {
		opts = append(opts, db.ForeignLink(fd.Link))
	}
	if fd.MaxSize > 0 {
		opts = append(opts, db.MaxFileSize(fd.MaxSize))
	}
	if len(fd.AllowedTypes) > 0 {
		opts = append(opts, db.AllowedTypes(fd.AllowedTypes...))
	}
	for _, th := range fd.Thumbnails {
		opts = append(opts, db.Thumbnails(db.Thumbnail{Name: th.Name, Width: th.Width, Height: th.Height}))
	}
	if len(fd.Requires) > 0 {
		opts = append(opts, db.Requires(fd.Requires...))
	}
	if fd.Delta {
		opts = append(opts, db.WithDelta())
	}

	switch strings.ToLower(fd.Type) {
	case "integer", "int":
		return db.Integer(name, opts...), nil
	case "float", "number":
		return db.Float(name, opts...), nil
	case "boolean", "bool":
		return db.Boolean(name, opts...), nil
	case "text", "string":
		return db.Text(name, opts...), nil
	case "bytes":
		return db.Bytes(name, opts...), nil
	case "data":
		return db.Data(name, opts...), nil
	case "password":
		return db.Password(name, opts...), nil
	case "extra":
		sub, err := buildFields(fd.Fields)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		return db.Extra(name, sub, opts...), nil
	case "object", "set", "view":
		if fd.Scheme == "" {
			return nil, fmt.Errorf("field %s: %s field needs a scheme", name, fd.Type)
		}
		switch strings.ToLower(fd.Type) {
		case "object":
			return db.Object(name, fd.Scheme, opts...), nil
		case "set":
			return db.Set(name, fd.Scheme, opts...), nil
		}
		if len(fd.Filter) > 0 {
			opts = append(opts, db.ViewFilter(matchFilter(fd.Filter)))
		}
		return db.View(name, fd.Scheme, opts...), nil
	case "array":
		if fd.Element != nil {
			elem, err := buildField("", fd.Element)
			if err != nil {
				return nil, fmt.Errorf("field %s: element: %w", name, err)
			}
			opts = append(opts, db.ElementField(elem))
		}
		return db.Array(name, opts...), nil
	case "file":
		return db.File(name, opts...), nil
	case "image":
		return db.Image(name, opts...), nil
	case "fulltext":
		if fd.Title == "" && len(fd.Body) == 0 {
			return nil, fmt.Errorf("field %s: full-text view needs a title or body", name)
		}
		opts = append(opts,
			db.FullTextSource(fulltext.Source(fd.Language, fd.Title, fd.Body...)),
			db.FullTextQuery(fulltext.Query(fd.Language)))
		return db.FullTextView(name, opts...), nil
	case "":
		return nil, fmt.Errorf("field %s: missing type", name)
	}
	return nil, fmt.Errorf("field %s: unknown type %q", name, fd.Type)
}

// matchFilter admits source objects whose fields equal every filter value.
func matchFilter(filter map[string]any) db.ViewFn {
	want := make(db.Dict, len(filter))
	for k, v := range filter {
		want[k] = db.Normalize(v)
	}
	return func(_ *db.Scheme, obj db.Dict) bool {
		for k, v := range want {
			if !db.SameValue(db.Normalize(obj[k]), v) {
				return false
			}
		}
		return true
	}
}

func parseOption(s string) (db.Options, bool) {
	switch strings.ToLower(s) {
	case "delta":
		return db.OptionWithDelta, true
	case "detouched":
		return db.OptionDetouched, true
	case "compressed":
		return db.OptionCompressed, true
	}
	return db.OptionNone, false
}

func parseRemovePolicy(s string) (db.RemovePolicy, bool) {
	for _, p := range []db.RemovePolicy{db.Cascade, db.Restrict, db.ReferencePolicy, db.StrongReference, db.Null} {
		if p.String() == strings.ToLower(s) {
			return p, true
		}
	}
	return db.Cascade, false
}

// ParseRoleID parses an access role name such as "admin" or "user3".
func ParseRoleID(s string) (db.AccessRoleID, bool) {
	s = strings.ToLower(s)
	for id := db.RoleNobody; id <= db.RoleDefault; id++ {
		if id.String() == s {
			return id, true
		}
	}
	return db.RoleNobody, false
}

func parseOp(s string) (db.Op, bool) {
	s = strings.ToLower(s)
	for op := db.OpID; op <= db.OpAddToView; op++ {
		if op.String() == s {
			return op, true
		}
	}
	return db.OpNone, false
}

func buildRole(rd *RoleDef) (*db.AccessRole, error) {
	if rd == nil || len(rd.Users) == 0 {
		return nil, fmt.Errorf("role applies to no users")
	}
	ids := make([]db.AccessRoleID, 0, len(rd.Users))
	for _, u := range rd.Users {
		id, ok := ParseRoleID(u)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", u)
		}
		ids = append(ids, id)
	}

	var r *db.AccessRole
	switch strings.ToLower(rd.Preset) {
	case "":
		r = db.NewAccessRole(ids...)
	case "default":
		r = db.DefaultRole(ids...)
	case "admin":
		r = db.AdminRole(ids...)
	default:
		return nil, fmt.Errorf("unknown preset %q", rd.Preset)
	}
	for _, name := range rd.Allow {
		op, ok := parseOp(name)
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", name)
		}
		r.Allow(op)
	}
	return r, nil
}
