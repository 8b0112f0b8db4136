package db

import (
	"context"
	"strings"
	"time"
)

// Record wraps a decoded row of a scheme. Locked properties can not be
// changed through Set; changed properties are written back by Save.
type Record struct {
	oid    int64
	scheme *Scheme
	data   Dict
	locked map[string]struct{}
	dirty  map[string]struct{}
}

// NewRecord wraps data, which must carry OidField.
func NewRecord(s *Scheme, data Dict) *Record {
	return &Record{
		oid:    GetInt(data, OidField),
		scheme: s,
		data:   data,
	}
}

func (o *Record) ID() int64 {
	return o.oid
}

func (o *Record) Scheme() *Scheme {
	return o.scheme
}

// Data returns the underlying dictionary.
func (o *Record) Data() Dict {
	return o.data
}

func (o *Record) Get(name string) Value {
	return o.data[name]
}

func (o *Record) GetString(name string) string {
	s, _ := o.data[name].(string)
	return s
}

func (o *Record) GetInt(name string) int64 {
	return GetInt(o.data, name)
}

func (o *Record) GetBool(name string) bool {
	return asBool(o.data[name])
}

// Set changes a property. It reports false for locked properties and the
// oid.
func (o *Record) Set(name string, v Value) bool {
	if name == OidField || o.IsLocked(name) {
		return false
	}
	if o.data == nil {
		o.data = Dict{}
	}
	o.data[name] = Normalize(v)
	if o.dirty == nil {
		o.dirty = make(map[string]struct{})
	}
	o.dirty[name] = struct{}{}
	return true
}

// Lock protects properties from Set.
func (o *Record) Lock(names ...string) {
	if o.locked == nil {
		o.locked = make(map[string]struct{})
	}
	for _, name := range names {
		o.locked[name] = struct{}{}
	}
}

func (o *Record) IsLocked(name string) bool {
	_, ok := o.locked[name]
	return ok
}

// Save writes properties changed through Set. Nothing changed is a no-op.
func (o *Record) Save(ctx context.Context, t *Transaction) error {
	if len(o.dirty) == 0 {
		return nil
	}
	patch := make(Dict, len(o.dirty))
	for name := range o.dirty {
		patch[name] = o.data[name]
	}
	ret, err := NewWorker(o.scheme, t).Update(ctx, o.oid, patch, UpdateNone)
	if err != nil {
		return err
	}
	for k, v := range ret {
		o.data[k] = v
	}
	o.dirty = nil
	return nil
}

// UsersSchemeName is the conventional name of the user scheme.
const UsersSchemeName = "__users"

// UsersScheme declares the user scheme template. Extra fields may be added
// before the scheme is initialized.
func UsersScheme(name string, extra ...*Field) *Scheme {
	if name == "" {
		name = UsersSchemeName
	}
	return NewScheme(name,
		Text("name", TransformAlias, Required|Unique|Indexed),
		Password("password", Protected|Required),
		Boolean("isAdmin", Default(false)),
	).Define(extra...)
}

// User is an object of a user scheme.
type User struct {
	Record
}

func NewUser(s *Scheme, data Dict) *User {
	return &User{Record: *NewRecord(s, data)}
}

func (u *User) Name() string {
	return u.GetString("name")
}

func (u *User) IsAdmin() bool {
	return u.GetBool("isAdmin")
}

// CheckPassword verifies password against the stored hash. The hash is
// only present when the user was loaded by a System read.
func (u *User) CheckPassword(password string) bool {
	f := u.scheme.Field("password")
	if f == nil {
		return false
	}
	hash, ok := u.data["password"].([]byte)
	if !ok {
		return false
	}
	return ValidatePassword(password, hash, f.salt)
}

// Role returns the access role the user acts with.
func (u *User) Role() AccessRoleID {
	if u.IsAdmin() {
		return RoleAdmin
	}
	return RoleAuthorized
}

// CreateUser stores a new user.
func CreateUser(ctx context.Context, t *Transaction, s *Scheme, name, password string, isAdmin bool) (*User, error) {
	ret, err := NewWorker(s, t).AsSystem().Create(ctx, Dict{
		"name":     name,
		"password": password,
		"isAdmin":  isAdmin,
	}, UpdateProtected)
	if err != nil || ret == nil {
		return nil, err
	}
	return NewUser(s, ret), nil
}

// UserByName loads a user by name, including the password hash.
func UserByName(ctx context.Context, t *Transaction, s *Scheme, name string) (*User, error) {
	obj, err := NewWorker(s, t).AsSystem().Get(ctx, name, GetAll)
	if err != nil || obj == nil {
		return nil, err
	}
	return NewUser(s, obj), nil
}

// UserByID loads a user by oid, including the password hash.
func UserByID(ctx context.Context, t *Transaction, s *Scheme, oid int64) (*User, error) {
	obj, err := NewWorker(s, t).AsSystem().Get(ctx, oid, GetAll)
	if err != nil || obj == nil {
		return nil, err
	}
	return NewUser(s, obj), nil
}

// Auth describes how users of a scheme log in.
type Auth struct {
	scheme   *Scheme
	name     *Field
	email    *Field
	password *Field

	// MaxLoginFailures blocks a user after that many failures within
	// MaxAuthTime.
	MaxLoginFailures int
	MaxAuthTime      time.Duration
}

const (
	DefaultMaxLoginFailures = 5
	DefaultMaxAuthTime      = 30 * time.Minute
)

// NewAuth discovers the name, email and password fields of s.
func NewAuth(s *Scheme) *Auth {
	a := &Auth{
		scheme:           s,
		MaxLoginFailures: DefaultMaxLoginFailures,
		MaxAuthTime:      DefaultMaxAuthTime,
	}
	for _, f := range s.Fields() {
		switch {
		case f.typ == TypeText && f.transform == TransformAlias && a.name == nil:
			a.name = f
		case f.typ == TypeText && f.transform == TransformEmail && a.email == nil:
			a.email = f
		case f.transform == TransformPassword && a.password == nil:
			a.password = f
		}
	}
	if f := s.Field("name"); f != nil {
		a.name = f
	}
	if f := s.Field("password"); f != nil && f.transform == TransformPassword {
		a.password = f
	}
	return a
}

func (a *Auth) Scheme() *Scheme {
	return a.scheme
}

func (a *Auth) PasswordField() *Field {
	return a.password
}

// NameField picks the field a login name is matched against: the email
// field for addresses, the name field otherwise. The value is normalized
// for that field.
func (a *Auth) NameField(input string) (*Field, string) {
	if a.email != nil && strings.Contains(input, "@") {
		if addr, ok := validateEmail(input); ok {
			return a.email, addr
		}
	}
	return a.name, input
}

// AuthorizeWithPassword checks password against hash unless the user is
// blocked by failures.
func (a *Auth) AuthorizeWithPassword(password string, hash []byte, failures int) bool {
	if a.password == nil || failures >= a.MaxLoginFailures {
		return false
	}
	return ValidatePassword(password, hash, a.password.salt)
}
