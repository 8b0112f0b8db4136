package db

import (
	"context"
	"fmt"
)

// AccessRoleID identifies a role a transaction acts under.
type AccessRoleID int

const (
	RoleNobody AccessRoleID = iota
	RoleAuthorized
	RoleUserDefined1
	RoleUserDefined2
	RoleUserDefined3
	RoleUserDefined4
	RoleUserDefined5
	RoleUserDefined6
	RoleUserDefined7
	RoleUserDefined8
	RoleUserDefined9
	RoleUserDefined10
	RoleUserDefined11
	RoleAdmin
	RoleSystem
	RoleDefault

	roleMax
)

func (r AccessRoleID) String() string {
	switch r {
	case RoleNobody:
		return "nobody"
	case RoleAuthorized:
		return "authorized"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	case RoleDefault:
		return "default"
	}
	if r >= RoleUserDefined1 && r <= RoleUserDefined11 {
		return fmt.Sprintf("user%d", int(r-RoleUserDefined1)+1)
	}
	return "unknown"
}

// Op is an operation subject to access control.
type Op int

const (
	OpNone Op = iota
	OpID
	OpSelect
	OpCount
	OpRemove
	OpCreate
	OpSave
	OpPatch
	OpFieldGet
	OpFieldSet
	OpFieldAppend
	OpFieldClear
	OpFieldCount
	OpDelta
	OpDeltaView
	OpRemoveFromView
	OpAddToView

	opMax
)

var opNames = [...]string{
	OpNone:           "none",
	OpID:             "id",
	OpSelect:         "select",
	OpCount:          "count",
	OpRemove:         "remove",
	OpCreate:         "create",
	OpSave:           "save",
	OpPatch:          "patch",
	OpFieldGet:       "field-get",
	OpFieldSet:       "field-set",
	OpFieldAppend:    "field-append",
	OpFieldClear:     "field-clear",
	OpFieldCount:     "field-count",
	OpDelta:          "delta",
	OpDeltaView:      "delta-view",
	OpRemoveFromView: "remove-from-view",
	OpAddToView:      "add-to-view",
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Action is the kind of single-field operation.
type Action int

const (
	ActionGet Action = iota
	ActionSet
	ActionAppend
	ActionRemove
	ActionCount
)

func (a Action) op() Op {
	switch a {
	case ActionGet:
		return OpFieldGet
	case ActionSet:
		return OpFieldSet
	case ActionAppend:
		return OpFieldAppend
	case ActionRemove:
		return OpFieldClear
	case ActionCount:
		return OpFieldCount
	}
	return OpNone
}

func (a Action) String() string {
	return a.op().String()
}

// Hook signatures. Returning false vetoes the operation or hides the value.
type (
	SelectHook      func(ctx context.Context, w *Worker, q *Query) bool
	CountHook       func(ctx context.Context, w *Worker, q *Query) bool
	CreateHook      func(ctx context.Context, w *Worker, obj Dict) bool
	PatchHook       func(ctx context.Context, w *Worker, oid int64, patch Dict) bool
	SaveHook        func(ctx context.Context, w *Worker, current Dict, obj Dict, fields *[]string) bool
	RemoveHook      func(ctx context.Context, w *Worker, obj Dict) bool
	FieldHook       func(ctx context.Context, a Action, w *Worker, obj Dict, f *Field, v *Value) bool
	ReturnHook      func(s *Scheme, obj Dict) bool
	ReturnFieldHook func(s *Scheme, f *Field, v *Value) bool
)

// AccessRole grants a set of operations to a set of role ids and carries
// optional hooks that can veto or rewrite individual requests.
type AccessRole struct {
	users uint32
	ops   uint32

	OnSelect      SelectHook
	OnCount       CountHook
	OnCreate      CreateHook
	OnPatch       PatchHook
	OnSave        SaveHook
	OnRemove      RemoveHook
	OnField       FieldHook
	OnReturn      ReturnHook
	OnReturnField ReturnFieldHook
}

// NewAccessRole returns a role applying to the given ids with no operations.
func NewAccessRole(users ...AccessRoleID) *AccessRole {
	r := &AccessRole{}
	for _, u := range users {
		r.users |= 1 << uint(u)
	}
	return r
}

// DefaultRole allows read-only operations.
func DefaultRole(users ...AccessRoleID) *AccessRole {
	return NewAccessRole(users...).Allow(OpID, OpSelect, OpCount, OpDelta, OpDeltaView, OpFieldGet, OpFieldCount)
}

// AdminRole allows every operation.
func AdminRole(users ...AccessRoleID) *AccessRole {
	r := NewAccessRole(users...)
	for op := OpID; op < opMax; op++ {
		r.Allow(op)
	}
	return r
}

// Allow adds operations to the role.
func (r *AccessRole) Allow(ops ...Op) *AccessRole {
	for _, op := range ops {
		r.ops |= 1 << uint(op)
	}
	return r
}

// Allows reports whether op is granted.
func (r *AccessRole) Allows(op Op) bool {
	return op != OpNone && r.ops&(1<<uint(op)) != 0
}

// AppliesTo reports whether the role is registered for id.
func (r *AccessRole) AppliesTo(id AccessRoleID) bool {
	return r.users&(1<<uint(id)) != 0
}

// Users lists the ids the role applies to.
func (r *AccessRole) Users() []AccessRoleID {
	var out []AccessRoleID
	for id := RoleNobody; id < roleMax; id++ {
		if r.AppliesTo(id) {
			out = append(out, id)
		}
	}
	return out
}

// finalize grants the operation behind every defined hook.
func (r *AccessRole) finalize() {
	if r.OnSelect != nil {
		r.Allow(OpSelect)
	}
	if r.OnCount != nil {
		r.Allow(OpCount)
	}
	if r.OnCreate != nil {
		r.Allow(OpCreate)
	}
	if r.OnPatch != nil {
		r.Allow(OpPatch)
	}
	if r.OnSave != nil {
		r.Allow(OpSave)
	}
	if r.OnRemove != nil {
		r.Allow(OpRemove)
	}
}

// defaultOpAllowed is the policy for roles with no registered AccessRole.
func defaultOpAllowed(role AccessRoleID, op Op) bool {
	switch op {
	case OpNone:
		return false
	case OpID, OpSelect, OpCount, OpDelta, OpDeltaView, OpFieldGet:
		return true
	}
	return role == RoleAdmin || role == RoleSystem
}
