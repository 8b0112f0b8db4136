package db

import (
	"context"
	"time"
)

// TransactionStatus is the state of the backend transaction.
type TransactionStatus int

const (
	TransactionNone TransactionStatus = iota
	TransactionCommit
	TransactionRollback
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionCommit:
		return "commit"
	case TransactionRollback:
		return "rollback"
	}
	return "none"
}

// DeltaAction is the kind of change recorded for delta-tracked schemes and
// views.
type DeltaAction int

const (
	DeltaCreate DeltaAction = iota + 1
	DeltaUpdate
	DeltaDelete
	DeltaAppend
	DeltaErase
)

func (a DeltaAction) String() string {
	switch a {
	case DeltaCreate:
		return "create"
	case DeltaUpdate:
		return "update"
	case DeltaDelete:
		return "delete"
	case DeltaAppend:
		return "append"
	case DeltaErase:
		return "erase"
	}
	return "unknown"
}

// Keys a backend may add to decoded rows.
const (
	DeltaField   = "__delta"
	ViewIDField  = "__vid"
	DeltaAtField = "time"
)

// InterfaceConfig is passed to Interface.Init.
type InterfaceConfig struct {
	Name       string
	FileScheme *Scheme
}

// Interface is the contract a storage backend implements. The engine never
// touches storage directly. Methods taking a *Worker read its field
// selection, conflicts and conditions from it.
type Interface interface {
	// Key-value store with per-key expiry.
	Set(ctx context.Context, key string, v Value, ttl time.Duration) error
	Get(ctx context.Context, key string, clear bool) (Value, error)
	Clear(ctx context.Context, key string) error

	PerformQueryListForIds(ctx context.Context, ql *QueryList, count int) ([]int64, error)
	PerformQueryList(ctx context.Context, ql *QueryList, count int, forUpdate bool) ([]Dict, error)

	Init(ctx context.Context, cfg InterfaceConfig, schemes map[string]*Scheme) error
	MakeSessionsCleanup(ctx context.Context) error
	ProcessBroadcasts(ctx context.Context, fn func(data []byte)) error

	Select(ctx context.Context, w *Worker, q *Query) ([]Dict, error)
	Create(ctx context.Context, w *Worker, objs []Dict) ([]Dict, error)
	Save(ctx context.Context, w *Worker, oid int64, obj Dict, fields []string) (Dict, error)
	Patch(ctx context.Context, w *Worker, oid int64, patch Dict) (Dict, error)
	Remove(ctx context.Context, w *Worker, oid int64) (bool, error)
	Count(ctx context.Context, w *Worker, q *Query) (int64, error)

	// Field performs a on f of the object identified by obj, which is either
	// an oid (int64) or an object Dict carrying OidField.
	Field(ctx context.Context, a Action, w *Worker, obj Value, f *Field, v Value) (Value, error)

	// AddToView adds a membership row to view for target.
	AddToView(ctx context.Context, view *Field, target int64, data Dict) error
	// RemoveFromView removes memberships of source from view. A nil targets
	// slice removes every membership of source.
	RemoveFromView(ctx context.Context, view *Field, source int64, targets []int64) error
	ReferenceParents(ctx context.Context, s *Scheme, oid int64, parent *Scheme, pointer *Field) ([]int64, error)

	BeginTransaction(ctx context.Context) error
	EndTransaction(ctx context.Context) error
	CancelTransaction()
	IsInTransaction() bool
	TransactionStatus() TransactionStatus

	AuthorizeUser(ctx context.Context, auth *Auth, name, password string) (*User, error)
	Broadcast(ctx context.Context, data []byte) error
	DeltaValue(ctx context.Context, s *Scheme) (int64, error)
	ViewDeltaValue(ctx context.Context, view *Field, tag int64) (int64, error)
}

// Forker is implemented by backends that can open an independent session
// over the same storage, used to run background tasks.
type Forker interface {
	Fork(ctx context.Context) (Interface, error)
}
