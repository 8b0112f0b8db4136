// Package dblog wraps a db.Interface and logs every backend call.
package dblog

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aidanlsb/stellator/internal/db"
)

var id int64

// Logger implements db.Interface by logging each call at Debug level and
// passing it on to the wrapped store.
type Logger struct {
	log   *zap.Logger
	store db.Interface
}

var _ db.Interface = (*Logger)(nil)

// New creates a new Logger with log and store. Each Logger gets a numbered
// sub-logger.
func New(log *zap.Logger, store db.Interface) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Unwrap returns the wrapped store.
func (store *Logger) Unwrap() db.Interface {
	return store.store
}

func schemeName(w *db.Worker) zap.Field {
	if w == nil || w.Scheme() == nil {
		return zap.Skip()
	}
	return zap.String("scheme", w.Scheme().Name())
}

func fieldName(f *db.Field) zap.Field {
	if f == nil {
		return zap.Skip()
	}
	if f.Owner() != nil {
		return zap.String("field", f.Owner().Name()+"."+f.Name())
	}
	return zap.String("field", f.Name())
}

// done logs failures of a call.
func (store *Logger) done(op string, err error) {
	if err != nil {
		store.log.Debug(op+" failed", zap.Error(err))
	}
}

func (store *Logger) Set(ctx context.Context, key string, v db.Value, ttl time.Duration) (err error) {
	store.log.Debug("Set", zap.String("key", key), zap.Duration("ttl", ttl))
	defer func() { store.done("Set", err) }()
	return store.store.Set(ctx, key, v, ttl)
}

func (store *Logger) Get(ctx context.Context, key string, clear bool) (_ db.Value, err error) {
	store.log.Debug("Get", zap.String("key", key), zap.Bool("clear", clear))
	defer func() { store.done("Get", err) }()
	return store.store.Get(ctx, key, clear)
}

func (store *Logger) Clear(ctx context.Context, key string) (err error) {
	store.log.Debug("Clear", zap.String("key", key))
	defer func() { store.done("Clear", err) }()
	return store.store.Clear(ctx, key)
}

func (store *Logger) PerformQueryListForIds(ctx context.Context, ql *db.QueryList, count int) (_ []int64, err error) {
	store.log.Debug("PerformQueryListForIds", zap.String("scheme", ql.Scheme().Name()), zap.Int("items", ql.Size()), zap.Int("count", count))
	defer func() { store.done("PerformQueryListForIds", err) }()
	return store.store.PerformQueryListForIds(ctx, ql, count)
}

func (store *Logger) PerformQueryList(ctx context.Context, ql *db.QueryList, count int, forUpdate bool) (_ []db.Dict, err error) {
	store.log.Debug("PerformQueryList", zap.String("scheme", ql.Scheme().Name()), zap.Int("items", ql.Size()), zap.Int("count", count), zap.Bool("for update", forUpdate))
	defer func() { store.done("PerformQueryList", err) }()
	return store.store.PerformQueryList(ctx, ql, count, forUpdate)
}

func (store *Logger) Init(ctx context.Context, cfg db.InterfaceConfig, schemes map[string]*db.Scheme) (err error) {
	store.log.Debug("Init", zap.String("name", cfg.Name), zap.Int("schemes", len(schemes)))
	defer func() { store.done("Init", err) }()
	return store.store.Init(ctx, cfg, schemes)
}

func (store *Logger) MakeSessionsCleanup(ctx context.Context) (err error) {
	store.log.Debug("MakeSessionsCleanup")
	defer func() { store.done("MakeSessionsCleanup", err) }()
	return store.store.MakeSessionsCleanup(ctx)
}

func (store *Logger) ProcessBroadcasts(ctx context.Context, fn func(data []byte)) (err error) {
	store.log.Debug("ProcessBroadcasts")
	defer func() { store.done("ProcessBroadcasts", err) }()
	return store.store.ProcessBroadcasts(ctx, func(data []byte) {
		store.log.Debug("  ", zap.Int("length", len(data)))
		fn(data)
	})
}

func (store *Logger) Select(ctx context.Context, w *db.Worker, q *db.Query) (_ []db.Dict, err error) {
	store.log.Debug("Select", schemeName(w), zap.Int("conditions", len(q.SelectList())))
	defer func() { store.done("Select", err) }()
	return store.store.Select(ctx, w, q)
}

func (store *Logger) Create(ctx context.Context, w *db.Worker, objs []db.Dict) (_ []db.Dict, err error) {
	store.log.Debug("Create", schemeName(w), zap.Int("objects", len(objs)))
	defer func() { store.done("Create", err) }()
	return store.store.Create(ctx, w, objs)
}

func (store *Logger) Save(ctx context.Context, w *db.Worker, oid int64, obj db.Dict, fields []string) (_ db.Dict, err error) {
	store.log.Debug("Save", schemeName(w), zap.Int64("oid", oid), zap.Strings("fields", fields))
	defer func() { store.done("Save", err) }()
	return store.store.Save(ctx, w, oid, obj, fields)
}

func (store *Logger) Patch(ctx context.Context, w *db.Worker, oid int64, patch db.Dict) (_ db.Dict, err error) {
	store.log.Debug("Patch", schemeName(w), zap.Int64("oid", oid), zap.Int("keys", len(patch)))
	defer func() { store.done("Patch", err) }()
	return store.store.Patch(ctx, w, oid, patch)
}

func (store *Logger) Remove(ctx context.Context, w *db.Worker, oid int64) (_ bool, err error) {
	store.log.Debug("Remove", schemeName(w), zap.Int64("oid", oid))
	defer func() { store.done("Remove", err) }()
	return store.store.Remove(ctx, w, oid)
}

func (store *Logger) Count(ctx context.Context, w *db.Worker, q *db.Query) (_ int64, err error) {
	store.log.Debug("Count", schemeName(w))
	defer func() { store.done("Count", err) }()
	return store.store.Count(ctx, w, q)
}

func (store *Logger) Field(ctx context.Context, a db.Action, w *db.Worker, obj db.Value, f *db.Field, v db.Value) (_ db.Value, err error) {
	store.log.Debug("Field", schemeName(w), fieldName(f), zap.Stringer("action", a))
	defer func() { store.done("Field", err) }()
	return store.store.Field(ctx, a, w, obj, f, v)
}

func (store *Logger) AddToView(ctx context.Context, view *db.Field, target int64, data db.Dict) (err error) {
	store.log.Debug("AddToView", fieldName(view), zap.Int64("target", target))
	defer func() { store.done("AddToView", err) }()
	return store.store.AddToView(ctx, view, target, data)
}

func (store *Logger) RemoveFromView(ctx context.Context, view *db.Field, source int64, targets []int64) (err error) {
	store.log.Debug("RemoveFromView", fieldName(view), zap.Int64("source", source), zap.Int64s("targets", targets))
	defer func() { store.done("RemoveFromView", err) }()
	return store.store.RemoveFromView(ctx, view, source, targets)
}

func (store *Logger) ReferenceParents(ctx context.Context, s *db.Scheme, oid int64, parent *db.Scheme, pointer *db.Field) (_ []int64, err error) {
	store.log.Debug("ReferenceParents", zap.String("scheme", s.Name()), zap.Int64("oid", oid), zap.String("parent", parent.Name()), fieldName(pointer))
	defer func() { store.done("ReferenceParents", err) }()
	return store.store.ReferenceParents(ctx, s, oid, parent, pointer)
}

func (store *Logger) BeginTransaction(ctx context.Context) (err error) {
	store.log.Debug("BeginTransaction")
	defer func() { store.done("BeginTransaction", err) }()
	return store.store.BeginTransaction(ctx)
}

func (store *Logger) EndTransaction(ctx context.Context) (err error) {
	store.log.Debug("EndTransaction", zap.Stringer("status", store.store.TransactionStatus()))
	defer func() { store.done("EndTransaction", err) }()
	return store.store.EndTransaction(ctx)
}

func (store *Logger) CancelTransaction() {
	store.log.Debug("CancelTransaction")
	store.store.CancelTransaction()
}

func (store *Logger) IsInTransaction() bool {
	return store.store.IsInTransaction()
}

func (store *Logger) TransactionStatus() db.TransactionStatus {
	return store.store.TransactionStatus()
}

func (store *Logger) AuthorizeUser(ctx context.Context, auth *db.Auth, name, password string) (_ *db.User, err error) {
	store.log.Debug("AuthorizeUser", zap.String("name", name))
	defer func() { store.done("AuthorizeUser", err) }()
	return store.store.AuthorizeUser(ctx, auth, name, password)
}

func (store *Logger) Broadcast(ctx context.Context, data []byte) (err error) {
	store.log.Debug("Broadcast", zap.Int("length", len(data)))
	defer func() { store.done("Broadcast", err) }()
	return store.store.Broadcast(ctx, data)
}

func (store *Logger) DeltaValue(ctx context.Context, s *db.Scheme) (_ int64, err error) {
	store.log.Debug("DeltaValue", zap.String("scheme", s.Name()))
	defer func() { store.done("DeltaValue", err) }()
	return store.store.DeltaValue(ctx, s)
}

func (store *Logger) ViewDeltaValue(ctx context.Context, view *db.Field, tag int64) (_ int64, err error) {
	store.log.Debug("ViewDeltaValue", fieldName(view), zap.Int64("tag", tag))
	defer func() { store.done("ViewDeltaValue", err) }()
	return store.store.ViewDeltaValue(ctx, view, tag)
}

// Wrap is New, except that the result also implements db.Forker when store
// does. Forked sessions log through the same logger.
func Wrap(log *zap.Logger, store db.Interface) db.Interface {
	l := New(log, store)
	if f, ok := store.(db.Forker); ok {
		return &forkingLogger{l, f}
	}
	return l
}

type forkingLogger struct {
	*Logger
	forker db.Forker
}

func (store *forkingLogger) Fork(ctx context.Context) (db.Interface, error) {
	store.log.Debug("Fork")
	forked, err := store.forker.Fork(ctx)
	if err != nil {
		store.done("Fork", err)
		return nil, err
	}
	l := &Logger{store.log, forked}
	if f, ok := forked.(db.Forker); ok {
		return &forkingLogger{l, f}, nil
	}
	return l, nil
}
