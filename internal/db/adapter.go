package db

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAutoFieldWorkers bounds concurrent background auto field tasks.
const DefaultAutoFieldWorkers = 2

// Adapter is the engine's handle on a backend Interface. It owns the
// initialized schemes and runs auto field recomputation after commits.
type Adapter struct {
	iface     Interface
	log       *zap.Logger
	metrics   *Metrics
	fileStore FileStore

	cacheSize   int
	maxDepth    int
	autoWorkers int

	schemes map[string]*Scheme

	mu    sync.Mutex
	tasks *errgroup.Group
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithFileStore(fs FileStore) Option {
	return func(a *Adapter) { a.fileStore = fs }
}

func WithObjectCacheSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.cacheSize = n
		}
	}
}

func WithResolverMaxDepth(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxDepth = n
		}
	}
}

// WithAutoFieldWorkers sets how many auto field tasks run at once on
// backends that can fork sessions.
func WithAutoFieldWorkers(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.autoWorkers = n
		}
	}
}

// NewAdapter returns an adapter over iface.
func NewAdapter(iface Interface, opts ...Option) *Adapter {
	a := &Adapter{
		iface:       iface,
		log:         zap.NewNop(),
		cacheSize:   DefaultObjectCacheSize,
		maxDepth:    DefaultResolverMaxDepth,
		autoWorkers: DefaultAutoFieldWorkers,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Interface() Interface {
	return a.iface
}

func (a *Adapter) Logger() *zap.Logger {
	return a.log
}

func (a *Adapter) ResolverMaxDepth() int {
	return a.maxDepth
}

// Schemes returns the schemes passed to Init plus the built-in ones.
func (a *Adapter) Schemes() map[string]*Scheme {
	return a.schemes
}

func (a *Adapter) Scheme(name string) *Scheme {
	return a.schemes[name]
}

// Init wires schemes and lets the backend sync its storage to them. Scheme
// wiring problems are logged and leave the affected relation unwired; they
// do not fail Init.
func (a *Adapter) Init(ctx context.Context, cfg InterfaceConfig, schemes map[string]*Scheme) error {
	all := make(map[string]*Scheme, len(schemes)+1)
	for name, s := range schemes {
		all[name] = s
	}
	if _, ok := all[FileSchemeName]; !ok {
		all[FileSchemeName] = NewFileScheme()
	}
	if err := InitSchemes(all); err != nil {
		for _, e := range unjoin(err) {
			a.log.Warn("scheme wiring failed", zap.Error(e))
		}
	}
	cfg.FileScheme = all[FileSchemeName]
	a.schemes = all
	return backendError(nil, "backend init failed", a.iface.Init(ctx, cfg, all))
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Begin binds a transaction for the adapter to ctx. Release it when done.
func (a *Adapter) Begin(ctx context.Context) (context.Context, *Transaction) {
	return Acquire(ctx, a)
}

// NewQueryList starts a query chain at s, limited to the adapter's
// resolver depth.
func (a *Adapter) NewQueryList(s *Scheme) *QueryList {
	ql := NewQueryList(s)
	ql.SetMaxDepth(a.maxDepth)
	return ql
}

func (a *Adapter) Set(ctx context.Context, key string, v Value, ttl time.Duration) error {
	return backendError(nil, "kv set failed", a.iface.Set(ctx, key, v, ttl))
}

func (a *Adapter) Get(ctx context.Context, key string) (Value, error) {
	v, err := a.iface.Get(ctx, key, false)
	return v, backendError(nil, "kv get failed", err)
}

// Take returns the value for key and removes it.
func (a *Adapter) Take(ctx context.Context, key string) (Value, error) {
	v, err := a.iface.Get(ctx, key, true)
	return v, backendError(nil, "kv get failed", err)
}

func (a *Adapter) Clear(ctx context.Context, key string) error {
	return backendError(nil, "kv clear failed", a.iface.Clear(ctx, key))
}

func (a *Adapter) MakeSessionsCleanup(ctx context.Context) error {
	return backendError(nil, "sessions cleanup failed", a.iface.MakeSessionsCleanup(ctx))
}

func (a *Adapter) ProcessBroadcasts(ctx context.Context, fn func(data []byte)) error {
	return backendError(nil, "broadcast processing failed", a.iface.ProcessBroadcasts(ctx, fn))
}

func (a *Adapter) AuthorizeUser(ctx context.Context, auth *Auth, name, password string) (*User, error) {
	u, err := a.iface.AuthorizeUser(ctx, auth, name, password)
	return u, backendError(auth.Scheme(), "authorization failed", err)
}

func (a *Adapter) Broadcast(ctx context.Context, data []byte) error {
	return backendError(nil, "broadcast failed", a.iface.Broadcast(ctx, data))
}

// BroadcastValue encodes v as JSON and broadcasts it.
func (a *Adapter) BroadcastValue(ctx context.Context, v Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.Broadcast(ctx, data)
}

// BroadcastURL broadcasts v addressed to url.
func (a *Adapter) BroadcastURL(ctx context.Context, url string, v Value, exclusive bool) error {
	return a.BroadcastValue(ctx, Dict{
		"url":       url,
		"exclusive": exclusive,
		"data":      v,
	})
}

// fork returns an adapter sharing configuration but running on iface.
func (a *Adapter) fork(iface Interface) *Adapter {
	return &Adapter{
		iface:       iface,
		log:         a.log,
		metrics:     a.metrics,
		fileStore:   a.fileStore,
		cacheSize:   a.cacheSize,
		maxDepth:    a.maxDepth,
		autoWorkers: a.autoWorkers,
		schemes:     a.schemes,
	}
}

type autoFieldTask struct {
	key autoFieldKey
	ids []int64
}

func sortedTasks(scheduled map[autoFieldKey]map[int64]struct{}) []autoFieldTask {
	tasks := make([]autoFieldTask, 0, len(scheduled))
	for key, ids := range scheduled {
		tasks = append(tasks, autoFieldTask{key: key, ids: sortedIDs(ids)})
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].key.scheme.name != tasks[j].key.scheme.name {
			return tasks[i].key.scheme.name < tasks[j].key.scheme.name
		}
		return tasks[i].key.field.name < tasks[j].key.field.name
	})
	return tasks
}

// runAutoFields recomputes auto fields scheduled by a committed
// transaction. Backends that can fork a session run the tasks in the
// background; others run them before returning.
func (a *Adapter) runAutoFields(ctx context.Context, scheduled map[autoFieldKey]map[int64]struct{}) {
	tasks := sortedTasks(scheduled)
	forker, ok := a.iface.(Forker)
	if !ok {
		for _, task := range tasks {
			if err := a.updateAutoFields(ctx, task); err != nil {
				a.log.Error("auto field update failed",
					zap.String("scheme", task.key.scheme.name),
					zap.String("field", task.key.field.name),
					zap.Error(err))
			}
		}
		return
	}

	a.mu.Lock()
	if a.tasks == nil {
		a.tasks = new(errgroup.Group)
		a.tasks.SetLimit(a.autoWorkers)
	}
	g := a.tasks
	a.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			iface, err := forker.Fork(bg)
			if err != nil {
				a.log.Error("failed to fork backend for auto fields", zap.Error(err))
				return err
			}
			if c, ok := iface.(io.Closer); ok {
				defer c.Close()
			}
			if err := a.fork(iface).updateAutoFields(bg, task); err != nil {
				a.log.Error("auto field update failed",
					zap.String("scheme", task.key.scheme.name),
					zap.String("field", task.key.field.name),
					zap.Error(err))
				return err
			}
			return nil
		})
	}
}

// updateAutoFields recomputes one auto field for the given objects and
// writes values that changed.
func (a *Adapter) updateAutoFields(ctx context.Context, task autoFieldTask) error {
	ctx, t := Acquire(ctx, a)
	defer t.Release()

	s, f := task.key.scheme, task.key.field
	def := f.autoField
	if def == nil || def.DefaultFn == nil {
		return nil
	}
	fields := []string{f.name}
	for _, name := range def.Requires {
		if s.Field(name) != nil {
			fields = append(fields, name)
		}
	}

	for _, id := range task.ids {
		obj, err := NewWorker(s, t).AsSystem().Get(ctx, id, 0, fields...)
		if err != nil {
			return err
		}
		if obj == nil {
			continue
		}
		a.metrics.autoTask()
		v := Normalize(def.DefaultFn(obj))
		if SameValue(v, obj[f.name]) {
			continue
		}
		if _, err := NewWorker(s, t).AsSystem().Update(ctx, id, Dict{f.name: v}, UpdateProtected|UpdateNoReturn); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until background auto field tasks finish and returns the
// first error among them.
func (a *Adapter) Wait() error {
	a.mu.Lock()
	g := a.tasks
	a.tasks = nil
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close waits for background work and closes the backend when it is an
// io.Closer.
func (a *Adapter) Close() error {
	err := a.Wait()
	if c, ok := a.iface.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
