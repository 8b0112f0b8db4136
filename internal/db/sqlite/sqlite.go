// Package sqlite implements db.Interface over an embedded SQLite database.
//
// Every scheme becomes a table keyed by __oid. Collections live in side
// tables named after the owning scheme and field: reference sets and arrays
// in <scheme>_f_<field>, view memberships in <scheme>_f_<field>_view and
// full-text data in FTS5 tables. Key/value data goes to a kvstore when one
// is configured and to the __sessions table otherwise.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/kvstore"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

// DefaultRetention is how long login history and broadcasts are kept.
const DefaultRetention = 720 * time.Hour

const memoryPath = ":memory:"

// Store owns the database connection and the table layout derived from the
// schemes passed to Init. Sessions opened with Handle share it.
type Store struct {
	db        *sql.DB
	kv        *kvstore.Store
	log       *zap.Logger
	path      string
	retention time.Duration

	mu      sync.RWMutex
	schemes map[string]*db.Scheme
	files   *db.Scheme
	layout  *layout

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithKV routes key/value calls to kv. The store closes it on Close.
func WithKV(kv *kvstore.Store) Option {
	return func(s *Store) { s.kv = kv }
}

// WithRetention sets how long login history and broadcasts are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
		}
	}
	return open(path, opts)
}

// OpenInMemory opens a private in-memory database, mostly for tests.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(memoryPath, opts)
}

func dsn(path string) string {
	v := url.Values{}
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "temp_store(MEMORY)")
	if path != memoryPath {
		v.Add("_pragma", "journal_mode(WAL)")
		v.Add("_pragma", "synchronous(NORMAL)")
	}
	v.Set("_txlock", "immediate")
	return path + "?" + v.Encode()
}

func open(path string, opts []Option) (*Store, error) {
	s := &Store{
		log:       zap.NewNop(),
		path:      path,
		retention: DefaultRetention,
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("sqlite")

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if path == memoryPath {
		// every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	}
	s.db = conn

	if err := s.initInternals(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

// Close closes the database and the key/value store.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.kv != nil {
		if kerr := s.kv.Close(); err == nil {
			err = kerr
		}
	}
	return err
}

// Handle opens a new session. A session is not safe for concurrent use;
// fork one per goroutine.
func (s *Store) Handle() *Handle {
	return &Handle{store: s}
}

func (s *Store) now() int64 {
	return s.Now().UnixMicro()
}

func (s *Store) current() *layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layout
}

func (s *Store) fileScheme() *db.Scheme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files
}

// Handle is one session over a Store. It implements db.Interface and
// db.Forker.
type Handle struct {
	store  *Store
	tx     *sql.Tx
	status db.TransactionStatus
}

var (
	_ db.Interface = (*Handle)(nil)
	_ db.Forker    = (*Handle)(nil)
)

func (h *Handle) Store() *Store {
	return h.store
}

// q returns the open transaction, or the database outside of one.
func (h *Handle) q() sqlutil.Querier {
	if h.tx != nil {
		return h.tx
	}
	return h.store.db
}

// Fork opens an independent session over the same store.
func (h *Handle) Fork(ctx context.Context) (db.Interface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.store.Handle(), nil
}

func (h *Handle) BeginTransaction(ctx context.Context) error {
	if h.tx != nil {
		return errors.New("sqlite: transaction already open")
	}
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	h.tx = tx
	h.status = db.TransactionCommit
	return nil
}

// EndTransaction commits, or rolls back after CancelTransaction.
func (h *Handle) EndTransaction(ctx context.Context) error {
	if h.tx == nil {
		return nil
	}
	tx, status := h.tx, h.status
	h.tx = nil
	h.status = db.TransactionNone
	if status == db.TransactionRollback {
		return errors.Wrap(tx.Rollback(), "rollback")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (h *Handle) CancelTransaction() {
	if h.tx != nil {
		h.status = db.TransactionRollback
	}
}

func (h *Handle) IsInTransaction() bool {
	return h.tx != nil
}

func (h *Handle) TransactionStatus() db.TransactionStatus {
	return h.status
}

// atomic runs fn inside the open transaction, or inside a local one that is
// committed when fn succeeds. The session reads through the local
// transaction while fn runs.
func (h *Handle) atomic(ctx context.Context, fn func(q sqlutil.Querier) error) error {
	if h.tx != nil {
		return fn(h.tx)
	}
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	h.tx = tx
	err = fn(tx)
	h.tx = nil
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Init derives the table layout from schemes and brings the database in
// line with it. Tables and columns are only ever added.
func (h *Handle) Init(ctx context.Context, cfg db.InterfaceConfig, schemes map[string]*db.Scheme) error {
	files := cfg.FileScheme
	if files == nil {
		files = schemes[db.FileSchemeName]
	}
	l := buildLayout(schemes)
	err := h.atomic(ctx, func(q sqlutil.Querier) error {
		return l.sync(ctx, q)
	})
	if err != nil {
		return err
	}

	st := h.store
	st.mu.Lock()
	st.schemes = schemes
	st.files = files
	st.layout = l
	st.mu.Unlock()

	st.log.Info("schemes initialized",
		zap.String("name", cfg.Name),
		zap.Int("schemes", len(schemes)),
		zap.Int("tables", len(l.tables)))
	return nil
}
