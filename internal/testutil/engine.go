package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/db/sqlite"
	"github.com/aidanlsb/stellator/internal/filestore"
	"github.com/aidanlsb/stellator/internal/kvstore"
)

// Engine is an adapter over an in-memory sqlite database with keyed values
// in a temporary bbolt file.
type Engine struct {
	*db.Adapter
	Store *sqlite.Store
	Files *filestore.Store
}

// NewEngine initializes schemes on a fresh engine. Everything is closed
// when the test ends.
func NewEngine(t *testing.T, schemes map[string]*db.Scheme) *Engine {
	t.Helper()
	db.PasswordCost = bcrypt.MinCost

	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	kv, err := kvstore.Open(log, filepath.Join(dir, "test.kv"))
	require.NoError(t, err)
	store, err := sqlite.OpenInMemory(sqlite.WithLogger(log), sqlite.WithKV(kv))
	require.NoError(t, err)
	files, err := filestore.New(log, filepath.Join(dir, "files"))
	require.NoError(t, err)

	a := db.NewAdapter(store.Handle(), db.WithLogger(log), db.WithFileStore(files))
	t.Cleanup(func() {
		require.NoError(t, a.Wait())
		require.NoError(t, store.Close())
	})
	require.NoError(t, a.Init(context.Background(), db.InterfaceConfig{Name: t.Name()}, schemes))
	return &Engine{Adapter: a, Store: store, Files: files}
}

// Worker begins a transaction acting with role and returns a worker on
// the named scheme. The transaction is released when the test ends.
func (e *Engine) Worker(t *testing.T, scheme string, role db.AccessRoleID) (context.Context, *db.Worker) {
	t.Helper()
	s := e.Scheme(scheme)
	require.NotNil(t, s, "scheme %s", scheme)
	ctx, tx := e.Begin(context.Background())
	tx.SetRole(role)
	t.Cleanup(tx.Release)
	return ctx, db.NewWorker(s, tx)
}
