package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "kv", "store.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, "a", []byte("one"), 0))
	v, ok, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(v))

	_, ok, err = s.Get(ctx, "missing", false)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", []byte("two"), 0))
	v, _, _ = s.Get(ctx, "a", false)
	require.Equal(t, "two", string(v))
}

func TestTake(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, "token", []byte("x"), time.Hour))
	v, ok, err := s.Get(ctx, "token", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))

	_, ok, err = s.Get(ctx, "token", false)
	require.NoError(t, err)
	require.False(t, ok, "take must remove the key")
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "short", []byte("s"), time.Minute))
	require.NoError(t, s.Set(ctx, "long", []byte("l"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("f"), 0))

	now = now.Add(2 * time.Minute)
	_, ok, err := s.Get(ctx, "short", false)
	require.NoError(t, err)
	require.False(t, ok, "expired key must read as missing")

	removed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	n, err := s.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	now = now.Add(24 * time.Hour)
	removed, err = s.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, ok, _ = s.Get(ctx, "forever", false)
	require.True(t, ok)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Delete(ctx, "nothing"))
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, _ := s.Get(ctx, "k", false)
	require.False(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, s.Set(cancelled, "k", []byte("v"), 0))
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.bolt")

	s, err := Open(nil, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "persist", []byte("yes"), 0))
	require.NoError(t, s.Close())

	s, err = Open(nil, path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "persist", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", string(v))
	require.Equal(t, path, s.Path())
}
