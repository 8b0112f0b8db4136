package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aidanlsb/stellator/internal/db"
)

var _ db.FileStore = (*Store)(nil)

func TestSaveOpenRemove(t *testing.T) {
	ctx := context.Background()
	s, err := New(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)
	s.Now = func() time.Time { return time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC) }

	loc, err := s.Save(ctx, "My Photo.JPG", []byte("jpeg"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc, "2024/03/"), loc)
	require.True(t, strings.HasSuffix(loc, "-my-photo.jpg"), loc)

	r, err := s.Open(loc)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(data))

	other, err := s.Save(ctx, "My Photo.JPG", []byte("other"))
	require.NoError(t, err)
	require.NotEqual(t, loc, other, "same name must not collide")

	require.NoError(t, s.Remove(ctx, loc))
	path, err := s.Path(loc)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, s.Remove(ctx, loc), "removing twice is fine")
}

func TestPathEscapes(t *testing.T) {
	s, err := New(nil, t.TempDir())
	require.NoError(t, err)

	for _, loc := range []string{"", "../x", "a/../../x", "/etc/passwd"} {
		_, err := s.Path(loc)
		require.Error(t, err, loc)
	}
	p, err := s.Path("a/b/../c")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.Root(), "a", "c"), p)
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	_, err := New(nil, "")
	require.Error(t, err)
}

func TestSaveCancelled(t *testing.T) {
	s, err := New(nil, t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Save(ctx, "x.txt", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
