// Package filestore keeps File and Image field content on disk.
//
// Content is written atomically to <root>/<yyyy>/<mm>/<uuid>-<slug>, and the
// path relative to root is the location recorded in the file row.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aidanlsb/stellator/internal/atomicfile"
	"github.com/aidanlsb/stellator/internal/slugs"
)

const filePerm = 0o644

// Store is a db.FileStore rooted at a directory.
type Store struct {
	root string
	log  *zap.Logger

	// Now stamps the directory a file is placed in. Defaults to time.Now.
	Now func() time.Time
}

// New returns a store writing under root. The directory is created on the
// first Save.
func New(log *zap.Logger, root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: abs, log: log.Named("filestore"), Now: time.Now}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Save writes content and returns its location.
func (s *Store) Save(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.Now()
	loc := filepath.ToSlash(filepath.Join(
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		uuid.NewString()+"-"+slugs.FileName(name),
	))
	path := filepath.Join(s.root, filepath.FromSlash(loc))
	if err := atomicfile.WriteFile(path, content, filePerm); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	s.log.Debug("stored file", zap.String("location", loc), zap.Int("size", len(content)))
	return loc, nil
}

// Remove deletes the file at location. Missing files are not an error.
func (s *Store) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", location, err)
	}
	s.log.Debug("removed file", zap.String("location", location))
	return nil
}

// Open returns a reader for the file at location.
func (s *Store) Open(location string) (io.ReadCloser, error) {
	path, err := s.Path(location)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Path resolves location to an absolute path inside the root.
func (s *Store) Path(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if location == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file location %q", location)
	}
	return filepath.Join(s.root, clean), nil
}
