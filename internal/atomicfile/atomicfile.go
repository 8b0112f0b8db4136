// Package atomicfile writes files through a temporary sibling and a rename,
// so readers never observe partial content.
package atomicfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultPerm is used when no mode is given and the target does not exist.
const DefaultPerm os.FileMode = 0o644

// WriteFile writes data to path atomically.
//
// perm is used for the temp file. If perm is 0, WriteFile preserves the mode
// of an existing file and otherwise falls back to DefaultPerm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFrom(path, bytes.NewReader(data), perm)
}

// WriteFrom copies r into path atomically. The parent directory is created
// when missing.
func WriteFrom(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = DefaultPerm
		if st, err := os.Stat(path); err == nil {
			perm = st.Mode().Perm()
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	_ = tmp.Chmod(perm)

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Windows refuses to rename over an existing file.
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	committed = true
	return nil
}
