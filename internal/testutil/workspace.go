// Package testutil provides reusable test utilities for Stellator integration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TestWorkspace is a temporary directory holding a config file, a scheme
// file and the database they describe.
type TestWorkspace struct {
	Path    string
	t       *testing.T
	config  string
	schemes string
	files   map[string]string
}

// NewTestWorkspace creates a new test workspace builder.
// Call Build() to create the actual directory.
func NewTestWorkspace(t *testing.T) *TestWorkspace {
	t.Helper()
	return &TestWorkspace{
		t:       t,
		config:  DefaultConfig(),
		schemes: LibrarySchemes(),
		files:   make(map[string]string),
	}
}

// WithSchemes sets the schemes.yaml content.
func (w *TestWorkspace) WithSchemes(yaml string) *TestWorkspace {
	w.schemes = yaml
	return w
}

// WithConfig sets the stellator.toml content.
func (w *TestWorkspace) WithConfig(toml string) *TestWorkspace {
	w.config = toml
	return w
}

// WithFile adds a file to the workspace.
// The path is relative to the workspace root.
func (w *TestWorkspace) WithFile(path, content string) *TestWorkspace {
	w.files[path] = content
	return w
}

// Build creates the workspace directory and all configured files.
func (w *TestWorkspace) Build() *TestWorkspace {
	w.t.Helper()

	w.Path = w.t.TempDir()
	w.writeFile("stellator.toml", w.config)
	if w.schemes != "" {
		w.writeFile("schemes.yaml", w.schemes)
	}
	for path, content := range w.files {
		w.writeFile(path, content)
	}
	return w
}

// ConfigPath returns the path of the workspace config file.
func (w *TestWorkspace) ConfigPath() string {
	return filepath.Join(w.Path, "stellator.toml")
}

// writeFile writes a file to the workspace, creating directories as needed.
func (w *TestWorkspace) writeFile(relPath, content string) {
	w.t.Helper()
	fullPath := filepath.Join(w.Path, relPath)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.t.Fatalf("failed to create directory %s: %v", dir, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		w.t.Fatalf("failed to write file %s: %v", fullPath, err)
	}
}

// ReadFile reads a file from the workspace.
func (w *TestWorkspace) ReadFile(relPath string) string {
	w.t.Helper()
	fullPath := filepath.Join(w.Path, relPath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		w.t.Fatalf("failed to read file %s: %v", fullPath, err)
	}
	return string(content)
}

// FileExists checks if a file exists in the workspace.
func (w *TestWorkspace) FileExists(relPath string) bool {
	w.t.Helper()
	_, err := os.Stat(filepath.Join(w.Path, relPath))
	return err == nil
}

// DefaultConfig returns a config with fast password hashing.
func DefaultConfig() string {
	return `database = "stellator.db"
kv_path = "stellator.kv"
files_dir = "files"
schemes = "schemes.yaml"

[engine]
password_cost = 4

[log]
level = "warn"
`
}

// LibrarySchemes returns scheme definitions for authors and their books,
// with a view of the published books and a user scheme.
func LibrarySchemes() string {
	return `version: 1
users: users
schemes:
  author:
    description: People who write books.
    fields:
      name:
        type: text
        flags: [required]
      handle:
        type: text
        flags: [unique]
        transform: alias
      books:
        type: set
        scheme: book
        on_remove: reference
      published:
        type: view
        scheme: book
        requires: [author, published]
        filter:
          published: true
  book:
    options: [delta]
    fields:
      title:
        type: text
        flags: [required]
      author:
        type: object
        scheme: author
      year:
        type: integer
        flags: [indexed]
      published:
        type: boolean
        default: false
      tags:
        type: array
        element:
          type: text
    unique:
      title: [title]
`
}
