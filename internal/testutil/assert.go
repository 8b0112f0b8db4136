package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertFileExists fails the test if the file does not exist.
func (w *TestWorkspace) AssertFileExists(relPath string) {
	w.t.Helper()
	if _, err := os.Stat(filepath.Join(w.Path, relPath)); os.IsNotExist(err) {
		w.t.Errorf("expected file to exist: %s", relPath)
	}
}

// AssertFileContains fails the test if the file does not contain the substring.
func (w *TestWorkspace) AssertFileContains(relPath, substr string) {
	w.t.Helper()
	content := w.ReadFile(relPath)
	if !strings.Contains(content, substr) {
		w.t.Errorf("expected file %s to contain %q, got:\n%s", relPath, substr, content)
	}
}

// AssertObjectExists reads an object by id or alias.
func (w *TestWorkspace) AssertObjectExists(scheme string, id interface{}) {
	w.t.Helper()
	result := w.RunCLI("get", scheme, fmt.Sprint(id))
	if !result.OK {
		w.t.Errorf("expected %s %v to exist, got error: %+v", scheme, id, result.Error)
	}
}

// AssertObjectNotExists checks that an object cannot be read.
func (w *TestWorkspace) AssertObjectNotExists(scheme string, id interface{}) {
	w.t.Helper()
	result := w.RunCLI("get", scheme, fmt.Sprint(id))
	if result.OK {
		w.t.Errorf("expected %s %v to not exist, but it does", scheme, id)
	}
}

// AssertQueryCount runs a query request and verifies the result count.
func (w *TestWorkspace) AssertQueryCount(scheme, request string, expectedCount int) {
	w.t.Helper()
	result := w.RunCLI("query", scheme, request)
	result.MustSucceed(w.t)

	if got := len(result.DataItems()); got != expectedCount {
		w.t.Errorf("query %s %s: expected %d results, got %d\nRaw: %s",
			scheme, request, expectedCount, got, result.RawJSON)
	}
}

// AssertHasWarning checks that the result contains a warning with the given code.
func (r *CLIResult) AssertHasWarning(t *testing.T, code string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Code == code {
			return
		}
	}
	t.Errorf("expected warning with code %s, got warnings: %+v", code, r.Warnings)
}

// AssertNoWarnings checks that the result has no warnings.
func (r *CLIResult) AssertNoWarnings(t *testing.T) {
	t.Helper()
	if len(r.Warnings) > 0 {
		t.Errorf("expected no warnings, got: %+v", r.Warnings)
	}
}

// AssertResultCount checks that a list result has the expected length.
func (r *CLIResult) AssertResultCount(t *testing.T, expected int) {
	t.Helper()
	if got := len(r.DataItems()); got != expected {
		t.Errorf("expected %d results, got %d\nRaw: %s", expected, got, r.RawJSON)
	}
}
