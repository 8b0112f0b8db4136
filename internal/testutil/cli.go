package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/aidanlsb/stellator/internal/cli"
)

// CLIResult represents the result of running a CLI command.
type CLIResult struct {
	OK       bool
	Data     interface{}
	Error    *CLIError
	Warnings []CLIWarning
	Meta     *CLIMeta
	RawJSON  string
	Stderr   string
	Err      error
}

// CLIError represents a structured error from the CLI.
type CLIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
}

// CLIWarning represents a warning from the CLI.
type CLIWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CLIMeta contains metadata from the response.
type CLIMeta struct {
	Count       int   `json:"count,omitempty"`
	QueryTimeMs int64 `json:"query_time_ms,omitempty"`
}

// RunCLI executes a CLI command against the workspace in process and
// returns the parsed result. Commands are run with --json automatically.
func (w *TestWorkspace) RunCLI(args ...string) *CLIResult {
	w.t.Helper()
	return w.run("", args...)
}

// RunCLIWithStdin executes a CLI command with stdin input.
func (w *TestWorkspace) RunCLIWithStdin(stdin string, args ...string) *CLIResult {
	w.t.Helper()
	return w.run(stdin, args...)
}

// RunText executes a CLI command without --json and returns its output.
func (w *TestWorkspace) RunText(args ...string) (string, error) {
	w.t.Helper()
	var out, errOut bytes.Buffer
	app := cli.NewApp(&out, &errOut)
	app.Log = zaptest.NewLogger(w.t)
	cmd := cli.NewRootCmd(app)
	cmd.SetArgs(append([]string{"--config", w.ConfigPath()}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (w *TestWorkspace) run(stdin string, args ...string) *CLIResult {
	w.t.Helper()

	var out, errOut bytes.Buffer
	app := cli.NewApp(&out, &errOut)
	app.Log = zaptest.NewLogger(w.t)
	cmd := cli.NewRootCmd(app)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", w.ConfigPath(), "--json"}, args...))

	result := &CLIResult{Err: cmd.ExecuteContext(context.Background())}
	result.RawJSON = out.String()
	result.Stderr = errOut.String()

	var resp struct {
		OK       bool         `json:"ok"`
		Data     interface{}  `json:"data,omitempty"`
		Error    *CLIError    `json:"error,omitempty"`
		Warnings []CLIWarning `json:"warnings,omitempty"`
		Meta     *CLIMeta     `json:"meta,omitempty"`
	}

	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		// If parsing fails, create a synthetic error
		result.OK = false
		msg := "Failed to parse JSON output: " + err.Error()
		if result.Err != nil {
			msg = result.Err.Error()
		}
		result.Error = &CLIError{
			Code:    "PARSE_ERROR",
			Message: msg,
			Details: map[string]interface{}{"raw": out.String(), "stderr": errOut.String()},
		}
		return result
	}

	result.OK = resp.OK
	result.Data = resp.Data
	result.Error = resp.Error
	result.Warnings = resp.Warnings
	result.Meta = resp.Meta
	return result
}

// MustSucceed fails the test if the CLI command did not succeed.
func (r *CLIResult) MustSucceed(t *testing.T) *CLIResult {
	t.Helper()
	if !r.OK {
		errMsg := "unknown error"
		if r.Error != nil {
			errMsg = r.Error.Code + ": " + r.Error.Message
		}
		t.Fatalf("expected command to succeed, got error: %s\nRaw output: %s\nStderr: %s", errMsg, r.RawJSON, r.Stderr)
	}
	return r
}

// MustFailWithMessage fails the test if the CLI command succeeded, or if it failed
// without an error message containing the expected substring.
func (r *CLIResult) MustFailWithMessage(t *testing.T, msgSubstr string) *CLIResult {
	t.Helper()
	if r.OK {
		t.Fatalf("expected command to fail, but it succeeded\nRaw output: %s", r.RawJSON)
	}
	if msgSubstr != "" && r.Error != nil {
		if !strings.Contains(r.Error.Message, msgSubstr) && !strings.Contains(r.Error.Suggestion, msgSubstr) {
			t.Errorf("expected error to contain %q, got: %s (suggestion: %s)", msgSubstr, r.Error.Message, r.Error.Suggestion)
		}
	}
	return r
}

// MustFail fails the test if the CLI command did not fail with the expected code.
func (r *CLIResult) MustFail(t *testing.T, expectedCode string) *CLIResult {
	t.Helper()
	if r.OK {
		t.Fatalf("expected command to fail with code %s, but it succeeded\nRaw output: %s", expectedCode, r.RawJSON)
	}
	if r.Error == nil {
		t.Fatalf("expected error with code %s, but error is nil\nRaw output: %s", expectedCode, r.RawJSON)
	}
	if r.Error.Code != expectedCode {
		t.Fatalf("expected error code %s, got %s: %s\nRaw output: %s", expectedCode, r.Error.Code, r.Error.Message, r.RawJSON)
	}
	return r
}

// DataMap returns the Data field as an object.
func (r *CLIResult) DataMap() map[string]interface{} {
	m, _ := r.Data.(map[string]interface{})
	return m
}

// DataItems returns the Data field as a list.
func (r *CLIResult) DataItems() []interface{} {
	list, _ := r.Data.([]interface{})
	return list
}

// DataList extracts a list from the Data object.
func (r *CLIResult) DataList(key string) []interface{} {
	if list, ok := r.DataMap()[key].([]interface{}); ok {
		return list
	}
	return nil
}

// DataString extracts a string from the Data object.
func (r *CLIResult) DataString(key string) string {
	if s, ok := r.DataMap()[key].(string); ok {
		return s
	}
	return ""
}

// DataInt extracts a number from the Data object.
func (r *CLIResult) DataInt(key string) int64 {
	if n, ok := r.DataMap()[key].(float64); ok {
		return int64(n)
	}
	return 0
}

// ID returns the object id of a single-object result.
func (r *CLIResult) ID() int64 {
	return r.DataInt("__oid")
}
