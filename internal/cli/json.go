package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aidanlsb/stellator/internal/db"
)

// Response is the standard JSON envelope for all CLI output.
type Response struct {
	OK       bool        `json:"ok"`
	Data     interface{} `json:"data,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
	Warnings []Warning   `json:"warnings,omitempty"`
	Meta     *Meta       `json:"meta,omitempty"`
}

// ErrorInfo contains structured error information.
type ErrorInfo struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// Warning represents a non-fatal warning.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta contains metadata about the response.
type Meta struct {
	Count       int   `json:"count,omitempty"`
	QueryTimeMs int64 `json:"query_time_ms,omitempty"`
}

// outputJSON writes the response as JSON to the app's output.
func (app *App) outputJSON(resp Response) {
	enc := json.NewEncoder(app.Out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
}

// outputSuccess outputs a successful JSON response.
func (app *App) outputSuccess(data interface{}, meta *Meta) {
	app.outputJSON(Response{
		OK:   true,
		Data: jsonValue(data),
		Meta: meta,
	})
}

// outputSuccessWithWarnings outputs a successful JSON response with warnings.
func (app *App) outputSuccessWithWarnings(data interface{}, warnings []Warning, meta *Meta) {
	app.outputJSON(Response{
		OK:       true,
		Data:     jsonValue(data),
		Warnings: warnings,
		Meta:     meta,
	})
}

// outputError outputs an error JSON response.
func (app *App) outputError(code, message string, details interface{}, suggestion string) {
	app.outputJSON(Response{
		OK: false,
		Error: &ErrorInfo{
			Code:       code,
			Message:    message,
			Details:    details,
			Suggestion: suggestion,
		},
	})
}

// isJSONOutput returns true if JSON output is enabled.
func (app *App) isJSONOutput() bool {
	return app.jsonOutput
}

// handleError handles an error appropriately based on output mode.
// In JSON mode, outputs a JSON error. In text mode, returns the error for Cobra.
func (app *App) handleError(code string, err error, suggestion string) error {
	if app.jsonOutput {
		app.outputError(code, err.Error(), nil, suggestion)
		return errReported
	}
	if suggestion != "" {
		return fmt.Errorf("%w\n\n%s", err, suggestion)
	}
	return err
}

// handleErrorMsg handles an error message appropriately based on output mode.
func (app *App) handleErrorMsg(code, message, suggestion string) error {
	return app.handleError(code, fmt.Errorf("%s", message), suggestion)
}

// handleStorageError classifies an engine error before reporting it.
func (app *App) handleStorageError(err error) error {
	code := ErrDatabaseError
	switch {
	case db.IsKind(err, db.ValidationFailed):
		code = ErrValidationFailed
	case db.IsKind(err, db.AccessDenied):
		code = ErrAccessDenied
	case db.IsKind(err, db.SchemaWiringError):
		code = ErrSchemaInvalid
	}
	return app.handleError(code, err, "")
}

// jsonValue makes engine values encodable: byte slices become base64
// strings tagged the way file patches accept them.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return "base64:" + base64.StdEncoding.EncodeToString(t)
	case db.Dict:
		if t == nil {
			return nil
		}
		out := make(map[string]interface{}, len(t))
		for k, it := range t {
			out[k] = jsonValue(it)
		}
		return out
	case []db.Dict:
		out := make([]interface{}, len(t))
		for i, it := range t {
			out[i] = jsonValue(it)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, it := range t {
			out[i] = jsonValue(it)
		}
		return out
	}
	return v
}
