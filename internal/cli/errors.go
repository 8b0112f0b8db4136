package cli

// Error codes for structured error responses.
// These codes are stable and can be relied upon by scripts.
const (
	ErrConfigInvalid = "CONFIG_INVALID"

	// Scheme errors
	ErrSchemeNotFound = "SCHEME_NOT_FOUND"
	ErrSchemaInvalid  = "SCHEMA_INVALID"
	ErrFieldNotFound  = "FIELD_NOT_FOUND"

	// Object errors
	ErrObjectNotFound = "OBJECT_NOT_FOUND"

	// Engine errors
	ErrDatabaseError    = "DATABASE_ERROR"
	ErrValidationFailed = "VALIDATION_FAILED"
	ErrAccessDenied     = "ACCESS_DENIED"

	// Query errors
	ErrQueryInvalid = "QUERY_INVALID"

	// Input errors
	ErrInvalidInput    = "INVALID_INPUT"
	ErrMissingArgument = "MISSING_ARGUMENT"
	ErrKeyNotFound     = "KEY_NOT_FOUND"

	// User errors
	ErrAuthFailed = "AUTH_FAILED"

	// File errors
	ErrFileWriteError = "FILE_WRITE_ERROR"

	ErrDocNotFound = "DOC_NOT_FOUND"
	ErrInternal    = "INTERNAL_ERROR"
)

// Warning codes for non-fatal issues.
const (
	WarnQueryPartial = "QUERY_PARTIAL"
	WarnUnknownKeys  = "UNKNOWN_KEYS"
	WarnSchemeWiring = "SCHEME_WIRING"
)
