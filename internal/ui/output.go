package ui

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Unicode symbols for status indicators
const (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolInfo    = "ℹ"
	SymbolBullet  = "•"
)

// Success returns a success message with checkmark symbol
func Success(msg string) string {
	return fmt.Sprintf("%s %s", SymbolSuccess, msg)
}

// Successf returns a formatted success message with checkmark symbol
func Successf(format string, args ...interface{}) string {
	return Success(fmt.Sprintf(format, args...))
}

// Error returns an error message with X symbol
func Error(msg string) string {
	return fmt.Sprintf("%s %s", SymbolError, msg)
}

// Warningf returns a formatted warning message with warning symbol
func Warningf(format string, args ...interface{}) string {
	return fmt.Sprintf("%s %s", SymbolWarning, fmt.Sprintf(format, args...))
}

// Infof returns a formatted info message with info symbol
func Infof(format string, args ...interface{}) string {
	return fmt.Sprintf("%s %s", SymbolInfo, fmt.Sprintf(format, args...))
}

// Bullet returns a bullet line for steps that changed nothing
func Bullet(msg string) string {
	return fmt.Sprintf("%s %s", SymbolBullet, msg)
}

// Header returns a styled section header
func Header(msg string) string {
	return Bold.Render(msg)
}

// SchemeName returns an accent-styled scheme name
func SchemeName(name string) string {
	return AccentBold.Render(name)
}

// ObjectID returns an accent-styled object id
func ObjectID(id int64) string {
	return Accent.Render("#" + strconv.FormatInt(id, 10))
}

// Hint returns muted hint text
func Hint(msg string) string {
	return Muted.Render(msg)
}

// Count returns a styled count badge (e.g., "(3 objects)")
func Count(n int, singular, plural string) string {
	if n == 1 {
		return Muted.Render(fmt.Sprintf("(%d %s)", n, singular))
	}
	return Muted.Render(fmt.Sprintf("(%d %s)", n, plural))
}

// FormatValue renders a stored value for a table cell. Collections are shown
// as compact JSON and bytes as base64.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return Muted.Render("null")
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []byte:
		return "base64:" + base64.StdEncoding.EncodeToString(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
