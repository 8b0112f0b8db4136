// Package slugs turns user supplied names into safe path components.
package slugs

import (
	"path/filepath"
	"strings"
	"unicode"

	goslug "github.com/gosimple/slug"
)

// Fallback is used when a name has nothing sluggable left.
const Fallback = "file"

// Component converts a string to a URL-safe slug appropriate for a single
// path component.
func Component(s string) string {
	slugged := goslug.Make(s)
	if slugged == "" {
		slugged = strings.ToLower(strings.Join(strings.Fields(s), "-"))
		slugged = strings.Trim(strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
				return r
			}
			return -1
		}, slugged), "-")
	}
	return slugged
}

// FileName slugifies the base of name and keeps a sanitized extension:
// "My Photo.JPG" -> "my-photo.jpg". Directory parts are dropped.
func FileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(name))
	base := Component(strings.TrimSuffix(name, filepath.Ext(name)))
	ext = strings.Map(func(r rune) rune {
		if r == '.' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			return r
		}
		return -1
	}, ext)
	if ext == "." {
		ext = ""
	}
	if base == "" {
		base = Fallback
	}
	return base + ext
}
