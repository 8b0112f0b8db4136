package ui

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
// - Default (white/black): Primary text
// - Accent (soft purple #A78BFA unless configured): headers, scheme names, ids
// - Muted (gray): secondary info, nulls, hints
// - No colored success/error/warning - use unicode symbols only

const defaultAccent = "#A78BFA"

var (
	// Accent style for scheme names, object ids, highlights
	Accent = lipgloss.NewStyle().Foreground(lipgloss.Color(defaultAccent))

	// Muted style for secondary info, hints, null values
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))

	// Bold style for emphasis
	Bold = lipgloss.NewStyle().Bold(true)

	// AccentBold combines accent color with bold
	AccentBold = lipgloss.NewStyle().Foreground(lipgloss.Color(defaultAccent)).Bold(true)

	// accentColor is the configured accent, empty when disabled.
	accentColor = defaultAccent

	// codeTheme is the chroma theme for rendered code blocks.
	codeTheme = "monokai"
)

// ConfigureTheme applies the [ui] accent setting. "none", "off" and
// "default" drop the accent color entirely; invalid values are ignored.
func ConfigureTheme(accent string) {
	switch strings.ToLower(strings.TrimSpace(accent)) {
	case "":
		return
	case "none", "off", "default":
		accentColor = ""
		Accent = lipgloss.NewStyle()
		AccentBold = lipgloss.NewStyle().Bold(true)
		return
	}
	color, ok := normalizeAccentColor(accent)
	if !ok {
		return
	}
	accentColor = color
	Accent = lipgloss.NewStyle().Foreground(lipgloss.Color(color))
	AccentBold = lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}

// ConfigureCodeTheme sets the chroma theme used by RenderMarkdown.
func ConfigureCodeTheme(theme string) {
	if theme = strings.TrimSpace(theme); theme != "" {
		codeTheme = theme
	}
}

// AccentColor returns the active accent color.
func AccentColor() (string, bool) {
	return accentColor, accentColor != ""
}

// normalizeAccentColor accepts ANSI codes 0-255 and #rgb or #rrggbb hex.
func normalizeAccentColor(s string) (string, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "off", "default":
		return "", false
	}

	if strings.HasPrefix(s, "#") {
		hex := strings.ToLower(s[1:])
		if len(hex) == 3 {
			hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
		}
		if len(hex) != 6 {
			return "", false
		}
		if _, err := strconv.ParseUint(hex, 16, 32); err != nil {
			return "", false
		}
		return "#" + hex, true
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return "", false
	}
	return strconv.Itoa(n), true
}
