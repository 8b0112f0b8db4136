package ui

import "testing"

func TestNormalizeAccentColor(t *testing.T) {
	valid := map[string]string{
		"0":        "0",
		" 212 ":    "212",
		"#A78BFA":  "#a78bfa",
		"#f0a":     "#ff00aa",
		"#123456 ": "#123456",
	}
	for in, want := range valid {
		got, ok := normalizeAccentColor(in)
		if !ok || got != want {
			t.Errorf("normalizeAccentColor(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}

	for _, in := range []string{"", "Default", "OFF", "300", "-4", "#12345", "#ggg", "purple"} {
		if got, ok := normalizeAccentColor(in); ok {
			t.Errorf("normalizeAccentColor(%q) = %q, want rejection", in, got)
		}
	}
}

func TestConfigureTheme(t *testing.T) {
	origAccent, origBold, origColor := Accent, AccentBold, accentColor
	t.Cleanup(func() {
		Accent, AccentBold, accentColor = origAccent, origBold, origColor
	})

	ConfigureTheme("")
	if got, _ := AccentColor(); got != defaultAccent {
		t.Fatalf("empty setting changed accent to %q", got)
	}

	ConfigureTheme("#0af")
	if got, ok := AccentColor(); !ok || got != "#00aaff" {
		t.Fatalf("accent = %q (ok=%v), want #00aaff", got, ok)
	}

	ConfigureTheme("teal")
	if got, _ := AccentColor(); got != "#00aaff" {
		t.Fatalf("invalid accent replaced the color with %q", got)
	}

	ConfigureTheme("off")
	if _, ok := AccentColor(); ok {
		t.Fatal("accent still enabled after 'off'")
	}
}

func TestConfigureCodeTheme(t *testing.T) {
	orig := codeTheme
	t.Cleanup(func() { codeTheme = orig })

	ConfigureCodeTheme("  dracula ")
	if codeTheme != "dracula" {
		t.Fatalf("codeTheme = %q", codeTheme)
	}
	ConfigureCodeTheme("")
	if codeTheme != "dracula" {
		t.Fatalf("blank theme overrode %q", codeTheme)
	}
}
