package sqlutil

import "testing"

func TestInClauseArgs(t *testing.T) {
	ph, args := InClauseArgs([]int64{3, 4, 5})
	if ph != "?, ?, ?" || len(args) != 3 || args[2] != int64(5) {
		t.Errorf("InClauseArgs = %q, %v", ph, args)
	}

	ph, args = InClauseArgs[string](nil)
	if ph != "NULL" || args != nil {
		t.Errorf("empty InClauseArgs = %q, %v", ph, args)
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", `"plain"`},
		{`we"ird`, `"we""ird"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := QuoteIdents([]string{"a", "b"}); got != `"a", "b"` {
		t.Errorf("QuoteIdents = %s", got)
	}
	if Placeholders(0) != "" || Placeholders(1) != "?" {
		t.Error("Placeholders mismatch")
	}
}
