package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aidanlsb/stellator/internal/db"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger("warn", false, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["M"] != "shown" || entry["L"] != "WARN" || entry["N"] != "stdb" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerVerbose(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger("error", true, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Debug("details")
	_ = log.Sync()

	out := buf.String()
	if !strings.Contains(out, "DEBUG") || !strings.Contains(out, "details") {
		t.Errorf("expected console debug entry, got %q", out)
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	if _, err := newLogger("loud", false, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestJSONValue(t *testing.T) {
	got := jsonValue(db.Dict{
		"raw":  []byte("hi"),
		"list": []interface{}{[]byte{0}, "x"},
		"objs": []db.Dict{{"n": int64(1)}},
	})
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"list":["base64:AA==","x"],"objs":[{"n":1}],"raw":"base64:aGk="}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestJSONValueNilEntries(t *testing.T) {
	var missing db.Dict
	data, err := json.Marshal(jsonValue([]db.Dict{{"n": int64(1)}, missing}))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[{"n":1},null]` {
		t.Errorf("got %s", data)
	}
}
