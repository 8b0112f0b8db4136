package db

import (
	"encoding/base64"
	"testing"
)

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]any{
		"i":    7,
		"u":    uint16(3),
		"f":    float32(1.5),
		"strs": []string{"a", "b"},
		"ids":  []int64{1, 2},
		"nested": map[any]any{
			1: []any{int32(4)},
		},
	})
	want := Dict{
		"i":    int64(7),
		"u":    int64(3),
		"f":    float64(1.5),
		"strs": []any{"a", "b"},
		"ids":  []any{int64(1), int64(2)},
		"nested": Dict{
			"1": []any{int64(4)},
		},
	}
	if !SameValue(got, want) {
		t.Errorf("Normalize() = %v, want %v", got, want)
	}
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON([]byte(`{"n": 12, "f": 1.25, "list": [1, "x", null]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Dict{"n": int64(12), "f": 1.25, "list": []any{int64(1), "x", nil}}
	if !SameValue(v, want) {
		t.Errorf("DecodeJSON() = %v, want %v", v, want)
	}
	if _, err := DecodeJSON([]byte(`{`)); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestClone(t *testing.T) {
	orig := Dict{"list": []any{Dict{"k": "v"}}, "raw": []byte("abc")}
	c := Clone(orig).(Dict)
	c["list"].([]any)[0].(Dict)["k"] = "changed"
	c["raw"].([]byte)[0] = 'z'
	if orig["list"].([]any)[0].(Dict)["k"] != "v" {
		t.Error("nested dictionary shared with clone")
	}
	if string(orig["raw"].([]byte)) != "abc" {
		t.Error("byte slice shared with clone")
	}
}

func TestScalarCoercion(t *testing.T) {
	tests := []struct {
		in     Value
		want   int64
		wantOK bool
	}{
		{int64(5), 5, true},
		{" 42 ", 42, true},
		{"3.9", 3, true},
		{true, 1, true},
		{"nope", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsInt64(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("AsInt64(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}

	if AsString(int64(10)) != "10" || AsString(2.5) != "2.5" || AsString(nil) != "" {
		t.Error("AsString mismatch")
	}
	if ObjectID(Dict{OidField: int64(9)}) != 9 || ObjectID(int64(4)) != 4 || ObjectID("4") != 0 {
		t.Error("ObjectID mismatch")
	}
}

func TestQuerySelection(t *testing.T) {
	if ids := NewQuery().SelectIDs(nil).SelectedIDs(); len(ids) != 1 || ids[0] != -1 {
		t.Errorf("empty id list should select nothing, got %v", ids)
	}
	if ids := NewQuery().SelectValue("12").SelectedIDs(); len(ids) != 1 || ids[0] != 12 {
		t.Errorf("numeric string should select an id, got %v", ids)
	}
	if q := NewQuery().SelectValue("home"); q.SelectedAlias() != "home" {
		t.Errorf("expected alias, got %q", q.SelectedAlias())
	}
	q := NewQuery().SelectValue(Dict{"b": 2, "a": "x"})
	sel := q.SelectList()
	if len(sel) != 2 || sel[0].Field != "a" || sel[1].Value1 != int64(2) {
		t.Errorf("unexpected conditions: %+v", sel)
	}

	q = NewQuery().SelectID(3).SelectAlias("x")
	if len(q.SelectedIDs()) != 0 || q.SelectedAlias() != "x" {
		t.Error("selections should replace each other")
	}
}

func TestQueryDeltaToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  int64
		has   bool
	}{
		{"eight bytes", EncodeDeltaToken(1 << 40), 1 << 40, true},
		{"two bytes", base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), 0x0102, true},
		{"four bytes", base64.StdEncoding.EncodeToString([]byte{0, 0, 1, 0}), 256, true},
		{"odd length", base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), 0, false},
		{"garbage", "!!", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuery().DeltaToken(tt.token)
			if q.HasDelta() != tt.has || q.DeltaValue() != tt.want {
				t.Errorf("got %d (%v), want %d (%v)", q.DeltaValue(), q.HasDelta(), tt.want, tt.has)
			}
		})
	}
}

func TestQueryCloneAndFields(t *testing.T) {
	q := NewQuery().Where("a", Equal, 1).IncludeNames("b", "a")
	c := q.Clone().Where("b", Equal, 2).IncludeNames("c")
	if len(q.SelectList()) != 1 || len(q.IncludeFields()) != 2 {
		t.Error("clone shares state with the original")
	}
	if inc := c.IncludeFields(); len(inc) != 3 || inc[0].Name != "a" {
		t.Errorf("include set should be merged and sorted: %+v", inc)
	}

	q = NewQuery().Include(QueryField{Name: "owner", Fields: Names("name")}).
		Include(QueryField{Name: "owner", Fields: Names("age")})
	inc := q.IncludeFields()
	if len(inc) != 1 || len(inc[0].Fields) != 2 {
		t.Errorf("nested fields should merge: %+v", inc)
	}
	enc := q.Encode()["include"]
	want := Dict{"owner": Dict{"age": true, "name": true}}
	if !SameValue(enc, want) {
		t.Errorf("encoded include = %v, want %v", enc, want)
	}
}

func TestResolveCodes(t *testing.T) {
	if DecodeResolve("$objs") != ResolveObjects || DecodeResolve("$objects") != ResolveObjects {
		t.Error("object aliases not decoded")
	}
	if DecodeResolve("$nothing") != ResolveNone {
		t.Error("unknown code decoded")
	}
	got := EncodeResolve(ResolveAll | ResolveIds)
	if len(got) != 2 || got[0] != "$all" || got[1] != "$ids" {
		t.Errorf("EncodeResolve(all|ids) = %v", got)
	}
	got = EncodeResolve(ResolveFiles | ResolveSets)
	if len(got) != 2 || got[0] != "$files" || got[1] != "$sets" {
		t.Errorf("EncodeResolve(files|sets) = %v", got)
	}
	for c, code := range comparationCodes {
		if back, ok := DecodeComparation(code); !ok || back != c {
			t.Errorf("comparation %q does not round trip", code)
		}
	}
}
