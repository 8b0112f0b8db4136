package db

import (
	"context"
	"testing"
)

func TestUsers(t *testing.T) {
	users := UsersScheme("", Text("email", TransformEmail))
	a, mem := newTestAdapter(t, users)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	u, err := CreateUser(ctx, tx, users, "ann", "secret", true)
	if err != nil || u == nil {
		t.Fatalf("create user: %v, %v", u, err)
	}
	if u.Name() != "ann" || !u.IsAdmin() || u.Role() != RoleAdmin {
		t.Errorf("unexpected user: %v", u.Data())
	}
	if !u.CheckPassword("secret") {
		t.Error("system create should return the password hash")
	}
	stored := mem.row(users, u.ID())
	if hash, ok := stored["password"].([]byte); !ok || string(hash) == "secret" {
		t.Fatalf("password not hashed: %v", stored["password"])
	}

	loaded, err := UserByName(ctx, tx, users, "ann")
	if err != nil || loaded == nil {
		t.Fatalf("user by name: %v, %v", loaded, err)
	}
	if !loaded.CheckPassword("secret") || loaded.CheckPassword("wrong") {
		t.Error("password check mismatch")
	}

	byID, err := UserByID(ctx, tx, users, u.ID())
	if err != nil || byID.Name() != "ann" {
		t.Errorf("user by id: %v, %v", byID, err)
	}

	if missing, err := UserByName(ctx, tx, users, "bob"); err != nil || missing != nil {
		t.Errorf("expected no user, got %v, %v", missing, err)
	}
	if _, err := CreateUser(ctx, tx, users, "ann", "again", false); err == nil {
		t.Error("duplicate user name accepted")
	}

	plain, err := CreateUser(ctx, tx, users, "carl", "pw", false)
	if err != nil {
		t.Fatal(err)
	}
	if plain.Role() != RoleAuthorized {
		t.Errorf("expected authorized role, got %v", plain.Role())
	}
}

func TestAuth(t *testing.T) {
	users := UsersScheme("members", Text("email", TransformEmail))
	if err := InitSchemes(map[string]*Scheme{"members": users}); err != nil {
		t.Fatalf("init: %v", err)
	}
	auth := NewAuth(users)
	if auth.Scheme() != users || auth.PasswordField() != users.Field("password") {
		t.Fatal("auth fields not discovered")
	}

	tests := []struct {
		input     string
		wantField string
		wantValue string
	}{
		{"ann", "name", "ann"},
		{"Ann@Example.COM", "email", "Ann@example.com"},
		{"not@valid@", "name", "not@valid@"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f, v := auth.NameField(tt.input)
			if f.Name() != tt.wantField || v != tt.wantValue {
				t.Errorf("NameField(%q) = %s, %q; want %s, %q", tt.input, f.Name(), v, tt.wantField, tt.wantValue)
			}
		})
	}

	hash, err := MakePassword("pw", auth.PasswordField().salt)
	if err != nil {
		t.Fatal(err)
	}
	if !auth.AuthorizeWithPassword("pw", hash, 0) {
		t.Error("valid password rejected")
	}
	if auth.AuthorizeWithPassword("pw", hash, auth.MaxLoginFailures) {
		t.Error("blocked user authorized")
	}
	if auth.AuthorizeWithPassword("nope", hash, 0) {
		t.Error("wrong password accepted")
	}
}

func TestRecordDirtyTracking(t *testing.T) {
	s := NewScheme("note", Text("body"))
	r := NewRecord(s, Dict{OidField: int64(5), "body": "a"})
	if r.ID() != 5 || r.Scheme() != s {
		t.Fatal("record not bound")
	}
	if r.Set(OidField, int64(6)) {
		t.Error("oid is writable")
	}
	r.Lock("body")
	if r.Set("body", "b") || r.GetString("body") != "a" {
		t.Error("locked property changed")
	}
	if !r.Set("extra", 3) || r.GetInt("extra") != 3 {
		t.Error("property not set")
	}
}
