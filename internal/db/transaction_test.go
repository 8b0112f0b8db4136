package db

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAccessRoles(t *testing.T) {
	items := NewScheme("item", Text("name")).
		DefineRole(DefaultRole(RoleNobody)).
		DefineRole(AdminRole(RoleAdmin))
	a, _ := newTestAdapter(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	if _, err := NewWorker(items, tx).Create(ctx, Dict{"name": "x"}, UpdateNone); !IsKind(err, AccessDenied) {
		t.Fatalf("expected access denied for nobody, got %v", err)
	}

	tx.SetRole(RoleAuthorized)
	if _, err := NewWorker(items, tx).Create(ctx, Dict{"name": "x"}, UpdateNone); !IsKind(err, AccessDenied) {
		t.Fatalf("expected access denied for unregistered role, got %v", err)
	}

	tx.SetRole(RoleAdmin)
	obj, err := NewWorker(items, tx).Create(ctx, Dict{"name": "x"}, UpdateNone)
	if err != nil || obj == nil {
		t.Fatalf("admin create: %v, %v", obj, err)
	}

	tx.SetRole(RoleNobody)
	sys, err := NewWorker(items, tx).AsSystem().Create(ctx, Dict{"name": "y"}, UpdateNone)
	if err != nil || sys == nil {
		t.Fatalf("system create: %v, %v", sys, err)
	}
	if tx.Role() != RoleNobody {
		t.Errorf("system worker leaked its role: %v", tx.Role())
	}

	objs, err := NewWorker(items, tx).Select(ctx, NewQuery(), 0)
	if err != nil || len(objs) != 2 {
		t.Errorf("nobody should read, got %v, %v", objs, err)
	}

	if _, err := NewWorker(items, tx).Remove(ctx, GetInt(obj, OidField)); !IsKind(err, AccessDenied) {
		t.Errorf("expected access denied for remove, got %v", err)
	}
}

func TestDefaultRolePolicy(t *testing.T) {
	notes := NewScheme("note", Text("name"), Array("words")).DefineRole(AdminRole(RoleAdmin))
	a, _ := newTestAdapter(t, notes)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	tx.SetRole(RoleAdmin)
	obj, err := NewWorker(notes, tx).Create(ctx, Dict{"name": "n", "words": []any{"a"}}, UpdateNone)
	if err != nil {
		t.Fatalf("admin create: %v", err)
	}
	oid := GetInt(obj, OidField)

	tx.SetRole(RoleNobody)
	if v, err := NewWorker(notes, tx).GetField(ctx, oid, "words"); err != nil || !SameValue(v, []any{"a"}) {
		t.Errorf("field get should be open, got %v, %v", v, err)
	}
	if n, err := NewWorker(notes, tx).CountField(ctx, oid, "words"); !IsKind(err, AccessDenied) {
		t.Errorf("expected access denied for field count, got %d, %v", n, err)
	}

	tx.SetRole(RoleSystem)
	if n, err := NewWorker(notes, tx).CountField(ctx, oid, "words"); err != nil || n != 1 {
		t.Errorf("system field count: %d, %v", n, err)
	}
}

func TestCreateHooks(t *testing.T) {
	role := NewAccessRole(RoleAuthorized)
	role.OnCreate = func(ctx context.Context, w *Worker, obj Dict) bool {
		return obj["name"] != "bad"
	}
	items := NewScheme("item", Text("name")).DefineRole(role)
	a, mem := newTestAdapter(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()
	tx.SetRole(RoleAuthorized)

	ret, err := NewWorker(items, tx).CreateMany(ctx, []Dict{{"name": "good"}, {"name": "bad"}, {"name": "fine"}}, UpdateNone)
	if err != nil {
		t.Fatalf("create many: %v", err)
	}
	if len(ret) != 3 || ret[0] == nil || ret[1] != nil || ret[2] == nil {
		t.Fatalf("expected vetoed entry to be nil, got %v", ret)
	}
	if ret[2]["name"] != "fine" {
		t.Errorf("results misaligned: %v", ret)
	}

	_, err = NewWorker(items, tx).CreateMany(ctx, []Dict{{"name": "bad"}}, UpdateNone)
	if !IsKind(err, AccessDenied) {
		t.Errorf("expected access denied when every object is vetoed, got %v", err)
	}
	if n := len(mem.store.rows["item"]); n != 2 {
		t.Errorf("expected 2 stored rows, got %d", n)
	}
}

func TestReturnFilters(t *testing.T) {
	upper := func(s *Scheme, obj Dict, v *Value) bool {
		*v = strings.ToUpper(AsString(*v))
		return true
	}
	codes := NewScheme("code",
		Text("value", ReadFilter(upper)),
		Text("secret", Admin),
	)
	a, _ := newTestAdapter(t, codes)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	obj, err := NewWorker(codes, tx).AsSystem().Create(ctx, Dict{"value": "abc", "secret": "s"}, UpdateNone)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	oid := GetInt(obj, OidField)
	if obj["value"] != "abc" || obj["secret"] != "s" {
		t.Errorf("system should see raw values, got %v", obj)
	}

	tests := []struct {
		role       AccessRoleID
		wantSecret bool
	}{
		{RoleNobody, false},
		{RoleAuthorized, false},
		{RoleAdmin, true},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			tx.SetRole(tt.role)
			defer tx.SetRole(RoleNobody)

			got, err := NewWorker(codes, tx).Get(ctx, oid, 0)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got["value"] != "ABC" {
				t.Errorf("read filter not applied: %v", got)
			}
			if _, ok := got["secret"]; ok != tt.wantSecret {
				t.Errorf("secret visible = %v, want %v", ok, tt.wantSecret)
			}
		})
	}

	got, err := NewWorker(codes, tx).AsSystem().Get(ctx, oid, 0)
	if err != nil || got["value"] != "abc" {
		t.Errorf("system read should bypass filters, got %v, %v", got, err)
	}

	v, err := NewWorker(codes, tx).GetField(ctx, oid, "value")
	if err != nil || v != "ABC" {
		t.Errorf("field read filter not applied: %v, %v", v, err)
	}
}

func TestPerform(t *testing.T) {
	items := NewScheme("item", Text("name"))

	t.Run("nested calls share one transaction", func(t *testing.T) {
		a, mem := newTestAdapter(t, items)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		err := tx.Perform(ctx, func(ctx context.Context) error {
			for _, name := range []string{"a", "b"} {
				if _, err := NewWorker(items, tx).Create(ctx, Dict{"name": name}, UpdateNone); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("perform: %v", err)
		}
		if mem.begins != 1 || mem.commits != 1 {
			t.Errorf("expected one begin and commit, got %d, %d", mem.begins, mem.commits)
		}
		if len(mem.store.rows["item"]) != 2 {
			t.Errorf("expected 2 rows")
		}
	})

	t.Run("error rolls back", func(t *testing.T) {
		a, mem := newTestAdapter(t, items)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		stop := errors.New("stop")
		var oid int64
		err := tx.Perform(ctx, func(ctx context.Context) error {
			obj, err := NewWorker(items, tx).Create(ctx, Dict{"name": "a"}, UpdateNone)
			if err != nil {
				return err
			}
			oid = GetInt(obj, OidField)
			return stop
		})
		if !errors.Is(err, stop) {
			t.Fatalf("expected the callback error, got %v", err)
		}
		if oid == 0 {
			t.Fatal("object was not created inside the transaction")
		}
		if row := mem.row(items, oid); row != nil {
			t.Errorf("row survived rollback: %v", row)
		}
	})

	t.Run("swallowed failure still rolls back", func(t *testing.T) {
		a, mem := newTestAdapter(t, items)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		if _, err := NewWorker(items, tx).Create(ctx, Dict{"name": "kept"}, UpdateNone); err != nil {
			t.Fatalf("create: %v", err)
		}

		mem.failOn = "create:item"
		err := tx.Perform(ctx, func(ctx context.Context) error {
			_, _ = NewWorker(items, tx).Create(ctx, Dict{"name": "lost"}, UpdateNone)
			return nil
		})
		mem.failOn = ""
		if !errors.Is(err, errRolledBack) || !IsKind(err, BackendFailure) {
			t.Fatalf("expected rollback error, got %v", err)
		}
		if len(mem.store.rows["item"]) != 1 {
			t.Errorf("expected only the first row, got %v", mem.store.rows["item"])
		}
	})

	t.Run("system perform restores role", func(t *testing.T) {
		a, _ := newTestAdapter(t, items)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()
		tx.SetRole(RoleAuthorized)

		var inside AccessRoleID
		err := tx.PerformAsSystem(ctx, func(ctx context.Context) error {
			inside = tx.Role()
			return nil
		})
		if err != nil || inside != RoleSystem {
			t.Errorf("expected system role inside, got %v, %v", inside, err)
		}
		if tx.Role() != RoleAuthorized {
			t.Errorf("role not restored: %v", tx.Role())
		}
	})
}

func TestTransactionScope(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, tx := a.Begin(context.Background())

	if TransactionFrom(ctx) != tx {
		t.Fatal("transaction not bound to context")
	}
	ctx2, tx2 := Acquire(ctx, a)
	if tx2 != tx || ctx2 != ctx {
		t.Fatal("acquire should join the live transaction")
	}

	tx.SetValue("key", "value")
	if tx.Value("key") != "value" {
		t.Errorf("value not stored")
	}
	if id := tx.StageFile(&InputFile{Name: "a.txt"}); id != -1 {
		t.Errorf("expected -1, got %d", id)
	}
	if id := tx.StageFile(&InputFile{Name: "b.txt"}); id != -2 {
		t.Errorf("expected -2, got %d", id)
	}
	if f := tx.stagedFile(-2); f == nil || f.Name != "b.txt" {
		t.Errorf("staged file lookup failed: %v", f)
	}

	tx2.Release()
	if TransactionFrom(ctx) == nil {
		t.Fatal("transaction released while still referenced")
	}
	tx.Release()
	if TransactionFrom(ctx) != nil {
		t.Error("transaction still live after final release")
	}
	if tx.Value("key") != nil {
		t.Error("scratch values survived release")
	}

	other := NewAdapter(newMemBackend())
	_, tx3 := Acquire(ctx, other)
	if tx3 == tx {
		t.Error("released transaction reused")
	}
	tx3.Release()
}
