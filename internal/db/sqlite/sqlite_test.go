package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/kvstore"
)

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	st, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestAdapter(t *testing.T, st *Store, schemes ...*db.Scheme) *db.Adapter {
	t.Helper()
	a := db.NewAdapter(st.Handle(), db.WithLogger(zaptest.NewLogger(t)))
	set := make(map[string]*db.Scheme, len(schemes))
	for _, s := range schemes {
		set[s.Name()] = s
	}
	require.NoError(t, a.Init(context.Background(), db.InterfaceConfig{Name: "test"}, set))
	return a
}

func newTestDB(t *testing.T, schemes ...*db.Scheme) (*db.Adapter, *Store) {
	t.Helper()
	st := openTestStore(t, filepath.Join(t.TempDir(), "data", "test.db"))
	return newTestAdapter(t, st, schemes...), st
}

func itemScheme() *db.Scheme {
	return db.NewScheme("item",
		db.Text("name", db.Unique),
		db.Integer("count", db.Indexed),
		db.Float("price"),
		db.Boolean("active"),
		db.Data("meta"),
	)
}

func oidOf(t *testing.T, obj db.Dict) int64 {
	t.Helper()
	require.NotNil(t, obj)
	oid := db.GetInt(obj, db.OidField)
	require.NotZero(t, oid)
	return oid
}

func TestCreateAndGet(t *testing.T) {
	items := itemScheme()
	a, _ := newTestDB(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	obj, err := db.NewWorker(items, tx).Create(ctx, db.Dict{
		"name":   "first",
		"count":  int64(3),
		"price":  1.5,
		"active": true,
		"meta":   db.Dict{"tags": []any{"a", "b"}, "n": int64(7)},
	}, db.UpdateNone)
	require.NoError(t, err)
	oid := oidOf(t, obj)

	got, err := db.NewWorker(items, tx).Get(ctx, oid, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, "first", got["name"])
	require.Equal(t, int64(3), got["count"])
	require.Equal(t, 1.5, got["price"])
	require.Equal(t, true, got["active"])
	if diff := cmp.Diff(db.Dict{"tags": []any{"a", "b"}, "n": int64(7)}, got["meta"]); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}

	missing, err := db.NewWorker(items, tx).Get(ctx, oid+100, db.UpdateNone)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSelectConditionsAndOrder(t *testing.T) {
	items := itemScheme()
	a, _ := newTestDB(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	w := db.NewWorker(items, tx)
	for i, name := range []string{"delta", "alpha", "charlie", "bravo"} {
		_, err := w.Create(ctx, db.Dict{"name": name, "count": int64(i)}, db.UpdateNone)
		require.NoError(t, err)
	}

	names := func(objs []db.Dict) []string {
		out := make([]string, 0, len(objs))
		for _, obj := range objs {
			out = append(out, db.AsString(obj["name"]))
		}
		return out
	}

	q := db.NewQuery().Order("name", db.Ascending)
	objs, err := db.NewWorker(items, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, names(objs))

	q = db.NewQuery().
		AddSelect(db.Select{Field: "count", Compare: db.GreaterOrEqual, Value1: int64(1)}).
		Order("count", db.Descending)
	objs, err = db.NewWorker(items, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, []string{"bravo", "charlie", "alpha"}, names(objs))

	q = db.NewQuery().AddSelect(db.Select{Field: "count", Compare: db.NotBetweenValues, Value1: int64(1), Value2: int64(2)}).
		Order("count", db.Ascending)
	objs, err = db.NewWorker(items, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, []string{"delta", "bravo"}, names(objs))

	q = db.NewQuery().Order("name", db.Ascending).Limit(2)
	objs, err = db.NewWorker(items, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "bravo"}, names(objs))

	n, err := db.NewWorker(items, tx).Count(ctx, db.NewQuery().AddSelect(db.Select{Field: "name", Compare: db.Includes, Value1: "a"}))
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestUpdateAndRemove(t *testing.T) {
	items := itemScheme()
	a, _ := newTestDB(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	obj, err := db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "one", "count": int64(1)}, db.UpdateNone)
	require.NoError(t, err)
	oid := oidOf(t, obj)

	_, err = db.NewWorker(items, tx).Update(ctx, oid, db.Dict{"count": int64(5)}, db.UpdateNone)
	require.NoError(t, err)
	got, err := db.NewWorker(items, tx).Get(ctx, oid, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, int64(5), got["count"])
	require.Equal(t, "one", got["name"])

	// a failing condition leaves the object alone
	_, err = db.NewWorker(items, tx).Update(ctx, oid, db.Dict{"count": int64(9)}, db.UpdateNone,
		db.Select{Field: "count", Compare: db.Equal, Value1: int64(1)})
	require.NoError(t, err)
	got, err = db.NewWorker(items, tx).Get(ctx, oid, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, int64(5), got["count"])

	ok, err := db.NewWorker(items, tx).Remove(ctx, oid)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.NewWorker(items, tx).Remove(ctx, oid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateConflict(t *testing.T) {
	items := itemScheme()
	a, _ := newTestDB(t, items)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	first, err := db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "dup", "count": int64(1)}, db.UpdateNone)
	require.NoError(t, err)
	oid := oidOf(t, first)

	_, err = db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "dup", "count": int64(2)}, db.UpdateNone,
		db.ConflictIgnore("name"))
	require.NoError(t, err)
	got, err := db.NewWorker(items, tx).Get(ctx, oid, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, int64(1), got["count"])

	upd, err := db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "dup", "count": int64(3)}, db.UpdateNone,
		db.ConflictUpdate("name"))
	require.NoError(t, err)
	require.Equal(t, oid, oidOf(t, upd))
	got, err = db.NewWorker(items, tx).Get(ctx, oid, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, int64(3), got["count"])

	n, err := db.NewWorker(items, tx).Count(ctx, db.NewQuery())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSetAndArrayFields(t *testing.T) {
	tags := db.NewScheme("tag", db.Text("name"))
	posts := db.NewScheme("post",
		db.Text("title"),
		db.Set("tags", "tag", db.Reference),
		db.Array("words", db.ElementField(db.Text(""))),
	)
	a, _ := newTestDB(t, tags, posts)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	var tagIDs []int64
	for _, name := range []string{"go", "sql", "db"} {
		obj, err := db.NewWorker(tags, tx).Create(ctx, db.Dict{"name": name}, db.UpdateNone)
		require.NoError(t, err)
		tagIDs = append(tagIDs, oidOf(t, obj))
	}

	post, err := db.NewWorker(posts, tx).Create(ctx, db.Dict{
		"title": "hello",
		"tags":  []any{tagIDs[0], tagIDs[1]},
		"words": []any{"one", "two"},
	}, db.UpdateNone)
	require.NoError(t, err)
	oid := oidOf(t, post)

	n, err := db.NewWorker(posts, tx).CountField(ctx, oid, "tags")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = db.NewWorker(posts, tx).AppendField(ctx, oid, "tags", []any{tagIDs[2]})
	require.NoError(t, err)
	v, err := db.NewWorker(posts, tx).GetField(ctx, oid, "tags", "name")
	require.NoError(t, err)
	list, ok := v.([]any)
	require.True(t, ok)
	var names []string
	for _, it := range list {
		names = append(names, db.AsString(it.(db.Dict)["name"]))
	}
	require.Equal(t, []string{"go", "sql", "db"}, names)

	ok, err = db.NewWorker(posts, tx).ClearField(ctx, oid, "tags", tagIDs[1])
	require.NoError(t, err)
	require.True(t, ok)
	n, err = db.NewWorker(posts, tx).CountField(ctx, oid, "tags")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = db.NewWorker(posts, tx).AppendField(ctx, oid, "words", "three")
	require.NoError(t, err)
	v, err = db.NewWorker(posts, tx).GetField(ctx, oid, "words")
	require.NoError(t, err)
	require.Equal(t, []any{"one", "two", "three"}, v)

	// membership queries
	q := db.NewQuery().AddSelect(db.Select{Field: "tags", Compare: db.Includes, Value1: tagIDs[2]})
	objs, err := db.NewWorker(posts, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	q = db.NewQuery().AddSelect(db.Select{Field: "words", Compare: db.Includes, Value1: "two"})
	objs, err = db.NewWorker(posts, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	// removing a tag drops it from every set
	_, err = db.NewWorker(tags, tx).Remove(ctx, tagIDs[0])
	require.NoError(t, err)
	n, err = db.NewWorker(posts, tx).CountField(ctx, oid, "tags")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestQueryList(t *testing.T) {
	authors := db.NewScheme("author",
		db.Text("name"),
		db.Set("books", "book", db.Reference),
	)
	books := db.NewScheme("book", db.Text("title"), db.Integer("year"))
	a, st := newTestDB(t, authors, books)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	var bookIDs []any
	for i, title := range []string{"a", "b", "c"} {
		obj, err := db.NewWorker(books, tx).Create(ctx, db.Dict{"title": title, "year": int64(2000 + i)}, db.UpdateNone)
		require.NoError(t, err)
		bookIDs = append(bookIDs, oidOf(t, obj))
	}
	author, err := db.NewWorker(authors, tx).Create(ctx, db.Dict{"name": "x", "books": bookIDs}, db.UpdateNone)
	require.NoError(t, err)
	oid := oidOf(t, author)

	ql := a.NewQueryList(authors)
	require.True(t, ql.SelectByID(authors, oid))
	require.True(t, ql.SetField(books, authors.Field("books")))
	ql.TopQuery().AddSelect(db.Select{Field: "year", Compare: db.GreaterThen, Value1: int64(2000)})

	h := st.Handle()
	ids, err := h.PerformQueryListForIds(ctx, ql, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{bookIDs[1].(int64), bookIDs[2].(int64)}, ids)

	objs, err := h.PerformQueryList(ctx, ql, 0, false)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "b", objs[0]["title"])

	ids, err = h.PerformQueryListForIds(ctx, ql, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{oid}, ids)
}

func TestDelta(t *testing.T) {
	items := itemScheme().WithOptions(db.OptionWithDelta)
	a, st := newTestDB(t, items)
	clock := time.UnixMicro(1_000_000)
	st.Now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	first, err := db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "a"}, db.UpdateNone)
	require.NoError(t, err)
	gone, err := db.NewWorker(items, tx).Create(ctx, db.Dict{"name": "b"}, db.UpdateNone)
	require.NoError(t, err)

	h := st.Handle()
	since, err := h.DeltaValue(ctx, items)
	require.NoError(t, err)
	require.NotZero(t, since)

	_, err = db.NewWorker(items, tx).Update(ctx, oidOf(t, first), db.Dict{"count": int64(1)}, db.UpdateNone)
	require.NoError(t, err)
	_, err = db.NewWorker(items, tx).Remove(ctx, oidOf(t, gone))
	require.NoError(t, err)

	rows, err := h.Select(ctx, db.NewWorker(items, nil).AsSystem(), db.NewQuery().Delta(since))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	actions := map[int64]string{}
	for _, row := range rows {
		d := row[db.DeltaField].(db.Dict)
		actions[db.GetInt(row, db.OidField)] = db.AsString(d["action"])
	}
	require.Equal(t, map[int64]string{
		oidOf(t, first): "update",
		oidOf(t, gone):  "delete",
	}, actions)

	latest, err := h.DeltaValue(ctx, items)
	require.NoError(t, err)
	require.Greater(t, latest, since)
}

func TestFullTextSearch(t *testing.T) {
	docs := db.NewScheme("doc",
		db.Text("title"),
		db.Text("body"),
		db.FullTextView("search", db.Requires("title", "body"),
			db.FullTextSource(func(s *db.Scheme, obj db.Dict) []db.FullTextData {
				return []db.FullTextData{
					{Buffer: db.AsString(obj["title"]), Rank: db.RankA},
					{Buffer: db.AsString(obj["body"]), Rank: db.RankC},
				}
			})),
	)
	a, _ := newTestDB(t, docs)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	w := db.NewWorker(docs, tx)
	_, err := w.Create(ctx, db.Dict{"title": "storage engines", "body": "about trees"}, db.UpdateNone)
	require.NoError(t, err)
	_, err = w.Create(ctx, db.Dict{"title": "gardening", "body": "storage of tools"}, db.UpdateNone)
	require.NoError(t, err)
	_, err = w.Create(ctx, db.Dict{"title": "cooking", "body": "soup"}, db.UpdateNone)
	require.NoError(t, err)

	q := db.NewQuery().SelectFullText("search", []db.FullTextData{{Buffer: "storage"}}).
		Order("search", db.Descending)
	objs, err := db.NewWorker(docs, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	// title matches rank above body matches
	require.Equal(t, "storage engines", objs[0]["title"])

	q = db.NewQuery().SelectFullText("search", []db.FullTextData{{Buffer: "nothing"}})
	objs, err = db.NewWorker(docs, tx).Select(ctx, q, db.UpdateNone)
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestKeyValue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := kvstore.Open(zaptest.NewLogger(t), filepath.Join(dir, "kv.bolt"))
	require.NoError(t, err)

	stores := map[string]*Store{
		"table":   openTestStore(t, filepath.Join(dir, "table.db")),
		"kvstore": openTestStore(t, filepath.Join(dir, "kv.db"), WithKV(kv)),
	}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			h := st.Handle()
			require.NoError(t, h.Set(ctx, "session", db.Dict{"user": int64(4)}, time.Hour))
			v, err := h.Get(ctx, "session", false)
			require.NoError(t, err)
			require.Equal(t, db.Dict{"user": int64(4)}, v)

			v, err = h.Get(ctx, "session", true)
			require.NoError(t, err)
			require.NotNil(t, v)
			v, err = h.Get(ctx, "session", false)
			require.NoError(t, err)
			require.Nil(t, v)

			require.NoError(t, h.Set(ctx, "k", "v", 0))
			require.NoError(t, h.Clear(ctx, "k"))
			v, err = h.Get(ctx, "k", false)
			require.NoError(t, err)
			require.Nil(t, v)
		})
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	now := time.Unix(1_700_000_000, 0)
	st.Now = func() time.Time { return now }

	h := st.Handle()
	require.NoError(t, h.Set(ctx, "short", int64(1), time.Minute))
	require.NoError(t, h.Set(ctx, "forever", int64(2), 0))

	now = now.Add(2 * time.Minute)
	require.NoError(t, h.MakeSessionsCleanup(ctx))

	v, err := h.Get(ctx, "short", false)
	require.NoError(t, err)
	require.Nil(t, v)
	v, err = h.Get(ctx, "forever", false)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestBroadcasts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
	h := st.Handle()

	require.NoError(t, h.Broadcast(ctx, []byte("one")))
	require.NoError(t, h.Broadcast(ctx, []byte("two")))

	var got []string
	require.NoError(t, h.ProcessBroadcasts(ctx, func(data []byte) { got = append(got, string(data)) }))
	require.Equal(t, []string{"one", "two"}, got)

	got = nil
	require.NoError(t, h.ProcessBroadcasts(ctx, func(data []byte) { got = append(got, string(data)) }))
	require.Empty(t, got)
}

func TestAuthorizeUser(t *testing.T) {
	prev := db.PasswordCost
	db.PasswordCost = bcrypt.MinCost
	t.Cleanup(func() { db.PasswordCost = prev })

	users := db.UsersScheme("user")
	a, _ := newTestDB(t, users)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	_, err := db.CreateUser(ctx, tx, users, "alice", "correct horse", false)
	require.NoError(t, err)

	auth := db.NewAuth(users)
	auth.MaxLoginFailures = 2

	u, err := a.AuthorizeUser(ctx, auth, "alice", "correct horse")
	require.NoError(t, err)
	require.NotNil(t, u)

	u, err = a.AuthorizeUser(ctx, auth, "nobody", "correct horse")
	require.NoError(t, err)
	require.Nil(t, u)

	for i := 0; i < 2; i++ {
		u, err = a.AuthorizeUser(ctx, auth, "alice", "wrong")
		require.NoError(t, err)
		require.Nil(t, u)
	}
	// blocked after too many failures
	u, err = a.AuthorizeUser(ctx, auth, "alice", "correct horse")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestReopenAddsColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	st, err := Open(path, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	v1 := db.NewScheme("note", db.Text("title"))
	a := newTestAdapter(t, st, v1)
	ctx1, tx := a.Begin(ctx)
	_, err = db.NewWorker(v1, tx).Create(ctx1, db.Dict{"title": "kept"}, db.UpdateNone)
	require.NoError(t, err)
	tx.Release()
	require.NoError(t, st.Close())

	st = openTestStore(t, path)
	v2 := db.NewScheme("note", db.Text("title"), db.Integer("stars"))
	a = newTestAdapter(t, st, v2)
	ctx2, tx := a.Begin(ctx)
	defer tx.Release()

	obj, err := db.NewWorker(v2, tx).Create(ctx2, db.Dict{"title": "new", "stars": int64(5)}, db.UpdateNone)
	require.NoError(t, err)
	got, err := db.NewWorker(v2, tx).Get(ctx2, oidOf(t, obj), db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, int64(5), got["stars"])

	n, err := db.NewWorker(v2, tx).Count(ctx2, db.NewQuery())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
