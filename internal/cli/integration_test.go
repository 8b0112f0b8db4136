package cli_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidanlsb/stellator/internal/cli"
	"github.com/aidanlsb/stellator/internal/testutil"
)

func newWorkspace(t *testing.T) *testutil.TestWorkspace {
	t.Helper()
	return testutil.NewTestWorkspace(t).Build()
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestInitCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	ws := testutil.NewTestWorkspace(t).Build()

	result := ws.RunCLI("init", dir).MustSucceed(t)
	data := result.DataMap()
	require.Equal(t, true, data["config_created"])
	require.Equal(t, true, data["schemes_created"])
	require.Contains(t, result.DataList("scheme_names"), "author")
	require.Contains(t, result.DataList("scheme_names"), "__files")

	// a second run keeps the existing files
	result = ws.RunCLI("init", dir).MustSucceed(t)
	require.Equal(t, false, result.DataMap()["config_created"])
	require.Equal(t, false, result.DataMap()["schemes_created"])
}

func TestSchemeCommands(t *testing.T) {
	ws := newWorkspace(t)

	t.Run("list", func(t *testing.T) {
		result := ws.RunCLI("scheme", "list").MustSucceed(t)
		var names []string
		for _, it := range result.DataItems() {
			names = append(names, it.(map[string]interface{})["name"].(string))
		}
		require.Equal(t, []string{"author", "book", "users"}, names)

		result = ws.RunCLI("scheme", "list", "--all").MustSucceed(t)
		require.Len(t, result.DataItems(), 4)
	})

	t.Run("describe", func(t *testing.T) {
		result := ws.RunCLI("scheme", "describe", "author").MustSucceed(t)
		data := result.DataMap()
		require.Equal(t, "author", data["name"])
		require.Equal(t, "People who write books.", data["description"])
		fields := data["fields"].(map[string]interface{})
		books := fields["books"].(map[string]interface{})
		require.Equal(t, "set", books["type"])
		require.Equal(t, "book", books["scheme"])
	})

	t.Run("describe text", func(t *testing.T) {
		out, err := ws.RunText("scheme", "describe", "book")
		require.NoError(t, err)
		require.Contains(t, out, "title")
		require.Contains(t, out, "delta")
	})

	t.Run("hash", func(t *testing.T) {
		short := ws.RunCLI("scheme", "hash", "book").MustSucceed(t)
		require.NotEmpty(t, short.DataString("hash"))
		require.Equal(t, false, short.DataMap()["full"])
		require.Equal(t, short.DataString("hash"), ws.RunCLI("scheme", "hash", "book").MustSucceed(t).DataString("hash"))

		full := ws.RunCLI("scheme", "hash", "book", "--full").MustSucceed(t)
		require.Equal(t, true, full.DataMap()["full"])
		require.NotEmpty(t, full.DataString("hash"))
	})

	t.Run("unknown scheme", func(t *testing.T) {
		ws.RunCLI("scheme", "describe", "nope").MustFail(t, cli.ErrSchemeNotFound)
	})
}

func TestObjectLifecycle(t *testing.T) {
	ws := newWorkspace(t)

	author := ws.RunCLI("create", "author", `{"name": "Ann", "handle": "ann"}`).MustSucceed(t)
	authorID := author.ID()
	require.NotZero(t, authorID)
	require.Equal(t, "Ann", author.DataString("name"))

	got := ws.RunCLI("get", "author", "ann").MustSucceed(t)
	require.Equal(t, authorID, got.ID())

	book := ws.RunCLI("create", "book", `{"title": "Go", "year": 2012, "tags": ["lang"]}`).MustSucceed(t)
	bookID := book.ID()
	tags := ws.RunCLI("field", "book", itoa(bookID), "tags").MustSucceed(t)
	require.Equal(t, []interface{}{"lang"}, tags.DataMap()["value"])
	require.Equal(t, false, book.DataMap()["published"])

	updated := ws.RunCLI("update", "book", "Go", `{"published": true}`)
	updated.MustFail(t, cli.ErrObjectNotFound)

	ws.RunCLI("update", "book", itoa(bookID), `{"published": true, "year": 2015}`).MustSucceed(t)
	got = ws.RunCLI("get", "book", itoa(bookID), "--fields", "year").MustSucceed(t)
	require.EqualValues(t, 2015, got.DataInt("year"))
	require.Equal(t, true, ws.RunCLI("get", "book", itoa(bookID)).MustSucceed(t).DataMap()["published"])

	ws.RunCLI("remove", "book", itoa(bookID)).MustSucceed(t)
	ws.AssertObjectNotExists("book", bookID)
	ws.RunCLI("remove", "book", itoa(bookID)).MustFail(t, cli.ErrObjectNotFound)
}

func TestCreateValidation(t *testing.T) {
	ws := newWorkspace(t)

	ws.RunCLI("create", "book", `{"year": 2001}`).MustFail(t, cli.ErrValidationFailed)
	ws.RunCLI("create", "book", `not json`).MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("create", "book", `42`).MustFail(t, cli.ErrInvalidInput)
}

func TestCreateManyAndConflicts(t *testing.T) {
	ws := newWorkspace(t)

	result := ws.RunCLIWithStdin(`[{"title": "a", "year": 1}, {"title": "b", "year": 2}, {"year": 3}]`,
		"create", "book", "-").MustSucceed(t)
	require.Equal(t, 2, result.Meta.Count)
	require.Len(t, result.DataItems(), 3)
	require.Nil(t, result.DataItems()[2])
	result.AssertHasWarning(t, cli.ErrValidationFailed)
	ws.AssertQueryCount("book", `{}`, 2)

	first := ws.RunCLI("create", "author", `{"name": "Ann", "handle": "ann"}`).MustSucceed(t).ID()

	// the existing object is kept whatever the command reports
	ws.RunCLI("create", "author", `{"name": "Other", "handle": "ann"}`, "--ignore-conflict", "handle")
	require.Equal(t, "Ann", ws.RunCLI("get", "author", "ann").MustSucceed(t).DataString("name"))

	upserted := ws.RunCLI("create", "author", `{"name": "Ann B.", "handle": "ann"}`, "--upsert", "handle").MustSucceed(t)
	require.Equal(t, first, upserted.ID())
	require.Equal(t, "Ann B.", ws.RunCLI("get", "author", "ann").MustSucceed(t).DataString("name"))
	ws.AssertQueryCount("author", `{}`, 1)

	ws.RunCLI("create", "author", `{"name": "X"}`, "--upsert", "name").MustFail(t, cli.ErrValidationFailed)
}

func TestQuery(t *testing.T) {
	ws := newWorkspace(t)
	for i, title := range []string{"c", "a", "b"} {
		ws.RunCLI("create", "book", `{"title": "`+title+`", "year": `+strconv.Itoa(2000+i)+`}`).MustSucceed(t)
	}

	result := ws.RunCLI("query", "book", `{"order": ["year", "desc"], "limit": 2}`).MustSucceed(t)
	result.AssertResultCount(t, 2)
	first := result.DataItems()[0].(map[string]interface{})
	require.Equal(t, "b", first["title"])
	require.Equal(t, 2, result.Meta.Count)
	result.AssertNoWarnings(t)

	result = ws.RunCLI("query", "book", `{"select": [["year", "ge", 2001], ["title", "eq", "a"]], "page": 2}`).MustSucceed(t)
	result.AssertResultCount(t, 2)
	result.AssertHasWarning(t, cli.WarnQueryPartial)
	result.AssertHasWarning(t, cli.WarnUnknownKeys)

	result = ws.RunCLI("query", "book", `{"select": ["year", "eq", 2000]}`, "--count").MustSucceed(t)
	require.EqualValues(t, 1, result.DataInt("count"))

	result = ws.RunCLI("query", "book", "--ids").MustSucceed(t)
	result.AssertResultCount(t, 3)

	ws.RunCLI("query", "book", `[]`).MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("query", "book", "--via", "author").MustFail(t, cli.ErrMissingArgument)
	ws.RunCLI("query", "nope").MustFail(t, cli.ErrSchemeNotFound)
}

func TestQueryThroughSet(t *testing.T) {
	ws := newWorkspace(t)
	var ids []string
	for i, title := range []string{"x", "y", "z"} {
		obj := ws.RunCLI("create", "book", `{"title": "`+title+`", "year": `+strconv.Itoa(1990+i)+`}`).MustSucceed(t)
		ids = append(ids, itoa(obj.ID()))
	}
	author := ws.RunCLI("create", "author", `{"name": "Bo", "handle": "bo", "books": [`+ids[2]+`, `+ids[0]+`]}`).MustSucceed(t)

	result := ws.RunCLI("query", "author", `{"order": "year"}`, "--id", itoa(author.ID()), "--via", "books").MustSucceed(t)
	result.AssertResultCount(t, 2)
	require.Equal(t, "x", result.DataItems()[0].(map[string]interface{})["title"])

	result = ws.RunCLI("query", "author", "--id", itoa(author.ID()), "--via", "books", "--count").MustSucceed(t)
	require.EqualValues(t, 2, result.DataInt("count"))

	ws.RunCLI("query", "author", "--id", "1", "--via", "name").MustFail(t, cli.ErrFieldNotFound)
}

func TestFieldCommand(t *testing.T) {
	ws := newWorkspace(t)
	first := itoa(ws.RunCLI("create", "book", `{"title": "t", "year": 1}`).MustSucceed(t).ID())
	second := itoa(ws.RunCLI("create", "book", `{"title": "u", "year": 2}`).MustSucceed(t).ID())
	ws.RunCLI("create", "author", `{"name": "Cy", "handle": "cy", "books": [`+first+`]}`).MustSucceed(t)

	result := ws.RunCLI("field", "author", "cy", "books", "count").MustSucceed(t)
	require.EqualValues(t, 1, result.DataInt("value"))
	require.Equal(t, "count", result.DataString("action"))

	ws.RunCLI("field", "author", "cy", "books", "append", `[`+second+`]`).MustSucceed(t)
	result = ws.RunCLI("field", "author", "cy", "books").MustSucceed(t)
	require.Len(t, result.DataMap()["value"], 2)

	ws.RunCLI("field", "author", "cy", "books", "clear", first).MustSucceed(t)
	result = ws.RunCLI("field", "author", "cy", "books", "count").MustSucceed(t)
	require.EqualValues(t, 1, result.DataInt("value"))
	ws.AssertObjectExists("book", first)

	ws.RunCLI("field", "book", first, "tags", "set", `["a", "b"]`).MustSucceed(t)
	got := ws.RunCLI("field", "book", first, "tags").MustSucceed(t)
	require.Equal(t, []interface{}{"a", "b"}, got.DataMap()["value"])

	ws.RunCLI("field", "author", "cy", "nope").MustFail(t, cli.ErrFieldNotFound)
	ws.RunCLI("field", "author", "cy", "books", "frobnicate").MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("field", "author", "cy", "books", "set").MustFail(t, cli.ErrMissingArgument)
	ws.RunCLI("field", "author", "nobody", "books").MustFail(t, cli.ErrObjectNotFound)
}

func TestKeyValueCommands(t *testing.T) {
	ws := newWorkspace(t)

	ws.RunCLI("kv", "set", "token", `{"user": 7}`, "--ttl", "1h").MustSucceed(t)
	result := ws.RunCLI("kv", "get", "token").MustSucceed(t)
	require.Equal(t, map[string]interface{}{"user": float64(7)}, result.DataMap()["value"])

	ws.RunCLI("kv", "get", "token", "--take").MustSucceed(t)
	ws.RunCLI("kv", "get", "token").MustFail(t, cli.ErrKeyNotFound)

	ws.RunCLI("kv", "set", "flag", `true`).MustSucceed(t)
	ws.RunCLI("kv", "clear", "flag").MustSucceed(t)
	ws.RunCLI("kv", "get", "flag").MustFail(t, cli.ErrKeyNotFound)

	ws.AssertFileExists("stellator.kv")
}

func TestUsers(t *testing.T) {
	ws := newWorkspace(t)

	result := ws.RunCLI("user", "add", "root", "--password", "hunter22", "--admin").MustSucceed(t)
	require.Equal(t, "admin", result.DataString("role"))

	result = ws.RunCLI("user", "login", "root", "hunter22").MustSucceed(t)
	require.Equal(t, "root", result.DataString("name"))

	ws.RunCLI("user", "login", "root", "wrong").MustFail(t, cli.ErrAuthFailed)
	ws.RunCLI("user", "add", "x").MustFail(t, cli.ErrMissingArgument)
}

func TestRoles(t *testing.T) {
	t.Run("no access control", func(t *testing.T) {
		ws := newWorkspace(t)
		ws.RunCLI("--role", "nobody", "create", "book", `{"title": "u"}`).MustSucceed(t)
		ws.RunCLI("--role", "nobody", "query", "book").MustSucceed(t).AssertResultCount(t, 1)
		ws.RunCLI("--role", "superuser", "query", "book").MustFail(t, cli.ErrInvalidInput)
	})

	t.Run("declared roles", func(t *testing.T) {
		ws := testutil.NewTestWorkspace(t).WithSchemes(`version: 1
schemes:
  note:
    fields:
      title:
        type: text
      words:
        type: array
        element:
          type: text
    roles:
      - users: [admin]
        preset: admin
`).Build()
		note := ws.RunCLI("create", "note", `{"title": "t", "words": ["a"]}`).MustSucceed(t)
		id := itoa(note.ID())

		ws.RunCLI("--role", "nobody", "query", "note").MustSucceed(t).AssertResultCount(t, 1)
		ws.RunCLI("--role", "nobody", "field", "note", id, "words").MustSucceed(t)
		ws.RunCLI("--role", "nobody", "field", "note", id, "words", "count").MustFail(t, cli.ErrAccessDenied)
		ws.RunCLI("--role", "nobody", "create", "note", `{"title": "u"}`).MustFail(t, cli.ErrAccessDenied)
		ws.RunCLI("--role", "system", "field", "note", id, "words", "count").MustSucceed(t)
	})
}

func TestBroadcastAndCleanup(t *testing.T) {
	ws := newWorkspace(t)

	ws.RunCLI("broadcast", "send", "/books", `{"id": 1}`, "--exclusive").MustSucceed(t)
	result := ws.RunCLI("broadcast", "drain").MustSucceed(t)
	result.AssertResultCount(t, 1)
	msg := result.DataItems()[0].(string)
	require.Contains(t, msg, `"url":"/books"`)
	require.Contains(t, msg, `"exclusive":true`)

	ws.RunCLI("broadcast", "drain").MustSucceed(t).AssertResultCount(t, 0)
	ws.RunCLI("cleanup").MustSucceed(t)
}

func TestTextOutput(t *testing.T) {
	ws := newWorkspace(t)
	ws.RunCLI("create", "author", `{"name": "Di", "handle": "di"}`).MustSucceed(t)

	out, err := ws.RunText("get", "author", "di")
	require.NoError(t, err)
	require.Contains(t, out, "handle")
	require.Contains(t, out, "Di")

	out, err = ws.RunText("query", "author")
	require.NoError(t, err)
	require.Contains(t, out, "(1 object)")

	out, err = ws.RunText("cleanup")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Cleaning up sessions...\n"), out)
	require.Contains(t, out, "Cleanup done")

	_, err = ws.RunText("get", "author", "nobody-here")
	require.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	ws := testutil.NewTestWorkspace(t).WithConfig("[engine]\nauto_field_workers = 0\n").Build()
	ws.RunCLI("scheme", "list").MustFail(t, cli.ErrConfigInvalid)
}

func TestConfigCommands(t *testing.T) {
	ws := newWorkspace(t)

	shown := ws.RunCLI("config", "show").MustSucceed(t).DataMap()
	require.Equal(t, true, shown["exists"])
	require.Equal(t, "warn", shown["log"].(map[string]interface{})["level"])

	result := ws.RunCLI("config", "set", "--log-level", "debug", "--ui-code-theme", "nord").MustSucceed(t)
	require.Equal(t, []interface{}{"log.level", "ui.code_theme"}, result.DataList("changed"))
	saved := ws.ReadFile("stellator.toml")
	require.Contains(t, saved, `level = "debug"`)
	require.Contains(t, saved, `code_theme = "nord"`)

	shown = ws.RunCLI("config", "show").MustSucceed(t).DataMap()
	require.Equal(t, "debug", shown["log"].(map[string]interface{})["level"])
	ws.RunCLI("scheme", "list").MustSucceed(t)

	ws.RunCLI("config", "set", "--log-level", "loud").MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("config", "set", "--auto-field-workers", "0").MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("config", "set").MustFail(t, cli.ErrMissingArgument)
	require.Contains(t, ws.ReadFile("stellator.toml"), `level = "debug"`)
}

func TestInvalidSchemes(t *testing.T) {
	ws := testutil.NewTestWorkspace(t).WithSchemes("schemes:\n  bad:\n    fields:\n      x:\n        type: nope\n").Build()
	ws.RunCLI("scheme", "list").MustFailWithMessage(t, "unknown type")
}

func TestDocs(t *testing.T) {
	ws := newWorkspace(t)

	result := ws.RunCLI("docs").MustSucceed(t)
	require.Equal(t, 4, result.Meta.Count)

	result = ws.RunCLI("docs", "queries").MustSucceed(t)
	require.Contains(t, result.DataString("content"), "--via books")

	result = ws.RunCLI("docs", "search", "ALIAS").MustSucceed(t)
	require.NotEmpty(t, result.DataList("matches"))

	ws.RunCLI("docs", "search", "alias", "--limit", "0").MustFail(t, cli.ErrInvalidInput)
	ws.RunCLI("docs", "nope").MustFail(t, cli.ErrDocNotFound)
}

func TestVersion(t *testing.T) {
	ws := newWorkspace(t)
	result := ws.RunCLI("version").MustSucceed(t)
	require.NotEmpty(t, result.DataString("version"))
	require.NotEmpty(t, result.DataString("go_version"))
}
