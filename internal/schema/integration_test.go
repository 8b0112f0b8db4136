package schema_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/schema"
	"github.com/aidanlsb/stellator/internal/testutil"
)

func defaultSchemes(t *testing.T) map[string]*db.Scheme {
	t.Helper()
	path := filepath.Join(t.TempDir(), schema.DefaultFileName)
	created, err := schema.CreateDefault(path)
	require.NoError(t, err)
	require.True(t, created)

	def, err := schema.Load(path)
	require.NoError(t, err)
	schemes, err := def.Build()
	require.NoError(t, err)
	return schemes
}

func TestDefaultDefinitionOnEngine(t *testing.T) {
	e := testutil.NewEngine(t, defaultSchemes(t))
	require.NotNil(t, e.Scheme("users"))
	require.NotNil(t, e.Scheme(db.FileSchemeName))

	actx, authors := e.Worker(t, "author", db.RoleAdmin)
	author, err := authors.Create(actx, db.Dict{"name": "Ann", "handle": "ann"}, db.UpdateNone)
	require.NoError(t, err)
	authorID := db.GetInt(author, db.OidField)
	require.NotZero(t, authorID)

	ctx, articles := e.Worker(t, "article", db.RoleAdmin)
	article, err := articles.Create(ctx, db.Dict{
		"title":  "Hello",
		"body":   "First post",
		"author": authorID,
		"tags":   []any{"intro"},
	}, db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, false, article["published"])
	tags, err := articles.GetField(ctx, db.GetInt(article, db.OidField), "tags")
	require.NoError(t, err)
	require.Equal(t, []any{"intro"}, tags)

	got, err := authors.Get(actx, "ann", db.UpdateNone)
	require.NoError(t, err)
	require.Equal(t, authorID, db.GetInt(got, db.OidField))
}

func TestDefaultDefinitionRoles(t *testing.T) {
	e := testutil.NewEngine(t, defaultSchemes(t))

	ctx, admin := e.Worker(t, "article", db.RoleAdmin)
	_, err := admin.Create(ctx, db.Dict{"title": "Visible"}, db.UpdateNone)
	require.NoError(t, err)

	ctx, reader := e.Worker(t, "article", db.RoleAuthorized)
	n, err := reader.Count(ctx, db.NewQuery())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	obj, err := reader.Create(ctx, db.Dict{"title": "Denied"}, db.UpdateNone)
	require.Nil(t, obj)
	require.True(t, db.IsKind(err, db.AccessDenied), "got %v", err)
}
