package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/aidanlsb/stellator/internal/db"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields user scheme only", func(t *testing.T) {
		def, err := Load(filepath.Join(t.TempDir(), DefaultFileName))
		require.NoError(t, err)
		require.Equal(t, "users", def.Users)
		require.Empty(t, def.Schemes)

		schemes, err := def.Build()
		require.NoError(t, err)
		require.Contains(t, schemes, "users")
		require.NotNil(t, schemes["users"].Field("password"))
	})

	t.Run("custom file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), DefaultFileName)
		content := `
schemes:
  person:
    fields:
      name:
        type: text
        flags: required, indexed
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		def, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, CurrentVersion, def.Version)
		require.Equal(t, StringList{"required", "indexed"}, def.Schemes["person"].Fields["name"].Flags)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), DefaultFileName)
		require.NoError(t, os.WriteFile(path, []byte("schemes: [unclosed"), 0644))

		_, err := Load(path)
		require.ErrorContains(t, err, "failed to parse scheme file")
	})

	t.Run("future version", func(t *testing.T) {
		_, err := Parse([]byte("version: 99\n"))
		require.ErrorContains(t, err, "unsupported scheme file version")
	})
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", DefaultFileName)

	written, err := CreateDefault(path)
	require.NoError(t, err)
	require.True(t, written)

	written, err = CreateDefault(path)
	require.NoError(t, err)
	require.False(t, written)

	def, err := Load(path)
	require.NoError(t, err)
	schemes, err := def.Build()
	require.NoError(t, err)
	require.NoError(t, db.InitSchemes(schemes))

	var names []string
	for name := range schemes {
		names = append(names, name)
	}
	require.ElementsMatch(t, []string{"article", "author", "users"}, names)

	article := schemes["article"]
	require.True(t, article.HasDelta())
	require.Len(t, article.Unique(), 1)
	require.Equal(t, "article_title_unique", article.Unique()[0].Name)
	require.Equal(t, db.TypeFullTextView, article.Field("search").Type())
	require.NotNil(t, article.AccessRole(db.RoleAdmin))

	view := schemes["author"].Field("published")
	require.Equal(t, db.TypeView, view.Type())
	require.True(t, view.HasDelta())
	require.Same(t, article, view.ForeignScheme())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	want := &Definition{
		Version: CurrentVersion,
		Users:   "accounts",
		Schemes: map[string]*SchemeDef{
			"note": {
				Options: StringList{"delta"},
				Fields: map[string]*FieldDef{
					"title": {Type: "text", Flags: StringList{"required"}, MaxLength: 80},
					"tags":  {Type: "array", Element: &FieldDef{Type: "integer"}},
				},
				Unique: map[string][]string{"title": {"title"}},
			},
		},
	}
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("definition mismatch (-want +got):\n%s", diff)
	}
}
