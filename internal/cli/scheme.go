package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newSchemeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheme",
		Short: "Inspect schemes",
		Long:  `Lists, describes and fingerprints the schemes loaded from the scheme file.`,
	}
	cmd.AddCommand(newSchemeListCmd(app), newSchemeDescribeCmd(app), newSchemeHashCmd(app))
	return cmd
}

func newSchemeListCmd(app *App) *cobra.Command {
	var showInternal bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				schemes := sortedSchemes(e.adapter.Schemes(), showInternal)

				if app.isJSONOutput() {
					items := make([]map[string]interface{}, 0, len(schemes))
					for _, s := range schemes {
						items = append(items, map[string]interface{}{
							"name":        s.Name(),
							"fields":      len(s.Fields()),
							"delta":       s.HasDelta(),
							"description": e.description(s.Name()),
						})
					}
					app.outputSuccess(items, &Meta{Count: len(items)})
					return nil
				}

				tbl := ui.NewTable("", "", "")
				for _, s := range schemes {
					tbl.AddRow(ui.SchemeName(s.Name()), ui.Count(len(s.Fields()), "field", "fields"), ui.Hint(e.description(s.Name())))
				}
				fmt.Fprint(app.Out, tbl.String())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showInternal, "all", false, "Include built-in schemes such as __files")
	return cmd
}

func newSchemeDescribeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <scheme>",
		Short: "Describe a scheme's fields, relations and constraints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				desc := s.Describe()

				if app.isJSONOutput() {
					if d := e.description(s.Name()); d != "" {
						desc["description"] = d
					}
					app.outputSuccess(desc, &Meta{Count: len(s.Fields())})
					return nil
				}

				rendered, err := ui.RenderMarkdown(describeMarkdown(s, e.description(s.Name())), app.display.TermWidth)
				if err != nil {
					return err
				}
				fmt.Fprint(app.Out, rendered)
				return nil
			})
		},
	}
}

func newSchemeHashCmd(app *App) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "hash <scheme>",
		Short: "Print a scheme's structural fingerprint",
		Long: `Prints the xxhash fingerprint of a scheme. By default only field names and
types are hashed; --full also covers flags, transforms and type parameters.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				level := db.ValidationNamesAndTypes
				if full {
					level = db.ValidationFull
				}
				hash := strconv.FormatUint(s.Hash(level), 16)

				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"scheme": s.Name(),
						"hash":   hash,
						"full":   full,
					}, nil)
					return nil
				}
				fmt.Fprintln(app.Out, hash)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Hash the complete field definitions")
	return cmd
}

func sortedSchemes(all map[string]*db.Scheme, internal bool) []*db.Scheme {
	out := make([]*db.Scheme, 0, len(all))
	for name, s := range all {
		if !internal && strings.HasPrefix(name, "__") {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// description returns the scheme file's description of a scheme.
func (e *engine) description(name string) string {
	if def := e.definition.Schemes[name]; def != nil {
		return def.Description
	}
	return ""
}

func describeMarkdown(s *db.Scheme, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Name())
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n\n")
	}

	b.WriteString("| field | type | flags | details |\n|---|---|---|---|\n")
	for _, f := range s.Fields() {
		d := f.Describe()
		flags := strings.Join(f.Flags().Names(), ", ")
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", f.Name(), f.Type(), flags, fieldDetails(d))
	}

	desc := s.Describe()
	if u, ok := desc["unique"].(db.Dict); ok && len(u) > 0 {
		b.WriteString("\n## Unique\n\n")
		names := make([]string, 0, len(u))
		for name := range u {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- `%s`: %s\n", name, ui.FormatValue(u[name]))
		}
	}
	if s.HasDelta() {
		b.WriteString("\nChanges are tracked for delta queries.\n")
	}
	return b.String()
}

// fieldDetails renders the type parameters of a field description.
func fieldDetails(d db.Dict) string {
	var parts []string
	keys := make([]string, 0, len(d))
	for k := range d {
		switch k {
		case "type", "flags":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, ui.FormatValue(d[k])))
	}
	return strings.ReplaceAll(strings.Join(parts, "; "), "|", "\\|")
}
