package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newCreateCmd(app *App) *cobra.Command {
	var (
		protected bool
		upsert    []string
		ignore    []string
	)
	cmd := &cobra.Command{
		Use:   "create <scheme> <json|->",
		Short: "Create one object, or several from a JSON array",
		Long: `Creates objects from JSON. Pass "-" to read the JSON from stdin.

File fields accept inline payloads: {"content": "base64:...", "type": "image/png"}.

Examples:
  stdb create author '{"name": "Ann", "handle": "ann"}'
  stdb create article '[{"title": "a"}, {"title": "b"}]' --upsert title`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readJSONArg(cmd.InOrStdin(), args[1])
			if err != nil {
				return app.handleError(ErrInvalidInput, err, "")
			}
			var conflicts []db.Conflict
			for _, f := range upsert {
				conflicts = append(conflicts, db.ConflictUpdate(f))
			}
			for _, f := range ignore {
				conflicts = append(conflicts, db.ConflictIgnore(f))
			}
			flags := db.UpdateNone
			if protected {
				flags |= db.UpdateProtected
			}

			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()
				w := db.NewWorker(s, tx)

				switch v := input.(type) {
				case db.Dict:
					obj, err := w.Create(ctx, v, flags, conflicts...)
					if err != nil {
						return app.handleStorageError(err)
					}
					if obj == nil {
						return app.handleErrorMsg(ErrValidationFailed, "object was not created", "")
					}
					return app.printObject(s, obj, "Created")
				case []interface{}:
					objs := make([]db.Dict, len(v))
					for i, it := range v {
						d, ok := it.(db.Dict)
						if !ok {
							return app.handleErrorMsg(ErrInvalidInput, fmt.Sprintf("item %d is not an object", i), "")
						}
						objs[i] = d
					}
					created, err := w.CreateMany(ctx, objs, flags, conflicts...)
					if err != nil {
						return app.handleStorageError(err)
					}
					return app.printCreated(s, created)
				}
				return app.handleErrorMsg(ErrInvalidInput, "expected a JSON object or array", "")
			})
		},
	}
	cmd.Flags().BoolVar(&protected, "protected", false, "Allow writes to read-only fields")
	cmd.Flags().StringSliceVar(&upsert, "upsert", nil, "Update the existing object when this unique field collides")
	cmd.Flags().StringSliceVar(&ignore, "ignore-conflict", nil, "Keep the existing object when this unique field collides")
	return cmd
}

func newGetCmd(app *App) *cobra.Command {
	var (
		fields []string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "get <scheme> <id|alias>",
		Short: "Read one object by id or alias",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()

				flags := db.UpdateNone
				if all {
					flags |= db.GetAll
				}
				obj, err := db.NewWorker(s, tx).Get(ctx, args[1], flags, fields...)
				if err != nil {
					return app.handleStorageError(err)
				}
				if obj == nil {
					return app.notFound(s, args[1])
				}
				return app.printObject(s, obj, "")
			})
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Only return these fields")
	cmd.Flags().BoolVar(&all, "all", false, "Include force-excluded fields")
	return cmd
}

func newUpdateCmd(app *App) *cobra.Command {
	var protected bool
	cmd := &cobra.Command{
		Use:   "update <scheme> <id|alias> <json|->",
		Short: "Patch an object",
		Long: `Applies a JSON patch to an object. Keys set to null clear the field.

Examples:
  stdb update article 3 '{"published": true}'
  stdb update author ann '{"name": "Ann B."}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readJSONArg(cmd.InOrStdin(), args[2])
			if err != nil {
				return app.handleError(ErrInvalidInput, err, "")
			}
			patch, ok := input.(db.Dict)
			if !ok {
				return app.handleErrorMsg(ErrInvalidInput, "expected a JSON object", "")
			}
			flags := db.UpdateNone
			if protected {
				flags |= db.UpdateProtected
			}

			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()

				target, err := app.resolveID(ctx, s, tx, args[1])
				if err != nil {
					return err
				}
				obj, err := db.NewWorker(s, tx).Update(ctx, target, patch, flags)
				if err != nil {
					return app.handleStorageError(err)
				}
				if obj == nil {
					return app.notFound(s, args[1])
				}
				return app.printObject(s, obj, "Updated")
			})
		},
	}
	cmd.Flags().BoolVar(&protected, "protected", false, "Allow writes to read-only fields")
	return cmd
}

func newRemoveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <scheme> <id|alias>",
		Short: "Remove an object, applying the remove policies of its references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()

				target, err := app.resolveID(ctx, s, tx, args[1])
				if err != nil {
					return err
				}
				removed, err := db.NewWorker(s, tx).Remove(ctx, target)
				if err != nil {
					return app.handleStorageError(err)
				}
				if !removed {
					return app.notFound(s, args[1])
				}

				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"scheme":  s.Name(),
						"id":      target,
						"removed": true,
					}, nil)
					return nil
				}
				fmt.Fprintln(app.Out, ui.Successf("Removed %s %s", ui.SchemeName(s.Name()), ui.ObjectID(target)))
				return nil
			})
		},
	}
}

// resolveID turns an id or alias argument into an oid.
func (app *App) resolveID(ctx context.Context, s *db.Scheme, tx *db.Transaction, arg string) (int64, error) {
	if oid, err := strconv.ParseInt(arg, 10, 64); err == nil && oid > 0 {
		return oid, nil
	}
	obj, err := db.NewWorker(s, tx).Get(ctx, arg, db.UpdateNone)
	if err != nil {
		return 0, app.handleStorageError(err)
	}
	if oid := db.GetInt(obj, db.OidField); oid != 0 {
		return oid, nil
	}
	return 0, app.notFound(s, arg)
}

// readJSONArg decodes a command line JSON argument, or stdin for "-".
func readJSONArg(stdin io.Reader, arg string) (db.Value, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("empty JSON input")
	}
	v, err := db.DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

func (app *App) notFound(s *db.Scheme, id string) error {
	return app.handleErrorMsg(ErrObjectNotFound,
		fmt.Sprintf("%s %s not found", s.Name(), id),
		fmt.Sprintf("Run 'stdb query %s {}' to list objects", s.Name()))
}

// printObject shows a single object as JSON or as a field/value table.
func (app *App) printObject(s *db.Scheme, obj db.Dict, verb string) error {
	if app.isJSONOutput() {
		app.outputSuccess(obj, nil)
		return nil
	}

	oid := db.GetInt(obj, db.OidField)
	if verb != "" {
		fmt.Fprintln(app.Out, ui.Successf("%s %s %s", verb, ui.SchemeName(s.Name()), ui.ObjectID(oid)))
	} else {
		fmt.Fprintf(app.Out, "%s %s\n", ui.SchemeName(s.Name()), ui.ObjectID(oid))
	}

	tbl := ui.NewTable("", "")
	for _, k := range objectKeys(obj) {
		tbl.AddRow(ui.Hint(k), ui.FormatValue(obj[k]))
	}
	fmt.Fprint(app.Out, tbl.String())
	return nil
}

func (app *App) printCreated(s *db.Scheme, objs []db.Dict) error {
	var ids []interface{}
	var skipped int
	for _, obj := range objs {
		if obj == nil {
			ids = append(ids, nil)
			skipped++
			continue
		}
		ids = append(ids, db.GetInt(obj, db.OidField))
	}

	if app.isJSONOutput() {
		var warnings []Warning
		if skipped > 0 {
			warnings = append(warnings, Warning{
				Code:    ErrValidationFailed,
				Message: fmt.Sprintf("%d of %d objects failed validation", skipped, len(objs)),
			})
		}
		app.outputSuccessWithWarnings(objs, warnings, &Meta{Count: len(objs) - skipped})
		return nil
	}

	fmt.Fprintln(app.Out, ui.Successf("Created %d %s objects %s",
		len(objs)-skipped, ui.SchemeName(s.Name()), ui.Hint(ui.FormatValue(ids))))
	if skipped > 0 {
		fmt.Fprintln(app.Out, ui.Warningf("%d objects failed validation", skipped))
	}
	return nil
}

// objectKeys lists an object's keys except the oid, sorted.
func objectKeys(obj db.Dict) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k != db.OidField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
