package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newQueryCmd(app *App) *cobra.Command {
	var (
		fromID  int64
		via     string
		idsOnly bool
		count   bool
	)
	cmd := &cobra.Command{
		Use:   "query <scheme> [json-request|-]",
		Short: "Select objects with a JSON request",
		Long: `Runs a query request against a scheme. The request is a JSON object with
the keys select, order, first, last, limit, offset, fields, include, exclude,
delta and forUpdate. Unknown keys are reported back as extra data.

With --id and --via the query follows a reference field from one object:
the request then applies to the referenced scheme.

Examples:
  stdb query article '{"select": [["published", "eq", true]], "order": ["created", "desc"], "limit": 10}'
  stdb query author '{"fields": ["title"]}' --id 1 --via articles
  stdb query article '{"select": ["published", "eq", false]}' --count`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := db.Dict{}
			if len(args) == 2 {
				input, err := readJSONArg(cmd.InOrStdin(), args[1])
				if err != nil {
					return app.handleError(ErrInvalidInput, err, "")
				}
				d, ok := input.(db.Dict)
				if !ok {
					return app.handleErrorMsg(ErrInvalidInput, "expected a JSON object", "")
				}
				request = d
			}
			if via != "" && fromID == 0 {
				return app.handleErrorMsg(ErrMissingArgument, "--via needs --id", "")
			}

			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()

				ql := e.adapter.NewQueryList(s)
				if via != "" {
					f := s.Field(via)
					if f == nil || f.ForeignScheme() == nil {
						return app.handleErrorMsg(ErrFieldNotFound,
							fmt.Sprintf("%s has no reference field %q", s.Name(), via),
							fmt.Sprintf("Run 'stdb scheme describe %s' to see its fields", s.Name()))
					}
					if !ql.SelectByID(s, fromID) || !ql.SetField(f.ForeignScheme(), f) {
						return app.handleErrorMsg(ErrQueryInvalid, "query chain is too long", "")
					}
				} else if fromID != 0 {
					ql.SelectByID(s, fromID)
				}

				var warnings []Warning
				if err := ql.Apply(request); err != nil {
					for _, it := range unwrapErrors(err) {
						warnings = append(warnings, Warning{Code: WarnQueryPartial, Message: it.Error()})
					}
				}
				if extra := ql.ExtraData(); len(extra) > 0 {
					keys := make([]string, 0, len(extra))
					for k := range extra {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					warnings = append(warnings, Warning{
						Code:    WarnUnknownKeys,
						Message: fmt.Sprintf("ignored request keys: %v", keys),
					})
				}

				target := ql.Scheme()
				start := time.Now()
				switch {
				case count:
					n, err := countQueryList(ctx, tx, ql)
					if err != nil {
						return app.handleStorageError(err)
					}
					meta := &Meta{Count: int(n), QueryTimeMs: time.Since(start).Milliseconds()}
					if app.isJSONOutput() {
						app.outputSuccessWithWarnings(map[string]interface{}{"count": n}, warnings, meta)
						return nil
					}
					app.printWarnings(warnings)
					fmt.Fprintf(app.Out, "%s %s\n", ui.SchemeName(target.Name()), ui.Count(int(n), "object", "objects"))
					return nil

				case idsOnly:
					ids, err := tx.PerformQueryListForIds(ctx, ql, 0)
					if err != nil {
						return app.handleStorageError(err)
					}
					meta := &Meta{Count: len(ids), QueryTimeMs: time.Since(start).Milliseconds()}
					if app.isJSONOutput() {
						if ids == nil {
							ids = []int64{}
						}
						app.outputSuccessWithWarnings(ids, warnings, meta)
						return nil
					}
					app.printWarnings(warnings)
					for _, id := range ids {
						fmt.Fprintln(app.Out, id)
					}
					return nil
				}

				objs, err := tx.PerformQueryList(ctx, ql, 0, ql.TopQuery().IsForUpdate())
				if err != nil {
					return app.handleStorageError(err)
				}
				meta := &Meta{Count: len(objs), QueryTimeMs: time.Since(start).Milliseconds()}
				if app.isJSONOutput() {
					if objs == nil {
						objs = []db.Dict{}
					}
					app.outputSuccessWithWarnings(objs, warnings, meta)
					return nil
				}
				app.printWarnings(warnings)
				app.printResults(target, objs)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&fromID, "id", 0, "Start from the object with this id")
	cmd.Flags().StringVar(&via, "via", "", "Follow this reference field from --id")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "Only return object ids")
	cmd.Flags().BoolVar(&count, "count", false, "Only count matching objects")
	return cmd
}

// countQueryList counts a single-scheme query in the backend; chains are
// counted by their resolved ids.
func countQueryList(ctx context.Context, tx *db.Transaction, ql *db.QueryList) (int64, error) {
	if ql.Size() == 1 {
		return db.NewWorker(ql.Scheme(), tx).Count(ctx, ql.TopQuery())
	}
	ids, err := tx.PerformQueryListForIds(ctx, ql, 0)
	return int64(len(ids)), err
}

func unwrapErrors(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func (app *App) printWarnings(warnings []Warning) {
	for _, w := range warnings {
		fmt.Fprintln(app.Err, ui.Warningf("%s", w.Message))
	}
}

// printResults renders objects as a table with one column per field seen.
func (app *App) printResults(s *db.Scheme, objs []db.Dict) {
	if len(objs) == 0 {
		fmt.Fprintf(app.Out, "No %s objects found.\n", s.Name())
		return
	}

	seen := map[string]bool{}
	var names []string
	for _, obj := range objs {
		for _, k := range objectKeys(obj) {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	tbl := ui.NewResultsTable(app.display, ui.FieldColumns(names))
	for _, obj := range objs {
		cells := []string{fmt.Sprint(db.GetInt(obj, db.OidField))}
		for _, name := range names {
			v, ok := obj[name]
			if !ok {
				cells = append(cells, "")
				continue
			}
			cells = append(cells, ui.FormatValue(v))
		}
		tbl.AddRow(cells...)
	}
	fmt.Fprintln(app.Out, tbl.Render())
	fmt.Fprintln(app.Out, ui.Count(len(objs), "object", "objects"))
}
