package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newFieldCmd(app *App) *cobra.Command {
	var subFields []string
	cmd := &cobra.Command{
		Use:   "field <scheme> <id|alias> <field> [get|count|set|append|clear] [json|-]",
		Short: "Read or change a single field, including sets and views",
		Long: `Works on one field of one object. The action defaults to get.

  get     read the field; sets and views return their objects
  count   count the objects of a set or view
  set     replace the field value
  append  add objects (ids or new objects) to a set
  clear   clear the field, or remove the given ids from a set

Examples:
  stdb field author ann articles
  stdb field author ann published count
  stdb field article 3 tags set '["go", "sqlite"]'
  stdb field author ann articles append '[{"title": "new"}]'
  stdb field author ann articles clear '[4, 5]'`,
		Args: cobra.RangeArgs(3, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "get"
			if len(args) > 3 {
				action = args[3]
			}
			var input db.Value
			if len(args) > 4 {
				v, err := readJSONArg(cmd.InOrStdin(), args[4])
				if err != nil {
					return app.handleError(ErrInvalidInput, err, "")
				}
				input = v
			}
			switch action {
			case "get", "count":
				if len(args) > 4 {
					return app.handleErrorMsg(ErrInvalidInput, fmt.Sprintf("%s takes no value", action), "")
				}
			case "set", "append":
				if len(args) < 5 {
					return app.handleErrorMsg(ErrMissingArgument, fmt.Sprintf("%s needs a JSON value", action), "")
				}
			case "clear":
			default:
				return app.handleErrorMsg(ErrInvalidInput, fmt.Sprintf("unknown field action %q", action),
					"Use one of get, count, set, append, clear")
			}

			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.scheme(e, args[0])
				if err != nil {
					return err
				}
				name := args[2]
				if s.Field(name) == nil {
					return app.handleErrorMsg(ErrFieldNotFound,
						fmt.Sprintf("%s has no field %q", s.Name(), name),
						fmt.Sprintf("Run 'stdb scheme describe %s' to see its fields", s.Name()))
				}

				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()
				oid, err := app.resolveID(ctx, s, tx, args[1])
				if err != nil {
					return err
				}
				w := db.NewWorker(s, tx)

				var value db.Value
				switch action {
				case "get":
					value, err = w.GetField(ctx, oid, name, subFields...)
				case "count":
					value, err = w.CountField(ctx, oid, name)
				case "set":
					value, err = w.SetField(ctx, oid, name, input)
				case "append":
					value, err = w.AppendField(ctx, oid, name, input)
				case "clear":
					var objs []db.Value
					switch t := input.(type) {
					case nil:
					case []interface{}:
						objs = t
					default:
						objs = []db.Value{t}
					}
					value, err = w.ClearField(ctx, oid, name, objs...)
				}
				if err != nil {
					return app.handleStorageError(err)
				}

				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"scheme": s.Name(),
						"id":     oid,
						"field":  name,
						"action": action,
						"value":  jsonValue(value),
					}, nil)
					return nil
				}
				app.printFieldValue(s, oid, name, value)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&subFields, "fields", nil, "Fields returned for referenced objects")
	return cmd
}

func (app *App) printFieldValue(s *db.Scheme, oid int64, name string, value db.Value) {
	label := fmt.Sprintf("%s %s.%s", ui.SchemeName(s.Name()), ui.ObjectID(oid), name)
	switch t := value.(type) {
	case []db.Dict:
		fmt.Fprintln(app.Out, label)
		if f := s.Field(name); f != nil && f.ForeignScheme() != nil {
			app.printResults(f.ForeignScheme(), t)
			return
		}
		app.printResults(s, t)
		return
	case []interface{}:
		objs := make([]db.Dict, 0, len(t))
		for _, it := range t {
			d, ok := it.(db.Dict)
			if !ok {
				break
			}
			objs = append(objs, d)
		}
		if len(objs) == len(t) && len(objs) > 0 {
			app.printFieldValue(s, oid, name, objs)
			return
		}
	}
	fmt.Fprintf(app.Out, "%s = %s\n", label, ui.FormatValue(value))
}
