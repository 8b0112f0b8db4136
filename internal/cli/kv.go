package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newKVCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Work with keyed values that expire",
		Long: `Stores JSON values under string keys, optionally with a time to live.
Sessions and one-time tokens live here; 'stdb cleanup' drops expired keys.`,
	}
	cmd.AddCommand(newKVSetCmd(app), newKVGetCmd(app), newKVClearCmd(app))
	return cmd
}

func newKVSetCmd(app *App) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "set <key> <json|->",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := readJSONArg(cmd.InOrStdin(), args[1])
			if err != nil {
				return app.handleError(ErrInvalidInput, err, "")
			}
			if ttl < 0 {
				return app.handleErrorMsg(ErrInvalidInput, "--ttl must not be negative", "")
			}
			return app.withEngine(cmd.Context(), func(e *engine) error {
				if err := e.adapter.Set(cmd.Context(), args[0], v, ttl); err != nil {
					return app.handleStorageError(err)
				}
				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"key":         args[0],
						"ttl_seconds": int64(ttl / time.Second),
					}, nil)
					return nil
				}
				if ttl > 0 {
					fmt.Fprintln(app.Out, ui.Successf("Stored %s %s", args[0], ui.Hint("(expires in "+ttl.String()+")")))
				} else {
					fmt.Fprintln(app.Out, ui.Successf("Stored %s", args[0]))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live, e.g. 30m (0 keeps the value)")
	return cmd
}

func newKVGetCmd(app *App) *cobra.Command {
	var take bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				var (
					v   db.Value
					err error
				)
				if take {
					v, err = e.adapter.Take(cmd.Context(), args[0])
				} else {
					v, err = e.adapter.Get(cmd.Context(), args[0])
				}
				if err != nil {
					return app.handleStorageError(err)
				}
				if v == nil {
					return app.handleErrorMsg(ErrKeyNotFound, fmt.Sprintf("key %q not found or expired", args[0]), "")
				}
				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"key":   args[0],
						"value": jsonValue(v),
					}, nil)
					return nil
				}
				fmt.Fprintln(app.Out, ui.FormatValue(v))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&take, "take", false, "Remove the key after reading it")
	return cmd
}

func newKVClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Remove a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				if err := e.adapter.Clear(cmd.Context(), args[0]); err != nil {
					return app.handleStorageError(err)
				}
				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{"key": args[0], "cleared": true}, nil)
					return nil
				}
				fmt.Fprintln(app.Out, ui.Successf("Cleared %s", args[0]))
				return nil
			})
		},
	}
}
