package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/ui"
)

func newCleanupCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop expired keys and old login and broadcast records",
		Long: `Removes expired keyed values and login history and broadcasts older than
engine.internals_storage_time. Safe to run from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				var spinner *ui.Spinner
				if !app.isJSONOutput() {
					spinner = ui.NewSpinner(app.display, "Cleaning up sessions")
					spinner.Start()
					defer spinner.Stop()
				}

				if err := e.adapter.MakeSessionsCleanup(cmd.Context()); err != nil {
					return app.handleStorageError(err)
				}

				retention := app.cfg.Engine.InternalsStorageTime.Duration
				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{
						"cleaned":           true,
						"retention_seconds": int64(retention.Seconds()),
					}, nil)
					return nil
				}
				spinner.StopWithMessage(ui.Successf("Cleanup done %s", ui.Hint(fmt.Sprintf("(retention %s)", retention))))
				return nil
			})
		},
	}
}

func newBroadcastCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Queue and drain broadcast messages",
	}
	cmd.AddCommand(newBroadcastSendCmd(app), newBroadcastDrainCmd(app))
	return cmd
}

func newBroadcastSendCmd(app *App) *cobra.Command {
	var exclusive bool
	cmd := &cobra.Command{
		Use:   "send <url> <json|->",
		Short: "Queue a message addressed to a url",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := readJSONArg(cmd.InOrStdin(), args[1])
			if err != nil {
				return app.handleError(ErrInvalidInput, err, "")
			}
			return app.withEngine(cmd.Context(), func(e *engine) error {
				if err := e.adapter.BroadcastURL(cmd.Context(), args[0], v, exclusive); err != nil {
					return app.handleStorageError(err)
				}
				if app.isJSONOutput() {
					app.outputSuccess(map[string]interface{}{"url": args[0], "exclusive": exclusive}, nil)
					return nil
				}
				fmt.Fprintln(app.Out, ui.Successf("Queued broadcast to %s", args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Deliver to a single listener only")
	return cmd
}

func newBroadcastDrainCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Print and remove queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				var messages []string
				err := e.adapter.ProcessBroadcasts(cmd.Context(), func(data []byte) {
					messages = append(messages, string(data))
				})
				if err != nil {
					return app.handleStorageError(err)
				}
				if app.isJSONOutput() {
					if messages == nil {
						messages = []string{}
					}
					app.outputSuccess(messages, &Meta{Count: len(messages)})
					return nil
				}
				for _, m := range messages {
					fmt.Fprintln(app.Out, m)
				}
				fmt.Fprintln(app.Out, ui.Count(len(messages), "message", "messages"))
				return nil
			})
		},
	}
}
