package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/buildinfo"
)

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Read()
			if app.isJSONOutput() {
				app.outputSuccess(info, nil)
				return nil
			}
			fmt.Fprintf(app.Out, "stdb %s\n", info.Version)
			fmt.Fprintf(app.Out, "module: %s\n", info.ModulePath)
			if info.Commit != "" {
				fmt.Fprintf(app.Out, "commit: %s\n", info.Commit)
			}
			if info.CommitTime != "" {
				fmt.Fprintf(app.Out, "commit_time: %s\n", info.CommitTime)
			}
			fmt.Fprintf(app.Out, "go: %s\n", info.GoVersion)
			fmt.Fprintf(app.Out, "platform: %s\n", info.Platform)
			fmt.Fprintf(app.Out, "modified: %t\n", info.Modified)
			return nil
		},
	}
}
