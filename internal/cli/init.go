package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/config"
	"github.com/aidanlsb/stellator/internal/schema"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newInitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a database with a default config and scheme file",
		Long: `Creates the configuration, scheme definitions and database.

With a directory argument, stellator.toml is written there; otherwise the
--config path (or the default config location) is used.

Creates:
  - stellator.toml  (engine configuration)
  - schemes.yaml    (scheme definitions)
  - stellator.db    (sqlite database, synced to the schemes)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.resolvedConfigPath
			if len(args) == 1 {
				if err := os.MkdirAll(args[0], 0755); err != nil {
					return app.handleError(ErrFileWriteError, fmt.Errorf("failed to create directory: %w", err), "")
				}
				path = filepath.Join(args[0], config.FileName)
			}

			createdConfig, err := config.CreateDefault(path)
			if err != nil {
				return app.handleError(ErrFileWriteError, err, "")
			}
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return app.handleError(ErrConfigInvalid, err, "")
			}
			app.cfg = cfg
			app.resolvedConfigPath = path

			createdSchemes, err := schema.CreateDefault(cfg.SchemesPath())
			if err != nil {
				return app.handleError(ErrFileWriteError, err, "")
			}

			var names []string
			err = app.withEngine(cmd.Context(), func(e *engine) error {
				for name := range e.adapter.Schemes() {
					names = append(names, name)
				}
				return nil
			})
			if err != nil {
				return err
			}
			sort.Strings(names)

			if app.isJSONOutput() {
				app.outputSuccess(map[string]interface{}{
					"config":          path,
					"config_created":  createdConfig,
					"schemes":         cfg.SchemesPath(),
					"schemes_created": createdSchemes,
					"database":        cfg.DatabasePath(),
					"scheme_names":    names,
				}, &Meta{Count: len(names)})
				return nil
			}

			out := app.Out
			if createdConfig {
				fmt.Fprintln(out, ui.Successf("Created %s (engine configuration)", path))
			} else {
				fmt.Fprintln(out, ui.Bullet(fmt.Sprintf("%s already exists (kept)", path)))
			}
			if createdSchemes {
				fmt.Fprintln(out, ui.Successf("Created %s (scheme definitions)", cfg.SchemesPath()))
			} else {
				fmt.Fprintln(out, ui.Bullet(fmt.Sprintf("%s already exists (kept)", cfg.SchemesPath())))
			}
			fmt.Fprintln(out, ui.Successf("Database ready at %s with %d schemes", cfg.DatabasePath(), len(names)))
			return nil
		},
	}
}
