package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/config"
)

func configData(path string, exists bool, cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"config_path": path,
		"exists":      exists,
		"database":    cfg.DatabasePath(),
		"kv_path":     cfg.KVFilePath(),
		"files_dir":   cfg.FilesPath(),
		"schemes":     cfg.SchemesPath(),
		"engine": map[string]interface{}{
			"resolver_max_depth":     cfg.Engine.ResolverMaxDepth,
			"password_cost":          cfg.Engine.PasswordCost,
			"object_cache_size":      cfg.Engine.ObjectCacheSize,
			"auto_field_workers":     cfg.Engine.AutoFieldWorkers,
			"internals_storage_time": cfg.Engine.InternalsStorageTime.String(),
		},
		"log": map[string]interface{}{"level": cfg.Log.Level},
		"ui": map[string]interface{}{
			"accent":     strings.TrimSpace(cfg.UI.Accent),
			"code_theme": strings.TrimSpace(cfg.UI.CodeTheme),
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the configuration file",
	}
	cmd.AddCommand(newConfigShowCmd(app), newConfigSetCmd(app))
	return cmd
}

func newConfigShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, statErr := os.Stat(app.resolvedConfigPath)
			exists := statErr == nil
			if app.isJSONOutput() {
				app.outputSuccess(configData(app.resolvedConfigPath, exists, app.cfg), nil)
				return nil
			}

			out := app.Out
			if !exists {
				fmt.Fprintf(out, "Config file does not exist: %s (showing defaults)\n", app.resolvedConfigPath)
			} else {
				fmt.Fprintf(out, "config:   %s\n", app.resolvedConfigPath)
			}
			fmt.Fprintf(out, "database: %s\n", app.cfg.DatabasePath())
			if p := app.cfg.KVFilePath(); p != "" {
				fmt.Fprintf(out, "kv_path:  %s\n", p)
			}
			fmt.Fprintf(out, "files:    %s\n", app.cfg.FilesPath())
			fmt.Fprintf(out, "schemes:  %s\n", app.cfg.SchemesPath())
			fmt.Fprintf(out, "log:      %s\n", app.cfg.Log.Level)
			if v := strings.TrimSpace(app.cfg.UI.Accent); v != "" {
				fmt.Fprintf(out, "ui.accent: %s\n", v)
			}
			if v := strings.TrimSpace(app.cfg.UI.CodeTheme); v != "" {
				fmt.Fprintf(out, "ui.code_theme: %s\n", v)
			}
			return nil
		},
	}
}

func newConfigSetCmd(app *App) *cobra.Command {
	var (
		logLevel  string
		kvPath    string
		filesDir  string
		accent    string
		codeTheme string
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update fields of the configuration file",
		Long: `Writes the given fields to the configuration file, creating it when missing.
The file is rewritten as a whole, so comments are not kept.

Examples:
  stdb config set --log-level debug
  stdb config set --ui-accent "#a78bfa" --ui-code-theme dracula
  stdb config set --kv-path ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *app.cfg
			var changed []string
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
				changed = append(changed, "log.level")
			}
			if flags.Changed("kv-path") {
				cfg.KVPath = strings.TrimSpace(kvPath)
				changed = append(changed, "kv_path")
			}
			if flags.Changed("files-dir") {
				if strings.TrimSpace(filesDir) == "" {
					return app.handleErrorMsg(ErrInvalidInput, "files-dir cannot be empty", "")
				}
				cfg.FilesDir = strings.TrimSpace(filesDir)
				changed = append(changed, "files_dir")
			}
			if flags.Changed("auto-field-workers") {
				cfg.Engine.AutoFieldWorkers = workers
				changed = append(changed, "engine.auto_field_workers")
			}
			if flags.Changed("ui-accent") {
				cfg.UI.Accent = strings.TrimSpace(accent)
				changed = append(changed, "ui.accent")
			}
			if flags.Changed("ui-code-theme") {
				cfg.UI.CodeTheme = strings.TrimSpace(codeTheme)
				changed = append(changed, "ui.code_theme")
			}
			if len(changed) == 0 {
				return app.handleErrorMsg(ErrMissingArgument, "no fields provided",
					"Pass at least one of --log-level, --kv-path, --files-dir, --auto-field-workers, --ui-accent, --ui-code-theme")
			}
			if err := cfg.Validate(); err != nil {
				return app.handleError(ErrInvalidInput, err, "")
			}

			if err := config.SaveTo(app.resolvedConfigPath, &cfg); err != nil {
				return app.handleError(ErrFileWriteError, err, "")
			}
			app.cfg = &cfg

			if app.isJSONOutput() {
				data := configData(app.resolvedConfigPath, true, &cfg)
				data["changed"] = changed
				app.outputSuccess(data, nil)
				return nil
			}
			fmt.Fprintf(app.Out, "Updated config: %s\n", app.resolvedConfigPath)
			fmt.Fprintf(app.Out, "changed: %s\n", strings.Join(changed, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&kvPath, "kv-path", "", "bbolt file for keyed values; empty keeps them in the database")
	cmd.Flags().StringVar(&filesDir, "files-dir", "", "Directory for stored files")
	cmd.Flags().IntVar(&workers, "auto-field-workers", 0, "Workers recomputing auto fields")
	cmd.Flags().StringVar(&accent, "ui-accent", "", "Accent color (ANSI code or #RRGGBB); empty clears it")
	cmd.Flags().StringVar(&codeTheme, "ui-code-theme", "", "Markdown code block theme; empty clears it")
	return cmd
}
