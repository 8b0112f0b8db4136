// Package cli implements the command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aidanlsb/stellator/internal/config"
	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/schema"
	"github.com/aidanlsb/stellator/internal/ui"
)

// App holds the state shared by every command of one invocation.
type App struct {
	Out io.Writer
	Err io.Writer

	// Log overrides the logger built from configuration.
	Log *zap.Logger

	configPath string
	jsonOutput bool
	verbose    bool
	roleName   string
	userID     int64

	cfg                *config.Config
	resolvedConfigPath string
	log                *zap.Logger
	display            *ui.DisplayContext
}

// NewApp returns an App writing to out and errOut.
func NewApp(out, errOut io.Writer) *App {
	return &App{Out: out, Err: errOut}
}

// errReported is returned after an error was already written as JSON.
var errReported = errors.New("error reported")

// NewRootCmd builds the command tree bound to app.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stdb",
		Short: "Stellator - a scheme-driven object store",
		Long: `Stellator stores typed objects described by schemes: fields, references,
sets, views and files, with per-role access control and delta tracking.

Schemes are defined in a YAML file; objects live in a sqlite database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "completion", "help", "version":
				return nil
			}
			return app.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.log != nil {
				_ = app.log.Sync()
			}
		},
	}
	rootCmd.SetOut(app.Out)
	rootCmd.SetErr(app.Err)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Path to config file")
	flags.BoolVar(&app.jsonOutput, "json", false, "Output in JSON format (for agent/script use)")
	flags.BoolVar(&app.verbose, "verbose", false, "Log engine calls at debug level")
	flags.StringVar(&app.roleName, "role", "admin", "Access role to act as (nobody, authorized, user1-user11, admin, system)")
	flags.Int64Var(&app.userID, "user", 0, "User id stamped into user fields")

	rootCmd.AddCommand(
		newInitCmd(app),
		newConfigCmd(app),
		newSchemeCmd(app),
		newCreateCmd(app),
		newGetCmd(app),
		newUpdateCmd(app),
		newRemoveCmd(app),
		newQueryCmd(app),
		newFieldCmd(app),
		newKVCmd(app),
		newUserCmd(app),
		newCleanupCmd(app),
		newBroadcastCmd(app),
		newDocsCmd(app),
		newVersionCmd(app),
	)
	return rootCmd
}

// Execute runs the CLI against the process streams.
func Execute() error {
	app := NewApp(os.Stdout, os.Stderr)
	err := NewRootCmd(app).ExecuteContext(context.Background())
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintln(os.Stderr, ui.Error(err.Error()))
	}
	return err
}

func (app *App) setup() error {
	app.resolvedConfigPath = config.ResolveConfigPath(app.configPath)
	cfg, err := config.LoadFrom(app.resolvedConfigPath)
	if err != nil {
		return app.handleError(ErrConfigInvalid, err, "Check the config file or run 'stdb init'")
	}
	app.cfg = cfg

	ui.ConfigureTheme(cfg.UI.Accent)
	ui.ConfigureCodeTheme(cfg.UI.CodeTheme)
	app.display = ui.NewDisplayContextFor(app.Out)

	if _, ok := schema.ParseRoleID(app.roleName); !ok {
		return app.handleErrorMsg(ErrInvalidInput, fmt.Sprintf("unknown role %q", app.roleName), "")
	}

	if app.Log != nil {
		app.log = app.Log
		return nil
	}
	log, err := newLogger(cfg.Log.Level, app.verbose, app.Err)
	if err != nil {
		return app.handleError(ErrConfigInvalid, err, "")
	}
	app.log = log
	return nil
}

// role returns the access role selected by --role.
func (app *App) role() db.AccessRoleID {
	id, _ := schema.ParseRoleID(app.roleName)
	return id
}
