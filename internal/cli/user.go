package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/ui"
)

func newUserCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users of the user scheme",
	}
	cmd.AddCommand(newUserAddCmd(app), newUserLoginCmd(app))
	return cmd
}

func newUserAddCmd(app *App) *cobra.Command {
	var (
		password string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a user with a hashed password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return app.handleErrorMsg(ErrMissingArgument, "--password is required", "")
			}
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.usersScheme(e)
				if err != nil {
					return err
				}
				ctx, tx := app.begin(cmd.Context(), e)
				defer tx.Release()

				u, err := db.CreateUser(ctx, tx, s, args[0], password, admin)
				if err != nil {
					return app.handleStorageError(err)
				}
				if u == nil {
					return app.handleErrorMsg(ErrValidationFailed, fmt.Sprintf("user %q was not created", args[0]), "")
				}
				return app.printUser(u, "Created")
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password for the new user")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	return cmd
}

func newUserLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login <name> <password>",
		Short: "Check a user's password and record the attempt",
		Long: `Authorizes a user by name (or email, when the scheme has an email field).
Every attempt is recorded; repeated failures block the user for a while.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd.Context(), func(e *engine) error {
				s, err := app.usersScheme(e)
				if err != nil {
					return err
				}
				u, err := e.adapter.AuthorizeUser(cmd.Context(), db.NewAuth(s), args[0], args[1])
				if err != nil {
					return app.handleStorageError(err)
				}
				if u == nil {
					return app.handleErrorMsg(ErrAuthFailed, "invalid name or password", "")
				}
				return app.printUser(u, "Authorized")
			})
		},
	}
}

func (app *App) usersScheme(e *engine) (*db.Scheme, error) {
	name := strings.TrimSpace(e.definition.Users)
	if name == "" || e.adapter.Scheme(name) == nil {
		return nil, app.handleErrorMsg(ErrSchemeNotFound, "no user scheme is configured",
			"Set 'users: <scheme>' in the scheme file")
	}
	return e.adapter.Scheme(name), nil
}

func (app *App) printUser(u *db.User, verb string) error {
	if app.isJSONOutput() {
		app.outputSuccess(map[string]interface{}{
			"id":    u.ID(),
			"name":  u.Name(),
			"admin": u.IsAdmin(),
			"role":  u.Role().String(),
		}, nil)
		return nil
	}
	fmt.Fprintln(app.Out, ui.Successf("%s %s %s %s", verb, u.Name(), ui.ObjectID(u.ID()), ui.Hint("("+u.Role().String()+")")))
	return nil
}
