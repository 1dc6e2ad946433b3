package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/account"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/entitlement"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// ErrAccessDenied is returned by can-access when the feature is gated.
var ErrAccessDenied = errors.New("access denied")

// HistoryReader lists a user's subscription rows, newest first.
type HistoryReader interface {
	ListSubscriptions(ctx context.Context, userID string, limit int) ([]models.Subscription, error)
}

// App holds the CLI application dependencies.
type App struct {
	Resolver *entitlement.Resolver
	Session  *account.Session
	History  HistoryReader

	// DefaultUserID is used when --user is not given.
	DefaultUserID string

	// In is read by --wait prompts. Defaults to os.Stdin.
	In io.Reader
}

type rootFlags struct {
	user      string
	anonymous bool
}

// NewRootCommand builds the swiftie command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "swiftie",
		Short: "Swiftie Ranker premium status and billing",
		Long: `swiftie resolves whether a Swiftie Ranker user has premium access
and opens Stripe checkout or the customer portal for them.

The user comes from --user or SWIFTIE_USER_ID. With no user the
session is signed out and every premium feature is denied.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.signIn(flags)
		},
	}

	root.PersistentFlags().StringVarP(&flags.user, "user", "u", "", "user id (default $SWIFTIE_USER_ID)")
	root.PersistentFlags().BoolVar(&flags.anonymous, "anonymous", false, "sign in as an anonymous user")

	root.AddCommand(
		newStatusCmd(app),
		newFeaturesCmd(app),
		newCanAccessCmd(app),
		newCheckoutCmd(app),
		newPortalCmd(app),
		newHistoryCmd(app),
		newWatchCmd(app),
	)
	return root
}

// Execute runs the command tree with ctx and args (without the program
// name). cobra has already printed the error when one is returned.
func Execute(ctx context.Context, app *App, args []string) error {
	root := NewRootCommand(app)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (a *App) signIn(flags *rootFlags) error {
	if a.Session == nil {
		a.Session = account.NewSession()
	}

	userID := flags.user
	if userID == "" {
		userID = a.DefaultUserID
	}

	switch {
	case flags.anonymous:
		if userID == "" {
			userID = "anon-" + uuid.NewString()
		}
		return a.Session.SignInAnonymously(userID)
	case userID == "":
		a.Session.SignOut()
		return nil
	default:
		return a.Session.SignIn(userID)
	}
}

func (a *App) currentUserID(ctx context.Context) string {
	acct, err := a.Session.Current(ctx)
	if err != nil {
		return ""
	}
	return acct.ID
}

func (a *App) input() io.Reader {
	if a.In != nil {
		return a.In
	}
	return os.Stdin
}

// PrintNavigator returns a navigator that prints URLs for the user to open.
func PrintNavigator(w io.Writer) entitlement.Navigator {
	return entitlement.NavigatorFunc(func(_ context.Context, url string) error {
		_, err := fmt.Fprintf(w, "Open this link to continue:\n  %s\n", url)
		return err
	})
}
