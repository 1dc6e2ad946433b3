package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/entitlement"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check and show premium status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state := app.Resolver.CheckStatus(cmd.Context(), app.currentUserID(cmd.Context()))
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newFeaturesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Show which features the user can access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state := app.Resolver.CheckStatus(cmd.Context(), app.currentUserID(cmd.Context()))

			features := entitlement.Features(state.IsPremium)
			names := make([]string, 0, len(features))
			for name := range features {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FEATURE\tTIER\tACCESS")
			for _, name := range names {
				access := "denied"
				if app.Resolver.CanAccessFeature(name) {
					access = "allowed"
				}
				fmt.Fprintf(tw, "%s\tpremium\t%s\n", name, access)
			}
			return tw.Flush()
		},
	}
}

func newCanAccessCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "can-access <feature>",
		Short: "Exit non-zero unless the user can access a feature",
		Long: `Checks premium status and reports whether the named feature is usable.
Features that are not premium are always allowed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			app.Resolver.CheckStatus(cmd.Context(), app.currentUserID(cmd.Context()))

			if !app.Resolver.CanAccessFeature(name) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: denied (premium required)\n", name)
				return fmt.Errorf("%s: %w", name, ErrAccessDenied)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: allowed\n", name)
			return nil
		},
	}
}

func newCheckoutCmd(app *App) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Open Stripe checkout for the premium plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runPayments(cmd, wait, "checkout", app.Resolver.OpenCheckout)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for Enter, then refresh status")
	return cmd
}

func newPortalCmd(app *App) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "portal",
		Short: "Open the Stripe customer portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runPayments(cmd, wait, "the portal", app.Resolver.OpenCustomerPortal)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for Enter, then refresh status")
	return cmd
}

func (a *App) runPayments(cmd *cobra.Command, wait bool, what string, open func(context.Context, string) error) error {
	ctx := cmd.Context()
	userID := a.currentUserID(ctx)
	if userID == "" {
		return errors.New("sign in with --user or SWIFTIE_USER_ID first")
	}

	a.Resolver.CheckStatus(ctx, userID)
	if err := open(ctx, userID); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Press Enter when you are done with %s...\n", what)
	if _, err := bufio.NewReader(a.input()).ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}

	printState(cmd.OutOrStdout(), a.Resolver.Invalidate(ctx))
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the user's subscriptions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := app.currentUserID(cmd.Context())
			if userID == "" {
				return errors.New("sign in with --user or SWIFTIE_USER_ID first")
			}
			if app.History == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Subscription history is not available.")
				return nil
			}

			subs, err := app.History.ListSubscriptions(cmd.Context(), userID, limit)
			if err != nil {
				return fmt.Errorf("list subscriptions: %w", err)
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSTATUS\tPERIOD END\tSUBSCRIPTION")
			for _, sub := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					sub.CreatedAt.Local().Format(time.DateTime),
					sub.Status,
					formatPeriodEnd(sub.CurrentPeriodEnd),
					sub.StripeSubscriptionID,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows to show")
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print premium status changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			states := app.Resolver.Subscribe(ctx)
			done := make(chan error, 1)
			go func() { done <- app.Resolver.Watch(ctx, app.Session) }()

			out := cmd.OutOrStdout()
			for state := range states {
				fmt.Fprintf(out, "%s user=%q premium=%t loading=%s checkout=%t\n",
					time.Now().Format(time.TimeOnly), state.UserID, state.IsPremium, state.Loading, state.CheckoutLoading)
			}

			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func printState(w io.Writer, state entitlement.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	user := state.UserID
	if user == "" {
		user = "(signed out)"
	}
	premium := "no"
	if state.IsPremium {
		premium = "yes"
	}

	fmt.Fprintf(tw, "User:\t%s\n", user)
	fmt.Fprintf(tw, "Premium:\t%s\n", premium)
	if rec := state.Record; rec != nil {
		fmt.Fprintf(tw, "Subscription:\t%s\n", rec.Status)
		label := "Renews:"
		if rec.CancelAtPeriodEnd {
			label = "Ends:"
		}
		fmt.Fprintf(tw, "%s\t%s\n", label, formatPeriodEnd(rec.CurrentPeriodEnd))
	} else if state.UserID != "" {
		fmt.Fprintln(tw, "Subscription:\tnone")
	}
	fmt.Fprintf(tw, "State:\t%s\n", strings.ReplaceAll(state.Loading.String(), "_", " "))
}

func formatPeriodEnd(end *time.Time) string {
	if end == nil {
		return "never"
	}
	return end.Local().Format(time.RFC1123)
}
