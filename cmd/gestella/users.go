package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
)

func newUsersCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	usersCmd := &cobra.Command{Use: "users", Short: "Inspect and manage subscriptions"}

	usersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg, discardLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.users.List(ctx)
			if err != nil {
				return err
			}
			return printUsers(stdout, users, opts.output)
		},
	})

	usersCmd.AddCommand(&cobra.Command{
		Use:   "set <user-id> <active|inactive>",
		Short: "Set a user's subscription status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := gatekeeper.ParseStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg, discardLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.users.SetSubscription(ctx, args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s: %s\n", args[0], status)
			return nil
		},
	})

	return usersCmd
}

type userView struct {
	ID        string    `json:"user_id"`
	Status    string    `json:"status"`
	LoggedIn  bool      `json:"logged_in"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func printUsers(w io.Writer, users []gatekeeper.User, outputFmt string) error {
	if outputFmt == "json" {
		views := make([]userView, 0, len(users))
		for _, u := range users {
			views = append(views, userView{
				ID:        u.ID,
				Status:    string(u.Status),
				LoggedIn:  u.HasToken,
				CreatedAt: u.CreatedAt.UTC(),
				UpdatedAt: u.UpdatedAt.UTC(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER ID\tSTATUS\tGOOGLE\tUPDATED")
	for _, u := range users {
		google := "-"
		if u.HasToken {
			google = "connected"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Status, google, u.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
