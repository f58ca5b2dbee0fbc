package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question (for testing)",
		Long: "Ask boots the agent without Telegram or the gatekeeper and answers one\n" +
			"question. Calendar tools report lost access because no Google login is\n" +
			"attached to the turn.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout carries only the answer.
			logger := configuredLogger(cmd.ErrOrStderr(), cfg)

			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			loop, err := buildAgent(ctx, cfg, st, buildLLMClient(cfg, logger), logger)
			if err != nil {
				return err
			}

			answer := loop.Respond(ctx, "cli-"+userID, userID, strings.Join(args, " "))
			fmt.Fprintln(stdout, answer)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user ID whose memories the question runs against")
	return cmd
}
