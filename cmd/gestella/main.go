// Gestella is a Telegram personal assistant with per-user long-term
// memory, Google Calendar access, and meeting-minutes analysis.
//
// Usage:
//
//	gestella serve                   Run the Telegram bot, ops API and MQTT publisher
//	gestella ask <question>          Ask a single question (for testing)
//	gestella users list              List known users
//	gestella users set <id> <status> Set a subscription (active or inactive)
//	gestella usage [--day YYYY-MM-DD] Show token usage for a day
//	gestella init [dir]              Write a starting config.yaml
//	gestella version                 Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	_ "time/tzdata" // persona timezones work in minimal containers

	"github.com/spf13/cobra"

	"github.com/khairulanwarjo/gestella/internal/buildinfo"
	"github.com/khairulanwarjo/gestella/internal/config"
)

// main only builds the OS environment and hands off to [run], so the
// whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. The command tree is built per call, so
// there is no package-level flag state and tests may call run
// concurrently.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "gestella",
		Short:         "Gestella - Telegram personal assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			return nil
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(opts, stdout),
		newAskCmd(opts, stdout),
		newUsersCmd(opts, stdout),
		newUsageCmd(opts, stdout),
		newInitCmd(stdout),
		newVersionCmd(opts, stdout),
	)

	return root.ExecuteContext(ctx)
}

func newVersionCmd(opts *globalOptions, w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runVersion(w, opts.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, row := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"git_branch", info.GitBranch},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"platform", info.Platform},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", row[0]+":", row[1])
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" selects text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// discardLogger is used by short admin commands whose output is the
// result itself.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// configuredLogger returns a logger at the level and format the config
// asks for. Validate has already checked the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration. An explicit
// path must exist; otherwise [config.FindConfig] searches the default
// locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
