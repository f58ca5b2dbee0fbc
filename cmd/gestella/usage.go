package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/khairulanwarjo/gestella/internal/usage"
)

func newUsageCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var day, by string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost for one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if by != "model" && by != "user" {
				return fmt.Errorf("--by must be model or user, got %q", by)
			}
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			loc := cfg.Persona.TimeLocation()

			when := time.Now().In(loc)
			if day != "" {
				if when, err = time.ParseInLocation(time.DateOnly, day, loc); err != nil {
					return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
				}
			}
			start, end := usage.DayBounds(when, loc)

			st, err := openStores(ctx, cfg, discardLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			total, err := st.usage.Summary(ctx, start, end)
			if err != nil {
				return err
			}
			group := st.usage.SummaryByModel
			if by == "user" {
				group = st.usage.SummaryByUser
			}
			groups, err := group(ctx, start, end)
			if err != nil {
				return err
			}
			return printUsage(stdout, start.Format(time.DateOnly), total, by, groups, opts.output)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to report, YYYY-MM-DD in the persona timezone (default: today)")
	cmd.Flags().StringVar(&by, "by", "model", "break the total down by model or user")
	return cmd
}

type usageLine struct {
	Turns        int     `json:"turns"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func toUsageLine(s *usage.Summary) usageLine {
	return usageLine{
		Turns:        s.TotalTurns,
		Calls:        s.TotalRecords,
		InputTokens:  s.TotalInputTokens,
		OutputTokens: s.TotalOutputTokens,
		CostUSD:      s.TotalCostUSD,
	}
}

func printUsage(w io.Writer, day string, total *usage.Summary, by string, groups map[string]*usage.Summary, outputFmt string) error {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if outputFmt == "json" {
		lines := make(map[string]usageLine, len(groups))
		for _, k := range keys {
			lines[k] = toUsageLine(groups[k])
		}
		out := struct {
			Day     string               `json:"day"`
			Total   usageLine            `json:"total"`
			ByModel map[string]usageLine `json:"by_model,omitempty"`
			ByUser  map[string]usageLine `json:"by_user,omitempty"`
		}{Day: day, Total: toUsageLine(total)}
		if by == "user" {
			out.ByUser = lines
		} else {
			out.ByModel = lines
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Usage for %s\n\n", day)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tTURNS\tCALLS\tINPUT\tOUTPUT\tCOST (USD)\n", strings.ToUpper(by))
	row := func(name string, s *usage.Summary) {
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.4f\n",
			name, s.TotalTurns, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
	}
	for _, k := range keys {
		row(k, groups[k])
	}
	row("total", total)
	return tw.Flush()
}
