package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trade-admission/internal/api"
	"trade-admission/internal/eod"
	"trade-admission/internal/exitreason"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and print the resolved cooldown table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := store.LoadConfig(configPath)
			if err != nil {
				return err
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfigSummary(out io.Writer, cfg *store.Config) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOOLDOWN\tOVERRIDABLE")
	for _, cat := range exitreason.All {
		overridable := "yes"
		if !cfg.Override.Enabled || cfg.OverrideBlocked(cat) {
			overridable = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cat, cfg.CooldownFor(cat), overridable)
	}
	_ = tw.Flush()

	tags := make([]string, 0, len(cfg.PerStrategyDailyEntryCap))
	for tag := range cfg.PerStrategyDailyEntryCap {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	caps := make([]string, 0, len(tags))
	for _, tag := range tags {
		caps = append(caps, fmt.Sprintf("%s=%d", tag, cfg.PerStrategyDailyEntryCap[tag]))
	}
	fmt.Fprintf(out, "\ndaily caps: %s\n", strings.Join(caps, " "))
	fmt.Fprintf(out, "market sensor: enabled=%v morning_limit=%d cutoff=%s risk_off_limit=%d\n",
		cfg.MarketSensor.Enabled, cfg.MarketSensor.MorningEFLimit, cfg.MarketSensor.MorningCutoff, cfg.MarketSensor.RiskOffNoFollowLimit)
	fmt.Fprintf(out, "pullback: enabled=%v tags=%v window=%s-%s\n",
		cfg.Pullback.Enabled, cfg.Pullback.StrategyTags, cfg.Pullback.TimeWindow.Start, cfg.Pullback.TimeWindow.End)
	fmt.Fprintf(out, "pending: tags=%v confirmations=%d timeout=%dm\n",
		cfg.Pending.StrategyTags, cfg.Pending.RequiredConfirmations, cfg.Pending.TimeoutMinutes)
}

func checkCmd() *cobra.Command {
	var signalJSON string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask a running server whether a signal may enter",
		Long:  "Reads a SignalContext as JSON from --signal or stdin and prints the decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if signalJSON != "" {
				raw = []byte(signalJSON)
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = b
			}
			var sig types.SignalContext
			if err := json.Unmarshal(raw, &sig); err != nil {
				return fmt.Errorf("invalid signal JSON: %w", err)
			}

			client := api.NewAdmissionClient(serverURL, api.WithTimeout(10*time.Second))
			d, err := client.Check(cmd.Context(), sig)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVarP(&signalJSON, "signal", "s", "", "SignalContext JSON")
	return cmd
}

func reportCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the daily report from a running server or a written EOD file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				client := api.NewAdmissionClient(serverURL, api.WithTimeout(10*time.Second))
				r, err := client.Report(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			}

			cfg := store.Default()
			if _, err := os.Stat(configPath); err == nil {
				if cfg, err = store.LoadConfig(configPath); err != nil {
					return err
				}
			}
			day, err := time.ParseInLocation("2006-01-02", date, cfg.Location())
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			r, err := eod.ReadSummary(cfg.EOD.Dir, day)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Read the EOD report written for this session date (YYYY-MM-DD)")
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
