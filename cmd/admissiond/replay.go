package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trade-admission/internal/admission"
	"trade-admission/internal/clock"
	"trade-admission/internal/logger"
	"trade-admission/internal/store"
	"trade-admission/internal/ta"
	"trade-admission/internal/tradelog"
	"trade-admission/internal/types"
)

// replayScript is a recorded or hand-written session. Config, when present,
// is decoded over the defaults instead of --config.
type replayScript struct {
	Start  string        `yaml:"start"`
	Config yaml.Node     `yaml:"config"`
	Events []replayEvent `yaml:"events"`
}

type replayEvent struct {
	// At is "HH:MM" on the current replay day or "YYYY-MM-DD HH:MM".
	At string `yaml:"at"`
	// After advances the clock relative to the previous event.
	After string `yaml:"after"`
	Type  string `yaml:"type"`

	Signal     *types.SignalContext   `yaml:"signal"`
	Entry      *types.EntryFill       `yaml:"entry"`
	Exit       *types.ExitFill        `yaml:"exit"`
	Pullback   *types.PullbackRequest `yaml:"pullback"`
	Invalidate *invalidateEvent       `yaml:"invalidate"`
	MaxProfit  *maxProfitEvent        `yaml:"max_profit"`
	// Bars, oldest first, fill any indicator the check signal leaves unset.
	Bars []ta.Bar `yaml:"bars"`

	Expect *replayExpect `yaml:"expect"`
}

type invalidateEvent struct {
	Symbol      string `yaml:"symbol"`
	StrategyTag string `yaml:"strategy_tag"`
	Reason      string `yaml:"reason"`
}

type maxProfitEvent struct {
	Symbol        string  `yaml:"symbol"`
	UnrealizedPct float64 `yaml:"unrealized_pct"`
}

type replayExpect struct {
	Allowed  *bool  `yaml:"allowed"`
	Stage    string `yaml:"stage"`
	Category string `yaml:"category"`
	Override *bool  `yaml:"override"`
	// Error is a substring of the expected error; "" expects success.
	Error string `yaml:"error"`
}

type replayResult struct {
	Index    int             `json:"index"`
	Time     time.Time       `json:"time"`
	Type     string          `json:"type"`
	Decision *types.Decision `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
	Mismatch string          `json:"mismatch,omitempty"`
}

type replaySummary struct {
	Events     int          `json:"events"`
	Mismatches int          `json:"mismatches"`
	Report     types.Report `json:"report"`
}

var errReplayMismatch = errors.New("replay: expectations not met")

func replayCmd() *cobra.Command {
	var journalPath string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "replay <script.yaml>",
		Short: "Replay a scripted session against the admission rules",
		Long: `Replay feeds a YAML event script through a controller running on a
simulated clock and prints one JSON line per event followed by the daily
report. Events with an expect block are checked; any mismatch fails the
command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "WARN"
			if verbose {
				level = "DEBUG"
			}
			if err := logger.InitWithWriter(logger.LogConfig{Level: level, Format: "text", DetailedLogging: verbose}, cmd.ErrOrStderr()); err != nil {
				return err
			}

			script, err := loadReplayScript(args[0])
			if err != nil {
				return err
			}
			cfg, err := replayConfig(script)
			if err != nil {
				return err
			}

			var opts []admission.Option
			if journalPath != "" {
				j, err := tradelog.New(store.JournalConfig{Enabled: true, Path: journalPath})
				if err != nil {
					return err
				}
				defer j.Close()
				opts = append(opts, admission.WithJournal(j))
			}

			sum, err := runReplay(cmd.Context(), script, cfg, cmd.OutOrStdout(), opts...)
			if err != nil {
				return err
			}
			if sum.Mismatches > 0 {
				return fmt.Errorf("%w: %d of %d events", errReplayMismatch, sum.Mismatches, sum.Events)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&journalPath, "journal", "", "Also write the admission journal to this file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every component event to stderr")
	return cmd
}

func loadReplayScript(path string) (replayScript, error) {
	var s replayScript
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse replay script %s: %w", path, err)
	}
	if len(s.Events) == 0 {
		return s, fmt.Errorf("replay script %s has no events", path)
	}
	return s, nil
}

// replayConfig prefers the script's embedded config, then --config, then
// the defaults.
func replayConfig(s replayScript) (*store.Config, error) {
	if s.Config.Kind != 0 {
		b, err := yaml.Marshal(&s.Config)
		if err != nil {
			return nil, err
		}
		return store.ParseConfig(b)
	}
	if _, err := os.Stat(configPath); err == nil {
		return store.LoadConfig(configPath)
	}
	return store.Default(), nil
}

func parseStart(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("replay script needs a start time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	return time.ParseInLocation("2006-01-02 15:04", s, loc)
}

// advance moves clk to the event's time. Events without At or After keep the
// current time.
func advance(clk *clock.Fake, ev replayEvent, loc *time.Location) error {
	switch {
	case ev.After != "":
		d, err := time.ParseDuration(ev.After)
		if err != nil {
			return fmt.Errorf("invalid after %q: %w", ev.After, err)
		}
		clk.Advance(d)
	case strings.Contains(ev.At, " "):
		t, err := time.ParseInLocation("2006-01-02 15:04", ev.At, loc)
		if err != nil {
			return fmt.Errorf("invalid at %q: %w", ev.At, err)
		}
		clk.Set(t)
	case ev.At != "":
		ct, err := store.ParseClock(ev.At)
		if err != nil {
			return err
		}
		clk.Set(ct.On(clk.Now()))
	}
	return nil
}

func runReplay(ctx context.Context, s replayScript, cfg *store.Config, out io.Writer, opts ...admission.Option) (replaySummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	loc := cfg.Location()
	start, err := parseStart(s.Start, loc)
	if err != nil {
		return replaySummary{}, err
	}
	clk := clock.NewFake(start)
	c := admission.New(cfg, clk, opts...)
	enc := json.NewEncoder(out)

	var sum replaySummary
	for i, ev := range s.Events {
		if err := advance(clk, ev, loc); err != nil {
			return sum, fmt.Errorf("event %d: %w", i, err)
		}
		res := replayResult{Index: i, Time: clk.Now(), Type: ev.Type}

		var evErr error
		switch ev.Type {
		case "check":
			if ev.Signal == nil {
				return sum, fmt.Errorf("event %d: check needs a signal", i)
			}
			sig := *ev.Signal
			if len(ev.Bars) > 0 {
				ta.Enrich(&sig, ev.Bars, ta.DefaultParams())
			}
			d := c.CanEnter(ctx, sig)
			res.Decision = &d
		case "entry":
			if ev.Entry == nil {
				return sum, fmt.Errorf("event %d: entry needs a fill", i)
			}
			evErr = c.RecordEntry(ctx, *ev.Entry)
		case "exit":
			if ev.Exit == nil {
				return sum, fmt.Errorf("event %d: exit needs a fill", i)
			}
			evErr = c.RecordExit(ctx, *ev.Exit)
		case "pullback":
			if ev.Pullback == nil {
				return sum, fmt.Errorf("event %d: pullback needs a request", i)
			}
			evErr = c.RegisterPullback(ctx, *ev.Pullback)
		case "invalidate":
			if ev.Invalidate == nil {
				return sum, fmt.Errorf("event %d: invalidate needs a target", i)
			}
			evErr = c.InvalidateSignal(ctx, ev.Invalidate.Symbol, ev.Invalidate.StrategyTag, ev.Invalidate.Reason)
		case "max_profit":
			if ev.MaxProfit == nil {
				return sum, fmt.Errorf("event %d: max_profit needs a value", i)
			}
			c.UpdateMaxProfit(ctx, ev.MaxProfit.Symbol, ev.MaxProfit.UnrealizedPct)
		case "rollover":
			c.Rollover(ctx)
		default:
			return sum, fmt.Errorf("event %d: unknown type %q", i, ev.Type)
		}
		if evErr != nil {
			res.Error = evErr.Error()
		}
		if ev.Expect != nil {
			res.Mismatch = ev.Expect.check(res)
			if res.Mismatch != "" {
				sum.Mismatches++
			}
		}
		sum.Events++
		if err := enc.Encode(res); err != nil {
			return sum, err
		}
	}

	sum.Report = c.DailyReport()
	return sum, enc.Encode(sum)
}

func (e replayExpect) check(res replayResult) string {
	var problems []string
	switch {
	case e.Error == "" && res.Error != "":
		problems = append(problems, fmt.Sprintf("unexpected error %q", res.Error))
	case e.Error != "" && !strings.Contains(res.Error, e.Error):
		problems = append(problems, fmt.Sprintf("error %q does not contain %q", res.Error, e.Error))
	}
	if d := res.Decision; d != nil {
		if e.Allowed != nil && d.Allowed != *e.Allowed {
			problems = append(problems, fmt.Sprintf("allowed=%v, want %v (%s)", d.Allowed, *e.Allowed, d.Reason))
		}
		if e.Stage != "" && string(d.Stage) != e.Stage {
			problems = append(problems, fmt.Sprintf("stage=%q, want %q", d.Stage, e.Stage))
		}
		if e.Category != "" && d.Category != e.Category {
			problems = append(problems, fmt.Sprintf("category=%q, want %q", d.Category, e.Category))
		}
		if e.Override != nil && d.Override != *e.Override {
			problems = append(problems, fmt.Sprintf("override=%v, want %v", d.Override, *e.Override))
		}
	}
	return strings.Join(problems, "; ")
}
