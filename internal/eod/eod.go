// Package eod writes the end-of-day admission report: a per-symbol CSV with a
// TOTAL row and the full report as JSON next to it.
package eod

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

type eodSummarizer struct {
	dir      string
	runAfter store.ClockTime
	loc      *time.Location
}

var csvHeaders = []string{
	"symbol", "attempted", "allowed", "blocked", "overrides",
	"entries", "exits", "stop_loss", "max_profit_pct",
}

// SummarizeDay writes the report for t's session. A session with no
// admission checks and no fills produces no file and an empty path.
func (s *eodSummarizer) SummarizeDay(ctx context.Context, t time.Time, report types.Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if report.EntriesAttempted == 0 && len(report.Symbols) == 0 {
		return "", nil
	}
	day := t.In(s.loc)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	outPath := eodCSVPath(s.dir, day)
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(csvHeaders); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(report.Symbols))
	for k := range report.Symbols {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entries, exits, stopLosses int
	for _, k := range keys {
		r := report.Symbols[k]
		if err := w.Write(symbolRow(k, r)); err != nil {
			return "", err
		}
		entries += r.Entries
		exits += r.Exits
		if r.StopLoss {
			stopLosses++
		}
	}
	if err := w.Write([]string{
		"TOTAL",
		strconv.Itoa(report.EntriesAttempted),
		strconv.Itoa(report.EntriesAllowed),
		strconv.Itoa(report.EntriesBlocked),
		strconv.Itoa(report.OverrideCount),
		strconv.Itoa(entries),
		strconv.Itoa(exits),
		strconv.Itoa(stopLosses),
		"",
	}); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(eodJSONPath(s.dir, day), b, 0o644); err != nil {
		return "", fmt.Errorf("write eod json: %w", err)
	}
	return outPath, nil
}

func symbolRow(symbol string, r types.SymbolStats) []string {
	maxProfit := ""
	if r.MaxProfitPct != nil {
		maxProfit = fmt.Sprintf("%.2f", *r.MaxProfitPct)
	}
	return []string{
		symbol,
		strconv.Itoa(r.Attempted),
		strconv.Itoa(r.Attempted - r.Blocked),
		strconv.Itoa(r.Blocked),
		strconv.Itoa(r.Overrides),
		strconv.Itoa(r.Entries),
		strconv.Itoa(r.Exits),
		strconv.FormatBool(r.StopLoss),
		maxProfit,
	}
}

// ShouldRunNow reports whether now is past the run-after time and today's
// report has not been written yet.
func (s *eodSummarizer) ShouldRunNow(_ context.Context, now time.Time) (bool, string) {
	now = now.In(s.loc)
	outPath := eodCSVPath(s.dir, now)
	if !s.runAfter.Reached(now) {
		return false, outPath
	}
	if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
		return true, outPath
	}
	return false, outPath
}

// ReadSummary loads the JSON report written next to a CSV, used by the
// report command.
func ReadSummary(dir string, day time.Time) (types.Report, error) {
	var r types.Report
	b, err := os.ReadFile(eodJSONPath(dir, day))
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(b, &r)
	return r, err
}

