package eod

import (
	"context"
	"path/filepath"
	"time"

	"trade-admission/internal/clock"
	"trade-admission/internal/interfaces"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

var defaultSummarizer interfaces.EodSummarizer = &eodSummarizer{
	dir:      filepath.Join(logDir(), "eod"),
	runAfter: store.MustClock("15:40"),
	loc:      clock.SessionZone(9 * 60),
}

// SetDefaultSummarizer replaces the package-level summarizer, e.g. with one
// wrapped for observability.
func SetDefaultSummarizer(summarizer interfaces.EodSummarizer) {
	defaultSummarizer = summarizer
}

// NewSummarizer builds a summarizer writing into cfg.Dir. An empty Dir uses
// $ADMISSION_LOG_DIR/eod (default logs/eod).
func NewSummarizer(cfg store.EODConfig, loc *time.Location) interfaces.EodSummarizer {
	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(logDir(), "eod")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &eodSummarizer{dir: dir, runAfter: cfg.RunAfter, loc: loc}
}

func SummarizeDay(ctx context.Context, t time.Time, report types.Report) (string, error) {
	return defaultSummarizer.SummarizeDay(ctx, t, report)
}

func ShouldRunNow(ctx context.Context, now time.Time) (bool, string) {
	return defaultSummarizer.ShouldRunNow(ctx, now)
}
