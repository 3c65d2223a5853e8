package eodobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"trade-admission/internal/interfaces"
	"trade-admission/internal/logger"
	"trade-admission/internal/trace"
	"trade-admission/internal/types"
)

type observableEodSummarizer struct {
	summarizer interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableEodSummarizer)(nil)

func Wrap(summarizer interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableEodSummarizer{
		summarizer: summarizer,
	}
}

func (oes *observableEodSummarizer) SummarizeDay(ctx context.Context, t time.Time, report types.Report) (string, error) {
	date := t.Format("2006-01-02")
	ctx, span := trace.StartSpan(ctx, "eod.SummarizeDay", oteltrace.WithAttributes(
		attribute.String("eod.date", date),
		attribute.Int("eod.symbols", len(report.Symbols)),
	))
	defer span.End()

	start := time.Now()
	csvPath, err := oes.summarizer.SummarizeDay(ctx, t, report)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "EOD report failed", err, "date", date)
		return "", err
	}

	if csvPath == "" {
		logger.InfoSkip(ctx, 1, "No admission activity, EOD report skipped", "date", date)
		return "", nil
	}

	logger.InfoSkip(ctx, 1, "EOD report written",
		"date", date,
		"csv_path", csvPath,
		"entries_attempted", report.EntriesAttempted,
		"entries_blocked", report.EntriesBlocked,
		"overrides", report.OverrideCount,
		"risk_off", report.Sensor.RiskOffActive,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return csvPath, nil
}

// ShouldRunNow is polled every tick, so it only logs at debug level.
func (oes *observableEodSummarizer) ShouldRunNow(ctx context.Context, now time.Time) (bool, string) {
	shouldRun, csvPath := oes.summarizer.ShouldRunNow(ctx, now)
	if shouldRun {
		logger.DebugSkip(ctx, 1, "EOD report due", "csv_path", csvPath)
	}
	return shouldRun, csvPath
}
