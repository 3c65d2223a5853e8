package admissionobs

import (
	"context"
	"time"

	"trade-admission/internal/interfaces"
	"trade-admission/internal/logger"
	"trade-admission/internal/trace"
	"trade-admission/internal/types"
)

type observableAdmission struct {
	admission interfaces.Admission
}

var _ interfaces.Admission = (*observableAdmission)(nil)

func Wrap(a interfaces.Admission) interfaces.Admission {
	return &observableAdmission{
		admission: a,
	}
}

func (oa *observableAdmission) CanEnter(ctx context.Context, sig types.SignalContext) types.Decision {
	ctx, span := trace.StartSpan(ctx, "admission.CanEnter", trace.WithSignal(sig.Symbol, sig.StrategyTag))
	defer span.End()

	start := time.Now()
	d := oa.admission.CanEnter(ctx, sig)

	if logger.IsDebugEnabled() {
		logger.Debug(ctx, "Admission check completed",
			"symbol", sig.Symbol,
			"strategy_tag", sig.StrategyTag,
			"allowed", d.Allowed,
			"stage", string(d.Stage),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return d
}

func (oa *observableAdmission) RecordEntry(ctx context.Context, fill types.EntryFill) error {
	ctx, span := trace.StartSpan(ctx, "admission.RecordEntry", trace.WithSignal(fill.Symbol, fill.StrategyTag))
	defer span.End()

	start := time.Now()

	err := oa.admission.RecordEntry(ctx, fill)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Entry fill rejected", err,
			"symbol", fill.Symbol,
			"strategy_tag", fill.StrategyTag,
			"price", fill.Price,
			"qty", fill.Qty,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}

	logger.InfoSkip(ctx, 1, "Entry fill recorded",
		"symbol", fill.Symbol,
		"strategy_tag", fill.StrategyTag,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (oa *observableAdmission) RecordExit(ctx context.Context, fill types.ExitFill) error {
	ctx, span := trace.StartSpan(ctx, "admission.RecordExit", trace.WithSignal(fill.Symbol, ""))
	defer span.End()

	start := time.Now()

	err := oa.admission.RecordExit(ctx, fill)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Exit fill rejected", err,
			"symbol", fill.Symbol,
			"kind", string(fill.Kind),
			"reason", fill.Reason,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}

	logger.InfoSkip(ctx, 1, "Exit fill recorded",
		"symbol", fill.Symbol,
		"kind", string(fill.Kind),
		"pnl_pct", fill.PnLPct,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (oa *observableAdmission) RegisterPullback(ctx context.Context, req types.PullbackRequest) error {
	ctx, span := trace.StartSpan(ctx, "admission.RegisterPullback", trace.WithSignal(req.Symbol, req.StrategyTag))
	defer span.End()

	err := oa.admission.RegisterPullback(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Pullback registration rejected", err,
			"symbol", req.Symbol,
			"strategy_tag", req.StrategyTag,
		)
	}
	return err
}

func (oa *observableAdmission) InvalidateSignal(ctx context.Context, symbol, strategyTag, reason string) error {
	ctx, span := trace.StartSpan(ctx, "admission.InvalidateSignal", trace.WithSignal(symbol, strategyTag))
	defer span.End()

	err := oa.admission.InvalidateSignal(ctx, symbol, strategyTag, reason)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Signal invalidation failed", err,
			"symbol", symbol,
			"strategy_tag", strategyTag,
			"reason", reason,
		)
	}
	return err
}

func (oa *observableAdmission) UpdateMaxProfit(ctx context.Context, symbol string, unrealizedPct float64) float64 {
	return oa.admission.UpdateMaxProfit(ctx, symbol, unrealizedPct)
}

func (oa *observableAdmission) DailyReport() types.Report {
	return oa.admission.DailyReport()
}

func (oa *observableAdmission) SensorSnapshot() types.SensorState {
	return oa.admission.SensorSnapshot()
}

func (oa *observableAdmission) Rollover(ctx context.Context) types.SessionSummary {
	ctx, span := trace.StartSpan(ctx, "admission.Rollover")
	defer span.End()

	start := time.Now()
	logger.InfoSkip(ctx, 1, "Starting session rollover")

	sum := oa.admission.Rollover(ctx)

	logger.InfoSkip(ctx, 1, "Session rollover completed",
		"previous_session", sum.PreviousSession,
		"new_session", sum.NewSession,
		"entries_attempted", sum.Report.EntriesAttempted,
		"entries_blocked", sum.Report.EntriesBlocked,
		"eod_report", sum.EODReportPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sum
}
