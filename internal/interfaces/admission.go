package interfaces

import (
	"context"

	"trade-admission/internal/types"
)

// Admission gates entry attempts proposed by the strategy layer and records
// confirmed fills back into session state.
type Admission interface {
	CanEnter(ctx context.Context, sig types.SignalContext) types.Decision
	RecordEntry(ctx context.Context, fill types.EntryFill) error
	RecordExit(ctx context.Context, fill types.ExitFill) error
	RegisterPullback(ctx context.Context, req types.PullbackRequest) error
	InvalidateSignal(ctx context.Context, symbol, strategyTag, reason string) error
	UpdateMaxProfit(ctx context.Context, symbol string, unrealizedPct float64) float64
	DailyReport() types.Report
	SensorSnapshot() types.SensorState
	Rollover(ctx context.Context) types.SessionSummary
}
