package interfaces

import (
	"context"
	"time"

	"trade-admission/internal/types"
)

// Journal persists every admission decision and fill as an append-only record.
type Journal interface {
	Decision(ctx context.Context, d types.Decision)
	Fill(ctx context.Context, f types.FillRecord)
	Event(ctx context.Context, name, symbol string, fields map[string]any)
}

// AdmissionMetrics receives controller events for export.
type AdmissionMetrics interface {
	ObserveDecision(d types.Decision, took time.Duration)
	ObserveFill(action string)
	ObserveFailureEvent(subtype string)
	SetSensor(st types.SensorState)
	SetOverrideGuard(ratioPct float64, tripped bool)
	ObserveRollover()
}

// SnapshotStore keeps session state across process restarts.
type SnapshotStore interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string, v any) (bool, error)
}
