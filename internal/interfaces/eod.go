package interfaces

import (
	"context"
	"time"

	"trade-admission/internal/types"
)

type EodSummarizer interface {
	SummarizeDay(ctx context.Context, t time.Time, report types.Report) (csvPath string, err error)
	ShouldRunNow(ctx context.Context, now time.Time) (shouldRun bool, csvPath string)
}
