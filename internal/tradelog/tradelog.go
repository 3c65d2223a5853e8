// Package tradelog is the append-only admission journal: one JSON line per
// decision, fill or lifecycle event, rotated by lumberjack.
package tradelog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"trade-admission/internal/interfaces"
	"trade-admission/internal/store"
	apptrace "trade-admission/internal/trace"
	"trade-admission/internal/types"
)

// Journal writes records through a zap core. Safe for concurrent use.
type Journal struct {
	log    *zap.Logger
	closer io.Closer
}

var _ interfaces.Journal = (*Journal)(nil)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "record",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
}

// New opens the rotating journal file described by cfg.
func New(cfg store.JournalConfig) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("tradelog: journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	j := NewWithWriter(zapcore.AddSync(fileWriter))
	j.closer = fileWriter
	return j, nil
}

// NewWithWriter journals into ws; used by tests and the replay command.
func NewWithWriter(ws zapcore.WriteSyncer) *Journal {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, zapcore.InfoLevel)
	return &Journal{log: zap.New(core)}
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if traceID, spanID, ok := apptrace.GetTraceFields(ctx); ok {
		fields = append(fields, zap.String("trace_id", traceID), zap.String("span_id", spanID))
	}
	return fields
}

func (j *Journal) Decision(ctx context.Context, d types.Decision) {
	fields := []zap.Field{
		zap.String("symbol", d.Symbol),
		zap.String("strategy_tag", d.StrategyTag),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", d.Reason),
		zap.Time("decided_at", d.Time),
	}
	if d.Stage != types.StageNone {
		fields = append(fields, zap.String("stage", string(d.Stage)))
	}
	if d.Category != "" {
		fields = append(fields, zap.String("category", d.Category))
	}
	if d.Override {
		fields = append(fields, zap.Bool("override", true))
	}
	j.log.Info("decision", withTrace(ctx, fields)...)
}

func (j *Journal) Fill(ctx context.Context, f types.FillRecord) {
	fields := []zap.Field{
		zap.String("id", f.ID),
		zap.Time("filled_at", f.Time),
		zap.String("symbol", f.Symbol),
		zap.String("action", f.Action),
		zap.Float64("price", f.Price),
		zap.Int("qty", f.Qty),
	}
	if f.StrategyTag != "" {
		fields = append(fields, zap.String("strategy_tag", f.StrategyTag))
	}
	if f.Reason != "" {
		fields = append(fields, zap.String("reason", f.Reason))
	}
	if f.Category != "" {
		fields = append(fields, zap.String("category", f.Category), zap.Float64("pnl_pct", f.PnLPct))
	}
	j.log.Info("fill", withTrace(ctx, fields)...)
}

func (j *Journal) Event(ctx context.Context, name, symbol string, fields map[string]any) {
	zf := []zap.Field{
		zap.String("event", name),
		zap.String("symbol", symbol),
	}
	if len(fields) > 0 {
		zf = append(zf, zap.Any("fields", fields))
	}
	j.log.Info("event", withTrace(ctx, zf)...)
}

// Close flushes buffered records and closes the file, if any.
func (j *Journal) Close() error {
	_ = j.log.Sync()
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
