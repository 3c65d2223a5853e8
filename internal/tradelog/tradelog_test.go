package tradelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

func decode(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		m := map[string]any{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestJournalRecords(t *testing.T) {
	var buf bytes.Buffer
	j := NewWithWriter(zapcore.AddSync(&buf))
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	j.Decision(ctx, types.Decision{Symbol: "000660", StrategyTag: "momentum", Stage: types.StageCooldown, Category: "trailing_stop", Reason: "cooldown", Time: now})
	j.Decision(ctx, types.Decision{Symbol: "005930", StrategyTag: "momentum", Allowed: true, Override: true, Reason: "ok (cooldown override)", Time: now})
	j.Fill(ctx, types.FillRecord{ID: "f-1", Time: now, Symbol: "005930", Action: "STOP_LOSS", Price: 9740, Qty: 10, Reason: "손절", Category: "stop_loss", PnLPct: -2.6})
	j.Event(ctx, "session_rollover", "*", map[string]any{"new_session": "2026-03-03"})
	require.NoError(t, j.Close())

	recs := decode(t, buf.Bytes())
	require.Len(t, recs, 4)

	assert.Equal(t, "decision", recs[0]["record"])
	assert.Equal(t, "COOLDOWN", recs[0]["stage"])
	assert.Equal(t, "trailing_stop", recs[0]["category"])
	assert.Equal(t, false, recs[0]["allowed"])
	assert.NotContains(t, recs[0], "override")

	assert.Equal(t, true, recs[1]["override"])
	assert.NotContains(t, recs[1], "stage")

	assert.Equal(t, "fill", recs[2]["record"])
	assert.Equal(t, "STOP_LOSS", recs[2]["action"])
	assert.Equal(t, -2.6, recs[2]["pnl_pct"])
	assert.Equal(t, "손절", recs[2]["reason"])

	assert.Equal(t, "event", recs[3]["record"])
	assert.Equal(t, "session_rollover", recs[3]["event"])
	assert.Equal(t, map[string]any{"new_session": "2026-03-03"}, recs[3]["fields"])
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "admission.jsonl")
	j, err := New(store.JournalConfig{Enabled: true, Path: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	j.Event(context.Background(), "pullback_registered", "035720", nil)
	require.NoError(t, j.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	recs := decode(t, b)
	require.Len(t, recs, 1)
	assert.Equal(t, "035720", recs[0]["symbol"])
	assert.NotContains(t, recs[0], "fields")
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New(store.JournalConfig{Enabled: true})
	assert.Error(t, err)
}
