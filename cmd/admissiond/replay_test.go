package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"trade-admission/internal/store"
	"trade-admission/internal/ta"
	"trade-admission/internal/types"
)

func TestReplayScripts(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")

	scripts, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, scripts)

	for _, path := range scripts {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := loadReplayScript(path)
			require.NoError(t, err)
			cfg, err := replayConfig(s)
			require.NoError(t, err)

			var out bytes.Buffer
			sum, err := runReplay(context.Background(), s, cfg, &out)
			require.NoError(t, err)
			assert.Equal(t, len(s.Events), sum.Events)
			if !assert.Zero(t, sum.Mismatches) {
				t.Log(out.String())
			}
		})
	}
}

func TestReplayReportsMismatch(t *testing.T) {
	script := `
start: "2026-03-02 09:00"
events:
  - at: "10:00"
    type: check
    signal: {symbol: "005930", strategy_tag: momentum, price: 100}
    expect: {allowed: false, stage: STOP_LOSS}
`
	var s replayScript
	require.NoError(t, yaml.Unmarshal([]byte(script), &s))

	var out bytes.Buffer
	sum, err := runReplay(context.Background(), s, store.Default(), &out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Mismatches)

	sc := bufio.NewScanner(&out)
	require.True(t, sc.Scan())
	var res replayResult
	require.NoError(t, json.Unmarshal(sc.Bytes(), &res))
	assert.Contains(t, res.Mismatch, "allowed=true, want false")
	assert.Contains(t, res.Mismatch, `stage="", want "STOP_LOSS"`)
}

func TestReplayEmbeddedConfig(t *testing.T) {
	script := `
start: "2026-03-02 09:00"
config:
  override:
    enabled: false
events:
  - at: "09:55"
    type: entry
    entry: {symbol: "000660", strategy_tag: momentum, price: 50000, qty: 1}
  - at: "10:00"
    type: exit
    exit: {symbol: "000660", kind: EXIT, price: 49900, qty: 1, pnl_pct: -0.2, reason: ef_no_follow}
  - after: 5m
    type: check
    signal:
      symbol: "000660"
      strategy_tag: momentum
      price: 50500
      reference: 50000
      squeeze_active: true
      band_width_percentile: 5
      volume_multiple: 4
    expect: {allowed: false, stage: COOLDOWN, category: ef_no_follow, override: false}
`
	var s replayScript
	require.NoError(t, yaml.Unmarshal([]byte(script), &s))
	cfg, err := replayConfig(s)
	require.NoError(t, err)
	assert.False(t, cfg.Override.Enabled)

	var out bytes.Buffer
	sum, err := runReplay(context.Background(), s, cfg, &out)
	require.NoError(t, err)
	assert.Zero(t, sum.Mismatches, out.String())
	assert.Equal(t, 1, sum.Report.BlockedByReasonCategory["ef_no_follow"])
	assert.Equal(t, 1, sum.Report.Sensor.EFNoFollow)
}

func TestReplayRejectsBadEvents(t *testing.T) {
	for name, script := range map[string]string{
		"unknown type":  "start: \"2026-03-02 09:00\"\nevents:\n  - type: teleport\n",
		"missing fill":  "start: \"2026-03-02 09:00\"\nevents:\n  - type: entry\n",
		"bad duration":  "start: \"2026-03-02 09:00\"\nevents:\n  - after: soon\n    type: rollover\n",
		"missing start": "events:\n  - type: rollover\n",
	} {
		t.Run(name, func(t *testing.T) {
			var s replayScript
			require.NoError(t, yaml.Unmarshal([]byte(script), &s))
			_, err := runReplay(context.Background(), s, store.Default(), &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestPrintConfigSummary(t *testing.T) {
	var out bytes.Buffer
	printConfigSummary(&out, store.Default())
	assert.Contains(t, out.String(), "trailing_stop")
	assert.Contains(t, out.String(), "15m0s")
	assert.Contains(t, out.String(), "momentum=2")
}

func TestLoadReplayScriptRequiresEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start: \"2026-03-02 09:00\"\n"), 0o644))
	_, err := loadReplayScript(path)
	assert.Error(t, err)
}

func TestReplayBarsFillOverrideIndicators(t *testing.T) {
	var bars []ta.Bar
	for i := 0; i < 80; i++ {
		amp := 500.0
		if i >= 65 {
			amp = 10
		}
		c := 50000 + amp
		if i%2 == 1 {
			c = 50000 - amp
		}
		bars = append(bars, ta.Bar{High: c + 20, Low: c - 20, Close: c, Volume: 1000})
	}
	bars[len(bars)-1].Volume = 3000

	sig := &types.SignalContext{Symbol: "000660", StrategyTag: "momentum", Price: 50100, Reference: 49900}
	s := replayScript{
		Start: "2026-03-02 09:00",
		Events: []replayEvent{
			{At: "09:55", Type: "entry", Entry: &types.EntryFill{Symbol: "000660", StrategyTag: "momentum", Price: 50000, Qty: 1}},
			{At: "10:00", Type: "exit", Exit: &types.ExitFill{Symbol: "000660", Kind: types.ExitFull, Price: 49900, Qty: 1, PnLPct: -0.2, Reason: "ef_no_follow"}},
			{After: "1m", Type: "check", Signal: sig, Expect: &replayExpect{Allowed: boolPtr(false), Stage: string(types.StageCooldown)}},
			{After: "4m", Type: "check", Signal: sig, Bars: bars, Expect: &replayExpect{Allowed: boolPtr(true), Override: boolPtr(true)}},
			// The admitted override spent the cooldown.
			{Type: "check", Signal: sig, Expect: &replayExpect{Allowed: boolPtr(true), Override: boolPtr(false)}},
		},
	}

	var out bytes.Buffer
	sum, err := runReplay(context.Background(), s, store.Default(), &out)
	require.NoError(t, err)
	assert.Zero(t, sum.Mismatches, out.String())
	assert.Equal(t, 1, sum.Report.OverrideCount)
}

func boolPtr(b bool) *bool { return &b }
