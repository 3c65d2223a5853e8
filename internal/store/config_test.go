package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-admission/internal/exitreason"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30, cfg.PollSeconds)
	assert.Equal(t, 15*time.Minute, cfg.CooldownFor(exitreason.TrailingStop))
	assert.Equal(t, 30*time.Minute, cfg.CooldownFor(exitreason.Default))
	assert.True(t, cfg.OverrideBlocked(exitreason.EarlyFailure))
	assert.True(t, cfg.OverrideBlocked(exitreason.EFNoDemand))
	assert.False(t, cfg.OverrideBlocked(exitreason.EFNoFollow))
	assert.Equal(t, 2, cfg.DailyCapFor("momentum"))
	assert.Equal(t, 1, cfg.DailyCapFor("unknown_strategy"))
	assert.True(t, cfg.IsPullbackStrategy("vwap_pullback"))
	assert.True(t, cfg.IsPendingStrategy("confirm_breakout"))
}

func TestParseConfigMissingCategoryFallsBackToDefault(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
cooldown:
  default_minutes: 25
  by_reason:
    trailing_stop: 15
`))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.CooldownFor(exitreason.TrailingStop))
	// Keys from the defaults merge with the file.
	assert.Equal(t, 60*time.Minute, cfg.CooldownFor(exitreason.EFNoFollow))
	assert.Equal(t, 25*time.Minute, cfg.CooldownFor(exitreason.Default))
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown cooldown category", yaml: "cooldown:\n  by_reason:\n    stoploss_typo: 10\n"},
		{name: "unknown blocked reason", yaml: "override:\n  blocked_reasons: [nope]\n"},
		{name: "zero default cooldown", yaml: "cooldown:\n  default_minutes: 0\n"},
		{name: "default in by_reason", yaml: "cooldown:\n  default_minutes: 30\n  by_reason:\n    default: 45\n"},
		{name: "bad abuse action", yaml: "override:\n  abuse_guard:\n    action: ignore\n"},
		{name: "bad clock", yaml: "market_sensor:\n  morning_cutoff: \"25:99\"\n"},
		{name: "positive break pct", yaml: "pullback:\n  break_pct: 0.5\n"},
		{name: "inverted window", yaml: "pullback:\n  time_window:\n    start: \"14:00\"\n    end: \"09:00\"\n"},
		{name: "unknown key", yaml: "cooldwn:\n  default_minutes: 5\n"},
		{name: "zero cap", yaml: "per_strategy_daily_entry_cap:\n  momentum: 0\n"},
		{name: "tag in both machines", yaml: "pending:\n  strategy_tags: [vwap_pullback]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_seconds: 20
watchlist: ["005930", "000660"]
market_sensor:
  morning_cutoff: "11:30"
  risk_off_no_follow_limit: 4
override:
  abuse_guard:
    action: flag
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.PollSeconds)
	assert.Equal(t, []string{"005930", "000660"}, cfg.Watchlist)
	assert.Equal(t, ClockTime{Hour: 11, Minute: 30}, cfg.MarketSensor.MorningCutoff)
	assert.Equal(t, 4, cfg.MarketSensor.RiskOffNoFollowLimit)
	assert.Equal(t, AbuseActionFlag, cfg.Override.AbuseGuard.Action)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWindowContains(t *testing.T) {
	loc := Default().Location()
	w := Window{Start: MustClock("09:30"), End: MustClock("14:30")}

	assert.False(t, w.Contains(time.Date(2024, 3, 4, 9, 29, 0, 0, loc)))
	assert.True(t, w.Contains(time.Date(2024, 3, 4, 9, 30, 0, 0, loc)))
	assert.True(t, w.Contains(time.Date(2024, 3, 4, 14, 29, 59, 0, loc)))
	assert.False(t, w.Contains(time.Date(2024, 3, 4, 14, 30, 0, 0, loc)))
}
