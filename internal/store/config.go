package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trade-admission/internal/clock"
	"trade-admission/internal/exitreason"
)

// ClockTime is a wall-clock time of day in the session zone, written "HH:MM".
type ClockTime struct {
	Hour   int
	Minute int
}

func MustClock(s string) ClockTime {
	ct, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return ct
}

func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c *ClockTime) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	ct, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = ct
	return nil
}

func (c ClockTime) MarshalYAML() (any, error) {
	return c.String(), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// On returns the instant of c on the calendar day of t, in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// Reached reports whether t's time of day is at or after c.
func (c ClockTime) Reached(t time.Time) bool {
	return t.Hour()*60+t.Minute() >= c.Minutes()
}

type Window struct {
	Start ClockTime `yaml:"start"`
	End   ClockTime `yaml:"end"`
}

// Contains reports whether t's time of day lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.Start.Minutes() && m < w.End.Minutes()
}

type SessionConfig struct {
	UTCOffsetMinutes int       `yaml:"utc_offset_minutes"`
	Close            ClockTime `yaml:"close"`
}

type CooldownConfig struct {
	DefaultMinutes int            `yaml:"default_minutes"`
	ByReason       map[string]int `yaml:"by_reason"`

	resolved map[exitreason.Category]time.Duration
}

type SqueezeOverride struct {
	Enabled                bool    `yaml:"enabled"`
	MaxBandWidthPercentile float64 `yaml:"max_band_width_percentile"`
	MinVolumeMultiple      float64 `yaml:"min_volume_multiple"`
}

type MomentumOverride struct {
	Enabled     bool    `yaml:"enabled"`
	MinROCPct   float64 `yaml:"min_roc_pct"`
	MinMomentum float64 `yaml:"min_momentum"`
}

type CloseOverride struct {
	Enabled        bool    `yaml:"enabled"`
	Window         Window  `yaml:"window"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
}

type AbuseGuardConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MaxRatioPct float64 `yaml:"max_ratio_pct"`
	MinSamples  int     `yaml:"min_samples"`
	Action      string  `yaml:"action"` // "disable" or "flag"
}

const (
	AbuseActionDisable = "disable"
	AbuseActionFlag    = "flag"
)

type OverrideConfig struct {
	Enabled        bool             `yaml:"enabled"`
	BlockedReasons []string         `yaml:"blocked_reasons"`
	Squeeze        SqueezeOverride  `yaml:"squeeze"`
	Momentum       MomentumOverride `yaml:"momentum"`
	Close          CloseOverride    `yaml:"close"`
	AbuseGuard     AbuseGuardConfig `yaml:"abuse_guard"`

	blocked map[exitreason.Category]bool
}

type SensorConfig struct {
	Enabled              bool      `yaml:"enabled"`
	MorningEFLimit       int       `yaml:"morning_ef_limit"`
	MorningCutoff        ClockTime `yaml:"morning_cutoff"`
	RiskOffNoFollowLimit int       `yaml:"risk_off_no_follow_limit"`
}

type VolatilityTimeout struct {
	HighVolPct     float64 `yaml:"high_vol_pct"`
	LowVolPct      float64 `yaml:"low_vol_pct"`
	HighVolMinutes int     `yaml:"high_vol_minutes"`
	LowVolMinutes  int     `yaml:"low_vol_minutes"`
	DefaultMinutes int     `yaml:"default_minutes"`
}

type ReclaimConfig struct {
	AbovePct       float64 `yaml:"above_pct"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
}

type PullbackConfig struct {
	Enabled           bool              `yaml:"enabled"`
	StrategyTags      []string          `yaml:"strategy_tags"`
	BreakPct          float64           `yaml:"break_pct"`
	PullbackPct       float64           `yaml:"pullback_pct"`
	TimeWindow        Window            `yaml:"time_window"`
	VolatilityTimeout VolatilityTimeout `yaml:"volatility_timeout"`
	Reclaim           ReclaimConfig     `yaml:"reclaim"`
}

type PendingConfig struct {
	StrategyTags          []string `yaml:"strategy_tags"`
	RequiredConfirmations int      `yaml:"required_confirmations"`
	TimeoutMinutes        int      `yaml:"timeout_minutes"`
}

type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// RetentionDays expires snapshot keys; 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`
}

// EODConfig controls the end-of-day CSV report. RunAfter is the time of day
// from which the serve loop writes the report if it does not exist yet.
type EODConfig struct {
	Enabled  bool      `yaml:"enabled"`
	Dir      string    `yaml:"dir"`
	RunAfter ClockTime `yaml:"run_after"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	PollSeconds int           `yaml:"poll_seconds"`
	Watchlist   []string      `yaml:"watchlist"`
	Session     SessionConfig `yaml:"session"`

	// PerStrategyDailyEntryCap maps strategy tag to entries allowed per symbol
	// per day. The "default" key applies to unlisted tags.
	PerStrategyDailyEntryCap map[string]int `yaml:"per_strategy_daily_entry_cap"`

	Cooldown     CooldownConfig `yaml:"cooldown"`
	Override     OverrideConfig `yaml:"override"`
	MarketSensor SensorConfig   `yaml:"market_sensor"`
	Pullback     PullbackConfig `yaml:"pullback"`
	Pending      PendingConfig  `yaml:"pending"`
	Journal      JournalConfig  `yaml:"journal"`
	Snapshot     SnapshotConfig `yaml:"snapshot"`
	EOD          EODConfig      `yaml:"eod"`
	Server       ServerConfig   `yaml:"server"`
}

// Default returns the documented defaults. The result is already normalized.
func Default() *Config {
	c := &Config{
		PollSeconds: 30,
		Session: SessionConfig{
			UTCOffsetMinutes: 9 * 60,
			Close:            MustClock("15:30"),
		},
		PerStrategyDailyEntryCap: map[string]int{
			"default":        1,
			"mean_reversion": 1,
			"momentum":       2,
		},
		Cooldown: CooldownConfig{
			DefaultMinutes: 30,
			ByReason: map[string]int{
				string(exitreason.EFNoFollow):   60,
				string(exitreason.EFNoDemand):   60,
				string(exitreason.EarlyFailure): 45,
				string(exitreason.StopLoss):     60,
				string(exitreason.TrailingStop): 15,
				string(exitreason.TimeExit):     20,
				string(exitreason.TakeProfit):   10,
				string(exitreason.PartialExit):  5,
			},
		},
		Override: OverrideConfig{
			Enabled:        true,
			BlockedReasons: []string{string(exitreason.EarlyFailure), string(exitreason.EFNoDemand)},
			Squeeze: SqueezeOverride{
				Enabled:                true,
				MaxBandWidthPercentile: 20,
				MinVolumeMultiple:      2.0,
			},
			Momentum: MomentumOverride{
				Enabled:     true,
				MinROCPct:   1.5,
				MinMomentum: 60,
			},
			Close: CloseOverride{
				Enabled:        true,
				Window:         Window{Start: MustClock("14:30"), End: MustClock("15:20")},
				MinVolumeRatio: 1.5,
			},
			AbuseGuard: AbuseGuardConfig{
				Enabled:     true,
				MaxRatioPct: 50,
				MinSamples:  4,
				Action:      AbuseActionDisable,
			},
		},
		MarketSensor: SensorConfig{
			Enabled:              true,
			MorningEFLimit:       2,
			MorningCutoff:        MustClock("12:00"),
			RiskOffNoFollowLimit: 3,
		},
		Pullback: PullbackConfig{
			Enabled:      true,
			StrategyTags: []string{"vwap_pullback"},
			BreakPct:     -0.5,
			PullbackPct:  0.3,
			TimeWindow:   Window{Start: MustClock("09:30"), End: MustClock("14:30")},
			VolatilityTimeout: VolatilityTimeout{
				HighVolPct:     3.0,
				LowVolPct:      1.0,
				HighVolMinutes: 120,
				LowVolMinutes:  240,
				DefaultMinutes: 180,
			},
			Reclaim: ReclaimConfig{
				AbovePct:       0.2,
				MinVolumeRatio: 1.2,
			},
		},
		Pending: PendingConfig{
			StrategyTags:          []string{"confirm_breakout"},
			RequiredConfirmations: 2,
			TimeoutMinutes:        10,
		},
		Journal: JournalConfig{
			Enabled:    true,
			Path:       "logs/admission.jsonl",
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Snapshot: SnapshotConfig{
			Enabled:       true,
			Dir:           "data/session",
			RetentionDays: 14,
		},
		EOD: EODConfig{
			Enabled:  true,
			Dir:      "logs/eod",
			RunAfter: MustClock("15:40"),
		},
		Server: ServerConfig{
			Addr: ":8089",
		},
	}
	if err := c.Normalize(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return c
}

// Validate rejects configurations that cannot be evaluated safely.
func (c *Config) Validate() error {
	if c.PollSeconds <= 0 {
		return fmt.Errorf("poll_seconds must be positive, got %d", c.PollSeconds)
	}
	if c.Session.UTCOffsetMinutes < -12*60 || c.Session.UTCOffsetMinutes > 14*60 {
		return fmt.Errorf("session.utc_offset_minutes out of range: %d", c.Session.UTCOffsetMinutes)
	}
	if len(c.PerStrategyDailyEntryCap) == 0 {
		return errors.New("per_strategy_daily_entry_cap cannot be empty")
	}
	for tag, n := range c.PerStrategyDailyEntryCap {
		if n < 1 {
			return fmt.Errorf("per_strategy_daily_entry_cap[%s] must be >= 1, got %d", tag, n)
		}
	}
	if c.Cooldown.DefaultMinutes <= 0 {
		return fmt.Errorf("cooldown.default_minutes must be positive, got %d", c.Cooldown.DefaultMinutes)
	}
	for name, mins := range c.Cooldown.ByReason {
		cat, ok := exitreason.Parse(name)
		if !ok {
			return fmt.Errorf("cooldown.by_reason: unknown category '%s'", name)
		}
		// default_minutes is the single source for unclassified exits.
		if cat == exitreason.Default {
			return fmt.Errorf("cooldown.by_reason[%s] is not allowed, set cooldown.default_minutes instead", name)
		}
		if mins < 0 {
			return fmt.Errorf("cooldown.by_reason[%s] must not be negative, got %d", name, mins)
		}
	}
	for _, name := range c.Override.BlockedReasons {
		if _, ok := exitreason.Parse(name); !ok {
			return fmt.Errorf("override.blocked_reasons: unknown category '%s'", name)
		}
	}
	if c.Override.Close.Enabled && c.Override.Close.Window.End.Minutes() <= c.Override.Close.Window.Start.Minutes() {
		return fmt.Errorf("override.close.window end %s must be after start %s", c.Override.Close.Window.End, c.Override.Close.Window.Start)
	}
	ag := c.Override.AbuseGuard
	if ag.Enabled {
		if ag.Action != AbuseActionDisable && ag.Action != AbuseActionFlag {
			return fmt.Errorf("override.abuse_guard.action must be '%s' or '%s', got '%s'", AbuseActionDisable, AbuseActionFlag, ag.Action)
		}
		if ag.MaxRatioPct <= 0 || ag.MaxRatioPct > 100 {
			return fmt.Errorf("override.abuse_guard.max_ratio_pct must be between 0-100, got %.2f", ag.MaxRatioPct)
		}
		if ag.MinSamples < 1 {
			return fmt.Errorf("override.abuse_guard.min_samples must be >= 1, got %d", ag.MinSamples)
		}
	}
	if c.MarketSensor.Enabled {
		if c.MarketSensor.MorningEFLimit < 1 {
			return fmt.Errorf("market_sensor.morning_ef_limit must be >= 1, got %d", c.MarketSensor.MorningEFLimit)
		}
		if c.MarketSensor.RiskOffNoFollowLimit < 1 {
			return fmt.Errorf("market_sensor.risk_off_no_follow_limit must be >= 1, got %d", c.MarketSensor.RiskOffNoFollowLimit)
		}
	}
	pb := c.Pullback
	if pb.Enabled {
		if pb.BreakPct >= 0 {
			return fmt.Errorf("pullback.break_pct must be negative, got %.3f", pb.BreakPct)
		}
		if pb.PullbackPct <= 0 || pb.Reclaim.AbovePct < 0 {
			return errors.New("pullback.pullback_pct must be positive and pullback.reclaim.above_pct non-negative")
		}
		if pb.TimeWindow.End.Minutes() <= pb.TimeWindow.Start.Minutes() {
			return fmt.Errorf("pullback.time_window end %s must be after start %s", pb.TimeWindow.End, pb.TimeWindow.Start)
		}
		vt := pb.VolatilityTimeout
		if vt.HighVolMinutes <= 0 || vt.LowVolMinutes <= 0 || vt.DefaultMinutes <= 0 {
			return errors.New("pullback.volatility_timeout minutes must all be positive")
		}
		if vt.LowVolPct > vt.HighVolPct {
			return fmt.Errorf("pullback.volatility_timeout.low_vol_pct %.2f exceeds high_vol_pct %.2f", vt.LowVolPct, vt.HighVolPct)
		}
	}
	if len(c.Pending.StrategyTags) > 0 {
		if c.Pending.RequiredConfirmations < 1 {
			return fmt.Errorf("pending.required_confirmations must be >= 1, got %d", c.Pending.RequiredConfirmations)
		}
		if c.Pending.TimeoutMinutes <= 0 {
			return fmt.Errorf("pending.timeout_minutes must be positive, got %d", c.Pending.TimeoutMinutes)
		}
	}
	if c.EOD.Enabled && strings.TrimSpace(c.EOD.Dir) == "" {
		return errors.New("eod.dir cannot be empty when eod is enabled")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return errors.New("journal.path cannot be empty when journal is enabled")
	}
	for _, tag := range c.Pending.StrategyTags {
		if c.IsPullbackStrategy(tag) {
			return fmt.Errorf("strategy tag '%s' cannot be both pending and pullback", tag)
		}
	}
	return nil
}

// Normalize validates c and builds the resolved lookup tables. Every known
// category gets a duration: a missing entry falls back to the default, never
// to zero.
func (c *Config) Normalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	def := time.Duration(c.Cooldown.DefaultMinutes) * time.Minute
	c.Cooldown.resolved = make(map[exitreason.Category]time.Duration, len(exitreason.All))
	for _, cat := range exitreason.All {
		c.Cooldown.resolved[cat] = def
	}
	for name, mins := range c.Cooldown.ByReason {
		cat, _ := exitreason.Parse(name)
		c.Cooldown.resolved[cat] = time.Duration(mins) * time.Minute
	}
	c.Override.blocked = make(map[exitreason.Category]bool, len(c.Override.BlockedReasons))
	for _, name := range c.Override.BlockedReasons {
		cat, _ := exitreason.Parse(name)
		c.Override.blocked[cat] = true
	}
	return nil
}

// CooldownFor returns the configured cooldown for a category.
func (c *Config) CooldownFor(cat exitreason.Category) time.Duration {
	if d, ok := c.Cooldown.resolved[cat]; ok {
		return d
	}
	return time.Duration(c.Cooldown.DefaultMinutes) * time.Minute
}

// OverrideBlocked reports whether cat may never be overridden.
func (c *Config) OverrideBlocked(cat exitreason.Category) bool {
	if c.Override.blocked == nil {
		for _, name := range c.Override.BlockedReasons {
			if parsed, ok := exitreason.Parse(name); ok && parsed == cat {
				return true
			}
		}
		return false
	}
	return c.Override.blocked[cat]
}

// DailyCapFor returns the per-symbol daily entry cap for a strategy tag.
func (c *Config) DailyCapFor(tag string) int {
	if n, ok := c.PerStrategyDailyEntryCap[tag]; ok {
		return n
	}
	if n, ok := c.PerStrategyDailyEntryCap["default"]; ok {
		return n
	}
	return 1
}

func (c *Config) IsPullbackStrategy(tag string) bool {
	if !c.Pullback.Enabled {
		return false
	}
	for _, t := range c.Pullback.StrategyTags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *Config) IsPendingStrategy(tag string) bool {
	for _, t := range c.Pending.StrategyTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Location returns the fixed session zone.
func (c *Config) Location() *time.Location {
	return clock.SessionZone(c.Session.UTCOffsetMinutes)
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML over the defaults and normalizes the result.
func ParseConfig(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	if err := c.Normalize(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}
