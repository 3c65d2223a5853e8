package admission

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-admission/internal/clock"
	"trade-admission/internal/ledger"
	"trade-admission/internal/pending"
	"trade-admission/internal/snapshot"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

var kst = clock.SessionZone(540)

func at(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, kst)
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{data: map[string][]byte{}}
}

func (m *memSnapshots) Save(_ context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = b
	m.mu.Unlock()
	return nil
}

func (m *memSnapshots) Load(_ context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	b, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

type recordingJournal struct {
	mu        sync.Mutex
	decisions []types.Decision
	fills     []types.FillRecord
	events    []string
}

func (j *recordingJournal) Decision(_ context.Context, d types.Decision) {
	j.mu.Lock()
	j.decisions = append(j.decisions, d)
	j.mu.Unlock()
}

func (j *recordingJournal) Fill(_ context.Context, f types.FillRecord) {
	j.mu.Lock()
	j.fills = append(j.fills, f)
	j.mu.Unlock()
}

func (j *recordingJournal) Event(_ context.Context, name, _ string, _ map[string]any) {
	j.mu.Lock()
	j.events = append(j.events, name)
	j.mu.Unlock()
}

func newTestController(t *testing.T, start time.Time, opts ...Option) (*Controller, *clock.Fake) {
	t.Helper()
	cfg := store.Default()
	cfg.Watchlist = []string{"005930", "000660", "035720", "035420", "051910"}
	clk := clock.NewFake(start)
	c := New(cfg, clk, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, clk
}

func signal(symbol, tag string) types.SignalContext {
	return types.SignalContext{
		Symbol:       symbol,
		StrategyTag:  tag,
		Price:        10000,
		Reference:    10050,
		RecentVolume: 1000,
		AvgVolume:    1000,
		RecentLow:    9990,
		Volatility:   2,
	}
}

func strongSignal(symbol, tag string) types.SignalContext {
	s := signal(symbol, tag)
	s.SqueezeActive = true
	s.BandWidthPercentile = 5
	s.VolumeMultiple = 4
	s.ROCPct = 4
	s.Momentum = 90
	s.Price = 10100
	return s
}

func enterAndExit(t *testing.T, c *Controller, symbol, tag string, kind types.ExitKind, pnl float64, reason string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: symbol, StrategyTag: tag, Price: 10000, Qty: 10}))
	require.NoError(t, c.RecordExit(ctx, types.ExitFill{Symbol: symbol, Kind: kind, Price: 10000 * (1 + pnl/100), Qty: 10, PnLPct: pnl, Reason: reason}))
}

func TestStopLossBlocksRegardlessOfCooldownAndOverride(t *testing.T) {
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0)
	ctx := context.Background()

	enterAndExit(t, c, "005930", "momentum", types.ExitStopLoss, -2.6, "손절 -2.6%")

	sl, ok := c.ledger.StopLoss("005930")
	require.True(t, ok)
	assert.InDelta(t, -2.6, sl.LossPct, 1e-9)

	for _, after := range []time.Duration{time.Minute, 61 * time.Minute, 500 * time.Minute} {
		clk.Set(t0.Add(after))
		for _, tag := range []string{"momentum", "mean_reversion", "vwap_pullback", "confirm_breakout"} {
			d := c.CanEnter(ctx, strongSignal("005930", tag))
			assert.False(t, d.Allowed)
			assert.Equal(t, types.StageStopLoss, d.Stage, "%s at +%s", tag, after)
			assert.False(t, d.Override)
		}
	}
}

func TestTrailingStopCooldownScenario(t *testing.T) {
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0)
	ctx := context.Background()

	enterAndExit(t, c, "000660", "momentum", types.ExitFull, 1.2, "트레일링 스탑")

	clk.Set(t0.Add(10 * time.Minute))
	d := c.CanEnter(ctx, signal("000660", "momentum"))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.StageCooldown, d.Stage)
	assert.Equal(t, "trailing_stop", d.Category)
	assert.False(t, d.Override)

	clk.Set(t0.Add(16 * time.Minute))
	d = c.CanEnter(ctx, signal("000660", "momentum"))
	assert.True(t, d.Allowed, d.Reason)
	assert.False(t, d.Override)
}

func TestRiskOffScenario(t *testing.T) {
	c, clk := newTestController(t, at(2, 9, 30))
	ctx := context.Background()

	noFollow := []struct {
		symbol string
		at     time.Time
	}{
		{"005930", at(2, 10, 10)},
		{"000660", at(2, 12, 12)},
		{"035720", at(2, 12, 50)},
	}
	for i, ev := range noFollow {
		clk.Set(ev.at.Add(-5 * time.Minute))
		require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: ev.symbol, StrategyTag: "momentum", Price: 10000, Qty: 1}))
		clk.Set(ev.at)
		require.NoError(t, c.RecordExit(ctx, types.ExitFill{Symbol: ev.symbol, Kind: types.ExitFull, Price: 9950, Qty: 1, PnLPct: -0.5, Reason: "ef_no_follow"}))

		if i < 2 {
			assert.False(t, c.SensorSnapshot().RiskOffActive)
			d := c.CanEnter(ctx, signal("051910", "momentum"))
			assert.True(t, d.Allowed, d.Reason)
		}
	}

	assert.True(t, c.SensorSnapshot().RiskOffActive)
	for _, now := range []time.Time{at(2, 12, 51), at(2, 15, 10), at(3, 13, 0)} {
		clk.Set(now)
		for _, sym := range []string{"051910", "035420"} {
			d := c.CanEnter(ctx, strongSignal(sym, "momentum"))
			assert.False(t, d.Allowed)
			assert.Equal(t, types.StageRiskOff, d.Stage)
			assert.True(t, strings.HasPrefix(d.Reason, "RISK_OFF"), d.Reason)
		}
	}

	c.Rollover(ctx)
	d := c.CanEnter(ctx, signal("051910", "momentum"))
	assert.True(t, d.Allowed, d.Reason)
}

func TestRiskOffOverridesStopLoss(t *testing.T) {
	c, clk := newTestController(t, at(2, 9, 30))
	ctx := context.Background()

	enterAndExit(t, c, "005930", "momentum", types.ExitStopLoss, -3, "stop loss")
	for i, sym := range []string{"000660", "035720", "035420"} {
		clk.Set(at(2, 10, i))
		enterAndExit(t, c, sym, "momentum", types.ExitFull, -0.4, "EF no follow")
	}
	d := c.CanEnter(ctx, signal("005930", "momentum"))
	assert.Equal(t, types.StageRiskOff, d.Stage)
}

func TestAfternoonBlock(t *testing.T) {
	c, clk := newTestController(t, at(2, 9, 10))
	ctx := context.Background()

	clk.Set(at(2, 9, 40))
	enterAndExit(t, c, "005930", "momentum", types.ExitFull, -0.3, "ef_no_demand")
	clk.Set(at(2, 10, 20))
	enterAndExit(t, c, "000660", "momentum", types.ExitFull, -0.3, "ef_no_follow")
	assert.True(t, c.SensorSnapshot().AfternoonBlockActive)

	clk.Set(at(2, 11, 0))
	assert.True(t, c.CanEnter(ctx, signal("051910", "momentum")).Allowed)

	clk.Set(at(2, 12, 0))
	d := c.CanEnter(ctx, signal("051910", "momentum"))
	assert.Equal(t, types.StageAfternoonBlock, d.Stage)
}

func TestBlockedCategoryVetoesOverride(t *testing.T) {
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0)
	ctx := context.Background()

	enterAndExit(t, c, "000660", "momentum", types.ExitFull, -0.2, "ef_no_demand")
	clk.Set(t0.Add(5 * time.Minute))
	d := c.CanEnter(ctx, strongSignal("000660", "momentum"))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.StageCooldown, d.Stage)
	assert.Equal(t, "ef_no_demand", d.Category)
	assert.False(t, d.Override)
}

func TestOverrideGrantedOnNoFollowCooldown(t *testing.T) {
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0)
	ctx := context.Background()

	enterAndExit(t, c, "000660", "momentum", types.ExitFull, -0.2, "ef_no_follow")
	clk.Set(t0.Add(5 * time.Minute))
	d := c.CanEnter(ctx, strongSignal("000660", "momentum"))
	assert.True(t, d.Allowed, d.Reason)
	assert.True(t, d.Override)
	assert.Equal(t, "ef_no_follow", d.Category)

	r := c.DailyReport()
	assert.Equal(t, 1, r.OverrideCount)
	assert.InDelta(t, 100.0, r.OverrideRatioPct, 1e-9)
	assert.False(t, r.AbuseGuardTripped)
}

func TestOverrideSpentOnlyByAdmittedEntry(t *testing.T) {
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0)
	ctx := context.Background()

	enterAndExit(t, c, "000660", "momentum", types.ExitFull, -0.2, "ef_no_follow")

	// Override-qualified, but the confirmation gate still holds the entry.
	clk.Set(t0.Add(5 * time.Minute))
	s := strongSignal("000660", "confirm_breakout")
	s.ConditionsMet = true
	d := c.CanEnter(ctx, s)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)
	assert.False(t, d.Override)

	clk.Set(t0.Add(6 * time.Minute))
	d = c.CanEnter(ctx, signal("000660", "momentum"))
	assert.Equal(t, types.StageCooldown, d.Stage, "cooldown must survive the unadmitted override")

	st := c.cooldown.Stats()
	assert.Equal(t, 0, st.OverrideCount)
	assert.Equal(t, 1, st.Guard.Blocks)
	assert.Equal(t, 0, st.Guard.Overrides)

	// Second confirmation admits the entry and spends the override.
	d = c.CanEnter(ctx, s)
	require.True(t, d.Allowed, d.Reason)
	assert.True(t, d.Override)
	st = c.cooldown.Stats()
	assert.Equal(t, 1, st.OverrideCount)
	assert.Equal(t, 1, st.Guard.Blocks)
	assert.Equal(t, 1, st.Guard.Overrides)
	_, live := c.cooldown.Entry("000660")
	assert.False(t, live)
}

func TestPullbackSignalKeptForItsOwnTag(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	c.cfg.Pullback.StrategyTags = append(c.cfg.Pullback.StrategyTags, "orb_pullback")
	ctx := context.Background()

	require.NoError(t, c.RegisterPullback(ctx, types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 10000, Reference: 10000}))

	clk.Advance(time.Minute)
	sig := signal("035720", "orb_pullback")
	sig.Reference = 10000
	sig.Price = 9990
	sig.RecentLow = 9900
	d := c.CanEnter(ctx, sig)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)
	assert.Contains(t, d.Reason, "registered for vwap_pullback")
	assert.False(t, c.ledger.IsInvalidated("035720", "vwap_pullback"))

	got, ok := c.pullback.Get("035720")
	require.True(t, ok)
	assert.Equal(t, pending.StateWaitPullback, got.State)
}

func TestPullbackLowBreakScenario(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	req := types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 10000, Reference: 10000}
	require.NoError(t, c.RegisterPullback(ctx, req))

	clk.Advance(time.Minute)
	sig := signal("035720", "vwap_pullback")
	sig.Reference = 10000
	sig.Price = 9990
	sig.RecentLow = 9949
	d := c.CanEnter(ctx, sig)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)
	assert.Contains(t, d.Reason, "LOW_BREAK")
	assert.True(t, c.ledger.IsInvalidated("035720", "vwap_pullback"))

	clk.Advance(time.Minute)
	d = c.CanEnter(ctx, sig)
	assert.Equal(t, types.StageInvalidated, d.Stage)

	err := c.RegisterPullback(ctx, req)
	assert.ErrorIs(t, err, ErrSignalInvalidated)
}

func TestPullbackToEntry(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	require.NoError(t, c.RegisterPullback(ctx, types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 9980, Reference: 10000}))

	tick := func(price, volume float64) types.Decision {
		clk.Advance(time.Minute)
		s := signal("035720", "vwap_pullback")
		s.Reference = 10000
		s.Price = price
		s.RecentLow = 9960
		s.RecentVolume = volume
		return c.CanEnter(ctx, s)
	}

	assert.Equal(t, types.StagePendingNotReady, tick(10010, 1000).Stage)
	assert.Equal(t, types.StagePendingNotReady, tick(9960, 1000).Stage)
	d := tick(10030, 1500)
	require.True(t, d.Allowed, d.Reason)

	require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10030, Qty: 3}))
	sig, ok := c.pullback.Get("035720")
	require.True(t, ok)
	assert.Equal(t, pending.StateInPosition, sig.State)

	// default cap of one entry per tag is checked before the open position
	assert.Equal(t, types.StageDailyCap, tick(10050, 1500).Stage)

	require.NoError(t, c.RecordExit(ctx, types.ExitFill{Symbol: "035720", Kind: types.ExitFull, Price: 10200, Qty: 3, PnLPct: 1.7, Reason: "take profit"}))
	_, ok = c.pullback.Get("035720")
	assert.False(t, ok, "flat position closes the pullback signal")
}

func TestPendingConfirmation(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	s := signal("051910", "confirm_breakout")
	s.ConditionsMet = true
	d := c.CanEnter(ctx, s)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)

	clk.Advance(30 * time.Second)
	d = c.CanEnter(ctx, s)
	assert.True(t, d.Allowed, d.Reason)
}

func TestPendingTimeoutInvalidates(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	s := signal("051910", "confirm_breakout")
	s.ConditionsMet = true
	c.CanEnter(ctx, s)

	clk.Advance(11 * time.Minute)
	d := c.CanEnter(ctx, s)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)
	assert.True(t, c.ledger.IsInvalidated("051910", "confirm_breakout"))

	d = c.CanEnter(ctx, s)
	assert.Equal(t, types.StageInvalidated, d.Stage)
}

func TestDailyCapAndOpenPosition(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: "051910", StrategyTag: "mean_reversion", Price: 100, Qty: 1}))
	assert.Equal(t, types.StageDailyCap, c.CanEnter(ctx, signal("051910", "mean_reversion")).Stage)
	assert.Equal(t, types.StagePositionOpen, c.CanEnter(ctx, signal("051910", "momentum")).Stage)

	err := c.RecordEntry(ctx, types.EntryFill{Symbol: "051910", StrategyTag: "momentum", Price: 100, Qty: 1})
	assert.ErrorIs(t, err, ledger.ErrPositionOpen)

	require.NoError(t, c.RecordExit(ctx, types.ExitFill{Symbol: "051910", Kind: types.ExitFull, Price: 101, Qty: 1, PnLPct: 1, Reason: "target"}))
	clk.Advance(11 * time.Minute)
	d := c.CanEnter(ctx, signal("051910", "momentum"))
	assert.True(t, d.Allowed, d.Reason)
}

func TestInvalidDataFailsClosed(t *testing.T) {
	c, _ := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	assert.False(t, c.CanEnter(ctx, types.SignalContext{StrategyTag: "momentum", Price: 100}).Allowed)
	s := signal("051910", "momentum")
	s.Price = 0
	d := c.CanEnter(ctx, s)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.StagePendingNotReady, d.Stage)

	err := c.RecordExit(ctx, types.ExitFill{Symbol: "051910", Kind: "SELL", Price: 1})
	assert.ErrorIs(t, err, ErrInvalidExit)
}

func TestInvalidateSignal(t *testing.T) {
	c, _ := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	require.NoError(t, c.RegisterPullback(ctx, types.PullbackRequest{Symbol: "035720", StrategyTag: "vwap_pullback", Price: 10000, Low: 9980, Reference: 10000}))
	require.NoError(t, c.InvalidateSignal(ctx, "035720", "vwap_pullback", "manual"))

	d := c.CanEnter(ctx, signal("035720", "vwap_pullback"))
	assert.Equal(t, types.StageInvalidated, d.Stage)
	assert.ErrorIs(t, c.InvalidateSignal(ctx, "035720", "vwap_pullback", "bored"), ErrUnknownReason)
}

func TestDailyReportAndJournal(t *testing.T) {
	j := &recordingJournal{}
	t0 := at(2, 10, 0)
	c, clk := newTestController(t, t0, WithJournal(j))
	ctx := context.Background()

	enterAndExit(t, c, "000660", "momentum", types.ExitFull, 1.2, "trailing stop")
	clk.Set(t0.Add(5 * time.Minute))
	c.CanEnter(ctx, signal("000660", "momentum"))
	c.CanEnter(ctx, signal("051910", "momentum"))
	c.UpdateMaxProfit(ctx, "000660", 2.4)

	r := c.DailyReport()
	assert.Equal(t, "2026-03-02", r.SessionDate)
	assert.Equal(t, 2, r.EntriesAttempted)
	assert.Equal(t, 1, r.EntriesAllowed)
	assert.Equal(t, 1, r.EntriesBlocked)
	assert.Equal(t, 1, r.BlockedByStage[types.StageCooldown])
	assert.Equal(t, 1, r.BlockedByReasonCategory["trailing_stop"])
	assert.Equal(t, 1, r.Symbols["000660"].Entries)
	assert.Equal(t, 1, r.Symbols["000660"].Exits)
	require.NotNil(t, r.Symbols["000660"].MaxProfitPct)
	assert.Equal(t, 2.4, *r.Symbols["000660"].MaxProfitPct)

	assert.Len(t, j.decisions, 2)
	assert.Len(t, j.fills, 2)
	assert.Equal(t, "trailing_stop", j.fills[1].Category)
}

func TestRolloverCarriesOpenPositions(t *testing.T) {
	c, clk := newTestController(t, at(2, 10, 0))
	ctx := context.Background()

	require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: "051910", StrategyTag: "momentum", Price: 100, Qty: 1}))
	enterAndExit(t, c, "005930", "momentum", types.ExitStopLoss, -2, "stop")

	clk.Set(at(3, 8, 50))
	sum := c.Rollover(ctx)
	assert.Equal(t, "2026-03-02", sum.PreviousSession)
	assert.Equal(t, "2026-03-03", sum.NewSession)
	assert.Equal(t, 1, sum.StopLosses)
	assert.Equal(t, 1, sum.CarriedPositions)
	assert.Equal(t, 1, sum.CooldownsCleared)

	clk.Set(at(3, 9, 30))
	assert.True(t, c.CanEnter(ctx, signal("005930", "momentum")).Allowed)
	assert.Equal(t, types.StagePositionOpen, c.CanEnter(ctx, signal("051910", "momentum")).Stage)
	assert.Equal(t, 2, c.DailyReport().EntriesAttempted)
}

func TestRestoreFromSnapshot(t *testing.T) {
	snaps := newMemSnapshots()
	c, clk := newTestController(t, at(2, 10, 0), WithSnapshots(snaps))
	ctx := context.Background()

	enterAndExit(t, c, "005930", "momentum", types.ExitStopLoss, -2.6, "stop loss")
	for i, sym := range []string{"000660", "035720", "035420"} {
		clk.Set(at(2, 11, i))
		enterAndExit(t, c, sym, "momentum", types.ExitFull, -0.4, "ef_no_follow")
	}
	require.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: "051910", StrategyTag: "momentum", Price: 100, Qty: 1}))
	require.NoError(t, c.Flush(ctx))

	restarted, _ := newTestController(t, at(2, 13, 0), WithSnapshots(snaps))
	found, err := restarted.Restore(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, restarted.SensorSnapshot().RiskOffActive)
	assert.True(t, restarted.ledger.HasStopLoss("005930"))

	nextDay, _ := newTestController(t, at(3, 9, 0), WithSnapshots(snaps))
	found, err = nextDay.Restore(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, nextDay.SensorSnapshot().RiskOffActive)
	assert.False(t, nextDay.ledger.HasStopLoss("005930"))
	_, open := nextDay.ledger.OpenPosition("051910")
	assert.True(t, open)
}

func TestConcurrentAdmission(t *testing.T) {
	c, _ := newTestController(t, at(2, 10, 0))
	ctx := context.Background()
	symbols := []string{"005930", "000660", "035720", "035420", "051910"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := symbols[i%len(symbols)]
			c.CanEnter(ctx, signal(sym, "momentum"))
			if i%10 == 0 {
				_ = c.RecordExit(ctx, types.ExitFill{Symbol: sym, Kind: types.ExitFull, Price: 100, Qty: 1, PnLPct: -0.1, Reason: "ef_no_demand"})
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Rollover(ctx)
	}()
	wg.Wait()

	assert.GreaterOrEqual(t, c.DailyReport().EntriesAttempted, 0)
}

func TestSnapshotsFollowLatestState(t *testing.T) {
	snaps := newMemSnapshots()
	c, _ := newTestController(t, at(2, 10, 0), WithSnapshots(snaps))
	ctx := context.Background()
	symbols := []string{"005930", "000660", "035720", "035420", "051910"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c.CanEnter(ctx, signal(sym, "momentum"))
			}
			assert.NoError(t, c.RecordEntry(ctx, types.EntryFill{Symbol: sym, StrategyTag: "momentum", Price: 100, Qty: 1}))
			assert.NoError(t, c.RecordExit(ctx, types.ExitFill{Symbol: sym, Kind: types.ExitFull, Price: 100, Qty: 1, PnLPct: -0.1, Reason: "take profit"}))
		}(sym)
	}
	wg.Wait()
	require.NoError(t, c.Close(ctx))

	var latest, session SessionState
	found, err := snaps.Load(ctx, latestKey, &latest)
	require.NoError(t, err)
	require.True(t, found)
	found, err = snaps.Load(ctx, sessionKey("2026-03-02"), &session)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, latest.Seq, session.Seq)
	assert.Len(t, latest.Cooldown.Entries, len(symbols))
	assert.Equal(t, 100, latest.Stats.Attempted)
	assert.Empty(t, latest.Ledger.Open)

	// Close is idempotent and Flush still writes afterwards.
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Flush(ctx))
	found, err = snaps.Load(ctx, latestKey, &latest)
	require.NoError(t, err)
	require.True(t, found)
	assert.Greater(t, latest.Seq, session.Seq)
}

func TestRestoreFromBadgerStore(t *testing.T) {
	db, err := snapshot.Open(snapshot.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	t0 := at(2, 10, 0)
	c, _ := newTestController(t, t0, WithSnapshots(db))
	enterAndExit(t, c, "000660", "momentum", types.ExitFull, 1.2, "트레일링 스탑")
	require.NoError(t, c.Close(ctx))

	restarted, clk := newTestController(t, t0.Add(10*time.Minute), WithSnapshots(db))
	found, err := restarted.Restore(ctx)
	require.NoError(t, err)
	require.True(t, found)

	d := restarted.CanEnter(ctx, signal("000660", "momentum"))
	assert.Equal(t, types.StageCooldown, d.Stage)
	assert.Equal(t, "trailing_stop", d.Category)

	clk.Set(t0.Add(16 * time.Minute))
	assert.True(t, restarted.CanEnter(ctx, signal("000660", "momentum")).Allowed)
}
