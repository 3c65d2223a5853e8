// Package admission composes the ledger, cooldown engine, market sensor and
// confirmation gates into the single entry-admission decision.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trade-admission/internal/clock"
	"trade-admission/internal/cooldown"
	"trade-admission/internal/exitreason"
	"trade-admission/internal/interfaces"
	"trade-admission/internal/ledger"
	"trade-admission/internal/logger"
	"trade-admission/internal/pending"
	"trade-admission/internal/sensor"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

var (
	ErrInvalidExit       = errors.New("admission: invalid exit fill")
	ErrPullbackDisabled  = errors.New("admission: pullback signals disabled")
	ErrSignalInvalidated = errors.New("admission: signal already invalidated this session")
	ErrUnknownReason     = errors.New("admission: unknown invalidation reason")
)

// Controller is the session context that owns every admission component.
// CanEnter and fill recording share the session lock; Rollover takes it
// exclusively.
type Controller struct {
	session sync.RWMutex

	cfg   *store.Config
	clock clock.Clock

	ledger   *ledger.Ledger
	cooldown *cooldown.Engine
	sensor   *sensor.Sensor
	pending  *pending.Tracker
	pullback *pending.PullbackTracker
	stats    *sessionStats

	journal   interfaces.Journal
	metrics   interfaces.AdmissionMetrics
	snapshots interfaces.SnapshotStore
	writer    *snapshotWriter
	eod       interfaces.EodSummarizer
}

var _ interfaces.Admission = (*Controller)(nil)

type Option func(*Controller)

func WithJournal(j interfaces.Journal) Option {
	return func(c *Controller) { c.journal = j }
}

func WithMetrics(m interfaces.AdmissionMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithSnapshots(s interfaces.SnapshotStore) Option {
	return func(c *Controller) { c.snapshots = s }
}

func WithEOD(e interfaces.EodSummarizer) Option {
	return func(c *Controller) { c.eod = e }
}

func New(cfg *store.Config, clk clock.Clock, opts ...Option) *Controller {
	size := len(cfg.Watchlist)
	c := &Controller{
		cfg:      cfg,
		clock:    clk,
		ledger:   ledger.New(clk, cfg.DailyCapFor, size),
		cooldown: cooldown.New(cfg, clk),
		sensor:   sensor.New(cfg.MarketSensor),
		pending:  pending.NewTracker(cfg.Pending, clk, size),
		pullback: pending.NewPullbackTracker(cfg.Pullback, clk, size),
		stats:    newSessionStats(size),
	}
	for _, o := range opts {
		o(c)
	}
	if c.snapshots != nil {
		c.writer = newSnapshotWriter()
		go c.runSnapshotWriter()
	}
	return c
}

// CanEnter runs the admission stages in order and stops at the first block:
// market sensor, ledger, cooldown (with override), then pending/pullback.
func (c *Controller) CanEnter(ctx context.Context, sig types.SignalContext) types.Decision {
	start := time.Now()

	c.session.RLock()
	d, mutated := c.evaluate(ctx, sig)
	if mutated {
		c.persist(ctx)
	}
	c.session.RUnlock()

	c.stats.recordDecision(d)
	logger.Admission(ctx, d.Symbol, d.StrategyTag, d.Allowed, string(d.Stage), d.Reason,
		"category", d.Category,
		"override", d.Override,
	)
	if c.journal != nil {
		c.journal.Decision(ctx, d)
	}
	if c.metrics != nil {
		c.metrics.ObserveDecision(d, time.Since(start))
		if d.Stage == types.StageCooldown || d.Override {
			g := c.cooldown.Stats().Guard
			c.metrics.SetOverrideGuard(g.RatioPct, g.Tripped)
		}
	}
	return d
}

func (c *Controller) evaluate(ctx context.Context, sig types.SignalContext) (types.Decision, bool) {
	now := c.clock.Now()
	d := types.Decision{
		Symbol:      sig.Symbol,
		StrategyTag: sig.StrategyTag,
		Time:        now,
	}
	block := func(stage types.Stage, reason string) types.Decision {
		d.Allowed = false
		d.Stage = stage
		d.Reason = reason
		return d
	}

	if sig.Symbol == "" {
		return block(types.StagePendingNotReady, "invalid signal: empty symbol"), false
	}

	if ok, reason := c.sensor.CanEnterNow(now); !ok {
		if strings.HasPrefix(reason, string(types.StageRiskOff)) {
			return block(types.StageRiskOff, reason), false
		}
		return block(types.StageAfternoonBlock, reason), false
	}

	if ok, br, reason := c.ledger.CanEnter(sig.Symbol, sig.StrategyTag, ledger.AllChecks); !ok {
		return block(ledgerStage(br), reason), false
	}

	if !types.Positive(sig.Price) {
		return block(types.StagePendingNotReady, fmt.Sprintf("invalid signal: price %v", sig.Price)), false
	}

	mutated := false
	cd := c.cooldown.Evaluate(sig)
	if cd.Blocked {
		d.Category = string(cd.Entry.Category)
		if !cd.Override {
			c.cooldown.NoteBlock(ctx, cd.Entry)
			return block(types.StageCooldown, cooldownReason(cd)), true
		}
	}

	switch {
	case c.cfg.IsPullbackStrategy(sig.StrategyTag):
		mutated = true
		ev := c.pullback.Evaluate(ctx, sig.Symbol, pending.ObservationFrom(sig))
		if ev.Invalidated {
			c.recordInvalidation(ctx, ev.Signal.Symbol, ev.Signal.StrategyTag, ev.Signal.InvalidReason, ev.Signal.SignalPrice, ev.Signal.InvalidationPrice)
		}
		if !ev.Ready {
			return block(types.StagePendingNotReady, ev.Reason), mutated
		}
	case c.cfg.IsPendingStrategy(sig.StrategyTag):
		mutated = true
		res := c.pending.Observe(sig.Symbol, sig.StrategyTag, sig.Price, sig.ConditionsMet)
		if res.Expired {
			c.recordInvalidation(ctx, sig.Symbol, sig.StrategyTag, ledger.InvalidTimeExpired, res.Entry.SignalPrice, sig.Price)
		}
		if !res.Ready {
			return block(types.StagePendingNotReady, res.Reason), mutated
		}
	}

	// The override is spent only by an entry that clears every stage.
	if cd.Blocked {
		if !c.cooldown.ConsumeOverride(ctx, cd.Entry) {
			cd.OverrideReason = "override withdrawn: cooldown changed or abuse guard tripped"
			return block(types.StageCooldown, cooldownReason(cd)), true
		}
		d.Override = true
		mutated = true
		logger.Info(ctx, "Cooldown override granted",
			"symbol", sig.Symbol,
			"category", d.Category,
			"reason", cd.OverrideReason,
		)
	}

	d.Allowed = true
	d.Stage = types.StageNone
	if d.Override {
		d.Reason = "ok (cooldown override)"
	} else {
		d.Reason = "ok"
	}
	return d, mutated
}

func cooldownReason(cd cooldown.Result) string {
	return fmt.Sprintf("cooldown %s: %.1f of %.0f min remaining (%s)",
		cd.Entry.Category, cd.RemainingMinutes(), cd.Required.Minutes(), cd.OverrideReason)
}

func ledgerStage(br ledger.BlockReason) types.Stage {
	switch br {
	case ledger.BlockStopLoss:
		return types.StageStopLoss
	case ledger.BlockInvalidated:
		return types.StageInvalidated
	case ledger.BlockDailyCap:
		return types.StageDailyCap
	default:
		return types.StagePositionOpen
	}
}

func (c *Controller) recordInvalidation(ctx context.Context, symbol, tag string, reason ledger.InvalidationReason, signalPrice, price float64) {
	inv := c.ledger.RecordInvalidated(symbol, tag, reason, signalPrice, price)
	logger.Risk(ctx, symbol, "SIGNAL_INVALIDATED",
		"strategy_tag", tag,
		"reason", string(inv.Reason),
		"signal_price", inv.SignalPrice,
		"invalidation_price", inv.InvalidationPrice,
	)
	if c.journal != nil {
		c.journal.Event(ctx, "signal_invalidated", symbol, map[string]any{
			"strategy_tag":       tag,
			"reason":             string(inv.Reason),
			"signal_price":       inv.SignalPrice,
			"invalidation_price": inv.InvalidationPrice,
		})
	}
}

// RecordEntry writes a confirmed entry into the ledger and moves a matching
// pullback signal into IN_POSITION.
func (c *Controller) RecordEntry(ctx context.Context, fill types.EntryFill) error {
	c.session.RLock()
	defer c.session.RUnlock()

	ev, err := c.ledger.RecordTrade(ledger.Fill{
		Symbol:      fill.Symbol,
		Action:      ledger.ActionEnter,
		Price:       fill.Price,
		Qty:         fill.Qty,
		StrategyTag: fill.StrategyTag,
		Reason:      fill.Reason,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPositionOpen) {
			logger.Risk(ctx, fill.Symbol, "DUPLICATE_ENTRY", "strategy_tag", fill.StrategyTag, "price", fill.Price)
		}
		return err
	}

	if c.cfg.IsPullbackStrategy(fill.StrategyTag) {
		if err := c.pullback.MarkEntered(ctx, fill.Symbol); err != nil && !errors.Is(err, pending.ErrNoSignal) {
			logger.Warn(ctx, "Entry recorded for pullback signal that was not ready", "symbol", fill.Symbol, "error", err)
		}
	}

	c.stats.recordFill(fill.Symbol, ev.Action)
	logger.Trade(ctx, fill.Symbol, string(ev.Action), fill.Qty, fill.Price, "strategy_tag", ev.StrategyTag, "id", ev.ID)
	c.afterFill(ctx, ev, "", 0)
	return nil
}

// RecordExit writes the exit into the ledger, installs the cooldown for its
// category and notifies the market sensor for early-failure exits.
func (c *Controller) RecordExit(ctx context.Context, fill types.ExitFill) error {
	var action ledger.Action
	switch fill.Kind {
	case types.ExitFull:
		action = ledger.ActionExit
	case types.ExitPartial:
		action = ledger.ActionPartialExit
	case types.ExitStopLoss:
		action = ledger.ActionStopLoss
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidExit, fill.Kind)
	}

	c.session.RLock()
	defer c.session.RUnlock()

	cat := exitCategory(fill)
	var entryHint float64
	if types.Finite(fill.PnLPct) && fill.PnLPct > -100 {
		entryHint = fill.Price / (1 + fill.PnLPct/100)
	}

	ev, err := c.ledger.RecordTrade(ledger.Fill{
		Symbol:     fill.Symbol,
		Action:     action,
		Price:      fill.Price,
		Qty:        fill.Qty,
		Reason:     fill.Reason,
		EntryPrice: entryHint,
	})
	if err != nil {
		return err
	}

	now := c.clock.Now()
	cd := c.cooldown.InstallCategory(fill.Symbol, fill.PnLPct < 0, cat, fill.Reason)
	logger.Debug(ctx, "Cooldown installed",
		"symbol", fill.Symbol,
		"category", string(cd.Category),
		"minutes", c.cfg.CooldownFor(cd.Category).Minutes(),
	)

	if sub, ok := cat.SensorSubtype(); ok {
		esc, err := c.sensor.RecordFailureEvent(ctx, sensor.Subtype(sub), now)
		if err != nil {
			logger.ErrorWithErr(ctx, "Failed to record early-failure event", err, "symbol", fill.Symbol)
		} else if c.metrics != nil {
			c.metrics.ObserveFailureEvent(sub)
			c.metrics.SetSensor(esc.State)
		}
	}

	if _, open := c.ledger.OpenPosition(fill.Symbol); !open {
		c.pullback.Close(fill.Symbol)
	}

	c.stats.recordFill(fill.Symbol, ev.Action)
	logger.Trade(ctx, fill.Symbol, string(ev.Action), fill.Qty, fill.Price,
		"category", string(cat),
		"pnl_pct", fill.PnLPct,
		"id", ev.ID,
	)
	c.afterFill(ctx, ev, cat, fill.PnLPct)
	return nil
}

// exitCategory classifies the reason text; unmatched text falls back to the
// category implied by the exit kind.
func exitCategory(fill types.ExitFill) exitreason.Category {
	cat := exitreason.Classify(fill.Reason)
	if cat != exitreason.Default {
		return cat
	}
	switch fill.Kind {
	case types.ExitStopLoss:
		return exitreason.StopLoss
	case types.ExitPartial:
		return exitreason.PartialExit
	}
	return cat
}

func (c *Controller) afterFill(ctx context.Context, ev ledger.TradeEvent, cat exitreason.Category, pnlPct float64) {
	if c.journal != nil {
		c.journal.Fill(ctx, types.FillRecord{
			ID:          ev.ID,
			Time:        ev.Time,
			Symbol:      ev.Symbol,
			Action:      string(ev.Action),
			Price:       ev.Price,
			Qty:         ev.Qty,
			StrategyTag: ev.StrategyTag,
			Reason:      ev.Reason,
			Category:    string(cat),
			PnLPct:      pnlPct,
		})
	}
	if c.metrics != nil {
		c.metrics.ObserveFill(string(ev.Action))
	}
	c.persist(ctx)
}

// RegisterPullback starts staged confirmation for a pullback signal.
func (c *Controller) RegisterPullback(ctx context.Context, req types.PullbackRequest) error {
	if !c.cfg.Pullback.Enabled {
		return ErrPullbackDisabled
	}

	c.session.RLock()
	defer c.session.RUnlock()

	if c.ledger.IsInvalidated(req.Symbol, req.StrategyTag) {
		return fmt.Errorf("%w: %s/%s", ErrSignalInvalidated, req.Symbol, req.StrategyTag)
	}
	sig, err := c.pullback.Register(ctx, req)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Pullback signal registered",
		"symbol", sig.Symbol,
		"strategy_tag", sig.StrategyTag,
		"signal_price", sig.SignalPrice,
		"signal_low", sig.SignalLow,
		"signal_reference", sig.SignalReference,
	)
	if c.journal != nil {
		c.journal.Event(ctx, "pullback_registered", sig.Symbol, map[string]any{
			"strategy_tag":     sig.StrategyTag,
			"signal_price":     sig.SignalPrice,
			"signal_low":       sig.SignalLow,
			"signal_reference": sig.SignalReference,
		})
	}
	c.persist(ctx)
	return nil
}

// InvalidateSignal invalidates a strategy's signal for the rest of the
// session, e.g. when an operator withdraws it.
func (c *Controller) InvalidateSignal(ctx context.Context, symbol, strategyTag, reason string) error {
	r := ledger.InvalidationReason(strings.ToUpper(strings.TrimSpace(reason)))
	switch r {
	case ledger.InvalidManual, ledger.InvalidWindowExit, ledger.InvalidLowBreak, ledger.InvalidTimeExpired:
	case "":
		r = ledger.InvalidManual
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}

	c.session.RLock()
	defer c.session.RUnlock()

	var signalPrice float64
	if sig, ok := c.pullback.Get(symbol); ok && sig.StrategyTag == strategyTag {
		if inv, ok := c.pullback.Invalidate(ctx, symbol, r, 0); ok {
			signalPrice = inv.SignalPrice
		}
	}
	if e, ok := c.pending.Get(symbol); ok && e.StrategyTag == strategyTag {
		c.pending.Remove(symbol)
		signalPrice = e.SignalPrice
	}
	c.recordInvalidation(ctx, symbol, strategyTag, r, signalPrice, 0)
	c.persist(ctx)
	return nil
}

// UpdateMaxProfit feeds the reporting-only watermark.
func (c *Controller) UpdateMaxProfit(ctx context.Context, symbol string, unrealizedPct float64) float64 {
	c.session.RLock()
	defer c.session.RUnlock()
	return c.ledger.UpdateMaxProfit(symbol, unrealizedPct)
}

func (c *Controller) SensorSnapshot() types.SensorState {
	return c.sensor.Snapshot()
}

func (c *Controller) SessionDate() string {
	return c.ledger.SessionDate()
}

// DailyReport summarizes the current session.
func (c *Controller) DailyReport() types.Report {
	c.session.RLock()
	defer c.session.RUnlock()
	return c.reportLocked()
}

func (c *Controller) reportLocked() types.Report {
	cs := c.cooldown.Stats()
	r := c.stats.report()
	r.SessionDate = c.ledger.SessionDate()
	r.OverrideCount = cs.OverrideCount
	r.OverrideRatioPct = cs.Guard.RatioPct
	r.AbuseGuardTripped = cs.Guard.Tripped
	r.Sensor = c.sensor.Snapshot()

	st := c.ledger.Export()
	for sym, day := range st.Days {
		s := r.Symbols[sym]
		s.StopLoss = day.StopLoss != nil
		s.MaxProfitPct = day.MaxProfitPct
		r.Symbols[sym] = s
	}
	return r
}

// Rollover closes the session: the report is written, every per-day map is
// cleared and the sensor is reset. Open positions and IN_POSITION pullback
// signals carry over.
func (c *Controller) Rollover(ctx context.Context) types.SessionSummary {
	c.session.Lock()
	defer c.session.Unlock()

	report := c.reportLocked()
	sum := types.SessionSummary{
		PreviousSession: report.SessionDate,
		Report:          report,
	}

	if c.eod != nil {
		day, err := time.ParseInLocation("2006-01-02", report.SessionDate, c.cfg.Location())
		if err == nil {
			path, err := c.eod.SummarizeDay(ctx, day, report)
			if err != nil {
				logger.ErrorWithErr(ctx, "Failed to write EOD report", err, "date", report.SessionDate)
			}
			sum.EODReportPath = path
		}
	}

	ls := c.ledger.ResetSession()
	sum.NewSession = c.ledger.SessionDate()
	sum.Trades = ls.Trades
	sum.StopLosses = len(ls.StopLosses)
	sum.Invalidations = len(ls.Invalidations)
	sum.CarriedPositions = ls.CarriedPositions
	sum.CooldownsCleared = c.cooldown.Reset().Active
	sum.PendingDropped = c.pending.Reset()
	sum.PullbacksDropped = c.pullback.Rollover()
	c.sensor.Reset()
	c.stats.reset()

	if c.metrics != nil {
		c.metrics.ObserveRollover()
		c.metrics.SetSensor(types.SensorState{})
		c.metrics.SetOverrideGuard(0, false)
	}
	logger.Info(ctx, "Session rolled over",
		"previous_session", sum.PreviousSession,
		"new_session", sum.NewSession,
		"trades", sum.Trades,
		"stop_losses", sum.StopLosses,
		"carried_positions", sum.CarriedPositions,
		"pullbacks_dropped", sum.PullbacksDropped,
	)
	if c.journal != nil {
		c.journal.Event(ctx, "session_rollover", "*", map[string]any{
			"previous_session":  sum.PreviousSession,
			"new_session":       sum.NewSession,
			"entries_attempted": report.EntriesAttempted,
			"entries_blocked":   report.EntriesBlocked,
		})
	}
	c.persist(ctx)
	return sum
}
