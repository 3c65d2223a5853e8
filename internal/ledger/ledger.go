// Package ledger is the authoritative per-symbol, per-day record of fills,
// stop-losses, invalidated signals and the profit watermark.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trade-admission/internal/clock"
	"trade-admission/internal/types"
)

type Action string

const (
	ActionEnter       Action = "ENTER"
	ActionExit        Action = "EXIT"
	ActionPartialExit Action = "PARTIAL_EXIT"
	ActionStopLoss    Action = "STOP_LOSS"
)

type InvalidationReason string

const (
	InvalidLowBreak    InvalidationReason = "LOW_BREAK"
	InvalidTimeExpired InvalidationReason = "TIME_EXPIRED"
	InvalidWindowExit  InvalidationReason = "WINDOW_EXIT"
	InvalidManual      InvalidationReason = "MANUAL"
)

// BlockReason is the ledger check that rejected an entry.
type BlockReason string

const (
	BlockNone         BlockReason = ""
	BlockStopLoss     BlockReason = "stop_loss"
	BlockInvalidated  BlockReason = "invalidated"
	BlockDailyCap     BlockReason = "daily_cap"
	BlockPositionOpen BlockReason = "position_open"
)

var (
	ErrPositionOpen  = errors.New("ledger: position already open for symbol")
	ErrInvalidFill   = errors.New("ledger: invalid fill")
	ErrUnknownAction = errors.New("ledger: unknown action")
)

type TradeEvent struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Symbol      string    `json:"symbol"`
	Action      Action    `json:"action"`
	Price       float64   `json:"price"`
	Qty         int       `json:"qty"`
	StrategyTag string    `json:"strategy_tag"`
	Reason      string    `json:"reason"`
}

type StopLossRecord struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	LossPct    float64   `json:"loss_pct"`
	Reason     string    `json:"reason"`
}

type InvalidatedSignal struct {
	Time              time.Time          `json:"time"`
	Symbol            string             `json:"symbol"`
	StrategyTag       string             `json:"strategy_tag"`
	Reason            InvalidationReason `json:"reason"`
	SignalPrice       float64            `json:"signal_price"`
	InvalidationPrice float64            `json:"invalidation_price"`
}

// Position is the open stream for a symbol. At most one exists per symbol.
type Position struct {
	Symbol      string    `json:"symbol"`
	StrategyTag string    `json:"strategy_tag"`
	EntryPrice  float64   `json:"entry_price"`
	Qty         int       `json:"qty"`
	EntryTime   time.Time `json:"entry_time"`
}

// Fill is a confirmed execution to be recorded.
type Fill struct {
	Symbol      string
	Action      Action
	Price       float64
	Qty         int
	StrategyTag string
	Reason      string
	// EntryPrice is used for the stop-loss percentage when the ledger holds
	// no open position for the symbol (e.g. after a restart).
	EntryPrice float64
}

// Checks selects which ledger checks CanEnter applies.
type Checks struct {
	StopLoss    bool
	Invalidated bool
	Traded      bool
}

var AllChecks = Checks{StopLoss: true, Invalidated: true, Traded: true}

// CapFunc returns the per-symbol daily entry cap for a strategy tag.
type CapFunc func(strategyTag string) int

type symbolDay struct {
	Trades       []TradeEvent                 `json:"trades"`
	StopLoss     *StopLossRecord              `json:"stop_loss,omitempty"`
	Invalidated  map[string]InvalidatedSignal `json:"invalidated,omitempty"`
	Entries      map[string]int               `json:"entries,omitempty"`
	MaxProfitPct *float64                     `json:"max_profit_pct,omitempty"`
}

type Ledger struct {
	mu          sync.RWMutex
	clock       clock.Clock
	capFor      CapFunc
	sizeHint    int
	sessionDate string
	days        map[string]*symbolDay
	open        map[string]*Position
}

// New creates a ledger for the session that contains clk.Now(). sizeHint
// pre-sizes the per-symbol maps, normally the watch-list length.
func New(clk clock.Clock, capFor CapFunc, sizeHint int) *Ledger {
	if capFor == nil {
		capFor = func(string) int { return 1 }
	}
	return &Ledger{
		clock:       clk,
		capFor:      capFor,
		sizeHint:    sizeHint,
		sessionDate: clock.SessionDate(clk.Now()),
		days:        make(map[string]*symbolDay, sizeHint),
		open:        make(map[string]*Position, sizeHint),
	}
}

func (l *Ledger) day(symbol string) *symbolDay {
	d := l.days[symbol]
	if d == nil {
		d = &symbolDay{}
		l.days[symbol] = d
	}
	return d
}

// RecordTrade appends a fill to the symbol's log for today. A STOP_LOSS fill
// creates the day's StopLossRecord and blocks the symbol for the session.
func (l *Ledger) RecordTrade(f Fill) (TradeEvent, error) {
	if f.Symbol == "" || !types.Positive(f.Price) || f.Qty < 0 {
		return TradeEvent{}, fmt.Errorf("%w: symbol=%q price=%v qty=%d", ErrInvalidFill, f.Symbol, f.Price, f.Qty)
	}
	switch f.Action {
	case ActionEnter, ActionExit, ActionPartialExit, ActionStopLoss:
	default:
		return TradeEvent{}, fmt.Errorf("%w: %q", ErrUnknownAction, f.Action)
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.open[f.Symbol]
	if f.Action == ActionEnter && pos != nil {
		return TradeEvent{}, fmt.Errorf("%w: %s (entered %s at %.2f)", ErrPositionOpen, f.Symbol, pos.EntryTime.Format("15:04:05"), pos.EntryPrice)
	}

	tag := f.StrategyTag
	if tag == "" && pos != nil {
		tag = pos.StrategyTag
	}

	ev := TradeEvent{
		ID:          uuid.New().String(),
		Time:        now,
		Symbol:      f.Symbol,
		Action:      f.Action,
		Price:       f.Price,
		Qty:         f.Qty,
		StrategyTag: tag,
		Reason:      f.Reason,
	}

	d := l.day(f.Symbol)
	switch f.Action {
	case ActionEnter:
		l.open[f.Symbol] = &Position{
			Symbol:      f.Symbol,
			StrategyTag: tag,
			EntryPrice:  f.Price,
			Qty:         f.Qty,
			EntryTime:   now,
		}
		if d.Entries == nil {
			d.Entries = make(map[string]int)
		}
		d.Entries[tag]++
	case ActionPartialExit:
		if pos != nil {
			pos.Qty -= f.Qty
			if pos.Qty <= 0 {
				delete(l.open, f.Symbol)
			}
		}
	case ActionExit:
		delete(l.open, f.Symbol)
	case ActionStopLoss:
		entry := f.EntryPrice
		if pos != nil {
			entry = pos.EntryPrice
		}
		if !types.Positive(entry) {
			entry = f.Price
		}
		if d.StopLoss == nil {
			d.StopLoss = &StopLossRecord{
				Time:       now,
				Symbol:     f.Symbol,
				EntryPrice: entry,
				ExitPrice:  f.Price,
				LossPct:    (f.Price - entry) / entry * 100,
				Reason:     f.Reason,
			}
		}
		delete(l.open, f.Symbol)
	}
	d.Trades = append(d.Trades, ev)
	return ev, nil
}

// RecordInvalidated blocks re-registration of strategyTag's signal for the
// symbol for the rest of the session. The first invalidation of the day is
// kept; later ones for the same tag return it unchanged.
func (l *Ledger) RecordInvalidated(symbol, strategyTag string, reason InvalidationReason, signalPrice, invalidationPrice float64) InvalidatedSignal {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.day(symbol)
	if d.Invalidated == nil {
		d.Invalidated = make(map[string]InvalidatedSignal)
	}
	if existing, ok := d.Invalidated[strategyTag]; ok {
		return existing
	}
	inv := InvalidatedSignal{
		Time:              now,
		Symbol:            symbol,
		StrategyTag:       strategyTag,
		Reason:            reason,
		SignalPrice:       signalPrice,
		InvalidationPrice: invalidationPrice,
	}
	d.Invalidated[strategyTag] = inv
	return inv
}

// CanEnter evaluates, in order, stop-loss, invalidated signal, the daily
// entry cap and an already open position. The first failing check wins.
// A symbol with no history takes the fast path.
func (l *Ledger) CanEnter(symbol, strategyTag string, checks Checks) (bool, BlockReason, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d := l.days[symbol]
	if d != nil {
		if checks.StopLoss && d.StopLoss != nil {
			sl := d.StopLoss
			return false, BlockStopLoss, fmt.Sprintf("stop-loss at %s (%.2f%%), blocked for session", sl.Time.Format("15:04:05"), sl.LossPct)
		}
		if checks.Invalidated {
			if inv, ok := d.Invalidated[strategyTag]; ok {
				return false, BlockInvalidated, fmt.Sprintf("%s signal invalidated (%s) at %s", strategyTag, inv.Reason, inv.Time.Format("15:04:05"))
			}
		}
		if checks.Traded {
			limit := l.capFor(strategyTag)
			if n := d.Entries[strategyTag]; n >= limit {
				return false, BlockDailyCap, fmt.Sprintf("%s entries today %d >= cap %d", strategyTag, n, limit)
			}
		}
	}
	if checks.Traded {
		if pos := l.open[symbol]; pos != nil {
			return false, BlockPositionOpen, fmt.Sprintf("position open since %s (%s)", pos.EntryTime.Format("15:04:05"), pos.StrategyTag)
		}
	}
	return true, BlockNone, "ok"
}

// UpdateMaxProfit raises the symbol's watermark to unrealizedPct if higher
// and returns the current watermark. Reporting only.
func (l *Ledger) UpdateMaxProfit(symbol string, unrealizedPct float64) float64 {
	if !types.Finite(unrealizedPct) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		if d := l.days[symbol]; d != nil && d.MaxProfitPct != nil {
			return *d.MaxProfitPct
		}
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.day(symbol)
	if d.MaxProfitPct == nil || unrealizedPct > *d.MaxProfitPct {
		v := unrealizedPct
		d.MaxProfitPct = &v
	}
	return *d.MaxProfitPct
}

func (l *Ledger) HasStopLoss(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d := l.days[symbol]
	return d != nil && d.StopLoss != nil
}

func (l *Ledger) StopLoss(symbol string) (StopLossRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d := l.days[symbol]; d != nil && d.StopLoss != nil {
		return *d.StopLoss, true
	}
	return StopLossRecord{}, false
}

func (l *Ledger) IsInvalidated(symbol, strategyTag string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d := l.days[symbol]
	if d == nil {
		return false
	}
	_, ok := d.Invalidated[strategyTag]
	return ok
}

func (l *Ledger) OpenPosition(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p := l.open[symbol]; p != nil {
		return *p, true
	}
	return Position{}, false
}

// Trades returns a copy of today's events for symbol.
func (l *Ledger) Trades(symbol string) []TradeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d := l.days[symbol]
	if d == nil {
		return nil
	}
	out := make([]TradeEvent, len(d.Trades))
	copy(out, d.Trades)
	return out
}

func (l *Ledger) SessionDate() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionDate
}

// SessionSummary describes the state discarded by ResetSession.
type SessionSummary struct {
	Date             string              `json:"date"`
	Symbols          int                 `json:"symbols"`
	Trades           int                 `json:"trades"`
	StopLosses       []StopLossRecord    `json:"stop_losses"`
	Invalidations    []InvalidatedSignal `json:"invalidations"`
	MaxProfitPct     map[string]float64  `json:"max_profit_pct"`
	CarriedPositions int                 `json:"carried_positions"`
}

// ResetSession clears all per-day state and starts the session containing
// the current clock time. Open positions are carried over.
func (l *Ledger) ResetSession() SessionSummary {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	sum := SessionSummary{
		Date:             l.sessionDate,
		Symbols:          len(l.days),
		MaxProfitPct:     make(map[string]float64),
		CarriedPositions: len(l.open),
	}
	for sym, d := range l.days {
		sum.Trades += len(d.Trades)
		if d.StopLoss != nil {
			sum.StopLosses = append(sum.StopLosses, *d.StopLoss)
		}
		for _, inv := range d.Invalidated {
			sum.Invalidations = append(sum.Invalidations, inv)
		}
		if d.MaxProfitPct != nil {
			sum.MaxProfitPct[sym] = *d.MaxProfitPct
		}
	}
	sort.Slice(sum.StopLosses, func(i, j int) bool { return sum.StopLosses[i].Time.Before(sum.StopLosses[j].Time) })
	sort.Slice(sum.Invalidations, func(i, j int) bool { return sum.Invalidations[i].Time.Before(sum.Invalidations[j].Time) })

	l.days = make(map[string]*symbolDay, l.sizeHint)
	l.sessionDate = clock.SessionDate(now)
	return sum
}
