// Package cooldown keeps the per-symbol re-entry windows installed on exit
// and decides when a blocked entry may override its window.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-admission/internal/clock"
	"trade-admission/internal/exitreason"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

// Entry is the live cooldown for a symbol. A new exit overwrites it.
type Entry struct {
	Symbol       string              `json:"symbol"`
	LastExitTime time.Time           `json:"last_exit_time"`
	IsLoss       bool                `json:"is_loss"`
	Category     exitreason.Category `json:"category"`
	Reason       string              `json:"reason"`
}

// Status is the result of a cooldown lookup.
type Status struct {
	Blocked   bool
	Remaining time.Duration
	Required  time.Duration
	Entry     Entry
}

func (s Status) RemainingMinutes() float64 {
	return s.Remaining.Minutes()
}

// Result is the outcome of Evaluate: the cooldown status plus the override
// verdict when the symbol was blocked.
type Result struct {
	Status
	Override       bool
	OverrideReason string
}

type Engine struct {
	mu      sync.Mutex
	cfg     *store.Config
	clock   clock.Clock
	entries map[string]*Entry

	overrides int
	guard     guard
}

func New(cfg *store.Config, clk clock.Clock) *Engine {
	return &Engine{
		cfg:     cfg,
		clock:   clk,
		entries: make(map[string]*Entry, len(cfg.Watchlist)),
		guard:   newGuard(cfg.Override.AbuseGuard, len(cfg.Watchlist)),
	}
}

// Install classifies reason and stores a cooldown for symbol at the current
// time.
func (e *Engine) Install(symbol string, isLoss bool, reason string) Entry {
	return e.InstallCategory(symbol, isLoss, exitreason.Classify(reason), reason)
}

// InstallCategory stores a cooldown with an already resolved category.
// LastExitTime strictly increases per symbol: a stamp not after the previous
// one is moved 1ns past it.
func (e *Engine) InstallCategory(symbol string, isLoss bool, cat exitreason.Category, reason string) Entry {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev := e.entries[symbol]; prev != nil && !now.After(prev.LastExitTime) {
		now = prev.LastExitTime.Add(time.Nanosecond)
	}
	ent := &Entry{
		Symbol:       symbol,
		LastExitTime: now,
		IsLoss:       isLoss,
		Category:     cat,
		Reason:       reason,
	}
	e.entries[symbol] = ent
	return *ent
}

// Check reports whether symbol is inside its cooldown window. Once the
// window has elapsed the entry is deleted.
func (e *Engine) Check(symbol string) Status {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.checkLocked(symbol, now)
}

func (e *Engine) checkLocked(symbol string, now time.Time) Status {
	st := e.peekLocked(symbol, now)
	if !st.Blocked && st.Entry.Symbol != "" {
		delete(e.entries, symbol)
	}
	return st
}

func (e *Engine) peekLocked(symbol string, now time.Time) Status {
	ent := e.entries[symbol]
	if ent == nil {
		return Status{}
	}
	required := e.cfg.CooldownFor(ent.Category)
	elapsed := now.Sub(ent.LastExitTime)
	if elapsed >= required {
		return Status{Required: required, Entry: *ent}
	}
	return Status{
		Blocked:   true,
		Remaining: required - elapsed,
		Required:  required,
		Entry:     *ent,
	}
}

// Evaluate checks the cooldown for sig.Symbol and, when blocked, whether sig
// qualifies for an override. It changes nothing: the caller settles the
// outcome with NoteBlock or ConsumeOverride once the entry decision is final.
func (e *Engine) Evaluate(sig types.SignalContext) Result {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.peekLocked(sig.Symbol, now)
	res := Result{Status: st}
	if !st.Blocked {
		return res
	}

	if e.guard.disabledAfter(sig.Symbol, st.Entry) {
		res.OverrideReason = fmt.Sprintf("overrides disabled by abuse guard (ratio %.1f%%)", e.guard.ratioAfter(sig.Symbol, st.Entry))
		return res
	}
	res.Override, res.OverrideReason = e.checkOverride(sig, st.Entry.Category, now)
	return res
}

// NoteBlock records that ent turned an entry away. Only ef_no_follow
// cooldowns feed the abuse guard, once per cooldown.
func (e *Engine) NoteBlock(ctx context.Context, ent Entry) {
	if ent.Category != exitreason.EFNoFollow {
		return
	}
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.guard.noteBlock(ctx, ent.Symbol, ent.LastExitTime, now)
}

// ConsumeOverride spends an override granted by Evaluate: the cooldown ent
// is removed and the session counters move. It reports false when ent is no
// longer the live cooldown for its symbol or the guard has since disabled
// overrides, in which case nothing changes beyond the guard's block count.
func (e *Engine) ConsumeOverride(ctx context.Context, ent Entry) bool {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	live := e.entries[ent.Symbol]
	if live == nil || !live.LastExitTime.Equal(ent.LastExitTime) {
		return false
	}
	noFollow := ent.Category == exitreason.EFNoFollow
	if noFollow {
		e.guard.noteBlock(ctx, ent.Symbol, ent.LastExitTime, now)
	}
	if e.guard.disabled() {
		return false
	}

	delete(e.entries, ent.Symbol)
	e.overrides++
	if noFollow {
		e.guard.noteOverride(ctx, ent.Symbol, now)
	}
	return true
}

// CheckOverride reports whether sig qualifies to bypass a cooldown of
// category cat. It does not mutate state.
func (e *Engine) CheckOverride(sig types.SignalContext, cat exitreason.Category) (bool, string) {
	return e.checkOverride(sig, cat, e.clock.Now())
}

// Entry returns the live cooldown for symbol, if any.
func (e *Engine) Entry(symbol string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent := e.entries[symbol]; ent != nil {
		return *ent, true
	}
	return Entry{}, false
}

// Stats is the session view of override usage.
type Stats struct {
	Active        int        `json:"active"`
	OverrideCount int        `json:"override_count"`
	Guard         GuardStats `json:"guard"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Active:        len(e.entries),
		OverrideCount: e.overrides,
		Guard:         e.guard.stats(),
	}
}

// Reset clears every cooldown and the session override counters.
func (e *Engine) Reset() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Active:        len(e.entries),
		OverrideCount: e.overrides,
		Guard:         e.guard.stats(),
	}
	e.entries = make(map[string]*Entry, len(e.cfg.Watchlist))
	e.overrides = 0
	e.guard = newGuard(e.cfg.Override.AbuseGuard, len(e.cfg.Watchlist))
	return st
}

// State is the serializable form of the engine, used by snapshots.
type State struct {
	Entries   []Entry    `json:"entries"`
	Overrides int        `json:"overrides"`
	Guard     GuardState `json:"guard"`
}

func (e *Engine) Export() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Entries:   make([]Entry, 0, len(e.entries)),
		Overrides: e.overrides,
		Guard:     e.guard.export(),
	}
	for _, ent := range e.entries {
		st.Entries = append(st.Entries, *ent)
	}
	return st
}

func (e *Engine) Import(st State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = make(map[string]*Entry, max(len(e.cfg.Watchlist), len(st.Entries)))
	for _, ent := range st.Entries {
		ent := ent
		e.entries[ent.Symbol] = &ent
	}
	e.overrides = st.Overrides
	e.guard = newGuard(e.cfg.Override.AbuseGuard, len(e.cfg.Watchlist))
	e.guard.restore(st.Guard)
}
