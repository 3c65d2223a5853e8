// Package pending holds the multi-observation confirmation gates: the generic
// confirm-then-enter counter and the pullback/reclaim state machine.
package pending

import (
	"fmt"
	"sync"
	"time"

	"trade-admission/internal/clock"
	"trade-admission/internal/store"
	"trade-admission/internal/types"
)

// Entry is a confirm-then-enter signal waiting for consecutive confirmations.
type Entry struct {
	Symbol                string    `json:"symbol"`
	StrategyTag           string    `json:"strategy_tag"`
	SignalTime            time.Time `json:"signal_time"`
	SignalPrice           float64   `json:"signal_price"`
	RequiredConfirmations int       `json:"required_confirmations"`
	Confirmations         int       `json:"confirmations"`
}

// ConfirmResult is the outcome of one Observe call.
type ConfirmResult struct {
	Ready   bool
	Expired bool
	Reason  string
	Entry   Entry
}

// Tracker counts consecutive observations on which the full entry condition
// set holds. One entry per symbol.
type Tracker struct {
	mu       sync.Mutex
	cfg      store.PendingConfig
	clock    clock.Clock
	sizeHint int
	entries  map[string]*Entry
}

func NewTracker(cfg store.PendingConfig, clk clock.Clock, sizeHint int) *Tracker {
	return &Tracker{
		cfg:      cfg,
		clock:    clk,
		sizeHint: sizeHint,
		entries:  make(map[string]*Entry, sizeHint),
	}
}

// Observe feeds one tick. The entry is created on the first observation whose
// conditions hold, incremented while they keep holding and reset to zero when
// they fail. It is removed once confirmed or when it outlives the timeout;
// the caller records the expiry as an invalidation.
func (t *Tracker) Observe(symbol, strategyTag string, price float64, conditionsMet bool) ConfirmResult {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !types.Positive(price) {
		obs := ConfirmResult{Reason: "pending: invalid price, observation skipped"}
		if e := t.entries[symbol]; e != nil {
			obs.Entry = *e
		}
		return obs
	}

	e := t.entries[symbol]
	if e != nil && e.StrategyTag != strategyTag {
		// A different strategy owns the slot; treat as a fresh signal.
		delete(t.entries, symbol)
		e = nil
	}

	if e != nil {
		timeout := time.Duration(t.cfg.TimeoutMinutes) * time.Minute
		if now.Sub(e.SignalTime) > timeout {
			delete(t.entries, symbol)
			return ConfirmResult{
				Expired: true,
				Reason:  fmt.Sprintf("pending: expired after %s with %d/%d confirmations", timeout, e.Confirmations, e.RequiredConfirmations),
				Entry:   *e,
			}
		}
	}

	if e == nil {
		if !conditionsMet {
			return ConfirmResult{Reason: "pending: conditions not met"}
		}
		e = &Entry{
			Symbol:                symbol,
			StrategyTag:           strategyTag,
			SignalTime:            now,
			SignalPrice:           price,
			RequiredConfirmations: t.cfg.RequiredConfirmations,
		}
		t.entries[symbol] = e
	}

	if !conditionsMet {
		e.Confirmations = 0
		return ConfirmResult{
			Reason: fmt.Sprintf("pending: conditions failed, confirmations reset (0/%d)", e.RequiredConfirmations),
			Entry:  *e,
		}
	}

	e.Confirmations++
	if e.Confirmations >= e.RequiredConfirmations {
		delete(t.entries, symbol)
		return ConfirmResult{
			Ready:  true,
			Reason: fmt.Sprintf("pending: confirmed %d/%d", e.Confirmations, e.RequiredConfirmations),
			Entry:  *e,
		}
	}
	return ConfirmResult{
		Reason: fmt.Sprintf("pending: %d/%d confirmations", e.Confirmations, e.RequiredConfirmations),
		Entry:  *e,
	}
}

func (t *Tracker) Get(symbol string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[symbol]; e != nil {
		return *e, true
	}
	return Entry{}, false
}

// Remove drops the symbol's entry, e.g. on manual invalidation.
func (t *Tracker) Remove(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[symbol]
	delete(t.entries, symbol)
	return ok
}

// Reset clears every entry and returns how many were discarded.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.entries = make(map[string]*Entry, t.sizeHint)
	return n
}

func (t *Tracker) Export() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

func (t *Tracker) Import(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry, max(t.sizeHint, len(entries)))
	for _, e := range entries {
		e := e
		t.entries[e.Symbol] = &e
	}
}
