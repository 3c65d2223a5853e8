package admission

import (
	"sync"

	"trade-admission/internal/ledger"
	"trade-admission/internal/types"
)

// sessionStats accumulates the per-session decision counters behind
// DailyReport.
type sessionStats struct {
	mu         sync.Mutex
	sizeHint   int
	attempted  int
	allowed    int
	blocked    int
	byStage    map[types.Stage]int
	byCategory map[string]int
	symbols    map[string]*types.SymbolStats
}

// statsState is the serializable form used by snapshots.
type statsState struct {
	Attempted  int                          `json:"attempted"`
	Allowed    int                          `json:"allowed"`
	Blocked    int                          `json:"blocked"`
	ByStage    map[types.Stage]int          `json:"by_stage"`
	ByCategory map[string]int               `json:"by_category"`
	Symbols    map[string]types.SymbolStats `json:"symbols"`
}

func newSessionStats(sizeHint int) *sessionStats {
	s := &sessionStats{sizeHint: sizeHint}
	s.resetLocked()
	return s
}

func (s *sessionStats) resetLocked() {
	s.attempted, s.allowed, s.blocked = 0, 0, 0
	s.byStage = make(map[types.Stage]int)
	s.byCategory = make(map[string]int)
	s.symbols = make(map[string]*types.SymbolStats, s.sizeHint)
}

func (s *sessionStats) reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

func (s *sessionStats) symbol(name string) *types.SymbolStats {
	st := s.symbols[name]
	if st == nil {
		st = &types.SymbolStats{}
		s.symbols[name] = st
	}
	return st
}

func (s *sessionStats) recordDecision(d types.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempted++
	sym := s.symbol(d.Symbol)
	sym.Attempted++
	if d.Override {
		sym.Overrides++
	}
	if d.Allowed {
		s.allowed++
		return
	}
	s.blocked++
	sym.Blocked++
	s.byStage[d.Stage]++
	if d.Stage == types.StageCooldown && d.Category != "" {
		s.byCategory[d.Category]++
	}
}

func (s *sessionStats) recordFill(symbol string, action ledger.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym := s.symbol(symbol)
	if action == ledger.ActionEnter {
		sym.Entries++
	} else {
		sym.Exits++
	}
}

func (s *sessionStats) report() types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := types.Report{
		EntriesAttempted:        s.attempted,
		EntriesAllowed:          s.allowed,
		EntriesBlocked:          s.blocked,
		BlockedByStage:          make(map[types.Stage]int, len(s.byStage)),
		BlockedByReasonCategory: make(map[string]int, len(s.byCategory)),
		Symbols:                 make(map[string]types.SymbolStats, len(s.symbols)),
	}
	for k, v := range s.byStage {
		r.BlockedByStage[k] = v
	}
	for k, v := range s.byCategory {
		r.BlockedByReasonCategory[k] = v
	}
	for k, v := range s.symbols {
		r.Symbols[k] = *v
	}
	return r
}

func (s *sessionStats) export() statsState {
	r := s.report()
	return statsState{
		Attempted:  r.EntriesAttempted,
		Allowed:    r.EntriesAllowed,
		Blocked:    r.EntriesBlocked,
		ByStage:    r.BlockedByStage,
		ByCategory: r.BlockedByReasonCategory,
		Symbols:    r.Symbols,
	}
}

func (s *sessionStats) restore(st statsState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.attempted, s.allowed, s.blocked = st.Attempted, st.Allowed, st.Blocked
	for k, v := range st.ByStage {
		s.byStage[k] = v
	}
	for k, v := range st.ByCategory {
		s.byCategory[k] = v
	}
	for k, v := range st.Symbols {
		v := v
		s.symbols[k] = &v
	}
}
