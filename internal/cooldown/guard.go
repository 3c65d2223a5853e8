package cooldown

import (
	"context"
	"time"

	"trade-admission/internal/exitreason"
	"trade-admission/internal/logger"
	"trade-admission/internal/store"
)

// guard tracks, per session, how many ef_no_follow cooldowns blocked an
// entry and how many of those blocks were overridden. Each cooldown entry is
// counted once no matter how many ticks it blocks.
type guard struct {
	cfg       store.AbuseGuardConfig
	counted   map[string]time.Time
	blocks    int
	overrides int
	tripped   bool
	trippedAt time.Time
}

type GuardStats struct {
	Blocks    int       `json:"blocks"`
	Overrides int       `json:"overrides"`
	RatioPct  float64   `json:"ratio_pct"`
	Tripped   bool      `json:"tripped"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	Action    string    `json:"action"`
}

type GuardState struct {
	Counted   map[string]time.Time `json:"counted"`
	Blocks    int                  `json:"blocks"`
	Overrides int                  `json:"overrides"`
	Tripped   bool                 `json:"tripped"`
	TrippedAt time.Time            `json:"tripped_at"`
}

func newGuard(cfg store.AbuseGuardConfig, sizeHint int) guard {
	return guard{cfg: cfg, counted: make(map[string]time.Time, sizeHint)}
}

func (g *guard) noteBlock(ctx context.Context, symbol string, exitAt, now time.Time) {
	if prev, ok := g.counted[symbol]; ok && prev.Equal(exitAt) {
		return
	}
	g.counted[symbol] = exitAt
	g.blocks++
	g.evaluate(ctx, symbol, now)
}

func (g *guard) noteOverride(ctx context.Context, symbol string, now time.Time) {
	g.overrides++
	g.evaluate(ctx, symbol, now)
}

func (g *guard) ratioPct() float64 {
	if g.blocks == 0 {
		return 0
	}
	return float64(g.overrides) / float64(g.blocks) * 100
}

// evaluate latches the guard for the session once the sample is large enough
// and the override ratio exceeds the limit.
func (g *guard) evaluate(ctx context.Context, symbol string, now time.Time) {
	if !g.cfg.Enabled || g.tripped {
		return
	}
	if g.blocks < g.cfg.MinSamples || g.ratioPct() <= g.cfg.MaxRatioPct {
		return
	}
	g.tripped = true
	g.trippedAt = now
	logger.Risk(ctx, symbol, "OVERRIDE_ABUSE_GUARD",
		"action", g.cfg.Action,
		"blocks", g.blocks,
		"overrides", g.overrides,
		"ratio_pct", g.ratioPct(),
		"max_ratio_pct", g.cfg.MaxRatioPct,
	)
}

// disabled reports whether overrides are off for the rest of the session.
func (g *guard) disabled() bool {
	return g.tripped && g.cfg.Action == store.AbuseActionDisable
}

// pendingBlocks is the block count once ent has been noted.
func (g *guard) pendingBlocks(symbol string, ent Entry) int {
	if ent.Category != exitreason.EFNoFollow {
		return g.blocks
	}
	if prev, ok := g.counted[symbol]; ok && prev.Equal(ent.LastExitTime) {
		return g.blocks
	}
	return g.blocks + 1
}

func (g *guard) ratioAfter(symbol string, ent Entry) float64 {
	blocks := g.pendingBlocks(symbol, ent)
	if blocks == 0 {
		return 0
	}
	return float64(g.overrides) / float64(blocks) * 100
}

// disabledAfter reports whether overrides would be off once ent is noted as a
// block, without noting it.
func (g *guard) disabledAfter(symbol string, ent Entry) bool {
	if g.disabled() {
		return true
	}
	if !g.cfg.Enabled || g.cfg.Action != store.AbuseActionDisable {
		return false
	}
	return g.pendingBlocks(symbol, ent) >= g.cfg.MinSamples && g.ratioAfter(symbol, ent) > g.cfg.MaxRatioPct
}

func (g *guard) stats() GuardStats {
	return GuardStats{
		Blocks:    g.blocks,
		Overrides: g.overrides,
		RatioPct:  g.ratioPct(),
		Tripped:   g.tripped,
		TrippedAt: g.trippedAt,
		Action:    g.cfg.Action,
	}
}

func (g *guard) export() GuardState {
	counted := make(map[string]time.Time, len(g.counted))
	for k, v := range g.counted {
		counted[k] = v
	}
	return GuardState{
		Counted:   counted,
		Blocks:    g.blocks,
		Overrides: g.overrides,
		Tripped:   g.tripped,
		TrippedAt: g.trippedAt,
	}
}

func (g *guard) restore(st GuardState) {
	for k, v := range st.Counted {
		g.counted[k] = v
	}
	g.blocks = st.Blocks
	g.overrides = st.Overrides
	g.tripped = st.Tripped
	g.trippedAt = st.TrippedAt
}
