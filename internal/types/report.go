package types

import "time"

// SensorState is the session-wide market sensor record.
type SensorState struct {
	EFTotal              int       `json:"ef_total"`
	EFMorning            int       `json:"ef_morning"`
	EFNoFollow           int       `json:"ef_no_follow"`
	EFNoDemand           int       `json:"ef_no_demand"`
	AfternoonBlockActive bool      `json:"afternoon_block_active"`
	AfternoonBlockAt     time.Time `json:"afternoon_block_at,omitempty"`
	RiskOffActive        bool      `json:"risk_off_active"`
	RiskOffAt            time.Time `json:"risk_off_at,omitempty"`
}

// SymbolStats is the per-symbol breakdown of a session.
type SymbolStats struct {
	Attempted    int      `json:"attempted"`
	Blocked      int      `json:"blocked"`
	Overrides    int      `json:"overrides"`
	Entries      int      `json:"entries"`
	Exits        int      `json:"exits"`
	StopLoss     bool     `json:"stop_loss"`
	MaxProfitPct *float64 `json:"max_profit_pct,omitempty"`
}

// Report is the end-of-session observability view.
type Report struct {
	SessionDate             string                 `json:"session_date"`
	EntriesAttempted        int                    `json:"entries_attempted"`
	EntriesAllowed          int                    `json:"entries_allowed"`
	EntriesBlocked          int                    `json:"entries_blocked"`
	BlockedByStage          map[Stage]int          `json:"blocked_by_stage"`
	BlockedByReasonCategory map[string]int         `json:"blocked_by_reason_category"`
	OverrideCount           int                    `json:"override_count"`
	OverrideRatioPct        float64                `json:"override_ratio_pct"`
	AbuseGuardTripped       bool                   `json:"abuse_guard_tripped"`
	Sensor                  SensorState            `json:"market_sensor"`
	Symbols                 map[string]SymbolStats `json:"symbols"`
}

// FillRecord is the journal form of a fill written to the ledger.
type FillRecord struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Price       float64   `json:"price"`
	Qty         int       `json:"qty"`
	StrategyTag string    `json:"strategy_tag"`
	Reason      string    `json:"reason"`
	Category    string    `json:"category,omitempty"`
	PnLPct      float64   `json:"pnl_pct,omitempty"`
}

// SessionSummary describes what a rollover discarded.
type SessionSummary struct {
	PreviousSession  string `json:"previous_session"`
	NewSession       string `json:"new_session"`
	Report           Report `json:"report"`
	Trades           int    `json:"trades"`
	StopLosses       int    `json:"stop_losses"`
	Invalidations    int    `json:"invalidations"`
	CarriedPositions int    `json:"carried_positions"`
	CooldownsCleared int    `json:"cooldowns_cleared"`
	PendingDropped   int    `json:"pending_dropped"`
	PullbacksDropped int    `json:"pullbacks_dropped"`
	EODReportPath    string `json:"eod_report_path,omitempty"`
}
