package types

import (
	"math"
	"time"
)

// SignalContext is the per-tick view of a candidate entry supplied by the
// strategy layer. Indicator values are precomputed upstream.
type SignalContext struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	StrategyTag string  `json:"strategy_tag" yaml:"strategy_tag"`
	Price       float64 `json:"price" yaml:"price"`
	// Reference is the VWAP-like line used by pullback and override rules.
	Reference float64 `json:"reference" yaml:"reference"`
	// SecondaryReference is an independent line (e.g. a moving average) used by
	// the closing-session override.
	SecondaryReference float64 `json:"secondary_reference" yaml:"secondary_reference"`
	RecentVolume       float64 `json:"recent_volume" yaml:"recent_volume"`
	AvgVolume          float64 `json:"avg_volume" yaml:"avg_volume"`
	RecentLow          float64 `json:"recent_low" yaml:"recent_low"`
	// Volatility is a realized volatility estimate in percent (e.g. ATR%).
	Volatility float64 `json:"volatility" yaml:"volatility"`

	// Override indicators.
	SqueezeActive       bool    `json:"squeeze_active" yaml:"squeeze_active"`
	BandWidthPercentile float64 `json:"band_width_percentile" yaml:"band_width_percentile"`
	VolumeMultiple      float64 `json:"volume_multiple" yaml:"volume_multiple"`
	ROCPct              float64 `json:"roc_pct" yaml:"roc_pct"`
	Momentum            float64 `json:"momentum" yaml:"momentum"`

	// ConditionsMet reports whether the full entry condition set holds on this
	// observation; used by confirm-then-enter strategies.
	ConditionsMet bool `json:"conditions_met" yaml:"conditions_met"`
}

// VolumeRatio returns recent/average volume, or ok=false when either side is
// unusable.
func (s SignalContext) VolumeRatio() (float64, bool) {
	if !Finite(s.RecentVolume) || !Finite(s.AvgVolume) || s.AvgVolume <= 0 || s.RecentVolume < 0 {
		return 0, false
	}
	return s.RecentVolume / s.AvgVolume, true
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Positive reports whether v is a finite value above zero.
func Positive(v float64) bool {
	return Finite(v) && v > 0
}

// Stage identifies which admission check rejected an entry.
type Stage string

const (
	StageNone            Stage = ""
	StageRiskOff         Stage = "RISK_OFF"
	StageAfternoonBlock  Stage = "AFTERNOON_BLOCK"
	StageStopLoss        Stage = "STOP_LOSS"
	StageInvalidated     Stage = "INVALIDATED"
	StageDailyCap        Stage = "DAILY_CAP"
	StagePositionOpen    Stage = "POSITION_OPEN"
	StageCooldown        Stage = "COOLDOWN"
	StagePendingNotReady Stage = "PENDING_NOT_READY"
)

// Decision is the answer to "can this symbol be entered now".
type Decision struct {
	Symbol      string    `json:"symbol"`
	StrategyTag string    `json:"strategy_tag"`
	Allowed     bool      `json:"allowed"`
	Stage       Stage     `json:"blocking_stage,omitempty"`
	Reason      string    `json:"reason"`
	Category    string    `json:"category,omitempty"`
	Override    bool      `json:"override"`
	Time        time.Time `json:"time"`
}

// EntryFill is a confirmed entry reported back by the execution layer.
type EntryFill struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	StrategyTag string  `json:"strategy_tag" yaml:"strategy_tag"`
	Price       float64 `json:"price" yaml:"price"`
	Qty         int     `json:"qty" yaml:"qty"`
	Reason      string  `json:"reason" yaml:"reason"`
}

// ExitKind is the ledger action of an exit fill.
type ExitKind string

const (
	ExitFull     ExitKind = "EXIT"
	ExitPartial  ExitKind = "PARTIAL_EXIT"
	ExitStopLoss ExitKind = "STOP_LOSS"
)

// ExitFill is a confirmed exit reported back by the execution layer.
type ExitFill struct {
	Symbol string   `json:"symbol" yaml:"symbol"`
	Kind   ExitKind `json:"kind" yaml:"kind"`
	Price  float64  `json:"price" yaml:"price"`
	Qty    int      `json:"qty" yaml:"qty"`
	// PnLPct is the realized return of the closed quantity in percent.
	PnLPct float64 `json:"pnl_pct" yaml:"pnl_pct"`
	Reason string  `json:"reason" yaml:"reason"`
}

// PullbackRequest registers a pullback signal for staged confirmation.
type PullbackRequest struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	StrategyTag string  `json:"strategy_tag" yaml:"strategy_tag"`
	Price       float64 `json:"price" yaml:"price"`
	Low         float64 `json:"low" yaml:"low"`
	Reference   float64 `json:"reference" yaml:"reference"`
}
