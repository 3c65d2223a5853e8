// Package exitreason maps free-form exit descriptions onto the fixed cooldown
// category taxonomy.
package exitreason

import "strings"

// Category is an exit-reason bucket. Cooldown durations and override policy
// are configured per category.
type Category string

const (
	EFNoFollow   Category = "ef_no_follow"
	EFNoDemand   Category = "ef_no_demand"
	EarlyFailure Category = "early_failure"
	StopLoss     Category = "stop_loss"
	TrailingStop Category = "trailing_stop"
	TimeExit     Category = "time_exit"
	TakeProfit   Category = "take_profit"
	PartialExit  Category = "partial_exit"
	Default      Category = "default"
)

// All lists every known category, default last.
var All = []Category{
	EFNoFollow,
	EFNoDemand,
	EarlyFailure,
	StopLoss,
	TrailingStop,
	TimeExit,
	TakeProfit,
	PartialExit,
	Default,
}

type rule struct {
	category Category
	keywords []string
}

// rules is matched top to bottom against the lower-cased reason text; the
// first rule with any matching keyword wins. Subtypes must stay above their
// parent: ef_* before early_failure, trailing_stop before stop_loss.
var rules = []rule{
	{EFNoFollow, []string{"ef_no_follow", "no_follow", "no follow", "no-follow", "후속없음", "후속 없음", "추종실패", "추종 실패"}},
	{EFNoDemand, []string{"ef_no_demand", "no_demand", "no demand", "no-demand", "수요없음", "수요 없음", "매수세 부재"}},
	{EarlyFailure, []string{"early_failure", "early failure", "early_fail", "ef_", "조기실패", "조기 실패"}},
	{TrailingStop, []string{"trailing", "트레일링"}},
	{StopLoss, []string{"stop_loss", "stop loss", "stoploss", "stop-loss", "손절"}},
	{TimeExit, []string{"time_exit", "time exit", "timeout", "time_stop", "시간청산", "시간 청산", "장마감"}},
	{TakeProfit, []string{"take_profit", "take profit", "target", "익절", "목표가"}},
	{PartialExit, []string{"partial", "부분"}},
}

// Classify returns the category for a free-form exit reason. Unmatched or
// empty text yields Default.
func Classify(reason string) Category {
	text := strings.ToLower(strings.TrimSpace(reason))
	if text == "" {
		return Default
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.category
			}
		}
	}
	return Default
}

// Parse validates a configured category name.
func Parse(name string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range All {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// IsEarlyFailure reports whether c belongs to the early-failure family.
func (c Category) IsEarlyFailure() bool {
	return c == EFNoFollow || c == EFNoDemand || c == EarlyFailure
}

// SensorSubtype maps an early-failure subtype to the market sensor event it
// produces. The generic early_failure category produces none.
func (c Category) SensorSubtype() (string, bool) {
	switch c {
	case EFNoFollow:
		return "no_follow", true
	case EFNoDemand:
		return "no_demand", true
	}
	return "", false
}

func (c Category) String() string { return string(c) }
