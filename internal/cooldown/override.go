package cooldown

import (
	"fmt"
	"time"

	"trade-admission/internal/exitreason"
	"trade-admission/internal/types"
)

// checkOverride applies the override rules in order: blocked categories veto,
// then squeeze, momentum and closing-session rules each authorize on their own.
func (e *Engine) checkOverride(sig types.SignalContext, cat exitreason.Category, now time.Time) (bool, string) {
	oc := e.cfg.Override
	if !oc.Enabled {
		return false, "override disabled"
	}
	if e.cfg.OverrideBlocked(cat) {
		return false, fmt.Sprintf("%s cooldown is never overridable", cat)
	}
	if !types.Positive(sig.Price) {
		return false, "override skipped: invalid price"
	}

	if sq := oc.Squeeze; sq.Enabled && sig.SqueezeActive &&
		types.Finite(sig.BandWidthPercentile) && sig.BandWidthPercentile <= sq.MaxBandWidthPercentile &&
		types.Finite(sig.VolumeMultiple) && sig.VolumeMultiple >= sq.MinVolumeMultiple {
		return true, fmt.Sprintf("squeeze override: bandwidth pct %.1f <= %.1f, volume x%.2f", sig.BandWidthPercentile, sq.MaxBandWidthPercentile, sig.VolumeMultiple)
	}

	if mo := oc.Momentum; mo.Enabled &&
		types.Finite(sig.ROCPct) && sig.ROCPct >= mo.MinROCPct &&
		types.Finite(sig.Momentum) && sig.Momentum >= mo.MinMomentum &&
		types.Positive(sig.Reference) && sig.Price > sig.Reference {
		return true, fmt.Sprintf("momentum override: roc %.2f%%, momentum %.1f, price above reference", sig.ROCPct, sig.Momentum)
	}

	if cl := oc.Close; cl.Enabled && cl.Window.Contains(now) &&
		types.Positive(sig.Reference) && types.Positive(sig.SecondaryReference) &&
		sig.Price > sig.Reference && sig.Price > sig.SecondaryReference {
		if ratio, ok := sig.VolumeRatio(); ok && ratio >= cl.MinVolumeRatio {
			return true, fmt.Sprintf("closing-session override: above both references, volume ratio %.2f", ratio)
		}
	}

	return false, "no override rule satisfied"
}
