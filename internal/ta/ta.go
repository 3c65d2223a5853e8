package ta

import (
	"math"
	"sort"

	"trade-admission/internal/types"
)

// Bar is one OHLCV candle, oldest first in every slice this package takes.
type Bar struct {
	High   float64 `json:"high" yaml:"high"`
	Low    float64 `json:"low" yaml:"low"`
	Close  float64 `json:"close" yaml:"close"`
	Volume float64 `json:"volume" yaml:"volume"`
}

func SMA(vals []float64, n int) float64 {
	if len(vals) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(vals) - n; i < len(vals); i++ {
		sum += vals[i]
	}
	return sum / float64(n)
}

func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100.0
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100.0 - (100.0 / (1.0 + rs))
}

func StdDev(vals []float64, n int) float64 {
	if len(vals) < n || n <= 0 {
		return math.NaN()
	}
	m := SMA(vals, n)
	s := 0.0
	for i := len(vals) - n; i < len(vals); i++ {
		d := vals[i] - m
		s += d * d
	}
	return math.Sqrt(s / float64(n))
}

func Bollinger(closes []float64, n int, k float64) (mid, up, low float64) {
	mid = SMA(closes, n)
	sd := StdDev(closes, n)
	up = mid + k*sd
	low = mid - k*sd
	return
}

func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return math.NaN()
	}
	n := period
	if len(closes) < n+1 || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - n; i < len(closes); i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		sum += math.Max(tr1, math.Max(tr2, tr3))
	}
	return sum / float64(n)
}

// ROC is the percent change of the last close over period bars.
func ROC(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	base := closes[len(closes)-1-period]
	if base == 0 {
		return math.NaN()
	}
	return (closes[len(closes)-1]/base - 1) * 100
}

// BandWidths returns the Bollinger bandwidth in percent of the middle band
// for every bar with a full window.
func BandWidths(closes []float64, n int, k float64) []float64 {
	if n <= 0 || len(closes) < n {
		return nil
	}
	out := make([]float64, 0, len(closes)-n+1)
	for i := n; i <= len(closes); i++ {
		mid, up, low := Bollinger(closes[:i], n, k)
		if mid == 0 {
			out = append(out, math.NaN())
			continue
		}
		out = append(out, (up-low)/mid*100)
	}
	return out
}

// PercentileRank is the share of the last lookback values at or below the
// final one, in percent.
func PercentileRank(vals []float64, lookback int) float64 {
	if lookback > 0 && len(vals) > lookback {
		vals = vals[len(vals)-lookback:]
	}
	if len(vals) < 2 {
		return math.NaN()
	}
	last := vals[len(vals)-1]
	if math.IsNaN(last) {
		return math.NaN()
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	below := sort.Search(len(sorted), func(i int) bool { return sorted[i] > last })
	return float64(below) / float64(len(sorted)) * 100
}

// Params sets the lookbacks used by Compute.
type Params struct {
	BandPeriod        int
	BandK             float64
	BandWidthLookback int
	SqueezePercentile float64
	ROCPeriod         int
	RSIPeriod         int
	VolumePeriod      int
	ATRPeriod         int
	LowPeriod         int
}

func DefaultParams() Params {
	return Params{
		BandPeriod:        20,
		BandK:             2,
		BandWidthLookback: 60,
		SqueezePercentile: 20,
		ROCPeriod:         10,
		RSIPeriod:         14,
		VolumePeriod:      20,
		ATRPeriod:         14,
		LowPeriod:         5,
	}
}

// Features are the signal inputs derivable from bars. Fields that need more
// history than supplied are NaN.
type Features struct {
	Price               float64
	RecentLow           float64
	RecentVolume        float64
	AvgVolume           float64
	VolumeMultiple      float64
	BandWidthPercentile float64
	SqueezeActive       bool
	ROCPct              float64
	Momentum            float64
	VolatilityPct       float64
}

func Compute(bars []Bar, p Params) Features {
	f := Features{
		Price:               math.NaN(),
		RecentLow:           math.NaN(),
		RecentVolume:        math.NaN(),
		AvgVolume:           math.NaN(),
		VolumeMultiple:      math.NaN(),
		BandWidthPercentile: math.NaN(),
		ROCPct:              math.NaN(),
		Momentum:            math.NaN(),
		VolatilityPct:       math.NaN(),
	}
	if len(bars) == 0 {
		return f
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	vols := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], highs[i], lows[i], vols[i] = b.Close, b.High, b.Low, b.Volume
	}
	last := len(bars) - 1

	f.Price = closes[last]
	f.RecentVolume = vols[last]
	lowN := p.LowPeriod
	if lowN <= 0 || lowN > len(lows) {
		lowN = len(lows)
	}
	f.RecentLow = lows[last]
	for _, l := range lows[len(lows)-lowN:] {
		f.RecentLow = math.Min(f.RecentLow, l)
	}

	// The average excludes the bar being measured.
	f.AvgVolume = SMA(vols[:last], p.VolumePeriod)
	if types.Positive(f.AvgVolume) {
		f.VolumeMultiple = f.RecentVolume / f.AvgVolume
	}

	f.BandWidthPercentile = PercentileRank(BandWidths(closes, p.BandPeriod, p.BandK), p.BandWidthLookback)
	f.SqueezeActive = types.Finite(f.BandWidthPercentile) && f.BandWidthPercentile <= p.SqueezePercentile
	f.ROCPct = ROC(closes, p.ROCPeriod)
	f.Momentum = RSI(closes, p.RSIPeriod)
	if atr := ATR(highs, lows, closes, p.ATRPeriod); types.Finite(atr) && types.Positive(f.Price) {
		f.VolatilityPct = atr / f.Price * 100
	}
	return f
}

// Enrich fills the zero-valued indicator fields of sig from bars. Values the
// caller already set are kept.
func Enrich(sig *types.SignalContext, bars []Bar, p Params) {
	f := Compute(bars, p)
	fill := func(dst *float64, v float64) {
		if *dst == 0 && types.Finite(v) {
			*dst = v
		}
	}
	fill(&sig.Price, f.Price)
	fill(&sig.RecentLow, f.RecentLow)
	fill(&sig.RecentVolume, f.RecentVolume)
	fill(&sig.AvgVolume, f.AvgVolume)
	fill(&sig.VolumeMultiple, f.VolumeMultiple)
	fill(&sig.BandWidthPercentile, f.BandWidthPercentile)
	fill(&sig.ROCPct, f.ROCPct)
	fill(&sig.Momentum, f.Momentum)
	fill(&sig.Volatility, f.VolatilityPct)
	if !sig.SqueezeActive {
		sig.SqueezeActive = f.SqueezeActive
	}
}
