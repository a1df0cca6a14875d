// Package regime classifies the 4H market condition from the
// indicator set's ADX, ATR, and the 20-EMA slope (spec §4.2 step 3).
// Boundaries are strict inequalities and trending always takes
// precedence over volatile.
package regime

import "github.com/nimbus-trading/derivagent/internal/model"

// Inputs bundles the three classifier inputs so callers don't have to
// reach back into a full IndicatorSet plus a separately-computed slope
// and average ATR.
type Inputs struct {
	ADX          float64
	EMA20Slope   float64 // fractional, e.g. 0.003 = +0.3%
	ATR          float64
	AvgATR20     float64
}

// Classify applies the condition table:
//
//	ADX > 25 and slope > +0.2%  -> trending_up
//	ADX > 25 and slope < -0.2%  -> trending_down
//	ATR / avg(ATR,20) > 1.5     -> volatile (only if not trending)
//	otherwise                   -> ranging
func Classify(in Inputs) model.Regime {
	const (
		adxThreshold   = 25.0
		slopeThreshold = 0.002
		atrRatioCap    = 1.5
	)

	if in.ADX > adxThreshold && in.EMA20Slope > slopeThreshold {
		return model.RegimeTrendingUp
	}
	if in.ADX > adxThreshold && in.EMA20Slope < -slopeThreshold {
		return model.RegimeTrendingDown
	}
	if in.AvgATR20 > 0 && in.ATR/in.AvgATR20 > atrRatioCap {
		return model.RegimeVolatile
	}
	return model.RegimeRanging
}

// EMA20Slope computes the fractional change of a value series over the
// last `lookback` bars: (last - lookback-bars-ago) / lookback-bars-ago.
// Used to derive Inputs.EMA20Slope from an EMA series.
func EMA20Slope(emaSeries []float64, lookback int) float64 {
	n := len(emaSeries)
	if n <= lookback || lookback <= 0 {
		return 0
	}
	prev := emaSeries[n-1-lookback]
	if prev == 0 {
		return 0
	}
	return (emaSeries[n-1] - prev) / prev
}

// AvgATR computes the simple average of the last `period` values in an
// ATR series, used for the ATR/avg(ATR,20) ratio input.
func AvgATR(atrSeries []float64, period int) float64 {
	n := len(atrSeries)
	if n < period || period <= 0 {
		return 0
	}
	var sum float64
	for _, v := range atrSeries[n-period:] {
		sum += v
	}
	return sum / float64(period)
}
