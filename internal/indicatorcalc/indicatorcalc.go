// Package indicatorcalc computes the full per-(instrument, timeframe)
// IndicatorSet from a candle window. Every function here is stateless
// and deterministic — given the same candle slice, it returns the same
// result — generalized from
// NitinKhare-trader/internal/strategy/indicators.go.
//
// Unlike the teacher, which falls back to a sentinel value (RSI 50,
// ATR 0) when the window is too short, every indicator here returns a
// nil pointer on insufficient data: the model's "any field may be
// absent" contract means callers must branch on nil rather than trust
// a magic neutral value.
package indicatorcalc

import (
	"math"

	"github.com/nimbus-trading/derivagent/internal/model"
)

func closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

func highs(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.High.Float64()
	}
	return out
}

func lows(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Low.Float64()
	}
	return out
}

func volumes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Volume.Float64()
	}
	return out
}

func ptr(f float64) *float64 { return &f }

// RSI computes a Wilder-smoothed Relative Strength Index over period.
func RSI(values []float64, period int) *float64 {
	if len(values) < period+1 {
		return nil
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum += math.Abs(change)
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = math.Abs(change)
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return ptr(100)
	}
	rs := avgGain / avgLoss
	return ptr(100 - (100 / (1 + rs)))
}

// EMASeries returns the exponential moving average at every index once
// enough values have accumulated; indices before that are NaN.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period {
		return out
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	sma := sum / float64(period)
	out[period-1] = sma

	k := 2.0 / float64(period+1)
	prev := sma
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// EMA returns the most recent EMA value, or nil if the window is too short.
func EMA(values []float64, period int) *float64 {
	series := EMASeries(values, period)
	if len(series) == 0 || math.IsNaN(series[len(series)-1]) {
		return nil
	}
	return ptr(series[len(series)-1])
}

// MACD returns the MACD line, signal line, and histogram for the
// standard (12, 26, 9) configuration.
func MACD(values []float64, fast, slow, signal int) (line, sig, hist *float64) {
	if len(values) < slow+signal {
		return nil, nil, nil
	}

	fastSeries := EMASeries(values, fast)
	slowSeries := EMASeries(values, slow)

	macdSeries := make([]float64, len(values))
	for i := range macdSeries {
		macdSeries[i] = math.NaN()
	}
	for i := slow - 1; i < len(values); i++ {
		if !math.IsNaN(fastSeries[i]) && !math.IsNaN(slowSeries[i]) {
			macdSeries[i] = fastSeries[i] - slowSeries[i]
		}
	}

	var macdValues []float64
	for _, v := range macdSeries {
		if !math.IsNaN(v) {
			macdValues = append(macdValues, v)
		}
	}
	if len(macdValues) < signal {
		return nil, nil, nil
	}
	signalSeries := EMASeries(macdValues, signal)

	lastMACD := macdValues[len(macdValues)-1]
	lastSignal := signalSeries[len(signalSeries)-1]
	if math.IsNaN(lastSignal) {
		return nil, nil, nil
	}
	return ptr(lastMACD), ptr(lastSignal), ptr(lastMACD - lastSignal)
}

// macdPenultimate recomputes MACD/signal one bar earlier, used only to
// detect a cross for the derived MACDSignal categorical field.
func macdPenultimate(values []float64, fast, slow, signal int) (line, sig *float64) {
	if len(values) < 2 {
		return nil, nil
	}
	return macdLineAndSignal(values[:len(values)-1], fast, slow, signal)
}

func macdLineAndSignal(values []float64, fast, slow, signal int) (*float64, *float64) {
	l, s, _ := MACD(values, fast, slow, signal)
	return l, s
}

// Bollinger returns the (upper, middle, lower) band at the given period
// and standard-deviation multiplier.
func Bollinger(values []float64, period int, mult float64) (upper, middle, lower *float64) {
	if len(values) < period {
		return nil, nil, nil
	}
	window := values[len(values)-period:]

	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)

	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stdDev := math.Sqrt(variance / float64(period))

	return ptr(mean + mult*stdDev), ptr(mean), ptr(mean - mult*stdDev)
}

// ATR computes the Wilder average true range, matching the teacher's
// CalculateATR shape but returning nil instead of a last-bar fallback.
func ATR(candles []model.Candle, period int) *float64 {
	if len(candles) < period+1 {
		return nil
	}

	h, l := highs(candles), lows(candles)
	c := closes(candles)

	var trs []float64
	for i := 1; i < len(candles); i++ {
		tr1 := h[i] - l[i]
		tr2 := math.Abs(h[i] - c[i-1])
		tr3 := math.Abs(l[i] - c[i-1])
		trs = append(trs, math.Max(tr1, math.Max(tr2, tr3)))
	}
	if len(trs) < period {
		return nil
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return ptr(atr)
}

// VWAP computes the volume-weighted average price over the full candle
// window supplied (the caller is responsible for windowing to the
// session it wants VWAP anchored to).
func VWAP(candles []model.Candle) *float64 {
	if len(candles) == 0 {
		return nil
	}

	var pvSum, volSum float64
	for _, c := range candles {
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		close, _ := c.Close.Float64()
		vol, _ := c.Volume.Float64()
		typical := (high + low + close) / 3
		pvSum += typical * vol
		volSum += vol
	}
	if volSum == 0 {
		return nil
	}
	return ptr(pvSum / volSum)
}

// ADX computes the Wilder-smoothed Average Directional Index.
func ADX(candles []model.Candle, period int) *float64 {
	if len(candles) < period*2 {
		return nil
	}

	h, l, c := highs(candles), lows(candles), closes(candles)

	var plusDM, minusDM, tr []float64
	for i := 1; i < len(candles); i++ {
		upMove := h[i] - h[i-1]
		downMove := l[i-1] - l[i]

		switch {
		case upMove > downMove && upMove > 0:
			plusDM = append(plusDM, upMove)
		default:
			plusDM = append(plusDM, 0)
		}
		switch {
		case downMove > upMove && downMove > 0:
			minusDM = append(minusDM, downMove)
		default:
			minusDM = append(minusDM, 0)
		}

		tr1 := h[i] - l[i]
		tr2 := math.Abs(h[i] - c[i-1])
		tr3 := math.Abs(l[i] - c[i-1])
		tr = append(tr, math.Max(tr1, math.Max(tr2, tr3)))
	}

	smoothedTR := wilderSmooth(tr, period)
	smoothedPlusDM := wilderSmooth(plusDM, period)
	smoothedMinusDM := wilderSmooth(minusDM, period)
	if smoothedTR == nil || smoothedPlusDM == nil || smoothedMinusDM == nil {
		return nil
	}

	n := len(smoothedTR)
	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		if smoothedTR[i] == 0 {
			dx[i] = 0
			continue
		}
		plusDI := 100 * smoothedPlusDM[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinusDM[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}

	if len(dx) < period {
		return nil
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += dx[i]
	}
	adx := sum / float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return ptr(adx)
}

// wilderSmooth applies Wilder's running-sum smoothing: the first value
// is the sum of the first `period` entries, each subsequent value
// subtracts 1/period of the prior smoothed value and adds the new one.
func wilderSmooth(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out := []float64{sum}
	for i := period; i < len(values); i++ {
		sum = sum - sum/float64(period) + values[i]
		out = append(out, sum)
	}
	return out
}

// StochRSI computes the stochastic RSI %K and %D over a 14-period RSI
// series with a 14-period stochastic window and 3/3 smoothing, matching
// the spec's (14,14,3,3) configuration.
func StochRSI(values []float64, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (k, d *float64) {
	rsiSeries := rsiSeriesFull(values, rsiPeriod)
	if len(rsiSeries) < stochPeriod {
		return nil, nil
	}

	var raw []float64
	for i := stochPeriod - 1; i < len(rsiSeries); i++ {
		window := rsiSeries[i-stochPeriod+1 : i+1]
		lo, hi := window[0], window[0]
		for _, v := range window {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			raw = append(raw, 0)
			continue
		}
		raw = append(raw, 100*(window[len(window)-1]-lo)/(hi-lo))
	}
	if len(raw) < kSmooth {
		return nil, nil
	}

	kSeries := smaSeries(raw, kSmooth)
	if len(kSeries) < dSmooth {
		return ptr(kSeries[len(kSeries)-1]), nil
	}
	dSeries := smaSeries(kSeries, dSmooth)
	return ptr(kSeries[len(kSeries)-1]), ptr(dSeries[len(dSeries)-1])
}

func smaSeries(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	for i := period - 1; i < len(values); i++ {
		var sum float64
		for j := i - period + 1; j <= i; j++ {
			sum += values[j]
		}
		out = append(out, sum/float64(period))
	}
	return out
}

// rsiSeriesFull computes an RSI value at every index once the window is
// long enough, used internally by StochRSI.
func rsiSeriesFull(values []float64, period int) []float64 {
	if len(values) < period+1 {
		return nil
	}
	out := make([]float64, 0, len(values)-period)
	for end := period + 1; end <= len(values); end++ {
		if v := RSI(values[:end], period); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// OBV computes the on-balance volume accumulated across the window.
func OBV(candles []model.Candle) *float64 {
	if len(candles) == 0 {
		return nil
	}
	c, v := closes(candles), volumes(candles)
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case c[i] > c[i-1]:
			obv += v[i]
		case c[i] < c[i-1]:
			obv -= v[i]
		}
	}
	return ptr(obv)
}

// Ichimoku computes the Tenkan-sen (9), Kijun-sen (26), and the two
// Senkou spans (26, 52), matching the spec's (9, 26, 52) configuration.
func Ichimoku(candles []model.Candle, tenkanPeriod, kijunPeriod, senkouBPeriod int) (tenkan, kijun, senkouA, senkouB *float64) {
	midpoint := func(period int) *float64 {
		if len(candles) < period {
			return nil
		}
		window := candles[len(candles)-period:]
		hi, _ := window[0].High.Float64()
		lo, _ := window[0].Low.Float64()
		for _, c := range window {
			h, _ := c.High.Float64()
			l, _ := c.Low.Float64()
			if h > hi {
				hi = h
			}
			if l < lo {
				lo = l
			}
		}
		return ptr((hi + lo) / 2)
	}

	tenkan = midpoint(tenkanPeriod)
	kijun = midpoint(kijunPeriod)
	senkouB = midpoint(senkouBPeriod)
	if tenkan != nil && kijun != nil {
		senkouA = ptr((*tenkan + *kijun) / 2)
	}
	return
}

// SupportResistance returns candidate support and resistance levels as
// the lows/highs of local swing points (a candle whose high/low is the
// extreme of its immediate 2-candle neighborhood on each side).
func SupportResistance(candles []model.Candle) (support, resistance []float64) {
	if len(candles) < 5 {
		return nil, nil
	}
	h, l := highs(candles), lows(candles)
	for i := 2; i < len(candles)-2; i++ {
		if h[i] > h[i-1] && h[i] > h[i-2] && h[i] > h[i+1] && h[i] > h[i+2] {
			resistance = append(resistance, h[i])
		}
		if l[i] < l[i-1] && l[i] < l[i-2] && l[i] < l[i+1] && l[i] < l[i+2] {
			support = append(support, l[i])
		}
	}
	return support, resistance
}

// VolumeRatio is the most recent candle's volume divided by the average
// volume over the preceding period.
func VolumeRatio(candles []model.Candle, period int) *float64 {
	if len(candles) < period+1 {
		return nil
	}
	v := volumes(candles)
	window := v[len(v)-period-1 : len(v)-1]
	var sum float64
	for _, x := range window {
		sum += x
	}
	avg := sum / float64(period)
	if avg == 0 {
		return nil
	}
	return ptr(v[len(v)-1] / avg)
}

// BBPosition classifies the last close against the Bollinger bands.
func BBPosition(lastClose float64, upper, lower *float64) model.BBPosition {
	if upper == nil || lower == nil {
		return ""
	}
	switch {
	case lastClose > *upper:
		return model.BBPositionAboveUpper
	case lastClose < *lower:
		return model.BBPositionBelowLower
	case lastClose >= (*upper+*lower)/2:
		return model.BBPositionUpperHalf
	default:
		return model.BBPositionLowerHalf
	}
}

// EMAAlignment classifies the 20/50/200 EMA stack ordering.
func EMAAlignment(ema20, ema50, ema200 *float64) model.EMAAlignment {
	if ema20 == nil || ema50 == nil || ema200 == nil {
		return ""
	}
	switch {
	case *ema20 > *ema50 && *ema50 > *ema200:
		return model.EMAAlignmentBullish
	case *ema20 < *ema50 && *ema50 < *ema200:
		return model.EMAAlignmentBearish
	default:
		return model.EMAAlignmentMixed
	}
}

// MACDSignalClass detects a bullish/bearish cross in the most recent bar
// by comparing the current and prior bar's line-vs-signal relationship;
// absent a cross, classifies as neutral.
func MACDSignalClass(values []float64, fast, slow, signal int) model.MACDSignal {
	line, sig, _ := MACD(values, fast, slow, signal)
	if line == nil || sig == nil {
		return ""
	}
	prevLine, prevSig := macdPenultimate(values, fast, slow, signal)
	if prevLine == nil || prevSig == nil {
		return model.MACDSignalNeutral
	}
	crossedUp := *prevLine <= *prevSig && *line > *sig
	crossedDown := *prevLine >= *prevSig && *line < *sig
	switch {
	case crossedUp:
		return model.MACDSignalBullishCross
	case crossedDown:
		return model.MACDSignalBearishCross
	default:
		return model.MACDSignalNeutral
	}
}

// Compute builds the complete IndicatorSet for one (instrument,
// timeframe) candle window, per the spec's fixed indicator
// configuration: RSI14, MACD(12,26,9), Bollinger(20,2), EMA{20,50,200},
// ATR14, VWAP, ADX14, StochRSI(14,14,3,3), OBV, Ichimoku(9,26,52).
func Compute(candles []model.Candle) model.IndicatorSet {
	c := closes(candles)

	macdLine, macdSignal, macdHist := MACD(c, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := Bollinger(c, 20, 2)
	ema20 := EMA(c, 20)
	ema50 := EMA(c, 50)
	ema200 := EMA(c, 200)
	stochK, stochD := StochRSI(c, 14, 14, 3, 3)
	tenkan, kijun, senkouA, senkouB := Ichimoku(candles, 9, 26, 52)
	support, resistance := SupportResistance(candles)

	set := model.IndicatorSet{
		RSI14: RSI(c, 14),

		MACDLine:      macdLine,
		MACDSignalLn:  macdSignal,
		MACDHistogram: macdHist,

		BBUpper:  bbUpper,
		BBMiddle: bbMiddle,
		BBLower:  bbLower,

		EMA20:  ema20,
		EMA50:  ema50,
		EMA200: ema200,

		ATR14: ATR(candles, 14),
		VWAP:  VWAP(candles),
		ADX14: ADX(candles, 14),

		StochRSIK: stochK,
		StochRSID: stochD,

		OBV: OBV(candles),

		IchimokuTenkan:  tenkan,
		IchimokuKijun:   kijun,
		IchimokuSenkouA: senkouA,
		IchimokuSenkouB: senkouB,

		SupportLevels:    support,
		ResistanceLevels: resistance,

		VolumeRatio: VolumeRatio(candles, 20),

		EMAAlignment: EMAAlignment(ema20, ema50, ema200),
		MACDSignalC:  MACDSignalClass(c, 12, 26, 9),
	}
	if len(c) > 0 {
		set.BBPosition = BBPosition(c[len(c)-1], bbUpper, bbLower)
	}
	return set
}
