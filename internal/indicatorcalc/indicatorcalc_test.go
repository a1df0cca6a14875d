package indicatorcalc

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

func mkCandles(closesVals []float64) []model.Candle {
	out := make([]model.Candle, len(closesVals))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range closesVals {
		d := decimal.NewFromFloat(v)
		out[i] = model.Candle{
			Instrument: "BTC-USDT-SWAP",
			Timeframe:  model.Timeframe1H,
			Time:       base.Add(time.Duration(i) * time.Hour),
			Open:       d,
			High:       d.Add(decimal.NewFromFloat(0.5)),
			Low:        d.Sub(decimal.NewFromFloat(0.5)),
			Close:      d,
			Volume:     decimal.NewFromFloat(100 + float64(i)),
		}
	}
	return out
}

func TestRSI_InsufficientData(t *testing.T) {
	if v := RSI([]float64{1, 2, 3}, 14); v != nil {
		t.Fatalf("expected nil RSI for short window, got %v", *v)
	}
}

func TestRSI_AllGains(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i + 1)
	}
	v := RSI(values, 14)
	if v == nil {
		t.Fatal("expected RSI value")
	}
	if *v != 100 {
		t.Errorf("expected RSI 100 for monotonic gains, got %v", *v)
	}
}

func TestEMA_InsufficientData(t *testing.T) {
	if v := EMA([]float64{1, 2}, 20); v != nil {
		t.Fatalf("expected nil EMA, got %v", *v)
	}
}

func TestBollinger_Basic(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 100
	}
	upper, middle, lower := Bollinger(values, 20, 2)
	if upper == nil || middle == nil || lower == nil {
		t.Fatal("expected bollinger values")
	}
	if *middle != 100 {
		t.Errorf("expected middle band 100 for flat series, got %v", *middle)
	}
	if *upper != 100 || *lower != 100 {
		t.Errorf("expected zero-width bands for zero-variance series, got upper=%v lower=%v", *upper, *lower)
	}
}

func TestATR_InsufficientData(t *testing.T) {
	candles := mkCandles([]float64{100, 101})
	if v := ATR(candles, 14); v != nil {
		t.Fatalf("expected nil ATR, got %v", *v)
	}
}

func TestVWAP_Basic(t *testing.T) {
	candles := mkCandles([]float64{100, 101, 102})
	v := VWAP(candles)
	if v == nil {
		t.Fatal("expected VWAP value")
	}
	if *v <= 99 || *v >= 103 {
		t.Errorf("VWAP %v out of expected range", *v)
	}
}

func TestOBV_DirectionSensitive(t *testing.T) {
	up := mkCandles([]float64{100, 101, 102, 103})
	down := mkCandles([]float64{100, 99, 98, 97})

	upOBV := OBV(up)
	downOBV := OBV(down)
	if upOBV == nil || downOBV == nil {
		t.Fatal("expected OBV values")
	}
	if *upOBV <= 0 {
		t.Errorf("expected positive OBV on rising closes, got %v", *upOBV)
	}
	if *downOBV >= 0 {
		t.Errorf("expected negative OBV on falling closes, got %v", *downOBV)
	}
}

func TestBBPosition_Classification(t *testing.T) {
	upper, lower := ptr(110), ptr(90)
	if got := BBPosition(120, upper, lower); got != model.BBPositionAboveUpper {
		t.Errorf("expected above_upper, got %v", got)
	}
	if got := BBPosition(80, upper, lower); got != model.BBPositionBelowLower {
		t.Errorf("expected below_lower, got %v", got)
	}
	if got := BBPosition(105, upper, lower); got != model.BBPositionUpperHalf {
		t.Errorf("expected upper_half, got %v", got)
	}
	if got := BBPosition(95, upper, lower); got != model.BBPositionLowerHalf {
		t.Errorf("expected lower_half, got %v", got)
	}
}

func TestEMAAlignment_Classification(t *testing.T) {
	bullish := EMAAlignment(ptr(110), ptr(100), ptr(90))
	if bullish != model.EMAAlignmentBullish {
		t.Errorf("expected bullish, got %v", bullish)
	}
	bearish := EMAAlignment(ptr(90), ptr(100), ptr(110))
	if bearish != model.EMAAlignmentBearish {
		t.Errorf("expected bearish, got %v", bearish)
	}
	mixed := EMAAlignment(ptr(100), ptr(110), ptr(90))
	if mixed != model.EMAAlignmentMixed {
		t.Errorf("expected mixed, got %v", mixed)
	}
}

func TestCompute_HandlesShortWindowWithoutPanicking(t *testing.T) {
	candles := mkCandles([]float64{100, 101, 99, 102})
	set := Compute(candles)
	if set.RSI14 != nil {
		t.Error("expected nil RSI14 for a 4-candle window")
	}
	if set.EMA200 != nil {
		t.Error("expected nil EMA200 for a 4-candle window")
	}
}

func TestCompute_LongWindowPopulatesCoreFields(t *testing.T) {
	values := make([]float64, 260)
	for i := range values {
		values[i] = 100 + math.Sin(float64(i)/10)*5
	}
	candles := mkCandles(values)
	set := Compute(candles)

	if set.RSI14 == nil {
		t.Error("expected RSI14 to be populated")
	}
	if set.EMA20 == nil || set.EMA50 == nil || set.EMA200 == nil {
		t.Error("expected all EMA windows to be populated")
	}
	if set.ATR14 == nil {
		t.Error("expected ATR14 to be populated")
	}
	if set.MACDLine == nil || set.MACDSignalLn == nil {
		t.Error("expected MACD to be populated")
	}
}
