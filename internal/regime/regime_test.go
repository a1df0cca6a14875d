package regime

import (
	"testing"

	"github.com/nimbus-trading/derivagent/internal/model"
)

func TestClassify_BoundaryCases(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want model.Regime
	}{
		{"adx exactly 25 is not trending", Inputs{ADX: 25.0, EMA20Slope: 0.003, ATR: 1.0, AvgATR20: 1.0}, model.RegimeRanging},
		{"adx just above 25 trends up", Inputs{ADX: 25.01, EMA20Slope: 0.003, ATR: 1.0, AvgATR20: 1.0}, model.RegimeTrendingUp},
		{"slope exactly at threshold does not trend", Inputs{ADX: 30, EMA20Slope: 0.002, ATR: 1.0, AvgATR20: 1.0}, model.RegimeRanging},
		{"slope just above threshold trends up", Inputs{ADX: 30, EMA20Slope: 0.0021, ATR: 1.0, AvgATR20: 1.0}, model.RegimeTrendingUp},
		{"atr ratio exactly 1.5 is ranging", Inputs{ADX: 20, EMA20Slope: 0, ATR: 1.5, AvgATR20: 1.0}, model.RegimeRanging},
		{"atr ratio just above 1.5 is volatile", Inputs{ADX: 20, EMA20Slope: 0, ATR: 1.51, AvgATR20: 1.0}, model.RegimeVolatile},
		{"trending wins over volatile", Inputs{ADX: 30, EMA20Slope: 0.003, ATR: 2.0, AvgATR20: 1.0}, model.RegimeTrendingUp},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); got != tc.want {
				t.Errorf("Classify(%+v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestClassify_TrendingDown(t *testing.T) {
	got := Classify(Inputs{ADX: 30, EMA20Slope: -0.003, ATR: 1.0, AvgATR20: 1.0})
	if got != model.RegimeTrendingDown {
		t.Errorf("expected trending_down, got %v", got)
	}
}

func TestEMA20Slope(t *testing.T) {
	series := []float64{100, 101, 102, 103, 104}
	slope := EMA20Slope(series, 4)
	want := (104.0 - 100.0) / 100.0
	if slope != want {
		t.Errorf("expected slope %v, got %v", want, slope)
	}
}

func TestAvgATR(t *testing.T) {
	series := []float64{1, 2, 3, 4}
	avg := AvgATR(series, 2)
	if avg != 3.5 {
		t.Errorf("expected avg 3.5, got %v", avg)
	}
}
