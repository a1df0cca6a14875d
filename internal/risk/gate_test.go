package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/model"
)

func defaultConfig() config.Risk {
	return config.Risk{
		MaxDailyLossPct:        0.03,
		MaxSingleTradePct:      0.05,
		MaxTotalExposurePct:    0.15,
		MaxConcurrentPositions: 3,
		MaxDrawdownPct:         0.10,
		MaxConsecutiveLosses:   3,
		MaxLeverage:            3.0,
		MaxSLDistancePct:       0.03,
		MinRRRatio:             1.5,
	}
}

func validIntent() model.OrderIntent {
	sl := decimal.NewFromFloat(49500)
	tp := decimal.NewFromFloat(51500)
	return model.OrderIntent{
		Action:     model.ActionOpenLong,
		Instrument: "BTC-USDT-SWAP",
		Size:       decimal.NewFromFloat(0.02),
		StopLoss:   &sl,
		TakeProfit: &tp,
		Leverage:   decimal.NewFromFloat(2),
	}
}

func TestValidate_HappyPathApproves(t *testing.T) {
	g := NewGate(defaultConfig())
	in := ValidationInput{
		Intent:           validIntent(),
		EntryPrice:       50000,
		Equity:           10000,
		DailyStartEquity: 10000,
	}
	result := g.Validate(in)
	if !result.Approved {
		t.Fatalf("expected approval, got failures: %v", result.Failures)
	}
}

func TestValidate_DailyLossHalts(t *testing.T) {
	g := NewGate(defaultConfig())
	in := ValidationInput{
		Intent:           validIntent(),
		EntryPrice:       50000,
		Equity:           9600,
		DailyStartEquity: 10000,
	}
	result := g.Validate(in)
	if result.Approved {
		t.Fatal("expected rejection on daily loss breach")
	}
	if !contains(result.Failures, RuleDailyLoss) {
		t.Errorf("expected daily_loss in failures, got %v", result.Failures)
	}
	if !result.Halt {
		t.Error("expected daily loss breach to set Halt")
	}
	if !g.IsHalted() {
		t.Error("expected gate to be halted after daily loss breach")
	}
}

func TestValidate_TradeSizeRejected(t *testing.T) {
	g := NewGate(defaultConfig())
	intent := validIntent()
	intent.Size = decimal.NewFromFloat(0.20) // size_pct 20% > 5% max single trade
	in := ValidationInput{
		Intent:           intent,
		EntryPrice:       50000,
		Equity:           10000,
		DailyStartEquity: 10000,
	}
	result := g.Validate(in)
	if result.Approved {
		t.Fatal("expected rejection on oversized trade")
	}
	if !contains(result.Failures, RuleTradeSize) {
		t.Errorf("expected trade_size in failures, got %v", result.Failures)
	}
}

func TestValidate_TotalExposureRejected(t *testing.T) {
	g := NewGate(defaultConfig())
	intent := validIntent()
	intent.Size = decimal.NewFromFloat(0.02) // 2% size_pct, within the single-trade limit
	in := ValidationInput{
		Intent:           intent,
		EntryPrice:       50000,
		Equity:           10000,
		DailyStartEquity: 10000,
		// 1400 of real existing notional + 0.02*10000 = 200 new notional
		// = 1600/10000 = 16% >= 15% max total exposure.
		ExistingNotional: 1400,
	}
	result := g.Validate(in)
	if result.Approved {
		t.Fatal("expected rejection on total exposure breach")
	}
	if !contains(result.Failures, RuleTotalExposure) {
		t.Errorf("expected total_exposure in failures, got %v", result.Failures)
	}
}

func TestValidate_MissingStopLossAlwaysRejects(t *testing.T) {
	g := NewGate(defaultConfig())
	intent := validIntent()
	intent.StopLoss = nil
	in := ValidationInput{
		Intent:           intent,
		EntryPrice:       50000,
		Equity:           10000,
		DailyStartEquity: 10000,
	}
	result := g.Validate(in)
	if !contains(result.Failures, RuleStopLoss) {
		t.Errorf("expected stop_loss in failures, got %v", result.Failures)
	}
}

func TestValidate_ZeroStopLossAlwaysRejects(t *testing.T) {
	g := NewGate(defaultConfig())
	intent := validIntent()
	zero := decimal.NewFromFloat(0)
	intent.StopLoss = &zero
	in := ValidationInput{
		Intent:           intent,
		EntryPrice:       50000,
		Equity:           10000,
		DailyStartEquity: 10000,
	}
	result := g.Validate(in)
	if !contains(result.Failures, RuleStopLoss) {
		t.Errorf("expected stop_loss in failures for zero stop loss, got %v", result.Failures)
	}
}

func TestValidate_CorrelationWarnsButApproves(t *testing.T) {
	g := NewGate(defaultConfig())
	in := ValidationInput{
		Intent:                validIntent(),
		EntryPrice:            50000,
		Equity:                10000,
		DailyStartEquity:      10000,
		InstrumentAlreadyHeld: true,
	}
	result := g.Validate(in)
	if !result.Approved {
		t.Fatalf("correlation should warn, not reject: %v", result.Failures)
	}
	if !contains(result.Warnings, RuleCorrelation) {
		t.Errorf("expected correlation warning, got %v", result.Warnings)
	}
}

func TestUpdateOnTradeClose_CooldownAfterThreeLosses(t *testing.T) {
	g := NewGate(defaultConfig())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cooldown := 1800 * time.Second

	g.UpdateOnTradeClose(-50, now, cooldown)
	g.UpdateOnTradeClose(-30, now, cooldown)
	if g.CooldownUntil() != nil {
		t.Fatal("cooldown should not trigger before 3 consecutive losses")
	}
	g.UpdateOnTradeClose(-20, now, cooldown)

	deadline := g.CooldownUntil()
	if deadline == nil {
		t.Fatal("expected cooldown to be set after 3 consecutive losses")
	}
	if !deadline.Equal(now.Add(cooldown)) {
		t.Errorf("expected deadline %v, got %v", now.Add(cooldown), *deadline)
	}

	if !g.InCooldown(now.Add(time.Second)) {
		t.Error("expected gate to report in-cooldown before the deadline")
	}
	if g.InCooldown(now.Add(cooldown + time.Second)) {
		t.Error("expected cooldown to have expired and cleared")
	}
}

func TestUpdateOnTradeClose_WinResetsStreak(t *testing.T) {
	g := NewGate(defaultConfig())
	now := time.Now()
	g.UpdateOnTradeClose(-50, now, time.Hour)
	g.UpdateOnTradeClose(-30, now, time.Hour)
	g.UpdateOnTradeClose(10, now, time.Hour)
	if g.ConsecutiveLosses() != 0 {
		t.Errorf("expected streak reset to 0 after a win, got %d", g.ConsecutiveLosses())
	}
}

func TestReset_ClearsHaltedState(t *testing.T) {
	g := NewGate(defaultConfig())
	in := ValidationInput{
		Intent:           validIntent(),
		EntryPrice:       50000,
		Equity:           9600,
		DailyStartEquity: 10000,
	}
	g.Validate(in)
	if !g.IsHalted() {
		t.Fatal("expected halted state")
	}
	g.Reset()
	if g.IsHalted() {
		t.Error("expected Reset to clear halted state")
	}
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
