// Package risk implements the orchestrator's hardcoded risk gate: 11
// independently-evaluated circuit breakers that the analysis adapter
// cannot override (spec §4.5). Generalized from NitinKhare-trader's
// internal/risk/risk.go Manager (same "checkX accumulates into a
// result" idiom, same never-overridable framing) and its
// circuit_breaker.go (same mutex-guarded, trip/cooldown/manual-reset
// shape, here driving the consecutive-loss cooldown and the terminal
// halt instead of a generic failure counter).
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/model"
)

// Rule names as they appear in RiskResult.Failures/Warnings and in the
// persisted rejection journal — spec §4.5 table, numbered 1-11.
const (
	RuleDailyLoss        = "daily_loss"
	RuleMaxDrawdown       = "max_drawdown"
	RuleConcurrentPositions = "concurrent_positions"
	RuleTotalExposure     = "total_exposure"
	RuleTradeSize         = "trade_size"
	RuleLeverage          = "leverage"
	RuleStopLoss          = "stop_loss"
	RuleSLDistance        = "sl_distance"
	RuleRRRatio           = "rr_ratio"
	RuleCooldown          = "cooldown"
	RuleCorrelation       = "correlation"
)

// ValidationInput bundles everything the gate needs to evaluate one
// OrderIntent; the orchestrator assembles it from the cached
// AccountState, open positions, and the candidate intent.
type ValidationInput struct {
	Intent                model.OrderIntent
	EntryPrice            float64
	Equity                float64
	DailyStartEquity      float64
	OpenPositionsCount    int
	ExistingNotional      float64 // sum of notional across open positions, excluding this intent
	InstrumentAlreadyHeld bool    // true if a position already exists on Intent.Instrument
}

// Result is the accumulated outcome of one Validate call.
type Result struct {
	Approved bool
	Failures []string
	Warnings []string
	// Halt is set when a failure requires the orchestrator to
	// transition to HALTED rather than simply rejecting this intent
	// (rules 1 and 2).
	Halt bool
}

func (r *Result) reject(rule string) {
	r.Approved = false
	r.Failures = append(r.Failures, rule)
}

func (r *Result) warn(rule string) {
	r.Warnings = append(r.Warnings, rule)
}

// Gate enforces the fixed rule set and owns the cross-cycle state the
// rules depend on: consecutive losses, cooldown deadline, peak equity,
// and the terminal halted flag.
type Gate struct {
	mu sync.Mutex

	cfg config.Risk

	consecutiveLosses int
	cooldownUntil     *time.Time
	peakEquity        float64
	dailyStartEquity  float64
	halted            bool
	haltReason        string
}

// NewGate constructs a Gate from the static risk configuration. Initial
// peak/daily-start equity are supplied by the caller after rehydrating
// persisted state (or seeded from the first observed AccountState).
func NewGate(cfg config.Risk) *Gate {
	return &Gate{cfg: cfg}
}

// Restore seeds cross-restart state from the repository-backed
// snapshot (storage.RiskState), matching the teacher's config
// hot-reload/restore pattern but for persisted circuit state rather
// than static config.
func (g *Gate) Restore(consecutiveLosses int, cooldownUntil *time.Time, halted bool, peakEquity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveLosses = consecutiveLosses
	g.cooldownUntil = cooldownUntil
	g.halted = halted
	g.peakEquity = peakEquity
}

// SetDailyStartEquity is called by the daily scheduler at 00:00 UTC.
func (g *Gate) SetDailyStartEquity(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyStartEquity = equity
}

// ObserveEquity updates the monotonic peak-equity tracker used by the
// drawdown rule. Call on every AccountState update.
func (g *Gate) ObserveEquity(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity > g.peakEquity {
		g.peakEquity = equity
	}
}

// IsHalted reports the terminal halt state. Only Reset clears it.
func (g *Gate) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// HaltReason returns why the gate halted, empty if not halted.
func (g *Gate) HaltReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltReason
}

// Reset clears halted and cooldown state. Requires explicit operator
// action — nothing in this package calls it automatically.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.haltReason = ""
	g.cooldownUntil = nil
	g.consecutiveLosses = 0
}

// CooldownUntil returns the current cooldown deadline, nil if none.
func (g *Gate) CooldownUntil() *time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil
}

// InCooldown reports whether now is before the cooldown deadline,
// clearing an expired deadline as a side effect (spec §4.4 step 2:
// "if expired, transition to IDLE and clear the deadline").
func (g *Gate) InCooldown(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cooldownUntil == nil {
		return false
	}
	if now.Before(*g.cooldownUntil) {
		return true
	}
	g.cooldownUntil = nil
	return false
}

// UpdateOnTradeClose records the realized pnl of a closed trade:
// consecutive_losses increments on pnl < 0 and resets to 0 on pnl >= 0;
// reaching MaxConsecutiveLosses sets cooldown_until to
// now + COOLDOWN_AFTER_LOSS_STREAK.
func (g *Gate) UpdateOnTradeClose(pnl float64, now time.Time, cooldownDuration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pnl < 0 {
		g.consecutiveLosses++
	} else {
		g.consecutiveLosses = 0
	}

	if g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		deadline := now.Add(cooldownDuration)
		g.cooldownUntil = &deadline
	}
}

// ConsecutiveLosses reports the current streak (for status/debug).
func (g *Gate) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses
}

// Validate runs all 11 rules against in and returns the accumulated
// result. HOLD and CLOSE bypass the trade-size/SL/TP/leverage checks
// (rules 5-9); every action still runs the account-level and cooldown
// checks (rules 1-4, 10, 11).
func (g *Gate) Validate(in ValidationInput) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := Result{Approved: true}

	g.checkDailyLoss(&result, in)
	g.checkMaxDrawdown(&result, in)
	g.checkConcurrentPositions(&result, in)
	g.checkTotalExposure(&result, in)

	bypassSizeChecks := in.Intent.Action == model.ActionHold || in.Intent.Action == model.ActionClose
	if !bypassSizeChecks {
		g.checkTradeSize(&result, in)
		g.checkLeverage(&result, in)
		g.checkStopLoss(&result, in)
		g.checkSLDistance(&result, in)
		g.checkRRRatio(&result, in)
	}

	g.checkCooldown(&result, time.Now())
	g.checkCorrelation(&result, in)

	if result.Halt {
		g.halted = true
		if len(result.Failures) > 0 {
			g.haltReason = result.Failures[0]
		}
	}

	return result
}

// checkDailyLoss implements rule 1.
func (g *Gate) checkDailyLoss(result *Result, in ValidationInput) {
	if in.DailyStartEquity <= 0 {
		return
	}
	loss := (in.DailyStartEquity - in.Equity) / in.DailyStartEquity
	if loss >= g.cfg.MaxDailyLossPct {
		result.reject(RuleDailyLoss)
		result.Halt = true
	}
}

// checkMaxDrawdown implements rule 2.
func (g *Gate) checkMaxDrawdown(result *Result, in ValidationInput) {
	if g.peakEquity <= 0 {
		return
	}
	drawdown := (g.peakEquity - in.Equity) / g.peakEquity
	if drawdown >= g.cfg.MaxDrawdownPct {
		result.reject(RuleMaxDrawdown)
		result.Halt = true
	}
}

// checkConcurrentPositions implements rule 3.
func (g *Gate) checkConcurrentPositions(result *Result, in ValidationInput) {
	if in.OpenPositionsCount >= g.cfg.MaxConcurrentPositions {
		result.reject(RuleConcurrentPositions)
	}
}

// checkTotalExposure implements rule 4. Intent.Size carries size_pct —
// the fraction of equity the intent would commit, not a contract
// quantity — so its notional contribution is size_pct * Equity, added
// to the real size*price notional of the already-open positions.
func (g *Gate) checkTotalExposure(result *Result, in ValidationInput) {
	if in.Equity <= 0 {
		return
	}
	sizePct, _ := in.Intent.Size.Float64()
	notional := in.ExistingNotional + sizePct*in.Equity
	if notional/in.Equity >= g.cfg.MaxTotalExposurePct {
		result.reject(RuleTotalExposure)
	}
}

// checkTradeSize implements rule 5. Intent.Size is already size_pct
// (spec §3 OrderIntent.size is the size of the trade as a fraction of
// equity for this purpose), so it is compared directly against the
// threshold rather than re-derived from price and equity.
func (g *Gate) checkTradeSize(result *Result, in ValidationInput) {
	sizePct, _ := in.Intent.Size.Float64()
	if sizePct >= g.cfg.MaxSingleTradePct {
		result.reject(RuleTradeSize)
	}
}

// checkLeverage implements rule 6.
func (g *Gate) checkLeverage(result *Result, in ValidationInput) {
	leverage, _ := in.Intent.Leverage.Float64()
	if leverage >= g.cfg.MaxLeverage {
		result.reject(RuleLeverage)
	}
}

// checkStopLoss implements rule 7: every trade must carry a stop loss.
func (g *Gate) checkStopLoss(result *Result, in ValidationInput) {
	if in.Intent.StopLoss == nil {
		result.reject(RuleStopLoss)
		return
	}
	sl, _ := in.Intent.StopLoss.Float64()
	if sl <= 0 {
		result.reject(RuleStopLoss)
	}
}

// checkSLDistance implements rule 8.
func (g *Gate) checkSLDistance(result *Result, in ValidationInput) {
	if in.Intent.StopLoss == nil || in.EntryPrice <= 0 {
		return
	}
	sl, _ := in.Intent.StopLoss.Float64()
	distance := (sl - in.EntryPrice) / in.EntryPrice
	if distance < 0 {
		distance = -distance
	}
	if distance >= g.cfg.MaxSLDistancePct {
		result.reject(RuleSLDistance)
	}
}

// checkRRRatio implements rule 9.
func (g *Gate) checkRRRatio(result *Result, in ValidationInput) {
	if in.Intent.StopLoss == nil || in.Intent.TakeProfit == nil || in.EntryPrice <= 0 {
		return
	}
	sl, _ := in.Intent.StopLoss.Float64()
	tp, _ := in.Intent.TakeProfit.Float64()

	reward := tp - in.EntryPrice
	if reward < 0 {
		reward = -reward
	}
	risk := in.EntryPrice - sl
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		result.reject(RuleRRRatio)
		return
	}
	if reward/risk < g.cfg.MinRRRatio {
		result.reject(RuleRRRatio)
	}
}

// checkCooldown implements rule 10.
func (g *Gate) checkCooldown(result *Result, now time.Time) {
	if g.cooldownUntil != nil && now.Before(*g.cooldownUntil) {
		result.reject(RuleCooldown)
	}
}

// checkCorrelation implements rule 11: same-instrument overlap is a
// warning, not a rejection — the intent is still approved.
func (g *Gate) checkCorrelation(result *Result, in ValidationInput) {
	if in.InstrumentAlreadyHeld {
		result.warn(RuleCorrelation)
	}
}

// Describe renders a human-readable summary of a rejection, matching
// the teacher's RejectionReason.Error() idiom.
func Describe(rule string) string {
	return fmt.Sprintf("risk gate rejected: rule %q failed", rule)
}
