// Package reflection implements the orchestrator's post-trade and deep
// reflection subsystem (spec §4.6): the performance-summary computation
// generalizes the teacher's internal/analytics.Analyze (win rate,
// profit factor, Sharpe, per-strategy breakdown) by also bucketing by
// market regime, as the spec requires; playbook versions are saved
// append-only and strictly increasing (invariant (iv)).
package reflection

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/llmadapter"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

// Publisher is the bus surface reflection needs to announce the
// discipline-score alert after a deep reflection; satisfied directly
// by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error)
}

// Scheduler runs post-trade and deep reflection against a Reflector,
// persisting results through the trade/playbook/reflection repositories.
type Scheduler struct {
	reflector llmadapter.Reflector
	trades    storage.TradeRepository
	playbooks storage.PlaybookRepository
	journal   storage.ReflectionRepository
	perf      storage.PerformanceSnapshotRepository
	pub       Publisher
	log       *zap.Logger
}

func New(reflector llmadapter.Reflector, trades storage.TradeRepository, playbooks storage.PlaybookRepository,
	journal storage.ReflectionRepository, perf storage.PerformanceSnapshotRepository, pub Publisher, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{reflector: reflector, trades: trades, playbooks: playbooks, journal: journal, perf: perf, pub: pub, log: log}
}

// ReviewClosedTrade runs the post-trade review (spec §4.6 "Post-trade"):
// build a prompt from the closed TradeRecord, call the reflection
// adapter, store the parsed review on the trade, and log the event.
func (s *Scheduler) ReviewClosedTrade(ctx context.Context, trade model.TradeRecord) error {
	if s.reflector == nil {
		return nil
	}
	review, err := s.reflector.ReviewTrade(ctx, trade)
	if err != nil {
		// External-adapter failure: log and move on, never block the
		// close side-channel (spec §7 "external adapter").
		s.log.Warn("post-trade review failed", zap.Error(err), zap.String("trade_id", trade.TradeID))
		return nil
	}

	if err := s.trades.Update(ctx, trade.TradeID, map[string]interface{}{"self_review": review.Summary}); err != nil {
		return fmt.Errorf("reflection: save self review: %w", err)
	}
	if _, err := s.journal.SaveReflection(ctx, storage.ReflectionEntry{
		TradeID: trade.TradeID,
		Kind:    "post_trade",
		Summary: review.Summary,
		DisciplineScore: review.Score,
		At:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("reflection: log post-trade review: %w", err)
	}
	s.log.Info("post-trade reflection complete", zap.String("trade_id", trade.TradeID))
	return nil
}

// ShouldRunDeep reports whether deep reflection should run this cycle
// (spec §4.4 step 11): trades-since-last-reflection >= threshold, or
// hours-since-last-reflection >= threshold, and at least one trade
// exists either way.
func ShouldRunDeep(tradesSinceLast int, lastReflection *time.Time, now time.Time, intervalTrades, intervalHours int) bool {
	if tradesSinceLast == 0 {
		return false
	}
	if tradesSinceLast >= intervalTrades {
		return true
	}
	if lastReflection == nil {
		return true
	}
	return now.Sub(*lastReflection) >= time.Duration(intervalHours)*time.Hour
}

// RunDeep executes the deep-reflection pipeline of spec §4.6 steps 1-5:
// load closed trades since the last deep reflection, compute the
// performance summary and breakdowns, call the deep-reflection
// adapter, persist the new playbook version, and publish the
// discipline-score alert.
func (s *Scheduler) RunDeep(ctx context.Context, currentPlaybook model.Playbook) (llmadapter.DeepReflectionResult, error) {
	var out llmadapter.DeepReflectionResult
	if s.reflector == nil {
		return out, fmt.Errorf("reflection: no reflector configured")
	}

	closed, err := s.journal.TradesSinceLastReflection(ctx)
	if err != nil {
		return out, fmt.Errorf("reflection: load trades since last reflection: %w", err)
	}

	summary := Summarize(closed)
	byStrategy := SummarizeByStrategy(closed)
	byRegime := SummarizeByRegime(closed)

	result, err := s.reflector.DeepReflect(ctx, llmadapter.DeepReflectionInput{
		Summary:           summary,
		StrategyBreakdown: byStrategy,
		RegimeBreakdown:   byRegime,
		CurrentPlaybook:   currentPlaybook,
	})
	if err != nil {
		return out, fmt.Errorf("reflection: deep reflect call: %w", err)
	}

	result.Playbook.Version = currentPlaybook.Version + 1
	result.Playbook.CreatedAt = time.Now().UTC()
	if err := s.playbooks.SavePlaybook(ctx, result.Playbook); err != nil {
		return out, fmt.Errorf("reflection: save playbook version %d: %w", result.Playbook.Version, err)
	}

	if _, err := s.journal.SaveReflection(ctx, storage.ReflectionEntry{
		Kind:            "deep",
		Summary:         result.Summary,
		PatternInsights: result.PatternInsights,
		BiasFindings:    result.BiasFindings,
		DisciplineScore: result.DisciplineScore,
		At:              time.Now().UTC(),
	}); err != nil {
		return out, fmt.Errorf("reflection: log deep reflection: %w", err)
	}

	if s.perf != nil {
		metrics := map[string]interface{}{
			"total":         summary.Total,
			"win_rate":      summary.WinRate,
			"profit_factor": summary.ProfitFactor,
			"sharpe":        summary.Sharpe,
			"total_pnl":     summary.TotalPnL,
		}
		if _, err := s.perf.SavePerformanceSnapshot(ctx, "daily", metrics); err != nil {
			s.log.Warn("save performance snapshot failed", zap.Error(err))
		}
	}

	if s.pub != nil {
		if _, err := s.pub.Publish(ctx, bus.StreamSystemAlerts, model.StreamMessage{
			Source: model.SourceOrchestrator,
			Type:   model.TypeSystemAlert,
			Payload: map[string]interface{}{
				"severity":         model.SeverityInfo,
				"discipline_score": result.DisciplineScore,
				"summary":          result.Summary,
				"playbook_version": result.Playbook.Version,
			},
		}); err != nil {
			s.log.Warn("publish discipline alert failed", zap.Error(err))
		}
	}

	s.log.Info("deep reflection complete",
		zap.Int("playbook_version", result.Playbook.Version),
		zap.Float64("discipline_score", result.DisciplineScore))
	return result, nil
}

// Summarize computes the aggregate PerformanceSummary over closed
// trades (spec §4.6 step 2): win_rate, profit_factor (+Inf if all
// wins), Sharpe as mean/sample-std of PnL (no annualization — the spec
// defines Sharpe simply as "mean/std of PnL, sample std", unlike the
// teacher's annualized internal/analytics.computeSharpeRatio), total
// PnL, avg win, avg loss.
func Summarize(trades []model.TradeRecord) llmadapter.PerformanceSummary {
	var s llmadapter.PerformanceSummary
	if len(trades) == 0 {
		return s
	}

	var grossProfit, grossLoss float64
	var wins, losses int
	pnls := make([]float64, 0, len(trades))

	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		pnl, _ := t.PnL.Float64()
		pnls = append(pnls, pnl)
		s.Total++
		s.TotalPnL += pnl
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else if pnl < 0 {
			losses++
			grossLoss += -pnl
		}
	}

	if s.Total == 0 {
		return s
	}

	s.WinRate = float64(wins) / float64(s.Total)
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	if wins > 0 {
		s.AvgWin = grossProfit / float64(wins)
	}
	if losses > 0 {
		s.AvgLoss = grossLoss / float64(losses)
	}
	s.Sharpe = sampleSharpe(pnls)
	return s
}

// SummarizeByStrategy buckets Summarize by TradeRecord.StrategyUsed.
func SummarizeByStrategy(trades []model.TradeRecord) map[string]llmadapter.PerformanceSummary {
	buckets := make(map[string][]model.TradeRecord)
	for _, t := range trades {
		buckets[t.StrategyUsed] = append(buckets[t.StrategyUsed], t)
	}
	out := make(map[string]llmadapter.PerformanceSummary, len(buckets))
	for k, v := range buckets {
		out[k] = Summarize(v)
	}
	return out
}

// SummarizeByRegime buckets Summarize by TradeRecord.MarketRegime.
func SummarizeByRegime(trades []model.TradeRecord) map[model.Regime]llmadapter.PerformanceSummary {
	buckets := make(map[model.Regime][]model.TradeRecord)
	for _, t := range trades {
		buckets[t.MarketRegime] = append(buckets[t.MarketRegime], t)
	}
	out := make(map[model.Regime]llmadapter.PerformanceSummary, len(buckets))
	for k, v := range buckets {
		out[k] = Summarize(v)
	}
	return out
}

// sampleSharpe is mean/stddev of pnls using the sample (N-1) variance,
// matching the teacher's computeSharpeRatio denominator but without its
// sqrt(252) annualization factor, per spec §4.6 step 2's literal
// "Sharpe (mean/std of PnL, sample std)".
func sampleSharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(len(pnls))

	var variance float64
	for _, p := range pnls {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(pnls) - 1)
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev
}
