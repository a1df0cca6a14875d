// Package llmadapter defines the black-box external collaborators spec
// §1 puts out of scope — the screener, research, analysis, and
// reflection LLM/HTTP adapters — as narrow Go interfaces, plus the
// fail-open/fail-neutral wrapper behavior spec §7 requires around every
// one of them. Nothing in this package talks to a real provider; it is
// the seam a concrete adapter (OpenAI, Anthropic, Perplexity, ...)
// plugs into.
package llmadapter

import (
	"context"
	"time"

	"github.com/nimbus-trading/derivagent/internal/model"
	"go.uber.org/zap"
)

// ScreenResult is the screener's pass/skip verdict.
type ScreenResult struct {
	Signal bool
	Reason string
}

// Screener decides whether an instrument is worth deeper analysis this
// cycle. Implementations call out to an LLM and parse its JSON reply.
type Screener interface {
	Screen(ctx context.Context, snap model.MarketSnapshot) (ScreenResult, error)
}

// ResearchResult is the research adapter's output, cached by query
// string per spec §4.4 step 5.
type ResearchResult struct {
	Query   string
	Summary string
	FetchedAt time.Time
}

// Researcher performs external research (news, macro context) for a
// query string. Implementations apply their own HTTP timeout/retry.
type Researcher interface {
	Research(ctx context.Context, query string) (ResearchResult, error)
}

// OpusDecision is the parsed analysis-adapter response (named for the
// opus:decisions stream it is published to).
type OpusDecision struct {
	Action     model.OrderIntentAction
	Instrument string
	Side       model.Side
	PosSide    model.PosSide
	OrderType  model.OrderType
	SizePct    float64
	EntryPrice *float64
	StopLoss   *float64
	TakeProfit *float64
	Leverage   float64
	Strategy   string
	Confidence float64
	Reasoning  string
}

// Hold reports an action-less, no-trade decision.
func Hold(reasoning string) OpusDecision {
	return OpusDecision{Action: model.ActionHold, Reasoning: reasoning}
}

// AnalysisInput bundles everything the XML-tagged prompt in spec §4.4
// step 6 is built from.
type AnalysisInput struct {
	Snapshot     model.MarketSnapshot
	Positions    []model.Position
	Account      model.AccountState
	Research     *ResearchResult
	Playbook     model.Playbook
	RecentTrades []model.TradeRecord
}

// Analyzer runs the deep-analysis LLM call and parses its response into
// an OpusDecision.
type Analyzer interface {
	Analyze(ctx context.Context, in AnalysisInput) (OpusDecision, error)
}

// ReflectionReview is the post-trade self-review (spec §4.6 "post-trade").
type ReflectionReview struct {
	Summary string
	Lessons []string
	Score   float64
}

// DeepReflectionInput bundles the performance summary and breakdowns
// the deep-reflection prompt needs (spec §4.6 step 3).
type DeepReflectionInput struct {
	Summary           PerformanceSummary
	StrategyBreakdown map[string]PerformanceSummary
	RegimeBreakdown   map[model.Regime]PerformanceSummary
	CurrentPlaybook   model.Playbook
}

// PerformanceSummary is the aggregate performance metrics computed by
// internal/reflection and handed to the deep-reflection adapter.
type PerformanceSummary struct {
	Total        int
	WinRate      float64
	ProfitFactor float64
	Sharpe       float64
	TotalPnL     float64
	AvgWin       float64
	AvgLoss      float64
}

// DeepReflectionResult is the parsed deep-reflection response.
type DeepReflectionResult struct {
	Playbook        model.Playbook
	PatternInsights []string
	BiasFindings    []string
	DisciplineScore float64
	Summary         string
}

// Reflector runs both reflection calls: the lightweight post-trade
// review and the periodic deep reflection.
type Reflector interface {
	ReviewTrade(ctx context.Context, trade model.TradeRecord) (ReflectionReview, error)
	DeepReflect(ctx context.Context, in DeepReflectionInput) (DeepReflectionResult, error)
}

// FailOpenScreener wraps a Screener so that any error or malformed
// response yields signal=true with an error reason (spec §4.4 step 4,
// §7 "external adapter" taxonomy: fail-open, never block the cycle).
type FailOpenScreener struct {
	Inner Screener
	Log   *zap.Logger
}

func (f FailOpenScreener) Screen(ctx context.Context, snap model.MarketSnapshot) ScreenResult {
	if f.Inner == nil {
		return ScreenResult{Signal: true, Reason: "screener disabled"}
	}
	res, err := f.Inner.Screen(ctx, snap)
	if err != nil {
		if f.Log != nil {
			f.Log.Warn("screener call failed, failing open", zap.Error(err), zap.String("instrument", snap.Instrument))
		}
		return ScreenResult{Signal: true, Reason: "screener error: " + err.Error()}
	}
	return res
}

// FailNeutralAnalyzer wraps an Analyzer so that a timeout, error, or
// parse failure synthesizes a HOLD decision rather than propagating
// (spec §4.4 step 6, §5 "MAX_OPUS_TIMEOUT_SECONDS hard timeout ...
// return empty text -> HOLD").
type FailNeutralAnalyzer struct {
	Inner   Analyzer
	Timeout time.Duration
	Log     *zap.Logger
}

func (f FailNeutralAnalyzer) Analyze(ctx context.Context, in AnalysisInput) OpusDecision {
	if f.Inner == nil {
		return Hold("analyzer disabled")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	decision, err := f.Inner.Analyze(cctx, in)
	if err != nil {
		if f.Log != nil {
			f.Log.Warn("analyzer call failed, defaulting to HOLD", zap.Error(err), zap.String("instrument", in.Snapshot.Instrument))
		}
		return Hold("analysis error: " + err.Error())
	}
	if decision.Action == "" {
		return Hold("analyzer returned empty action")
	}
	return decision
}

// FailEmptyResearcher wraps a Researcher so that any error yields an
// empty ResearchResult rather than failing the cycle (spec §7:
// "research defaults to empty").
type FailEmptyResearcher struct {
	Inner Researcher
	Log   *zap.Logger
}

func (f FailEmptyResearcher) Research(ctx context.Context, query string) ResearchResult {
	if f.Inner == nil {
		return ResearchResult{Query: query}
	}
	res, err := f.Inner.Research(ctx, query)
	if err != nil {
		if f.Log != nil {
			f.Log.Warn("research call failed, defaulting to empty", zap.Error(err), zap.String("query", query))
		}
		return ResearchResult{Query: query}
	}
	return res
}
