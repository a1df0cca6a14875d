package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/llmadapter"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/news"
	"github.com/nimbus-trading/derivagent/internal/reflection"
	"github.com/nimbus-trading/derivagent/internal/risk"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

const (
	newsWindowMinutesBefore = 30
	researchCacheTTL        = 1 * time.Hour
	anomalyPriceChangePct   = 0.03
	anomalyFundingRate      = 0.0005
	anomalyOIChangePct      = 0.10
)

// Bus is the subset of *bus.Bus the orchestrator needs: publish for
// every outbound stream, ReadLatest for snapshot collection, Subscribe
// for the background fills/positions side-channel.
type Bus interface {
	Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error)
	ReadLatest(ctx context.Context, stream string) (*model.StreamMessage, error)
	Subscribe(ctx context.Context, streams []string, handler bus.Handler) error
}

// Repositories bundles every repository the orchestrator depends on.
type Repositories struct {
	Snapshots   storage.SnapshotRepository
	Positions   storage.PositionRepository
	Accounts    storage.AccountStateRepository
	Trades      storage.TradeRepository
	Playbooks   storage.PlaybookRepository
	DecisionLog storage.DecisionLogRepository
	ScreenerLog storage.ScreenerLogRepository
	Research    storage.ResearchCacheRepository
	Rejections  storage.RiskRejectionRepository
	RiskState   storage.RiskStateRepository
	Reflections storage.ReflectionRepository
	Performance storage.PerformanceSnapshotRepository
}

// Machine runs the per-instrument decision cycle of spec §4.4 on a
// DECISION_CYCLE_SECONDS ticker, serialized per instrument, alongside a
// background subscriber to trade:fills/trade:positions.
type Machine struct {
	cfg         config.Config
	instruments []string

	gate       *risk.Gate
	screener   llmadapter.FailOpenScreener
	researcher llmadapter.FailEmptyResearcher
	analyzer   llmadapter.FailNeutralAnalyzer
	newsCal    *news.Calendar
	reflect    *reflection.Scheduler

	bus   Bus
	repos Repositories
	log   *zap.Logger

	mu      sync.Mutex
	states  map[string]State
	tradesSinceReflection int
	lastReflection        *time.Time

	pendingMu sync.Mutex
	pending   map[string]chan model.OrderResult // decision_id -> fill waiter
}

func NewMachine(cfg config.Config, instruments []string, gate *risk.Gate, screener llmadapter.Screener,
	researcher llmadapter.Researcher, analyzer llmadapter.Analyzer, reflector llmadapter.Reflector,
	newsCal *news.Calendar, b Bus, repos Repositories, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		cfg:         cfg,
		instruments: instruments,
		gate:        gate,
		screener:    llmadapter.FailOpenScreener{Inner: screener, Log: log},
		researcher:  llmadapter.FailEmptyResearcher{Inner: researcher, Log: log},
		analyzer:    llmadapter.FailNeutralAnalyzer{Inner: analyzer, Timeout: 30 * time.Second, Log: log},
		newsCal:     newsCal,
		bus:         b,
		repos:       repos,
		log:         log,
		states:      make(map[string]State),
		pending:     make(map[string]chan model.OrderResult),
	}
	m.reflect = reflection.New(reflector, repos.Trades, repos.Playbooks, repos.Reflections, repos.Performance, b, log)
	for _, inst := range instruments {
		m.states[inst] = StateIdle
	}
	return m
}

// Run starts the decision-cycle ticker and the background fills/
// positions subscriber; it blocks until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.runTicker(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := m.bus.Subscribe(ctx, []string{bus.StreamTradeFills, bus.StreamTradePositions}, m.handleSideChannel); err != nil {
			m.log.Warn("side-channel subscriber exited", zap.Error(err))
		}
	}()

	wg.Wait()
	return nil
}

func (m *Machine) runTicker(ctx context.Context) {
	interval := time.Duration(m.cfg.Orchestrator.DecisionCycleSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range m.instruments {
				m.runCycle(ctx, inst)
			}
		}
	}
}

// runCycle executes spec §4.4 steps 1-12 for one instrument. Each
// instrument's cycle is called serially from the single ticker
// goroutine, matching the spec's "a new cycle for instrument X cannot
// overlap a previous cycle for X".
func (m *Machine) runCycle(ctx context.Context, instrument string) {
	// Step 1: halted is terminal.
	if m.gate.IsHalted() {
		m.setState(instrument, StateHalted)
		return
	}

	// Step 2: self-clearing cooldown.
	now := time.Now().UTC()
	if m.gate.InCooldown(now) {
		m.setState(instrument, StateCooldown)
		return
	}
	m.setState(instrument, StateIdle)

	// Step 3: COLLECTING.
	m.setState(instrument, StateCollecting)
	snap, positions, account, ok := m.collect(ctx, instrument)
	if !ok {
		m.setState(instrument, StateIdle)
		return
	}

	// Step 4: SCREENING.
	m.setState(instrument, StateScreening)
	hasPosition := len(positions) > 0
	if !m.screeningBypassed(snap, hasPosition, now) {
		result := m.screener.Screen(ctx, snap)
		if _, err := m.repos.ScreenerLog.LogScreen(ctx, storage.ScreenerLogEntry{
			Instrument: instrument,
			Signal:     result.Signal,
			Reason:     result.Reason,
			At:         now,
		}); err != nil {
			m.log.Warn("log screen failed", zap.Error(err))
		}
		if !result.Signal {
			m.setState(instrument, StateIdle)
			return
		}
	}

	// Step 5: RESEARCHING (optional).
	m.setState(instrument, StateResearching)
	research := m.research(ctx, snap, now)

	// Step 6: ANALYZING.
	m.setState(instrument, StateAnalyzing)
	decisionID := uuid.NewString()
	recentTrades, err := m.repos.Trades.RecentTrades(ctx, 20)
	if err != nil {
		m.log.Warn("load recent trades failed", zap.Error(err))
	}
	playbook, err := m.repos.Playbooks.LatestPlaybook(ctx)
	if err != nil {
		m.log.Warn("load playbook failed", zap.Error(err))
	}
	decision := m.analyzer.Analyze(ctx, llmadapter.AnalysisInput{
		Snapshot:     snap,
		Positions:    positions,
		Account:      account,
		Research:     research,
		Playbook:     playbook,
		RecentTrades: recentTrades,
	})
	if err := m.publishOpusDecision(ctx, decisionID, instrument, decision); err != nil {
		m.log.Warn("publish opus decision failed", zap.Error(err))
	}
	if decision.Action == model.ActionHold {
		m.setState(instrument, StateIdle)
		return
	}

	// Step 7: RISK_CHECK.
	m.setState(instrument, StateRiskCheck)
	intent := toOrderIntent(decisionID, instrument, decision)
	result := m.gate.Validate(m.validationInput(intent, decision, account, positions, hasPosition))
	if !result.Approved {
		if _, err := m.repos.Rejections.LogRejection(ctx, decisionID, instrument, result.Failures, account); err != nil {
			m.log.Warn("log rejection failed", zap.Error(err))
		}
		if result.Halt {
			if _, err := m.bus.Publish(ctx, bus.StreamSystemAlerts, model.StreamMessage{
				Source: model.SourceOrchestrator,
				Type:   model.TypeSystemAlert,
				Payload: map[string]interface{}{
					"severity":   model.SeverityCritical,
					"instrument": instrument,
					"reason":     result.Failures,
				},
			}); err != nil {
				m.log.Warn("publish halt alert failed", zap.Error(err))
			}
		}
		m.setState(instrument, StateIdle)
		return
	}

	// Step 8: EXECUTING.
	m.setState(instrument, StateExecuting)
	waiter := m.registerWaiter(decisionID)
	if _, err := m.bus.Publish(ctx, bus.StreamTradeOrders, model.StreamMessage{
		Source:  model.SourceOrchestrator,
		Type:    model.TypeTradeOrder,
		Payload: intentPayload(intent),
	}); err != nil {
		m.log.Warn("publish order intent failed", zap.Error(err))
		m.releaseWaiter(decisionID)
		m.setState(instrument, StateIdle)
		return
	}

	// Step 9: CONFIRMING.
	m.setState(instrument, StateConfirming)
	fillResult, gotFill := m.awaitFill(ctx, waiter, decisionID)

	// Step 10: JOURNALING.
	m.setState(instrument, StateJournaling)
	if err := m.journal(ctx, decisionID, instrument, intent, decision, snap, fillResult, gotFill); err != nil {
		m.log.Warn("journal trade failed", zap.Error(err))
	}

	// Step 11: REFLECTING (opportunistic).
	m.mu.Lock()
	m.tradesSinceReflection++
	tradesSince := m.tradesSinceReflection
	lastRef := m.lastReflection
	m.mu.Unlock()
	if reflection.ShouldRunDeep(tradesSince, lastRef, now, m.cfg.Orchestrator.ReflectionIntervalTrades, m.cfg.Orchestrator.ReflectionIntervalHours) {
		m.setState(instrument, StateReflecting)
		if _, err := m.reflect.RunDeep(ctx, playbook); err != nil {
			m.log.Warn("deep reflection failed", zap.Error(err))
		} else {
			m.mu.Lock()
			m.tradesSinceReflection = 0
			refNow := time.Now().UTC()
			m.lastReflection = &refNow
			m.mu.Unlock()
		}
	}

	// Step 12: back to IDLE.
	m.setState(instrument, StateIdle)
}

func (m *Machine) setState(instrument string, s State) {
	m.mu.Lock()
	m.states[instrument] = s
	m.mu.Unlock()
}

// State reports the last-observed state for instrument (for health/status endpoints).
func (m *Machine) State(instrument string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[instrument]
}

// collect implements step 3: peek the latest market snapshot for
// instrument and load the cached positions/account state.
func (m *Machine) collect(ctx context.Context, instrument string) (model.MarketSnapshot, []model.Position, model.AccountState, bool) {
	msg, err := m.bus.ReadLatest(ctx, bus.StreamMarketSnapshots)
	if err != nil {
		m.log.Warn("read latest snapshot failed", zap.Error(err), zap.String("instrument", instrument))
		return model.MarketSnapshot{}, nil, model.AccountState{}, false
	}
	if msg == nil {
		return model.MarketSnapshot{}, nil, model.AccountState{}, false
	}
	snap, ok := snapshotFromPayload(msg.Payload)
	if !ok || snap.Instrument != instrument {
		return model.MarketSnapshot{}, nil, model.AccountState{}, false
	}
	// The bus payload carries only the scalar fields needed for
	// routing/bypass checks; the full indicator set the analyzer needs
	// is read back from the durable snapshot repository.
	if full, err := m.repos.Snapshots.Latest(ctx, instrument); err == nil {
		snap.Indicators = full.Indicators
		snap.OrderBook = full.OrderBook
	}

	allPositions, err := m.repos.Positions.AllPositions(ctx)
	if err != nil {
		m.log.Warn("load positions failed", zap.Error(err))
	}
	positions := make([]model.Position, 0)
	for _, p := range allPositions {
		if p.Instrument == instrument {
			positions = append(positions, p)
		}
	}

	account, err := m.repos.Accounts.LatestAccountState(ctx)
	if err != nil {
		m.log.Warn("load account state failed", zap.Error(err))
	}
	return snap, positions, account, true
}

// screeningBypassed implements step 4's bypass conditions (a)-(d).
func (m *Machine) screeningBypassed(snap model.MarketSnapshot, hasPosition bool, now time.Time) bool {
	if hasPosition && m.cfg.Screener.BypassOnPosition {
		return true
	}
	if m.newsCal != nil && m.newsCal.IsNewsWindow(now, newsWindowMinutesBefore) && m.cfg.Screener.BypassOnNews {
		return true
	}
	priceChange, _ := snap.PriceChange1h.Float64()
	funding, _ := snap.FundingRate.Float64()
	if math.Abs(priceChange) > anomalyPriceChangePct {
		return true
	}
	if math.Abs(funding) > anomalyFundingRate {
		return true
	}
	return false
}

// research implements step 5: call the research adapter if any
// trigger holds, using an exact-string-keyed 1-hour-TTL cache.
func (m *Machine) research(ctx context.Context, snap model.MarketSnapshot, now time.Time) *llmadapter.ResearchResult {
	priceChange, _ := snap.PriceChange1h.Float64()
	funding, _ := snap.FundingRate.Float64()
	oiChange, _ := snap.OIChange4h.Float64()

	trigger := (m.newsCal != nil && m.newsCal.IsNewsWindow(now, newsWindowMinutesBefore)) ||
		math.Abs(priceChange) > anomalyPriceChangePct ||
		math.Abs(funding) > anomalyFundingRate ||
		math.Abs(oiChange) > anomalyOIChangePct
	if !trigger {
		return nil
	}

	query := fmt.Sprintf("%s market context", snap.Instrument)
	if m.repos.Research != nil {
		if cached, hit, err := m.repos.Research.GetCached(ctx, query, researchCacheTTL); err == nil && hit {
			return &llmadapter.ResearchResult{Query: query, Summary: cached, FetchedAt: now}
		}
	}

	res := m.researcher.Research(ctx, query)
	if m.repos.Research != nil && res.Summary != "" {
		if _, err := m.repos.Research.SaveResearch(ctx, query, res.Summary); err != nil {
			m.log.Warn("save research cache failed", zap.Error(err))
		}
	}
	return &res
}

func (m *Machine) publishOpusDecision(ctx context.Context, decisionID, instrument string, decision llmadapter.OpusDecision) error {
	_, err := m.bus.Publish(ctx, bus.StreamOpusDecisions, model.StreamMessage{
		Source: model.SourceOrchestrator,
		Type:   model.TypeOpusDecision,
		Payload: map[string]interface{}{
			"decision_id": decisionID,
			"instrument":  instrument,
			"action":      decision.Action,
			"strategy":    decision.Strategy,
			"confidence":  decision.Confidence,
			"reasoning":   decision.Reasoning,
		},
	})
	if err := m.repos.DecisionLog.SaveDecisionLog(ctx, decisionID, instrument, string(StateAnalyzing), map[string]interface{}{
		"action":     decision.Action,
		"confidence": decision.Confidence,
	}, time.Now().UTC()); err != nil {
		m.log.Warn("save decision log failed", zap.Error(err))
	}
	return err
}

func (m *Machine) validationInput(intent model.OrderIntent, decision llmadapter.OpusDecision, account model.AccountState,
	positions []model.Position, hasPosition bool) risk.ValidationInput {
	equity, _ := account.Equity.Float64()

	var existingNotional float64
	for _, p := range positions {
		notional := p.Size.Mul(p.AvgEntry)
		f, _ := notional.Float64()
		existingNotional += f
	}

	entryPrice := 0.0
	if decision.EntryPrice != nil {
		entryPrice = *decision.EntryPrice
	}

	return risk.ValidationInput{
		Intent:                intent,
		EntryPrice:            entryPrice,
		Equity:                equity,
		DailyStartEquity:      equity, // refreshed daily by an external scheduler via SetDailyStartEquity
		OpenPositionsCount:    len(positions),
		ExistingNotional:      existingNotional,
		InstrumentAlreadyHeld: hasPosition,
	}
}

func (m *Machine) registerWaiter(decisionID string) chan model.OrderResult {
	ch := make(chan model.OrderResult, 1)
	m.pendingMu.Lock()
	m.pending[decisionID] = ch
	m.pendingMu.Unlock()
	return ch
}

func (m *Machine) releaseWaiter(decisionID string) {
	m.pendingMu.Lock()
	delete(m.pending, decisionID)
	m.pendingMu.Unlock()
}

// awaitFill implements step 9: wait up to ORDER_TIMEOUT_SECONDS for a
// trade:fills entry correlated by decision_id, delivered by
// handleSideChannel. A missing fill becomes a warning, not an error.
func (m *Machine) awaitFill(ctx context.Context, waiter chan model.OrderResult, decisionID string) (model.OrderResult, bool) {
	defer m.releaseWaiter(decisionID)

	timeout := time.Duration(m.cfg.Trade.OrderTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case res := <-waiter:
		return res, true
	case <-time.After(timeout):
		m.log.Warn("fill confirmation timed out", zap.String("decision_id", decisionID))
		return model.OrderResult{}, false
	case <-ctx.Done():
		return model.OrderResult{}, false
	}
}

func (m *Machine) journal(ctx context.Context, decisionID, instrument string, intent model.OrderIntent, decision llmadapter.OpusDecision,
	snap model.MarketSnapshot, fill model.OrderResult, gotFill bool) error {
	direction := model.DirectionLong
	if decision.Action == model.ActionOpenShort {
		direction = model.DirectionShort
	}

	entry := intent.Size
	entryPrice := snap.LastPrice
	if gotFill && fill.FillPrice != nil {
		entryPrice = *fill.FillPrice
	}
	if gotFill && fill.FillSize != nil {
		entry = *fill.FillSize
	}

	stopLoss := decimal.Zero
	if intent.StopLoss != nil {
		stopLoss = *intent.StopLoss
	}
	takeProfit := decimal.Zero
	if intent.TakeProfit != nil {
		takeProfit = *intent.TakeProfit
	}

	orderID, algoID := "", ""
	if gotFill {
		orderID, algoID = fill.OrderID, fill.AlgoID
	}

	record := model.TradeRecord{
		TradeID:           decisionID,
		OpenedAt:          time.Now().UTC(),
		Direction:         direction,
		Instrument:        instrument,
		EntryPrice:        entryPrice,
		StopLoss:          stopLoss,
		TakeProfit:        takeProfit,
		Size:              entry,
		SizePct:           decision.SizePct,
		Leverage:          intent.Leverage,
		StrategyUsed:      decision.Strategy,
		ConfidenceAtEntry: decision.Confidence,
		MarketRegime:      snap.Regime,
		OpusReasoning:     decision.Reasoning,
		IndicatorsAtEntry: snap.Indicators,
		Status:            model.TradeStatusOpen,
		ExchangeOrderID:   orderID,
		ExchangeAlgoID:    algoID,
		DecisionID:        decisionID,
	}
	return m.repos.Trades.Create(ctx, record)
}

// handleSideChannel is the bus.Handler for the background
// trade:fills/trade:positions subscriber. trade:fills wakes a waiting
// CONFIRMING cycle; trade:positions close events drive the closing
// side-channel of spec §4.4.
func (m *Machine) handleSideChannel(ctx context.Context, stream string, msg model.StreamMessage) error {
	switch stream {
	case bus.StreamTradeFills:
		m.handleFill(msg)
	case bus.StreamTradePositions:
		return m.handleClose(ctx, msg)
	}
	return nil
}

func (m *Machine) handleFill(msg model.StreamMessage) {
	decisionID, _ := msg.Payload["decision_id"].(string)
	if decisionID == "" {
		return
	}
	m.pendingMu.Lock()
	waiter, ok := m.pending[decisionID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	waiter <- orderResultFromPayload(msg.Payload)
}

// handleClose implements the closing side-channel of spec §4.4: update
// the TradeRecord, update the risk gate's loss-streak counters, enter
// COOLDOWN if the gate now sets a deadline, and run post-trade
// reflection.
func (m *Machine) handleClose(ctx context.Context, msg model.StreamMessage) error {
	closed, _ := msg.Payload["closed"].(bool)
	if !closed {
		return nil
	}
	decisionID, _ := msg.Payload["decision_id"].(string)
	if decisionID == "" {
		return nil
	}

	exitPrice := decimalFromPayload(msg.Payload, "exit_price")
	pnl := decimalFromPayload(msg.Payload, "pnl")
	exitReason, _ := msg.Payload["exit_reason"].(string)
	now := time.Now().UTC()

	if err := m.repos.Trades.CloseTrade(ctx, decisionID, &exitPrice, exitReason, now, &pnl); err != nil {
		return fmt.Errorf("orchestrator: close trade %s: %w", decisionID, err)
	}

	pnlFloat, _ := pnl.Float64()
	cooldown := time.Duration(m.cfg.Orchestrator.CooldownAfterLossStreak) * time.Second
	m.gate.UpdateOnTradeClose(pnlFloat, now, cooldown)
	if m.gate.InCooldown(now) {
		m.setState(instrumentFromPayload(msg.Payload), StateCooldown)
	}

	trade, err := m.repos.Trades.Get(ctx, decisionID)
	if err != nil {
		m.log.Warn("load closed trade for reflection failed", zap.Error(err))
		return nil
	}
	if err := m.reflect.ReviewClosedTrade(ctx, trade); err != nil {
		m.log.Warn("post-trade reflection failed", zap.Error(err))
	}
	return nil
}

func instrumentFromPayload(payload map[string]interface{}) string {
	s, _ := payload["instrument"].(string)
	return s
}

func decimalFromPayload(payload map[string]interface{}, key string) decimal.Decimal {
	s, _ := payload[key].(string)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func orderResultFromPayload(payload map[string]interface{}) model.OrderResult {
	decisionID, _ := payload["decision_id"].(string)
	success, _ := payload["success"].(bool)
	orderID, _ := payload["order_id"].(string)
	algoID, _ := payload["algo_id"].(string)
	status, _ := payload["status"].(string)
	errorCode, _ := payload["error_code"].(string)
	errorMessage, _ := payload["error_message"].(string)

	var fillPrice, fillSize *decimal.Decimal
	if s, ok := payload["fill_price"].(string); ok && s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			fillPrice = &d
		}
	}
	if s, ok := payload["fill_size"].(string); ok && s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			fillSize = &d
		}
	}

	return model.OrderResult{
		DecisionID:   decisionID,
		Success:      success,
		OrderID:      orderID,
		AlgoID:       algoID,
		Status:       status,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		FillPrice:    fillPrice,
		FillSize:     fillSize,
		Timestamp:    time.Now().UTC(),
	}
}

func toOrderIntent(decisionID, instrument string, decision llmadapter.OpusDecision) model.OrderIntent {
	intent := model.OrderIntent{
		DecisionID: decisionID,
		Action:     decision.Action,
		Instrument: instrument,
		Side:       decision.Side,
		PosSide:    decision.PosSide,
		OrderType:  decision.OrderType,
		Leverage:   decimal.NewFromFloat(decision.Leverage),
		Strategy:   decision.Strategy,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
	}
	if intent.OrderType == "" {
		intent.OrderType = model.OrderTypeMarket
	}
	intent.Size = decimal.NewFromFloat(decision.SizePct)
	if decision.EntryPrice != nil {
		p := decimal.NewFromFloat(*decision.EntryPrice)
		intent.LimitPrice = &p
	}
	if decision.StopLoss != nil {
		sl := decimal.NewFromFloat(*decision.StopLoss)
		intent.StopLoss = &sl
	}
	if decision.TakeProfit != nil {
		tp := decimal.NewFromFloat(*decision.TakeProfit)
		intent.TakeProfit = &tp
	}
	return intent
}

func intentPayload(intent model.OrderIntent) map[string]interface{} {
	payload := map[string]interface{}{
		"decision_id": intent.DecisionID,
		"action":      intent.Action,
		"instrument":  intent.Instrument,
		"side":        intent.Side,
		"pos_side":    intent.PosSide,
		"order_type":  intent.OrderType,
		"size":        intent.Size.String(),
		"leverage":    intent.Leverage.String(),
		"strategy":    intent.Strategy,
		"confidence":  intent.Confidence,
		"reasoning":   intent.Reasoning,
	}
	if intent.LimitPrice != nil {
		payload["limit_price"] = intent.LimitPrice.String()
	}
	if intent.StopLoss != nil {
		payload["stop_loss"] = intent.StopLoss.String()
	}
	if intent.TakeProfit != nil {
		payload["take_profit"] = intent.TakeProfit.String()
	}
	return payload
}

// snapshotFromPayload reconstructs the fields of MarketSnapshot the
// orchestrator actually consumes from the indicator service's published
// payload (spec §6.1); the full indicator set is read back from
// SnapshotRepository when needed, not from the bus payload.
func snapshotFromPayload(payload map[string]interface{}) (model.MarketSnapshot, bool) {
	instrument, _ := payload["instrument"].(string)
	if instrument == "" {
		return model.MarketSnapshot{}, false
	}
	snap := model.MarketSnapshot{
		Instrument:     instrument,
		LastPrice:      decimalFromPayload(payload, "last_price"),
		FundingRate:    decimalFromPayload(payload, "funding_rate"),
		OpenInterest:   decimalFromPayload(payload, "open_interest"),
		LongShortRatio: decimalFromPayload(payload, "long_short_ratio"),
		PriceChange1h:  decimalFromPayload(payload, "price_change_1h"),
		OIChange4h:     decimalFromPayload(payload, "oi_change_4h"),
	}
	if regime, ok := payload["regime"].(string); ok {
		snap.Regime = model.Regime(regime)
	}
	snap.Timestamp = time.Now().UTC()
	return snap, true
}
