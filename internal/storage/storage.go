// Package storage defines the repository interfaces every service
// depends on and backs them with Postgres implementations. Thirteen
// focused repository interfaces replace the teacher's single monolithic
// Store: each service only takes the repositories it actually calls.
// Method names are qualified per-concern (UpsertPosition, not Upsert)
// because a single *Postgres value implements all of them at once.
package storage

import (
	"context"
	"time"

	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/shopspring/decimal"
)

// CandleRepository persists OHLCV candles. Upsert is last-write-wins on
// (instrument, timeframe, time); BulkInsert is used for REST backfill
// and must tolerate re-inserting candles already on disk.
type CandleRepository interface {
	Upsert(ctx context.Context, c model.Candle) error
	BulkInsert(ctx context.Context, candles []model.Candle) error
	Recent(ctx context.Context, instrument string, timeframe model.Timeframe, limit int) ([]model.Candle, error)
	LatestTime(ctx context.Context, instrument string, timeframe model.Timeframe) (time.Time, error)
}

// SnapshotRepository persists the indicator service's per-cycle output,
// used by the orchestrator's COLLECTING state and by reflection to
// reconstruct indicators-at-entry/exit.
type SnapshotRepository interface {
	Save(ctx context.Context, snap model.MarketSnapshot) error
	Latest(ctx context.Context, instrument string) (model.MarketSnapshot, error)
	Range(ctx context.Context, instrument string, from, to time.Time) ([]model.MarketSnapshot, error)
}

// TradeRepository is the orchestrator's durable journal: every trade
// goes open -> closed|cancelled exactly once.
type TradeRepository interface {
	Create(ctx context.Context, t model.TradeRecord) error
	CloseTrade(ctx context.Context, tradeID string, exitPrice *decimal.Decimal, exitReason string, closedAt time.Time, pnl *decimal.Decimal) error
	// Update applies a partial field update (spec §6.2 "update(trade_id,
	// partial)"), e.g. {"self_review": "..."} after a post-trade review.
	Update(ctx context.Context, tradeID string, fields map[string]interface{}) error
	Get(ctx context.Context, tradeID string) (model.TradeRecord, error)
	Open(ctx context.Context) ([]model.TradeRecord, error)
	RecentTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)
	ByStrategy(ctx context.Context, strategy string, limit int) ([]model.TradeRecord, error)
	TradesSince(ctx context.Context, since time.Time) ([]model.TradeRecord, error)
}

// PositionRepository mirrors live exchange positions for recovery after
// a restart (spec §6.5: orchestrator rehydrates open positions on boot).
type PositionRepository interface {
	UpsertPosition(ctx context.Context, p model.Position) error
	DeletePosition(ctx context.Context, instrument string, side model.PosSide) error
	AllPositions(ctx context.Context) ([]model.Position, error)
}

// PlaybookRepository stores the versioned, append-only playbook. Writes
// always insert a new version; once written a version is never mutated.
type PlaybookRepository interface {
	LatestPlaybook(ctx context.Context) (model.Playbook, error)
	SavePlaybook(ctx context.Context, p model.Playbook) error
	PlaybookVersion(ctx context.Context, version int) (model.Playbook, error)
}

// DecisionLogRepository records every orchestrator decision cycle for
// audit, independent of whether it resulted in a trade.
type DecisionLogRepository interface {
	SaveDecisionLog(ctx context.Context, decisionID string, instrument string, state string, payload map[string]interface{}, at time.Time) error
	RecentDecisionLog(ctx context.Context, instrument string, limit int) ([]DecisionLogEntry, error)
}

// DecisionLogEntry is one row of the decision log.
type DecisionLogEntry struct {
	DecisionID string
	Instrument string
	State      string
	Payload    map[string]interface{}
	At         time.Time
}

// AccountStateRepository persists the periodic account equity snapshot
// used to compute daily-loss and drawdown risk-gate inputs across
// restarts.
type AccountStateRepository interface {
	SaveAccountState(ctx context.Context, s model.AccountState) error
	LatestAccountState(ctx context.Context) (model.AccountState, error)
	DayStartAccountState(ctx context.Context, day time.Time) (model.AccountState, error)
}

// RiskStateRepository persists the risk gate's circuit-breaker state
// (consecutive losses, cooldown_until, halted) across restarts, matching
// the teacher's CircuitBreaker persistence need.
type RiskStateRepository interface {
	SaveRiskState(ctx context.Context, s RiskState) error
	LoadRiskState(ctx context.Context) (RiskState, error)
}

// RiskState is the persisted circuit-breaker state.
type RiskState struct {
	ConsecutiveLosses int
	CooldownUntil     *time.Time
	Halted            bool
	PeakEquity        float64
	UpdatedAt         time.Time
}

// ReflectionRepository persists post-trade and deep reflection output
// and tracks when deep reflection last ran (spec §4.6, §6.2).
type ReflectionRepository interface {
	SaveReflection(ctx context.Context, r ReflectionEntry) (string, error)
	LastReflectionTime(ctx context.Context) (*time.Time, error)
	TradesSinceLastReflection(ctx context.Context) ([]model.TradeRecord, error)
}

// ReflectionEntry is one row of the reflection log: a post-trade
// review (TradeID set) or a deep reflection (TradeID empty).
type ReflectionEntry struct {
	TradeID         string
	Kind            string // "post_trade" or "deep"
	Summary         string
	PatternInsights []string
	BiasFindings    []string
	DisciplineScore float64
	At              time.Time
}

// ScreenerLogRepository journals every screener call and tracks
// whether the orchestrator's downstream decision agreed with the
// screener's verdict, used to calibrate SCREENER_MIN_PASS_RATE.
type ScreenerLogRepository interface {
	LogScreen(ctx context.Context, e ScreenerLogEntry) (string, error)
	UpdateOpusAgreement(ctx context.Context, id string, action model.OrderIntentAction, agreed bool) error
}

// ScreenerLogEntry is one row of the screener log.
type ScreenerLogEntry struct {
	Instrument string
	Signal     bool
	Reason     string
	At         time.Time
}

// ResearchCacheRepository backs the orchestrator's exact-string-keyed
// research cache (spec §4.4 step 5: 1-hour TTL, cache hits skip the
// remote call).
type ResearchCacheRepository interface {
	GetCached(ctx context.Context, query string, ttl time.Duration) (string, bool, error)
	SaveResearch(ctx context.Context, query, response string) (string, error)
}

// RiskRejectionRepository journals every risk-gate rejection for audit
// (spec §4.4 step 7, §6.2).
type RiskRejectionRepository interface {
	LogRejection(ctx context.Context, decisionID, instrument string, failedRules []string, account model.AccountState) (string, error)
}

// PerformanceSnapshotRepository persists periodic rolled-up performance
// metrics (spec §6.2, SPEC_FULL.md §8 "Performance-snapshot persistence").
type PerformanceSnapshotRepository interface {
	SavePerformanceSnapshot(ctx context.Context, kind string, metrics map[string]interface{}) (string, error)
}

// Pinger verifies connectivity to the backing store; used by both
// services' startup health check (spec §6.5).
type Pinger interface {
	Ping(ctx context.Context) error
}
