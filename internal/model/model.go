// Package model defines the data types shared by every service: candles,
// indicator sets, market snapshots, order intents/results, positions,
// trade records, and the versioned playbook. Field sets mirror the
// contracted data model; nothing here is service-private.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a candle aggregation window.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1H  Timeframe = "1H"
	Timeframe4H  Timeframe = "4H"
)

// Candle is an immutable OHLCV bar at (Instrument, Timeframe, Time).
// Upsert semantics are last-write-wins on Open/High/Low/Close/Volume.
type Candle struct {
	Instrument string
	Timeframe  Timeframe
	Time       time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
}

// Regime is the classified 4H market condition.
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
)

// BBPosition is the derived Bollinger-band categorical signal.
type BBPosition string

const (
	BBPositionAboveUpper BBPosition = "above_upper"
	BBPositionUpperHalf  BBPosition = "upper_half"
	BBPositionLowerHalf  BBPosition = "lower_half"
	BBPositionBelowLower BBPosition = "below_lower"
)

// EMAAlignment is the derived EMA-stack categorical signal.
type EMAAlignment string

const (
	EMAAlignmentBullish EMAAlignment = "bullish"
	EMAAlignmentBearish EMAAlignment = "bearish"
	EMAAlignmentMixed   EMAAlignment = "mixed"
)

// MACDSignal is the derived MACD categorical signal.
type MACDSignal string

const (
	MACDSignalBullishCross MACDSignal = "bullish_cross"
	MACDSignalBearishCross MACDSignal = "bearish_cross"
	MACDSignalNeutral      MACDSignal = "neutral"
)

// IndicatorSet is the per-(instrument, timeframe) derived indicator bundle.
// Any pointer field may be nil when the input window is too short; callers
// must tolerate absence rather than treating a nil as zero.
type IndicatorSet struct {
	RSI14 *float64

	MACDLine      *float64
	MACDSignalLn  *float64
	MACDHistogram *float64

	BBUpper  *float64
	BBMiddle *float64
	BBLower  *float64

	EMA20  *float64
	EMA50  *float64
	EMA200 *float64

	ATR14 *float64
	VWAP  *float64
	ADX14 *float64

	StochRSIK *float64
	StochRSID *float64

	OBV *float64

	IchimokuTenkan   *float64
	IchimokuKijun    *float64
	IchimokuSenkouA  *float64
	IchimokuSenkouB  *float64

	SupportLevels    []float64
	ResistanceLevels []float64

	VolumeRatio *float64

	BBPosition   BBPosition
	EMAAlignment EMAAlignment
	MACDSignalC  MACDSignal
}

// OrderBookLevel is one price/size level of the order book.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a top-N snapshot with spread and depth totals.
type OrderBook struct {
	Bids        []OrderBookLevel
	Asks        []OrderBookLevel
	Spread      decimal.Decimal
	BidDepthSum decimal.Decimal
	AskDepthSum decimal.Decimal
}

// MarketSnapshot is the atomic, self-contained per-instrument view
// produced by the indicator service on every snapshot cycle.
type MarketSnapshot struct {
	Instrument      string
	Timestamp       time.Time
	LastPrice       decimal.Decimal
	Indicators      map[Timeframe]IndicatorSet
	OrderBook       OrderBook
	FundingRate     decimal.Decimal
	OpenInterest    decimal.Decimal
	LongShortRatio  decimal.Decimal
	TakerBuyRatio   decimal.Decimal
	TakerSellRatio  decimal.Decimal
	Regime          Regime
	PriceChange1h   decimal.Decimal
	OIChange4h      decimal.Decimal
}

// OrderIntentAction is the closed set of actions an orchestrator may request.
type OrderIntentAction string

const (
	ActionOpenLong  OrderIntentAction = "OPEN_LONG"
	ActionOpenShort OrderIntentAction = "OPEN_SHORT"
	ActionClose     OrderIntentAction = "CLOSE"
	ActionAdd       OrderIntentAction = "ADD"
	ActionReduce    OrderIntentAction = "REDUCE"
	ActionHold      OrderIntentAction = "HOLD"
)

// Side is the exchange order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PosSide is the position direction.
type PosSide string

const (
	PosSideLong  PosSide = "long"
	PosSideShort PosSide = "short"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderIntent is the orchestrator's request to trade. It is NOT an order —
// it must pass the trade service's validator before reaching the exchange.
type OrderIntent struct {
	DecisionID string
	Action     OrderIntentAction
	Instrument string
	Side       Side
	PosSide    PosSide
	OrderType  OrderType
	Size       decimal.Decimal
	LimitPrice *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   decimal.Decimal

	Strategy   string
	Confidence float64
	Reasoning  string
}

// OrderResult is the exchange acknowledgement returned by the executor.
type OrderResult struct {
	DecisionID   string
	Success      bool
	OrderID      string
	AlgoID       string
	Status       string
	ErrorCode    string
	ErrorMessage string
	FillPrice    *decimal.Decimal
	FillSize     *decimal.Decimal
	Timestamp    time.Time
}

// Position is the per-(instrument, pos_side) mirror of exchange state.
type Position struct {
	Instrument       string
	PosSide          PosSide
	Size             decimal.Decimal
	AvgEntry         decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	PnLRatio         decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	Margin           decimal.Decimal
	MarginRatio      decimal.Decimal
	LastUpdate       time.Time
}

// AccountState is the cached account equity/balance snapshot.
type AccountState struct {
	Equity           decimal.Decimal
	AvailableBalance  decimal.Decimal
	TotalPnL         decimal.Decimal
	DailyPnL         decimal.Decimal
	TodayMaxDrawdown decimal.Decimal
	Timestamp        time.Time
}

// TradeDirection is the journaled trade's direction.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "LONG"
	DirectionShort TradeDirection = "SHORT"
)

// TradeStatus is the journal lifecycle state (invariant: open -> closed|cancelled, exactly once).
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// TradeRecord is the orchestrator's durable journal entry for one
// open -> close trade lifecycle.
type TradeRecord struct {
	TradeID  string
	OpenedAt time.Time
	ClosedAt *time.Time

	Direction TradeDirection
	Instrument string

	EntryPrice decimal.Decimal
	ExitPrice  *decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal

	Size       decimal.Decimal
	SizePct    float64
	Leverage   decimal.Decimal

	PnL  *decimal.Decimal
	Fees decimal.Decimal

	StrategyUsed       string
	ConfidenceAtEntry  float64
	MarketRegime       Regime
	OpusReasoning      string

	IndicatorsAtEntry map[Timeframe]IndicatorSet
	IndicatorsAtExit  map[Timeframe]IndicatorSet

	ResearchContext string
	SelfReview      string

	ExitReason string
	Status     TradeStatus

	ExchangeOrderID string
	ExchangeAlgoID  string

	DecisionID string
}

// RegimeRule is a playbook's per-regime policy bucket.
type RegimeRule struct {
	Regime              Regime
	PreferredStrategies []string
	AvoidStrategies     []string
	MaxPositionPct      float64
	PreferredTimeframe  Timeframe
}

// StrategyDefinition is one named strategy's playbook entry.
type StrategyDefinition struct {
	Name              string
	Entry             string
	Exit              string
	Filters           []string
	HistoricalWinRate float64
	AvgRR             float64
}

// ConfidenceBucket calibrates stated confidence against realized outcomes.
type ConfidenceBucket struct {
	MinConfidence float64
	MaxConfidence float64
	ActualWinRate float64
	SampleSize    int
}

// Playbook is a versioned, immutable-once-written JSON policy document.
type Playbook struct {
	Version             int
	CreatedAt           time.Time
	RegimeRules         map[Regime]RegimeRule
	Strategies          map[string]StrategyDefinition
	Lessons             []string
	ConfidenceBuckets    []ConfidenceBucket
	AvoidUTCHours       []int
	PreferUTCHours      []int
}

// StreamMessageSource identifies the producing service.
type StreamMessageSource string

const (
	SourceIndicator    StreamMessageSource = "indicator_server"
	SourceTrade        StreamMessageSource = "trade_server"
	SourceOrchestrator StreamMessageSource = "orchestrator"
	SourceUI           StreamMessageSource = "ui"
	SourceAny          StreamMessageSource = "any"
)

// StreamMessageType is the closed set of envelope types crossing the bus.
type StreamMessageType string

const (
	TypeMarketSnapshot  StreamMessageType = "market_snapshot"
	TypeMarketAlert     StreamMessageType = "market_alert"
	TypeTradeFill       StreamMessageType = "trade_fill"
	TypePositionUpdate  StreamMessageType = "position_update"
	TypeTradeOrder      StreamMessageType = "trade_order"
	TypeOpusDecision    StreamMessageType = "opus_decision"
	TypeSystemAlert     StreamMessageType = "system_alert"
)

// StreamMessage is the envelope for every event crossing the bus.
// MsgID is independent of the bus-assigned stream entry id (invariant (v));
// consumers requiring exactly-once effects dedup on MsgID.
type StreamMessage struct {
	MsgID     string                 `json:"msg_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    StreamMessageSource    `json:"source"`
	Type      StreamMessageType      `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// AlertSeverity classifies a system/market alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)
