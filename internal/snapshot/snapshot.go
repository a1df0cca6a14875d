// Package snapshot assembles the indicator service's per-cycle
// MarketSnapshot (spec §4.2 steps 2-5): it reads the candle ring for
// every configured timeframe, runs indicatorcalc.Compute on each,
// classifies the 4H regime, folds in the REST-sourced feed.MarketRead,
// checks the anomaly thresholds, persists via SnapshotRepository, and
// publishes to market:snapshots (and market:alerts on anomaly).
// Generalized from the teacher's signal-generation cycle in
// internal/strategy, which computed indicators and emitted a signal in
// one pass; here indicator computation and decision-making are split
// into separate services, so this package stops at publishing the
// snapshot.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/candle"
	"github.com/nimbus-trading/derivagent/internal/feed"
	"github.com/nimbus-trading/derivagent/internal/indicatorcalc"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/regime"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

const (
	// anomalyPriceChangePct is the |price_change_1h| threshold past
	// which a market_alert is published (spec §4.2 step 5).
	anomalyPriceChangePct = 0.03
	// anomalyFundingRate is the |funding_rate| threshold past which a
	// market_alert is published (spec §4.2 step 5).
	anomalyFundingRate = 0.0005

	regimeTimeframe = model.Timeframe4H
	slopeLookback   = 5
	avgATRPeriod    = 20
)

// Publisher is the bus surface the assembler needs; satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error)
}

// Assembler builds and publishes one MarketSnapshot per instrument per
// cycle (spec §4.2).
type Assembler struct {
	candles    *candle.Store
	collector  *feed.Collector
	snapshots  storage.SnapshotRepository
	pub        Publisher
	timeframes []model.Timeframe
	log        *zap.Logger

	prevPrice map[string]decimal.Decimal
	prevOI    map[string]decimal.Decimal
}

func NewAssembler(candles *candle.Store, collector *feed.Collector, snapshots storage.SnapshotRepository,
	pub Publisher, timeframes []model.Timeframe, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{
		candles:    candles,
		collector:  collector,
		snapshots:  snapshots,
		pub:        pub,
		timeframes: timeframes,
		log:        log,
		prevPrice:  make(map[string]decimal.Decimal),
		prevOI:     make(map[string]decimal.Decimal),
	}
}

// Build assembles one MarketSnapshot for instrument: indicator sets per
// configured timeframe, 4H regime classification, and the REST-sourced
// market read (order book, funding, OI, long/short, taker ratios).
func (a *Assembler) Build(ctx context.Context, instrument string) model.MarketSnapshot {
	read := a.collector.Collect(ctx, instrument)

	indicators := make(map[model.Timeframe]model.IndicatorSet, len(a.timeframes))
	for _, tf := range a.timeframes {
		candles := a.candles.Recent(instrument, tf, 0)
		if len(candles) == 0 {
			continue
		}
		indicators[tf] = indicatorcalc.Compute(candles)
	}

	snap := model.MarketSnapshot{
		Instrument:     instrument,
		Timestamp:      time.Now().UTC(),
		LastPrice:      read.Ticker.LastPrice,
		Indicators:     indicators,
		OrderBook:      read.OrderBook,
		FundingRate:    read.FundingRate,
		OpenInterest:   read.OpenInterest,
		LongShortRatio: read.LongShortRatio,
		TakerBuyRatio:  read.TakerBuyRatio,
		TakerSellRatio: read.TakerSellRatio,
	}

	snap.Regime = a.classifyRegime(instrument, indicators[regimeTimeframe])
	snap.PriceChange1h = a.priceChange1h(instrument, snap.LastPrice)
	snap.OIChange4h = a.oiChange4h(instrument, snap.OpenInterest)

	return snap
}

// classifyRegime derives regime.Inputs from the 4H indicator set and
// the 4H candle history's EMA20 slope and average ATR.
func (a *Assembler) classifyRegime(instrument string, set model.IndicatorSet) model.Regime {
	if set.ADX14 == nil || set.ATR14 == nil {
		return model.RegimeRanging
	}

	candles4h := a.candles.Recent(instrument, regimeTimeframe, 0)
	closes := make([]float64, len(candles4h))
	atrs := make([]float64, 0, len(candles4h))
	for i, c := range candles4h {
		f, _ := c.Close.Float64()
		closes[i] = f
	}
	emaSeries := indicatorcalc.EMASeries(closes, 20)
	for i := range candles4h {
		if i < 14 {
			continue
		}
		if v := indicatorcalc.ATR(candles4h[:i+1], 14); v != nil {
			atrs = append(atrs, *v)
		}
	}

	return regime.Classify(regime.Inputs{
		ADX:        *set.ADX14,
		EMA20Slope: regime.EMA20Slope(emaSeries, slopeLookback),
		ATR:        *set.ATR14,
		AvgATR20:   regime.AvgATR(atrs, avgATRPeriod),
	})
}

// priceChange1h is the fractional change in last price since the
// previous Build call for instrument, tracked in-process (reset on
// restart). The window is the snapshot cycle interval, not a fixed hour.
func (a *Assembler) priceChange1h(instrument string, last decimal.Decimal) decimal.Decimal {
	prev, ok := a.prevPrice[instrument]
	a.prevPrice[instrument] = last
	if !ok || prev.IsZero() {
		return decimal.Zero
	}
	return last.Sub(prev).Div(prev)
}

// oiChange4h is the fractional change in open interest, same
// in-process tracking approach as priceChange1h.
func (a *Assembler) oiChange4h(instrument string, oi decimal.Decimal) decimal.Decimal {
	prev, ok := a.prevOI[instrument]
	a.prevOI[instrument] = oi
	if !ok || prev.IsZero() {
		return decimal.Zero
	}
	return oi.Sub(prev).Div(prev)
}

// Publish persists snap and publishes it to market:snapshots, then
// checks the anomaly thresholds and publishes market:alerts if tripped
// (spec §4.2 step 5: |price_change_1h| > 3% or |funding_rate| > 0.05%).
func (a *Assembler) Publish(ctx context.Context, snap model.MarketSnapshot) error {
	if err := a.snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("snapshot: persist: %w", err)
	}

	payload, err := toPayload(snap)
	if err != nil {
		return fmt.Errorf("snapshot: encode payload: %w", err)
	}
	if _, err := a.pub.Publish(ctx, bus.StreamMarketSnapshots, model.StreamMessage{
		Source:  model.SourceIndicator,
		Type:    model.TypeMarketSnapshot,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("snapshot: publish: %w", err)
	}

	if a.isAnomaly(snap) {
		if _, err := a.pub.Publish(ctx, bus.StreamMarketAlerts, model.StreamMessage{
			Source: model.SourceIndicator,
			Type:   model.TypeMarketAlert,
			Payload: map[string]interface{}{
				"severity":        model.SeverityWarning,
				"instrument":      snap.Instrument,
				"price_change_1h": snap.PriceChange1h.String(),
				"funding_rate":    snap.FundingRate.String(),
			},
		}); err != nil {
			a.log.Warn("publish market alert failed", zap.String("instrument", snap.Instrument), zap.Error(err))
		}
	}
	return nil
}

func (a *Assembler) isAnomaly(snap model.MarketSnapshot) bool {
	priceChange, _ := snap.PriceChange1h.Float64()
	funding, _ := snap.FundingRate.Float64()
	if priceChange < 0 {
		priceChange = -priceChange
	}
	if funding < 0 {
		funding = -funding
	}
	return priceChange > anomalyPriceChangePct || funding > anomalyFundingRate
}

func toPayload(snap model.MarketSnapshot) (map[string]interface{}, error) {
	return map[string]interface{}{
		"instrument":       snap.Instrument,
		"timestamp":        snap.Timestamp,
		"last_price":       snap.LastPrice.String(),
		"regime":           snap.Regime,
		"funding_rate":     snap.FundingRate.String(),
		"open_interest":    snap.OpenInterest.String(),
		"long_short_ratio": snap.LongShortRatio.String(),
		"price_change_1h":  snap.PriceChange1h.String(),
		"oi_change_4h":     snap.OIChange4h.String(),
	}, nil
}
