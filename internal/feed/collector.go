// Package feed implements the indicator service's market-data inputs
// (spec §4.2): a REST collector for ticker/orderbook/funding/OI/LS-
// ratio/taker-volume, each retried on idempotent reads only, and a
// gorilla/websocket public feed subscriber with channel-name routing
// and capped exponential reconnect. Generalized from the teacher's
// internal/market.DataProvider interface and the REST chunking/
// rate-limit pattern in internal/market/dhan_data.go, extended from a
// single daily-candle REST call to the richer derivatives read set
// (funding rate, open interest, long/short ratio, taker volume) a spot
// equities broker never needed.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/retry"
)

// RESTClient is the subset of the exchange REST surface the snapshot
// collector needs. internal/exchange.Exchange does not satisfy it
// directly (its GetTicker returns exchange.Ticker, not Ticker); the
// indicator service wraps the exchange client in an adapter.
type RESTClient interface {
	GetTicker(ctx context.Context, instrument string) (Ticker, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error)
	GetFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetOpenInterest(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetLongShortRatio(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetTakerVolume(ctx context.Context, instrument string) (buyRatio, sellRatio decimal.Decimal, err error)
}

// Ticker is the latest traded price for an instrument.
type Ticker struct {
	Instrument string
	LastPrice  decimal.Decimal
	Timestamp  time.Time
}

// MarketRead bundles the REST-sourced fields of one snapshot cycle
// (spec §4.2 step 1).
type MarketRead struct {
	Ticker         Ticker
	OrderBook      model.OrderBook
	FundingRate    decimal.Decimal
	OpenInterest   decimal.Decimal
	LongShortRatio decimal.Decimal
	TakerBuyRatio  decimal.Decimal
	TakerSellRatio decimal.Decimal
}

const (
	restMaxAttempts = 3
	restBaseDelay   = 500 * time.Millisecond
	restMaxDelay    = 5 * time.Second
)

// Collector fetches the REST-sourced half of a market snapshot,
// retrying each idempotent read up to restMaxAttempts times with
// capped exponential backoff and falling back to a neutral default on
// exhaustion (spec §4.2 step 1).
type Collector struct {
	client RESTClient
	depth  int
	log    *zap.Logger
}

func NewCollector(client RESTClient, orderbookDepth int, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{client: client, depth: orderbookDepth, log: log}
}

// Collect reads all REST-sourced fields for instrument. Each field is
// retried independently so a failure in one (e.g. taker volume) never
// blocks the others from succeeding.
func (c *Collector) Collect(ctx context.Context, instrument string) MarketRead {
	var read MarketRead

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		t, err := c.client.GetTicker(ctx, instrument)
		if err == nil {
			read.Ticker = t
		}
		return err
	}); err != nil {
		c.log.Warn("get ticker exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
	}

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		ob, err := c.client.GetOrderBook(ctx, instrument, c.depth)
		if err == nil {
			read.OrderBook = ob
		}
		return err
	}); err != nil {
		c.log.Warn("get orderbook exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
	}

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		fr, err := c.client.GetFundingRate(ctx, instrument)
		if err == nil {
			read.FundingRate = fr
		}
		return err
	}); err != nil {
		c.log.Warn("get funding rate exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
		read.FundingRate = decimal.Zero
	}

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		oi, err := c.client.GetOpenInterest(ctx, instrument)
		if err == nil {
			read.OpenInterest = oi
		}
		return err
	}); err != nil {
		c.log.Warn("get open interest exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
		read.OpenInterest = decimal.Zero
	}

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		ls, err := c.client.GetLongShortRatio(ctx, instrument)
		if err == nil {
			read.LongShortRatio = ls
		}
		return err
	}); err != nil {
		c.log.Warn("get long/short ratio exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
		read.LongShortRatio = decimal.NewFromInt(1)
	}

	if err := retry.Do(ctx, restMaxAttempts, restBaseDelay, restMaxDelay, func(ctx context.Context) error {
		buy, sell, err := c.client.GetTakerVolume(ctx, instrument)
		if err == nil {
			read.TakerBuyRatio, read.TakerSellRatio = buy, sell
		}
		return err
	}); err != nil {
		c.log.Warn("get taker volume exhausted retries, using neutral default", zap.String("instrument", instrument), zap.Error(err))
		half := decimal.NewFromFloat(0.5)
		read.TakerBuyRatio, read.TakerSellRatio = half, half
	}

	return read
}
