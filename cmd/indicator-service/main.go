// Command indicator-service runs the indicator service (spec §4.2): it
// backfills and streams OHLCV candles, collects the REST-sourced half
// of a market read, computes indicators and classifies regime on a
// SNAPSHOT_INTERVAL_SECONDS ticker, and publishes the resulting
// MarketSnapshot (and any anomaly alert) to market:snapshots. Mirrors
// the teacher's cmd/engine market-mode loop: load config, construct the
// broker/store, run until signalled, shut down cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/candle"
	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/exchange"
	"github.com/nimbus-trading/derivagent/internal/feed"
	"github.com/nimbus-trading/derivagent/internal/logging"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/snapshot"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "indicator-service:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: getEnv("LOG_LEVEL", "info"), Pretty: getEnv("LOG_PRETTY", "") == "1"})
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	pg, err := storage.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.DBPoolSize)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	hostname, _ := os.Hostname()
	b := bus.New(redisClient, "indicator", fmt.Sprintf("%s-%d", hostname, os.Getpid()), log)
	for _, stream := range []string{bus.StreamMarketSnapshots, bus.StreamMarketAlerts} {
		if err := b.EnsureGroup(ctx, stream); err != nil {
			return fmt.Errorf("ensure group on %s: %w", stream, err)
		}
	}

	okx, err := exchange.NewOKXExchange(exchange.OKXConfig{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
		Simulated:  cfg.Exchange.Flag == "1",
	})
	if err != nil {
		return fmt.Errorf("construct exchange client: %w", err)
	}

	timeframes := make([]model.Timeframe, 0, len(cfg.Universe.Timeframes))
	for _, tf := range cfg.Universe.Timeframes {
		timeframes = append(timeframes, model.Timeframe(tf))
	}

	candles := candle.NewStore(cfg.Indicator.CandleHistoryLimit, pg)
	for _, inst := range cfg.Universe.Instruments {
		for _, tf := range timeframes {
			history, err := okx.GetCandles(ctx, inst, tf, cfg.Indicator.CandleHistoryLimit)
			if err != nil {
				log.Warn("candle backfill failed", zap.String("instrument", inst), zap.String("timeframe", string(tf)), zap.Error(err))
				continue
			}
			if err := candles.Backfill(ctx, inst, tf, history); err != nil {
				log.Warn("candle backfill persist failed", zap.String("instrument", inst), zap.Error(err))
			}
		}
	}

	collector := feed.NewCollector(restAdapter{okx}, cfg.Indicator.OrderbookDepth, log)
	assembler := snapshot.NewAssembler(candles, collector, pg, b, timeframes, log)

	publicFeed := feed.NewPublicFeed(feed.NewGorillaDialer(), cfg.Exchange.WSPublicURL, log)
	for _, tf := range timeframes {
		channel := "candle" + string(tf)
		publicFeed.On(channel, candleHandler(candles, tf, log))
	}
	for _, inst := range cfg.Universe.Instruments {
		for _, tf := range timeframes {
			channel := "candle" + string(tf)
			publicFeed.Subscribe(feed.Subscription{
				Channel: channel,
				Request: map[string]interface{}{
					"op":   "subscribe",
					"args": []map[string]string{{"channel": channel, "instId": inst}},
				},
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := publicFeed.Run(ctx); err != nil {
			log.Warn("public feed exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		runSnapshotTicker(ctx, assembler, cfg.Universe.Instruments, time.Duration(cfg.Indicator.SnapshotIntervalSeconds)*time.Second, log)
	}()

	log.Info("indicator service started",
		zap.Strings("instruments", cfg.Universe.Instruments),
		zap.Int("snapshot_interval_seconds", cfg.Indicator.SnapshotIntervalSeconds))

	wg.Wait()
	return nil
}

// restAdapter narrows exchange.OKXExchange down to feed.RESTClient,
// whose Ticker type differs from exchange.Ticker only in package
// identity.
type restAdapter struct {
	ex *exchange.OKXExchange
}

func (r restAdapter) GetTicker(ctx context.Context, instrument string) (feed.Ticker, error) {
	t, err := r.ex.GetTicker(ctx, instrument)
	if err != nil {
		return feed.Ticker{}, err
	}
	return feed.Ticker{Instrument: t.Instrument, LastPrice: t.LastPrice, Timestamp: t.Timestamp}, nil
}

func (r restAdapter) GetOrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	return r.ex.GetOrderBook(ctx, instrument, depth)
}

func (r restAdapter) GetFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return r.ex.GetFundingRate(ctx, instrument)
}

func (r restAdapter) GetOpenInterest(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return r.ex.GetOpenInterest(ctx, instrument)
}

func (r restAdapter) GetLongShortRatio(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return r.ex.GetLongShortRatio(ctx, instrument)
}

func (r restAdapter) GetTakerVolume(ctx context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	return r.ex.GetTakerVolume(ctx, instrument)
}

// candleHandler builds the feed.Handler for one timeframe's candle
// channel. Every numeric field arrives as a string, matching OKX's
// wire convention; only confirmed bars (confirm != "0") are appended,
// since an unconfirmed bar's close is still moving.
func candleHandler(store *candle.Store, tf model.Timeframe, log *zap.Logger) feed.Handler {
	return func(ctx context.Context, msg feed.Message) {
		instrument, _ := msg.Data["instId"].(string)
		tsStr, _ := msg.Data["ts"].(string)
		confirm, _ := msg.Data["confirm"].(string)
		if confirm == "0" {
			return // unconfirmed bar, wait for the confirmed push
		}
		ms, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			log.Warn("dropping malformed candle push", zap.String("instrument", instrument), zap.Error(err))
			return
		}
		c := model.Candle{
			Instrument: instrument,
			Timeframe:  tf,
			Time:       time.UnixMilli(ms).UTC(),
			Open:       parseDecimalField(msg.Data, "open"),
			High:       parseDecimalField(msg.Data, "high"),
			Low:        parseDecimalField(msg.Data, "low"),
			Close:      parseDecimalField(msg.Data, "close"),
			Volume:     parseDecimalField(msg.Data, "volume"),
		}
		if err := store.Append(ctx, c); err != nil {
			log.Warn("candle append failed", zap.String("instrument", instrument), zap.Error(err))
		}
	}
}

func parseDecimalField(data map[string]interface{}, field string) decimal.Decimal {
	s, _ := data[field].(string)
	return parseDecimal(s)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func runSnapshotTicker(ctx context.Context, assembler *snapshot.Assembler, instruments []string, interval time.Duration, log *zap.Logger) {
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
			for _, inst := range instruments {
				snap := assembler.Build(ctx, inst)
				if err := assembler.Publish(ctx, snap); err != nil {
					log.Warn("snapshot publish failed", zap.String("instrument", inst), zap.Error(err))
				}
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
