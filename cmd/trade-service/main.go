// Command trade-service runs the trade service (spec §4.3): it
// validates and executes OrderIntents from trade:orders, publishes the
// result to trade:fills, mirrors exchange positions from the private
// WebSocket feed through internal/position, and maintains a cached
// AccountState from the private account channel.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/exchange"
	"github.com/nimbus-trading/derivagent/internal/executor"
	"github.com/nimbus-trading/derivagent/internal/feed"
	"github.com/nimbus-trading/derivagent/internal/idempotency"
	"github.com/nimbus-trading/derivagent/internal/logging"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/position"
	"github.com/nimbus-trading/derivagent/internal/privatefeed"
	"github.com/nimbus-trading/derivagent/internal/storage"
	"github.com/nimbus-trading/derivagent/internal/validator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trade-service:", err)
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
	sugar := log.Sugar()

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
	b := bus.New(redisClient, "trade", fmt.Sprintf("%s-%d", hostname, os.Getpid()), log)
	for _, stream := range []string{bus.StreamTradeOrders, bus.StreamTradeFills, bus.StreamTradePositions} {
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

	for _, inst := range cfg.Universe.Instruments {
		if err := okx.SetLeverage(ctx, inst, decimal.NewFromFloat(cfg.Risk.MaxLeverage)); err != nil {
			log.Warn("startup leverage set failed", zap.String("instrument", inst), zap.Error(err))
		}
	}

	exec := executor.New(okx, sugar)
	posManager := position.New(b)
	idem := idempotency.New(redisClient)

	priv := privatefeed.New(feed.NewGorillaDialer(), cfg.Exchange.WSPrivateURL, okxLoginFrame(cfg.Exchange), log)
	priv.OnPositionUpdate(func(ctx context.Context, raw map[string]interface{}) {
		posManager.Update(ctx, raw)
	})
	priv.OnAccountUpdate(func(update privatefeed.AccountUpdate) {
		if err := pg.SaveAccountState(ctx, update.Account); err != nil {
			log.Warn("save account state failed", zap.Error(err))
		}
	})

	rehydratePositions(ctx, okx, posManager, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := priv.Run(ctx); err != nil {
			log.Warn("private feed exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		handler := orderHandler(exec, posManager, b, idem, log)
		if err := b.Subscribe(ctx, []string{bus.StreamTradeOrders}, handler); err != nil {
			log.Warn("order subscriber exited", zap.Error(err))
		}
	}()

	log.Info("trade service started", zap.Strings("instruments", cfg.Universe.Instruments))

	wg.Wait()
	return nil
}

// orderHandler builds the bus.Handler for trade:orders: validate, execute
// only an intent that passes validation, and publish to trade:fills in
// both cases (a VALIDATION_FAILED fill for a rejected intent that carries
// a decision_id) so the orchestrator's CONFIRMING state wakes (spec §4.3,
// §4.4 step 8).
//
// trade:orders is delivered at-least-once (spec §4.1), so a crash
// between exec.Execute and the XACK redelivers the same decision_id.
// idem guards against placing a second real order for it: a redelivery
// whose result was already cached replays that cached fill instead of
// executing again, and a redelivery that raced in before the first
// attempt finished its claim is dropped rather than executed (spec
// core (c), §7 "idempotency ... using decision_id").
func orderHandler(exec *executor.Executor, posManager *position.Manager, pub *bus.Bus, idem *idempotency.Store, log *zap.Logger) bus.Handler {
	return func(ctx context.Context, stream string, msg model.StreamMessage) error {
		intent, validationErrors, ok := intentFromPayload(msg.Payload)
		if !ok {
			log.Warn("rejecting invalid trade:orders message", zap.Strings("errors", validationErrors))
			if intent.DecisionID != "" {
				if _, err := pub.Publish(ctx, bus.StreamTradeFills, model.StreamMessage{
					Source: model.SourceTrade,
					Type:   model.TypeTradeFill,
					Payload: fillPayload(intent, model.OrderResult{
						DecisionID:   intent.DecisionID,
						Success:      false,
						ErrorCode:    "VALIDATION_FAILED",
						ErrorMessage: fmt.Sprintf("%v", validationErrors),
					}),
				}); err != nil {
					log.Warn("publish trade:fills failed", zap.String("decision_id", intent.DecisionID), zap.Error(err))
				}
			}
			return nil
		}

		if cached, hit, err := idem.Result(ctx, intent.DecisionID); err != nil {
			log.Warn("idempotency lookup failed, proceeding without dedup", zap.String("decision_id", intent.DecisionID), zap.Error(err))
		} else if hit {
			log.Info("duplicate trade:orders delivery, replaying cached fill", zap.String("decision_id", intent.DecisionID))
			if _, err := pub.Publish(ctx, bus.StreamTradeFills, model.StreamMessage{
				Source:  model.SourceTrade,
				Type:    model.TypeTradeFill,
				Payload: cached,
			}); err != nil {
				log.Warn("publish replayed trade:fills failed", zap.String("decision_id", intent.DecisionID), zap.Error(err))
			}
			return nil
		}

		claimed, err := idem.Claim(ctx, intent.DecisionID)
		if err != nil {
			log.Warn("idempotency claim failed, proceeding without dedup", zap.String("decision_id", intent.DecisionID), zap.Error(err))
		} else if !claimed {
			log.Warn("decision_id already claimed by another delivery, skipping execution", zap.String("decision_id", intent.DecisionID))
			return nil
		}

		res := exec.Execute(ctx, intent)

		if res.Success && (intent.Action == model.ActionOpenLong || intent.Action == model.ActionOpenShort) {
			posManager.Attach(intent.Instrument, intent.PosSide, intent.DecisionID)
		}

		payload := fillPayload(intent, res)
		if err := idem.SaveResult(ctx, intent.DecisionID, payload); err != nil {
			log.Warn("save idempotency result failed", zap.String("decision_id", intent.DecisionID), zap.Error(err))
		}

		if _, err := pub.Publish(ctx, bus.StreamTradeFills, model.StreamMessage{
			Source:  model.SourceTrade,
			Type:    model.TypeTradeFill,
			Payload: payload,
		}); err != nil {
			log.Warn("publish trade:fills failed", zap.String("decision_id", intent.DecisionID), zap.Error(err))
		}
		return nil
	}
}

func intentFromPayload(payload map[string]interface{}) (model.OrderIntent, []string, bool) {
	decisionID, _ := payload["decision_id"].(string)
	instrument, _ := payload["instrument"].(string)
	action, _ := payload["action"].(string)
	if decisionID == "" || instrument == "" || action == "" {
		return model.OrderIntent{DecisionID: decisionID}, []string{"missing decision_id, instrument, or action"}, false
	}

	intent := model.OrderIntent{
		DecisionID: decisionID,
		Action:     model.OrderIntentAction(action),
		Instrument: instrument,
		Side:       model.Side(stringField(payload, "side")),
		PosSide:    model.PosSide(stringField(payload, "pos_side")),
		OrderType:  model.OrderType(stringField(payload, "order_type")),
		Size:       decimalField(payload, "size"),
		Leverage:   decimalField(payload, "leverage"),
		Strategy:   stringField(payload, "strategy"),
		Reasoning:  stringField(payload, "reasoning"),
	}
	if conf, ok := payload["confidence"].(float64); ok {
		intent.Confidence = conf
	}
	if s, ok := payload["limit_price"].(string); ok && s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			intent.LimitPrice = &d
		}
	}
	if s, ok := payload["stop_loss"].(string); ok && s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			intent.StopLoss = &d
		}
	}
	if s, ok := payload["take_profit"].(string); ok && s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			intent.TakeProfit = &d
		}
	}

	v := validator.Validate(intent)
	if !v.Valid {
		return intent, v.Errors, false
	}
	return intent, nil, true
}

func fillPayload(intent model.OrderIntent, res model.OrderResult) map[string]interface{} {
	payload := map[string]interface{}{
		"decision_id": intent.DecisionID,
		"instrument":  intent.Instrument,
		"success":     res.Success,
		"order_id":    res.OrderID,
		"algo_id":     res.AlgoID,
		"status":      res.Status,
	}
	if res.ErrorCode != "" {
		payload["error_code"] = res.ErrorCode
	}
	if res.ErrorMessage != "" {
		payload["error_message"] = res.ErrorMessage
	}
	if res.FillPrice != nil {
		payload["fill_price"] = res.FillPrice.String()
	}
	if res.FillSize != nil {
		payload["fill_size"] = res.FillSize.String()
	}
	return payload
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func decimalField(payload map[string]interface{}, key string) decimal.Decimal {
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

// rehydratePositions seeds the in-memory position manager from the
// exchange's current open positions on startup, so a trade-service
// restart does not forget positions opened before the crash (spec
// §6.5).
func rehydratePositions(ctx context.Context, ex exchange.Exchange, posManager *position.Manager, log *zap.Logger) {
	positions, err := ex.GetPositions(ctx)
	if err != nil {
		log.Warn("rehydrate positions failed", zap.Error(err))
		return
	}
	for _, p := range positions {
		posManager.Update(ctx, map[string]interface{}{
			"instId":  p.Instrument,
			"posSide": string(p.PosSide),
			"pos":     p.Size.String(),
			"avgPx":   p.AvgEntry.String(),
			"upl":     p.UnrealizedPnL.String(),
			"lever":   p.Leverage.String(),
			"liqPx":   p.LiquidationPrice.String(),
			"margin":  p.Margin.String(),
		})
	}
}

// okxLoginFrame builds the authenticated login frame OKX's private
// WebSocket expects: API key, passphrase, timestamp, and an
// HMAC-SHA256 signature over "{ts}GET/users/self/verify".
func okxLoginFrame(cfg config.Exchange) privatefeed.LoginFunc {
	return func() interface{} {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(cfg.SecretKey))
		mac.Write([]byte(ts + "GET" + "/users/self/verify"))
		sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return map[string]interface{}{
			"op": "login",
			"args": []map[string]string{{
				"apiKey":     cfg.APIKey,
				"passphrase": cfg.Passphrase,
				"timestamp":  ts,
				"sign":       sign,
			}},
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
