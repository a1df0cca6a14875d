// Command orchestrator-service runs the orchestrator (spec §4.4): the
// per-instrument decision cycle on a DECISION_CYCLE_SECONDS ticker, plus
// a background subscriber on trade:fills/trade:positions. LLM-backed
// screener/research/analysis/reflection adapters are out of scope (spec
// §1); the machine runs with every adapter nil, which the fail-open/
// fail-neutral/fail-empty wrappers in internal/llmadapter already
// degrade to their documented defaults.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/config"
	"github.com/nimbus-trading/derivagent/internal/logging"
	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/news"
	"github.com/nimbus-trading/derivagent/internal/orchestrator"
	"github.com/nimbus-trading/derivagent/internal/risk"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator-service:", err)
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
	b := bus.New(redisClient, "orchestrator", fmt.Sprintf("%s-%d", hostname, os.Getpid()), log)
	for _, stream := range []string{bus.StreamTradeFills, bus.StreamTradePositions, bus.StreamOpusDecisions, bus.StreamSystemAlerts} {
		if err := b.EnsureGroup(ctx, stream); err != nil {
			return fmt.Errorf("ensure group on %s: %w", stream, err)
		}
	}

	if _, err := pg.LatestPlaybook(ctx); err != nil {
		seed := model.Playbook{Version: 1, CreatedAt: time.Now().UTC()}
		if err := pg.SavePlaybook(ctx, seed); err != nil {
			log.Warn("seed initial playbook failed", zap.Error(err))
		} else {
			log.Info("seeded initial playbook version 1")
		}
	}

	gate := risk.NewGate(cfg.Risk)
	if state, err := pg.LoadRiskState(ctx); err == nil {
		gate.Restore(state.ConsecutiveLosses, state.CooldownUntil, state.Halted, state.PeakEquity)
	}
	if account, err := pg.LatestAccountState(ctx); err == nil {
		gate.ObserveEquity(accountEquityFloat(account))
	}

	newsCal := news.NewCalendar(staticMacroCalendar())

	repos := orchestrator.Repositories{
		Snapshots:   pg,
		Positions:   pg,
		Accounts:    pg,
		Trades:      pg,
		Playbooks:   pg,
		DecisionLog: pg,
		ScreenerLog: pg,
		Research:    pg,
		Rejections:  pg,
		RiskState:   pg,
		Reflections: pg,
		Performance: pg,
	}

	machine := orchestrator.NewMachine(*cfg, cfg.Universe.Instruments, gate, nil, nil, nil, nil, newsCal, b, repos, log)

	log.Info("orchestrator service started",
		zap.Strings("instruments", cfg.Universe.Instruments),
		zap.Int("decision_cycle_seconds", cfg.Orchestrator.DecisionCycleSeconds))

	return machine.Run(ctx)
}

func accountEquityFloat(a model.AccountState) float64 {
	f, _ := a.Equity.Float64()
	return f
}

// staticMacroCalendar is the orchestrator's fixed macro-event list (spec
// §4.7): the spec describes a passive, externally-maintained calendar,
// not a remote feed, so upcoming events are seeded here at startup.
func staticMacroCalendar() []news.Event {
	now := time.Now().UTC()
	return []news.Event{
		{Kind: news.EventFOMC, Name: "FOMC rate decision", At: nextMonthlyMarker(now, 15)},
		{Kind: news.EventCPI, Name: "US CPI release", At: nextMonthlyMarker(now, 10)},
		{Kind: news.EventNFP, Name: "US non-farm payrolls", At: nextMonthlyMarker(now, 3)},
		{Kind: news.EventGDP, Name: "US GDP release", At: nextMonthlyMarker(now, 25)},
	}
}

// nextMonthlyMarker returns the next occurrence of day-of-month `day` at
// 12:30 UTC, a placeholder schedule until an operator supplies the real
// release calendar (spec §4.7 treats the list as externally maintained).
func nextMonthlyMarker(now time.Time, day int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), day, 12, 30, 0, 0, time.UTC)
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
