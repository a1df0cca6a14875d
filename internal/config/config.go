// Package config provides application-wide configuration management.
// All configuration is loaded from environment variables only (spec
// §6.4); no configuration is hardcoded in strategy, risk, or broker
// logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Exchange holds exchange connectivity settings.
type Exchange struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Flag       string // "0" live, "1" demo, matches OKX's x-simulated-trading flag
	WSPublicURL  string
	WSPrivateURL string
}

// Store holds persistence/bus connection settings.
type Store struct {
	DatabaseURL     string
	RedisURL        string
	DBPoolSize      int
	DBMaxOverflow   int
	DBPoolRecycle   int
	DBPoolTimeout   int
}

// Universe holds the trading universe.
type Universe struct {
	Instruments []string
	Timeframes  []string
}

// Indicator holds indicator-service tunables.
type Indicator struct {
	CandleHistoryLimit      int
	SnapshotIntervalSeconds int
	OrderbookDepth          int
}

// Trade holds trade-service tunables.
type Trade struct {
	OrderTimeoutSeconds int
	MaxRetries          int
}

// Orchestrator holds orchestrator cycle tunables.
type Orchestrator struct {
	DecisionCycleSeconds     int
	ReflectionIntervalTrades int
	ReflectionIntervalHours  int
	CooldownAfterLossStreak  int
}

// Screener holds screener bypass/threshold tunables.
type Screener struct {
	Enabled              bool
	BypassOnPosition     bool
	BypassOnNews         bool
	MinPassRate          float64
}

// Risk holds the hardcoded risk-gate thresholds (spec §4.5 / §6.4).
// These are never overridden by the analysis adapter.
type Risk struct {
	MaxDailyLossPct      float64
	MaxSingleTradePct    float64
	MaxTotalExposurePct  float64
	MaxConcurrentPositions int
	MaxDrawdownPct       float64
	MaxConsecutiveLosses int
	MaxLeverage          float64
	MaxSLDistancePct     float64
	MinRRRatio           float64
}

// Config holds all system configuration. Loaded once at startup and
// passed as read-only to all components.
type Config struct {
	Exchange     Exchange
	Store        Store
	Universe     Universe
	Indicator    Indicator
	Trade        Trade
	Orchestrator Orchestrator
	Screener     Screener
	Risk         Risk
}

// getEnv retrieves an environment variable value, returning a fallback
// if the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string, fallback []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Load reads every key in spec §6.4 from the environment, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Exchange: Exchange{
			APIKey:       getEnv("OKX_API_KEY", ""),
			SecretKey:    getEnv("OKX_SECRET_KEY", ""),
			Passphrase:   getEnv("OKX_PASSPHRASE", ""),
			Flag:         getEnv("OKX_FLAG", "1"),
			WSPublicURL:  getEnv("WS_PUBLIC_URL", "wss://ws.okx.com:8443/ws/v5/public"),
			WSPrivateURL: getEnv("WS_PRIVATE_URL", "wss://ws.okx.com:8443/ws/v5/private"),
		},
		Store: Store{
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			DBPoolSize:    getEnvInt("DB_POOL_SIZE", 10),
			DBMaxOverflow: getEnvInt("DB_MAX_OVERFLOW", 20),
			DBPoolRecycle: getEnvInt("DB_POOL_RECYCLE", 1800),
			DBPoolTimeout: getEnvInt("DB_POOL_TIMEOUT", 30),
		},
		Universe: Universe{
			Instruments: getEnvList("INSTRUMENTS", []string{"BTC-USDT-SWAP"}),
			Timeframes:  getEnvList("TIMEFRAMES", []string{"5m", "15m", "1H", "4H"}),
		},
		Indicator: Indicator{
			CandleHistoryLimit:      getEnvInt("CANDLE_HISTORY_LIMIT", 200),
			SnapshotIntervalSeconds: getEnvInt("SNAPSHOT_INTERVAL_SECONDS", 300),
			OrderbookDepth:          getEnvInt("ORDERBOOK_DEPTH", 20),
		},
		Trade: Trade{
			OrderTimeoutSeconds: getEnvInt("ORDER_TIMEOUT_SECONDS", 30),
			MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		},
		Orchestrator: Orchestrator{
			DecisionCycleSeconds:     getEnvInt("DECISION_CYCLE_SECONDS", 300),
			ReflectionIntervalTrades: getEnvInt("REFLECTION_INTERVAL_TRADES", 20),
			ReflectionIntervalHours:  getEnvInt("REFLECTION_INTERVAL_HOURS", 6),
			CooldownAfterLossStreak:  getEnvInt("COOLDOWN_AFTER_LOSS_STREAK", 1800),
		},
		Screener: Screener{
			Enabled:          getEnvBool("SCREENER_ENABLED", true),
			BypassOnPosition: getEnvBool("SCREENER_BYPASS_ON_POSITION", true),
			BypassOnNews:     getEnvBool("SCREENER_BYPASS_ON_NEWS", true),
			MinPassRate:      getEnvFloat("SCREENER_MIN_PASS_RATE", 0.10),
		},
		Risk: Risk{
			MaxDailyLossPct:        getEnvFloat("MAX_DAILY_LOSS_PCT", 0.03),
			MaxSingleTradePct:      getEnvFloat("MAX_SINGLE_TRADE_PCT", 0.05),
			MaxTotalExposurePct:    getEnvFloat("MAX_TOTAL_EXPOSURE_PCT", 0.15),
			MaxConcurrentPositions: getEnvInt("MAX_CONCURRENT_POSITIONS", 3),
			MaxDrawdownPct:         getEnvFloat("MAX_DRAWDOWN_PCT", 0.10),
			MaxConsecutiveLosses:   getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),
			MaxLeverage:            getEnvFloat("MAX_LEVERAGE", 3.0),
			MaxSLDistancePct:       getEnvFloat("MAX_SL_DISTANCE_PCT", 0.03),
			MinRRRatio:             getEnvFloat("MIN_RR_RATIO", 1.5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration required for startup (spec §6.5:
// DB/Redis unreachable is fatal, but an empty URL is a config error we
// can catch before even dialing) is present and sane.
func (c *Config) Validate() error {
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Store.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if len(c.Universe.Instruments) == 0 {
		return fmt.Errorf("INSTRUMENTS must not be empty")
	}
	if len(c.Universe.Timeframes) == 0 {
		return fmt.Errorf("TIMEFRAMES must not be empty")
	}
	if c.Indicator.CandleHistoryLimit <= 0 {
		return fmt.Errorf("CANDLE_HISTORY_LIMIT must be positive")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_LOSSES must be positive")
	}
	return nil
}
