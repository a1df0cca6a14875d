// Package storage - postgres.go implements every repository interface
// against Postgres via pgx/v5, generalized from the teacher's
// PostgresStore stub (same connection-pool-holder shape, filled in with
// real SQL instead of "not yet implemented" errors).
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

// Postgres bundles a connection pool and implements every repository
// interface in this package. Services hold it through whichever
// repository interfaces they need, not through this concrete type.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using connStr, capping the pool at poolSize
// connections (spec §6.4 DB_POOL_SIZE); no pool timeout is set here.
func Open(ctx context.Context, connStr string, poolSize int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// --- CandleRepository ---

func (p *Postgres) Upsert(ctx context.Context, c model.Candle) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO candles (instrument, timeframe, time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instrument, timeframe, time) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume`,
		c.Instrument, c.Timeframe, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("storage: upsert candle: %w", err)
	}
	return nil
}

func (p *Postgres) BulkInsert(ctx context.Context, candles []model.Candle) error {
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO candles (instrument, timeframe, time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (instrument, timeframe, time) DO NOTHING`,
			c.Instrument, c.Timeframe, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: bulk insert candle: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Recent(ctx context.Context, instrument string, timeframe model.Timeframe, limit int) ([]model.Candle, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT instrument, timeframe, time, open, high, low, close, volume
		FROM candles
		WHERE instrument = $1 AND timeframe = $2
		ORDER BY time DESC
		LIMIT $3`, instrument, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Instrument, &c.Timeframe, &c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("storage: scan candle: %w", err)
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (p *Postgres) LatestTime(ctx context.Context, instrument string, timeframe model.Timeframe) (time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT time FROM candles WHERE instrument = $1 AND timeframe = $2
		ORDER BY time DESC LIMIT 1`, instrument, timeframe).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: latest candle time: %w", err)
	}
	return t, nil
}

// --- SnapshotRepository ---

func (p *Postgres) Save(ctx context.Context, snap model.MarketSnapshot) error {
	indicators, err := json.Marshal(snap.Indicators)
	if err != nil {
		return fmt.Errorf("storage: marshal indicators: %w", err)
	}
	orderBook, err := json.Marshal(snap.OrderBook)
	if err != nil {
		return fmt.Errorf("storage: marshal order book: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO market_snapshots
			(instrument, timestamp, last_price, indicators, order_book, funding_rate,
			 open_interest, long_short_ratio, taker_buy_ratio, taker_sell_ratio,
			 regime, price_change_1h, oi_change_4h)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		snap.Instrument, snap.Timestamp, snap.LastPrice, indicators, orderBook, snap.FundingRate,
		snap.OpenInterest, snap.LongShortRatio, snap.TakerBuyRatio, snap.TakerSellRatio,
		snap.Regime, snap.PriceChange1h, snap.OIChange4h)
	if err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) Latest(ctx context.Context, instrument string) (model.MarketSnapshot, error) {
	return p.scanSnapshot(p.pool.QueryRow(ctx, `
		SELECT instrument, timestamp, last_price, indicators, order_book, funding_rate,
			 open_interest, long_short_ratio, taker_buy_ratio, taker_sell_ratio,
			 regime, price_change_1h, oi_change_4h
		FROM market_snapshots WHERE instrument = $1 ORDER BY timestamp DESC LIMIT 1`, instrument))
}

func (p *Postgres) Range(ctx context.Context, instrument string, from, to time.Time) ([]model.MarketSnapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT instrument, timestamp, last_price, indicators, order_book, funding_rate,
			 open_interest, long_short_ratio, taker_buy_ratio, taker_sell_ratio,
			 regime, price_change_1h, oi_change_4h
		FROM market_snapshots
		WHERE instrument = $1 AND timestamp BETWEEN $2 AND $3
		ORDER BY timestamp ASC`, instrument, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: range snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.MarketSnapshot
	for rows.Next() {
		snap, err := p.scanSnapshotRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *Postgres) scanSnapshot(row pgx.Row) (model.MarketSnapshot, error) {
	return p.scanSnapshotRow(row)
}

func (p *Postgres) scanSnapshotRow(row rowScanner) (model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var indicatorsJSON, orderBookJSON []byte
	err := row.Scan(&snap.Instrument, &snap.Timestamp, &snap.LastPrice, &indicatorsJSON, &orderBookJSON,
		&snap.FundingRate, &snap.OpenInterest, &snap.LongShortRatio, &snap.TakerBuyRatio, &snap.TakerSellRatio,
		&snap.Regime, &snap.PriceChange1h, &snap.OIChange4h)
	if err == pgx.ErrNoRows {
		return model.MarketSnapshot{}, fmt.Errorf("storage: no snapshot found")
	}
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("storage: scan snapshot: %w", err)
	}
	if err := json.Unmarshal(indicatorsJSON, &snap.Indicators); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("storage: unmarshal indicators: %w", err)
	}
	if err := json.Unmarshal(orderBookJSON, &snap.OrderBook); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("storage: unmarshal order book: %w", err)
	}
	return snap, nil
}

// --- TradeRepository ---

func (p *Postgres) Create(ctx context.Context, t model.TradeRecord) error {
	indicatorsEntry, err := json.Marshal(t.IndicatorsAtEntry)
	if err != nil {
		return fmt.Errorf("storage: marshal indicators at entry: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO trades
			(trade_id, opened_at, direction, instrument, entry_price, stop_loss, take_profit,
			 size, size_pct, leverage, fees, strategy_used, confidence_at_entry, market_regime,
			 opus_reasoning, indicators_at_entry, research_context, status,
			 exchange_order_id, exchange_algo_id, decision_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		t.TradeID, t.OpenedAt, t.Direction, t.Instrument, t.EntryPrice, t.StopLoss, t.TakeProfit,
		t.Size, t.SizePct, t.Leverage, t.Fees, t.StrategyUsed, t.ConfidenceAtEntry, t.MarketRegime,
		t.OpusReasoning, indicatorsEntry, t.ResearchContext, t.Status,
		t.ExchangeOrderID, t.ExchangeAlgoID, t.DecisionID)
	if err != nil {
		return fmt.Errorf("storage: create trade: %w", err)
	}
	return nil
}

func (p *Postgres) CloseTrade(ctx context.Context, tradeID string, exitPrice *decimal.Decimal, exitReason string, closedAt time.Time, pnl *decimal.Decimal) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE trades SET exit_price = $2, exit_reason = $3, closed_at = $4, pnl = $5, status = 'closed'
		WHERE trade_id = $1`, tradeID, exitPrice, exitReason, closedAt, pnl)
	if err != nil {
		return fmt.Errorf("storage: close trade: %w", err)
	}
	return nil
}

// Update applies a partial column update. fields keys must match the
// trades table's column names; callers are trusted internal code
// (reflection, the closing side-channel), not external input.
func (p *Postgres) Update(ctx context.Context, tradeID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, tradeID)
	i := 2
	for col, val := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	query := fmt.Sprintf(`UPDATE trades SET %s WHERE trade_id = $1`, joinSet(setClauses))
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: update trade: %w", err)
	}
	return nil
}

func joinSet(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

func (p *Postgres) TradesSince(ctx context.Context, since time.Time) ([]model.TradeRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT
		trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
		stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
		confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
		indicators_at_exit, research_context, self_review, exit_reason, status,
		exchange_order_id, exchange_algo_id, decision_id
		FROM trades WHERE opened_at >= $1 ORDER BY opened_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: trades since: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

func (p *Postgres) Get(ctx context.Context, tradeID string) (model.TradeRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT
		trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
		stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
		confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
		indicators_at_exit, research_context, self_review, exit_reason, status,
		exchange_order_id, exchange_algo_id, decision_id
		FROM trades WHERE trade_id = $1`, tradeID)
	return scanTradeRow(row)
}

func (p *Postgres) Open(ctx context.Context) ([]model.TradeRecord, error) {
	return p.queryTrades(ctx, `WHERE status = 'open' ORDER BY opened_at ASC`)
}

func (p *Postgres) RecentTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	return p.queryTrades(ctx, fmt.Sprintf(`ORDER BY opened_at DESC LIMIT %d`, limit))
}

func (p *Postgres) ByStrategy(ctx context.Context, strategy string, limit int) ([]model.TradeRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT
		trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
		stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
		confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
		indicators_at_exit, research_context, self_review, exit_reason, status,
		exchange_order_id, exchange_algo_id, decision_id
		FROM trades WHERE strategy_used = $1 ORDER BY opened_at DESC LIMIT $2`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: trades by strategy: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

func (p *Postgres) queryTrades(ctx context.Context, whereClause string) ([]model.TradeRecord, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT
		trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
		stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
		confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
		indicators_at_exit, research_context, self_review, exit_reason, status,
		exchange_order_id, exchange_algo_id, decision_id
		FROM trades %s`, whereClause))
	if err != nil {
		return nil, fmt.Errorf("storage: query trades: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

func scanTradeRows(rows pgx.Rows) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTradeRow(row rowScanner) (model.TradeRecord, error) {
	var t model.TradeRecord
	var indicatorsEntry, indicatorsExit []byte
	err := row.Scan(&t.TradeID, &t.OpenedAt, &t.ClosedAt, &t.Direction, &t.Instrument, &t.EntryPrice,
		&t.ExitPrice, &t.StopLoss, &t.TakeProfit, &t.Size, &t.SizePct, &t.Leverage, &t.PnL, &t.Fees,
		&t.StrategyUsed, &t.ConfidenceAtEntry, &t.MarketRegime, &t.OpusReasoning, &indicatorsEntry,
		&indicatorsExit, &t.ResearchContext, &t.SelfReview, &t.ExitReason, &t.Status,
		&t.ExchangeOrderID, &t.ExchangeAlgoID, &t.DecisionID)
	if err == pgx.ErrNoRows {
		return model.TradeRecord{}, fmt.Errorf("storage: trade not found")
	}
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("storage: scan trade: %w", err)
	}
	if len(indicatorsEntry) > 0 {
		if err := json.Unmarshal(indicatorsEntry, &t.IndicatorsAtEntry); err != nil {
			return model.TradeRecord{}, fmt.Errorf("storage: unmarshal indicators at entry: %w", err)
		}
	}
	if len(indicatorsExit) > 0 {
		if err := json.Unmarshal(indicatorsExit, &t.IndicatorsAtExit); err != nil {
			return model.TradeRecord{}, fmt.Errorf("storage: unmarshal indicators at exit: %w", err)
		}
	}
	return t, nil
}

// --- PositionRepository ---

func (p *Postgres) UpsertPosition(ctx context.Context, pos model.Position) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO positions
			(instrument, pos_side, size, avg_entry, unrealized_pnl, pnl_ratio, leverage,
			 liquidation_price, margin, margin_ratio, last_update)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (instrument, pos_side) DO UPDATE SET
			size = EXCLUDED.size, avg_entry = EXCLUDED.avg_entry,
			unrealized_pnl = EXCLUDED.unrealized_pnl, pnl_ratio = EXCLUDED.pnl_ratio,
			leverage = EXCLUDED.leverage, liquidation_price = EXCLUDED.liquidation_price,
			margin = EXCLUDED.margin, margin_ratio = EXCLUDED.margin_ratio,
			last_update = EXCLUDED.last_update`,
		pos.Instrument, pos.PosSide, pos.Size, pos.AvgEntry, pos.UnrealizedPnL, pos.PnLRatio,
		pos.Leverage, pos.LiquidationPrice, pos.Margin, pos.MarginRatio, pos.LastUpdate)
	if err != nil {
		return fmt.Errorf("storage: upsert position: %w", err)
	}
	return nil
}

func (p *Postgres) DeletePosition(ctx context.Context, instrument string, side model.PosSide) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM positions WHERE instrument = $1 AND pos_side = $2`, instrument, side)
	if err != nil {
		return fmt.Errorf("storage: delete position: %w", err)
	}
	return nil
}

func (p *Postgres) AllPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := p.pool.Query(ctx, `SELECT instrument, pos_side, size, avg_entry, unrealized_pnl,
		pnl_ratio, leverage, liquidation_price, margin, margin_ratio, last_update FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("storage: all positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var pos model.Position
		if err := rows.Scan(&pos.Instrument, &pos.PosSide, &pos.Size, &pos.AvgEntry, &pos.UnrealizedPnL,
			&pos.PnLRatio, &pos.Leverage, &pos.LiquidationPrice, &pos.Margin, &pos.MarginRatio, &pos.LastUpdate); err != nil {
			return nil, fmt.Errorf("storage: scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// --- PlaybookRepository ---

func (p *Postgres) LatestPlaybook(ctx context.Context) (model.Playbook, error) {
	row := p.pool.QueryRow(ctx, `SELECT version, payload FROM playbooks ORDER BY version DESC LIMIT 1`)
	return scanPlaybook(row)
}

func (p *Postgres) SavePlaybook(ctx context.Context, pb model.Playbook) error {
	payload, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("storage: marshal playbook: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO playbooks (version, created_at, payload) VALUES ($1, $2, $3)`,
		pb.Version, pb.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("storage: save playbook: %w", err)
	}
	return nil
}

func (p *Postgres) PlaybookVersion(ctx context.Context, version int) (model.Playbook, error) {
	row := p.pool.QueryRow(ctx, `SELECT version, payload FROM playbooks WHERE version = $1`, version)
	return scanPlaybook(row)
}

func scanPlaybook(row rowScanner) (model.Playbook, error) {
	var version int
	var payload []byte
	if err := row.Scan(&version, &payload); err != nil {
		if err == pgx.ErrNoRows {
			return model.Playbook{}, fmt.Errorf("storage: playbook not found")
		}
		return model.Playbook{}, fmt.Errorf("storage: scan playbook: %w", err)
	}
	var pb model.Playbook
	if err := json.Unmarshal(payload, &pb); err != nil {
		return model.Playbook{}, fmt.Errorf("storage: unmarshal playbook: %w", err)
	}
	return pb, nil
}

// --- DecisionLogRepository ---

func (p *Postgres) SaveDecisionLog(ctx context.Context, decisionID, instrument, state string, payload map[string]interface{}, at time.Time) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("storage: marshal decision payload: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO decision_log (decision_id, instrument, state, payload, at)
		VALUES ($1,$2,$3,$4,$5)`, decisionID, instrument, state, encoded, at)
	if err != nil {
		return fmt.Errorf("storage: save decision log: %w", err)
	}
	return nil
}

func (p *Postgres) RecentDecisionLog(ctx context.Context, instrument string, limit int) ([]DecisionLogEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT decision_id, instrument, state, payload, at FROM decision_log
		WHERE instrument = $1 ORDER BY at DESC LIMIT $2`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent decision log: %w", err)
	}
	defer rows.Close()

	var out []DecisionLogEntry
	for rows.Next() {
		var e DecisionLogEntry
		var payload []byte
		if err := rows.Scan(&e.DecisionID, &e.Instrument, &e.State, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("storage: scan decision log: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal decision payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- AccountStateRepository ---

func (p *Postgres) SaveAccountState(ctx context.Context, s model.AccountState) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO account_states
		(equity, available_balance, total_pnl, daily_pnl, today_max_drawdown, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		s.Equity, s.AvailableBalance, s.TotalPnL, s.DailyPnL, s.TodayMaxDrawdown, s.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: save account state: %w", err)
	}
	return nil
}

func (p *Postgres) LatestAccountState(ctx context.Context) (model.AccountState, error) {
	return scanAccountState(p.pool.QueryRow(ctx, `SELECT equity, available_balance, total_pnl,
		daily_pnl, today_max_drawdown, timestamp FROM account_states ORDER BY timestamp DESC LIMIT 1`))
}

func (p *Postgres) DayStartAccountState(ctx context.Context, day time.Time) (model.AccountState, error) {
	startOfDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return scanAccountState(p.pool.QueryRow(ctx, `SELECT equity, available_balance, total_pnl,
		daily_pnl, today_max_drawdown, timestamp FROM account_states
		WHERE timestamp >= $1 ORDER BY timestamp ASC LIMIT 1`, startOfDay))
}

func scanAccountState(row rowScanner) (model.AccountState, error) {
	var s model.AccountState
	err := row.Scan(&s.Equity, &s.AvailableBalance, &s.TotalPnL, &s.DailyPnL, &s.TodayMaxDrawdown, &s.Timestamp)
	if err == pgx.ErrNoRows {
		return model.AccountState{}, fmt.Errorf("storage: account state not found")
	}
	if err != nil {
		return model.AccountState{}, fmt.Errorf("storage: scan account state: %w", err)
	}
	return s, nil
}

// --- RiskStateRepository ---

func (p *Postgres) SaveRiskState(ctx context.Context, s RiskState) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO risk_state (id, consecutive_losses, cooldown_until, halted, peak_equity, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			consecutive_losses = EXCLUDED.consecutive_losses, cooldown_until = EXCLUDED.cooldown_until,
			halted = EXCLUDED.halted, peak_equity = EXCLUDED.peak_equity, updated_at = EXCLUDED.updated_at`,
		s.ConsecutiveLosses, s.CooldownUntil, s.Halted, s.PeakEquity, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: save risk state: %w", err)
	}
	return nil
}

func (p *Postgres) LoadRiskState(ctx context.Context) (RiskState, error) {
	var s RiskState
	err := p.pool.QueryRow(ctx, `SELECT consecutive_losses, cooldown_until, halted, peak_equity, updated_at
		FROM risk_state WHERE id = 1`).Scan(&s.ConsecutiveLosses, &s.CooldownUntil, &s.Halted, &s.PeakEquity, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return RiskState{}, nil
	}
	if err != nil {
		return RiskState{}, fmt.Errorf("storage: load risk state: %w", err)
	}
	return s, nil
}

// --- ReflectionRepository ---

func (p *Postgres) SaveReflection(ctx context.Context, r ReflectionEntry) (string, error) {
	insights, err := json.Marshal(r.PatternInsights)
	if err != nil {
		return "", fmt.Errorf("storage: marshal pattern insights: %w", err)
	}
	biases, err := json.Marshal(r.BiasFindings)
	if err != nil {
		return "", fmt.Errorf("storage: marshal bias findings: %w", err)
	}
	var id string
	err = p.pool.QueryRow(ctx, `INSERT INTO reflections
		(trade_id, kind, summary, pattern_insights, bias_findings, discipline_score, at)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7) RETURNING id::text`,
		r.TradeID, r.Kind, r.Summary, insights, biases, r.DisciplineScore, r.At).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: save reflection: %w", err)
	}
	return id, nil
}

func (p *Postgres) LastReflectionTime(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, `SELECT at FROM reflections WHERE kind = 'deep' ORDER BY at DESC LIMIT 1`).Scan(&t)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: last reflection time: %w", err)
	}
	return &t, nil
}

func (p *Postgres) TradesSinceLastReflection(ctx context.Context) ([]model.TradeRecord, error) {
	last, err := p.LastReflectionTime(ctx)
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	if last == nil {
		rows, err = p.pool.Query(ctx, `SELECT
			trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
			stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
			confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
			indicators_at_exit, research_context, self_review, exit_reason, status,
			exchange_order_id, exchange_algo_id, decision_id
			FROM trades WHERE status = 'closed' ORDER BY closed_at ASC`)
	} else {
		rows, err = p.pool.Query(ctx, `SELECT
			trade_id, opened_at, closed_at, direction, instrument, entry_price, exit_price,
			stop_loss, take_profit, size, size_pct, leverage, pnl, fees, strategy_used,
			confidence_at_entry, market_regime, opus_reasoning, indicators_at_entry,
			indicators_at_exit, research_context, self_review, exit_reason, status,
			exchange_order_id, exchange_algo_id, decision_id
			FROM trades WHERE status = 'closed' AND closed_at > $1 ORDER BY closed_at ASC`, *last)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: trades since last reflection: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// --- ScreenerLogRepository ---

func (p *Postgres) LogScreen(ctx context.Context, e ScreenerLogEntry) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `INSERT INTO screener_log (instrument, signal, reason, at)
		VALUES ($1,$2,$3,$4) RETURNING id::text`, e.Instrument, e.Signal, e.Reason, e.At).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: log screen: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpdateOpusAgreement(ctx context.Context, id string, action model.OrderIntentAction, agreed bool) error {
	_, err := p.pool.Exec(ctx, `UPDATE screener_log SET opus_action = $2, opus_agreed = $3 WHERE id = $1::uuid`,
		id, action, agreed)
	if err != nil {
		return fmt.Errorf("storage: update opus agreement: %w", err)
	}
	return nil
}

// --- ResearchCacheRepository ---

func (p *Postgres) GetCached(ctx context.Context, query string, ttl time.Duration) (string, bool, error) {
	var response string
	var at time.Time
	err := p.pool.QueryRow(ctx, `SELECT response, at FROM research_cache WHERE query = $1`, query).Scan(&response, &at)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get cached research: %w", err)
	}
	if time.Since(at) > ttl {
		return "", false, nil
	}
	return response, true, nil
}

func (p *Postgres) SaveResearch(ctx context.Context, query, response string) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `INSERT INTO research_cache (query, response, at) VALUES ($1, $2, now())
		ON CONFLICT (query) DO UPDATE SET response = EXCLUDED.response, at = EXCLUDED.at
		RETURNING id::text`, query, response).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: save research: %w", err)
	}
	return id, nil
}

// --- RiskRejectionRepository ---

func (p *Postgres) LogRejection(ctx context.Context, decisionID, instrument string, failedRules []string, account model.AccountState) (string, error) {
	rules, err := json.Marshal(failedRules)
	if err != nil {
		return "", fmt.Errorf("storage: marshal failed rules: %w", err)
	}
	var id string
	err = p.pool.QueryRow(ctx, `INSERT INTO risk_rejections
		(decision_id, instrument, failed_rules, equity, at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id::text`,
		decisionID, instrument, rules, account.Equity, account.Timestamp).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: log rejection: %w", err)
	}
	return id, nil
}

// --- PerformanceSnapshotRepository ---

func (p *Postgres) SavePerformanceSnapshot(ctx context.Context, kind string, metrics map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("storage: marshal performance metrics: %w", err)
	}
	var id string
	err = p.pool.QueryRow(ctx, `INSERT INTO performance_snapshots (kind, metrics, at)
		VALUES ($1,$2,now()) RETURNING id::text`, kind, encoded).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("storage: save performance snapshot: %w", err)
	}
	return id, nil
}
