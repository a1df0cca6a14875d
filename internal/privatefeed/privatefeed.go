// Package privatefeed implements the trade service's private WebSocket
// channels (orders, positions, account), generalizing the teacher's
// internal/webhook raw-event -> normalized-struct -> registered-callback
// shape from an HTTP order-postback receiver to a long-lived
// gorilla/websocket connection carrying three authenticated channels.
// Reconnects replay the login + subscribe frames before the attempt
// counter resets, reusing internal/feed's Dialer/Conn abstraction and
// backoff schedule.
package privatefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/feed"
	"github.com/nimbus-trading/derivagent/internal/model"
)

// OrderUpdate is the broker-agnostic representation of an order-status
// change pushed on the private orders channel (generalizes the
// teacher's webhook.OrderUpdate from an HTTP postback to a WS push).
type OrderUpdate struct {
	OrderID      string
	DecisionID   string // correlates back to the OrderIntent that created it
	Instrument   string
	Side         model.Side
	Status       string
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AveragePrice decimal.Decimal
	ErrorCode    string
	ErrorMessage string
	ReceivedAt   time.Time
}

// AccountUpdate is a normalized push on the private account channel.
type AccountUpdate struct {
	Account    model.AccountState
	ReceivedAt time.Time
}

// OrderUpdateHandler is called for every validated orders-channel push.
type OrderUpdateHandler func(OrderUpdate)

// PositionUpdateHandler is called for every positions-channel push with
// the raw, OKX-native-keyed event (instId, posSide, pos, avgPx, upl,
// lever, liqPx, margin, last): internal/position.Manager is the single
// place that parses position wire shape, so the feed hands it the
// message undecoded instead of duplicating that parsing here.
type PositionUpdateHandler func(ctx context.Context, raw map[string]interface{})

// AccountUpdateHandler is called for every validated account-channel push.
type AccountUpdateHandler func(AccountUpdate)

const (
	channelOrders    = "orders"
	channelPositions = "positions"
	channelAccount   = "account"
)

// LoginFunc builds the exchange-specific authenticated login frame sent
// immediately after connecting, before any subscribe request.
type LoginFunc func() interface{}

// Feed is the trade service's private-channel subscriber.
type Feed struct {
	dialer feed.Dialer
	url    string
	login  LoginFunc
	log    *zap.Logger

	mu               sync.RWMutex
	orderHandlers    []OrderUpdateHandler
	positionHandlers []PositionUpdateHandler
	accountHandlers  []AccountUpdateHandler

	recentMu sync.RWMutex
	recent   []OrderUpdate // ring buffer, last 100, for status/debug endpoints
}

func New(dialer feed.Dialer, url string, login LoginFunc, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{dialer: dialer, url: url, login: login, log: log}
}

func (f *Feed) OnOrderUpdate(h OrderUpdateHandler)       { f.mu.Lock(); f.orderHandlers = append(f.orderHandlers, h); f.mu.Unlock() }
func (f *Feed) OnPositionUpdate(h PositionUpdateHandler) { f.mu.Lock(); f.positionHandlers = append(f.positionHandlers, h); f.mu.Unlock() }
func (f *Feed) OnAccountUpdate(h AccountUpdateHandler)   { f.mu.Lock(); f.accountHandlers = append(f.accountHandlers, h); f.mu.Unlock() }

// RecentOrderUpdates returns a copy of the last n order updates seen.
func (f *Feed) RecentOrderUpdates(n int) []OrderUpdate {
	f.recentMu.RLock()
	defer f.recentMu.RUnlock()
	if n > len(f.recent) {
		n = len(f.recent)
	}
	out := make([]OrderUpdate, n)
	copy(out, f.recent[len(f.recent)-n:])
	return out
}

// Run connects, authenticates, subscribes to all three private
// channels, and dispatches pushes until ctx is cancelled. Reconnects
// replay login + subscribe before resetting the backoff attempt
// counter (same schedule as the public feed: min(2^attempt, 60s)).
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := f.dialer.Dial(f.url, nil)
		if err != nil {
			f.log.Warn("private feed dial failed", zap.Error(err), zap.Int("attempt", attempt))
			if !sleepOrDone(ctx, backoffDelay(attempt)) {
				return nil
			}
			attempt++
			continue
		}

		if err := f.authenticateAndSubscribe(conn); err != nil {
			f.log.Warn("private feed login/subscribe failed", zap.Error(err))
			_ = conn.Close()
			if !sleepOrDone(ctx, backoffDelay(attempt)) {
				return nil
			}
			attempt++
			continue
		}
		attempt = 0

		if err := f.readLoop(ctx, conn); err != nil {
			f.log.Warn("private feed disconnected", zap.Error(err))
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if !sleepOrDone(ctx, backoffDelay(attempt)) {
			return nil
		}
		attempt++
	}
}

func (f *Feed) authenticateAndSubscribe(conn feed.Conn) error {
	if f.login != nil {
		if err := conn.WriteJSON(f.login()); err != nil {
			return err
		}
	}
	for _, ch := range []string{channelOrders, channelPositions, channelAccount} {
		if err := conn.WriteJSON(map[string]interface{}{
			"op":   "subscribe",
			"args": []map[string]string{{"channel": ch}},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) readLoop(ctx context.Context, conn feed.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame struct {
			Arg struct {
				Channel string `json:"channel"`
			} `json:"arg"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			f.log.Warn("dropping malformed private frame", zap.Error(err))
			continue
		}
		if frame.Arg.Channel == "" || len(frame.Data) == 0 {
			continue
		}

		switch frame.Arg.Channel {
		case channelOrders:
			f.dispatchOrder(frame.Data)
		case channelPositions:
			f.dispatchPosition(ctx, frame.Data)
		case channelAccount:
			f.dispatchAccount(frame.Data)
		default:
			f.log.Warn("dropping unknown private channel", zap.String("channel", frame.Arg.Channel))
		}
	}
}

func (f *Feed) dispatchOrder(data json.RawMessage) {
	var raw struct {
		OrderID      string `json:"order_id"`
		DecisionID   string `json:"decision_id"`
		Instrument   string `json:"instrument"`
		Side         string `json:"side"`
		Status       string `json:"status"`
		Quantity     string `json:"quantity"`
		FilledQty    string `json:"filled_qty"`
		AveragePrice string `json:"avg_price"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		f.log.Warn("dropping malformed order push", zap.Error(err))
		return
	}

	update := OrderUpdate{
		OrderID:      raw.OrderID,
		DecisionID:   raw.DecisionID,
		Instrument:   raw.Instrument,
		Side:         model.Side(raw.Side),
		Status:       raw.Status,
		Quantity:     parseDecimal(raw.Quantity),
		FilledQty:    parseDecimal(raw.FilledQty),
		AveragePrice: parseDecimal(raw.AveragePrice),
		ErrorCode:    raw.ErrorCode,
		ErrorMessage: raw.ErrorMessage,
		ReceivedAt:   time.Now().UTC(),
	}

	f.recentMu.Lock()
	f.recent = append(f.recent, update)
	if len(f.recent) > 100 {
		f.recent = f.recent[len(f.recent)-100:]
	}
	f.recentMu.Unlock()

	f.mu.RLock()
	handlers := make([]OrderUpdateHandler, len(f.orderHandlers))
	copy(handlers, f.orderHandlers)
	f.mu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

func (f *Feed) dispatchPosition(ctx context.Context, data json.RawMessage) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		f.log.Warn("dropping malformed position push", zap.Error(err))
		return
	}

	f.mu.RLock()
	handlers := make([]PositionUpdateHandler, len(f.positionHandlers))
	copy(handlers, f.positionHandlers)
	f.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, raw)
	}
}

func (f *Feed) dispatchAccount(data json.RawMessage) {
	var raw struct {
		Equity           string `json:"equity"`
		AvailableBalance string `json:"available_balance"`
		TotalPnL         string `json:"total_pnl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		f.log.Warn("dropping malformed account push", zap.Error(err))
		return
	}

	update := AccountUpdate{
		Account: model.AccountState{
			Equity:           parseDecimal(raw.Equity),
			AvailableBalance: parseDecimal(raw.AvailableBalance),
			TotalPnL:         parseDecimal(raw.TotalPnL),
			Timestamp:        time.Now().UTC(),
		},
		ReceivedAt: time.Now().UTC(),
	}

	f.mu.RLock()
	handlers := make([]AccountUpdateHandler, len(f.accountHandlers))
	copy(handlers, f.accountHandlers)
	f.mu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
)

func backoffDelay(attempt int) time.Duration {
	delay := reconnectBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMax {
			return reconnectMax
		}
	}
	if delay > reconnectMax {
		return reconnectMax
	}
	return delay
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
