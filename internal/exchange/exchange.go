// Package exchange defines the trade service's exchange adapter
// boundary (spec §6.3) and a paper-trading implementation used for
// tests and dry runs. Generalized from NitinKhare-trader's
// internal/broker/broker.go Broker interface — same "one interface,
// swappable implementations, stateless except the paper sim" contract,
// expanded from cash-equity orders to derivatives: leverage, OCO
// algo orders, position close, and the market-data reads a perpetual
// swap trade service needs that an equities broker never would
// (funding rate, open interest, long/short ratio, taker volume).
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

// AlgoOrder is an OCO take-profit/stop-loss pair attached to an open
// position.
type AlgoOrder struct {
	Instrument string
	PosSide    model.PosSide
	Size       decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Balance is the account's available trading balance.
type Balance struct {
	Equity           decimal.Decimal
	AvailableBalance decimal.Decimal
	Currency         string
}

// Ticker is the latest traded price for an instrument.
type Ticker struct {
	Instrument string
	LastPrice  decimal.Decimal
	Timestamp  time.Time
}

// Exchange is the trade service's sole dependency on the outside
// market: every write is non-idempotent and must never be silently
// retried (see internal/retry doc comment). Reads may be retried by
// the caller.
type Exchange interface {
	PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, algo AlgoOrder) (model.OrderResult, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	ClosePosition(ctx context.Context, instrument string, posSide model.PosSide) (model.OrderResult, error)
	SetLeverage(ctx context.Context, instrument string, leverage decimal.Decimal) error

	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]model.Position, error)

	GetCandles(ctx context.Context, instrument string, timeframe model.Timeframe, limit int) ([]model.Candle, error)
	GetTicker(ctx context.Context, instrument string) (Ticker, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error)
	GetFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetOpenInterest(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetLongShortRatio(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetTakerVolume(ctx context.Context, instrument string) (buyRatio, sellRatio decimal.Decimal, err error)
}
