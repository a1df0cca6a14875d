// Package exchange - paper.go implements a paper-trading Exchange:
// orders fill immediately at the requested/last price, matching the
// simplification in NitinKhare-trader's internal/broker/paper.go
// PaperBroker ("orders are filled immediately at the requested price").
// Generalized from a single spot holdings map to leveraged long/short
// positions keyed by (instrument, pos_side), with synthetic market-data
// reads so the indicator service's snapshot loop can run end-to-end
// against it in tests.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

type posKey struct {
	instrument string
	posSide    model.PosSide
}

// Paper is a stateless-from-the-caller's-perspective, in-memory
// Exchange simulator. All mutation is guarded by a single mutex,
// matching the teacher's PaperBroker.
type Paper struct {
	mu sync.Mutex

	equity    decimal.Decimal
	available decimal.Decimal
	positions map[posKey]*model.Position
	leverage  map[string]decimal.Decimal

	lastPrice func(instrument string) decimal.Decimal
	nextOrder int
}

// NewPaper creates a paper exchange seeded with initialEquity. lastPrice
// supplies the fill/mark price for an instrument; tests typically pass
// a closure reading a fixed table.
func NewPaper(initialEquity decimal.Decimal, lastPrice func(instrument string) decimal.Decimal) *Paper {
	return &Paper{
		equity:    initialEquity,
		available: initialEquity,
		positions: make(map[posKey]*model.Position),
		leverage:  make(map[string]decimal.Decimal),
		lastPrice: lastPrice,
	}
}

func (p *Paper) orderID() string {
	p.nextOrder++
	return fmt.Sprintf("PAPER-%d", p.nextOrder)
}

// PlaceOrder opens or adjusts a position at the current mark price.
func (p *Paper) PlaceOrder(_ context.Context, intent model.OrderIntent) (model.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fillPrice := p.lastPrice(intent.Instrument)
	if intent.OrderType == model.OrderTypeLimit && intent.LimitPrice != nil {
		fillPrice = *intent.LimitPrice
	}

	key := posKey{intent.Instrument, intent.PosSide}
	orderID := p.orderID()
	now := time.Now()

	switch intent.Action {
	case model.ActionOpenLong, model.ActionOpenShort, model.ActionAdd:
		pos, exists := p.positions[key]
		if !exists {
			pos = &model.Position{Instrument: intent.Instrument, PosSide: intent.PosSide, Leverage: intent.Leverage}
			p.positions[key] = pos
		}
		totalSize := pos.Size.Add(intent.Size)
		if totalSize.IsPositive() {
			weightedEntry := pos.AvgEntry.Mul(pos.Size).Add(fillPrice.Mul(intent.Size)).Div(totalSize)
			pos.AvgEntry = weightedEntry
		}
		pos.Size = totalSize
		pos.LastUpdate = now

	case model.ActionReduce, model.ActionClose:
		pos, exists := p.positions[key]
		if !exists {
			return failedResult(intent.DecisionID, "NO_POSITION", "no open position to reduce/close"), nil
		}
		reduceBy := intent.Size
		if intent.Action == model.ActionClose || reduceBy.GreaterThanOrEqual(pos.Size) {
			reduceBy = pos.Size
		}
		pos.Size = pos.Size.Sub(reduceBy)
		pos.LastUpdate = now
		if pos.Size.IsZero() {
			delete(p.positions, key)
		}

	default:
		return failedResult(intent.DecisionID, "UNSUPPORTED_ACTION", "paper exchange does not simulate this action"), nil
	}

	fill := fillPrice
	size := intent.Size
	return model.OrderResult{
		DecisionID: intent.DecisionID,
		Success:    true,
		OrderID:    orderID,
		Status:     "filled",
		FillPrice:  &fill,
		FillSize:   &size,
		Timestamp:  now,
	}, nil
}

func failedResult(decisionID, code, message string) model.OrderResult {
	return model.OrderResult{
		DecisionID:   decisionID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    time.Now(),
	}
}

// PlaceAlgoOrder acknowledges a TP/SL pair for an existing position
// without storing it; the paper simulator never triggers them (no live
// market engine to watch for touches).
func (p *Paper) PlaceAlgoOrder(_ context.Context, algo AlgoOrder) (model.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.positions[posKey{algo.Instrument, algo.PosSide}]; !exists {
		return failedResult("", "NO_POSITION", "cannot attach algo order without an open position"), nil
	}
	return model.OrderResult{
		Success:   true,
		OrderID:   uuid.NewString(),
		AlgoID:    uuid.NewString(),
		Status:    "attached",
		Timestamp: time.Now(),
	}, nil
}

func (p *Paper) CancelOrder(_ context.Context, _, _ string) error {
	return nil
}

// ClosePosition fully closes the position at the current mark price.
func (p *Paper) ClosePosition(_ context.Context, instrument string, posSide model.PosSide) (model.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := posKey{instrument, posSide}
	pos, exists := p.positions[key]
	if !exists {
		return failedResult("", "NO_POSITION", "no open position"), nil
	}
	fillPrice := p.lastPrice(instrument)
	size := pos.Size
	delete(p.positions, key)

	return model.OrderResult{
		Success:   true,
		OrderID:   p.orderID(),
		Status:    "closed",
		FillPrice: &fillPrice,
		FillSize:  &size,
		Timestamp: time.Now(),
	}, nil
}

func (p *Paper) SetLeverage(_ context.Context, instrument string, leverage decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[instrument] = leverage
	return nil
}

func (p *Paper) GetBalance(_ context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Equity: p.equity, AvailableBalance: p.available, Currency: "USDT"}, nil
}

func (p *Paper) GetPositions(_ context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetCandles(_ context.Context, _ string, _ model.Timeframe, _ int) ([]model.Candle, error) {
	return nil, fmt.Errorf("exchange: paper exchange does not serve historical candles, use the candle store")
}

func (p *Paper) GetTicker(_ context.Context, instrument string) (Ticker, error) {
	return Ticker{Instrument: instrument, LastPrice: p.lastPrice(instrument), Timestamp: time.Now()}, nil
}

func (p *Paper) GetOrderBook(_ context.Context, instrument string, depth int) (model.OrderBook, error) {
	price := p.lastPrice(instrument)
	tick := decimal.NewFromFloat(0.5)

	book := model.OrderBook{}
	for i := 0; i < depth; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i + 1)))
		book.Bids = append(book.Bids, model.OrderBookLevel{Price: price.Sub(offset), Size: decimal.NewFromInt(1)})
		book.Asks = append(book.Asks, model.OrderBookLevel{Price: price.Add(offset), Size: decimal.NewFromInt(1)})
		book.BidDepthSum = book.BidDepthSum.Add(decimal.NewFromInt(1))
		book.AskDepthSum = book.AskDepthSum.Add(decimal.NewFromInt(1))
	}
	book.Spread = tick.Mul(decimal.NewFromInt(2))
	return book, nil
}

func (p *Paper) GetFundingRate(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (p *Paper) GetOpenInterest(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (p *Paper) GetLongShortRatio(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromFloat(1.0), nil
}

func (p *Paper) GetTakerVolume(_ context.Context, _ string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), nil
}
