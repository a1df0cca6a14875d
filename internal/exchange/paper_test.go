package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

func fixedPrice(price float64) func(string) decimal.Decimal {
	return func(string) decimal.Decimal { return decimal.NewFromFloat(price) }
}

func TestPlaceOrder_OpensPositionAtMarkPrice(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	intent := model.OrderIntent{
		DecisionID: "d1",
		Action:     model.ActionOpenLong,
		Instrument: "BTC-USDT-SWAP",
		PosSide:    model.PosSideLong,
		OrderType:  model.OrderTypeMarket,
		Size:       decimal.NewFromFloat(0.1),
		Leverage:   decimal.NewFromFloat(2),
	}

	result, err := p.PlaceOrder(context.Background(), intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.FillPrice == nil || !result.FillPrice.Equal(decimal.NewFromFloat(50000)) {
		t.Errorf("expected fill at mark price, got %v", result.FillPrice)
	}

	positions, err := p.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if !positions[0].Size.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("expected size 0.1, got %v", positions[0].Size)
	}
}

func TestPlaceOrder_AddAveragesEntry(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	ctx := context.Background()
	open := model.OrderIntent{
		Action: model.ActionOpenLong, Instrument: "BTC-USDT-SWAP", PosSide: model.PosSideLong,
		OrderType: model.OrderTypeMarket, Size: decimal.NewFromFloat(1), Leverage: decimal.NewFromFloat(1),
	}
	if _, err := p.PlaceOrder(ctx, open); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.lastPrice = fixedPrice(52000)
	add := open
	add.Action = model.ActionAdd
	add.Size = decimal.NewFromFloat(1)
	if _, err := p.PlaceOrder(ctx, add); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	positions, _ := p.GetPositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if !positions[0].AvgEntry.Equal(decimal.NewFromFloat(51000)) {
		t.Errorf("expected weighted avg entry 51000, got %v", positions[0].AvgEntry)
	}
}

func TestClosePosition_RemovesPosition(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	ctx := context.Background()
	open := model.OrderIntent{
		Action: model.ActionOpenShort, Instrument: "ETH-USDT-SWAP", PosSide: model.PosSideShort,
		OrderType: model.OrderTypeMarket, Size: decimal.NewFromFloat(1), Leverage: decimal.NewFromFloat(1),
	}
	if _, err := p.PlaceOrder(ctx, open); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := p.ClosePosition(ctx, "ETH-USDT-SWAP", model.PosSideShort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected close success, got %+v", result)
	}

	positions, _ := p.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("expected no open positions after close, got %d", len(positions))
	}
}

func TestClosePosition_NoPositionFails(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	result, err := p.ClosePosition(context.Background(), "BTC-USDT-SWAP", model.PosSideLong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Error("expected failure closing a position that does not exist")
	}
	if result.ErrorCode != "NO_POSITION" {
		t.Errorf("expected NO_POSITION error code, got %q", result.ErrorCode)
	}
}

func TestPlaceAlgoOrder_RequiresExistingPosition(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	algo := AlgoOrder{Instrument: "BTC-USDT-SWAP", PosSide: model.PosSideLong, Size: decimal.NewFromFloat(1)}
	result, err := p.PlaceAlgoOrder(context.Background(), algo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Error("expected algo order to fail without an open position")
	}
}

func TestPlaceAlgoOrder_AttachesToOpenPosition(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(50000))
	ctx := context.Background()
	open := model.OrderIntent{
		Action: model.ActionOpenLong, Instrument: "BTC-USDT-SWAP", PosSide: model.PosSideLong,
		OrderType: model.OrderTypeMarket, Size: decimal.NewFromFloat(1), Leverage: decimal.NewFromFloat(1),
	}
	if _, err := p.PlaceOrder(ctx, open); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sl := decimal.NewFromFloat(49000)
	tp := decimal.NewFromFloat(52000)
	algo := AlgoOrder{Instrument: "BTC-USDT-SWAP", PosSide: model.PosSideLong, Size: decimal.NewFromFloat(1), StopLoss: &sl, TakeProfit: &tp}
	result, err := p.PlaceAlgoOrder(ctx, algo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("expected algo order attachment to succeed, got %+v", result)
	}
}

func TestGetOrderBook_SymmetricAroundMark(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(10000), fixedPrice(100))
	book, err := p.GetOrderBook(context.Background(), "BTC-USDT-SWAP", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Bids) != 3 || len(book.Asks) != 3 {
		t.Fatalf("expected 3 levels each side, got bids=%d asks=%d", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		t.Error("expected best bid below mark price")
	}
	if book.Asks[0].Price.LessThanOrEqual(decimal.NewFromInt(100)) {
		t.Error("expected best ask above mark price")
	}
}

func TestGetBalance_ReflectsSeedEquity(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(5000), fixedPrice(100))
	bal, err := p.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equity.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected equity 5000, got %v", bal.Equity)
	}
}
