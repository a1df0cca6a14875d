package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/exchange"
	"github.com/nimbus-trading/derivagent/internal/model"
)

type fakeExchange struct {
	placeOrderErr      error
	placeOrderResult   model.OrderResult
	algoErr            error
	algoResult         model.OrderResult
	closeErr           error
	closeResult        model.OrderResult
	setLeverageErr     error
	setLeverageCalls   int
	placeOrderCalls    int
	placeAlgoCalls     int
	closePositionCalls int
}

func (f *fakeExchange) PlaceOrder(context.Context, model.OrderIntent) (model.OrderResult, error) {
	f.placeOrderCalls++
	return f.placeOrderResult, f.placeOrderErr
}
func (f *fakeExchange) PlaceAlgoOrder(context.Context, exchange.AlgoOrder) (model.OrderResult, error) {
	f.placeAlgoCalls++
	return f.algoResult, f.algoErr
}
func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeExchange) ClosePosition(context.Context, string, model.PosSide) (model.OrderResult, error) {
	f.closePositionCalls++
	return f.closeResult, f.closeErr
}
func (f *fakeExchange) SetLeverage(context.Context, string, decimal.Decimal) error {
	f.setLeverageCalls++
	return f.setLeverageErr
}
func (f *fakeExchange) GetBalance(context.Context) (exchange.Balance, error) { return exchange.Balance{}, nil }
func (f *fakeExchange) GetPositions(context.Context) ([]model.Position, error) { return nil, nil }
func (f *fakeExchange) GetCandles(context.Context, string, model.Timeframe, int) ([]model.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}
func (f *fakeExchange) GetOrderBook(context.Context, string, int) (model.OrderBook, error) {
	return model.OrderBook{}, nil
}
func (f *fakeExchange) GetFundingRate(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) GetOpenInterest(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) GetLongShortRatio(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) GetTakerVolume(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}

func openIntent() model.OrderIntent {
	sl := decimal.NewFromFloat(49000)
	tp := decimal.NewFromFloat(51000)
	return model.OrderIntent{
		DecisionID: "d1",
		Action:     model.ActionOpenLong,
		Instrument: "BTC-USDT-SWAP",
		PosSide:    model.PosSideLong,
		Size:       decimal.NewFromFloat(0.1),
		Leverage:   decimal.NewFromFloat(2),
		StopLoss:   &sl,
		TakeProfit: &tp,
	}
}

func TestExecute_OpenAttachesAlgoOnSuccessWithBothTargets(t *testing.T) {
	fx := &fakeExchange{
		placeOrderResult: model.OrderResult{Success: true, OrderID: "o1"},
		algoResult:       model.OrderResult{Success: true, AlgoID: "a1"},
	}
	ex := New(fx, nil)
	result := ex.Execute(context.Background(), openIntent())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if fx.setLeverageCalls != 1 {
		t.Errorf("expected leverage set once, got %d", fx.setLeverageCalls)
	}
	if fx.placeAlgoCalls != 1 {
		t.Errorf("expected one algo order call, got %d", fx.placeAlgoCalls)
	}
	if result.AlgoID != "a1" {
		t.Errorf("expected algo id propagated, got %q", result.AlgoID)
	}
}

func TestExecute_OpenSkipsAlgoWithoutBothTargets(t *testing.T) {
	fx := &fakeExchange{placeOrderResult: model.OrderResult{Success: true, OrderID: "o1"}}
	ex := New(fx, nil)
	intent := openIntent()
	intent.TakeProfit = nil

	ex.Execute(context.Background(), intent)
	if fx.placeAlgoCalls != 0 {
		t.Errorf("expected no algo order call without both sl and tp, got %d", fx.placeAlgoCalls)
	}
}

func TestExecute_OpenLeverageFailureDoesNotAbortOrder(t *testing.T) {
	fx := &fakeExchange{
		setLeverageErr:   errors.New("leverage not supported"),
		placeOrderResult: model.OrderResult{Success: true, OrderID: "o1"},
		algoResult:       model.OrderResult{Success: true},
	}
	ex := New(fx, nil)
	result := ex.Execute(context.Background(), openIntent())

	if !result.Success {
		t.Fatalf("expected order to proceed despite leverage failure, got %+v", result)
	}
	if fx.placeOrderCalls != 1 {
		t.Errorf("expected main order still placed, got %d calls", fx.placeOrderCalls)
	}
}

func TestExecute_OpenMainOrderFailureSkipsAlgoAttachment(t *testing.T) {
	fx := &fakeExchange{placeOrderResult: model.OrderResult{Success: false, ErrorCode: "INSUFFICIENT_MARGIN"}}
	ex := New(fx, nil)
	result := ex.Execute(context.Background(), openIntent())

	if result.Success {
		t.Fatal("expected failure propagated from exchange")
	}
	if fx.placeAlgoCalls != 0 {
		t.Errorf("expected no algo attachment after main order failure, got %d", fx.placeAlgoCalls)
	}
}

func TestExecute_CloseCallsClosePositionOnly(t *testing.T) {
	fx := &fakeExchange{closeResult: model.OrderResult{Success: true, Status: "closed"}}
	ex := New(fx, nil)
	intent := model.OrderIntent{DecisionID: "d2", Action: model.ActionClose, Instrument: "BTC-USDT-SWAP", PosSide: model.PosSideLong}

	result := ex.Execute(context.Background(), intent)
	if !result.Success || result.DecisionID != "d2" {
		t.Fatalf("expected successful close with decision id propagated, got %+v", result)
	}
	if fx.placeOrderCalls != 0 || fx.setLeverageCalls != 0 || fx.placeAlgoCalls != 0 {
		t.Error("expected close to only call ClosePosition")
	}
}

func TestExecute_AddReduceCallPlaceOrderOnly(t *testing.T) {
	fx := &fakeExchange{placeOrderResult: model.OrderResult{Success: true}}
	ex := New(fx, nil)
	intent := model.OrderIntent{Action: model.ActionAdd, Instrument: "BTC-USDT-SWAP", Size: decimal.NewFromFloat(0.1)}

	ex.Execute(context.Background(), intent)
	if fx.setLeverageCalls != 0 || fx.placeAlgoCalls != 0 {
		t.Error("expected ADD to skip leverage and algo attachment")
	}
	if fx.placeOrderCalls != 1 {
		t.Errorf("expected exactly one place order call, got %d", fx.placeOrderCalls)
	}
}

func TestExecute_ExchangeErrorSynthesizesFailedResult(t *testing.T) {
	fx := &fakeExchange{placeOrderErr: errors.New("connection reset")}
	ex := New(fx, nil)
	result := ex.Execute(context.Background(), openIntent())

	if result.Success {
		t.Fatal("expected failure synthesized from exchange error")
	}
	if result.ErrorCode != "EXCHANGE_ERROR" {
		t.Errorf("expected EXCHANGE_ERROR code, got %q", result.ErrorCode)
	}
}

func TestExecute_HoldIsNoOp(t *testing.T) {
	fx := &fakeExchange{}
	ex := New(fx, nil)
	result := ex.Execute(context.Background(), model.OrderIntent{Action: model.ActionHold})

	if !result.Success {
		t.Fatal("expected HOLD to succeed trivially")
	}
	if fx.placeOrderCalls != 0 {
		t.Error("expected HOLD to never touch the exchange")
	}
}
