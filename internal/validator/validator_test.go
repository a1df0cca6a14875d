package validator

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

func baseIntent() model.OrderIntent {
	return model.OrderIntent{
		Action:     model.ActionOpenLong,
		Side:       model.SideBuy,
		PosSide:    model.PosSideLong,
		OrderType:  model.OrderTypeMarket,
		Instrument: "BTC-USDT-SWAP",
		Size:       decimal.NewFromFloat(0.1),
		Leverage:   decimal.NewFromFloat(2),
	}
}

func TestValidate_HappyPath(t *testing.T) {
	result := Validate(baseIntent())
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
}

func TestValidate_BadEnumsCollectAllErrors(t *testing.T) {
	intent := baseIntent()
	intent.Action = "INVALID_ACTION"
	intent.Side = "sideways"
	intent.PosSide = "diagonal"
	intent.OrderType = "stop"

	result := Validate(intent)
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if len(result.Errors) != 4 {
		t.Errorf("expected 4 collected errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidate_NonPositiveSizeAndLeverage(t *testing.T) {
	intent := baseIntent()
	intent.Size = decimal.Zero
	intent.Leverage = decimal.NewFromFloat(-1)

	result := Validate(intent)
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidate_LimitOrderRequiresLimitPrice(t *testing.T) {
	intent := baseIntent()
	intent.OrderType = model.OrderTypeLimit
	intent.LimitPrice = nil

	result := Validate(intent)
	if result.Valid {
		t.Fatal("expected invalid: limit order without limit_price")
	}
}

func TestValidate_LimitOrderWithNonPositivePrice(t *testing.T) {
	intent := baseIntent()
	intent.OrderType = model.OrderTypeLimit
	zero := decimal.Zero
	intent.LimitPrice = &zero

	result := Validate(intent)
	if result.Valid {
		t.Fatal("expected invalid: non-positive limit_price")
	}
}

func TestValidate_LongOrderingStrict(t *testing.T) {
	intent := baseIntent()
	intent.PosSide = model.PosSideLong
	limit := decimal.NewFromFloat(50000)
	sl := decimal.NewFromFloat(49000)
	tp := decimal.NewFromFloat(51000)
	intent.LimitPrice = &limit
	intent.StopLoss = &sl
	intent.TakeProfit = &tp

	if !Validate(intent).Valid {
		t.Fatal("expected valid ordering for long: sl < limit < tp")
	}

	equalLimitSL := limit
	intent.StopLoss = &equalLimitSL
	if Validate(intent).Valid {
		t.Fatal("expected invalid: equality between stop_loss and limit_price must fail")
	}
}

func TestValidate_ShortOrderingStrict(t *testing.T) {
	intent := baseIntent()
	intent.PosSide = model.PosSideShort
	limit := decimal.NewFromFloat(50000)
	sl := decimal.NewFromFloat(51000)
	tp := decimal.NewFromFloat(49000)
	intent.LimitPrice = &limit
	intent.StopLoss = &sl
	intent.TakeProfit = &tp

	if !Validate(intent).Valid {
		t.Fatal("expected valid ordering for short: tp < limit < sl")
	}

	reversedTP := decimal.NewFromFloat(50500)
	intent.TakeProfit = &reversedTP
	if Validate(intent).Valid {
		t.Fatal("expected invalid: take_profit must be below limit_price for short")
	}
}

func TestValidate_MarketOrderSkipsOrderingCheckWithoutLimitPrice(t *testing.T) {
	intent := baseIntent()
	sl := decimal.NewFromFloat(49000)
	tp := decimal.NewFromFloat(51000)
	intent.StopLoss = &sl
	intent.TakeProfit = &tp

	if !Validate(intent).Valid {
		t.Fatal("expected valid: no limit_price means ordering rule does not apply")
	}
}
