// Package executor implements the trade service's order executor
// (spec §4.3): dispatches a validated OrderIntent to the exchange
// adapter by action, attaching OCO algo orders where required and
// never letting an exchange error escape as a Go error — every path
// returns an OrderResult the caller can publish to trade:fills.
package executor

import (
	"context"
	"fmt"

	"github.com/nimbus-trading/derivagent/internal/exchange"
	"github.com/nimbus-trading/derivagent/internal/model"
)

// Logger is the minimal logging surface the executor needs, satisfied
// by *zap.SugaredLogger.
type Logger interface {
	Warnw(msg string, keysAndValues ...interface{})
}

// Executor runs validated intents against an exchange.Exchange.
type Executor struct {
	ex  exchange.Exchange
	log Logger
}

func New(ex exchange.Exchange, log Logger) *Executor {
	return &Executor{ex: ex, log: log}
}

// Execute dispatches intent by action, per spec §4.3. It never returns
// a Go error: any exception not already captured by the exchange call
// is synthesized into a failed OrderResult.
func (e *Executor) Execute(ctx context.Context, intent model.OrderIntent) (result model.OrderResult) {
	defer func() {
		// Last-resort guard matching the spec's "any exception not
		// already captured" clause; a panicking exchange adapter must
		// not crash the trade service's message loop.
		if r := recover(); r != nil {
			result = failed(intent.DecisionID, "PANIC", fmt.Sprintf("%v", r))
		}
	}()

	switch intent.Action {
	case model.ActionOpenLong, model.ActionOpenShort:
		return e.executeOpen(ctx, intent)
	case model.ActionClose:
		return e.executeClose(ctx, intent)
	case model.ActionAdd, model.ActionReduce:
		return e.executeAdjust(ctx, intent)
	case model.ActionHold:
		return model.OrderResult{DecisionID: intent.DecisionID, Success: true, Status: "held"}
	default:
		return failed(intent.DecisionID, "UNSUPPORTED_ACTION", "executor does not know action "+string(intent.Action))
	}
}

func (e *Executor) executeOpen(ctx context.Context, intent model.OrderIntent) model.OrderResult {
	if err := e.ex.SetLeverage(ctx, intent.Instrument, intent.Leverage); err != nil {
		// Best-effort: leverage failure is logged but does not abort
		// the order, per spec §4.3.
		if e.log != nil {
			e.log.Warnw("set leverage failed, continuing with order", "instrument", intent.Instrument, "error", err)
		}
	}

	result, err := e.ex.PlaceOrder(ctx, intent)
	if err != nil {
		return failed(intent.DecisionID, "EXCHANGE_ERROR", err.Error())
	}
	if !result.Success {
		return result
	}

	if intent.StopLoss != nil && intent.TakeProfit != nil {
		algo := exchange.AlgoOrder{
			Instrument: intent.Instrument,
			PosSide:    intent.PosSide,
			Size:       intent.Size,
			StopLoss:   intent.StopLoss,
			TakeProfit: intent.TakeProfit,
		}
		algoResult, err := e.ex.PlaceAlgoOrder(ctx, algo)
		if err != nil {
			if e.log != nil {
				e.log.Warnw("algo order attachment failed after successful main order", "instrument", intent.Instrument, "error", err)
			}
		} else if algoResult.Success {
			result.AlgoID = algoResult.AlgoID
		}
	}

	return result
}

func (e *Executor) executeClose(ctx context.Context, intent model.OrderIntent) model.OrderResult {
	result, err := e.ex.ClosePosition(ctx, intent.Instrument, intent.PosSide)
	if err != nil {
		return failed(intent.DecisionID, "EXCHANGE_ERROR", err.Error())
	}
	result.DecisionID = intent.DecisionID
	return result
}

func (e *Executor) executeAdjust(ctx context.Context, intent model.OrderIntent) model.OrderResult {
	result, err := e.ex.PlaceOrder(ctx, intent)
	if err != nil {
		return failed(intent.DecisionID, "EXCHANGE_ERROR", err.Error())
	}
	return result
}

func failed(decisionID, code, message string) model.OrderResult {
	return model.OrderResult{DecisionID: decisionID, Success: false, ErrorCode: code, ErrorMessage: message}
}
