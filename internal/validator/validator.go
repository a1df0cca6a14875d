// Package validator implements the trade service's pre-execution order
// validator (spec §4.3): fail-closed, language-agnostic rules an
// OrderIntent must satisfy before it ever reaches the exchange adapter.
// Generalized from NitinKhare-trader's internal/risk/risk.go Manager,
// which accumulates every violation into one result rather than
// short-circuiting on the first failure.
package validator

import (
	"fmt"

	"github.com/nimbus-trading/derivagent/internal/model"
)

// Result is the accumulated validation outcome: Valid is true only if
// Errors is empty.
type Result struct {
	Valid  bool
	Errors []string
}

func (r *Result) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

var validActions = map[model.OrderIntentAction]bool{
	model.ActionOpenLong:  true,
	model.ActionOpenShort: true,
	model.ActionClose:     true,
	model.ActionAdd:       true,
	model.ActionReduce:    true,
}

var validSides = map[model.Side]bool{
	model.SideBuy:  true,
	model.SideSell: true,
}

var validPosSides = map[model.PosSide]bool{
	model.PosSideLong:  true,
	model.PosSideShort: true,
}

var validOrderTypes = map[model.OrderType]bool{
	model.OrderTypeMarket: true,
	model.OrderTypeLimit:  true,
}

// Validate runs every rule against intent, collecting all violations
// rather than stopping at the first. An OPEN_LONG/OPEN_SHORT intent is
// never partially valid: every field is checked regardless of earlier
// failures so the caller's rejection log shows the complete picture.
func Validate(intent model.OrderIntent) Result {
	result := Result{Valid: true}

	if !validActions[intent.Action] {
		result.fail("action %q is not one of OPEN_LONG, OPEN_SHORT, CLOSE, ADD, REDUCE", intent.Action)
	}
	if !validSides[intent.Side] {
		result.fail("side %q is not one of buy, sell", intent.Side)
	}
	if !validPosSides[intent.PosSide] {
		result.fail("pos_side %q is not one of long, short", intent.PosSide)
	}
	if !validOrderTypes[intent.OrderType] {
		result.fail("order_type %q is not one of market, limit", intent.OrderType)
	}

	if !intent.Size.IsPositive() {
		result.fail("size %s is not a positive decimal", intent.Size.String())
	}
	if !intent.Leverage.IsPositive() {
		result.fail("leverage %s is not a positive decimal", intent.Leverage.String())
	}

	if intent.OrderType == model.OrderTypeLimit {
		if intent.LimitPrice == nil {
			result.fail("limit_price is required for order_type=limit")
		} else if !intent.LimitPrice.IsPositive() {
			result.fail("limit_price %s must be positive", intent.LimitPrice.String())
		}
	}

	if intent.LimitPrice != nil && intent.StopLoss != nil && intent.TakeProfit != nil {
		limit := *intent.LimitPrice
		sl := *intent.StopLoss
		tp := *intent.TakeProfit

		switch intent.PosSide {
		case model.PosSideLong:
			if !(sl.LessThan(limit) && limit.LessThan(tp)) {
				result.fail("for pos_side=long, require stop_loss < limit_price < take_profit (got sl=%s limit=%s tp=%s)", sl, limit, tp)
			}
		case model.PosSideShort:
			if !(tp.LessThan(limit) && limit.LessThan(sl)) {
				result.fail("for pos_side=short, require take_profit < limit_price < stop_loss (got tp=%s limit=%s sl=%s)", tp, limit, sl)
			}
		}
	}

	return result
}
