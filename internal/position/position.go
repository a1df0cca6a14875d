// Package position implements the trade service's position manager
// (spec §4.3): an in-memory mirror of exchange state keyed by
// (instId, posSide), updated from raw private-WebSocket position
// events and published to trade:positions on every change.
package position

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/bus"
	"github.com/nimbus-trading/derivagent/internal/model"
)

type key struct {
	instID  string
	posSide model.PosSide
}

// Publisher is the bus surface the manager needs to announce position
// updates and closes; satisfied directly by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error)
}

// Manager mirrors exchange position state. All access is guarded by a
// single mutex, matching the teacher's in-memory holdings map.
type Manager struct {
	mu          sync.RWMutex
	positions   map[key]model.Position
	decisionIDs map[key]string // opening decision_id, for close-event correlation (spec §4.4 "closing side-channel")
	pub         Publisher
}

func New(pub Publisher) *Manager {
	return &Manager{
		positions:   make(map[key]model.Position),
		decisionIDs: make(map[key]string),
		pub:         pub,
	}
}

// Attach records which decision_id opened (instrument, posSide), so the
// eventual close event can be correlated back to the TradeRecord it
// must close. Called by the trade service once a validated OPEN_LONG/
// OPEN_SHORT intent's main order succeeds.
func (m *Manager) Attach(instrument string, posSide model.PosSide, decisionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisionIDs[key{instID: instrument, posSide: posSide}] = decisionID
}

// IsPositionClosed is pure: true iff the raw "pos" field is "0" or
// empty, per spec §4.3. An absent field is treated as empty.
func IsPositionClosed(raw map[string]interface{}) bool {
	v, ok := raw["pos"]
	if !ok {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return s == "" || s == "0"
}

// Update parses a raw position event, replaces the entry, and
// publishes to trade:positions. If IsPositionClosed reports the raw
// "pos" field as "0" or empty, the entry is removed from the map and a
// "closed" event is published instead.
func (m *Manager) Update(ctx context.Context, raw map[string]interface{}) {
	instID, _ := raw["instId"].(string)
	posSideStr, _ := raw["posSide"].(string)
	k := key{instID: instID, posSide: model.PosSide(posSideStr)}

	if IsPositionClosed(raw) {
		m.mu.Lock()
		prior, hadPrior := m.positions[k]
		decisionID := m.decisionIDs[k]
		delete(m.positions, k)
		delete(m.decisionIDs, k)
		m.mu.Unlock()

		exitPrice := decimalField(raw, "last")
		pnl := decimal.Zero
		if hadPrior && !exitPrice.IsZero() {
			pnl = exitPrice.Sub(prior.AvgEntry).Mul(prior.Size)
			if posSideStr == string(model.PosSideShort) {
				pnl = pnl.Neg()
			}
		} else if hadPrior {
			pnl = prior.UnrealizedPnL
		}

		m.publish(ctx, map[string]interface{}{
			"instrument":  instID,
			"pos_side":    posSideStr,
			"status":      "closed",
			"closed":      true,
			"decision_id": decisionID,
			"exit_price":  exitPrice.String(),
			"pnl":         pnl.String(),
			"exit_reason": "position_closed",
		})
		return
	}

	pos := parsePosition(instID, model.PosSide(posSideStr), raw)

	m.mu.Lock()
	m.positions[k] = pos
	m.mu.Unlock()

	m.publish(ctx, map[string]interface{}{
		"instrument": instID,
		"pos_side":   posSideStr,
		"status":     "open",
		"size":       pos.Size.String(),
	})
}

func (m *Manager) publish(ctx context.Context, payload map[string]interface{}) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(ctx, bus.StreamTradePositions, model.StreamMessage{
		Source:  model.SourceTrade,
		Type:    model.TypePositionUpdate,
		Payload: payload,
	})
}

func parsePosition(instID string, posSide model.PosSide, raw map[string]interface{}) model.Position {
	return model.Position{
		Instrument:       instID,
		PosSide:          posSide,
		Size:             decimalField(raw, "pos"),
		AvgEntry:         decimalField(raw, "avgPx"),
		UnrealizedPnL:    decimalField(raw, "upl"),
		Leverage:         decimalField(raw, "lever"),
		LiquidationPrice: decimalField(raw, "liqPx"),
		Margin:           decimalField(raw, "margin"),
	}
}

// GetAll returns every currently open position.
func (m *Manager) GetAll() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// Get returns the position for (instID, posSide), if open.
func (m *Manager) Get(instID string, posSide model.PosSide) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[key{instID: instID, posSide: posSide}]
	return p, ok
}

func decimalField(raw map[string]interface{}, field string) decimal.Decimal {
	s, ok := raw[field].(string)
	if !ok || s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
