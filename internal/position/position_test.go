package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nimbus-trading/derivagent/internal/model"
)

type fakePublisher struct {
	calls []map[string]interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error) {
	f.calls = append(f.calls, msg.Payload)
	return "0-1", nil
}

func TestIsPositionClosed(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]interface{}
		want bool
	}{
		{"zero string", map[string]interface{}{"pos": "0"}, true},
		{"empty string", map[string]interface{}{"pos": ""}, true},
		{"missing field", map[string]interface{}{}, true},
		{"nonzero", map[string]interface{}{"pos": "1.5"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPositionClosed(tc.raw); got != tc.want {
				t.Errorf("IsPositionClosed(%v) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestUpdate_OpensAndTracksPosition(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub)

	m.Update(context.Background(), map[string]interface{}{
		"instId": "BTC-USDT-SWAP", "posSide": "long", "pos": "0.5", "avgPx": "50000", "upl": "10", "lever": "2",
	})

	pos, ok := m.Get("BTC-USDT-SWAP", model.PosSideLong)
	if !ok {
		t.Fatal("expected position to be tracked")
	}
	if !pos.Size.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected size 0.5, got %v", pos.Size)
	}
	if len(pub.calls) != 1 || pub.calls[0]["status"] != "open" {
		t.Errorf("expected one open publish, got %v", pub.calls)
	}
}

func TestUpdate_ClosesAndRemovesPosition(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub)

	m.Update(context.Background(), map[string]interface{}{"instId": "BTC-USDT-SWAP", "posSide": "long", "pos": "0.5", "avgPx": "50000"})
	m.Update(context.Background(), map[string]interface{}{"instId": "BTC-USDT-SWAP", "posSide": "long", "pos": "0"})

	if _, ok := m.Get("BTC-USDT-SWAP", model.PosSideLong); ok {
		t.Fatal("expected position removed after close")
	}
	if len(pub.calls) != 2 || pub.calls[1]["status"] != "closed" {
		t.Errorf("expected second publish to be closed, got %v", pub.calls)
	}
}

func TestGetAll_ReturnsOnlyOpenPositions(t *testing.T) {
	m := New(nil)
	m.Update(context.Background(), map[string]interface{}{"instId": "BTC-USDT-SWAP", "posSide": "long", "pos": "1"})
	m.Update(context.Background(), map[string]interface{}{"instId": "ETH-USDT-SWAP", "posSide": "short", "pos": "2"})
	m.Update(context.Background(), map[string]interface{}{"instId": "BTC-USDT-SWAP", "posSide": "long", "pos": "0"})

	all := m.GetAll()
	if len(all) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(all))
	}
	if all[0].Instrument != "ETH-USDT-SWAP" {
		t.Errorf("expected remaining position to be ETH-USDT-SWAP, got %s", all[0].Instrument)
	}
}
