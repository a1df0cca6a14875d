// Package feed - publicws.go implements the indicator service's public
// WebSocket subscriber: per-channel callback routing, malformed-frame
// dropping, and capped exponential reconnect that replays every prior
// subscription before resetting the attempt counter (spec §4.2 "Feed
// layer"). Generalized from the teacher's DataProvider push-update
// shape, retargeted from Dhan's polling model to a long-lived
// gorilla/websocket connection.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
)

// Message is one routed WS frame: Channel identifies which registered
// callback receives it, Data is the raw decoded JSON body.
type Message struct {
	Channel string
	Data    map[string]interface{}
}

// Dialer opens a WS connection; NewGorillaDialer adapts gorilla's
// *websocket.Dialer to it, and tests swap in a fake.
type Dialer interface {
	Dial(url string, header map[string][]string) (Conn, error)
}

// Conn is the minimal connection surface the subscriber needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type gorillaDialer struct{}

// NewGorillaDialer returns a Dialer backed by gorilla/websocket.
func NewGorillaDialer() Dialer { return gorillaDialer{} }

func (gorillaDialer) Dial(url string, header map[string][]string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return gorillaConn{c}, nil
}

type gorillaConn struct{ c *websocket.Conn }

func (g gorillaConn) ReadMessage() (int, []byte, error) { return g.c.ReadMessage() }
func (g gorillaConn) WriteJSON(v interface{}) error     { return g.c.WriteJSON(v) }
func (g gorillaConn) Close() error                      { return g.c.Close() }

// Subscription is one channel subscription, replayed verbatim on every
// reconnect (spec: "on reconnect, all previous subscriptions are
// replayed before attempt is reset").
type Subscription struct {
	Channel string
	Request interface{} // the raw subscribe frame sent over the wire
}

// Handler processes one routed message for its channel.
type Handler func(ctx context.Context, msg Message)

// PublicFeed is the indicator service's public-channel subscriber.
type PublicFeed struct {
	dialer Dialer
	url    string
	log    *zap.Logger

	mu     sync.Mutex
	subs   []Subscription
	routes map[string]Handler
}

func NewPublicFeed(dialer Dialer, url string, log *zap.Logger) *PublicFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicFeed{dialer: dialer, url: url, log: log, routes: make(map[string]Handler)}
}

// On registers handler for channel. Must be called before Run, or
// before the next reconnect, to take effect.
func (f *PublicFeed) On(channel string, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[channel] = handler
}

// Subscribe queues a subscription request to be sent on connect and
// replayed on every reconnect.
func (f *PublicFeed) Subscribe(sub Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
}

// Run connects and dispatches until ctx is cancelled. Disconnects
// trigger a reconnect with delay = min(2^attempt, 60s); subscriptions
// are replayed before the attempt counter resets to 0.
func (f *PublicFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := f.dialer.Dial(f.url, nil)
		if err != nil {
			f.log.Warn("public feed dial failed", zap.Error(err), zap.Int("attempt", attempt))
			if !sleepOrDone(ctx, backoffDelay(attempt)) {
				return nil
			}
			attempt++
			continue
		}

		f.replaySubscriptions(conn)
		attempt = 0 // reset only after a successful connect + replay

		if err := f.readLoop(ctx, conn); err != nil {
			f.log.Warn("public feed disconnected", zap.Error(err))
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

func (f *PublicFeed) replaySubscriptions(conn Conn) {
	f.mu.Lock()
	subs := make([]Subscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, s := range subs {
		if err := conn.WriteJSON(s.Request); err != nil {
			f.log.Warn("replay subscription failed", zap.String("channel", s.Channel), zap.Error(err))
		}
	}
}

func (f *PublicFeed) readLoop(ctx context.Context, conn Conn) error {
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
			f.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Arg.Channel == "" || len(frame.Data) == 0 {
			continue // non-data frame (ack/ping/pong): drop silently
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			f.log.Warn("dropping malformed data frame", zap.String("channel", frame.Arg.Channel), zap.Error(err))
			continue
		}

		f.mu.Lock()
		handler := f.routes[frame.Arg.Channel]
		f.mu.Unlock()
		if handler != nil {
			handler(ctx, Message{Channel: frame.Arg.Channel, Data: payload})
		}
	}
}

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
