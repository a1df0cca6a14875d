// Package bus implements the cross-service message bus on top of Redis
// Streams: stream taxonomy, consumer-group discipline, at-least-once
// delivery with explicit ack, and the non-destructive read_latest peek.
//
// Design rules (from the spec):
//   - Every service owns one named consumer group per stream it reads.
//   - Reads use XREADGROUP with a 5s block, batch size <= 10, cursor ">".
//   - A message is acked only after the callback returns without error.
//   - NOGROUP errors recreate the group(s) and continue.
//   - Transient connection faults back off 1s and retry the read loop.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nimbus-trading/derivagent/internal/model"
)

// Stream names, per the taxonomy in spec §4.1.
const (
	StreamMarketSnapshots = "market:snapshots"
	StreamMarketAlerts    = "market:alerts"
	StreamTradeOrders     = "trade:orders"
	StreamTradeFills      = "trade:fills"
	StreamTradePositions  = "trade:positions"
	StreamOpusDecisions   = "opus:decisions"
	StreamSystemAlerts    = "system:alerts"
)

const (
	dataField     = "data"
	readBlock     = 5 * time.Second
	readBatchSize = int64(10)
	reconnectWait = 1 * time.Second
)

// Handler processes one delivered message. Returning a non-nil error
// leaves the message unacked for redelivery on the next poll.
type Handler func(ctx context.Context, stream string, msg model.StreamMessage) error

// Bus is a Redis-Streams-backed message bus for one consumer group (one
// per owning service, e.g. "indicator", "orchestrator", "trade").
type Bus struct {
	client        *redis.Client
	consumerGroup string
	consumerName  string
	log           *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a Bus bound to the given consumer group name. consumerName
// should be unique per process instance (e.g. hostname-pid) so XREADGROUP
// claims are attributable; a stable default is derived if empty.
func New(client *redis.Client, consumerGroup, consumerName string, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if consumerName == "" {
		consumerName = consumerGroup + "-" + uuid.NewString()[:8]
	}
	return &Bus{
		client:        client,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		log:           log.With(zap.String("component", "bus"), zap.String("group", consumerGroup)),
	}
}

// EnsureGroup idempotently creates the consumer group on stream, using
// MKSTREAM semantics and ignoring "group already exists" failures.
func (b *Bus) EnsureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.consumerGroup, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("bus: ensure group %s/%s: %w", stream, b.consumerGroup, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return strings.Contains(err.Error(), "BUSYGROUP")
}

// Publish serializes msg as JSON into the stream's single "data" field
// and returns the bus-assigned entry id. msg.MsgID is set if empty.
func (b *Bus) Publish(ctx context.Context, stream string, msg model.StreamMessage) (string, error) {
	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("bus: marshal message: %w", err)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{dataField: string(encoded)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish to %s: %w", stream, err)
	}
	return id, nil
}

// ReadLatest performs a non-destructive peek of the newest entry on
// stream, used by the orchestrator to fetch the freshest snapshot on
// demand without consumer-group bookkeeping.
func (b *Bus) ReadLatest(ctx context.Context, stream string) (*model.StreamMessage, error) {
	entries, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: read latest %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	msg, err := decodeEntry(entries[0])
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Subscribe runs a blocking XREADGROUP loop over streams until ctx is
// cancelled. Each delivered entry is passed to handler; the entry is
// acked iff handler returns nil. A transient read error backs off 1s
// and retries. NOGROUP recreates the group(s) and continues.
func (b *Bus) Subscribe(ctx context.Context, streams []string, handler Handler) error {
	for _, s := range streams {
		if err := b.EnsureGroup(ctx, s); err != nil {
			return err
		}
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  args,
			Count:    readBatchSize,
			Block:    readBlock,
		}).Result()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue // block timeout, no new messages
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				b.log.Warn("consumer group missing, recreating", zap.Error(err))
				for _, s := range streams {
					_ = b.EnsureGroup(ctx, s)
				}
				continue
			}
			b.log.Warn("read error, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectWait):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				msg, decErr := decodeEntry(redis.XMessage{ID: entry.ID, Values: entry.Values})
				if decErr != nil {
					b.log.Warn("dropping malformed entry", zap.String("stream", streamRes.Stream), zap.Error(decErr))
					// Ack malformed entries; they can never be handled successfully.
					_ = b.client.XAck(ctx, streamRes.Stream, b.consumerGroup, entry.ID).Err()
					continue
				}
				if hErr := handler(ctx, streamRes.Stream, msg); hErr != nil {
					b.log.Warn("handler failed, leaving unacked", zap.String("stream", streamRes.Stream), zap.Error(hErr))
					continue
				}
				if ackErr := b.client.XAck(ctx, streamRes.Stream, b.consumerGroup, entry.ID).Err(); ackErr != nil {
					b.log.Warn("ack failed", zap.String("stream", streamRes.Stream), zap.Error(ackErr))
				}
			}
		}
	}
}

// Close is idempotent; it releases the underlying Redis connection.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.client.Close() })
	return b.closeErr
}

func decodeEntry(entry redis.XMessage) (model.StreamMessage, error) {
	var msg model.StreamMessage
	raw, ok := entry.Values[dataField]
	if !ok {
		return msg, fmt.Errorf("bus: entry %s missing %q field", entry.ID, dataField)
	}
	str, ok := raw.(string)
	if !ok {
		return msg, fmt.Errorf("bus: entry %s field %q is not a string", entry.ID, dataField)
	}
	if err := json.Unmarshal([]byte(str), &msg); err != nil {
		return msg, fmt.Errorf("bus: entry %s: unmarshal: %w", entry.ID, err)
	}
	return msg, nil
}
