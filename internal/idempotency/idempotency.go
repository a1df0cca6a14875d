// Package idempotency implements the trade service's decision_id dedup
// guard (spec core (c): "idempotency against double-ack of the same
// intent"; spec §7: "consumers that have observable side effects ...
// must check application-level idempotency using decision_id"). The
// bus delivers trade:orders at-least-once (spec §4.1); without this
// guard a redelivered intent would re-execute against the exchange.
// A claim is taken before execution so a concurrent redelivery cannot
// race into a second exchange call, and the final OrderResult payload
// is cached under the same key so a later redelivery replays the
// prior fill instead of re-executing.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "trade:decision:"
	// ttl bounds how long a decision_id is remembered; well past the
	// bounded CONFIRMING wait (spec §5 ORDER_TIMEOUT_SECONDS) and any
	// plausible redelivery delay.
	ttl = 48 * time.Hour
)

// Store is a Redis-backed claim/result cache keyed by decision_id.
type Store struct {
	client *redis.Client
}

// New constructs a Store over an existing Redis connection (the same
// client the bus uses).
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Claim atomically marks decisionID as being executed. It reports true
// if this call won the claim and the caller should proceed to execute;
// false means another delivery already claimed decisionID and the
// caller must not execute again — it should consult Result instead.
func (s *Store) Claim(ctx context.Context, decisionID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKey(decisionID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s: %w", decisionID, err)
	}
	return ok, nil
}

// SaveResult persists the final trade:fills payload for decisionID so
// a redelivered intent can replay it instead of re-executing.
func (s *Store) SaveResult(ctx context.Context, decisionID string, payload map[string]interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result for %s: %w", decisionID, err)
	}
	if err := s.client.Set(ctx, resultKey(decisionID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save result for %s: %w", decisionID, err)
	}
	return nil
}

// Result returns the previously cached trade:fills payload for
// decisionID, if execution already completed for it.
func (s *Store) Result(ctx context.Context, decisionID string) (map[string]interface{}, bool, error) {
	raw, err := s.client.Get(ctx, resultKey(decisionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: load result for %s: %w", decisionID, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, fmt.Errorf("idempotency: unmarshal result for %s: %w", decisionID, err)
	}
	return payload, true, nil
}

func claimKey(decisionID string) string  { return keyPrefix + decisionID + ":claim" }
func resultKey(decisionID string) string { return keyPrefix + decisionID + ":result" }
