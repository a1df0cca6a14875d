// Package candle implements the bounded per-(instrument, timeframe)
// candle history the indicator service computes from: a fixed-capacity
// ring that evicts from the front as new candles are appended at the
// back (spec invariant (ii)), backed by a CandleRepository for durable
// upsert.
package candle

import (
	"context"
	"sync"

	"github.com/nimbus-trading/derivagent/internal/model"
	"github.com/nimbus-trading/derivagent/internal/storage"
)

// Ring is a fixed-capacity, insertion-ordered buffer of candles for one
// (instrument, timeframe). Not safe for concurrent use on its own; Store
// guards access with a mutex.
type Ring struct {
	capacity int
	items    []model.Candle
}

func newRing(capacity int) *Ring {
	return &Ring{capacity: capacity, items: make([]model.Candle, 0, capacity)}
}

// Append inserts or replaces a candle by (time) key (upsert semantics,
// last-write-wins on OHLCV), evicting the oldest entry once at capacity.
func (r *Ring) Append(c model.Candle) {
	for i := range r.items {
		if r.items[i].Time.Equal(c.Time) {
			r.items[i] = c
			return
		}
	}
	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
	}
	r.items = append(r.items, c)
}

// Snapshot returns a copy of the current contents, oldest first.
func (r *Ring) Snapshot() []model.Candle {
	out := make([]model.Candle, len(r.items))
	copy(out, r.items)
	return out
}

// Len reports the current number of candles held.
func (r *Ring) Len() int {
	return len(r.items)
}

type key struct {
	instrument string
	timeframe  model.Timeframe
}

// Store is the in-memory map of (instrument, timeframe) -> Ring, with a
// CandleRepository for durable persistence on every append. It is the
// owning indicator service's private state, mutated only from its loop.
type Store struct {
	mu         sync.Mutex
	capacity   int
	rings      map[key]*Ring
	repository storage.CandleRepository
}

// NewStore creates a candle store with the given per-ring capacity
// (CANDLE_HISTORY_LIMIT) and durable repository.
func NewStore(capacity int, repo storage.CandleRepository) *Store {
	return &Store{
		capacity:   capacity,
		rings:      make(map[key]*Ring),
		repository: repo,
	}
}

func (s *Store) ringFor(instrument string, timeframe model.Timeframe) *Ring {
	k := key{instrument, timeframe}
	r, ok := s.rings[k]
	if !ok {
		r = newRing(s.capacity)
		s.rings[k] = r
	}
	return r
}

// Append adds c to its ring and persists it via the repository upsert.
func (s *Store) Append(ctx context.Context, c model.Candle) error {
	s.mu.Lock()
	s.ringFor(c.Instrument, c.Timeframe).Append(c)
	s.mu.Unlock()

	return s.repository.Upsert(ctx, c)
}

// Backfill bulk-inserts candles (ON CONFLICT DO NOTHING durably) and
// fills the in-memory ring for (instrument, timeframe).
func (s *Store) Backfill(ctx context.Context, instrument string, timeframe model.Timeframe, candles []model.Candle) error {
	if err := s.repository.BulkInsert(ctx, candles); err != nil {
		return err
	}

	s.mu.Lock()
	ring := s.ringFor(instrument, timeframe)
	for _, c := range candles {
		ring.Append(c)
	}
	s.mu.Unlock()
	return nil
}

// Recent returns a copy of the last n candles held for (instrument,
// timeframe), oldest first, up to whatever the ring currently holds.
func (s *Store) Recent(instrument string, timeframe model.Timeframe, n int) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.rings[key{instrument, timeframe}]
	if !ok {
		return nil
	}
	items := ring.Snapshot()
	if n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}

// Len reports how many candles are currently held for (instrument, timeframe).
func (s *Store) Len(instrument string, timeframe model.Timeframe) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[key{instrument, timeframe}]
	if !ok {
		return 0
	}
	return ring.Len()
}
