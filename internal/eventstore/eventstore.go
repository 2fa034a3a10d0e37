// Package eventstore is the append-only audit log of the resilience
// core. Events are versioned per aggregate, kept in memory, and
// optionally flushed in batches to durable sinks (Redis Streams,
// Postgres). Append never fails the caller for sink reasons: the
// trail is for observability, not for deriving saga correctness.
package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

var (
	// ErrStoreExhausted is returned when the in-memory log refuses
	// further appends. Latent failure mode: the default limit is high
	// enough that retention sweeps keep the store well below it.
	ErrStoreExhausted = errors.New("event store exhausted")
)

// DefaultMaxEvents caps the global log size.
const DefaultMaxEvents = 1 << 20

// Event 领域事件（追加后不可变）
type Event struct {
	ID          string                 `json:"id"`
	AggregateID string                 `json:"aggregateId"`
	EventType   string                 `json:"eventType"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     int64                  `json:"version"`
}

// Filter narrows event queries. All set fields are ANDed.
type Filter struct {
	EventType   string
	FromVersion int64
	ToVersion   int64
	From        time.Time
	To          time.Time
}

func (f *Filter) match(e Event) bool {
	if f == nil {
		return true
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.FromVersion > 0 && e.Version < f.FromVersion {
		return false
	}
	if f.ToVersion > 0 && e.Version > f.ToVersion {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Sink receives flushed event batches.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Options configure the store.
type Options struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxEvents     int
	Sinks         []Sink
}

// Store owns the global log and the per-aggregate index. Version
// assignment and the pending flush buffer share the same mutex so
// concurrent appends can never produce duplicate versions or corrupt
// a draining batch.
type Store struct {
	mu          sync.Mutex
	log         []Event
	byAggregate map[string][]Event
	versions    map[string]int64
	pending     []Event

	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	closedMu sync.Mutex
}

// New creates a store. Flushing starts only when Start is called and
// at least one sink is configured.
func New(opts Options, log *logger.Logger, m *metrics.Metrics) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	return &Store{
		byAggregate: make(map[string][]Event),
		versions:    make(map[string]int64),
		opts:        opts,
		logger:      log,
		metrics:     m,
		done:        make(chan struct{}),
	}
}

// Append stores an event under aggregateID, assigning the next
// per-aggregate version. The returned id identifies the stored event.
func (s *Store) Append(aggregateID, eventType string, data, metadata map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.log) >= s.opts.MaxEvents {
		return "", fmt.Errorf("append %s for %s: %w", eventType, aggregateID, ErrStoreExhausted)
	}

	s.versions[aggregateID]++
	e := Event{
		ID:          newID(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Data:        data,
		Metadata:    metadata,
		Timestamp:   time.Now(),
		Version:     s.versions[aggregateID],
	}

	s.log = append(s.log, e)
	s.byAggregate[aggregateID] = append(s.byAggregate[aggregateID], e)
	if len(s.opts.Sinks) > 0 {
		s.pending = append(s.pending, e)
		if s.metrics != nil {
			s.metrics.PendingEvents.Set(float64(len(s.pending)))
		}
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.Inc()
	}
	return e.ID, nil
}

// Events returns the aggregate's events matching filter, version ascending.
func (s *Store) Events(aggregateID string, filter *Filter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.byAggregate[aggregateID]
	out := make([]Event, 0, len(src))
	for _, e := range src {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// AllEvents returns every stored event matching filter, timestamp ascending.
func (s *Store) AllEvents(filter *Filter) []Event {
	s.mu.Lock()
	out := make([]Event, 0, len(s.log))
	for _, e := range s.log {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Replay feeds the aggregate's events version-ascending into handler.
// Replaying the same aggregate twice yields the same sequence.
func (s *Store) Replay(aggregateID string, handler func(Event) error) error {
	for _, e := range s.Events(aggregateID, nil) {
		if err := handler(e); err != nil {
			return fmt.Errorf("replay %s at version %d: %w", aggregateID, e.Version, err)
		}
	}
	return nil
}

// CleanupOld removes events older than retention from the global log
// and every per-aggregate index, keeping the two consistent. Version
// counters are not reset so versions stay monotonic across sweeps.
func (s *Store) CleanupOld(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	removed := 0
	for _, e := range s.log {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.log = kept

	for id, events := range s.byAggregate {
		filtered := events[:0]
		for _, e := range events {
			if !e.Timestamp.Before(cutoff) {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(s.byAggregate, id)
			continue
		}
		s.byAggregate[id] = filtered
	}

	if removed > 0 && s.metrics != nil {
		s.metrics.EventsPruned.Add(float64(removed))
	}
	return removed
}

// AggregateIDs lists aggregates currently holding events.
func (s *Store) AggregateIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.byAggregate))
	for id := range s.byAggregate {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the periodic flush loop. No-op without sinks.
func (s *Store) Start() {
	if len(s.opts.Sinks) == 0 {
		return
	}
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush(context.Background())
			case <-s.done:
				return
			}
		}
	}()
}

// Flush drains up to BatchSize pending events into every sink. A
// failed batch is re-queued ahead of newer events so ordering holds.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.pending)
	if n > s.opts.BatchSize {
		n = s.opts.BatchSize
	}
	batch := make([]Event, n)
	copy(batch, s.pending[:n])
	s.pending = append([]Event(nil), s.pending[n:]...)
	s.mu.Unlock()

	var failed bool
	for _, sink := range s.opts.Sinks {
		if err := sink.Write(ctx, batch); err != nil {
			failed = true
			if s.metrics != nil {
				s.metrics.FlushErrors.Inc()
			}
			if s.logger != nil {
				s.logger.WithError(err).Errorf("event flush failed", map[string]interface{}{
					"sink":  sink.Name(),
					"batch": len(batch),
				})
			}
		}
	}

	s.mu.Lock()
	if failed {
		// Requeue ahead of anything appended while we were writing.
		s.pending = append(batch, s.pending...)
	}
	if s.metrics != nil {
		s.metrics.PendingEvents.Set(float64(len(s.pending)))
	}
	s.mu.Unlock()
}

// Close stops the flush loop and performs a final synchronous flush.
func (s *Store) Close(ctx context.Context) {
	s.closedMu.Lock()
	if s.started {
		close(s.done)
		s.started = false
	}
	s.closedMu.Unlock()
	s.wg.Wait()

	for s.pendingLen() > 0 {
		before := s.pendingLen()
		s.Flush(ctx)
		if s.pendingLen() >= before {
			// Sink is down; dropping the final batch is logged upstream.
			return
		}
	}
}

func (s *Store) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
