package eventstore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

func testStore(opts Options) *Store {
	return New(opts, logger.New("test", io.Discard), nil)
}

func TestAppend_VersionsPerAggregate(t *testing.T) {
	s := testStore(Options{})

	// Interleave appends across two aggregates.
	for i := 0; i < 3; i++ {
		if _, err := s.Append("saga-a", "StepCompleted", nil, nil); err != nil {
			t.Fatalf("append saga-a: %v", err)
		}
		if _, err := s.Append("saga-b", "StepCompleted", nil, nil); err != nil {
			t.Fatalf("append saga-b: %v", err)
		}
	}

	for _, id := range []string{"saga-a", "saga-b"} {
		events := s.Events(id, nil)
		if len(events) != 3 {
			t.Fatalf("%s: expected 3 events, got %d", id, len(events))
		}
		for i, e := range events {
			if e.Version != int64(i+1) {
				t.Fatalf("%s: expected version %d at index %d, got %d", id, i+1, i, e.Version)
			}
		}
	}
}

func TestAppend_ConcurrentVersionsNoGaps(t *testing.T) {
	s := testStore(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append("saga-x", "Tick", nil, nil); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	events := s.Events("saga-x", nil)
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	seen := make(map[int64]bool)
	for _, e := range events {
		if seen[e.Version] {
			t.Fatalf("duplicate version %d", e.Version)
		}
		seen[e.Version] = true
	}
	for v := int64(1); v <= 50; v++ {
		if !seen[v] {
			t.Fatalf("missing version %d", v)
		}
	}
}

func TestEvents_FilterConjunctive(t *testing.T) {
	s := testStore(Options{})
	for i := 0; i < 5; i++ {
		eventType := "StepCompleted"
		if i%2 == 0 {
			eventType = "StepStarted"
		}
		if _, err := s.Append("saga-f", eventType, nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got := s.Events("saga-f", &Filter{EventType: "StepStarted", FromVersion: 3})
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for _, e := range got {
		if e.EventType != "StepStarted" || e.Version < 3 {
			t.Fatalf("filter not conjunctive: %+v", e)
		}
	}
}

func TestAllEvents_TimestampAscending(t *testing.T) {
	s := testStore(Options{})
	for i := 0; i < 10; i++ {
		id := "agg-a"
		if i%2 == 0 {
			id = "agg-b"
		}
		if _, err := s.Append(id, "Tick", nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all := s.AllEvents(nil)
	if len(all) != 10 {
		t.Fatalf("expected 10 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatalf("events not timestamp-ascending at index %d", i)
		}
	}
}

func TestReplay_Idempotent(t *testing.T) {
	s := testStore(Options{})
	for i := 0; i < 4; i++ {
		if _, err := s.Append("saga-r", "Tick", map[string]interface{}{"n": i}, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	reduce := func() []int64 {
		var versions []int64
		if err := s.Replay("saga-r", func(e Event) error {
			versions = append(versions, e.Version)
			return nil
		}); err != nil {
			t.Fatalf("replay: %v", err)
		}
		return versions
	}

	first := reduce()
	second := reduce()
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("expected 4 events each replay, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replay diverged at index %d: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	s := testStore(Options{})
	for i := 0; i < 3; i++ {
		if _, err := s.Append("saga-e", "Tick", nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	boom := errors.New("boom")
	calls := 0
	err := s.Replay("saga-e", func(e Event) error {
		calls++
		if e.Version == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped handler error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected replay to stop after 2 calls, got %d", calls)
	}
}

func TestCleanupOld_BothIndicesConsistent(t *testing.T) {
	s := testStore(Options{})
	if _, err := s.Append("old-agg", "Tick", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Backdate the first aggregate's events.
	s.mu.Lock()
	for i := range s.log {
		s.log[i].Timestamp = time.Now().Add(-48 * time.Hour)
	}
	for _, events := range s.byAggregate {
		for i := range events {
			events[i].Timestamp = time.Now().Add(-48 * time.Hour)
		}
	}
	s.mu.Unlock()

	if _, err := s.Append("new-agg", "Tick", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed := s.CleanupOld(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if got := s.AllEvents(nil); len(got) != 1 || got[0].AggregateID != "new-agg" {
		t.Fatalf("global log inconsistent after cleanup: %+v", got)
	}
	if got := s.Events("old-agg", nil); len(got) != 0 {
		t.Fatalf("per-aggregate index inconsistent after cleanup: %+v", got)
	}
	if ids := s.AggregateIDs(); len(ids) != 1 || ids[0] != "new-agg" {
		t.Fatalf("unexpected aggregates after cleanup: %v", ids)
	}
}

func TestCleanupOld_VersionsStayMonotonic(t *testing.T) {
	s := testStore(Options{})
	if _, err := s.Append("agg", "Tick", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.mu.Lock()
	s.log[0].Timestamp = time.Now().Add(-48 * time.Hour)
	s.byAggregate["agg"][0].Timestamp = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	s.CleanupOld(24 * time.Hour)
	if _, err := s.Append("agg", "Tick", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	events := s.Events("agg", nil)
	if len(events) != 1 || events[0].Version != 2 {
		t.Fatalf("expected version 2 after sweep, got %+v", events)
	}
}

func TestAppend_Exhausted(t *testing.T) {
	s := testStore(Options{MaxEvents: 1})
	if _, err := s.Append("agg", "Tick", nil, nil); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := s.Append("agg", "Tick", nil, nil)
	if !errors.Is(err, ErrStoreExhausted) {
		t.Fatalf("expected ErrStoreExhausted, got %v", err)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Write(ctx context.Context, events []Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink down")
	}
	batch := make([]Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSink) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestFlush_DeliversPending(t *testing.T) {
	sink := &fakeSink{}
	s := testStore(Options{Sinks: []Sink{sink}, BatchSize: 10})

	for i := 0; i < 3; i++ {
		if _, err := s.Append("agg", "Tick", nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Flush(context.Background())

	if sink.total() != 3 {
		t.Fatalf("expected 3 flushed events, got %d", sink.total())
	}
	if s.pendingLen() != 0 {
		t.Fatalf("expected empty pending buffer, got %d", s.pendingLen())
	}
}

func TestFlush_FailureRequeuesInOrder(t *testing.T) {
	sink := &fakeSink{fail: true}
	s := testStore(Options{Sinks: []Sink{sink}, BatchSize: 10})

	if _, err := s.Append("agg", "First", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Flush(context.Background())
	if s.pendingLen() != 1 {
		t.Fatalf("failed batch should be requeued, pending=%d", s.pendingLen())
	}

	// A newer event arrives while the sink is down; order must hold.
	if _, err := s.Append("agg", "Second", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	sink.setFail(false)
	s.Flush(context.Background())

	if sink.total() != 2 {
		t.Fatalf("expected 2 flushed events, got %d", sink.total())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.batches[0][0].EventType != "First" || sink.batches[0][1].EventType != "Second" {
		t.Fatalf("requeued batch out of order: %+v", sink.batches)
	}
}

func TestClose_FinalFlush(t *testing.T) {
	sink := &fakeSink{}
	s := testStore(Options{Sinks: []Sink{sink}, FlushInterval: time.Hour, BatchSize: 10})
	s.Start()

	if _, err := s.Append("agg", "Tick", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close(context.Background())

	if sink.total() != 1 {
		t.Fatalf("expected final flush to deliver 1 event, got %d", sink.total())
	}
}
