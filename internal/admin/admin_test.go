package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/compensation"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/eventstore"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/health"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/saga"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

type nopInvoker struct{}

func (nopInvoker) Invoke(ctx context.Context, service, method string, params map[string]interface{}) error {
	return nil
}

type fixture struct {
	server      *httptest.Server
	breaker     *circuitbreaker.Breaker
	coordinator *saga.Coordinator
	planner     *compensation.Planner
	events      *eventstore.Store
	monitor     *health.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("test", io.Discard)
	events := eventstore.New(eventstore.Options{}, log, nil)
	breaker := circuitbreaker.New(map[string]circuitbreaker.Config{
		"user-service": {FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	}, log, nil)
	coordinator := saga.NewCoordinator(events, breaker, log, nil, saga.Options{})
	planner := compensation.NewPlanner(nopInvoker{}, events, log, compensation.Options{})
	monitor := health.NewMonitor(breaker, log, time.Minute)
	requests := metrics.NewRequestRecorder()

	mux := http.NewServeMux()
	New(monitor, breaker, coordinator, planner, events, requests, 24*time.Hour, log).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{
		server:      server,
		breaker:     breaker,
		coordinator: coordinator,
		planner:     planner,
		events:      events,
		monitor:     monitor,
	}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	return f.do(t, http.MethodGet, path, out)
}

func (f *fixture) do(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func startSaga(t *testing.T, f *fixture, fail bool) string {
	t.Helper()
	action := func(ctx context.Context) (interface{}, error) { return "ok", nil }
	if fail {
		action = func(ctx context.Context) (interface{}, error) { return nil, errors.New("backend down") }
	}
	id, err := f.coordinator.Start("test-saga", []*saga.Step{{Name: "only", Action: action}}, nil)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := f.coordinator.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if exec.Status.Terminal() {
			f.coordinator.Wait()
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("saga never finished")
	return ""
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := f.get(t, "/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if body["status"] != "up" {
		t.Fatalf("body: %+v", body)
	}
}

func TestReadyz_DownWhenAllServicesDown(t *testing.T) {
	f := newFixture(t)
	f.monitor.Register("user-service", func(ctx context.Context) error {
		return errors.New("refused")
	})
	f.monitor.CheckAll(context.Background())

	var body health.SystemHealth
	if code := f.get(t, "/readyz", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", code)
	}
	if body.Status != health.StatusDown {
		t.Fatalf("system: %+v", body)
	}
}

func TestCircuits_StatsAndReset(t *testing.T) {
	f := newFixture(t)
	f.breaker.Execute(context.Background(), "user-service", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("down")
	})

	var stats map[string]circuitbreaker.Stats
	if code := f.get(t, "/admin/circuits", &stats); code != http.StatusOK {
		t.Fatalf("circuits: %d", code)
	}
	if stats["user-service"].State != circuitbreaker.StateOpen {
		t.Fatalf("stats: %+v", stats)
	}

	var snap circuitbreaker.Stats
	if code := f.do(t, http.MethodPost, "/admin/circuits/user-service/reset", &snap); code != http.StatusOK {
		t.Fatalf("reset: %d", code)
	}
	if snap.State != circuitbreaker.StateClosed {
		t.Fatalf("after reset: %+v", snap)
	}
}

func TestSagas_ListStatusHistory(t *testing.T) {
	f := newFixture(t)
	id := startSaga(t, f, false)

	var all []saga.Execution
	if code := f.get(t, "/admin/sagas?all=true", &all); code != http.StatusOK {
		t.Fatalf("sagas: %d", code)
	}
	if len(all) != 1 || all[0].SagaID != id {
		t.Fatalf("list: %+v", all)
	}

	// Terminal sagas are excluded from the active view.
	var active []saga.Execution
	f.get(t, "/admin/sagas", &active)
	if len(active) != 0 {
		t.Fatalf("active: %+v", active)
	}

	var exec saga.Execution
	if code := f.get(t, "/admin/sagas/"+id, &exec); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if exec.Status != saga.StatusCompleted {
		t.Fatalf("exec: %+v", exec)
	}

	var events []eventstore.Event
	if code := f.get(t, "/admin/sagas/"+id+"/history", &events); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if len(events) == 0 || events[0].EventType != saga.EventSagaStarted {
		t.Fatalf("history: %+v", events)
	}

	if code := f.get(t, "/admin/sagas/missing", nil); code != http.StatusNotFound {
		t.Fatalf("missing saga: %d", code)
	}
}

func TestSagaRetry(t *testing.T) {
	f := newFixture(t)
	id := startSaga(t, f, true)

	var body map[string]string
	if code := f.do(t, http.MethodPost, "/admin/sagas/"+id+"/retry", &body); code != http.StatusAccepted {
		t.Fatalf("retry: %d", code)
	}
	if body["sagaId"] != id || body["status"] != "PROCESSING" {
		t.Fatalf("retry body: %+v", body)
	}

	if code := f.do(t, http.MethodPost, "/admin/sagas/missing/retry", nil); code != http.StatusNotFound {
		t.Fatalf("retry missing: %d", code)
	}
}

func TestPlans(t *testing.T) {
	f := newFixture(t)
	plan := f.planner.CreatePlan("txn-1")

	var plans []compensation.Plan
	if code := f.get(t, "/admin/plans", &plans); code != http.StatusOK {
		t.Fatalf("plans: %d", code)
	}
	if len(plans) != 1 || plans[0].ID != plan.ID {
		t.Fatalf("plans: %+v", plans)
	}
}

func TestEvents_QueryAndCleanup(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := f.events.Append("agg-1", "Tick", nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := f.events.Append("agg-2", "Tock", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var events []eventstore.Event
	if code := f.get(t, "/admin/events?aggregateId=agg-1&fromVersion=2", &events); code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	if len(events) != 2 {
		t.Fatalf("filtered events: %+v", events)
	}

	f.get(t, "/admin/events?type=Tock", &events)
	if len(events) != 1 || events[0].AggregateID != "agg-2" {
		t.Fatalf("type filter: %+v", events)
	}

	var cleanup map[string]interface{}
	if code := f.do(t, http.MethodPost, "/admin/events/cleanup?retention=0s", &cleanup); code != http.StatusOK {
		t.Fatalf("cleanup: %d", code)
	}
	if cleanup["removed"] != float64(4) {
		t.Fatalf("cleanup: %+v", cleanup)
	}

	if code := f.do(t, http.MethodPost, "/admin/events/cleanup?retention=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("bad retention: %d", code)
	}
}

func TestRequests_StatsAndClear(t *testing.T) {
	f := newFixture(t)
	// Any observed admin call lands in the request stats.
	f.get(t, "/admin/circuits", nil)

	var stats map[string]metrics.RequestStat
	if code := f.get(t, "/admin/requests", &stats); code != http.StatusOK {
		t.Fatalf("requests: %d", code)
	}
	if stats["admin.circuits"].Count != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	if code := f.do(t, http.MethodDelete, "/admin/requests", nil); code != http.StatusOK {
		t.Fatalf("clear: %d", code)
	}
	stats = nil
	f.get(t, "/admin/requests", &stats)
	// Snapshot taken before this request was recorded.
	if _, ok := stats["admin.circuits"]; ok {
		t.Fatalf("stats after clear: %+v", stats)
	}
}
