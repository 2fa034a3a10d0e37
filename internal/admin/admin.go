// Package admin exposes the operational surface over the resilience
// core: health, circuit stats, saga inspection, event queries and the
// administrative reset/cleanup actions. Everything else is pure query.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/compensation"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/eventstore"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/health"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/saga"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/response"
)

// Handler serves the admin endpoints.
type Handler struct {
	monitor     *health.Monitor
	breaker     *circuitbreaker.Breaker
	coordinator *saga.Coordinator
	planner     *compensation.Planner
	events      *eventstore.Store
	requests    *metrics.RequestRecorder
	retention   time.Duration
	logger      *logger.Logger
}

// New creates the admin handler.
func New(
	monitor *health.Monitor,
	breaker *circuitbreaker.Breaker,
	coordinator *saga.Coordinator,
	planner *compensation.Planner,
	events *eventstore.Store,
	requests *metrics.RequestRecorder,
	retention time.Duration,
	log *logger.Logger,
) *Handler {
	return &Handler{
		monitor:     monitor,
		breaker:     breaker,
		coordinator: coordinator,
		planner:     planner,
		events:      events,
		requests:    requests,
		retention:   retention,
		logger:      log,
	}
}

// Register mounts all admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)

	mux.HandleFunc("GET /admin/health", h.observed("admin.health", h.systemHealth))
	mux.HandleFunc("GET /admin/circuits", h.observed("admin.circuits", h.circuits))
	mux.HandleFunc("POST /admin/circuits/{key}/reset", h.observed("admin.circuits.reset", h.resetCircuit))
	mux.HandleFunc("GET /admin/sagas", h.observed("admin.sagas", h.sagas))
	mux.HandleFunc("GET /admin/sagas/{id}", h.observed("admin.saga", h.sagaStatus))
	mux.HandleFunc("GET /admin/sagas/{id}/history", h.observed("admin.saga.history", h.sagaHistory))
	mux.HandleFunc("POST /admin/sagas/{id}/retry", h.observed("admin.saga.retry", h.sagaRetry))
	mux.HandleFunc("GET /admin/plans", h.observed("admin.plans", h.plans))
	mux.HandleFunc("GET /admin/events", h.observed("admin.events", h.eventsQuery))
	mux.HandleFunc("POST /admin/events/cleanup", h.observed("admin.events.cleanup", h.eventsCleanup))
	mux.HandleFunc("GET /admin/requests", h.observed("admin.requests", h.requestStats))
	mux.HandleFunc("DELETE /admin/requests", h.observed("admin.requests.clear", h.requestsClear))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observed wraps a handler with request statistics recording.
func (h *Handler) observed(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if h.requests != nil {
			h.requests.Observe(name, time.Since(start), rec.status >= 400)
		}
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	system := h.monitor.System()
	status := http.StatusOK
	if system.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, system)
}

func (h *Handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.monitor.System())
}

func (h *Handler) circuits(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.breaker.Stats())
}

func (h *Handler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		response.WriteError(w, r, gwerrors.New(gwerrors.CodeInvalidParam, "missing circuit key"))
		return
	}
	h.breaker.Reset(key)
	h.logger.Infof("circuit reset", map[string]interface{}{"service": key})
	response.WriteJSON(w, http.StatusOK, h.breaker.Snapshot(key))
}

func (h *Handler) sagas(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		response.WriteJSON(w, http.StatusOK, h.coordinator.List())
		return
	}
	response.WriteJSON(w, http.StatusOK, h.coordinator.Active())
}

func (h *Handler) sagaStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.coordinator.Status(r.PathValue("id"))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, exec)
}

func (h *Handler) sagaHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.coordinator.History(r.PathValue("id"))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) sagaRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.coordinator.Retry(id); err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"sagaId": id,
		"status": "PROCESSING",
	})
}

func (h *Handler) plans(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.planner.List())
}

func (h *Handler) eventsQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &eventstore.Filter{EventType: q.Get("type")}
	if v := q.Get("fromVersion"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.FromVersion = n
		}
	}
	if v := q.Get("toVersion"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.ToVersion = n
		}
	}

	if aggregateID := q.Get("aggregateId"); aggregateID != "" {
		response.WriteJSON(w, http.StatusOK, h.events.Events(aggregateID, filter))
		return
	}
	response.WriteJSON(w, http.StatusOK, h.events.AllEvents(filter))
}

func (h *Handler) eventsCleanup(w http.ResponseWriter, r *http.Request) {
	retention := h.retention
	if v := r.URL.Query().Get("retention"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			response.WriteError(w, r, gwerrors.Newf(gwerrors.CodeInvalidParam, "invalid retention %q", v))
			return
		}
		retention = d
	}

	removed := h.events.CleanupOld(retention)
	h.logger.Infof("event cleanup triggered", map[string]interface{}{
		"retention": retention.String(),
		"removed":   removed,
	})
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   removed,
		"retention": retention.String(),
	})
}

func (h *Handler) requestStats(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.requests.Snapshot())
}

func (h *Handler) requestsClear(w http.ResponseWriter, r *http.Request) {
	h.requests.Reset()
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
