package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/admin"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/compensation"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/config"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/eventstore"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/health"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/remote"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/saga"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/response"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/tracing"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg := config.Load()
	l := logger.New(cfg.ServiceName, os.Stdout)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		l.Error(fmt.Sprintf("Invalid config: %v", err))
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		l.Error(fmt.Sprintf("Init tracing: %v", err))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewDefault()
	requests := metrics.NewRequestRecorder()

	// Redis: 事件流 sink
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to Redis")

	sinks := []eventstore.Sink{eventstore.NewRedisSink(redisClient, cfg.EventStream)}

	// 可选的 Postgres 事件归档
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to open Postgres: %v", err))
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(pingCtx); err != nil {
			l.Error(fmt.Sprintf("Failed to connect to Postgres: %v", err))
			os.Exit(1)
		}
		sinks = append(sinks, eventstore.NewPostgresSink(db))
		l.Info("Connected to Postgres (event archive)")
	}

	events := eventstore.New(eventstore.Options{
		FlushInterval: cfg.FlushInterval,
		BatchSize:     cfg.FlushBatchSize,
		Sinks:         sinks,
	}, l, m)
	events.Start()

	breaker := circuitbreaker.New(cfg.CircuitBreakers, l, m)
	coordinator := saga.NewCoordinator(events, breaker, l, m, saga.Options{
		StepTimeout: cfg.SagaStepTimeout,
		SagaTimeout: cfg.SagaTimeout,
	})

	client := remote.NewClient(cfg.ServiceURLs(), cfg.RemoteTimeout)
	planner := compensation.NewPlanner(client, events, l, compensation.Options{
		BackoffBase: cfg.CompRetryBase,
		BackoffCap:  cfg.CompRetryCap,
	})

	monitor := health.NewMonitor(breaker, l, cfg.HealthInterval)
	for key := range cfg.ServiceURLs() {
		monitor.Register(key, client.Probe(key))
	}
	go monitor.Run(ctx)

	// 定时任务：事件保留清理 + 已完成计划/saga 回收
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.CleanupSchedule, func() {
		removed := events.CleanupOld(cfg.EventRetention)
		plans := planner.SweepTerminal(cfg.CompPlanTTL)
		sagas := coordinator.SweepTerminal(cfg.SagaRegistryTTL)
		l.Infof("retention sweep", map[string]interface{}{
			"eventsRemoved": removed,
			"plansRemoved":  plans,
			"sagasRemoved":  sagas,
		})
	})
	if err != nil {
		l.Error(fmt.Sprintf("Invalid CLEANUP_SCHEDULE: %v", err))
		os.Exit(1)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	admin.New(monitor, breaker, coordinator, planner, events, requests, cfg.EventRetention, l).Register(mux)
	mux.Handle("GET /metrics", m.Handler())
	registerSagaTrigger(mux, coordinator, client, l)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		l.Info(fmt.Sprintf("Received signal %s, shutting down...", s))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	_ = server.Shutdown(shutdownCtx)
	coordinator.Wait()
	events.Close(shutdownCtx)
	l.Info("Shutdown complete")
}

// registerSagaTrigger mounts the patient registration saga: create
// the user record, enqueue the initial queue ticket, then notify the
// institution. Each forward step carries its undo.
func registerSagaTrigger(mux *http.ServeMux, coordinator *saga.Coordinator, client *remote.Client, l *logger.Logger) {
	mux.HandleFunc("POST /sagas/patient-registration", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			NIK           string `json:"nik"`
			Name          string `json:"name"`
			InstitutionID string `json:"institutionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.WriteErrorCode(w, r, gwerrors.CodeInvalidParam, "invalid JSON body")
			return
		}

		steps := []*saga.Step{
			{
				Name:         "create-user",
				ServiceKey:   config.ServiceUser,
				Action:       client.Action(config.ServiceUser, http.MethodPost, "/users", body),
				Compensation: client.Compensation(config.ServiceUser, http.MethodDelete, "/users/"+body.NIK, nil),
			},
			{
				Name:         "enqueue-patient",
				ServiceKey:   config.ServiceQueue,
				Action:       client.Action(config.ServiceQueue, http.MethodPost, "/queues", body),
				Compensation: client.Compensation(config.ServiceQueue, http.MethodDelete, "/queues/"+body.NIK, nil),
			},
			{
				Name:       "notify-institution",
				ServiceKey: config.ServiceInstitution,
				Action:     client.Action(config.ServiceInstitution, http.MethodPost, "/notifications", body),
			},
		}

		sagaID, err := coordinator.Start("patient-registration", steps, map[string]interface{}{
			"nik":           body.NIK,
			"institutionId": body.InstitutionID,
		})
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}

		l.Infof("saga started", map[string]interface{}{"sagaID": sagaID, "name": "patient-registration"})
		response.WriteJSON(w, http.StatusAccepted, map[string]string{
			"sagaId": sagaID,
			"status": "PROCESSING",
		})
	})
}
