// Package config 网关配置
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	envconfig "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/config"
)

// Backend service keys. Circuit breaker configuration is resolved per key.
const (
	ServiceUser        = "user-service"
	ServiceOCR         = "ocr-service"
	ServiceQueue       = "queue-service"
	ServiceInstitution = "institution-service"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// 后端服务
	UserServiceURL        string
	OCRServiceURL         string
	QueueServiceURL       string
	InstitutionServiceURL string
	RemoteTimeout         time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	EventStream   string

	// Postgres 事件归档（可选）
	PostgresDSN string

	// 事件存储
	EventRetention time.Duration
	FlushInterval  time.Duration
	FlushBatchSize int

	// Saga
	SagaStepTimeout time.Duration
	SagaTimeout     time.Duration
	SagaRegistryTTL time.Duration

	// 补偿
	CompRetryBase time.Duration
	CompRetryCap  time.Duration
	CompPlanTTL   time.Duration

	// 健康检查
	HealthInterval time.Duration

	// 定时清理（cron 表达式）
	CleanupSchedule string

	// 熔断器（按服务 key）
	CircuitBreakers map[string]circuitbreaker.Config

	// 追踪
	TracingEnabled bool
	JaegerEndpoint string
	SampleRate     float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "mediq-api-gateway"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8080),

		UserServiceURL:        envconfig.GetEnv("USER_SERVICE_URL", "http://localhost:8081"),
		OCRServiceURL:         envconfig.GetEnv("OCR_SERVICE_URL", "http://localhost:8082"),
		QueueServiceURL:       envconfig.GetEnv("QUEUE_SERVICE_URL", "http://localhost:8083"),
		InstitutionServiceURL: envconfig.GetEnv("INSTITUTION_SERVICE_URL", "http://localhost:8084"),
		RemoteTimeout:         envconfig.GetEnvDuration("REMOTE_TIMEOUT", 30*time.Second),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		EventStream:   envconfig.GetEnv("EVENT_STREAM", "gateway:events"),

		PostgresDSN: envconfig.GetEnv("POSTGRES_DSN", ""),

		EventRetention: envconfig.GetEnvDuration("EVENT_RETENTION", 7*24*time.Hour),
		FlushInterval:  envconfig.GetEnvDuration("FLUSH_INTERVAL", 5*time.Second),
		FlushBatchSize: envconfig.GetEnvInt("FLUSH_BATCH_SIZE", 100),

		SagaStepTimeout: envconfig.GetEnvDuration("SAGA_STEP_TIMEOUT", 10*time.Second),
		SagaTimeout:     envconfig.GetEnvDuration("SAGA_TIMEOUT", 2*time.Minute),
		SagaRegistryTTL: envconfig.GetEnvDuration("SAGA_REGISTRY_TTL", 24*time.Hour),

		CompRetryBase: envconfig.GetEnvDuration("COMP_RETRY_BASE", 200*time.Millisecond),
		CompRetryCap:  envconfig.GetEnvDuration("COMP_RETRY_CAP", 5*time.Second),
		CompPlanTTL:   envconfig.GetEnvDuration("COMP_PLAN_TTL", 24*time.Hour),

		HealthInterval: envconfig.GetEnvDuration("HEALTH_INTERVAL", 15*time.Second),

		CleanupSchedule: envconfig.GetEnv("CLEANUP_SCHEDULE", "0 * * * *"),

		CircuitBreakers: loadBreakerConfigs(),

		TracingEnabled: envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: envconfig.GetEnv("JAEGER_ENDPOINT", ""),
		SampleRate:     envconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 0.1),
	}
}

// loadBreakerConfigs reads per-service thresholds, e.g.
// CB_USER_SERVICE_FAILURE_THRESHOLD=5. Keys without env overrides get
// the shared defaults.
func loadBreakerConfigs() map[string]circuitbreaker.Config {
	defaults := circuitbreaker.Config{
		FailureThreshold: envconfig.GetEnvInt("CB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envconfig.GetEnvInt("CB_SUCCESS_THRESHOLD", 2),
		Timeout:          envconfig.GetEnvDuration("CB_TIMEOUT", 30*time.Second),
	}

	out := make(map[string]circuitbreaker.Config)
	for _, key := range []string{ServiceUser, ServiceOCR, ServiceQueue, ServiceInstitution} {
		prefix := "CB_" + strings.ReplaceAll(strings.ToUpper(key), "-", "_")
		out[key] = circuitbreaker.Config{
			FailureThreshold: envconfig.GetEnvInt(prefix+"_FAILURE_THRESHOLD", defaults.FailureThreshold),
			SuccessThreshold: envconfig.GetEnvInt(prefix+"_SUCCESS_THRESHOLD", defaults.SuccessThreshold),
			Timeout:          envconfig.GetEnvDuration(prefix+"_TIMEOUT", defaults.Timeout),
		}
	}
	return out
}

// ServiceURLs maps service keys to their base URLs.
func (c *Config) ServiceURLs() map[string]string {
	return map[string]string{
		ServiceUser:        c.UserServiceURL,
		ServiceOCR:         c.OCRServiceURL,
		ServiceQueue:       c.QueueServiceURL,
		ServiceInstitution: c.InstitutionServiceURL,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	for key, url := range c.ServiceURLs() {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("missing URL for %s", key)
		}
	}
	if c.FlushBatchSize <= 0 {
		return fmt.Errorf("FLUSH_BATCH_SIZE must be positive")
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be positive")
	}
	for key, cb := range c.CircuitBreakers {
		if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 || cb.Timeout <= 0 {
			return fmt.Errorf("invalid circuit breaker config for %s", key)
		}
	}
	return nil
}
