// Package circuitbreaker guards calls to backend services with a
// per-service-key CLOSED/OPEN/HALF_OPEN state machine.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds per-service-key thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration // open -> half-open cooldown
}

// Stats is a point-in-time snapshot of one circuit.
type Stats struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
	NextAttempt     time.Time `json:"nextAttempt,omitzero"`
}

// OpenError is the fast-fail rejection returned while a circuit is open.
type OpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry at %s)", e.Key, e.RetryAt.Format(time.RFC3339))
}

// Operation is a guarded remote call.
type Operation func(ctx context.Context) (interface{}, error)

type circuit struct {
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttempt     time.Time
}

// Breaker tracks one circuit per configured service key. Keys without
// configuration bypass the breaker entirely; a warning is logged once
// per key so uninstrumented calls stay visible.
type Breaker struct {
	mu       sync.Mutex
	configs  map[string]Config
	circuits map[string]*circuit
	warned   map[string]bool

	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a breaker with per-key configuration.
func New(configs map[string]Config, log *logger.Logger, m *metrics.Metrics) *Breaker {
	if configs == nil {
		configs = make(map[string]Config)
	}
	return &Breaker{
		configs:  configs,
		circuits: make(map[string]*circuit),
		warned:   make(map[string]bool),
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}
}

// Execute runs op under the circuit for key. While the circuit is
// open the call fails fast with *OpenError without invoking op.
func (b *Breaker) Execute(ctx context.Context, key string, op Operation) (interface{}, error) {
	result, err, _ := b.execute(ctx, key, op)
	return result, err
}

// ExecuteWithFallback behaves like Execute, but invokes fallback when
// the circuit rejects the call or when op's failure pushed the
// circuit open. The fallback's result and error surface to the caller.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, key string, op Operation, fallback Operation) (interface{}, error) {
	result, err, opened := b.execute(ctx, key, op)
	if err == nil || fallback == nil {
		return result, err
	}
	if _, rejected := err.(*OpenError); rejected || opened {
		return fallback(ctx)
	}
	return result, err
}

// execute reports, besides op's outcome, whether this very call
// transitioned the circuit to open.
func (b *Breaker) execute(ctx context.Context, key string, op Operation) (interface{}, error, bool) {
	cfg, instrumented := b.config(key)
	if !instrumented {
		result, err := op(ctx)
		return result, err, false
	}

	if err := b.admit(key); err != nil {
		if b.metrics != nil {
			b.metrics.CircuitRejections.WithLabelValues(key).Inc()
		}
		return nil, err, false
	}

	result, err := op(ctx)
	if err != nil {
		opened := b.recordFailure(key, cfg)
		return nil, err, opened
	}
	b.recordSuccess(key, cfg)
	return result, nil, false
}

func (b *Breaker) config(key string) (Config, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.configs[key]
	if !ok && !b.warned[key] {
		b.warned[key] = true
		if b.logger != nil {
			b.logger.Warnf("no circuit config for key, bypassing breaker", map[string]interface{}{
				"service": key,
			})
		}
	}
	return cfg, ok
}

// admit decides whether a call may proceed, performing the
// OPEN -> HALF_OPEN transition atomically with the check.
func (b *Breaker) admit(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	if c.state != StateOpen {
		return nil
	}

	now := b.now()
	if now.Before(c.nextAttempt) {
		return &OpenError{Key: key, RetryAt: c.nextAttempt}
	}

	b.transitionLocked(key, c, StateHalfOpen)
	c.successCount = 0
	return nil
}

// recordFailure reports whether the failure opened the circuit.
func (b *Breaker) recordFailure(key string, cfg Config) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.lastFailureTime = b.now()

	switch c.state {
	case StateHalfOpen:
		b.transitionLocked(key, c, StateOpen)
		c.nextAttempt = b.now().Add(cfg.Timeout)
		return true
	case StateClosed:
		c.failureCount++
		if c.failureCount >= cfg.FailureThreshold {
			b.transitionLocked(key, c, StateOpen)
			c.nextAttempt = b.now().Add(cfg.Timeout)
			return true
		}
	}
	return false
}

func (b *Breaker) recordSuccess(key string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= cfg.SuccessThreshold {
			b.transitionLocked(key, c, StateClosed)
			c.failureCount = 0
			c.successCount = 0
		}
	}
}

// Reset forces the circuit for key back to CLOSED with zeroed counters.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	b.transitionLocked(key, c, StateClosed)
	c.failureCount = 0
	c.successCount = 0
	c.nextAttempt = time.Time{}
}

// Snapshot returns the stats for one key. Unused keys report CLOSED.
func (b *Breaker) Snapshot(key string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return statsOf(b.circuitLocked(key))
}

// Stats returns a snapshot of every live circuit.
func (b *Breaker) Stats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Stats, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = statsOf(c)
	}
	return out
}

// Configured reports whether key has breaker configuration.
func (b *Breaker) Configured(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.configs[key]
	return ok
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) transitionLocked(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to

	if b.logger != nil {
		b.logger.Infof("circuit transition", map[string]interface{}{
			"service": key,
			"from":    string(from),
			"to":      string(to),
		})
	}
	if b.metrics != nil {
		b.metrics.CircuitState.WithLabelValues(key).Set(float64(gaugeValue(to)))
	}
}

func gaugeValue(s State) int {
	switch s {
	case StateOpen:
		return metrics.CircuitOpen
	case StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

func statsOf(c *circuit) Stats {
	return Stats{
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		LastFailureTime: c.lastFailureTime,
		NextAttempt:     c.nextAttempt,
	}
}
