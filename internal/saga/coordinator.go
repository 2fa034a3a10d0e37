package saga

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/eventstore"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/metrics"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/tracing"
)

// Options configure coordinator-wide defaults.
type Options struct {
	StepTimeout time.Duration // default per-step timeout
	SagaTimeout time.Duration // whole-saga deadline
}

// Coordinator runs sagas. Start returns immediately; progress is
// observable through Status, History and the event store. Each saga
// instance runs its steps strictly in sequence on its own goroutine.
type Coordinator struct {
	mu    sync.Mutex
	sagas map[string]*Execution

	events  *eventstore.Store
	breaker *circuitbreaker.Breaker
	logger  *logger.Logger
	metrics *metrics.Metrics
	opts    Options

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. breaker may be nil, in which
// case steps run unguarded regardless of their service key.
func NewCoordinator(events *eventstore.Store, breaker *circuitbreaker.Breaker, log *logger.Logger, m *metrics.Metrics, opts Options) *Coordinator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	if opts.SagaTimeout <= 0 {
		opts.SagaTimeout = 2 * time.Minute
	}
	return &Coordinator{
		sagas:   make(map[string]*Execution),
		events:  events,
		breaker: breaker,
		logger:  log,
		metrics: m,
		opts:    opts,
	}
}

// Start registers the saga and kicks off execution in the background.
// The caller gets the saga id immediately and polls for the outcome.
func (c *Coordinator) Start(name string, steps []*Step, metadata map[string]interface{}) (string, error) {
	if name == "" {
		return "", gwerrors.New(gwerrors.CodeInvalidParam, "saga name required")
	}
	if len(steps) == 0 {
		return "", gwerrors.New(gwerrors.CodeSagaInvalidSteps, "saga requires at least one step")
	}
	for i, s := range steps {
		if s == nil || s.Action == nil {
			return "", gwerrors.Newf(gwerrors.CodeSagaInvalidSteps, "step %d has no action", i)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i)
		}
	}

	exec := &Execution{
		SagaID:    newID(),
		Name:      name,
		Steps:     steps,
		Status:    StatusStarted,
		StartTime: time.Now(),
		Metadata:  metadata,
	}

	c.mu.Lock()
	c.sagas[exec.SagaID] = exec
	c.mu.Unlock()

	c.record(exec.SagaID, EventSagaStarted, map[string]interface{}{
		"name":  name,
		"steps": len(steps),
	}, metadata)

	c.spawn(exec)
	return exec.SagaID, nil
}

// Retry restarts a saga from the first step. Only legal once the
// previous run reached FAILED or COMPENSATED.
func (c *Coordinator) Retry(sagaID string) error {
	c.mu.Lock()
	exec, ok := c.sagas[sagaID]
	if !ok {
		c.mu.Unlock()
		return gwerrors.ErrSagaNotFound
	}
	if exec.Status != StatusFailed && exec.Status != StatusCompensated {
		status := exec.Status
		c.mu.Unlock()
		return gwerrors.Newf(gwerrors.CodeSagaConflict, "saga %s is %s, retry requires FAILED or COMPENSATED", sagaID, status)
	}

	for _, s := range exec.Steps {
		s.Executed = false
		s.Compensated = false
		s.Result = nil
		s.Err = ""
	}
	exec.Status = StatusStarted
	exec.StartTime = time.Now()
	exec.EndTime = time.Time{}
	exec.Error = ""
	c.mu.Unlock()

	c.record(sagaID, EventSagaRetried, nil, exec.Metadata)
	c.spawn(exec)
	return nil
}

// Status returns a read-only snapshot of the execution.
func (c *Coordinator) Status(sagaID string) (Execution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exec, ok := c.sagas[sagaID]
	if !ok {
		return Execution{}, gwerrors.ErrSagaNotFound
	}
	return exec.snapshot(), nil
}

// History returns the saga's event stream, version ascending.
func (c *Coordinator) History(sagaID string) ([]eventstore.Event, error) {
	c.mu.Lock()
	_, ok := c.sagas[sagaID]
	c.mu.Unlock()
	if !ok {
		return nil, gwerrors.ErrSagaNotFound
	}
	return c.events.Events(sagaID, nil), nil
}

// Active lists sagas that have not reached a terminal state.
func (c *Coordinator) Active() []Execution {
	return c.list(false)
}

// List returns every registered saga, terminal ones included.
func (c *Coordinator) List() []Execution {
	return c.list(true)
}

func (c *Coordinator) list(includeTerminal bool) []Execution {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Execution, 0, len(c.sagas))
	for _, exec := range c.sagas {
		if !includeTerminal && exec.Status.Terminal() {
			continue
		}
		out = append(out, exec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// SweepTerminal drops terminal sagas older than maxAge from the
// registry. Their event streams remain until event retention prunes them.
func (c *Coordinator) SweepTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, exec := range c.sagas {
		if exec.Status.Terminal() && !exec.EndTime.IsZero() && exec.EndTime.Before(cutoff) {
			delete(c.sagas, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until every in-flight saga goroutine finishes. Shutdown helper.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) spawn(exec *Execution) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("saga panic: %v", r)
				c.logger.WithError(err).WithField("sagaID", exec.SagaID).Error("saga execution panicked")
				c.finish(exec, StatusFailed, EventSagaFailed, err.Error())
			}
		}()

		// Detached from the starter: the HTTP request that triggered
		// the saga may be long gone before the saga finishes.
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SagaTimeout)
		defer cancel()
		ctx = logger.ContextWithSagaID(ctx, exec.SagaID)

		c.run(ctx, exec)
	}()
}

func (c *Coordinator) run(ctx context.Context, exec *Execution) {
	ctx, span := tracing.StartSpan(ctx, "saga "+exec.Name)
	defer span.End()

	c.setStatus(exec, StatusRunning)

	for i, step := range exec.Steps {
		c.record(exec.SagaID, EventStepStarted, map[string]interface{}{
			"stepId": step.ID,
			"step":   step.Name,
			"index":  i,
		}, nil)

		result, err := c.invoke(ctx, step)
		if err == nil {
			c.mu.Lock()
			step.Executed = true
			step.Result = result
			c.mu.Unlock()

			c.record(exec.SagaID, EventStepCompleted, map[string]interface{}{
				"stepId": step.ID,
				"step":   step.Name,
				"result": result,
			}, nil)
			continue
		}

		c.mu.Lock()
		step.Err = err.Error()
		exec.Error = err.Error()
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.StepFailures.WithLabelValues(step.Name).Inc()
		}
		tracing.SetError(ctx, err)
		c.record(exec.SagaID, EventStepFailed, map[string]interface{}{
			"stepId": step.ID,
			"step":   step.Name,
			"error":  err.Error(),
		}, nil)

		// Saga deadline exceeded counts as saga failure, a plain step
		// error as compensated rollback. Both paths undo executed steps.
		terminal, event := StatusCompensated, EventSagaCompensated
		if ctx.Err() != nil {
			terminal, event = StatusFailed, EventSagaFailed
		}

		c.compensate(exec, i)
		c.finish(exec, terminal, event, err.Error())
		return
	}

	c.finish(exec, StatusCompleted, EventSagaCompleted, "")
}

// invoke races the step action against its timeout. A late result
// from a timed-out action lands in the buffered channel and is
// discarded without touching saga state.
func (c *Coordinator) invoke(ctx context.Context, step *Step) (interface{}, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.opts.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx, span := tracing.StartSpan(stepCtx, "step "+step.Name)
	defer span.End()

	action := step.Action
	if c.breaker != nil && step.ServiceKey != "" {
		key := step.ServiceKey
		inner := action
		action = func(ctx context.Context) (interface{}, error) {
			return c.breaker.Execute(ctx, key, circuitbreaker.Operation(inner))
		}
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := action(stepCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-stepCtx.Done():
		return nil, gwerrors.Newf(gwerrors.CodeTimeout, "step %s timed out after %s", step.Name, timeout)
	}
}

// compensate undoes executed steps before index failed, in reverse
// order. A failing compensation is recorded and skipped; it never
// halts the remaining rollback.
func (c *Coordinator) compensate(exec *Execution, failed int) {
	c.setStatus(exec, StatusCompensating)

	for i := failed - 1; i >= 0; i-- {
		step := exec.Steps[i]
		if !step.Executed || step.Compensation == nil {
			continue
		}

		// Fresh context per compensation: the saga deadline may already
		// be gone, and rollback must still get its chance to run.
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = c.opts.StepTimeout
		}
		compCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := step.Compensation(compCtx)
		cancel()

		if err != nil {
			c.logger.WithError(err).Errorf("compensation failed", map[string]interface{}{
				"sagaID": exec.SagaID,
				"step":   step.Name,
			})
			c.record(exec.SagaID, EventCompensationFailed, map[string]interface{}{
				"stepId": step.ID,
				"step":   step.Name,
				"error":  err.Error(),
			}, nil)
			continue
		}

		c.mu.Lock()
		step.Compensated = true
		c.mu.Unlock()

		c.record(exec.SagaID, EventStepCompensated, map[string]interface{}{
			"stepId": step.ID,
			"step":   step.Name,
		}, nil)
	}
}

func (c *Coordinator) setStatus(exec *Execution, status Status) {
	c.mu.Lock()
	exec.Status = status
	c.mu.Unlock()
}

func (c *Coordinator) finish(exec *Execution, status Status, event string, errMsg string) {
	c.mu.Lock()
	if exec.Status.Terminal() {
		// A panic after finish must not overwrite the recorded outcome.
		c.mu.Unlock()
		return
	}
	exec.Status = status
	exec.EndTime = time.Now()
	duration := exec.EndTime.Sub(exec.StartTime)
	c.mu.Unlock()

	data := map[string]interface{}{
		"durationMs": duration.Milliseconds(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	c.record(exec.SagaID, event, data, nil)

	if c.metrics != nil {
		c.metrics.SagaOutcomes.WithLabelValues(exec.Name, string(status)).Inc()
		c.metrics.SagaDuration.Observe(duration.Seconds())
	}
	c.logger.Infof("saga finished", map[string]interface{}{
		"sagaID":   exec.SagaID,
		"name":     exec.Name,
		"status":   string(status),
		"duration": duration.String(),
	})
}

// record appends to the event store fire-and-forget: the audit trail
// must never fail or block the saga itself.
func (c *Coordinator) record(sagaID, eventType string, data, metadata map[string]interface{}) {
	if c.events == nil {
		return
	}
	if _, err := c.events.Append(sagaID, eventType, data, metadata); err != nil {
		c.logger.WithError(err).Errorf("event append failed", map[string]interface{}{
			"sagaID":    sagaID,
			"eventType": eventType,
		})
	}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
