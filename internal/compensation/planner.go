// Package compensation builds and executes explicit undo plans for
// transactions whose rollback actions are known upfront, outside the
// full saga machinery.
package compensation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/eventstore"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

// PlanStatus 补偿计划状态
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanExecuting PlanStatus = "EXECUTING"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanPartial   PlanStatus = "PARTIAL"
	PlanFailed    PlanStatus = "FAILED"
)

// Terminal reports whether the plan can change no further.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanPartial || s == PlanFailed
}

// Plan event types.
const (
	EventPlanCreated       = "CompensationPlanCreated"
	EventActionCompensated = "CompensationActionCompleted"
	EventActionFailed      = "CompensationActionFailed"
	EventPlanExecuted      = "CompensationPlanExecuted"
)

// Action is one undo operation. Actions are added in forward order;
// the executor reverses them.
type Action struct {
	ID          string                 `json:"actionId"`
	ServiceName string                 `json:"serviceName"`
	Method      string                 `json:"method"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Timeout     time.Duration          `json:"timeout"`
	Retries     int                    `json:"retries"`
}

// ActionResult records one action's final outcome.
type ActionResult struct {
	ActionID   string    `json:"actionId"`
	Success    bool      `json:"success"`
	Err        string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Plan is an ordered list of undo actions for one transaction.
type Plan struct {
	ID            string         `json:"planId"`
	TransactionID string         `json:"transactionId"`
	Actions       []Action       `json:"actions"`
	Status        PlanStatus     `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	FinishedAt    time.Time      `json:"finishedAt,omitzero"`
	Results       []ActionResult `json:"results,omitempty"`
}

// Invoker dispatches an undo action to the owning service.
type Invoker interface {
	Invoke(ctx context.Context, service, method string, params map[string]interface{}) error
}

// Options tune retry behavior and defaults.
type Options struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DefaultTimeout time.Duration
	DefaultRetries int
}

// Planner owns compensation plans. Plans are built incrementally,
// executed once, and garbage-collected after a configurable age.
type Planner struct {
	mu    sync.Mutex
	plans map[string]*Plan

	invoker Invoker
	events  *eventstore.Store
	logger  *logger.Logger
	opts    Options

	sleep func(context.Context, time.Duration) // test seam
}

// NewPlanner creates a planner. events may be nil to skip auditing.
func NewPlanner(invoker Invoker, events *eventstore.Store, log *logger.Logger, opts Options) *Planner {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.DefaultRetries <= 0 {
		opts.DefaultRetries = 3
	}
	return &Planner{
		plans:   make(map[string]*Plan),
		invoker: invoker,
		events:  events,
		logger:  log,
		opts:    opts,
		sleep:   sleepCtx,
	}
}

// CreatePlan registers an empty PENDING plan for transactionID.
func (p *Planner) CreatePlan(transactionID string) Plan {
	plan := &Plan{
		ID:            newID(),
		TransactionID: transactionID,
		Status:        PlanPending,
		CreatedAt:     time.Now(),
	}

	p.mu.Lock()
	p.plans[plan.ID] = plan
	p.mu.Unlock()

	p.record(plan.ID, EventPlanCreated, map[string]interface{}{
		"transactionId": transactionID,
	})
	return *plan
}

// AddAction appends an undo action in forward order. Only legal while
// the plan is PENDING.
func (p *Planner) AddAction(planID, serviceName, method string, params map[string]interface{}, timeout time.Duration, retries int) error {
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	if retries <= 0 {
		retries = p.opts.DefaultRetries
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return gwerrors.ErrPlanNotFound
	}
	if plan.Status != PlanPending {
		return gwerrors.Newf(gwerrors.CodePlanSealed, "plan %s is %s, actions can only be added while PENDING", planID, plan.Status)
	}

	plan.Actions = append(plan.Actions, Action{
		ID:          newID(),
		ServiceName: serviceName,
		Method:      method,
		Parameters:  params,
		Timeout:     timeout,
		Retries:     retries,
	})
	return nil
}

// Get returns a copy of the plan.
func (p *Planner) Get(planID string) (Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return Plan{}, gwerrors.ErrPlanNotFound
	}
	return copyPlan(plan), nil
}

// List returns copies of all plans.
func (p *Planner) List() []Plan {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Plan, 0, len(p.plans))
	for _, plan := range p.plans {
		out = append(out, copyPlan(plan))
	}
	return out
}

// Execute runs the plan's actions in reverse creation order, each
// with per-action retry, exponential backoff with jitter, and a
// timeout race. The final status is COMPLETED when every action
// succeeded, PARTIAL when some did, FAILED when none did.
func (p *Planner) Execute(ctx context.Context, planID string) (Plan, error) {
	p.mu.Lock()
	plan, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return Plan{}, gwerrors.ErrPlanNotFound
	}
	if plan.Status != PlanPending {
		status := plan.Status
		p.mu.Unlock()
		return Plan{}, gwerrors.Newf(gwerrors.CodePlanSealed, "plan %s already %s", planID, status)
	}
	plan.Status = PlanExecuting
	actions := make([]Action, len(plan.Actions))
	copy(actions, plan.Actions)
	p.mu.Unlock()

	succeeded := 0
	results := make([]ActionResult, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		result := p.executeAction(ctx, actions[i])
		results = append(results, result)
		if result.Success {
			succeeded++
			p.record(planID, EventActionCompensated, map[string]interface{}{
				"actionId": result.ActionID,
				"service":  actions[i].ServiceName,
				"method":   actions[i].Method,
				"attempts": result.Attempts,
			})
			continue
		}
		p.record(planID, EventActionFailed, map[string]interface{}{
			"actionId": result.ActionID,
			"service":  actions[i].ServiceName,
			"method":   actions[i].Method,
			"error":    result.Err,
		})
	}

	status := PlanFailed
	switch {
	case succeeded == len(actions):
		status = PlanCompleted
	case succeeded > 0:
		status = PlanPartial
	}

	p.mu.Lock()
	plan.Status = status
	plan.Results = results
	plan.FinishedAt = time.Now()
	out := copyPlan(plan)
	p.mu.Unlock()

	p.record(planID, EventPlanExecuted, map[string]interface{}{
		"status":    string(status),
		"succeeded": succeeded,
		"total":     len(actions),
	})
	return out, nil
}

func (p *Planner) executeAction(ctx context.Context, action Action) ActionResult {
	result := ActionResult{ActionID: action.ID}

	var lastErr error
	for attempt := 1; attempt <= action.Retries; attempt++ {
		result.Attempts = attempt

		actionCtx, cancel := context.WithTimeout(ctx, action.Timeout)
		err := p.invokeWithTimeout(actionCtx, action)
		cancel()

		if err == nil {
			result.Success = true
			result.ExecutedAt = time.Now()
			return result
		}
		lastErr = err

		p.logger.WithError(err).Warnf("compensation action attempt failed", map[string]interface{}{
			"actionId": action.ID,
			"service":  action.ServiceName,
			"method":   action.Method,
			"attempt":  attempt,
		})

		if attempt < action.Retries {
			p.sleep(ctx, backoff(p.opts.BackoffBase, p.opts.BackoffCap, attempt))
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Err = lastErr.Error()
	result.ExecutedAt = time.Now()
	return result
}

// invokeWithTimeout races the invoker against the action timeout. A
// late completion is drained through the buffered channel.
func (p *Planner) invokeWithTimeout(ctx context.Context, action Action) error {
	done := make(chan error, 1)
	go func() {
		done <- p.invoker.Invoke(ctx, action.ServiceName, action.Method, action.Parameters)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return gwerrors.Newf(gwerrors.CodeTimeout, "compensation %s.%s timed out", action.ServiceName, action.Method)
	}
}

// SweepTerminal removes terminal plans older than maxAge.
func (p *Planner) SweepTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, plan := range p.plans {
		if plan.Status.Terminal() && !plan.FinishedAt.IsZero() && plan.FinishedAt.Before(cutoff) {
			delete(p.plans, id)
			removed++
		}
	}
	return removed
}

// backoff computes min(base*2^(attempt-1), cap) plus up to 10% jitter.
func backoff(base, capDur time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > capDur {
		d = capDur
	}
	jitter := time.Duration(mrand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

func copyPlan(plan *Plan) Plan {
	out := *plan
	out.Actions = append([]Action(nil), plan.Actions...)
	out.Results = append([]ActionResult(nil), plan.Results...)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (p *Planner) record(planID, eventType string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	if _, err := p.events.Append(planID, eventType, data, nil); err != nil {
		p.logger.WithError(err).Errorf("event append failed", map[string]interface{}{
			"planId":    planID,
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
