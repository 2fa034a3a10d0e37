// Package saga coordinates multi-step distributed transactions with
// reverse-order compensation, persisting every transition to the
// event store.
package saga

import (
	"context"
	"time"
)

// Status saga 生命周期状态
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether s allows no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// Event types appended to the saga's aggregate stream.
const (
	EventSagaStarted        = "SagaStarted"
	EventSagaRetried        = "SagaRetried"
	EventStepStarted        = "StepStarted"
	EventStepCompleted      = "StepCompleted"
	EventStepFailed         = "StepFailed"
	EventStepCompensated    = "StepCompensated"
	EventCompensationFailed = "CompensationFailed"
	EventSagaCompleted      = "SagaCompleted"
	EventSagaCompensated    = "SagaCompensated"
	EventSagaFailed         = "SagaFailed"
)

// Action is a forward remote operation.
type Action func(ctx context.Context) (interface{}, error)

// Compensation undoes a previously executed Action.
type Compensation func(ctx context.Context) error

// Step is one unit of work inside a saga.
type Step struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ServiceKey   string        `json:"serviceKey,omitempty"` // circuit breaker key, optional
	Timeout      time.Duration `json:"timeout,omitempty"`    // overrides the coordinator default
	Action       Action        `json:"-"`
	Compensation Compensation  `json:"-"`

	Executed    bool        `json:"executed"`
	Compensated bool        `json:"compensated"`
	Result      interface{} `json:"result,omitempty"`
	Err         string      `json:"error,omitempty"`
}

// Execution is the coordinator-owned record of one saga instance.
type Execution struct {
	SagaID    string                 `json:"sagaId"`
	Name      string                 `json:"name"`
	Steps     []*Step                `json:"steps"`
	Status    Status                 `json:"status"`
	StartTime time.Time              `json:"startTime"`
	EndTime   time.Time              `json:"endTime,omitzero"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// snapshot deep-copies the execution for external callers. Actions
// are not copied; the copy is a read model.
func (e *Execution) snapshot() Execution {
	out := *e
	out.Steps = make([]*Step, len(e.Steps))
	for i, s := range e.Steps {
		cp := *s
		cp.Action = nil
		cp.Compensation = nil
		out.Steps[i] = &cp
	}
	return out
}
