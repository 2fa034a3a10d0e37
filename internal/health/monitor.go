// Package health polls backend services through the circuit breaker
// and aggregates a system-wide status.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/circuitbreaker"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/logger"
)

// Status 服务健康状态
type Status string

const (
	StatusUp       Status = "UP"
	StatusDown     Status = "DOWN"
	StatusDegraded Status = "DEGRADED"
	StatusUnknown  Status = "UNKNOWN"
)

// Probe checks one remote service; nil error means healthy.
type Probe func(ctx context.Context) error

// ServiceHealth is the last known state of one registered service.
type ServiceHealth struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	LastCheck    time.Time     `json:"lastCheck,omitzero"`
	ResponseTime time.Duration `json:"responseTime"`
	Err          string        `json:"error,omitempty"`
}

// SystemHealth aggregates every registered service.
type SystemHealth struct {
	Status   Status                   `json:"status"`
	Services map[string]ServiceHealth `json:"services"`
}

// Monitor polls registered probes on a fixed interval. Probes run
// through the circuit breaker under the service name as key, so a
// flapping backend is probed fail-fast like any other call.
type Monitor struct {
	mu     sync.Mutex
	probes map[string]Probe
	state  map[string]ServiceHealth

	breaker  *circuitbreaker.Breaker
	logger   *logger.Logger
	interval time.Duration
}

// NewMonitor creates a monitor. breaker may be nil for unguarded probes.
func NewMonitor(breaker *circuitbreaker.Breaker, log *logger.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probes:   make(map[string]Probe),
		state:    make(map[string]ServiceHealth),
		breaker:  breaker,
		logger:   log,
		interval: interval,
	}
}

// Register adds a service probe. State starts UNKNOWN until the first check.
func (m *Monitor) Register(name string, probe Probe) {
	if name == "" || probe == nil {
		return
	}
	m.mu.Lock()
	m.probes[name] = probe
	m.state[name] = ServiceHealth{Name: name, Status: StatusUnknown}
	m.mu.Unlock()
}

// Check probes one service now and records the outcome.
func (m *Monitor) Check(ctx context.Context, name string) ServiceHealth {
	m.mu.Lock()
	probe, ok := m.probes[name]
	m.mu.Unlock()
	if !ok {
		return ServiceHealth{Name: name, Status: StatusUnknown, Err: gwerrors.ErrNotFound.Error()}
	}

	start := time.Now()
	err := m.runProbe(ctx, name, probe)
	result := ServiceHealth{
		Name:         name,
		LastCheck:    time.Now(),
		ResponseTime: time.Since(start),
	}
	if err != nil {
		result.Status = StatusDown
		result.Err = err.Error()
	} else {
		result.Status = StatusUp
	}

	m.mu.Lock()
	previous := m.state[name].Status
	m.state[name] = result
	m.mu.Unlock()

	if previous != result.Status {
		m.logger.Infof("service health changed", map[string]interface{}{
			"service": name,
			"from":    string(previous),
			"to":      string(result.Status),
			"error":   result.Err,
		})
	}
	return result
}

func (m *Monitor) runProbe(ctx context.Context, name string, probe Probe) error {
	if m.breaker == nil {
		return probe(ctx)
	}
	_, err := m.breaker.Execute(ctx, name, func(ctx context.Context) (interface{}, error) {
		return nil, probe(ctx)
	})
	return err
}

// CheckAll probes every registered service.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Check(ctx, name)
	}
}

// System aggregates last-known service states:
// all UP => UP; at least one UP with any non-UP => DEGRADED;
// all DOWN => DOWN; anything else (including no services) => UNKNOWN.
func (m *Monitor) System() SystemHealth {
	m.mu.Lock()
	services := make(map[string]ServiceHealth, len(m.state))
	for name, h := range m.state {
		services[name] = h
	}
	m.mu.Unlock()

	up, down := 0, 0
	for _, h := range services {
		switch h.Status {
		case StatusUp:
			up++
		case StatusDown:
			down++
		}
	}

	status := StatusUnknown
	total := len(services)
	switch {
	case total == 0:
		status = StatusUnknown
	case up == total:
		status = StatusUp
	case up > 0:
		status = StatusDegraded
	case down == total:
		status = StatusDown
	}

	return SystemHealth{Status: status, Services: services}
}

// Run polls all services on the monitor interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// WaitForHealthy polls the named service until it reports UP or
// timeout expires. Startup sequencing helper.
func (m *Monitor) WaitForHealthy(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if h := m.Check(ctx, name); h.Status == StatusUp {
			return nil
		}
		if time.Now().After(deadline) {
			return gwerrors.Newf(gwerrors.CodeTimeout, "service %s not healthy after %s", name, timeout)
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
