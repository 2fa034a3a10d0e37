// Package remote calls the MediQ backend services (user, OCR, queue,
// institution) over JSON/HTTP. Saga step actions, compensations and
// health probes are built on top of it; the gateway core treats every
// call as an opaque operation with a success/failure/timeout contract.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/health"
	"github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/internal/saga"
	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
)

// 复用连接的全局传输配置
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Client resolves service names to base URLs and issues JSON calls.
type Client struct {
	http  *http.Client
	bases map[string]string
}

// NewClient creates a client over the service name -> base URL map.
func NewClient(bases map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:  newHTTPClient(timeout),
		bases: bases,
	}
}

// Call issues method path against the named service with a JSON body
// and returns the raw response body. Errors carry gateway codes so
// the breaker and retry layers can classify them.
func (c *Client) Call(ctx context.Context, service, method, path string, body interface{}) (json.RawMessage, error) {
	base, ok := c.bases[service]
	if !ok {
		return nil, gwerrors.Newf(gwerrors.CodeInvalidParam, "unknown service %s", service)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.CodeInvalidParam, fmt.Errorf("marshal body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeInvalidParam, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gwerrors.Newf(gwerrors.CodeTimeout, "%s %s%s timed out", method, service, path)
		}
		return nil, gwerrors.Newf(gwerrors.CodeUnavailable, "%s unreachable: %v", service, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeRemoteFailure, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, gwerrors.Newf(gwerrors.CodeRemoteFailure, "%s returned %s", service, resp.Status)
	case resp.StatusCode >= 400:
		return nil, gwerrors.Newf(gwerrors.CodeRemoteRejected, "%s rejected request: %s", service, resp.Status)
	}
	return payload, nil
}

// Action builds a saga step action calling the service.
func (c *Client) Action(service, method, path string, body interface{}) saga.Action {
	return func(ctx context.Context) (interface{}, error) {
		payload, err := c.Call(ctx, service, method, path, body)
		if err != nil {
			return nil, err
		}
		var out interface{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &out); err != nil {
				// Non-JSON bodies still count as success.
				return string(payload), nil
			}
		}
		return out, nil
	}
}

// Compensation builds a saga compensation calling the service.
func (c *Client) Compensation(service, method, path string, body interface{}) saga.Compensation {
	return func(ctx context.Context) error {
		_, err := c.Call(ctx, service, method, path, body)
		return err
	}
}

// Probe builds a health probe hitting the service's health endpoint.
func (c *Client) Probe(service string) health.Probe {
	return func(ctx context.Context) error {
		_, err := c.Call(ctx, service, http.MethodGet, "/health", nil)
		return err
	}
}

// Invoke implements compensation.Invoker: parameters travel as the
// JSON body of a POST to the method path.
func (c *Client) Invoke(ctx context.Context, service, method string, params map[string]interface{}) error {
	_, err := c.Call(ctx, service, http.MethodPost, "/"+method, params)
	return err
}
