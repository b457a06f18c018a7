// Package provisioning talks to the voice-agent provisioning service that
// builds, enables, and disables the resource backing each client.
//
// Calls are best effort from the billing core's point of view: callers
// log failures and move on, so the client implementation uses a short
// timeout, never retries inline, and sheds load through a circuit breaker
// when the service is down.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/voxreseller/internal/circuitbreaker"
	"github.com/mbd888/voxreseller/internal/metrics"
)

var (
	ErrUnavailable  = errors.New("provisioning: service unavailable")
	ErrNoResourceID = errors.New("provisioning: client has no resource")
)

// ResourceSpec describes the resource to build for a new client.
type ResourceSpec struct {
	ClientID         string `json:"clientId"`
	AgencyID         string `json:"agencyId"`
	Name             string `json:"name"`
	PlanType         string `json:"planType"`
	MonthlyCallLimit int    `json:"monthlyCallLimit"`
}

// Collaborator is the opaque provisioning surface the billing core drives.
type Collaborator interface {
	CreateResource(ctx context.Context, spec ResourceSpec) (string, error)
	EnableResource(ctx context.Context, resourceID string) error
	DisableResource(ctx context.Context, resourceID string) error
}

// Client is the HTTP implementation of Collaborator.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a provisioning client. timeout bounds every call.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// CreateResource builds a resource and returns its id.
func (c *Client) CreateResource(ctx context.Context, spec ResourceSpec) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "create", http.MethodPost, "/resources", spec, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("provisioning: create returned no resource id")
	}
	return out.ID, nil
}

// EnableResource turns a resource on. Enabling an enabled resource is a no-op
// on the provisioning side.
func (c *Client) EnableResource(ctx context.Context, resourceID string) error {
	if resourceID == "" {
		return ErrNoResourceID
	}
	return c.call(ctx, "enable", http.MethodPost, "/resources/"+url.PathEscape(resourceID)+"/enable", nil, nil)
}

// DisableResource turns a resource off.
func (c *Client) DisableResource(ctx context.Context, resourceID string) error {
	if resourceID == "" {
		return ErrNoResourceID
	}
	return c.call(ctx, "disable", http.MethodPost, "/resources/"+url.PathEscape(resourceID)+"/disable", nil, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	err := c.breaker.Execute("provisioning", func() error {
		return c.do(ctx, method, path, in, out)
	})
	switch {
	case err == nil:
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		return ErrUnavailable
	default:
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "error").Inc()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provisioning: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provisioning: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("provisioning: decode response: %w", err)
		}
	}
	return nil
}

// LogOnly is used when no provisioning service is configured. It records
// what would have been done and succeeds.
type LogOnly struct {
	Logger *slog.Logger
}

func (l LogOnly) CreateResource(_ context.Context, spec ResourceSpec) (string, error) {
	l.logger().Info("provisioning disabled: skipping create", "client_id", spec.ClientID)
	return "", nil
}

func (l LogOnly) EnableResource(_ context.Context, resourceID string) error {
	l.logger().Info("provisioning disabled: skipping enable", "resource_id", resourceID)
	return nil
}

func (l LogOnly) DisableResource(_ context.Context, resourceID string) error {
	l.logger().Info("provisioning disabled: skipping disable", "resource_id", resourceID)
	return nil
}

func (l LogOnly) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

var (
	_ Collaborator = (*Client)(nil)
	_ Collaborator = LogOnly{}
)
