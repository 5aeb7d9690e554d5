// Package backend is the HTTP client the node uses to talk to the plant backend:
// provisioning oracle calls and sensor uploads, each guarded by a circuit breaker.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrStatus marks a response whose status is not 200.
var ErrStatus = errors.New("backend: unexpected status")

const (
	PathPing         = "/api/ping"
	PathStatus       = "/api/provisioning/status"
	PathVerify       = "/api/provisioning/verify"
	PathPlantLookup  = "/api/provision/verify"
	PathSensorUpload = "/api/sensorUpload"
)

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // time spent open before a half-open probe
}

// Client incapsula le chiamate HTTP verso il backend con Circuit Breaker.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "backend",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// BaseURL is empty when no backend is configured.
func (c *Client) BaseURL() string { return c.base }

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return c.base + "/" + strings.TrimLeft(path, "/")
}

// BreakerState exposes the breaker for status reporting.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

type result struct {
	status int
	body   []byte
}

// do runs one request through the breaker. Non-2xx responses count as breaker failures
// but the status is still returned to the caller.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, url, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		r := result{status: resp.StatusCode, body: b}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return r, fmt.Errorf("%w %d from %s", ErrStatus, resp.StatusCode, url)
		}
		return r, nil
	})
	if r, ok := out.(result); ok {
		return r, err
	}
	return result{}, err
}

func (c *Client) postJSON(ctx context.Context, path string, in any) (result, error) {
	if c.base == "" {
		return result{}, errors.New("backend: base URL not configured")
	}
	b, err := json.Marshal(in)
	if err != nil {
		return result{}, err
	}
	r, err := c.do(ctx, http.MethodPost, c.URL(path), b)
	if err == nil && r.status != http.StatusOK {
		return r, fmt.Errorf("%w %d from %s", ErrStatus, r.status, path)
	}
	return r, err
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	if c.base == "" {
		return errors.New("backend: base URL not configured")
	}
	r, err := c.do(ctx, http.MethodGet, c.URL(PathPing), nil)
	if err != nil {
		return err
	}
	if r.status != http.StatusOK {
		return fmt.Errorf("%w %d from %s", ErrStatus, r.status, PathPing)
	}
	return nil
}

// UpdateStatus tells the backend which provisioning state the device is about to enter.
func (c *Client) UpdateStatus(ctx context.Context, token, deviceID, status string) error {
	_, err := c.postJSON(ctx, PathStatus, map[string]string{
		"provision_token": token,
		"device_id":       deviceID,
		"status":          status,
	})
	return err
}

// Verify performs the authenticated round-trip required before BACKEND_VERIFIED.
func (c *Client) Verify(ctx context.Context, token, deviceID string) error {
	_, err := c.postJSON(ctx, PathVerify, map[string]string{
		"provision_token": token,
		"device_id":       deviceID,
	})
	return err
}

// LookupPlant asks the backend which plant the token was issued for.
func (c *Client) LookupPlant(ctx context.Context, token, deviceID string) (int, error) {
	r, err := c.postJSON(ctx, PathPlantLookup, map[string]string{
		"provision_token": token,
		"device_id":       deviceID,
	})
	if err != nil {
		return 0, err
	}
	var resp struct {
		PlantID int `json:"plant_id"`
	}
	if err := json.Unmarshal(r.body, &resp); err != nil {
		return 0, fmt.Errorf("decode plant lookup: %w", err)
	}
	if resp.PlantID <= 0 {
		return 0, fmt.Errorf("backend returned invalid plant_id %d", resp.PlantID)
	}
	return resp.PlantID, nil
}

// Post sends an upload body and reports the status code. A non-200 status is not an
// error here: the caller decides whether to retry.
func (c *Client) Post(ctx context.Context, url string, body []byte) (int, error) {
	r, err := c.do(ctx, http.MethodPost, url, body)
	if r.status != 0 {
		return r.status, nil
	}
	return 0, err
}
