package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/syntor/relay/pkg/admin"
	"github.com/syntor/relay/pkg/dispatch"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/router"
)

// Client talks to a running relay's admin server
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the admin server at addr. A bare host:port
// is treated as http.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Agents returns server stats and every agent's stats
func (c *Client) Agents(ctx context.Context) (admin.AgentsResponse, error) {
	var out admin.AgentsResponse
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &out)
	return out, err
}

// Agent returns one agent's stats
func (c *Client) Agent(ctx context.Context, id string) (router.AgentStats, error) {
	var out router.AgentStats
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ResetBreaker closes one agent's breaker
func (c *Client) ResetBreaker(ctx context.Context, id string) (admin.ResetResponse, error) {
	var out admin.ResetResponse
	err := c.do(ctx, http.MethodPost, "/v1/breakers/"+url.PathEscape(id)+"/reset", nil, &out)
	return out, err
}

// ResetAllBreakers closes every breaker
func (c *Client) ResetAllBreakers(ctx context.Context) (admin.ResetResponse, error) {
	var out admin.ResetResponse
	err := c.do(ctx, http.MethodPost, "/v1/breakers/reset", nil, &out)
	return out, err
}

// Dispatch runs a request through the server's dispatcher
func (c *Client) Dispatch(ctx context.Context, req dispatch.Request) (models.Result, error) {
	var out models.Result
	err := c.do(ctx, http.MethodPost, "/v1/dispatch", req, &out)
	return out, err
}

// DispatchStats returns the dispatcher counters
func (c *Client) DispatchStats(ctx context.Context) (dispatch.Stats, error) {
	var out dispatch.Stats
	err := c.do(ctx, http.MethodGet, "/v1/dispatch/stats", nil, &out)
	return out, err
}

// Health returns the health report. An unhealthy report is returned
// together with an error.
func (c *Client) Health(ctx context.Context) (admin.HealthReport, error) {
	var out admin.HealthReport
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin server unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr admin.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		// the health route answers 503 with a report, not an error body
		if out != nil && json.Unmarshal(data, out) == nil {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
