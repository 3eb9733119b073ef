package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Client calls another butler's HTTP surface. The caller name travels in
// X-Butler-Caller on every request; the fleet token, when configured,
// travels as a bearer token.
type Client struct {
	caller string
	token  string
	http   *http.Client
}

// NewClient creates a butler-to-butler client identifying as caller.
func NewClient(caller string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		caller: caller,
		token:  os.Getenv("BUTLER_FLEET_TOKEN"),
		http:   &http.Client{Timeout: timeout},
	}
}

// RouteExecute posts a route.v1 envelope to a target butler and returns the
// validated route_response.v1.
func (c *Client) RouteExecute(ctx context.Context, baseURL string, route *envelope.Route) (*envelope.RouteResponse, error) {
	body, err := c.post(ctx, baseURL+"/api/v1/route.execute", route)
	if err != nil {
		return nil, err
	}
	var resp envelope.RouteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errclass.Wrap(errclass.Internal, err, "malformed route response")
	}
	if err := envelope.ValidateRouteResponse(&resp, route.RequestContext.RequestID); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CallTool invokes a named tool on a target butler.
func (c *Client) CallTool(ctx context.Context, baseURL, tool string, args any) (json.RawMessage, error) {
	return c.post(ctx, baseURL+"/api/v1/tools/"+tool, args)
}

func (c *Client) post(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Butler-Caller", c.caller)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errclass.Wrap(errclass.Timeout, err, "request deadline exceeded")
		}
		return nil, errclass.Wrap(errclass.TargetUnavailable, err, "target unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errclass.Wrap(errclass.TargetUnavailable, err, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errclass.New(errclass.OverloadRejected, "target rejected under load: %s", truncateBody(body))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, errclass.New(errclass.Timeout, "target timed out: %s", truncateBody(body))
	case resp.StatusCode >= 500:
		return nil, errclass.New(errclass.TargetUnavailable, "target returned %d: %s", resp.StatusCode, truncateBody(body))
	default:
		return nil, errclass.New(errclass.Validation, "target returned %d: %s", resp.StatusCode, truncateBody(body))
	}
}

func truncateBody(b []byte) string {
	const max = 500
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}
