package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// gatewayClient is a minimal HTTP client for the orchestrator gateway.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

func newGatewayClient(baseURL string) *gatewayClient {
	return &gatewayClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *gatewayClient) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	var resp struct {
		RootID string `json:"root_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/workflows", graph, &resp); err != nil {
		return "", err
	}
	return resp.RootID, nil
}

func (c *gatewayClient) Status(ctx context.Context, rootID string) (map[string]any, error) {
	var status map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/workflows/"+rootID, nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Wait polls the status endpoint until the workflow reaches a terminal state.
func (c *gatewayClient) Wait(ctx context.Context, rootID string, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		status, err := c.Status(ctx, rootID)
		if err != nil {
			return nil, err
		}
		switch status["state"] {
		case "SUCCESS", "FAILURE", "REVOKED":
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow %s still running: %w", rootID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *gatewayClient) Revoke(ctx context.Context, rootID string, purge bool) error {
	path := "/api/v1/workflows/" + rootID
	if purge {
		path += "?purge=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// RevokeInvocation cancels one invocation, leaving the rest of its workflow
// to run on.
func (c *gatewayClient) RevokeInvocation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/invocations/"+id, nil, nil)
}

func (c *gatewayClient) Invocation(ctx context.Context, id string) (map[string]any, error) {
	var rec map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/invocations/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *gatewayClient) Children(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Children []string `json:"children"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/invocations/"+id+"/children", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Children, nil
}

func (c *gatewayClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
