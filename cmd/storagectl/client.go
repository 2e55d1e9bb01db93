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

	"github.com/ruteri/tiered-content-storage/httpserver"
)

// adminClient talks to the operator API of a running storaged.
type adminClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newAdminClient(baseURL, apiKey string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON, when non-nil, and decodes a 2xx response into out.
func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/storage"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpserver.APIKeyHeader, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *adminClient) MoveTier(ctx context.Context, hash, from, to string, force bool) (map[string]any, error) {
	req := map[string]any{
		"content_hash": hash,
		"from_tier":    from,
		"to_tier":      to,
		"force":        force,
	}
	var out map[string]any
	return out, c.do(ctx, http.MethodPost, "/tier", req, &out)
}

func (c *adminClient) RunLifecycle(ctx context.Context, operation string) (map[string]any, error) {
	var out map[string]any
	return out, c.do(ctx, http.MethodPost, "/lifecycle", map[string]string{"operation": operation}, &out)
}

func (c *adminClient) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.do(ctx, http.MethodGet, "/stats", nil, &out)
}
