package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/lifeline/internal/config"
)

// apiClient talks to a running daemon's control API.
type apiClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAPIClient(cfg *config.Config, timeout time.Duration) *apiClient {
	host := cfg.Server.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return &apiClient{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)),
		secret:  cfg.Server.Secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends a request and returns the response when the status is 2xx.
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// doJSON sends a request and decodes a JSON response into out.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("daemon returned %d", resp.StatusCode)
}
