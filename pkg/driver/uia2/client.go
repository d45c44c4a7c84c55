// Package uia2 drives an Android device through the UIAutomator2 server
// HTTP API, reached over an adb-forwarded TCP port. App lifecycle goes
// through adb shell since the automation server cannot launch apps.
package uia2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
)

const defaultRequestTimeout = 30 * time.Second

// client speaks the UIAutomator2 server wire protocol: W3C-style
// endpoints under /session/<id>, responses wrapped in {"value": ...}.
type client struct {
	http      *http.Client
	baseURL   string
	sessionID string
	logger    hclog.Logger
}

func newClient(baseURL string, timeout time.Duration, logger hclog.Logger) *client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

type errorValue struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// request sends one HTTP request and returns the raw response body.
// Server-side failures are unwrapped from the W3C error envelope.
func (c *client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	start := time.Now()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Trace("request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 400 {
		var errResp struct {
			Value errorValue `json:"value"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Value.Message != "" {
			return nil, fmt.Errorf("%s: %s", errResp.Value.Error, errResp.Value.Message)
		}
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *client) sessionPath(path string) string {
	return "/session/" + c.sessionID + path
}

// stringValue unwraps a {"value": "<string>"} response.
func (c *client) stringValue(ctx context.Context, method, path string) (string, error) {
	data, err := c.request(ctx, method, path, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("unexpected response for %s: %s", path, string(data))
	}
	return *resp.Value, nil
}

// status reports whether the automation server is up and ready.
func (c *client) status(ctx context.Context) (bool, error) {
	data, err := c.request(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Value struct {
			Ready bool `json:"ready"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("parse status: %w", err)
	}
	return resp.Value.Ready, nil
}

// createSession starts an automation session. The server has answered
// with two envelope shapes across versions; both are accepted.
func (c *client) createSession(ctx context.Context) error {
	req := map[string]interface{}{
		"capabilities": map[string]string{"platformName": "Android"},
	}
	data, err := c.request(ctx, http.MethodPost, "/session", req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	var resp struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse session response: %w", err)
	}
	id := resp.SessionID
	if id == "" {
		id = resp.Value.SessionID
	}
	if id == "" {
		return fmt.Errorf("no session ID in response")
	}
	c.sessionID = id
	return nil
}

func (c *client) deleteSession(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.request(ctx, http.MethodDelete, c.sessionPath(""), nil)
	c.sessionID = ""
	return err
}
