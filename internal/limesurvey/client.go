package limesurvey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const invalidSessionStatus = "Invalid session key"

// opActivateTokens faults are expected when the participant table already exists.
const opActivateTokens = "activate_tokens"

// ErrSessionExpired is returned when the session key is still rejected after re-authenticating.
var ErrSessionExpired = errors.New("session key rejected after re-authentication")

// Fault is an error reported through the JSON-RPC error member.
type Fault struct {
	Op      string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: remote fault: %s", f.Op, f.Message)
}

// StatusError is a call that completed but returned a non-OK status.
type StatusError struct {
	Op     string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Config configures the RemoteControl client.
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// Client is a session-keyed LimeSurvey RemoteControl 2 client.
// A single session key is shared by every call until Close.
type Client struct {
	url        string
	httpClient *http.Client
	creds      CredentialSource
	maxRetries int
	logger     *slog.Logger

	mu         sync.Mutex
	sessionKey string
	released   sync.Once
	nextID     atomic.Int64
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// New creates a client and obtains a session key.
func New(ctx context.Context, cfg Config, creds CredentialSource, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("limesurvey url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	c := &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		maxRetries: maxRetries,
		logger:     logger,
	}

	key, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	c.sessionKey = key
	return c, nil
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	cr, err := c.creds.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load limesurvey credentials: %w", err)
	}

	params := []any{cr.Username, cr.Password}
	if cr.AuthPlugin != "" {
		params = append(params, cr.AuthPlugin)
	}

	raw, err := c.rpc(ctx, "get_session_key", params)
	if err != nil {
		return "", fmt.Errorf("failed to get session key: %w", err)
	}
	if status, ok := statusOf(raw); ok {
		return "", fmt.Errorf("failed to get session key: %s", status)
	}

	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("failed to decode session key: %w", err)
	}
	return key, nil
}

func (c *Client) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// call runs a session-keyed operation. The session key is prepended to args.
// An invalid-session status triggers up to maxRetries re-authentications.
func (c *Client) call(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		params := append([]any{c.currentKey()}, args...)
		raw, err := c.rpc(ctx, op, params)
		if err != nil {
			var fault *Fault
			if errors.As(err, &fault) && !strings.HasPrefix(op, opActivateTokens) {
				c.logger.Error("remote call failed", "op", op, "error", fault.Message)
			}
			return nil, err
		}

		status, ok := statusOf(raw)
		if !ok || !strings.Contains(status, invalidSessionStatus) {
			return raw, nil
		}
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("%s: %w", op, ErrSessionExpired)
		}

		c.logger.Warn("session key invalid, re-authenticating", "op", op)
		key, err := c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.sessionKey = key
		c.mu.Unlock()
	}
}

// rpc performs one JSON-RPC request.
func (c *Client) rpc(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if msg := faultMessage(out.Error); msg != "" {
		return nil, &Fault{Op: method, Message: msg}
	}
	return out.Result, nil
}

// Close releases the session key. It runs at most once and is a no-op
// when no session was obtained.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var err error
	c.released.Do(func() {
		key := c.currentKey()
		if key == "" {
			return
		}
		if _, err = c.rpc(ctx, "release_session_key", []any{key}); err != nil {
			c.logger.Error("failed to release session key", "error", err)
			return
		}
		c.logger.Debug("session key released")
	})
	return err
}

// statusOf extracts the status member of an object result.
func statusOf(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var obj struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj.Status == nil {
		return "", false
	}
	return *obj.Status, true
}

func faultMessage(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(trimmed)
}
