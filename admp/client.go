// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/agentfleet/agentd/lib/netutil"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HubURL is the base URL of the ADMP hub (e.g.,
	// "http://localhost:8765"). Required.
	HubURL string

	// AgentName is this agent's name, used for registration and as
	// the From field on outgoing envelopes. Required.
	AgentName string

	// Capabilities are advertised to the hub at registration.
	Capabilities []string

	// Groups are joined during Connect. A per-group join failure is
	// logged, not fatal.
	Groups []string

	// HTTPClient is used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an ADMP hub client. Create with NewClient, then Connect
// to register. A Client is safe for concurrent use.
type Client struct {
	baseURL      string
	agentName    string
	capabilities []string
	groups       []string
	httpClient   *http.Client
	logger       *slog.Logger

	mu        sync.Mutex
	agentID   string
	secretKey string
	connected bool
}

// NewClient creates an unconnected hub client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HubURL == "" {
		return nil, fmt.Errorf("admp: HubURL is required")
	}
	if config.AgentName == "" {
		return nil, fmt.Errorf("admp: AgentName is required")
	}
	if _, err := url.Parse(config.HubURL); err != nil {
		return nil, fmt.Errorf("admp: invalid HubURL %q: %w", config.HubURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(config.HubURL, "/"),
		agentName:    config.AgentName,
		capabilities: config.Capabilities,
		groups:       config.Groups,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// AgentName returns the configured agent name.
func (c *Client) AgentName() string { return c.agentName }

// AgentID returns the hub-assigned agent id, empty before Connect.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Connected reports whether the client has registered with the hub.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Register creates (or refreshes) this agent's hub registration and
// stores the returned credentials on the client.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/agents/register", RegisterRequest{
		Name:         c.agentName,
		Capabilities: c.capabilities,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: registration failed: %w", err)
	}

	var response RegisterResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("admp: failed to parse register response: %w", err)
	}
	if response.AgentID == "" || response.SecretKey == "" {
		return nil, fmt.Errorf("admp: register response missing agent_id or secret_key")
	}

	c.mu.Lock()
	c.agentID = response.AgentID
	c.secretKey = response.SecretKey
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("registered with hub", "agent_id", response.AgentID, "agent", c.agentName)
	return &response, nil
}

// Connect registers with the hub and joins the configured groups.
// Registration failure is fatal; a per-group join failure is logged
// and skipped: partial group membership at startup is acceptable,
// and the agent can join again later.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.Register(ctx); err != nil {
		return err
	}

	for _, group := range c.groups {
		if err := c.JoinGroup(ctx, group, ""); err != nil {
			c.logger.Warn("failed to join group", "group", group, "error", err)
			continue
		}
		c.logger.Info("joined group", "group", group)
	}
	return nil
}

// Disconnect clears the client's registration state. Local-only (the
// hub is not notified) and idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.agentID = ""
	c.secretKey = ""
	c.logger.Info("disconnected from hub", "agent", c.agentName)
}

// Heartbeat reports liveness to the hub.
func (c *Client) Heartbeat(ctx context.Context) error {
	agentID, err := c.requireRegistration()
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", nil, nil)
	if err != nil {
		return fmt.Errorf("admp: heartbeat failed: %w", err)
	}
	return nil
}

// requireRegistration returns the agent id, or an error when the
// client has not connected yet.
func (c *Client) requireRegistration() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.agentID == "" {
		return "", fmt.Errorf("admp: client is not registered with the hub (call Connect first)")
	}
	return c.agentID, nil
}

// doRequest performs an HTTP request against the hub and returns the
// response body. On 2xx, returns the body; a 204 returns an empty
// body. On any other status, returns a *HubError with the status and
// body. The secret key, when present, authenticates the request.
//
// The client performs no retries here: transient-failure policy is
// the caller's.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("admp: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("admp: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	secretKey := c.secretKey
	c.mu.Unlock()
	if secretKey != "" {
		request.Header.Set("Authorization", "Bearer "+secretKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("admp: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("admp: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// Hub error responses share one JSON shape; fall back to the raw
	// body for anything else.
	hubErr := &HubError{StatusCode: response.StatusCode, Body: string(responseBody)}
	if jsonErr := json.Unmarshal(responseBody, hubErr); jsonErr != nil {
		hubErr.Code = ""
		hubErr.Message = ""
	}
	return nil, hubErr
}
