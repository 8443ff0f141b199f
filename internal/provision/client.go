// Package provision is the typed HTTP client for the exam-platform
// provisioning API: session registration, cluster spec generation, deployment
// start and phase queries.
package provision

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

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

// APIError represents an error response from the provisioning API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provisioning api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("provisioning api request failed (%d): %s", e.Status, e.Message)
}

// Client provides typed access to the provisioning API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Detail != "" {
		return strings.TrimSpace(payload.Detail)
	}
	return strings.TrimSpace(payload.Error)
}

// RegisterSessionRequest creates an exam session bound to a question set and
// a VM cluster configuration.
type RegisterSessionRequest struct {
	QuestionSetID string `json:"question_set_id"`
	VMConfigID    string `json:"vm_config_id"`
}

// Session is a registered exam session.
type Session struct {
	ID            string `json:"session_id"`
	QuestionSetID string `json:"question_set_id"`
	VMConfigID    string `json:"vm_config_id"`
	Status        string `json:"status"`
}

// RegisterSession creates an exam session; step one of the launch sequence.
func (c *Client) RegisterSession(ctx context.Context, req RegisterSessionRequest) (*Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/exam-sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClusterSpec describes the target cluster for spec generation.
type ClusterSpec struct {
	VMConfigID string `json:"vm_config_id"`
	NodeCount  int    `json:"node_count,omitempty"`
}

// GenerateClusterSpec renders the provisioning inventory for the session;
// step two of the launch sequence.
func (c *Client) GenerateClusterSpec(ctx context.Context, sessionID string, spec ClusterSpec) error {
	path := fmt.Sprintf("/exam-sessions/%s/kubespray/inventory", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, spec, nil)
}

// DeploymentHandle is the provisioning API's answer to a deployment start.
type DeploymentHandle struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Playbook     string `json:"playbook"`
	LogStreamURL string `json:"log_stream_url"`
	StartedAt    string `json:"started_at"`
}

// StartDeployment launches the provisioning job; step three of the launch
// sequence.
func (c *Client) StartDeployment(ctx context.Context, sessionID, playbook string) (*DeploymentHandle, error) {
	if playbook == "" {
		playbook = "cluster.yml"
	}
	path := fmt.Sprintf("/exam-sessions/%s/kubespray/deploy", url.PathEscape(sessionID))
	var resp DeploymentHandle
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"playbook": playbook}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type statusResponse struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code"`
	CompletedAt string `json:"completed_at"`
}

// DeploymentStatus performs the point-in-time phase query used by the status
// poller.
func (c *Client) DeploymentStatus(ctx context.Context, sessionID string) (*domain.PhaseInfo, error) {
	path := fmt.Sprintf("/exam-sessions/%s/kubespray/deploy/status", url.PathEscape(sessionID))
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	phase, ok := domain.ParsePhase(resp.Status)
	if !ok {
		return nil, fmt.Errorf("unknown deployment status %q", resp.Status)
	}
	info := &domain.PhaseInfo{SessionID: sessionID, Phase: phase, ExitCode: resp.ExitCode}
	if resp.CompletedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, resp.CompletedAt); err == nil {
			utc := at.UTC()
			info.CompletedAt = &utc
		}
	}
	return info, nil
}

// LogStreamURL derives the deployment log websocket endpoint for a session.
func (c *Client) LogStreamURL(sessionID string) string {
	scheme := "ws"
	rest := strings.TrimPrefix(c.baseURL, "http")
	if strings.HasPrefix(rest, "s://") {
		scheme = "wss"
		rest = strings.TrimPrefix(rest, "s")
	}
	return fmt.Sprintf("%s%s/exam-sessions/%s/kubespray/deploy/logs/ws", scheme, rest, url.PathEscape(sessionID))
}
