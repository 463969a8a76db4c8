// Package daytona is a typed client for the Daytona sandbox REST API.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

const (
	DefaultBaseURL = "https://app.daytona.io/api"
	previewDomain  = "proxy.daytona.work"
)

// Config holds client connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	OrganizationID string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client provides typed access to the Daytona API.
type Client struct {
	baseURL    string
	apiKey     string
	orgID      string
	httpClient *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	initMetrics()
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		orgID:      strings.TrimSpace(cfg.OrganizationID),
		httpClient: httpClient,
	}
}

// APIError represents a non-2xx answer from Daytona.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daytona request failed with status %d", e.Status)
	}
	return fmt.Sprintf("daytona request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a Daytona 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// VolumeMount attaches a volume to a sandbox.
type VolumeMount struct {
	VolumeID  string `json:"volumeId"`
	MountPath string `json:"mountPath"`
}

// Sandbox is the vendor representation of a sandbox.
type Sandbox struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	RawState         string            `json:"state"`
	Snapshot         string            `json:"snapshot,omitempty"`
	Target           string            `json:"target,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CPU              int               `json:"cpu"`
	GPU              int               `json:"gpu"`
	Memory           int               `json:"memory"`
	Disk             int               `json:"disk"`
	AutoStopInterval int               `json:"autoStopInterval"`
	CreatedAtRaw     string            `json:"createdAt,omitempty"`
	UpdatedAtRaw     string            `json:"updatedAt,omitempty"`
}

// State returns the normalised lifecycle state.
func (s Sandbox) State() domain.SandboxState {
	raw := strings.ToUpper(strings.TrimSpace(s.RawState))
	if raw == "" {
		return domain.StateUnknown
	}
	return domain.SandboxState(raw)
}

// CreatedAt parses the vendor creation timestamp. Unparseable values are zero.
func (s Sandbox) CreatedAt() time.Time {
	return parseTime(s.CreatedAtRaw)
}

// UpdatedAt parses the vendor's last state change. Unparseable values are zero.
func (s Sandbox) UpdatedAt() time.Time {
	return parseTime(s.UpdatedAtRaw)
}

// Label returns the label value for key.
func (s Sandbox) Label(key string) string {
	if s.Labels == nil {
		return ""
	}
	return s.Labels[key]
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	Name             string            `json:"name,omitempty"`
	Snapshot         string            `json:"snapshot,omitempty"`
	Target           string            `json:"target,omitempty"`
	User             string            `json:"user,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CPU              int               `json:"cpu,omitempty"`
	GPU              int               `json:"gpu,omitempty"`
	Memory           int               `json:"memory,omitempty"`
	Disk             int               `json:"disk,omitempty"`
	Volumes          []VolumeMount     `json:"volumes,omitempty"`
	AutoStopInterval *int              `json:"autoStopInterval,omitempty"`
	Public           bool              `json:"public,omitempty"`
}

// Preview is a signed preview link for a sandbox port.
type Preview struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ExecResult is the outcome of a toolbox command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

// Create provisions a sandbox.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	var out Sandbox
	if err := c.do(ctx, "create", http.MethodPost, "/sandbox", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches a sandbox by id.
func (c *Client) Get(ctx context.Context, id string) (*Sandbox, error) {
	var out Sandbox
	if err := c.do(ctx, "get", http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the organisation's sandboxes, optionally filtered by labels.
func (c *Client) List(ctx context.Context, labels map[string]string) ([]Sandbox, error) {
	path := "/sandbox"
	if len(labels) > 0 {
		encoded, err := json.Marshal(labels)
		if err != nil {
			return nil, fmt.Errorf("encode label filter: %w", err)
		}
		path += "?labels=" + url.QueryEscape(string(encoded))
	}
	var out []Sandbox
	if err := c.do(ctx, "list", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start boots a stopped sandbox.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, "start", http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/start", nil, nil)
}

// Stop halts a running sandbox.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, "stop", http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Delete removes a sandbox.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/sandbox/"+url.PathEscape(id), nil, nil)
}

// Snapshot captures a sandbox into a named snapshot.
func (c *Client) Snapshot(ctx context.Context, id, name string) error {
	body := map[string]string{"name": name}
	return c.do(ctx, "snapshot", http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/snapshot", body, nil)
}

// PreviewURL requests a signed preview link for port.
func (c *Client) PreviewURL(ctx context.Context, id string, port int) (*Preview, error) {
	var out Preview
	path := fmt.Sprintf("/sandbox/%s/ports/%d/preview-url", url.PathEscape(id), port)
	if err := c.do(ctx, "preview", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs a shell command inside the sandbox.
func (c *Client) Execute(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	body := map[string]any{"command": command}
	if timeout > 0 {
		body["timeout"] = int(timeout / time.Second)
	}
	var out ExecResult
	path := "/toolbox/" + url.PathEscape(id) + "/toolbox/process/execute"
	if err := c.do(ctx, "execute", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FallbackPreviewURL is the deterministic proxy address of a sandbox port.
func FallbackPreviewURL(id string, port int) string {
	return fmt.Sprintf("https://%d-%s.%s", port, id, previewDomain)
}

// Reachable reports whether a preview URL answers without a server error.
func (c *Client) Reachable(ctx context.Context, target, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	if token != "" {
		req.Header.Set("x-daytona-preview-token", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, v any) error {
	start := time.Now()
	status, err := c.roundTrip(ctx, method, path, body, v)
	observe(op, status, time.Since(start))
	if err != nil {
		return fmt.Errorf("daytona %s: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, v any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.orgID != "" {
		req.Header.Set("X-Daytona-Organization-ID", c.orgID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func extractError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Message != "" {
		return strings.TrimSpace(payload.Message)
	}
	return strings.TrimSpace(payload.Error)
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
