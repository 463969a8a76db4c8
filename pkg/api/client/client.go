package client

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
)

// Client provides typed access to the Neural Weights Hub API for the CLI.
type Client struct {
	baseURL    string
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

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
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
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects the /me payload.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Plan               string    `json:"plan"`
	SubscriptionStatus string    `json:"subscription_status"`
	PaymentStatus      string    `json:"payment_status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Sandbox reflects sandbox payloads.
type Sandbox struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Plan           string    `json:"plan"`
	State          string    `json:"state"`
	CPU            int       `json:"cpu"`
	Memory         int       `json:"memory"`
	Disk           int       `json:"disk"`
	Protected      bool      `json:"protected"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// SandboxList is the GET /sandboxes payload.
type SandboxList struct {
	Sandboxes []Sandbox `json:"sandboxes"`
	Count     int       `json:"count"`
}

// CleanupResult describes one sandbox touched by cleanup.
type CleanupResult struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CleanupReport is the POST /sandboxes/cleanup payload.
type CleanupReport struct {
	Eligible  int             `json:"eligible"`
	Deleted   int             `json:"deleted"`
	Failed    int             `json:"failed"`
	Remaining int             `json:"remaining"`
	Results   []CleanupResult `json:"results"`
}

// UsageSummary is the GET /usage payload.
type UsageSummary struct {
	Plan          string             `json:"plan"`
	PeriodStart   time.Time          `json:"period_start"`
	Usage         map[string]float64 `json:"usage"`
	Caps          map[string]float64 `json:"caps"`
	Percentages   map[string]float64 `json:"percentages"`
	EstimatedCost float64            `json:"estimated_cost"`
}

// Deployment reflects app deployment payloads.
type Deployment struct {
	ID        string    `json:"id"`
	AppName   string    `json:"app_name"`
	AppType   string    `json:"app_type"`
	ModelType string    `json:"model_type"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/me", nil, token, &user)
	return user, err
}

// ListSandboxes returns the caller's sandboxes.
func (c *Client) ListSandboxes(ctx context.Context, token string) (SandboxList, error) {
	var list SandboxList
	err := c.do(ctx, http.MethodGet, "/sandboxes", nil, token, &list)
	return list, err
}

// CreateSandbox provisions a sandbox sized for the caller's plan.
func (c *Client) CreateSandbox(ctx context.Context, token, name string) (Sandbox, error) {
	var sb Sandbox
	err := c.do(ctx, http.MethodPost, "/sandboxes", map[string]string{"name": name}, token, &sb)
	return sb, err
}

// StartSandbox starts a stopped sandbox.
func (c *Client) StartSandbox(ctx context.Context, token, id string) (Sandbox, error) {
	var sb Sandbox
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/start", nil, token, &sb)
	return sb, err
}

// StopSandbox stops a running sandbox.
func (c *Client) StopSandbox(ctx context.Context, token, id string) (Sandbox, error) {
	var sb Sandbox
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/stop", nil, token, &sb)
	return sb, err
}

// DeleteSandbox removes a sandbox.
func (c *Client) DeleteSandbox(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, token, nil)
}

// Cleanup runs the automatic cleanup policy over the caller's sandboxes.
func (c *Client) Cleanup(ctx context.Context, token string) (CleanupReport, error) {
	var report CleanupReport
	err := c.do(ctx, http.MethodPost, "/sandboxes/cleanup", nil, token, &report)
	return report, err
}

// Usage returns the current period's usage summary.
func (c *Client) Usage(ctx context.Context, token string) (UsageSummary, error) {
	var summary UsageSummary
	err := c.do(ctx, http.MethodGet, "/usage", nil, token, &summary)
	return summary, err
}

// ListApps returns the caller's deployments.
func (c *Client) ListApps(ctx context.Context, token string) ([]Deployment, error) {
	var payload struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/apps", nil, token, &payload); err != nil {
		return nil, err
	}
	return payload.Deployments, nil
}
