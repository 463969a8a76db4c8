// Package modal talks to the GPT inference endpoints hosted on Modal.
package modal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

const (
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.7
	healthTimeout      = 5 * time.Second
)

// ErrUpstream marks a failed or malformed answer from an inference endpoint.
var ErrUpstream = errors.New("inference upstream error")

// Config holds endpoint settings.
type Config struct {
	Endpoints  map[plan.Model]string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls Modal inference endpoints.
type Client struct {
	endpoints  map[plan.Model]string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	endpoints := make(map[plan.Model]string, len(cfg.Endpoints))
	for model, endpoint := range cfg.Endpoints {
		endpoints[model] = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	}
	return &Client{endpoints: endpoints, apiKey: strings.TrimSpace(cfg.APIKey), httpClient: httpClient}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body sent to an endpoint.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// Usage reports token accounting from the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// ChatResponse is the OpenAI-style completion payload.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's text.
func (r ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Sampling controls a completion's length and randomness.
type Sampling struct {
	MaxTokens   int
	Temperature float64
}

// DefaultSampling is used by Chat.
var DefaultSampling = Sampling{MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature}

// Chat sends messages to the endpoint serving model with DefaultSampling.
func (c *Client) Chat(ctx context.Context, model plan.Model, messages []Message) (*ChatResponse, error) {
	return c.Complete(ctx, model, messages, DefaultSampling)
}

// Complete sends messages to the endpoint serving model. Zero sampling
// fields fall back to the defaults.
func (c *Client) Complete(ctx context.Context, model plan.Model, messages []Message, sampling Sampling) (*ChatResponse, error) {
	endpoint := c.endpoints[model]
	if endpoint == "" {
		return nil, fmt.Errorf("%w: no endpoint configured for %s", ErrUpstream, model)
	}
	if sampling.MaxTokens <= 0 {
		sampling.MaxTokens = DefaultMaxTokens
	}
	if sampling.Temperature <= 0 {
		sampling.Temperature = DefaultTemperature
	}
	payload, err := json.Marshal(ChatRequest{
		Model:       string(model),
		Messages:    messages,
		MaxTokens:   sampling.MaxTokens,
		Temperature: sampling.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUpstream)
	}
	return &out, nil
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
	StatusOffline   = "offline"
	StatusDegraded  = "degraded"
)

// ServerHealth is the health check outcome for one endpoint.
type ServerHealth struct {
	Model          plan.Model `json:"model"`
	Endpoint       string     `json:"endpoint"`
	Status         string     `json:"status"`
	StatusCode     int        `json:"status_code,omitempty"`
	ResponseTimeMS int64      `json:"response_time_ms"`
	Error          string     `json:"error,omitempty"`
	CheckedAt      time.Time  `json:"last_checked"`
}

// HealthReport aggregates every endpoint check.
type HealthReport struct {
	Status  string         `json:"status"`
	Servers []ServerHealth `json:"servers"`
	Healthy int            `json:"healthy"`
	Total   int            `json:"total"`
}

// Health checks every configured endpoint concurrently.
func (c *Client) Health(ctx context.Context) HealthReport {
	models := []plan.Model{plan.Model20B, plan.Model120B}
	results := make([]ServerHealth, len(models))
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range models {
		g.Go(func() error {
			results[i] = c.checkEndpoint(gctx, model)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Status: StatusHealthy, Servers: results, Total: len(results)}
	for _, r := range results {
		if r.Status == StatusHealthy {
			report.Healthy++
		} else {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (c *Client) checkEndpoint(ctx context.Context, model plan.Model) (result ServerHealth) {
	start := time.Now()
	result = ServerHealth{Model: model, Endpoint: c.endpoints[model]}
	defer func() {
		result.ResponseTimeMS = time.Since(start).Milliseconds()
		result.CheckedAt = time.Now().UTC()
	}()
	if result.Endpoint == "" {
		result.Status, result.Error = StatusOffline, "endpoint not configured"
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.Endpoint+"/health", nil)
	if err != nil {
		result.Status, result.Error = StatusOffline, err.Error()
		return result
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Status, result.Error = StatusOffline, err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Status = StatusTimeout
		}
		return result
	}
	resp.Body.Close()
	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusHealthy
	} else {
		result.Status = StatusUnhealthy
	}
	return result
}
