// Package inference gates chat requests by plan and meters them.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrModelNotInPlan = errors.New("model not available on current plan")
)

// Backend performs the actual completion.
type Backend interface {
	Complete(ctx context.Context, model plan.Model, messages []modal.Message, sampling modal.Sampling) (*modal.ChatResponse, error)
	Health(ctx context.Context) modal.HealthReport
}

// UsageTracker records metered usage.
type UsageTracker interface {
	Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error
}

// Service serves chat completions.
type Service struct {
	backend Backend
	usage   UsageTracker
	logger  *slog.Logger
}

// New constructs an inference service.
func New(backend Backend, usage UsageTracker, logger *slog.Logger) Service {
	return Service{backend: backend, usage: usage, logger: logger.With("component", "inference")}
}

// ChatResult is returned to API callers.
type ChatResult struct {
	Model    plan.Model  `json:"model"`
	Response string      `json:"response"`
	Usage    modal.Usage `json:"usage"`
	Plan     plan.Plan   `json:"plan"`
}

// Chat runs a completion for user. An empty model defaults to gpt-20b.
func (s Service) Chat(ctx context.Context, user domain.User, model string, messages []modal.Message) (*ChatResult, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: messages array is required", ErrInvalidInput)
	}
	m := plan.Model20B
	if strings.TrimSpace(model) != "" {
		parsed, ok := plan.ParseModel(model)
		if !ok {
			return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, model)
		}
		m = parsed
	}
	p := plan.Parse(string(user.Plan))
	if !plan.CanUseModel(p, m) {
		return nil, fmt.Errorf("%w: %s requires a paid plan", ErrModelNotInPlan, m)
	}

	resp, err := s.backend.Complete(ctx, m, messages, modal.DefaultSampling)
	if err != nil {
		s.logger.Error("inference failed", "user_id", user.ID, "model", m, "error", err)
		return nil, err
	}
	if err := s.usage.Track(ctx, user.ID, domain.UsageAPICalls, 1); err != nil {
		s.logger.Warn("failed to track api call", "user_id", user.ID, "error", err)
	}
	return &ChatResult{Model: m, Response: resp.Content(), Usage: resp.Usage, Plan: p}, nil
}

// Health reports the inference endpoints' status.
func (s Service) Health(ctx context.Context) modal.HealthReport {
	return s.backend.Health(ctx)
}
