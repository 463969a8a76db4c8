package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

type stubBackend struct {
	err      error
	reply    *string
	models   []plan.Model
	sampling []modal.Sampling
	messages [][]modal.Message
}

func (b *stubBackend) Complete(ctx context.Context, model plan.Model, messages []modal.Message, sampling modal.Sampling) (*modal.ChatResponse, error) {
	b.models = append(b.models, model)
	b.sampling = append(b.sampling, sampling)
	b.messages = append(b.messages, messages)
	if b.err != nil {
		return nil, b.err
	}
	content := "hi there"
	if b.reply != nil {
		content = *b.reply
	}
	return &modal.ChatResponse{
		Choices: []modal.Choice{{Message: modal.Message{Role: "assistant", Content: content}}},
		Usage:   modal.Usage{TotalTokens: 12},
	}, nil
}

func (b *stubBackend) Health(ctx context.Context) modal.HealthReport {
	return modal.HealthReport{Status: modal.StatusHealthy}
}

type countingUsage struct{ calls int }

func (u *countingUsage) Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error {
	if kind == domain.UsageAPICalls {
		u.calls += int(amount)
	}
	return nil
}

func newService(backend Backend, usage UsageTracker) Service {
	return New(backend, usage, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var hello = []modal.Message{{Role: "user", Content: "hello"}}

func TestChatTracksSuccessfulCalls(t *testing.T) {
	backend, usage := &stubBackend{}, &countingUsage{}
	svc := newService(backend, usage)

	res, err := svc.Chat(context.Background(), domain.User{ID: "u1", Plan: plan.Free}, "", hello)
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if res.Model != plan.Model20B || res.Response != "hi there" || res.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected result %+v", res)
	}
	if usage.calls != 1 {
		t.Fatalf("expected one api call tracked, got %d", usage.calls)
	}
	if backend.sampling[0] != modal.DefaultSampling {
		t.Fatalf("chat should use default sampling, got %+v", backend.sampling[0])
	}
}

func TestChatGatesLargeModelByPlan(t *testing.T) {
	backend, usage := &stubBackend{}, &countingUsage{}
	svc := newService(backend, usage)

	if _, err := svc.Chat(context.Background(), domain.User{ID: "u1", Plan: plan.Free}, "gpt-120b", hello); !errors.Is(err, ErrModelNotInPlan) {
		t.Fatalf("expected ErrModelNotInPlan, got %v", err)
	}
	if len(backend.models) != 0 {
		t.Fatalf("backend must not be called for a gated model")
	}
	res, err := svc.Chat(context.Background(), domain.User{ID: "u1", Plan: plan.Pro}, "GPT-120B", hello)
	if err != nil || res.Model != plan.Model120B {
		t.Fatalf("pro plan should reach gpt-120b: %+v %v", res, err)
	}
}

func TestChatPropagatesUpstreamFailure(t *testing.T) {
	backend := &stubBackend{err: modal.ErrUpstream}
	usage := &countingUsage{}
	svc := newService(backend, usage)

	res, err := svc.Chat(context.Background(), domain.User{ID: "u1"}, "gpt-20b", hello)
	if !errors.Is(err, modal.ErrUpstream) || res != nil {
		t.Fatalf("expected upstream error without a reply, got %+v %v", res, err)
	}
	if usage.calls != 0 {
		t.Fatalf("failed calls must not be metered")
	}
}

func TestChatValidatesInput(t *testing.T) {
	svc := newService(&stubBackend{}, &countingUsage{})
	if _, err := svc.Chat(context.Background(), domain.User{ID: "u1"}, "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty messages, got %v", err)
	}
	if _, err := svc.Chat(context.Background(), domain.User{ID: "u1"}, "llama", hello); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown model, got %v", err)
	}
}
