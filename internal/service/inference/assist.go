package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

const assistTimeout = 5 * time.Second

// assistSampling keeps suggestions short and focused.
var assistSampling = modal.Sampling{MaxTokens: 200, Temperature: 0.3}

// AssistInput is an editor request for code suggestions.
type AssistInput struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Prompt   string `json:"prompt"`
}

// AssistResult carries a suggestion. Fallback is set when the model could
// not answer and a canned tip was returned instead.
type AssistResult struct {
	Suggestion string     `json:"suggestion"`
	Model      plan.Model `json:"model"`
	Fallback   bool       `json:"fallback,omitempty"`
}

// Assist asks gpt-20b for quick suggestions on a code fragment. Upstream
// failures degrade to a language tip rather than an error, and only answered
// requests are metered.
func (s Service) Assist(ctx context.Context, user domain.User, in AssistInput) (*AssistResult, error) {
	if strings.TrimSpace(in.Code) == "" && strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("%w: code or prompt required", ErrInvalidInput)
	}
	language := strings.ToLower(strings.TrimSpace(in.Language))
	if language == "" {
		language = "python"
	}

	ctx, cancel := context.WithTimeout(ctx, assistTimeout)
	defer cancel()
	messages := []modal.Message{{Role: "user", Content: assistPrompt(language, in.Code, in.Prompt)}}
	resp, err := s.backend.Complete(ctx, plan.Model20B, messages, assistSampling)
	if err != nil {
		s.logger.Warn("assist fell back", "user_id", user.ID, "error", err)
		return &AssistResult{Suggestion: fallbackSuggestion(language, in.Code), Model: plan.Model20B, Fallback: true}, nil
	}
	suggestion := strings.TrimSpace(resp.Content())
	if suggestion == "" {
		return &AssistResult{Suggestion: fallbackSuggestion(language, in.Code), Model: plan.Model20B, Fallback: true}, nil
	}
	if err := s.usage.Track(ctx, user.ID, domain.UsageAPICalls, 1); err != nil {
		s.logger.Warn("failed to track api call", "user_id", user.ID, "error", err)
	}
	return &AssistResult{Suggestion: suggestion, Model: plan.Model20B}, nil
}

func assistPrompt(language, code, prompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a fast coding assistant. Analyze this %s code and give concise, actionable suggestions:\n\n", language)
	fmt.Fprintf(&b, "```%s\n%s\n```\n\n", language, code)
	if p := strings.TrimSpace(prompt); p != "" {
		fmt.Fprintf(&b, "User request: %s\n\n", p)
	}
	b.WriteString("Focus on code improvements, performance, best practices and bug fixes. Keep the answer under 200 words.")
	return b.String()
}

var languageTips = map[string][]string{
	"python": {
		"Add type hints for better code clarity",
		"Consider list comprehensions for simple loops",
		"Add error handling with try/except blocks",
		"Use f-strings for string formatting",
		"Add docstrings to functions",
	},
	"javascript": {
		"Use const/let instead of var",
		"Use async/await for promise handling",
		"Consider arrow functions for callbacks",
		"Add JSDoc comments",
		"Use template literals for strings",
	},
	"typescript": {
		"Add explicit type annotations",
		"Use interfaces for object shapes",
		"Consider generics for reusable helpers",
		"Enable strict null checks",
		"Use enums for related constants",
	},
}

// fallbackSuggestion picks a tip deterministically from the code length.
func fallbackSuggestion(language, code string) string {
	tips, ok := languageTips[language]
	if !ok {
		tips = languageTips["python"]
	}
	tip := tips[len(code)%len(tips)]
	if len(code) > 100 {
		return fmt.Sprintf("Code analysis: your %s code looks substantial. %s. Consider breaking large functions into smaller, focused ones.", language, tip)
	}
	return fmt.Sprintf("Quick tip: %s. For %s development, focus on readable code with proper error handling.", tip, language)
}
