// Package activity persists sandbox lifecycle events and streams them to
// subscribers of the sandbox.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/internal/ws"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service handles activity persistence and streaming.
type Service struct {
	repo   repository.ActivityRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an activity service.
func New(repo repository.ActivityRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Record stores and broadcasts an activity entry.
func (s Service) Record(ctx context.Context, entry domain.SandboxActivity) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendActivity(ctx, &entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns activity for a sandbox, newest first.
func (s Service) List(ctx context.Context, sandboxID string, limit, offset int) ([]domain.SandboxActivity, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListActivity(ctx, sandboxID, limit, offset)
}

func (s Service) broadcast(entry domain.SandboxActivity) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal activity payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.SandboxID, data)
}

// Hub returns the stream hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats an activity entry for streaming payloads.
func MarshalEntry(entry domain.SandboxActivity) ([]byte, error) {
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = json.RawMessage(entry.Metadata)
	}
	payload := map[string]any{
		"id":         entry.ID,
		"sandbox_id": entry.SandboxID,
		"user_id":    entry.UserID,
		"kind":       entry.Kind,
		"message":    entry.Message,
		"metadata":   metadata,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
