package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/internal/service/collab"
)

// Service handles authentication workflows.
type Service struct {
	users    repository.UserRepository
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, verifier Verifier, logger *slog.Logger) Service {
	return Service{users: users, verifier: verifier, logger: logger.With("component", "auth"), now: time.Now}
}

// Authorize validates a bearer token and returns the associated user,
// creating the account on first sight.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidToken
	}
	id, err := s.verifier.Verify(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	if id.UID == "" {
		return nil, ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, id.UID)
	switch {
	case err == nil:
		if (id.Email != "" && id.Email != user.Email) || (id.Name != "" && id.Name != user.Name) {
			if id.Email != "" {
				user.Email = id.Email
			}
			if id.Name != "" {
				user.Name = id.Name
			}
			user.UpdatedAt = s.now().UTC()
			if err := s.users.UpsertUser(ctx, user); err != nil {
				return nil, err
			}
		}
		return user, nil
	case errors.Is(err, repository.ErrNotFound):
		now := s.now().UTC()
		user = &domain.User{
			ID:            id.UID,
			Email:         id.Email,
			Name:          id.Name,
			Plan:          plan.Free,
			PaymentStatus: domain.PaymentCurrent,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.users.UpsertUser(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("user registered", "user_id", user.ID)
		return user, nil
	default:
		return nil, err
	}
}

// Identify resolves a collaboration socket's authenticate token.
func (s Service) Identify(ctx context.Context, token string) (collab.Identity, error) {
	user, err := s.Authorize(ctx, token)
	if err != nil {
		return collab.Identity{}, err
	}
	name := user.Name
	if name == "" {
		name = user.Email
	}
	return collab.Identity{UserID: user.ID, Name: name, Email: user.Email}, nil
}
