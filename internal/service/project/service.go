package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

const (
	defaultLanguage = "python"
	defaultLimit    = 50
	maxLimit        = 200
	maxCodeBytes    = 1 << 20
)

var (
	ErrInvalidInput  = errors.New("invalid project input")
	ErrForbidden     = errors.New("project belongs to another user")
	ErrNotConfigured = errors.New("project deploys are not configured")
)

// SaveInput encapsulates a code snapshot. ID is set when re-saving an
// existing project.
type SaveInput struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	SandboxID     string   `json:"sandbox_id,omitempty"`
	Language      string   `json:"language,omitempty"`
	Code          string   `json:"code"`
	Collaborators []string `json:"collaborators,omitempty"`
}

// Service stores collaborative code snapshots.
type Service struct {
	projects repository.ProjectRepository
	deployer Deployer
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a project service. A nil deployer disables Deploy.
func New(projects repository.ProjectRepository, deployer Deployer, logger *slog.Logger) Service {
	return Service{projects: projects, deployer: deployer, logger: logger.With("component", "project"), now: time.Now}
}

// Save stores a snapshot. A new project gets id slug(name)-<unix millis> and
// version 1; saving an existing id bumps its version.
func (s Service) Save(ctx context.Context, user domain.User, input SaveInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(input.Code) > maxCodeBytes {
		return nil, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidInput, maxCodeBytes)
	}
	now := s.now().UTC()
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = fmt.Sprintf("%s-%d", slug(name), now.UnixMilli())
	}
	language := strings.ToLower(strings.TrimSpace(input.Language))
	if language == "" {
		language = defaultLanguage
	}
	project := &domain.Project{
		ID:            id,
		UserID:        user.ID,
		SandboxID:     strings.TrimSpace(input.SandboxID),
		Name:          name,
		Language:      language,
		Code:          input.Code,
		Collaborators: collaborators(user.Email, input.Collaborators),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.projects.SaveProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", id, repository.ErrNotFound)
		}
		return nil, err
	}
	s.logger.Info("project saved", "project_id", project.ID, "user_id", user.ID, "version", project.Version)
	return project, nil
}

// List returns the user's projects, newest first.
func (s Service) List(ctx context.Context, user domain.User, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return s.projects.ListProjectsByUser(ctx, user.ID, limit)
}

// owned loads a project the user owns.
func (s Service) owned(ctx context.Context, user domain.User, id string) (*domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", id, repository.ErrNotFound)
		}
		return nil, err
	}
	if p.UserID != user.ID {
		return nil, ErrForbidden
	}
	return p, nil
}

// collaborators dedupes emails and always includes the owner.
func collaborators(owner string, emails []string) []string {
	seen := make(map[string]struct{}, len(emails)+1)
	out := make([]string, 0, len(emails)+1)
	for _, e := range append([]string{owner}, emails...) {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	out := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if out == "" {
		return "project"
	}
	return out
}
