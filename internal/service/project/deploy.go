package project

import (
	"context"
	"fmt"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
)

// Deployer launches app sandboxes.
type Deployer interface {
	Deploy(ctx context.Context, user domain.User, in deploy.Input) (*domain.Deployment, error)
}

// Deploy publishes an owned python project as a custom app on gpt-20b.
// Requirements are guessed from the code. A failed launch still returns the
// failed deployment record alongside the error.
func (s Service) Deploy(ctx context.Context, user domain.User, id string) (*domain.Deployment, error) {
	if s.deployer == nil {
		return nil, ErrNotConfigured
	}
	p, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if p.Language != "python" {
		return nil, fmt.Errorf("%w: only python projects can be deployed, got %s", ErrInvalidInput, p.Language)
	}
	dep, err := s.deployer.Deploy(ctx, user, deploy.Input{
		AppName:      p.Name,
		ModelType:    string(plan.Model20B),
		AppType:      deploy.AppCustom,
		Code:         p.Code,
		Requirements: Requirements(p.Code),
	})
	if err != nil {
		return dep, err
	}
	s.logger.Info("project deployed", "project_id", p.ID, "deployment_id", dep.ID, "user_id", user.ID)
	return dep, nil
}
