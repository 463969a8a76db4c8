package repository

import (
	"context"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

// UserRepository persists users.
type UserRepository interface {
	UpsertUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByStripeCustomer(ctx context.Context, customerID string) (*domain.User, error)
	UpdateUserBilling(ctx context.Context, update domain.UserBillingUpdate) error
}

// SandboxRepository stores the local view of vendor sandboxes.
type SandboxRepository interface {
	CreateSandbox(ctx context.Context, sandbox *domain.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error)
	ListSandboxesByUser(ctx context.Context, userID string) ([]domain.Sandbox, error)
	UpdateSandbox(ctx context.Context, sandbox *domain.Sandbox) error
	DeleteSandbox(ctx context.Context, id string) error
	ListIdleSandboxes(ctx context.Context, p plan.Plan, state domain.SandboxState, activeBefore time.Time) ([]domain.Sandbox, error)
}

// DeploymentRepository stores app deployments.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByUser(ctx context.Context, userID string) ([]domain.Deployment, error)
	CountActiveDeployments(ctx context.Context, userID string) (int, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
}

// UsageRepository stores monthly usage counters.
type UsageRepository interface {
	IncrementUsage(ctx context.Context, userID string, periodStart time.Time, kind domain.UsageKind, amount float64) error
	GetUsage(ctx context.Context, userID string, periodStart time.Time) (*domain.UsagePeriod, error)
}

// ProjectRepository persists saved code snapshots.
type ProjectRepository interface {
	SaveProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string, limit int) ([]domain.Project, error)
}

// ActivityRepository handles sandbox activity persistence and retrieval.
type ActivityRepository interface {
	AppendActivity(ctx context.Context, activity *domain.SandboxActivity) error
	ListActivity(ctx context.Context, sandboxID string, limit, offset int) ([]domain.SandboxActivity, error)
}
