package httpx

import (
	"context"

	"github.com/stripe/stripe-go/v79"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/service/billing"
	"github.com/JoeProAI/neural-weights-hub/internal/service/collab"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
	"github.com/JoeProAI/neural-weights-hub/internal/service/inference"
	"github.com/JoeProAI/neural-weights-hub/internal/service/project"
	"github.com/JoeProAI/neural-weights-hub/internal/service/sandbox"
	"github.com/JoeProAI/neural-weights-hub/internal/usage"
	"github.com/JoeProAI/neural-weights-hub/internal/ws"
)

// Authorizer resolves a bearer token to a user.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*domain.User, error)
}

// SandboxService is the sandbox surface used by handlers.
type SandboxService interface {
	List(ctx context.Context, user domain.User) (*sandbox.ListResult, error)
	Create(ctx context.Context, user domain.User, name string) (*domain.Sandbox, error)
	Get(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error)
	Start(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error)
	Stop(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error)
	Delete(ctx context.Context, user domain.User, id string) error
	Snapshot(ctx context.Context, user domain.User, id, name string) (string, error)
	Preview(ctx context.Context, user domain.User, id string) (*sandbox.PreviewResult, error)
	Execute(ctx context.Context, user domain.User, id, code, language string) (*sandbox.ExecResult, error)
	Cleanup(ctx context.Context, user domain.User) (*sandbox.CleanupReport, error)
	ListForCleanup(ctx context.Context, user domain.User) ([]sandbox.CleanupCandidate, error)
	DeleteSelected(ctx context.Context, user domain.User, ids []string) (*sandbox.DeleteReport, error)
}

// ActivityService lists and streams sandbox activity.
type ActivityService interface {
	List(ctx context.Context, sandboxID string, limit, offset int) ([]domain.SandboxActivity, error)
	Hub() *ws.Hub
}

// InferenceService runs hosted model completions.
type InferenceService interface {
	Chat(ctx context.Context, user domain.User, model string, messages []modal.Message) (*inference.ChatResult, error)
	Assist(ctx context.Context, user domain.User, in inference.AssistInput) (*inference.AssistResult, error)
	Health(ctx context.Context) modal.HealthReport
}

// DeployService manages app deployments.
type DeployService interface {
	Deploy(ctx context.Context, user domain.User, in deploy.Input) (*domain.Deployment, error)
	List(ctx context.Context, user domain.User) ([]domain.Deployment, error)
	Delete(ctx context.Context, user domain.User, id string) error
	Secrets(ctx context.Context, user domain.User, id string) (map[string]string, error)
}

// ProjectService stores code snapshots.
type ProjectService interface {
	Save(ctx context.Context, user domain.User, in project.SaveInput) (*domain.Project, error)
	List(ctx context.Context, user domain.User, limit int) ([]domain.Project, error)
	Export(ctx context.Context, user domain.User, id, format string) (*project.Export, error)
	Deploy(ctx context.Context, user domain.User, id string) (*domain.Deployment, error)
}

// UsageService reports metered usage.
type UsageService interface {
	Summary(ctx context.Context, user domain.User) (usage.Summary, error)
}

// BillingService manages subscriptions.
type BillingService interface {
	Overview(ctx context.Context, user domain.User) (*billing.Overview, error)
	Checkout(ctx context.Context, user domain.User, planName string) (string, error)
	Portal(ctx context.Context, user domain.User) (string, error)
	CreateSubscription(ctx context.Context, user domain.User, planName, paymentMethodID string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, user domain.User) (*stripe.Subscription, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// CollabService serves collaboration sockets.
type CollabService interface {
	Serve(ctx context.Context, conn collab.Conn) error
}

// Services bundles the router's dependencies. Nil services disable their
// routes with 503 responses.
type Services struct {
	Auth      Authorizer
	Sandboxes SandboxService
	Activity  ActivityService
	Inference InferenceService
	Deploy    DeployService
	Projects  ProjectService
	Usage     UsageService
	Billing   BillingService
	Collab    CollabService
}
