package domain

import "time"

// Deployment statuses.
const (
	DeploymentDeploying = "deploying"
	DeploymentRunning   = "running"
	DeploymentStopped   = "stopped"
	DeploymentFailed    = "failed"
	DeploymentDeleted   = "deleted"
	DeploymentUnknown   = "unknown"
)

// Deployment captures an app deployed into its own sandbox.
type Deployment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SandboxID  string    `json:"sandbox_id"`
	AppName    string    `json:"app_name"`
	AppType    string    `json:"app_type"`
	ModelType  string    `json:"model_type"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	HourlyCost float64   `json:"hourly_cost"`
	Secrets    []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	URL          string
	Error        string
}
