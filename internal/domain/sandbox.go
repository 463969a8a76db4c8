package domain

import (
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

// Labels written on every vendor sandbox this service creates.
// LabelOwner is the authoritative ownership field.
const (
	LabelOwner    = "neural-weights/user-id"
	LabelEmail    = "neural-weights/user-email"
	LabelPlan     = "neural-weights/plan"
	LabelCreated  = "neural-weights/created"
	LabelPlatform = "neural-weights/platform"
	LabelKind     = "neural-weights/kind"
)

// Values of LabelKind. Sandboxes without the label predate it and are
// workspaces.
const (
	KindWorkspace = "workspace"
	KindApp       = "app"
)

// SandboxState mirrors the vendor lifecycle state of a sandbox.
type SandboxState string

const (
	StateStarted  SandboxState = "STARTED"
	StateStopped  SandboxState = "STOPPED"
	StateStarting SandboxState = "STARTING"
	StateStopping SandboxState = "STOPPING"
	StateCreating SandboxState = "CREATING"
	StateError    SandboxState = "ERROR"
	StateUnknown  SandboxState = "UNKNOWN"
)

// Busy reports whether the sandbox is running or between states. Busy
// sandboxes are never deleted.
func (s SandboxState) Busy() bool {
	switch s {
	case StateStarted, StateStarting, StateStopping, StateCreating:
		return true
	}
	return false
}

// Sandbox is the local record of a vendor sandbox. UserID is the single
// authoritative owner.
type Sandbox struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Name           string       `json:"name"`
	Plan           plan.Plan    `json:"plan"`
	CPU            int          `json:"cpu"`
	Memory         int          `json:"memory"`
	Disk           int          `json:"disk"`
	State          SandboxState `json:"state"`
	Protected      bool         `json:"protected"`
	Snapshot       string       `json:"snapshot,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
