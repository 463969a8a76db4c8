package domain

import (
	"encoding/json"
	"time"
)

// Sandbox activity kinds.
const (
	ActivityCreated  = "created"
	ActivityStarted  = "started"
	ActivityStopped  = "stopped"
	ActivityDeleted  = "deleted"
	ActivitySnapshot = "snapshot"
	ActivityExecuted = "executed"
	ActivityDeployed = "deployed"
	ActivityCleanup  = "cleanup"
	ActivityIdleStop = "idle_stop"
)

// SandboxActivity is a lifecycle event recorded against a sandbox.
type SandboxActivity struct {
	ID        int64           `json:"id"`
	SandboxID string          `json:"sandbox_id"`
	UserID    string          `json:"user_id,omitempty"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
