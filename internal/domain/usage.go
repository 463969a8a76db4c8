package domain

import "time"

// UsageKind names a metered dimension.
type UsageKind string

const (
	UsageAPICalls     UsageKind = "api_calls"
	UsageSandboxHours UsageKind = "sandbox_hours"
	UsageDeployments  UsageKind = "deployments"
)

// UsagePeriod holds one user's counters for a calendar month.
type UsagePeriod struct {
	UserID       string    `json:"user_id"`
	PeriodStart  time.Time `json:"period_start"`
	APICalls     int64     `json:"api_calls"`
	SandboxHours float64   `json:"sandbox_hours"`
	Deployments  int64     `json:"deployments"`
	UpdatedAt    time.Time `json:"updated_at"`
}
