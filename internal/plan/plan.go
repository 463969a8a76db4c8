// Package plan maps subscription tiers to sandbox quotas, model access and
// usage caps. Every lookup is pure; unknown tiers resolve to Free.
package plan

import "strings"

// Plan identifies a subscription tier.
type Plan string

const (
	Free       Plan = "free"
	Pro        Plan = "pro"
	Team       Plan = "team"
	Enterprise Plan = "enterprise"
)

// Vendor maxima for a single sandbox.
const (
	MaxCPU      = 4
	MaxMemoryGB = 8
	MaxDiskGB   = 10
)

// Unlimited marks a cap that is never enforced.
const Unlimited = -1

// Model names a hosted inference model.
type Model string

const (
	Model20B  Model = "gpt-20b"
	Model120B Model = "gpt-120b"
)

// ParseModel normalises a model name. ok is false for unknown models.
func ParseModel(name string) (Model, bool) {
	switch Model(strings.ToLower(strings.TrimSpace(name))) {
	case Model20B:
		return Model20B, true
	case Model120B:
		return Model120B, true
	}
	return "", false
}

// Resources describes the compute quota for a sandbox.
type Resources struct {
	CPU    int    `json:"cpu"`
	Memory int    `json:"memory"`
	Disk   int    `json:"disk"`
	GPU    string `json:"gpu,omitempty"`
}

// Volume is a model-weights volume mounted into a sandbox.
type Volume struct {
	Model     Model  `json:"model"`
	VolumeID  string `json:"volume_id"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only"`
}

// VolumeIDs carries the vendor identifiers of the model volumes.
type VolumeIDs struct {
	GPT20B  string
	GPT120B string
}

// Limits is the full policy row for a plan.
type Limits struct {
	Plan            Plan      `json:"plan"`
	Resources       Resources `json:"resources"`
	AutoStopMinutes int       `json:"auto_stop_minutes"`
	APICalls        int       `json:"api_calls"`
	SandboxHours    float64   `json:"sandbox_hours"`
	Deployments     int       `json:"deployments"`
	MaxSandboxes    int       `json:"max_sandboxes"`
	MaxDeployments  int       `json:"max_deployments"`
	Models          []Model   `json:"models"`
	DeployResources Resources `json:"deploy_resources"`
	HourlyAppCost   float64   `json:"hourly_app_cost"`
}

var table = map[Plan]Limits{
	Free: {
		Plan:            Free,
		Resources:       Resources{CPU: 1, Memory: 1, Disk: 10},
		AutoStopMinutes: 60,
		APICalls:        100,
		SandboxHours:    10,
		Deployments:     1,
		MaxSandboxes:    1,
		MaxDeployments:  1,
		Models:          []Model{Model20B},
		DeployResources: Resources{CPU: 2, Memory: 4, Disk: 10},
		HourlyAppCost:   0,
	},
	Pro: {
		Plan:            Pro,
		Resources:       Resources{CPU: 2, Memory: 4, Disk: 10},
		APICalls:        10000,
		SandboxHours:    100,
		Deployments:     10,
		MaxSandboxes:    10,
		MaxDeployments:  5,
		Models:          []Model{Model20B, Model120B},
		DeployResources: Resources{CPU: 4, Memory: 8, Disk: 10, GPU: "T4"},
		HourlyAppCost:   0.10,
	},
	Team: {
		Plan:            Team,
		Resources:       Resources{CPU: 4, Memory: 8, Disk: 10},
		APICalls:        100000,
		SandboxHours:    500,
		Deployments:     50,
		MaxSandboxes:    10,
		MaxDeployments:  20,
		Models:          []Model{Model20B, Model120B},
		DeployResources: Resources{CPU: 4, Memory: 8, Disk: 10, GPU: "A10G"},
		HourlyAppCost:   0.25,
	},
	Enterprise: {
		Plan:            Enterprise,
		Resources:       Resources{CPU: 4, Memory: 8, Disk: 10},
		APICalls:        1000000,
		SandboxHours:    2000,
		Deployments:     200,
		MaxSandboxes:    10,
		MaxDeployments:  Unlimited,
		Models:          []Model{Model20B, Model120B},
		DeployResources: Resources{CPU: 4, Memory: 8, Disk: 10, GPU: "A100"},
		HourlyAppCost:   0.50,
	},
}

// Parse resolves a plan name. "developer" is accepted as Pro; anything
// unrecognised is Free.
func Parse(name string) Plan {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pro", "developer":
		return Pro
	case "team":
		return Team
	case "enterprise":
		return Enterprise
	default:
		return Free
	}
}

// Valid reports whether p is one of the known tiers.
func (p Plan) Valid() bool {
	_, ok := table[p]
	return ok
}

// Paid reports whether p is a paid tier.
func (p Plan) Paid() bool {
	return p.Valid() && p != Free
}

// All lists the tiers from cheapest to most expensive.
func All() []Plan {
	return []Plan{Free, Pro, Team, Enterprise}
}

// LimitsFor returns the policy row for p.
func LimitsFor(p Plan) Limits {
	limits, ok := table[p]
	if !ok {
		limits = table[Free]
	}
	limits.Models = append([]Model(nil), limits.Models...)
	return limits
}

// ResourcesFor returns the sandbox quota for p.
func ResourcesFor(p Plan) Resources {
	return LimitsFor(p).Resources
}

// DeploymentResources returns the quota used for app deployments on p.
func DeploymentResources(p Plan) Resources {
	return LimitsFor(p).DeployResources
}

// VolumesFor lists the model volumes mounted for p. The 120B weights are
// reserved for paid plans.
func VolumesFor(p Plan, ids VolumeIDs) []Volume {
	volumes := []Volume{{
		Model:     Model20B,
		VolumeID:  ids.GPT20B,
		MountPath: "/models/gpt-20b",
		ReadOnly:  true,
	}}
	if LimitsFor(p).Plan.Paid() {
		volumes = append(volumes, Volume{
			Model:     Model120B,
			VolumeID:  ids.GPT120B,
			MountPath: "/models/gpt-120b",
			ReadOnly:  true,
		})
	}
	return volumes
}

// CanUseModel reports whether p grants access to m.
func CanUseModel(p Plan, m Model) bool {
	for _, allowed := range LimitsFor(p).Models {
		if allowed == m {
			return true
		}
	}
	return false
}
