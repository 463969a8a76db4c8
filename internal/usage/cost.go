package usage

import (
	"math"

	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

// Overage unit prices in USD.
const (
	PricePerAPICall     = 0.001
	PricePerSandboxHour = 0.50
	PricePerDeployment  = 2.00
)

// Counters are the metered amounts for a billing period.
type Counters struct {
	APICalls     int64   `json:"api_calls"`
	SandboxHours float64 `json:"sandbox_hours"`
	Deployments  int64   `json:"deployments"`
}

// Caps are the included amounts for a billing period. Negative means unlimited.
type Caps struct {
	APICalls     int64   `json:"api_calls"`
	SandboxHours float64 `json:"sandbox_hours"`
	Deployments  int64   `json:"deployments"`
}

// CapsFor returns the included usage for p.
func CapsFor(p plan.Plan) Caps {
	limits := plan.LimitsFor(p)
	return Caps{
		APICalls:     int64(limits.APICalls),
		SandboxHours: limits.SandboxHours,
		Deployments:  int64(limits.Deployments),
	}
}

// Cost prices the usage above caps, rounded to cents.
func Cost(c Counters, caps Caps) float64 {
	total := overage(float64(c.APICalls), float64(caps.APICalls))*PricePerAPICall +
		overage(c.SandboxHours, caps.SandboxHours)*PricePerSandboxHour +
		overage(float64(c.Deployments), float64(caps.Deployments))*PricePerDeployment
	return round2(total)
}

func overage(used, included float64) float64 {
	if included < 0 || used <= included {
		return 0
	}
	return used - included
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
