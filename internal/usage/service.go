// Package usage meters per-user monthly consumption and prices overage.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

var errNegativeAmount = errors.New("usage amount must not be negative")

// Summary is the usage view returned to callers.
type Summary struct {
	Plan          plan.Plan          `json:"plan"`
	PeriodStart   time.Time          `json:"period_start"`
	Usage         Counters           `json:"usage"`
	Caps          Caps               `json:"caps"`
	Percentages   map[string]float64 `json:"percentages"`
	Overage       map[string]bool    `json:"overage"`
	EstimatedCost float64            `json:"estimated_cost"`
}

// Service tracks usage counters.
type Service struct {
	repo   repository.UsageRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a usage service.
func New(repo repository.UsageRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger, now: time.Now}
}

// PeriodStart returns the first instant of the UTC month containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Track adds amount to the user's counter for kind in the current period.
func (s Service) Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error {
	if amount < 0 {
		return errNegativeAmount
	}
	if amount == 0 || userID == "" {
		return nil
	}
	switch kind {
	case domain.UsageAPICalls, domain.UsageSandboxHours, domain.UsageDeployments:
	default:
		return fmt.Errorf("unknown usage kind %q", kind)
	}
	period := PeriodStart(s.now())
	if err := s.repo.IncrementUsage(ctx, userID, period, kind, amount); err != nil {
		return fmt.Errorf("increment %s: %w", kind, err)
	}
	s.logger.Debug("usage tracked", "user_id", userID, "kind", kind, "amount", amount)
	return nil
}

// Counters loads the current period counters for a user. Missing rows are zero.
func (s Service) Counters(ctx context.Context, userID string) (Counters, time.Time, error) {
	period := PeriodStart(s.now())
	row, err := s.repo.GetUsage(ctx, userID, period)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Counters{}, period, nil
		}
		return Counters{}, period, err
	}
	return Counters{APICalls: row.APICalls, SandboxHours: row.SandboxHours, Deployments: row.Deployments}, period, nil
}

// Summary computes counters, caps and cost for the user's plan.
func (s Service) Summary(ctx context.Context, user domain.User) (Summary, error) {
	counters, period, err := s.Counters(ctx, user.ID)
	if err != nil {
		return Summary{}, err
	}
	p := plan.Parse(string(user.Plan))
	caps := CapsFor(p)
	return Summary{
		Plan:        p,
		PeriodStart: period,
		Usage:       counters,
		Caps:        caps,
		Percentages: map[string]float64{
			string(domain.UsageAPICalls):     percent(float64(counters.APICalls), float64(caps.APICalls)),
			string(domain.UsageSandboxHours): percent(counters.SandboxHours, caps.SandboxHours),
			string(domain.UsageDeployments):  percent(float64(counters.Deployments), float64(caps.Deployments)),
		},
		Overage: map[string]bool{
			string(domain.UsageAPICalls):     overage(float64(counters.APICalls), float64(caps.APICalls)) > 0,
			string(domain.UsageSandboxHours): overage(counters.SandboxHours, caps.SandboxHours) > 0,
			string(domain.UsageDeployments):  overage(float64(counters.Deployments), float64(caps.Deployments)) > 0,
		},
		EstimatedCost: Cost(counters, caps),
	}, nil
}

func percent(used, included float64) float64 {
	if included <= 0 {
		return 0
	}
	return round2(used / included * 100)
}
