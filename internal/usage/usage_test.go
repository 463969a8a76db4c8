package usage

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

type stubUsageRepo struct {
	rows map[string]*domain.UsagePeriod
}

func newStubUsageRepo() *stubUsageRepo {
	return &stubUsageRepo{rows: make(map[string]*domain.UsagePeriod)}
}

func (s *stubUsageRepo) key(userID string, period time.Time) string {
	return userID + "|" + period.Format(time.RFC3339)
}

func (s *stubUsageRepo) IncrementUsage(ctx context.Context, userID string, period time.Time, kind domain.UsageKind, amount float64) error {
	k := s.key(userID, period)
	row, ok := s.rows[k]
	if !ok {
		row = &domain.UsagePeriod{UserID: userID, PeriodStart: period}
		s.rows[k] = row
	}
	switch kind {
	case domain.UsageAPICalls:
		row.APICalls += int64(amount)
	case domain.UsageSandboxHours:
		row.SandboxHours += amount
	case domain.UsageDeployments:
		row.Deployments += int64(amount)
	}
	return nil
}

func (s *stubUsageRepo) GetUsage(ctx context.Context, userID string, period time.Time) (*domain.UsagePeriod, error) {
	row, ok := s.rows[s.key(userID, period)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *row
	return &out, nil
}

func TestCostWithinCapsIsZero(t *testing.T) {
	caps := CapsFor(plan.Free)
	cost := Cost(Counters{APICalls: 100, SandboxHours: 10, Deployments: 1}, caps)
	if cost != 0 {
		t.Fatalf("expected zero cost at caps, got %v", cost)
	}
}

func TestCostFreePlanExample(t *testing.T) {
	cost := Cost(Counters{APICalls: 150, SandboxHours: 5}, Caps{APICalls: 100, SandboxHours: 10, Deployments: 1})
	if cost != 0.05 {
		t.Fatalf("expected 0.05, got %v", cost)
	}
}

func TestCostPositiveOnAnyOverage(t *testing.T) {
	caps := CapsFor(plan.Free)
	cases := []Counters{
		{APICalls: 101},
		{SandboxHours: 10.5},
		{Deployments: 2},
	}
	for _, c := range cases {
		if cost := Cost(c, caps); cost <= 0 {
			t.Fatalf("expected positive cost for %+v, got %v", c, cost)
		}
	}
}

func TestCostRoundedToCents(t *testing.T) {
	caps := Caps{APICalls: 0, SandboxHours: 0, Deployments: 0}
	for _, c := range []Counters{{APICalls: 3}, {APICalls: 7, SandboxHours: 0.333}, {SandboxHours: 1.01}} {
		cost := Cost(c, caps)
		if math.Abs(cost*100-math.Round(cost*100)) > 1e-9 {
			t.Fatalf("cost %v is not rounded to 2 decimals", cost)
		}
	}
}

func TestCostIgnoresUnlimitedCaps(t *testing.T) {
	if cost := Cost(Counters{Deployments: 500}, Caps{APICalls: 1, SandboxHours: 1, Deployments: -1}); cost != 0 {
		t.Fatalf("unlimited cap should never bill, got %v", cost)
	}
}

func TestServiceTrackAndSummary(t *testing.T) {
	repo := newStubUsageRepo()
	svc := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 150; i++ {
		if err := svc.Track(ctx, "user-1", domain.UsageAPICalls, 1); err != nil {
			t.Fatalf("Track returned error: %v", err)
		}
	}
	if err := svc.Track(ctx, "user-1", domain.UsageSandboxHours, 5); err != nil {
		t.Fatalf("Track hours returned error: %v", err)
	}

	summary, err := svc.Summary(ctx, domain.User{ID: "user-1", Plan: plan.Free})
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if !summary.PeriodStart.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period start %v", summary.PeriodStart)
	}
	if summary.Usage.APICalls != 150 {
		t.Fatalf("expected 150 api calls, got %d", summary.Usage.APICalls)
	}
	if summary.EstimatedCost != 0.05 {
		t.Fatalf("expected cost 0.05, got %v", summary.EstimatedCost)
	}
	if !summary.Overage[string(domain.UsageAPICalls)] {
		t.Fatalf("expected api call overage flag")
	}
	if summary.Percentages[string(domain.UsageSandboxHours)] != 50 {
		t.Fatalf("expected 50%% hours, got %v", summary.Percentages[string(domain.UsageSandboxHours)])
	}
}

func TestServiceCostMonotonicWithinPeriod(t *testing.T) {
	repo := newStubUsageRepo()
	svc := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	user := domain.User{ID: "user-2", Plan: plan.Free}

	last := 0.0
	for i := 0; i < 30; i++ {
		if err := svc.Track(ctx, user.ID, domain.UsageDeployments, 1); err != nil {
			t.Fatalf("Track returned error: %v", err)
		}
		summary, err := svc.Summary(ctx, user)
		if err != nil {
			t.Fatalf("Summary returned error: %v", err)
		}
		if summary.EstimatedCost < last {
			t.Fatalf("cost decreased from %v to %v", last, summary.EstimatedCost)
		}
		last = summary.EstimatedCost
	}
}

func TestTrackRejectsNegative(t *testing.T) {
	svc := New(newStubUsageRepo(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Track(context.Background(), "user", domain.UsageAPICalls, -1); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}
