package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

func TestStopBillsOnlyRunningTime(t *testing.T) {
	base := time.Date(2025, time.May, 20, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		state     string
		updatedAt string
		elapsed   time.Duration
		suspend   bool
		wantHours float64
		wantKind  string
	}{
		{name: "stopped by the call", state: "started", elapsed: 90 * time.Minute, wantHours: 1.5, wantKind: domain.ActivityStopped},
		{name: "auto-stopped before explicit stop", state: "stopped", updatedAt: base.Add(time.Hour).Format(time.RFC3339), elapsed: 25 * time.Hour, wantHours: 1, wantKind: domain.ActivityStopped},
		{name: "auto-stopped before reaper", state: "stopped", updatedAt: base.Add(time.Hour).Format(time.RFC3339), elapsed: 25 * time.Hour, suspend: true, wantHours: 1, wantKind: domain.ActivityStopped},
		{name: "reaper stops a running sandbox", state: "started", elapsed: 25 * time.Hour, suspend: true, wantHours: 25, wantKind: domain.ActivityIdleStop},
		{name: "stop time unknown", state: "stopped", elapsed: 25 * time.Hour, suspend: true, wantHours: 0, wantKind: domain.ActivityStopped},
		{name: "vendor clock ahead", state: "stopped", updatedAt: base.Add(48 * time.Hour).Format(time.RFC3339), elapsed: 2 * time.Hour, wantHours: 2, wantKind: domain.ActivityStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sb := owned("sb-1", "user-1", tc.state, time.Time{})
			sb.UpdatedAtRaw = tc.updatedAt
			h := newHarness(sb)
			started := base
			rec := domain.Sandbox{ID: "sb-1", UserID: "user-1", Plan: "free", State: domain.StateStarted, StartedAt: &started}
			h.repo.records["sb-1"] = rec
			h.now = base.Add(tc.elapsed)

			var err error
			if tc.suspend {
				err = h.svc.Suspend(context.Background(), rec, domain.ActivityIdleStop, "idle")
			} else {
				_, err = h.svc.Stop(context.Background(), domain.User{ID: "user-1"}, "sb-1")
			}
			if err != nil {
				t.Fatalf("stop returned error: %v", err)
			}

			var billed float64
			for _, call := range h.usage.calls {
				if call.kind == domain.UsageSandboxHours {
					billed += call.amount
				}
			}
			if billed != tc.wantHours {
				t.Fatalf("expected %v sandbox hours, got %v (%+v)", tc.wantHours, billed, h.usage.calls)
			}
			stored := h.repo.records["sb-1"]
			if stored.StartedAt != nil || stored.State != domain.StateStopped {
				t.Fatalf("record not closed out: %+v", stored)
			}
			last := h.activity.entries[len(h.activity.entries)-1]
			if last.Kind != tc.wantKind {
				t.Fatalf("expected %s activity, got %s", tc.wantKind, last.Kind)
			}
		})
	}
}

func TestStopTwiceBillsOnce(t *testing.T) {
	h := newHarness(owned("sb-1", "user-1", "stopped", time.Time{}))
	user := domain.User{ID: "user-1"}
	if _, err := h.svc.Start(context.Background(), user, "sb-1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	h.now = h.now.Add(time.Hour)
	if _, err := h.svc.Stop(context.Background(), user, "sb-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	h.now = h.now.Add(24 * time.Hour)
	if _, err := h.svc.Stop(context.Background(), user, "sb-1"); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if len(h.usage.calls) != 1 || h.usage.calls[0].amount != 1 {
		t.Fatalf("expected a single 1h accrual, got %+v", h.usage.calls)
	}
}
