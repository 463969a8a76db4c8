// Package reaper stops free-plan sandboxes that have sat idle too long.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/pkg/config"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultIdleAfter = 24 * time.Hour
	sweepTimeout     = 2 * time.Minute
)

// Suspender stops a sandbox on behalf of the system.
type Suspender interface {
	Suspend(ctx context.Context, rec domain.Sandbox, kind, reason string) error
}

// Controller periodically stops idle free-plan sandboxes.
type Controller struct {
	sandboxes repository.SandboxRepository
	suspender Suspender
	logger    *slog.Logger

	interval  time.Duration
	idleAfter time.Duration

	now func() time.Time
}

// New constructs a reaper. It returns nil when either dependency is missing.
func New(sandboxes repository.SandboxRepository, suspender Suspender, logger *slog.Logger, cfg config.APIConfig) *Controller {
	if sandboxes == nil || suspender == nil {
		return nil
	}
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	idleAfter := cfg.ReaperIdleAfter
	if idleAfter <= 0 {
		idleAfter = defaultIdleAfter
	}
	return &Controller{
		sandboxes: sandboxes,
		suspender: suspender,
		logger:    logger.With("component", "reaper"),
		interval:  interval,
		idleAfter: idleAfter,
		now:       time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("idle reaper started", "interval", c.interval, "idle_after", c.idleAfter)
	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep stops every idle candidate and returns how many were stopped.
func (c *Controller) sweep(parent context.Context) int {
	timeout := sweepTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := c.now().Add(-c.idleAfter)
	idle, err := c.sandboxes.ListIdleSandboxes(ctx, plan.Free, domain.StateStarted, cutoff)
	if err != nil {
		c.logger.Warn("failed to list idle sandboxes", "error", err)
		return 0
	}
	reason := fmt.Sprintf("auto-stopped after %s of inactivity", c.idleAfter)
	stopped := 0
	for _, rec := range idle {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("sweep interrupted", "remaining", len(idle)-stopped, "error", err)
			break
		}
		if err := c.suspender.Suspend(ctx, rec, domain.ActivityIdleStop, reason); err != nil {
			c.logger.Warn("failed to stop idle sandbox", "sandbox_id", rec.ID, "user_id", rec.UserID, "error", err)
			continue
		}
		stopped++
		c.logger.Info("idle sandbox stopped", "sandbox_id", rec.ID, "user_id", rec.UserID, "last_activity_at", rec.LastActivityAt)
	}
	return stopped
}
