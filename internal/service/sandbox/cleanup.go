package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

// DefaultCleanupAge is the minimum age of a stopped sandbox before cleanup.
const DefaultCleanupAge = 7 * 24 * time.Hour

// DefaultProtectedIDs are production sandboxes that are never deleted.
var DefaultProtectedIDs = []string{
	"2a4c567a-5375-4a47-b356-68bbf5381930",
	"f8bf5d41-f332-4d69-b527-2636e4d5b897",
	"f93ec1b4-09cb-4f42-b1ba-f5602295c790",
	"25dab552-6c1d-4c86-905e-0478ba544b71",
}

// Per-id outcomes reported by cleanup and delete-selected.
const (
	ResultDeleted      = "deleted"
	ResultFailed       = "failed"
	ResultError        = "error"
	ResultProtected    = "protected"
	ResultNotFound     = "not_found"
	ResultAccessDenied = "access_denied"
	ResultRunning      = "running"
)

// SelectForCleanup returns the sandboxes that are not protected, are
// STOPPED, and are at least threshold old at now. A missing creation time
// counts as infinitely old.
func SelectForCleanup(list []daytona.Sandbox, protected []string, threshold time.Duration, now time.Time) []daytona.Sandbox {
	guarded := idSet(protected)
	eligible := make([]daytona.Sandbox, 0)
	for _, sb := range list {
		if _, ok := guarded[sb.ID]; ok {
			continue
		}
		if sb.State() != domain.StateStopped {
			continue
		}
		created := sb.CreatedAt()
		if !created.IsZero() && now.Sub(created) < threshold {
			continue
		}
		eligible = append(eligible, sb)
	}
	return eligible
}

// CleanupResult is the outcome for one sandbox.
type CleanupResult struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CleanupReport summarises an automatic cleanup run.
type CleanupReport struct {
	Eligible  int             `json:"eligible"`
	Deleted   int             `json:"deleted"`
	Failed    int             `json:"failed"`
	Remaining int             `json:"remaining"`
	Results   []CleanupResult `json:"results"`
}

// CleanupCandidate describes a sandbox in the cleanup listing.
type CleanupCandidate struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	State        domain.SandboxState `json:"state"`
	CreatedAt    time.Time           `json:"created_at"`
	AgeDays      int                 `json:"age_days"`
	Protected    bool                `json:"is_protected"`
	CanDelete    bool                `json:"can_delete"`
	AutoEligible bool                `json:"auto_eligible"`
	Reason       string              `json:"reason"`
}

// DeleteReport summarises a delete-selected run.
type DeleteReport struct {
	Results []CleanupResult `json:"results"`
	Summary map[string]int  `json:"summary"`
}

// Cleanup deletes the caller's sandboxes selected by the cleanup policy.
// Failures are collected per id and not retried.
func (s Service) Cleanup(ctx context.Context, user domain.User) (*CleanupReport, error) {
	owned, err := s.listOwned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	eligible := SelectForCleanup(owned, s.protectedIDs(ctx, owned), s.cfg.CleanupAge, s.now())
	report := &CleanupReport{Eligible: len(eligible), Results: make([]CleanupResult, 0, len(eligible))}
	for _, sb := range eligible {
		result := CleanupResult{ID: sb.ID, Name: sb.Name}
		if err := s.vendor.Delete(ctx, sb.ID); err != nil {
			result.Status, result.Error = classifyDeleteError(err)
			report.Failed++
			s.logger.Warn("cleanup delete failed", "sandbox_id", sb.ID, "user_id", user.ID, "error", err)
		} else {
			result.Status = ResultDeleted
			report.Deleted++
			s.forget(ctx, user.ID, sb.ID, domain.ActivityCleanup, "deleted by cleanup policy")
		}
		report.Results = append(report.Results, result)
	}
	report.Remaining = len(owned) - report.Deleted
	s.logger.Info("sandbox cleanup finished", "user_id", user.ID, "eligible", report.Eligible, "deleted", report.Deleted, "failed", report.Failed)
	return report, nil
}

// ListForCleanup reports every owned sandbox with its cleanup standing.
func (s Service) ListForCleanup(ctx context.Context, user domain.User) ([]CleanupCandidate, error) {
	owned, err := s.listOwned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	guarded := s.protectedIDs(ctx, owned)
	protected := idSet(guarded)
	eligible := idSet(ids(SelectForCleanup(owned, guarded, s.cfg.CleanupAge, now)))

	out := make([]CleanupCandidate, 0, len(owned))
	for _, sb := range owned {
		created := sb.CreatedAt()
		candidate := CleanupCandidate{
			ID:        sb.ID,
			Name:      sb.Name,
			State:     sb.State(),
			CreatedAt: created,
		}
		if !created.IsZero() {
			candidate.AgeDays = int(now.Sub(created).Hours() / 24)
		}
		_, candidate.Protected = protected[sb.ID]
		_, candidate.AutoEligible = eligible[sb.ID]
		candidate.CanDelete = !candidate.Protected && !sb.State().Busy()
		switch {
		case candidate.Protected:
			candidate.Reason = "protected"
		case sb.State().Busy():
			candidate.Reason = "running"
		case candidate.AutoEligible:
			candidate.Reason = "eligible"
		default:
			candidate.Reason = "recent"
		}
		out = append(out, candidate)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSelected deletes the listed sandboxes that the caller owns and that
// are neither protected nor busy.
func (s Service) DeleteSelected(ctx context.Context, user domain.User, sandboxIDs []string) (*DeleteReport, error) {
	if len(sandboxIDs) == 0 {
		return nil, fmt.Errorf("%w: sandbox_ids required", ErrInvalidInput)
	}
	report := &DeleteReport{Results: make([]CleanupResult, 0, len(sandboxIDs)), Summary: map[string]int{}}
	seen := make(map[string]struct{}, len(sandboxIDs))
	for _, raw := range sandboxIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		result := s.deleteOne(ctx, user, id)
		report.Results = append(report.Results, result)
		report.Summary[result.Status]++
	}
	report.Summary["total"] = len(report.Results)
	return report, nil
}

func (s Service) deleteOne(ctx context.Context, user domain.User, id string) CleanupResult {
	result := CleanupResult{ID: id}
	if s.isProtected(ctx, id) {
		result.Status = ResultProtected
		return result
	}
	sb, err := s.vendor.Get(ctx, id)
	if err != nil {
		if daytona.IsNotFound(err) {
			result.Status = ResultNotFound
			return result
		}
		result.Status, result.Error = ResultError, err.Error()
		return result
	}
	result.Name = sb.Name
	if !OwnedBy(*sb, user.ID) {
		result.Status = ResultAccessDenied
		return result
	}
	if !IsWorkspace(*sb) {
		result.Status, result.Error = ResultNotFound, ErrAppSandbox.Error()
		return result
	}
	if sb.State().Busy() {
		result.Status = ResultRunning
		return result
	}
	if err := s.vendor.Delete(ctx, id); err != nil {
		result.Status, result.Error = classifyDeleteError(err)
		s.logger.Warn("sandbox delete failed", "sandbox_id", id, "user_id", user.ID, "error", err)
		return result
	}
	result.Status = ResultDeleted
	s.forget(ctx, user.ID, id, domain.ActivityDeleted, "deleted by owner")
	return result
}

func classifyDeleteError(err error) (string, string) {
	var apiErr *daytona.APIError
	if errors.As(err, &apiErr) {
		return ResultFailed, apiErr.Error()
	}
	return ResultError, err.Error()
}

func idSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func ids(list []daytona.Sandbox) []string {
	out := make([]string, 0, len(list))
	for _, sb := range list {
		out = append(out, sb.ID)
	}
	return out
}
