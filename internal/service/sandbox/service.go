// Package sandbox manages the lifecycle of user sandboxes on Daytona.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

// PreviewPort is the port the sandbox IDE listens on.
const PreviewPort = 22222

var (
	ErrNotFound      = errors.New("sandbox not found")
	ErrForbidden     = errors.New("access denied")
	ErrProtected     = errors.New("sandbox is protected")
	ErrBusy          = errors.New("sandbox is running or changing state")
	ErrNotRunning    = errors.New("sandbox is not running")
	ErrLimitExceeded = errors.New("sandbox limit reached for plan")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAppSandbox    = fmt.Errorf("%w: sandbox belongs to an app deployment", ErrNotFound)
)

// Vendor is the subset of the Daytona client used here.
type Vendor interface {
	Create(ctx context.Context, req daytona.CreateRequest) (*daytona.Sandbox, error)
	Get(ctx context.Context, id string) (*daytona.Sandbox, error)
	List(ctx context.Context, labels map[string]string) ([]daytona.Sandbox, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id, name string) error
	PreviewURL(ctx context.Context, id string, port int) (*daytona.Preview, error)
	Execute(ctx context.Context, id, command string, timeout time.Duration) (*daytona.ExecResult, error)
	WaitForState(ctx context.Context, id string, target domain.SandboxState, interval, budget time.Duration) (*daytona.Sandbox, error)
	Reachable(ctx context.Context, target, token string) bool
}

// UsageTracker records metered usage.
type UsageTracker interface {
	Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error
}

// ActivityRecorder stores sandbox lifecycle events.
type ActivityRecorder interface {
	Record(ctx context.Context, entry domain.SandboxActivity) error
}

// Config holds sandbox provisioning settings.
type Config struct {
	DefaultSnapshot string
	Target          string
	VolumeIDs       plan.VolumeIDs
	ProtectedIDs    []string
	CleanupAge      time.Duration
	GPT20BEndpoint  string
	GPT120BEndpoint string
	WaitInterval    time.Duration
	WaitBudget      time.Duration
}

// Service orchestrates sandbox operations.
type Service struct {
	vendor    Vendor
	sandboxes repository.SandboxRepository
	usage     UsageTracker
	activity  ActivityRecorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New constructs a sandbox service.
func New(vendor Vendor, sandboxes repository.SandboxRepository, usage UsageTracker, activity ActivityRecorder, logger *slog.Logger, cfg Config) Service {
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = DefaultCleanupAge
	}
	if cfg.ProtectedIDs == nil {
		cfg.ProtectedIDs = DefaultProtectedIDs
	}
	if cfg.DefaultSnapshot == "" {
		cfg.DefaultSnapshot = "daytonaio/sandbox:0.4.3"
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 2 * time.Second
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 30 * time.Second
	}
	return Service{
		vendor:    vendor,
		sandboxes: sandboxes,
		usage:     usage,
		activity:  activity,
		logger:    logger.With("component", "sandbox"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// ListResult is the owned sandbox listing with the plan's limits.
type ListResult struct {
	Sandboxes []domain.Sandbox `json:"sandboxes"`
	Count     int              `json:"count"`
	Limits    plan.Limits      `json:"limits"`
}

// Create provisions a sandbox sized for the user's plan.
func (s Service) Create(ctx context.Context, user domain.User, name string) (*domain.Sandbox, error) {
	p := plan.Parse(string(user.Plan))
	limits := plan.LimitsFor(p)

	owned, err := s.listOwned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if limits.MaxSandboxes > 0 && len(owned) >= limits.MaxSandboxes {
		return nil, fmt.Errorf("%w: %s plan allows %d", ErrLimitExceeded, p, limits.MaxSandboxes)
	}

	now := s.now().UTC()
	res := plan.ResourcesFor(p)
	autoStop := limits.AutoStopMinutes
	req := daytona.CreateRequest{
		Name:   fmt.Sprintf("neural-weights-%s-%s", cleanName(name), uuid.NewString()[:8]),
		Target: s.cfg.Target,
		Labels: map[string]string{
			domain.LabelOwner:    user.ID,
			domain.LabelEmail:    user.Email,
			domain.LabelPlan:     string(p),
			domain.LabelCreated:  now.Format(time.RFC3339),
			domain.LabelPlatform: "neural-weights-hub",
			domain.LabelKind:     domain.KindWorkspace,
		},
		Env:              s.envFor(user, p),
		CPU:              res.CPU,
		Memory:           res.Memory,
		Disk:             res.Disk,
		Volumes:          s.mountsFor(p),
		AutoStopInterval: &autoStop,
	}

	sb, err := s.createWithFallback(ctx, req, p)
	if err != nil {
		return nil, err
	}
	rec := s.syncRecord(ctx, user.ID, *sb, func(rec *domain.Sandbox) {
		rec.Plan = p
		rec.LastActivityAt = now
		if sb.State() == domain.StateStarted {
			rec.StartedAt = &now
		}
	})
	s.record(ctx, sb.ID, user.ID, domain.ActivityCreated, "sandbox created", map[string]any{"plan": p, "snapshot": rec.Snapshot})
	s.logger.Info("sandbox created", "sandbox_id", sb.ID, "user_id", user.ID, "plan", p, "snapshot", rec.Snapshot)
	return rec, nil
}

// createWithFallback walks the snapshot chain, moving on only when the
// vendor rejects the snapshot itself.
func (s Service) createWithFallback(ctx context.Context, req daytona.CreateRequest, p plan.Plan) (*daytona.Sandbox, error) {
	var lastErr error
	for _, snapshot := range snapshotChain(p, s.cfg.DefaultSnapshot) {
		req.Snapshot = snapshot
		sb, err := s.vendor.Create(ctx, req)
		if err == nil {
			if sb.Snapshot == "" {
				sb.Snapshot = snapshot
			}
			return sb, nil
		}
		lastErr = err
		var apiErr *daytona.APIError
		if !errors.As(err, &apiErr) || !snapshotRejected(apiErr.Status) {
			return nil, err
		}
		s.logger.Warn("snapshot rejected, trying next", "snapshot", snapshot, "error", err)
	}
	return nil, lastErr
}

func snapshotChain(p plan.Plan, fallback string) []string {
	chain := []string{fmt.Sprintf("neural-weights-%s-v1", p)}
	if fallback != "" && fallback != chain[0] {
		chain = append(chain, fallback)
	}
	return chain
}

func snapshotRejected(status int) bool {
	return status == 400 || status == 404 || status == 422
}

// List returns the caller's sandboxes, newest first.
func (s Service) List(ctx context.Context, user domain.User) (*ListResult, error) {
	owned, err := s.listOwned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].CreatedAt().After(owned[j].CreatedAt()) })
	protected := idSet(s.protectedIDs(ctx, owned))
	out := make([]domain.Sandbox, 0, len(owned))
	for _, sb := range owned {
		view := s.view(user.ID, sb)
		_, view.Protected = protected[sb.ID]
		out = append(out, view)
	}
	return &ListResult{Sandboxes: out, Count: len(out), Limits: plan.LimitsFor(plan.Parse(string(user.Plan)))}, nil
}

// Get returns the current state of an owned sandbox.
func (s Service) Get(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error) {
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	return s.syncRecord(ctx, user.ID, *sb, nil), nil
}

// Start boots an owned sandbox and waits briefly for it to report STARTED.
// The observed state is returned even when the wait budget runs out.
func (s Service) Start(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error) {
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	if sb.State() != domain.StateStarted {
		if err := s.vendor.Start(ctx, id); err != nil {
			return nil, err
		}
		sb = s.waitFor(ctx, *sb, domain.StateStarted)
	}
	now := s.now().UTC()
	rec := s.syncRecord(ctx, user.ID, *sb, func(rec *domain.Sandbox) {
		rec.LastActivityAt = now
		if sb.State() == domain.StateStarted && rec.StartedAt == nil {
			rec.StartedAt = &now
		}
	})
	s.record(ctx, id, user.ID, domain.ActivityStarted, "sandbox started", map[string]any{"state": sb.State()})
	return rec, nil
}

// Stop halts an owned sandbox and accrues its running hours.
func (s Service) Stop(ctx context.Context, user domain.User, id string) (*domain.Sandbox, error) {
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	return s.stop(ctx, user.ID, *sb, domain.ActivityStopped, "sandbox stopped")
}

func (s Service) stop(ctx context.Context, userID string, sb daytona.Sandbox, kind, message string) (*domain.Sandbox, error) {
	observed := &sb
	alreadyStopped := sb.State() == domain.StateStopped
	if !alreadyStopped {
		if err := s.vendor.Stop(ctx, sb.ID); err != nil {
			return nil, err
		}
		observed = s.waitFor(ctx, sb, domain.StateStopped)
	}
	ranUntil := s.now()
	if alreadyStopped {
		// Stopped outside this service (auto-stop or the vendor console):
		// the vendor's last state change is when it stopped running.
		ranUntil = sb.UpdatedAt()
	}
	var hours float64
	rec := s.syncRecord(ctx, userID, *observed, func(rec *domain.Sandbox) {
		hours = runningHours(rec.StartedAt, ranUntil, s.now())
		rec.StartedAt = nil
	})
	if hours > 0 {
		if err := s.usage.Track(ctx, userID, domain.UsageSandboxHours, hours); err != nil {
			s.logger.Warn("failed to track sandbox hours", "sandbox_id", sb.ID, "user_id", userID, "error", err)
		}
	}
	meta := map[string]any{"state": observed.State(), "hours": hours}
	if alreadyStopped {
		meta["already_stopped"] = true
	}
	s.record(ctx, sb.ID, userID, kind, message, meta)
	return rec, nil
}

// runningHours is the billable time between startedAt and ranUntil. A zero
// ranUntil means the stop time is unknown and nothing is billed; ranUntil
// is clamped to now.
func runningHours(startedAt *time.Time, ranUntil, now time.Time) float64 {
	if startedAt == nil || ranUntil.IsZero() {
		return 0
	}
	if ranUntil.After(now) {
		ranUntil = now
	}
	if !ranUntil.After(*startedAt) {
		return 0
	}
	return ranUntil.Sub(*startedAt).Hours()
}

// Suspend stops a sandbox on behalf of the system. The vendor state is read
// first; a sandbox that already stopped only has its record and hours
// closed out.
func (s Service) Suspend(ctx context.Context, rec domain.Sandbox, kind, reason string) error {
	sb, err := s.vendor.Get(ctx, rec.ID)
	if err != nil {
		if daytona.IsNotFound(err) {
			s.forget(ctx, rec.UserID, rec.ID, domain.ActivityDeleted, "sandbox no longer exists")
			return nil
		}
		return err
	}
	if sb.State() == domain.StateStopped {
		kind, reason = domain.ActivityStopped, "sandbox was already stopped by the vendor"
	}
	_, err = s.stop(ctx, rec.UserID, *sb, kind, reason)
	return err
}

// SuspendUser stops every running sandbox the user owns, app sandboxes
// included.
func (s Service) SuspendUser(ctx context.Context, userID, reason string) (int, error) {
	owned, err := s.listOwnedAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	stopped := 0
	var errs []error
	for _, sb := range owned {
		if sb.State() != domain.StateStarted && sb.State() != domain.StateStarting {
			continue
		}
		if IsWorkspace(sb) {
			_, err = s.stop(ctx, userID, sb, domain.ActivityStopped, reason)
		} else {
			// App sandboxes have no workspace record or metered hours.
			err = s.vendor.Stop(ctx, sb.ID)
			if err == nil {
				s.record(ctx, sb.ID, userID, domain.ActivityStopped, reason, map[string]any{"kind": domain.KindApp})
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", sb.ID, err))
			continue
		}
		stopped++
	}
	s.logger.Info("user sandboxes suspended", "user_id", userID, "stopped", stopped, "reason", reason)
	return stopped, errors.Join(errs...)
}

// Delete removes an owned sandbox that is neither protected nor busy.
func (s Service) Delete(ctx context.Context, user domain.User, id string) error {
	if s.isProtected(ctx, id) {
		return ErrProtected
	}
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return err
	}
	if sb.State().Busy() {
		return ErrBusy
	}
	if err := s.vendor.Delete(ctx, id); err != nil {
		return err
	}
	s.forget(ctx, user.ID, id, domain.ActivityDeleted, "deleted by owner")
	s.logger.Info("sandbox deleted", "sandbox_id", id, "user_id", user.ID)
	return nil
}

// Snapshot captures an owned sandbox.
func (s Service) Snapshot(ctx context.Context, user domain.User, id, name string) (string, error) {
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%s-snapshot-%d", sb.Name, s.now().Unix())
	}
	if err := s.vendor.Snapshot(ctx, id, name); err != nil {
		return "", err
	}
	s.record(ctx, id, user.ID, domain.ActivitySnapshot, "snapshot requested", map[string]any{"snapshot": name})
	return name, nil
}

// PreviewResult is the IDE link for a sandbox.
type PreviewResult struct {
	SandboxID  string `json:"sandbox_id"`
	URL        string `json:"url"`
	Token      string `json:"token,omitempty"`
	Accessible bool   `json:"accessible"`
	Fallback   bool   `json:"fallback"`
}

// Preview returns the IDE URL of a running sandbox. When the signed link
// cannot be obtained the deterministic proxy address is returned instead.
func (s Service) Preview(ctx context.Context, user domain.User, id string) (*PreviewResult, error) {
	sb, err := s.authorize(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	if sb.State() != domain.StateStarted {
		return nil, fmt.Errorf("%w: state %s", ErrNotRunning, sb.State())
	}
	result := &PreviewResult{SandboxID: id}
	preview, err := s.vendor.PreviewURL(ctx, id, PreviewPort)
	if err != nil || preview == nil || preview.URL == "" {
		s.logger.Warn("signed preview unavailable, using proxy address", "sandbox_id", id, "error", err)
		result.URL = daytona.FallbackPreviewURL(id, PreviewPort)
		result.Fallback = true
	} else {
		result.URL, result.Token = preview.URL, preview.Token
	}
	result.Accessible = s.vendor.Reachable(ctx, result.URL, result.Token)
	s.touch(ctx, user.ID, *sb)
	return result, nil
}

func (s Service) waitFor(ctx context.Context, sb daytona.Sandbox, target domain.SandboxState) *daytona.Sandbox {
	observed, err := s.vendor.WaitForState(ctx, sb.ID, target, s.cfg.WaitInterval, s.cfg.WaitBudget)
	if err != nil && !errors.Is(err, daytona.ErrStateTimeout) {
		s.logger.Warn("waiting for sandbox state failed", "sandbox_id", sb.ID, "target", target, "error", err)
	}
	if observed == nil {
		return &sb
	}
	return observed
}

func (s Service) authorize(ctx context.Context, userID, id string) (*daytona.Sandbox, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: sandbox id required", ErrInvalidInput)
	}
	sb, err := s.vendor.Get(ctx, id)
	if err != nil {
		if daytona.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !OwnedBy(*sb, userID) {
		s.logger.Warn("sandbox access denied", "sandbox_id", id, "user_id", userID)
		return nil, ErrForbidden
	}
	if !IsWorkspace(*sb) {
		return nil, ErrAppSandbox
	}
	return sb, nil
}

// listOwned returns the user's workspaces. App sandboxes are excluded so
// they neither count toward the plan's sandbox limit nor get cleaned up.
func (s Service) listOwned(ctx context.Context, userID string) ([]daytona.Sandbox, error) {
	all, err := s.listOwnedAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Workspaces(all), nil
}

func (s Service) listOwnedAll(ctx context.Context, userID string) ([]daytona.Sandbox, error) {
	if userID == "" {
		return nil, ErrForbidden
	}
	list, err := s.vendor.List(ctx, map[string]string{domain.LabelOwner: userID})
	if err != nil {
		return nil, err
	}
	return FilterOwned(list, userID), nil
}

func (s Service) protectedIDs(ctx context.Context, owned []daytona.Sandbox) []string {
	out := append([]string(nil), s.cfg.ProtectedIDs...)
	for _, sb := range owned {
		rec, err := s.sandboxes.GetSandbox(ctx, sb.ID)
		if err == nil && rec.Protected {
			out = append(out, sb.ID)
		}
	}
	return out
}

func (s Service) isProtected(ctx context.Context, id string) bool {
	for _, protected := range s.cfg.ProtectedIDs {
		if protected == id {
			return true
		}
	}
	rec, err := s.sandboxes.GetSandbox(ctx, id)
	return err == nil && rec.Protected
}

func (s Service) view(userID string, sb daytona.Sandbox) domain.Sandbox {
	created := sb.CreatedAt()
	return domain.Sandbox{
		ID:        sb.ID,
		UserID:    userID,
		Name:      sb.Name,
		Plan:      plan.Parse(sb.Label(domain.LabelPlan)),
		CPU:       sb.CPU,
		Memory:    sb.Memory,
		Disk:      sb.Disk,
		State:     sb.State(),
		Snapshot:  sb.Snapshot,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// syncRecord mirrors vendor state into the local record. The mirror is best
// effort; failures are logged and the merged view is still returned.
func (s Service) syncRecord(ctx context.Context, userID string, sb daytona.Sandbox, mutate func(*domain.Sandbox)) *domain.Sandbox {
	now := s.now().UTC()
	rec, err := s.sandboxes.GetSandbox(ctx, sb.ID)
	create := false
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to load sandbox record", "sandbox_id", sb.ID, "error", err)
		}
		fresh := s.view(userID, sb)
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = now
		}
		fresh.LastActivityAt = now
		rec = &fresh
		create = true
	}
	rec.UserID = userID
	rec.State = sb.State()
	if sb.CPU > 0 {
		rec.CPU, rec.Memory, rec.Disk = sb.CPU, sb.Memory, sb.Disk
	}
	if sb.Snapshot != "" {
		rec.Snapshot = sb.Snapshot
	}
	if mutate != nil {
		mutate(rec)
	}
	rec.UpdatedAt = now
	if create {
		err = s.sandboxes.CreateSandbox(ctx, rec)
	} else {
		err = s.sandboxes.UpdateSandbox(ctx, rec)
	}
	if err != nil {
		s.logger.Warn("failed to persist sandbox record", "sandbox_id", sb.ID, "error", err)
	}
	if !rec.Protected {
		rec.Protected = s.isProtected(ctx, sb.ID)
	}
	return rec
}

func (s Service) touch(ctx context.Context, userID string, sb daytona.Sandbox) {
	now := s.now().UTC()
	s.syncRecord(ctx, userID, sb, func(rec *domain.Sandbox) { rec.LastActivityAt = now })
}

func (s Service) forget(ctx context.Context, userID, id, kind, message string) {
	if err := s.sandboxes.DeleteSandbox(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("failed to remove sandbox record", "sandbox_id", id, "error", err)
	}
	s.record(ctx, id, userID, kind, message, nil)
}

func (s Service) record(ctx context.Context, sandboxID, userID, kind, message string, metadata map[string]any) {
	if s.activity == nil {
		return
	}
	entry := domain.SandboxActivity{
		SandboxID: sandboxID,
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record sandbox activity", "sandbox_id", sandboxID, "kind", kind, "error", err)
	}
}

func (s Service) envFor(user domain.User, p plan.Plan) map[string]string {
	env := map[string]string{
		"NEURAL_WEIGHTS_USER_ID": user.ID,
		"NEURAL_WEIGHTS_PLAN":    string(p),
		"GPT_20B_ENDPOINT":       s.cfg.GPT20BEndpoint,
		"MODEL_PATH_20B":         "/models/gpt-20b",
	}
	if plan.CanUseModel(p, plan.Model120B) {
		env["GPT_120B_ENDPOINT"] = s.cfg.GPT120BEndpoint
		env["MODEL_PATH_120B"] = "/models/gpt-120b"
	}
	return env
}

func (s Service) mountsFor(p plan.Plan) []daytona.VolumeMount {
	volumes := plan.VolumesFor(p, s.cfg.VolumeIDs)
	mounts := make([]daytona.VolumeMount, 0, len(volumes))
	for _, v := range volumes {
		if v.VolumeID == "" {
			s.logger.Warn("model volume not configured", "model", v.Model)
			continue
		}
		mounts = append(mounts, daytona.VolumeMount{VolumeID: v.VolumeID, MountPath: v.MountPath})
	}
	return mounts
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

func cleanName(name string) string {
	cleaned := nameSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	cleaned = strings.Trim(cleaned, "-")
	if len(cleaned) > 20 {
		cleaned = strings.Trim(cleaned[:20], "-")
	}
	if cleaned == "" {
		return "workspace"
	}
	return cleaned
}
