package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

type fakeVendor struct {
	mu         sync.Mutex
	sandboxes  map[string]*daytona.Sandbox
	created    []daytona.CreateRequest
	createErrs map[string]error
	deleteErrs map[string]error
	deleted    []string
	previewErr error
	execResult *daytona.ExecResult
	commands   []string
	startState string
}

func newFakeVendor(list ...daytona.Sandbox) *fakeVendor {
	v := &fakeVendor{sandboxes: make(map[string]*daytona.Sandbox), startState: "started"}
	for i := range list {
		sb := list[i]
		v.sandboxes[sb.ID] = &sb
	}
	return v
}

func (v *fakeVendor) Create(ctx context.Context, req daytona.CreateRequest) (*daytona.Sandbox, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created = append(v.created, req)
	if err := v.createErrs[req.Snapshot]; err != nil {
		return nil, err
	}
	sb := &daytona.Sandbox{ID: "new-" + req.Snapshot, Name: req.Name, RawState: "started", Labels: req.Labels, CPU: req.CPU, Memory: req.Memory, Disk: req.Disk}
	v.sandboxes[sb.ID] = sb
	return sb, nil
}

func (v *fakeVendor) Get(ctx context.Context, id string) (*daytona.Sandbox, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sb, ok := v.sandboxes[id]
	if !ok {
		return nil, &daytona.APIError{Status: 404, Message: "not found"}
	}
	out := *sb
	return &out, nil
}

func (v *fakeVendor) List(ctx context.Context, labels map[string]string) ([]daytona.Sandbox, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]daytona.Sandbox, 0, len(v.sandboxes))
	for _, sb := range v.sandboxes {
		out = append(out, *sb)
	}
	return out, nil
}

func (v *fakeVendor) setState(id, state string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	sb, ok := v.sandboxes[id]
	if !ok {
		return &daytona.APIError{Status: 404}
	}
	sb.RawState = state
	return nil
}

func (v *fakeVendor) Start(ctx context.Context, id string) error { return v.setState(id, v.startState) }
func (v *fakeVendor) Stop(ctx context.Context, id string) error  { return v.setState(id, "stopped") }

func (v *fakeVendor) Delete(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.deleteErrs[id]; err != nil {
		return err
	}
	delete(v.sandboxes, id)
	v.deleted = append(v.deleted, id)
	return nil
}

func (v *fakeVendor) Snapshot(ctx context.Context, id, name string) error { return nil }

func (v *fakeVendor) PreviewURL(ctx context.Context, id string, port int) (*daytona.Preview, error) {
	if v.previewErr != nil {
		return nil, v.previewErr
	}
	return &daytona.Preview{URL: "https://signed.example/" + id, Token: "tok"}, nil
}

func (v *fakeVendor) Execute(ctx context.Context, id, command string, timeout time.Duration) (*daytona.ExecResult, error) {
	v.mu.Lock()
	v.commands = append(v.commands, command)
	v.mu.Unlock()
	if v.execResult == nil {
		return &daytona.ExecResult{}, nil
	}
	return v.execResult, nil
}

func (v *fakeVendor) WaitForState(ctx context.Context, id string, target domain.SandboxState, interval, budget time.Duration) (*daytona.Sandbox, error) {
	sb, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State() != target {
		return sb, daytona.ErrStateTimeout
	}
	return sb, nil
}

func (v *fakeVendor) Reachable(ctx context.Context, target, token string) bool { return true }

type stubSandboxRepo struct {
	mu      sync.Mutex
	records map[string]domain.Sandbox
}

func newStubSandboxRepo() *stubSandboxRepo {
	return &stubSandboxRepo{records: make(map[string]domain.Sandbox)}
}

func (r *stubSandboxRepo) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sb.ID] = *sb
	return nil
}

func (r *stubSandboxRepo) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *stubSandboxRepo) ListSandboxesByUser(ctx context.Context, userID string) ([]domain.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Sandbox
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubSandboxRepo) UpdateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	return r.CreateSandbox(ctx, sb)
}

func (r *stubSandboxRepo) DeleteSandbox(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *stubSandboxRepo) ListIdleSandboxes(ctx context.Context, p plan.Plan, state domain.SandboxState, before time.Time) ([]domain.Sandbox, error) {
	return nil, nil
}

type usageCall struct {
	userID string
	kind   domain.UsageKind
	amount float64
}

type stubUsage struct {
	calls []usageCall
}

func (u *stubUsage) Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error {
	u.calls = append(u.calls, usageCall{userID: userID, kind: kind, amount: amount})
	return nil
}

type stubActivity struct {
	entries []domain.SandboxActivity
}

func (a *stubActivity) Record(ctx context.Context, entry domain.SandboxActivity) error {
	a.entries = append(a.entries, entry)
	return nil
}

func owned(id, userID, state string, created time.Time) daytona.Sandbox {
	sb := daytona.Sandbox{
		ID:       id,
		Name:     "neural-weights-" + id,
		RawState: state,
		Labels:   map[string]string{domain.LabelOwner: userID},
	}
	if !created.IsZero() {
		sb.CreatedAtRaw = created.Format(time.RFC3339)
	}
	return sb
}

type harness struct {
	svc      Service
	vendor   *fakeVendor
	repo     *stubSandboxRepo
	usage    *stubUsage
	activity *stubActivity
	now      time.Time
}

func newHarness(list ...daytona.Sandbox) *harness {
	h := &harness{
		vendor:   newFakeVendor(list...),
		repo:     newStubSandboxRepo(),
		usage:    &stubUsage{},
		activity: &stubActivity{},
		now:      time.Date(2025, time.May, 20, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = New(h.vendor, h.repo, h.usage, h.activity, logger, Config{
		VolumeIDs:       plan.VolumeIDs{GPT20B: "vol-20", GPT120B: "vol-120"},
		GPT20BEndpoint:  "https://modal.example/20b",
		GPT120BEndpoint: "https://modal.example/120b",
	})
	h.svc.now = func() time.Time { return h.now }
	return h
}

func TestFilterOwnedUsesOwnerLabelOnly(t *testing.T) {
	list := []daytona.Sandbox{
		owned("a", "user-1", "started", time.Time{}),
		{ID: "b", Name: "neural-weights-user-1xx", Labels: map[string]string{domain.LabelEmail: "me@example.com"}},
		{ID: "c", Env: map[string]string{"NEURAL_WEIGHTS_USER_ID": "user-1"}},
		owned("d", "user-10", "started", time.Time{}),
	}
	got := FilterOwned(list, "user-1")
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only sandbox a, got %+v", got)
	}
	if len(FilterOwned(list, "")) != 0 {
		t.Fatalf("empty user id must own nothing")
	}
}

func TestSelectForCleanupPolicy(t *testing.T) {
	now := time.Date(2025, time.May, 20, 0, 0, 0, 0, time.UTC)
	old := now.Add(-8 * 24 * time.Hour)
	list := []daytona.Sandbox{
		owned(DefaultProtectedIDs[0], "u", "stopped", old),
		owned("running-old", "u", "started", old),
		owned("stopping-old", "u", "stopping", old),
		owned("stopped-recent", "u", "stopped", now.Add(-2*24*time.Hour)),
		owned("stopped-exact", "u", "stopped", now.Add(-DefaultCleanupAge)),
		owned("stopped-old", "u", "stopped", old),
		owned("stopped-unknown-age", "u", "stopped", time.Time{}),
	}
	got := SelectForCleanup(list, DefaultProtectedIDs, DefaultCleanupAge, now)
	want := map[string]bool{"stopped-exact": true, "stopped-old": true, "stopped-unknown-age": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d eligible, got %+v", len(want), ids(got))
	}
	for _, sb := range got {
		if !want[sb.ID] {
			t.Fatalf("unexpected eligible sandbox %s", sb.ID)
		}
	}
}

func TestCleanupCollectsPerIDResults(t *testing.T) {
	old := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(
		owned("old-1", "user-1", "stopped", old),
		owned("old-2", "user-1", "stopped", old),
		owned("old-3", "user-1", "stopped", old),
		owned("live", "user-1", "started", old),
		owned("other", "user-2", "stopped", old),
	)
	h.vendor.deleteErrs = map[string]error{
		"old-2": &daytona.APIError{Status: 500, Message: "boom"},
		"old-3": errors.New("connection reset"),
	}

	report, err := h.svc.Cleanup(context.Background(), domain.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if report.Eligible != 3 || report.Deleted != 1 || report.Failed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	statuses := map[string]string{}
	for _, r := range report.Results {
		statuses[r.ID] = r.Status
	}
	if statuses["old-1"] != ResultDeleted || statuses["old-2"] != ResultFailed || statuses["old-3"] != ResultError {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	if report.Remaining != 3 {
		t.Fatalf("expected 3 remaining, got %d", report.Remaining)
	}
	if _, ok := h.vendor.sandboxes["other"]; !ok {
		t.Fatalf("cleanup must not touch other users' sandboxes")
	}
}

func TestDeleteSelectedStatuses(t *testing.T) {
	h := newHarness(
		owned("mine-stopped", "user-1", "stopped", time.Time{}),
		owned("mine-running", "user-1", "started", time.Time{}),
		owned("mine-starting", "user-1", "starting", time.Time{}),
		owned("mine-broken", "user-1", "stopped", time.Time{}),
		owned("theirs", "user-2", "stopped", time.Time{}),
		owned(DefaultProtectedIDs[1], "user-1", "stopped", time.Time{}),
	)
	h.vendor.deleteErrs = map[string]error{"mine-broken": &daytona.APIError{Status: 409}}

	report, err := h.svc.DeleteSelected(context.Background(), domain.User{ID: "user-1"}, []string{
		"mine-stopped", "mine-running", "mine-starting", "mine-broken", "theirs", "ghost", DefaultProtectedIDs[1], "mine-stopped",
	})
	if err != nil {
		t.Fatalf("DeleteSelected returned error: %v", err)
	}
	want := map[string]string{
		"mine-stopped":         ResultDeleted,
		"mine-running":         ResultRunning,
		"mine-starting":        ResultRunning,
		"mine-broken":          ResultFailed,
		"theirs":               ResultAccessDenied,
		"ghost":                ResultNotFound,
		DefaultProtectedIDs[1]: ResultProtected,
	}
	if len(report.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(report.Results))
	}
	for _, r := range report.Results {
		if want[r.ID] != r.Status {
			t.Fatalf("sandbox %s: expected %s, got %s", r.ID, want[r.ID], r.Status)
		}
	}
	if report.Summary["total"] != 7 || report.Summary[ResultRunning] != 2 {
		t.Fatalf("unexpected summary %v", report.Summary)
	}
	if len(h.vendor.deleted) != 1 || h.vendor.deleted[0] != "mine-stopped" {
		t.Fatalf("only mine-stopped should be deleted, got %v", h.vendor.deleted)
	}
}

func TestDeleteRefusesBusyAndProtected(t *testing.T) {
	h := newHarness(owned("live", "user-1", "started", time.Time{}))
	h.repo.records["flagged"] = domain.Sandbox{ID: "flagged", UserID: "user-1", Protected: true}
	h.vendor.sandboxes["flagged"] = &daytona.Sandbox{ID: "flagged", RawState: "stopped", Labels: map[string]string{domain.LabelOwner: "user-1"}}

	user := domain.User{ID: "user-1"}
	if err := h.svc.Delete(context.Background(), user, "live"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := h.svc.Delete(context.Background(), user, "flagged"); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}
	if err := h.svc.Delete(context.Background(), domain.User{ID: "user-2"}, "live"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateAppliesPlanPolicy(t *testing.T) {
	h := newHarness()
	user := domain.User{ID: "user-1", Email: "me@example.com", Plan: plan.Pro}

	rec, err := h.svc.Create(context.Background(), user, "My Project!")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(h.vendor.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(h.vendor.created))
	}
	req := h.vendor.created[0]
	if !strings.HasPrefix(req.Name, "neural-weights-my-project-") {
		t.Fatalf("unexpected sandbox name %q", req.Name)
	}
	if req.Labels[domain.LabelOwner] != "user-1" {
		t.Fatalf("owner label missing: %v", req.Labels)
	}
	if req.CPU != 2 || req.Memory != 4 || req.Disk != 10 {
		t.Fatalf("unexpected resources %d/%d/%d", req.CPU, req.Memory, req.Disk)
	}
	if len(req.Volumes) != 2 {
		t.Fatalf("pro plan should mount both volumes, got %+v", req.Volumes)
	}
	if req.Env["GPT_120B_ENDPOINT"] == "" {
		t.Fatalf("pro plan should receive the 120B endpoint")
	}
	if req.Snapshot != "neural-weights-pro-v1" {
		t.Fatalf("unexpected snapshot %q", req.Snapshot)
	}
	if rec.UserID != "user-1" || rec.StartedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(h.activity.entries) != 1 || h.activity.entries[0].Kind != domain.ActivityCreated {
		t.Fatalf("expected created activity, got %+v", h.activity.entries)
	}
}

func TestCreateFallsBackToDefaultSnapshot(t *testing.T) {
	h := newHarness()
	h.vendor.createErrs = map[string]error{"neural-weights-free-v1": &daytona.APIError{Status: 404, Message: "snapshot not found"}}

	rec, err := h.svc.Create(context.Background(), domain.User{ID: "user-1", Plan: plan.Free}, "demo")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(h.vendor.created) != 2 || h.vendor.created[1].Snapshot != "daytonaio/sandbox:0.4.3" {
		t.Fatalf("expected fallback to default snapshot, got %+v", h.vendor.created)
	}
	if rec.Snapshot != "daytonaio/sandbox:0.4.3" {
		t.Fatalf("unexpected snapshot recorded %q", rec.Snapshot)
	}
	if len(h.vendor.created[1].Volumes) != 1 {
		t.Fatalf("free plan should mount only the 20B volume")
	}
}

func TestCreateStopsOnNonSnapshotErrors(t *testing.T) {
	h := newHarness()
	h.vendor.createErrs = map[string]error{"neural-weights-free-v1": &daytona.APIError{Status: 401}}
	if _, err := h.svc.Create(context.Background(), domain.User{ID: "user-1"}, "demo"); err == nil {
		t.Fatalf("expected error")
	}
	if len(h.vendor.created) != 1 {
		t.Fatalf("should not retry on auth failure, got %d calls", len(h.vendor.created))
	}
}

func TestCreateEnforcesSandboxLimit(t *testing.T) {
	h := newHarness(owned("existing", "user-1", "stopped", time.Time{}))
	_, err := h.svc.Create(context.Background(), domain.User{ID: "user-1", Plan: plan.Free}, "demo")
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestStartThenStopAccruesHours(t *testing.T) {
	h := newHarness(owned("sb-1", "user-1", "stopped", time.Time{}))
	user := domain.User{ID: "user-1"}

	rec, err := h.svc.Start(context.Background(), user, "sb-1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.State != domain.StateStarted || rec.StartedAt == nil {
		t.Fatalf("unexpected record after start %+v", rec)
	}

	h.now = h.now.Add(90 * time.Minute)
	rec, err = h.svc.Stop(context.Background(), user, "sb-1")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if rec.State != domain.StateStopped || rec.StartedAt != nil {
		t.Fatalf("unexpected record after stop %+v", rec)
	}
	if len(h.usage.calls) != 1 || h.usage.calls[0].kind != domain.UsageSandboxHours || h.usage.calls[0].amount != 1.5 {
		t.Fatalf("expected 1.5 sandbox hours tracked, got %+v", h.usage.calls)
	}
}

func TestStartReturnsObservedStateOnTimeout(t *testing.T) {
	h := newHarness(owned("sb-1", "user-1", "stopped", time.Time{}))
	h.vendor.startState = "starting"
	rec, err := h.svc.Start(context.Background(), domain.User{ID: "user-1"}, "sb-1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.State != domain.StateStarting || rec.StartedAt != nil {
		t.Fatalf("expected STARTING without start time, got %+v", rec)
	}
}

func TestPreviewFallsBackToProxyAddress(t *testing.T) {
	h := newHarness(owned("sb-1", "user-1", "started", time.Time{}), owned("sb-2", "user-1", "stopped", time.Time{}))
	h.vendor.previewErr = &daytona.APIError{Status: 500}
	user := domain.User{ID: "user-1"}

	res, err := h.svc.Preview(context.Background(), user, "sb-1")
	if err != nil {
		t.Fatalf("Preview returned error: %v", err)
	}
	if !res.Fallback || res.URL != "https://22222-sb-1.proxy.daytona.work" {
		t.Fatalf("unexpected preview %+v", res)
	}
	if _, err := h.svc.Preview(context.Background(), user, "sb-2"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestExecuteParsesExitCode(t *testing.T) {
	h := newHarness(owned("sb-1", "user-1", "started", time.Time{}))
	h.vendor.execResult = &daytona.ExecResult{ExitCode: 0, Result: "hello\nExit code: 3\n"}

	res, err := h.svc.Execute(context.Background(), domain.User{ID: "user-1"}, "sb-1", "print('hello')", "python")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Output != "hello" || res.ExitCode != 3 || res.Success {
		t.Fatalf("unexpected exec result %+v", res)
	}
	if !strings.Contains(h.vendor.commands[0], "timeout 30s") || !strings.Contains(h.vendor.commands[0], "main.py") {
		t.Fatalf("unexpected command %q", h.vendor.commands[0])
	}
	if _, err := h.svc.Execute(context.Background(), domain.User{ID: "user-1"}, "sb-1", "x", "cobol"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unsupported language, got %v", err)
	}
}

func TestParseExitCodeWithoutMarker(t *testing.T) {
	out, code := parseExitCode("plain output\n", 7)
	if out != "plain output" || code != 7 {
		t.Fatalf("unexpected parse result %q %d", out, code)
	}
}

func TestSuspendUserStopsRunningSandboxes(t *testing.T) {
	h := newHarness(
		owned("a", "user-1", "started", time.Time{}),
		owned("b", "user-1", "stopped", time.Time{}),
		owned("c", "user-2", "started", time.Time{}),
	)
	stopped, err := h.svc.SuspendUser(context.Background(), "user-1", "payment failed")
	if err != nil {
		t.Fatalf("SuspendUser returned error: %v", err)
	}
	if stopped != 1 {
		t.Fatalf("expected one sandbox stopped, got %d", stopped)
	}
	if h.vendor.sandboxes["c"].RawState != "started" {
		t.Fatalf("other users' sandboxes must keep running")
	}
}
