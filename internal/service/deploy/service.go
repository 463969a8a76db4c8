// Package deploy runs user apps with model access in dedicated sandboxes.
package deploy

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/pkg/crypto"
)

// AppPort is the port deployed apps listen on.
const AppPort = 8000

// DefaultRequirements is installed when the caller supplies none.
const DefaultRequirements = "flask==2.3.3\nrequests==2.31.0"

// App types accepted by Deploy.
const (
	AppChatbot = "chatbot"
	AppAPI     = "api"
	AppWebapp  = "webapp"
	AppCustom  = "custom"
)

const appWorkdir = "/home/daytona/app"

var (
	ErrNotFound       = errors.New("deployment not found")
	ErrForbidden      = errors.New("access denied")
	ErrInvalidInput   = errors.New("invalid input")
	ErrModelNotInPlan = errors.New("model not available on current plan")
	ErrLimitExceeded  = errors.New("deployment limit reached for plan")
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Vendor is the subset of the Daytona client used for deployments.
type Vendor interface {
	Create(ctx context.Context, req daytona.CreateRequest) (*daytona.Sandbox, error)
	Get(ctx context.Context, id string) (*daytona.Sandbox, error)
	Delete(ctx context.Context, id string) error
	Execute(ctx context.Context, id, command string, timeout time.Duration) (*daytona.ExecResult, error)
	WaitForState(ctx context.Context, id string, target domain.SandboxState, interval, budget time.Duration) (*daytona.Sandbox, error)
}

// UsageTracker records metered usage.
type UsageTracker interface {
	Track(ctx context.Context, userID string, kind domain.UsageKind, amount float64) error
}

// ActivityRecorder stores sandbox lifecycle events.
type ActivityRecorder interface {
	Record(ctx context.Context, entry domain.SandboxActivity) error
}

// Config holds deployment settings.
type Config struct {
	Snapshot        string
	Target          string
	VolumeIDs       plan.VolumeIDs
	GPT20BEndpoint  string
	GPT120BEndpoint string
	ModalAPIKey     string
	EncryptionKey   string
	WaitInterval    time.Duration
	WaitBudget      time.Duration
}

// Service orchestrates app deployments.
type Service struct {
	vendor      Vendor
	deployments repository.DeploymentRepository
	usage       UsageTracker
	activity    ActivityRecorder
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// New returns a deployment service.
func New(vendor Vendor, deployments repository.DeploymentRepository, usage UsageTracker, activity ActivityRecorder, logger *slog.Logger, cfg Config) Service {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 2 * time.Second
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 60 * time.Second
	}
	return Service{
		vendor:      vendor,
		deployments: deployments,
		usage:       usage,
		activity:    activity,
		logger:      logger.With("component", "deploy"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Input describes an app to deploy.
type Input struct {
	AppName      string            `json:"app_name"`
	ModelType    string            `json:"model_type"`
	AppType      string            `json:"app_type"`
	Code         string            `json:"custom_code,omitempty"`
	Requirements string            `json:"requirements,omitempty"`
	Secrets      map[string]string `json:"secrets,omitempty"`
}

// Deploy provisions a sandbox, installs the app and starts it on AppPort.
func (s Service) Deploy(ctx context.Context, user domain.User, in Input) (*domain.Deployment, error) {
	appName := strings.TrimSpace(in.AppName)
	if appName == "" || strings.TrimSpace(in.ModelType) == "" || strings.TrimSpace(in.AppType) == "" {
		return nil, fmt.Errorf("%w: app name, model type, and app type required", ErrInvalidInput)
	}
	model, ok := plan.ParseModel(in.ModelType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, in.ModelType)
	}
	appType, err := normaliseAppType(in.AppType)
	if err != nil {
		return nil, err
	}
	p := plan.Parse(string(user.Plan))
	if !plan.CanUseModel(p, model) {
		return nil, fmt.Errorf("%w: %s requires pro plan or higher", ErrModelNotInPlan, model)
	}
	limits := plan.LimitsFor(p)
	if limits.MaxDeployments != plan.Unlimited {
		active, err := s.deployments.CountActiveDeployments(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if active >= limits.MaxDeployments {
			return nil, fmt.Errorf("%w: %s plan allows %d deployments", ErrLimitExceeded, p, limits.MaxDeployments)
		}
	}
	if err := validateSecrets(in.Secrets); err != nil {
		return nil, err
	}
	sealed, err := crypto.SealMap(s.cfg.EncryptionKey, in.Secrets)
	if err != nil {
		return nil, fmt.Errorf("seal secrets: %w", err)
	}
	source, err := s.render(appType, appName, model, in.Code)
	if err != nil {
		return nil, err
	}
	requirements := strings.TrimSpace(in.Requirements)
	if requirements == "" {
		requirements = DefaultRequirements
	}

	sb, err := s.vendor.Create(ctx, s.createRequest(user, p, model, appName, in.Secrets))
	if err != nil {
		s.logger.Error("deployment sandbox create failed", "user_id", user.ID, "app_name", appName, "error", err)
		return nil, err
	}

	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SandboxID:  sb.ID,
		AppName:    appName,
		AppType:    appType,
		ModelType:  string(model),
		URL:        AppURL(sb.ID),
		Status:     domain.DeploymentDeploying,
		HourlyCost: limits.HourlyAppCost,
		Secrets:    sealed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		if delErr := s.vendor.Delete(ctx, sb.ID); delErr != nil {
			s.logger.Warn("failed to remove orphaned deployment sandbox", "sandbox_id", sb.ID, "error", delErr)
		}
		return nil, err
	}

	if err := s.bootstrap(ctx, sb.ID, source, requirements); err != nil {
		s.fail(ctx, dep, err)
		return dep, err
	}
	dep.Status = domain.DeploymentRunning
	dep.UpdatedAt = s.now().UTC()
	s.updateStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: dep.ID, Status: dep.Status, URL: dep.URL})
	if err := s.usage.Track(ctx, user.ID, domain.UsageDeployments, 1); err != nil {
		s.logger.Warn("failed to track deployment", "user_id", user.ID, "error", err)
	}
	s.record(ctx, dep, "app deployed")
	s.logger.Info("app deployed", "deployment_id", dep.ID, "sandbox_id", sb.ID, "user_id", user.ID, "model", model, "app_type", appType)
	return dep, nil
}

// AppURL is the public address of a deployed app.
func AppURL(sandboxID string) string {
	return daytona.FallbackPreviewURL(sandboxID, AppPort)
}

func (s Service) createRequest(user domain.User, p plan.Plan, model plan.Model, appName string, secrets map[string]string) daytona.CreateRequest {
	res := plan.DeploymentResources(p)
	env := map[string]string{
		"NEURAL_WEIGHTS_USER_ID": user.ID,
		"NEURAL_WEIGHTS_PLAN":    string(p),
		"APP_NAME":               appName,
		"MODEL_TYPE":             string(model),
		"GPT_20B_ENDPOINT":       s.cfg.GPT20BEndpoint,
		"MODAL_API_KEY":          s.cfg.ModalAPIKey,
		"PORT":                   fmt.Sprint(AppPort),
	}
	if plan.CanUseModel(p, plan.Model120B) {
		env["GPT_120B_ENDPOINT"] = s.cfg.GPT120BEndpoint
	}
	for k, v := range secrets {
		env[k] = v
	}
	labels := map[string]string{
		domain.LabelOwner:    user.ID,
		domain.LabelEmail:    user.Email,
		domain.LabelPlan:     string(p),
		domain.LabelCreated:  s.now().UTC().Format(time.RFC3339),
		domain.LabelPlatform: "neural-weights-hub",
		domain.LabelKind:     "app",
	}
	gpu := 0
	if res.GPU != "" {
		gpu = 1
		labels["neural-weights/gpu"] = res.GPU
	}
	var volumes []daytona.VolumeMount
	for _, v := range plan.VolumesFor(p, s.cfg.VolumeIDs) {
		if v.Model == model && v.VolumeID != "" {
			volumes = append(volumes, daytona.VolumeMount{VolumeID: v.VolumeID, MountPath: v.MountPath})
		}
	}
	return daytona.CreateRequest{
		Name:     fmt.Sprintf("%s-%s", slug(appName), uuid.NewString()[:8]),
		Snapshot: s.cfg.Snapshot,
		Target:   s.cfg.Target,
		Labels:   labels,
		Env:      env,
		CPU:      res.CPU,
		GPU:      gpu,
		Memory:   res.Memory,
		Disk:     res.Disk,
		Volumes:  volumes,
		Public:   true,
	}
}

// bootstrap waits for the sandbox, writes the app files and launches it in
// the background.
func (s Service) bootstrap(ctx context.Context, sandboxID, source, requirements string) error {
	sb, err := s.vendor.WaitForState(ctx, sandboxID, domain.StateStarted, s.cfg.WaitInterval, s.cfg.WaitBudget)
	if err != nil {
		return fmt.Errorf("wait for sandbox: %w", err)
	}
	if sb.State() != domain.StateStarted {
		return fmt.Errorf("sandbox in state %s", sb.State())
	}
	res, err := s.vendor.Execute(ctx, sandboxID, launchCommand(source, requirements), 5*time.Minute)
	if err != nil {
		return fmt.Errorf("launch app: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("launch app: exit code %d: %s", res.ExitCode, lastLine(res.Result))
	}
	return nil
}

func launchCommand(source, requirements string) string {
	app := base64.StdEncoding.EncodeToString([]byte(source))
	reqs := base64.StdEncoding.EncodeToString([]byte(requirements + "\n"))
	script := fmt.Sprintf(
		`mkdir -p %[1]s && cd %[1]s && echo %[2]s | base64 -d > app.py && echo %[3]s | base64 -d > requirements.txt && pip install -q -r requirements.txt && (nohup python3 app.py > app.log 2>&1 &)`,
		appWorkdir, app, reqs,
	)
	return "sh -c '" + script + "'"
}

func (s Service) render(appType, appName string, model plan.Model, code string) (string, error) {
	if strings.TrimSpace(code) != "" {
		return code, nil
	}
	name := "api.py.tmpl"
	if appType == AppChatbot {
		name = "chatbot.py.tmpl"
	}
	var buf bytes.Buffer
	err := templates.ExecuteTemplate(&buf, name, map[string]any{
		"AppName":     appName,
		"Model":       string(model),
		"EndpointEnv": endpointEnv(model),
		"Port":        AppPort,
	})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// List returns the user's deployments with live vendor status.
func (s Service) List(ctx context.Context, user domain.User) ([]domain.Deployment, error) {
	list, err := s.deployments.ListDeploymentsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	for i := range list {
		dep := &list[i]
		if dep.Status == domain.DeploymentDeleted || dep.Status == domain.DeploymentFailed {
			continue
		}
		sb, err := s.vendor.Get(ctx, dep.SandboxID)
		if err != nil {
			s.logger.Warn("deployment status unavailable", "deployment_id", dep.ID, "sandbox_id", dep.SandboxID, "error", err)
			dep.Status = domain.DeploymentUnknown
			continue
		}
		dep.Status = statusFromState(sb.State())
	}
	return list, nil
}

// Delete removes the deployment's sandbox and marks it deleted.
func (s Service) Delete(ctx context.Context, user domain.User, id string) error {
	dep, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if dep.UserID != user.ID {
		return ErrForbidden
	}
	if dep.Status == domain.DeploymentDeleted {
		return nil
	}
	if err := s.vendor.Delete(ctx, dep.SandboxID); err != nil && !daytona.IsNotFound(err) {
		return err
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: dep.ID, Status: domain.DeploymentDeleted, URL: dep.URL}); err != nil {
		return err
	}
	dep.Status = domain.DeploymentDeleted
	s.record(ctx, dep, "app deleted")
	s.logger.Info("deployment deleted", "deployment_id", dep.ID, "user_id", user.ID)
	return nil
}

// Secrets returns the decrypted env vars of an owned deployment.
func (s Service) Secrets(ctx context.Context, user domain.User, id string) (map[string]string, error) {
	dep, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if dep.UserID != user.ID {
		return nil, ErrForbidden
	}
	return crypto.OpenMap(s.cfg.EncryptionKey, dep.Secrets)
}

func (s Service) fail(ctx context.Context, dep *domain.Deployment, cause error) {
	dep.Status = domain.DeploymentFailed
	dep.Error = cause.Error()
	s.logger.Error("deployment failed", "deployment_id", dep.ID, "sandbox_id", dep.SandboxID, "error", cause)
	if dep.SandboxID != "" {
		if err := s.vendor.Delete(ctx, dep.SandboxID); err != nil && !daytona.IsNotFound(err) {
			s.logger.Warn("release failed deployment sandbox", "deployment_id", dep.ID, "sandbox_id", dep.SandboxID, "error", err)
		}
	}
	s.updateStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: dep.ID, Status: dep.Status, URL: dep.URL, Error: dep.Error})
}

func (s Service) updateStatus(ctx context.Context, update domain.DeploymentStatusUpdate) {
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("update deployment status failed", "deployment_id", update.DeploymentID, "error", err)
	}
}

func (s Service) record(ctx context.Context, dep *domain.Deployment, message string) {
	if s.activity == nil {
		return
	}
	entry := domain.SandboxActivity{
		SandboxID: dep.SandboxID,
		UserID:    dep.UserID,
		Kind:      domain.ActivityDeployed,
		Message:   message,
		Metadata:  []byte(fmt.Sprintf(`{"deployment_id":%q,"status":%q}`, dep.ID, dep.Status)),
		CreatedAt: s.now().UTC(),
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record deployment activity", "deployment_id", dep.ID, "error", err)
	}
}

func statusFromState(state domain.SandboxState) string {
	switch state {
	case domain.StateStarted:
		return domain.DeploymentRunning
	case domain.StateStarting, domain.StateCreating:
		return domain.DeploymentDeploying
	case domain.StateStopped, domain.StateStopping:
		return domain.DeploymentStopped
	case domain.StateError:
		return domain.DeploymentFailed
	default:
		return domain.DeploymentUnknown
	}
}

func normaliseAppType(raw string) (string, error) {
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case AppChatbot, AppAPI, AppWebapp, AppCustom:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unsupported app type %q", ErrInvalidInput, raw)
	}
}

var envName = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

func validateSecrets(secrets map[string]string) error {
	for k := range secrets {
		if !envName.MatchString(k) {
			return fmt.Errorf("%w: invalid secret name %q", ErrInvalidInput, k)
		}
	}
	return nil
}

func endpointEnv(model plan.Model) string {
	if model == plan.Model120B {
		return "GPT_120B_ENDPOINT"
	}
	return "GPT_20B_ENDPOINT"
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	out := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(out) > 30 {
		out = strings.Trim(out[:30], "-")
	}
	if out == "" {
		return "app"
	}
	return out
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return lines[len(lines)-1]
}
