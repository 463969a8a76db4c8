package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.SandboxRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.UsageRepository      = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.ActivityRepository   = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const userColumns = `id, email, name, plan, stripe_customer_id, stripe_subscription_id,
	subscription_status, payment_status, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var p string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &p, &u.StripeCustomerID, &u.StripeSubscriptionID,
		&u.SubscriptionStatus, &u.PaymentStatus, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.Plan = plan.Parse(p)
	return &u, nil
}

// UpsertUser inserts a user or refreshes its profile fields. Billing fields
// are only changed through UpdateUserBilling.
func (r *Repository) UpsertUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, plan, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`
	p := user.Plan
	if p == "" {
		p = plan.Free
	}
	payment := user.PaymentStatus
	if payment == "" {
		payment = domain.PaymentCurrent
	}
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.Name, string(p), payment, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByStripeCustomer retrieves a user by Stripe customer id.
func (r *Repository) GetUserByStripeCustomer(ctx context.Context, customerID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, customerID))
}

// UpdateUserBilling applies the non-nil billing fields.
func (r *Repository) UpdateUserBilling(ctx context.Context, update domain.UserBillingUpdate) error {
	const query = `UPDATE users
		SET plan = COALESCE($2, plan),
			stripe_customer_id = COALESCE($3, stripe_customer_id),
			stripe_subscription_id = COALESCE($4, stripe_subscription_id),
			subscription_status = COALESCE($5, subscription_status),
			payment_status = COALESCE($6, payment_status),
			updated_at = NOW()
		WHERE id = $1`
	var planValue any
	if update.Plan != nil {
		planValue = string(*update.Plan)
	}
	tag, err := r.pool.Exec(ctx, query,
		update.UserID,
		planValue,
		stringPtrToNil(update.StripeCustomerID),
		stringPtrToNil(update.StripeSubscriptionID),
		stringPtrToNil(update.SubscriptionStatus),
		stringPtrToNil(update.PaymentStatus),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const sandboxColumns = `id, user_id, name, plan, cpu, memory, disk, state, protected, snapshot,
	started_at, last_activity_at, created_at, updated_at`

func scanSandbox(row pgx.Row) (*domain.Sandbox, error) {
	var sb domain.Sandbox
	var p, state string
	if err := row.Scan(&sb.ID, &sb.UserID, &sb.Name, &p, &sb.CPU, &sb.Memory, &sb.Disk, &state, &sb.Protected,
		&sb.Snapshot, &sb.StartedAt, &sb.LastActivityAt, &sb.CreatedAt, &sb.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	sb.Plan = plan.Parse(p)
	sb.State = domain.SandboxState(state)
	return &sb, nil
}

func collectSandboxes(rows pgx.Rows) ([]domain.Sandbox, error) {
	defer rows.Close()
	var out []domain.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

// CreateSandbox inserts a sandbox record.
func (r *Repository) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	const query = `INSERT INTO sandboxes (id, user_id, name, plan, cpu, memory, disk, state, protected, snapshot,
			started_at, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, sb.ID, sb.UserID, sb.Name, string(sb.Plan), sb.CPU, sb.Memory, sb.Disk,
		string(sb.State), sb.Protected, sb.Snapshot, timePtrToNil(sb.StartedAt), sb.LastActivityAt, sb.CreatedAt, sb.UpdatedAt)
	return err
}

// GetSandbox fetches a sandbox record.
func (r *Repository) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE id = $1`
	return scanSandbox(r.pool.QueryRow(ctx, query, id))
}

// ListSandboxesByUser returns the user's sandbox records, newest first.
func (r *Repository) ListSandboxesByUser(ctx context.Context, userID string) ([]domain.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectSandboxes(rows)
}

// UpdateSandbox overwrites the mutable fields of a sandbox record.
func (r *Repository) UpdateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	const query = `UPDATE sandboxes
		SET name = $2, plan = $3, cpu = $4, memory = $5, disk = $6, state = $7, protected = $8,
			snapshot = $9, started_at = $10, last_activity_at = $11, updated_at = $12
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, sb.ID, sb.Name, string(sb.Plan), sb.CPU, sb.Memory, sb.Disk, string(sb.State),
		sb.Protected, sb.Snapshot, timePtrToNil(sb.StartedAt), sb.LastActivityAt, sb.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSandbox removes a sandbox record.
func (r *Repository) DeleteSandbox(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	return err
}

// ListIdleSandboxes returns unprotected sandboxes on plan p in state whose
// last activity precedes activeBefore.
func (r *Repository) ListIdleSandboxes(ctx context.Context, p plan.Plan, state domain.SandboxState, activeBefore time.Time) ([]domain.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes
		WHERE plan = $1 AND state = $2 AND last_activity_at < $3 AND NOT protected
		ORDER BY last_activity_at ASC`
	rows, err := r.pool.Query(ctx, query, string(p), string(state), activeBefore)
	if err != nil {
		return nil, err
	}
	return collectSandboxes(rows)
}

const deploymentColumns = `id, user_id, sandbox_id, app_name, app_type, model_type, url, status, error,
	hourly_cost, secrets, created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.UserID, &d.SandboxID, &d.AppName, &d.AppType, &d.ModelType, &d.URL, &d.Status,
		&d.Error, &d.HourlyCost, &d.Secrets, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, user_id, sandbox_id, app_name, app_type, model_type, url, status, error,
			hourly_cost, secrets, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.UserID, d.SandboxID, d.AppName, d.AppType, d.ModelType, d.URL, d.Status,
		d.Error, d.HourlyCost, bytesToNil(d.Secrets), d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// ListDeploymentsByUser returns the user's deployments, newest first.
func (r *Repository) ListDeploymentsByUser(ctx context.Context, userID string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// CountActiveDeployments counts deployments that are neither deleted nor failed.
// A failed deployment releases its sandbox when it is marked failed.
func (r *Repository) CountActiveDeployments(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE user_id = $1 AND status NOT IN ($2, $3)`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID, domain.DeploymentDeleted, domain.DeploymentFailed).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateDeploymentStatus updates deployment status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			url = COALESCE($3, url),
			error = COALESCE($4, error),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(update.Status),
		emptyToNil(update.URL),
		emptyToNil(update.Error),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// IncrementUsage adds amount to one counter of the user's period row.
func (r *Repository) IncrementUsage(ctx context.Context, userID string, periodStart time.Time, kind domain.UsageKind, amount float64) error {
	var column string
	switch kind {
	case domain.UsageAPICalls:
		column = "api_calls"
	case domain.UsageSandboxHours:
		column = "sandbox_hours"
	case domain.UsageDeployments:
		column = "deployments"
	default:
		return fmt.Errorf("unknown usage kind %q", kind)
	}
	query := fmt.Sprintf(`INSERT INTO usage_periods (user_id, period_start, %[1]s, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, period_start) DO UPDATE
		SET %[1]s = usage_periods.%[1]s + EXCLUDED.%[1]s, updated_at = NOW()`, column)
	_, err := r.pool.Exec(ctx, query, userID, periodStart, amount)
	return err
}

// GetUsage returns the counters for a period.
func (r *Repository) GetUsage(ctx context.Context, userID string, periodStart time.Time) (*domain.UsagePeriod, error) {
	const query = `SELECT user_id, period_start, api_calls, sandbox_hours, deployments, updated_at
		FROM usage_periods WHERE user_id = $1 AND period_start = $2`
	var u domain.UsagePeriod
	if err := r.pool.QueryRow(ctx, query, userID, periodStart).Scan(&u.UserID, &u.PeriodStart, &u.APICalls, &u.SandboxHours, &u.Deployments, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// SaveProject inserts a project or bumps the version of the caller's
// existing project with the same id. A conflicting id owned by someone else
// yields ErrNotFound.
func (r *Repository) SaveProject(ctx context.Context, p *domain.Project) error {
	const query = `INSERT INTO projects (id, user_id, sandbox_id, name, language, code, collaborators, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET sandbox_id = EXCLUDED.sandbox_id,
			name = EXCLUDED.name,
			language = EXCLUDED.language,
			code = EXCLUDED.code,
			collaborators = EXCLUDED.collaborators,
			version = projects.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE projects.user_id = EXCLUDED.user_id
		RETURNING version, created_at`
	collaborators := p.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	row := r.pool.QueryRow(ctx, query, p.ID, p.UserID, p.SandboxID, p.Name, p.Language, p.Code, collaborators, p.Version, p.CreatedAt, p.UpdatedAt)
	if err := row.Scan(&p.Version, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetProject loads a project by id.
func (r *Repository) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, user_id, sandbox_id, name, language, code, collaborators, version, created_at, updated_at
		FROM projects WHERE id = $1`
	var p domain.Project
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.UserID, &p.SandboxID, &p.Name, &p.Language, &p.Code, &p.Collaborators, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectsByUser returns the user's projects, most recently saved first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, user_id, sandbox_id, name, language, code, collaborators, version, created_at, updated_at
		FROM projects WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.SandboxID, &p.Name, &p.Language, &p.Code, &p.Collaborators, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AppendActivity stores a sandbox activity event and fills its id.
func (r *Repository) AppendActivity(ctx context.Context, a *domain.SandboxActivity) error {
	const query = `INSERT INTO sandbox_activity (sandbox_id, user_id, kind, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return r.pool.QueryRow(ctx, query, a.SandboxID, a.UserID, a.Kind, a.Message, bytesToNil(a.Metadata), a.CreatedAt).Scan(&a.ID)
}

// ListActivity returns a sandbox's events, newest first.
func (r *Repository) ListActivity(ctx context.Context, sandboxID string, limit, offset int) ([]domain.SandboxActivity, error) {
	const query = `SELECT id, sandbox_id, user_id, kind, message, metadata, created_at
		FROM sandbox_activity WHERE sandbox_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, sandboxID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SandboxActivity
	for rows.Next() {
		var a domain.SandboxActivity
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.SandboxID, &a.UserID, &a.Kind, &a.Message, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			a.Metadata = metadata
		}
		events = append(events, a)
	}
	return events, rows.Err()
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
