package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
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
	_ repository.StackRepository      = (*Repository)(nil)
	_ repository.FileRepository       = (*Repository)(nil)
	_ repository.StampRepository      = (*Repository)(nil)
	_ repository.DriftCacheRepository = (*Repository)(nil)
	_ repository.SettingsRepository   = (*Repository)(nil)
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateStack inserts a stack record. Duplicate (scope_kind, scope_name,
// stack_name) maps to repository.ErrConflict.
func (r *Repository) CreateStack(ctx context.Context, stack *domain.Stack) error {
	const query = `INSERT INTO stacks
		(scope_kind, scope_name, stack_name, rel_path, iac_enabled, auto_devops,
		 pull_policy, sops_status, deploy_kind, has_content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		stack.ScopeKind, stack.ScopeName, stack.StackName, stack.RelPath,
		stack.IacEnabled, stack.AutoDevOps, stack.PullPolicy,
		stack.SopsStatus, stack.DeployKind, stack.HasContent)
	if err := row.Scan(&stack.ID, &stack.CreatedAt, &stack.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

const stackColumns = `id, scope_kind, scope_name, stack_name, rel_path,
	iac_enabled, auto_devops, pull_policy, sops_status, deploy_kind,
	has_content, created_at, updated_at`

func scanStack(row pgx.Row) (*domain.Stack, error) {
	var s domain.Stack
	err := row.Scan(&s.ID, &s.ScopeKind, &s.ScopeName, &s.StackName, &s.RelPath,
		&s.IacEnabled, &s.AutoDevOps, &s.PullPolicy, &s.SopsStatus, &s.DeployKind,
		&s.HasContent, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetStack fetches a stack by natural key.
func (r *Repository) GetStack(ctx context.Context, ref domain.StackRef) (*domain.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks
		WHERE scope_kind = $1 AND scope_name = $2 AND stack_name = $3`
	return scanStack(r.pool.QueryRow(ctx, query, ref.ScopeKind, ref.ScopeName, ref.StackName))
}

// GetStackByID fetches a stack by identifier.
func (r *Repository) GetStackByID(ctx context.Context, id int64) (*domain.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE id = $1`
	return scanStack(r.pool.QueryRow(ctx, query, id))
}

// ListStacks returns all registered stacks.
func (r *Repository) ListStacks(ctx context.Context) ([]domain.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks ORDER BY scope_kind, scope_name, stack_name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStacks(rows)
}

// ListStacksByScope returns stacks for one host or group.
func (r *Repository) ListStacksByScope(ctx context.Context, kind domain.ScopeKind, scopeName string) ([]domain.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks
		WHERE scope_kind = $1 AND scope_name = $2 ORDER BY stack_name`
	rows, err := r.pool.Query(ctx, query, kind, scopeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStacks(rows)
}

func collectStacks(rows pgx.Rows) ([]domain.Stack, error) {
	var out []domain.Stack
	for rows.Next() {
		s, err := scanStack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateStackMeta refreshes scan-derived metadata.
func (r *Repository) UpdateStackMeta(ctx context.Context, stack *domain.Stack) error {
	const query = `UPDATE stacks SET rel_path = $2, pull_policy = $3,
		sops_status = $4, deploy_kind = $5, has_content = $6, updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, stack.ID, stack.RelPath, stack.PullPolicy,
		stack.SopsStatus, stack.DeployKind, stack.HasContent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetAutoDevOpsOverride writes the stack-level tri-state override.
func (r *Repository) SetAutoDevOpsOverride(ctx context.Context, id int64, enabled *bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stacks SET auto_devops = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetHasContent flips the content flag maintained by the scanner.
func (r *Repository) SetHasContent(ctx context.Context, id int64, hasContent bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stacks SET has_content = $2, updated_at = now() WHERE id = $1`, id, hasContent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteStack removes the registry row; tracked files, stamps and the drift
// cache go with it via ON DELETE CASCADE. Running containers are untouched.
func (r *Repository) DeleteStack(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM stacks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PruneStacksNotIn deletes stacks whose IDs are absent from keep. Used by the
// scanner after a full walk.
func (r *Repository) PruneStacksNotIn(ctx context.Context, keep []int64) (int64, error) {
	if len(keep) == 0 {
		tag, err := r.pool.Exec(ctx, `DELETE FROM stacks`)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM stacks WHERE NOT (id = ANY($1))`, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertFile records a tracked IaC file.
func (r *Repository) UpsertFile(ctx context.Context, file *domain.IacFile) error {
	const query = `INSERT INTO stack_files
		(stack_id, rel_path, role, sops, size_bytes, sha256, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (stack_id, rel_path) DO UPDATE SET
			role = EXCLUDED.role, sops = EXCLUDED.sops,
			size_bytes = EXCLUDED.size_bytes, sha256 = EXCLUDED.sha256,
			updated_at = now()
		RETURNING id, updated_at`
	return r.pool.QueryRow(ctx, query, file.StackID, file.RelPath, file.Role,
		file.Sops, file.SizeBytes, file.SHA256).Scan(&file.ID, &file.UpdatedAt)
}

// ListFiles returns the tracked files of a stack in path order.
func (r *Repository) ListFiles(ctx context.Context, stackID int64) ([]domain.IacFile, error) {
	const query = `SELECT id, stack_id, rel_path, role, sops, size_bytes, sha256, updated_at
		FROM stack_files WHERE stack_id = $1 ORDER BY rel_path`
	rows, err := r.pool.Query(ctx, query, stackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.IacFile
	for rows.Next() {
		var f domain.IacFile
		if err := rows.Scan(&f.ID, &f.StackID, &f.RelPath, &f.Role, &f.Sops,
			&f.SizeBytes, &f.SHA256, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFile removes one tracked file.
func (r *Repository) DeleteFile(ctx context.Context, stackID int64, relPath string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stack_files WHERE stack_id = $1 AND rel_path = $2`, stackID, relPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteFilesByStack removes all tracked files of a stack.
func (r *Repository) DeleteFilesByStack(ctx context.Context, stackID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM stack_files WHERE stack_id = $1`, stackID)
	return err
}

// CreateStamp inserts a deploy attempt record.
func (r *Repository) CreateStamp(ctx context.Context, stamp *domain.DeployStamp) error {
	serviceStatus, err := json.Marshal(stamp.ServiceStatus)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deploy_stamps
		(id, stack_id, kind, bundle_hash, rendered_hash, status, reason,
		 exit_code, service_status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query, stamp.ID, stamp.StackID, stamp.Kind,
		stamp.BundleHash, stamp.RenderedHash, stamp.Status, stamp.Reason,
		stamp.ExitCode, serviceStatus, stamp.StartedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// UpdateStampStatus finalizes a deploy attempt.
func (r *Repository) UpdateStampStatus(ctx context.Context, stampID, status, reason string, exitCode int, serviceStatus map[string]string) error {
	payload, err := json.Marshal(serviceStatus)
	if err != nil {
		return err
	}
	const query = `UPDATE deploy_stamps SET status = $2, reason = $3,
		exit_code = $4, service_status = $5, completed_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, stampID, status, reason, exitCode, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const stampColumns = `id, stack_id, kind, bundle_hash, rendered_hash, status,
	reason, exit_code, service_status, started_at, completed_at`

func scanStamp(row pgx.Row) (*domain.DeployStamp, error) {
	var (
		s       domain.DeployStamp
		svcJSON []byte
	)
	err := row.Scan(&s.ID, &s.StackID, &s.Kind, &s.BundleHash, &s.RenderedHash,
		&s.Status, &s.Reason, &s.ExitCode, &svcJSON, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(svcJSON) > 0 {
		_ = json.Unmarshal(svcJSON, &s.ServiceStatus)
	}
	return &s, nil
}

// LatestStamp returns the most recent deploy attempt of a stack.
func (r *Repository) LatestStamp(ctx context.Context, stackID int64) (*domain.DeployStamp, error) {
	query := `SELECT ` + stampColumns + ` FROM deploy_stamps
		WHERE stack_id = $1 ORDER BY started_at DESC LIMIT 1`
	return scanStamp(r.pool.QueryRow(ctx, query, stackID))
}

// GetBundleHash returns the bundle hash stored at the last successful deploy,
// or "" when no cache entry exists.
func (r *Repository) GetBundleHash(ctx context.Context, stackID int64) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx,
		`SELECT bundle_hash FROM drift_cache WHERE stack_id = $1`, stackID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// StoreDriftCache upserts both the bundle hash and per-service config hashes.
func (r *Repository) StoreDriftCache(ctx context.Context, stackID int64, bundleHash string, serviceHashes map[string]string) error {
	payload, err := json.Marshal(serviceHashes)
	if err != nil {
		return err
	}
	const query = `INSERT INTO drift_cache (stack_id, bundle_hash, service_hashes, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stack_id) DO UPDATE SET
			bundle_hash = EXCLUDED.bundle_hash,
			service_hashes = EXCLUDED.service_hashes,
			updated_at = now()`
	_, err = r.pool.Exec(ctx, query, stackID, bundleHash, payload)
	return err
}

// GetServiceHashes returns the cached per-service config hashes, empty when
// no entry exists.
func (r *Repository) GetServiceHashes(ctx context.Context, stackID int64) (map[string]string, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT service_hashes FROM drift_cache WHERE stack_id = $1`, stackID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	hashes := map[string]string{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hashes); err != nil {
			return map[string]string{}, nil
		}
	}
	return hashes, nil
}

// ClearServiceHashes empties the per-service hash cache, forcing a container
// recheck on the next drift evaluation.
func (r *Repository) ClearServiceHashes(ctx context.Context, stackID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE drift_cache SET service_hashes = '{}', updated_at = now() WHERE stack_id = $1`, stackID)
	return err
}

// GetSetting reads an engine-wide setting.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	return value, err
}

// PutSetting upserts an engine-wide setting.
func (r *Repository) PutSetting(ctx context.Context, key, value string) error {
	const query = `INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, key, value)
	return err
}
