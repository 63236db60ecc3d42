package repository

import (
	"context"

	"github.com/halverson/stackdrift/internal/domain"
)

// StackRepository persists stack registry records.
type StackRepository interface {
	CreateStack(ctx context.Context, stack *domain.Stack) error
	GetStack(ctx context.Context, ref domain.StackRef) (*domain.Stack, error)
	GetStackByID(ctx context.Context, id int64) (*domain.Stack, error)
	ListStacks(ctx context.Context) ([]domain.Stack, error)
	ListStacksByScope(ctx context.Context, kind domain.ScopeKind, scopeName string) ([]domain.Stack, error)
	UpdateStackMeta(ctx context.Context, stack *domain.Stack) error
	SetAutoDevOpsOverride(ctx context.Context, id int64, enabled *bool) error
	SetHasContent(ctx context.Context, id int64, hasContent bool) error
	DeleteStack(ctx context.Context, id int64) error
	PruneStacksNotIn(ctx context.Context, keep []int64) (int64, error)
}

// FileRepository tracks IaC files owned by stacks.
type FileRepository interface {
	UpsertFile(ctx context.Context, file *domain.IacFile) error
	ListFiles(ctx context.Context, stackID int64) ([]domain.IacFile, error)
	DeleteFile(ctx context.Context, stackID int64, relPath string) error
	DeleteFilesByStack(ctx context.Context, stackID int64) error
}

// StampRepository stores deploy attempt records for idempotency checks and
// last-deploy status display.
type StampRepository interface {
	CreateStamp(ctx context.Context, stamp *domain.DeployStamp) error
	UpdateStampStatus(ctx context.Context, stampID, status, reason string, exitCode int, serviceStatus map[string]string) error
	LatestStamp(ctx context.Context, stackID int64) (*domain.DeployStamp, error)
}

// DriftCacheRepository persists the bundle hash and per-service config hashes
// captured at the end of the last successful deploy.
type DriftCacheRepository interface {
	GetBundleHash(ctx context.Context, stackID int64) (string, error)
	StoreDriftCache(ctx context.Context, stackID int64, bundleHash string, serviceHashes map[string]string) error
	GetServiceHashes(ctx context.Context, stackID int64) (map[string]string, error)
	ClearServiceHashes(ctx context.Context, stackID int64) error
}

// SettingsRepository stores engine-wide settings such as the global
// auto-devops override.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}
