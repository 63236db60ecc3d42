package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
)

const settingGlobalAutoDevOps = "auto_devops.global"

func settingScopeAutoDevOps(kind domain.ScopeKind, name string) string {
	return fmt.Sprintf("auto_devops.%s.%s", kind, name)
}

// FileStore removes a stack's IaC directory. Deletion must never touch
// running containers, only registry rows and files.
type FileStore interface {
	RemoveStackDir(ctx context.Context, ref domain.StackRef) error
}

// StackStatus is a stack plus its most recent deploy attempt.
type StackStatus struct {
	domain.Stack
	LastDeploy *domain.DeployStamp `json:"last_deploy,omitempty"`
}

// Service is the stack registry.
type Service struct {
	stacks     repository.StackRepository
	files      repository.FileRepository
	stamps     repository.StampRepository
	settings   repository.SettingsRepository
	store      FileStore
	envDefault bool
	log        *slog.Logger
}

func NewService(stacks repository.StackRepository, files repository.FileRepository, stamps repository.StampRepository, settings repository.SettingsRepository, store FileStore, envDefault bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		stacks:     stacks,
		files:      files,
		stamps:     stamps,
		settings:   settings,
		store:      store,
		envDefault: envDefault,
		log:        log,
	}
}

// Create registers a new stack. A second create for the same
// (scope_kind, scope_name, stack_name) returns ErrConflict.
func (s *Service) Create(ctx context.Context, ref domain.StackRef, relPath string, kind domain.DeployKind) (*domain.Stack, error) {
	if ref.ScopeName == "" || ref.StackName == "" {
		return nil, fmt.Errorf("%w: scope and stack name required", repository.ErrPreconditionFailed)
	}
	if kind == "" {
		kind = domain.DeployUnmanaged
	}
	stack := &domain.Stack{
		StackRef:   ref,
		RelPath:    relPath,
		DeployKind: kind,
		SopsStatus: domain.SopsNone,
	}
	if err := s.stacks.CreateStack(ctx, stack); err != nil {
		return nil, err
	}
	s.log.Info("stack created", "stack", ref.String())
	return stack, nil
}

func (s *Service) Get(ctx context.Context, ref domain.StackRef) (*domain.Stack, error) {
	return s.stacks.GetStack(ctx, ref)
}

// Status returns a stack together with its latest deploy stamp, if any.
func (s *Service) Status(ctx context.Context, ref domain.StackRef) (*StackStatus, error) {
	stack, err := s.stacks.GetStack(ctx, ref)
	if err != nil {
		return nil, err
	}
	status := &StackStatus{Stack: *stack}
	stamp, err := s.stamps.LatestStamp(ctx, stack.ID)
	switch {
	case err == nil:
		status.LastDeploy = stamp
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, err
	}
	return status, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Stack, error) {
	return s.stacks.ListStacks(ctx)
}

func (s *Service) ListByScope(ctx context.Context, kind domain.ScopeKind, name string) ([]domain.Stack, error) {
	return s.stacks.ListStacksByScope(ctx, kind, name)
}

// SetAutoDevOps sets or clears the stack-level override. Enabling requires
// the stack to actually have content; an empty stack cannot be auto-deployed.
func (s *Service) SetAutoDevOps(ctx context.Context, ref domain.StackRef, enabled *bool) error {
	stack, err := s.stacks.GetStack(ctx, ref)
	if err != nil {
		return err
	}
	if enabled != nil && *enabled && !stack.HasContent {
		return fmt.Errorf("%w: stack %s has no content", repository.ErrPreconditionFailed, ref)
	}
	return s.stacks.SetAutoDevOpsOverride(ctx, stack.ID, enabled)
}

// SetScopeAutoDevOps sets or clears the host/group level override.
func (s *Service) SetScopeAutoDevOps(ctx context.Context, kind domain.ScopeKind, name string, enabled *bool) error {
	return s.putTriState(ctx, settingScopeAutoDevOps(kind, name), enabled)
}

// SetGlobalAutoDevOps sets or clears the engine-wide override.
func (s *Service) SetGlobalAutoDevOps(ctx context.Context, enabled *bool) error {
	return s.putTriState(ctx, settingGlobalAutoDevOps, enabled)
}

// EffectiveAutoDevOps resolves the override chain for one stack.
func (s *Service) EffectiveAutoDevOps(ctx context.Context, stack *domain.Stack) (bool, error) {
	scope, err := s.getTriState(ctx, settingScopeAutoDevOps(stack.ScopeKind, stack.ScopeName))
	if err != nil {
		return false, err
	}
	global, err := s.getTriState(ctx, settingGlobalAutoDevOps)
	if err != nil {
		return false, err
	}
	return EffectiveAutoDevOps(stack.AutoDevOps, scope, global, s.envDefault), nil
}

// Delete removes the registry record and the stack's IaC files. Running
// containers are left alone; tearing a stack down is a deploy concern.
func (s *Service) Delete(ctx context.Context, ref domain.StackRef) error {
	stack, err := s.stacks.GetStack(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.files.DeleteFilesByStack(ctx, stack.ID); err != nil {
		return err
	}
	if err := s.stacks.DeleteStack(ctx, stack.ID); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.RemoveStackDir(ctx, ref); err != nil {
			return fmt.Errorf("remove stack files: %w", err)
		}
	}
	s.log.Info("stack deleted", "stack", ref.String())
	return nil
}

func (s *Service) putTriState(ctx context.Context, key string, v *bool) error {
	if v == nil {
		return s.settings.PutSetting(ctx, key, "")
	}
	return s.settings.PutSetting(ctx, key, strconv.FormatBool(*v))
}

func (s *Service) getTriState(ctx context.Context, key string) (*bool, error) {
	raw, err := s.settings.GetSetting(ctx, key)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return &b, nil
}
