package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
)

type memStacks struct {
	nextID int64
	byRef  map[string]*domain.Stack
}

func newMemStacks() *memStacks {
	return &memStacks{byRef: map[string]*domain.Stack{}}
}

func (m *memStacks) CreateStack(_ context.Context, stack *domain.Stack) error {
	key := stack.StackRef.String()
	if _, ok := m.byRef[key]; ok {
		return repository.ErrConflict
	}
	m.nextID++
	stack.ID = m.nextID
	stack.CreatedAt = time.Now()
	stack.UpdatedAt = stack.CreatedAt
	cp := *stack
	m.byRef[key] = &cp
	return nil
}

func (m *memStacks) GetStack(_ context.Context, ref domain.StackRef) (*domain.Stack, error) {
	s, ok := m.byRef[ref.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStacks) GetStackByID(_ context.Context, id int64) (*domain.Stack, error) {
	for _, s := range m.byRef {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStacks) ListStacks(context.Context) ([]domain.Stack, error) {
	var out []domain.Stack
	for _, s := range m.byRef {
		out = append(out, *s)
	}
	return out, nil
}

func (m *memStacks) ListStacksByScope(_ context.Context, kind domain.ScopeKind, name string) ([]domain.Stack, error) {
	var out []domain.Stack
	for _, s := range m.byRef {
		if s.ScopeKind == kind && s.ScopeName == name {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStacks) UpdateStackMeta(_ context.Context, stack *domain.Stack) error {
	s, ok := m.byRef[stack.StackRef.String()]
	if !ok {
		return repository.ErrNotFound
	}
	*s = *stack
	return nil
}

func (m *memStacks) SetAutoDevOpsOverride(_ context.Context, id int64, enabled *bool) error {
	for _, s := range m.byRef {
		if s.ID == id {
			s.AutoDevOps = enabled
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStacks) SetHasContent(_ context.Context, id int64, hasContent bool) error {
	for _, s := range m.byRef {
		if s.ID == id {
			s.HasContent = hasContent
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStacks) DeleteStack(_ context.Context, id int64) error {
	for k, s := range m.byRef {
		if s.ID == id {
			delete(m.byRef, k)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStacks) PruneStacksNotIn(_ context.Context, keep []int64) (int64, error) {
	kept := map[int64]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for k, s := range m.byRef {
		if !kept[s.ID] {
			delete(m.byRef, k)
			n++
		}
	}
	return n, nil
}

type memFiles struct {
	deletedStacks []int64
}

func (m *memFiles) UpsertFile(context.Context, *domain.IacFile) error { return nil }

func (m *memFiles) ListFiles(context.Context, int64) ([]domain.IacFile, error) { return nil, nil }

func (m *memFiles) DeleteFile(context.Context, int64, string) error { return nil }

func (m *memFiles) DeleteFilesByStack(_ context.Context, stackID int64) error {
	m.deletedStacks = append(m.deletedStacks, stackID)
	return nil
}

type memStamps struct {
	latest map[int64]*domain.DeployStamp
}

func (m *memStamps) CreateStamp(context.Context, *domain.DeployStamp) error { return nil }

func (m *memStamps) UpdateStampStatus(context.Context, string, string, string, int, map[string]string) error {
	return nil
}

func (m *memStamps) LatestStamp(_ context.Context, stackID int64) (*domain.DeployStamp, error) {
	if m.latest == nil {
		return nil, repository.ErrNotFound
	}
	s, ok := m.latest[stackID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type memSettings struct {
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (m *memSettings) PutSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

type memStore struct {
	removed []domain.StackRef
}

func (m *memStore) RemoveStackDir(_ context.Context, ref domain.StackRef) error {
	m.removed = append(m.removed, ref)
	return nil
}

func newTestService(t *testing.T) (*Service, *memStacks, *memFiles, *memStore) {
	t.Helper()
	stacks := newMemStacks()
	files := &memFiles{}
	store := &memStore{}
	svc := NewService(stacks, files, &memStamps{}, &memSettings{}, store, false, slog.Default())
	return svc, stacks, files, store
}

func ref(name string) domain.StackRef {
	return domain.StackRef{ScopeKind: domain.ScopeHost, ScopeName: "edge", StackName: name}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, ref("web"), "host/edge/web", domain.DeployCompose); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(ctx, ref("web"), "host/edge/web", domain.DeployCompose)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestSetAutoDevOpsRequiresContent(t *testing.T) {
	svc, stacks, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, ref("empty"), "", domain.DeployCompose)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = svc.SetAutoDevOps(ctx, ref("empty"), ptr(true))
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("want ErrPreconditionFailed on empty stack, got %v", err)
	}

	// Disabling or clearing is always allowed.
	if err := svc.SetAutoDevOps(ctx, ref("empty"), ptr(false)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := svc.SetAutoDevOps(ctx, ref("empty"), nil); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if err := stacks.SetHasContent(ctx, created.ID, true); err != nil {
		t.Fatalf("set content: %v", err)
	}
	if err := svc.SetAutoDevOps(ctx, ref("empty"), ptr(true)); err != nil {
		t.Fatalf("enable with content: %v", err)
	}
}

func TestEffectiveAutoDevOpsChain(t *testing.T) {
	svc, stacks, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, ref("app"), "", domain.DeployCompose)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, _ := stacks.GetStack(ctx, ref("app"))

	got, err := svc.EffectiveAutoDevOps(ctx, stack)
	if err != nil || got {
		t.Fatalf("default: got %v, %v", got, err)
	}

	if err := svc.SetGlobalAutoDevOps(ctx, ptr(true)); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if got, _ := svc.EffectiveAutoDevOps(ctx, stack); !got {
		t.Fatal("global override ignored")
	}

	if err := svc.SetScopeAutoDevOps(ctx, domain.ScopeHost, "edge", ptr(false)); err != nil {
		t.Fatalf("set scope: %v", err)
	}
	if got, _ := svc.EffectiveAutoDevOps(ctx, stack); got {
		t.Fatal("scope override must beat global")
	}

	if err := stacks.SetHasContent(ctx, created.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetAutoDevOps(ctx, ref("app"), ptr(true)); err != nil {
		t.Fatalf("stack override: %v", err)
	}
	stack, _ = stacks.GetStack(ctx, ref("app"))
	if got, _ := svc.EffectiveAutoDevOps(ctx, stack); !got {
		t.Fatal("stack override must beat scope")
	}
}

func TestDeleteRemovesRowsAndFilesOnly(t *testing.T) {
	svc, stacks, files, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, ref("gone"), "", domain.DeployCompose)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, ref("gone")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := stacks.GetStack(ctx, ref("gone")); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("stack row survived delete")
	}
	if len(files.deletedStacks) != 1 || files.deletedStacks[0] != created.ID {
		t.Fatalf("file rows not deleted: %v", files.deletedStacks)
	}
	if len(store.removed) != 1 || store.removed[0] != ref("gone") {
		t.Fatalf("stack dir not removed: %v", store.removed)
	}
}

func TestStatusCarriesLastDeploy(t *testing.T) {
	stacks := newMemStacks()
	stamps := &memStamps{latest: map[int64]*domain.DeployStamp{}}
	svc := NewService(stacks, &memFiles{}, stamps, &memSettings{}, nil, false, slog.Default())
	ctx := context.Background()

	created, err := svc.Create(ctx, ref("app"), "", domain.DeployCompose)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stamps.latest[created.ID] = &domain.DeployStamp{ID: "d1", StackID: created.ID, Status: domain.StampFailed, Reason: "exit status 1"}

	status, err := svc.Status(ctx, ref("app"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastDeploy == nil || status.LastDeploy.Status != domain.StampFailed {
		t.Fatalf("last deploy = %+v", status.LastDeploy)
	}
}
