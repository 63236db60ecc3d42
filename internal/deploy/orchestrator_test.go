package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
	"github.com/halverson/stackdrift/internal/runtime"
	"github.com/halverson/stackdrift/internal/secret"
)

type fakeFiles struct {
	files []compose.File
}

func (f fakeFiles) LoadFiles(context.Context, domain.Stack) ([]compose.File, error) {
	return f.files, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, stack domain.Stack, _ []compose.File) (*domain.RenderedServiceSet, error) {
	return &domain.RenderedServiceSet{
		Ref:     stack.StackRef,
		Project: compose.SanitizeProject(stack.StackName),
		RawName: stack.StackName,
		Source:  domain.SourceEnhanced,
		Services: []domain.RenderedService{
			{Name: "web", Image: "nginx:1.27", ConfigHash: "hash-web"},
		},
	}, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	result    runtime.ApplyResult
	err       error
	lines     []string
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
}

func (r *fakeRunner) Apply(ctx context.Context, req runtime.ApplyRequest, emit runtime.LineFunc) (runtime.ApplyResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		r.startOnce.Do(func() { close(r.started) })
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return runtime.ApplyResult{ExitCode: -1}, ctx.Err()
		}
	}
	for _, ln := range r.lines {
		emit(ln, false)
	}
	return r.result, r.err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memStamps struct {
	mu     sync.Mutex
	stamps []*domain.DeployStamp
}

func (m *memStamps) CreateStamp(_ context.Context, stamp *domain.DeployStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stamp
	m.stamps = append(m.stamps, &cp)
	return nil
}

func (m *memStamps) UpdateStampStatus(_ context.Context, stampID, status, reason string, exitCode int, serviceStatus map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stamps {
		if s.ID == stampID {
			now := time.Now()
			s.Status = status
			s.Reason = reason
			s.ExitCode = exitCode
			s.ServiceStatus = serviceStatus
			s.CompletedAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStamps) lastSuccess(stackID int64) *domain.DeployStamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.stamps) - 1; i >= 0; i-- {
		if m.stamps[i].StackID == stackID && m.stamps[i].Status == domain.StampSuccess {
			cp := *m.stamps[i]
			return &cp
		}
	}
	return nil
}

func (m *memStamps) LatestStamp(_ context.Context, stackID int64) (*domain.DeployStamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.stamps) - 1; i >= 0; i-- {
		if m.stamps[i].StackID == stackID {
			cp := *m.stamps[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

type memCache struct {
	mu       sync.Mutex
	bundles  map[int64]string
	services map[int64]map[string]string
}

func newMemCache() *memCache {
	return &memCache{bundles: map[int64]string{}, services: map[int64]map[string]string{}}
}

func (m *memCache) GetBundleHash(_ context.Context, stackID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.bundles[stackID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return h, nil
}

func (m *memCache) StoreDriftCache(_ context.Context, stackID int64, bundleHash string, serviceHashes map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[stackID] = bundleHash
	m.services[stackID] = serviceHashes
	return nil
}

func (m *memCache) GetServiceHashes(_ context.Context, stackID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.services[stackID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return h, nil
}

func (m *memCache) ClearServiceHashes(_ context.Context, stackID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, stackID)
	return nil
}

type fakePolicy struct{ allowed bool }

func (p fakePolicy) EffectiveAutoDevOps(context.Context, *domain.Stack) (bool, error) {
	return p.allowed, nil
}

func testStack() domain.Stack {
	return domain.Stack{
		ID:         1,
		StackRef:   domain.StackRef{ScopeKind: domain.ScopeHost, ScopeName: "edge", StackName: "myproj"},
		DeployKind: domain.DeployCompose,
		HasContent: true,
	}
}

func stackFiles() []compose.File {
	return []compose.File{
		{RelPath: "docker-compose.yml", Content: []byte("services:\n  web:\n    image: nginx:1.27\n")},
	}
}

func newTestOrchestrator(t *testing.T, runner runtime.ComposeRunner, stamps *memStamps, cache *memCache, policy AutoDevOpsPolicy) *Orchestrator {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	resolver := secret.NewResolver(secret.StaticKeyProvider{ID: id}, slog.Default())
	return NewOrchestrator(
		fakeFiles{files: stackFiles()},
		resolver,
		fakeRenderer{},
		runner,
		stamps,
		cache,
		policy,
		nil,
		t.TempDir(),
		time.Minute,
		64,
		slog.Default(),
	)
}

func drain(t *testing.T, events <-chan domain.DeployEvent) []domain.DeployEvent {
	t.Helper()
	var out []domain.DeployEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream never closed; got %+v", out)
		}
	}
}

func lastEvent(t *testing.T, events []domain.DeployEvent) domain.DeployEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

func TestDeploySuccessFlow(t *testing.T) {
	runner := &fakeRunner{lines: []string{"Container myproj-web-1 Started"}}
	stamps := &memStamps{}
	cache := newMemCache()
	o := newTestOrchestrator(t, runner, stamps, cache, nil)

	events, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	got := drain(t, events)
	if last := lastEvent(t, got); last.Type != domain.EventComplete {
		t.Fatalf("last event = %+v", last)
	}
	var sawStdout, sawSuccess bool
	for _, ev := range got {
		if ev.Type == domain.EventStdout {
			sawStdout = true
		}
		if ev.Type == domain.EventSuccess {
			sawSuccess = true
		}
	}
	if !sawStdout || !sawSuccess {
		t.Fatalf("missing stream events: %+v", got)
	}

	stamp := stamps.lastSuccess(1)
	if stamp == nil {
		t.Fatal("no success stamp")
	}
	if stamp.BundleHash == "" || stamp.ServiceStatus["web"] != "applied" {
		t.Fatalf("stamp = %+v", stamp)
	}
	if hashes, _ := cache.GetServiceHashes(context.Background(), 1); hashes["web"] != "hash-web" {
		t.Fatalf("drift cache not warmed: %v", hashes)
	}
}

func TestDeployUnchangedShortCircuit(t *testing.T) {
	runner := &fakeRunner{}
	stamps := &memStamps{}
	o := newTestOrchestrator(t, runner, stamps, newMemCache(), nil)

	first, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, first)
	if runner.callCount() != 1 {
		t.Fatalf("first deploy calls = %d", runner.callCount())
	}

	second, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, second)
	if last := lastEvent(t, got); last.Type != domain.EventConfigUnchanged {
		t.Fatalf("last event = %+v", last)
	}
	if runner.callCount() != 1 {
		t.Fatal("runner invoked despite unchanged config")
	}
}

func TestDeployForceBypassesUnchangedCheck(t *testing.T) {
	runner := &fakeRunner{}
	stamps := &memStamps{}
	o := newTestOrchestrator(t, runner, stamps, newMemCache(), nil)

	first, _ := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	drain(t, first)

	second, err := o.Deploy(context.Background(), testStack(), Options{Manual: true, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, second)
	if last := lastEvent(t, got); last.Type != domain.EventComplete {
		t.Fatalf("forced deploy last event = %+v", last)
	}
	if runner.callCount() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.callCount())
	}
}

func TestDeployFailureRecordsStamp(t *testing.T) {
	runner := &fakeRunner{
		result: runtime.ApplyResult{ExitCode: 17, LastError: "no such image"},
		err:    errors.New("exit status 17"),
	}
	stamps := &memStamps{}
	o := newTestOrchestrator(t, runner, stamps, newMemCache(), nil)

	events, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, events)
	if last := lastEvent(t, got); last.Type != domain.EventError {
		t.Fatalf("last event = %+v", last)
	}

	stamp, err := stamps.LatestStamp(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if stamp.Status != domain.StampFailed || stamp.ExitCode != 17 || stamp.Reason != "no such image" {
		t.Fatalf("stamp = %+v", stamp)
	}
}

// After a failed apply the runtime may hold a mix of old and new containers,
// so the recorded service hashes must be dropped until the next success.
func TestDeployFailureClearsRecordedHashes(t *testing.T) {
	stamps := &memStamps{}
	cache := newMemCache()

	ok := newTestOrchestrator(t, &fakeRunner{}, stamps, cache, nil)
	events, err := ok.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, events)
	if hashes, _ := cache.GetServiceHashes(context.Background(), 1); hashes["web"] == "" {
		t.Fatal("cache not warmed by successful deploy")
	}

	failing := newTestOrchestrator(t, &fakeRunner{
		result: runtime.ApplyResult{ExitCode: 1, LastError: "network unreachable"},
		err:    errors.New("exit status 1"),
	}, stamps, cache, nil)
	events, err = failing.Deploy(context.Background(), testStack(), Options{Manual: true, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, events)
	if last := lastEvent(t, got); last.Type != domain.EventError {
		t.Fatalf("last event = %+v", last)
	}
	if _, err := cache.GetServiceHashes(context.Background(), 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("recorded hashes survived the failed deploy: %v", err)
	}
}

func TestDeploySerializationConflict(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(t, runner, &memStamps{}, newMemCache(), nil)

	first, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	<-runner.started

	_, err = o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}

	// A different stack is not blocked.
	other := testStack()
	other.ID = 2
	other.StackName = "otherproj"
	otherEvents, err := o.Deploy(context.Background(), other, Options{Manual: true})
	if err != nil {
		t.Fatalf("different stack blocked: %v", err)
	}

	close(runner.release)
	drain(t, first)
	drain(t, otherEvents)

	// Once finished the stack can deploy again.
	again, err := o.Deploy(context.Background(), testStack(), Options{Manual: true, Force: true})
	if err != nil {
		t.Fatalf("redeploy after release: %v", err)
	}
	drain(t, again)
}

func TestDeployAutoDevOpsGate(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner, &memStamps{}, newMemCache(), fakePolicy{allowed: false})

	events, err := o.Deploy(context.Background(), testStack(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, events)
	if last := lastEvent(t, got); last.Type != domain.EventSkipped {
		t.Fatalf("last event = %+v", last)
	}
	if runner.callCount() != 0 {
		t.Fatal("gated deploy still applied")
	}

	// Manual deploys bypass the gate.
	manual, err := o.Deploy(context.Background(), testStack(), Options{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	got = drain(t, manual)
	if last := lastEvent(t, got); last.Type != domain.EventComplete {
		t.Fatalf("manual deploy last event = %+v", last)
	}
}
