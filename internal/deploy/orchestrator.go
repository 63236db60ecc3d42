// Package deploy drives compose applies: config-change detection, the apply
// itself, event streaming, and the deploy stamp lifecycle.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/confighash"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/drift"
	"github.com/halverson/stackdrift/internal/repository"
	"github.com/halverson/stackdrift/internal/runtime"
	"github.com/halverson/stackdrift/internal/secret"
)

// DeployError is the terminal failure of one deploy attempt.
type DeployError struct {
	Ref       domain.StackRef
	ExitCode  int
	LastError string
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s: exit %d: %s", e.Ref, e.ExitCode, e.LastError)
}

// Options tunes one deploy invocation. Manual deploys bypass the auto-devops
// gate; Force bypasses the unchanged-config short-circuit.
type Options struct {
	Force  bool
	Manual bool
}

// AutoDevOpsPolicy answers whether a stack may deploy without a human.
type AutoDevOpsPolicy interface {
	EffectiveAutoDevOps(ctx context.Context, stack *domain.Stack) (bool, error)
}

// Broadcaster fans deploy events out to stream subscribers.
type Broadcaster interface {
	Broadcast(stackKey string, payload []byte)
}

// Orchestrator runs deploys one at a time per stack. Different stacks deploy
// in parallel; a second caller on the same stack gets ErrConflict instead of
// queueing.
type Orchestrator struct {
	files    drift.FileLoader
	resolver *secret.Resolver
	renderer drift.Renderer
	runner   runtime.ComposeRunner
	stamps   repository.StampRepository
	cache    repository.DriftCacheRepository
	policy   AutoDevOpsPolicy
	hub      Broadcaster
	stageDir string
	timeout  time.Duration
	buffer   int
	log      *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func NewOrchestrator(
	files drift.FileLoader,
	resolver *secret.Resolver,
	renderer drift.Renderer,
	runner runtime.ComposeRunner,
	stamps repository.StampRepository,
	cache repository.DriftCacheRepository,
	policy AutoDevOpsPolicy,
	hub Broadcaster,
	stageDir string,
	timeout time.Duration,
	buffer int,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Orchestrator{
		files:    files,
		resolver: resolver,
		renderer: renderer,
		runner:   runner,
		stamps:   stamps,
		cache:    cache,
		policy:   policy,
		hub:      hub,
		stageDir: stageDir,
		timeout:  timeout,
		buffer:   buffer,
		log:      log,
		inflight: map[string]bool{},
	}
}

// Deploy starts one deploy and returns its event stream. The channel is
// closed after a terminal event. A deploy already running for the same stack
// returns ErrConflict immediately.
func (o *Orchestrator) Deploy(ctx context.Context, stack domain.Stack, opts Options) (<-chan domain.DeployEvent, error) {
	key := stack.StackRef.String()
	if !o.acquire(key) {
		return nil, fmt.Errorf("%w: deploy already in flight for %s", repository.ErrConflict, key)
	}

	events := make(chan domain.DeployEvent, o.buffer)
	go func() {
		defer o.release(key)
		defer close(events)
		runCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		o.run(runCtx, stack, opts, events)
	}()
	return events, nil
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[key] {
		return false
	}
	o.inflight[key] = true
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}

func (o *Orchestrator) emit(stack domain.Stack, events chan<- domain.DeployEvent, typ domain.DeployEventType, msg string, data map[string]any) {
	ev := domain.DeployEvent{Type: typ, Message: msg, Data: data, Timestamp: time.Now().UTC()}
	if o.hub != nil {
		if payload, err := json.Marshal(ev); err == nil {
			o.hub.Broadcast(stack.StackRef.String(), payload)
		}
	}
	select {
	case events <- ev:
	default:
		// Slow consumer; the hub still carries the event.
		o.log.Warn("deploy event dropped from channel", "stack", stack.StackRef.String(), "type", string(typ))
	}
}

// run walks the state machine: ConfigCheck, then either Unchanged or
// Proceeding into Applying, ending in Success or Failed.
func (o *Orchestrator) run(ctx context.Context, stack domain.Stack, opts Options, events chan<- domain.DeployEvent) {
	ref := stack.StackRef
	fail := func(msg string) {
		o.emit(stack, events, domain.EventError, msg, nil)
	}

	if !opts.Manual && o.policy != nil {
		allowed, err := o.policy.EffectiveAutoDevOps(ctx, &stack)
		if err != nil {
			fail("auto-devops policy lookup failed: " + err.Error())
			return
		}
		if !allowed {
			o.emit(stack, events, domain.EventSkipped, "auto-devops disabled for stack", nil)
			return
		}
	}

	o.emit(stack, events, domain.EventInfo, "checking configuration", nil)

	raw, err := o.files.LoadFiles(ctx, stack)
	if err != nil {
		fail("load files: " + err.Error())
		return
	}
	plain, bundleHash, err := o.decryptBundle(raw)
	if err != nil {
		fail(err.Error())
		return
	}

	if !opts.Force {
		last, err := o.cache.GetBundleHash(ctx, stack.ID)
		switch {
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			fail("read drift cache: " + err.Error())
			return
		case last != "" && last == bundleHash:
			o.emit(stack, events, domain.EventConfigUnchanged, "configuration unchanged since last successful deploy", map[string]any{"bundle_hash": bundleHash})
			return
		}
	}

	set, err := o.renderer.Render(ctx, stack, raw)
	if err != nil {
		fail("render failed: " + err.Error())
		return
	}
	serviceHashes := map[string]string{}
	for _, svc := range set.Services {
		serviceHashes[svc.Name] = svc.ConfigHash
	}

	stamp := &domain.DeployStamp{
		ID:           uuid.NewString(),
		StackID:      stack.ID,
		Kind:         domain.DeployCompose,
		BundleHash:   bundleHash,
		RenderedHash: confighash.ServiceSet(serviceHashes),
		Status:       domain.StampPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := o.stamps.CreateStamp(ctx, stamp); err != nil {
		fail("create deploy stamp: " + err.Error())
		return
	}

	o.emit(stack, events, domain.EventInfo, "applying stack "+set.RawName, map[string]any{"stamp_id": stamp.ID})
	result, applyErr := o.apply(ctx, set, plain, stack, events)
	if applyErr != nil {
		derr := &DeployError{Ref: ref, ExitCode: result.ExitCode, LastError: result.LastError}
		if uerr := o.stamps.UpdateStampStatus(ctx, stamp.ID, domain.StampFailed, derr.LastError, derr.ExitCode, nil); uerr != nil {
			o.log.Error("stamp update failed", "stack", ref.String(), "error", uerr)
		}
		// A failed apply leaves the runtime in an unknown mix of old and new
		// containers; the recorded hashes no longer describe it.
		if cerr := o.cache.ClearServiceHashes(ctx, stack.ID); cerr != nil {
			o.log.Error("drift cache clear failed", "stack", ref.String(), "error", cerr)
		}
		fail(derr.Error())
		return
	}

	serviceStatus := map[string]string{}
	for name := range serviceHashes {
		serviceStatus[name] = "applied"
	}
	if err := o.cache.StoreDriftCache(ctx, stack.ID, bundleHash, serviceHashes); err != nil {
		o.log.Error("drift cache warm failed", "stack", ref.String(), "error", err)
	}
	if err := o.stamps.UpdateStampStatus(ctx, stamp.ID, domain.StampSuccess, "", 0, serviceStatus); err != nil {
		o.log.Error("stamp update failed", "stack", ref.String(), "error", err)
	}

	o.emit(stack, events, domain.EventSuccess, "compose apply succeeded", nil)
	o.emit(stack, events, domain.EventComplete, "deploy complete", map[string]any{"stamp_id": stamp.ID})
}

// decryptBundle resolves every file and hashes the plaintext set. The bundle
// hash is computed over decrypted content so a key rotation alone does not
// look like a config change.
func (o *Orchestrator) decryptBundle(raw []compose.File) ([]compose.File, string, error) {
	plain := make([]compose.File, 0, len(raw))
	hashInput := make([]confighash.File, 0, len(raw))
	for _, f := range raw {
		content, err := o.resolver.Resolve(f.RelPath, f.Content)
		if err != nil {
			return nil, "", fmt.Errorf("decrypt %s: %w", f.RelPath, err)
		}
		role := f.Role
		if role == "" {
			role = compose.InferRole(f.RelPath)
		}
		plain = append(plain, compose.File{RelPath: f.RelPath, Role: role, Content: content})
		hashInput = append(hashInput, confighash.File{RelPath: f.RelPath, Content: content})
	}
	return plain, confighash.Bundle(hashInput), nil
}

func (o *Orchestrator) apply(ctx context.Context, set *domain.RenderedServiceSet, plain []compose.File, stack domain.Stack, events chan<- domain.DeployEvent) (runtime.ApplyResult, error) {
	stage, cleanup, err := compose.Stage(o.stageDir, plain)
	if err != nil {
		return runtime.ApplyResult{ExitCode: -1, LastError: err.Error()}, err
	}
	defer cleanup()

	var composeFiles []string
	for _, f := range plain {
		if f.Role == domain.RoleCompose {
			composeFiles = append(composeFiles, f.RelPath)
		}
	}
	if len(composeFiles) == 0 {
		err := fmt.Errorf("no compose files to apply")
		return runtime.ApplyResult{ExitCode: -1, LastError: err.Error()}, err
	}

	req := runtime.ApplyRequest{Project: set.RawName, StageDir: stage, ComposeFiles: composeFiles}
	return o.runner.Apply(ctx, req, func(line string, stderr bool) {
		if stderr {
			o.emit(stack, events, domain.EventStderr, line, nil)
		} else {
			o.emit(stack, events, domain.EventStdout, line, nil)
		}
	})
}
