package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
)

// FileLoader fetches the raw IaC file set of a stack.
type FileLoader interface {
	LoadFiles(ctx context.Context, stack domain.Stack) ([]compose.File, error)
}

// Renderer produces the desired service state of a stack.
type Renderer interface {
	Render(ctx context.Context, stack domain.Stack, files []compose.File) (*domain.RenderedServiceSet, error)
}

// ContainerLister lists every live container on the host. Scoping to a stack
// happens in the matcher chain, not at the runtime: heuristic matches and
// label-less containers would be invisible behind a label filter.
type ContainerLister interface {
	ListContainers(ctx context.Context) ([]domain.RuntimeContainer, error)
}

// VerdictSink receives the latest verdict per stack for dashboard reads.
type VerdictSink interface {
	Put(ctx context.Context, v domain.DriftVerdict) error
}

// Detector evaluates drift for one stack at a time. Every failure mode
// degrades to an unknown verdict with a reason; Evaluate never errors so a
// bad stack cannot poison a batch.
type Detector struct {
	files    FileLoader
	renderer Renderer
	runtime  ContainerLister
	hashes   repository.DriftCacheRepository
	verdicts VerdictSink
	log      *slog.Logger
	limit    int
	timeout  time.Duration
}

func NewDetector(files FileLoader, renderer Renderer, runtime ContainerLister, hashes repository.DriftCacheRepository, verdicts VerdictSink, timeout time.Duration, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Detector{
		files:    files,
		renderer: renderer,
		runtime:  runtime,
		hashes:   hashes,
		verdicts: verdicts,
		log:      log,
		limit:    8,
		timeout:  timeout,
	}
}

// Evaluate classifies one stack and publishes the verdict to the sink.
func (d *Detector) Evaluate(ctx context.Context, stack domain.Stack) domain.DriftVerdict {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	v := d.evaluate(ctx, stack)
	if d.verdicts != nil {
		if err := d.verdicts.Put(ctx, v); err != nil {
			d.log.Warn("verdict cache write failed", "stack", stack.StackRef.String(), "error", err)
		}
	}
	return v
}

func (d *Detector) evaluate(ctx context.Context, stack domain.Stack) domain.DriftVerdict {
	now := time.Now().UTC()
	unknown := func(reason string) domain.DriftVerdict {
		return domain.DriftVerdict{Ref: stack.StackRef, Status: domain.DriftUnknown, Reason: reason, CheckedAt: now}
	}

	files, err := d.files.LoadFiles(ctx, stack)
	if err != nil {
		return unknown("load files: " + err.Error())
	}
	set, err := d.renderer.Render(ctx, stack, files)
	if err != nil {
		return unknown("render failed: " + err.Error())
	}
	set = domain.NormalizeRender(set, nil)
	if set == nil {
		return unknown("no rendered services")
	}

	containers, err := d.runtime.ListContainers(ctx)
	if err != nil {
		return unknown("list containers: " + err.Error())
	}

	recorded := map[string]string{}
	if d.hashes != nil {
		recorded, err = d.hashes.GetServiceHashes(ctx, stack.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return unknown("read drift cache: " + err.Error())
		}
	}

	verdict := classify(stack.StackRef, set, containers, recorded)
	verdict.CheckedAt = now
	if len(set.Warnings) > 0 {
		if verdict.Reason != "" {
			verdict.Reason += "; "
		}
		verdict.Reason += strings.Join(set.Warnings, "; ")
	}
	return verdict
}

// classify builds the row set and derives the verdict. Matched rows compare
// config hashes only; images are reported but never compared, the recorded
// hash already covers the effective image.
func classify(ref domain.StackRef, set *domain.RenderedServiceSet, containers []domain.RuntimeContainer, recorded map[string]string) domain.DriftVerdict {
	claimed := map[string]bool{}
	var (
		rows       []domain.ServiceRow
		reasons    []string
		unverified []string
	)

	for _, svc := range set.Services {
		c := Match(svc, set.Project, containers, claimed)
		if c == nil {
			rows = append(rows, domain.ServiceRow{
				ServiceName:  svc.Name,
				State:        domain.RowMissing,
				DesiredImage: svc.Image,
				DesiredHash:  svc.ConfigHash,
			})
			reasons = append(reasons, fmt.Sprintf("service %s missing", svc.Name))
			continue
		}

		// Only hashes this engine recorded at deploy time are comparable.
		// The compose config-hash label on the container comes from a
		// different algorithm and must never be compared against ours.
		running := recorded[svc.Name]
		row := domain.ServiceRow{
			ServiceName:   svc.Name,
			ContainerName: containerName(*c),
			State:         domain.RowMatched,
			DesiredImage:  svc.Image,
			RunningImage:  c.Image,
			DesiredHash:   svc.ConfigHash,
			RunningHash:   running,
			InSync:        running != "" && running == svc.ConfigHash,
		}
		rows = append(rows, row)
		switch {
		case running == "":
			unverified = append(unverified, fmt.Sprintf("service %s: no recorded config", svc.Name))
		case !row.InSync:
			reasons = append(reasons, fmt.Sprintf("service %s: config mismatch", svc.Name))
		}
	}

	for i := range containers {
		c := &containers[i]
		if claimed[c.ID] || c.ComposeProject != set.Project {
			continue
		}
		rows = append(rows, domain.ServiceRow{
			ServiceName:   c.ComposeService,
			ContainerName: containerName(*c),
			State:         domain.RowUnmanaged,
			RunningImage:  c.Image,
			RunningHash:   c.ConfigHash,
		})
	}

	v := domain.DriftVerdict{Ref: ref, Rows: rows}
	switch {
	case len(reasons) > 0:
		v.Status = domain.DriftDrifted
		v.Reason = strings.Join(reasons, "; ")
	case len(unverified) > 0:
		v.Status = domain.DriftUnknown
		v.Reason = strings.Join(unverified, "; ")
	default:
		v.Status = domain.DriftInSync
	}
	return v
}

// EvaluateAll runs one evaluation per stack with bounded concurrency. A
// panicking stack is recovered into its own unknown verdict; the rest of the
// batch is untouched.
func (d *Detector) EvaluateAll(ctx context.Context, stacks []domain.Stack) []domain.DriftVerdict {
	verdicts := make([]domain.DriftVerdict, len(stacks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)

	for i, stack := range stacks {
		i, stack := i, stack
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("drift evaluation panicked", "stack", stack.StackRef.String(), "panic", r)
					verdicts[i] = domain.DriftVerdict{
						Ref:       stack.StackRef,
						Status:    domain.DriftUnknown,
						Reason:    fmt.Sprintf("evaluation panicked: %v", r),
						CheckedAt: time.Now().UTC(),
					}
				}
			}()
			verdicts[i] = d.Evaluate(ctx, stack)
			return nil
		})
	}
	g.Wait()
	return verdicts
}
