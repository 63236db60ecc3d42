package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/halverson/stackdrift/internal/confighash"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/secret"
)

// RenderError reports a failure to produce a usable service set. Drift
// evaluation degrades these to unknown verdicts rather than failing batches.
type RenderError struct {
	Ref    domain.StackRef
	Reason string
	Cause  error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("render %s: %s: %v", e.Ref, e.Reason, e.Cause)
	}
	return fmt.Sprintf("render %s: %s", e.Ref, e.Reason)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Renderer turns a stack's raw file set into its desired service state. Each
// call stages a decrypted snapshot into a fresh scratch directory so
// concurrent edits never produce a half-written render, then tears it down.
type Renderer struct {
	resolver *secret.Resolver
	stageDir string
	log      *slog.Logger
}

func NewRenderer(resolver *secret.Resolver, stageDir string, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{resolver: resolver, stageDir: stageDir, log: log}
}

// Render produces the enhanced service set for a stack. Services come back
// in declaration order; interpolation warnings ride along on the set.
func (r *Renderer) Render(ctx context.Context, stack domain.Stack, files []File) (*domain.RenderedServiceSet, error) {
	ref := stack.StackRef
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plain, err := r.resolveAll(ref, files)
	if err != nil {
		return nil, err
	}
	root, cleanup, err := Stage(r.stageDir, plain)
	if err != nil {
		return nil, &RenderError{Ref: ref, Reason: "stage files", Cause: err}
	}
	defer cleanup()

	composeFile := pickComposeFile(plain)
	if composeFile == nil {
		return nil, &RenderError{Ref: ref, Reason: "no compose file"}
	}
	composeBytes, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(composeFile.RelPath)))
	if err != nil {
		return nil, &RenderError{Ref: ref, Reason: "read staged compose file", Cause: err}
	}
	decls, err := parseCompose(composeBytes)
	if err != nil {
		return nil, &RenderError{Ref: ref, Reason: "invalid compose document", Cause: err}
	}

	rootEnv := r.rootEnv(plain)
	set := &domain.RenderedServiceSet{
		Ref:     ref,
		Project: SanitizeProject(stack.StackName),
		RawName: stack.StackName,
		Source:  domain.SourceEnhanced,
	}

	for _, decl := range decls {
		svc, warnings, err := r.renderService(ref, decl, rootEnv, composeFile.RelPath, plain)
		if err != nil {
			return nil, err
		}
		set.Services = append(set.Services, svc)
		set.Warnings = append(set.Warnings, warnings...)
	}
	return set, nil
}

func (r *Renderer) resolveAll(ref domain.StackRef, files []File) ([]File, error) {
	plain := make([]File, 0, len(files))
	for _, f := range files {
		content, err := r.resolver.Resolve(f.RelPath, f.Content)
		if err != nil {
			return nil, &RenderError{Ref: ref, Reason: "decrypt " + f.RelPath, Cause: err}
		}
		role := f.Role
		if role == "" {
			role = InferRole(f.RelPath)
		}
		plain = append(plain, File{RelPath: f.RelPath, Role: role, Content: content})
	}
	return plain, nil
}

// rootEnv loads the stack-level .env, the lowest interpolation layer.
func (r *Renderer) rootEnv(plain []File) map[string]string {
	for _, f := range plain {
		if f.RelPath != ".env" {
			continue
		}
		vars, err := godotenv.UnmarshalBytes(f.Content)
		if err != nil {
			r.log.Warn("unparseable root env file", "error", err)
			return nil
		}
		return vars
	}
	return nil
}

func (r *Renderer) renderService(ref domain.StackRef, decl serviceDecl, rootEnv map[string]string, composePath string, plain []File) (domain.RenderedService, []string, error) {
	var warnings []string

	env := secret.NewEnv(rootEnv)
	env.Push(decl.Environment.Values)
	effective := map[string]string{}
	for k, v := range decl.Environment.Values {
		effective[k] = v
	}
	for _, ef := range decl.EnvFile {
		vars, err := r.envFileVars(ref, decl.Name, ef, composePath, plain)
		if err != nil {
			return domain.RenderedService{}, nil, err
		}
		env.Push(vars)
		for k, v := range vars {
			effective[k] = v
		}
	}

	interp := func(field, s string) string {
		out, w := env.Interpolate(s)
		for _, msg := range w {
			warnings = append(warnings, fmt.Sprintf("service %s %s: %s", decl.Name, field, msg))
		}
		return out
	}
	interpList := func(field string, in []string) []string {
		if len(in) == 0 {
			return nil
		}
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = interp(field, s)
		}
		return out
	}

	for k, v := range effective {
		effective[k] = interp("environment", v)
	}

	svc := domain.RenderedService{
		Name:          decl.Name,
		ContainerName: interp("container_name", decl.ContainerName),
		Image:         interp("image", decl.Image),
		Command:       interpList("command", decl.Command),
		Entrypoint:    interpList("entrypoint", decl.Entrypoint),
		Ports:         interpList("ports", decl.Ports),
		Volumes:       interpList("volumes", decl.Volumes),
		Environment:   effective,
	}
	if err := checkResolved(ref, decl.Name, svc); err != nil {
		return domain.RenderedService{}, nil, err
	}
	svc.ConfigHash = confighash.Sum(confighash.Service{
		Image:       svc.Image,
		Environment: svc.Environment,
		Ports:       svc.Ports,
		Volumes:     svc.Volumes,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
	})
	return svc, warnings, nil
}

// envFileVars locates an env_file reference relative to the compose file and
// parses it. References must stay inside the stack.
func (r *Renderer) envFileVars(ref domain.StackRef, service, envFile, composePath string, plain []File) (map[string]string, error) {
	rel := path.Clean(path.Join(path.Dir(composePath), envFile))
	if strings.HasPrefix(rel, "..") {
		return nil, &RenderError{Ref: ref, Reason: fmt.Sprintf("service %s: env_file %q escapes stack", service, envFile)}
	}
	for _, f := range plain {
		if f.RelPath == rel {
			vars, err := godotenv.UnmarshalBytes(f.Content)
			if err != nil {
				return nil, &RenderError{Ref: ref, Reason: "parse env_file " + rel, Cause: err}
			}
			return vars, nil
		}
	}
	return nil, &RenderError{Ref: ref, Reason: fmt.Sprintf("service %s: env_file %q not found", service, envFile)}
}

// checkResolved rejects renders that still carry ciphertext or unresolved
// references in structural fields.
func checkResolved(ref domain.StackRef, service string, svc domain.RenderedService) error {
	fields := map[string][]string{
		"image":          {svc.Image},
		"container_name": {svc.ContainerName},
		"ports":          svc.Ports,
		"volumes":        svc.Volumes,
		"command":        svc.Command,
		"entrypoint":     svc.Entrypoint,
	}
	for field, vals := range fields {
		for _, v := range vals {
			if secret.HasResidualCiphertext(v) {
				return &RenderError{Ref: ref, Reason: fmt.Sprintf("service %s: residual ciphertext in %s", service, field)}
			}
			if strings.Contains(v, "${") {
				return &RenderError{Ref: ref, Reason: fmt.Sprintf("service %s: unresolved reference in %s", service, field)}
			}
		}
	}
	return nil
}
