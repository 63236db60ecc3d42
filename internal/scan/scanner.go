// Package scan keeps the stack registry in step with the IaC tree on disk:
// it discovers <root>/<scope>/<stack> directories, fingerprints their files,
// and prunes registry rows whose directories vanished.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/repository"
	"github.com/halverson/stackdrift/internal/secret"
)

// Result summarizes one scan pass.
type Result struct {
	Stacks int
	Files  int
	Pruned int64
}

// Scanner walks the IaC root. Directory names under the root are scopes; a
// scope listed in KnownHosts is host-scoped, anything else is a group.
type Scanner struct {
	root       string
	stacks     repository.StackRepository
	files      repository.FileRepository
	knownHosts map[string]bool
	log        *slog.Logger
}

func NewScanner(root string, stacks repository.StackRepository, files repository.FileRepository, knownHosts []string, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	hosts := make(map[string]bool, len(knownHosts))
	for _, h := range knownHosts {
		hosts[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &Scanner{root: root, stacks: stacks, files: files, knownHosts: hosts, log: log}
}

func (s *Scanner) scopeKind(scopeName string) domain.ScopeKind {
	if s.knownHosts[strings.ToLower(scopeName)] {
		return domain.ScopeHost
	}
	return domain.ScopeGroup
}

// Scan walks the whole tree once, reconciling the registry with what it
// finds. Stacks whose directories are gone are pruned.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result
	scopes, err := os.ReadDir(s.root)
	if err != nil {
		return res, fmt.Errorf("read iac root: %w", err)
	}

	var seen []int64
	for _, scope := range scopes {
		if !scope.IsDir() || strings.HasPrefix(scope.Name(), ".") {
			continue
		}
		stackDirs, err := os.ReadDir(filepath.Join(s.root, scope.Name()))
		if err != nil {
			s.log.Warn("unreadable scope dir", "scope", scope.Name(), "error", err)
			continue
		}
		for _, stackDir := range stackDirs {
			if !stackDir.IsDir() || strings.HasPrefix(stackDir.Name(), ".") {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			ref := domain.StackRef{
				ScopeKind: s.scopeKind(scope.Name()),
				ScopeName: scope.Name(),
				StackName: stackDir.Name(),
			}
			id, nFiles, err := s.scanStack(ctx, ref)
			if err != nil {
				s.log.Error("stack scan failed", "stack", ref.String(), "error", err)
				continue
			}
			seen = append(seen, id)
			res.Stacks++
			res.Files += nFiles
		}
	}

	pruned, err := s.stacks.PruneStacksNotIn(ctx, seen)
	if err != nil {
		return res, fmt.Errorf("prune stacks: %w", err)
	}
	res.Pruned = pruned
	if pruned > 0 {
		s.log.Info("pruned vanished stacks", "count", pruned)
	}
	return res, nil
}

func (s *Scanner) scanStack(ctx context.Context, ref domain.StackRef) (int64, int, error) {
	dir := s.stackDir(ref)
	found, err := s.collectFiles(dir)
	if err != nil {
		return 0, 0, err
	}

	stack, err := s.ensureStack(ctx, ref, found)
	if err != nil {
		return 0, 0, err
	}

	existing, err := s.files.ListFiles(ctx, stack.ID)
	if err != nil {
		return 0, 0, err
	}
	current := map[string]bool{}
	for i := range found {
		found[i].StackID = stack.ID
		current[found[i].RelPath] = true
		if err := s.files.UpsertFile(ctx, &found[i]); err != nil {
			return 0, 0, fmt.Errorf("upsert file %s: %w", found[i].RelPath, err)
		}
	}
	for _, old := range existing {
		if !current[old.RelPath] {
			if err := s.files.DeleteFile(ctx, stack.ID, old.RelPath); err != nil {
				return 0, 0, fmt.Errorf("delete stale file row %s: %w", old.RelPath, err)
			}
		}
	}
	return stack.ID, len(found), nil
}

// collectFiles fingerprints every regular file in a stack directory.
func (s *Scanner) collectFiles(dir string) ([]domain.IacFile, error) {
	var out []domain.IacFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != filepath.Base(dir) && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, domain.IacFile{
			RelPath:   rel,
			Role:      compose.InferRole(rel),
			Sops:      secret.IsEncrypted(content),
			SizeBytes: int64(len(content)),
			SHA256:    hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) ensureStack(ctx context.Context, ref domain.StackRef, files []domain.IacFile) (*domain.Stack, error) {
	sops := summarizeSops(files)
	kind := domain.DeployUnmanaged
	for _, f := range files {
		if f.Role == domain.RoleCompose {
			kind = domain.DeployCompose
			break
		}
	}
	hasContent := len(files) > 0

	stack, err := s.stacks.GetStack(ctx, ref)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		stack = &domain.Stack{
			StackRef:   ref,
			RelPath:    ref.ScopeName + "/" + ref.StackName,
			IacEnabled: true,
			SopsStatus: sops,
			DeployKind: kind,
			HasContent: hasContent,
		}
		if err := s.stacks.CreateStack(ctx, stack); err != nil {
			return nil, err
		}
		s.log.Info("stack discovered", "stack", ref.String(), "files", len(files))
		return stack, nil
	case err != nil:
		return nil, err
	}

	stack.SopsStatus = sops
	stack.DeployKind = kind
	stack.HasContent = hasContent
	if stack.RelPath == "" {
		stack.RelPath = ref.ScopeName + "/" + ref.StackName
	}
	if err := s.stacks.UpdateStackMeta(ctx, stack); err != nil {
		return nil, err
	}
	return stack, nil
}

// summarizeSops classifies a stack's env file set: none, partial, or all
// encrypted. Stacks without env files are none.
func summarizeSops(files []domain.IacFile) domain.SopsStatus {
	var envTotal, envSops int
	for _, f := range files {
		if f.Role != domain.RoleEnv {
			continue
		}
		envTotal++
		if f.Sops {
			envSops++
		}
	}
	switch {
	case envTotal == 0 || envSops == 0:
		return domain.SopsNone
	case envSops == envTotal:
		return domain.SopsAll
	default:
		return domain.SopsPartial
	}
}

func (s *Scanner) stackDir(ref domain.StackRef) string {
	return filepath.Join(s.root, ref.ScopeName, ref.StackName)
}

// LoadFiles reads a stack's raw file set for rendering and deploys.
func (s *Scanner) LoadFiles(_ context.Context, stack domain.Stack) ([]compose.File, error) {
	dir := s.stackDir(stack.StackRef)
	var out []compose.File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() != filepath.Base(dir) && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		out = append(out, compose.File{RelPath: rel, Role: compose.InferRole(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveFile writes one file into a stack's directory and refreshes the
// stack's registry rows. relPath is slash-separated and must stay inside the
// stack directory. Callers encrypt secret content before handing it over.
func (s *Scanner) SaveFile(ctx context.Context, ref domain.StackRef, relPath string, content []byte) error {
	if relPath == "" || relPath == "." || !fs.ValidPath(relPath) {
		return fmt.Errorf("invalid rel path %q", relPath)
	}
	dst := filepath.Join(s.stackDir(ref), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}
	if err := os.WriteFile(dst, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if _, _, err := s.scanStack(ctx, ref); err != nil {
		return fmt.Errorf("rescan after save: %w", err)
	}
	return nil
}

// RemoveStackDir deletes a stack's directory from the IaC tree. Used by
// registry deletion; containers are untouched.
func (s *Scanner) RemoveStackDir(_ context.Context, ref domain.StackRef) error {
	dir := s.stackDir(ref)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(dir)
}
