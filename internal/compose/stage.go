package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stage materializes a plaintext file set into a fresh scratch directory.
// The directory is created 0700 under dir (tmpfs in production, so plaintext
// never touches disk). The returned cleanup removes the whole tree and is
// safe to call on every exit path.
func Stage(dir string, files []File) (string, func(), error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("prepare stage root: %w", err)
	}
	root, err := os.MkdirTemp(dir, "stage-*")
	if err != nil {
		return "", nil, fmt.Errorf("create stage dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(root) }

	for _, f := range files {
		rel := filepath.Clean(f.RelPath)
		if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			cleanup()
			return "", nil, fmt.Errorf("refusing to stage path %q", f.RelPath)
		}
		dst := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("stage %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, f.Content, 0o600); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("stage %s: %w", rel, err)
		}
	}
	return root, cleanup, nil
}
