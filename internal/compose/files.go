package compose

import (
	"path"
	"strings"

	"github.com/halverson/stackdrift/internal/domain"
)

// File is one stack member handed to the renderer: content is the raw
// on-disk bytes, possibly ciphertext.
type File struct {
	RelPath string
	Role    domain.FileRole
	Content []byte
}

// InferRole classifies a file by naming convention: compose YAML, dotenv,
// lifecycle script, or other.
func InferRole(relPath string) domain.FileRole {
	name := strings.ToLower(path.Base(relPath))
	ext := path.Ext(name)
	switch {
	case ext == ".yml" || ext == ".yaml":
		return domain.RoleCompose
	case ext == ".env" || name == ".env" || strings.HasSuffix(name, ".env"):
		return domain.RoleEnv
	case name == "deploy.sh" || name == "pre.sh" || name == "post.sh":
		return domain.RoleScript
	default:
		return domain.RoleOther
	}
}

// pickComposeFile selects the stack's primary compose file. Conventional
// names win over arbitrary YAML; among equals the lexically first is used so
// selection is deterministic.
func pickComposeFile(files []File) *File {
	var best *File
	bestRank := -1
	for i := range files {
		f := &files[i]
		if f.Role != domain.RoleCompose && InferRole(f.RelPath) != domain.RoleCompose {
			continue
		}
		rank := composeNameRank(path.Base(f.RelPath))
		if rank > bestRank || (rank == bestRank && best != nil && f.RelPath < best.RelPath) {
			best, bestRank = f, rank
		}
	}
	return best
}

func composeNameRank(name string) int {
	switch strings.ToLower(name) {
	case "docker-compose.yml", "docker-compose.yaml":
		return 3
	case "compose.yml", "compose.yaml":
		return 2
	}
	if strings.Contains(strings.ToLower(name), "compose") {
		return 1
	}
	return 0
}
