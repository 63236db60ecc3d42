package secret

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Resolver turns on-disk IaC files into plaintext for rendering. Plaintext
// only ever lives in memory or in the caller's staging directory; the
// resolver never writes it anywhere itself.
type Resolver struct {
	keys KeyProvider
	log  *slog.Logger
}

func NewResolver(keys KeyProvider, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{keys: keys, log: log}
}

// Resolve returns the plaintext of an IaC file. Unencrypted content passes
// through untouched. The path is used for error reporting and format
// detection only.
func (r *Resolver) Resolve(path string, content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	var (
		plain []byte
		err   error
	)
	if isYAMLPath(path) {
		plain, err = DecryptYAML(r.keys, content)
	} else {
		plain, err = DecryptDotenv(r.keys, content)
	}
	if err != nil {
		var derr *DecryptionError
		if e, ok := err.(*DecryptionError); ok {
			derr = e
		} else {
			derr = &DecryptionError{Cause: err}
		}
		derr.Path = path
		r.log.Warn("decryption failed", "path", path, "error", derr.Cause)
		return nil, derr
	}
	return plain, nil
}

// ResolveEnv resolves and parses a dotenv file into a variable map.
func (r *Resolver) ResolveEnv(path string, content []byte) (map[string]string, error) {
	plain, err := r.Resolve(path, content)
	if err != nil {
		return nil, err
	}
	vars, err := godotenv.UnmarshalBytes(plain)
	if err != nil {
		return nil, &DecryptionError{Path: path, Cause: err}
	}
	return vars, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
