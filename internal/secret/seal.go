package secret

import (
	"regexp"
	"strings"
)

// Files whose names mark them as secret-bearing are encrypted on every save.
var secretNameRe = regexp.MustCompile(`(?i)(_secret|_private|_secure)\.env$`)

// NamedSecret reports whether a file name marks its content as secret.
func NamedSecret(relPath string) bool {
	return secretNameRe.MatchString(strings.TrimSpace(relPath))
}

// Seal prepares file content for writing to the IaC tree. Secret-named files
// (and anything with force set) are encrypted to the engine's recipient;
// already-encrypted content and plain files pass through untouched. The bool
// reports whether the returned content is enveloped.
func (r *Resolver) Seal(path string, content []byte, force bool) ([]byte, bool, error) {
	if IsEncrypted(content) {
		return content, true, nil
	}
	if !force && !NamedSecret(path) {
		return content, false, nil
	}
	var (
		sealed []byte
		err    error
	)
	if isYAMLPath(path) {
		sealed, err = EncryptYAML(r.keys, content)
	} else {
		sealed, err = EncryptDotenv(r.keys, content)
	}
	if err != nil {
		var derr *DecryptionError
		if e, ok := err.(*DecryptionError); ok {
			derr = e
		} else {
			derr = &DecryptionError{Cause: err}
		}
		derr.Path = path
		r.log.Warn("encryption failed", "path", path, "error", derr.Cause)
		return nil, false, derr
	}
	return sealed, true, nil
}
