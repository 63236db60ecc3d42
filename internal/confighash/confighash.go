// Package confighash computes stable content hashes for rendered service
// configuration and for whole IaC file bundles. Hashes are order-independent
// so that map iteration and file walk order never show up as drift.
package confighash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Service is the canonical view of one service's effective configuration.
// Only fields that change runtime behavior participate in the hash.
type Service struct {
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
}

// Sum returns the hex sha256 of the canonical JSON encoding of s. Slices are
// sorted copies; the environment map encodes as sorted key=value pairs.
func Sum(s Service) string {
	canon := struct {
		Image      string   `json:"image"`
		Env        []string `json:"env,omitempty"`
		Ports      []string `json:"ports,omitempty"`
		Volumes    []string `json:"volumes,omitempty"`
		Command    []string `json:"command,omitempty"`
		Entrypoint []string `json:"entrypoint,omitempty"`
	}{
		Image:      s.Image,
		Env:        sortedPairs(s.Environment),
		Ports:      sortedCopy(s.Ports),
		Volumes:    sortedCopy(s.Volumes),
		Command:    s.Command,
		Entrypoint: s.Entrypoint,
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File is one bundle member: path relative to the stack root plus content.
type File struct {
	RelPath string
	Content []byte
}

// Bundle hashes a decrypted file set: one relpath:sha256(relpath||content)
// line per file, sorted by relpath, hashed again. An empty set hashes to "".
func Bundle(files []File) string {
	if len(files) == 0 {
		return ""
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		h := sha256.New()
		h.Write([]byte(f.RelPath))
		h.Write(f.Content)
		lines = append(lines, fmt.Sprintf("%s:%s", f.RelPath, hex.EncodeToString(h.Sum(nil))))
	}
	sort.Strings(lines)

	outer := sha256.New()
	for _, ln := range lines {
		outer.Write([]byte(ln))
		outer.Write([]byte{'\n'})
	}
	return hex.EncodeToString(outer.Sum(nil))
}

// ServiceSet collapses per-service hashes into one hash for a whole rendered
// set, sorted by service name.
func ServiceSet(hashes map[string]string) string {
	if len(hashes) == 0 {
		return ""
	}
	pairs := sortedPairs(hashes)
	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
