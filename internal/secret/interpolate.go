package secret

import (
	"fmt"
	"regexp"
	"strings"
)

// varRef matches ${VAR} and ${VAR:-default}. Bare $VAR is left alone, the
// same way compose treats it when strict interpolation is off.
var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Env is a layered variable lookup. Later layers win.
type Env struct {
	layers []map[string]string
}

// NewEnv builds a lookup from ordered layers, lowest precedence first.
func NewEnv(layers ...map[string]string) *Env {
	kept := make([]map[string]string, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &Env{layers: kept}
}

// Push adds a layer with the highest precedence so far.
func (e *Env) Push(layer map[string]string) {
	if layer != nil {
		e.layers = append(e.layers, layer)
	}
}

// Lookup returns the effective value for name.
func (e *Env) Lookup(name string) (string, bool) {
	for i := len(e.layers) - 1; i >= 0; i-- {
		if v, ok := e.layers[i][name]; ok {
			return v, true
		}
	}
	return "", false
}

// Interpolate expands ${VAR} and ${VAR:-default} references in s. Unset
// variables without a default expand to the empty string and are reported in
// the returned warning list.
func (e *Env) Interpolate(s string) (string, []string) {
	var warnings []string
	out := varRef.ReplaceAllStringFunc(s, func(m string) string {
		groups := varRef.FindStringSubmatch(m)
		name := groups[1]
		if v, ok := e.Lookup(name); ok {
			return v
		}
		if strings.Contains(m, ":-") {
			return groups[2]
		}
		warnings = append(warnings, fmt.Sprintf("variable %s is not set, substituting empty string", name))
		return ""
	})
	return out, warnings
}

// Redact replaces a secret value with a fixed-length mask so that log lines
// and API payloads leak neither the value nor its length.
func Redact(string) string { return "••••••••" }
