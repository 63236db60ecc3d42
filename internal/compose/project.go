package compose

import "strings"

// SanitizeProject maps a raw stack name onto a valid compose project label:
// lowercase, spaces to underscores, anything outside [a-z0-9_-] dropped,
// leading and trailing separators trimmed. An empty result becomes "default".
// The raw name is still what gets passed to `docker compose -p`; the label is
// only for matching runtime containers.
func SanitizeProject(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "_")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	s = strings.Trim(b.String(), "_-")
	if s == "" {
		return "default"
	}
	return s
}
