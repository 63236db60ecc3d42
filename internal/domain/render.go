package domain

// RenderSource tags where a service set came from. Enhanced sets carry full
// interpolated configuration and config hashes; basic sets only carry what a
// registry scan of the raw compose file could see.
type RenderSource string

const (
	SourceEnhanced RenderSource = "enhanced"
	SourceBasic    RenderSource = "basic"
)

// RenderedService is the post-interpolation, post-decryption view of one
// declared compose service. Ephemeral: produced fresh on every render, never
// persisted.
type RenderedService struct {
	Name          string            `json:"service_name"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	ConfigHash    string            `json:"config_hash,omitempty"`
}

// RenderedServiceSet is the ordered desired state of a stack. Order follows
// declaration order in the compose file so downstream diffing is stable.
type RenderedServiceSet struct {
	Ref      StackRef          `json:"ref"`
	Project  string            `json:"project"`  // sanitized compose project label
	RawName  string            `json:"raw_name"` // exact stack name as typed
	Source   RenderSource      `json:"source"`
	Services []RenderedService `json:"services"`
	Warnings []string          `json:"warnings,omitempty"`
}

// NormalizeRender picks the canonical service set from whatever sources are
// available, preferring enhanced data. Returns nil when neither source exists;
// callers must treat that as "unknown", never as "in sync".
func NormalizeRender(enhanced, basic *RenderedServiceSet) *RenderedServiceSet {
	if enhanced != nil && len(enhanced.Services) > 0 {
		return enhanced
	}
	if basic != nil && len(basic.Services) > 0 {
		return basic
	}
	return nil
}
