package domain

import "time"

// RuntimeContainer is the engine's read-only view of a live container. The
// container runtime is the source of truth; the engine never mutates one
// except through a compose apply.
type RuntimeContainer struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Image          string    `json:"image"`
	ComposeProject string    `json:"compose_project,omitempty"`
	ComposeService string    `json:"compose_service,omitempty"`
	ConfigHash     string    `json:"config_hash,omitempty"`
	IP             string    `json:"ip,omitempty"`
	Ports          []string  `json:"ports,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Owner          string    `json:"owner,omitempty"`
}
