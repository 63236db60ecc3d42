package domain

import "time"

// DeployState is the orchestrator's per-invocation state machine position.
type DeployState string

const (
	DeployIdle        DeployState = "idle"
	DeployConfigCheck DeployState = "config_check"
	DeployUnchanged   DeployState = "unchanged"
	DeployProceeding  DeployState = "proceeding"
	DeployApplying    DeployState = "applying"
	DeploySuccess     DeployState = "success"
	DeployFailed      DeployState = "failed"
)

// DeployEventType enumerates streamed deploy progress events.
type DeployEventType string

const (
	EventInfo            DeployEventType = "info"
	EventStdout          DeployEventType = "stdout"
	EventStderr          DeployEventType = "stderr"
	EventSuccess         DeployEventType = "success"
	EventError           DeployEventType = "error"
	EventComplete        DeployEventType = "complete"
	EventConfigUnchanged DeployEventType = "config_unchanged"
	EventSkipped         DeployEventType = "skipped"
)

// DeployEvent is one discrete progress message streamed to deploy callers.
type DeployEvent struct {
	Type      DeployEventType `json:"type"`
	Message   string          `json:"message"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether the event ends the stream.
func (e DeployEvent) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventConfigUnchanged, EventSkipped:
		return true
	}
	return false
}

// DeployStamp records one deploy attempt: the content it applied and how it
// ended. ServiceStatus keeps per-service outcomes so partial application is
// representable, not collapsed into a single boolean.
type DeployStamp struct {
	ID            string            `json:"id"`
	StackID       int64             `json:"stack_id"`
	Kind          DeployKind        `json:"kind"`
	BundleHash    string            `json:"bundle_hash"`
	RenderedHash  string            `json:"rendered_hash,omitempty"`
	Status        string            `json:"status"` // pending|success|failed
	Reason        string            `json:"reason,omitempty"`
	ExitCode      int               `json:"exit_code"`
	ServiceStatus map[string]string `json:"service_status,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

const (
	StampPending = "pending"
	StampSuccess = "success"
	StampFailed  = "failed"
)
