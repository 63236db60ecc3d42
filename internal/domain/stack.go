package domain

import "time"

// ScopeKind distinguishes host-scoped stacks from group-scoped stacks.
type ScopeKind string

const (
	ScopeHost  ScopeKind = "host"
	ScopeGroup ScopeKind = "group"
)

// SopsStatus summarizes how much of a stack's env file set is encrypted.
type SopsStatus string

const (
	SopsNone    SopsStatus = "none"
	SopsPartial SopsStatus = "partial"
	SopsAll     SopsStatus = "all"
)

// DeployKind describes how a stack is applied to a host.
type DeployKind string

const (
	DeployCompose   DeployKind = "compose"
	DeployUnmanaged DeployKind = "unmanaged"
)

// FileRole classifies a tracked IaC file by naming convention.
type FileRole string

const (
	RoleCompose FileRole = "compose"
	RoleEnv     FileRole = "env"
	RoleScript  FileRole = "script"
	RoleOther   FileRole = "other"
)

// StackRef is the natural key of a stack.
type StackRef struct {
	ScopeKind ScopeKind `json:"scope_kind"`
	ScopeName string    `json:"scope_name"`
	StackName string    `json:"stack_name"`
}

// String renders the ref as scope_kind/scope_name/stack_name.
func (r StackRef) String() string {
	return string(r.ScopeKind) + "/" + r.ScopeName + "/" + r.StackName
}

// Stack is a registry record mapping stack identity to IaC metadata.
// AutoDevOps is a tri-state override: nil means "no stack-level override" and
// the host/group and global defaults decide.
type Stack struct {
	ID         int64      `json:"id"`
	StackRef
	RelPath    string     `json:"rel_path"`
	IacEnabled bool       `json:"iac_enabled"`
	AutoDevOps *bool      `json:"auto_devops,omitempty"`
	PullPolicy string     `json:"pull_policy,omitempty"`
	SopsStatus SopsStatus `json:"sops_status"`
	DeployKind DeployKind `json:"deploy_kind"`
	HasContent bool       `json:"has_content"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IacFile is a tracked file owned by exactly one stack. Content may be
// SOPS-style ciphertext; the registry never stores plaintext secrets.
type IacFile struct {
	ID        int64     `json:"id"`
	StackID   int64     `json:"stack_id"`
	RelPath   string    `json:"rel_path"`
	Role      FileRole  `json:"role"`
	Sops      bool      `json:"sops"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	UpdatedAt time.Time `json:"updated_at"`
}
