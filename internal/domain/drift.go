package domain

import "time"

// DriftStatus classifies a stack's desired-vs-runtime comparison.
type DriftStatus string

const (
	DriftInSync  DriftStatus = "in_sync"
	DriftDrifted DriftStatus = "drift"
	DriftUnknown DriftStatus = "unknown"
)

// RowState describes one service row in a drift report.
type RowState string

const (
	RowMatched   RowState = "matched"
	RowMissing   RowState = "missing"
	RowUnmanaged RowState = "unmanaged"
)

// ServiceRow pairs a desired service with whatever runtime container matched
// it. Missing rows have no runtime side; unmanaged rows have no desired side.
type ServiceRow struct {
	ServiceName   string   `json:"service_name,omitempty"`
	ContainerName string   `json:"container_name,omitempty"`
	State         RowState `json:"state"`
	DesiredImage  string   `json:"desired_image,omitempty"`
	RunningImage  string   `json:"running_image,omitempty"`
	DesiredHash   string   `json:"desired_hash,omitempty"`
	RunningHash   string   `json:"running_hash,omitempty"`
	InSync        bool     `json:"in_sync"`
}

// DriftVerdict is the derived per-stack drift classification. Recomputed on
// every evaluation; only the latest value is cached for dashboards.
type DriftVerdict struct {
	Ref       StackRef     `json:"ref"`
	Status    DriftStatus  `json:"status"`
	Reason    string       `json:"reason"`
	Rows      []ServiceRow `json:"rows,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}
