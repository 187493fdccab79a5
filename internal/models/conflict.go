package models

import "time"

// ConflictStrategy selects how a detected conflict is resolved.
type ConflictStrategy string

const (
	StrategyLocalWins  ConflictStrategy = "local_wins"
	StrategyRemoteWins ConflictStrategy = "remote_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
	StrategyCustom     ConflictStrategy = "custom"
)

// DifferenceKind classifies one field-level divergence.
type DifferenceKind string

const (
	DifferenceAdded    DifferenceKind = "added"    // only present locally
	DifferenceRemoved  DifferenceKind = "removed"  // only present remotely
	DifferenceModified DifferenceKind = "modified" // present on both sides with unequal values
)

// FieldDifference is one entry of a field-level diff.
type FieldDifference struct {
	Field       string         `json:"field"`
	LocalValue  Value          `json:"local_value"`
	RemoteValue Value          `json:"remote_value"`
	Kind        DifferenceKind `json:"kind"`
}

// SyncConflict is a detected divergence between a queued operation and the
// remote entity it targets.
type SyncConflict struct {
	ID            string            `json:"id"`
	OperationID   string            `json:"operation_id"`
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	LocalVersion  string            `json:"local_version"`
	RemoteVersion string            `json:"remote_version"`
	LocalPayload  Payload           `json:"local_payload"`
	RemotePayload Payload           `json:"remote_payload"`
	Differences   []FieldDifference `json:"differences"`
	DetectedAt    time.Time         `json:"detected_at"`
}

// ResolvedBySystem marks a resolution chosen automatically.
const ResolvedBySystem = "system"

// ConflictResolution is the audited outcome of resolving a conflict. A Manual
// resolution has an empty ResolvedBy until someone supplies a decision.
type ConflictResolution struct {
	ConflictID      string           `json:"conflict_id"`
	OperationID     string           `json:"operation_id"`
	EntityType      string           `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	Strategy        ConflictStrategy `json:"strategy"`
	ResolvedPayload Payload          `json:"resolved_payload"`
	ResolvedAt      time.Time        `json:"resolved_at"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
}

// Pending reports whether the resolution still awaits a manual decision.
func (r *ConflictResolution) Pending() bool {
	return r.Strategy == StrategyManual && r.ResolvedBy == ""
}
