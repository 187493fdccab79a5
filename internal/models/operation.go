package models

import (
	"fmt"
	"strings"
	"time"
)

// OperationKind is the mutation a queued operation applies remotely.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
	OperationCustom OperationKind = "custom"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete, OperationCustom:
		return true
	}
	return false
}

// ParseOperationKind parses a case-insensitive kind name.
func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// Priority orders draining; higher priorities drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses a priority name such as "high".
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending      OperationStatus = "pending"
	StatusProcessing   OperationStatus = "processing"
	StatusCompleted    OperationStatus = "completed"
	StatusFailed       OperationStatus = "failed"
	StatusDeadLettered OperationStatus = "dead_lettered"
)

// MetadataVersion is the metadata key holding the optimistic version token
// captured when the operation was queued.
const MetadataVersion = "version"

// SyncOperation is a queued mutation intent against one remote entity.
type SyncOperation struct {
	ID          string            `json:"id"`
	Seq         uint64            `json:"seq"` // enqueue order, tie-breaker for equal timestamps
	Kind        OperationKind     `json:"kind"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id,omitempty"` // empty for a Create awaiting a remote id
	Payload     Payload           `json:"payload"`
	Priority    Priority          `json:"priority"`
	Status      OperationStatus   `json:"status"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	HeldBy      string            `json:"held_by,omitempty"`  // conflict id awaiting manual resolution
	Action      string            `json:"action,omitempty"`   // custom operation name
	Revision    int               `json:"revision,omitempty"` // bumped whenever the queued payload is rewritten
}

// Version returns the optimistic version token, or "" if none was recorded.
func (op *SyncOperation) Version() string {
	if op.Metadata == nil {
		return ""
	}
	return op.Metadata[MetadataVersion]
}

// SetVersion records a version token in the metadata.
func (op *SyncOperation) SetVersion(v string) {
	if op.Metadata == nil {
		op.Metadata = make(map[string]string)
	}
	if v == "" {
		delete(op.Metadata, MetadataVersion)
		return
	}
	op.Metadata[MetadataVersion] = v
}

// EntityKey identifies the remote entity the operation targets. A Create
// without an id cannot be matched to anything else, so it keys on itself.
func (op *SyncOperation) EntityKey() string {
	if op.EntityID == "" {
		return op.EntityType + "/#" + op.ID
	}
	return op.EntityType + "/" + op.EntityID
}

// IdempotencyKey is the key remote writes for this operation carry. It
// changes with every payload revision, so a retried write after a lost
// response replays only if the payload is the one that was sent.
func (op *SyncOperation) IdempotencyKey() string {
	if op.Revision == 0 {
		return op.ID
	}
	return fmt.Sprintf("%s.%d", op.ID, op.Revision)
}

// Revise marks the payload as rewritten.
func (op *SyncOperation) Revise() {
	op.Revision++
}

// Held reports whether the operation is parked for manual conflict resolution.
func (op *SyncOperation) Held() bool {
	return op.HeldBy != ""
}

// Clone returns a deep copy safe to hand outside the store lock.
func (op *SyncOperation) Clone() *SyncOperation {
	cp := *op
	cp.Payload = op.Payload.Clone()
	if op.Metadata != nil {
		cp.Metadata = make(map[string]string, len(op.Metadata))
		for k, v := range op.Metadata {
			cp.Metadata[k] = v
		}
	}
	if op.NextRetryAt != nil {
		t := *op.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}

// Validate checks the caller-supplied fields of a new operation.
func (op *SyncOperation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.EntityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidOperation)
	}
	if (op.Kind == OperationUpdate || op.Kind == OperationDelete) && op.EntityID == "" {
		return fmt.Errorf("%w: %s requires an entity id", ErrInvalidOperation, op.Kind)
	}
	if op.Kind == OperationCustom && op.Action == "" {
		return fmt.Errorf("%w: custom operation requires an action", ErrInvalidOperation)
	}
	if op.Priority < PriorityLow || op.Priority > PriorityCritical {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidOperation, op.Priority)
	}
	return nil
}

// DeadLetter is an operation evicted after exhausting its retry budget.
type DeadLetter struct {
	Operation      *SyncOperation `json:"operation"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}
