package models

import "time"

// HistoryStatus summarizes one drain attempt.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryPartial HistoryStatus = "partial"
	HistoryError   HistoryStatus = "error"
)

// SyncHistoryEntry records one completed sync pass.
type SyncHistoryEntry struct {
	ID           string        `json:"id"`
	Status       HistoryStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Errors       []string      `json:"errors,omitempty"`
}

// CreatedEntity maps a completed Create to the id the remote assigned.
type CreatedEntity struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Version     string `json:"version,omitempty"`
}

// SyncResult is what a sync pass reports to its caller.
type SyncResult struct {
	Success        bool            `json:"success"`
	Skipped        bool            `json:"skipped"`
	Message        string          `json:"message,omitempty"`
	SuccessCount   int             `json:"success_count"`
	FailureCount   int             `json:"failure_count"`
	ConflictCount  int             `json:"conflict_count"`
	ManualPending  []string        `json:"manual_pending,omitempty"` // conflict ids parked for a human
	DeadLettered   []string        `json:"dead_lettered,omitempty"`  // operation ids
	Created        []CreatedEntity `json:"created,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
	HistoryEntryID string          `json:"history_entry_id,omitempty"`
}

// SyncMetrics are running counters derived from history and the live queue.
type SyncMetrics struct {
	SuccessfulSyncs   int           `json:"successful_syncs"`
	PartialSyncs      int           `json:"partial_syncs"`
	FailedSyncs       int           `json:"failed_syncs"`
	OperationsSynced  int           `json:"operations_synced"`
	OperationsFailed  int           `json:"operations_failed"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	DeadLettered      int           `json:"dead_lettered"`
	QueueDepth        int           `json:"queue_depth"`
	PendingConflicts  int           `json:"pending_conflicts"`
	LastSyncAt        *time.Time    `json:"last_sync_at,omitempty"`
	LastSyncStatus    HistoryStatus `json:"last_sync_status,omitempty"`
}
