// Package remote defines the remote adapter contract, the HTTP wire protocol
// spoken with offsync-server, and the adapters that implement it.
package remote

import (
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Header names used by the HTTP protocol.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderETag           = "ETag"
	HeaderDeviceID       = "X-Offsync-Device"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeNotFound        = "not_found"
	CodeAlreadyExists   = "already_exists"
	CodeVersionConflict = "version_conflict"
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeInternal        = "internal_error"
)

// EntityRequest is the body of a create or update call.
type EntityRequest struct {
	ID      string         `json:"id,omitempty"`
	Payload models.Payload `json:"payload"`
}

// EntityResponse is returned by create, update and fetch.
type EntityResponse struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Payload models.Payload `json:"payload"`
	Version string         `json:"version"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Entities int    `json:"entities"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// TokenRequest is the body of POST /admin/tokens.
type TokenRequest struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// TokenResponse carries a freshly signed device token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PruneRequest is the body of POST /admin/gc.
type PruneRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds,omitempty"`
}

// PruneResponse reports an idempotency cache prune.
type PruneResponse struct {
	Cutoff  time.Time `json:"cutoff"`
	Removed int       `json:"removed"`
}
