package weaviate

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when Weaviate has no object with the given id.
var ErrObjectNotFound = errors.New("object not found")

// Object is a Weaviate object reduced to what the sync adapter needs.
type Object struct {
	ID                 string                 `json:"id"`
	Class              string                 `json:"class"`
	Properties         map[string]interface{} `json:"properties"`
	CreationTimeUnix   int64                  `json:"creationTimeUnix,omitempty"`   // ms
	LastUpdateTimeUnix int64                  `json:"lastUpdateTimeUnix,omitempty"` // ms
}

// ClientInterface defines the contract for Weaviate client operations.
// This interface enables mocking for testing the adapter.
type ClientInterface interface {
	Ping(ctx context.Context) error

	// GetObject returns ErrObjectNotFound for a missing object.
	GetObject(ctx context.Context, className, objectID string) (*Object, error)
	// CreateObject returns the stored object including its timestamps.
	CreateObject(ctx context.Context, obj *Object) (*Object, error)
	// UpdateObject replaces the object's properties.
	UpdateObject(ctx context.Context, obj *Object) error
	// DeleteObject returns ErrObjectNotFound for a missing object.
	DeleteObject(ctx context.Context, className, objectID string) error
}

// Verify that *Client implements ClientInterface at compile time
var _ ClientInterface = (*Client)(nil)
