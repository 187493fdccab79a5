package weaviate

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a mock implementation of ClientInterface for testing.
type MockClient struct {
	mu sync.Mutex
	// Objects stores objects by "ClassName/ObjectID" key
	Objects map[string]*Object
	// Err can be set to make methods return an error
	Err error
	// Clock supplies LastUpdateTimeUnix values; it advances by one
	// millisecond per write so versions always change.
	Clock int64
}

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		Objects: make(map[string]*Object),
		Clock:   1_700_000_000_000,
	}
}

func objectKey(className, objectID string) string {
	return className + "/" + objectID
}

func (m *MockClient) tick() int64 {
	m.Clock++
	return m.Clock
}

func copyObject(obj *Object) *Object {
	cp := *obj
	cp.Properties = make(map[string]interface{}, len(obj.Properties))
	for k, v := range obj.Properties {
		cp.Properties[k] = v
	}
	return &cp
}

// AddObject adds an object to the mock store, stamping its timestamps.
func (m *MockClient) AddObject(obj *Object) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := copyObject(obj)
	now := m.tick()
	stored.CreationTimeUnix = now
	stored.LastUpdateTimeUnix = now
	m.Objects[objectKey(obj.Class, obj.ID)] = stored
	return copyObject(stored)
}

// Ping reports Err, if set.
func (m *MockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// GetObject returns a specific object from the mock store.
func (m *MockClient) GetObject(ctx context.Context, className, objectID string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[objectKey(className, objectID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, className, objectID)
	}
	return copyObject(obj), nil
}

// CreateObject adds an object to the mock store.
func (m *MockClient) CreateObject(ctx context.Context, obj *Object) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	key := objectKey(obj.Class, obj.ID)
	if _, ok := m.Objects[key]; ok {
		return nil, fmt.Errorf("id '%s' already exists", obj.ID)
	}
	stored := copyObject(obj)
	now := m.tick()
	stored.CreationTimeUnix = now
	stored.LastUpdateTimeUnix = now
	m.Objects[key] = stored
	return copyObject(stored), nil
}

// UpdateObject updates an object in the mock store.
func (m *MockClient) UpdateObject(ctx context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := objectKey(obj.Class, obj.ID)
	prev, ok := m.Objects[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, obj.Class, obj.ID)
	}
	stored := copyObject(obj)
	stored.CreationTimeUnix = prev.CreationTimeUnix
	stored.LastUpdateTimeUnix = m.tick()
	m.Objects[key] = stored
	return nil
}

// DeleteObject removes an object from the mock store.
func (m *MockClient) DeleteObject(ctx context.Context, className, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := objectKey(className, objectID)
	if _, ok := m.Objects[key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, className, objectID)
	}
	delete(m.Objects, key)
	return nil
}

// Verify MockClient implements ClientInterface
var _ ClientInterface = (*MockClient)(nil)
