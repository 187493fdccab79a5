package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
)

// Call records one adapter invocation on a MemoryAdapter.
type Call struct {
	Method          string
	EntityType      string
	EntityID        string
	Payload         models.Payload
	ExpectedVersion string
	IdempotencyKey  string
}

type memEntity struct {
	payload models.Payload
	version int
}

// MemoryAdapter is an in-process Adapter with integer versions for tests.
type MemoryAdapter struct {
	mu       sync.Mutex
	entities map[string]*memEntity
	created  map[string]*CreateResult // idempotency key -> first result
	calls    []Call

	// Fail, when set, is consulted before every call; a non-nil return is
	// returned as the call's error.
	Fail func(method, entityType, entityID string) error
	// Custom handles custom operations; nil rejects them.
	Custom func(ctx context.Context, op *models.SyncOperation) error
}

var (
	_ Adapter       = (*MemoryAdapter)(nil)
	_ CustomApplier = (*MemoryAdapter)(nil)
	_ Pinger        = (*MemoryAdapter)(nil)
)

// NewMemoryAdapter creates an empty in-memory remote.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		entities: make(map[string]*memEntity),
		created:  make(map[string]*CreateResult),
	}
}

func memKey(entityType, entityID string) string { return entityType + "/" + entityID }

// Put seeds or overwrites an entity as if another client had written it, and
// returns its new version.
func (m *MemoryAdapter) Put(entityType, entityID string, payload models.Payload) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[memKey(entityType, entityID)]
	if !ok {
		e = &memEntity{}
		m.entities[memKey(entityType, entityID)] = e
	}
	e.payload = payload.Clone()
	e.version++
	return strconv.Itoa(e.version)
}

// Get returns the stored entity, if any.
func (m *MemoryAdapter) Get(entityType, entityID string) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[memKey(entityType, entityID)]
	if !ok {
		return nil, false
	}
	return &Entity{Type: entityType, ID: entityID, Payload: e.payload.Clone(), Version: strconv.Itoa(e.version)}, true
}

// Len returns the number of stored entities.
func (m *MemoryAdapter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// Calls returns a copy of the recorded calls.
func (m *MemoryAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (m *MemoryAdapter) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// record appends a call and runs the failure hook. The caller holds m.mu.
func (m *MemoryAdapter) record(ctx context.Context, c Call) error {
	c.IdempotencyKey = IdempotencyKey(ctx)
	m.calls = append(m.calls, c)
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fail != nil {
		return m.Fail(c.Method, c.EntityType, c.EntityID)
	}
	return nil
}

// Create stores a new entity. A repeated idempotency key returns the first result.
func (m *MemoryAdapter) Create(ctx context.Context, entityType, entityID string, payload models.Payload) (*CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Method: "create", EntityType: entityType, EntityID: entityID, Payload: payload.Clone()}); err != nil {
		return nil, err
	}

	key := IdempotencyKey(ctx)
	if key != "" {
		if res, ok := m.created[key]; ok {
			cp := *res
			return &cp, nil
		}
	}
	if entityID == "" {
		entityID = uuid.NewString()
	}
	if _, exists := m.entities[memKey(entityType, entityID)]; exists {
		return nil, fmt.Errorf("create %s/%s: %w", entityType, entityID, ErrAlreadyExists)
	}
	m.entities[memKey(entityType, entityID)] = &memEntity{payload: payload.Clone(), version: 1}
	res := &CreateResult{ID: entityID, Version: "1"}
	if key != "" {
		cp := *res
		m.created[key] = &cp
	}
	return res, nil
}

// Update replaces the payload, checking expectedVersion when given.
func (m *MemoryAdapter) Update(ctx context.Context, entityType, entityID string, payload models.Payload, expectedVersion string) (*UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Method: "update", EntityType: entityType, EntityID: entityID, Payload: payload.Clone(), ExpectedVersion: expectedVersion}); err != nil {
		return nil, err
	}

	e, ok := m.entities[memKey(entityType, entityID)]
	if !ok {
		return nil, fmt.Errorf("update %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	if expectedVersion != "" && expectedVersion != strconv.Itoa(e.version) {
		return nil, fmt.Errorf("update %s/%s: expected version %s, have %d: %w",
			entityType, entityID, expectedVersion, e.version, ErrVersionConflict)
	}
	e.payload = payload.Clone()
	e.version++
	return &UpdateResult{Version: strconv.Itoa(e.version)}, nil
}

// Delete removes an entity.
func (m *MemoryAdapter) Delete(ctx context.Context, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Method: "delete", EntityType: entityType, EntityID: entityID}); err != nil {
		return err
	}
	if _, ok := m.entities[memKey(entityType, entityID)]; !ok {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	delete(m.entities, memKey(entityType, entityID))
	return nil
}

// Exists reports whether an entity is stored.
func (m *MemoryAdapter) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Method: "exists", EntityType: entityType, EntityID: entityID}); err != nil {
		return false, err
	}
	_, ok := m.entities[memKey(entityType, entityID)]
	return ok, nil
}

// Fetch returns the stored entity.
func (m *MemoryAdapter) Fetch(ctx context.Context, entityType, entityID string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Method: "fetch", EntityType: entityType, EntityID: entityID}); err != nil {
		return nil, err
	}
	e, ok := m.entities[memKey(entityType, entityID)]
	if !ok {
		return nil, fmt.Errorf("fetch %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	return &Entity{Type: entityType, ID: entityID, Payload: e.payload.Clone(), Version: strconv.Itoa(e.version)}, nil
}

// ApplyCustom runs the Custom hook.
func (m *MemoryAdapter) ApplyCustom(ctx context.Context, op *models.SyncOperation) error {
	m.mu.Lock()
	err := m.record(ctx, Call{Method: "custom", EntityType: op.EntityType, EntityID: op.EntityID, Payload: op.Payload.Clone()})
	custom := m.Custom
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if custom == nil {
		return fmt.Errorf("custom operation %q: not supported", op.Action)
	}
	return custom(ctx, op)
}

// Ping runs the failure hook with method "ping".
func (m *MemoryAdapter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail("ping", "", "")
	}
	return ctx.Err()
}
