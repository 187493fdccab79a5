package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
)

// idNamespace derives object UUIDs from entity ids that are not UUIDs.
var idNamespace = uuid.MustParse("5b0f3c1e-8d7a-4e62-9a51-0c8f1d2e7b34")

// Adapter stores sync entities as Weaviate objects. The entity type names
// the class and the object's last update time is the version token.
//
// Weaviate has no conditional write, so Update compares the version it
// fetched just before writing. A write landing between the fetch and the
// update is not detected.
type Adapter struct {
	client ClientInterface
	logger *slog.Logger
}

var (
	_ remote.Adapter = (*Adapter)(nil)
	_ remote.Pinger  = (*Adapter)(nil)
)

// NewAdapter creates an adapter over a Weaviate client.
func NewAdapter(client ClientInterface, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, logger: logger}
}

// ClassName maps an entity type to a Weaviate class name, which must start
// with an upper case letter.
func ClassName(entityType string) string {
	r, size := utf8.DecodeRuneInString(entityType)
	if r == utf8.RuneError {
		return entityType
	}
	return string(unicode.ToUpper(r)) + entityType[size:]
}

// ObjectID maps an entity id to a Weaviate object UUID. UUIDs pass through;
// anything else gets a stable name-based UUID.
func ObjectID(entityType, entityID string) string {
	if id, err := uuid.Parse(entityID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(idNamespace, []byte(entityType+"/"+entityID)).String()
}

// Version formats an object's version token.
func Version(obj *Object) string {
	return strconv.FormatInt(obj.LastUpdateTimeUnix, 10)
}

func (a *Adapter) get(ctx context.Context, entityType, entityID string) (*Object, error) {
	obj, err := a.client.GetObject(ctx, ClassName(entityType), ObjectID(entityType, entityID))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, remote.ErrNotFound)
	}
	return obj, err
}

// Create inserts a new object. Without an entity id, the idempotency key on
// ctx seeds the object id so a replayed create returns the first result.
func (a *Adapter) Create(ctx context.Context, entityType, entityID string, payload models.Payload) (*remote.CreateResult, error) {
	replayable := false
	if entityID == "" {
		if key := remote.IdempotencyKey(ctx); key != "" {
			entityID = uuid.NewSHA1(idNamespace, []byte("create/"+key)).String()
			replayable = true
		} else {
			entityID = uuid.NewString()
		}
	}

	existing, err := a.get(ctx, entityType, entityID)
	switch {
	case err == nil && replayable:
		a.logger.Debug("weaviate: create replayed",
			"entity_type", entityType,
			"entity_id", entityID,
		)
		return &remote.CreateResult{ID: entityID, Version: Version(existing)}, nil
	case err == nil:
		return nil, fmt.Errorf("create %s/%s: %w", entityType, entityID, remote.ErrAlreadyExists)
	case !errors.Is(err, remote.ErrNotFound):
		return nil, fmt.Errorf("create %s/%s: %w", entityType, entityID, err)
	}

	created, err := a.client.CreateObject(ctx, &Object{
		ID:         ObjectID(entityType, entityID),
		Class:      ClassName(entityType),
		Properties: payload.Interface(),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", entityType, entityID, err)
	}
	return &remote.CreateResult{ID: entityID, Version: Version(created)}, nil
}

// Update replaces the object's properties when its version still matches
// expectedVersion. An empty expectedVersion writes unconditionally.
func (a *Adapter) Update(ctx context.Context, entityType, entityID string, payload models.Payload, expectedVersion string) (*remote.UpdateResult, error) {
	current, err := a.get(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if expectedVersion != "" && Version(current) != expectedVersion {
		return nil, fmt.Errorf("update %s/%s: expected version %s, have %s: %w",
			entityType, entityID, expectedVersion, Version(current), remote.ErrVersionConflict)
	}

	if err := a.client.UpdateObject(ctx, &Object{
		ID:         current.ID,
		Class:      ClassName(entityType),
		Properties: payload.Interface(),
	}); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("update %s/%s: %w", entityType, entityID, remote.ErrNotFound)
		}
		return nil, fmt.Errorf("update %s/%s: %w", entityType, entityID, err)
	}

	updated, err := a.get(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("read back %s/%s: %w", entityType, entityID, err)
	}
	return &remote.UpdateResult{Version: Version(updated)}, nil
}

// Delete removes the object.
func (a *Adapter) Delete(ctx context.Context, entityType, entityID string) error {
	err := a.client.DeleteObject(ctx, ClassName(entityType), ObjectID(entityType, entityID))
	if errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, remote.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Exists reports whether the object exists.
func (a *Adapter) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	_, err := a.get(ctx, entityType, entityID)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fetch returns the object as a remote entity.
func (a *Adapter) Fetch(ctx context.Context, entityType, entityID string) (*remote.Entity, error) {
	obj, err := a.get(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	payload, err := models.PayloadFromMap(obj.Properties)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", entityType, entityID, err)
	}
	return &remote.Entity{
		Type:    entityType,
		ID:      entityID,
		Payload: payload,
		Version: Version(obj),
	}, nil
}

// Ping checks that Weaviate is live.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}
