// Package weaviate provides a client wrapper for Weaviate and a sync adapter
// that uses Weaviate classes as the remote system of record.
package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"
)

// Client wraps the Weaviate client with the object calls the adapter uses.
type Client struct {
	client *weaviate.Client
	url    string
}

// NewClient creates a new Weaviate client. apiKey may be empty.
func NewClient(url, apiKey string) (*Client, error) {
	cfg := weaviate.Config{
		Host:   url,
		Scheme: "http",
	}

	// Handle URL parsing
	if strings.HasPrefix(url, "http://") {
		cfg.Host = strings.TrimPrefix(url, "http://")
	} else if strings.HasPrefix(url, "https://") {
		cfg.Host = strings.TrimPrefix(url, "https://")
		cfg.Scheme = "https"
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	return &Client{
		client: client,
		url:    url,
	}, nil
}

// Ping checks if Weaviate is reachable
func (c *Client) Ping(ctx context.Context) error {
	live, err := c.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Weaviate: %w", err)
	}
	if !live {
		return fmt.Errorf("weaviate is not live")
	}
	return nil
}

// GetObject fetches a single object by class and ID
func (c *Client) GetObject(ctx context.Context, className, objectID string) (*Object, error) {
	objs, err := c.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	if len(objs) == 0 {
		return nil, ErrObjectNotFound
	}

	obj := convertObject(objs[0])
	if obj == nil {
		return nil, fmt.Errorf("decode object %s/%s", className, objectID)
	}
	return obj, nil
}

// DeleteObject deletes an object by class and ID
func (c *Client) DeleteObject(ctx context.Context, className, objectID string) error {
	err := c.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	return mapError(err)
}

// CreateObject creates a new object
func (c *Client) CreateObject(ctx context.Context, obj *Object) (*Object, error) {
	created, err := c.client.Data().Creator().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	out := convertObject(created.Object)
	if out == nil {
		return nil, fmt.Errorf("decode created object %s/%s", obj.Class, obj.ID)
	}
	return out, nil
}

// UpdateObject replaces an existing object's properties
func (c *Client) UpdateObject(ctx context.Context, obj *Object) error {
	err := c.client.Data().Updater().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
	return mapError(err)
}

// mapError turns a 404 from Weaviate into ErrObjectNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, clientErr.Msg)
	}
	return err
}

// convertObject converts a Weaviate API object to our internal model
func convertObject(obj *weaviatemodels.Object) *Object {
	if obj == nil {
		return nil
	}

	props := map[string]interface{}{}
	switch p := obj.Properties.(type) {
	case nil:
	case map[string]interface{}:
		props = p
	default:
		// JSON round trip for the other shapes the API model allows
		data, err := json.Marshal(p)
		if err != nil {
			return nil
		}
		if err := json.Unmarshal(data, &props); err != nil {
			return nil
		}
	}

	return &Object{
		ID:                 obj.ID.String(),
		Class:              obj.Class,
		Properties:         props,
		CreationTimeUnix:   obj.CreationTimeUnix,
		LastUpdateTimeUnix: obj.LastUpdateTimeUnix,
	}
}
