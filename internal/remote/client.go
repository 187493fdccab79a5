package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// HTTPClient implements Adapter against an offsync-server.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	deviceID   string
	httpClient *http.Client
}

var (
	_ Adapter = (*HTTPClient)(nil)
	_ Pinger  = (*HTTPClient)(nil)
)

// NewHTTPClient creates an HTTP adapter. tokens may be nil for an open server.
func NewHTTPClient(baseURL string, tokens TokenSource, deviceID string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) entityURL(entityType, entityID string) string {
	u := fmt.Sprintf("%s/api/v1/entities/%s", c.baseURL, url.PathEscape(entityType))
	if entityID != "" {
		u += "/" + url.PathEscape(entityID)
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}, headers map[string]string) error {
	var body io.Reader
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, h)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Create posts a new entity.
func (c *HTTPClient) Create(ctx context.Context, entityType, entityID string, payload models.Payload) (*CreateResult, error) {
	req := &EntityRequest{ID: entityID, Payload: payload}
	var resp EntityResponse
	if err := c.doJSON(ctx, http.MethodPost, c.entityURL(entityType, ""), req, &resp, nil); err != nil {
		return nil, fmt.Errorf("create %s: %w", entityType, err)
	}
	return &CreateResult{ID: resp.ID, Version: resp.Version}, nil
}

// Update replaces an entity's payload, conditional on expectedVersion when set.
func (c *HTTPClient) Update(ctx context.Context, entityType, entityID string, payload models.Payload, expectedVersion string) (*UpdateResult, error) {
	var headers map[string]string
	if expectedVersion != "" {
		headers = map[string]string{HeaderIfMatch: `"` + expectedVersion + `"`}
	}
	req := &EntityRequest{Payload: payload}
	var resp EntityResponse
	if err := c.doJSON(ctx, http.MethodPut, c.entityURL(entityType, entityID), req, &resp, headers); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", entityType, entityID, err)
	}
	return &UpdateResult{Version: resp.Version}, nil
}

// Delete removes an entity.
func (c *HTTPClient) Delete(ctx context.Context, entityType, entityID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.entityURL(entityType, entityID), nil, nil)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, decodeError(resp))
	}
	return nil
}

// Exists reports whether the entity exists.
func (c *HTTPClient) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.entityURL(entityType, entityID), nil, nil)
	if err != nil {
		return false, fmt.Errorf("check %s/%s: %w", entityType, entityID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, &RemoteError{Code: "unknown", Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Status: resp.StatusCode}
	}
	return true, nil
}

// Fetch returns the current remote copy of an entity.
func (c *HTTPClient) Fetch(ctx context.Context, entityType, entityID string) (*Entity, error) {
	var resp EntityResponse
	if err := c.doJSON(ctx, http.MethodGet, c.entityURL(entityType, entityID), nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", entityType, entityID, err)
	}
	if resp.Payload == nil {
		resp.Payload = models.Payload{}
	}
	return &Entity{Type: resp.Type, ID: resp.ID, Payload: resp.Payload, Version: resp.Version}, nil
}

// Ping checks that the server is reachable and healthy.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/healthz", nil, &resp, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps protocol status codes onto the adapter sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusPreconditionFailed:
		return ErrVersionConflict
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
