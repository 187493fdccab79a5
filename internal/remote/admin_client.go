package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AdminClient communicates with the offsync-server admin API.
// It is distinct from HTTPClient: it authenticates with the admin token and
// does not implement Adapter.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient creates an admin API client.
func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Insecure reports whether credentials would travel over plain HTTP.
func (c *AdminClient) Insecure() bool {
	return strings.HasPrefix(c.baseURL, "http://")
}

func (c *AdminClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *AdminClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, url, body, headers)
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

// IssueToken calls POST /admin/tokens and returns a signed device token.
// A zero ttl lets the server pick its default.
func (c *AdminClient) IssueToken(ctx context.Context, userID, deviceID string, ttl time.Duration) (*TokenResponse, error) {
	req := &TokenRequest{UserID: userID, DeviceID: deviceID, TTLSeconds: int64(ttl / time.Second)}
	var resp TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/admin/tokens", req, &resp); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &resp, nil
}

// PruneIdempotency calls POST /admin/gc. A zero olderThan uses the server's
// configured retention.
func (c *AdminClient) PruneIdempotency(ctx context.Context, olderThan time.Duration) (*PruneResponse, error) {
	req := &PruneRequest{OlderThanSeconds: int64(olderThan / time.Second)}
	var resp PruneResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/admin/gc", req, &resp); err != nil {
		return nil, fmt.Errorf("prune idempotency cache: %w", err)
	}
	return &resp, nil
}
