package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entity is a controller-native entity: a domain-qualified key plus its
// current state and attributes.
type Entity struct {
	Key        string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Domain returns the domain part of the entity key ("light.kitchen" -> "light").
func (e Entity) Domain() string {
	if i := strings.IndexByte(e.Key, '.'); i > 0 {
		return e.Key[:i]
	}
	return e.Key
}

// Client talks to the home-automation controller's REST API.
//
// Every request carries a bounded timeout; the client never blocks
// indefinitely. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Config contains controller connection settings.
type Config struct {
	// URL is the controller base URL, e.g. "http://homeauto.local:8123".
	URL string

	// Token is the long-lived bearer token for the controller API.
	Token string

	// Timeout bounds each request.
	Timeout time.Duration
}

const defaultTimeout = 8 * time.Second

// New creates a controller API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListEntities fetches all entities and their live state.
func (c *Client) ListEntities(ctx context.Context) ([]Entity, error) {
	body, err := c.get(ctx, "/api/states")
	if err != nil {
		return nil, err
	}

	var entities []Entity
	if err := json.Unmarshal(body, &entities); err != nil {
		return nil, fmt.Errorf("decoding entity list: %w", err)
	}
	return entities, nil
}

// GetEntity fetches the live state of a single entity.
// Returns ErrEntityNotFound if the controller does not know the key.
func (c *Client) GetEntity(ctx context.Context, key string) (Entity, error) {
	body, err := c.get(ctx, "/api/states/"+url.PathEscape(key))
	if err != nil {
		return Entity{}, err
	}

	var entity Entity
	if err := json.Unmarshal(body, &entity); err != nil {
		return Entity{}, fmt.Errorf("decoding entity %s: %w", key, err)
	}
	return entity, nil
}

// CallService invokes a controller service action against an entity.
// params are merged into the request body alongside the entity key.
//
// The controller gives no synchronous consistency guarantee between a
// service call and the next state read; callers that need confirmation
// must re-read the entity after a settle delay.
func (c *Client) CallService(ctx context.Context, domain, action, key string, params map[string]any) error {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["entity_id"] = key

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding service call: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building service request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s/%s for %s: %w", ErrControllerUnavailable, domain, action, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do on close failure

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s/%s for %s: status %d", ErrControllerUnavailable, domain, action, key, resp.StatusCode)
	}
	return nil
}

// get performs a GET request and returns the response body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrControllerUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do on close failure

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrEntityNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrControllerUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}
