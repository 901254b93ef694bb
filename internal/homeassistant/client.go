// Package homeassistant talks to Home Assistant over its REST and
// WebSocket APIs: entity states, service calls, camera snapshots, and
// the device and entity registries.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boluohome/xingli/internal/httpkit"
)

// maxSnapshotBytes caps a single camera image.
const maxSnapshotBytes = 8 << 20

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	watcher    readyChecker
}

// readyChecker is satisfied by connwatch.Watcher.
type readyChecker interface {
	IsReady() bool
}

// NewClient creates a REST client for the instance at baseURL. Extra
// options are passed to [httpkit.NewClient].
func NewClient(baseURL, token string, logger *slog.Logger, opts ...httpkit.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := []httpkit.ClientOption{
		httpkit.WithTimeout(30 * time.Second),
		httpkit.WithDialRetry(3, 2*time.Second),
		httpkit.WithLogger(logger),
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpkit.NewClient(append(base, opts...)...),
		logger:     logger,
	}
}

// SetWatcher attaches the connection watcher consulted by [Client.IsReady].
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether Home Assistant is currently reachable. Without
// a watcher it always reports true.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("home assistant %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from Home Assistant.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// State is an entity state as returned by /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Config is the subset of /api/config the hub reports.
type Config struct {
	LocationName string  `json:"location_name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	TimeZone     string  `json:"time_zone"`
	Version      string  `json:"version"`
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the instance configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// FetchState returns just the state string of an entity.
func (c *Client) FetchState(ctx context.Context, entityID string) (string, error) {
	s, err := c.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}
	return s.State, nil
}

// CallService invokes domain.service with data as the request body.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if domain == "" || service == "" {
		return fmt.Errorf("call service: domain and service are required")
	}
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	c.logger.Debug("calling service", "domain", domain, "service", service, "data", data)
	return c.post(ctx, path, data, nil)
}

// CameraSnapshot fetches the current still image of a camera entity
// through the camera proxy. It returns the image bytes and content type.
func (c *Client) CameraSnapshot(ctx context.Context, entityID string) ([]byte, string, error) {
	path := "/api/camera_proxy/" + url.PathEscape(entityID)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot %s: %w", entityID, err)
	}
	if len(img) > maxSnapshotBytes {
		return nil, "", fmt.Errorf("snapshot %s exceeds %d bytes", entityID, maxSnapshotBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return img, ct, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return decode(resp.Body, path, result)
}

func (c *Client) post(ctx context.Context, path string, data, result any) error {
	var body []byte
	if data != nil {
		var err error
		if body, err = json.Marshal(data); err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return decode(resp.Body, path, result)
}

// do sends the request and returns the response only when the status is
// 200; any other status is turned into an [*APIError].
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}
	return resp, nil
}

func decode(r io.Reader, path string, result any) error {
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(r).Decode(result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// EntityDomain returns the part of an entity ID before the first dot.
// An ID without a dot is returned whole.
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}
