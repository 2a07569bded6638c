// Package homeassistant talks to the remote Home Assistant instance: a
// REST connector for everything the HTTP API covers, and a WebSocket
// config-flow negotiator for the one operation it does not.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

// maxErrorBodyBytes caps how much of a remote error payload is carried into
// an error message.
const maxErrorBodyBytes = 256

// requestRecorder observes every completed upstream request. Status 0 means
// the request never produced a response.
var requestRecorder = func(method string, status int) {}

// RegisterRequestRecorder allows external packages to observe upstream
// requests, typically to feed metrics.
func RegisterRequestRecorder(recorder func(method string, status int)) {
	if recorder == nil {
		requestRecorder = func(string, int) {}
		return
	}

	requestRecorder = recorder
}

// Client is the configured HTTP connector for the Home Assistant REST API.
// It performs one request per call and reports failures as classified
// errors; retrying is the caller's concern.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient builds a connector for the instance at baseURL. Every request
// carries the bearer token and is bounded by timeout.
func NewClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// EntityState is one entity's row from the states API.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// FriendlyName returns the human-readable name attribute, falling back to
// the entity id.
func (s EntityState) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}

	return s.EntityID
}

// Ping verifies the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/", nil, nil, nil)
}

// HealthCheck lets the client plug into the health checker registry.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx)
}

// GetState fetches the current state of a single entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*EntityState, error) {
	var state EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, nil, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// ListStates fetches the state of every entity the instance exposes.
func (c *Client) ListStates(ctx context.Context) ([]EntityState, error) {
	var states []EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, nil, &states); err != nil {
		return nil, err
	}

	return states, nil
}

// CallService invokes domain.service with the given payload. Home Assistant
// answers with the states the call changed; callers here only need the
// verdict, so the body is discarded.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	return c.do(ctx, http.MethodPost, path, nil, data, nil)
}

// History fetches recorder history for one entity over the trailing hours.
// The API groups changes per entity; with a single-entity filter the outer
// slice holds at most one group.
func (c *Client) History(ctx context.Context, entityID string, hours int) ([][]EntityState, error) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	query := url.Values{}
	query.Set("filter_entity_id", entityID)
	query.Set("end_time", end.Format(time.RFC3339))

	path := "/api/history/period/" + url.PathEscape(start.Format(time.RFC3339))

	var history [][]EntityState
	if err := c.do(ctx, http.MethodGet, path, query, nil, &history); err != nil {
		return nil, err
	}

	return history, nil
}

// WebSocketURL derives the config-flow endpoint from the base URL.
func (c *Client) WebSocketURL() string {
	wsURL := c.baseURL + "/api/websocket"

	switch {
	case strings.HasPrefix(wsURL, "https://"):
		return "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		return "ws://" + strings.TrimPrefix(wsURL, "http://")
	default:
		return wsURL
	}
}

// Token exposes the bearer credential for the WebSocket negotiator, which
// authenticates with the same token as the REST surface.
func (c *Client) Token() string {
	return c.token
}

// do performs one request and classifies the outcome: a transport failure
// or 5xx is UpstreamUnavailable, a 4xx is UpstreamRejected carrying the
// remote's own message, and a 2xx decodes into out when provided.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestRecorder(method, 0)
		c.log.Warn("upstream request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)

		return apperrors.NewUpstreamUnavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	requestRecorder(method, resp.StatusCode)
	c.log.Debug("upstream request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.NewUpstreamUnavailable(fmt.Errorf("decode response: %w", err))
		}

		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.NewUpstreamRejected(resp.StatusCode, remoteMessage(resp.Body))

	default:
		return apperrors.NewUpstreamStatusUnavailable(resp.StatusCode)
	}
}

// remoteMessage extracts the error text Home Assistant puts in a rejection
// body, falling back to a snippet of the raw payload.
func remoteMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}

	return strings.TrimSpace(string(raw))
}
