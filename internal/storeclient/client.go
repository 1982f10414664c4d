// Package storeclient talks to the durable document store, either over HTTP
// against cmd/relaydoc or in process against a *docstore.Store.
package storeclient

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
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/sony/gobreaker"
)

var ErrConflict = errors.New("revision conflict")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps HTTP statuses onto the docstore sentinels so callers can use
// errors.Is against either client.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case docstore.ErrPermissionDenied:
		return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
	case docstore.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case docstore.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	case ErrConflict, docstore.ErrRevisionConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// WatchOptions narrows a watch stream. ClientID subscribes to signals
// addressed to that instance.
type WatchOptions struct {
	ClientID string
	Kinds    []docstore.EventType
}

type HTTPConfig struct {
	BaseURL     string
	WorkspaceID string
	Token       string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// Breaker overrides the document write circuit breaker settings.
	Breaker *gobreaker.Settings
}

// HTTPClient is the REST and websocket client for one workspace.
type HTTPClient struct {
	baseURL     string
	workspaceID string
	token       string
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	writes      *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storeclient")

	settings := gobreaker.Settings{
		Name:        "document-writes",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	// client errors say nothing about the store's health
	settings.IsSuccessful = func(err error) bool {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests
		}
		return err == nil || errors.Is(err, context.Canceled)
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &HTTPClient{
		baseURL:     baseURL,
		workspaceID: strings.TrimSpace(cfg.WorkspaceID),
		token:       strings.TrimSpace(cfg.Token),
		httpClient:  httpClient,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		writes:      gobreaker.NewCircuitBreaker(settings),
		logger:      logger,
	}
}

func (c *HTTPClient) docURL(route, path string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("path", path)
	return fmt.Sprintf("/v1/workspaces/%s/docs/%s?%s", url.PathEscape(c.workspaceID), route, q.Encode())
}

func (c *HTTPClient) ReadDocument(ctx context.Context, path string) (docstore.Document, error) {
	var out docstore.Document
	err := c.doJSON(ctx, http.MethodGet, c.docURL("document", path, nil), nil, nil, &out)
	return out, err
}

// WriteDocument stores a snapshot. Repeated server failures open the circuit
// breaker and later writes fail fast with gobreaker.ErrOpenState.
func (c *HTTPClient) WriteDocument(ctx context.Context, path string, content []byte, metadata docstore.Metadata) (docstore.WriteResult, error) {
	body := map[string]any{
		"content":  content,
		"metadata": metadata,
	}
	result, err := c.writes.Execute(func() (any, error) {
		var out docstore.WriteResult
		err := c.doJSON(ctx, http.MethodPut, c.docURL("document", path, nil), nil, body, &out)
		return out, err
	})
	if err != nil {
		return docstore.WriteResult{}, err
	}
	return result.(docstore.WriteResult), nil
}

func (c *HTTPClient) DeleteDocument(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, c.docURL("document", path, nil), nil, nil, nil)
}

func (c *HTTPClient) SetAccess(ctx context.Context, path string, owner string, readAccess, writeAccess []string) (docstore.Document, error) {
	body := map[string]any{
		"owner":       owner,
		"readAccess":  readAccess,
		"writeAccess": writeAccess,
	}
	var out docstore.Document
	err := c.doJSON(ctx, http.MethodPut, c.docURL("access", path, nil), nil, body, &out)
	return out, err
}

func (c *HTTPClient) RegisterInstance(ctx context.Context, path string) (docstore.Registration, error) {
	var out docstore.Registration
	err := c.doJSON(ctx, http.MethodPost, c.docURL("instances", path, nil), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) HeartbeatInstance(ctx context.Context, path, clientID string) error {
	return c.doJSON(ctx, http.MethodPut, c.docURL("instances/"+url.PathEscape(clientID), path, nil), nil, nil, nil)
}

func (c *HTTPClient) DeleteInstance(ctx context.Context, path, clientID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.docURL("instances/"+url.PathEscape(clientID), path, nil), nil, nil, nil)
}

func (c *HTTPClient) ListInstances(ctx context.Context, path string) ([]docstore.Instance, error) {
	var out struct {
		Instances []docstore.Instance `json:"instances"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.docURL("instances", path, nil), nil, nil, &out)
	return out.Instances, err
}

func (c *HTTPClient) PostSignal(ctx context.Context, path string, sig docstore.Signal) error {
	return c.doJSON(ctx, http.MethodPost, c.docURL("signals", path, nil), nil, sig, nil)
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("doc_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
