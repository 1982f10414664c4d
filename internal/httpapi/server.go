package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// WatchPingInterval keeps idle watch streams alive through proxies.
	WatchPingInterval time.Duration
	// RelayPairTimeout bounds how long one side of a relay pair waits for
	// the other.
	RelayPairTimeout time.Duration
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	store       *docstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	relay       *relayHub
	metrics     http.Handler
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *docstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *docstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.WatchPingInterval <= 0 {
		cfg.WatchPingInterval = 20 * time.Second
	}
	if cfg.RelayPairTimeout <= 0 {
		cfg.RelayPairTimeout = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		relay:       newRelayHub(cfg.RelayPairTimeout, logger),
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "v1" || parts[1] != "workspaces" || parts[3] != "docs" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	workspaceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[4] == "document" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "read_document"
	case len(parts) == 5 && parts[4] == "document" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "write_document"
	case len(parts) == 5 && parts[4] == "document" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_document"
	case len(parts) == 5 && parts[4] == "access" && r.Method == http.MethodPut:
		requiredScope = scopeAdmin
		route = "set_access"
	case len(parts) == 5 && parts[4] == "instances" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list_instances"
	case len(parts) == 5 && parts[4] == "instances" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "register_instance"
	case len(parts) == 6 && parts[4] == "instances" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "heartbeat_instance"
	case len(parts) == 6 && parts[4] == "instances" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_instance"
	case len(parts) == 5 && parts[4] == "signals" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "post_signal"
	case len(parts) == 5 && parts[4] == "watch" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "watch"
	case len(parts) == 5 && parts[4] == "relay" && r.Method == http.MethodGet:
		requiredScope = scopeWrite
		route = "relay"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "watch" && route != "relay" {
		key := workspaceID + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID)
		return
	}

	call := docCall{
		workspaceID:   workspaceID,
		path:          path,
		agent:         claims.AgentName,
		correlationID: correlationID,
	}
	switch route {
	case "read_document":
		s.handleReadDocument(w, r, call)
	case "write_document":
		s.handleWriteDocument(w, r, call)
	case "delete_document":
		s.handleDeleteDocument(w, r, call)
	case "set_access":
		s.handleSetAccess(w, r, call)
	case "list_instances":
		s.handleListInstances(w, r, call)
	case "register_instance":
		s.handleRegisterInstance(w, r, call)
	case "heartbeat_instance":
		s.handleHeartbeatInstance(w, r, call, parts[5])
	case "delete_instance":
		s.handleDeleteInstance(w, r, call, parts[5])
	case "post_signal":
		s.handlePostSignal(w, r, call)
	case "watch":
		s.handleWatch(w, r, call)
	case "relay":
		s.handleRelay(w, r, call)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// docCall is the authenticated scope of one document request.
type docCall struct {
	workspaceID   string
	path          string
	agent         string
	correlationID string
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", scopeAdmin, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

func (s *Server) handleReadDocument(w http.ResponseWriter, _ *http.Request, call docCall) {
	doc, err := s.store.ReadDocument(call.workspaceID, call.path, call.agent)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.Revision))
	writeJSON(w, http.StatusOK, doc)
}

type writeDocumentBody struct {
	// Content is base64 in JSON. Absent or null keeps the stored content.
	Content  []byte            `json:"content"`
	Metadata docstore.Metadata `json:"metadata"`
}

func (s *Server) handleWriteDocument(w http.ResponseWriter, r *http.Request, call docCall) {
	var body writeDocumentBody
	if !s.decodeJSONBody(w, r, call.correlationID, &body) {
		return
	}
	result, err := s.store.WriteDocument(docstore.WriteRequest{
		WorkspaceID:   call.workspaceID,
		Path:          call.path,
		Agent:         call.agent,
		IfMatch:       normalizeIfMatchHeader(r.Header.Get("If-Match")),
		Content:       body.Content,
		Metadata:      body.Metadata,
		CorrelationID: call.correlationID,
	})
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", strconv.Quote(result.Revision))
	writeJSON(w, status, result)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, _ *http.Request, call docCall) {
	if err := s.store.DeleteDocument(call.workspaceID, call.path, call.agent); err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accessBody struct {
	Owner       string   `json:"owner"`
	ReadAccess  []string `json:"readAccess"`
	WriteAccess []string `json:"writeAccess"`
}

func (s *Server) handleSetAccess(w http.ResponseWriter, r *http.Request, call docCall) {
	var body accessBody
	if !s.decodeJSONBody(w, r, call.correlationID, &body) {
		return
	}
	doc, err := s.store.SetAccess(docstore.AccessRequest{
		WorkspaceID: call.workspaceID,
		Path:        call.path,
		Agent:       call.agent,
		Owner:       body.Owner,
		ReadAccess:  body.ReadAccess,
		WriteAccess: body.WriteAccess,
	})
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request, call docCall) {
	list, err := s.store.ListInstances(call.workspaceID, call.path, call.agent)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, _ *http.Request, call docCall) {
	reg, err := s.store.RegisterInstance(call.workspaceID, call.path, call.agent)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	s.logger.Debug("instance registered", "workspace", call.workspaceID, "path", call.path, "client", reg.ClientID, "correlation_id", call.correlationID)
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleHeartbeatInstance(w http.ResponseWriter, _ *http.Request, call docCall, clientID string) {
	inst, err := s.store.HeartbeatInstance(call.workspaceID, call.path, clientID)
	if err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, _ *http.Request, call docCall, clientID string) {
	if err := s.store.DeleteInstance(call.workspaceID, call.path, clientID); err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostSignal(w http.ResponseWriter, r *http.Request, call docCall) {
	var sig docstore.Signal
	if !s.decodeJSONBody(w, r, call.correlationID, &sig) {
		return
	}
	if err := s.store.PostSignal(call.workspaceID, call.path, call.agent, sig); err != nil {
		writeStoreError(w, err, call.correlationID)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeStoreError maps docstore errors onto the HTTP error envelope.
func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *docstore.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          err.Error(),
			"correlationId":    correlationID,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
		return
	}
	var validation *docstore.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "invalid_input",
			"message":       err.Error(),
			"correlationId": correlationID,
			"field":         validation.Field,
		})
		return
	}
	switch {
	case errors.Is(err, docstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, docstore.CodePermissionDenied, err.Error(), correlationID)
	case errors.Is(err, docstore.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// getCorrelationID falls back to the query string for websocket routes,
// where browsers cannot set headers.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("correlationId")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
