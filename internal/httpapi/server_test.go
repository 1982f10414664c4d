package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const docPath = "/v1/workspaces/ws_1/docs/"

func newTestServer(t *testing.T) (*Server, *docstore.Store) {
	t.Helper()
	store := docstore.NewStoreWithOptions(docstore.StoreOptions{DisableWorkers: true})
	t.Cleanup(store.Close)
	return NewServer(store), store
}

func authHeaders(token, correlationID string) map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": correlationID,
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, docPath+"document?path=/a.md", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDocumentLifecycleAndConflicts(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))

	headers := authHeaders(token, "corr_1")
	headers["If-Match"] = "0"
	created := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/notes/a.md",
		headers: headers,
		body: map[string]any{
			"content":  []byte("state-v1"),
			"metadata": map[string]any{"title": "Notes", "updatedBy": "ada"},
		},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", created.Code, created.Body.String())
	}
	var result docstore.WriteResult
	if err := json.NewDecoder(created.Body).Decode(&result); err != nil {
		t.Fatalf("decode write response: %v", err)
	}
	if !result.Created || !strings.HasPrefix(result.Revision, "rev_") {
		t.Fatalf("unexpected write result: %+v", result)
	}

	readResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "document?path=/notes/a.md",
		headers: authHeaders(token, "corr_2"),
	})
	if readResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d (%s)", readResp.Code, readResp.Body.String())
	}
	if etag := readResp.Header().Get("ETag"); etag != `"`+result.Revision+`"` {
		t.Fatalf("unexpected etag %q", etag)
	}
	var doc docstore.Document
	if err := json.NewDecoder(readResp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if string(doc.Content) != "state-v1" || doc.Owner != "ada" || doc.Metadata["title"] != "Notes" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	headers = authHeaders(token, "corr_3")
	headers["If-Match"] = `"rev_stale"`
	stale := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/notes/a.md",
		headers: headers,
		body:    map[string]any{"metadata": map[string]any{"title": "Other"}},
	})
	if stale.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale write, got %d (%s)", stale.Code, stale.Body.String())
	}
	var conflict map[string]any
	if err := json.NewDecoder(stale.Body).Decode(&conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict["currentRevision"] != result.Revision || conflict["expectedRevision"] != "rev_stale" {
		t.Fatalf("unexpected conflict payload: %v", conflict)
	}

	invalid := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/notes/a.md",
		headers: authHeaders(token, "corr_4"),
		body:    map[string]any{"metadata": map[string]any{"title": 7}},
	})
	if invalid.Code != http.StatusBadRequest || !strings.Contains(invalid.Body.String(), `"field":"metadata"`) {
		t.Fatalf("expected metadata validation error, got %d (%s)", invalid.Code, invalid.Body.String())
	}

	deleted := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    docPath + "document?path=/notes/a.md",
		headers: authHeaders(token, "corr_5"),
	})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d (%s)", deleted.Code, deleted.Body.String())
	}
	missing := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "document?path=/notes/a.md",
		headers: authHeaders(token, "corr_6"),
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestScopeAndWorkspaceClaimsEnforced(t *testing.T) {
	server, _ := newTestServer(t)
	readOnly := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/a.md",
		headers: authHeaders(readOnly, "corr_scope"),
		body:    map[string]any{"content": []byte("x")},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", resp.Code, resp.Body.String())
	}

	otherWorkspace := mustTestJWT(t, "dev-secret", "ws_2", "ada", []string{scopeRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "instances?path=/a.md",
		headers: authHeaders(otherWorkspace, "corr_ws"),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for workspace mismatch, got %d", resp.Code)
	}

	cases := map[string]string{
		"wrong audience": mustTestJWTWithAudience(t, "dev-secret", "ws_1", "ada", []string{scopeRead}, "another-service", time.Now().Add(time.Hour)),
		"expired":        mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead}, time.Now().Add(-time.Minute)),
		"bad signature":  mustTestJWT(t, "other-secret", "ws_1", "ada", []string{scopeRead}, time.Now().Add(time.Hour)),
		"malformed":      "not-a-jwt",
	}
	for name, token := range cases {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    docPath + "instances?path=/a.md",
			headers: authHeaders(token, "corr_"+name),
		})
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d (%s)", name, resp.Code, resp.Body.String())
		}
	}

	missingCorrelation := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "instances?path=/a.md",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if missingCorrelation.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", missingCorrelation.Code)
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"workspace_id": "ws_1",
		"agent_name":   "ada",
		"scopes":       "docs:read docs:write",
		"aud":          tokenAudience,
		"exp":          time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("dev-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", "ws_1", scopeWrite, time.Now())
	if authErr != nil {
		t.Fatalf("authorize failed: %v", authErr)
	}
	if claims.AgentName != "ada" || len(claims.Scopes) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAccessEndpointRestrictsWriters(t *testing.T) {
	server, _ := newTestServer(t)
	owner := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeAdmin}, time.Now().Add(time.Hour))
	reader := mustTestJWT(t, "dev-secret", "ws_1", "bob", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/a.md",
		headers: authHeaders(owner, "corr_1"),
		body:    map[string]any{"content": []byte("x")},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected create, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "access?path=/a.md",
		headers: authHeaders(reader, "corr_2"),
		body:    map[string]any{"readAccess": []string{"bob"}},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected docs:admin to be required, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "access?path=/a.md",
		headers: authHeaders(owner, "corr_3"),
		body:    map[string]any{"readAccess": []string{"bob"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected access update, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    docPath + "instances?path=/a.md",
		headers: authHeaders(reader, "corr_4"),
	})
	if resp.Code != http.StatusForbidden || !strings.Contains(resp.Body.String(), docstore.CodePermissionDenied) {
		t.Fatalf("expected permission_denied for reader registration, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestInstanceAndSignalEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))

	register := func(corr string) docstore.Registration {
		t.Helper()
		resp := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    docPath + "instances?path=/a.md",
			headers: authHeaders(token, corr),
		})
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201 on register, got %d (%s)", resp.Code, resp.Body.String())
		}
		var reg docstore.Registration
		if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
			t.Fatalf("decode registration: %v", err)
		}
		return reg
	}
	a := register("corr_1")
	b := register("corr_2")
	if a.ClientID == "" || a.TTLMillis != 30000 || a.ServerTime.IsZero() {
		t.Fatalf("unexpected registration: %+v", a)
	}

	list := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "instances?path=/a.md",
		headers: authHeaders(token, "corr_3"),
	})
	var listed struct {
		Instances []docstore.Instance `json:"instances"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listed); err != nil || len(listed.Instances) != 2 {
		t.Fatalf("expected two instances, got %+v (%v)", listed, err)
	}

	heartbeat := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "instances/" + a.ClientID + "?path=/a.md",
		headers: authHeaders(token, "corr_4"),
	})
	if heartbeat.Code != http.StatusOK {
		t.Fatalf("expected heartbeat 200, got %d (%s)", heartbeat.Code, heartbeat.Body.String())
	}

	signal := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    docPath + "signals?path=/a.md",
		headers: authHeaders(token, "corr_5"),
		body:    map[string]any{"from": a.ClientID, "to": b.ClientID, "kind": "offer", "payload": map[string]any{"sdp": "v=0"}},
	})
	if signal.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on signal, got %d (%s)", signal.Code, signal.Body.String())
	}
	unknown := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    docPath + "signals?path=/a.md",
		headers: authHeaders(token, "corr_6"),
		body:    map[string]any{"from": a.ClientID, "to": "ghost", "kind": "offer"},
	})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown recipient, got %d", unknown.Code)
	}

	del := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    docPath + "instances/" + a.ClientID + "?path=/a.md",
		headers: authHeaders(token, "corr_7"),
	})
	if del.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on deregister, got %d", del.Code)
	}
	heartbeat = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "instances/" + a.ClientID + "?path=/a.md",
		headers: authHeaders(token, "corr_8"),
	})
	if heartbeat.Code != http.StatusNotFound {
		t.Fatalf("expected 404 heartbeat after deregister, got %d", heartbeat.Code)
	}
}

func TestAdminBackendsAndMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(docstore.Collectors()...)
	store := docstore.NewStoreWithOptions(docstore.StoreOptions{DisableWorkers: true, BackendProfile: "memory"})
	defer store.Close()
	server := NewServerWithConfig(store, ServerConfig{Gatherer: registry})
	admin := mustTestJWT(t, "dev-secret", "ws_1", "ops", []string{scopeAdmin}, time.Now().Add(time.Hour))

	write := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    docPath + "document?path=/a.md",
		headers: authHeaders(admin, "corr_1"),
		body:    map[string]any{"content": []byte("x")},
	})
	if write.Code != http.StatusCreated {
		t.Fatalf("expected create, got %d (%s)", write.Code, write.Body.String())
	}

	backends := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/backends",
		headers: authHeaders(admin, "corr_2"),
	})
	if backends.Code != http.StatusOK {
		t.Fatalf("expected 200 from backends, got %d (%s)", backends.Code, backends.Body.String())
	}
	var status docstore.BackendStatus
	if err := json.NewDecoder(backends.Body).Decode(&status); err != nil {
		t.Fatalf("decode backend status: %v", err)
	}
	if status.BackendProfile != "memory" || status.Documents != 1 {
		t.Fatalf("unexpected backend status: %+v", status)
	}

	metrics := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), `relaydoc_store_writes_total{result="created"}`) {
		t.Fatalf("expected store write counter in metrics, got %d (%s)", metrics.Code, metrics.Body.String())
	}
}

func TestRateLimitingByWorkspaceAndAgent(t *testing.T) {
	store := docstore.NewStoreWithOptions(docstore.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := NewServerWithConfig(store, ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "ws_rate", "ada", []string{scopeRead}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/workspaces/ws_rate/docs/instances?path=/a.md",
			headers: authHeaders(token, fmt.Sprintf("corr_rate_%d", i)),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_rate/docs/instances?path=/a.md",
		headers: authHeaders(token, "corr_rate_denied"),
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After of 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	server, store := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	token := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Correlation-Id", "corr_watch")
	conn, _, err := websocket.Dial(ctx, httpServer.URL+docPath+"watch?path=/a.md", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	defer conn.CloseNow()

	read := func() docstore.Event {
		t.Helper()
		var ev docstore.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}
	if ev := read(); ev.Type != docstore.EventDocument || ev.Exists {
		t.Fatalf("expected absent document, got %+v", ev)
	}
	if ev := read(); ev.Type != docstore.EventInstances {
		t.Fatalf("expected instances, got %+v", ev)
	}

	if _, err := store.WriteDocument(docstore.WriteRequest{WorkspaceID: "ws_1", Path: "/a.md", Agent: "ada", Content: []byte("x")}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if ev := read(); ev.Type != docstore.EventDocument || !ev.Exists || string(ev.Document.Content) != "x" {
		t.Fatalf("expected document event, got %+v", ev)
	}

	if err := store.DeleteDocument("ws_1", "/a.md", "ada"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ev := read(); ev.Type != docstore.EventError || ev.Error.Code != docstore.CodeDeleted {
		t.Fatalf("expected deleted event, got %+v", ev)
	}
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWatchRejectsUnreadableDocument(t *testing.T) {
	server, store := newTestServer(t)
	if _, err := store.WriteDocument(docstore.WriteRequest{WorkspaceID: "ws_1", Path: "/a.md", Agent: "ada", Content: []byte("x")}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := store.SetAccess(docstore.AccessRequest{WorkspaceID: "ws_1", Path: "/a.md", Agent: "ada", ReadAccess: []string{"carol"}}); err != nil {
		t.Fatalf("set access failed: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "ws_1", "bob", []string{scopeRead}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    docPath + "watch?path=/a.md",
		headers: authHeaders(token, "corr_watch"),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before upgrade, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestRelayPairsRegisteredInstances(t *testing.T) {
	server, store := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	token := mustTestJWT(t, "dev-secret", "ws_1", "ada", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))

	a, err := store.RegisterInstance("ws_1", "/a.md", "ada")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, err := store.RegisterInstance("ws_1", "/a.md", "ada")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	wsBase := "ws" + strings.TrimPrefix(httpServer.URL, "http") + docPath + "relay?path=/a.md"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Correlation-Id", "corr_relay")

	_, resp, err := gorilla.DefaultDialer.Dial(wsBase+"&self=ghost&peer="+a.ClientID, header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected unknown instance to be rejected, got %v", err)
	}

	connA, _, err := gorilla.DefaultDialer.Dial(wsBase+"&self="+a.ClientID+"&peer="+b.ClientID, header)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := gorilla.DefaultDialer.Dial(wsBase+"&self="+b.ClientID+"&peer="+a.ClientID, header)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	for name, conn := range map[string]*gorilla.Conn{"a": connA, "b": connB} {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		kind, data, err := conn.ReadMessage()
		if err != nil || kind != gorilla.TextMessage || !bytes.Contains(data, []byte(`"paired"`)) {
			t.Fatalf("%s: expected paired frame, got %d %q (%v)", name, kind, data, err)
		}
	}

	if err := connA.WriteMessage(gorilla.BinaryMessage, []byte("delta")); err != nil {
		t.Fatalf("write: %v", err)
	}
	kind, data, err := connB.ReadMessage()
	if err != nil || kind != gorilla.BinaryMessage || string(data) != "delta" {
		t.Fatalf("expected relayed frame, got %d %q (%v)", kind, data, err)
	}

	_ = connA.Close()
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatalf("expected partner to be closed")
	}
}

func TestNormalizeIfMatchHeader(t *testing.T) {
	for raw, want := range map[string]string{
		`"rev_1"`:   "rev_1",
		`W/"rev_2"`: "rev_2",
		" 0 ":       "0",
		"":          "",
	} {
		if got := normalizeIfMatchHeader(raw); got != want {
			t.Fatalf("normalizeIfMatchHeader(%q) = %q, want %q", raw, got, want)
		}
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, workspaceID, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, workspaceID, agentName, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, workspaceID, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"workspace_id": workspaceID,
		"agent_name":   agentName,
		"scopes":       scopes,
		"exp":          exp.Unix(),
		"aud":          aud,
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}
