package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/broadcast"
	"github.com/agentworkforce/relaylive/internal/collab"
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/agentworkforce/relaylive/internal/health"
	"github.com/agentworkforce/relaylive/internal/lifecycle"
	"github.com/agentworkforce/relaylive/internal/logging"
	"github.com/agentworkforce/relaylive/internal/relay"
	"github.com/agentworkforce/relaylive/internal/structsync"
	"nhooyr.io/websocket"
)

type emitted struct {
	workspaceID string
	event       string
	data        any
}

// recordingRelay captures emits; its handshake always fails.
type recordingRelay struct {
	mu    sync.Mutex
	emits []emitted
}

func (r *recordingRelay) Admit(*http.Request, string) (relay.Admission, error) {
	return relay.Admission{}, relay.ErrUnknownNamespace
}

func (r *recordingRelay) Serve(http.ResponseWriter, *http.Request, relay.Admission) {}

func (r *recordingRelay) EmitToWorkspace(workspaceID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, emitted{workspaceID: workspaceID, event: event, data: data})
}

func (r *recordingRelay) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.emits...)
}

type stack struct {
	server *Server
	store  *docsession.Store
	relay  *recordingRelay
}

func newStack(t *testing.T, cfg ServerConfig) *stack {
	t.Helper()
	store := docsession.NewStore(docsession.StoreOptions{Logger: logging.Nop()})
	t.Cleanup(func() { _ = store.Close() })
	hub := collab.NewHub(collab.Options{Sessions: store, Logger: logging.Nop()})
	rec := &recordingRelay{}
	reporter := health.NewReporter(health.Options{
		Sessions:    store.Stats,
		Connections: func() map[string]int { return map[string]int{"/events/acme": 2} },
	})
	server := NewServer(Deps{
		Documents:   store,
		Mutator:     structsync.NewEngine(store, logging.Nop()),
		Broadcaster: broadcast.New(hub, logging.Nop()),
		Relay:       rec,
		Collab:      hub,
		Health:      reporter,
		Logger:      logging.Nop(),
	}, cfg)
	return &stack{server: server, store: store, relay: rec}
}

func (s *stack) open(t *testing.T, documentID string) {
	t.Helper()
	handle, err := s.store.Acquire(context.Background(), documentID, docsession.Scope{WorkspaceSlug: "acme"})
	if err != nil {
		t.Fatalf("acquire %s: %v", documentID, err)
	}
	t.Cleanup(func() { _ = handle.Release() })
}

func (s *stack) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Wait(ctx); err != nil {
		t.Fatalf("wait for page event processing: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newStack(t, ServerConfig{})

	live := doRequest(t, s.server, request{method: http.MethodGet, path: "/live"})
	if live.Code != http.StatusOK || !strings.Contains(live.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected 200 ok from /live, got %d (%s)", live.Code, live.Body.String())
	}

	ready := doRequest(t, s.server, request{method: http.MethodGet, path: "/ready"})
	if ready.Code != http.StatusOK {
		t.Fatalf("expected 200 from /ready without a broker, got %d", ready.Code)
	}

	healthResp := doRequest(t, s.server, request{method: http.MethodGet, path: "/health"})
	var h health.Health
	if err := json.NewDecoder(healthResp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ok" || h.Connections != 2 {
		t.Fatalf("unexpected health payload: %+v", h)
	}

	stats := doRequest(t, s.server, request{method: http.MethodGet, path: "/stats"})
	if stats.Code != http.StatusOK || !strings.Contains(stats.Body.String(), `"/events/acme":2`) {
		t.Fatalf("expected connection counts in /stats, got %d (%s)", stats.Code, stats.Body.String())
	}

	metrics := doRequest(t, s.server, request{method: http.MethodGet, path: "/metrics"})
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "relaylive_") {
		t.Fatalf("expected prometheus exposition from /metrics, got %d", metrics.Code)
	}
}

type downBroker struct{}

func (downBroker) Ping(context.Context) error { return fmt.Errorf("dial tcp: connection refused") }

func TestReadyReportsBrokerOutage(t *testing.T) {
	server := NewServer(Deps{Health: health.NewReporter(health.Options{Broker: downBroker{}}), Logger: logging.Nop()}, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/ready"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the broker is down, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestPageEventMutatesOpenParentAndEmits(t *testing.T) {
	s := newStack(t, ServerConfig{})
	s.open(t, "P1")

	resp := doRequest(t, s.server, request{
		method: http.MethodPost,
		path:   "/v1/internal/page-events",
		body: map[string]any{
			"action":         "sub_page",
			"page_id":        "C1",
			"parent_id":      "P1",
			"workspace_slug": "acme",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if strings.TrimSpace(resp.Body.String()) != `{"success":true}` {
		t.Fatalf("unexpected intake response %s", resp.Body.String())
	}
	s.wait(t)

	count, err := docsession.TransactAs(s.store, "P1", func(doc docsession.CollaborativeDocument) (int, error) {
		return structsync.CountEmbeds(doc.Tree(docsession.DefaultTree), "C1", structsync.EntityKindSubPage), nil
	})
	if err != nil {
		t.Fatalf("inspect P1: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one embed of C1 in P1, got %d", count)
	}

	emits := s.relay.snapshot()
	if len(emits) != 1 || emits[0].workspaceID != "acme" || emits[0].event != "page:sub_page" {
		t.Fatalf("expected page:sub_page emitted to acme, got %+v", emits)
	}
}

func TestPageEventForUnopenedPageStillSucceeds(t *testing.T) {
	s := newStack(t, ServerConfig{})
	resp := doRequest(t, s.server, request{
		method: http.MethodPost,
		path:   "/v1/internal/page-events",
		body:   map[string]any{"action": "deleted", "page_id": "C1", "parent_id": "P404"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	s.wait(t)
	if s.store.Loaded("P404") {
		t.Fatalf("intake must never hydrate a document")
	}
	if emits := s.relay.snapshot(); len(emits) != 0 {
		t.Fatalf("events without a workspace are not emitted to the relay, got %+v", emits)
	}
}

func TestPageEventValidation(t *testing.T) {
	s := newStack(t, ServerConfig{})

	resp := doRequest(t, s.server, request{
		method: http.MethodPost,
		path:   "/v1/internal/page-events",
		body:   map[string]any{"page_id": 42},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Code   string `json:"code"`
		Fields []struct {
			Field  string `json:"field"`
			Reason string `json:"reason"`
		} `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode validation payload: %v", err)
	}
	if payload.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", payload.Code)
	}
	fields := map[string]bool{}
	for _, f := range payload.Fields {
		fields[f.Field] = true
	}
	if !fields["action"] || !fields["page_id"] {
		t.Fatalf("expected action and page_id field errors, got %+v", payload.Fields)
	}

	garbage := doRawRequest(t, s.server, rawRequest{method: http.MethodPost, path: "/v1/internal/page-events", body: []byte("{not json")})
	if garbage.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", garbage.Code)
	}
	s.wait(t)
	if emits := s.relay.snapshot(); len(emits) != 0 {
		t.Fatalf("rejected events must not be processed, got %+v", emits)
	}
}

func TestPageEventHMAC(t *testing.T) {
	const secret = "internal-secret"
	s := newStack(t, ServerConfig{InternalHMACSecret: secret})
	bodyBytes := []byte(`{"action":"restored","page_id":"P1","workspace_slug":"acme","data":{"deleted_page_ids":["C1"]}}`)
	ts := time.Now().UTC().Format(time.RFC3339)
	sig := mustHMAC(secret, ts+"\n"+string(bodyBytes))

	signed := func(ts, sig string) rawRequest {
		return rawRequest{
			method: http.MethodPost,
			path:   "/v1/internal/page-events",
			headers: map[string]string{
				"X-Relay-Timestamp": ts,
				"X-Relay-Signature": sig,
				"Content-Type":      "application/json",
			},
			body: bodyBytes,
		}
	}

	okResp := doRawRequest(t, s.server, signed(ts, sig))
	if okResp.Code != http.StatusOK {
		t.Fatalf("expected 200 for a signed event, got %d (%s)", okResp.Code, okResp.Body.String())
	}

	replayResp := doRawRequest(t, s.server, signed(ts, sig))
	if replayResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a replayed signature, got %d", replayResp.Code)
	}

	badResp := doRawRequest(t, s.server, signed(ts, "bad_signature"))
	if badResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d (%s)", badResp.Code, badResp.Body.String())
	}

	staleTs := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	staleResp := doRawRequest(t, s.server, signed(staleTs, mustHMAC(secret, staleTs+"\n"+string(bodyBytes))))
	if staleResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d (%s)", staleResp.Code, staleResp.Body.String())
	}

	unsigned := doRawRequest(t, s.server, rawRequest{method: http.MethodPost, path: "/v1/internal/page-events", body: bodyBytes})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature headers, got %d", unsigned.Code)
	}

	s.wait(t)
	if emits := s.relay.snapshot(); len(emits) != 1 || emits[0].event != "page:restored" {
		t.Fatalf("expected only the signed event to be processed, got %+v", emits)
	}
}

func TestPageEventRateLimitedPerWorkspace(t *testing.T) {
	s := newStack(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	post := func(workspace string) *httptest.ResponseRecorder {
		return doRequest(t, s.server, request{
			method: http.MethodPost,
			path:   "/v1/internal/page-events",
			body:   map[string]any{"action": "deleted", "page_id": "P1", "workspace_slug": workspace},
		})
	}
	for i := 0; i < 2; i++ {
		if resp := post("acme"); resp.Code != http.StatusOK {
			t.Fatalf("expected 200 for event %d, got %d", i, resp.Code)
		}
	}
	denied := post("acme")
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if other := post("globex"); other.Code != http.StatusOK {
		t.Fatalf("other workspaces keep their own budget, got %d", other.Code)
	}
	s.wait(t)
}

func TestPayloadTooLarge(t *testing.T) {
	s := newStack(t, ServerConfig{MaxBodyBytes: 32})
	resp := doRawRequest(t, s.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/page-events",
		body:   []byte(`{"action":"deleted","page_id":"` + strings.Repeat("x", 64) + `"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestDocumentRetrieval(t *testing.T) {
	s := newStack(t, ServerConfig{})

	missing := doRequest(t, s.server, request{method: http.MethodGet, path: "/v1/documents/P1?variant=document&workspaceSlug=acme"})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unloaded document, got %d", missing.Code)
	}
	var notLoaded map[string]any
	if err := json.NewDecoder(missing.Body).Decode(&notLoaded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notLoaded["loaded"] != false || notLoaded["message"] == "" {
		t.Fatalf("expected loaded:false with a message, got %v", notLoaded)
	}

	s.open(t, "P1")
	if _, err := s.store.Transact("P1", func(doc docsession.CollaborativeDocument) (any, error) {
		return nil, doc.Tree(docsession.DefaultTree).Insert(0, docsession.Node{Type: "heading", Attrs: map[string]any{"level": 2}, Content: []docsession.Node{{Type: "text", Text: "Q3"}}})
	}); err != nil {
		t.Fatalf("seed P1: %v", err)
	}

	found := doRequest(t, s.server, request{method: http.MethodGet, path: "/v1/documents/P1?variant=document&workspaceSlug=acme"})
	if found.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", found.Code, found.Body.String())
	}
	var snapshot docsession.Snapshot
	if err := json.NewDecoder(found.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Binary) == 0 || !strings.Contains(snapshot.HTML, "Q3") || snapshot.Content == nil {
		t.Fatalf("expected all three formats, got %+v", snapshot)
	}

	badVariant := doRequest(t, s.server, request{method: http.MethodGet, path: "/v1/documents/P1?variant=markdown&workspaceSlug=acme"})
	if badVariant.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown variant, got %d", badVariant.Code)
	}

	noWorkspace := doRequest(t, s.server, request{method: http.MethodGet, path: "/v1/documents/P1?variant=document"})
	if noWorkspace.Code != http.StatusBadRequest || !strings.Contains(noWorkspace.Body.String(), "workspaceSlug is required") {
		t.Fatalf("expected 400 without workspaceSlug, got %d (%s)", noWorkspace.Code, noWorkspace.Body.String())
	}
}

// blockingMutator holds every event until release is closed.
type blockingMutator struct {
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMutator) Apply(lifecycle.Event) structsync.Report {
	close(m.entered)
	<-m.release
	return structsync.Report{}
}

func TestPageEventRespondsBeforeProcessingFinishes(t *testing.T) {
	mutator := &blockingMutator{entered: make(chan struct{}), release: make(chan struct{})}
	rec := &recordingRelay{}
	server := NewServer(Deps{Mutator: mutator, Relay: rec, Logger: logging.Nop()}, ServerConfig{})

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/page-events",
		body:   map[string]any{"action": "sub_page", "page_id": "C1", "parent_id": "P1", "workspace_slug": "acme"},
	})
	if resp.Code != http.StatusOK || strings.TrimSpace(resp.Body.String()) != `{"success":true}` {
		t.Fatalf("expected 200 success while processing is blocked, got %d (%s)", resp.Code, resp.Body.String())
	}

	select {
	case <-mutator.entered:
	case <-time.After(2 * time.Second):
		close(mutator.release)
		t.Fatalf("processing never started")
	}
	if emits := rec.snapshot(); len(emits) != 0 {
		t.Fatalf("expected no emit while the mutation is blocked, got %+v", emits)
	}
	pending, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := server.Wait(pending)
	cancel()
	if err == nil {
		t.Fatalf("expected Wait to time out while processing is blocked")
	}

	close(mutator.release)
	done, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDone()
	if err := server.Wait(done); err != nil {
		t.Fatalf("wait after release: %v", err)
	}
	if emits := rec.snapshot(); len(emits) != 1 || emits[0].event != "page:sub_page" {
		t.Fatalf("expected page:sub_page emitted after release, got %+v", emits)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newStack(t, ServerConfig{})
	resp := doRequest(t, s.server, request{method: http.MethodGet, path: "/v1/nope", headers: map[string]string{"X-Correlation-Id": "corr_1"}})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"correlationId":"corr_1"`) {
		t.Fatalf("expected correlation id echoed, got %s", resp.Body.String())
	}
}

func TestBasePathAndCORS(t *testing.T) {
	server := NewServer(Deps{Logger: logging.Nop()}, ServerConfig{BasePath: "/live-api/", CORSOrigin: "https://app.example.com"})
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/live-api/live",
		headers: map[string]string{"Origin": "https://app.example.com"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 under the base path, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}

	foreign := doRequest(t, server, request{method: http.MethodGet, path: "/live-api/live", headers: map[string]string{"Origin": "https://evil.example"}})
	if foreign.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origins get no CORS header")
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/live"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside the base path, got %d", resp.Code)
	}
}

func TestRelayHandshakeRejectedOverHTTP(t *testing.T) {
	r := relay.New(relay.Options{
		Gate:           auth.NewGate(auth.NewJWTAuthority("relay-secret"), time.Second, logging.Nop()),
		OriginPatterns: []string{"*"},
		Logger:         logging.Nop(),
	})
	server := NewServer(Deps{Relay: r, Logger: logging.Nop()}, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer func() { _ = r.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/socket.io/events/ws1?token=garbage", nil)
	if err == nil {
		t.Fatalf("expected the handshake to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if counts := r.ConnectionCounts(); len(counts) != 0 {
		t.Fatalf("rejected handshakes leave no sockets, got %v", counts)
	}

	_, resp, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/socket.io/chat", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown namespace, got %+v (%v)", resp, err)
	}
}

func TestCollaborationRequiresWorkspace(t *testing.T) {
	s := newStack(t, ServerConfig{})
	resp := doRequest(t, s.server, request{method: http.MethodGet, path: "/collaboration/P1"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without workspaceSlug, got %d (%s)", resp.Code, resp.Body.String())
	}
	if s.store.Loaded("P1") {
		t.Fatalf("a rejected open must not hydrate the document")
	}
}

func TestVerifyInternalHMACMatchesSigner(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)
	body := []byte(`{"action":"deleted"}`)
	if err := verifyInternalHMAC("s", ts, signPayload("s", ts, body), body, now, time.Minute); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
	if err := verifyInternalHMAC("s", ts, strings.ToUpper(signPayload("s", ts, body)), body, now, time.Minute); err != nil {
		t.Fatalf("signature comparison is case-insensitive, got %v", err)
	}
	if err := verifyInternalHMAC("s", "yesterday", "abc", body, now, time.Minute); err == nil {
		t.Fatalf("expected invalid timestamp to fail")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
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

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
