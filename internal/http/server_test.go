package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/routefabric/meshd/internal/rib"
	"github.com/routefabric/meshd/internal/schema"
	"github.com/routefabric/meshd/internal/session"
	"go.uber.org/zap"
)

// mockSessions implements SessionStatus for testing.
type mockSessions struct {
	statuses []session.PeerStatus
}

func (m *mockSessions) Status() []session.PeerStatus { return m.statuses }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(t *testing.T) (*Server, *rib.RIB) {
	t.Helper()
	r := rib.New("A", zap.NewNop())
	s := NewServer(":0", r, &mockSessions{}, nil, zap.NewNop())
	return s, r
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthz_OK(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["node"] != "A" {
		t.Errorf("expected node A, got %q", body["node"])
	}
}

func TestReadyz_NoJournal(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 without journal, got %d", w.Code)
	}
}

func TestReadyz_JournalDown(t *testing.T) {
	s, _ := newTestServer(t)
	s.dbChecker = &mockDBChecker{err: errors.New("down")}
	w := do(s, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when journal db is down, got %d", w.Code)
	}
}

func TestPeers_CreateListDelete(t *testing.T) {
	s, r := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/peers", `{"name":"B","endpoint":"ws://b:7400/mesh/v1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body)
	}
	if _, ok := r.State().LocalPeers["B"]; !ok {
		t.Fatal("peer not registered")
	}

	w = do(s, http.MethodGet, "/v1/peers", "")
	var peers []schema.LocalPeer
	if err := json.NewDecoder(w.Body).Decode(&peers); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(peers) != 1 || peers[0].Info.Name != "B" {
		t.Errorf("unexpected peer list %+v", peers)
	}

	w = do(s, http.MethodDelete, "/v1/peers/B", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if _, ok := r.State().LocalPeers["B"]; ok {
		t.Error("peer survived delete")
	}
}

func TestPeers_CreateInvalid(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodPost, "/v1/peers", `{"name":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPeers_UpdateUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodPut, "/v1/peers/B", `{"name":"B","endpoint":"ws://b:7400/mesh/v1"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPeers_UpdateNameMismatch(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodPut, "/v1/peers/B", `{"name":"C","endpoint":"ws://c:7400/mesh/v1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRoutes_CreateDuplicateDelete(t *testing.T) {
	s, r := newTestServer(t)

	body := `{"name":"svc-x","protocol":"http","endpoint":"http://a:8080"}`
	if w := do(s, http.MethodPost, "/v1/routes", body); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body)
	}
	if w := do(s, http.MethodPost, "/v1/routes", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", w.Code)
	}
	if w := do(s, http.MethodDelete, "/v1/routes/svc-x?protocol=http", ""); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if w := do(s, http.MethodDelete, "/v1/routes/svc-x?protocol=http", ""); w.Code != http.StatusNotFound {
		t.Fatalf("re-delete: expected 404, got %d", w.Code)
	}
	if len(r.State().LocalRoutes) != 0 {
		t.Error("route table not empty")
	}
}

func TestRIBSnapshot(t *testing.T) {
	s, r := newTestServer(t)
	if _, err := r.Submit(schema.LocalRouteCreate{Route: schema.Route{
		Name: "svc-x", Protocol: schema.ProtocolHTTP, Endpoint: "http://a:1",
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := do(s, http.MethodGet, "/v1/rib", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	routes, ok := body["localRoutes"].(map[string]any)
	if !ok || len(routes) != 1 {
		t.Errorf("unexpected localRoutes %v", body["localRoutes"])
	}
	if _, ok := routes["svc-x/http"]; !ok {
		t.Errorf("expected svc-x/http key, got %v", routes)
	}
}

func TestRouteMetadata(t *testing.T) {
	s, r := newTestServer(t)
	mustSubmit := func(a schema.Action) {
		if _, err := r.Submit(a); err != nil {
			t.Fatalf("seed %s: %v", a.Kind(), err)
		}
	}
	mustSubmit(schema.LocalPeerCreate{Peer: schema.PeerInfo{Name: "B", Endpoint: "ws://b:7400"}})
	mustSubmit(schema.InternalProtocolOpen{Peer: schema.PeerInfo{Name: "B", Endpoint: "ws://b:7400"}})
	mustSubmit(schema.InternalProtocolUpdate{
		Peer: schema.PeerInfo{Name: "B", Endpoint: "ws://b:7400"},
		Update: schema.UpdateBatch{Updates: []schema.UpdateEntry{{
			Action:   schema.UpdateAdd,
			Route:    schema.Route{Name: "svc-x", Protocol: schema.ProtocolHTTP, Endpoint: "http://b:1"},
			NodePath: []string{"B"},
		}}},
	})

	w := do(s, http.MethodGet, "/v1/route-metadata", "")
	var body map[string]struct {
		SelectionReason string `json:"selectionReason"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["svc-x"].SelectionReason != "shortest nodePath" {
		t.Errorf("unexpected metadata %+v", body)
	}
}

func TestSessions_Empty(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/sessions", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(s, http.MethodPut, "/v1/routes", "{}"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/rib", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
