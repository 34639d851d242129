package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"docvault/internal/config"
	"docvault/internal/export"
	"docvault/internal/hub"
	"docvault/internal/revision"
	"docvault/internal/sharelink"
	"docvault/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	revs    map[string][]store.Revision
	audits  []store.AuditEntry
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		docs: make(map[string]store.Document),
		revs: make(map[string][]store.Revision),
	}
}

func (m *memStore) InsertDocument(ctx context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	m.revs[doc.ID] = []store.Revision{{DocumentID: doc.ID, Index: 0, Content: doc.Content}}
	return nil
}

func (m *memStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]store.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	return docs, nil
}

func (m *memStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.docs, id)
	delete(m.revs, id)
	return nil
}

func (m *memStore) UpdateSearchText(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.SearchText = text
	m.docs[id] = doc
	return nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) LoadDocument(ctx context.Context, id string) (store.Document, []store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.Document{}, nil, sql.ErrNoRows
	}
	revs := make([]store.Revision, len(m.revs[id]))
	copy(revs, m.revs[id])
	return doc, revs, nil
}

func (m *memStore) SaveDocument(ctx context.Context, id string, content []byte, history []store.Revision, cursor int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Content = content
	doc.CurrentHistoryIndex = cursor
	m.docs[id] = doc
	revs := make([]store.Revision, len(history))
	copy(revs, history)
	m.revs[id] = revs
	return nil
}

func (m *memStore) AppendAuditEntry(ctx context.Context, entry store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

type memPasswords struct {
	mu     sync.Mutex
	hashes map[string]string
}

func (m *memPasswords) StorePasswordHash(ctx context.Context, tokenID, hash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes == nil {
		m.hashes = make(map[string]string)
	}
	m.hashes[tokenID] = hash
	return nil
}

func (m *memPasswords) PasswordHash(ctx context.Context, tokenID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[tokenID]
	return hash, ok, nil
}

func newTestServer(t *testing.T) (*HTTPServer, *memStore) {
	t.Helper()
	ms := newMemStore()
	authority := sharelink.New("test-secret", time.Hour, &memPasswords{}, ms)
	h := hub.New()
	coordinator := revision.New(ms, authority, h)
	cfg := config.Config{BaseURL: "http://localhost:3000"}
	svc := New(cfg, ms, authority, coordinator, h, nil, export.NewService())
	return NewHTTPServer(svc, "*"), ms
}

func doJSON(t *testing.T, server *HTTPServer, method, path string, body any, token, password string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if password != "" {
		req.Header.Set("X-Share-Password", password)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func createDocument(t *testing.T, server *HTTPServer) (string, string) {
	t.Helper()
	rr := doJSON(t, server, http.MethodPost, "/api/documents", map[string]any{
		"name":       "report.pdf",
		"content":    []byte("%PDF-1.4 initial draft"),
		"tags":       []string{"draft"},
		"category":   "finance",
		"searchText": "initial draft",
	}, "", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create document: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	doc := payload["document"].(map[string]any)
	id := doc["id"].(string)
	ownerToken := payload["ownerToken"].(string)
	if id == "" || ownerToken == "" {
		t.Fatalf("expected document id and owner token, got %v", payload)
	}
	return id, ownerToken
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rr := doJSON(t, server, http.MethodGet, "/api/health", nil, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
}

func TestCreateAndGetDocument(t *testing.T) {
	server, _ := newTestServer(t)
	id, _ := createDocument(t, server)

	rr := doJSON(t, server, http.MethodGet, "/api/documents/"+id, nil, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	doc := parseBody(t, rr)["document"].(map[string]any)
	if doc["name"] != "report.pdf" {
		t.Errorf("expected name report.pdf, got %v", doc["name"])
	}
	if doc["type"] != "pdf" {
		t.Errorf("expected type pdf, got %v", doc["type"])
	}
	if doc["currentHistoryIndex"] != float64(0) {
		t.Errorf("expected history index 0, got %v", doc["currentHistoryIndex"])
	}
}

func TestCreateDocumentUnsupportedType(t *testing.T) {
	server, _ := newTestServer(t)
	rr := doJSON(t, server, http.MethodPost, "/api/documents", map[string]any{
		"name":    "notes.txt",
		"content": []byte("plain text"),
	}, "", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "UNSUPPORTED_TYPE" {
		t.Errorf("expected UNSUPPORTED_TYPE, got %v", payload["code"])
	}
}

func TestUpdateContentAdvancesHistory(t *testing.T) {
	server, _ := newTestServer(t)
	id, ownerToken := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPut, "/api/documents/"+id, map[string]any{
		"content": []byte("%PDF-1.4 second draft"),
	}, ownerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["index"] != float64(1) {
		t.Errorf("expected index 1, got %v", payload["index"])
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+id+"/history", nil, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := parseBody(t, rr)
	if payload["index"] != float64(1) || payload["length"] != float64(2) {
		t.Errorf("expected index 1 length 2, got %v", payload)
	}
}

func TestUpdateContentWithoutToken(t *testing.T) {
	server, _ := newTestServer(t)
	id, _ := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPut, "/api/documents/"+id, map[string]any{
		"content": []byte("%PDF-1.4 sneaky edit"),
	}, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "LINK_INVALID" {
		t.Errorf("expected LINK_INVALID, got %v", payload["code"])
	}
}

func TestReadOnlyShareCannotWrite(t *testing.T) {
	server, _ := newTestServer(t)
	id, _ := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/documents/"+id+"/share", map[string]any{
		"permissions": map[string]bool{"read": true},
	}, "", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("share: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	token := parseBody(t, rr)["token"].(string)

	rr = doJSON(t, server, http.MethodGet, "/api/shared/"+token, nil, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("shared get: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	perms := parseBody(t, rr)["permissions"].(map[string]any)
	if perms["read"] != true || perms["write"] != false {
		t.Errorf("expected read-only permissions, got %v", perms)
	}

	rr = doJSON(t, server, http.MethodPut, "/api/shared/"+token, map[string]any{
		"content": []byte("%PDF-1.4 not allowed"),
	}, "", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSharedLinkPassword(t *testing.T) {
	server, _ := newTestServer(t)
	id, _ := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/documents/"+id+"/share", map[string]any{
		"permissions": map[string]bool{"read": true},
		"password":    "hunter2",
	}, "", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("share: expected 201, got %d", rr.Code)
	}
	token := parseBody(t, rr)["token"].(string)

	rr = doJSON(t, server, http.MethodGet, "/api/shared/"+token, nil, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no password: expected 401, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "PASSWORD_REQUIRED" {
		t.Errorf("expected PASSWORD_REQUIRED, got %v", payload["code"])
	}

	rr = doJSON(t, server, http.MethodGet, "/api/shared/"+token, nil, "", "wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/shared/"+token, nil, "", "hunter2")
	if rr.Code != http.StatusOK {
		t.Fatalf("correct password: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/shared/"+token, map[string]any{
		"password": "hunter2",
	}, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unlock: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := parseBody(t, rr)["content"]; !ok {
		t.Error("unlock response missing content")
	}
}

func TestUndoRedoEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	id, ownerToken := createDocument(t, server)

	for _, content := range []string{"%PDF-1.4 v1", "%PDF-1.4 v2"} {
		rr := doJSON(t, server, http.MethodPut, "/api/documents/"+id, map[string]any{
			"content": []byte(content),
		}, ownerToken, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("update: expected 200, got %d", rr.Code)
		}
	}

	rr := doJSON(t, server, http.MethodPost, "/api/documents/"+id+"/undo", nil, ownerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("undo: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["index"] != float64(1) {
		t.Errorf("expected index 1 after undo, got %v", payload["index"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/documents/"+id+"/redo", nil, ownerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("redo: expected 200, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["index"] != float64(2) {
		t.Errorf("expected index 2 after redo, got %v", payload["index"])
	}
}

func TestDeleteDocumentRequiresWrite(t *testing.T) {
	server, _ := newTestServer(t)
	id, ownerToken := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/documents/"+id+"/share", map[string]any{
		"permissions": map[string]bool{"read": true},
	}, "", "")
	readerToken := parseBody(t, rr)["token"].(string)

	rr = doJSON(t, server, http.MethodDelete, "/api/documents/"+id, nil, readerToken, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader delete: expected 403, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/documents/"+id, nil, ownerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("owner delete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/documents/"+id, nil, "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestTokenBoundToItsDocument(t *testing.T) {
	server, _ := newTestServer(t)
	_, tokenA := createDocument(t, server)
	idB, _ := createDocument(t, server)

	rr := doJSON(t, server, http.MethodPut, "/api/documents/"+idB, map[string]any{
		"content": []byte("%PDF-1.4 cross-document edit"),
	}, tokenA, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnknownDocumentReturns404(t *testing.T) {
	server, _ := newTestServer(t)
	rr := doJSON(t, server, http.MethodGet, "/api/documents/doc_missing", nil, "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	server, ms := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/ready", nil, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	ms.pingErr = context.DeadlineExceeded
	rr = doJSON(t, server, http.MethodGet, "/api/ready", nil, "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
