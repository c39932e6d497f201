package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stacknote/stacknote/internal/bufferstore"
)

const validDocument = `{
	"documents": [
		{
			"id": "d1",
			"name": "notes",
			"groups": [
				{
					"id": "g1",
					"items": {
						"a": {"id": "a", "type": "task", "properties": {"text": "alpha"}}
					},
					"rootIds": ["a"]
				}
			]
		}
	]
}`

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	return NewServerWithConfig(NewFileStore(t.TempDir()), bufferstore.NewMemoryBackend(), cfg)
}

func doRequest(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body == "" {
		rdr = bytes.NewReader(nil)
	} else {
		rdr = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, ServerConfig{AuthToken: "secret"})
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	s := newTestServer(t, ServerConfig{AuthToken: "secret"})

	rec := doRequest(t, s, http.MethodGet, "/v1/files", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files", "", map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestFileLifecycle(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodPut, "/v1/files/notes.json", validDocument, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/files", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var listing struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Name != "notes.json" {
		t.Fatalf("listing = %+v", listing)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/files/notes.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alpha"`) {
		t.Errorf("get body missing content: %s", rec.Body)
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/files/notes.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files/notes.json", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestPutRejectsMalformedDocument(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodPut, "/v1/files/bad.json", "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: status = %d, want 400", rec.Code)
	}

	// Parses but violates tree invariants: rootIds names a missing item.
	broken := `{"documents":[{"id":"d1","groups":[{"id":"g1","items":{},"rootIds":["ghost"]}]}]}`
	rec = doRequest(t, s, http.MethodPut, "/v1/files/bad.json", broken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid tree: status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files/bad.json", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Error("rejected document was written anyway")
	}
}

func TestRenameConflicts(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	for _, name := range []string{"one.json", "two.json"} {
		rec := doRequest(t, s, http.MethodPut, "/v1/files/"+name, validDocument, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("put %s: status = %d", name, rec.Code)
		}
	}

	rec := doRequest(t, s, http.MethodPost, "/v1/files/one.json/rename", `{"newName":"two.json"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("rename onto existing: status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/files/one.json/rename", `{"newName":"three.json"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: status = %d, body = %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files/three.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("renamed file not readable: status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files/one.json", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("old name still readable: status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/files/missing.json/rename", `{"newName":"x.json"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("rename missing: status = %d, want 404", rec.Code)
	}
}

func TestHostileNamesAreFlattened(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodPut, "/v1/files/my%20notes%20(v2)", validDocument, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d", rec.Code)
	}
	var saved struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatal(err)
	}
	if saved.Name != "mynotesv2.json" {
		t.Errorf("saved name = %q, want mynotesv2.json", saved.Name)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/files/mynotesv2.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("sanitized name not readable: status = %d", rec.Code)
	}
}

func TestBufferAutoCreateAndRoundTrip(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodGet, "/v1/buffers/fresh.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get fresh buffer: status = %d, want 200 with empty buffer", rec.Code)
	}
	var fresh struct {
		UndoStack    []json.RawMessage `json:"undoStack"`
		LastSequence uint64            `json:"lastSequence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatal(err)
	}
	if len(fresh.UndoStack) != 0 || fresh.LastSequence != 0 {
		t.Fatalf("fresh buffer = %+v", fresh)
	}

	buffer := `{"undoStack":[],"redoStack":[],"snapshots":[],"lastSequence":42}`
	rec = doRequest(t, s, http.MethodPut, "/v1/buffers/fresh.json", buffer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put buffer: status = %d, body = %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, s, http.MethodGet, "/v1/buffers/fresh.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get buffer: status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.LastSequence != 42 {
		t.Errorf("last sequence = %d, want 42", fresh.LastSequence)
	}
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	big := `{"documents":[` + strings.Repeat(" ", 128) + `]}`
	rec := doRequest(t, s, http.MethodPut, "/v1/files/big.json", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/v1/files", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
	rec := doRequest(t, s, http.MethodGet, "/v1/files", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
