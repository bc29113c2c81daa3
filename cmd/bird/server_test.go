package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	playground "github.com/joshuadavidthomas/django-bird-playground"
	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/engine"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

func newTestServer(t *testing.T) *server {
	t.Helper()

	fake := &engine.Fake{ExecOutput: "42\n"}
	pg := playground.New(playground.Config{
		NewEngine: func() (engine.Engine, error) { return fake, nil },
	})
	t.Cleanup(pg.Cleanup)

	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return newServer(pg)
}

func doJSON(t *testing.T, srv *server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func TestRenderEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/render", renderRequest{
		Template: "Hello {name}!",
		Context:  map[string]any{"name": "World"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp renderResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Output != "Hello World!" {
		t.Errorf("expected rendered output, got %q", resp.Output)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}
}

func TestRenderEndpointRequiresTemplate(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/render", renderRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestRenderEndpointInvalidJSON(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader("{"))
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestRenderEndpointTemplateError(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/render", renderRequest{Template: "{broken"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp renderResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected error in response")
	}
	if resp.Error.Kind != "render" {
		t.Errorf("expected render error kind, got %q", resp.Error.Kind)
	}
}

func TestRenderEndpointNotReady(t *testing.T) {
	pg := playground.New(playground.Config{
		NewEngine: func() (engine.Engine, error) { return &engine.Fake{}, nil },
	})
	t.Cleanup(pg.Cleanup)
	srv := newServer(pg)

	w := doJSON(t, srv, http.MethodPost, "/api/render", renderRequest{Template: "x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}

	var resp renderResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "not_initialized" {
		t.Errorf("expected not_initialized error, got %+v", resp.Error)
	}
}

func TestBatchEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/batch", batchRequest{
		Items: []transport.RenderPayload{
			{Template: "Hello {name}!", Context: map[string]any{"name": "World"}},
			{Template: "{broken"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp batchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Output != "Hello World!" {
		t.Errorf("unexpected first output: %q", resp.Results[0].Output)
	}
	if resp.Results[1].Error == nil {
		t.Error("expected error for the broken item")
	}
}

func TestBatchEndpointRequiresItems(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/batch", batchRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestInstallEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/install", installRequest{
		Packages: []string{"markdown"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp installResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Installed) != 1 || resp.Installed[0] != "markdown" {
		t.Errorf("unexpected installed list: %v", resp.Installed)
	}
	if len(resp.Failed) != 0 {
		t.Errorf("unexpected failures: %v", resp.Failed)
	}
}

func TestExecEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/exec", execRequest{Code: "print(42)"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp renderResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Output != "42\n" {
		t.Errorf("unexpected output: %q", resp.Output)
	}
}

func TestProcessEndpoint(t *testing.T) {
	srv := newTestServer(t)

	source := `<p data-bird-template data-bird-context='{"who": "there"}'>Hi {who}!</p>`
	w := doJSON(t, srv, http.MethodPost, "/api/process", processRequest{Source: source})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp processResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Elements != 1 || resp.Rendered != 1 {
		t.Errorf("expected 1 rendered element, got %+v", resp)
	}
	if !strings.Contains(resp.Output, ">Hi there!</p>") {
		t.Errorf("rendered content missing from output: %q", resp.Output)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "ready" || !resp.Ready {
		t.Errorf("expected ready state, got %+v", resp)
	}
	if resp.EventsPublished == 0 {
		t.Error("expected published lifecycle events after init")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	pg := playground.New(playground.Config{
		NewEngine: func() (engine.Engine, error) { return &engine.Fake{}, nil },
	})
	t.Cleanup(pg.Cleanup)
	srv := newServer(pg)

	w := doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 before init, got %d", w.Code)
	}

	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	w = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 after init, got %d", w.Code)
	}
}

func TestIndexWithoutDocument(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestIndexServesPlaceholders(t *testing.T) {
	srv := newTestServer(t)

	doc := `<div data-bird-template>Hello {name}!</div>`
	srv.setPage(autorender.Placeholders(doc))

	w := doJSON(t, srv, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), autorender.DefaultLoadingText) {
		t.Errorf("expected loading placeholder in page, got %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("expected html content type, got %q", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Drive one render so the op counter has a series to export.
	doJSON(t, srv, http.MethodPost, "/api/render", renderRequest{Template: "hi"})

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "bird_render_duration_seconds") {
		t.Error("metrics should expose the render duration histogram")
	}
	if !strings.Contains(body, "bird_api_requests_total") {
		t.Error("metrics should expose the request counter")
	}
}

func TestEventsEndpointRejectsPlainGet(t *testing.T) {
	srv := newTestServer(t)

	// No WebSocket upgrade headers, so the handshake must fail.
	w := doJSON(t, srv, http.MethodGet, "/events", nil)
	if w.Code < 400 {
		t.Errorf("expected handshake rejection, got %d", w.Code)
	}
}
