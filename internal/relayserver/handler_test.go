package relayserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/edgefn/gemini-relay/internal/config"
	"github.com/edgefn/gemini-relay/internal/upstream"
)

func newTestRouter(t *testing.T, apiKey, baseURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.Model = "gemini-test"
	cfg.Upstream.APIKey = apiKey
	cfg.Logging.AccessLog = false

	st := &state{cfg: cfg}
	caller := &upstream.Client{BaseURL: baseURL}
	return NewRouter(cfg, st, caller, nil)
}

func doJSON(t *testing.T, r *gin.Engine, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/v1/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errField(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v (body=%s)", err, w.Body.String())
	}
	msg, _ := out["error"].(string)
	if msg == "" {
		t.Fatalf("missing error field in body: %s", w.Body.String())
	}
	return msg
}

func TestGenerate_NonPOST_MethodNotAllowed(t *testing.T) {
	r := newTestRouter(t, "k", "http://127.0.0.1:0")

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		w := doJSON(t, r, method, `{"prompt":"hi"}`)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: code=%d body=%s", method, w.Code, w.Body.String())
		}
		if msg := errField(t, w); !strings.Contains(msg, "Method Not Allowed") {
			t.Fatalf("%s: unexpected error: %q", method, msg)
		}
	}
}

func TestGenerate_InvalidJSONBody(t *testing.T) {
	r := newTestRouter(t, "k", "http://127.0.0.1:0")

	for _, body := range []string{"", "not json", "{", `"plain string"`} {
		w := doJSON(t, r, http.MethodPost, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body=%q: code=%d resp=%s", body, w.Code, w.Body.String())
		}
		if msg := errField(t, w); !strings.HasPrefix(msg, "Bad request:") {
			t.Fatalf("body=%q: unexpected error: %q", body, msg)
		}
	}
}

func TestGenerate_MissingPrompt(t *testing.T) {
	r := newTestRouter(t, "k", "http://127.0.0.1:0")

	for _, body := range []string{`{}`, `{"prompt":""}`, `{"prompt":"   "}`, `{"prompt":42}`, `{"text":"hi"}`} {
		w := doJSON(t, r, http.MethodPost, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body=%q: code=%d resp=%s", body, w.Code, w.Body.String())
		}
		if msg := errField(t, w); !strings.Contains(msg, "'prompt'") {
			t.Fatalf("body=%q: unexpected error: %q", body, msg)
		}
	}
}

func TestGenerate_MissingCredential(t *testing.T) {
	// Valid prompt, no key: 500 before any upstream call.
	upstreamCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "", srv.URL)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"hi"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if msg := errField(t, w); !strings.Contains(msg, "Server configuration error") {
		t.Fatalf("unexpected error: %q", msg)
	}
	if upstreamCalled {
		t.Fatal("upstream must not be called without a credential")
	}
}

func TestGenerate_Success_VerbatimBody(t *testing.T) {
	const upstreamBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello!"}]}}],"usageMetadata":{"totalTokenCount":7}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("upstream method: %s", r.Method)
		}
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Fatalf("upstream path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "secret-key" {
			t.Fatalf("upstream key param: %q", got)
		}
		if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
			t.Fatalf("upstream content type: %q", ct)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode upstream request: %v", err)
		}
		contents, _ := req["contents"].([]any)
		if len(contents) != 1 {
			t.Fatalf("unexpected contents: %#v", req["contents"])
		}
		c0, _ := contents[0].(map[string]any)
		if c0["role"] != "user" {
			t.Fatalf("unexpected role: %#v", c0["role"])
		}
		parts, _ := c0["parts"].([]any)
		p0, _ := parts[0].(map[string]any)
		if p0["text"] != "say hello" {
			t.Fatalf("unexpected prompt text: %#v", p0["text"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "secret-key", srv.URL)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"say hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != upstreamBody {
		t.Fatalf("body not relayed verbatim:\n got=%s\nwant=%s", got, upstreamBody)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content type: %q", ct)
	}
}

func TestGenerate_UpstreamErrorStatusPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"rate limited","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "k", srv.URL)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"hi"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	msg := errField(t, w)
	if !strings.HasPrefix(msg, "Gemini API Error:") || !strings.Contains(msg, "rate limited") {
		t.Fatalf("unexpected error: %q", msg)
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	details, _ := out["details"].(map[string]any)
	if details["status"] != "RESOURCE_EXHAUSTED" {
		t.Fatalf("unexpected details: %#v", out["details"])
	}
}

func TestGenerate_UpstreamErrorWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"unavailable":true}`))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "k", srv.URL)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if msg := errField(t, w); !strings.Contains(msg, "503") {
		t.Fatalf("expected synthesized status message, got: %q", msg)
	}
}

func TestGenerate_UpstreamNonJSONResponse(t *testing.T) {
	const htmlPage = "<html><body>502 Bad Gateway</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "k", srv.URL)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"hi"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if out["details"] != htmlPage {
		t.Fatalf("details should carry the raw text: %#v", out["details"])
	}
}

func TestGenerate_UpstreamTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close() // connection refused from here on

	r := newTestRouter(t, "k", base)
	w := doJSON(t, r, http.MethodPost, `{"prompt":"hi"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	msg := errField(t, w)
	if !strings.HasPrefix(msg, "Proxy function execution error:") {
		t.Fatalf("unexpected error: %q", msg)
	}
	if !strings.Contains(msg, "connect") && !strings.Contains(msg, "refused") {
		t.Fatalf("expected underlying transport error text, got: %q", msg)
	}
}

func TestGenerate_NoCaching_TwoCallsTwoUpstreamRequests(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "k", srv.URL)
	for i := 0; i < 2; i++ {
		w := doJSON(t, r, http.MethodPost, `{"prompt":"same prompt"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("call %d: code=%d body=%s", i, w.Code, w.Body.String())
		}
	}
	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Fatalf("expected 2 upstream calls, observed %d", n)
	}
}

func TestGenerate_RequestIDEchoed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	t.Cleanup(srv.Close)

	r := newTestRouter(t, "k", srv.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("X-Request-Id", "rid-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("request id not echoed: %q", got)
	}
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t, "k", "http://127.0.0.1:0")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}
