package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgefn/gemini-relay/internal/apitypes"
)

func TestGenerateContent_ParsedJSONResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Fatalf("path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "k1" {
			t.Fatalf("key param: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"index":0}]}`))
	}))
	t.Cleanup(srv.Close)

	c := &Client{BaseURL: srv.URL}
	res, err := c.GenerateContent(context.Background(), "k1", "gemini-2.0-flash", apitypes.NewPromptRequest("hi"))
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if !res.OK() || !res.JSONValid() {
		t.Fatalf("unexpected result: %#v", res)
	}
	obj, ok := res.Parsed.(map[string]any)
	if !ok {
		t.Fatalf("parsed is not an object: %#v", res.Parsed)
	}
	if _, ok := obj["candidates"]; !ok {
		t.Fatalf("missing candidates: %#v", obj)
	}
}

func TestGenerateContent_RawTextKeptOnParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	t.Cleanup(srv.Close)

	c := &Client{BaseURL: srv.URL}
	res, err := c.GenerateContent(context.Background(), "k", "m", apitypes.NewPromptRequest("hi"))
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if res.JSONValid() {
		t.Fatalf("expected parse failure, got: %#v", res.Parsed)
	}
	if string(res.RawBody) != "<html>oops</html>" {
		t.Fatalf("raw body not retained: %q", res.RawBody)
	}
	if res.Status != http.StatusBadGateway {
		t.Fatalf("status: %d", res.Status)
	}
}

func TestResult_ErrorMessage(t *testing.T) {
	res := &Result{Parsed: map[string]any{
		"error": map[string]any{"code": float64(403), "message": " key invalid "},
	}}
	if got := res.ErrorMessage(); got != "key invalid" {
		t.Fatalf("ErrorMessage: %q", got)
	}

	res = &Result{Parsed: map[string]any{"candidates": []any{}}}
	if got := res.ErrorMessage(); got != "" {
		t.Fatalf("expected empty message, got %q", got)
	}
	if _, ok := res.ErrorObject(); ok {
		t.Fatal("expected no error object")
	}
}

func TestGenerateContent_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := &Client{BaseURL: base}
	if _, err := c.GenerateContent(context.Background(), "k", "m", apitypes.NewPromptRequest("hi")); err == nil {
		t.Fatal("expected transport error")
	}
}
