package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgefn/gemini-relay/internal/apitypes"
)

// Result is the two-stage outcome of one upstream call. RawBody is always
// retained; Parsed is set exactly when RawBody is valid JSON. Transport
// failures never produce a Result, they surface as ordinary errors.
type Result struct {
	Status    int
	RawBody   []byte
	Parsed    any
	LatencyMs int64
}

func (r *Result) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func (r *Result) JSONValid() bool {
	return r != nil && r.Parsed != nil
}

// ErrorObject returns the parsed body's top-level "error" value, if any.
func (r *Result) ErrorObject() (any, bool) {
	if r == nil {
		return nil, false
	}
	obj, ok := r.Parsed.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj["error"]
	return v, ok
}

// ErrorMessage returns the parsed body's "error.message" string, or "" when
// the body carries no such field.
func (r *Result) ErrorMessage() string {
	v, ok := r.ErrorObject()
	if !ok {
		return ""
	}
	eobj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := eobj["message"].(string)
	return strings.TrimSpace(msg)
}

// Caller sends one generateContent request and reports upstream status plus
// raw body. Implementations must not retry.
type Caller interface {
	GenerateContent(ctx context.Context, apiKey, model string, req *apitypes.GenerateContentRequest) (*Result, error)
}

// Client is the HTTP Caller against the Gemini native API. The credential is
// passed as the `key` query parameter, per the generateContent contract.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// EndpointURL returns the upstream URL for model, without the key parameter.
func (c *Client) EndpointURL(model string) string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return base + "/v1beta/models/" + model + ":generateContent"
}

func (c *Client) GenerateContent(ctx context.Context, apiKey, model string, payload *apitypes.GenerateContentRequest) (*Result, error) {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	upstreamURL := c.EndpointURL(model) + "?key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	res := &Result{
		Status:    resp.StatusCode,
		RawBody:   raw,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	// Raw text first, JSON second: a failed parse leaves Parsed nil and the
	// raw text available for diagnostics.
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		res.Parsed = parsed
	}
	return res, nil
}
