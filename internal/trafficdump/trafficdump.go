package trafficdump

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgefn/gemini-relay/internal/requestid"
)

const (
	ctxKeyRecorder = "relay.traffic_dump_recorder"
)

type Config struct {
	Enabled     bool
	Dir         string
	FilePath    string
	MaxBytes    int
	MaskSecrets bool
}

// Recorder writes one dump file per request: the origin request, the upstream
// exchange, and the relayed response. Secrets (the upstream key query
// parameter, auth-ish headers) are masked unless masking is disabled.
type Recorder struct {
	mu       sync.Mutex
	f        *os.File
	maxBytes int
	mask     bool
	closed   bool
}

func RequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v := strings.TrimSpace(c.GetString(requestid.HeaderKey)); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader(requestid.HeaderKey)); v != "" {
		return v
	}
	id := requestid.Gen()
	c.Set(requestid.HeaderKey, id)
	c.Header(requestid.HeaderKey, id)
	return id
}

// Start opens the dump file for this request and writes the META section.
//
// Template variables for cfg.FilePath:
//   - {{.request_id}} (recommended)
func Start(c *gin.Context, cfg Config) (*Recorder, error) {
	if c == nil {
		return nil, errors.New("context is nil")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("traffic_dump.dir is empty")
	}
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, errors.New("traffic_dump.file_path is empty")
	}
	if cfg.MaxBytes < 0 {
		return nil, errors.New("traffic_dump.max_bytes must be non-negative")
	}

	rid := RequestID(c)

	data := map[string]string{
		"request_id": rid,
	}
	tmpl, err := template.New("path").Parse(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}

	dir := strings.TrimSpace(cfg.Dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, buf.String())
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from configured dump dir and template.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		f:        f,
		maxBytes: cfg.MaxBytes,
		mask:     cfg.MaskSecrets,
	}
	c.Set(ctxKeyRecorder, r)

	r.writeLine("=== META ===")
	r.writeLine(fmt.Sprintf("time=%s", time.Now().Format(time.RFC3339)))
	r.writeLine(fmt.Sprintf("request_id=%s", rid))
	r.writeLine(fmt.Sprintf("method=%s", c.Request.Method))
	r.writeLine(fmt.Sprintf("path=%s", maskURLIfNeeded(c.Request.URL.String(), r.mask)))
	r.writeLine(fmt.Sprintf("client_ip=%s", c.ClientIP()))
	r.writeLine("headers:")
	for k, vals := range c.Request.Header {
		for _, v := range vals {
			r.writeLine(fmt.Sprintf("  %s: %s", k, maskIfNeeded(k, v, r.mask)))
		}
	}
	r.writeLine("")

	return r, nil
}

func FromContext(c *gin.Context) *Recorder {
	if c == nil {
		return nil
	}
	v, ok := c.Get(ctxKeyRecorder)
	if !ok {
		return nil
	}
	rec, _ := v.(*Recorder)
	return rec
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	_ = r.f.Close()
}

func (r *Recorder) MaxBytes() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBytes
}

func (r *Recorder) writeLine(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_, _ = r.f.WriteString(s)
	_, _ = r.f.WriteString("\n")
}

func (r *Recorder) writeBlock(title string, content []byte, truncated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if title != "" {
		_, _ = r.f.WriteString(title)
		_, _ = r.f.WriteString("\n")
	}
	_, _ = r.f.Write(content)
	if len(content) == 0 || content[len(content)-1] != '\n' {
		_, _ = r.f.WriteString("\n")
	}
	if truncated {
		_, _ = r.f.WriteString("[truncated]\n")
	}
	_, _ = r.f.WriteString("\n")
}

func maskIfNeeded(key, val string, on bool) string {
	if !on {
		return val
	}
	lk := strings.ToLower(key)
	if strings.Contains(lk, "authorization") ||
		strings.Contains(lk, "api-key") ||
		lk == "x-api-key" ||
		lk == "cookie" ||
		strings.Contains(lk, "token") {
		return "[REDACTED]"
	}
	return val
}

func maskURLIfNeeded(rawURL string, on bool) string {
	if !on {
		return rawURL
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if len(q) == 0 {
		return rawURL
	}

	shouldRedactKey := func(k string) bool {
		lk := strings.ToLower(strings.TrimSpace(k))
		if lk == "" {
			return false
		}
		// Gemini native uses `key=...` query parameter.
		if lk == "key" || lk == "api_key" || lk == "apikey" {
			return true
		}
		if strings.Contains(lk, "token") || strings.Contains(lk, "secret") {
			return true
		}
		return false
	}

	changed := false
	for k := range q {
		if !shouldRedactKey(k) {
			continue
		}
		// Keep the key, redact all values.
		q.Set(k, "[REDACTED]")
		changed = true
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func AppendOriginRequest(c *gin.Context, body []byte, truncated bool) {
	if r := FromContext(c); r != nil {
		r.writeBlock("=== ORIGIN REQUEST ===", body, truncated)
	}
}

func AppendUpstreamRequest(c *gin.Context, method string, url string, body []byte, truncated bool) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== UPSTREAM REQUEST ===")
		r.writeLine(fmt.Sprintf("%s %s", method, maskURLIfNeeded(url, r.mask)))
		r.writeLine("")
		r.writeBlock("", body, truncated)
	}
}

func AppendUpstreamResponse(c *gin.Context, status int, body []byte, truncated bool) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== UPSTREAM RESPONSE ===")
		r.writeLine(fmt.Sprintf("status=%d", status))
		r.writeLine("")
		r.writeBlock("", body, truncated)
	}
}

func AppendRelayResponse(c *gin.Context, statusCode int, body []byte, truncated bool) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== RELAY RESPONSE ===")
		r.writeLine(fmt.Sprintf("status=%d", statusCode))
		r.writeLine("")
		r.writeBlock("", body, truncated)
	}
}

func LimitBytes(b []byte, max int) (out []byte, truncated bool) {
	if max <= 0 {
		return nil, false
	}
	if len(b) <= max {
		return b, false
	}
	return b[:max], true
}
