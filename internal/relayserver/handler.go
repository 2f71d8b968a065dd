package relayserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edgefn/gemini-relay/internal/apitypes"
	"github.com/edgefn/gemini-relay/internal/logx"
	"github.com/edgefn/gemini-relay/internal/trafficdump"
	"github.com/edgefn/gemini-relay/internal/upstream"
)

// makeGenerateHandler builds the relay handler: validate the inbound request,
// forward the prompt to the Gemini generateContent endpoint with the
// server-held key, and translate the upstream result back to the caller.
//
// Validation order: JSON parse, credential, prompt. The credential is checked
// before the prompt because a missing key is a deployment problem and should
// fail the same way regardless of payload quality.
func makeGenerateHandler(st *state, caller upstream.Caller) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := ioReadAllLimit(c.Request.Body, 16<<20) // 16MB
		if err != nil {
			writeError(c, http.StatusBadRequest, "Bad request: "+err.Error())
			return
		}

		if rec := trafficdump.FromContext(c); rec != nil && rec.MaxBytes() > 0 {
			limited, truncated := trafficdump.LimitBytes(body, rec.MaxBytes())
			trafficdump.AppendOriginRequest(c, limited, truncated)
		}

		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			writeError(c, http.StatusBadRequest, "Bad request: body must be a JSON object")
			return
		}

		apiKey := st.Credential()
		if apiKey == "" {
			writeError(c, http.StatusInternalServerError, "Server configuration error: missing Gemini API key")
			return
		}

		prompt, _ := obj["prompt"].(string)
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			writeError(c, http.StatusBadRequest, "Bad request: 'prompt' is missing or empty")
			return
		}
		c.Set("relay.prompt", logx.Snippet(prompt, 48))

		cfg := st.Config()
		model := cfg.Upstream.Model
		c.Set("relay.model", model)

		payload := apitypes.NewPromptRequest(prompt)
		if rec := trafficdump.FromContext(c); rec != nil && rec.MaxBytes() > 0 {
			if pb, err := json.Marshal(payload); err == nil {
				limited, truncated := trafficdump.LimitBytes(pb, rec.MaxBytes())
				trafficdump.AppendUpstreamRequest(c, http.MethodPost, upstreamEndpoint(cfg.Upstream.BaseURL, model), limited, truncated)
			}
		}

		res, err := caller.GenerateContent(c.Request.Context(), apiKey, model, payload)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Proxy function execution error: "+err.Error())
			return
		}
		c.Set("relay.upstream_status", res.Status)
		c.Set("relay.latency_ms", res.LatencyMs)

		if rec := trafficdump.FromContext(c); rec != nil && rec.MaxBytes() > 0 {
			limited, truncated := trafficdump.LimitBytes(res.RawBody, rec.MaxBytes())
			trafficdump.AppendUpstreamResponse(c, res.Status, limited, truncated)
		}

		if !res.JSONValid() {
			writeErrorDetails(c, http.StatusBadGateway, "Invalid response from upstream API", string(res.RawBody))
			return
		}

		if !res.OK() {
			msg := res.ErrorMessage()
			if msg == "" {
				msg = fmt.Sprintf("upstream returned status %d", res.Status)
			}
			errObj, _ := res.ErrorObject()
			writeErrorDetails(c, res.Status, "Gemini API Error: "+msg, errObj)
			return
		}

		// Success: relay the upstream JSON verbatim.
		c.Data(http.StatusOK, "application/json", res.RawBody)
		if rec := trafficdump.FromContext(c); rec != nil && rec.MaxBytes() > 0 {
			limited, truncated := trafficdump.LimitBytes(res.RawBody, rec.MaxBytes())
			trafficdump.AppendRelayResponse(c, http.StatusOK, limited, truncated)
		}
	}
}

func upstreamEndpoint(baseURL, model string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1beta/models/" + model + ":generateContent"
}

func ioReadAllLimit(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, rc, limit+1); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, errors.New("request body too large")
	}
	return buf.Bytes(), nil
}
