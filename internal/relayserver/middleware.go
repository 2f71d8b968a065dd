package relayserver

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgefn/gemini-relay/internal/config"
	"github.com/edgefn/gemini-relay/internal/logx"
	"github.com/edgefn/gemini-relay/internal/requestid"
	"github.com/edgefn/gemini-relay/internal/trafficdump"
)

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestid.HeaderKey))
		if id == "" {
			id = requestid.Gen()
		}
		c.Header(requestid.HeaderKey, id)
		c.Set(requestid.HeaderKey, id)
		c.Next()
	}
}

func requestLogger(l *log.Logger) gin.HandlerFunc {
	if l == nil {
		l = log.New(os.Stdout, "", log.LstdFlags)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		fields := map[string]any{}
		if v := c.GetString(requestid.HeaderKey); v != "" {
			fields["request_id"] = v
		}
		if v, ok := c.Get("relay.model"); ok {
			fields["model"] = v
		}
		if v, ok := c.Get("relay.prompt"); ok {
			fields["prompt"] = v
		}
		if v, ok := c.Get("relay.upstream_status"); ok {
			fields["upstream_status"] = v
		}
		if v, ok := c.Get("relay.latency_ms"); ok {
			fields["upstream_latency_ms"] = v
		}

		l.Println(logx.FormatRequestLine(time.Now(), status, latency, c.ClientIP(), c.Request.Method, c.Request.URL.Path, fields))
	}
}

func trafficDumpMiddleware(cfg *config.Config) gin.HandlerFunc {
	tdcfg := trafficdump.Config{
		Enabled:     cfg.TrafficDump.Enabled,
		Dir:         cfg.TrafficDump.Dir,
		FilePath:    cfg.TrafficDump.FilePath,
		MaxBytes:    cfg.TrafficDump.MaxBytes,
		MaskSecrets: cfg.TrafficDump.MaskSecrets,
	}
	return func(c *gin.Context) {
		rec, err := trafficdump.Start(c, tdcfg)
		if err != nil {
			c.Next()
			return
		}
		c.Next()
		rec.Close()
	}
}
