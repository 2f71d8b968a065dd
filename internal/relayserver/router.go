package relayserver

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgefn/gemini-relay/internal/config"
	"github.com/edgefn/gemini-relay/internal/upstream"
	"github.com/edgefn/gemini-relay/internal/version"
)

func NewRouter(cfg *config.Config, st *state, caller upstream.Caller, accessLogger *log.Logger) *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware())
	if cfg.Logging.AccessLog {
		r.Use(requestLogger(accessLogger))
	}
	r.Use(gin.Recovery())
	if cfg.TrafficDump.Enabled {
		r.Use(trafficDumpMiddleware(cfg))
	}

	// The relay route is POST-only; anything else gets the 405 envelope.
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusMethodNotAllowed, "Method Not Allowed. Use POST.")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "version": version.Short()})
	})

	v1 := r.Group("/v1")
	v1.POST("/generate", makeGenerateHandler(st, caller))

	return r
}
