package relayserver

import "github.com/gin-gonic/gin"

// Error envelopes are flat: {"error": msg} with an optional "details" field
// carrying upstream diagnostics. The upstream credential never appears here.

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func writeErrorDetails(c *gin.Context, status int, msg string, details any) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "details": details})
}
