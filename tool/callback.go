package tool

import (
	"maps"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Error bodies are {"error": msg} plus optional top level fields; success
// bodies are {"status": "ok"} or {"data": v}.

func FastReturnError(msg string) gin.H {
	return FastReturnErrorWithData(msg, nil)
}

// FastReturnErrorWithData merges extra into the error body. The "error" key is never overridden.
func FastReturnErrorWithData(msg string, extra map[string]any) gin.H {
	resp := make(gin.H, len(extra)+1)
	maps.Copy(resp, extra)
	resp["error"] = msg
	return resp
}

func FastReturnSuccess() gin.H {
	return gin.H{"status": "ok"}
}

func FastReturnSuccessWithData(data any) gin.H {
	return gin.H{"data": data}
}

// FastAbortError stops the handler chain with an error body.
func FastAbortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, FastReturnError(msg))
}

// FastReturnRetry answers with status and a Retry-After hint in whole seconds.
func FastReturnRetry(c *gin.Context, status int, msg string, after time.Duration) {
	secs := int(after.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(status, FastReturnError(msg))
}
