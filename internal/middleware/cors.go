package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type"
	corsExpose  = "Retry-After"
)

// CORS answers preflight requests and tags responses for browser viewers.
// allowedOrigins is "*" or a comma-separated list (e.g. "http://localhost:3000,https://viewer.example.com").
// An empty list allows any origin.
func CORS(allowedOrigins string) gin.HandlerFunc {
	wildcard, allowed := parseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); wildcard {
			setCORSHeaders(c, "*")
		} else if origin != "" {
			c.Header("Vary", "Origin")
			if _, ok := allowed[origin]; ok {
				setCORSHeaders(c, origin)
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func setCORSHeaders(c *gin.Context, origin string) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Expose-Headers", corsExpose)
	h.Set("Access-Control-Max-Age", "86400")
}

func parseOrigins(s string) (wildcard bool, allowed map[string]struct{}) {
	allowed = make(map[string]struct{})
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	_, star := allowed["*"]
	return star || len(allowed) == 0, allowed
}
