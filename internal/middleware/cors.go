package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSConfig controls which browser origins (presenter dashboard, audience app) may call the API.
type CORSConfig struct {
	AllowedOrigins string        // "*" or comma-separated, e.g. "http://localhost:3000,http://localhost:3001"
	MaxAge         time.Duration // preflight cache, 10m when zero
}

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, " + HeaderRequestID
)

// CORS answers preflight requests and tags responses for allowed origins. Requests without an
// Origin header pass through untouched; a preflight from an unknown origin gets 403.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	allowAll, origins := splitOrigins(cfg.AllowedOrigins)
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	maxAgeSec := strconv.Itoa(int(maxAge / time.Second))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		case preflight:
			c.AbortWithStatus(http.StatusForbidden)
			return
		default:
			c.Next()
			return
		}
		c.Header("Access-Control-Expose-Headers", HeaderRequestID)

		if preflight {
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", maxAgeSec)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func splitOrigins(s string) (bool, map[string]bool) {
	origins := make(map[string]bool)
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return true, nil
		}
		if o != "" {
			origins[o] = true
		}
	}
	return len(origins) == 0, origins
}
