package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With", RequestIDHeader}, ", ")
	corsExposeHeaders = strings.Join([]string{"Content-Length", "Content-Disposition", "Location", RequestIDHeader}, ", ")
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
)

// CORSConfig holds CORS configuration.
// With no origins listed and AllowAllOrigins false, the request origin is echoed back.
type CORSConfig struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, and
// false when the origin gets no CORS headers at all.
func (cfg CORSConfig) allowOrigin(origin string) (string, bool) {
	if cfg.AllowAllOrigins {
		return "*", true
	}
	if len(cfg.AllowedOrigins) == 0 {
		return origin, origin != ""
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return origin, true
		}
	}
	return "", false
}

// CORS answers preflight requests and decorates responses for allowed origins.
// Uploads and retrieval are browser-facing, so Location and the request id are exposed.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, ok := cfg.allowOrigin(c.GetHeader("Origin"))
		if !ok {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		// Credentials cannot be combined with a wildcard origin.
		if allowed == "*" {
			h.Set("Access-Control-Allow-Credentials", "false")
		} else {
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
