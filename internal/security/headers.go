// Package security provides HTTP hardening middleware for the settlement API.
package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API only
// serves JSON, so nothing may be framed, embedded or cached.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Escrow state changes with every webhook; stale copies are wrong copies.
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// allowedHeaders are the request headers the admin dashboard may send.
var allowedHeaders = []string{
	"Authorization", "Content-Type", "X-Request-ID",
	"X-Actor-Role", "X-Actor-Id", "Idempotency-Key",
}

// CORSMiddleware allows the admin dashboard origins to call the API. Requests
// from other origins are refused with 403. "*" allows any origin without
// credentials; an empty list disables CORS handling entirely.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	var origins []string
	wildcard := false
	for _, o := range allowedOrigins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, o)
		}
	}
	if !wildcard && len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: allowedHeaders,
		MaxAge:       24 * time.Hour,
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
