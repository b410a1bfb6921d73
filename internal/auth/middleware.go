// Package auth authenticates the marketplace backend calling the settlement
// API and carries the actor it acts for.
//
// The marketplace has already authenticated its end user. It presents the
// shared internal secret as a bearer token and names the user in the
// X-Actor-Role and X-Actor-Id headers. Escrow guards then check that actor.
package auth

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/validation"
)

const (
	HeaderActorRole = "X-Actor-Role"
	HeaderActorID   = "X-Actor-Id"
)

// Middleware requires "Authorization: Bearer <secret>" and stores the actor
// headers in the gin context. An empty secret disables the token check,
// which config only allows outside production.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && !validToken(c.GetHeader("Authorization"), secret) {
			logging.Security(c.Request.Context()).Warn("internal api token rejected",
				"path", c.FullPath(), "clientIp", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid internal API token is required.",
			})
			return
		}

		c.Set(escrow.ContextKeyActorRole, strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))))
		c.Set(escrow.ContextKeyActorID, validation.SanitizeString(c.GetHeader(HeaderActorID), 128))
		c.Next()
	}
}

func validToken(header, secret string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) == 1
}

// RequireRole rejects callers whose actor role is not one of roles.
func RequireRole(roles ...escrow.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, escrow.ActorFromContext(c).Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Your role is not allowed to call this endpoint.",
			})
			return
		}
		c.Next()
	}
}
