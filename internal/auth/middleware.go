package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/logging"
)

const (
	// ContextKeyActor is the gin context key for the authenticated Actor
	ContextKeyActor = "authActor"
	// ContextKeyUserID is the gin context key for the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware resolves the API key, when present, into an Actor on the gin
// context. Requests without a valid key continue unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			actor, err := m.Authenticate(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyActor, actor)
				c.Set(ContextKeyUserID, actor.UserID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), actor.UserID))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer hf_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "admin role required",
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the authenticated caller, if any
func ActorFrom(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
