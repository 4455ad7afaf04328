package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"schoolgate/internal/domain"
)

const actorKey = "actor"

// Middleware enforces bearer JWT tokens signed with HS256 and stores the
// caller's domain.Actor on the context. Browsers' EventSource cannot set
// headers, so an access_token query parameter is accepted as well.
func Middleware(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearer(c)
		if tokenStr == "" {
			unauthorized(c, "missing_token", "missing bearer token")
			return
		}
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			unauthorized(c, "invalid_token", "invalid token")
			return
		}
		actor, err := claims.Actor()
		if err != nil {
			unauthorized(c, "invalid_token", err.Error())
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// ActorFrom returns the actor Middleware stored. ok is false on routes
// without authentication.
func ActorFrom(c *gin.Context) (domain.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return domain.Actor{}, false
	}
	a, ok := v.(domain.Actor)
	return a, ok
}

// RequireRole lets only the listed roles through.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			unauthorized(c, "missing_token", "missing bearer token")
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{
			"kind":   domain.KindForbidden,
			"code":   domain.CodeRoleRequired,
			"reason": "your role cannot do this",
		}})
	}
}

func bearer(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return c.Query("access_token")
}

func unauthorized(c *gin.Context, code, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"kind":   "unauthorized",
		"code":   code,
		"reason": reason,
	}})
}
