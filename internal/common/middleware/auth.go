package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/user"
	"github.com/tackle-tarts/giveaway-backend/internal/service/auth"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
	ctxEmail  = "email"
)

// TokenParser validates bearer tokens.
type TokenParser interface {
	ParseToken(raw string) (*auth.Claims, error)
}

// RequireAuth accepts "Authorization: Bearer <jwt>" and stores the caller in
// the gin context.
func RequireAuth(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			Abort(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := tokens.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			Abort(c, errors.Wrap(err, errors.ErrCodeUnauthorized, "Unauthorized: invalid token"))
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Set(ctxEmail, claims.Email)
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			Abort(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}
		if !IsAdmin(c) {
			Abort(c, errors.NewForbiddenError("admin access required"))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user's id, or "" when anonymous.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetString(ctxRole) == user.RoleAdmin
}
