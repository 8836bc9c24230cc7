// Package auth reads caller identity from a trusted upstream proxy.
//
// Authentication happens before requests reach this service. The proxy sets
// X-User-ID for the signed-in user and X-User-Role ("staff" for operators).
// Admin endpoints additionally require the shared X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the authenticated user.
	HeaderUserID = "X-User-ID"
	// HeaderUserRole carries the user's role.
	HeaderUserRole = "X-User-Role"
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyUserID is the key for storing the caller's user ID in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyStaff is set to true for staff callers
	ContextKeyStaff = "authStaff"
)

// RoleStaff marks operators in HeaderUserRole.
const RoleStaff = "staff"

// Middleware copies upstream identity headers into the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
			c.Set(ContextKeyUserID, id)
			c.Set(ContextKeyStaff, strings.EqualFold(c.GetHeader(HeaderUserRole), RoleStaff))
		}
		c.Next()
	}
}

// RequireUser rejects requests without an upstream identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing " + HeaderUserID + " header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that do not present the admin secret.
// An empty secret disables admin endpoints entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are not configured.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required.",
			})
			return
		}
		c.Set(ContextKeyStaff, true)
		c.Next()
	}
}

// GetUserID returns the authenticated user ID, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsStaff reports whether the caller is an operator.
func IsStaff(c *gin.Context) bool {
	return c.GetBool(ContextKeyStaff)
}

// ActorID returns the user ID, falling back to "admin" for secret-only admin calls.
func ActorID(c *gin.Context) string {
	if id := GetUserID(c); id != "" {
		return id
	}
	if IsStaff(c) {
		return "admin"
	}
	return ""
}
