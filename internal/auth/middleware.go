package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Middleware provides authentication middleware for gin handlers.
type Middleware struct {
	authService *AuthService
}

func NewMiddleware(s *AuthService) *Middleware { return &Middleware{authService: s} }

func (m *Middleware) Service() *AuthService { return m.authService }

// GinAuth accepts a Bearer token or HTTP basic credentials.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authResult, err := m.authenticate(c.Request)
		if err != nil || !authResult.Success {
			c.Header("WWW-Authenticate", `Basic realm="horizon"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(ResultKey), authResult)
		c.Next()
	}
}

// GinRequirePermission must run after GinAuth.
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(string(ResultKey))
		result, ok := v.(*AuthResult)
		if !exists || !ok || !result.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !m.authService.HasPermission(result.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// GinLogin handles POST /auth/login.
func (m *Middleware) GinLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := m.authService.Login(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "Invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.authService.authenticateJWT(strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.authService.authenticateBasic(username, password)
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}
