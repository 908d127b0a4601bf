package tenant

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/logger"
)

// ContextKey is the gin context key the resolved scope is stored under.
const ContextKey = "tenant.scope"

// Middleware validates the Authorization bearer token and injects the tenant
// scope into both the gin context and the request context. Requests without a
// valid token never reach a handler.
func Middleware(tokens *TokenService, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		}

		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			log.Warn("request denied: missing bearer token", endpoint...)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
				"code":  "unauthorized",
			})
			return
		}

		// The token itself is never logged.
		scope, err := tokens.Verify(raw)
		if err != nil {
			log.Warn("request denied: token rejected", append(endpoint, zap.Error(err))...)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "unauthorized",
			})
			return
		}

		log.Debug("request authorized", append(endpoint, zap.String("user_id", scope.UserID))...)

		c.Set(ContextKey, scope)
		c.Request = c.Request.WithContext(WithScope(c.Request.Context(), scope))
		c.Next()
	}
}

// ScopeFrom returns the scope placed on the gin context by Middleware.
func ScopeFrom(c *gin.Context) Scope {
	if v, ok := c.Get(ContextKey); ok {
		if s, ok := v.(Scope); ok {
			return s
		}
	}
	return Scope{}
}

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
