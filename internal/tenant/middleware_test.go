package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atelier-ai/atelier/internal/common/logger"
)

func newObservedRouter(t *testing.T) (*gin.Engine, *TokenService, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromZap(zap.New(core))

	tokens := NewTokenService("test-secret", 30*time.Second)
	router := gin.New()
	router.GET("/my/projects", Middleware(tokens, log), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": ScopeFrom(c).UserID})
	})
	return router, tokens, logs
}

func TestMiddlewareLogsAllowWithPrincipal(t *testing.T) {
	router, tokens, logs := newObservedRouter(t)

	token, err := tokens.Mint("u1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/my/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	allowed := logs.FilterMessage("request authorized").All()
	require.Len(t, allowed, 1)
	fields := allowed[0].ContextMap()
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, "/my/projects", fields["path"])
	assert.Equal(t, http.MethodGet, fields["method"])
	assert.NotEmpty(t, fields["client_ip"])
}

func TestMiddlewareLogsDenyWithEndpoint(t *testing.T) {
	router, _, logs := newObservedRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/my/projects", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	denied := logs.FilterMessage("request denied: missing bearer token").All()
	require.Len(t, denied, 1)
	assert.Equal(t, "/my/projects", denied[0].ContextMap()["path"])

	// The raw token never appears in deny logs either.
	req = httptest.NewRequest(http.MethodGet, "/my/projects", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rejected := logs.FilterMessage("request denied: token rejected").All()
	require.Len(t, rejected, 1)
	for _, field := range rejected[0].Context {
		assert.NotContains(t, field.String, "not-a-jwt")
	}
}
